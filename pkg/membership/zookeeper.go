package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"spectracache/pkg/types"
)

// ZKDiscovery registers this node as an ephemeral znode and feeds the set of
// registered nodes into a Detector. Each child of <root>/nodes is named
// "<id>@<addr>".
type ZKDiscovery struct {
	conn     *zk.Conn
	rootPath string
	self     types.NodeID
	addr     string
	log      *slog.Logger
}

// NewZKDiscovery connects to servers such as ["zk1:2181", "zk2:2181"].
func NewZKDiscovery(servers []string, rootPath string, self types.NodeID, addr string, log *slog.Logger) (*ZKDiscovery, error) {
	conn, _, err := zk.Connect(servers, 5*time.Second, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &ZKDiscovery{
		conn:     conn,
		rootPath: strings.TrimRight(rootPath, "/"),
		self:     self,
		addr:     addr,
		log:      log.With("component", "zk"),
	}, nil
}

func (m *ZKDiscovery) Close() error {
	m.conn.Close()
	return nil
}

func (m *ZKDiscovery) nodesPath() string { return m.rootPath + "/nodes" }

func (m *ZKDiscovery) ensurePath(path string) error {
	cur := ""
	for _, p := range strings.Split(path, "/") {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := m.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = m.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// RegisterSelf creates the ephemeral znode of this node.
func (m *ZKDiscovery) RegisterSelf(ctx context.Context) error {
	if err := m.waitConnected(ctx, 10*time.Second); err != nil {
		return err
	}
	if err := m.ensurePath(m.nodesPath()); err != nil {
		return fmt.Errorf("ensure nodes path: %w", err)
	}
	nodePath := m.nodesPath() + "/" + EncodeMember(m.self, m.addr)
	_, err := m.conn.Create(nodePath, nil, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create ephemeral node: %w", err)
	}
	m.log.Info("registered node", "path", nodePath)
	return nil
}

// Members reads the registered nodes once.
func (m *ZKDiscovery) Members() (map[types.NodeID]string, error) {
	children, _, err := m.conn.Children(m.nodesPath())
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}
	return DecodeMembers(children, m.log), nil
}

// Watch keeps d's node set equal to the registered nodes until ctx ends.
func (m *ZKDiscovery) Watch(ctx context.Context, d *Detector) {
	for {
		children, _, ch, err := m.conn.ChildrenW(m.nodesPath())
		if err != nil {
			m.log.Warn("children watch failed", "error", err)
			select {
			case <-time.After(2 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}
		d.SetNodes(DecodeMembers(children, m.log))

		select {
		case ev := <-ch:
			m.log.Debug("zk event", "type", ev.Type, "path", ev.Path)
		case <-ctx.Done():
			m.log.Info("watch stopped")
			return
		}
	}
}

func (m *ZKDiscovery) waitConnected(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		st := m.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
	}
}

// EncodeMember is the znode name of a node.
func EncodeMember(id types.NodeID, addr string) string {
	return strconv.FormatUint(uint64(id), 10) + "@" + strings.ReplaceAll(addr, "/", "|")
}

// DecodeMembers parses znode names, skipping malformed ones.
func DecodeMembers(children []string, log *slog.Logger) map[types.NodeID]string {
	out := make(map[types.NodeID]string, len(children))
	for _, c := range children {
		idPart, addr, ok := strings.Cut(c, "@")
		id, err := strconv.ParseUint(idPart, 10, 64)
		if !ok || err != nil || id == 0 {
			log.Warn("ignoring malformed member znode", "name", c)
			continue
		}
		out[types.NodeID(id)] = strings.ReplaceAll(addr, "|", "/")
	}
	return out
}
