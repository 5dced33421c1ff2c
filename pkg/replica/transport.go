package replica

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"spectracache/pkg/types"
)

const (
	// RaftEndpoint is the path prefix raft messages are posted to; the shard
	// id is appended.
	RaftEndpoint     = "/api/internal/raft"
	transportTimeout = 3 * time.Second
	maxRetries       = 3
	retryDelay       = 100 * time.Millisecond
)

// Transport delivers raft messages of any group to the node that hosts the
// recipient replica.
type Transport interface {
	Send(shard types.ShardID, msg raftpb.Message) error
	AddPeer(id types.NodeID, addr string)
	RemovePeer(id types.NodeID)
}

// HTTPTransport posts protobuf-encoded messages to peer nodes.
type HTTPTransport struct {
	peersMu    sync.RWMutex
	peers      map[types.NodeID]string
	httpClient *http.Client
	log        *slog.Logger
}

func NewHTTPTransport(peers map[types.NodeID]string, log *slog.Logger) *HTTPTransport {
	if log == nil {
		log = slog.Default()
	}
	cp := make(map[types.NodeID]string, len(peers))
	for id, addr := range peers {
		cp[id] = addr
	}
	return &HTTPTransport{
		peers: cp,
		httpClient: &http.Client{
			Timeout: transportTimeout,
		},
		log: log,
	}
}

func (t *HTTPTransport) AddPeer(id types.NodeID, addr string) {
	if addr == "" {
		return
	}
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	t.peers[id] = addr
}

func (t *HTTPTransport) RemovePeer(id types.NodeID) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	delete(t.peers, id)
}

func (t *HTTPTransport) Peer(id types.NodeID) (string, bool) {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()
	addr, ok := t.peers[id]
	return addr, ok
}

func (t *HTTPTransport) Send(shard types.ShardID, msg raftpb.Message) error {
	targetAddr, ok := t.Peer(types.NodeID(msg.To))
	if !ok {
		return fmt.Errorf("unknown peer node: %d", msg.To)
	}
	url := fmt.Sprintf("%s%s/%d", targetAddr, RaftEndpoint, shard)

	body, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := t.sendHTTP(url, body); err != nil {
			lastErr = err
			t.log.Debug("failed to send raft message, retrying",
				"attempt", attempt+1,
				"shard", shard,
				"to", msg.To,
				"type", msg.Type,
				"error", err)
			time.Sleep(retryDelay * time.Duration(attempt+1))
			continue
		}
		return nil
	}

	return fmt.Errorf("failed to send after %d retries: %w", maxRetries, lastErr)
}

func (t *HTTPTransport) sendHTTP(url string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), transportTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	return nil
}
