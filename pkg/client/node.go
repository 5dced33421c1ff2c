// Package client talks to spectracache nodes over HTTP: NodeClient is the
// node-to-node surface the router uses, Client the public API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"spectracache/pkg/api"
	"spectracache/pkg/cacheerr"
	"spectracache/pkg/membership"
	"spectracache/pkg/replica"
	"spectracache/pkg/router"
	"spectracache/pkg/shardmap"
	"spectracache/pkg/types"
)

const (
	contentTypeJSON = "application/json"
	defaultTimeout  = 10 * time.Second
)

// Internal endpoints served by every node.
const (
	ProposePath  = "/api/internal/propose/"
	QueryPath    = "/api/internal/query/"
	ExportPath   = "/api/internal/export/"
	GroupsPath   = "/api/internal/groups/"
	ShardMapPath = "/api/internal/shardmap"
	HealthPath   = "/health"
)

// NodeClient implements router.Remote against one node's internal API.
type NodeClient struct {
	baseURL    string
	httpClient *http.Client
}

var _ router.Remote = (*NodeClient)(nil)

// NewNodeClient creates a client for the node at baseURL, such as
// "http://node1:8080".
func NewNodeClient(baseURL string, httpClient *http.Client) *NodeClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &NodeClient{baseURL: baseURL, httpClient: httpClient}
}

func (c *NodeClient) Propose(ctx context.Context, shard types.ShardID, cmd replica.Cmd, acks int) (replica.Result, error) {
	var out api.ProposeResult
	err := call(ctx, c.httpClient, http.MethodPost, fmt.Sprintf("%s%s%d", c.baseURL, ProposePath, shard),
		api.ProposeRequest{Cmd: cmd, Acks: acks}, &out)
	return out.Result(err), err
}

func (c *NodeClient) Query(ctx context.Context, shard types.ShardID, req api.Request) (api.Response, error) {
	var out api.Response
	err := call(ctx, c.httpClient, http.MethodPost, fmt.Sprintf("%s%s%d", c.baseURL, QueryPath, shard), req, &out)
	return out, err
}

func (c *NodeClient) ShardMap(ctx context.Context) (*shardmap.Map, error) {
	var out shardmap.Map
	if err := call(ctx, c.httpClient, http.MethodGet, c.baseURL+ShardMapPath, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *NodeClient) Export(ctx context.Context, shard, dest types.ShardID, since uint64) (replica.Handoff, error) {
	var out replica.Handoff
	err := call(ctx, c.httpClient, http.MethodPost, fmt.Sprintf("%s%s%d", c.baseURL, ExportPath, shard),
		api.ExportRequest{Dest: dest, Since: since}, &out)
	return out, err
}

func (c *NodeClient) EnsureGroup(ctx context.Context, shard types.ShardID, members []types.NodeID, current *shardmap.Map) error {
	return call(ctx, c.httpClient, http.MethodPost, fmt.Sprintf("%s%s%d", c.baseURL, GroupsPath, shard),
		api.EnsureGroupRequest{Members: members, Current: current}, nil)
}

// Health checks that the node answers.
func (c *NodeClient) Health(ctx context.Context) error {
	return call(ctx, c.httpClient, http.MethodGet, c.baseURL+HealthPath, nil, nil)
}

// Factory builds NodeClients from a peer table and reuses them per node.
type Factory struct {
	httpClient *http.Client
	addr       func(types.NodeID) (string, bool)

	mu      sync.Mutex
	clients map[types.NodeID]*NodeClient
}

// NewFactory resolves node ids through addr, typically the raft transport's
// peer table.
func NewFactory(addr func(types.NodeID) (string, bool), httpClient *http.Client) *Factory {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Factory{httpClient: httpClient, addr: addr, clients: make(map[types.NodeID]*NodeClient)}
}

func (f *Factory) Node(id types.NodeID) (*NodeClient, error) {
	base, ok := f.addr(id)
	if !ok || base == "" {
		return nil, fmt.Errorf("%w: no address for node %d", cacheerr.ErrNodeUnreachable, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[id]; ok && c.baseURL == base {
		return c, nil
	}
	c := NewNodeClient(base, f.httpClient)
	f.clients[id] = c
	return c, nil
}

// Remote satisfies router.ClientFactory.
func (f *Factory) Remote(id types.NodeID) (router.Remote, error) {
	return f.Node(id)
}

// Probe is a membership.Prober that checks a node's health endpoint.
func (f *Factory) Probe(ctx context.Context, n membership.Node) error {
	if n.Addr != "" {
		return NewNodeClient(n.Addr, f.httpClient).Health(ctx)
	}
	c, err := f.Node(n.ID)
	if err != nil {
		return err
	}
	return c.Health(ctx)
}

// SendRaft posts a protobuf raft message, for tools that bypass the
// transport.
func (c *NodeClient) SendRaft(ctx context.Context, shard types.ShardID, msg raftpb.Message) error {
	body, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	url := fmt.Sprintf("%s%s/%d", c.baseURL, replica.RaftEndpoint, shard)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", cacheerr.ErrNodeUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("raft message rejected with status %d: %s", resp.StatusCode, b)
	}
	return nil
}

// call sends in as JSON and decodes the envelope. A result present next to
// an error is still decoded into out.
func call(ctx context.Context, hc *http.Client, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}

	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", cacheerr.ErrNodeUnreachable, method, url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", cacheerr.ErrNodeUnreachable, err)
	}
	var env api.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		switch resp.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return fmt.Errorf("%w: status %d", cacheerr.ErrNodeUnreachable, resp.StatusCode)
		}
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	if env.Error != nil {
		return env.Error.Err()
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return errors.New(http.StatusText(resp.StatusCode))
	}
	return nil
}
