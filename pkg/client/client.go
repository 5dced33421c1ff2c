package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"spectracache/pkg/api"
	"spectracache/pkg/cacheerr"
	"spectracache/pkg/router"
	"spectracache/pkg/shardmap"
	"spectracache/pkg/structure"
	"spectracache/pkg/types"
)

// Public endpoints.
const (
	RequestPath     = "/api/v1/request"
	TxnPath         = "/api/v1/txn"
	AdminShardMap   = "/admin/shardmap"
	AdminShardsPath = "/admin/shards"
)

type Options struct {
	// Endpoints are node base URLs; any node serves any request.
	Endpoints  []string
	HTTPClient *http.Client
	Retry      router.RetryConfig
	Logger     *slog.Logger
}

// Client is the public API of a cluster. Writes and transactions get an id
// before the first attempt, so retries after a timeout are applied once.
type Client struct {
	endpoints []string
	hc        *http.Client
	retry     router.RetryConfig
	log       *slog.Logger
	next      atomic.Uint64
}

func New(opts Options) (*Client, error) {
	if len(opts.Endpoints) == 0 {
		return nil, fmt.Errorf("client needs at least one endpoint")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = router.DefaultRetryConfig()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		endpoints: opts.Endpoints,
		hc:        opts.HTTPClient,
		retry:     opts.Retry,
		log:       opts.Logger.With("component", "client"),
	}, nil
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry.InitialInterval
	b.MaxInterval = c.retry.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.retry.Attempts)), ctx)
}

// send tries the endpoints in rotation until one answers with something
// other than a retryable error.
func (c *Client) send(ctx context.Context, method, path string, in, out any) error {
	var last error
	err := backoff.RetryNotify(func() error {
		base := c.endpoints[c.next.Add(1)%uint64(len(c.endpoints))]
		err := call(ctx, c.hc, method, base+path, in, out)
		if err == nil {
			return nil
		}
		last = err
		if !cacheerr.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, c.newBackOff(ctx), func(err error, d time.Duration) {
		c.log.Debug("retrying request", "path", path, "backoff", d, "error", err)
	})
	if err != nil && last != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return last
	}
	return err
}

// Do sends any single-key request.
func (c *Client) Do(ctx context.Context, req api.Request) (api.Response, error) {
	if req.Op.IsWrite() && req.ID == "" {
		req.ID = uuid.NewString()
	}
	var resp api.Response
	err := c.send(ctx, http.MethodPost, RequestPath, req, &resp)
	return resp, err
}

func (c *Client) Put(ctx context.Context, key string, v structure.Value) (api.Response, error) {
	return c.Do(ctx, api.Request{Op: api.OpPut, Key: key, Value: v})
}

func (c *Client) Get(ctx context.Context, key string, mode types.Consistency) (structure.Record, error) {
	resp, err := c.Do(ctx, api.Request{Op: api.OpGet, Key: key, Consistency: mode})
	if err != nil {
		return structure.Record{}, err
	}
	if resp.Record == nil {
		return structure.Record{}, cacheerr.ErrNotFound
	}
	return *resp.Record, nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.Do(ctx, api.Request{Op: api.OpDelete, Key: key})
	return err
}

// Incr adds delta to an integer scalar and returns the new value.
func (c *Client) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	resp, err := c.Do(ctx, api.Request{Op: api.OpIncr, Key: key, Delta: delta})
	return resp.Number, err
}

// Txn runs a transaction. The returned state is Committed or Aborted.
func (c *Client) Txn(ctx context.Context, req api.TxnRequest) (api.TxnResponse, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	resp := api.TxnResponse{ID: req.ID}
	err := c.send(ctx, http.MethodPost, TxnPath, req, &resp)
	return resp, err
}

// TxnOutcome asks the coordinating node for a remembered decision. Only the
// node that coordinated the transaction knows it.
func (c *Client) TxnOutcome(ctx context.Context, endpoint, id string) (api.TxnResponse, error) {
	var resp api.TxnResponse
	err := call(ctx, c.hc, http.MethodGet, endpoint+TxnPath+"/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) ShardMap(ctx context.Context) (*shardmap.Map, error) {
	var m shardmap.Map
	if err := c.send(ctx, http.MethodGet, AdminShardMap, nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// AddShard creates a shard and rebalances onto it.
func (c *Client) AddShard(ctx context.Context, members []types.NodeID) (*shardmap.Map, error) {
	var m shardmap.Map
	if err := c.send(ctx, http.MethodPost, AdminShardsPath, api.AddShardRequest{Members: members}, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// RemoveShard hands a shard's keys to the others and retires it.
func (c *Client) RemoveShard(ctx context.Context, shard types.ShardID) (*shardmap.Map, error) {
	var m shardmap.Map
	if err := c.send(ctx, http.MethodDelete, fmt.Sprintf("%s/%d", AdminShardsPath, shard), nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
