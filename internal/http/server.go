package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"spectracache/pkg/api"
	"spectracache/pkg/cacheerr"
	"spectracache/pkg/client"
	"spectracache/pkg/cluster"
	"spectracache/pkg/membership"
	"spectracache/pkg/replica"
	"spectracache/pkg/router"
	"spectracache/pkg/shardmap"
	"spectracache/pkg/structure"
	"spectracache/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPAddr        = ":8080"
	defaultShutdownTimeout = time.Second * 5
	maxRaftMessageBytes    = 64 << 20

	requestIDHeader = "X-Request-Id"
)

// iNode is what a node host offers to HTTP callers: the public request
// executor, the admin views and the internal router surface.
type iNode interface {
	router.Remote

	Do(ctx context.Context, req api.Request) (api.Response, error)
	Txn(ctx context.Context, req api.TxnRequest) (api.TxnResponse, error)
	TxnOutcome(id string) (api.TxnResponse, bool)
	AddShard(ctx context.Context, members []types.NodeID) (*shardmap.Map, error)
	RemoveShard(ctx context.Context, shard types.ShardID) (*shardmap.Map, error)

	Status() []replica.Status
	EngineStats() map[types.ShardID]structure.Stats
	Nodes() []membership.Node

	Step(ctx context.Context, shard types.ShardID, msg raftpb.Message) error
}

var _ iNode = (*cluster.Host)(nil)

type Options struct {
	// Addr is the listen address, ":8080" by default.
	Addr            string
	ShutdownTimeout time.Duration
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server exposes one node over HTTP.
type Server struct {
	node       iNode
	metrics    http.Handler
	httpServer *http.Server
	addr       string
	shutdown   time.Duration
	log        *slog.Logger
}

// NewServer creates a new server instance
func NewServer(node iNode, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = defaultHTTPAddr
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		node:     node,
		metrics:  opts.Metrics,
		addr:     opts.Addr,
		shutdown: opts.ShutdownTimeout,
		log:      opts.Logger.With("component", "http"),
	}
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdown)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// Handler builds the chi router with every endpoint.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get(client.HealthPath, s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/request", s.handleRequest)
		r.Get("/keys/{key}", s.handleGet)
		r.Put("/keys/{key}", s.handlePut)
		r.Delete("/keys/{key}", s.handleDelete)
		r.Post("/txn", s.handleTxn)
		r.Get("/txn/{id}", s.handleTxnOutcome)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Get("/shardmap", s.handleShardMap)
		r.Get("/groups", s.handleGroups)
		r.Get("/nodes", s.handleNodes)
		r.Get("/engine", s.handleEngine)
		r.Post("/shards", s.handleAddShard)
		r.Delete("/shards/{shard}", s.handleRemoveShard)
	})

	r.Route("/api/internal", func(r chi.Router) {
		r.Post("/raft/{shard}", s.handleRaft)
		r.Post("/propose/{shard}", s.handlePropose)
		r.Post("/query/{shard}", s.handleQuery)
		r.Post("/export/{shard}", s.handleExport)
		r.Post("/groups/{shard}", s.handleEnsureGroup)
		r.Get("/shardmap", s.handleShardMap)
	})

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error", "error", err)
		}
	}()

	s.log.Info("HTTP server started", "addr", s.addr)
	return nil
}

func (s *Server) decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %v", cacheerr.ErrInvalidArgument, err)
	}
	return nil
}

func shardParam(r *http.Request) (types.ShardID, error) {
	n, err := strconv.ParseUint(chi.URLParam(r, "shard"), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: shard id: %v", cacheerr.ErrInvalidArgument, err)
	}
	return types.ShardID(n), nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

// Public API.

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var req api.Request
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.node.Do(r.Context(), req)
	s.writeResult(w, resp, err)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	req := api.Request{
		Op:          api.OpGet,
		Key:         chi.URLParam(r, "key"),
		Consistency: types.Consistency(r.URL.Query().Get("consistency")),
	}
	resp, err := s.node.Do(r.Context(), req)
	s.writeResult(w, resp, err)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	var v structure.Value
	if err := s.decode(r, &v); err != nil {
		s.writeError(w, err)
		return
	}
	req := api.Request{
		ID:    r.Header.Get(requestIDHeader),
		Op:    api.OpPut,
		Key:   chi.URLParam(r, "key"),
		Value: v,
	}
	resp, err := s.node.Do(r.Context(), req)
	s.writeResult(w, resp, err)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	req := api.Request{
		ID:  r.Header.Get(requestIDHeader),
		Op:  api.OpDelete,
		Key: chi.URLParam(r, "key"),
	}
	resp, err := s.node.Do(r.Context(), req)
	s.writeResult(w, resp, err)
}

func (s *Server) handleTxn(w http.ResponseWriter, r *http.Request) {
	var req api.TxnRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.node.Txn(r.Context(), req)
	s.writeResult(w, resp, err)
}

func (s *Server) handleTxnOutcome(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	resp, ok := s.node.TxnOutcome(id)
	if !ok {
		s.writeError(w, fmt.Errorf("%w: no outcome for transaction %s", cacheerr.ErrNotFound, id))
		return
	}
	s.writeResult(w, resp, nil)
}

// Admin.

func (s *Server) handleShardMap(w http.ResponseWriter, r *http.Request) {
	m, err := s.node.ShardMap(r.Context())
	s.writeResult(w, m, err)
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.node.Status(), nil)
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.node.Nodes(), nil)
}

func (s *Server) handleEngine(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.node.EngineStats(), nil)
}

func (s *Server) handleAddShard(w http.ResponseWriter, r *http.Request) {
	var req api.AddShardRequest
	if r.ContentLength != 0 {
		if err := s.decode(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
	}
	m, err := s.node.AddShard(r.Context(), req.Members)
	if err != nil {
		s.log.Error("Failed to add shard", append(logAttrs(r), "error", err)...)
	}
	s.writeResult(w, m, err)
}

func (s *Server) handleRemoveShard(w http.ResponseWriter, r *http.Request) {
	shard, err := shardParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	m, err := s.node.RemoveShard(r.Context(), shard)
	if err != nil {
		s.log.Error("Failed to remove shard", append(logAttrs(r), "shard", shard, "error", err)...)
	}
	s.writeResult(w, m, err)
}

// Internal surface used by other nodes.

func (s *Server) handleRaft(w http.ResponseWriter, r *http.Request) {
	shard, err := shardParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRaftMessageBytes))
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: read body: %v", cacheerr.ErrInvalidArgument, err))
		return
	}
	var msg raftpb.Message
	if err := msg.Unmarshal(body); err != nil {
		s.writeError(w, fmt.Errorf("%w: raft message: %v", cacheerr.ErrInvalidArgument, err))
		return
	}
	if err := s.node.Step(r.Context(), shard, msg); err != nil {
		if errors.Is(err, cluster.ErrUnknownShard) {
			s.writeJSON(w, http.StatusNotFound, NewErrorResponse(err))
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	shard, err := shardParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req api.ProposeRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.node.Propose(r.Context(), shard, req.Cmd, req.Acks)
	s.writeResult(w, api.ProposeResultOf(res), err)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	shard, err := shardParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req api.Request
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.node.Query(r.Context(), shard, req)
	s.writeResult(w, resp, err)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	shard, err := shardParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req api.ExportRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	h, err := s.node.Export(r.Context(), shard, req.Dest, req.Since)
	s.writeResult(w, h, err)
}

func (s *Server) handleEnsureGroup(w http.ResponseWriter, r *http.Request) {
	shard, err := shardParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req api.EnsureGroupRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.node.EnsureGroup(r.Context(), shard, req.Members, req.Current); err != nil {
		s.log.Warn("Failed to start group", append(logAttrs(r), "shard", shard, "error", err)...)
		s.writeError(w, err)
		return
	}
	s.writeResult(w, nil, nil)
}
