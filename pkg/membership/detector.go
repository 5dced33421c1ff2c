// Package membership tracks which nodes are alive. A Detector probes every
// known node on a fixed interval and moves it between Alive, Suspect and Dead
// by counting consecutive failed probes; subscribers receive every change.
package membership

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"spectracache/internal/validate"
	"spectracache/pkg/clock"
	"spectracache/pkg/types"
)

type State string

const (
	Alive   State = "alive"
	Suspect State = "suspect"
	Dead    State = "dead"
)

// Node is the detector's view of one cluster member.
type Node struct {
	ID       types.NodeID `json:"id"`
	Addr     string       `json:"addr"`
	State    State        `json:"state"`
	Misses   int          `json:"misses"`
	LastSeen time.Time    `json:"last_seen"`
}

// Event is a liveness transition.
type Event struct {
	Node types.NodeID
	Addr string
	From State
	To   State
}

// Prober checks one node; a nil error counts as a heartbeat.
type Prober func(ctx context.Context, n Node) error

type Config struct {
	Interval     time.Duration `yaml:"interval" validate:"required"`
	Timeout      time.Duration `yaml:"timeout" validate:"required"`
	SuspectAfter int           `yaml:"suspect_after" validate:"required,min=1"`
	DeadAfter    int           `yaml:"dead_after" validate:"required,gtfield=SuspectAfter"`
}

func DefaultConfig() Config {
	return Config{
		Interval:     500 * time.Millisecond,
		Timeout:      300 * time.Millisecond,
		SuspectAfter: 2,
		DeadAfter:    6,
	}
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("membership: %w", err)
	}
	return nil
}

type subscriber struct {
	ch chan Event
}

type Detector struct {
	cfg   Config
	probe Prober
	self  types.NodeID
	clock clock.Clock
	log   *slog.Logger

	mu    sync.RWMutex
	nodes map[types.NodeID]*Node
	subs  []*subscriber
}

// NewDetector watches every node but self, which is always Alive.
func NewDetector(cfg Config, self types.NodeID, probe Prober, clk clock.Clock, log *slog.Logger) *Detector {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Detector{
		cfg:   cfg,
		probe: probe,
		self:  self,
		clock: clk,
		log:   log.With("component", "membership"),
		nodes: make(map[types.NodeID]*Node),
	}
}

// Add starts tracking a node as Alive. Known nodes only get their address
// updated.
func (d *Detector) Add(id types.NodeID, addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.nodes[id]; ok {
		if addr != "" {
			n.Addr = addr
		}
		return
	}
	d.nodes[id] = &Node{ID: id, Addr: addr, State: Alive, LastSeen: d.clock.Now()}
}

func (d *Detector) Remove(id types.NodeID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.nodes, id)
}

// SetNodes replaces the tracked set, keeping the state of nodes that stay.
func (d *Detector) SetNodes(nodes map[types.NodeID]string) {
	d.mu.Lock()
	for id := range d.nodes {
		if _, ok := nodes[id]; !ok {
			delete(d.nodes, id)
		}
	}
	d.mu.Unlock()
	for id, addr := range nodes {
		d.Add(id, addr)
	}
}

// Subscribe returns a channel of transitions. Events are dropped for a
// subscriber whose buffer is full.
func (d *Detector) Subscribe(buf int) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, buf)}
	d.mu.Lock()
	d.subs = append(d.subs, s)
	d.mu.Unlock()
	return s.ch, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.subs = slices.DeleteFunc(d.subs, func(x *subscriber) bool { return x == s })
	}
}

// Run probes all nodes every interval until ctx ends.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.ProbeAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ProbeAll runs one probe round concurrently and records the results.
func (d *Detector) ProbeAll(ctx context.Context) {
	nodes := d.Nodes()
	var g errgroup.Group
	g.SetLimit(16)
	for _, n := range nodes {
		if n.ID == d.self {
			continue
		}
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
			defer cancel()
			d.Observe(n.ID, d.probe(pctx, n))
			return nil
		})
	}
	_ = g.Wait()
}

// Observe records one probe result for id.
func (d *Detector) Observe(id types.NodeID, err error) {
	d.mu.Lock()
	n, ok := d.nodes[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	from := n.State
	if err == nil {
		n.Misses = 0
		n.LastSeen = d.clock.Now()
		n.State = Alive
	} else {
		n.Misses++
		switch {
		case n.Misses >= d.cfg.DeadAfter:
			n.State = Dead
		case n.Misses >= d.cfg.SuspectAfter:
			n.State = Suspect
		}
	}
	ev := Event{Node: id, Addr: n.Addr, From: from, To: n.State}
	subs := slices.Clone(d.subs)
	d.mu.Unlock()

	if ev.From == ev.To {
		return
	}
	d.log.Info("node liveness changed", "node", id, "from", ev.From, "to", ev.To, "error", err)
	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			d.log.Warn("dropped liveness event for slow subscriber", "node", id, "to", ev.To)
		}
	}
}

func (d *Detector) State(id types.NodeID) State {
	if id == d.self {
		return Alive
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if n, ok := d.nodes[id]; ok {
		return n.State
	}
	return Dead
}

// Nodes returns a copy of every tracked node sorted by id.
func (d *Detector) Nodes() []Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Node, 0, len(d.nodes))
	for _, n := range d.nodes {
		out = append(out, *n)
	}
	slices.SortFunc(out, func(a, b Node) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Alive returns the ids of nodes currently Alive, self included.
func (d *Detector) Alive() []types.NodeID {
	var out []types.NodeID
	for _, n := range d.Nodes() {
		if n.State == Alive || n.ID == d.self {
			out = append(out, n.ID)
		}
	}
	return out
}
