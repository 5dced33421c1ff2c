// Package metrics exposes node metrics to Prometheus.
package metrics

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"spectracache/pkg/replica"
	"spectracache/pkg/structure"
	"spectracache/pkg/types"
)

const namespace = "spectracache"

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

// Discard drops every observation.
var Discard Collector = discard{}

type discard struct{}

func (discard) IncCounter(string, map[string]string, float64)       {}
func (discard) SetGauge(string, map[string]string, float64)         {}
func (discard) ObserveHistogram(string, map[string]string, float64) {}

// Prometheus is a Collector that registers a vector per metric name on first
// use. The label names of a metric are fixed by its first observation.
type Prometheus struct {
	reg *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &Prometheus{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Registry is what the HTTP handler serves.
func (p *Prometheus) Registry() *prometheus.Registry { return p.reg }

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

func (p *Prometheus) IncCounter(name string, labels map[string]string, delta float64) {
	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help(name)}, labelNames(labels))
		p.reg.MustRegister(vec)
		p.counters[name] = vec
	}
	p.mu.Unlock()
	vec.With(labels).Add(delta)
}

func (p *Prometheus) SetGauge(name string, labels map[string]string, value float64) {
	p.mu.Lock()
	vec, ok := p.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help(name)}, labelNames(labels))
		p.reg.MustRegister(vec)
		p.gauges[name] = vec
	}
	p.mu.Unlock()
	vec.With(labels).Set(value)
}

func (p *Prometheus) ObserveHistogram(name string, labels map[string]string, value float64) {
	p.mu.Lock()
	vec, ok := p.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help(name),
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, labelNames(labels))
		p.reg.MustRegister(vec)
		p.histograms[name] = vec
	}
	p.mu.Unlock()
	vec.With(labels).Observe(value)
}

func help(name string) string { return strings.ReplaceAll(name, "_", " ") }

func shardLabel(s types.ShardID) string { return strconv.FormatUint(uint64(s), 10) }

// GroupObserver feeds replica group events into a Collector.
type GroupObserver struct {
	C Collector
}

var _ replica.Observer = GroupObserver{}

func (o GroupObserver) ObserveApply(shard types.ShardID, kind replica.CmdKind, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	o.C.IncCounter("applied_commands_total", map[string]string{
		"shard": shardLabel(shard), "kind": kind.String(), "result": result,
	}, 1)
}

func (o GroupObserver) ObserveLeader(shard types.ShardID, leader types.NodeID, term uint64) {
	labels := map[string]string{"shard": shardLabel(shard)}
	o.C.IncCounter("leader_changes_total", labels, 1)
	o.C.SetGauge("group_term", labels, float64(term))
	o.C.SetGauge("group_leader", labels, float64(leader))
}

func (o GroupObserver) ObserveSnapshot(shard types.ShardID, bytes int) {
	labels := map[string]string{"shard": shardLabel(shard)}
	o.C.IncCounter("snapshots_total", labels, 1)
	o.C.SetGauge("snapshot_bytes", labels, float64(bytes))
}

// ObserveRequest records one client request.
func ObserveRequest(c Collector, op, code string, seconds float64) {
	c.IncCounter("requests_total", map[string]string{"op": op, "code": code}, 1)
	c.ObserveHistogram("request_duration_seconds", map[string]string{"op": op}, seconds)
}

// ObserveTxn records one transaction decision.
func ObserveTxn(c Collector, state string, participants int) {
	c.IncCounter("transactions_total", map[string]string{"state": state}, 1)
	c.ObserveHistogram("transaction_participants", map[string]string{}, float64(participants))
}

// EngineStats returns the structure counters of every local shard.
type EngineStats func() map[types.ShardID]structure.Stats

// engineCollector reads engine counters at scrape time.
type engineCollector struct {
	stats EngineStats

	keys, logical, hot, cold, hitRate *prometheus.Desc
	hits, misses, evictions, expired  *prometheus.Desc
}

// RegisterEngineStats exposes engine memory and hit-rate counters.
func (p *Prometheus) RegisterEngineStats(stats EngineStats) error {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "engine", name), help, []string{"shard"}, nil)
	}
	c := &engineCollector{
		stats:     stats,
		keys:      desc("keys", "Live keys held by the shard engine."),
		logical:   desc("logical_bytes", "Logical size of the shard engine."),
		hot:       desc("hot_bytes", "Bytes held in the hot tier."),
		cold:      desc("cold_bytes", "Compressed bytes held in the cold tier."),
		hitRate:   desc("hit_rate", "Read hit rate since start."),
		hits:      desc("hits_total", "Reads that found their key."),
		misses:    desc("misses_total", "Reads that missed."),
		evictions: desc("evictions_total", "Cache-only entries evicted under pressure."),
		expired:   desc("expired_total", "Entries removed after their TTL."),
	}
	if err := p.reg.Register(c); err != nil {
		return fmt.Errorf("register engine collector: %w", err)
	}
	return nil
}

func (c *engineCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.keys, c.logical, c.hot, c.cold, c.hitRate, c.hits, c.misses, c.evictions, c.expired} {
		ch <- d
	}
}

func (c *engineCollector) Collect(ch chan<- prometheus.Metric) {
	for shard, st := range c.stats() {
		l := shardLabel(shard)
		ch <- prometheus.MustNewConstMetric(c.keys, prometheus.GaugeValue, float64(st.Keys), l)
		ch <- prometheus.MustNewConstMetric(c.logical, prometheus.GaugeValue, float64(st.LogicalBytes), l)
		ch <- prometheus.MustNewConstMetric(c.hot, prometheus.GaugeValue, float64(st.HotBytes), l)
		ch <- prometheus.MustNewConstMetric(c.cold, prometheus.GaugeValue, float64(st.ColdBytes), l)
		ch <- prometheus.MustNewConstMetric(c.hitRate, prometheus.GaugeValue, st.HitRate(), l)
		ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(st.Hits), l)
		ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(st.Misses), l)
		ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(st.Evictions), l)
		ch <- prometheus.MustNewConstMetric(c.expired, prometheus.CounterValue, float64(st.Expired), l)
	}
}
