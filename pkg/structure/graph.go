package structure

import (
	"encoding/json"
	"fmt"
	"sort"
)

const edgeCost = 24

// graph is a directed adjacency map. Writing an edge creates missing
// endpoints with an empty payload.
type graph struct {
	nodes map[string][]byte
	out   map[string]map[string]float64
	cost  int
}

func newGraph() *graph {
	return &graph{
		nodes: make(map[string][]byte),
		out:   make(map[string]map[string]float64),
	}
}

func (g *graph) Kind() Kind { return KindGraph }

func (g *graph) ensureNode(id string) {
	if _, ok := g.nodes[id]; !ok {
		g.nodes[id] = nil
		g.cost += len(id) + 16
	}
}

func (g *graph) Put(v Value) error {
	if v.To == "" {
		g.ensureNode(v.Field)
		g.cost += len(v.Data) - len(g.nodes[v.Field])
		g.nodes[v.Field] = append([]byte(nil), v.Data...)
		return nil
	}
	g.ensureNode(v.Field)
	g.ensureNode(v.To)
	adj, ok := g.out[v.Field]
	if !ok {
		adj = make(map[string]float64)
		g.out[v.Field] = adj
	}
	if _, exists := adj[v.To]; !exists {
		g.cost += edgeCost + len(v.To)
	}
	adj[v.To] = v.Number
	return nil
}

// Remove deletes the edge Field->To, or node Field with all edges touching it
// when To is empty.
func (g *graph) Remove(v Value) (bool, error) {
	if v.To != "" {
		adj := g.out[v.Field]
		if _, ok := adj[v.To]; !ok {
			return false, nil
		}
		delete(adj, v.To)
		g.cost -= edgeCost + len(v.To)
		return true, nil
	}
	payload, ok := g.nodes[v.Field]
	if !ok {
		return false, nil
	}
	for to := range g.out[v.Field] {
		g.cost -= edgeCost + len(to)
	}
	delete(g.out, v.Field)
	for _, adj := range g.out {
		if _, ok := adj[v.Field]; ok {
			delete(adj, v.Field)
			g.cost -= edgeCost + len(v.Field)
		}
	}
	g.cost -= len(v.Field) + 16 + len(payload)
	delete(g.nodes, v.Field)
	return true, nil
}

func (g *graph) Reset() {
	g.nodes = make(map[string][]byte)
	g.out = make(map[string]map[string]float64)
	g.cost = 0
}

func (g *graph) Len() int { return len(g.nodes) }

func (g *graph) Cost() int { return g.cost }

func (g *graph) Node(id string) ([]byte, bool) {
	p, ok := g.nodes[id]
	return p, ok
}

// Neighbors returns outgoing edges sorted by target.
func (g *graph) Neighbors(node string) ([]Edge, bool) {
	if _, ok := g.nodes[node]; !ok {
		return nil, false
	}
	adj := g.out[node]
	edges := make([]Edge, 0, len(adj))
	for to, w := range adj {
		edges = append(edges, Edge{From: node, To: to, Weight: w})
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].To < edges[j].To })
	return edges, true
}

func (g *graph) Traverse(start string, depth int) ([]string, bool) {
	if _, ok := g.nodes[start]; !ok {
		return nil, false
	}
	visited := map[string]struct{}{start: {}}
	order := []string{start}
	frontier := []string{start}
	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []string
		for _, n := range frontier {
			edges, _ := g.Neighbors(n)
			for _, e := range edges {
				if _, seen := visited[e.To]; seen {
					continue
				}
				visited[e.To] = struct{}{}
				order = append(order, e.To)
				next = append(next, e.To)
			}
		}
		frontier = next
	}
	return order, true
}

type graphState struct {
	Nodes map[string][]byte `json:"nodes"`
	Edges []Edge            `json:"edges"`
}

func (g *graph) Encode() ([]byte, error) {
	st := graphState{Nodes: g.nodes}
	ids := make([]string, 0, len(g.out))
	for id := range g.out {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		edges, _ := g.Neighbors(id)
		st.Edges = append(st.Edges, edges...)
	}
	return json.Marshal(st)
}

func (g *graph) Decode(data []byte) error {
	var st graphState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode graph: %w", err)
	}
	g.Reset()
	ids := make([]string, 0, len(st.Nodes))
	for id := range st.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := restorePut(g, Value{Kind: KindGraph, Field: id, Data: st.Nodes[id]}); err != nil {
			return fmt.Errorf("decode graph: %w", err)
		}
	}
	for _, e := range st.Edges {
		if err := restorePut(g, Value{Kind: KindGraph, Field: e.From, To: e.To, Number: e.Weight}); err != nil {
			return fmt.Errorf("decode graph: %w", err)
		}
	}
	return nil
}
