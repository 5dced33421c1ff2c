package api

import (
	"fmt"

	"spectracache/pkg/cacheerr"
	"spectracache/pkg/structure"
)

// Query runs a read-only request against e. Field names the member of a
// membership test and the node of a graph query.
func Query(e *structure.Engine, r Request) (Response, error) {
	var resp Response
	switch r.Op {
	case OpGet:
		rec, err := e.Get(r.Key)
		if err != nil {
			return resp, err
		}
		resp.Record = &rec
	case OpGetField:
		data, err := e.GetField(r.Key, r.Field)
		if err != nil {
			return resp, err
		}
		resp.Data = data
	case OpRange:
		pairs, err := e.Range(r.Key, r.Start, r.End, r.Limit)
		if err != nil {
			return resp, err
		}
		resp.Pairs = pairs
	case OpFirst, OpLast:
		fn := e.First
		if r.Op == OpLast {
			fn = e.Last
		}
		p, err := fn(r.Key)
		if err != nil {
			return resp, err
		}
		resp.Pairs = []structure.Pair{p}
	case OpMemberTest:
		hit, err := e.MemberTest(r.Key, r.Field)
		if err != nil {
			return resp, err
		}
		resp.Member = hit
	case OpCardinality:
		n, err := e.Cardinality(r.Key)
		if err != nil {
			return resp, err
		}
		resp.Count = n
	case OpNearest:
		hits, err := e.Nearest(r.Key, r.Lat, r.Lng, r.K)
		if err != nil {
			return resp, err
		}
		resp.Hits = hits
	case OpWithin:
		hits, err := e.Within(r.Key, r.Lat, r.Lng, r.Radius)
		if err != nil {
			return resp, err
		}
		resp.Hits = hits
	case OpTimeRange:
		agg, points, err := e.TimeRange(r.Key, r.From, r.To)
		if err != nil {
			return resp, err
		}
		resp.Aggregate, resp.Points = &agg, points
	case OpNeighbors:
		edges, err := e.Neighbors(r.Key, r.Field)
		if err != nil {
			return resp, err
		}
		resp.Edges = edges
	case OpTraverse:
		nodes, err := e.Traverse(r.Key, r.Field, r.Depth)
		if err != nil {
			return resp, err
		}
		resp.Nodes = nodes
	default:
		return resp, fmt.Errorf("%w: %q is not a query", cacheerr.ErrInvalidArgument, r.Op)
	}
	return resp, nil
}

// FromResult builds the response of an applied write.
func FromResult(res structure.Result) Response {
	return Response{CacheOnly: res.CacheOnly, Existed: res.Existed, Number: res.Number}
}
