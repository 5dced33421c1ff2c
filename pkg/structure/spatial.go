package structure

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
	"github.com/google/btree"
	"github.com/pierrre/geohash"
)

// EarthRadiusMeters is the mean earth radius used for distances.
const EarthRadiusMeters = 6371008.8

const (
	geohashPrecision = 12
	coverMaxCells    = 16
)

type spatialPoint struct {
	Member string  `json:"member"`
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
	Data   []byte  `json:"data,omitempty"`
	cell   s2.CellID
}

type cellItem struct {
	cell   s2.CellID
	member string
}

func cellLess(a, b cellItem) bool {
	if a.cell != b.cell {
		return a.cell < b.cell
	}
	return a.member < b.member
}

// spatial indexes points by their leaf S2 cell so that a radius query only
// scans the cells of its covering.
type spatial struct {
	points map[string]*spatialPoint
	index  *btree.BTreeG[cellItem]
	cost   int
}

func newSpatial() *spatial {
	return &spatial{
		points: make(map[string]*spatialPoint),
		index:  btree.NewG[cellItem](btreeDegree, cellLess),
	}
}

func (s *spatial) Kind() Kind { return KindSpatial }

func (s *spatial) Put(v Value) error {
	if _, err := s.Remove(v); err != nil {
		return err
	}
	p := &spatialPoint{
		Member: v.Field,
		Lat:    v.Lat,
		Lng:    v.Lng,
		Data:   append([]byte(nil), v.Data...),
		cell:   s2.CellIDFromLatLng(s2.LatLngFromDegrees(v.Lat, v.Lng)),
	}
	s.points[p.Member] = p
	s.index.ReplaceOrInsert(cellItem{cell: p.cell, member: p.Member})
	s.cost += spatialCost(p)
	return nil
}

func (s *spatial) Remove(v Value) (bool, error) {
	p, ok := s.points[v.Field]
	if !ok {
		return false, nil
	}
	s.index.Delete(cellItem{cell: p.cell, member: p.Member})
	delete(s.points, v.Field)
	s.cost -= spatialCost(p)
	return true, nil
}

func (s *spatial) Reset() {
	s.points = make(map[string]*spatialPoint)
	s.index.Clear(false)
	s.cost = 0
}

func (s *spatial) Len() int { return len(s.points) }

func (s *spatial) Cost() int { return s.cost }

func (s *spatial) Member(member string) (SpatialHit, bool) {
	p, ok := s.points[member]
	if !ok {
		return SpatialHit{}, false
	}
	return p.hit(0), true
}

// Nearest returns up to k members ordered by distance from (lat, lng).
func (s *spatial) Nearest(lat, lng float64, k int) []SpatialHit {
	origin := s2.LatLngFromDegrees(lat, lng)
	hits := make([]SpatialHit, 0, len(s.points))
	for _, p := range s.points {
		hits = append(hits, p.hit(distanceMeters(origin, p)))
	}
	sortHits(hits)
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// Within returns members no further than radiusMeters, nearest first.
func (s *spatial) Within(lat, lng, radiusMeters float64) []SpatialHit {
	origin := s2.LatLngFromDegrees(lat, lng)
	region := s2.CapFromCenterAngle(s2.PointFromLatLng(origin), s1.Angle(radiusMeters/EarthRadiusMeters))
	coverer := &s2.RegionCoverer{MaxLevel: 30, MaxCells: coverMaxCells}

	seen := make(map[string]struct{})
	var hits []SpatialHit
	for _, c := range coverer.Covering(region) {
		lo := cellItem{cell: c.RangeMin()}
		hi := c.RangeMax()
		s.index.AscendGreaterOrEqual(lo, func(it cellItem) bool {
			if it.cell > hi {
				return false
			}
			if _, dup := seen[it.member]; dup {
				return true
			}
			seen[it.member] = struct{}{}
			p := s.points[it.member]
			if d := distanceMeters(origin, p); d <= radiusMeters {
				hits = append(hits, p.hit(d))
			}
			return true
		})
	}
	sortHits(hits)
	return hits
}

func (p *spatialPoint) hit(distance float64) SpatialHit {
	return SpatialHit{
		Member:   p.Member,
		Lat:      p.Lat,
		Lng:      p.Lng,
		Distance: distance,
		Geohash:  geohash.Encode(p.Lat, p.Lng, geohashPrecision),
		Data:     p.Data,
	}
}

func distanceMeters(origin s2.LatLng, p *spatialPoint) float64 {
	return origin.Distance(s2.LatLngFromDegrees(p.Lat, p.Lng)).Radians() * EarthRadiusMeters
}

func sortHits(hits []SpatialHit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].Member < hits[j].Member
	})
}

func spatialCost(p *spatialPoint) int { return len(p.Member) + len(p.Data) + 32 }

func (s *spatial) Encode() ([]byte, error) {
	members := make([]string, 0, len(s.points))
	for m := range s.points {
		members = append(members, m)
	}
	sort.Strings(members)
	out := make([]spatialPoint, 0, len(members))
	for _, m := range members {
		out = append(out, *s.points[m])
	}
	return json.Marshal(out)
}

func (s *spatial) Decode(data []byte) error {
	var pts []spatialPoint
	if err := json.Unmarshal(data, &pts); err != nil {
		return fmt.Errorf("decode spatial: %w", err)
	}
	s.Reset()
	for _, p := range pts {
		if err := restorePut(s, Value{Kind: KindSpatial, Field: p.Member, Lat: p.Lat, Lng: p.Lng, Data: p.Data}); err != nil {
			return fmt.Errorf("decode spatial: %w", err)
		}
	}
	return nil
}
