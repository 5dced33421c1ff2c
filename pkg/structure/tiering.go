package structure

import (
	"fmt"
	"sort"
	"time"
)

// DemoteCold compresses the least recently accessed hot entries until hot
// bytes fall to the low watermark. Presence and logical size do not change.
func (e *Engine) DemoteCold() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.opts.HotHighWatermark <= 0 || e.hot <= e.opts.HotHighWatermark {
		return 0, nil
	}
	candidates := make([]*entry, 0, len(e.entries))
	for k, en := range e.entries {
		if en.isCold() || e.pinned[k] > 0 {
			continue
		}
		candidates = append(candidates, en)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastUse().Before(candidates[j].lastUse())
	})

	n := 0
	for _, en := range candidates {
		if e.hot <= e.opts.HotLowWatermark {
			break
		}
		if err := e.demoteLocked(en); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		e.log.Debug("demoted entries to cold tier", "count", n, "hot_bytes", e.hot, "cold_bytes", e.coldSize)
	}
	return n, nil
}

func (en *entry) lastUse() time.Time {
	if en.accessedAt.After(en.meta.UpdatedAt) {
		return en.accessedAt
	}
	return en.meta.UpdatedAt
}

func (e *Engine) demoteLocked(en *entry) error {
	if en.isCold() {
		return nil
	}
	raw, err := en.s.Encode()
	if err != nil {
		return fmt.Errorf("encode %s for cold tier: %w", en.key, err)
	}
	en.cold = e.codec.Encode(raw)
	en.s = nil
	e.hot -= en.cost
	e.coldSize += len(en.cold)
	e.stats.demotions.Add(1)
	return nil
}

func (e *Engine) promoteLocked(en *entry) error {
	if !en.isCold() {
		return nil
	}
	raw, err := e.codec.Decode(en.cold)
	if err != nil {
		return fmt.Errorf("decompress %s: %w", en.key, err)
	}
	s, err := newStructure(en.kind, e.opts.Family)
	if err != nil {
		return err
	}
	if err := s.Decode(raw); err != nil {
		return fmt.Errorf("decode %s: %w", en.key, err)
	}
	e.coldSize -= len(en.cold)
	en.s, en.cold = s, nil
	e.hot += en.cost
	e.stats.promotions.Add(1)
	return nil
}
