package structure

import (
	"time"
)

// entryOverhead is charged per key on top of the key bytes and the structure.
const entryOverhead = 48

// Meta is the replicated part of an entry's metadata. Every timestamp comes
// from the proposing leader's clock, never from the applying replica.
type Meta struct {
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ExpiresAt  time.Time  `json:"expires_at,omitempty"`
	WriteIndex uint64     `json:"write_index"`
	Durability Durability `json:"durability"`
}

type entry struct {
	key  string
	kind Kind
	meta Meta

	// exactly one of s and cold is set
	s    Structure
	cold []byte

	cost       int
	accessedAt time.Time
}

func (e *entry) isCold() bool { return e.s == nil }

// IsExpired reports whether the entry's TTL elapsed at now.
func (e *entry) IsExpired(now time.Time) bool {
	return !e.meta.ExpiresAt.IsZero() && !now.Before(e.meta.ExpiresAt)
}

// Touch records a local access; it only feeds the tiering policy.
func (e *entry) Touch(now time.Time) { e.accessedAt = now }

// TTL is the remaining lifetime at now, zero when the entry never expires.
func (e *entry) TTL(now time.Time) time.Duration {
	if e.meta.ExpiresAt.IsZero() {
		return 0
	}
	if d := e.meta.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

func entryCost(key string, s Structure) int {
	return len(key) + entryOverhead + s.Cost()
}

// Record is what GET returns for a key.
type Record struct {
	Key        string        `json:"key"`
	Kind       Kind          `json:"kind"`
	Data       []byte        `json:"data,omitempty"`
	Len        int           `json:"len"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	TTL        time.Duration `json:"ttl,omitempty"`
	Tier       Tier          `json:"tier"`
	Durability Durability    `json:"durability"`
}
