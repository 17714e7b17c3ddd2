package marketdata

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type Snapshot struct {
	Symbol string          `json:"symbol"`
	Name   string          `json:"name"`
	Price  decimal.Decimal `json:"price"`
	Change decimal.Decimal `json:"change"`
	AsOf   time.Time       `json:"as_of"`
}

// Provider is the read side the ledger core prices trades and bets with.
type Provider interface {
	Snapshot(symbol string) (Snapshot, bool)
}

func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// SnapshotStore holds the latest snapshot per symbol. Readers never block
// each other; Replace is meant to have a single caller, the refresher.
type SnapshotStore struct {
	mu        sync.RWMutex
	data      map[string]Snapshot
	updatedAt time.Time
}

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{data: map[string]Snapshot{}}
}

func (s *SnapshotStore) Snapshot(symbol string) (Snapshot, bool) {
	s.mu.RLock()
	snap, ok := s.data[NormalizeSymbol(symbol)]
	s.mu.RUnlock()
	return snap, ok
}

// Replace swaps in a full set of snapshots. Entries without a symbol or a
// positive price are dropped. It returns the number kept.
func (s *SnapshotStore) Replace(snaps []Snapshot, at time.Time) int {
	next := make(map[string]Snapshot, len(snaps))
	for _, snap := range snaps {
		snap.Symbol = NormalizeSymbol(snap.Symbol)
		if snap.Symbol == "" || !snap.Price.IsPositive() {
			continue
		}
		if snap.AsOf.IsZero() {
			snap.AsOf = at
		}
		next[snap.Symbol] = snap
	}
	s.mu.Lock()
	s.data = next
	s.updatedAt = at
	s.mu.Unlock()
	return len(next)
}

func (s *SnapshotStore) All() []Snapshot {
	s.mu.RLock()
	out := make([]Snapshot, 0, len(s.data))
	for _, snap := range s.data {
		out = append(out, snap)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (s *SnapshotStore) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// AsOf is the newest quote time held, which can trail UpdatedAt when a
// refresh only re-reads cached prices.
func (s *SnapshotStore) AsOf() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var newest time.Time
	for _, snap := range s.data {
		if snap.AsOf.After(newest) {
			newest = snap.AsOf
		}
	}
	return newest
}

func (s *SnapshotStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// StaticProvider serves a fixed map; used by tools and tests.
type StaticProvider map[string]Snapshot

func (p StaticProvider) Snapshot(symbol string) (Snapshot, bool) {
	snap, ok := p[NormalizeSymbol(symbol)]
	return snap, ok
}
