package vessel

import (
	"sort"
	"sync"
	"time"

	"marinex-ng/internal/aisstream"
)

type StoreConfig struct {
	// MaxVessels limits memory use. When exceeded, the least recently seen
	// vessels are evicted.
	MaxVessels int
	// TTL controls how long a vessel is kept without updates.
	TTL time.Duration
}

// Store keeps the latest position per MMSI.
type Store struct {
	mu sync.RWMutex

	cfg StoreConfig

	vessels map[string]entry
}

type entry struct {
	pos     aisstream.VesselPosition
	seenAt  time.Time
	updates uint64
}

// Detail is a vessel plus bookkeeping for the web API.
type Detail struct {
	aisstream.VesselPosition
	SeenAtUTC string `json:"seen_at_utc"`
	Updates   uint64 `json:"updates"`
}

func NewStore(cfg StoreConfig) *Store {
	if cfg.MaxVessels <= 0 {
		cfg.MaxVessels = 5000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	return &Store{
		cfg:     cfg,
		vessels: make(map[string]entry),
	}
}

func (s *Store) Upsert(nowUTC time.Time, p aisstream.VesselPosition) {
	if s == nil {
		return
	}
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.vessels[p.MMSI]
	// Static fields arrive only on some messages; keep what we knew.
	if p.ShipName == "Unknown" && prev.pos.ShipName != "" {
		p.ShipName = prev.pos.ShipName
	}
	if p.ShipType == "Unknown" && prev.pos.ShipType != "" {
		p.ShipType = prev.pos.ShipType
	}
	if p.Destination == "Unknown" && prev.pos.Destination != "" {
		p.Destination = prev.pos.Destination
	}
	s.vessels[p.MMSI] = entry{pos: p, seenAt: nowUTC.UTC(), updates: prev.updates + 1}
	if len(s.vessels) <= s.cfg.MaxVessels {
		return
	}

	// Evict oldest until within limit.
	for len(s.vessels) > s.cfg.MaxVessels {
		var oldest string
		var oldestAt time.Time
		first := true
		for k, v := range s.vessels {
			if first || v.seenAt.Before(oldestAt) {
				oldest = k
				oldestAt = v.seenAt
				first = false
			}
		}
		delete(s.vessels, oldest)
	}
}

func (s *Store) purgeLocked(nowUTC time.Time) {
	if s.cfg.TTL <= 0 {
		return
	}
	cutoff := nowUTC.UTC().Add(-s.cfg.TTL)
	for k, v := range s.vessels {
		if v.seenAt.Before(cutoff) {
			delete(s.vessels, k)
		}
	}
}

// Snapshot purges stale vessels and returns the rest sorted by MMSI.
func (s *Store) Snapshot(nowUTC time.Time) []aisstream.VesselPosition {
	if s == nil {
		return nil
	}
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}

	s.mu.Lock()
	s.purgeLocked(nowUTC)
	out := make([]aisstream.VesselPosition, 0, len(s.vessels))
	for _, v := range s.vessels {
		out = append(out, v.pos)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].MMSI < out[j].MMSI })
	return out
}

func (s *Store) SnapshotDetailed(nowUTC time.Time) []Detail {
	if s == nil {
		return nil
	}
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}

	s.mu.Lock()
	s.purgeLocked(nowUTC)
	out := make([]Detail, 0, len(s.vessels))
	for _, v := range s.vessels {
		out = append(out, v.detail())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].MMSI < out[j].MMSI })
	return out
}

// Get returns the vessel if it is known and not stale at nowUTC.
func (s *Store) Get(nowUTC time.Time, mmsi string) (Detail, bool) {
	if s == nil {
		return Detail{}, false
	}
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vessels[mmsi]
	if !ok {
		return Detail{}, false
	}
	if s.cfg.TTL > 0 && v.seenAt.Before(nowUTC.UTC().Add(-s.cfg.TTL)) {
		return Detail{}, false
	}
	return v.detail(), true
}

func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vessels)
}

func (e entry) detail() Detail {
	return Detail{
		VesselPosition: e.pos,
		SeenAtUTC:      e.seenAt.UTC().Format(time.RFC3339Nano),
		Updates:        e.updates,
	}
}
