package web

import (
	"sync/atomic"
	"time"

	"marinex-ng/internal/aisstream"
	"marinex-ng/internal/reconnect"
	"marinex-ng/internal/sink"
)

const serviceName = "marinex-ng"

// StatusSources are polled on every status request. Nil funcs are omitted
// from the snapshot.
type StatusSources struct {
	Stream    func() aisstream.Snapshot
	Reconnect func() reconnect.Snapshot
	Sinks     func() sink.DispatcherStats
	Vessels   func() int
}

type Status struct {
	startUnixNano int64
	mode          atomic.Value // string
	simInfo       atomic.Value // map[string]any
	sources       atomic.Value // StatusSources
}

func NewStatus() *Status {
	s := &Status{}
	now := time.Now().UTC()
	atomic.StoreInt64(&s.startUnixNano, now.UnixNano())
	s.mode.Store("")
	s.simInfo.Store(map[string]any{})
	s.sources.Store(StatusSources{})
	return s
}

// SetStatic records values that do not change after startup.
func (s *Status) SetStatic(mode string, simInfo map[string]any) {
	if mode != "" {
		s.mode.Store(mode)
	}
	if simInfo != nil {
		s.simInfo.Store(simInfo)
	}
}

func (s *Status) SetSources(src StatusSources) {
	s.sources.Store(src)
}

type StatusSnapshot struct {
	Service   string                `json:"service"`
	NowUTC    string                `json:"now_utc"`
	UptimeSec int64                 `json:"uptime_sec"`
	Mode      string                `json:"mode"`
	Stream    *aisstream.Snapshot   `json:"stream,omitempty"`
	Reconnect *reconnect.Snapshot   `json:"reconnect,omitempty"`
	Sinks     *sink.DispatcherStats `json:"sinks,omitempty"`
	Vessels   int                   `json:"vessels"`
	Sim       map[string]any        `json:"sim"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()
	uptime := nowUTC.Sub(start)

	snap := StatusSnapshot{
		Service:   serviceName,
		NowUTC:    nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(uptime.Seconds()),
		Mode:      s.mode.Load().(string),
		Sim:       s.simInfo.Load().(map[string]any),
	}

	src := s.sources.Load().(StatusSources)
	if src.Stream != nil {
		v := src.Stream()
		snap.Stream = &v
	}
	if src.Reconnect != nil {
		v := src.Reconnect()
		snap.Reconnect = &v
	}
	if src.Sinks != nil {
		v := src.Sinks()
		snap.Sinks = &v
	}
	if src.Vessels != nil {
		snap.Vessels = src.Vessels()
	}
	return snap
}
