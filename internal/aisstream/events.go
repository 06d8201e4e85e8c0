package aisstream

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ConnectionStatusEvent reports a change of the session's connected flag.
type ConnectionStatusEvent struct {
	Connected bool      `json:"connected"`
	At        time.Time `json:"at"`
}

type (
	PositionListener func(VesselPosition)
	StatusListener   func(ConnectionStatusEvent)
	ErrorListener    func(StreamError)
)

// ListenerID identifies a registration for Remove.
type ListenerID uint64

type listenerEntry[T any] struct {
	id ListenerID
	fn func(T)
}

// Publisher fans events out to registered listeners. Delivery is synchronous
// and in registration order; a panicking listener does not affect the others
// or the caller.
type Publisher struct {
	log zerolog.Logger

	mu        sync.RWMutex
	nextID    ListenerID
	positions []listenerEntry[VesselPosition]
	statuses  []listenerEntry[ConnectionStatusEvent]
	errs      []listenerEntry[StreamError]
}

func NewPublisher(log zerolog.Logger) *Publisher {
	return &Publisher{log: log}
}

func (p *Publisher) OnPositionReceived(fn PositionListener) ListenerID {
	if p == nil || fn == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.positions = append(p.positions, listenerEntry[VesselPosition]{id: p.nextID, fn: fn})
	return p.nextID
}

func (p *Publisher) OnConnectionStatusChanged(fn StatusListener) ListenerID {
	if p == nil || fn == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.statuses = append(p.statuses, listenerEntry[ConnectionStatusEvent]{id: p.nextID, fn: fn})
	return p.nextID
}

func (p *Publisher) OnError(fn ErrorListener) ListenerID {
	if p == nil || fn == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.errs = append(p.errs, listenerEntry[StreamError]{id: p.nextID, fn: fn})
	return p.nextID
}

// Remove unregisters a listener of any kind. Unknown IDs are ignored.
func (p *Publisher) Remove(id ListenerID) {
	if p == nil || id == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions = removeEntry(p.positions, id)
	p.statuses = removeEntry(p.statuses, id)
	p.errs = removeEntry(p.errs, id)
}

func removeEntry[T any](in []listenerEntry[T], id ListenerID) []listenerEntry[T] {
	for i, e := range in {
		if e.id == id {
			out := make([]listenerEntry[T], 0, len(in)-1)
			out = append(out, in[:i]...)
			return append(out, in[i+1:]...)
		}
	}
	return in
}

func (p *Publisher) PublishPosition(pos VesselPosition) {
	if p == nil {
		return
	}
	p.mu.RLock()
	ls := p.positions
	p.mu.RUnlock()
	deliver(p.log, "position", ls, pos)
}

func (p *Publisher) PublishStatus(ev ConnectionStatusEvent) {
	if p == nil {
		return
	}
	p.mu.RLock()
	ls := p.statuses
	p.mu.RUnlock()
	deliver(p.log, "status", ls, ev)
}

func (p *Publisher) PublishError(se StreamError) {
	if p == nil {
		return
	}
	p.mu.RLock()
	ls := p.errs
	p.mu.RUnlock()
	deliver(p.log, "error", ls, se)
}

// Listener slices are never mutated in place, so a slice read under the lock
// stays valid after it is released.
func deliver[T any](log zerolog.Logger, kind string, ls []listenerEntry[T], v T) {
	for _, e := range ls {
		invoke(log, kind, e, v)
	}
}

func invoke[T any](log zerolog.Logger, kind string, e listenerEntry[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", kind).
				Uint64("listener", uint64(e.id)).
				Str("panic", fmt.Sprint(r)).
				Msg("aisstream listener panicked")
		}
	}()
	e.fn(v)
}
