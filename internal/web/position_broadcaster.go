package web

import (
	"sync"
	"sync/atomic"

	"marinex-ng/internal/aisstream"
)

// PositionBroadcaster fans vessel positions out to SSE subscribers. Slow
// subscribers miss positions rather than stall the stream. The most recent
// position is kept so new subscribers get an immediate sample.
type PositionBroadcaster struct {
	mu       sync.RWMutex
	subs     map[int]chan aisstream.VesselPosition
	nextID   int
	last     aisstream.VesselPosition
	haveLast bool

	missed atomic.Uint64
}

func NewPositionBroadcaster() *PositionBroadcaster {
	return &PositionBroadcaster{
		subs: make(map[int]chan aisstream.VesselPosition),
	}
}

// Attach forwards a publisher's position events.
func (b *PositionBroadcaster) Attach(pub *aisstream.Publisher) aisstream.ListenerID {
	return pub.OnPositionReceived(b.Publish)
}

func (b *PositionBroadcaster) Subscribe(buffer int) (int, <-chan aisstream.VesselPosition) {
	if b == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan aisstream.VesselPosition, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	last := b.last
	have := b.haveLast
	b.mu.Unlock()
	if have {
		select {
		case ch <- last:
		default:
		}
	}
	return id, ch
}

func (b *PositionBroadcaster) Unsubscribe(id int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish holds the read lock while sending so Unsubscribe cannot close a
// channel mid-send.
func (b *PositionBroadcaster) Publish(p aisstream.VesselPosition) {
	if b == nil {
		return
	}
	b.mu.RLock()
	for _, ch := range b.subs {
		select {
		case ch <- p:
		default:
			b.missed.Add(1)
		}
	}
	b.mu.RUnlock()

	b.mu.Lock()
	b.last = p
	b.haveLast = true
	b.mu.Unlock()
}

func (b *PositionBroadcaster) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Missed counts positions dropped for slow subscribers.
func (b *PositionBroadcaster) Missed() uint64 {
	if b == nil {
		return 0
	}
	return b.missed.Load()
}
