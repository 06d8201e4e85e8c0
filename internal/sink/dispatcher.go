package sink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"marinex-ng/internal/aisstream"
)

// Observer receives per-sink outcomes, e.g. for metrics.
type Observer interface {
	SinkPublished(sink string)
	SinkFailed(sink string)
	SinkDropped()
}

type DispatcherConfig struct {
	QueueSize      int
	PublishTimeout time.Duration
}

// Dispatcher decouples the stream's receive loop from slow sinks. Enqueue
// never blocks; when the queue is full the position is dropped and counted.
type Dispatcher struct {
	cfg      DispatcherConfig
	log      zerolog.Logger
	sinks    []*sinkState
	observer Observer

	mu     sync.RWMutex
	closed bool
	queue  chan aisstream.VesselPosition
	done   chan struct{}

	dropped atomic.Uint64
}

type sinkState struct {
	sink      Sink
	published atomic.Uint64
	failed    atomic.Uint64

	mu      sync.Mutex
	lastErr string
}

type SinkStats struct {
	Name      string `json:"name"`
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
	LastError string `json:"last_error,omitempty"`
}

type DispatcherStats struct {
	Queued  int         `json:"queued"`
	Dropped uint64      `json:"dropped"`
	Sinks   []SinkStats `json:"sinks"`
}

func NewDispatcher(cfg DispatcherConfig, log zerolog.Logger, observer Observer, sinks ...Sink) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	d := &Dispatcher{
		cfg:      cfg,
		log:      log,
		observer: observer,
		queue:    make(chan aisstream.VesselPosition, cfg.QueueSize),
		done:     make(chan struct{}),
	}
	for _, s := range sinks {
		if s != nil {
			d.sinks = append(d.sinks, &sinkState{sink: s})
		}
	}
	go d.run()
	return d
}

// Attach subscribes the dispatcher to a publisher's position events.
func (d *Dispatcher) Attach(pub *aisstream.Publisher) aisstream.ListenerID {
	return pub.OnPositionReceived(func(p aisstream.VesselPosition) { d.Enqueue(p) })
}

func (d *Dispatcher) Enqueue(p aisstream.VesselPosition) bool {
	if d == nil {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- p:
		return true
	default:
		d.dropped.Add(1)
		if d.observer != nil {
			d.observer.SinkDropped()
		}
		return false
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for p := range d.queue {
		for _, st := range d.sinks {
			d.publish(st, p)
		}
	}
}

func (d *Dispatcher) publish(st *sinkState, p aisstream.VesselPosition) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.PublishTimeout)
	defer cancel()

	name := st.sink.Name()
	if err := st.sink.Publish(ctx, p); err != nil {
		st.failed.Add(1)
		st.mu.Lock()
		st.lastErr = err.Error()
		st.mu.Unlock()
		if d.observer != nil {
			d.observer.SinkFailed(name)
		}
		d.log.Warn().Str("sink", name).Str("mmsi", p.MMSI).Err(err).Msg("sink publish failed")
		return
	}
	st.published.Add(1)
	if d.observer != nil {
		d.observer.SinkPublished(name)
	}
}

func (d *Dispatcher) Stats() DispatcherStats {
	if d == nil {
		return DispatcherStats{}
	}
	out := DispatcherStats{
		Queued:  len(d.queue),
		Dropped: d.dropped.Load(),
		Sinks:   make([]SinkStats, 0, len(d.sinks)),
	}
	for _, st := range d.sinks {
		st.mu.Lock()
		lastErr := st.lastErr
		st.mu.Unlock()
		out.Sinks = append(out.Sinks, SinkStats{
			Name:      st.sink.Name(),
			Published: st.published.Load(),
			Failed:    st.failed.Load(),
			LastError: lastErr,
		})
	}
	return out
}

// Close drains the queue, then closes every sink.
func (d *Dispatcher) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	<-d.done

	var errs []error
	for _, st := range d.sinks {
		if err := st.sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
