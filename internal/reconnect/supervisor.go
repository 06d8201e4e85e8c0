package reconnect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"marinex-ng/internal/aisstream"
)

// Client is the part of *aisstream.Client the supervisor drives.
type Client interface {
	Start(ctx context.Context) error
	Stop() error
	Events() *aisstream.Publisher
}

type Config struct {
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// Multiplier grows the backoff after each restart. Values <= 1 mean 2.
	Multiplier float64
	// MaxAttempts gives up after this many consecutive failed starts.
	// 0 retries forever.
	MaxAttempts int
}

// Supervisor restarts a stream client whenever its session ends without a
// stop request. It sits above the client; the client itself never retries.
type Supervisor struct {
	cfg    Config
	client Client
	log    zerolog.Logger

	ended   chan struct{}
	running atomic.Bool

	mu        sync.RWMutex
	state     string
	attempts  uint64
	restarts  uint64
	failures  int
	lastErr   string
	nextRetry time.Time
}

type Snapshot struct {
	State               string `json:"state"`
	Attempts            uint64 `json:"attempts"`
	Restarts            uint64 `json:"restarts"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastError           string `json:"last_error,omitempty"`
	NextRetryUTC        string `json:"next_retry_utc,omitempty"`
}

func NewSupervisor(cfg Config, client Client, log zerolog.Logger) (*Supervisor, error) {
	if client == nil {
		return nil, fmt.Errorf("reconnect supervisor client is required")
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = time.Minute
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	return &Supervisor{
		cfg:    cfg,
		client: client,
		log:    log,
		ended:  make(chan struct{}, 1),
		state:  "stopped",
	}, nil
}

// Run starts the client and keeps it running until ctx is done. It returns
// nil on cancellation, or an error once MaxAttempts consecutive starts fail.
func (s *Supervisor) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("supervisor is nil")
	}
	if s.running.Swap(true) {
		return fmt.Errorf("supervisor already running")
	}
	defer s.running.Store(false)

	id := s.client.Events().OnConnectionStatusChanged(func(ev aisstream.ConnectionStatusEvent) {
		if ev.Connected {
			return
		}
		select {
		case s.ended <- struct{}{}:
		default:
		}
	})
	defer s.client.Events().Remove(id)

	backoff := s.cfg.BackoffInitial
	for {
		s.drainEnded()
		if ctx.Err() != nil {
			s.setState("stopped", "")
			return nil
		}

		s.mu.Lock()
		s.attempts++
		s.state = "starting"
		s.nextRetry = time.Time{}
		s.mu.Unlock()

		startedAt := time.Now()
		err := s.client.Start(ctx)
		if err == nil {
			s.mu.Lock()
			s.failures = 0
			s.state = "running"
			s.mu.Unlock()

			select {
			case <-ctx.Done():
				_ = s.client.Stop()
				s.setState("stopped", "")
				return nil
			case <-s.ended:
			}
			// A session that stayed up longer than the cap earns a fresh backoff.
			if time.Since(startedAt) >= s.cfg.BackoffMax {
				backoff = s.cfg.BackoffInitial
			}
			s.setState("ended", "session ended")
			s.log.Warn().Dur("backoff", backoff).Msg("stream session ended; restarting")
		} else {
			if errors.Is(err, aisstream.ErrAlreadyStarted) {
				// Someone else owns the session; wait for it to end.
				s.setState("running", "")
				select {
				case <-ctx.Done():
					s.setState("stopped", "")
					return nil
				case <-s.ended:
				}
				continue
			}
			s.mu.Lock()
			s.failures++
			failures := s.failures
			s.mu.Unlock()
			s.setState("failed", err.Error())
			if s.cfg.MaxAttempts > 0 && failures >= s.cfg.MaxAttempts {
				s.setState("gave_up", "")
				s.log.Error().Err(err).Int("attempts", failures).Msg("stream start failed; giving up")
				return fmt.Errorf("stream start failed %d times: %w", failures, err)
			}
			s.log.Warn().Err(err).Dur("backoff", backoff).Msg("stream start failed; retrying")
		}

		s.mu.Lock()
		s.state = "backoff"
		s.nextRetry = time.Now().Add(backoff)
		s.mu.Unlock()

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			s.setState("stopped", "")
			return nil
		case <-t.C:
		}
		backoff = time.Duration(float64(backoff) * s.cfg.Multiplier)
		if backoff > s.cfg.BackoffMax {
			backoff = s.cfg.BackoffMax
		}
		s.mu.Lock()
		s.restarts++
		s.mu.Unlock()
	}
}

func (s *Supervisor) drainEnded() {
	for {
		select {
		case <-s.ended:
		default:
			return
		}
	}
}

func (s *Supervisor) setState(state string, lastErr string) {
	s.mu.Lock()
	s.state = state
	if lastErr != "" {
		s.lastErr = lastErr
	}
	s.mu.Unlock()
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Snapshot{
		State:               s.state,
		Attempts:            s.attempts,
		Restarts:            s.restarts,
		ConsecutiveFailures: s.failures,
		LastError:           s.lastErr,
	}
	if !s.nextRetry.IsZero() {
		out.NextRetryUTC = s.nextRetry.UTC().Format(time.RFC3339Nano)
	}
	return out
}
