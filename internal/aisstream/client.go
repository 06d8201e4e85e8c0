package aisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Config struct {
	URL          string
	Subscription SubscriptionRequest

	// HandshakeTimeout bounds connect plus the subscription write.
	HandshakeTimeout time.Duration
	// CloseTimeout bounds the close handshake in Stop.
	CloseTimeout time.Duration

	// MaxMessageBytes drops larger messages. 0 means 1 MiB.
	MaxMessageBytes int
	ReadChunkBytes  int

	ErrorTailLines int
}

type Option func(*Client)

// WithDialer replaces the gorilla/websocket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithLogger injects a diagnostic sink. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithPublisher shares an existing publisher, e.g. across client restarts.
func WithPublisher(p *Publisher) Option {
	return func(c *Client) {
		if p != nil {
			c.pub = p
		}
	}
}

// WithClock overrides the receipt-time clock.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMessageTap sees every assembled message, with its receipt time, before
// it is decoded. It runs on the receive goroutine and must not block or
// retain msg.
func WithMessageTap(fn func(at time.Time, msg []byte)) Option {
	return func(c *Client) { c.tap = fn }
}

// Client manages one AISStream connection at a time.
type Client struct {
	cfg    Config
	dialer Dialer
	pub    *Publisher
	log    zerolog.Logger
	now    func() time.Time
	tap    func(at time.Time, msg []byte)

	// lifeMu serializes Start and Stop.
	lifeMu sync.Mutex
	sess   *session

	mu             sync.RWMutex
	state          ConnectionState
	sessionID      string
	connectedSince time.Time
	lastMessage    time.Time
	lastErr        string

	frames       atomic.Uint64
	messages     atomic.Uint64
	positions    atomic.Uint64
	unrecognized atomic.Uint64
	decodeErrs   atomic.Uint64
	invalid      atomic.Uint64
	sessions     atomic.Uint64

	errTail *errorTail
}

type session struct {
	id     string
	tr     Transport
	cancel context.CancelFunc
	done   chan struct{}

	// stopping is set by Stop before it cancels the session.
	stopping atomic.Bool
	// ended guards the single disconnect notification per session.
	ended atomic.Bool
}

type Snapshot struct {
	URL               string          `json:"url"`
	State             ConnectionState `json:"state"`
	SessionID         string          `json:"session_id,omitempty"`
	Sessions          uint64          `json:"sessions"`
	ConnectedSinceUTC string          `json:"connected_since_utc,omitempty"`
	LastMessageUTC    string          `json:"last_message_utc,omitempty"`
	LastError         string          `json:"last_error,omitempty"`
	Frames            uint64          `json:"frames"`
	Messages          uint64          `json:"messages"`
	Positions         uint64          `json:"positions"`
	Unrecognized      uint64          `json:"unrecognized"`
	DecodeErrors      uint64          `json:"decode_errors"`
	ValidationErrors  uint64          `json:"validation_errors"`
	RecentErrors      []string        `json:"recent_errors,omitempty"`
}

func NewClient(cfg Config, opts ...Option) (*Client, error) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Subscription.APIKey() == "" {
		return nil, fmt.Errorf("aisstream subscription is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 2 * time.Second
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 1 << 20
	}
	if cfg.ErrorTailLines <= 0 {
		cfg.ErrorTailLines = 20
	}

	c := &Client{
		cfg:     cfg,
		log:     zerolog.Nop(),
		now:     time.Now,
		state:   Disconnected,
		errTail: newErrorTail(cfg.ErrorTailLines, 1024),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = WebSocketDialer{HandshakeTimeout: cfg.HandshakeTimeout, ReadChunkBytes: cfg.ReadChunkBytes}
	}
	if c.pub == nil {
		c.pub = NewPublisher(c.log)
	}
	return c, nil
}

// Events exposes the listener registry.
func (c *Client) Events() *Publisher {
	return c.pub
}

func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Start connects, subscribes and launches the receive loop. It does not
// retry: on failure the client is left Disconnected and the error is
// returned after the error and status events are published.
//
// Listeners must not call Start or Stop synchronously.
func (c *Client) Start(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("aisstream client is nil")
	}
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}

	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if c.sess != nil {
		select {
		case <-c.sess.done:
			// Previous session ended on its own; reap it.
			c.sess = nil
		default:
			return ErrAlreadyStarted
		}
	}

	id := uuid.NewString()
	log := c.log.With().Str("session", id).Logger()
	c.sessions.Add(1)
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()

	c.setState(Connecting)
	log.Info().Str("url", c.cfg.URL).Msg("aisstream connecting")

	dialCtx, cancelDial := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	tr, err := c.dialer.Dial(dialCtx, c.cfg.URL)
	cancelDial()
	if err != nil {
		return c.failStart(log, nil, fmt.Errorf("connect: %w", err))
	}

	c.setState(Subscribing)
	body, err := json.Marshal(c.cfg.Subscription)
	if err != nil {
		return c.failStart(log, tr, fmt.Errorf("encode subscription: %w", err))
	}
	if err := tr.WriteText(body, c.now().Add(c.cfg.HandshakeTimeout)); err != nil {
		return c.failStart(log, tr, fmt.Errorf("subscribe: %w", err))
	}
	log.Debug().Int("boxes", len(c.cfg.Subscription.boxes)).Msg("aisstream subscription sent")

	runCtx, cancel := context.WithCancel(ctx)
	s := &session{id: id, tr: tr, cancel: cancel, done: make(chan struct{})}
	c.sess = s

	now := c.now()
	c.mu.Lock()
	c.connectedSince = now
	c.mu.Unlock()
	c.setState(Streaming)
	log.Info().Msg("aisstream streaming")
	c.pub.PublishStatus(ConnectionStatusEvent{Connected: true, At: now})

	go c.receiveLoop(runCtx, s, log)
	return nil
}

func (c *Client) failStart(log zerolog.Logger, tr Transport, err error) error {
	if tr != nil {
		_ = tr.Close()
	}
	se := newStreamError(CategoryConnection, err)
	log.Error().Err(err).Msg("aisstream start failed")
	c.recordError(se)
	c.setState(Disconnected)
	c.pub.PublishError(*se)
	c.pub.PublishStatus(ConnectionStatusEvent{Connected: false, At: c.now()})
	return se
}

// Stop ends the current session. It is safe to call from any state and
// more than once. After Stop returns no further events are published for
// the stopped session.
func (c *Client) Stop() error {
	if c == nil {
		return nil
	}
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	s := c.sess
	if s == nil {
		return nil
	}
	c.sess = nil

	select {
	case <-s.done:
		// The loop already reported the disconnect.
		return nil
	default:
	}

	s.stopping.Store(true)
	c.setState(Closing)
	s.cancel()

	var closeErr error
	deadline := c.now().Add(c.cfg.CloseTimeout)
	if err := s.tr.WriteClose(deadline); err != nil {
		closeErr = fmt.Errorf("close handshake: %w", err)
	} else {
		t := time.NewTimer(c.cfg.CloseTimeout)
		select {
		case <-s.done:
		case <-t.C:
			closeErr = fmt.Errorf("close handshake: timed out after %s", c.cfg.CloseTimeout)
		}
		t.Stop()
	}
	// Releasing the transport unblocks a loop still waiting on a read.
	_ = s.tr.Close()
	<-s.done

	if closeErr != nil {
		c.log.Warn().Str("session", s.id).Err(closeErr).Msg("aisstream close incomplete")
	}
	c.setState(Disconnected)
	if s.ended.CompareAndSwap(false, true) {
		c.pub.PublishStatus(ConnectionStatusEvent{Connected: false, At: c.now()})
	}
	c.log.Info().Str("session", s.id).Msg("aisstream stopped")
	return nil
}

func (c *Client) receiveLoop(ctx context.Context, s *session, log zerolog.Logger) {
	defer close(s.done)

	// Unblock the read if the caller's context ends without Stop.
	stopWatch := context.AfterFunc(ctx, func() {
		if !s.stopping.Load() {
			_ = s.tr.Close()
		}
	})
	defer stopWatch()

	asm := NewFrameAssembler(c.cfg.MaxMessageBytes)
	for {
		f, err := s.tr.ReadFrame()
		if err != nil {
			if s.stopping.Load() {
				return
			}
			if ctx.Err() != nil {
				log.Info().Msg("aisstream context done")
				c.endSession(s, nil)
				return
			}
			c.endSession(s, newStreamError(CategoryConnection, fmt.Errorf("read: %w", err)))
			return
		}
		c.frames.Add(1)

		if f.Control {
			asm.Reset()
			if s.stopping.Load() {
				return
			}
			log.Info().Str("reason", string(f.Payload)).Msg("aisstream closed by peer")
			c.endSession(s, nil)
			return
		}

		msg, ok, err := asm.Feed(f)
		if err != nil {
			c.reportNonFatal(s, newStreamError(CategoryDecode, err))
			c.decodeErrs.Add(1)
			continue
		}
		if !ok {
			continue
		}
		c.handleMessage(s, msg)
	}
}

// endSession reports a disconnect the loop detected on its own.
func (c *Client) endSession(s *session, se *StreamError) {
	_ = s.tr.Close()
	if !s.ended.CompareAndSwap(false, true) {
		return
	}
	c.setState(Disconnected)
	if se != nil {
		c.log.Error().Str("session", s.id).Err(se).Msg("aisstream session failed")
		c.recordError(se)
		c.pub.PublishError(*se)
	}
	c.pub.PublishStatus(ConnectionStatusEvent{Connected: false, At: c.now()})
}

func (c *Client) handleMessage(s *session, msg AssembledMessage) {
	now := c.now()
	c.messages.Add(1)
	c.mu.Lock()
	c.lastMessage = now
	c.mu.Unlock()
	if c.tap != nil {
		c.tap(now, msg.Payload)
	}

	payload, err := Decode(msg.Payload)
	if err != nil {
		c.decodeErrs.Add(1)
		c.reportNonFatal(s, asStreamError(CategoryDecode, err))
		return
	}
	if payload.Kind != PayloadPositionUpdate {
		c.unrecognized.Add(1)
		return
	}

	pos, err := Validate(payload.Position, now)
	if err != nil {
		c.invalid.Add(1)
		c.reportNonFatal(s, asStreamError(CategoryValidation, err))
		return
	}
	c.positions.Add(1)
	if s.stopping.Load() {
		return
	}
	c.pub.PublishPosition(pos)
}

func (c *Client) reportNonFatal(s *session, se *StreamError) {
	c.log.Debug().Str("session", s.id).Str("category", string(se.Category)).Msg(se.Detail)
	c.recordError(se)
	if s.stopping.Load() {
		return
	}
	c.pub.PublishError(*se)
}

func asStreamError(cat Category, err error) *StreamError {
	var se *StreamError
	if errors.As(err, &se) {
		return se
	}
	return newStreamError(cat, err)
}

func (c *Client) recordError(se *StreamError) {
	c.mu.Lock()
	c.lastErr = se.Error()
	c.mu.Unlock()
	c.errTail.add(c.now(), se.Error())
}

func (c *Client) setState(to ConnectionState) {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	if !canTransition(from, to) {
		c.mu.Unlock()
		c.log.Warn().Stringer("from", from).Stringer("to", to).Msg("aisstream illegal state transition ignored")
		return
	}
	c.state = to
	if to == Disconnected {
		c.connectedSince = time.Time{}
	}
	c.mu.Unlock()
}

func (c *Client) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	out := Snapshot{
		URL:       c.cfg.URL,
		State:     c.state,
		SessionID: c.sessionID,
		LastError: c.lastErr,
	}
	connectedSince := c.connectedSince
	lastMessage := c.lastMessage
	c.mu.RUnlock()

	if !connectedSince.IsZero() {
		out.ConnectedSinceUTC = connectedSince.UTC().Format(time.RFC3339Nano)
	}
	if !lastMessage.IsZero() {
		out.LastMessageUTC = lastMessage.UTC().Format(time.RFC3339Nano)
	}
	out.Sessions = c.sessions.Load()
	out.Frames = c.frames.Load()
	out.Messages = c.messages.Load()
	out.Positions = c.positions.Load()
	out.Unrecognized = c.unrecognized.Load()
	out.DecodeErrors = c.decodeErrs.Load()
	out.ValidationErrors = c.invalid.Load()
	out.RecentErrors = c.errTail.snapshot()
	return out
}
