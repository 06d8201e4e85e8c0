package sim

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"marinex-ng/internal/aisstream"
	"marinex-ng/internal/replay"
)

var errInvalidAPIKey = errors.New("api key is not valid")

type ServerConfig struct {
	// APIKey, when set, must match the subscription's key.
	APIKey   string
	Fleet    Fleet
	Interval time.Duration
	// SubscribeTimeout bounds the wait for the first message.
	SubscribeTimeout time.Duration

	// Replay, when set, is streamed instead of the fleet. Messages the
	// filters cannot classify are passed through unfiltered.
	Replay      []replay.Record
	ReplaySpeed float64
	ReplayLoop  bool
}

// Server speaks the AISStream subscription protocol and streams a
// synthetic fleet or a recorded feed, for offline runs and end-to-end tests.
type Server struct {
	cfg      ServerConfig
	log      zerolog.Logger
	upgrader websocket.Upgrader

	sessions atomic.Int64
	sent     atomic.Uint64
	// peerClose holds the last close frame a subscriber sent.
	peerClose atomic.Pointer[websocket.CloseError]
}

func NewServer(cfg ServerConfig, log zerolog.Logger) *Server {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = 3 * time.Second
	}
	if cfg.ReplaySpeed <= 0 {
		cfg.ReplaySpeed = 1
	}
	return &Server{
		cfg: cfg,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("sim upgrade failed")
		return
	}
	defer conn.Close()

	s.sessions.Add(1)
	defer s.sessions.Add(-1)

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.SubscribeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		s.log.Debug().Err(err).Msg("sim: no subscription")
		return
	}
	sub, err := aisstream.ParseSubscriptionRequest(raw)
	if err == nil && s.cfg.APIKey != "" && sub.APIKey() != s.cfg.APIKey {
		err = errInvalidAPIKey
	}
	if err != nil {
		s.reject(conn, err)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	s.log.Info().Int("boxes", len(sub.BoundingBoxes())).Msg("sim subscription accepted")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reading processes the peer's close frame; the default handler echoes it.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					s.peerClose.Store(ce)
					s.log.Debug().Int("code", ce.Code).Str("reason", ce.Text).Msg("sim subscriber closed")
				}
				return
			}
		}
	}()

	if len(s.cfg.Replay) > 0 {
		s.replay(ctx, conn, sub)
		return
	}
	s.stream(ctx, conn, sub)
}

func (s *Server) reject(conn *websocket.Conn, err error) {
	s.log.Warn().Err(err).Msg("sim subscription rejected")
	body, _ := json.Marshal(map[string]string{"error": err.Error()})
	deadline := time.Now().Add(time.Second)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteMessage(websocket.TextMessage, body)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid subscription"), deadline)
}

func (s *Server) stream(ctx context.Context, conn *websocket.Conn, sub aisstream.SubscriptionRequest) {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()

	var seq uint64
	for {
		msgs, err := s.cfg.Fleet.Messages(time.Now(), seq)
		if err != nil {
			s.log.Error().Err(err).Msg("sim render failed")
			return
		}
		seq++
		for _, m := range msgs {
			if !Matches(sub, m) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, m.Payload); err != nil {
				return
			}
			s.sent.Add(1)
		}

		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"), time.Now().Add(time.Second))
			return
		case <-t.C:
		}
	}
}

func (s *Server) replay(ctx context.Context, conn *websocket.Conn, sub aisstream.SubscriptionRequest) {
	err := replay.Play(ctx, s.cfg.Replay, s.cfg.ReplaySpeed, s.cfg.ReplayLoop, nil, func(raw []byte) error {
		if m, ok := ParseMessage(raw); ok && !Matches(sub, m) {
			return nil
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			return err
		}
		s.sent.Add(1)
		return nil
	})

	code, reason := websocket.CloseNormalClosure, "replay finished"
	switch {
	case ctx.Err() != nil:
		code, reason = websocket.CloseGoingAway, "server shutdown"
	case err != nil:
		s.log.Warn().Err(err).Msg("sim replay aborted")
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

// Matches applies the subscription's box, type and MMSI filters.
func Matches(sub aisstream.SubscriptionRequest, m Message) bool {
	if types := sub.FilterMessageTypes(); len(types) > 0 && !slices.Contains(types, m.Type) {
		return false
	}
	if mmsi := sub.FilterMMSI(); len(mmsi) > 0 && !slices.Contains(mmsi, m.MMSI) {
		return false
	}
	for _, b := range sub.BoundingBoxes() {
		if b.Contains(m.Lat, m.Lon) {
			return true
		}
	}
	return false
}

// Sessions reports currently connected subscribers.
func (s *Server) Sessions() int64 { return s.sessions.Load() }

// LastPeerClose reports the code and reason of the last close frame a
// subscriber sent.
func (s *Server) LastPeerClose() (code int, reason string, ok bool) {
	ce := s.peerClose.Load()
	if ce == nil {
		return 0, "", false
	}
	return ce.Code, ce.Text, true
}

// Sent reports messages written across all sessions.
func (s *Server) Sent() uint64 { return s.sent.Load() }
