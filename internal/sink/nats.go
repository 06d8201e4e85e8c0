package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"marinex-ng/internal/aisstream"
)

type NATSConfig struct {
	URL string
	// SubjectPrefix is joined with the MMSI: "<prefix>.<mmsi>".
	SubjectPrefix string
	Timeout       time.Duration
}

type natsConn interface {
	Publish(subj string, data []byte) error
	Drain() error
}

type NATSSink struct {
	cfg  NATSConfig
	conn natsConn
}

func NewNATSSink(cfg NATSConfig) (*NATSSink, error) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("marinex-ng"),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}
	return newNATSSink(cfg, conn), nil
}

func newNATSSink(cfg NATSConfig, conn natsConn) *NATSSink {
	cfg.SubjectPrefix = strings.TrimRight(cfg.SubjectPrefix, ".")
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "marinex.vessels"
	}
	return &NATSSink{cfg: cfg, conn: conn}
}

func (s *NATSSink) Name() string { return "nats:" + s.cfg.URL }

func (s *NATSSink) Subject(mmsi string) string {
	return s.cfg.SubjectPrefix + "." + mmsi
}

// Publish is buffered by the nats client; ctx is only checked up front.
func (s *NATSSink) Publish(ctx context.Context, p aisstream.VesselPosition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := encode(p)
	if err != nil {
		return err
	}
	return s.conn.Publish(s.Subject(p.MMSI), payload)
}

func (s *NATSSink) Close() error {
	return s.conn.Drain()
}
