package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"marinex-ng/internal/aisstream"
)

type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// TopicPrefix is joined with the MMSI: "<prefix>/<mmsi>".
	TopicPrefix    string
	QoS            byte
	Retain         bool
	ConnectTimeout time.Duration
}

type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type MQTTSink struct {
	cfg    MQTTConfig
	client mqttClient
}

func NewMQTTSink(cfg MQTTConfig) (*MQTTSink, error) {
	cfg.Broker = strings.TrimSpace(cfg.Broker)
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "marinex-ng"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.ConnectTimeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect %s: timed out after %s", cfg.Broker, cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return newMQTTSink(cfg, client), nil
}

func newMQTTSink(cfg MQTTConfig, client mqttClient) *MQTTSink {
	cfg.TopicPrefix = strings.TrimRight(cfg.TopicPrefix, "/")
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "marinex/vessels"
	}
	if cfg.QoS > 2 {
		cfg.QoS = 2
	}
	return &MQTTSink{cfg: cfg, client: client}
}

func (s *MQTTSink) Name() string { return "mqtt:" + s.cfg.Broker }

func (s *MQTTSink) Topic(mmsi string) string {
	return s.cfg.TopicPrefix + "/" + mmsi
}

func (s *MQTTSink) Publish(ctx context.Context, p aisstream.VesselPosition) error {
	payload, err := encode(p)
	if err != nil {
		return err
	}
	token := s.client.Publish(s.Topic(p.MMSI), s.cfg.QoS, s.cfg.Retain, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish: %w", ctx.Err())
	}
}

func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
