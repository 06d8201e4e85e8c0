package config

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"marinex-ng/internal/aisstream"
)

// EnvAPIKey overrides stream.api_key so keys can stay out of config files.
const EnvAPIKey = "AISSTREAM_API_KEY"

type Config struct {
	Stream    StreamConfig    `yaml:"stream"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Vessels   VesselsConfig   `yaml:"vessels"`
	Web       WebConfig       `yaml:"web"`
	Log       LogConfig       `yaml:"log"`
	Sinks     SinksConfig     `yaml:"sinks"`
	Sim       SimConfig       `yaml:"sim"`
}

type StreamConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	// BoundingBoxes are [[latSW, lonSW], [latNE, lonNE]] pairs.
	BoundingBoxes      [][][]float64 `yaml:"bounding_boxes"`
	FilterMessageTypes []string      `yaml:"filter_message_types"`
	FilterMMSI         []string      `yaml:"filter_mmsi"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	CloseTimeout       time.Duration `yaml:"close_timeout"`
	ReadBufferBytes    int           `yaml:"read_buffer_bytes"`
	MaxMessageBytes    int           `yaml:"max_message_bytes"`
	// RecordPath, when set, captures every raw message for later replay.
	RecordPath string `yaml:"record_path"`
}

type ReconnectConfig struct {
	Enable         bool          `yaml:"enable"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	MaxAttempts    int           `yaml:"max_attempts"`
}

type VesselsConfig struct {
	MaxVessels int           `yaml:"max_vessels"`
	TTL        time.Duration `yaml:"ttl"`
}

type WebConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	BufferLines int    `yaml:"buffer_lines"`
}

type SinksConfig struct {
	QueueSize      int           `yaml:"queue_size"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`

	UDP   UDPSinkConfig   `yaml:"udp"`
	MQTT  MQTTSinkConfig  `yaml:"mqtt"`
	NATS  NATSSinkConfig  `yaml:"nats"`
	Redis RedisSinkConfig `yaml:"redis"`
}

type UDPSinkConfig struct {
	Enable bool   `yaml:"enable"`
	Dest   string `yaml:"dest"`
}

type MQTTSinkConfig struct {
	Enable         bool          `yaml:"enable"`
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	QoS            int           `yaml:"qos"`
	Retain         bool          `yaml:"retain"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type NATSSinkConfig struct {
	Enable        bool          `yaml:"enable"`
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	Timeout       time.Duration `yaml:"timeout"`
}

type RedisSinkConfig struct {
	Enable    bool          `yaml:"enable"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// SimConfig runs the built-in feed simulator. When enabled and stream.url is
// unset, the client connects to it.
type SimConfig struct {
	Enable       bool          `yaml:"enable"`
	Listen       string        `yaml:"listen"`
	APIKey       string        `yaml:"api_key"`
	Vessels      int           `yaml:"vessels"`
	CenterLatDeg float64       `yaml:"center_lat_deg"`
	CenterLonDeg float64       `yaml:"center_lon_deg"`
	RadiusNm     float64       `yaml:"radius_nm"`
	Period       time.Duration `yaml:"period"`
	Interval     time.Duration `yaml:"interval"`
	SpeedKt      float64       `yaml:"speed_kt"`
	Replay       ReplayConfig  `yaml:"replay"`
}

// ReplayConfig makes the simulator stream a recorded feed instead of its fleet.
type ReplayConfig struct {
	Enable bool    `yaml:"enable"`
	Path   string  `yaml:"path"`
	Speed  float64 `yaml:"speed"`
	Loop   bool    `yaml:"loop"`
}

// SimStreamPath is where the simulator's WebSocket endpoint is mounted.
const SimStreamPath = "/v0/stream"

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if key := strings.TrimSpace(os.Getenv(EnvAPIKey)); key != "" {
		cfg.Stream.APIKey = key
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultAndValidate fills defaults in place and rejects unusable values.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	// Simulator first: it can supply the stream endpoint and key.
	if cfg.Sim.Listen == "" {
		cfg.Sim.Listen = "127.0.0.1:9090"
	}
	if cfg.Sim.APIKey == "" {
		cfg.Sim.APIKey = "sim-key"
	}
	if cfg.Sim.Vessels <= 0 {
		cfg.Sim.Vessels = 5
	}
	if cfg.Sim.CenterLatDeg == 0 && cfg.Sim.CenterLonDeg == 0 {
		// Singapore Strait.
		cfg.Sim.CenterLatDeg = 1.25
		cfg.Sim.CenterLonDeg = 103.8
	}
	if cfg.Sim.RadiusNm <= 0 {
		cfg.Sim.RadiusNm = 10
	}
	if cfg.Sim.Period <= 0 {
		cfg.Sim.Period = 30 * time.Minute
	}
	if cfg.Sim.Interval <= 0 {
		cfg.Sim.Interval = 1 * time.Second
	}
	if cfg.Sim.SpeedKt <= 0 {
		cfg.Sim.SpeedKt = 12
	}
	if err := checkLatLon("sim.center", cfg.Sim.CenterLatDeg, cfg.Sim.CenterLonDeg); err != nil {
		return err
	}
	if cfg.Sim.Replay.Enable {
		if strings.TrimSpace(cfg.Sim.Replay.Path) == "" {
			return fmt.Errorf("sim.replay.path is required when sim.replay.enable is true")
		}
		if cfg.Sim.Replay.Speed == 0 {
			cfg.Sim.Replay.Speed = 1
		}
		if cfg.Sim.Replay.Speed < 0 {
			return fmt.Errorf("sim.replay.speed must be > 0")
		}
	}

	s := &cfg.Stream
	s.URL = strings.TrimSpace(s.URL)
	if s.URL == "" {
		if cfg.Sim.Enable {
			s.URL = "ws://" + cfg.Sim.Listen + SimStreamPath
		} else {
			s.URL = aisstream.DefaultURL
		}
	}
	if !strings.HasPrefix(s.URL, "ws://") && !strings.HasPrefix(s.URL, "wss://") {
		return fmt.Errorf("stream.url must start with ws:// or wss://")
	}
	s.APIKey = strings.TrimSpace(s.APIKey)
	if s.APIKey == "" && cfg.Sim.Enable {
		s.APIKey = cfg.Sim.APIKey
	}
	if s.APIKey == "" {
		return fmt.Errorf("stream.api_key is required")
	}
	if len(s.BoundingBoxes) == 0 {
		s.BoundingBoxes = [][][]float64{{{-90, -180}, {90, 180}}}
	}
	if _, err := s.Boxes(); err != nil {
		return err
	}
	if s.HandshakeTimeout <= 0 {
		s.HandshakeTimeout = 15 * time.Second
	}
	if s.CloseTimeout <= 0 {
		s.CloseTimeout = 5 * time.Second
	}
	if s.ReadBufferBytes < 0 {
		return fmt.Errorf("stream.read_buffer_bytes must be >= 0")
	}
	if s.ReadBufferBytes == 0 {
		s.ReadBufferBytes = 8 * 1024
	}
	if s.MaxMessageBytes < 0 {
		return fmt.Errorf("stream.max_message_bytes must be >= 0")
	}
	if s.MaxMessageBytes == 0 {
		s.MaxMessageBytes = 1 << 20
	}
	s.RecordPath = strings.TrimSpace(s.RecordPath)
	if s.RecordPath != "" && cfg.Sim.Replay.Enable && s.RecordPath == strings.TrimSpace(cfg.Sim.Replay.Path) {
		return fmt.Errorf("stream.record_path and sim.replay.path cannot be the same file")
	}

	r := &cfg.Reconnect
	if r.BackoffInitial <= 0 {
		r.BackoffInitial = 1 * time.Second
	}
	if r.BackoffMax <= 0 {
		r.BackoffMax = 1 * time.Minute
	}
	if r.BackoffMax < r.BackoffInitial {
		return fmt.Errorf("reconnect.backoff_max must be >= reconnect.backoff_initial")
	}
	if r.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must be >= 0")
	}

	if cfg.Vessels.MaxVessels <= 0 {
		cfg.Vessels.MaxVessels = 5000
	}
	if cfg.Vessels.TTL <= 0 {
		cfg.Vessels.TTL = 10 * time.Minute
	}

	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Web.Enable && cfg.Sim.Enable && cfg.Web.Listen == cfg.Sim.Listen {
		return fmt.Errorf("web.listen and sim.listen must differ")
	}

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	switch cfg.Log.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of trace, debug, info, warn, error")
	}
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Format != "console" && cfg.Log.Format != "json" {
		return fmt.Errorf("log.format must be console or json")
	}
	if cfg.Log.BufferLines <= 0 {
		cfg.Log.BufferLines = 500
	}

	return defaultSinks(&cfg.Sinks)
}

func defaultSinks(sk *SinksConfig) error {
	if sk.QueueSize <= 0 {
		sk.QueueSize = 1024
	}
	if sk.PublishTimeout <= 0 {
		sk.PublishTimeout = 2 * time.Second
	}

	if sk.UDP.Enable && strings.TrimSpace(sk.UDP.Dest) == "" {
		return fmt.Errorf("sinks.udp.dest is required when sinks.udp.enable is true")
	}

	if sk.MQTT.Enable {
		if strings.TrimSpace(sk.MQTT.Broker) == "" {
			return fmt.Errorf("sinks.mqtt.broker is required when sinks.mqtt.enable is true")
		}
		if sk.MQTT.QoS < 0 || sk.MQTT.QoS > 2 {
			return fmt.Errorf("sinks.mqtt.qos must be 0, 1 or 2")
		}
	}
	if sk.MQTT.ClientID == "" {
		sk.MQTT.ClientID = "marinex-ng"
	}
	if sk.MQTT.TopicPrefix == "" {
		sk.MQTT.TopicPrefix = "marinex/vessels"
	}
	if sk.MQTT.ConnectTimeout <= 0 {
		sk.MQTT.ConnectTimeout = 10 * time.Second
	}

	if sk.NATS.Enable && strings.TrimSpace(sk.NATS.URL) == "" {
		return fmt.Errorf("sinks.nats.url is required when sinks.nats.enable is true")
	}
	if sk.NATS.SubjectPrefix == "" {
		sk.NATS.SubjectPrefix = "marinex.vessels"
	}
	if sk.NATS.Timeout <= 0 {
		sk.NATS.Timeout = 5 * time.Second
	}

	if sk.Redis.Enable && strings.TrimSpace(sk.Redis.Addr) == "" {
		return fmt.Errorf("sinks.redis.addr is required when sinks.redis.enable is true")
	}
	if sk.Redis.DB < 0 {
		return fmt.Errorf("sinks.redis.db must be >= 0")
	}
	if sk.Redis.KeyPrefix == "" {
		sk.Redis.KeyPrefix = "marinex:vessel"
	}
	if sk.Redis.TTL < 0 {
		return fmt.Errorf("sinks.redis.ttl must be >= 0")
	}
	if sk.Redis.TTL == 0 {
		sk.Redis.TTL = 10 * time.Minute
	}
	return nil
}

// Boxes converts the configured coordinate pairs.
func (s StreamConfig) Boxes() ([]aisstream.BoundingBox, error) {
	out := make([]aisstream.BoundingBox, 0, len(s.BoundingBoxes))
	for i, raw := range s.BoundingBoxes {
		if len(raw) != 2 || len(raw[0]) != 2 || len(raw[1]) != 2 {
			return nil, fmt.Errorf("stream.bounding_boxes[%d] must be [[lat, lon], [lat, lon]]", i)
		}
		b := aisstream.BoundingBox{
			SouthWest: aisstream.LatLon{Lat: raw[0][0], Lon: raw[0][1]},
			NorthEast: aisstream.LatLon{Lat: raw[1][0], Lon: raw[1][1]},
		}
		if err := b.Validate(); err != nil {
			return nil, fmt.Errorf("stream.bounding_boxes[%d]: %w", i, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// Subscription builds the request sent once per session.
func (s StreamConfig) Subscription() (aisstream.SubscriptionRequest, error) {
	boxes, err := s.Boxes()
	if err != nil {
		return aisstream.SubscriptionRequest{}, err
	}
	return aisstream.NewSubscriptionRequest(s.APIKey, boxes, s.FilterMessageTypes, s.FilterMMSI)
}

func checkLatLon(field string, lat, lon float64) error {
	if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return fmt.Errorf("%s is out of range", field)
	}
	return nil
}
