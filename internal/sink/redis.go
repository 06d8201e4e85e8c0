package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"marinex-ng/internal/aisstream"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces "<prefix>:<mmsi>" and the "<prefix>:geo" index.
	KeyPrefix string
	TTL       time.Duration
}

type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	GeoAdd(ctx context.Context, key string, geoLocation ...*redis.GeoLocation) *redis.IntCmd
	Close() error
}

// RedisSink stores the latest record per vessel and maintains a geo index.
type RedisSink struct {
	cfg    RedisConfig
	client redisClient
}

func NewRedisSink(ctx context.Context, cfg RedisConfig) (*RedisSink, error) {
	cfg.Addr = strings.TrimSpace(cfg.Addr)
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return newRedisSink(cfg, rdb), nil
}

func newRedisSink(cfg RedisConfig, client redisClient) *RedisSink {
	cfg.KeyPrefix = strings.TrimRight(cfg.KeyPrefix, ":")
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "marinex:vessel"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	return &RedisSink{cfg: cfg, client: client}
}

func (s *RedisSink) Name() string { return "redis:" + s.cfg.Addr }

func (s *RedisSink) Key(mmsi string) string { return s.cfg.KeyPrefix + ":" + mmsi }

func (s *RedisSink) GeoKey() string { return s.cfg.KeyPrefix + ":geo" }

func (s *RedisSink) Publish(ctx context.Context, p aisstream.VesselPosition) error {
	payload, err := encode(p)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.Key(p.MMSI), payload, s.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", s.Key(p.MMSI), err)
	}
	loc := &redis.GeoLocation{Name: p.MMSI, Longitude: p.Longitude, Latitude: p.Latitude}
	if err := s.client.GeoAdd(ctx, s.GeoKey(), loc).Err(); err != nil {
		return fmt.Errorf("redis GEOADD %s: %w", s.GeoKey(), err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
