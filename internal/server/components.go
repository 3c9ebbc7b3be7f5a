package server

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sofatutor/vertex-proxy/internal/config"
	"github.com/sofatutor/vertex-proxy/internal/eventbus"
	"go.uber.org/zap"
)

// NewRegistry returns a metrics registry carrying the Go runtime and
// process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewEventBus builds the event bus selected by cfg.EventBusBackend. It
// returns nil when publishing is disabled.
func NewEventBus(ctx context.Context, cfg *config.Config, logger *zap.Logger) (eventbus.EventBus, error) {
	switch cfg.EventBusBackend {
	case config.EventBusDisabled:
		return nil, nil

	case config.EventBusInMemory:
		return eventbus.NewInMemoryEventBus(cfg.EventBufferSize), nil

	case config.EventBusRedis:
		bus, err := NewRedisEventBus(ctx, cfg, eventbus.DefaultRedisStreamsConfig(), logger)
		if err != nil {
			return nil, err
		}
		return bus, nil

	default:
		return nil, fmt.Errorf("unknown event bus backend %q", cfg.EventBusBackend)
	}
}

// NewRedisEventBus connects to cfg.RedisAddr and returns a stream bus on
// cfg.RedisStreamKey, capped at cfg.RedisStreamMaxLen. Group and consumer
// settings come from busCfg. The server is pinged once so a bad address
// fails at startup.
func NewRedisEventBus(ctx context.Context, cfg *config.Config, busCfg eventbus.RedisStreamsConfig, logger *zap.Logger) (*eventbus.RedisStreamsEventBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
	}

	busCfg.StreamKey = cfg.RedisStreamKey
	busCfg.MaxLen = cfg.RedisStreamMaxLen
	return eventbus.NewRedisStreamsEventBus(&eventbus.RedisStreamsClientAdapter{Client: client}, busCfg, logger), nil
}
