package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStreamsClient is the subset of Redis Streams commands the bus uses.
type RedisStreamsClient interface {
	// XAdd adds an entry to a stream
	XAdd(ctx context.Context, args *redis.XAddArgs) (string, error)
	// XReadGroup reads entries from a stream using a consumer group
	XReadGroup(ctx context.Context, args *redis.XReadGroupArgs) ([]redis.XStream, error)
	// XAck acknowledges processed messages
	XAck(ctx context.Context, stream, group string, ids ...string) (int64, error)
	// XGroupCreateMkStream creates a consumer group (and the stream if needed)
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) error
	// XLen returns the length of a stream
	XLen(ctx context.Context, stream string) (int64, error)
}

// RedisStreamsClientAdapter adapts go-redis/v9 Client to the RedisStreamsClient interface.
type RedisStreamsClientAdapter struct {
	Client *redis.Client
}

func (a *RedisStreamsClientAdapter) XAdd(ctx context.Context, args *redis.XAddArgs) (string, error) {
	return a.Client.XAdd(ctx, args).Result()
}

func (a *RedisStreamsClientAdapter) XReadGroup(ctx context.Context, args *redis.XReadGroupArgs) ([]redis.XStream, error) {
	return a.Client.XReadGroup(ctx, args).Result()
}

func (a *RedisStreamsClientAdapter) XAck(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	return a.Client.XAck(ctx, stream, group, ids...).Result()
}

func (a *RedisStreamsClientAdapter) XGroupCreateMkStream(ctx context.Context, stream, group, start string) error {
	return a.Client.XGroupCreateMkStream(ctx, stream, group, start).Err()
}

func (a *RedisStreamsClientAdapter) XLen(ctx context.Context, stream string) (int64, error) {
	return a.Client.XLen(ctx, stream).Result()
}

// Close closes the underlying client.
func (a *RedisStreamsClientAdapter) Close() error {
	return a.Client.Close()
}

// eventField is the stream entry field holding the JSON-encoded Event.
const eventField = "data"

// RedisStreamsConfig holds configuration for Redis Streams event bus.
type RedisStreamsConfig struct {
	StreamKey      string        // Redis stream key name
	ConsumerGroup  string        // Consumer group used by Subscribe
	ConsumerName   string        // Consumer name within the group
	MaxLen         int64         // Max stream length (0 = unlimited, uses MAXLEN ~ approximation)
	BlockTimeout   time.Duration // Block timeout for XREADGROUP
	BatchSize      int64         // Number of messages to read at once
	PublishTimeout time.Duration // Upper bound for a single XADD
	RetryDelay     time.Duration // Pause after a failed XREADGROUP
}

// DefaultRedisStreamsConfig returns default configuration.
func DefaultRedisStreamsConfig() RedisStreamsConfig {
	return RedisStreamsConfig{
		StreamKey:      "vertex-proxy-events",
		ConsumerGroup:  "vertex-proxy-consumers",
		ConsumerName:   "consumer-1",
		MaxLen:         10000,
		BlockTimeout:   5 * time.Second,
		BatchSize:      100,
		PublishTimeout: 2 * time.Second,
		RetryDelay:     time.Second,
	}
}

// RedisStreamsEventBus implements EventBus on a Redis stream. The proxy
// publishes with XADD; `vertex-proxy events` subscribes through a consumer
// group and acknowledges every entry it hands out.
type RedisStreamsEventBus struct {
	client RedisStreamsClient
	config RedisStreamsConfig
	logger *zap.Logger
	stats  busStats

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRedisStreamsEventBus creates a new Redis Streams event bus.
func NewRedisStreamsEventBus(client RedisStreamsClient, config RedisStreamsConfig, logger *zap.Logger) *RedisStreamsEventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisStreamsEventBus{
		client: client,
		config: config,
		logger: logger.With(zap.String("stream", config.StreamKey)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Publish appends evt to the stream, trimming it to roughly MaxLen entries.
// Failures are logged and counted as drops; requests never wait on them
// beyond PublishTimeout.
func (b *RedisStreamsEventBus) Publish(ctx context.Context, evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		b.logger.Warn("Failed to marshal event", zap.Error(err))
		b.stats.dropped.Add(1)
		return
	}

	args := &redis.XAddArgs{
		Stream: b.config.StreamKey,
		Values: map[string]interface{}{eventField: string(data)},
	}
	if b.config.MaxLen > 0 {
		args.MaxLen = b.config.MaxLen
		args.Approx = true
	}

	if b.config.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.config.PublishTimeout)
		defer cancel()
	}
	if _, err := b.client.XAdd(ctx, args); err != nil {
		b.logger.Warn("Failed to publish event", zap.String("request_id", evt.RequestID), zap.Error(err))
		b.stats.dropped.Add(1)
		return
	}
	b.stats.published.Add(1)
}

// JoinGroup creates the consumer group, and the stream with it, unless the
// group already exists. New groups start at the beginning of the stream.
func (b *RedisStreamsEventBus) JoinGroup(ctx context.Context) error {
	err := b.client.XGroupCreateMkStream(ctx, b.config.StreamKey, b.config.ConsumerGroup, "0")
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", b.config.ConsumerGroup, err)
	}
	return nil
}

// Subscribe starts a group consumer and returns the channel it delivers to.
// The channel is closed when the bus is closed or the group cannot be joined.
func (b *RedisStreamsEventBus) Subscribe() <-chan Event {
	ch := make(chan Event, b.config.BatchSize)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(ch)

		if err := b.JoinGroup(b.ctx); err != nil {
			b.logger.Error("Failed to join consumer group", zap.Error(err))
			return
		}
		for b.ctx.Err() == nil {
			entries, err := b.readBatch()
			if err != nil {
				if !b.pause(err) {
					return
				}
				continue
			}
			for _, entry := range entries {
				if !b.deliver(ch, entry) {
					return
				}
			}
		}
	}()
	return ch
}

// readBatch returns the next entries not yet delivered to the group. An
// expired block yields no entries and no error.
func (b *RedisStreamsEventBus) readBatch() ([]redis.XMessage, error) {
	streams, err := b.client.XReadGroup(b.ctx, &redis.XReadGroupArgs{
		Group:    b.config.ConsumerGroup,
		Consumer: b.config.ConsumerName,
		Streams:  []string{b.config.StreamKey, ">"},
		Count:    b.config.BatchSize,
		Block:    b.config.BlockTimeout,
	})
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []redis.XMessage
	for _, stream := range streams {
		entries = append(entries, stream.Messages...)
	}
	return entries, nil
}

// pause waits RetryDelay after a failed read. It reports false once the bus
// is closing.
func (b *RedisStreamsEventBus) pause(err error) bool {
	if b.ctx.Err() != nil {
		return false
	}
	b.logger.Warn("Error reading from stream", zap.Error(err))
	select {
	case <-b.ctx.Done():
		return false
	case <-time.After(b.config.RetryDelay):
		return true
	}
}

// deliver hands one entry to the subscriber and acknowledges it. Entries
// that do not decode are acknowledged and skipped.
func (b *RedisStreamsEventBus) deliver(ch chan<- Event, entry redis.XMessage) bool {
	evt, err := decodeEntry(entry)
	if err != nil {
		b.logger.Warn("Skipping unreadable entry", zap.String("id", entry.ID), zap.Error(err))
		b.ack(entry.ID)
		return true
	}

	select {
	case ch <- evt:
		b.ack(entry.ID)
		return true
	case <-b.ctx.Done():
		return false
	}
}

func (b *RedisStreamsEventBus) ack(id string) {
	if _, err := b.client.XAck(b.ctx, b.config.StreamKey, b.config.ConsumerGroup, id); err != nil {
		b.logger.Warn("Failed to acknowledge entry", zap.String("id", id), zap.Error(err))
	}
}

func decodeEntry(entry redis.XMessage) (Event, error) {
	var evt Event
	raw, ok := entry.Values[eventField].(string)
	if !ok {
		return evt, fmt.Errorf("entry has no string %q field", eventField)
	}
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		return evt, fmt.Errorf("decode event: %w", err)
	}
	return evt, nil
}

// Close stops all consumers and closes the client when it supports it.
func (b *RedisStreamsEventBus) Close() error {
	var err error
	b.stopOnce.Do(func() {
		b.cancel()
		b.wg.Wait()
		if c, ok := b.client.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}

// Stats returns the number of published and dropped events.
func (b *RedisStreamsEventBus) Stats() (published, dropped int) {
	return int(b.stats.published.Load()), int(b.stats.dropped.Load())
}

// StreamLength returns the number of entries currently in the stream.
func (b *RedisStreamsEventBus) StreamLength(ctx context.Context) (int64, error) {
	return b.client.XLen(ctx, b.config.StreamKey)
}

// Config returns the effective configuration.
func (b *RedisStreamsEventBus) Config() RedisStreamsConfig {
	return b.config
}
