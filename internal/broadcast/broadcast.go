// Package broadcast pushes room events to anyone outside the process that
// wants to follow a room.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	wire "github.com/DoyleJ11/liar-game-backend/pkg/types"
)

const DefaultChannelPrefix = "liargame"

type Publisher interface {
	Publish(ctx context.Context, ev wire.Event) error
	Close() error
}

// Nop drops everything.
type Nop struct{}

func (Nop) Publish(context.Context, wire.Event) error { return nil }
func (Nop) Close() error                              { return nil }

// Log writes a debug line per event.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	if log == nil {
		log = zap.NewNop()
	}
	return &Log{log: log.Named("broadcast")}
}

func (l *Log) Publish(_ context.Context, ev wire.Event) error {
	l.log.Debug("room event",
		zap.String("room", ev.RoomID),
		zap.String("type", ev.Type),
		zap.Int("version", ev.Version),
		zap.String("status", ev.Status))
	return nil
}

func (l *Log) Close() error { return nil }

type Config struct {
	RedisClient *redis.Client
	// Prefix of the pub/sub channel; events for room X go to <Prefix>:room:X.
	Prefix string
}

type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(ctx context.Context, cfg *Config) (*Redis, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.RedisClient == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if err := cfg.RedisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &Redis{client: cfg.RedisClient, prefix: prefix}, nil
}

// Channel is the pub/sub channel carrying roomID's events.
func (r *Redis) Channel(roomID string) string {
	return fmt.Sprintf("%s:room:%s", r.prefix, roomID)
}

func (r *Redis) Publish(ctx context.Context, ev wire.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, r.Channel(ev.RoomID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", r.Channel(ev.RoomID), err)
	}
	return nil
}

func (r *Redis) Close() error { return r.client.Close() }

// Multi publishes to every publisher and reports all failures together.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev wire.Event) error {
	var err error
	for _, p := range m {
		err = multierr.Append(err, p.Publish(ctx, ev))
	}
	return err
}

func (m Multi) Close() error {
	var err error
	for _, p := range m {
		err = multierr.Append(err, p.Close())
	}
	return err
}
