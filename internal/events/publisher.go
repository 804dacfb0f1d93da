package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher is an EventHandler that publishes every event as JSON on a
// Redis pub/sub channel, so external consumers can follow request outcomes.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisPublisher creates a publisher for channel.
func NewRedisPublisher(client redis.UniversalClient, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

// Channel returns the pub/sub channel name.
func (p *RedisPublisher) Channel() string {
	return p.channel
}

// HandleEvent implements EventHandler.
func (p *RedisPublisher) HandleEvent(ctx context.Context, event *LifecycleEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to channel %s: %w", p.channel, err)
	}
	return nil
}

// LogHandler is an EventHandler that writes each event to a logger.
type LogHandler struct {
	logger *slog.Logger
}

// NewLogHandler creates a LogHandler.
func NewLogHandler(logger *slog.Logger) *LogHandler {
	return &LogHandler{logger: logger.With("component", "lifecycle_events")}
}

// HandleEvent implements EventHandler.
func (h *LogHandler) HandleEvent(ctx context.Context, event *LifecycleEvent) error {
	h.logger.InfoContext(ctx, "request lifecycle event",
		"event_type", event.Type,
		"request_id", event.RequestID,
		"state", event.State)
	return nil
}

var (
	_ EventHandler = (*RedisPublisher)(nil)
	_ EventHandler = (*LogHandler)(nil)
)
