package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/phrazzld/quill-jobs/internal/domain"
)

// RedisPublisher forwards completion events to a Redis channel for the
// cache-invalidation collaborator. Non-completion transitions are ignored;
// the in-process handlers already see the full stream.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisPublisher creates a publisher for the given channel.
func NewRedisPublisher(client *redis.Client, channel string, logger *slog.Logger) *RedisPublisher {
	return &RedisPublisher{
		client:  client,
		channel: channel,
		logger:  logger.With("component", "redis_publisher", "channel", channel),
	}
}

// HandleTransition publishes completed-job events as JSON.
func (p *RedisPublisher) HandleTransition(ctx context.Context, event *TransitionEvent) error {
	if event.ToStatus != domain.JobStatusCompleted {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal completion event: %w", err)
	}

	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		p.logger.Error("failed to publish completion event",
			"job_id", event.JobID,
			"error", err)
		return fmt.Errorf("failed to publish completion event: %w", err)
	}

	p.logger.Debug("published completion event", "job_id", event.JobID)
	return nil
}
