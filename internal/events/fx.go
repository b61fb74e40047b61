package events

import (
	"context"

	"github.com/smallbiznis/creatorledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("events",
	fx.Provide(NewPublisher),
)

// NewPublisher returns a kafka publisher when brokers are configured, otherwise a noop.
func NewPublisher(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (Publisher, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		log.Info("kafka brokers not configured, lifecycle events disabled")
		return NoopPublisher{}, nil
	}
	publisher, err := NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.TopicPrefix)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return publisher.Close()
		},
	})
	log.Info("kafka publisher ready", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic_prefix", cfg.Kafka.TopicPrefix))
	return publisher, nil
}

// PublishQuietly logs instead of failing: the state change is already committed.
func PublishQuietly(ctx context.Context, publisher Publisher, log *zap.Logger, event Event) {
	if publisher == nil {
		return
	}
	if err := publisher.Publish(ctx, event); err != nil && log != nil {
		log.Warn("publish event failed",
			zap.String("event_type", event.Type),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
	}
}
