// Package dispatcher routes accepted submissions onto per-kind worker
// topics, applying a per-kind rate limit so a burst of expensive
// full-analysis jobs cannot starve the model budget.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/liu-kaining/ThetaMind-sub004/internal/kafka"
	redisstore "github.com/liu-kaining/ThetaMind-sub004/internal/redis"
	"github.com/liu-kaining/ThetaMind-sub004/pkg/telemetry"
)

// deferDelay throttles the requeue loop when a kind is over its limit.
const deferDelay = 250 * time.Millisecond

// Dispatcher consumes from the submitted topic and routes envelopes to
// per-kind worker topics.
type Dispatcher struct {
	consumer kafka.Consumer
	producer kafka.Producer
	limiter  redisstore.RateLimiter // nil = disabled
	logger   *slog.Logger
}

func NewDispatcher(
	consumer kafka.Consumer,
	producer kafka.Producer,
	limiter redisstore.RateLimiter,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		consumer: consumer,
		producer: producer,
		limiter:  limiter,
		logger:   logger,
	}
}

// Run starts consuming. Blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	return d.consumer.Subscribe(ctx, d.route)
}

func (d *Dispatcher) route(ctx context.Context, msg kafka.Message) error {
	ctx, span := otel.Tracer("dispatcher").Start(ctx, "dispatcher.route")
	defer span.End()

	env, err := kafka.DecodeEnvelope(msg.Value)
	if err != nil {
		d.logger.Error("malformed submission, sending to DLQ", slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed submission")
		telemetry.DispatcherDLQTotal.Inc()
		return d.toDLQ(ctx, msg.Value)
	}

	span.SetAttributes(
		attribute.String("task.id", env.TaskID),
		attribute.String("task.kind", string(env.Kind)),
	)

	log := d.logger.With(
		slog.String("task_id", env.TaskID),
		slog.String("kind", string(env.Kind)),
	)

	// Over-limit submissions are deferred, not dropped: the envelope goes
	// back to the submitted topic and is retried on the next pass.
	if d.limiter != nil {
		allowed, err := d.limiter.Allow(ctx, string(env.Kind))
		if err != nil {
			log.Error("rate limiter error", slog.String("error", err.Error()))
			// Allow on limiter failure to avoid stalling tasks on Redis issues.
		} else if !allowed {
			log.Warn("rate limit exceeded, deferring")
			telemetry.DispatcherRateLimitedTotal.Inc()
			time.Sleep(deferDelay)
			if err := d.producer.Publish(ctx, kafka.TopicSubmitted, env.TaskID, msg.Value); err != nil {
				return fmt.Errorf("defer to %s: %w", kafka.TopicSubmitted, err)
			}
			return nil
		}
	}

	target := kafka.TaskTopic(env.Kind)
	if err := d.producer.Publish(ctx, target, env.TaskID, msg.Value); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "kafka publish failed")
		// Transient Kafka error: return error so the offset is NOT committed.
		return fmt.Errorf("publish to %s: %w", target, err)
	}

	telemetry.DispatcherTasksRouted.WithLabelValues(string(env.Kind)).Inc()
	log.Info("task routed", slog.String("topic", target))
	return nil
}

// toDLQ publishes a raw message to the dead-letter queue.
func (d *Dispatcher) toDLQ(ctx context.Context, payload []byte) error {
	if err := d.producer.Publish(ctx, kafka.TopicDLQ, "", payload); err != nil {
		d.logger.Error("failed to publish to DLQ", slog.String("error", err.Error()))
		return err
	}
	return nil
}
