package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/liu-kaining/ThetaMind-sub004/internal/domain"
	"github.com/liu-kaining/ThetaMind-sub004/internal/engine"
	"github.com/liu-kaining/ThetaMind-sub004/internal/kafka"
	"github.com/liu-kaining/ThetaMind-sub004/internal/postgres"
	redisstore "github.com/liu-kaining/ThetaMind-sub004/internal/redis"
	"github.com/liu-kaining/ThetaMind-sub004/pkg/telemetry"
)

// PipelineFactory builds a pipeline bound to a per-task progress sink.
// The sink is per task because it carries the task's identity into the
// live-status mirror.
type PipelineFactory func(sink engine.ProgressSink) *engine.Pipeline

// Worker consumes task envelopes from a per-kind topic, claims each task
// and drives its pipeline to a terminal state.
type Worker struct {
	consumer kafka.Consumer
	producer kafka.Producer
	live     redisstore.StateStore
	repo     postgres.TaskRepository
	factory  PipelineFactory
	workerID string
	timeout  time.Duration
	logger   *slog.Logger

	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// Option configures a Worker.
type Option func(*Worker)

// WithTimeout caps the wall-clock budget of one whole pipeline run.
func WithTimeout(d time.Duration) Option { return func(w *Worker) { w.timeout = d } }

func WithLogger(l *slog.Logger) Option { return func(w *Worker) { w.logger = l } }

// NewWorker constructs a Worker with the given dependencies and options.
func NewWorker(
	workerID string,
	consumer kafka.Consumer,
	producer kafka.Producer,
	live redisstore.StateStore,
	repo postgres.TaskRepository,
	factory PipelineFactory,
	opts ...Option,
) *Worker {
	w := &Worker{
		workerID: workerID,
		consumer: consumer,
		producer: producer,
		live:     live,
		repo:     repo,
		factory:  factory,
		timeout:  30 * time.Minute,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run starts consuming and processing messages. Blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	return w.consumer.Subscribe(ctx, w.processMessage)
}

// Wait blocks until all in-flight tasks finish. Call after Run returns.
func (w *Worker) Wait() { w.wg.Wait() }

// processMessage is the Kafka HandlerFunc. It returns nil in every case the
// message should not be re-delivered: malformed envelopes go to the DLQ and
// finished pipelines have their outcome persisted by the pipeline itself.
func (w *Worker) processMessage(consumerCtx context.Context, msg kafka.Message) error {
	env, err := kafka.DecodeEnvelope(msg.Value)
	if err != nil {
		w.logger.Error("malformed envelope, sending to DLQ",
			slog.String("error", err.Error()),
			slog.String("raw", string(msg.Value)),
		)
		if pubErr := w.producer.Publish(consumerCtx, kafka.TopicDLQ, string(msg.Key), msg.Value); pubErr != nil {
			w.logger.Error("DLQ publish failed", slog.String("error", pubErr.Error()))
		}
		telemetry.WorkerDLQTotal.Inc()
		return nil
	}

	// Child span parented to the trace context extracted from Kafka headers.
	ctx, span := otel.Tracer("worker").Start(consumerCtx, "worker.run_analysis")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", env.TaskID),
		attribute.String("task.kind", string(env.Kind)),
		attribute.String("worker.id", w.workerID),
	)

	log := w.logger.With(
		slog.String("task_id", env.TaskID),
		slog.String("kind", string(env.Kind)),
		slog.String("worker_id", w.workerID),
	)

	// The claim is the exactly-once gate: a task another worker already
	// moved past PENDING is simply skipped and the offset committed.
	task, err := w.repo.Claim(ctx, env.TaskID)
	if err != nil {
		var claimed *domain.TaskAlreadyClaimedError
		var notFound *domain.TaskNotFoundError
		switch {
		case errors.As(err, &claimed):
			log.Info("task already claimed, skipping", slog.String("status", string(claimed.Status)))
			return nil
		case errors.As(err, &notFound):
			log.Error("envelope references unknown task, sending to DLQ")
			_ = w.producer.Publish(ctx, kafka.TopicDLQ, env.TaskID, msg.Value)
			telemetry.WorkerDLQTotal.Inc()
			return nil
		default:
			log.Error("claim failed", slog.String("error", err.Error()))
			span.RecordError(err)
			return err
		}
	}

	w.wg.Add(1)
	w.inFlight.Add(1)
	telemetry.WorkerTasksInFlight.WithLabelValues(string(task.Kind)).Inc()
	defer func() {
		telemetry.WorkerTasksInFlight.WithLabelValues(string(task.Kind)).Dec()
		w.inFlight.Add(-1)
		w.wg.Done()
	}()

	sink := &liveSink{store: w.live, taskID: task.ID, logger: log}
	sink.mirror(ctx, domain.StatusProcessing, task.Progress, task.CurrentStage)

	// The pipeline runs on a fresh context so consumer shutdown does not
	// abort a task mid-flight; the span keeps the trace connected.
	runCtx, cancel := context.WithTimeout(
		trace.ContextWithSpan(context.Background(), span),
		w.timeout,
	)
	defer cancel()

	start := time.Now()
	runErr := w.factory(sink).Run(runCtx, task)
	durationSec := time.Since(start).Seconds()
	telemetry.WorkerTaskDurationSeconds.WithLabelValues(string(task.Kind)).Observe(durationSec)

	if runErr != nil {
		log.Error("task failed",
			slog.String("error", runErr.Error()),
			slog.Float64("duration_sec", durationSec),
		)
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "pipeline failed")
		telemetry.WorkerTasksProcessed.WithLabelValues(string(task.Kind), "failed").Inc()
	} else {
		log.Info("task completed", slog.Float64("duration_sec", durationSec))
		telemetry.WorkerTasksProcessed.WithLabelValues(string(task.Kind), "success").Inc()
	}

	sink.mirror(ctx, task.Status, task.Progress, "")
	return nil
}

// liveSink mirrors pipeline progress into the Redis live-status store.
// History events stay in Postgres only; the mirror is a polling shortcut,
// not a second source of truth.
type liveSink struct {
	store  redisstore.StateStore
	taskID string
	logger *slog.Logger
}

func (s *liveSink) Progress(ctx context.Context, pct int, stage string) {
	s.mirror(ctx, domain.StatusProcessing, pct, stage)
}

func (s *liveSink) Event(context.Context, string, string) {}

func (s *liveSink) mirror(ctx context.Context, status domain.Status, pct int, stage string) {
	err := s.store.SetLive(ctx, &redisstore.LiveStatus{
		TaskID:       s.taskID,
		Status:       status,
		Progress:     pct,
		CurrentStage: stage,
	})
	if err != nil {
		s.logger.Warn("live status mirror failed", slog.String("error", err.Error()))
	}
}
