// Package scheduler fires recurring analyses and requeues dropped
// hand-offs. Only one instance acts at a time, elected through Redis.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/liu-kaining/ThetaMind-sub004/internal/domain"
	"github.com/liu-kaining/ThetaMind-sub004/internal/kafka"
	"github.com/liu-kaining/ThetaMind-sub004/internal/postgres"
	"github.com/liu-kaining/ThetaMind-sub004/pkg/telemetry"
)

const (
	leaderKey     = "scheduler:leader"
	leaderTTL     = 30 * time.Second
	checkInterval = 15 * time.Second

	// requeueBatch caps how many stale tasks one tick republishes.
	requeueBatch = 100
)

// Scheduler drives two periodic duties under Redis leader election:
// submitting recurring analyses on their cron schedule, and republishing
// PENDING tasks whose Kafka hand-off got lost.
type Scheduler struct {
	tasks      postgres.TaskRepository
	schedules  postgres.ScheduleRepository
	producer   kafka.Producer
	redis      *redis.Client
	instanceID string
	staleAfter time.Duration
	logger     *slog.Logger
}

func NewScheduler(
	tasks postgres.TaskRepository,
	schedules postgres.ScheduleRepository,
	producer kafka.Producer,
	redisClient *redis.Client,
	instanceID string,
	staleAfter time.Duration,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		tasks:      tasks,
		schedules:  schedules,
		producer:   producer,
		redis:      redisClient,
		instanceID: instanceID,
		staleAfter: staleAfter,
		logger:     logger,
	}
}

// Run is the main polling loop: tries to become leader, then does one pass
// of both duties. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	// Run once immediately before waiting for the first tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.acquireOrRenewLeadership(ctx) {
		return
	}
	if err := s.processDueSchedules(ctx); err != nil {
		s.logger.Error("processDueSchedules", slog.String("error", err.Error()))
	}
	if err := s.requeueStalePending(ctx); err != nil {
		s.logger.Error("requeueStalePending", slog.String("error", err.Error()))
	}
}

// acquireOrRenewLeadership attempts SETNX; returns true if this instance is the leader.
func (s *Scheduler) acquireOrRenewLeadership(ctx context.Context) bool {
	ok, err := s.redis.SetNX(ctx, leaderKey, s.instanceID, leaderTTL).Result()
	if err != nil {
		s.logger.Error("leader election SetNX", slog.String("error", err.Error()))
		return false
	}
	if ok {
		s.logger.Info("acquired scheduler leadership", slog.String("instance_id", s.instanceID))
		return true
	}

	// Already set: renew only if we own it (atomic Lua script avoids races).
	renewScript := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
	result, err := renewScript.Run(
		ctx, s.redis,
		[]string{leaderKey},
		s.instanceID,
		leaderTTL.Milliseconds(),
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Error("leader renewal", slog.String("error", err.Error()))
		return false
	}
	return result == 1
}

func (s *Scheduler) processDueSchedules(ctx context.Context) error {
	due, err := s.schedules.ListDue(ctx)
	if err != nil {
		return err
	}
	for _, sched := range due {
		if err := s.fire(ctx, sched); err != nil {
			s.logger.Error("scheduled analysis failed to fire",
				slog.String("schedule_id", sched.ID),
				slog.String("symbol", sched.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// fire creates a fresh task for the schedule and hands it off, then
// advances the schedule's next run time.
func (s *Scheduler) fire(ctx context.Context, sched *postgres.ScheduledAnalysis) error {
	kind := sched.Kind
	if !kind.Valid() {
		kind = domain.KindFullAnalysis
	}

	payload, err := json.Marshal(domain.AnalysisRequest{
		Symbol:      sched.Symbol,
		Horizon:     sched.Horizon,
		RiskProfile: sched.RiskProfile,
	})
	if err != nil {
		return fmt.Errorf("marshal request for %s: %w", sched.Symbol, err)
	}

	now := time.Now().UTC()
	task := &domain.Task{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    domain.StatusPending,
		Request:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		return err
	}

	env, err := kafka.EncodeEnvelope(kafka.TaskEnvelope{TaskID: task.ID, Kind: kind, SubmittedAt: now})
	if err != nil {
		return err
	}
	if err := s.producer.Publish(ctx, kafka.TopicSubmitted, task.ID, env); err != nil {
		// The row exists, so the stale-PENDING sweep picks it up later.
		s.logger.Warn("schedule hand-off failed, leaving to requeue sweep",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}

	schedule, err := cron.ParseStandard(sched.CronExpr)
	if err != nil {
		return fmt.Errorf("parse cron %q for schedule %s: %w", sched.CronExpr, sched.ID, err)
	}
	nextRun := schedule.Next(now)

	if err := s.schedules.MarkRun(ctx, sched.ID, now, nextRun); err != nil {
		return err
	}

	telemetry.SchedulerScheduledRuns.WithLabelValues(sched.Symbol).Inc()
	s.logger.Info("scheduled analysis fired",
		slog.String("schedule_id", sched.ID),
		slog.String("task_id", task.ID),
		slog.String("symbol", sched.Symbol),
		slog.Time("next_run", nextRun),
	)
	return nil
}

// requeueStalePending republishes envelopes for tasks stuck in PENDING
// longer than staleAfter. Workers claim atomically, so a duplicate
// envelope for a task that was merely slow is harmless.
func (s *Scheduler) requeueStalePending(ctx context.Context) error {
	stale, err := s.tasks.ListStalePending(ctx, s.staleAfter, requeueBatch)
	if err != nil {
		return err
	}
	for _, task := range stale {
		env, err := kafka.EncodeEnvelope(kafka.TaskEnvelope{
			TaskID:      task.ID,
			Kind:        task.Kind,
			SubmittedAt: task.CreatedAt,
		})
		if err != nil {
			s.logger.Error("requeue encode failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
			continue
		}
		if err := s.producer.Publish(ctx, kafka.TopicSubmitted, task.ID, env); err != nil {
			s.logger.Error("requeue publish failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
			continue
		}
		telemetry.SchedulerRequeuedTotal.Inc()
		s.logger.Info("stale task requeued",
			slog.String("task_id", task.ID),
			slog.Time("created_at", task.CreatedAt),
		)
	}
	return nil
}
