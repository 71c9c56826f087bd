package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liu-kaining/ThetaMind-sub004/internal/domain"
	"github.com/liu-kaining/ThetaMind-sub004/internal/kafka"
	"github.com/liu-kaining/ThetaMind-sub004/internal/postgres"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type publishedMsg struct {
	topic string
	key   string
	value []byte
}

type fakeProducer struct {
	msgs []publishedMsg
	err  error
}

func (p *fakeProducer) Publish(_ context.Context, topic, key string, value []byte) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, publishedMsg{topic, key, value})
	return nil
}
func (p *fakeProducer) Close() error { return nil }

type fakeTasks struct {
	created   []*domain.Task
	createErr error
	stale     []*domain.Task
	staleErr  error
}

func (f *fakeTasks) Create(_ context.Context, task *domain.Task) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, task)
	return nil
}

func (f *fakeTasks) Claim(_ context.Context, id string) (*domain.Task, error) {
	return nil, &domain.TaskNotFoundError{TaskID: id}
}

func (f *fakeTasks) Update(_ context.Context, _ *domain.Task) error { return nil }

func (f *fakeTasks) GetByID(_ context.Context, id string) (*domain.Task, error) {
	return nil, &domain.TaskNotFoundError{TaskID: id}
}

func (f *fakeTasks) ListByStatus(_ context.Context, _ domain.Status, _ int) ([]*domain.Task, error) {
	return nil, nil
}

func (f *fakeTasks) ListStalePending(_ context.Context, _ time.Duration, _ int) ([]*domain.Task, error) {
	return f.stale, f.staleErr
}

type markedRun struct {
	id      string
	lastRun time.Time
	nextRun time.Time
}

type fakeSchedules struct {
	due    []*postgres.ScheduledAnalysis
	dueErr error
	marked []markedRun
}

func (f *fakeSchedules) ListDue(_ context.Context) ([]*postgres.ScheduledAnalysis, error) {
	return f.due, f.dueErr
}

func (f *fakeSchedules) MarkRun(_ context.Context, id string, lastRun, nextRun time.Time) error {
	f.marked = append(f.marked, markedRun{id, lastRun, nextRun})
	return nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

func newTestScheduler(tasks *fakeTasks, schedules *fakeSchedules, producer *fakeProducer) *Scheduler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewScheduler(tasks, schedules, producer, nil, "test-scheduler", 5*time.Minute, logger)
}

func dailySchedule(symbol string, kind domain.Kind) *postgres.ScheduledAnalysis {
	return &postgres.ScheduledAnalysis{
		ID:          "sched-" + symbol,
		Symbol:      symbol,
		Kind:        kind,
		Horizon:     "30d",
		RiskProfile: "moderate",
		CronExpr:    "0 9 * * 1-5",
		Enabled:     true,
	}
}

// ── firing due schedules ─────────────────────────────────────────────────────

func TestScheduler_Fire_CreatesTaskAndPublishes(t *testing.T) {
	tasks := &fakeTasks{}
	schedules := &fakeSchedules{due: []*postgres.ScheduledAnalysis{dailySchedule("AAPL", domain.KindFullAnalysis)}}
	producer := &fakeProducer{}

	s := newTestScheduler(tasks, schedules, producer)
	require.NoError(t, s.processDueSchedules(context.Background()))

	require.Len(t, tasks.created, 1)
	task := tasks.created[0]
	assert.Equal(t, domain.KindFullAnalysis, task.Kind)
	assert.Equal(t, domain.StatusPending, task.Status)
	assert.Contains(t, string(task.Request), `"symbol":"AAPL"`)

	require.Len(t, producer.msgs, 1)
	assert.Equal(t, kafka.TopicSubmitted, producer.msgs[0].topic)
	env, err := kafka.DecodeEnvelope(producer.msgs[0].value)
	require.NoError(t, err)
	assert.Equal(t, task.ID, env.TaskID)
	assert.Equal(t, domain.KindFullAnalysis, env.Kind)

	require.Len(t, schedules.marked, 1)
	assert.Equal(t, "sched-AAPL", schedules.marked[0].id)
	assert.True(t, schedules.marked[0].nextRun.After(schedules.marked[0].lastRun),
		"next run must advance past the firing time")
}

func TestScheduler_Fire_InvalidKindDefaultsToFullAnalysis(t *testing.T) {
	tasks := &fakeTasks{}
	schedules := &fakeSchedules{due: []*postgres.ScheduledAnalysis{dailySchedule("TSLA", domain.Kind("bogus"))}}
	producer := &fakeProducer{}

	s := newTestScheduler(tasks, schedules, producer)
	require.NoError(t, s.processDueSchedules(context.Background()))

	require.Len(t, tasks.created, 1)
	assert.Equal(t, domain.KindFullAnalysis, tasks.created[0].Kind)
}

func TestScheduler_Fire_PublishFailureStillAdvancesSchedule(t *testing.T) {
	// The task row exists, so the stale-PENDING sweep will requeue it. The
	// schedule must still advance or every tick re-fires the same entry.
	tasks := &fakeTasks{}
	schedules := &fakeSchedules{due: []*postgres.ScheduledAnalysis{dailySchedule("AAPL", domain.KindResearchOnly)}}
	producer := &fakeProducer{err: errors.New("broker down")}

	s := newTestScheduler(tasks, schedules, producer)
	require.NoError(t, s.processDueSchedules(context.Background()))

	assert.Len(t, tasks.created, 1)
	assert.Len(t, schedules.marked, 1)
}

func TestScheduler_Fire_CreateFailureSkipsHandOff(t *testing.T) {
	tasks := &fakeTasks{createErr: errors.New("postgres down")}
	schedules := &fakeSchedules{due: []*postgres.ScheduledAnalysis{dailySchedule("AAPL", domain.KindFullAnalysis)}}
	producer := &fakeProducer{}

	s := newTestScheduler(tasks, schedules, producer)
	require.NoError(t, s.processDueSchedules(context.Background()),
		"a single failed schedule must not abort the pass")

	assert.Empty(t, producer.msgs, "no envelope without a durable task row")
	assert.Empty(t, schedules.marked, "schedule stays due for the next tick")
}

func TestScheduler_Fire_BadCronExprDoesNotAdvance(t *testing.T) {
	sched := dailySchedule("AAPL", domain.KindFullAnalysis)
	sched.CronExpr = "not a cron"
	tasks := &fakeTasks{}
	schedules := &fakeSchedules{due: []*postgres.ScheduledAnalysis{sched}}
	producer := &fakeProducer{}

	s := newTestScheduler(tasks, schedules, producer)
	require.NoError(t, s.processDueSchedules(context.Background()))

	// The task was already created and handed off before the parse failed.
	assert.Len(t, tasks.created, 1)
	assert.Empty(t, schedules.marked)
}

// ── stale-PENDING requeue ────────────────────────────────────────────────────

func TestScheduler_Requeue_RepublishesStaleTasks(t *testing.T) {
	created := time.Now().UTC().Add(-10 * time.Minute)
	tasks := &fakeTasks{stale: []*domain.Task{
		{ID: "stale-1", Kind: domain.KindFullAnalysis, Status: domain.StatusPending, CreatedAt: created},
		{ID: "stale-2", Kind: domain.KindResearchOnly, Status: domain.StatusPending, CreatedAt: created},
	}}
	producer := &fakeProducer{}

	s := newTestScheduler(tasks, &fakeSchedules{}, producer)
	require.NoError(t, s.requeueStalePending(context.Background()))

	require.Len(t, producer.msgs, 2)
	for i, id := range []string{"stale-1", "stale-2"} {
		assert.Equal(t, kafka.TopicSubmitted, producer.msgs[i].topic)
		env, err := kafka.DecodeEnvelope(producer.msgs[i].value)
		require.NoError(t, err)
		assert.Equal(t, id, env.TaskID)
		assert.Equal(t, created.Unix(), env.SubmittedAt.Unix(),
			"requeued envelope keeps the original submission time")
	}
}

func TestScheduler_Requeue_NothingStale(t *testing.T) {
	producer := &fakeProducer{}

	s := newTestScheduler(&fakeTasks{}, &fakeSchedules{}, producer)
	require.NoError(t, s.requeueStalePending(context.Background()))
	assert.Empty(t, producer.msgs)
}

func TestScheduler_Requeue_ListFailurePropagates(t *testing.T) {
	tasks := &fakeTasks{staleErr: errors.New("postgres down")}

	s := newTestScheduler(tasks, &fakeSchedules{}, &fakeProducer{})
	require.Error(t, s.requeueStalePending(context.Background()))
}
