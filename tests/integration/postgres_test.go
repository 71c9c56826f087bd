//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liu-kaining/ThetaMind-sub004/internal/domain"
	"github.com/liu-kaining/ThetaMind-sub004/internal/postgres"
)

// newPool creates a pgxpool connected to the test Postgres container and
// truncates the tables on cleanup.
func newPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, testPostgresDSN)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Exec(ctx, "TRUNCATE scheduled_analyses, tasks CASCADE") //nolint:errcheck
		pool.Close()
	})
	return pool
}

func newRepo(t *testing.T) postgres.TaskRepository {
	t.Helper()
	return postgres.NewRepository(newPool(t))
}

func makeTask(kind domain.Kind) *domain.Task {
	now := time.Now().UTC()
	return &domain.Task{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    domain.StatusPending,
		Request:   []byte(`{"symbol":"AAPL","horizon":"30d","risk_profile":"moderate"}`),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPostgres_Create_GetByID(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	task := makeTask(domain.KindFullAnalysis)
	require.NoError(t, repo.Create(ctx, task))

	got, err := repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, domain.KindFullAnalysis, got.Kind)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.JSONEq(t, string(task.Request), string(got.Request))
}

func TestPostgres_GetByID_NotFound(t *testing.T) {
	repo := newRepo(t)

	_, err := repo.GetByID(context.Background(), uuid.New().String())
	require.Error(t, err)

	var notFound *domain.TaskNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestPostgres_Claim_MovesPendingToProcessing(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	task := makeTask(domain.KindResearchOnly)
	require.NoError(t, repo.Create(ctx, task))

	claimed, err := repo.Claim(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, claimed.Status)
	assert.Equal(t, domain.KindResearchOnly, claimed.Kind)

	got, err := repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, got.Status)
}

func TestPostgres_Claim_SecondClaimRejected(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	task := makeTask(domain.KindFullAnalysis)
	require.NoError(t, repo.Create(ctx, task))

	_, err := repo.Claim(ctx, task.ID)
	require.NoError(t, err)

	_, err = repo.Claim(ctx, task.ID)
	require.Error(t, err)

	var claimed *domain.TaskAlreadyClaimedError
	require.ErrorAs(t, err, &claimed)
	assert.Equal(t, domain.StatusProcessing, claimed.Status)
}

func TestPostgres_Claim_MissingTask(t *testing.T) {
	repo := newRepo(t)

	_, err := repo.Claim(context.Background(), uuid.New().String())
	require.Error(t, err)

	var notFound *domain.TaskNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestPostgres_Update_RoundTripsStagesAndHistory(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	task := makeTask(domain.KindFullAnalysis)
	require.NoError(t, repo.Create(ctx, task))

	claimed, err := repo.Claim(ctx, task.ID)
	require.NoError(t, err)

	claimed.Progress = 55
	claimed.CurrentStage = "analysis"
	claimed.Stages = []domain.StageRecord{
		{ID: uuid.New().String(), Name: "data_enrichment", Status: domain.StageSuccess},
		{
			ID:     uuid.New().String(),
			Name:   "analysis",
			Status: domain.StageRunning,
			SubStages: []domain.StageRecord{
				{ID: uuid.New().String(), Name: "volatility", Status: domain.StageSuccess},
			},
		},
	}
	claimed.AppendHistory("info", "enrichment complete")
	claimed.UpdatedAt = time.Now().UTC()
	require.NoError(t, repo.Update(ctx, claimed))

	got, err := repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 55, got.Progress)
	assert.Equal(t, "analysis", got.CurrentStage)
	require.Len(t, got.Stages, 2)
	assert.Equal(t, domain.StageSuccess, got.Stages[0].Status)
	require.Len(t, got.Stages[1].SubStages, 1)
	assert.Equal(t, "volatility", got.Stages[1].SubStages[0].Name)
	require.Len(t, got.History, 1)
	assert.Equal(t, "enrichment complete", got.History[0].Message)
}

func TestPostgres_Update_TerminalRowIsImmutable(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	task := makeTask(domain.KindFullAnalysis)
	require.NoError(t, repo.Create(ctx, task))

	claimed, err := repo.Claim(ctx, task.ID)
	require.NoError(t, err)

	now := time.Now().UTC()
	claimed.Status = domain.StatusSuccess
	claimed.Progress = 100
	claimed.ResultRef = "report-ref-1"
	claimed.UpdatedAt = now
	claimed.CompletedAt = &now
	require.NoError(t, repo.Update(ctx, claimed))

	// A stale writer racing past completion must not resurrect the row.
	claimed.Status = domain.StatusProcessing
	claimed.Progress = 10
	err = repo.Update(ctx, claimed)
	require.Error(t, err)

	var already *domain.TaskAlreadyClaimedError
	require.ErrorAs(t, err, &already)
	assert.Equal(t, domain.StatusSuccess, already.Status)

	got, err := repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.NotNil(t, got.CompletedAt)
}

func TestPostgres_ListByStatus(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	for range 3 {
		require.NoError(t, repo.Create(ctx, makeTask(domain.KindFullAnalysis)))
	}

	claimedTask := makeTask(domain.KindResearchOnly)
	require.NoError(t, repo.Create(ctx, claimedTask))
	_, err := repo.Claim(ctx, claimedTask.ID)
	require.NoError(t, err)

	pending, err := repo.ListByStatus(ctx, domain.StatusPending, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	processing, err := repo.ListByStatus(ctx, domain.StatusProcessing, 10)
	require.NoError(t, err)
	require.Len(t, processing, 1)
	assert.Equal(t, claimedTask.ID, processing[0].ID)
}

func TestPostgres_ListStalePending(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	stale := makeTask(domain.KindFullAnalysis)
	stale.CreatedAt = time.Now().UTC().Add(-10 * time.Minute)
	stale.UpdatedAt = stale.CreatedAt
	require.NoError(t, repo.Create(ctx, stale))

	fresh := makeTask(domain.KindFullAnalysis)
	require.NoError(t, repo.Create(ctx, fresh))

	got, err := repo.ListStalePending(ctx, 5*time.Minute, 100)
	require.NoError(t, err)
	require.Len(t, got, 1, "only the task older than the cutoff is stale")
	assert.Equal(t, stale.ID, got[0].ID)
}

// ── Schedule repository ──────────────────────────────────────────────────────

func insertSchedule(t *testing.T, pool *pgxpool.Pool, nextRun *time.Time, enabled bool) string {
	t.Helper()
	id := uuid.New().String()
	_, err := pool.Exec(context.Background(), `
		INSERT INTO scheduled_analyses
			(id, symbol, kind, horizon, risk_profile, cron_expr, enabled, next_run_at)
		VALUES ($1, 'AAPL', 'full_analysis', '30d', 'moderate', '0 9 * * 1-5', $2, $3)
	`, id, enabled, nextRun)
	require.NoError(t, err)
	return id
}

func TestPostgres_Schedules_ListDue(t *testing.T) {
	pool := newPool(t)
	schedules := postgres.NewScheduleRepository(pool)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)

	dueID := insertSchedule(t, pool, &past, true)
	neverRunID := insertSchedule(t, pool, nil, true)
	// Not due yet, and disabled: neither should surface.
	insertSchedule(t, pool, &future, true)
	insertSchedule(t, pool, &past, false)

	due, err := schedules.ListDue(ctx)
	require.NoError(t, err)
	require.Len(t, due, 2)

	ids := []string{due[0].ID, due[1].ID}
	assert.ElementsMatch(t, []string{dueID, neverRunID}, ids)
	assert.Equal(t, neverRunID, due[0].ID, "never-run schedules sort first")
}

func TestPostgres_Schedules_MarkRun(t *testing.T) {
	pool := newPool(t)
	schedules := postgres.NewScheduleRepository(pool)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	id := insertSchedule(t, pool, &past, true)

	lastRun := time.Now().UTC().Truncate(time.Second)
	nextRun := lastRun.Add(24 * time.Hour)
	require.NoError(t, schedules.MarkRun(ctx, id, lastRun, nextRun))

	due, err := schedules.ListDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, due, "a schedule advanced into the future is no longer due")
}
