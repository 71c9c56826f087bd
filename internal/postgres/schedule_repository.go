package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/liu-kaining/ThetaMind-sub004/internal/domain"
)

// ScheduledAnalysis is one recurring analysis definition. The scheduler
// turns each due row into a fresh task submission.
type ScheduledAnalysis struct {
	ID          string
	Symbol      string
	Kind        domain.Kind
	Horizon     string
	RiskProfile string
	CronExpr    string
	Enabled     bool
	LastRunAt   *time.Time
	NextRunAt   *time.Time
	CreatedAt   time.Time
}

// ScheduleRepository reads and advances recurring analysis definitions.
type ScheduleRepository interface {
	// ListDue returns enabled schedules whose next run is unset or in the
	// past, oldest due first.
	ListDue(ctx context.Context) ([]*ScheduledAnalysis, error)
	// MarkRun records a firing and the computed next run time.
	MarkRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

type scheduleRepository struct {
	pool *pgxpool.Pool
}

// NewScheduleRepository wraps a pgxpool with the ScheduleRepository interface.
func NewScheduleRepository(pool *pgxpool.Pool) ScheduleRepository {
	return &scheduleRepository{pool: pool}
}

func (r *scheduleRepository) ListDue(ctx context.Context) ([]*ScheduledAnalysis, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, symbol, kind, horizon, risk_profile, cron_expr, enabled,
		       last_run_at, next_run_at, created_at
		FROM scheduled_analyses
		WHERE enabled = TRUE AND (next_run_at IS NULL OR next_run_at <= NOW())
		ORDER BY next_run_at ASC NULLS FIRST
	`)
	if err != nil {
		return nil, fmt.Errorf("query scheduled_analyses: %w", err)
	}
	defer rows.Close()

	var out []*ScheduledAnalysis
	for rows.Next() {
		var s ScheduledAnalysis
		var kindStr string
		err := rows.Scan(
			&s.ID, &s.Symbol, &kindStr, &s.Horizon, &s.RiskProfile, &s.CronExpr,
			&s.Enabled, &s.LastRunAt, &s.NextRunAt, &s.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled analysis: %w", err)
		}
		s.Kind = domain.Kind(kindStr)
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (r *scheduleRepository) MarkRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE scheduled_analyses
		SET last_run_at = $1, next_run_at = $2
		WHERE id = $3
	`, lastRun, nextRun, id)
	if err != nil {
		return fmt.Errorf("mark scheduled analysis %s run: %w", id, err)
	}
	return nil
}
