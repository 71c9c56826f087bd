package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/liu-kaining/ThetaMind-sub004/internal/domain"
)

// TaskRepository abstracts all database access for analysis tasks.
type TaskRepository interface {
	Create(ctx context.Context, task *domain.Task) error
	// Claim atomically moves a PENDING task to PROCESSING and returns the
	// claimed record. A task that is missing returns TaskNotFoundError; one
	// already past PENDING returns TaskAlreadyClaimedError.
	Claim(ctx context.Context, id string) (*domain.Task, error)
	Update(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Task, error)
	// ListStalePending returns PENDING tasks created before the cutoff,
	// oldest first. The scheduler uses this to requeue dropped hand-offs.
	ListStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.Task, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the TaskRepository interface.
func NewRepository(pool *pgxpool.Pool) TaskRepository {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

const taskColumns = `id, kind, status, progress, current_stage, stages, execution_history,
       retry_count, request, result_ref, error_message, created_at, updated_at, completed_at`

func (r *repository) Create(ctx context.Context, task *domain.Task) error {
	stages, history, err := marshalStateBlobs(task)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO tasks
			(id, kind, status, progress, current_stage, stages, execution_history,
			 retry_count, request, result_ref, error_message, created_at, updated_at, completed_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		task.ID, string(task.Kind), string(task.Status), task.Progress, task.CurrentStage,
		stages, history, task.RetryCount, []byte(task.Request),
		task.ResultRef, task.ErrorMessage, task.CreatedAt, task.UpdatedAt, task.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return nil
}

// Claim is the single compare-and-set gate of the whole system: only the
// worker whose UPDATE matched the PENDING row may run the task.
func (r *repository) Claim(ctx context.Context, id string) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE tasks
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4
		RETURNING `+taskColumns+`
	`, string(domain.StatusProcessing), time.Now().UTC(), id, string(domain.StatusPending))

	task, err := scanTask(row)
	if err == nil {
		return task, nil
	}
	var notFound *domain.TaskNotFoundError
	if !errors.As(err, &notFound) {
		return nil, fmt.Errorf("claim task %s: %w", id, err)
	}

	// No PENDING row matched: distinguish missing from already claimed.
	existing, getErr := r.GetByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, &domain.TaskAlreadyClaimedError{TaskID: id, Status: existing.Status}
}

// Update writes the full mutable state of a task. Terminal rows are
// immutable: an update against one is rejected rather than silently lost.
func (r *repository) Update(ctx context.Context, task *domain.Task) error {
	stages, history, err := marshalStateBlobs(task)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $1, progress = $2, current_stage = $3, stages = $4,
		    execution_history = $5, retry_count = $6, result_ref = $7,
		    error_message = $8, updated_at = $9, completed_at = $10
		WHERE id = $11 AND status NOT IN ($12, $13)
	`,
		string(task.Status), task.Progress, task.CurrentStage, stages,
		history, task.RetryCount, task.ResultRef,
		task.ErrorMessage, task.UpdatedAt, task.CompletedAt,
		task.ID, string(domain.StatusSuccess), string(domain.StatusFailed),
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", task.ID, err)
	}
	if tag.RowsAffected() == 0 {
		existing, getErr := r.GetByID(ctx, task.ID)
		if getErr != nil {
			return getErr
		}
		return &domain.TaskAlreadyClaimedError{TaskID: task.ID, Status: existing.Status}
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id = $1
	`, id)

	task, err := scanTask(row)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			return nil, &domain.TaskNotFoundError{TaskID: id}
		}
		return nil, err
	}
	return task, nil
}

func (r *repository) ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks by status %s: %w", status, err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

func (r *repository) ListStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.Task, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3
	`, string(domain.StatusPending), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale pending tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

func collectTasks(rows pgx.Rows) ([]*domain.Task, error) {
	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func marshalStateBlobs(task *domain.Task) (stages, history []byte, err error) {
	if stages, err = json.Marshal(task.Stages); err != nil {
		return nil, nil, fmt.Errorf("marshal stages for task %s: %w", task.ID, err)
	}
	if history, err = json.Marshal(task.History); err != nil {
		return nil, nil, fmt.Errorf("marshal history for task %s: %w", task.ID, err)
	}
	return stages, history, nil
}

// scanTask reads a task row from any pgx row type.
func scanTask(row interface {
	Scan(...any) error
}) (*domain.Task, error) {
	var (
		task       domain.Task
		kindStr    string
		statusStr  string
		stagesRaw  []byte
		historyRaw []byte
		requestRaw []byte
	)
	err := row.Scan(
		&task.ID, &kindStr, &statusStr, &task.Progress, &task.CurrentStage,
		&stagesRaw, &historyRaw, &task.RetryCount, &requestRaw,
		&task.ResultRef, &task.ErrorMessage, &task.CreatedAt, &task.UpdatedAt, &task.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: "unknown"}
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Kind = domain.Kind(kindStr)
	task.Status = domain.Status(statusStr)
	task.Request = json.RawMessage(requestRaw)
	if len(stagesRaw) > 0 {
		if err := json.Unmarshal(stagesRaw, &task.Stages); err != nil {
			return nil, fmt.Errorf("unmarshal stages for task %s: %w", task.ID, err)
		}
	}
	if len(historyRaw) > 0 {
		if err := json.Unmarshal(historyRaw, &task.History); err != nil {
			return nil, fmt.Errorf("unmarshal history for task %s: %w", task.ID, err)
		}
	}
	return &task, nil
}
