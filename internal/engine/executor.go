package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/liu-kaining/ThetaMind-sub004/internal/domain"
	"github.com/liu-kaining/ThetaMind-sub004/pkg/retry"
)

// Mode selects how the executor schedules a unit set.
type Mode string

const (
	ModeSingle     Mode = "single"
	ModeParallel   Mode = "parallel"
	ModeSequential Mode = "sequential"
)

// Executor runs units with per-unit timeout and bounded retry.
//
// Unit errors never escape: after the retry budget is spent, the unit's
// result is recorded as failed and execution continues (fail-soft) unless
// the executor was built fail-fast. Every completed unit triggers the
// progress callback so pollers see unit-level granularity.
type Executor struct {
	retries   int
	baseDelay time.Duration
	failFast  bool
	logger    *slog.Logger
	onDone    func(unit Unit, res *domain.UnitResult)
	onRetry   func()

	// cbMu serializes the hooks above: in parallel mode units complete on
	// separate goroutines, and callers mutate shared task state in them.
	cbMu sync.Mutex
}

// ExecOption configures an Executor.
type ExecOption func(*Executor)

// WithRetries sets the number of extra attempts per unit (default 1).
func WithRetries(n int) ExecOption { return func(e *Executor) { e.retries = n } }

// WithBaseDelay sets the backoff base between unit attempts.
func WithBaseDelay(d time.Duration) ExecOption { return func(e *Executor) { e.baseDelay = d } }

// WithFailFast makes a unit failure abort the whole run.
func WithFailFast() ExecOption { return func(e *Executor) { e.failFast = true } }

// WithUnitDone registers the progress callback invoked after every unit
// completes, whether it succeeded, failed or was skipped.
func WithUnitDone(fn func(unit Unit, res *domain.UnitResult)) ExecOption {
	return func(e *Executor) { e.onDone = fn }
}

// WithUnitRetry registers a hook fired every time a unit attempt is retried.
func WithUnitRetry(fn func()) ExecOption {
	return func(e *Executor) { e.onRetry = fn }
}

// NewExecutor constructs an Executor with the given options.
func NewExecutor(logger *slog.Logger, opts ...ExecOption) *Executor {
	e := &Executor{
		retries:   1,
		baseDelay: 500 * time.Millisecond,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes units in the given mode against the shared context.
// Results are returned in unit order regardless of completion order.
//
// In parallel mode all units are dispatched before any result is awaited;
// one unit's failure does not cancel its siblings.
func (e *Executor) Run(ctx context.Context, mode Mode, units []Unit, ectx *Context, req *domain.AnalysisRequest) ([]*domain.UnitResult, error) {
	switch mode {
	case ModeSingle:
		if len(units) != 1 {
			return nil, fmt.Errorf("single mode requires exactly one unit, got %d", len(units))
		}
	case ModeParallel, ModeSequential:
		// any unit count
	default:
		return nil, fmt.Errorf("unknown executor mode %q", mode)
	}

	results := make([]*domain.UnitResult, len(units))

	if mode == ModeParallel {
		g := new(errgroup.Group)
		for i, u := range units {
			g.Go(func() error {
				results[i] = e.runUnit(ctx, u, ectx, req)
				if e.failFast && results[i].Status == domain.ResultFailed {
					return fmt.Errorf("unit %s failed: %s", u.Name(), results[i].Summary)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return results, err
		}
		return results, nil
	}

	// single and sequential: each unit sees all prior results.
	for i, u := range units {
		results[i] = e.runUnit(ctx, u, ectx, req)
		if e.failFast && results[i].Status == domain.ResultFailed {
			return results, fmt.Errorf("unit %s failed: %s", u.Name(), results[i].Summary)
		}
	}
	return results, nil
}

// runUnit executes one unit with timeout and retry, publishes its result
// under the unit's key, and fires the progress callback. It never returns
// an error: failures become a failed result.
func (e *Executor) runUnit(ctx context.Context, u Unit, ectx *Context, req *domain.AnalysisRequest) *domain.UnitResult {
	log := e.logger.With(slog.String("unit", u.Name()))
	start := time.Now()

	var res *domain.UnitResult
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: e.retries + 1,
		BaseDelay:   e.baseDelay,
		OnRetry: func(attempt int, retryErr error) {
			log.Warn("unit attempt failed, retrying",
				slog.Int("attempt", attempt),
				slog.String("error", retryErr.Error()),
			)
			if e.onRetry != nil {
				e.cbMu.Lock()
				e.onRetry()
				e.cbMu.Unlock()
			}
		},
	}, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, u.Timeout())
		defer cancel()

		r, execErr := e.execute(attemptCtx, u, ectx, req)
		if execErr != nil {
			if !domain.IsRetryable(execErr) {
				return retry.Permanent(execErr)
			}
			return execErr
		}
		res = r
		return nil
	})

	elapsed := time.Since(start)
	if err != nil {
		log.Error("unit failed after retries",
			slog.String("error", err.Error()),
			slog.Duration("duration", elapsed),
		)
		res = domain.FailedResult(u.Name(), shortReason(ctx, err), elapsed)
	} else {
		res.Producer = u.Name()
		res.Duration = elapsed
	}

	if putErr := ectx.Put(u.Key(), res); putErr != nil {
		// Key collision means a programming error in the unit set; the
		// first write wins and the collision is only logged.
		log.Error("context publish failed", slog.String("error", putErr.Error()))
	}

	if e.onDone != nil {
		e.cbMu.Lock()
		e.onDone(u, res)
		e.cbMu.Unlock()
	}
	return res
}

// execute runs a single attempt, converting panics into errors so a unit
// can never take down the worker.
func (e *Executor) execute(ctx context.Context, u Unit, ectx *Context, req *domain.AnalysisRequest) (res *domain.UnitResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unit %s panicked: %v", u.Name(), r)
		}
	}()

	res, err = u.Execute(ctx, Input{Request: req, View: ectx.View()})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("unit %s returned no result", u.Name())
	}
	// Attempt timeout surfaces through ctx even when the unit swallowed it.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return res, nil
}

// shortReason maps an exhausted-retry error to the short message recorded
// on the failed result.
func shortReason(ctx context.Context, err error) string {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return err.Error()
}
