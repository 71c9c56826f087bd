package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liu-kaining/ThetaMind-sub004/internal/domain"
)

// ── mocks ────────────────────────────────────────────────────────────────────

// stubUnit is a scriptable Unit shared by the engine tests. execute receives
// the 1-indexed call count so behaviour can differ per attempt.
type stubUnit struct {
	name    string
	key     string
	reads   []string
	timeout time.Duration
	execute func(ctx context.Context, in Input, call int) (*domain.UnitResult, error)

	mu    sync.Mutex
	calls int
}

func (u *stubUnit) Name() string { return u.name }

func (u *stubUnit) Reads() []string { return u.reads }

func (u *stubUnit) Key() string {
	if u.key != "" {
		return u.key
	}
	return "analysis." + u.name
}

func (u *stubUnit) Timeout() time.Duration {
	if u.timeout > 0 {
		return u.timeout
	}
	return time.Second
}

func (u *stubUnit) Execute(ctx context.Context, in Input) (*domain.UnitResult, error) {
	u.mu.Lock()
	u.calls++
	call := u.calls
	u.mu.Unlock()
	return u.execute(ctx, in, call)
}

func (u *stubUnit) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

func okUnit(name string) *stubUnit {
	return &stubUnit{
		name: name,
		execute: func(_ context.Context, _ Input, _ int) (*domain.UnitResult, error) {
			return &domain.UnitResult{Status: domain.ResultOK, Summary: name + " ok"}, nil
		},
	}
}

func failingUnit(name string) *stubUnit {
	return &stubUnit{
		name: name,
		execute: func(_ context.Context, _ Input, _ int) (*domain.UnitResult, error) {
			return nil, &domain.TransientProviderError{Provider: name, Err: errors.New("down")}
		},
	}
}

func testRequest() *domain.AnalysisRequest {
	return &domain.AnalysisRequest{Symbol: "AAPL", Horizon: "30d", RiskProfile: "moderate"}
}

func testLogger() *slog.Logger { return slog.Default() }

// ── tests ─────────────────────────────────────────────────────────────────────

func TestExecutor_ParallelFailSoft(t *testing.T) {
	ectx := NewContext()
	units := []Unit{okUnit("a"), failingUnit("b"), okUnit("c")}

	exec := NewExecutor(testLogger(), WithRetries(0), WithBaseDelay(time.Millisecond))
	results, err := exec.Run(context.Background(), ModeParallel, units, ectx, testRequest())
	require.NoError(t, err, "a failing unit must not abort the parallel group")
	require.Len(t, results, 3)

	assert.Equal(t, domain.ResultOK, results[0].Status)
	assert.Equal(t, domain.ResultFailed, results[1].Status)
	assert.Equal(t, domain.ResultOK, results[2].Status)

	// Every unit published under its key, failures included.
	for _, u := range units {
		_, ok := ectx.View().Get(u.Key())
		assert.True(t, ok, "missing context entry for %s", u.Name())
	}
}

func TestExecutor_RetriesTransientThenSucceeds(t *testing.T) {
	u := &stubUnit{
		name: "flaky",
		execute: func(_ context.Context, _ Input, call int) (*domain.UnitResult, error) {
			if call == 1 {
				return nil, &domain.TransientProviderError{Provider: "x", Err: errors.New("blip")}
			}
			return &domain.UnitResult{Status: domain.ResultOK, Summary: "recovered"}, nil
		},
	}

	exec := NewExecutor(testLogger(), WithRetries(1), WithBaseDelay(time.Millisecond))
	results, err := exec.Run(context.Background(), ModeSingle, []Unit{u}, NewContext(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.ResultOK, results[0].Status)
	assert.Equal(t, 2, u.callCount())
}

func TestExecutor_ValidationErrorNotRetried(t *testing.T) {
	u := &stubUnit{
		name: "strict",
		execute: func(_ context.Context, _ Input, _ int) (*domain.UnitResult, error) {
			return nil, &domain.ValidationError{Reason: "bad shape"}
		},
	}

	exec := NewExecutor(testLogger(), WithRetries(3), WithBaseDelay(time.Millisecond))
	results, err := exec.Run(context.Background(), ModeSingle, []Unit{u}, NewContext(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.ResultFailed, results[0].Status)
	assert.Equal(t, 1, u.callCount(), "validation errors burn no retry budget")
}

func TestExecutor_PanicBecomesFailedResult(t *testing.T) {
	u := &stubUnit{
		name: "panicky",
		execute: func(_ context.Context, _ Input, _ int) (*domain.UnitResult, error) {
			panic("unexpected state")
		},
	}

	exec := NewExecutor(testLogger(), WithRetries(0), WithBaseDelay(time.Millisecond))
	results, err := exec.Run(context.Background(), ModeSingle, []Unit{u}, NewContext(), testRequest())
	require.NoError(t, err, "a panicking unit must not take down the run")
	assert.Equal(t, domain.ResultFailed, results[0].Status)
	assert.Contains(t, results[0].Summary, "panicked")
}

func TestExecutor_TimeoutRecordedAsTimeout(t *testing.T) {
	u := &stubUnit{
		name:    "slow",
		timeout: 10 * time.Millisecond,
		execute: func(ctx context.Context, _ Input, _ int) (*domain.UnitResult, error) {
			<-ctx.Done()
			return &domain.UnitResult{Status: domain.ResultOK}, nil
		},
	}

	exec := NewExecutor(testLogger(), WithRetries(0), WithBaseDelay(time.Millisecond))
	results, err := exec.Run(context.Background(), ModeSingle, []Unit{u}, NewContext(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.ResultFailed, results[0].Status)
	assert.Equal(t, "timeout", results[0].Summary)
}

func TestExecutor_FailFastAbortsSequential(t *testing.T) {
	second := okUnit("second")
	units := []Unit{failingUnit("first"), second}

	exec := NewExecutor(testLogger(), WithRetries(0), WithBaseDelay(time.Millisecond), WithFailFast())
	_, err := exec.Run(context.Background(), ModeSequential, units, NewContext(), testRequest())
	require.Error(t, err)
	assert.Equal(t, 0, second.callCount(), "fail-fast must stop before later units")
}

func TestExecutor_OnDoneFiredForEveryUnit(t *testing.T) {
	var mu sync.Mutex
	var done []string

	exec := NewExecutor(testLogger(),
		WithRetries(0),
		WithBaseDelay(time.Millisecond),
		WithUnitDone(func(u Unit, res *domain.UnitResult) {
			mu.Lock()
			done = append(done, u.Name()+":"+string(res.Status))
			mu.Unlock()
		}),
	)

	units := []Unit{okUnit("a"), failingUnit("b")}
	_, err := exec.Run(context.Background(), ModeParallel, units, NewContext(), testRequest())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"a:ok", "b:failed"}, done)
}

func TestExecutor_OnDoneNeverOverlapsInParallel(t *testing.T) {
	// The callback mutates shared task state in the pipeline, so two units
	// finishing together must not enter it at the same time.
	var inCallback atomic.Int32
	var overlaps atomic.Int32
	var done []string // written only inside the serialized callback

	exec := NewExecutor(testLogger(),
		WithRetries(0),
		WithBaseDelay(time.Millisecond),
		WithUnitDone(func(u Unit, _ *domain.UnitResult) {
			if !inCallback.CompareAndSwap(0, 1) {
				overlaps.Add(1)
			}
			done = append(done, u.Name())
			time.Sleep(time.Millisecond)
			inCallback.Store(0)
		}),
	)

	units := make([]Unit, 16)
	for i := range units {
		units[i] = okUnit(fmt.Sprintf("u%02d", i))
	}
	_, err := exec.Run(context.Background(), ModeParallel, units, NewContext(), testRequest())
	require.NoError(t, err)

	assert.Zero(t, overlaps.Load(), "unit-done callbacks ran concurrently")
	assert.Len(t, done, len(units))
}

func TestExecutor_RetryHookFiresPerRetriedAttempt(t *testing.T) {
	u := &stubUnit{
		name: "flaky",
		execute: func(_ context.Context, _ Input, call int) (*domain.UnitResult, error) {
			if call <= 2 {
				return nil, &domain.TransientProviderError{Provider: "x", Err: errors.New("blip")}
			}
			return &domain.UnitResult{Status: domain.ResultOK}, nil
		},
	}

	retries := 0
	exec := NewExecutor(testLogger(),
		WithRetries(2),
		WithBaseDelay(time.Millisecond),
		WithUnitRetry(func() { retries++ }),
	)
	results, err := exec.Run(context.Background(), ModeSingle, []Unit{u}, NewContext(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.ResultOK, results[0].Status)
	assert.Equal(t, 2, retries, "one hook call per retried attempt")
}

func TestExecutor_SingleModeRequiresOneUnit(t *testing.T) {
	exec := NewExecutor(testLogger())
	_, err := exec.Run(context.Background(), ModeSingle, []Unit{okUnit("a"), okUnit("b")}, NewContext(), testRequest())
	require.Error(t, err)
}

func TestExecutor_UnknownModeRejected(t *testing.T) {
	exec := NewExecutor(testLogger())
	_, err := exec.Run(context.Background(), Mode("bogus"), []Unit{okUnit("a")}, NewContext(), testRequest())
	require.Error(t, err)
}

func TestExecutor_SequentialUnitsSeeEarlierResults(t *testing.T) {
	first := okUnit("first")
	second := &stubUnit{
		name: "second",
		execute: func(_ context.Context, in Input, _ int) (*domain.UnitResult, error) {
			r, ok := in.View.Get(first.Key())
			if !ok {
				return nil, errors.New("first result not visible")
			}
			return &domain.UnitResult{Status: domain.ResultOK, Summary: "saw " + r.Summary}, nil
		},
	}

	exec := NewExecutor(testLogger(), WithBaseDelay(time.Millisecond))
	results, err := exec.Run(context.Background(), ModeSequential, []Unit{first, second}, NewContext(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "saw first ok", results[1].Summary)
}
