package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/liu-kaining/ThetaMind-sub004/internal/domain"
)

// Coordinator owns the dependency order of the analysis phase:
//
//	group 1 — independent units reading only the base context, fanned out
//	          in parallel;
//	group 2 — one cross-cutting unit reading all group-1 results;
//	group 3 — one synthesis unit condensing everything for later stages.
//
// Groups 2 and 3 always run, whatever failed upstream: missing inputs show
// up as explicit unavailable markers. The phase as a whole fails only when
// the synthesis unit itself fails after retries.
type Coordinator struct {
	exec      *Executor
	fanout    []Unit
	dependent Unit
	synthesis Unit
	logger    *slog.Logger
}

// NewCoordinator wires the analysis-unit groups to an executor.
func NewCoordinator(exec *Executor, fanout []Unit, dependent, synthesis Unit, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		exec:      exec,
		fanout:    fanout,
		dependent: dependent,
		synthesis: synthesis,
		logger:    logger,
	}
}

// Units returns every unit the coordinator will run, in start order.
// The pipeline uses this to pre-build sub-stage records.
func (c *Coordinator) Units() []Unit {
	all := make([]Unit, 0, len(c.fanout)+2)
	all = append(all, c.fanout...)
	return append(all, c.dependent, c.synthesis)
}

// Run drives the three groups in order. The returned error is non-nil only
// when synthesis failed — individual fan-out failures degrade quality but
// never abort the phase.
func (c *Coordinator) Run(ctx context.Context, ectx *Context, req *domain.AnalysisRequest) error {
	if _, err := c.exec.Run(ctx, ModeParallel, c.fanout, ectx, req); err != nil {
		// Parallel group runs fail-soft; an error here means the stage
		// context itself is gone.
		return fmt.Errorf("analysis fan-out: %w", err)
	}

	failed := 0
	for _, u := range c.fanout {
		if r, ok := ectx.View().Get(u.Key()); ok && r.Status != domain.ResultOK {
			failed++
		}
	}
	if failed > 0 {
		c.logger.Warn("analysis fan-out degraded",
			slog.Int("failed_units", failed),
			slog.Int("total_units", len(c.fanout)),
		)
	}

	if _, err := c.exec.Run(ctx, ModeSingle, []Unit{c.dependent}, ectx, req); err != nil {
		return fmt.Errorf("dependent unit: %w", err)
	}

	if _, err := c.exec.Run(ctx, ModeSingle, []Unit{c.synthesis}, ectx, req); err != nil {
		return fmt.Errorf("synthesis unit: %w", err)
	}

	res, ok := ectx.View().Get(c.synthesis.Key())
	if !ok || res.Status != domain.ResultOK {
		reason := "no result"
		if ok {
			reason = res.Summary
		}
		return &domain.FatalStageError{
			Stage: "analysis synthesis",
			Err:   fmt.Errorf("synthesis unit failed: %s", reason),
		}
	}
	return nil
}
