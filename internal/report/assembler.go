// Package report turns finished pipeline output into the persisted report
// artifact and hands back the reference stored on the task.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/liu-kaining/ThetaMind-sub004/internal/domain"
)

// Store persists final reports. Put returns an opaque reference the task
// record carries so the gateway can fetch the report later.
type Store interface {
	Put(ctx context.Context, rep *domain.Report) (string, error)
	Get(ctx context.Context, ref string) (*domain.Report, error)
}

// Assembler packages pipeline output into a report and persists it.
type Assembler struct {
	store  Store
	logger *slog.Logger
}

// NewAssembler builds a report assembler over the given store.
func NewAssembler(store Store, logger *slog.Logger) *Assembler {
	return &Assembler{store: store, logger: logger}
}

// Assemble builds the report in the fixed section order and writes it to
// the store, returning the stored reference.
func (a *Assembler) Assemble(
	ctx context.Context,
	task *domain.Task,
	req *domain.AnalysisRequest,
	sections []domain.ReportSection,
	recs []domain.Recommendation,
	findings []domain.Finding,
) (string, error) {
	if len(sections) != len(domain.SectionOrder) {
		return "", fmt.Errorf("expected %d report sections, got %d", len(domain.SectionOrder), len(sections))
	}
	for i, title := range domain.SectionOrder {
		if sections[i].Title != title {
			return "", fmt.Errorf("report section %d is %q, want %q", i, sections[i].Title, title)
		}
	}

	rep := &domain.Report{
		TaskID:          task.ID,
		Symbol:          req.Symbol,
		Sections:        sections,
		Recommendations: recs,
		Findings:        findings,
		GeneratedAt:     time.Now().UTC(),
	}

	ref, err := a.store.Put(ctx, rep)
	if err != nil {
		return "", fmt.Errorf("persist report for task %s: %w", task.ID, err)
	}
	a.logger.Info("report persisted",
		slog.String("task_id", task.ID),
		slog.String("report_ref", ref),
		slog.Int("recommendations", len(recs)),
		slog.Int("findings", len(findings)),
	)
	return ref, nil
}
