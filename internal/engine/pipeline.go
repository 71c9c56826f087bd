package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/liu-kaining/ThetaMind-sub004/internal/domain"
	"github.com/liu-kaining/ThetaMind-sub004/internal/report"
)

// Stage names as they appear in task stage records and status responses.
const (
	StageEnrichment     = "data_enrichment"
	StageAnalysis       = "analysis"
	StageRecommendation = "recommendation"
	StagePlanning       = "research_planning"
	StageResearch       = "external_research"
	StageSynthesis      = "report_synthesis"
)

// TaskStore is the slice of the task repository the pipeline needs: it only
// ever updates the one task it was handed. Claiming is the worker's job.
type TaskStore interface {
	Update(ctx context.Context, task *domain.Task) error
}

// progressTargets maps each stage to the progress value reached when the
// stage completes. Progress is monotonic; these are ceilings per stage,
// with unit-level interpolation inside the analysis stage.
var progressTargets = map[domain.Kind]map[string]int{
	domain.KindFullAnalysis: {
		StageEnrichment:     15,
		StageAnalysis:       55,
		StageRecommendation: 65,
		StagePlanning:       70,
		StageResearch:       85,
		StageSynthesis:      95,
	},
	domain.KindResearchOnly: {
		StageEnrichment: 15,
		StagePlanning:   30,
		StageResearch:   80,
		StageSynthesis:  95,
	},
}

// Pipeline runs one claimed task end to end and owns every mutation of its
// record: stage records, progress, history, and the terminal transition.
type Pipeline struct {
	store       TaskStore
	enricher    *Enricher
	fanout      []Unit
	dependent   Unit
	synthesis   Unit
	recommender *Recommender
	researcher  *Researcher
	assembler   *report.Assembler
	sink        ProgressSink
	logger      *slog.Logger
}

// PipelineDeps bundles the collaborators a Pipeline needs.
type PipelineDeps struct {
	Store       TaskStore
	Enricher    *Enricher
	Fanout      []Unit
	Dependent   Unit
	Synthesis   Unit
	Recommender *Recommender
	Researcher  *Researcher
	Assembler   *report.Assembler
	Sink        ProgressSink
	Logger      *slog.Logger
}

// NewPipeline wires a pipeline from its dependencies. A nil Sink is
// replaced with NopSink.
func NewPipeline(deps PipelineDeps) *Pipeline {
	sink := deps.Sink
	if sink == nil {
		sink = NopSink{}
	}
	return &Pipeline{
		store:       deps.Store,
		enricher:    deps.Enricher,
		fanout:      deps.Fanout,
		dependent:   deps.Dependent,
		synthesis:   deps.Synthesis,
		recommender: deps.Recommender,
		researcher:  deps.Researcher,
		assembler:   deps.Assembler,
		sink:        sink,
		logger:      deps.Logger,
	}
}

// BuildStages pre-creates the stage records a task of the given kind will
// run, all pending, with analysis sub-stages taken from the unit set. Doing
// this up front lets status pollers see the full plan before anything runs.
func BuildStages(kind domain.Kind, units []Unit) []domain.StageRecord {
	record := func(name string) domain.StageRecord {
		return domain.StageRecord{ID: uuid.NewString(), Name: name, Status: domain.StagePending}
	}

	if kind == domain.KindResearchOnly {
		return []domain.StageRecord{
			record(StageEnrichment),
			record(StagePlanning),
			record(StageResearch),
			record(StageSynthesis),
		}
	}

	analysis := record(StageAnalysis)
	for _, u := range units {
		analysis.SubStages = append(analysis.SubStages, record(u.Name()))
	}
	return []domain.StageRecord{
		record(StageEnrichment),
		analysis,
		record(StageRecommendation),
		record(StagePlanning),
		record(StageResearch),
		record(StageSynthesis),
	}
}

// Run executes a claimed task to a terminal state. The task must already be
// PROCESSING. The returned error reports why the task failed; by the time
// Run returns, the terminal state is persisted either way.
func (p *Pipeline) Run(ctx context.Context, task *domain.Task) error {
	log := p.logger.With(slog.String("task_id", task.ID), slog.String("kind", string(task.Kind)))

	var req domain.AnalysisRequest
	if err := json.Unmarshal(task.Request, &req); err != nil {
		return p.fail(ctx, task, "", fmt.Errorf("malformed request payload: %w", err))
	}

	if len(task.Stages) == 0 {
		task.Stages = BuildStages(task.Kind, p.analysisUnits())
	}
	task.AppendHistory("info", fmt.Sprintf("pipeline started for %s", req.Symbol))

	// Every stage-level retry is accounted on the task record so the status
	// surface shows how much of the retry budget a run consumed.
	p.enricher.onRetry = func() { p.noteRetry(ctx, task) }
	p.researcher.onRetry = func() { p.noteRetry(ctx, task) }

	p.setProgress(ctx, task, 5, StageEnrichment)

	ectx := NewContext()

	// Data enrichment is the one stage where exhausted retries fail the task.
	p.beginStage(ctx, task, StageEnrichment)
	if err := p.enricher.Run(ctx, &req, ectx); err != nil {
		return p.fail(ctx, task, StageEnrichment, err)
	}
	p.endStage(ctx, task, StageEnrichment, "")

	var recs []domain.Recommendation
	if task.Kind == domain.KindFullAnalysis {
		if err := p.runAnalysis(ctx, task, ectx, &req, log); err != nil {
			return p.fail(ctx, task, StageAnalysis, err)
		}

		p.beginStage(ctx, task, StageRecommendation)
		recs = p.recommender.Run(ctx, ectx, &req)
		p.endStage(ctx, task, StageRecommendation, fmt.Sprintf("%d recommendation(s)", len(recs)))
	}

	p.beginStage(ctx, task, StagePlanning)
	questions := p.researcher.Plan(ctx, ectx, task, &req)
	p.endStage(ctx, task, StagePlanning, fmt.Sprintf("%d question(s) planned", len(questions)))

	p.beginStage(ctx, task, StageResearch)
	findings := p.researcher.Research(ctx, questions)
	degraded := 0
	for _, f := range findings {
		if f.Degraded {
			degraded++
		}
	}
	msg := ""
	if degraded > 0 {
		msg = fmt.Sprintf("%d of %d question(s) degraded", degraded, len(findings))
	}
	p.endStage(ctx, task, StageResearch, msg)

	p.beginStage(ctx, task, StageSynthesis)
	sections, err := p.researcher.Synthesize(ctx, ectx, task, &req, findings)
	if err != nil {
		return p.fail(ctx, task, StageSynthesis, err)
	}

	ref, err := p.assembler.Assemble(ctx, task, &req, sections, recs, findings)
	if err != nil {
		return p.fail(ctx, task, StageSynthesis, err)
	}
	task.ResultRef = ref
	p.endStage(ctx, task, StageSynthesis, "")

	return p.succeed(ctx, task)
}

// runAnalysis drives the analysis stage with per-unit sub-stage tracking
// and progress interpolated across the unit count.
func (p *Pipeline) runAnalysis(ctx context.Context, task *domain.Task, ectx *Context, req *domain.AnalysisRequest, log *slog.Logger) error {
	units := p.analysisUnits()
	stage := task.Stage(StageAnalysis)

	start := task.Progress
	target := p.target(task.Kind, StageAnalysis)
	done := 0

	exec := NewExecutor(log, WithUnitDone(func(u Unit, res *domain.UnitResult) {
		done++
		if stage != nil {
			for i := range stage.SubStages {
				if stage.SubStages[i].Name == u.Name() {
					now := time.Now().UTC()
					stage.SubStages[i].EndedAt = &now
					stage.SubStages[i].Status = domain.StageSuccess
					if res.Status == domain.ResultFailed {
						stage.SubStages[i].Status = domain.StageFailed
						stage.SubStages[i].Message = res.Summary
					}
				}
			}
		}
		if res.Status == domain.ResultFailed {
			p.event(ctx, task, "warn", fmt.Sprintf("analysis unit %s failed: %s", u.Name(), res.Summary))
		}
		pct := start + (target-start)*done/len(units)
		p.setProgress(ctx, task, pct, StageAnalysis)
	}), WithUnitRetry(func() {
		p.noteRetry(ctx, task)
	}))

	p.beginStage(ctx, task, StageAnalysis)
	coord := NewCoordinator(exec, p.fanout, p.dependent, p.synthesis, log)
	if err := coord.Run(ctx, ectx, req); err != nil {
		return err
	}
	p.endStage(ctx, task, StageAnalysis, "")
	return nil
}

func (p *Pipeline) analysisUnits() []Unit {
	all := make([]Unit, 0, len(p.fanout)+2)
	all = append(all, p.fanout...)
	return append(all, p.dependent, p.synthesis)
}

func (p *Pipeline) target(kind domain.Kind, stage string) int {
	if t, ok := progressTargets[kind][stage]; ok {
		return t
	}
	return 0
}

// beginStage marks a stage running, stamps its start time and persists.
func (p *Pipeline) beginStage(ctx context.Context, task *domain.Task, name string) {
	if s := task.Stage(name); s != nil {
		now := time.Now().UTC()
		s.Status = domain.StageRunning
		s.StartedAt = &now
	}
	task.CurrentStage = name
	p.event(ctx, task, "info", fmt.Sprintf("stage %s started", name))
	p.persist(ctx, task)
}

// endStage marks a stage succeeded and advances progress to the stage's
// target value.
func (p *Pipeline) endStage(ctx context.Context, task *domain.Task, name, message string) {
	if s := task.Stage(name); s != nil {
		now := time.Now().UTC()
		s.Status = domain.StageSuccess
		s.EndedAt = &now
		s.Message = message
	}
	p.event(ctx, task, "info", fmt.Sprintf("stage %s finished", name))
	p.setProgress(ctx, task, p.target(task.Kind, name), name)
}

// setProgress raises the task's progress to pct. Lower values are ignored:
// progress never moves backwards, whatever order callbacks land in.
func (p *Pipeline) setProgress(ctx context.Context, task *domain.Task, pct int, stage string) {
	if pct > task.Progress {
		task.Progress = pct
	}
	task.CurrentStage = stage
	p.sink.Progress(ctx, task.Progress, stage)
	p.persist(ctx, task)
}

// noteRetry records one consumed stage-level retry. Callers on executor
// goroutines are already serialized by the executor's callback mutex.
func (p *Pipeline) noteRetry(ctx context.Context, task *domain.Task) {
	task.RetryCount++
	p.persist(ctx, task)
}

func (p *Pipeline) event(ctx context.Context, task *domain.Task, level, message string) {
	task.AppendHistory(level, message)
	p.sink.Event(ctx, level, message)
}

// persist pushes the current task record to the store. Mid-flight write
// failures are logged and tolerated; the next update retries implicitly.
func (p *Pipeline) persist(ctx context.Context, task *domain.Task) {
	task.UpdatedAt = time.Now().UTC()
	if err := p.store.Update(ctx, task); err != nil {
		p.logger.Error("task update failed",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}
}

// succeed performs the terminal SUCCESS transition.
func (p *Pipeline) succeed(ctx context.Context, task *domain.Task) error {
	now := time.Now().UTC()
	task.Status = domain.StatusSuccess
	task.Progress = 100
	task.CurrentStage = ""
	task.CompletedAt = &now
	p.event(ctx, task, "info", "task completed")
	p.sink.Progress(ctx, 100, "")

	task.UpdatedAt = now
	if err := p.store.Update(ctx, task); err != nil {
		return fmt.Errorf("persist terminal state for task %s: %w", task.ID, err)
	}
	p.logger.Info("task succeeded", slog.String("task_id", task.ID), slog.String("report_ref", task.ResultRef))
	return nil
}

// fail performs the terminal FAILED transition, marking the failing stage.
func (p *Pipeline) fail(ctx context.Context, task *domain.Task, stageName string, cause error) error {
	now := time.Now().UTC()
	if s := task.Stage(stageName); s != nil {
		s.Status = domain.StageFailed
		s.EndedAt = &now
		s.Message = cause.Error()
	}
	// Stages that never started are left pending: together with the FAILED
	// status that already reads as "never ran".
	task.Status = domain.StatusFailed
	task.ErrorMessage = cause.Error()
	task.CurrentStage = ""
	task.CompletedAt = &now
	p.event(ctx, task, "error", fmt.Sprintf("task failed: %v", cause))

	task.UpdatedAt = now
	if err := p.store.Update(ctx, task); err != nil {
		p.logger.Error("terminal update failed",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}
	p.logger.Error("task failed",
		slog.String("task_id", task.ID),
		slog.String("stage", stageName),
		slog.String("error", cause.Error()),
	)
	return cause
}
