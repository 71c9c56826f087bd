package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/liu-kaining/ThetaMind-sub004/internal/domain"
	"github.com/liu-kaining/ThetaMind-sub004/internal/llm"
	"github.com/liu-kaining/ThetaMind-sub004/internal/validation"
	"github.com/liu-kaining/ThetaMind-sub004/pkg/retry"
)

const (
	// researchQuestions is the fixed plan size. The planner is asked for
	// exactly this many questions and its output is truncated or padded to it.
	researchQuestions = 4

	// degradedFinding is the placeholder recorded when a question could not
	// be researched. Its position in the findings list is preserved.
	degradedFinding = "no external data available"

	planSystem = "You are a research planner. Respond with ONLY a JSON array of " +
		"short, self-contained web-research questions. No prose, no markdown."

	researchSystem = "You are a market researcher with web search. Answer the " +
		"question concisely with concrete, recent facts. Cite dates where possible."
)

// Researcher drives the plan → research → synthesize sequence that closes
// every task. Planning and per-question research are fail-soft; only the
// final synthesis can fail the task.
type Researcher struct {
	client      llm.Client
	logger      *slog.Logger
	parallelism int
	retryDelay  time.Duration
	onRetry     func()

	// Per-call deadlines. Grounded calls hang more often than they fail,
	// so each sub-stage carries its own wall-clock cap instead of leaning
	// on the worker's whole-run budget.
	planTimeout      time.Duration
	questionTimeout  time.Duration
	synthesisTimeout time.Duration
}

// NewResearcher builds the research stage.
func NewResearcher(client llm.Client, logger *slog.Logger) *Researcher {
	return &Researcher{
		client:           client,
		logger:           logger,
		parallelism:      researchQuestions,
		retryDelay:       time.Second,
		planTimeout:      30 * time.Second,
		questionTimeout:  90 * time.Second,
		synthesisTimeout: 3 * time.Minute,
	}
}

// Plan asks the model for a question list scoped by the task kind. Invalid
// or unobtainable output falls back to a deterministic question set, so
// planning never fails the task.
func (r *Researcher) Plan(ctx context.Context, ectx *Context, task *domain.Task, req *domain.AnalysisRequest) []string {
	prompt := r.planPrompt(ectx, task, req)

	var questions []string
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: 2,
		BaseDelay:   r.retryDelay,
		OnRetry: func(attempt int, retryErr error) {
			r.logger.Warn("research planning failed, retrying",
				slog.Int("attempt", attempt),
				slog.String("error", retryErr.Error()),
			)
			if r.onRetry != nil {
				r.onRetry()
			}
		},
	}, func() error {
		planCtx, cancel := context.WithTimeout(ctx, r.planTimeout)
		defer cancel()

		text, genErr := r.client.Generate(planCtx, llm.Request{System: planSystem, Prompt: prompt})
		if genErr != nil {
			if !domain.IsRetryable(genErr) {
				return retry.Permanent(genErr)
			}
			return genErr
		}
		doc := llm.StripFences(text)
		if valErr := validation.QuestionList(doc); valErr != nil {
			return retry.Permanent(valErr)
		}
		return json.Unmarshal([]byte(doc), &questions)
	})
	if err != nil || len(questions) == 0 {
		if err != nil {
			r.logger.Warn("research planning fell back to defaults", slog.String("error", err.Error()))
		}
		return defaultQuestions(req)
	}

	if len(questions) > researchQuestions {
		questions = questions[:researchQuestions]
	}
	for len(questions) < researchQuestions {
		defaults := defaultQuestions(req)
		questions = append(questions, defaults[len(questions)])
	}
	return questions
}

// Research answers every planned question with a grounded model call. The
// questions run concurrently but the returned findings keep plan order, and
// a failed question yields a degraded finding instead of an error.
func (r *Researcher) Research(ctx context.Context, questions []string) []domain.Finding {
	findings := make([]domain.Finding, len(questions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for i, q := range questions {
		g.Go(func() error {
			qctx, cancel := context.WithTimeout(gctx, r.questionTimeout)
			defer cancel()

			text, err := r.client.Generate(qctx, llm.Request{
				System:    researchSystem,
				Prompt:    q,
				Grounding: true,
			})
			if err != nil {
				r.logger.Warn("research question degraded",
					slog.String("question", q),
					slog.String("error", err.Error()),
				)
				findings[i] = domain.Finding{Question: q, Findings: degradedFinding, Degraded: true}
				return nil
			}
			findings[i] = domain.Finding{Question: q, Findings: strings.TrimSpace(text)}
			return nil
		})
	}
	// Workers never return errors; Wait only orders the writes above.
	_ = g.Wait()
	return findings
}

// Synthesize writes the final four-section report body from everything the
// task produced. This is the last fail-fast gate: exhausting the retry
// budget fails the task.
func (r *Researcher) Synthesize(ctx context.Context, ectx *Context, task *domain.Task, req *domain.AnalysisRequest, findings []domain.Finding) ([]domain.ReportSection, error) {
	prompt := r.synthesisPrompt(ectx, task, req, findings)

	var sections []domain.ReportSection
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: 3,
		BaseDelay:   2 * r.retryDelay,
		OnRetry: func(attempt int, retryErr error) {
			r.logger.Warn("report synthesis failed, retrying",
				slog.Int("attempt", attempt),
				slog.String("error", retryErr.Error()),
			)
			if r.onRetry != nil {
				r.onRetry()
			}
		},
	}, func() error {
		synthCtx, cancel := context.WithTimeout(ctx, r.synthesisTimeout)
		defer cancel()

		text, genErr := r.client.Generate(synthCtx, llm.Request{
			System: "You are a senior analyst writing the final report. Use EXACTLY " +
				"these four markdown section headers, in this order: " +
				sectionHeaderList() + ". No preamble before the first header.",
			Prompt: prompt,
		})
		if genErr != nil {
			if !domain.IsRetryable(genErr) {
				return retry.Permanent(genErr)
			}
			return genErr
		}
		parsed, parseErr := parseSections(text)
		if parseErr != nil {
			// A malformed layout is worth one more model attempt.
			return parseErr
		}
		sections = parsed
		return nil
	})
	if err != nil {
		return nil, &domain.FatalStageError{
			Stage: "report synthesis",
			Err:   fmt.Errorf("synthesize report for %s: %w", req.Symbol, err),
		}
	}
	return sections, nil
}

func (r *Researcher) planPrompt(ectx *Context, task *domain.Task, req *domain.AnalysisRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan exactly %d web-research questions about %s (%s horizon, %s risk profile).\n",
		researchQuestions, req.Symbol, req.Horizon, req.RiskProfile)
	if req.Notes != "" {
		fmt.Fprintf(&b, "Requester notes: %s\n", req.Notes)
	}
	switch task.Kind {
	case domain.KindResearchOnly:
		b.WriteString("Focus on recent news, catalysts, analyst actions, and sector developments.\n")
	default:
		b.WriteString("Focus on facts that confirm or break the internal analysis below.\n\n")
		fmt.Fprintf(&b, "## Internal analysis synthesis\n%s\n", ectx.View().Condensed(KeySynthesis))
	}
	return b.String()
}

func (r *Researcher) synthesisPrompt(ectx *Context, task *domain.Task, req *domain.AnalysisRequest, findings []domain.Finding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write the final report for %s (%s horizon, %s risk profile).\n\n",
		req.Symbol, req.Horizon, req.RiskProfile)

	if task.Kind != domain.KindResearchOnly {
		fmt.Fprintf(&b, "## Internal analysis synthesis\n%s\n\n", ectx.View().Condensed(KeySynthesis))
		fmt.Fprintf(&b, "## Scenario view\n%s\n\n", ectx.View().Condensed(KeyScenario))
		if res, ok := ectx.View().Get(KeyRecommendations); ok && len(res.Raw) > 0 {
			fmt.Fprintf(&b, "## Structured recommendations\n%s\n\n", res.Raw)
		}
	}

	b.WriteString("## Research findings\n")
	for _, f := range findings {
		fmt.Fprintf(&b, "Q: %s\nA: %s\n\n", f.Question, f.Findings)
	}
	b.WriteString("Degraded findings mean no external data was available; say so rather than invent.\n")
	return b.String()
}

// defaultQuestions is the deterministic fallback plan used when the model
// cannot produce a valid question list.
func defaultQuestions(req *domain.AnalysisRequest) []string {
	return []string{
		fmt.Sprintf("What are the most recent news and catalysts for %s?", req.Symbol),
		fmt.Sprintf("What do recent analyst ratings and price targets say about %s?", req.Symbol),
		fmt.Sprintf("Are there upcoming earnings, product, or macro events that could move %s?", req.Symbol),
		fmt.Sprintf("What are the main risks currently discussed around %s and its sector?", req.Symbol),
	}
}

func sectionHeaderList() string {
	quoted := make([]string, len(domain.SectionOrder))
	for i, t := range domain.SectionOrder {
		quoted[i] = `"## ` + t + `"`
	}
	return strings.Join(quoted, ", ")
}

// parseSections splits model output on the four fixed "## <title>" headers.
// All four must be present, in order, or the layout is rejected.
func parseSections(text string) ([]domain.ReportSection, error) {
	positions := make([]int, len(domain.SectionOrder))
	cursor := 0
	for i, title := range domain.SectionOrder {
		header := "## " + title
		idx := strings.Index(text[cursor:], header)
		if idx < 0 {
			return nil, fmt.Errorf("section %q missing or out of order", title)
		}
		positions[i] = cursor + idx
		cursor += idx + len(header)
	}

	sections := make([]domain.ReportSection, len(domain.SectionOrder))
	for i, title := range domain.SectionOrder {
		start := positions[i] + len("## "+title)
		end := len(text)
		if i+1 < len(positions) {
			end = positions[i+1]
		}
		body := strings.TrimSpace(text[start:end])
		if body == "" {
			return nil, fmt.Errorf("section %q is empty", title)
		}
		sections[i] = domain.ReportSection{Title: title, Body: body}
	}
	return sections, nil
}
