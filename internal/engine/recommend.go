package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/liu-kaining/ThetaMind-sub004/internal/domain"
	"github.com/liu-kaining/ThetaMind-sub004/internal/llm"
	"github.com/liu-kaining/ThetaMind-sub004/internal/validation"
)

const recommendSystem = "You are an options strategist. Respond with ONLY a JSON array of at " +
	"most 2 recommendation objects, each shaped as " +
	`{"strategy_name": "...", "rationale": "...", "legs": [{"side": "buy_call|sell_call|buy_put|sell_put", ` +
	`"strike": 0, "quantity": 1, "expiry": "YYYY-MM-DD"}], ` +
	`"estimated_metrics": {"max_profit": 0, "max_loss": 0, "breakeven": [0]}}. ` +
	"Every strike/expiry MUST be copied from the supplied option chain. " +
	"Return [] if no structure is attractive."

// Recommender is the single-shot recommendation stage. It is optional
// enrichment, not a correctness requirement: a failed or unparseable model
// call yields an empty recommendation list, never a task failure.
type Recommender struct {
	client  llm.Client
	logger  *slog.Logger
	timeout time.Duration
}

// NewRecommender builds the recommendation stage.
func NewRecommender(client llm.Client, logger *slog.Logger) *Recommender {
	return &Recommender{client: client, logger: logger, timeout: time.Minute}
}

// Run produces zero to two validated recommendations from the option chain
// and the analysis synthesis. Structurally invalid recommendations and
// legs referencing contracts absent from the chain are dropped, not fixed.
func (r *Recommender) Run(ctx context.Context, ectx *Context, req *domain.AnalysisRequest) []domain.Recommendation {
	chainRes, ok := ectx.View().Get(KeyChain)
	if !ok || chainRes.Status != domain.ResultOK {
		r.logger.Warn("recommendation skipped: option chain unavailable")
		r.publish(ectx, nil)
		return nil
	}
	var chain domain.OptionChain
	if err := json.Unmarshal(chainRes.Raw, &chain); err != nil {
		r.logger.Warn("recommendation skipped: option chain unreadable", slog.String("error", err.Error()))
		r.publish(ectx, nil)
		return nil
	}

	quote := domain.Quote{}
	if qr, qok := ectx.View().Get(KeyQuote); qok && qr.Status == domain.ResultOK {
		_ = json.Unmarshal(qr.Raw, &quote)
	}

	chainJSON, err := json.Marshal(chain.Contracts)
	if err != nil {
		r.publish(ectx, nil)
		return nil
	}

	prompt := fmt.Sprintf(
		"Symbol: %s  Spot: %.2f  Risk profile: %s  Horizon: %s\n\n"+
			"## Analysis synthesis\n%s\n\n## Option chain\n%s",
		req.Symbol, quote.Last, req.RiskProfile, req.Horizon,
		ectx.View().Condensed(KeySynthesis),
		chainJSON,
	)

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	text, err := r.client.Generate(callCtx, llm.Request{System: recommendSystem, Prompt: prompt})
	if err != nil {
		r.logger.Warn("recommendation model call failed, continuing without",
			slog.String("error", err.Error()))
		r.publish(ectx, nil)
		return nil
	}

	recs := r.parse(llm.StripFences(text), &chain)
	r.publish(ectx, recs)
	return recs
}

// parse validates the model output against the schema and the hard
// chain-membership invariant, keeping only recommendations that pass both.
func (r *Recommender) parse(doc string, chain *domain.OptionChain) []domain.Recommendation {
	if err := validation.RecommendationList(doc); err != nil {
		r.logger.Warn("recommendation output rejected", slog.String("error", err.Error()))
		return nil
	}

	var candidates []domain.Recommendation
	if err := json.Unmarshal([]byte(doc), &candidates); err != nil {
		r.logger.Warn("recommendation output unparseable", slog.String("error", err.Error()))
		return nil
	}

	var valid []domain.Recommendation
	for i := range candidates {
		if err := candidates[i].Validate(chain); err != nil {
			r.logger.Warn("recommendation dropped",
				slog.String("strategy", candidates[i].Strategy),
				slog.String("error", err.Error()),
			)
			continue
		}
		valid = append(valid, candidates[i])
	}
	if len(valid) > 2 {
		valid = valid[:2]
	}
	return valid
}

// publish mirrors the recommendation list into the context for the report
// assembler.
func (r *Recommender) publish(ectx *Context, recs []domain.Recommendation) {
	raw, err := json.Marshal(recs)
	if err != nil {
		raw = []byte("[]")
	}
	status := domain.ResultOK
	summary := fmt.Sprintf("%d recommendation(s)", len(recs))
	if len(recs) == 0 {
		status = domain.ResultSkipped
		summary = "no recommendations"
	}
	ectx.PutIfAbsent(KeyRecommendations, &domain.UnitResult{
		Producer: "recommendation",
		Status:   status,
		Summary:  summary,
		Raw:      raw,
	})
}
