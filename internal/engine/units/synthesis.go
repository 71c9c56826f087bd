package units

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/liu-kaining/ThetaMind-sub004/internal/domain"
	"github.com/liu-kaining/ThetaMind-sub004/internal/engine"
	"github.com/liu-kaining/ThetaMind-sub004/internal/llm"
)

// Synthesis is the terminal unit of the analysis phase. It condenses every
// prior result into one bounded summary-per-producer structure — the only
// analysis output forwarded to the recommendation and research stages.
type Synthesis struct {
	client llm.Client
}

func NewSynthesis(client llm.Client) *Synthesis { return &Synthesis{client: client} }

func (u *Synthesis) Name() string           { return "synthesis" }
func (u *Synthesis) Key() string            { return engine.KeySynthesis }
func (u *Synthesis) Timeout() time.Duration { return synthesisUnitTimeout }

func (u *Synthesis) Reads() []string {
	return []string{
		engine.KeyVolatility, engine.KeyTechnicals, engine.KeyFundamentalView, engine.KeyScenario,
	}
}

func (u *Synthesis) Execute(ctx context.Context, in engine.Input) (*domain.UnitResult, error) {
	producers := map[string]string{
		"volatility":       in.View.Condensed(engine.KeyVolatility),
		"technicals":       in.View.Condensed(engine.KeyTechnicals),
		"fundamental_view": in.View.Condensed(engine.KeyFundamentalView),
		"scenario":         in.View.Condensed(engine.KeyScenario),
	}

	blocks, err := json.MarshalIndent(producers, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal producer views: %w", err)
	}

	prompt := fmt.Sprintf(
		"Distill the analyst views on %s below into a single overall assessment. "+
			"Respond as JSON with a short overall summary and one bullet per analyst view "+
			"(prefix each bullet with the view name). Keep views marked unavailable visible "+
			"as \"<view>: unavailable\".\n\n%s",
		in.Request.Symbol, blocks,
	)

	res, genErr := generate(ctx, u.client, prompt)
	if genErr != nil {
		return nil, genErr
	}

	// The raw payload carries the per-producer texts for the report
	// assembler, not the model echo.
	if raw, marshalErr := json.Marshal(producers); marshalErr == nil {
		res.Raw = raw
	}
	return res, nil
}
