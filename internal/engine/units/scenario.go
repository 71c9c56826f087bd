package units

import (
	"context"
	"fmt"
	"time"

	"github.com/liu-kaining/ThetaMind-sub004/internal/domain"
	"github.com/liu-kaining/ThetaMind-sub004/internal/engine"
	"github.com/liu-kaining/ThetaMind-sub004/internal/llm"
)

// Scenario is the cross-cutting unit that runs after the fan-out group.
// It reads every group-1 result and sketches bull/base/bear scenarios with
// the risks that connect them. Failed upstreams appear as explicit
// unavailable markers in its prompt.
type Scenario struct {
	client llm.Client
}

func NewScenario(client llm.Client) *Scenario { return &Scenario{client: client} }

func (u *Scenario) Name() string           { return "scenario" }
func (u *Scenario) Key() string            { return engine.KeyScenario }
func (u *Scenario) Timeout() time.Duration { return dependentUnitTimeout }

func (u *Scenario) Reads() []string {
	return []string{engine.KeyVolatility, engine.KeyTechnicals, engine.KeyFundamentalView, engine.KeyQuote}
}

func (u *Scenario) Execute(ctx context.Context, in engine.Input) (*domain.UnitResult, error) {
	var quote domain.Quote
	quoteOK := decode(in.View, engine.KeyQuote, &quote)

	prompt := fmt.Sprintf(
		"Combine the analyst views below into bull/base/bear scenarios for %s over %s, "+
			"with the key risk in each. Views marked unavailable could not be produced; "+
			"call that out where it weakens the picture.\n\n"+
			"## Volatility view\n%s\n\n## Technical view\n%s\n\n## Fundamental view\n%s\n\n%s",
		in.Request.Symbol, in.Request.Horizon,
		in.View.Condensed(engine.KeyVolatility),
		in.View.Condensed(engine.KeyTechnicals),
		in.View.Condensed(engine.KeyFundamentalView),
		dataBlock("Quote", quote, quoteOK),
	)
	return generate(ctx, u.client, prompt)
}
