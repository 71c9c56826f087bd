package units

import (
	"context"
	"fmt"
	"time"

	"github.com/liu-kaining/ThetaMind-sub004/internal/domain"
	"github.com/liu-kaining/ThetaMind-sub004/internal/engine"
	"github.com/liu-kaining/ThetaMind-sub004/internal/llm"
)

// Volatility assesses the implied-volatility surface of the option chain:
// term structure, skew, and richness versus realized movement.
type Volatility struct {
	client llm.Client
}

func NewVolatility(client llm.Client) *Volatility { return &Volatility{client: client} }

func (u *Volatility) Name() string           { return "volatility" }
func (u *Volatility) Key() string            { return engine.KeyVolatility }
func (u *Volatility) Timeout() time.Duration { return defaultUnitTimeout }

func (u *Volatility) Reads() []string {
	return []string{engine.KeyQuote, engine.KeyChain}
}

func (u *Volatility) Execute(ctx context.Context, in engine.Input) (*domain.UnitResult, error) {
	var quote domain.Quote
	quoteOK := decode(in.View, engine.KeyQuote, &quote)

	var chain domain.OptionChain
	chainOK := decode(in.View, engine.KeyChain, &chain)

	var contracts []domain.OptionContract
	if chainOK {
		contracts = compactChain(&chain, quote.Last, chainContractsPerExpiry)
	}

	prompt := fmt.Sprintf(
		"Analyze the implied-volatility picture for %s: IV levels across expiries, "+
			"call/put skew, and where premium looks rich or cheap.\n\n%s%s",
		in.Request.Symbol,
		dataBlock("Quote", quote, quoteOK),
		dataBlock("Option chain (near the money)", contracts, chainOK),
	)
	return generate(ctx, u.client, prompt)
}
