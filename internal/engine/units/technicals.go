package units

import (
	"context"
	"fmt"
	"time"

	"github.com/liu-kaining/ThetaMind-sub004/internal/domain"
	"github.com/liu-kaining/ThetaMind-sub004/internal/engine"
	"github.com/liu-kaining/ThetaMind-sub004/internal/llm"
)

// Technicals reads the price history and quote and assesses trend,
// support/resistance and recent realized volatility.
type Technicals struct {
	client llm.Client
}

func NewTechnicals(client llm.Client) *Technicals { return &Technicals{client: client} }

func (u *Technicals) Name() string           { return "technicals" }
func (u *Technicals) Key() string            { return engine.KeyTechnicals }
func (u *Technicals) Timeout() time.Duration { return defaultUnitTimeout }

func (u *Technicals) Reads() []string {
	return []string{engine.KeyQuote, engine.KeyHistory}
}

func (u *Technicals) Execute(ctx context.Context, in engine.Input) (*domain.UnitResult, error) {
	var quote domain.Quote
	quoteOK := decode(in.View, engine.KeyQuote, &quote)

	var history []domain.Candle
	historyOK := decode(in.View, engine.KeyHistory, &history)
	if historyOK && len(history) > 60 {
		history = history[len(history)-60:] // last 60 sessions is enough signal
	}

	prompt := fmt.Sprintf(
		"Assess the price action for %s: trend direction, notable support and "+
			"resistance levels, and how realized movement compares to the recent range.\n\n%s%s",
		in.Request.Symbol,
		dataBlock("Quote", quote, quoteOK),
		dataBlock("Daily candles", history, historyOK),
	)
	return generate(ctx, u.client, prompt)
}
