package units

import (
	"context"
	"fmt"
	"time"

	"github.com/liu-kaining/ThetaMind-sub004/internal/domain"
	"github.com/liu-kaining/ThetaMind-sub004/internal/engine"
	"github.com/liu-kaining/ThetaMind-sub004/internal/llm"
)

// FundamentalView assesses valuation, upcoming catalysts and sentiment.
type FundamentalView struct {
	client llm.Client
}

func NewFundamentalView(client llm.Client) *FundamentalView {
	return &FundamentalView{client: client}
}

func (u *FundamentalView) Name() string           { return "fundamental_view" }
func (u *FundamentalView) Key() string            { return engine.KeyFundamentalView }
func (u *FundamentalView) Timeout() time.Duration { return defaultUnitTimeout }

func (u *FundamentalView) Reads() []string {
	return []string{engine.KeyFundamentals, engine.KeyCalendar, engine.KeySentiment}
}

func (u *FundamentalView) Execute(ctx context.Context, in engine.Input) (*domain.UnitResult, error) {
	var fundamentals domain.Fundamentals
	fundOK := decode(in.View, engine.KeyFundamentals, &fundamentals)

	var calendar []domain.CatalystEvent
	calOK := decode(in.View, engine.KeyCalendar, &calendar)

	var sentiment domain.SentimentSnapshot
	sentOK := decode(in.View, engine.KeySentiment, &sentiment)

	prompt := fmt.Sprintf(
		"Assess the fundamental setup for %s: valuation, upcoming catalysts that "+
			"could move the stock during the analysis horizon (%s), and the news/sentiment tone.\n\n%s%s%s",
		in.Request.Symbol, in.Request.Horizon,
		dataBlock("Fundamentals", fundamentals, fundOK),
		dataBlock("Catalyst calendar", calendar, calOK),
		dataBlock("Sentiment", sentiment, sentOK),
	)
	return generate(ctx, u.client, prompt)
}
