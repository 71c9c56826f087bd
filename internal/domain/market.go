package domain

import "time"

// AnalysisRequest is the task payload: the subject of the analysis plus
// whatever the caller already attached. Missing auxiliary data is filled in
// by the enrichment stage, never by individual units.
type AnalysisRequest struct {
	Symbol      string `json:"symbol"`
	Horizon     string `json:"horizon,omitempty"`      // e.g. "30d", "3m"
	RiskProfile string `json:"risk_profile,omitempty"` // conservative | moderate | aggressive
	Notes       string `json:"notes,omitempty"`

	// Pre-attached data. Enrichment only fetches what is nil here.
	Quote        *Quote             `json:"quote,omitempty"`
	Chain        *OptionChain       `json:"chain,omitempty"`
	History      []Candle           `json:"history,omitempty"`
	Fundamentals *Fundamentals      `json:"fundamentals,omitempty"`
	Calendar     []CatalystEvent    `json:"calendar,omitempty"`
	Sentiment    *SentimentSnapshot `json:"sentiment,omitempty"`
}

// Quote is a point-in-time price snapshot for the underlying.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Last      float64   `json:"last"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Volume    int64     `json:"volume"`
	AsOf      time.Time `json:"as_of"`
	Change    float64   `json:"change"`
	ChangePct float64   `json:"change_pct"`
}

// OptionContract is one strike/expiry row of an option chain.
type OptionContract struct {
	Symbol       string  `json:"symbol"`
	Type         string  `json:"type"` // call | put
	Strike       float64 `json:"strike"`
	Expiry       string  `json:"expiry"` // YYYY-MM-DD
	Bid          float64 `json:"bid"`
	Ask          float64 `json:"ask"`
	Last         float64 `json:"last"`
	Volume       int64   `json:"volume"`
	OpenInterest int64   `json:"open_interest"`
	ImpliedVol   float64 `json:"implied_vol"`
	Delta        float64 `json:"delta"`
	Gamma        float64 `json:"gamma"`
	Theta        float64 `json:"theta"`
	Vega         float64 `json:"vega"`
}

// OptionChain is the full set of listed contracts for an underlying.
type OptionChain struct {
	Symbol    string           `json:"symbol"`
	AsOf      time.Time        `json:"as_of"`
	Contracts []OptionContract `json:"contracts"`
}

// HasContract reports whether a strike/expiry pair exists in the chain.
// Recommendation legs must pass this check or be dropped.
func (c *OptionChain) HasContract(strike float64, expiry string) bool {
	if c == nil {
		return false
	}
	for i := range c.Contracts {
		if c.Contracts[i].Strike == strike && c.Contracts[i].Expiry == expiry {
			return true
		}
	}
	return false
}

// Expiries returns the distinct expiry dates present in the chain, in
// first-seen order.
func (c *OptionChain) Expiries() []string {
	seen := make(map[string]bool)
	var out []string
	for i := range c.Contracts {
		e := c.Contracts[i].Expiry
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}

// Candle is one bar of historical price data.
type Candle struct {
	Date   string  `json:"date"` // YYYY-MM-DD
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// Fundamentals holds the valuation snapshot used by the fundamentals unit.
type Fundamentals struct {
	Symbol        string  `json:"symbol"`
	MarketCap     float64 `json:"market_cap"`
	PERatio       float64 `json:"pe_ratio"`
	EPS           float64 `json:"eps"`
	DividendYield float64 `json:"dividend_yield"`
	Beta          float64 `json:"beta"`
	NextEarnings  string  `json:"next_earnings,omitempty"` // YYYY-MM-DD
	Sector        string  `json:"sector,omitempty"`
}

// CatalystEvent is a dated event that can move the underlying (earnings,
// dividends, macro releases).
type CatalystEvent struct {
	Date        string `json:"date"` // YYYY-MM-DD
	Type        string `json:"type"`
	Description string `json:"description"`
}

// SentimentSnapshot condenses news/social sentiment for the symbol.
type SentimentSnapshot struct {
	Symbol    string    `json:"symbol"`
	Score     float64   `json:"score"` // -1..1
	Articles  int       `json:"articles"`
	Headlines []string  `json:"headlines,omitempty"`
	AsOf      time.Time `json:"as_of"`
}
