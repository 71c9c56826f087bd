package domain

import "fmt"

// Leg is one side of a recommended option structure.
type Leg struct {
	Side     string  `json:"side"` // buy_call | sell_call | buy_put | sell_put
	Strike   float64 `json:"strike"`
	Quantity int     `json:"quantity"`
	Expiry   string  `json:"expiry"` // YYYY-MM-DD
}

// Metrics summarizes the payoff profile of a recommendation.
type Metrics struct {
	MaxProfit  float64   `json:"max_profit"`
	MaxLoss    float64   `json:"max_loss"`
	Breakevens []float64 `json:"breakeven"`
}

// Recommendation is the structured output of the recommendation stage.
type Recommendation struct {
	Strategy  string  `json:"strategy_name"`
	Rationale string  `json:"rationale"`
	Legs      []Leg   `json:"legs"`
	Metrics   Metrics `json:"estimated_metrics"`
}

// Validate checks the hard invariant: every leg's strike/expiry must exist
// in the option chain supplied to the recommendation stage. A
// recommendation referencing data not present in the input is rejected,
// never corrected or guessed.
func (r *Recommendation) Validate(chain *OptionChain) error {
	if r.Strategy == "" {
		return &ValidationError{Reason: "empty strategy name"}
	}
	if len(r.Legs) == 0 {
		return &ValidationError{Reason: "recommendation has no legs"}
	}
	for i, leg := range r.Legs {
		if leg.Quantity <= 0 {
			return &ValidationError{Reason: fmt.Sprintf("leg %d: non-positive quantity", i)}
		}
		if !chain.HasContract(leg.Strike, leg.Expiry) {
			return &ValidationError{Reason: fmt.Sprintf(
				"leg %d references contract %.2f/%s not present in chain", i, leg.Strike, leg.Expiry)}
		}
	}
	return nil
}
