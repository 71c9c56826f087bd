// Package units holds the concrete analysis units of the fan-out phase.
// Each unit reads its declared context keys, issues one language-model
// call over that data, and publishes a condensed summary/bullets result.
package units

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/liu-kaining/ThetaMind-sub004/internal/domain"
	"github.com/liu-kaining/ThetaMind-sub004/internal/engine"
	"github.com/liu-kaining/ThetaMind-sub004/internal/llm"
)

const analystSystem = "You are an options-market analyst. Answer strictly as JSON: " +
	`{"summary": "<2-3 sentence assessment>", "bullets": ["<key point>", ...]}. ` +
	"Base every statement on the supplied data only. If a data block reads " +
	`"unavailable", say so instead of guessing.`

// summaryPayload is the JSON shape every analysis unit asks the model for.
type summaryPayload struct {
	Summary string   `json:"summary"`
	Bullets []string `json:"bullets"`
}

// generate runs one LLM round-trip and decodes the summary/bullets shape.
// Unparseable output degrades to a plain-text summary rather than failing
// the unit.
func generate(ctx context.Context, client llm.Client, prompt string) (*domain.UnitResult, error) {
	text, err := client.Generate(ctx, llm.Request{
		System: analystSystem,
		Prompt: prompt,
	})
	if err != nil {
		return nil, err
	}

	var payload summaryPayload
	raw := llm.StripFences(text)
	if jsonErr := json.Unmarshal([]byte(raw), &payload); jsonErr != nil || payload.Summary == "" {
		payload = summaryPayload{Summary: strings.TrimSpace(text)}
	}

	return &domain.UnitResult{
		Status:  domain.ResultOK,
		Summary: payload.Summary,
		Bullets: payload.Bullets,
		Raw:     json.RawMessage(raw),
	}, nil
}

// decode unmarshals the raw payload stored under key into out. Returns
// false when the key is missing, its producer failed, or the payload does
// not parse.
func decode(view engine.View, key string, out any) bool {
	r, ok := view.Get(key)
	if !ok || r.Status != domain.ResultOK || len(r.Raw) == 0 {
		return false
	}
	return json.Unmarshal(r.Raw, out) == nil
}

// dataBlock renders one titled block of a prompt, substituting the
// unavailable marker when the payload is missing.
func dataBlock(title string, v any, ok bool) string {
	if !ok {
		return fmt.Sprintf("## %s\n%s\n", title, domain.Unavailable)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("## %s\n%s\n", title, domain.Unavailable)
	}
	return fmt.Sprintf("## %s\n%s\n", title, b)
}

// compactChain trims an option chain to the fields prompt budgets allow:
// near-the-money contracts across all expiries.
func compactChain(chain *domain.OptionChain, spot float64, perExpiry int) []domain.OptionContract {
	if chain == nil {
		return nil
	}
	byExpiry := make(map[string][]domain.OptionContract)
	for _, c := range chain.Contracts {
		byExpiry[c.Expiry] = append(byExpiry[c.Expiry], c)
	}
	var out []domain.OptionContract
	for _, expiry := range chain.Expiries() {
		contracts := byExpiry[expiry]
		// Nearest strikes first.
		for i := 1; i < len(contracts); i++ {
			for j := i; j > 0 && dist(contracts[j].Strike, spot) < dist(contracts[j-1].Strike, spot); j-- {
				contracts[j], contracts[j-1] = contracts[j-1], contracts[j]
			}
		}
		n := perExpiry
		if n > len(contracts) {
			n = len(contracts)
		}
		out = append(out, contracts[:n]...)
	}
	return out
}

func dist(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}

const (
	defaultUnitTimeout      = 60 * time.Second
	dependentUnitTimeout    = 90 * time.Second
	synthesisUnitTimeout    = 120 * time.Second
	chainContractsPerExpiry = 10
)
