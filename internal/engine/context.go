package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/liu-kaining/ThetaMind-sub004/internal/domain"
)

// Well-known context keys. Enrichment writes the enrich.* keys; analysis
// units each own exactly one analysis.* key.
const (
	KeyQuote        = "enrich.quote"
	KeyChain        = "enrich.chain"
	KeyHistory      = "enrich.history"
	KeyFundamentals = "enrich.fundamentals"
	KeyCalendar     = "enrich.calendar"
	KeySentiment    = "enrich.sentiment"

	KeyVolatility      = "analysis.volatility"
	KeyTechnicals      = "analysis.technicals"
	KeyFundamentalView = "analysis.fundamental_view"
	KeyScenario        = "analysis.scenario"
	KeySynthesis       = "analysis.synthesis"

	KeyRecommendations = "recommendation.list"
)

// Context is the append-only key→result map shared by all units of one
// task execution. Once a key is written it is never overwritten within the
// same execution; readers only ever see a read-only view.
//
// A Context is scoped to a single task and is never shared across task
// executions. The mutex only guards the in-task fan-out.
type Context struct {
	mu      sync.RWMutex
	results map[string]*domain.UnitResult
}

// NewContext returns an empty execution context.
func NewContext() *Context {
	return &Context{results: make(map[string]*domain.UnitResult)}
}

// Put publishes a result under key. Returns an error if the key is already
// present — produced entries are immutable.
func (c *Context) Put(key string, r *domain.UnitResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.results[key]; exists {
		return fmt.Errorf("context key %q already written", key)
	}
	c.results[key] = r
	return nil
}

// PutIfAbsent writes the result only when the key is missing, and reports
// whether a write happened. This is the overwrite-if-missing primitive that
// makes enrichment idempotent.
func (c *Context) PutIfAbsent(key string, r *domain.UnitResult) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.results[key]; exists {
		return false
	}
	c.results[key] = r
	return true
}

// View returns the read-only view handed to units.
func (c *Context) View() View { return View{ctx: c} }

// View is the defensive read-only projection of a Context.
type View struct {
	ctx *Context
}

// Get returns the result stored under key, if any.
func (v View) Get(key string) (*domain.UnitResult, bool) {
	v.ctx.mu.RLock()
	defer v.ctx.mu.RUnlock()
	r, ok := v.ctx.results[key]
	return r, ok
}

// Condensed returns the bounded text for a key, or the unavailable marker
// when the key is missing or its producer failed.
func (v View) Condensed(key string) string {
	r, ok := v.Get(key)
	if !ok {
		return domain.Unavailable
	}
	return r.Condensed()
}

// Keys returns all written keys in sorted order.
func (v View) Keys() []string {
	v.ctx.mu.RLock()
	defer v.ctx.mu.RUnlock()
	keys := make([]string, 0, len(v.ctx.results))
	for k := range v.ctx.results {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
