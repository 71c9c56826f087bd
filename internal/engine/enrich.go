package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/liu-kaining/ThetaMind-sub004/internal/domain"
	"github.com/liu-kaining/ThetaMind-sub004/internal/providers"
	"github.com/liu-kaining/ThetaMind-sub004/pkg/retry"
)

// enrichmentProducer labels context entries written by the enrichment stage.
const enrichmentProducer = "enrichment"

// enrichKeys maps provider data kinds onto their well-known context keys.
var enrichKeys = []struct {
	kind providers.DataKind
	key  string
}{
	{providers.DataQuote, KeyQuote},
	{providers.DataChain, KeyChain},
	{providers.DataHistory, KeyHistory},
	{providers.DataFundamentals, KeyFundamentals},
	{providers.DataCalendar, KeyCalendar},
	{providers.DataSentiment, KeySentiment},
}

// Enricher fills the base context with auxiliary data so later units never
// perform ad hoc fetches. It is idempotent: every key uses
// overwrite-if-missing semantics, so running it twice cannot corrupt the
// context.
//
// This is the one fail-fast stage: analysis quality depends on a complete
// base context, so exhausting the retry budget fails the task.
type Enricher struct {
	provider providers.Provider
	logger   *slog.Logger
	attempts int
	delay    time.Duration
	// fetchTimeout caps one fetch attempt; a hung provider must not eat
	// the whole task budget.
	fetchTimeout time.Duration
	onRetry      func()
}

// NewEnricher builds the enrichment stage over the given provider.
func NewEnricher(provider providers.Provider, logger *slog.Logger) *Enricher {
	return &Enricher{
		provider:     provider,
		logger:       logger,
		attempts:     2,
		delay:        time.Second,
		fetchTimeout: 20 * time.Second,
	}
}

// Run attaches each missing data kind to the context. Data the caller
// already supplied on the request is used as-is and never re-fetched.
func (e *Enricher) Run(ctx context.Context, req *domain.AnalysisRequest, ectx *Context) error {
	attached := e.attachedData(req)

	for _, ek := range enrichKeys {
		if _, exists := ectx.View().Get(ek.key); exists {
			continue
		}

		if raw, ok := attached[ek.kind]; ok {
			ectx.PutIfAbsent(ek.key, enrichResult(ek.kind, raw))
			continue
		}

		var raw json.RawMessage
		err := retry.Do(ctx, retry.Config{
			MaxAttempts: e.attempts,
			BaseDelay:   e.delay,
			OnRetry: func(attempt int, retryErr error) {
				e.logger.Warn("enrichment fetch failed, retrying",
					slog.String("kind", string(ek.kind)),
					slog.Int("attempt", attempt),
					slog.String("error", retryErr.Error()),
				)
				if e.onRetry != nil {
					e.onRetry()
				}
			},
		}, func() error {
			fetchCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
			defer cancel()

			fetched, fetchErr := e.provider.Fetch(fetchCtx, req.Symbol, ek.kind)
			if fetchErr != nil {
				if !domain.IsRetryable(fetchErr) {
					return retry.Permanent(fetchErr)
				}
				return fetchErr
			}
			raw = fetched
			return nil
		})
		if err != nil {
			return &domain.FatalStageError{
				Stage: "data enrichment",
				Err:   fmt.Errorf("fetch %s for %s: %w", ek.kind, req.Symbol, err),
			}
		}

		ectx.PutIfAbsent(ek.key, enrichResult(ek.kind, raw))
	}
	return nil
}

// attachedData collects the payloads the caller pre-attached to the request.
func (e *Enricher) attachedData(req *domain.AnalysisRequest) map[providers.DataKind]json.RawMessage {
	out := make(map[providers.DataKind]json.RawMessage)
	put := func(kind providers.DataKind, v any) {
		raw, err := json.Marshal(v)
		if err == nil {
			out[kind] = raw
		}
	}
	if req.Quote != nil {
		put(providers.DataQuote, req.Quote)
	}
	if req.Chain != nil {
		put(providers.DataChain, req.Chain)
	}
	if len(req.History) > 0 {
		put(providers.DataHistory, req.History)
	}
	if req.Fundamentals != nil {
		put(providers.DataFundamentals, req.Fundamentals)
	}
	if len(req.Calendar) > 0 {
		put(providers.DataCalendar, req.Calendar)
	}
	if req.Sentiment != nil {
		put(providers.DataSentiment, req.Sentiment)
	}
	return out
}

func enrichResult(kind providers.DataKind, raw json.RawMessage) *domain.UnitResult {
	return &domain.UnitResult{
		Producer: enrichmentProducer,
		Status:   domain.ResultOK,
		Summary:  string(kind) + " data attached",
		Raw:      raw,
	}
}
