// Package llm wraps the language-model backend behind the single Generate
// operation the engine consumes. Grounding (live web-search augmentation)
// is requested only by the research sub-stage.
package llm

import "context"

// Request is one prompt/response round-trip.
type Request struct {
	System      string
	Prompt      string
	Grounding   bool
	Temperature float32
	MaxTokens   int
}

// Client is the language-model backend interface.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
}
