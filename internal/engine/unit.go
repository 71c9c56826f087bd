package engine

import (
	"context"
	"time"

	"github.com/liu-kaining/ThetaMind-sub004/internal/domain"
)

// Input is what a unit receives: the task-scoped request plus a read-only
// view of everything produced so far.
type Input struct {
	Request *domain.AnalysisRequest
	View    View
}

// Unit is the smallest executable work item. Implementations form a closed,
// enumerable set of concrete types — there is no string-keyed dispatch.
//
// A unit reads the keys it declares via Reads, never anything else, and its
// result is published under Key. Execute must return either a result or an
// error; it never writes to the context itself.
type Unit interface {
	// Name is the human-readable label used in stage records and logs.
	Name() string
	// Key is the context key the unit's result is published under.
	Key() string
	// Reads lists the upstream context keys the unit consumes.
	Reads() []string
	// Timeout bounds a single execution attempt.
	Timeout() time.Duration
	Execute(ctx context.Context, in Input) (*domain.UnitResult, error)
}
