package engine

import "context"

// ProgressSink receives every observable mutation of a running task:
// progress percentage, the currently executing stage label, and execution
// history events. The task store update is the sink's only side effect —
// no other component writes task state mid-flight.
type ProgressSink interface {
	// Progress reports a new progress value with the stage label currently
	// executing. Implementations must keep the persisted value monotonic.
	Progress(ctx context.Context, pct int, stage string)
	// Event appends one execution-history entry.
	Event(ctx context.Context, level, message string)
}

// NopSink discards all updates. Used by tests and the research-only
// entry points that do not track progress.
type NopSink struct{}

func (NopSink) Progress(context.Context, int, string) {}
func (NopSink) Event(context.Context, string, string) {}
