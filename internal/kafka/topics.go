package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/liu-kaining/ThetaMind-sub004/internal/domain"
)

// Topic layout of the analysis hand-off chain:
//
//	gateway  → TopicSubmitted          (every accepted task)
//	dispatcher → per-kind task topic   (after rate limiting)
//	worker   → TopicDLQ                (malformed envelopes only)
const (
	TopicSubmitted = "analysis.submitted"
	TopicDLQ       = "analysis.dlq"

	topicKindPrefix = "analysis.tasks."
)

// TaskTopic returns the per-kind topic the dispatcher routes a task to.
func TaskTopic(kind domain.Kind) string {
	return topicKindPrefix + string(kind)
}

// TaskEnvelope is the message body on every analysis topic. It carries only
// the claim coordinates — the task record in Postgres stays the source of
// truth for everything else.
type TaskEnvelope struct {
	TaskID      string      `json:"task_id"`
	Kind        domain.Kind `json:"kind"`
	SubmittedAt time.Time   `json:"submitted_at"`
}

// EncodeEnvelope serializes an envelope for publishing.
func EncodeEnvelope(env TaskEnvelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode task envelope %s: %w", env.TaskID, err)
	}
	return data, nil
}

// DecodeEnvelope parses and sanity-checks a received envelope. Messages
// failing here belong on the DLQ, not back on the topic.
func DecodeEnvelope(value []byte) (TaskEnvelope, error) {
	var env TaskEnvelope
	if err := json.Unmarshal(value, &env); err != nil {
		return env, fmt.Errorf("decode task envelope: %w", err)
	}
	if env.TaskID == "" {
		return env, fmt.Errorf("task envelope missing task_id")
	}
	if !env.Kind.Valid() {
		return env, fmt.Errorf("task envelope has unknown kind %q", env.Kind)
	}
	return env, nil
}
