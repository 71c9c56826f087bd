package kafka

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liu-kaining/ThetaMind-sub004/internal/domain"
)

func TestTaskTopic(t *testing.T) {
	assert.Equal(t, "analysis.tasks.full_analysis", TaskTopic(domain.KindFullAnalysis))
	assert.Equal(t, "analysis.tasks.research_only", TaskTopic(domain.KindResearchOnly))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	submitted := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	data, err := EncodeEnvelope(TaskEnvelope{
		TaskID:      "task-1",
		Kind:        domain.KindFullAnalysis,
		SubmittedAt: submitted,
	})
	require.NoError(t, err)

	env, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, "task-1", env.TaskID)
	assert.Equal(t, domain.KindFullAnalysis, env.Kind)
	assert.True(t, env.SubmittedAt.Equal(submitted))
}

func TestDecodeEnvelope_Rejections(t *testing.T) {
	cases := []struct {
		name  string
		value string
	}{
		{"not JSON", "garbage"},
		{"missing task id", `{"kind":"full_analysis"}`},
		{"unknown kind", `{"task_id":"t1","kind":"quick_look"}`},
		{"missing kind", `{"task_id":"t1"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(tc.value))
			require.Error(t, err)
		})
	}
}
