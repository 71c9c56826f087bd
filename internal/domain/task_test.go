package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())
	assert.True(t, StatusSuccess.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
}

func TestKind_Valid(t *testing.T) {
	assert.True(t, KindFullAnalysis.Valid())
	assert.True(t, KindResearchOnly.Valid())
	assert.False(t, Kind("").Valid())
	assert.False(t, Kind("quick_look").Valid())
}

func TestTask_StageLookup(t *testing.T) {
	task := &Task{Stages: []StageRecord{
		{Name: "data_enrichment", Status: StagePending},
		{Name: "analysis", Status: StagePending},
	}}

	s := task.Stage("analysis")
	require.NotNil(t, s)

	// The pointer aliases the slice entry so stage mutations persist.
	s.Status = StageRunning
	assert.Equal(t, StageRunning, task.Stages[1].Status)

	assert.Nil(t, task.Stage("nope"))
}

func TestTask_AppendHistoryIsAppendOnly(t *testing.T) {
	task := &Task{}
	task.AppendHistory("info", "first")
	task.AppendHistory("error", "second")

	require.Len(t, task.History, 2)
	assert.Equal(t, "first", task.History[0].Message)
	assert.Equal(t, "error", task.History[1].Level)
	assert.False(t, task.History[0].Timestamp.IsZero())
}
