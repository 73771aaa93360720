package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to RunStatus
		want     bool
	}{
		{RunStatusAnalyzing, RunStatusSendingNotifications, true},
		{RunStatusWaitingResponses, RunStatusProcessingResponses, true},
		{RunStatusWaitingResponses, RunStatusWaitingResponses, true},
		{RunStatusProcessingResponses, RunStatusWaitingResponses, false},
		{RunStatusAnalyzing, RunStatusFailed, true},
		{RunStatusCompleted, RunStatusFailed, false},
		{RunStatusFailed, RunStatusCompleted, false},
		{RunStatusFailed, RunStatusAnalyzing, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestStatusForStep(t *testing.T) {
	assert.Equal(t, RunStatusAnalyzing, StatusForStep(StepRequest))
	assert.Equal(t, RunStatusAnalyzing, StatusForStep(StepMessage))
	assert.Equal(t, RunStatusSendingNotifications, StatusForStep(StepNotification))
	assert.Equal(t, RunStatusWaitingResponses, StatusForStep(StepProviders))
	assert.Equal(t, RunStatusProcessingResponses, StatusForStep(StepQuotes))
	assert.Equal(t, RunStatusProcessingResponses, StatusForStep(StepConfirmation))
	assert.Equal(t, RunStatusCompleted, StatusForStep(StepComplete))
}

func TestStepNames(t *testing.T) {
	assert.Equal(t, "UserResponse", StepUserResponse.String())
	assert.Equal(t, "Unknown", Step(9).String())
	assert.True(t, StepComplete.Valid())
	assert.False(t, Step(0).Valid())

	run := &WorkflowRun{CurrentStep: StepProviders}
	assert.Equal(t, "Providers", run.StepName())
}
