package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextAllowedTransitions(t *testing.T) {
	tests := []struct {
		from  AgentState
		event StateEvent
		want  AgentState
	}{
		{StateIdle, EventReceived, StateThinking},
		{StateThinking, EventLLMProduced, StateReflecting},
		{StateThinking, EventToolRequested, StateToolCall},
		{StateToolCall, EventToolResolved, StateReflecting},
		{StateReflecting, EventCompleted, StateIdle},
		{StateReflecting, EventFailed, StateIdle},
		{StateIdle, EventCompleted, StateIdle},
		{StateIdle, EventFailed, StateIdle},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"+"+string(tt.event), func(t *testing.T) {
			got, err := Next(tt.from, tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextRejectsIllegalTransitions(t *testing.T) {
	// Scenario from the suite: driving Idle with a provider event must fail
	// with the (Idle, Reflecting) pair and leave the state unchanged.
	got, err := Next(StateIdle, EventLLMProduced)
	require.Error(t, err)
	assert.Equal(t, StateIdle, got)

	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, KindInvalidStateTransition, terr.Kind)
	assert.Equal(t, StateIdle, terr.From)
	assert.Equal(t, StateReflecting, terr.To)
}

func TestNextExhaustiveSafety(t *testing.T) {
	// Every state reached through Next is a member of the finite set.
	states := []AgentState{StateIdle, StateThinking, StateToolCall, StateReflecting}
	events := []StateEvent{EventReceived, EventLLMProduced, EventToolRequested, EventToolResolved, EventCompleted, EventFailed}

	for _, s := range states {
		for _, e := range events {
			got, err := Next(s, e)
			assert.True(t, got.Valid(), "state %s after (%s,%s)", got, s, e)
			if err != nil {
				// Failed transitions leave the state untouched.
				assert.Equal(t, s, got)
			}
		}
	}
}

func TestErrorTaxonomy(t *testing.T) {
	assert.True(t, IsKind(NewTimeoutError(), KindTimeout))
	assert.True(t, IsKind(NewUnavailableError(ReasonBackpressure), KindUnavailable))
	assert.Equal(t, KindInternal, KindOf(assert.AnError))

	up := NewUpstreamError("anthropic", true, assert.AnError)
	assert.True(t, up.Retriable)
	require.ErrorIs(t, up, assert.AnError)

	internal := NewInternalError("wiring broke", assert.AnError)
	assert.NotEmpty(t, internal.CorrelationID)
	assert.NotContains(t, internal.Error(), "wiring broke")
}

func TestAuthLevelOrdering(t *testing.T) {
	assert.True(t, LevelAdmin.Satisfies(LevelRead))
	assert.True(t, LevelWrite.Satisfies(LevelWrite))
	assert.False(t, LevelRead.Satisfies(LevelWrite))

	lvl, err := ParseAuthLevel("admin")
	require.NoError(t, err)
	assert.Equal(t, LevelAdmin, lvl)
	_, err = ParseAuthLevel("root")
	assert.Error(t, err)
}

func TestAPIKeyDiscipline(t *testing.T) {
	_, err := NewAPIKey([]byte("short"))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInvalidAPIKeyFormat))

	k1, err := NewAPIKey([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	k2, err := NewAPIKey([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	k3, err := NewAPIKey([]byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)

	assert.True(t, k1.Equal(k2))
	assert.False(t, k1.Equal(k3))

	// Redaction: no rendering path exposes the secret.
	assert.NotContains(t, k1.String(), "0123456789abcdef")
	assert.Equal(t, "[REDACTED]", k1.Redacted())
}

func TestValidAPIKeyID(t *testing.T) {
	assert.True(t, ValidAPIKeyID("team-alpha_01"))
	assert.False(t, ValidAPIKeyID(""))
	assert.False(t, ValidAPIKeyID("has space"))
	assert.False(t, ValidAPIKeyID("has/slash"))
}
