package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeAction(t *testing.T) {
	t.Run("tool call", func(t *testing.T) {
		a, err := DecodeAction(ActionToolCall, map[string]any{
			"tool_name": "http_get",
			"params":    map[string]any{"url": "https://example.com"},
		})
		require.NoError(t, err)
		call, ok := a.(ToolCallAction)
		require.True(t, ok)
		assert.Equal(t, "http_get", call.Tool)
		assert.Equal(t, "https://example.com", call.Params["url"])
	})

	t.Run("tool call without tool name", func(t *testing.T) {
		_, err := DecodeAction(ActionToolCall, map[string]any{"params": map[string]any{}})
		assert.Error(t, err)
	})

	t.Run("user confirm with no params", func(t *testing.T) {
		a, err := DecodeAction(ActionUserConfirm, nil)
		require.NoError(t, err)
		assert.Equal(t, ActionUserConfirm, a.Type())
	})

	t.Run("wait in seconds", func(t *testing.T) {
		a, err := DecodeAction(ActionWait, map[string]any{"duration": 90, "reason": "cool down"})
		require.NoError(t, err)
		w := a.(WaitAction)
		assert.Equal(t, 90*time.Second, w.Duration)
		assert.Equal(t, "cool down", w.Reason)
	})

	t.Run("wait duration string", func(t *testing.T) {
		a, err := DecodeAction(ActionWait, map[string]any{"duration": "1m30s"})
		require.NoError(t, err)
		assert.Equal(t, 90*time.Second, a.(WaitAction).Duration)
	})

	t.Run("wait until", func(t *testing.T) {
		a, err := DecodeAction(ActionWait, map[string]any{"until": "2026-01-02T03:04:05Z"})
		require.NoError(t, err)
		wake, ok := a.(WaitAction).WakeAt(time.Now())
		require.True(t, ok)
		assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), wake)
	})

	t.Run("wait rejects negative duration", func(t *testing.T) {
		_, err := DecodeAction(ActionWait, map[string]any{"duration": -5})
		assert.Error(t, err)
	})

	t.Run("wait rejects bad until", func(t *testing.T) {
		_, err := DecodeAction(ActionWait, map[string]any{"until": "tomorrow"})
		assert.Error(t, err)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := DecodeAction(ActionType("teleport"), nil)
		assert.Error(t, err)
	})
}

func TestWaitAction_WakeAt(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	wake, ok := WaitAction{Duration: time.Minute}.WakeAt(start)
	require.True(t, ok)
	assert.Equal(t, start.Add(time.Minute), wake)

	_, ok = WaitAction{}.WakeAt(start)
	assert.False(t, ok, "untimed waits resolve externally")
}

func TestOutcomeKind_String(t *testing.T) {
	assert.Equal(t, "success", OutcomeSuccess.String())
	assert.Equal(t, "transient_failure", OutcomeTransientFailure.String())
	assert.Equal(t, "permanent_failure", OutcomePermanentFailure.String())
	assert.Equal(t, "needs_confirmation", OutcomeNeedsConfirmation.String())
	assert.Equal(t, "deferred", OutcomeDeferred.String())
	assert.True(t, OutcomeTransientFailure.IsFailure())
	assert.False(t, OutcomeDeferred.IsFailure())
}
