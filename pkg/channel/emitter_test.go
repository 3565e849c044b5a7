package channel

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmitterOnceRunsOnce(t *testing.T) {
	e := NewEmitter()
	calls := 0
	e.Once("connect", func(json.RawMessage) { calls++ })

	require.Equal(t, 1, e.Dispatch("connect", nil))
	require.Equal(t, 0, e.Dispatch("connect", nil))
	require.Equal(t, 1, calls)
	require.Equal(t, 0, e.Count("connect"))
}

func TestEmitterOffRemovesListener(t *testing.T) {
	e := NewEmitter()
	calls := 0
	id := e.On("answerCreated", func(json.RawMessage) { calls++ })
	require.Equal(t, 1, e.Total())

	require.True(t, e.Off(id))
	require.False(t, e.Off(id))
	e.Dispatch("answerCreated", nil)
	require.Equal(t, 0, calls)
	require.Equal(t, 0, e.Total())
}

func TestEmitterOffDuringDispatchSkipsPendingListener(t *testing.T) {
	e := NewEmitter()
	var second ListenerID
	calls := []string{}
	e.On("x", func(json.RawMessage) {
		calls = append(calls, "first")
		e.Off(second)
	})
	second = e.On("x", func(json.RawMessage) { calls = append(calls, "second") })

	require.Equal(t, 1, e.Dispatch("x", nil))
	require.Equal(t, []string{"first"}, calls)
}

func TestEmitterPassesPayload(t *testing.T) {
	e := NewEmitter()
	var got string
	e.On("projectGenerated", func(p json.RawMessage) { got = string(p) })
	e.Dispatch("projectGenerated", json.RawMessage(`{"projectId":"p1"}`))
	require.JSONEq(t, `{"projectId":"p1"}`, got)
}

func TestEmitterListenerRegisteredDuringDispatchWaitsForNextEvent(t *testing.T) {
	e := NewEmitter()
	late := 0
	e.Once("connect", func(json.RawMessage) {
		e.On("connect", func(json.RawMessage) { late++ })
	})
	e.Dispatch("connect", nil)
	require.Equal(t, 0, late)
	e.Dispatch("connect", nil)
	require.Equal(t, 1, late)
}

func TestEmitterIgnoresNilListener(t *testing.T) {
	e := NewEmitter()
	require.Equal(t, ListenerID(0), e.On("x", nil))
	require.Equal(t, 0, e.Total())
}
