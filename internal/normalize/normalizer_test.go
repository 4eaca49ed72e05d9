package normalize

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/flitsinc/go-relay/internal/chat"
	"github.com/flitsinc/go-relay/internal/upstream"
)

func rpcEvent(t *testing.T, event string, payload any) upstream.Envelope {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return upstream.Envelope{Variant: "rpc", Type: "event", Event: event, Payload: data}
}

func bareFrame(t *testing.T, variant string, frame map[string]any) upstream.Envelope {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	typ, _ := frame["type"].(string)
	return upstream.Envelope{Variant: variant, Type: typ, Payload: data}
}

func chatPayload(runID, state string, content any) map[string]any {
	return map[string]any{
		"runId":      runID,
		"sessionKey": "main",
		"state":      state,
		"message":    map[string]any{"role": "assistant", "content": content},
	}
}

func TestRPCStreamLifecycle(t *testing.T) {
	n := New("main", zerolog.Nop())

	res := n.Normalize(rpcEvent(t, "chat", chatPayload("run-1", "delta", "Hel")))
	require.Equal(t, Delta, res.Kind)
	require.Equal(t, "run-1", res.CorrelationID)
	require.Equal(t, "Hel", res.Text)
	require.False(t, res.Complete)
	require.False(t, res.Incremental)

	res = n.Normalize(rpcEvent(t, "chat", chatPayload("run-1", "delta", []map[string]any{
		{"type": "text", "text": "Hello"},
		{"type": "image", "text": "ignored"},
		{"type": "text", "text": " there"},
	})))
	require.Equal(t, "Hello there", res.Text)

	res = n.Normalize(rpcEvent(t, "chat", chatPayload("run-1", "final", "Hello there!")))
	require.Equal(t, Delta, res.Kind)
	require.True(t, res.Complete)
	require.False(t, res.Anomaly)
	require.Equal(t, "Hello there!", res.Text)
}

func TestRPCSecondTerminalIsAnomaly(t *testing.T) {
	n := New("", zerolog.Nop())
	n.Normalize(rpcEvent(t, "chat", chatPayload("r", "final", "one")))

	res := n.Normalize(rpcEvent(t, "chat", chatPayload("r", "final", "two")))
	require.Equal(t, Delta, res.Kind)
	require.True(t, res.Anomaly)
	require.True(t, res.Complete)
	require.Equal(t, "two", res.Text)

	res = n.Normalize(rpcEvent(t, "chat", chatPayload("r", "final", "")))
	require.Equal(t, Drop, res.Kind)
	require.ErrorIs(t, res.Err, ErrProtocolAnomaly)
}

func TestRPCFinalWithoutContentKeepsText(t *testing.T) {
	n := New("", zerolog.Nop())
	n.Normalize(rpcEvent(t, "chat", chatPayload("r", "delta", "partial")))

	res := n.Normalize(rpcEvent(t, "chat", map[string]any{"runId": "r", "state": "final"}))
	require.Equal(t, Delta, res.Kind)
	require.True(t, res.Complete)
	require.True(t, res.Incremental)
	require.Empty(t, res.Text)

	res = n.Normalize(rpcEvent(t, "chat", map[string]any{"runId": "never-opened", "state": "aborted"}))
	require.Equal(t, Drop, res.Kind)
	require.NoError(t, res.Err)
}

func TestRPCErrorState(t *testing.T) {
	n := New("", zerolog.Nop())
	n.Normalize(rpcEvent(t, "chat", chatPayload("r", "delta", "thinking")))

	res := n.Normalize(rpcEvent(t, "chat", map[string]any{"runId": "r", "state": "error", "errorMessage": "rate limited"}))
	require.Equal(t, Delta, res.Kind)
	require.True(t, res.Complete)
	require.Equal(t, "rate limited", res.Error)

	res = n.Normalize(rpcEvent(t, "chat", map[string]any{"runId": "other", "state": "error"}))
	require.Equal(t, Control, res.Kind)
	require.Equal(t, ControlError, res.Control)
	require.Equal(t, "agent run failed", res.Error)
}

func TestRPCFilters(t *testing.T) {
	n := New("main", zerolog.Nop())

	other := chatPayload("r", "delta", "x")
	other["sessionKey"] = "side"
	require.Equal(t, Drop, n.Normalize(rpcEvent(t, "chat", other)).Kind)

	echo := map[string]any{"runId": "r2", "sessionKey": "main", "state": "final",
		"message": map[string]any{"role": "user", "content": "my own words"}}
	require.Equal(t, Drop, n.Normalize(rpcEvent(t, "chat", echo)).Kind)

	for _, ev := range []string{"tick", "health", "presence", "agent"} {
		res := n.Normalize(rpcEvent(t, ev, map[string]any{}))
		require.Equal(t, Drop, res.Kind, ev)
		require.NoError(t, res.Err, ev)
	}

	res := n.Normalize(rpcEvent(t, "cron.fired", map[string]any{}))
	require.Equal(t, Drop, res.Kind)
	require.ErrorIs(t, res.Err, ErrProtocolAnomaly)

	res = n.Normalize(upstream.Envelope{Variant: "rpc", Event: "chat", Payload: json.RawMessage(`[1,2]`)})
	require.ErrorIs(t, res.Err, ErrProtocolAnomaly)
}

func TestBareDiscreteMessage(t *testing.T) {
	n := New("", zerolog.Nop())

	res := n.Normalize(bareFrame(t, "bare", map[string]any{"type": "chat", "id": "agent_42", "text": "hi"}))
	require.Equal(t, Message, res.Kind)
	require.Equal(t, "agent_42", res.Message.ID)
	require.Equal(t, "hi", res.Message.Text)
	require.Equal(t, chat.OriginRemote, res.Message.Origin)
	require.True(t, res.Message.Complete)

	res = n.Normalize(bareFrame(t, "inbox", map[string]any{"type": "chat_message", "id": "bad id with spaces", "content": "yo"}))
	require.Equal(t, Message, res.Kind)
	require.Empty(t, res.Message.ID)
	require.Equal(t, "yo", res.Message.Text)

	res = n.Normalize(bareFrame(t, "bare", map[string]any{"type": "chat", "message": map[string]any{"role": "assistant", "content": "nested"}}))
	require.Equal(t, "nested", res.Message.Text)

	res = n.Normalize(bareFrame(t, "bare", map[string]any{"type": "chat", "text": ""}))
	require.Equal(t, Drop, res.Kind)

	res = n.Normalize(bareFrame(t, "bare", map[string]any{"type": "chat", "role": "user", "text": "echo"}))
	require.Equal(t, Drop, res.Kind)
}

func TestBareStreaming(t *testing.T) {
	n := New("", zerolog.Nop())

	res := n.Normalize(bareFrame(t, "bare", map[string]any{"type": "chat", "streamId": "s1", "delta": "Hel"}))
	require.Equal(t, Delta, res.Kind)
	require.Equal(t, "s1", res.CorrelationID)
	require.True(t, res.Incremental)
	require.False(t, res.Complete)

	res = n.Normalize(bareFrame(t, "bare", map[string]any{"type": "chat", "correlationId": "s1", "text": "Hello", "done": true}))
	require.Equal(t, Delta, res.Kind)
	require.False(t, res.Incremental)
	require.True(t, res.Complete)

	res = n.Normalize(bareFrame(t, "bare", map[string]any{"type": "chat", "runId": "s2", "text": "part", "final": false}))
	require.False(t, res.Complete)

	res = n.Normalize(bareFrame(t, "bare", map[string]any{"type": "chat", "text": "orphan", "complete": false}))
	require.ErrorIs(t, res.Err, ErrProtocolAnomaly)
}

func TestBareControls(t *testing.T) {
	n := New("", zerolog.Nop())

	res := n.Normalize(bareFrame(t, "bare", map[string]any{"type": "typing", "active": false}))
	require.Equal(t, Control, res.Kind)
	require.Equal(t, ControlTyping, res.Control)
	require.False(t, res.Active)

	res = n.Normalize(bareFrame(t, "bare", map[string]any{"type": "typing"}))
	require.True(t, res.Active)

	res = n.Normalize(bareFrame(t, "bare", map[string]any{"type": "ack", "id": "me_1"}))
	require.Equal(t, ControlAck, res.Control)
	require.Equal(t, "me_1", res.AckID)

	res = n.Normalize(bareFrame(t, "bare", map[string]any{"type": "status", "connected": true}))
	require.Equal(t, ControlStatus, res.Control)
	require.True(t, res.Connected)

	res = n.Normalize(bareFrame(t, "bare", map[string]any{"type": "status"}))
	require.ErrorIs(t, res.Err, ErrProtocolAnomaly)

	res = n.Normalize(bareFrame(t, "bare", map[string]any{"type": "error", "error": "quota"}))
	require.Equal(t, ControlError, res.Control)
	require.Equal(t, "quota", res.Error)

	res = n.Normalize(bareFrame(t, "bare", map[string]any{"type": "pong"}))
	require.Equal(t, Drop, res.Kind)
	require.NoError(t, res.Err)

	res = n.Normalize(bareFrame(t, "bare", map[string]any{"type": "weather"}))
	require.ErrorIs(t, res.Err, ErrProtocolAnomaly)
}

func TestTerminalTrackingIsBounded(t *testing.T) {
	n := New("", zerolog.Nop())
	n.limit = 2
	for _, id := range []string{"a", "b", "c"} {
		n.Normalize(bareFrame(t, "bare", map[string]any{"type": "chat", "streamId": id, "text": "x", "done": true}))
	}
	require.Len(t, n.terminal, 2)
	_, hasA := n.terminal["a"]
	require.False(t, hasA)

	res := n.Normalize(bareFrame(t, "bare", map[string]any{"type": "chat", "streamId": "c", "text": "again", "done": true}))
	require.True(t, res.Anomaly)
}

func TestDeltaAfterFinalIsDropped(t *testing.T) {
	n := New("", zerolog.Nop())
	n.Normalize(rpcEvent(t, "chat", chatPayload("r", "delta", "Hel")))
	n.Normalize(rpcEvent(t, "chat", chatPayload("r", "final", "Hello")))

	res := n.Normalize(rpcEvent(t, "chat", chatPayload("r", "delta", "Hello wor")))
	require.Equal(t, Drop, res.Kind)
	require.ErrorIs(t, res.Err, ErrProtocolAnomaly)
	require.NotContains(t, n.open, "r")

	res = n.Normalize(bareFrame(t, "bare", map[string]any{"type": "chat", "streamId": "r", "delta": "more"}))
	require.Equal(t, Drop, res.Kind)
	require.NotContains(t, n.open, "r")
}

func TestForgetDropsOpenStreams(t *testing.T) {
	n := New("", zerolog.Nop())
	n.Normalize(rpcEvent(t, "chat", chatPayload("r", "delta", "partial")))
	n.Forget()
	require.Empty(t, n.open)

	res := n.Normalize(rpcEvent(t, "chat", map[string]any{"runId": "r", "state": "final"}))
	require.Equal(t, Drop, res.Kind)
	require.NoError(t, res.Err)
}

func TestOpenTrackingIsBounded(t *testing.T) {
	n := New("", zerolog.Nop())
	n.limit = 2
	for _, id := range []string{"a", "b", "c"} {
		n.Normalize(bareFrame(t, "bare", map[string]any{"type": "chat", "streamId": id, "text": "x"}))
	}
	require.Len(t, n.open, 2)
	require.NotContains(t, n.open, "a")

	// A later update refreshes "b" so "c" is the next to go.
	n.Normalize(bareFrame(t, "bare", map[string]any{"type": "chat", "streamId": "b", "text": "xy"}))
	n.Normalize(bareFrame(t, "bare", map[string]any{"type": "chat", "streamId": "d", "text": "x"}))
	require.Contains(t, n.open, "b")
	require.Contains(t, n.open, "d")
	require.NotContains(t, n.open, "c")
}
