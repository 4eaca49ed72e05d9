package upstream

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func appendFile(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestInboxSkipsExistingLinesByDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbox.jsonl")
	appendFile(t, path, `{"type":"chat","text":"old"}`+"\n")

	in := &Inbox{Path: path, Logger: zerolog.Nop()}
	var got []Envelope
	handle := func(env Envelope) { got = append(got, env) }

	require.NoError(t, in.poll(handle))
	require.Empty(t, got)

	appendFile(t, path, `{"type":"chat","text":"new"}`+"\n")
	require.NoError(t, in.poll(handle))
	require.Len(t, got, 1)
	require.Equal(t, "inbox", got[0].Variant)
	require.Equal(t, "chat", got[0].Type)
	require.JSONEq(t, `{"type":"chat","text":"new"}`, string(got[0].Payload))
}

func TestInboxPartialLinesAndTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbox.jsonl")
	in := &Inbox{Path: path, FromStart: true, Logger: zerolog.Nop()}
	var got []string
	handle := func(env Envelope) { got = append(got, string(env.Payload)) }

	// Missing file is not an error.
	require.NoError(t, in.poll(handle))

	appendFile(t, path, `{"type":"chat","text":"a"}`+"\n"+`{"type":"chat",`)
	require.NoError(t, in.poll(handle))
	require.Len(t, got, 1)

	appendFile(t, path, `"text":"b"}`+"\nnot json\n\n"+`{"text":"untyped"}`+"\n")
	require.NoError(t, in.poll(handle))
	require.Len(t, got, 2)
	require.JSONEq(t, `{"type":"chat","text":"b"}`, got[1])

	require.NoError(t, os.WriteFile(path, []byte(`{"type":"typing","active":true}`+"\n"), 0o644))
	require.NoError(t, in.poll(handle))
	require.Len(t, got, 3)
	require.JSONEq(t, `{"type":"typing","active":true}`, got[2])
}

func TestInboxRunStopsOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbox.jsonl")
	appendFile(t, path, `{"type":"chat","text":"hello"}`+"\n")
	in := &Inbox{Path: path, Interval: 5 * time.Millisecond, FromStart: true, Logger: zerolog.Nop()}

	ctx, cancel := context.WithCancel(context.Background())
	seen := make(chan Envelope, 1)
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx, func(env Envelope) { seen <- env }) }()

	select {
	case env := <-seen:
		require.Equal(t, "chat", env.Type)
	case <-time.After(2 * time.Second):
		t.Fatalf("inbox line not delivered")
	}
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
