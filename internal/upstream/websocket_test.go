package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// TestLinkOverWebSocket runs the bare protocol against a real websocket
// gateway: token auth, an outbound chat frame and an inbound event.
func TestLinkOverWebSocket(t *testing.T) {
	received := make(chan map[string]any, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()

		var auth map[string]any
		_, data, err := c.Read(ctx)
		if err != nil || json.Unmarshal(data, &auth) != nil || auth["token"] != "tok" {
			_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"auth_error","error":"bad token"}`))
			return
		}
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"auth_ok"}`))

		_, data, err = c.Read(ctx)
		if err != nil {
			return
		}
		var chat map[string]any
		if json.Unmarshal(data, &chat) == nil {
			received <- chat
		}
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"chat","id":"agent_1","text":"pong from agent"}`))
		<-ctx.Done()
	}))
	defer srv.Close()

	status := newStatusRecorder()
	link := NewLink(LinkConfig{
		Dialer:      &WebSocketDialer{URL: "ws" + strings.TrimPrefix(srv.URL, "http")},
		Protocol:    &Bare{},
		Credentials: Credentials{Token: "tok"},
		Logger:      zerolog.Nop(),
		OnStatus:    status.record,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan Envelope, 4)
	go func() { _ = link.Run(ctx, func(env Envelope) { events <- env }) }()

	status.await(t, true)
	require.NoError(t, link.Send(ctx, "ping from ui"))

	select {
	case chat := <-received:
		require.Equal(t, "chat", chat["type"])
		require.Equal(t, "ping from ui", chat["text"])
	case <-time.After(2 * time.Second):
		t.Fatalf("gateway did not receive chat frame")
	}

	select {
	case env := <-events:
		require.Equal(t, "bare", env.Variant)
		require.Equal(t, "chat", env.Type)
		require.Contains(t, string(env.Payload), "pong from agent")
	case <-time.After(2 * time.Second):
		t.Fatalf("inbound event not delivered")
	}
}
