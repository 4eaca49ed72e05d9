package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"

	"github.com/flitsinc/go-relay/internal/eventbus"
	"github.com/flitsinc/go-relay/internal/relay"
)

const clientReadLimit = 64 << 10

// wsSubscriber adapts a downstream websocket to the subscriber registry.
type wsSubscriber struct {
	conn *websocket.Conn
}

func (s *wsSubscriber) Send(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsSubscriber) Close(reason string) error {
	status := websocket.StatusNormalClosure
	switch reason {
	case "queue full":
		status = websocket.StatusPolicyViolation
	case "shutting down":
		status = websocket.StatusGoingAway
	case "send failed":
		return s.conn.CloseNow()
	}
	return s.conn.Close(status, reason)
}

type clientFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	patterns, allowAll := originPatterns(s.AllowedOrigins)
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     patterns,
		InsecureSkipVerify: allowAll,
	})
	if err != nil {
		s.Logger.Debug().Err(err).Msg("websocket accept")
		return
	}
	conn.SetReadLimit(clientReadLimit)

	id := s.Relay.Attach(&wsSubscriber{conn: conn})
	defer s.Relay.Detach(id)

	log := s.Logger.With().Str("subscriber", id).Logger()
	log.Info().Str("remote_addr", r.RemoteAddr).Msg("chat client connected")
	err = s.readClientFrames(r.Context(), conn, id)
	log.Info().Err(err).Msg("chat client disconnected")
}

// readClientFrames handles one client's frames strictly in arrival order
// until the connection closes.
func (s *Server) readClientFrames(ctx context.Context, conn *websocket.Conn, id string) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return nil
			}
			return err
		}
		if typ != websocket.MessageText {
			s.Relay.Reply(id, eventbus.ErrorEvent("binary frames are not supported"))
			continue
		}
		s.handleClientFrame(ctx, id, data)
	}
}

func (s *Server) handleClientFrame(ctx context.Context, id string, data []byte) {
	var f clientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		s.Relay.Reply(id, eventbus.ErrorEvent("invalid frame"))
		return
	}
	switch f.Type {
	case "send":
		_, err := s.Relay.HandleOutbound(context.WithoutCancel(ctx), f.Text, id)
		if errors.Is(err, relay.ErrInvalidInput) {
			s.Relay.Reply(id, eventbus.ErrorEvent("Empty message"))
		}
	case "ping":
		s.Relay.Reply(id, eventbus.PongEvent())
	case "clear":
		s.Relay.Clear(ctx)
	case "history":
		snap := s.Relay.History()
		s.Relay.Reply(id, eventbus.HistoryEvent(snap.Messages, s.Relay.GatewayConnected()))
	default:
		s.Relay.Reply(id, eventbus.ErrorEvent("unknown frame type "+f.Type))
	}
}
