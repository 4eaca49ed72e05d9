package eventbus

import (
	"encoding/json"

	"github.com/flitsinc/go-relay/internal/chat"
)

// Downstream frame types.
const (
	TypeInit          = "init"
	TypeHistory       = "history"
	TypeMessage       = "message"
	TypeMessageUpdate = "message_update"
	TypeTyping        = "typing"
	TypeError         = "error"
	TypePong          = "pong"
	TypeClear         = "clear"
	TypeGatewayStatus = "gateway_status"
	TypeAck           = "ack"
)

// Event is one JSON frame sent to downstream subscribers.
type Event struct {
	Type             string         `json:"type"`
	Messages         []chat.Message `json:"messages,omitempty"`
	GatewayConnected *bool          `json:"gatewayConnected,omitempty"`
	Message          *chat.Message  `json:"message,omitempty"`
	Active           *bool          `json:"active,omitempty"`
	Connected        *bool          `json:"connected,omitempty"`
	Error            string         `json:"error,omitempty"`
	ID               string         `json:"id,omitempty"`
}

// MarshalJSON always emits a messages list for init/history frames, even when
// the history is empty.
func (e Event) MarshalJSON() ([]byte, error) {
	type wire Event
	if e.Type != TypeInit && e.Type != TypeHistory {
		return json.Marshal(wire(e))
	}
	msgs := e.Messages
	if msgs == nil {
		msgs = []chat.Message{}
	}
	return json.Marshal(struct {
		wire
		Messages []chat.Message `json:"messages"`
	}{wire: wire(e), Messages: msgs})
}

func InitEvent(msgs []chat.Message, gatewayConnected bool) Event {
	return Event{Type: TypeInit, Messages: msgs, GatewayConnected: &gatewayConnected}
}

func HistoryEvent(msgs []chat.Message, gatewayConnected bool) Event {
	return Event{Type: TypeHistory, Messages: msgs, GatewayConnected: &gatewayConnected}
}

func MessageEvent(m chat.Message) Event {
	return Event{Type: TypeMessage, Message: &m}
}

func MessageUpdateEvent(m chat.Message) Event {
	return Event{Type: TypeMessageUpdate, Message: &m}
}

func TypingEvent(active bool) Event {
	return Event{Type: TypeTyping, Active: &active}
}

func ErrorEvent(msg string) Event {
	return Event{Type: TypeError, Error: msg}
}

func PongEvent() Event { return Event{Type: TypePong} }

func ClearEvent() Event { return Event{Type: TypeClear} }

func GatewayStatusEvent(connected bool) Event {
	return Event{Type: TypeGatewayStatus, Connected: &connected}
}

func AckEvent(id string) Event {
	return Event{Type: TypeAck, ID: id}
}
