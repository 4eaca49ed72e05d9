package normalize

import (
	"errors"

	"github.com/flitsinc/go-relay/internal/chat"
)

// ErrProtocolAnomaly marks an upstream event the normalizer could not make
// sense of. It is logged and counted, never propagated downstream.
var ErrProtocolAnomaly = errors.New("protocol anomaly")

type Kind int

const (
	// Drop means nothing is stored or broadcast.
	Drop Kind = iota
	// Message is a discrete, complete remote message.
	Message
	// Delta is a streaming update for Result.CorrelationID.
	Delta
	// Control is broadcast without touching the store.
	Control
)

func (k Kind) String() string {
	switch k {
	case Message:
		return "message"
	case Delta:
		return "delta"
	case Control:
		return "control"
	default:
		return "drop"
	}
}

type ControlKind int

const (
	ControlTyping ControlKind = iota + 1
	ControlAck
	ControlStatus
	ControlError
)

func (c ControlKind) String() string {
	switch c {
	case ControlTyping:
		return "typing"
	case ControlAck:
		return "ack"
	case ControlStatus:
		return "status"
	case ControlError:
		return "error"
	default:
		return "none"
	}
}

// Result is the outcome of normalizing one upstream envelope. Which fields
// are meaningful depends on Kind.
type Result struct {
	Kind Kind

	// Message: ID is the upstream id when it is usable for idempotency,
	// empty otherwise. Origin is always remote.
	Message chat.Message

	// Delta.
	CorrelationID string
	Text          string
	Complete      bool
	Incremental   bool
	// Anomaly is set when a terminal update arrives for a correlation id that
	// was already terminated. The update is still applied as a new message.
	Anomaly bool

	// Control.
	Control   ControlKind
	Active    bool
	Connected bool
	AckID     string
	// Error is the upstream error text. It may accompany a terminal Delta
	// when a stream ends in failure.
	Error string

	// Drop.
	Reason string
	Err    error
}

func dropped(reason string) Result {
	return Result{Kind: Drop, Reason: reason}
}

func anomaly(reason string) Result {
	return Result{Kind: Drop, Reason: reason, Err: ErrProtocolAnomaly}
}
