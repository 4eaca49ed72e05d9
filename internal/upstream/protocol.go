package upstream

import (
	"context"
	"encoding/json"
)

// Envelope is an inbound gateway event handed to the normalizer unchanged.
type Envelope struct {
	// Variant is "rpc", "bare" or "inbox".
	Variant string
	// Type is the frame type; for rpc frames it is always "event".
	Type string
	// Event is the rpc event name.
	Event string
	// Payload is the rpc event payload, or the whole frame for bare and inbox.
	Payload json.RawMessage
}

type InboundKind int

const (
	InboundEvent InboundKind = iota
	InboundResponse
	InboundLiveness
)

type Inbound struct {
	Kind     InboundKind
	Envelope Envelope
	// ID and Err are set for responses.
	ID  string
	Err error
}

type Credentials struct {
	Token  string
	Signer Signer
}

// Protocol is one wire variant of the gateway protocol.
type Protocol interface {
	Name() string
	// Handshake authenticates a freshly dialed connection, reporting the
	// intermediate states it passes through.
	Handshake(ctx context.Context, conn Conn, creds Credentials, step func(State)) error
	// EncodeChat builds an outbound chat frame. A non-empty request id means
	// the gateway answers with a correlated response.
	EncodeChat(text string) (frame []byte, requestID string, err error)
	EncodePing() ([]byte, error)
	Decode(frame []byte) (Inbound, error)
}

// readUntil reads frames until match accepts one. Frames it rejects are
// discarded; a decode error on a frame is not fatal.
func readUntil(ctx context.Context, conn Conn, match func(raw []byte) (bool, error)) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		ok, err := match(data)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
}
