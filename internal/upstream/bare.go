package upstream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flitsinc/go-relay/internal/idgen"
)

// Bare speaks the flat {type, ...fields} gateway protocol.
type Bare struct {
	ClientID string
}

type bareFrame struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	Text     string `json:"text,omitempty"`
	Token    string `json:"token,omitempty"`
	Nonce    string `json:"nonce,omitempty"`
	Response string `json:"response,omitempty"`
	ClientID string `json:"clientId,omitempty"`
	OK       *bool  `json:"ok,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (p *Bare) Name() string { return "bare" }

// Handshake: with a signer the server sends {type:"challenge",nonce} first;
// with only a token the client authenticates straight away; with neither the
// connection is usable as soon as it is open.
func (p *Bare) Handshake(ctx context.Context, conn Conn, creds Credentials, step func(State)) error {
	auth := bareFrame{Type: "auth", ClientID: p.ClientID}
	switch {
	case creds.Signer != nil:
		step(AwaitingChallenge)
		var nonce string
		err := readUntil(ctx, conn, func(raw []byte) (bool, error) {
			var f bareFrame
			if json.Unmarshal(raw, &f) != nil || f.Type != "challenge" {
				return false, nil
			}
			if f.Nonce == "" {
				return false, fmt.Errorf("%w: challenge without nonce", ErrProtocol)
			}
			nonce = f.Nonce
			return true, nil
		})
		if err != nil {
			return fmt.Errorf("%w: await challenge: %v", ErrTransport, err)
		}
		auth.Response = creds.Signer.Sign(nonce)
		auth.Token = creds.Token
	case creds.Token != "":
		auth.Token = creds.Token
	default:
		return nil
	}

	data, err := json.Marshal(auth)
	if err != nil {
		return fmt.Errorf("encode auth: %w", err)
	}
	if err := conn.Write(ctx, data); err != nil {
		return fmt.Errorf("%w: send auth: %v", ErrTransport, err)
	}
	step(Authenticating)

	var rejected string
	err = readUntil(ctx, conn, func(raw []byte) (bool, error) {
		var f bareFrame
		if json.Unmarshal(raw, &f) != nil {
			return false, nil
		}
		switch f.Type {
		case "auth_ok":
			return true, nil
		case "auth_error":
			rejected = f.Error
			if rejected == "" {
				rejected = "rejected"
			}
			return true, nil
		case "auth":
			if f.OK == nil {
				return false, nil
			}
			if !*f.OK {
				rejected = f.Error
				if rejected == "" {
					rejected = "rejected"
				}
			}
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("%w: await auth result: %v", ErrTransport, err)
	}
	if rejected != "" {
		return fmt.Errorf("%w: %s", ErrAuth, rejected)
	}
	return nil
}

func (p *Bare) EncodeChat(text string) ([]byte, string, error) {
	data, err := json.Marshal(bareFrame{Type: "chat", ID: idgen.MessageID(idgen.LocalPrefix), Text: text})
	if err != nil {
		return nil, "", fmt.Errorf("encode chat: %w", err)
	}
	return data, "", nil
}

func (p *Bare) EncodePing() ([]byte, error) {
	return json.Marshal(bareFrame{Type: "ping"})
}

func (p *Bare) Decode(frame []byte) (Inbound, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &head); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	switch head.Type {
	case "":
		return Inbound{}, fmt.Errorf("%w: frame without type", ErrProtocol)
	case "pong", "ping":
		return Inbound{Kind: InboundLiveness}, nil
	}
	payload := make(json.RawMessage, len(frame))
	copy(payload, frame)
	return Inbound{Kind: InboundEvent, Envelope: Envelope{Variant: "bare", Type: head.Type, Payload: payload}}, nil
}
