package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/flitsinc/go-relay/internal/idgen"
)

const rpcProtocolVersion = 3

// RPC speaks the request/response gateway protocol:
// {type:"req",id,method,params}, {type:"res",id,ok,payload|result|error} and
// unsolicited {type:"event",event,payload}.
type RPC struct {
	ClientID   string
	Version    string
	SessionKey string
	Scopes     []string
}

type rpcFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   string          `json:"event,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// UnmarshalJSON accepts both {"code","message"} objects and bare strings.
func (e *rpcError) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.Message = s
		return nil
	}
	type plain rpcError
	return json.Unmarshal(data, (*plain)(e))
}

func (e *rpcError) String() string {
	if e.Code != "" && e.Message != "" {
		return e.Code + ": " + e.Message
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

type rpcConnectParams struct {
	MinProtocol int              `json:"minProtocol"`
	MaxProtocol int              `json:"maxProtocol"`
	Client      rpcConnectClient `json:"client"`
	Role        string           `json:"role"`
	Scopes      []string         `json:"scopes"`
	Auth        *rpcConnectAuth  `json:"auth,omitempty"`
}

type rpcConnectClient struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

type rpcConnectAuth struct {
	Token     string `json:"token,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
	Signature string `json:"signature,omitempty"`
	Algorithm string `json:"algorithm,omitempty"`
}

type rpcChatParams struct {
	SessionKey     string `json:"sessionKey,omitempty"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (p *RPC) Name() string { return "rpc" }

func (p *RPC) Handshake(ctx context.Context, conn Conn, creds Credentials, step func(State)) error {
	step(AwaitingChallenge)
	var nonce string
	err := readUntil(ctx, conn, func(raw []byte) (bool, error) {
		var f rpcFrame
		if json.Unmarshal(raw, &f) != nil {
			return false, nil
		}
		if f.Type != "event" || f.Event != "connect.challenge" {
			return false, nil
		}
		var challenge struct {
			Nonce string `json:"nonce"`
		}
		if err := json.Unmarshal(f.Payload, &challenge); err != nil {
			return false, fmt.Errorf("%w: decode challenge: %v", ErrProtocol, err)
		}
		nonce = challenge.Nonce
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("%w: await challenge: %v", ErrTransport, err)
	}

	params := rpcConnectParams{
		MinProtocol: rpcProtocolVersion,
		MaxProtocol: rpcProtocolVersion,
		Client: rpcConnectClient{
			ID:       p.ClientID,
			Version:  p.version(),
			Platform: runtime.GOOS,
			Mode:     "backend",
		},
		Role:   "operator",
		Scopes: p.scopes(),
	}
	auth := &rpcConnectAuth{Token: creds.Token}
	if creds.Signer != nil {
		if nonce == "" {
			return fmt.Errorf("%w: challenge without nonce", ErrProtocol)
		}
		auth.Nonce = nonce
		auth.Signature = creds.Signer.Sign(nonce)
		auth.Algorithm = creds.Signer.Algorithm()
	}
	if auth.Token != "" || auth.Signature != "" {
		params.Auth = auth
	}

	reqID := idgen.New()
	data, err := json.Marshal(rpcFrame{Type: "req", ID: reqID, Method: "connect", Params: params})
	if err != nil {
		return fmt.Errorf("encode connect: %w", err)
	}
	if err := conn.Write(ctx, data); err != nil {
		return fmt.Errorf("%w: send connect: %v", ErrTransport, err)
	}
	step(Authenticating)

	var rejected error
	err = readUntil(ctx, conn, func(raw []byte) (bool, error) {
		var f rpcFrame
		if json.Unmarshal(raw, &f) != nil || f.Type != "res" || f.ID != reqID {
			return false, nil
		}
		if err := responseError(f); err != nil {
			rejected = err
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("%w: await connect response: %v", ErrTransport, err)
	}
	if rejected != nil {
		return fmt.Errorf("%w: %v", ErrAuth, rejected)
	}
	return nil
}

func (p *RPC) EncodeChat(text string) ([]byte, string, error) {
	reqID := idgen.New()
	data, err := json.Marshal(rpcFrame{
		Type:   "req",
		ID:     reqID,
		Method: "chat.send",
		Params: rpcChatParams{SessionKey: p.SessionKey, Message: text, IdempotencyKey: idgen.New()},
	})
	if err != nil {
		return nil, "", fmt.Errorf("encode chat.send: %w", err)
	}
	return data, reqID, nil
}

func (p *RPC) EncodePing() ([]byte, error) {
	return json.Marshal(rpcFrame{Type: "req", ID: idgen.New(), Method: "health"})
}

func (p *RPC) Decode(frame []byte) (Inbound, error) {
	var f rpcFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	switch f.Type {
	case "res":
		return Inbound{Kind: InboundResponse, ID: f.ID, Err: responseError(f)}, nil
	case "event":
		if f.Event == "" {
			return Inbound{}, fmt.Errorf("%w: event without name", ErrProtocol)
		}
		if f.Event == "tick" {
			return Inbound{Kind: InboundLiveness}, nil
		}
		return Inbound{Kind: InboundEvent, Envelope: Envelope{
			Variant: "rpc",
			Type:    "event",
			Event:   f.Event,
			Payload: f.Payload,
		}}, nil
	default:
		return Inbound{}, fmt.Errorf("%w: unexpected frame type %q", ErrProtocol, f.Type)
	}
}

func (p *RPC) version() string {
	if p.Version != "" {
		return p.Version
	}
	return "relayd/1.0"
}

func (p *RPC) scopes() []string {
	if len(p.Scopes) > 0 {
		return p.Scopes
	}
	return []string{"operator.write"}
}

func responseError(f rpcFrame) error {
	if f.Error != nil {
		return fmt.Errorf("%w: %s", ErrRejected, f.Error.String())
	}
	if f.OK != nil && !*f.OK {
		return ErrRejected
	}
	return nil
}
