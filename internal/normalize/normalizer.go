package normalize

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/flitsinc/go-relay/internal/chat"
	"github.com/flitsinc/go-relay/internal/idgen"
	"github.com/flitsinc/go-relay/internal/upstream"
)

const defaultTrackLimit = 1024

// Normalizer maps upstream envelopes onto store operations and control
// events. It remembers which correlation ids are open or already terminated
// so out-of-sequence updates can be recognised.
type Normalizer struct {
	sessionKey string
	log        zerolog.Logger

	mu    sync.Mutex
	limit int
	// open maps each streaming correlation id to the sequence number of its
	// latest update; the least recently updated is evicted beyond limit.
	open     map[string]uint64
	seq      uint64
	terminal map[string]struct{}
	order    []string
}

// New returns a Normalizer. A non-empty sessionKey drops rpc chat events that
// belong to other sessions.
func New(sessionKey string, logger zerolog.Logger) *Normalizer {
	return &Normalizer{
		sessionKey: sessionKey,
		log:        logger,
		limit:      defaultTrackLimit,
		open:       map[string]uint64{},
		terminal:   map[string]struct{}{},
	}
}

func (n *Normalizer) Normalize(env upstream.Envelope) Result {
	var res Result
	switch env.Variant {
	case "rpc":
		res = n.rpc(env)
	default:
		res = n.bare(env)
	}
	n.observe(env, res)
	return res
}

func (n *Normalizer) observe(env upstream.Envelope, res Result) {
	name := env.Type
	if env.Event != "" {
		name = env.Event
	}
	switch {
	case res.Err != nil:
		n.log.Warn().Err(res.Err).Str("variant", env.Variant).Str("event", name).Str("reason", res.Reason).Msg("dropping upstream event")
	case res.Kind == Drop:
		n.log.Debug().Str("variant", env.Variant).Str("event", name).Str("reason", res.Reason).Msg("ignoring upstream event")
	case res.Anomaly:
		n.log.Warn().Str("correlation_id", res.CorrelationID).Msg("update for terminated stream, starting new message")
	}
}

type rpcChatPayload struct {
	RunID        string          `json:"runId"`
	SessionKey   string          `json:"sessionKey"`
	State        string          `json:"state"`
	Message      json.RawMessage `json:"message"`
	ErrorMessage string          `json:"errorMessage"`
}

func (n *Normalizer) rpc(env upstream.Envelope) Result {
	switch env.Event {
	case "chat":
	case "tick", "health", "presence", "agent", "heartbeat", "connect.challenge":
		return dropped("housekeeping event")
	default:
		return anomaly("unknown rpc event")
	}

	var p rpcChatPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return anomaly("malformed chat payload")
	}
	if n.sessionKey != "" && p.SessionKey != "" && p.SessionKey != n.sessionKey {
		return dropped("other session")
	}
	role, text := textOf(p.Message)
	if role == "user" {
		return dropped("user echo")
	}
	if p.RunID == "" {
		if p.State != "" && p.State != "final" {
			return anomaly("stream update without run id")
		}
		if text == "" {
			return dropped("empty message")
		}
		return Result{Kind: Message, Message: remote("", text)}
	}

	switch p.State {
	case "delta", "":
		return n.delta(p.RunID, text, false, false)
	case "final", "aborted":
		return n.delta(p.RunID, text, true, false)
	case "error":
		msg := p.ErrorMessage
		if msg == "" {
			msg = "agent run failed"
		}
		if n.isOpen(p.RunID) {
			res := n.delta(p.RunID, "", true, true)
			res.Error = msg
			return res
		}
		return Result{Kind: Control, Control: ControlError, Error: msg}
	default:
		return anomaly("unknown chat state " + p.State)
	}
}

// bareFields covers the field spellings seen across bare gateway variants
// and inbox files.
type bareFields struct {
	ID            string          `json:"id"`
	Text          json.RawMessage `json:"text"`
	Content       json.RawMessage `json:"content"`
	Message       json.RawMessage `json:"message"`
	Delta         json.RawMessage `json:"delta"`
	Role          string          `json:"role"`
	CorrelationID string          `json:"correlationId"`
	StreamID      string          `json:"streamId"`
	RunID         string          `json:"runId"`
	Final         *bool           `json:"final"`
	Complete      *bool           `json:"complete"`
	Done          *bool           `json:"done"`
	Active        *bool           `json:"active"`
	Connected     *bool           `json:"connected"`
	Error         string          `json:"error"`
}

func (n *Normalizer) bare(env upstream.Envelope) Result {
	switch env.Type {
	case "chat", "chat_message", "message", "typing", "ack", "status", "error":
	case "pong", "ping", "auth_ok", "auth", "challenge", "heartbeat":
		return dropped("housekeeping frame")
	default:
		return anomaly("unknown frame type")
	}

	var f bareFields
	if err := json.Unmarshal(env.Payload, &f); err != nil {
		return anomaly("malformed frame")
	}

	switch env.Type {
	case "typing":
		active := true
		if f.Active != nil {
			active = *f.Active
		}
		return Result{Kind: Control, Control: ControlTyping, Active: active}
	case "ack":
		return Result{Kind: Control, Control: ControlAck, AckID: f.ID}
	case "status":
		if f.Connected == nil {
			return anomaly("status without connected flag")
		}
		return Result{Kind: Control, Control: ControlStatus, Connected: *f.Connected}
	case "error":
		msg := f.Error
		if msg == "" {
			_, msg = textOf(f.Message)
		}
		if msg == "" {
			msg = "upstream error"
		}
		return Result{Kind: Control, Control: ControlError, Error: msg}
	}

	if f.Role == "user" {
		return dropped("user echo")
	}
	text, incremental := "", false
	for _, raw := range []json.RawMessage{f.Text, f.Content, f.Message} {
		role, t := textOf(raw)
		if role == "user" {
			return dropped("user echo")
		}
		if t != "" {
			text = t
			break
		}
	}
	if text == "" && len(f.Delta) > 0 {
		_, text = textOf(f.Delta)
		incremental = true
	}

	cid := firstNonEmpty(f.CorrelationID, f.StreamID, f.RunID)
	final := f.Final != nil || f.Complete != nil || f.Done != nil
	complete := isTrue(f.Final) || isTrue(f.Complete) || isTrue(f.Done)
	if cid == "" {
		if final && !complete {
			return anomaly("stream update without correlation id")
		}
		if text == "" {
			return dropped("empty message")
		}
		return Result{Kind: Message, Message: remote(f.ID, text)}
	}
	return n.delta(cid, text, complete, incremental)
}

// delta classifies a streaming update and tracks the correlation id.
func (n *Normalizer) delta(cid, text string, complete, incremental bool) Result {
	n.mu.Lock()
	defer n.mu.Unlock()

	_, wasOpen := n.open[cid]
	_, wasTerminal := n.terminal[cid]
	if complete && text == "" && !wasOpen {
		if wasTerminal {
			return anomaly("repeated terminal update without content")
		}
		return dropped("empty terminal update")
	}
	if !complete && wasTerminal && !wasOpen {
		return anomaly("delta for terminated stream")
	}
	res := Result{
		Kind:          Delta,
		CorrelationID: cid,
		Text:          text,
		Complete:      complete,
		Incremental:   incremental,
		Anomaly:       wasTerminal && !wasOpen,
	}
	if complete && text == "" {
		// Terminal marker without content keeps the accumulated text.
		res.Incremental = true
	}
	if complete {
		delete(n.open, cid)
		n.rememberTerminal(cid)
	} else {
		n.touchOpen(cid)
	}
	return res
}

func (n *Normalizer) touchOpen(cid string) {
	n.seq++
	n.open[cid] = n.seq
	if len(n.open) <= n.limit {
		return
	}
	oldest, lowest := "", n.seq
	for id, s := range n.open {
		if s < lowest {
			oldest, lowest = id, s
		}
	}
	delete(n.open, oldest)
	n.log.Debug().Str("correlation_id", oldest).Msg("evicting idle stream")
}

// Forget drops the open streams, for when the history they were merging into
// has been cleared. Terminated ids are kept so late updates stay anomalies.
func (n *Normalizer) Forget() {
	n.mu.Lock()
	defer n.mu.Unlock()
	clear(n.open)
}

func (n *Normalizer) isOpen(cid string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.open[cid]
	return ok
}

func (n *Normalizer) rememberTerminal(cid string) {
	if _, ok := n.terminal[cid]; ok {
		return
	}
	n.terminal[cid] = struct{}{}
	n.order = append(n.order, cid)
	if len(n.order) > n.limit {
		delete(n.terminal, n.order[0])
		n.order = n.order[1:]
	}
}

func remote(id, text string) chat.Message {
	if id != "" && idgen.ValidateExternalID(id) != nil {
		id = ""
	}
	return chat.Message{ID: id, Text: text, Origin: chat.OriginRemote, Complete: true}
}

// textOf accepts a plain string, a list of content parts, or an object with
// role and content/text fields.
func textOf(raw json.RawMessage) (role, text string) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return "", s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &parts) == nil {
		var sb strings.Builder
		for _, p := range parts {
			if p.Type == "" || p.Type == "text" {
				sb.WriteString(p.Text)
			}
		}
		return "", sb.String()
	}
	var obj struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
		Text    string          `json:"text"`
	}
	if json.Unmarshal(raw, &obj) != nil {
		return "", ""
	}
	_, text = textOf(obj.Content)
	if text == "" {
		text = obj.Text
	}
	return obj.Role, text
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func isTrue(b *bool) bool { return b != nil && *b }
