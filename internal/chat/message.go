package chat

import "time"

type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Message is one entry of the chat history. A message with CorrelationID set
// and Streaming true is still being written by the agent; it becomes immutable
// once a terminal delta clears both.
type Message struct {
	ID            string    `json:"id"`
	Text          string    `json:"text"`
	Origin        Origin    `json:"origin"`
	CreatedAt     time.Time `json:"createdAt"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Complete      bool      `json:"complete"`
	Streaming     bool      `json:"streaming,omitempty"`
}

// Snapshot is the persisted form of the history.
type Snapshot struct {
	Messages []Message `json:"messages"`
	Updated  time.Time `json:"updated"`
}
