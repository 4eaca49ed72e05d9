package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flitsinc/go-relay/internal/idgen"
)

const DefaultLimit = 500

// Store is the authoritative in-memory chat history, mirrored to a Persister
// after every mutation. All operations are serialized by one mutex.
type Store struct {
	persister Persister
	limit     int
	log       zerolog.Logger

	mu       sync.Mutex
	messages []Message
	ids      map[string]struct{}
	failures int
	updated  time.Time
	now      func() time.Time
}

func NewStore(p Persister, limit int, logger zerolog.Logger) *Store {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Store{
		persister: p,
		limit:     limit,
		log:       logger,
		ids:       map[string]struct{}{},
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Load replaces the in-memory history with the persisted one.
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	snap, err := s.persister.Load(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = s.messages[:0]
	s.ids = map[string]struct{}{}
	for _, m := range snap.Messages {
		if m.ID == "" {
			continue
		}
		if _, dup := s.ids[m.ID]; dup {
			continue
		}
		s.messages = append(s.messages, m)
		s.ids[m.ID] = struct{}{}
	}
	s.evictLocked()
	s.updated = snap.Updated
	return nil
}

// Append adds msg at the end of the history. If a message with the same id is
// already stored it is returned unchanged and inserted is false.
func (s *Store) Append(ctx context.Context, msg Message) (stored Message, inserted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID != "" {
		if _, ok := s.ids[msg.ID]; ok {
			return s.findLocked(msg.ID), false, nil
		}
	}
	if msg.ID == "" {
		msg.ID = idgen.MessageID(prefixFor(msg.Origin))
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	s.insertLocked(msg)
	return msg, true, s.persistLocked(ctx, "append")
}

// MergeDelta applies a cumulative streaming update: text replaces the current
// text of the open message for correlationID.
func (s *Store) MergeDelta(ctx context.Context, correlationID, text string, complete bool) (Message, bool, error) {
	return s.merge(ctx, correlationID, text, complete, false)
}

// AppendDelta is MergeDelta for incremental fragments.
func (s *Store) AppendDelta(ctx context.Context, correlationID, fragment string, complete bool) (Message, bool, error) {
	return s.merge(ctx, correlationID, fragment, complete, true)
}

func (s *Store) merge(ctx context.Context, correlationID, text string, complete, incremental bool) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx := s.openStreamLocked(correlationID); idx >= 0 {
		m := &s.messages[idx]
		if incremental {
			m.Text += text
		} else {
			m.Text = text
		}
		if complete {
			m.Streaming = false
			m.Complete = true
			m.CorrelationID = ""
		}
		updated := *m
		return updated, false, s.persistLocked(ctx, "merge")
	}

	msg := Message{
		ID:        idgen.MessageID(idgen.RemotePrefix),
		Text:      text,
		Origin:    OriginRemote,
		CreatedAt: s.now(),
		Complete:  complete,
		Streaming: !complete,
	}
	if !complete {
		msg.CorrelationID = correlationID
	}
	s.insertLocked(msg)
	return msg, true, s.persistLocked(ctx, "merge")
}

// All returns a copy of the history in insertion order.
func (s *Store) All() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Snapshot returns the history together with its last update time.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return Snapshot{Messages: out, Updated: s.updated}
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.ids = map[string]struct{}{}
	return s.persistLocked(ctx, "clear")
}

// PersistFailures is the number of consecutive failed saves (0 after a
// successful one).
func (s *Store) PersistFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

func (s *Store) Limit() int { return s.limit }

func (s *Store) insertLocked(msg Message) {
	s.messages = append(s.messages, msg)
	s.ids[msg.ID] = struct{}{}
	s.evictLocked()
}

func (s *Store) evictLocked() {
	over := len(s.messages) - s.limit
	if over <= 0 {
		return
	}
	for _, m := range s.messages[:over] {
		delete(s.ids, m.ID)
	}
	kept := make([]Message, s.limit)
	copy(kept, s.messages[over:])
	s.messages = kept
}

func (s *Store) findLocked(id string) Message {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == id {
			return s.messages[i]
		}
	}
	return Message{}
}

// openStreamLocked scans from the newest entry; history is bounded so a linear
// scan is enough.
func (s *Store) openStreamLocked(correlationID string) int {
	if correlationID == "" {
		return -1
	}
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.Streaming && m.CorrelationID == correlationID {
			return i
		}
	}
	return -1
}

func (s *Store) persistLocked(ctx context.Context, op string) error {
	s.updated = s.now()
	if s.persister == nil {
		return nil
	}
	snap := Snapshot{Messages: make([]Message, len(s.messages)), Updated: s.updated}
	copy(snap.Messages, s.messages)
	if err := s.persister.Save(ctx, snap); err != nil {
		s.failures++
		s.log.Error().Err(err).Str("op", op).Int("consecutive", s.failures).Msg("history persist failed")
		return &StorageError{Op: op, Consecutive: s.failures, Err: err}
	}
	if s.failures > 0 {
		s.log.Info().Int("after_failures", s.failures).Msg("history persist recovered")
	}
	s.failures = 0
	return nil
}

func prefixFor(origin Origin) string {
	if strings.EqualFold(string(origin), string(OriginRemote)) {
		return idgen.RemotePrefix
	}
	return idgen.LocalPrefix
}
