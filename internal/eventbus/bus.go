package eventbus

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/flitsinc/go-relay/internal/metrics"
)

const (
	DefaultQueueSize   = 64
	DefaultSendTimeout = 10 * time.Second
)

// Subscriber is a downstream connection able to receive serialized frames.
type Subscriber interface {
	Send(ctx context.Context, data []byte) error
	Close(reason string) error
}

type Options struct {
	QueueSize   int
	SendTimeout time.Duration
	Logger      zerolog.Logger
	// OnLeave, if set, is called after a subscriber is removed.
	OnLeave func(id, reason string)
}

// Bus is the registry of live subscribers. Each member owns a bounded queue
// drained by its own goroutine, so Broadcast never waits on a subscriber.
type Bus struct {
	opts Options
	log  zerolog.Logger

	mu     sync.RWMutex
	subs   map[string]*member
	closed bool
}

type member struct {
	id    string
	sub   Subscriber
	queue chan []byte
	done  chan struct{}

	mu     sync.Mutex
	reason string
}

func NewBus(opts Options) *Bus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	return &Bus{opts: opts, log: opts.Logger, subs: map[string]*member{}}
}

// Join registers sub. The initial events are queued ahead of anything
// broadcast after Join returns.
func (b *Bus) Join(sub Subscriber, initial ...Event) string {
	id := strings.ToLower(ulid.Make().String())
	m := &member{
		id:    id,
		sub:   sub,
		queue: make(chan []byte, b.opts.QueueSize+len(initial)),
		done:  make(chan struct{}),
	}
	for _, evt := range initial {
		if data, err := json.Marshal(evt); err == nil {
			m.queue <- data
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = sub.Close("shutting down")
		return id
	}
	b.subs[id] = m
	count := len(b.subs)
	b.mu.Unlock()

	metrics.Subscribers.Set(float64(count))
	b.log.Debug().Str("subscriber", id).Int("subscribers", count).Msg("subscriber joined")
	go b.pump(m)
	return id
}

// Leave removes the subscriber. Unknown ids are ignored.
func (b *Bus) Leave(id string) {
	b.remove(id, "left")
}

// Broadcast queues evt for every current subscriber and returns how many
// accepted it. Subscribers whose queue is full are removed.
func (b *Bus) Broadcast(evt Event) int {
	data, err := json.Marshal(evt)
	if err != nil {
		b.log.Error().Err(err).Str("type", evt.Type).Msg("encode event")
		return 0
	}

	var slow []string
	delivered := 0
	b.mu.RLock()
	for id, m := range b.subs {
		select {
		case m.queue <- data:
			delivered++
		default:
			slow = append(slow, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range slow {
		b.remove(id, "queue full")
	}
	metrics.Broadcasts.WithLabelValues(evt.Type).Inc()
	return delivered
}

// SendTo queues evt for a single subscriber.
func (b *Bus) SendTo(id string, evt Event) bool {
	data, err := json.Marshal(evt)
	if err != nil {
		b.log.Error().Err(err).Str("type", evt.Type).Msg("encode event")
		return false
	}
	b.mu.RLock()
	m, ok := b.subs[id]
	if ok {
		select {
		case m.queue <- data:
		default:
			ok = false
		}
	}
	b.mu.RUnlock()
	if m != nil && !ok {
		b.remove(id, "queue full")
	}
	return ok
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close removes every subscriber and rejects later joins.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	ids := make([]string, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.remove(id, "shutting down")
	}
}

func (b *Bus) remove(id, reason string) {
	b.mu.Lock()
	m, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	count := len(b.subs)
	b.mu.Unlock()
	if !ok {
		return
	}

	m.mu.Lock()
	m.reason = reason
	m.mu.Unlock()
	close(m.done)

	metrics.Subscribers.Set(float64(count))
	metrics.SubscribersRemoved.WithLabelValues(reason).Inc()
	b.log.Debug().Str("subscriber", id).Str("reason", reason).Int("subscribers", count).Msg("subscriber removed")
	if b.opts.OnLeave != nil {
		b.opts.OnLeave(id, reason)
	}
}

// pump delivers queued frames in order. It is the only goroutine that talks to
// the subscriber, and it closes the subscriber once the member is removed.
func (b *Bus) pump(m *member) {
	defer func() {
		m.mu.Lock()
		reason := m.reason
		m.mu.Unlock()
		_ = m.sub.Close(reason)
	}()
	for {
		select {
		case <-m.done:
			return
		case data := <-m.queue:
			ctx, cancel := context.WithTimeout(context.Background(), b.opts.SendTimeout)
			err := m.sub.Send(ctx, data)
			cancel()
			if err != nil {
				b.log.Debug().Err(err).Str("subscriber", m.id).Msg("send failed")
				b.remove(m.id, "send failed")
				return
			}
		}
	}
}
