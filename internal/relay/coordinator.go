// Package relay ties the message store, the subscriber registry and the
// upstream link together.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/flitsinc/go-relay/internal/chat"
	"github.com/flitsinc/go-relay/internal/eventbus"
	"github.com/flitsinc/go-relay/internal/idgen"
	"github.com/flitsinc/go-relay/internal/metrics"
	"github.com/flitsinc/go-relay/internal/normalize"
	"github.com/flitsinc/go-relay/internal/upstream"
)

// ErrInvalidInput is returned for empty or whitespace-only message text.
var ErrInvalidInput = errors.New("invalid input: message text is empty")

// Upstream is the live gateway link.
type Upstream interface {
	Connected() bool
	Send(ctx context.Context, text string) error
}

// Deliverer is a one-shot delivery path used when the link cannot take a
// message.
type Deliverer interface {
	Deliver(ctx context.Context, text string) error
}

// Source produces inbound upstream events, one at a time, until ctx is done.
type Source interface {
	Run(ctx context.Context, handle func(upstream.Envelope)) error
}

type Options struct {
	Store      *chat.Store
	Bus        *eventbus.Bus
	Normalizer *normalize.Normalizer
	// Upstream and Fallback are both optional. With neither, every outbound
	// message is stored and reported as not delivered.
	Upstream Upstream
	Fallback Deliverer
	Logger   zerolog.Logger
}

type Coordinator struct {
	store    *chat.Store
	bus      *eventbus.Bus
	norm     *normalize.Normalizer
	up       Upstream
	fallback Deliverer
	log      zerolog.Logger

	// mu orders store mutations with their broadcasts so that every
	// subscriber sees events in store order and Attach never misses or
	// repeats one. It is never held across upstream I/O.
	mu sync.Mutex

	gatewayUp atomic.Bool
}

type Status struct {
	GatewayConnected bool      `json:"gatewayConnected"`
	Subscribers      int       `json:"subscribers"`
	Messages         int       `json:"messages"`
	HistoryLimit     int       `json:"historyLimit"`
	PersistFailures  int       `json:"persistFailures"`
	Updated          time.Time `json:"updated"`
}

func New(opts Options) *Coordinator {
	norm := opts.Normalizer
	if norm == nil {
		norm = normalize.New("", opts.Logger)
	}
	c := &Coordinator{
		store:    opts.Store,
		bus:      opts.Bus,
		norm:     norm,
		up:       opts.Upstream,
		fallback: opts.Fallback,
		log:      opts.Logger,
	}
	metrics.HistorySize.Set(float64(c.store.Len()))
	return c
}

// HandleOutbound stores text as a local message, broadcasts it and then tries
// to deliver it upstream. The stored message is returned even when delivery
// fails; the error then wraps upstream.ErrNotConnected, upstream.ErrTransport
// or upstream.ErrRejected.
func (c *Coordinator) HandleOutbound(ctx context.Context, text, origin string) (chat.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return chat.Message{}, ErrInvalidInput
	}

	c.mu.Lock()
	msg, _, err := c.store.Append(ctx, chat.Message{
		ID:       idgen.MessageID(idgen.LocalPrefix),
		Text:     text,
		Origin:   chat.OriginLocal,
		Complete: true,
	})
	c.bus.Broadcast(eventbus.MessageEvent(msg))
	c.mu.Unlock()
	metrics.MessagesStored.WithLabelValues(string(chat.OriginLocal)).Inc()
	c.afterMutation(err)

	c.log.Debug().Str("message_id", msg.ID).Str("origin", origin).Msg("outbound message stored")
	if err := c.deliver(ctx, msg.Text); err != nil {
		c.log.Warn().Err(err).Str("message_id", msg.ID).Msg("outbound delivery failed")
		c.bus.Broadcast(eventbus.ErrorEvent("Failed to deliver message: " + err.Error()))
		return msg, err
	}
	return msg, nil
}

func (c *Coordinator) deliver(ctx context.Context, text string) error {
	err := error(upstream.ErrNotConnected)
	if c.up != nil {
		err = c.up.Send(ctx, text)
		recordDelivery("link", err)
		if err == nil {
			return nil
		}
	}
	if c.fallback != nil {
		ferr := c.fallback.Deliver(ctx, text)
		recordDelivery("command", ferr)
		if ferr == nil {
			c.log.Info().AnErr("link_error", err).Msg("delivered through fallback command")
			return nil
		}
		if c.up == nil {
			return ferr
		}
		return fmt.Errorf("%w; fallback: %v", err, ferr)
	}
	return err
}

func recordDelivery(path string, err error) {
	result := "ok"
	switch {
	case errors.Is(err, upstream.ErrNotConnected):
		result = "not_connected"
	case errors.Is(err, upstream.ErrRejected):
		result = "rejected"
	case err != nil:
		result = "failed"
	}
	metrics.DeliveryResults.WithLabelValues(path, result).Inc()
}

// HandleInbound applies one upstream event. Events must be passed in arrival
// order from a single goroutine.
func (c *Coordinator) HandleInbound(ctx context.Context, env upstream.Envelope) {
	res := c.norm.Normalize(env)
	kind := res.Kind.String()
	if res.Err != nil || res.Anomaly {
		kind = "anomaly"
	}
	metrics.UpstreamEvents.WithLabelValues(kind).Inc()

	switch res.Kind {
	case normalize.Message:
		c.mu.Lock()
		msg, inserted, err := c.store.Append(ctx, res.Message)
		if inserted {
			c.bus.Broadcast(eventbus.MessageEvent(msg))
		}
		c.mu.Unlock()
		if inserted {
			metrics.MessagesStored.WithLabelValues(string(chat.OriginRemote)).Inc()
			c.afterMutation(err)
		}

	case normalize.Delta:
		c.mu.Lock()
		var (
			msg     chat.Message
			created bool
			err     error
		)
		if res.Incremental {
			msg, created, err = c.store.AppendDelta(ctx, res.CorrelationID, res.Text, res.Complete)
		} else {
			msg, created, err = c.store.MergeDelta(ctx, res.CorrelationID, res.Text, res.Complete)
		}
		if created {
			c.bus.Broadcast(eventbus.MessageEvent(msg))
		} else {
			c.bus.Broadcast(eventbus.MessageUpdateEvent(msg))
		}
		c.mu.Unlock()
		if created {
			metrics.MessagesStored.WithLabelValues(string(chat.OriginRemote)).Inc()
		} else {
			metrics.StreamUpdates.Inc()
		}
		c.afterMutation(err)
		if res.Error != "" {
			c.bus.Broadcast(eventbus.ErrorEvent(res.Error))
		}

	case normalize.Control:
		c.control(res)
	}
}

func (c *Coordinator) control(res normalize.Result) {
	switch res.Control {
	case normalize.ControlTyping:
		c.bus.Broadcast(eventbus.TypingEvent(res.Active))
	case normalize.ControlAck:
		c.bus.Broadcast(eventbus.AckEvent(res.AckID))
	case normalize.ControlStatus:
		c.SetGatewayStatus(res.Connected)
	case normalize.ControlError:
		c.bus.Broadcast(eventbus.ErrorEvent(res.Error))
	}
}

// SetGatewayStatus records upstream readiness and tells every subscriber.
// It is the link's status callback.
func (c *Coordinator) SetGatewayStatus(connected bool) {
	c.gatewayUp.Store(connected)
	if connected {
		metrics.GatewayConnected.Set(1)
	} else {
		metrics.GatewayConnected.Set(0)
	}
	c.log.Info().Bool("connected", connected).Msg("gateway status")
	c.bus.Broadcast(eventbus.GatewayStatusEvent(connected))
}

// GatewayConnected reports the link state when there is a link, otherwise the
// last status the gateway reported.
func (c *Coordinator) GatewayConnected() bool {
	if c.up != nil {
		return c.up.Connected()
	}
	return c.gatewayUp.Load()
}

// Attach registers sub and queues an init frame with the current history
// ahead of any later broadcast.
func (c *Coordinator) Attach(sub eventbus.Subscriber) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bus.Join(sub, eventbus.InitEvent(c.store.All(), c.GatewayConnected()))
}

func (c *Coordinator) Detach(id string) {
	c.bus.Leave(id)
}

// Reply sends evt to one subscriber only.
func (c *Coordinator) Reply(id string, evt eventbus.Event) bool {
	return c.bus.SendTo(id, evt)
}

// Clear empties the history and tells every subscriber.
func (c *Coordinator) Clear(ctx context.Context) {
	c.mu.Lock()
	err := c.store.Clear(ctx)
	c.norm.Forget()
	c.bus.Broadcast(eventbus.ClearEvent())
	c.mu.Unlock()
	c.log.Info().Msg("history cleared")
	c.afterMutation(err)
}

func (c *Coordinator) History() chat.Snapshot {
	return c.store.Snapshot()
}

func (c *Coordinator) Status() Status {
	snap := c.store.Snapshot()
	return Status{
		GatewayConnected: c.GatewayConnected(),
		Subscribers:      c.bus.SubscriberCount(),
		Messages:         len(snap.Messages),
		HistoryLimit:     c.store.Limit(),
		PersistFailures:  c.store.PersistFailures(),
		Updated:          snap.Updated,
	}
}

// Run feeds every event from src through HandleInbound until ctx is done.
func (c *Coordinator) Run(ctx context.Context, src Source) error {
	err := src.Run(ctx, func(env upstream.Envelope) {
		c.HandleInbound(ctx, env)
	})
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// afterMutation surfaces a failed history write. The in-memory history stays
// authoritative, so callers carry on.
func (c *Coordinator) afterMutation(err error) {
	metrics.HistorySize.Set(float64(c.store.Len()))
	if err == nil {
		return
	}
	metrics.PersistFailures.Inc()
	var se *chat.StorageError
	if errors.As(err, &se) && se.Consecutive > 1 {
		c.bus.Broadcast(eventbus.ErrorEvent(fmt.Sprintf("History could not be saved (%d attempts in a row)", se.Consecutive)))
		return
	}
	c.bus.Broadcast(eventbus.ErrorEvent("History could not be saved"))
}
