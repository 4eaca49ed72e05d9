package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type LinkConfig struct {
	Dialer      Dialer
	Protocol    Protocol
	Credentials Credentials

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	HandshakeTimeout  time.Duration
	SendTimeout       time.Duration
	Backoff           Backoff

	Logger zerolog.Logger
	// OnStatus is called when the link becomes Ready or stops being Ready.
	OnStatus func(ready bool)
	// OnState observes every transition.
	OnState func(State)
}

// Link is the single logical connection to the gateway. Run owns the
// connection state machine; Send may be called from any goroutine.
type Link struct {
	cfg  LinkConfig
	log  zerolog.Logger
	wait func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	state   State
	conn    Conn
	pending map[string]chan error
	running bool

	writeMu  sync.Mutex
	lastSeen atomic.Int64
	backoff  Backoff
}

func NewLink(cfg LinkConfig) *Link {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 2 * cfg.HeartbeatInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff.Initial = time.Second
	}
	if cfg.Backoff.Max < cfg.Backoff.Initial {
		cfg.Backoff.Max = 60 * cfg.Backoff.Initial
	}
	return &Link{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("protocol", cfg.Protocol.Name()).Logger(),
		wait:    sleepCtx,
		pending: map[string]chan error{},
	}
}

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) Connected() bool {
	return l.State() == Ready
}

// Run connects and keeps reconnecting until ctx is done. Inbound events are
// passed to handle one at a time, in arrival order, on Run's goroutine.
func (l *Link) Run(ctx context.Context, handle func(Envelope)) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return errors.New("link already running")
	}
	l.running = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	l.backoff = l.cfg.Backoff
	l.backoff.Reset()
	for {
		err := l.session(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := l.backoff.Next()
		l.log.Warn().Err(err).Dur("retry_in", delay).Msg("gateway link down")
		if err := l.wait(ctx, delay); err != nil {
			return err
		}
	}
}

func (l *Link) session(ctx context.Context, handle func(Envelope)) error {
	l.setState(Connecting)

	hctx, cancel := context.WithTimeout(ctx, l.cfg.HandshakeTimeout)
	conn, err := l.cfg.Dialer.Dial(hctx)
	if err != nil {
		cancel()
		l.setState(Disconnected)
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	err = l.cfg.Protocol.Handshake(hctx, conn, l.cfg.Credentials, l.setState)
	cancel()
	if err != nil {
		_ = conn.Close()
		l.setState(Disconnected)
		return err
	}

	l.touch()
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	l.setState(Ready)
	l.backoff.Reset()
	l.log.Info().Msg("gateway link ready")

	sctx, stop := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		l.heartbeat(sctx, conn)
	}()

	err = l.readLoop(sctx, conn, handle)
	stop()
	_ = conn.Close()
	<-hbDone
	l.drop()
	return err
}

func (l *Link) readLoop(ctx context.Context, conn Conn, handle func(Envelope)) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("%w: read: %v", ErrTransport, err)
		}
		l.touch()
		in, err := l.cfg.Protocol.Decode(data)
		if err != nil {
			l.log.Warn().Err(err).Msg("dropping gateway frame")
			continue
		}
		switch in.Kind {
		case InboundResponse:
			l.resolve(in.ID, in.Err)
		case InboundEvent:
			if handle != nil {
				handle(in.Envelope)
			}
		}
	}
}

// heartbeat pings on a fixed interval and closes conn once nothing has been
// received for HeartbeatTimeout, which ends the read loop.
func (l *Link) heartbeat(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		idle := time.Since(time.Unix(0, l.lastSeen.Load()))
		if idle > l.cfg.HeartbeatTimeout {
			l.log.Warn().Dur("idle", idle).Msg("gateway heartbeat missed")
			_ = conn.Close()
			return
		}
		ping, err := l.cfg.Protocol.EncodePing()
		if err != nil {
			l.log.Error().Err(err).Msg("encode ping")
			continue
		}
		wctx, cancel := context.WithTimeout(ctx, l.cfg.SendTimeout)
		err = l.write(wctx, conn, ping)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				l.log.Warn().Err(err).Msg("gateway ping failed")
				_ = conn.Close()
			}
			return
		}
	}
}

// Send delivers one chat message. It fails fast with ErrNotConnected unless
// the link is Ready; nothing is queued.
func (l *Link) Send(ctx context.Context, text string) error {
	l.mu.Lock()
	if l.state != Ready || l.conn == nil {
		l.mu.Unlock()
		return ErrNotConnected
	}
	conn := l.conn
	frame, reqID, err := l.cfg.Protocol.EncodeChat(text)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	var reply chan error
	if reqID != "" {
		reply = make(chan error, 1)
		l.pending[reqID] = reply
	}
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, l.cfg.SendTimeout)
	defer cancel()
	if err := l.write(ctx, conn, frame); err != nil {
		l.forget(reqID)
		return fmt.Errorf("%w: write: %v", ErrTransport, err)
	}
	if reply == nil {
		return nil
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		l.forget(reqID)
		return fmt.Errorf("%w: awaiting response: %v", ErrTransport, ctx.Err())
	}
}

func (l *Link) write(ctx context.Context, conn Conn, data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return conn.Write(ctx, data)
}

func (l *Link) resolve(id string, err error) {
	l.mu.Lock()
	ch, ok := l.pending[id]
	delete(l.pending, id)
	l.mu.Unlock()
	if ok {
		ch <- err
	}
}

func (l *Link) forget(id string) {
	if id == "" {
		return
	}
	l.mu.Lock()
	delete(l.pending, id)
	l.mu.Unlock()
}

func (l *Link) touch() {
	l.lastSeen.Store(time.Now().UnixNano())
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	prev := l.state
	l.state = s
	l.mu.Unlock()
	l.transition(prev, s)
}

// drop moves to Disconnected and fails every in-flight request.
func (l *Link) drop() {
	l.mu.Lock()
	prev := l.state
	l.state = Disconnected
	l.conn = nil
	for id, ch := range l.pending {
		ch <- fmt.Errorf("%w: connection lost", ErrTransport)
		delete(l.pending, id)
	}
	l.mu.Unlock()
	l.transition(prev, Disconnected)
}

func (l *Link) transition(prev, next State) {
	if prev == next {
		return
	}
	l.log.Debug().Stringer("from", prev).Stringer("to", next).Msg("gateway link state")
	if l.cfg.OnState != nil {
		l.cfg.OnState(next)
	}
	if (prev == Ready) != (next == Ready) && l.cfg.OnStatus != nil {
		l.cfg.OnStatus(next == Ready)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
