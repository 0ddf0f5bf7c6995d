package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/trymwestin/snoo/internal/core/state"
	"github.com/trymwestin/snoo/internal/core/transport"
	"github.com/trymwestin/snoo/internal/metrics"
)

// Handler receives every decoded state of one device, in delivery order.
// It runs on the device's receive goroutine; a slow handler delays only
// that device.
type Handler func(serial string, st state.DeviceState)

// Multiplexer owns the telemetry subscription and command path of one device.
type Multiplexer struct {
	serial  string
	conn    transport.Conn
	sub     transport.Subscription
	store   *state.Store
	limiter *rate.Limiter
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	handler Handler
	gen     uint64
	token   string

	// lastTimetoken is owned by the receive goroutine.
	lastTimetoken int64

	cancel   context.CancelFunc
	done     chan struct{}
	teardown sync.Once
}

func newMultiplexer(ctx context.Context, serial string, r *Registry, limiter *rate.Limiter) (*Multiplexer, error) {
	sub, err := r.conn.Subscribe(ctx, ActivityChannel(serial))
	if err != nil {
		return nil, fmt.Errorf("channel: subscribe %s: %w", serial, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m := &Multiplexer{
		serial:  serial,
		conn:    r.conn,
		sub:     sub,
		store:   r.store,
		limiter: limiter,
		metrics: r.metrics,
		log:     r.log.With("serial", serial),
		now:     r.now,
		token:   r.token,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go m.run(loopCtx)

	m.log.Info("device subscribed", "channel", sub.Channel())
	return m, nil
}

// Serial returns the device this multiplexer serves.
func (m *Multiplexer) Serial() string { return m.serial }

// setHandler installs h and returns its generation for detach.
func (m *Multiplexer) setHandler(h Handler) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	m.handler = h
	return m.gen
}

// detach removes the handler installed as gen, if it is still the current one.
func (m *Multiplexer) detach(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen == gen {
		m.handler = nil
	}
}

func (m *Multiplexer) currentHandler() Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handler
}

// Publish sends cmd on the device's command channel.
func (m *Multiplexer) Publish(ctx context.Context, cmd Command) error {
	return publish(ctx, m.conn, m.limiter, m.serial, cmd, m.now, m.metrics, m.log)
}

// UpdateToken records the session token now in effect. The shared connection
// carries the credential; the subscription is untouched.
func (m *Multiplexer) UpdateToken(token string) {
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
}

// Token returns the session token last propagated to this device.
func (m *Multiplexer) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// Stopped reports whether the receive loop has exited.
func (m *Multiplexer) Stopped() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// Teardown stops the receive loop, waits for it and drops the subscription.
// It is safe to call more than once.
func (m *Multiplexer) Teardown() {
	m.teardown.Do(func() {
		m.cancel()
		<-m.done
		if err := m.sub.Unsubscribe(); err != nil {
			m.log.Warn("unsubscribe failed", "error", err)
		}
		m.log.Info("device unsubscribed")
	})
}

func (m *Multiplexer) run(ctx context.Context) {
	defer close(m.done)

	for {
		msg, err := m.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				m.log.Debug("receive loop stopped")
			} else {
				m.log.Error("receive loop failed", "error", err)
			}
			return
		}
		m.handle(msg)
	}
}

func (m *Multiplexer) handle(msg transport.Message) {
	st, err := state.Decode(msg.Payload, m.now())
	switch {
	case errors.Is(err, state.ErrNotTelemetry):
		m.log.Debug("ignoring non-telemetry message", "timetoken", msg.Timetoken)
		m.metrics.MessageReceived(m.serial, metrics.MessageIgnored)
		return
	case err != nil:
		m.log.Warn("dropping malformed message", "error", err, "timetoken", msg.Timetoken)
		m.metrics.MessageReceived(m.serial, metrics.MessageInvalid)
		return
	}

	// The SDK may hand over messages of one response out of order; a state
	// older than the one already applied is dropped. Zero means untimed.
	if msg.Timetoken != 0 {
		if msg.Timetoken <= m.lastTimetoken {
			m.log.Debug("dropping stale message", "timetoken", msg.Timetoken, "last", m.lastTimetoken)
			m.metrics.MessageReceived(m.serial, metrics.MessageStale)
			return
		}
		m.lastTimetoken = msg.Timetoken
	}

	m.store.Set(m.serial, st)
	m.metrics.MessageReceived(m.serial, metrics.MessageDecoded)

	if h := m.currentHandler(); h != nil {
		m.invoke(h, st)
	}
}

func (m *Multiplexer) invoke(h Handler, st state.DeviceState) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("handler panicked", "panic", r)
		}
	}()
	h(m.serial, st)
}

func publish(
	ctx context.Context,
	conn transport.Conn,
	limiter *rate.Limiter,
	serial string,
	cmd Command,
	now func() time.Time,
	mx *metrics.Metrics,
	log *slog.Logger,
) error {
	if err := limiter.Wait(ctx); err != nil {
		mx.CommandPublished(cmd.Name, metrics.ResultThrottled)
		return &CommandError{Serial: serial, Command: cmd.Name, Err: err}
	}

	log.Debug("publishing command", "serial", serial, "command", cmd.Name)
	if err := conn.Publish(ctx, ControlChannel(serial), cmd.Payload(now())); err != nil {
		mx.CommandPublished(cmd.Name, metrics.ResultError)
		log.Error("command failed", "serial", serial, "command", cmd.Name, "error", err)
		return &CommandError{Serial: serial, Command: cmd.Name, Err: err}
	}
	mx.CommandPublished(cmd.Name, metrics.ResultOK)
	return nil
}
