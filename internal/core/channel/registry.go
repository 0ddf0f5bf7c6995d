package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/trymwestin/snoo/internal/core/state"
	"github.com/trymwestin/snoo/internal/core/transport"
	"github.com/trymwestin/snoo/internal/metrics"
)

// Options tune a Registry. Zero values select the defaults.
type Options struct {
	// Rate and Burst throttle commands per device.
	Rate    rate.Limit
	Burst   int
	Metrics *metrics.Metrics
}

// Registry maps device serials to their multiplexers over one shared
// connection. Subscribe and teardown are serialized by the registry lock.
type Registry struct {
	conn    transport.Conn
	store   *state.Store
	rate    rate.Limit
	burst   int
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	muxes    map[string]*Multiplexer
	removing map[string]chan struct{}
	limiters map[string]*rate.Limiter
	token    string
	closed   bool
}

// NewRegistry creates an empty registry over conn, authorized with token.
func NewRegistry(conn transport.Conn, token string, store *state.Store, opts Options, log *slog.Logger) *Registry {
	if opts.Rate <= 0 {
		opts.Rate = 2
	}
	if opts.Burst <= 0 {
		opts.Burst = 4
	}
	return &Registry{
		conn:     conn,
		store:    store,
		rate:     opts.Rate,
		burst:    opts.Burst,
		metrics:  opts.Metrics,
		log:      log,
		now:      time.Now,
		muxes:    make(map[string]*Multiplexer),
		removing: make(map[string]chan struct{}),
		limiters: make(map[string]*rate.Limiter),
		token:    token,
	}
}

// Subscribe attaches h to the device's telemetry. The first call opens the
// subscription; later calls reuse it and replace the handler. A subscription
// whose receive loop died with the connection is replaced. The returned
// function detaches h if it is still the current handler.
func (r *Registry) Subscribe(ctx context.Context, serial string, h Handler) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		if r.closed {
			return nil, fmt.Errorf("channel: subscribe %s: %w", serial, transport.ErrClosed)
		}
		gone, ok := r.removing[serial]
		if !ok {
			break
		}
		r.mu.Unlock()
		select {
		case <-gone:
		case <-ctx.Done():
			r.mu.Lock()
			return nil, ctx.Err()
		}
		r.mu.Lock()
	}

	m, ok := r.muxes[serial]
	if ok && m.Stopped() {
		r.log.Warn("replacing dead subscription", "serial", serial)
		m.Teardown()
		delete(r.muxes, serial)
		ok = false
	}
	if !ok {
		var err error
		m, err = newMultiplexer(ctx, serial, r, r.limiterLocked(serial))
		if err != nil {
			r.metrics.SetSubscriptions(len(r.muxes))
			return nil, err
		}
		r.muxes[serial] = m
		r.metrics.SetSubscriptions(len(r.muxes))
	} else {
		r.log.Debug("replacing handler", "serial", serial)
	}

	gen := m.setHandler(h)
	return func() { m.detach(gen) }, nil
}

// Publish sends cmd to the device whether or not it is subscribed.
func (r *Registry) Publish(ctx context.Context, serial string, cmd Command) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return &CommandError{Serial: serial, Command: cmd.Name, Err: transport.ErrClosed}
	}
	if m, ok := r.muxes[serial]; ok {
		r.mu.Unlock()
		return m.Publish(ctx, cmd)
	}
	limiter := r.limiterLocked(serial)
	r.mu.Unlock()

	return publish(ctx, r.conn, limiter, serial, cmd, r.now, r.metrics, r.log)
}

// UpdateToken hands a renewed session token to the connection and every
// live multiplexer. Subscriptions stay open.
func (r *Registry) UpdateToken(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.token = token
	r.conn.SetAuthToken(token)
	for _, m := range r.muxes {
		m.UpdateToken(token)
	}
	r.log.Info("session token propagated", "devices", len(r.muxes))
}

// Multiplexer returns the live multiplexer for serial.
func (r *Registry) Multiplexer(serial string) (*Multiplexer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.muxes[serial]
	return m, ok
}

// Remove tears down one device's subscription and waits for its receive
// loop. The registry stays usable meanwhile; a Subscribe for the same device
// waits until the removal is done. Handlers must not call Remove for their
// own device.
func (r *Registry) Remove(serial string) bool {
	r.mu.Lock()
	m, ok := r.muxes[serial]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.muxes, serial)
	gone := make(chan struct{})
	r.removing[serial] = gone
	r.metrics.SetSubscriptions(len(r.muxes))
	r.mu.Unlock()

	m.Teardown()

	r.mu.Lock()
	delete(r.removing, serial)
	r.mu.Unlock()
	close(gone)
	return true
}

// Close tears down every multiplexer, closes the connection and leaves the
// registry empty. Later calls are no-ops.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	muxes := r.muxes
	r.muxes = make(map[string]*Multiplexer)
	r.mu.Unlock()

	for _, m := range muxes {
		m.Teardown()
	}
	r.metrics.SetSubscriptions(0)

	if err := r.conn.Close(); err != nil {
		return fmt.Errorf("channel: close connection: %w", err)
	}
	return nil
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.muxes)
}

// Serials returns the subscribed devices in sorted order.
func (r *Registry) Serials() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.muxes))
	for s := range r.muxes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// limiterLocked returns the device's command limiter, shared between the
// subscribed and unsubscribed publish paths.
func (r *Registry) limiterLocked(serial string) *rate.Limiter {
	l, ok := r.limiters[serial]
	if !ok {
		l = rate.NewLimiter(r.rate, r.burst)
		r.limiters[serial] = l
	}
	return l
}
