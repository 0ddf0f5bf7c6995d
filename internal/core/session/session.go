// Package session is the entry point applications use: it authorizes the
// account, keeps the session token fresh, discovers devices and routes
// subscriptions and commands through one shared real-time connection.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/trymwestin/snoo/internal/core/api"
	"github.com/trymwestin/snoo/internal/core/auth"
	"github.com/trymwestin/snoo/internal/core/channel"
	"github.com/trymwestin/snoo/internal/core/state"
	"github.com/trymwestin/snoo/internal/core/transport"
	"github.com/trymwestin/snoo/internal/metrics"
)

var (
	// ErrNotAuthorized is returned by every device operation before a
	// successful Authorize or after Disconnect. No network call is made.
	ErrNotAuthorized = errors.New("session: not authorized")

	// ErrDeviceDiscovery wraps failures of the device listing call.
	ErrDeviceDiscovery = errors.New("device discovery failed")

	// ErrInvalidLevel is returned by SetLevel for non-level states.
	ErrInvalidLevel = errors.New("session: not a soothing level")
)

// DeviceAPI is the vendor REST surface the session depends on.
type DeviceAPI interface {
	Devices(ctx context.Context, idToken string) ([]api.Device, error)
	Baby(ctx context.Context, idToken, id string) (api.Baby, error)
	UpdateBabySettings(ctx context.Context, idToken, id string, settings api.BabySettings) (api.Baby, error)
}

// Options configure a Session. Zero values select defaults.
type Options struct {
	Channel   channel.Options
	DeviceTTL time.Duration
	Bus       *state.EventBus
	Metrics   *metrics.Metrics
	// After replaces the reauthorization timer source.
	After func(time.Duration) <-chan time.Time
}

// Status summarizes the session for diagnostics.
type Status struct {
	Authorized bool      `json:"authorized"`
	Expired    bool      `json:"expired"`
	Account    string    `json:"account,omitempty"`
	RenewAt    time.Time `json:"renew_at,omitempty"`
	Devices    []string  `json:"subscribed_devices"`
}

// Session owns the credentials, the reauthorization scheduler and the
// channel registry. The zero value is not usable; call New.
type Session struct {
	authn     auth.Authorizer
	api       DeviceAPI
	dialer    transport.Dialer
	chanOpts  channel.Options
	scheduler *auth.Scheduler
	store     *state.Store
	bus       *state.EventBus
	devices   *cache.Cache
	metrics   *metrics.Metrics
	log       *slog.Logger

	creds   auth.CredentialStore
	expired atomic.Bool

	mu       sync.Mutex
	registry *channel.Registry
}

// New creates an unauthorized session.
func New(authn auth.Authorizer, client DeviceAPI, dialer transport.Dialer, opts Options, log *slog.Logger) *Session {
	if opts.DeviceTTL <= 0 {
		opts.DeviceTTL = 10 * time.Minute
	}
	if opts.Bus == nil {
		opts.Bus = state.NewEventBus(log)
	}
	opts.Channel.Metrics = opts.Metrics

	s := &Session{
		authn:    authn,
		api:      client,
		dialer:   dialer,
		chanOpts: opts.Channel,
		store:    state.NewStore(opts.Bus),
		bus:      opts.Bus,
		devices:  cache.New(opts.DeviceTTL, 2*opts.DeviceTTL),
		metrics:  opts.Metrics,
		log:      log,
	}
	s.scheduler = auth.NewScheduler(authn, s.renewed, s.sessionExpired, log)
	if opts.After != nil {
		s.scheduler.UseClock(opts.After)
	}
	return s
}

// Authorize runs the handshake, connects the shared transport on first use
// (or hands it the new token) and arms reauthorization.
func (s *Session) Authorize(ctx context.Context) (*auth.Credentials, error) {
	creds, err := s.authn.Authorize(ctx)
	if err != nil {
		s.metrics.Authorization(metrics.ResultError)
		return nil, err
	}
	s.metrics.Authorization(metrics.ResultOK)

	if err := s.connect(ctx, creds.SessionToken); err != nil {
		return nil, err
	}
	s.creds.Store(creds)
	s.expired.Store(false)

	s.scheduler.Arm(creds.TTL)
	s.metrics.SetRenewAt(creds.RenewAt().Unix())
	return creds, nil
}

func (s *Session) connect(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.registry != nil {
		s.registry.UpdateToken(token)
		return nil
	}

	conn, err := s.dialer.Dial(ctx, token)
	if err != nil {
		return fmt.Errorf("session: connect: %w", err)
	}
	s.registry = channel.NewRegistry(conn, token, s.store, s.chanOpts, s.log)
	return nil
}

// renewed runs on the scheduler goroutine. It must not touch the scheduler.
func (s *Session) renewed(creds *auth.Credentials) {
	s.creds.Store(creds)
	s.metrics.Authorization(metrics.ResultOK)
	s.metrics.SetRenewAt(creds.RenewAt().Unix())

	s.mu.Lock()
	reg := s.registry
	s.mu.Unlock()
	if reg != nil {
		reg.UpdateToken(creds.SessionToken)
	}

	s.log.Info("session renewed", "renew_in", creds.TTL)
	s.bus.Publish(state.Event{Type: state.EventSessionRenewed, Data: map[string]any{"renew_at": creds.RenewAt()}})
}

func (s *Session) sessionExpired(err error) {
	s.expired.Store(true)
	s.metrics.Authorization(metrics.ResultError)
	s.metrics.SetRenewAt(0)
	s.log.Error("session expired, call Authorize to recover", "error", err)
	s.bus.Publish(state.Event{Type: state.EventSessionExpired, Data: map[string]any{"error": err.Error()}})
}

// ready returns the current credentials and registry, or ErrNotAuthorized.
func (s *Session) ready() (*auth.Credentials, *channel.Registry, error) {
	creds := s.creds.Load()
	if creds == nil {
		return nil, nil, ErrNotAuthorized
	}
	s.mu.Lock()
	reg := s.registry
	s.mu.Unlock()
	if reg == nil {
		return nil, nil, ErrNotAuthorized
	}
	return creds, reg, nil
}

// Devices lists the account's devices and refreshes the device cache.
func (s *Session) Devices(ctx context.Context) ([]api.Device, error) {
	creds, _, err := s.ready()
	if err != nil {
		return nil, err
	}

	devs, err := s.api.Devices(ctx, creds.IDToken)
	if err != nil {
		return nil, fmt.Errorf("session: %w: %w", ErrDeviceDiscovery, err)
	}
	for _, d := range devs {
		s.devices.SetDefault(d.SerialNumber, d)
	}
	return devs, nil
}

// Device returns a device seen by the last Devices call, while cached.
func (s *Session) Device(serial string) (api.Device, bool) {
	v, ok := s.devices.Get(serial)
	if !ok {
		return api.Device{}, false
	}
	return v.(api.Device), true
}

// Subscribe delivers the device's decoded telemetry to h. Subscribing again
// replaces the handler on the existing subscription. The returned function
// detaches h.
func (s *Session) Subscribe(ctx context.Context, serial string, h channel.Handler) (func(), error) {
	_, reg, err := s.ready()
	if err != nil {
		return nil, err
	}

	unsub, err := reg.Subscribe(ctx, serial, h)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(state.Event{Type: state.EventSubscribed, Serial: serial})
	return unsub, nil
}

// Subscribed reports whether the device has a live telemetry subscription.
func (s *Session) Subscribed(serial string) bool {
	_, reg, err := s.ready()
	if err != nil {
		return false
	}
	m, ok := reg.Multiplexer(serial)
	return ok && !m.Stopped()
}

// Unsubscribe tears down the device's subscription and waits for its
// receive loop. It reports false when the device was not subscribed. It must
// not be called from the device's own handler.
func (s *Session) Unsubscribe(serial string) (bool, error) {
	_, reg, err := s.ready()
	if err != nil {
		return false, err
	}
	if !reg.Remove(serial) {
		return false, nil
	}
	s.bus.Publish(state.Event{Type: state.EventUnsubscribed, Serial: serial})
	return true, nil
}

// SendCommand publishes cmd to the device. The device need not be subscribed.
func (s *Session) SendCommand(ctx context.Context, serial string, cmd channel.Command) error {
	_, reg, err := s.ready()
	if err != nil {
		return err
	}
	return reg.Publish(ctx, serial, cmd)
}

func (s *Session) StartSoothing(ctx context.Context, serial string) error {
	return s.SendCommand(ctx, serial, channel.StartSoothing())
}

func (s *Session) StopSoothing(ctx context.Context, serial string) error {
	return s.SendCommand(ctx, serial, channel.StopSoothing())
}

// SetLevel moves the device to a soothing level, optionally holding it there.
func (s *Session) SetLevel(ctx context.Context, serial string, level state.MachineState, hold bool) error {
	if !level.IsLevel() {
		return fmt.Errorf("%w: %q", ErrInvalidLevel, level)
	}
	return s.SendCommand(ctx, serial, channel.GoToState(level, hold))
}

func (s *Session) SetStickyWhiteNoise(ctx context.Context, serial string, on bool) error {
	return s.SendCommand(ctx, serial, channel.StickyWhiteNoise(on, channel.DefaultWhiteNoiseTimeout))
}

// RequestStatus asks the device to publish its state; the answer arrives on
// the telemetry subscription.
func (s *Session) RequestStatus(ctx context.Context, serial string) error {
	return s.SendCommand(ctx, serial, channel.RequestStatus())
}

// LastState returns the most recent successfully decoded state of a device.
func (s *Session) LastState(serial string) (state.DeviceState, bool) {
	return s.store.Get(serial)
}

func (s *Session) Baby(ctx context.Context, id string) (api.Baby, error) {
	creds, _, err := s.ready()
	if err != nil {
		return api.Baby{}, err
	}
	return s.api.Baby(ctx, creds.IDToken, id)
}

func (s *Session) UpdateBabySettings(ctx context.Context, id string, settings api.BabySettings) (api.Baby, error) {
	creds, _, err := s.ready()
	if err != nil {
		return api.Baby{}, err
	}
	return s.api.UpdateBabySettings(ctx, creds.IDToken, id, settings)
}

// Credentials returns the credentials in effect, or nil.
func (s *Session) Credentials() *auth.Credentials {
	return s.creds.Load()
}

// Store returns the last-known-state store.
func (s *Session) Store() *state.Store { return s.store }

// Bus returns the event bus state updates and session events are published on.
func (s *Session) Bus() *state.EventBus { return s.bus }

// Status reports authorization and subscription state.
func (s *Session) Status() Status {
	st := Status{Expired: s.expired.Load(), Devices: []string{}}
	if creds := s.creds.Load(); creds != nil {
		st.Authorized = true
		st.Account = creds.Account.Email
		if !st.Expired {
			st.RenewAt = creds.RenewAt()
		}
	}

	s.mu.Lock()
	reg := s.registry
	s.mu.Unlock()
	if reg != nil {
		st.Devices = reg.Serials()
	}
	return st
}

// Disconnect stops reauthorization, tears down every subscription and closes
// the shared connection before returning. The session can be authorized
// again afterwards.
func (s *Session) Disconnect() error {
	s.scheduler.Stop()

	s.mu.Lock()
	reg := s.registry
	s.registry = nil
	s.mu.Unlock()

	s.creds.Clear()
	s.metrics.SetRenewAt(0)

	if reg == nil {
		return nil
	}
	if err := reg.Close(); err != nil {
		return fmt.Errorf("session: disconnect: %w", err)
	}
	s.log.Info("session disconnected")
	return nil
}
