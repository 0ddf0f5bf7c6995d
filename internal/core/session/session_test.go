package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/trymwestin/snoo/internal/core/api"
	"github.com/trymwestin/snoo/internal/core/auth"
	"github.com/trymwestin/snoo/internal/core/channel"
	"github.com/trymwestin/snoo/internal/core/state"
	"github.com/trymwestin/snoo/internal/core/transport/transporttest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAuth hands out tok-1, tok-2, ... with the given TTL.
type fakeAuth struct {
	calls atomic.Int32
	ttl   time.Duration
	err   error
}

func (f *fakeAuth) Authorize(context.Context) (*auth.Credentials, error) {
	n := f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &auth.Credentials{
		SessionToken: "tok-" + string(rune('0'+n)),
		IDToken:      "id-token",
		IssuedAt:     time.Now(),
		TTL:          f.ttl,
		Account:      auth.Account{Email: "parent@example.com"},
	}, nil
}

type fakeAPI struct {
	devices []api.Device
	err     error
	calls   atomic.Int32
}

func (f *fakeAPI) Devices(_ context.Context, idToken string) ([]api.Device, error) {
	f.calls.Add(1)
	if idToken != "id-token" {
		return nil, errors.New("bad token")
	}
	return f.devices, f.err
}

func (f *fakeAPI) Baby(_ context.Context, _, id string) (api.Baby, error) {
	f.calls.Add(1)
	return api.Baby{ID: id, Name: "Ada"}, nil
}

func (f *fakeAPI) UpdateBabySettings(_ context.Context, _, id string, settings api.BabySettings) (api.Baby, error) {
	f.calls.Add(1)
	return api.Baby{ID: id, Settings: settings}, nil
}

// manualClock fires a reauthorization only when told to.
type manualClock struct {
	mu    sync.Mutex
	armed []time.Duration
	fire  chan time.Time
}

func newManualClock() *manualClock {
	return &manualClock{fire: make(chan time.Time)}
}

func (c *manualClock) after(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.armed = append(c.armed, d)
	c.mu.Unlock()
	return c.fire
}

func (c *manualClock) delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.armed...)
}

type fixture struct {
	s      *Session
	auth   *fakeAuth
	api    *fakeAPI
	conn   *transporttest.Conn
	dialer *transporttest.Dialer
	clock  *manualClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		auth:  &fakeAuth{ttl: time.Hour},
		api:   &fakeAPI{devices: []api.Device{{SerialNumber: "SN1", Name: "Nursery"}, {SerialNumber: "SN2"}}},
		conn:  transporttest.NewConn(""),
		clock: newManualClock(),
	}
	f.dialer = transporttest.NewDialer(f.conn)
	f.s = New(f.auth, f.api, f.dialer, Options{
		Channel: channel.Options{Rate: rate.Inf, Burst: 1},
		After:   f.clock.after,
	}, testLogger())
	t.Cleanup(func() { _ = f.s.Disconnect() })
	return f
}

func TestPreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.s.Subscribe(ctx, "SN1", nil)
	assert.ErrorIs(t, err, ErrNotAuthorized)
	assert.ErrorIs(t, f.s.SendCommand(ctx, "SN1", channel.StartSoothing()), ErrNotAuthorized)
	assert.ErrorIs(t, f.s.StartSoothing(ctx, "SN1"), ErrNotAuthorized)
	_, err = f.s.Devices(ctx)
	assert.ErrorIs(t, err, ErrNotAuthorized)
	_, err = f.s.Baby(ctx, "b1")
	assert.ErrorIs(t, err, ErrNotAuthorized)

	assert.Empty(t, f.dialer.Dials(), "no network before authorization")
	assert.Equal(t, int32(0), f.api.calls.Load())
	assert.Nil(t, f.s.Credentials())
	assert.False(t, f.s.Status().Authorized)
}

func TestAuthorizeThenSendCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	creds, err := f.s.Authorize(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", creds.SessionToken)
	assert.Same(t, creds, f.s.Credentials())
	assert.Equal(t, []string{"tok-1"}, f.dialer.Dials())

	require.NoError(t, f.s.SendCommand(ctx, "SN1", channel.StartSoothing()))
	require.NoError(t, f.s.SetLevel(ctx, "SN1", state.StateLevel2, true))

	pubs := f.conn.Published()
	require.Len(t, pubs, 2)
	assert.Equal(t, "ControlCommand.SN1", pubs[1].Channel)
	assert.JSONEq(t, `"LEVEL2"`, string(extract(t, pubs[1].Payload, "state")))
	assert.JSONEq(t, `"on"`, string(extract(t, pubs[1].Payload, "hold")))

	assert.ErrorIs(t, f.s.SetLevel(ctx, "SN1", state.StateTimeout, false), ErrInvalidLevel)
}

func TestAuthorize_FailureLeavesSessionUnauthorized(t *testing.T) {
	f := newFixture(t)
	f.auth.err = auth.ErrInvalidCredentials

	_, err := f.s.Authorize(context.Background())
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	assert.Nil(t, f.s.Credentials())
	assert.Empty(t, f.dialer.Dials())
	assert.ErrorIs(t, f.s.RequestStatus(context.Background(), "SN1"), ErrNotAuthorized)
}

func TestAuthorize_ConnectFailure(t *testing.T) {
	f := newFixture(t)
	f.dialer.Err = errors.New("no route")

	_, err := f.s.Authorize(context.Background())
	require.Error(t, err)
	assert.Nil(t, f.s.Credentials())
}

func TestCommandFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	_, err := f.s.Authorize(context.Background())
	require.NoError(t, err)

	f.conn.PublishErr = errors.New("HTTP 403")
	err = f.s.StopSoothing(context.Background(), "SN1")
	assert.ErrorIs(t, err, channel.ErrCommandFailed)
}

func TestDevices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.s.Authorize(ctx)
	require.NoError(t, err)

	devs, err := f.s.Devices(ctx)
	require.NoError(t, err)
	assert.Len(t, devs, 2)

	d, ok := f.s.Device("SN1")
	require.True(t, ok)
	assert.Equal(t, "Nursery", d.Name)
	_, ok = f.s.Device("nope")
	assert.False(t, ok)

	f.api.err = errors.New("HTTP 500")
	_, err = f.s.Devices(ctx)
	assert.ErrorIs(t, err, ErrDeviceDiscovery)
}

func TestBabyProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.s.Authorize(ctx)
	require.NoError(t, err)

	b, err := f.s.Baby(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", b.Name)

	level := api.VolumeHigh
	b, err = f.s.UpdateBabySettings(ctx, "b1", api.BabySettings{SoothingLevelVolume: &level})
	require.NoError(t, err)
	assert.Equal(t, api.VolumeHigh, *b.Settings.SoothingLevelVolume)
}

func TestSubscribe_DeliversAndRecordsLastState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.s.Authorize(ctx)
	require.NoError(t, err)

	events, unsubBus := f.s.Bus().Subscribe(16)
	defer unsubBus()

	first := make(chan state.DeviceState, 4)
	second := make(chan state.DeviceState, 4)
	_, err = f.s.Subscribe(ctx, "SN1", func(_ string, st state.DeviceState) { first <- st })
	require.NoError(t, err)
	_, err = f.s.Subscribe(ctx, "SN1", func(_ string, st state.DeviceState) { second <- st })
	require.NoError(t, err)
	assert.Equal(t, 1, f.conn.Subscribes("ActivityState.SN1"))

	f.conn.Deliver("ActivityState.SN1", telemetry())

	select {
	case st := <-second:
		assert.Equal(t, state.StateBaseline, st.StateMachine.ActiveLevel)
	case <-time.After(2 * time.Second):
		t.Fatal("no state delivered")
	}
	assert.Empty(t, first)

	last, ok := f.s.LastState("SN1")
	require.True(t, ok)
	assert.Equal(t, state.EventCry, last.Event)

	seen := map[state.EventType]bool{}
	timeout := time.After(2 * time.Second)
	for !seen[state.EventStateUpdate] {
		select {
		case evt := <-events:
			seen[evt.Type] = true
		case <-timeout:
			t.Fatal("state update not published")
		}
	}
	assert.True(t, seen[state.EventSubscribed])
}

func TestReauthorizationPropagatesToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.s.Authorize(ctx)
	require.NoError(t, err)

	for _, serial := range []string{"SN1", "SN2"} {
		_, err := f.s.Subscribe(ctx, serial, nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(f.clock.delays()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, time.Hour, f.clock.delays()[0])
	assert.Equal(t, int32(1), f.auth.calls.Load())

	f.clock.fire <- time.Now()

	require.Eventually(t, func() bool {
		c := f.s.Credentials()
		return c != nil && c.SessionToken == "tok-2"
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.conn.Token() == "tok-2" }, 2*time.Second, 5*time.Millisecond)

	reg := f.s.registry
	for _, serial := range []string{"SN1", "SN2"} {
		m, ok := reg.Multiplexer(serial)
		require.True(t, ok)
		assert.Equal(t, "tok-2", m.Token())
		assert.Equal(t, 1, f.conn.Subscribes("ActivityState."+serial), "token swap must not resubscribe")
	}
	assert.Len(t, f.dialer.Dials(), 1)
	require.Eventually(t, func() bool { return len(f.clock.delays()) == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestReauthorizationFailureExpiresSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.s.Authorize(ctx)
	require.NoError(t, err)
	events, unsub := f.s.Bus().Subscribe(4)
	defer unsub()

	require.Eventually(t, func() bool { return len(f.clock.delays()) == 1 }, 2*time.Second, 5*time.Millisecond)
	f.auth.err = errors.New("cloud down")
	f.clock.fire <- time.Now()

	select {
	case evt := <-events:
		assert.Equal(t, state.EventSessionExpired, evt.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("expiry not published")
	}
	assert.True(t, f.s.Status().Expired)
	assert.Len(t, f.clock.delays(), 1, "failure must not re-arm")

	f.auth.err = nil
	_, err = f.s.Authorize(ctx)
	require.NoError(t, err)
	assert.False(t, f.s.Status().Expired)
}

func TestDisconnectStopsEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.s.Authorize(ctx)
	require.NoError(t, err)

	for _, serial := range []string{"SN1", "SN2"} {
		_, err := f.s.Subscribe(ctx, serial, nil)
		require.NoError(t, err)
	}
	reg := f.s.registry

	require.NoError(t, f.s.Disconnect())

	assert.False(t, f.s.scheduler.Armed())
	assert.Equal(t, 0, reg.Len())
	assert.True(t, f.conn.Closed())
	assert.False(t, f.conn.Live("ActivityState.SN1"))
	assert.Nil(t, f.s.Credentials())
	assert.ErrorIs(t, f.s.StartSoothing(ctx, "SN1"), ErrNotAuthorized)
	assert.Empty(t, f.s.Status().Devices)

	require.NoError(t, f.s.Disconnect())
}

func telemetry() map[string]any {
	return map[string]any{
		"left_safety_clip":  1,
		"right_safety_clip": 1,
		"rx_signal":         map[string]any{"rssi": -45},
		"sw_version":        "v1.14.22",
		"event_time_ms":     1735237642640,
		"system_state":      "normal",
		"event":             "cry",
		"state_machine": map[string]any{
			"up_transition":          "LEVEL1",
			"since_session_start_ms": 0,
			"sticky_white_noise":     "off",
			"weaning":                "off",
			"time_left":              -1,
			"session_id":             "1",
			"state":                  "BASELINE",
			"is_active_session":      true,
			"down_transition":        "NONE",
			"hold":                   "off",
			"audio":                  "on",
		},
	}
}

func extract(t *testing.T, payload []byte, key string) []byte {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(payload, &m))
	return m[key]
}

func TestUnsubscribe_WhileHandlerUsesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.s.Unsubscribe("SN1")
	assert.ErrorIs(t, err, ErrNotAuthorized)

	_, err = f.s.Authorize(ctx)
	require.NoError(t, err)
	assert.False(t, f.s.Subscribed("SN1"))

	entered := make(chan struct{})
	release := make(chan struct{})
	sendErr := make(chan error, 1)
	_, err = f.s.Subscribe(ctx, "SN1", func(serial string, _ state.DeviceState) {
		close(entered)
		<-release
		sendErr <- f.s.SendCommand(ctx, serial, channel.RequestStatus())
		_ = f.s.Status()
	})
	require.NoError(t, err)
	assert.True(t, f.s.Subscribed("SN1"))

	f.conn.Deliver("ActivityState.SN1", telemetry())
	<-entered

	done := make(chan bool, 1)
	go func() {
		ok, err := f.s.Unsubscribe("SN1")
		assert.NoError(t, err)
		done <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("unsubscribe did not return while the handler used the session")
	}
	assert.NoError(t, <-sendErr)
	assert.False(t, f.conn.Live("ActivityState.SN1"))
	assert.False(t, f.s.Subscribed("SN1"))

	ok, err := f.s.Unsubscribe("SN1")
	require.NoError(t, err)
	assert.False(t, ok)
}
