package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trymwestin/snoo/internal/core/api"
	"github.com/trymwestin/snoo/internal/core/channel"
	"github.com/trymwestin/snoo/internal/core/session"
	"github.com/trymwestin/snoo/internal/core/state"
)

type fakeSession struct {
	authorized bool
	bus        *state.EventBus
	store      *state.Store

	mu         sync.Mutex
	commands   []string
	subscribed map[string]bool
}

func (f *fakeSession) record(c string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, c)
}

func (f *fakeSession) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeSession) check() error {
	if !f.authorized {
		return session.ErrNotAuthorized
	}
	return nil
}

func (f *fakeSession) Status() session.Status {
	return session.Status{Authorized: f.authorized, Devices: []string{"SN1"}}
}

func (f *fakeSession) Devices(context.Context) ([]api.Device, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return []api.Device{{SerialNumber: "SN1"}}, nil
}

func (f *fakeSession) LastState(serial string) (state.DeviceState, bool) {
	return f.store.Get(serial)
}

func (f *fakeSession) Subscribe(_ context.Context, serial string, _ channel.Handler) (func(), error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	f.record("subscribe " + serial)
	f.mu.Lock()
	f.subscribed[serial] = true
	f.mu.Unlock()
	return func() {}, nil
}

func (f *fakeSession) Subscribed(serial string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed[serial]
}

func (f *fakeSession) Unsubscribe(serial string) (bool, error) {
	if err := f.check(); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	was := f.subscribed[serial]
	delete(f.subscribed, serial)
	return was, nil
}

func (f *fakeSession) command(name, serial string) error {
	if err := f.check(); err != nil {
		return err
	}
	f.record(name + " " + serial)
	return nil
}

func (f *fakeSession) StartSoothing(_ context.Context, serial string) error {
	return f.command("start", serial)
}

func (f *fakeSession) StopSoothing(_ context.Context, serial string) error {
	return f.command("stop", serial)
}

func (f *fakeSession) SetLevel(_ context.Context, serial string, level state.MachineState, hold bool) error {
	if !level.IsLevel() {
		return fmt.Errorf("%w: %q", session.ErrInvalidLevel, level)
	}
	return f.command(fmt.Sprintf("level=%s hold=%v", level, hold), serial)
}

func (f *fakeSession) SetStickyWhiteNoise(_ context.Context, serial string, on bool) error {
	return f.command(fmt.Sprintf("white_noise=%v", on), serial)
}

func (f *fakeSession) RequestStatus(_ context.Context, serial string) error {
	return f.command("status", serial)
}

func (f *fakeSession) Baby(_ context.Context, id string) (api.Baby, error) {
	return api.Baby{ID: id, Name: "Ada"}, f.check()
}

func (f *fakeSession) UpdateBabySettings(_ context.Context, id string, settings api.BabySettings) (api.Baby, error) {
	return api.Baby{ID: id, Settings: settings}, f.check()
}

func (f *fakeSession) Bus() *state.EventBus { return f.bus }

func newTestServer(t *testing.T, authorized bool) (*httptest.Server, *fakeSession) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := state.NewEventBus(log)
	fs := &fakeSession{authorized: authorized, bus: bus, store: state.NewStore(bus), subscribed: map[string]bool{}}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "snoo_up 1\n")
	})
	srv := httptest.NewServer(NewServer(fs, metrics, true, log).Handler())
	t.Cleanup(srv.Close)
	return srv, fs
}

func do(t *testing.T, method, url, body string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestControlEndpoints(t *testing.T) {
	srv, fs := newTestServer(t, true)

	code, _ := do(t, http.MethodPost, srv.URL+"/api/devices/SN1/control/start", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = do(t, http.MethodPost, srv.URL+"/api/devices/SN1/control/level", `{"level":"LEVEL2","hold":true}`)
	assert.Equal(t, http.StatusOK, code)
	code, _ = do(t, http.MethodPost, srv.URL+"/api/devices/SN1/control/white-noise", `{"enabled":true}`)
	assert.Equal(t, http.StatusOK, code)
	code, _ = do(t, http.MethodPost, srv.URL+"/api/devices/SN1/control/status", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = do(t, http.MethodPost, srv.URL+"/api/devices/SN1/control/stop", "")
	assert.Equal(t, http.StatusOK, code)

	assert.Equal(t, []string{
		"start SN1",
		"level=LEVEL2 hold=true SN1",
		"white_noise=true SN1",
		"status SN1",
		"stop SN1",
	}, fs.recorded())
}

func TestSubscribeKeepsExistingHandler(t *testing.T) {
	srv, fs := newTestServer(t, true)
	fs.mu.Lock()
	fs.subscribed["SN1"] = true
	fs.mu.Unlock()

	code, body := do(t, http.MethodPost, srv.URL+"/api/devices/SN1/subscribe", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "already_subscribed", body["status"])

	code, body = do(t, http.MethodPost, srv.URL+"/api/devices/SN2/subscribe", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, []string{"subscribe SN2"}, fs.recorded())

	code, _ = do(t, http.MethodDelete, srv.URL+"/api/devices/SN1/subscribe", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = do(t, http.MethodDelete, srv.URL+"/api/devices/SN1/subscribe", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestControlErrors(t *testing.T) {
	srv, _ := newTestServer(t, true)

	code, body := do(t, http.MethodPost, srv.URL+"/api/devices/SN1/control/level", `{"level":"TIMEOUT"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "not a soothing level")

	code, _ = do(t, http.MethodPost, srv.URL+"/api/devices/SN1/control/level", `{`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, http.MethodGet, srv.URL+"/api/devices/SN1/state", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestNotAuthorizedIsUnavailable(t *testing.T) {
	srv, _ := newTestServer(t, false)

	code, _ := do(t, http.MethodGet, srv.URL+"/api/devices", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	code, _ = do(t, http.MethodPost, srv.URL+"/api/devices/SN1/control/start", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, body := do(t, http.MethodGet, srv.URL+"/api/status", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["authorized"])
}

func TestStateAndBaby(t *testing.T) {
	srv, fs := newTestServer(t, true)
	fs.store.Set("SN1", state.DeviceState{Event: state.EventCry, SystemState: "normal"})

	code, body := do(t, http.MethodGet, srv.URL+"/api/devices/SN1/state", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "cry", body["event"])

	code, body = do(t, http.MethodGet, srv.URL+"/api/babies/b1", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Ada", body["babyName"])

	code, body = do(t, http.MethodPatch, srv.URL+"/api/babies/b1/settings", `{"minimalLevelVolume":"lvl+1"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "lvl+1", body["settings"].(map[string]interface{})["minimalLevelVolume"])
}

func TestMetricsRoute(t *testing.T) {
	srv, _ := newTestServer(t, true)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(data), "snoo_up 1")
}

func TestWebsocketStreamsEvents(t *testing.T) {
	srv, fs := newTestServer(t, true)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws", nil)
	require.NoError(t, err)
	defer ws.Close()

	// The handler subscribes to the bus after the upgrade; retry until it does.
	got := make(chan state.Event, 1)
	go func() {
		var evt state.Event
		if err := ws.ReadJSON(&evt); err == nil {
			got <- evt
		}
	}()

	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case evt := <-got:
			assert.Equal(t, state.EventStateUpdate, evt.Type)
			assert.Equal(t, "SN1", evt.Serial)
			return
		case <-tick.C:
			fs.store.Set("SN1", state.DeviceState{Event: state.EventTimer})
		case <-deadline:
			t.Fatal("no event streamed")
		}
	}
}
