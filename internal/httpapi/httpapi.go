package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trymwestin/snoo/internal/core/api"
	"github.com/trymwestin/snoo/internal/core/channel"
	"github.com/trymwestin/snoo/internal/core/session"
	"github.com/trymwestin/snoo/internal/core/state"
)

// Session is the part of the session facade the API serves.
type Session interface {
	Status() session.Status
	Devices(ctx context.Context) ([]api.Device, error)
	LastState(serial string) (state.DeviceState, bool)
	Subscribe(ctx context.Context, serial string, h channel.Handler) (func(), error)
	Subscribed(serial string) bool
	Unsubscribe(serial string) (bool, error)
	StartSoothing(ctx context.Context, serial string) error
	StopSoothing(ctx context.Context, serial string) error
	SetLevel(ctx context.Context, serial string, level state.MachineState, hold bool) error
	SetStickyWhiteNoise(ctx context.Context, serial string, on bool) error
	RequestStatus(ctx context.Context, serial string) error
	Baby(ctx context.Context, id string) (api.Baby, error)
	UpdateBabySettings(ctx context.Context, id string, settings api.BabySettings) (api.Baby, error)
	Bus() *state.EventBus
}

// Server is the HTTP API server.
type Server struct {
	sess     Session
	metrics  http.Handler
	corsAll  bool
	log      *slog.Logger
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

// NewServer creates a new HTTP API server. metrics may be nil.
func NewServer(sess Session, metrics http.Handler, corsAll bool, log *slog.Logger) *Server {
	s := &Server{
		sess:    sess,
		metrics: metrics,
		corsAll: corsAll,
		log:     log,
		mux:     http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	if corsAll {
		s.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if !s.corsAll {
		return s.mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.corsHeaders(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.mux.ServeHTTP(w, r)
	})
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleGetStatus)
	s.mux.HandleFunc("GET /api/devices", s.handleGetDevices)
	s.mux.HandleFunc("GET /api/devices/{serial}/state", s.handleGetState)
	s.mux.HandleFunc("POST /api/devices/{serial}/subscribe", s.handleSubscribe)
	s.mux.HandleFunc("DELETE /api/devices/{serial}/subscribe", s.handleUnsubscribe)

	s.mux.HandleFunc("POST /api/devices/{serial}/control/start", s.handleControlStart)
	s.mux.HandleFunc("POST /api/devices/{serial}/control/stop", s.handleControlStop)
	s.mux.HandleFunc("POST /api/devices/{serial}/control/level", s.handleControlLevel)
	s.mux.HandleFunc("POST /api/devices/{serial}/control/white-noise", s.handleControlWhiteNoise)
	s.mux.HandleFunc("POST /api/devices/{serial}/control/status", s.handleControlStatus)

	s.mux.HandleFunc("GET /api/babies/{id}", s.handleGetBaby)
	s.mux.HandleFunc("PATCH /api/babies/{id}/settings", s.handlePatchBabySettings)

	s.mux.HandleFunc("GET /api/ws", s.handleWebsocket)

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

func (s *Server) corsHeaders(w http.ResponseWriter) {
	if s.corsAll {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeFailure maps session errors to status codes.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotAuthorized):
		code = http.StatusServiceUnavailable
	case errors.Is(err, session.ErrInvalidLevel):
		code = http.StatusBadRequest
	case errors.Is(err, session.ErrDeviceDiscovery), errors.Is(err, channel.ErrCommandFailed):
		code = http.StatusBadGateway
	}
	var se *api.StatusError
	if errors.As(err, &se) {
		code = http.StatusBadGateway
	}
	s.writeError(w, code, err.Error())
}

func (s *Server) readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) ok(w http.ResponseWriter) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

// --- Handlers ---

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.sess.Status())
}

func (s *Server) handleGetDevices(w http.ResponseWriter, r *http.Request) {
	devs, err := s.sess.Devices(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"devices": devs})
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")
	st, ok := s.sess.LastState(serial)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no state received for "+serial)
		return
	}
	s.writeJSON(w, st)
}

// handleSubscribe opens a subscription for a device nobody subscribed yet.
// An existing subscription keeps its handler.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")
	if s.sess.Subscribed(serial) {
		s.writeJSON(w, map[string]string{"status": "already_subscribed"})
		return
	}
	// State reaches clients through the store, the bus and /api/ws.
	if _, err := s.sess.Subscribe(r.Context(), serial, nil); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.ok(w)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	removed, err := s.sess.Unsubscribe(r.PathValue("serial"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if !removed {
		s.writeError(w, http.StatusNotFound, "device not subscribed")
		return
	}
	s.ok(w)
}

func (s *Server) handleControlStart(w http.ResponseWriter, r *http.Request) {
	if err := s.sess.StartSoothing(r.Context(), r.PathValue("serial")); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.ok(w)
}

func (s *Server) handleControlStop(w http.ResponseWriter, r *http.Request) {
	if err := s.sess.StopSoothing(r.Context(), r.PathValue("serial")); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.ok(w)
}

type levelBody struct {
	Level string `json:"level"`
	Hold  bool   `json:"hold"`
}

func (s *Server) handleControlLevel(w http.ResponseWriter, r *http.Request) {
	var body levelBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Level == "" {
		s.writeError(w, http.StatusBadRequest, "level is required")
		return
	}
	if err := s.sess.SetLevel(r.Context(), r.PathValue("serial"), state.MachineState(body.Level), body.Hold); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.ok(w)
}

type enabledBody struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleControlWhiteNoise(w http.ResponseWriter, r *http.Request) {
	var body enabledBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := s.sess.SetStickyWhiteNoise(r.Context(), r.PathValue("serial"), body.Enabled); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.ok(w)
}

func (s *Server) handleControlStatus(w http.ResponseWriter, r *http.Request) {
	if err := s.sess.RequestStatus(r.Context(), r.PathValue("serial")); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.ok(w)
}

func (s *Server) handleGetBaby(w http.ResponseWriter, r *http.Request) {
	b, err := s.sess.Baby(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, b)
}

func (s *Server) handlePatchBabySettings(w http.ResponseWriter, r *http.Request) {
	var settings api.BabySettings
	if err := s.readJSON(r, &settings); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	b, err := s.sess.UpdateBabySettings(r.Context(), r.PathValue("id"), settings)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, b)
}

// --- Websocket event stream ---

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 25 * time.Second
)

// handleWebsocket streams every EventBus event as a JSON text frame until
// the client goes away.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	events, unsub := s.sess.Bus().Subscribe(64)
	defer unsub()

	// The read side only handles control frames and notices disconnects.
	gone := make(chan struct{})
	ws.SetReadLimit(512)
	ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.log.Debug("websocket client connected", "remote", r.RemoteAddr)
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			s.log.Debug("websocket client disconnected", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteJSON(evt); err != nil {
				s.log.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
