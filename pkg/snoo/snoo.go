// Package snoo is the public entry point of this module. It re-exports the
// core types and builds a fully wired Session from a Config.
package snoo

import (
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/trymwestin/snoo/internal/config"
	"github.com/trymwestin/snoo/internal/core/api"
	"github.com/trymwestin/snoo/internal/core/auth"
	"github.com/trymwestin/snoo/internal/core/channel"
	"github.com/trymwestin/snoo/internal/core/session"
	"github.com/trymwestin/snoo/internal/core/state"
	"github.com/trymwestin/snoo/internal/core/transport"
	"github.com/trymwestin/snoo/internal/metrics"
)

// Re-export core types for external use.
type (
	// Session authorizes, discovers devices, subscribes and sends commands.
	Session = session.Session
	// Status summarizes a session.
	Status = session.Status
	// Config is the full client configuration.
	Config = config.Config
	// Credentials is one authorization's token tuple.
	Credentials = auth.Credentials
	// Device is a paired bassinet.
	Device = api.Device
	// Baby is a baby profile.
	Baby = api.Baby
	// BabySettings holds per-baby soothing preferences.
	BabySettings = api.BabySettings
	// DeviceState is one decoded telemetry message.
	DeviceState = state.DeviceState
	// StateMachine is the soothing state machine snapshot.
	StateMachine = state.StateMachine
	// MachineState is a state machine state or level.
	MachineState = state.MachineState
	// EventKind identifies what triggered a telemetry message.
	EventKind = state.EventKind
	// Event is published on the session's event bus.
	Event = state.Event
	// EventType identifies bus event categories.
	EventType = state.EventType
	// Handler receives decoded device states.
	Handler = channel.Handler
	// Command is a device control message.
	Command = channel.Command
	// Metrics holds the Prometheus collectors.
	Metrics = metrics.Metrics
)

// Soothing levels.
const (
	LevelBaseline = state.StateBaseline
	Level1        = state.StateLevel1
	Level2        = state.StateLevel2
	Level3        = state.StateLevel3
	Level4        = state.StateLevel4
	LevelStop     = state.StateStop
	LevelUnknown  = state.StateUnknown
)

// Bus event types.
const (
	EventStateUpdate    = state.EventStateUpdate
	EventSubscribed     = state.EventSubscribed
	EventSessionRenewed = state.EventSessionRenewed
	EventSessionExpired = state.EventSessionExpired
)

// Errors.
var (
	ErrInvalidCredentials   = auth.ErrInvalidCredentials
	ErrAuthenticationFailed = auth.ErrAuthenticationFailed
	ErrNotAuthorized        = session.ErrNotAuthorized
	ErrDeviceDiscovery      = session.ErrDeviceDiscovery
	ErrInvalidLevel         = session.ErrInvalidLevel
	ErrCommandFailed        = channel.ErrCommandFailed
	ErrDecode               = state.ErrDecode
)

// DefaultConfig returns the vendor endpoints and keys with no account set.
func DefaultConfig() Config {
	return config.Defaults()
}

// NewMetrics creates the Prometheus collectors on a private registry.
func NewMetrics() *Metrics {
	return metrics.New()
}

// NewSession wires the authenticator, REST client and real-time transport
// described by cfg. m may be nil.
func NewSession(cfg Config, m *Metrics, log *slog.Logger) *Session {
	httpClient := &http.Client{Timeout: cfg.Cloud.Timeout}

	authn := auth.NewAuthenticator(auth.Config{
		IdentityURL:  cfg.Cloud.IdentityURL,
		ClientID:     cfg.Cloud.ClientID,
		AuthorizeURL: cfg.Cloud.AuthorizeURL,
		Email:        cfg.Account.Email,
		Password:     cfg.Account.Password,
	}, httpClient, log.With("component", "auth"))

	client := api.NewClient(api.Config{
		DevicesURL: cfg.Cloud.DevicesURL,
		BabiesURL:  cfg.Cloud.BabiesURL,
	}, httpClient, log.With("component", "api"))

	dialer := transport.NewPubNubDialer(transport.PubNubConfig{
		Origin:       cfg.PubNub.Origin,
		SubscribeKey: cfg.PubNub.SubscribeKey,
		PublishKey:   cfg.PubNub.PublishKey,
	}, log.With("component", "pubnub"))
	dialer.OnStatus = func(st transport.Status) {
		m.TransportStatus(string(st.Kind))
	}

	return session.New(authn, client, dialer, session.Options{
		Channel: channel.Options{
			Rate:  rate.Limit(cfg.Commands.RatePerSecond),
			Burst: cfg.Commands.Burst,
		},
		DeviceTTL: cfg.Cloud.DeviceTTL,
		Metrics:   m,
	}, log.With("component", "session"))
}

// ActiveLevel derives the level in effect from a transition pair.
func ActiveLevel(up, down MachineState) MachineState {
	return state.ActiveLevel(up, down)
}

// Decode parses one raw activity-channel message.
var Decode = state.Decode
