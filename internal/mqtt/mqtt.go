// Package mqtt bridges devices to Home Assistant over MQTT. The HAPublisher
// publishes auto-discovery configs for every device, mirrors decoded state
// from the EventBus onto retained state topics, and relays command topics
// back to the devices.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/trymwestin/snoo/internal/core/api"
	"github.com/trymwestin/snoo/internal/core/state"
)

// ---------------------------------------------------------------------------
// Publisher interface
// ---------------------------------------------------------------------------

// Publisher sends events and state to an MQTT broker.
type Publisher interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// StubPublisher is a no-op publisher for when MQTT is not configured.
type StubPublisher struct {
	log *slog.Logger
}

// NewStubPublisher creates a no-op MQTT publisher.
func NewStubPublisher(log *slog.Logger) *StubPublisher {
	return &StubPublisher{log: log}
}

func (s *StubPublisher) Start(_ context.Context) error {
	s.log.Info("MQTT publisher disabled (stub)")
	return nil
}

func (s *StubPublisher) Stop(_ context.Context) error {
	return nil
}

var _ Publisher = (*StubPublisher)(nil)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config holds MQTT publisher configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Controller sends commands to a device without importing the session
// package directly.
type Controller interface {
	StartSoothing(ctx context.Context, serial string) error
	StopSoothing(ctx context.Context, serial string) error
	SetLevel(ctx context.Context, serial string, level state.MachineState, hold bool) error
	SetStickyWhiteNoise(ctx context.Context, serial string, on bool) error
	RequestStatus(ctx context.Context, serial string) error
}

// StateReader reads the last known device states.
type StateReader interface {
	Get(serial string) (state.DeviceState, bool)
	Snapshot() map[string]state.DeviceState
}

// ---------------------------------------------------------------------------
// HAPublisher
// ---------------------------------------------------------------------------

var _ Publisher = (*HAPublisher)(nil)

// HAPublisher is the Home Assistant bridge for a fixed set of devices.
type HAPublisher struct {
	cfg     Config
	devices map[string]api.Device
	ctrl    Controller
	store   StateReader
	bus     *state.EventBus
	log     *slog.Logger

	client pahomqtt.Client
	// send publishes one message; replaced in tests.
	send func(topic, payload string, retained bool)

	unsub func()
	stopC chan struct{}
	wg    sync.WaitGroup
}

// NewHAPublisher creates a bridge for devices.
func NewHAPublisher(cfg Config, devices []api.Device, ctrl Controller, store StateReader, bus *state.EventBus, log *slog.Logger) *HAPublisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "snoo"
	}
	p := &HAPublisher{
		cfg:     cfg,
		devices: make(map[string]api.Device, len(devices)),
		ctrl:    ctrl,
		store:   store,
		bus:     bus,
		log:     log,
		stopC:   make(chan struct{}),
	}
	for _, d := range devices {
		p.devices[d.SerialNumber] = d
	}
	p.send = p.publishMQTT
	return p
}

// Start connects to the broker and starts forwarding EventBus updates.
// Discovery, command subscriptions and the state snapshot are (re)published
// on every connect.
func (p *HAPublisher) Start(_ context.Context) error {
	availTopic := p.bridgeTopic("status")

	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID("snoo-bridge-" + uuid.NewString()[:8]).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(availTopic, "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.log.Info("MQTT connected, publishing discovery and state")
			p.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.log.Warn("MQTT connection lost", "error", err)
		})

	p.client = pahomqtt.NewClient(opts)

	token := p.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	evtCh, unsub := p.bus.Subscribe(128)
	p.unsub = unsub

	p.wg.Add(1)
	go p.eventLoop(evtCh)

	p.log.Info("MQTT publisher started", "broker", p.cfg.Broker, "devices", len(p.devices))
	return nil
}

// Stop publishes offline availability and disconnects.
func (p *HAPublisher) Stop(_ context.Context) error {
	p.log.Info("MQTT publisher stopping")

	close(p.stopC)
	if p.unsub != nil {
		p.unsub()
	}
	p.wg.Wait()

	if p.client != nil && p.client.IsConnected() {
		p.send(p.bridgeTopic("status"), "offline", true)
		p.client.Disconnect(1000)
	}
	p.log.Info("MQTT publisher stopped")
	return nil
}

func (p *HAPublisher) onConnect() {
	p.send(p.bridgeTopic("status"), "online", true)
	p.publishDiscovery()
	p.subscribeCommands()

	p.client.Subscribe("homeassistant/status", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if string(msg.Payload()) == "online" {
			p.log.Info("Home Assistant came online, re-publishing discovery")
			p.publishDiscovery()
			p.publishFullState()
		}
	})

	p.publishFullState()
}

// ---------------------------------------------------------------------------
// Discovery configs
// ---------------------------------------------------------------------------

func discoveryTopic(component, serial, objectID string) string {
	return fmt.Sprintf("homeassistant/%s/snoo_%s_%s/config", component, serial, objectID)
}

func deviceInfo(d api.Device) map[string]interface{} {
	name := d.Name
	if name == "" {
		name = d.SerialNumber
	}
	return map[string]interface{}{
		"identifiers":  []string{"snoo_" + d.SerialNumber},
		"name":         fmt.Sprintf("Snoo %s", name),
		"manufacturer": "Happiest Baby",
		"model":        "Snoo",
		"sw_version":   d.FirmwareVersion,
	}
}

var levelOptions = []string{
	string(state.StateBaseline),
	string(state.StateLevel1),
	string(state.StateLevel2),
	string(state.StateLevel3),
	string(state.StateLevel4),
	string(state.StateStop),
}

func (p *HAPublisher) publishDiscovery() {
	for _, d := range p.devices {
		p.publishDeviceDiscovery(d)
	}
}

func (p *HAPublisher) publishDeviceDiscovery(d api.Device) {
	serial := d.SerialNumber
	dev := deviceInfo(d)
	avail := map[string]interface{}{"topic": p.bridgeTopic("status")}
	stateTopic := p.topic(serial, "state")

	entity := func(objectID, name string, extra map[string]interface{}) map[string]interface{} {
		cfg := map[string]interface{}{
			"name":         name,
			"unique_id":    fmt.Sprintf("snoo_%s_%s", serial, objectID),
			"device":       dev,
			"availability": avail,
		}
		for k, v := range extra {
			cfg[k] = v
		}
		return cfg
	}

	// --- Sensors ---
	p.publishDiscoveryConfig("sensor", serial, "level", entity("level", "Level", map[string]interface{}{
		"state_topic":    stateTopic,
		"value_template": "{{ value_json.level }}",
		"icon":           "mdi:cradle",
	}))
	p.publishDiscoveryConfig("sensor", serial, "state", entity("state", "State", map[string]interface{}{
		"state_topic":    stateTopic,
		"value_template": "{{ value_json.state }}",
	}))
	p.publishDiscoveryConfig("sensor", serial, "event", entity("event", "Last Event", map[string]interface{}{
		"state_topic":    stateTopic,
		"value_template": "{{ value_json.event }}",
	}))
	p.publishDiscoveryConfig("sensor", serial, "time_left", entity("time_left", "Time Left", map[string]interface{}{
		"state_topic":         stateTopic,
		"value_template":      "{{ value_json.time_left_s }}",
		"unit_of_measurement": "s",
		"device_class":        "duration",
	}))
	p.publishDiscoveryConfig("sensor", serial, "signal", entity("signal", "Signal Strength", map[string]interface{}{
		"state_topic":         stateTopic,
		"value_template":      "{{ value_json.rssi }}",
		"unit_of_measurement": "dBm",
		"device_class":        "signal_strength",
		"entity_category":     "diagnostic",
	}))

	// --- Binary sensors ---
	p.publishDiscoveryConfig("binary_sensor", serial, "session", entity("session", "Session Active", map[string]interface{}{
		"state_topic":    stateTopic,
		"value_template": "{{ value_json.session_active }}",
		"device_class":   "running",
	}))
	p.publishDiscoveryConfig("binary_sensor", serial, "safety_clips", entity("safety_clips", "Safety Clips", map[string]interface{}{
		"state_topic":    stateTopic,
		"value_template": "{{ value_json.safety_clips_ok }}",
		"device_class":   "safety",
		"payload_on":     "OFF",
		"payload_off":    "ON",
	}))

	// --- Switches ---
	for _, sw := range []struct {
		objectID string
		name     string
		field    string
	}{
		{"soothing", "Soothing", "session_active"},
		{"hold", "Hold Level", "hold"},
		{"white_noise", "Sticky White Noise", "sticky_white_noise"},
	} {
		p.publishDiscoveryConfig("switch", serial, sw.objectID, entity(sw.objectID, sw.name, map[string]interface{}{
			"state_topic":    stateTopic,
			"value_template": fmt.Sprintf("{{ value_json.%s }}", sw.field),
			"command_topic":  p.topic(serial, sw.objectID+"/set"),
			"payload_on":     "ON",
			"payload_off":    "OFF",
		}))
	}

	// --- Select (level) ---
	p.publishDiscoveryConfig("select", serial, "level_select", entity("level_select", "Soothing Level", map[string]interface{}{
		"state_topic":    stateTopic,
		"value_template": "{{ value_json.level }}",
		"command_topic":  p.topic(serial, "level/set"),
		"options":        levelOptions,
	}))

	// --- Button (status request) ---
	p.publishDiscoveryConfig("button", serial, "refresh", entity("refresh", "Request Status", map[string]interface{}{
		"command_topic":   p.topic(serial, "refresh/set"),
		"entity_category": "diagnostic",
	}))
}

func (p *HAPublisher) publishDiscoveryConfig(component, serial, objectID string, payload map[string]interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("failed to marshal discovery config", "component", component, "object_id", objectID, "error", err)
		return
	}
	p.send(discoveryTopic(component, serial, objectID), string(data), true)
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func (p *HAPublisher) subscribeCommands() {
	filter := fmt.Sprintf("%s/+/+/set", p.cfg.TopicPrefix)
	token := p.client.Subscribe(filter, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		p.handleCommand(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("failed to subscribe to command topics", "topic", filter, "error", err)
	}
}

// handleCommand dispatches {prefix}/{serial}/{entity}/set.
func (p *HAPublisher) handleCommand(topic string, payload []byte) {
	parts := strings.Split(strings.TrimPrefix(topic, p.cfg.TopicPrefix+"/"), "/")
	if len(parts) != 3 || parts[2] != "set" {
		p.log.Warn("ignoring unexpected command topic", "topic", topic)
		return
	}
	serial, entity := parts[0], parts[1]
	if _, ok := p.devices[serial]; !ok {
		p.log.Warn("command for unknown device", "serial", serial)
		return
	}

	value := strings.TrimSpace(string(payload))
	on := strings.EqualFold(value, "ON")
	p.log.Info("MQTT command", "serial", serial, "entity", entity, "value", value)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch entity {
	case "soothing":
		if on {
			err = p.ctrl.StartSoothing(ctx, serial)
		} else {
			err = p.ctrl.StopSoothing(ctx, serial)
		}
	case "level":
		level := state.MachineState(strings.ToUpper(value))
		if level == state.StateStop {
			err = p.ctrl.StopSoothing(ctx, serial)
		} else {
			err = p.ctrl.SetLevel(ctx, serial, level, p.currentHold(serial))
		}
	case "hold":
		level, ok := p.currentLevel(serial)
		if !ok {
			p.log.Warn("hold ignored, no active level known", "serial", serial)
			return
		}
		err = p.ctrl.SetLevel(ctx, serial, level, on)
	case "white_noise":
		err = p.ctrl.SetStickyWhiteNoise(ctx, serial, on)
	case "refresh":
		err = p.ctrl.RequestStatus(ctx, serial)
	default:
		p.log.Warn("unknown command entity", "entity", entity)
		return
	}
	if err != nil {
		p.log.Error("MQTT command failed", "serial", serial, "entity", entity, "error", err)
	}
}

func (p *HAPublisher) currentLevel(serial string) (state.MachineState, bool) {
	st, ok := p.store.Get(serial)
	if !ok || !st.StateMachine.ActiveLevel.IsLevel() {
		return "", false
	}
	return st.StateMachine.ActiveLevel, true
}

func (p *HAPublisher) currentHold(serial string) bool {
	st, ok := p.store.Get(serial)
	return ok && st.StateMachine.Hold
}

// ---------------------------------------------------------------------------
// State publishing
// ---------------------------------------------------------------------------

func (p *HAPublisher) publishFullState() {
	for serial, st := range p.store.Snapshot() {
		if _, ok := p.devices[serial]; ok {
			p.publishState(serial, st)
		}
	}
}

func (p *HAPublisher) publishState(serial string, st state.DeviceState) {
	data, err := json.Marshal(statePayload(st, time.Now()))
	if err != nil {
		p.log.Error("failed to marshal device state", "serial", serial, "error", err)
		return
	}
	p.send(p.topic(serial, "state"), string(data), true)
}

// statePayload flattens a device state for HA value templates.
func statePayload(st state.DeviceState, now time.Time) map[string]interface{} {
	sm := st.StateMachine
	payload := map[string]interface{}{
		"level":              string(sm.ActiveLevel),
		"state":              string(sm.State),
		"event":              string(st.Event),
		"session_active":     boolToOnOff(sm.IsActiveSession),
		"hold":               boolToOnOff(sm.Hold),
		"sticky_white_noise": boolToOnOff(sm.StickyWhiteNoise),
		"safety_clips_ok":    boolToOnOff(st.SafetyClipsOK()),
		"time_left_s":        nil,
	}
	if sm.TimeLeftDeadline != nil {
		payload["time_left_s"] = int(math.Max(0, sm.TimeLeftDeadline.Sub(now).Seconds()))
	}
	if rssi, ok := st.Signal["rssi"]; ok {
		payload["rssi"] = rssi
	}
	return payload
}

// ---------------------------------------------------------------------------
// EventBus loop
// ---------------------------------------------------------------------------

func (p *HAPublisher) eventLoop(ch <-chan state.Event) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopC:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			p.handleEvent(evt)
		}
	}
}

func (p *HAPublisher) handleEvent(evt state.Event) {
	switch evt.Type {
	case state.EventStateUpdate:
		if _, ok := p.devices[evt.Serial]; !ok {
			return
		}
		st, ok := evt.Data.(state.DeviceState)
		if !ok {
			p.log.Warn("unexpected data type for state_update")
			return
		}
		p.publishState(evt.Serial, st)

	case state.EventSessionExpired:
		p.send(p.bridgeTopic("status"), "offline", true)

	case state.EventSessionRenewed:
		p.send(p.bridgeTopic("status"), "online", true)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// topic builds {prefix}/{serial}/{suffix}.
func (p *HAPublisher) topic(serial, suffix string) string {
	return fmt.Sprintf("%s/%s/%s", p.cfg.TopicPrefix, serial, suffix)
}

// bridgeTopic builds {prefix}/bridge/{suffix}.
func (p *HAPublisher) bridgeTopic(suffix string) string {
	return fmt.Sprintf("%s/bridge/%s", p.cfg.TopicPrefix, suffix)
}

func (p *HAPublisher) publishMQTT(topic, payload string, retained bool) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	token := p.client.Publish(topic, 1, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("mqtt publish failed", "topic", topic, "error", err)
	}
}

func boolToOnOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}
