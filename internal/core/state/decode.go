package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrDecode matches every telemetry decoding failure.
	ErrDecode = errors.New("decode telemetry")

	// ErrNotTelemetry is returned for messages on the activity channel that
	// carry no device state (no system_state field). It also matches ErrDecode.
	ErrNotTelemetry = fmt.Errorf("%w: not a state message", ErrDecode)
)

// onOff accepts "on"/"off".
type onOff bool

func (o *onOff) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch strings.ToLower(s) {
	case "on":
		*o = true
	case "off":
		*o = false
	default:
		return fmt.Errorf("want \"on\" or \"off\", got %q", s)
	}
	return nil
}

// flexBool accepts a JSON bool or its string form.
type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	var v bool
	if err := json.Unmarshal(b, &v); err == nil {
		*f = flexBool(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("want bool, got %s", b)
	}
	switch strings.ToLower(s) {
	case "true":
		*f = true
	case "false":
		*f = false
	default:
		return fmt.Errorf("want bool, got %q", s)
	}
	return nil
}

type wireMessage struct {
	Event           *string            `json:"event"`
	EventTimeMS     *int64             `json:"event_time_ms"`
	SystemState     *string            `json:"system_state"`
	LeftSafetyClip  *int               `json:"left_safety_clip"`
	RightSafetyClip *int               `json:"right_safety_clip"`
	RxSignal        map[string]float64 `json:"rx_signal"`
	SwVersion       string             `json:"sw_version"`
	StateMachine    *wireStateMachine  `json:"state_machine"`
}

type wireStateMachine struct {
	State               *string   `json:"state"`
	UpTransition        *string   `json:"up_transition"`
	DownTransition      *string   `json:"down_transition"`
	Hold                *onOff    `json:"hold"`
	Audio               *onOff    `json:"audio"`
	StickyWhiteNoise    *onOff    `json:"sticky_white_noise"`
	Weaning             *onOff    `json:"weaning"`
	IsActiveSession     *flexBool `json:"is_active_session"`
	SessionID           *string   `json:"session_id"`
	SinceSessionStartMS *int64    `json:"since_session_start_ms"`
	TimeLeft            *int64    `json:"time_left"`
}

// Decode maps one raw activity-channel message to a DeviceState. now anchors
// the derived time-left deadline. Decode never panics; every failure wraps
// ErrDecode.
func Decode(raw []byte, now time.Time) (DeviceState, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return DeviceState{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if w.SystemState == nil {
		return DeviceState{}, ErrNotTelemetry
	}

	if err := w.validate(); err != nil {
		return DeviceState{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	sm, err := w.StateMachine.decode(now)
	if err != nil {
		return DeviceState{}, fmt.Errorf("%w: state_machine: %v", ErrDecode, err)
	}

	return DeviceState{
		Event:           EventKind(*w.Event),
		EventTime:       time.UnixMilli(*w.EventTimeMS),
		SystemState:     *w.SystemState,
		LeftSafetyClip:  *w.LeftSafetyClip,
		RightSafetyClip: *w.RightSafetyClip,
		Signal:          w.RxSignal,
		SoftwareVersion: w.SwVersion,
		StateMachine:    sm,
	}, nil
}

func (w *wireMessage) validate() error {
	switch {
	case w.Event == nil:
		return missing("event")
	case w.EventTimeMS == nil:
		return missing("event_time_ms")
	case w.SystemState == nil:
		return missing("system_state")
	case w.LeftSafetyClip == nil:
		return missing("left_safety_clip")
	case w.RightSafetyClip == nil:
		return missing("right_safety_clip")
	case w.RxSignal == nil:
		return missing("rx_signal")
	case w.StateMachine == nil:
		return missing("state_machine")
	}
	if !eventKinds[EventKind(*w.Event)] {
		return fmt.Errorf("unknown event %q", *w.Event)
	}
	return nil
}

func (w *wireStateMachine) decode(now time.Time) (StateMachine, error) {
	switch {
	case w.State == nil:
		return StateMachine{}, missing("state")
	case w.UpTransition == nil:
		return StateMachine{}, missing("up_transition")
	case w.DownTransition == nil:
		return StateMachine{}, missing("down_transition")
	case w.Hold == nil:
		return StateMachine{}, missing("hold")
	case w.Audio == nil:
		return StateMachine{}, missing("audio")
	case w.StickyWhiteNoise == nil:
		return StateMachine{}, missing("sticky_white_noise")
	case w.IsActiveSession == nil:
		return StateMachine{}, missing("is_active_session")
	case w.SessionID == nil:
		return StateMachine{}, missing("session_id")
	case w.SinceSessionStartMS == nil:
		return StateMachine{}, missing("since_session_start_ms")
	case w.TimeLeft == nil:
		return StateMachine{}, missing("time_left")
	}

	st := MachineState(*w.State)
	if !st.Valid() {
		return StateMachine{}, fmt.Errorf("unknown state %q", *w.State)
	}

	up := MachineState(*w.UpTransition)
	down := MachineState(*w.DownTransition)

	sm := StateMachine{
		State:               st,
		UpTransition:        up,
		DownTransition:      down,
		Hold:                bool(*w.Hold),
		Audio:               bool(*w.Audio),
		StickyWhiteNoise:    bool(*w.StickyWhiteNoise),
		IsActiveSession:     bool(*w.IsActiveSession),
		SessionID:           *w.SessionID,
		SinceSessionStartMS: *w.SinceSessionStartMS,
		TimeLeftMS:          *w.TimeLeft,
		ActiveLevel:         ActiveLevel(up, down),
	}
	if w.Weaning != nil {
		sm.Weaning = bool(*w.Weaning)
	}
	if sm.TimeLeftMS != -1 {
		deadline := now.Add(time.Duration(sm.TimeLeftMS) * time.Millisecond)
		sm.TimeLeftDeadline = &deadline
	}
	return sm, nil
}

func missing(field string) error {
	return fmt.Errorf("missing field %s", field)
}
