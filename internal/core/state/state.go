package state

import (
	"time"
)

// EventKind identifies what triggered a telemetry message.
type EventKind string

const (
	EventTimer                   EventKind = "timer"
	EventCry                     EventKind = "cry"
	EventCommand                 EventKind = "command"
	EventSafetyClip              EventKind = "safety_clip"
	EventLongPress               EventKind = "long_activity_press"
	EventActivity                EventKind = "activity_button"
	EventPower                   EventKind = "power_button"
	EventStatusRequested         EventKind = "status_requested"
	EventInitialStatusRequested  EventKind = "initial_status_requested"
	EventStickyWhiteNoiseUpdated EventKind = "sticky_white_noise_updated"
	EventConfigChange            EventKind = "config_change"
	EventRestart                 EventKind = "restart"
)

var eventKinds = map[EventKind]bool{
	EventTimer: true, EventCry: true, EventCommand: true, EventSafetyClip: true,
	EventLongPress: true, EventActivity: true, EventPower: true,
	EventStatusRequested: true, EventInitialStatusRequested: true,
	EventStickyWhiteNoiseUpdated: true, EventConfigChange: true, EventRestart: true,
}

// MachineState is a state of the device's soothing state machine.
type MachineState string

const (
	StateBaseline               MachineState = "BASELINE"
	StateLevel1                 MachineState = "LEVEL1"
	StateLevel2                 MachineState = "LEVEL2"
	StateLevel3                 MachineState = "LEVEL3"
	StateLevel4                 MachineState = "LEVEL4"
	StateStop                   MachineState = "ONLINE"
	StatePretimeout             MachineState = "PRETIMEOUT"
	StateTimeout                MachineState = "TIMEOUT"
	StateSuspended              MachineState = "SUSPENDED"
	StateWeaningBaseline        MachineState = "WEANING_BASELINE"
	StateGlobalSettings         MachineState = "GLOBAL_SETTINGS"
	StateUnrecoverableSuspended MachineState = "UNRECOVERABLE_SUSPENDED"
	StateUnrecoverableError     MachineState = "UNRECOVERABLE_ERROR"
	StateNone                   MachineState = "NONE"
	StateManual                 MachineState = "MANUAL"

	// StateUnknown is the active level when the transition pair matches no
	// known rule. The device never reports it.
	StateUnknown MachineState = "UNKNOWN"
)

var machineStates = map[MachineState]bool{
	StateBaseline: true, StateLevel1: true, StateLevel2: true, StateLevel3: true,
	StateLevel4: true, StateStop: true, StatePretimeout: true, StateTimeout: true,
	StateSuspended: true, StateWeaningBaseline: true, StateGlobalSettings: true,
	StateUnrecoverableSuspended: true, StateUnrecoverableError: true,
	StateNone: true, StateManual: true,
}

// Valid reports whether s is a state the device can report.
func (s MachineState) Valid() bool {
	return machineStates[s]
}

// IsLevel reports whether s is one of the selectable soothing levels.
func (s MachineState) IsLevel() bool {
	switch s {
	case StateBaseline, StateLevel1, StateLevel2, StateLevel3, StateLevel4:
		return true
	}
	return false
}

// DeviceState is one decoded telemetry message.
type DeviceState struct {
	Event           EventKind          `json:"event"`
	EventTime       time.Time          `json:"event_time"`
	SystemState     string             `json:"system_state"`
	LeftSafetyClip  int                `json:"left_safety_clip"`
	RightSafetyClip int                `json:"right_safety_clip"`
	Signal          map[string]float64 `json:"rx_signal"`
	SoftwareVersion string             `json:"sw_version,omitempty"`
	StateMachine    StateMachine       `json:"state_machine"`
}

// SafetyClipsOK reports whether both safety clips are fastened.
func (d DeviceState) SafetyClipsOK() bool {
	return d.LeftSafetyClip == 1 && d.RightSafetyClip == 1
}

// StateMachine is the soothing state machine snapshot carried by a message.
type StateMachine struct {
	State               MachineState `json:"state"`
	UpTransition        MachineState `json:"up_transition"`
	DownTransition      MachineState `json:"down_transition"`
	Hold                bool         `json:"hold"`
	Audio               bool         `json:"audio"`
	StickyWhiteNoise    bool         `json:"sticky_white_noise"`
	Weaning             bool         `json:"weaning"`
	IsActiveSession     bool         `json:"is_active_session"`
	SessionID           string       `json:"session_id"`
	SinceSessionStartMS int64        `json:"since_session_start_ms"`
	TimeLeftMS          int64        `json:"time_left_ms"`
	// TimeLeftDeadline is nil when the device reports no running timer.
	TimeLeftDeadline *time.Time   `json:"time_left_deadline,omitempty"`
	ActiveLevel      MachineState `json:"active_level"`
}

// ActiveLevel derives the level currently in effect. The device reports the
// state it would move to next, so the active level is one step below the up
// target or one step above the down source.
func ActiveLevel(up, down MachineState) MachineState {
	if up == StateNone && down == StateNone {
		return StateStop
	}
	switch up {
	case StateLevel1:
		return StateBaseline
	case StateLevel2:
		return StateLevel1
	case StateLevel3:
		return StateLevel2
	case StateLevel4:
		return StateLevel3
	}
	if down == StateLevel3 {
		return StateLevel4
	}
	return StateUnknown
}
