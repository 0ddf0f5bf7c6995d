package channel

import (
	"errors"
	"fmt"
	"time"

	"github.com/trymwestin/snoo/internal/core/state"
)

// Channel name prefixes. Each device has one pair.
const (
	activityPrefix = "ActivityState."
	controlPrefix  = "ControlCommand."
)

// ActivityChannel returns the telemetry channel of a device.
func ActivityChannel(serial string) string { return activityPrefix + serial }

// ControlChannel returns the command channel of a device.
func ControlChannel(serial string) string { return controlPrefix + serial }

// ErrCommandFailed matches every command publish failure.
var ErrCommandFailed = errors.New("command failed")

// CommandError reports a command the transport did not accept.
type CommandError struct {
	Serial  string
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("channel: %s %s: %s: %v", e.Serial, e.Command, ErrCommandFailed, e.Err)
}

func (e *CommandError) Unwrap() []error { return []error{ErrCommandFailed, e.Err} }

// Command names understood by the device.
const (
	CmdStartSnoo        = "start_snoo"
	CmdGoToState        = "go_to_state"
	CmdStickyWhiteNoise = "set_sticky_white_noise"
	CmdSendStatus       = "send_status"
)

// DefaultWhiteNoiseTimeout is how long sticky white noise stays on.
const DefaultWhiteNoiseTimeout = 15 * time.Minute

// Command is a control message for one device. Fields are merged into the
// payload next to ts and command.
type Command struct {
	Name   string
	Fields map[string]any
}

// StartSoothing starts a soothing session at the baseline level.
func StartSoothing() Command {
	return Command{Name: CmdStartSnoo}
}

// GoToState moves the state machine to level. hold keeps the device there
// instead of letting it step down on its own.
func GoToState(level state.MachineState, hold bool) Command {
	return Command{Name: CmdGoToState, Fields: map[string]any{
		"state": string(level),
		"hold":  onOff(hold),
	}}
}

// StopSoothing ends the session.
func StopSoothing() Command {
	return GoToState(state.StateStop, false)
}

// StickyWhiteNoise toggles white noise that keeps playing after a session.
func StickyWhiteNoise(on bool, timeout time.Duration) Command {
	if timeout <= 0 {
		timeout = DefaultWhiteNoiseTimeout
	}
	return Command{Name: CmdStickyWhiteNoise, Fields: map[string]any{
		"state":       onOff(on),
		"timeout_min": int(timeout / time.Minute),
	}}
}

// RequestStatus asks the device to publish its current state.
func RequestStatus() Command {
	return Command{Name: CmdSendStatus}
}

// Payload renders the wire message. ts counts 100ns ticks since the epoch.
func (c Command) Payload(now time.Time) map[string]any {
	p := make(map[string]any, len(c.Fields)+2)
	for k, v := range c.Fields {
		p[k] = v
	}
	p["ts"] = now.UnixNano() / 100
	p["command"] = c.Name
	return p
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
