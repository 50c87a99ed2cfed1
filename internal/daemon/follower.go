package daemon

import (
	"fmt"
	"sync"
)

// MaxSpeed is the line follower's top speed in m/s.
const MaxSpeed = 0.75

// LineFollower is the motion side of the vehicle.
type LineFollower interface {
	Pause() error
	Resume() error
}

// SpeedSetter caps the follower's speed. Only the reservation client uses
// it, to reach the entrance at its reserved time.
type SpeedSetter interface {
	SetSpeed(mps float64) error
}

// Commander sends one line to the motor controller. serialmux satisfies it.
type Commander interface {
	SendCommand(command string) error
}

// Follower commands understood by the motor controller firmware.
const (
	CmdPause  = "LF PAUSE"
	CmdResume = "LF RESUME"
	CmdSpeed  = "LF SPEED"
)

// CommandFollower drives the follower over a serial command channel.
type CommandFollower struct {
	cmd Commander

	mu    sync.Mutex
	speed float64
}

// NewCommandFollower returns a follower writing to cmd.
func NewCommandFollower(cmd Commander) *CommandFollower {
	return &CommandFollower{cmd: cmd, speed: MaxSpeed}
}

func (f *CommandFollower) Pause() error {
	if err := f.cmd.SendCommand(CmdPause); err != nil {
		return fmt.Errorf("pause follower: %w", err)
	}
	return nil
}

func (f *CommandFollower) Resume() error {
	if err := f.cmd.SendCommand(CmdResume); err != nil {
		return fmt.Errorf("resume follower: %w", err)
	}
	return nil
}

// SetSpeed sends mps; values outside (0, MaxSpeed] select MaxSpeed.
// Repeating the current speed is a no-op.
func (f *CommandFollower) SetSpeed(mps float64) error {
	if mps <= 0 || mps > MaxSpeed {
		mps = MaxSpeed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if mps == f.speed {
		return nil
	}
	if err := f.cmd.SendCommand(fmt.Sprintf("%s %.3f", CmdSpeed, mps)); err != nil {
		return fmt.Errorf("set follower speed: %w", err)
	}
	f.speed = mps
	return nil
}

// Speed is the last speed sent.
func (f *CommandFollower) Speed() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.speed
}
