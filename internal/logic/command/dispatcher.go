package command

import (
	"fmt"
	"time"

	"github.com/cjeanneret/TurretGo/internal/debug"
	"github.com/cjeanneret/TurretGo/internal/logic/motion"
)

// Servo is the tilt axis.
type Servo interface {
	SetAbsolute(percent int) error
	SetRelative(delta int) error
}

// Speeder sets the azimuth stepping speed.
type Speeder interface {
	SetSpeed(percent int) time.Duration
}

// Mover accepts azimuth moves without blocking.
type Mover interface {
	Enqueue(cmd motion.MoveCommand) bool
}

// Outcome reports what a dispatched record did.
type Outcome struct {
	Delay      time.Duration `json:"delay,omitempty"`  // new inter-step delay, if speed was set
	Enqueued   bool          `json:"enqueued"`         // rotation accepted by the queue
	Dropped    bool          `json:"dropped"`          // rotation discarded, queue full
	ServoMode  string        `json:"servo,omitempty"`  // "absolute", "relative" or "ignored"
	ServoError string        `json:"servo_error,omitempty"`
}

// Dispatcher routes decoded records to the actuators.
//
// It does no validation beyond present/absent: ranges are clamped by the
// servo and the motion task. Dispatch may be called from several
// goroutines at once.
type Dispatcher struct {
	servo Servo
	speed Speeder
	moves Mover
}

// NewDispatcher wires the dispatcher to the tilt servo, the motion task
// (speed) and the move queue.
func NewDispatcher(servo Servo, speed Speeder, moves Mover) *Dispatcher {
	return &Dispatcher{servo: servo, speed: speed, moves: moves}
}

// Dispatch applies rec: speed first, then rotation, then height.
// Actuator failures are logged and reported in the Outcome; they never
// stop the remaining fields from being applied.
func (d *Dispatcher) Dispatch(rec Record) Outcome {
	var out Outcome
	debug.Verbose("Command: %s", rec)

	if rec.Speed != nil {
		out.Delay = d.speed.SetSpeed(*rec.Speed)
	}

	if rec.Rotation != nil {
		if d.moves.Enqueue(motion.MoveCommand{Amount: *rec.Rotation}) {
			out.Enqueued = true
		} else {
			out.Dropped = true
			debug.Warn("Move queue full, dropped rotation %d", *rec.Rotation)
		}
	}

	if rec.Height != nil {
		mode := ModeAbsolute
		if rec.HeightMode != nil {
			mode = *rec.HeightMode
		}
		var err error
		switch mode {
		case ModeAbsolute:
			out.ServoMode = "absolute"
			err = d.servo.SetAbsolute(*rec.Height)
		case ModeRelative:
			out.ServoMode = "relative"
			err = d.servo.SetRelative(*rec.Height)
		default:
			out.ServoMode = "ignored"
			debug.Warn("Unknown height_mode %d, height %d ignored", mode, *rec.Height)
		}
		if err != nil {
			out.ServoError = err.Error()
			debug.Error(fmt.Errorf("tilt %s %d: %w", out.ServoMode, *rec.Height, err))
		}
	}

	return out
}

// HandlePayload decodes a JSON command and dispatches it. This is the
// entry point shared by every transport.
func (d *Dispatcher) HandlePayload(payload []byte) (Outcome, error) {
	rec, err := Decode(payload)
	if err != nil {
		debug.Warn("Rejected command %q: %v", truncate(payload, 64), err)
		return Outcome{}, err
	}
	return d.Dispatch(rec), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
