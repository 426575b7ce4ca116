package motion

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/TurretGo/internal/debug"
	"github.com/cjeanneret/TurretGo/internal/hw/stepper"
	"github.com/cjeanneret/TurretGo/internal/logic/rangemap"
)

// Speed limits accepted by SetSpeed, in percent.
const (
	MinSpeed = 20
	MaxSpeed = 100
)

// Default inter-step delay bounds.
const (
	DefaultMinDelay = 1 * time.Millisecond
	DefaultMaxDelay = 10 * time.Millisecond
)

// Actuator is the set of stepper primitives the task drives.
type Actuator interface {
	SetDirection(dir stepper.Direction) error
	SetEnabled(enabled bool) error
	PulseStep() error
}

// TaskConfig bounds the inter-step delay. MinDelay is used at 100% speed,
// MaxDelay at 20% and at startup.
type TaskConfig struct {
	MinDelay time.Duration
	MaxDelay time.Duration
}

// Stats is a snapshot of what the task has done since startup.
// Position is the open-loop net step count, CW positive.
type Stats struct {
	Moves        uint64 `json:"moves"`
	Pulses       uint64 `json:"pulses"`
	FailedPulses uint64 `json:"failed_pulses"`
	Position     int64  `json:"position"`
	Busy         bool   `json:"busy"`
}

// Task is the azimuth motion task: the only consumer of the queue and the
// only code that drives the stepper. Each move is drained completely,
// direction latched once, every pulse issued, driver released, before the
// next one is taken.
type Task struct {
	queue *Queue
	act   Actuator

	minDelay time.Duration
	maxDelay time.Duration
	delay    atomic.Int64 // time.Duration, written by SetSpeed, read per step

	// sleep is the per-step wait; tests replace it.
	sleep func(time.Duration)

	moves    atomic.Uint64
	pulses   atomic.Uint64
	failed   atomic.Uint64
	position atomic.Int64
	busy     atomic.Bool
}

// NewTask creates the motion task. The delay starts at MaxDelay (slowest).
func NewTask(q *Queue, act Actuator, cfg TaskConfig) *Task {
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = DefaultMinDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MinDelay > cfg.MaxDelay {
		cfg.MinDelay, cfg.MaxDelay = cfg.MaxDelay, cfg.MinDelay
	}
	t := &Task{
		queue:    q,
		act:      act,
		minDelay: cfg.MinDelay,
		maxDelay: cfg.MaxDelay,
		sleep:    time.Sleep,
	}
	t.delay.Store(int64(cfg.MaxDelay))
	return t
}

// SetSpeed sets the stepping speed in percent (clamped to 20-100) and
// returns the resulting inter-step delay. Higher speed, shorter delay.
// A move in progress picks the new delay up at its next step.
func (t *Task) SetSpeed(percent int) time.Duration {
	percent = rangemap.Clamp(percent, MinSpeed, MaxSpeed)
	us := rangemap.Map(percent, MinSpeed, MaxSpeed,
		int(t.maxDelay/time.Microsecond), int(t.minDelay/time.Microsecond))
	d := time.Duration(us) * time.Microsecond
	t.delay.Store(int64(d))
	debug.Live("Stepper: speed %d%% = %v per step", percent, d)
	return d
}

// Delay returns the current inter-step delay.
func (t *Task) Delay() time.Duration {
	return time.Duration(t.delay.Load())
}

// Stats returns a snapshot of the task counters.
func (t *Task) Stats() Stats {
	return Stats{
		Moves:        t.moves.Load(),
		Pulses:       t.pulses.Load(),
		FailedPulses: t.failed.Load(),
		Position:     t.position.Load(),
		Busy:         t.busy.Load(),
	}
}

// Run consumes moves until ctx is cancelled. Cancellation is only observed
// between moves: a move that has started always runs to completion and
// leaves the driver disabled.
func (t *Task) Run(ctx context.Context) {
	debug.Info("Motion task started (delay %v..%v)", t.minDelay, t.maxDelay)
	for {
		select {
		case <-ctx.Done():
			debug.Info("Motion task stopped")
			return
		case cmd := <-t.queue.recv():
			t.execute(cmd)
		}
	}
}

func (t *Task) execute(cmd MoveCommand) {
	t.busy.Store(true)
	defer t.busy.Store(false)

	if err := t.act.SetEnabled(true); err != nil {
		debug.Error(err)
	}

	steps := cmd.Amount
	dir := stepper.CW
	sign := int64(1)
	switch {
	case steps < 0:
		dir, sign = stepper.CCW, -1
		steps = -steps
		fallthrough
	case steps > 0:
		if err := t.act.SetDirection(dir); err != nil {
			debug.Error(err)
		}
	}

	debug.Move("azimuth", steps, dir.String())

	for i := 0; i < steps; i++ {
		if err := t.act.PulseStep(); err != nil {
			// Not retried: the next pulse keeps its own cadence.
			t.failed.Add(1)
			debug.Error(err)
		} else {
			t.pulses.Add(1)
			t.position.Add(sign)
		}
		if debug.IsEnabled(debug.LevelTrace) {
			debug.Trace("Stepper: step %d/%d", i+1, steps)
		}
		t.sleep(t.Delay())
	}

	if err := t.act.SetEnabled(false); err != nil {
		debug.Error(err)
	}
	t.moves.Add(1)
	debug.Verbose("Stepper: move %+d done, position %d", cmd.Amount, t.position.Load())
}
