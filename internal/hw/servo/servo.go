package servo

import (
	"sync"

	"github.com/cjeanneret/TurretGo/internal/debug"
	"github.com/cjeanneret/TurretGo/internal/hw"
	"github.com/cjeanneret/TurretGo/internal/hw/pwm"
	"github.com/cjeanneret/TurretGo/internal/logic/rangemap"
)

const name = "servo"

// Default pulse timing of a hobby servo, in microseconds.
// 1ms pulse => full up, 1.5ms => center, 2ms => full down.
const (
	DefaultPeriod = 20000 // 50 Hz
	DefaultMin    = 1000
	DefaultCenter = 1500
	DefaultMax    = 2000
)

// Config holds the hardware configuration for the tilt servo.
type Config struct {
	Channel int
	Pin     int
	Period  uint32 // PWM period in us. 0 = DefaultPeriod.
	Min     uint32 // shortest safe pulse in us
	Center  uint32 // pulse applied at Init
	Max     uint32 // longest safe pulse in us
	// Inverted maps 0% to Max and 100% to Min, matching a mount where
	// 0% is fully down and a longer pulse lowers the head.
	Inverted bool
}

func (c Config) withDefaults() Config {
	if c.Period == 0 {
		c.Period = DefaultPeriod
	}
	if c.Min == 0 {
		c.Min = DefaultMin
	}
	if c.Max == 0 {
		c.Max = DefaultMax
	}
	if c.Center == 0 {
		c.Center = (c.Min + c.Max) / 2
	}
	return c
}

// Servo positions the tilt axis in percent.
//
// The current position lives only in the PWM duty register; relative moves
// read it back. mu serializes every write so that a relative move cannot
// lose an update made by a concurrent caller between read and write.
type Servo struct {
	mu  sync.Mutex
	pwm pwm.Driver
	cfg Config
}

// New creates a servo on the given PWM driver. Call Init before use.
func New(p pwm.Driver, cfg Config) *Servo {
	return &Servo{pwm: p, cfg: cfg.withDefaults()}
}

// Init programs the channel at the fixed period with the center pulse and
// zero phase, then starts output.
func (s *Servo) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	debug.Verbose("Servo: init channel=%d pin=%d period=%dus center=%dus",
		s.cfg.Channel, s.cfg.Pin, s.cfg.Period, s.cfg.Center)

	if err := s.pwm.Configure(s.cfg.Channel, s.cfg.Pin, s.cfg.Period, s.cfg.Center); err != nil {
		return &hw.InitError{Actuator: name, Op: "configure pwm", Err: err}
	}
	if err := s.pwm.SetPhase(s.cfg.Channel, 0); err != nil {
		return &hw.InitError{Actuator: name, Op: "set phase", Err: err}
	}
	if err := s.pwm.Start(); err != nil {
		return &hw.InitError{Actuator: name, Op: "start pwm", Err: err}
	}
	return nil
}

// percentToDuty maps a percentage onto the pulse range. The result is not
// clamped.
func (s *Servo) percentToDuty(percent int) int {
	lo, hi := int(s.cfg.Min), int(s.cfg.Max)
	if s.cfg.Inverted {
		return rangemap.Map(percent, 100, 0, lo, hi)
	}
	return rangemap.Map(percent, 0, 100, lo, hi)
}

func (s *Servo) dutyToPercent(duty int) int {
	lo, hi := int(s.cfg.Min), int(s.cfg.Max)
	if s.cfg.Inverted {
		return rangemap.Map(duty, lo, hi, 100, 0)
	}
	return rangemap.Map(duty, lo, hi, 0, 100)
}

// write clamps duty to the safe pulse range and restarts the output.
// Callers hold s.mu.
func (s *Servo) write(duty int, op string) (uint32, error) {
	d := uint32(rangemap.Clamp(duty, int(s.cfg.Min), int(s.cfg.Max)))
	if err := s.pwm.SetDuty(s.cfg.Channel, d); err != nil {
		return 0, &hw.IOError{Actuator: name, Op: op, Err: err}
	}
	if err := s.pwm.Start(); err != nil {
		return 0, &hw.IOError{Actuator: name, Op: "start pwm", Err: err}
	}
	return d, nil
}

// SetAbsolute moves to percent (0-100, clamped) of the travel.
func (s *Servo) SetAbsolute(percent int) error {
	percent = rangemap.Clamp(percent, 0, 100)

	s.mu.Lock()
	defer s.mu.Unlock()

	duty, err := s.write(s.percentToDuty(percent), "set duty")
	if err != nil {
		return err
	}
	debug.Live("Servo: absolute %d%% = %dus", percent, duty)
	return nil
}

// SetRelative moves by delta percent from the current position.
//
// Only the final pulse width is clamped. The duty -> percent -> duty round
// trip truncates, so near the ends of the range a small delta can map back
// to the same pulse.
func (s *Servo) SetRelative(delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.pwm.Duty(s.cfg.Channel)
	if err != nil {
		return &hw.IOError{Actuator: name, Op: "read duty", Err: err}
	}
	percent := s.dutyToPercent(int(current)) + delta

	duty, err := s.write(s.percentToDuty(percent), "set relative duty")
	if err != nil {
		return err
	}
	debug.Live("Servo: relative %+d%% (%dus -> %dus)", delta, current, duty)
	return nil
}

// Duty returns the pulse width currently programmed, in microseconds.
func (s *Servo) Duty() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.pwm.Duty(s.cfg.Channel)
	if err != nil {
		return 0, &hw.IOError{Actuator: name, Op: "read duty", Err: err}
	}
	return d, nil
}

// Percent returns the current position in percent, as SetAbsolute would
// take it.
func (s *Servo) Percent() (int, error) {
	d, err := s.Duty()
	if err != nil {
		return 0, err
	}
	return s.dutyToPercent(int(d)), nil
}
