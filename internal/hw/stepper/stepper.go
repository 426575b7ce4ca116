package stepper

import (
	"fmt"

	"github.com/cjeanneret/TurretGo/internal/debug"
	"github.com/cjeanneret/TurretGo/internal/hw"
	"github.com/cjeanneret/TurretGo/internal/hw/gpio"
)

const name = "stepper"

// Direction of rotation of the azimuth axis.
type Direction int

const (
	CW  Direction = iota // DIR line HIGH
	CCW                  // DIR line LOW
)

func (d Direction) String() string {
	if d == CCW {
		return "CCW"
	}
	return "CW"
}

func (d Direction) level() gpio.Level {
	if d == CCW {
		return gpio.Low
	}
	return gpio.High
}

// Config holds the hardware configuration for the azimuth stepper driver.
type Config struct {
	StepPin          int
	DirPin           int
	EnablePin        int // A4988 ENABLE pin (BCM). Active LOW (LOW=enabled).
	DefaultDirection Direction
}

// Stepper exposes the line-level primitives of a STEP/DIR/ENABLE driver.
// Step timing belongs to the caller: PulseStep emits one edge and returns.
type Stepper struct {
	gpio gpio.Driver
	cfg  Config
}

// NewStepper creates a stepper on the given GPIO driver. Call Init before use.
func NewStepper(g gpio.Driver, cfg Config) *Stepper {
	return &Stepper{gpio: g, cfg: cfg}
}

// Init configures the three lines as outputs, sets STEP low, DIR to the
// default direction and leaves the driver disabled.
func (s *Stepper) Init() error {
	for _, pin := range []int{s.cfg.StepPin, s.cfg.DirPin, s.cfg.EnablePin} {
		if err := s.gpio.SetupPin(pin, gpio.Output); err != nil {
			return &hw.InitError{Actuator: name, Op: fmt.Sprintf("setup pin %d", pin), Err: err}
		}
	}
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.Low); err != nil {
		return &hw.InitError{Actuator: name, Op: "reset step line", Err: err}
	}
	if err := s.gpio.WritePin(s.cfg.DirPin, s.cfg.DefaultDirection.level()); err != nil {
		return &hw.InitError{Actuator: name, Op: "set default direction", Err: err}
	}
	// A4988 ENABLE: active LOW. HIGH = disabled, motor freewheels.
	if err := s.gpio.WritePin(s.cfg.EnablePin, gpio.High); err != nil {
		return &hw.InitError{Actuator: name, Op: "disable driver", Err: err}
	}
	debug.Verbose("Stepper: init step=%d dir=%d enable=%d (disabled, %s)",
		s.cfg.StepPin, s.cfg.DirPin, s.cfg.EnablePin, s.cfg.DefaultDirection)
	return nil
}

// SetDirection latches the rotation direction for the following pulses.
func (s *Stepper) SetDirection(dir Direction) error {
	if err := s.gpio.WritePin(s.cfg.DirPin, dir.level()); err != nil {
		return &hw.IOError{Actuator: name, Op: "set direction " + dir.String(), Err: err}
	}
	return nil
}

// SetEnabled powers (true) or releases (false) the motor coils.
func (s *Stepper) SetEnabled(enabled bool) error {
	// ENABLE is active LOW.
	level := gpio.High
	if enabled {
		level = gpio.Low
	}
	if err := s.gpio.WritePin(s.cfg.EnablePin, level); err != nil {
		op := "disable"
		if enabled {
			op = "enable"
		}
		return &hw.IOError{Actuator: name, Op: op, Err: err}
	}
	return nil
}

// PulseStep drives STEP high then low: one step edge.
// A failure is reported but never retried here.
func (s *Stepper) PulseStep() error {
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.High); err != nil {
		return &hw.IOError{Actuator: name, Op: "step high", Err: err}
	}
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.Low); err != nil {
		return &hw.IOError{Actuator: name, Op: "step low", Err: err}
	}
	return nil
}
