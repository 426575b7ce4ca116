package pwm

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/TurretGo/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// tickHz is the PWM clock that makes one tick last one microsecond.
const tickHz = 1_000_000

// hardwarePWMPins are the BCM pins routed to the Raspberry Pi PWM block.
var hardwarePWMPins = map[int]bool{
	12: true,
	13: true,
	18: true,
	19: true,
}

// RPiDriver drives the Raspberry Pi hardware PWM block through go-rpio.
//
// GPIO memory must already be mapped (gpio.NewRPiRealDriver does it).
// go-rpio cannot read the duty register back, so the driver remembers the
// last value it programmed for each channel.
type RPiDriver struct {
	mu       sync.Mutex
	channels map[int]*channelState
	pins     map[int]rpio.Pin
}

// NewRPiDriver returns a hardware PWM driver.
func NewRPiDriver() *RPiDriver {
	debug.Info("Initializing hardware PWM driver (go-rpio)")
	return &RPiDriver{
		channels: make(map[int]*channelState),
		pins:     make(map[int]rpio.Pin),
	}
}

func (r *RPiDriver) Configure(channel, pin int, period, duty uint32) error {
	debug.PWM("Configure", channel, fmt.Sprintf("pin=%d period=%d duty=%d", pin, period, duty))
	if !hardwarePWMPins[pin] {
		return fmt.Errorf("pwm: pin %d has no hardware PWM (use 12, 13, 18 or 19)", pin)
	}
	if period == 0 {
		return fmt.Errorf("pwm: channel %d: period must be > 0", channel)
	}
	if err := checkDuty(channel, duty, period); err != nil {
		return err
	}

	p := rpio.Pin(pin)
	p.Mode(rpio.Pwm)
	p.Freq(tickHz)
	p.DutyCycle(duty, period)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[channel] = &channelState{pin: pin, period: period, duty: duty}
	r.pins[channel] = p
	return nil
}

func (r *RPiDriver) SetDuty(channel int, duty uint32) error {
	debug.PWM("SetDuty", channel, duty)
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[channel]
	if !ok {
		return fmt.Errorf("pwm: channel %d not configured", channel)
	}
	if err := checkDuty(channel, duty, c.period); err != nil {
		return err
	}
	r.pins[channel].DutyCycle(duty, c.period)
	c.duty = duty
	return nil
}

func (r *RPiDriver) Duty(channel int) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[channel]
	if !ok {
		return 0, fmt.Errorf("pwm: channel %d not configured", channel)
	}
	return c.duty, nil
}

// SetPhase only accepts 0: the BCM PWM block has no phase offset.
func (r *RPiDriver) SetPhase(channel int, phase uint32) error {
	debug.PWM("SetPhase", channel, phase)
	if phase != 0 {
		return fmt.Errorf("pwm: channel %d: phase offset not supported by hardware PWM", channel)
	}
	return nil
}

func (r *RPiDriver) Start() error {
	debug.Trace("PWM Start (hardware)")
	rpio.StartPwm()
	return nil
}

func (r *RPiDriver) Close() error {
	debug.Trace("PWM Close (hardware)")
	rpio.StopPwm()
	return nil
}
