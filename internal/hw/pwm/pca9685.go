package pwm

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/TurretGo/internal/debug"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/pca9685"
	"periph.io/x/host/v3"
)

// pcaResolution is the number of counter steps in one PCA9685 period.
const pcaResolution = 4096

// pcaChip is the part of *pca9685.Dev the driver uses.
type pcaChip interface {
	SetPwmFreq(freqHz physic.Frequency) error
	SetPwm(channel int, on, off gpio.Duty) error
}

// PCA9685Driver drives a PCA9685 16-channel I2C PWM board.
// Channels are the board outputs (0-15); the pin argument of Configure is
// ignored. The chip shares one frequency across all outputs, so every
// channel must use the same period.
type PCA9685Driver struct {
	mu       sync.Mutex
	chip     pcaChip
	bus      i2c.BusCloser
	period   uint32
	channels map[int]*channelState
	started  bool
}

// NewPCA9685Driver opens the I2C bus (empty name = first available) and
// the board at addr (usually 0x40).
func NewPCA9685Driver(busName string, addr uint16) (*PCA9685Driver, error) {
	debug.Info("Initializing PCA9685 PWM driver (periph.io) on bus %q addr 0x%02x", busName, addr)

	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init periph host: %w", err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %q: %w", busName, err)
	}
	dev, err := pca9685.NewI2C(bus, addr)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("open pca9685 at 0x%02x: %w", addr, err)
	}
	d := newPCA9685Driver(dev)
	d.bus = bus
	return d, nil
}

func newPCA9685Driver(chip pcaChip) *PCA9685Driver {
	return &PCA9685Driver{
		chip:     chip,
		channels: make(map[int]*channelState),
	}
}

// ticks converts microseconds into PCA9685 counter steps.
func (d *PCA9685Driver) ticks(us uint32) gpio.Duty {
	t := uint64(us) * pcaResolution / uint64(d.period)
	if t > pcaResolution-1 {
		t = pcaResolution - 1
	}
	return gpio.Duty(t)
}

// write programs one channel. Callers hold d.mu.
func (d *PCA9685Driver) write(channel int, c *channelState) error {
	on := d.ticks(c.phase)
	off := d.ticks(c.phase + c.duty)
	debug.PWM("SetPwm", channel, fmt.Sprintf("on=%d off=%d", on, off))
	return d.chip.SetPwm(channel, on, off)
}

func (d *PCA9685Driver) Configure(channel, pin int, period, duty uint32) error {
	debug.PWM("Configure", channel, fmt.Sprintf("period=%d duty=%d", period, duty))
	if channel < 0 || channel > 15 {
		return fmt.Errorf("pwm: pca9685 channel %d out of range", channel)
	}
	if period == 0 {
		return fmt.Errorf("pwm: channel %d: period must be > 0", channel)
	}
	if err := checkDuty(channel, duty, period); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.period != 0 && d.period != period {
		return fmt.Errorf("pwm: pca9685 already runs at period %d, cannot use %d", d.period, period)
	}
	if d.period == 0 {
		freq := physic.Frequency(tickHz/period) * physic.Hertz
		if err := d.chip.SetPwmFreq(freq); err != nil {
			return fmt.Errorf("pwm: set frequency %v: %w", freq, err)
		}
		d.period = period
	}
	d.channels[channel] = &channelState{pin: pin, period: period, duty: duty}
	return nil
}

func (d *PCA9685Driver) SetDuty(channel int, duty uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.channels[channel]
	if !ok {
		return fmt.Errorf("pwm: channel %d not configured", channel)
	}
	if err := checkDuty(channel, duty, c.period); err != nil {
		return err
	}
	c.duty = duty
	if !d.started {
		return nil
	}
	return d.write(channel, c)
}

func (d *PCA9685Driver) Duty(channel int) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.channels[channel]
	if !ok {
		return 0, fmt.Errorf("pwm: channel %d not configured", channel)
	}
	return c.duty, nil
}

func (d *PCA9685Driver) SetPhase(channel int, phase uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.channels[channel]
	if !ok {
		return fmt.Errorf("pwm: channel %d not configured", channel)
	}
	if phase+c.duty > c.period {
		return fmt.Errorf("pwm: channel %d: phase %d + duty %d exceeds period", channel, phase, c.duty)
	}
	c.phase = phase
	return nil
}

// Start (re)programs every configured channel.
func (d *PCA9685Driver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for ch, c := range d.channels {
		if err := d.write(ch, c); err != nil {
			return fmt.Errorf("pwm: start channel %d: %w", ch, err)
		}
	}
	d.started = true
	return nil
}

// Close stops the pulses on every configured channel and releases the bus.
func (d *PCA9685Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for ch := range d.channels {
		if err := d.chip.SetPwm(ch, 0, 0); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.started = false
	if d.bus != nil {
		if err := d.bus.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
