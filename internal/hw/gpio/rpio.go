package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/TurretGo/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// RPiDriver is the real implementation for Raspberry Pi using go-rpio.
// Pins must be configured with SetupPin before they are written or read;
// an unconfigured pin is reported as an error rather than silently
// switched to output, so a wiring mistake shows up at startup.
type RPiDriver struct {
	mu   sync.Mutex
	pins map[int]rpio.Pin
}

// NewRPiRealDriver maps GPIO memory and returns a real driver.
// Requires running on a Raspberry Pi with access to /dev/gpiomem or as root.
// The mapping is process-wide: the hardware PWM driver reuses it.
func NewRPiRealDriver() (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")

	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}

	debug.Verbose("GPIO memory mapped successfully")

	return &RPiDriver{
		pins: make(map[int]rpio.Pin),
	}, nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)

	if pin < 0 || pin > 53 {
		return fmt.Errorf("gpio: pin %d out of range", pin)
	}

	p := rpio.Pin(pin)
	switch mode {
	case Input:
		p.Input()
	case Output:
		p.Output()
	default:
		return fmt.Errorf("gpio: unknown pin mode: %d", mode)
	}

	r.mu.Lock()
	r.pins[pin] = p
	r.mu.Unlock()
	return nil
}

func (r *RPiDriver) pin(pin int) (rpio.Pin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pins[pin]
	if !ok {
		return 0, fmt.Errorf("gpio: pin %d not configured", pin)
	}
	return p, nil
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)

	p, err := r.pin(pin)
	if err != nil {
		return err
	}
	if level == High {
		p.High()
	} else {
		p.Low()
	}
	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	p, err := r.pin(pin)
	if err != nil {
		return Low, err
	}
	state := p.Read()
	debug.GPIO("ReadPin", pin, state)
	if state == rpio.High {
		return High, nil
	}
	return Low, nil
}

func (r *RPiDriver) Close() error {
	debug.Trace("GPIO Close (real driver)")

	r.mu.Lock()
	defer r.mu.Unlock()
	// Reset all pins to input (safe state): the A4988 ENABLE line has a
	// pull-up on most carrier boards, so the driver ends up disabled.
	for pin, p := range r.pins {
		debug.Verbose("Resetting pin %d to input", pin)
		p.Input()
	}

	return rpio.Close()
}
