// Package pwm abstracts the PWM peripheral that drives the tilt servo.
//
// All values (period, duty, phase) are expressed in timer ticks of one
// microsecond, so a 50 Hz servo signal has a period of 20000.
package pwm

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/TurretGo/internal/debug"
)

// Driver is the PWM surface the servo actuator depends on.
// Duty reads the value currently programmed for a channel; the servo
// keeps no copy of its own.
type Driver interface {
	Configure(channel, pin int, period, duty uint32) error
	SetDuty(channel int, duty uint32) error
	Duty(channel int) (uint32, error)
	SetPhase(channel int, phase uint32) error
	Start() error
	Close() error
}

// channelState is what a driver remembers about one configured channel.
type channelState struct {
	pin    int
	period uint32
	duty   uint32
	phase  uint32
}

func checkDuty(channel int, duty, period uint32) error {
	if duty > period {
		return fmt.Errorf("pwm: channel %d: duty %d exceeds period %d", channel, duty, period)
	}
	return nil
}

// MockDriver is a development implementation that only logs and keeps the
// programmed values in memory.
type MockDriver struct {
	mu       sync.Mutex
	channels map[int]*channelState
	running  bool
}

// NewMockDriver returns an empty mock PWM peripheral.
func NewMockDriver() *MockDriver {
	debug.Info("Using MOCK PWM driver (development mode)")
	return &MockDriver{channels: make(map[int]*channelState)}
}

func (m *MockDriver) channel(ch int) (*channelState, error) {
	c, ok := m.channels[ch]
	if !ok {
		return nil, fmt.Errorf("pwm: channel %d not configured", ch)
	}
	return c, nil
}

func (m *MockDriver) Configure(channel, pin int, period, duty uint32) error {
	debug.PWM("Configure", channel, fmt.Sprintf("pin=%d period=%d duty=%d", pin, period, duty))
	if period == 0 {
		return fmt.Errorf("pwm: channel %d: period must be > 0", channel)
	}
	if err := checkDuty(channel, duty, period); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channels == nil {
		m.channels = make(map[int]*channelState)
	}
	m.channels[channel] = &channelState{pin: pin, period: period, duty: duty}
	return nil
}

func (m *MockDriver) SetDuty(channel int, duty uint32) error {
	debug.PWM("SetDuty", channel, duty)
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.channel(channel)
	if err != nil {
		return err
	}
	if err := checkDuty(channel, duty, c.period); err != nil {
		return err
	}
	c.duty = duty
	return nil
}

func (m *MockDriver) Duty(channel int) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.channel(channel)
	if err != nil {
		return 0, err
	}
	return c.duty, nil
}

func (m *MockDriver) SetPhase(channel int, phase uint32) error {
	debug.PWM("SetPhase", channel, phase)
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.channel(channel)
	if err != nil {
		return err
	}
	c.phase = phase
	return nil
}

func (m *MockDriver) Start() error {
	debug.Trace("PWM Start (mock)")
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()
	return nil
}

// Running reports whether Start has been called.
func (m *MockDriver) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *MockDriver) Close() error {
	debug.Trace("PWM Close (mock)")
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	return nil
}
