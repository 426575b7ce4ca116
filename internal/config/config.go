package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Servo PWM backends.
const (
	BackendRPi     = "rpio"    // Raspberry Pi hardware PWM (go-rpio)
	BackendPCA9685 = "pca9685" // PCA9685 I2C PWM board (periph.io)
)

// ServoConfig describes the tilt servo and the PWM peripheral driving it.
type ServoConfig struct {
	Backend  string `yaml:"backend"`   // "rpio" or "pca9685"
	Pin      int    `yaml:"pin"`       // BCM pin (rpio backend): 12, 13, 18 or 19
	Channel  int    `yaml:"channel"`   // PWM channel (board output for pca9685)
	I2CBus   string `yaml:"i2c_bus"`   // pca9685 only, "" = first bus
	I2CAddr  uint16 `yaml:"i2c_addr"`  // pca9685 only, default 0x40
	PeriodUs int    `yaml:"period_us"` // PWM period (20000 = 50 Hz)
	MinUs    int    `yaml:"min_us"`    // shortest safe pulse
	CenterUs int    `yaml:"center_us"` // pulse at startup
	MaxUs    int    `yaml:"max_us"`    // longest safe pulse
	Inverted *bool  `yaml:"inverted"`  // 0% = max pulse (default true)
}

// StepperConfig holds the configuration for the azimuth stepper.
type StepperConfig struct {
	StepPin        int `yaml:"step_pin"`
	DirPin         int `yaml:"dir_pin"`
	EnablePin      int `yaml:"enable_pin"` // A4988 ENABLE pin (BCM). Active LOW.
	StepsPerRev    int `yaml:"steps_per_rev"`
	Microstepping  int `yaml:"microstepping"` // MS1-3 setting: 1, 2, 4, 8 or 16
	MinStepDelayUs int `yaml:"min_step_delay_us"`
	MaxStepDelayUs int `yaml:"max_step_delay_us"`
	QueueSize      int `yaml:"queue_size"` // pending moves kept before dropping
}

// MQTTConfig describes the broker the turret listens to. An empty Broker
// disables the MQTT transport.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // e.g. "tcp://mqtt.eclipseprojects.io:1883"
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	QoS      *byte  `yaml:"qos"`
}

// SerialConfig describes a serial command line. An empty Port disables it.
type SerialConfig struct {
	Port     string `yaml:"port"` // e.g. "/dev/ttyUSB0"
	BaudRate int    `yaml:"baud_rate"`
}

// LoggingConfig optionally mirrors the debug output into a rotated file.
type LoggingConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockHW     bool `yaml:"mock_hw"`     // use mock GPIO/PWM (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Servo    ServoConfig    `yaml:"servo"`
	Stepper  StepperConfig  `yaml:"stepper"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Serial   SerialConfig   `yaml:"serial"`
	Logging  LoggingConfig  `yaml:"logging"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// MaxConfigFileBytes bounds the size of a configuration file.
const MaxConfigFileBytes = 64 << 10

// ValidateConfigPath accepts only .yaml files located directly in a
// "configs" directory, so the -config flag cannot point anywhere else.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path must not contain '..': %s", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config file must have .yaml extension: %s", path)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config file must be inside a configs/ directory: %s", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() error {
	// Servo
	switch cfg.Servo.Backend {
	case "":
		cfg.Servo.Backend = BackendRPi
	case BackendRPi, BackendPCA9685:
	default:
		return fmt.Errorf("servo.backend must be %q or %q, got %q", BackendRPi, BackendPCA9685, cfg.Servo.Backend)
	}
	if cfg.Servo.Backend == BackendRPi && cfg.Servo.Pin == 0 {
		cfg.Servo.Pin = 18
	}
	if cfg.Servo.I2CAddr == 0 {
		cfg.Servo.I2CAddr = 0x40
	}
	if cfg.Servo.PeriodUs <= 0 {
		cfg.Servo.PeriodUs = 20000 // 50 Hz
	}
	if cfg.Servo.MinUs <= 0 {
		cfg.Servo.MinUs = 1000
	}
	if cfg.Servo.MaxUs <= 0 {
		cfg.Servo.MaxUs = 2000
	}
	if cfg.Servo.MinUs >= cfg.Servo.MaxUs {
		return fmt.Errorf("servo.min_us (%d) must be < servo.max_us (%d)", cfg.Servo.MinUs, cfg.Servo.MaxUs)
	}
	if cfg.Servo.MaxUs > cfg.Servo.PeriodUs {
		return fmt.Errorf("servo.max_us (%d) must be <= servo.period_us (%d)", cfg.Servo.MaxUs, cfg.Servo.PeriodUs)
	}
	if cfg.Servo.CenterUs <= 0 {
		cfg.Servo.CenterUs = (cfg.Servo.MinUs + cfg.Servo.MaxUs) / 2
	}
	if cfg.Servo.CenterUs < cfg.Servo.MinUs || cfg.Servo.CenterUs > cfg.Servo.MaxUs {
		return fmt.Errorf("servo.center_us (%d) must be within [%d, %d]", cfg.Servo.CenterUs, cfg.Servo.MinUs, cfg.Servo.MaxUs)
	}
	if cfg.Servo.Inverted == nil {
		inverted := true
		cfg.Servo.Inverted = &inverted
	}

	// Stepper
	if cfg.Stepper.StepPin == 0 {
		cfg.Stepper.StepPin = 12
	}
	if cfg.Stepper.DirPin == 0 {
		cfg.Stepper.DirPin = 13
	}
	if cfg.Stepper.EnablePin == 0 {
		cfg.Stepper.EnablePin = 4
	}
	if cfg.Stepper.StepsPerRev <= 0 {
		cfg.Stepper.StepsPerRev = 200
	}
	switch cfg.Stepper.Microstepping {
	case 0:
		cfg.Stepper.Microstepping = 1
	case 1, 2, 4, 8, 16:
	default:
		return fmt.Errorf("stepper.microstepping must be 1, 2, 4, 8 or 16, got %d", cfg.Stepper.Microstepping)
	}
	if cfg.Stepper.MinStepDelayUs <= 0 {
		cfg.Stepper.MinStepDelayUs = 1000
	}
	if cfg.Stepper.MaxStepDelayUs <= 0 {
		cfg.Stepper.MaxStepDelayUs = 10000
	}
	if cfg.Stepper.MinStepDelayUs > cfg.Stepper.MaxStepDelayUs {
		return fmt.Errorf("stepper.min_step_delay_us (%d) must be <= stepper.max_step_delay_us (%d)",
			cfg.Stepper.MinStepDelayUs, cfg.Stepper.MaxStepDelayUs)
	}
	if cfg.Stepper.QueueSize <= 0 {
		cfg.Stepper.QueueSize = 10
	}
	pins := map[int]string{}
	for name, pin := range map[string]int{
		"stepper.step_pin":   cfg.Stepper.StepPin,
		"stepper.dir_pin":    cfg.Stepper.DirPin,
		"stepper.enable_pin": cfg.Stepper.EnablePin,
	} {
		if other, dup := pins[pin]; dup {
			return fmt.Errorf("%s and %s both use pin %d", name, other, pin)
		}
		pins[pin] = name
	}
	if cfg.Servo.Backend == BackendRPi {
		if other, dup := pins[cfg.Servo.Pin]; dup {
			return fmt.Errorf("servo.pin and %s both use pin %d", other, cfg.Servo.Pin)
		}
	}

	// MQTT
	if cfg.MQTT.Topic == "" {
		cfg.MQTT.Topic = "turretcam/move"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "turretgo"
	}
	if cfg.MQTT.QoS == nil {
		qos := byte(2)
		cfg.MQTT.QoS = &qos
	}
	if *cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", *cfg.MQTT.QoS)
	}

	// Serial
	if cfg.Serial.BaudRate <= 0 {
		cfg.Serial.BaudRate = 115200
	}

	// Logging
	if cfg.Defaults.DebugLevel < 0 || cfg.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", cfg.Defaults.DebugLevel)
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = 10
	}
	if cfg.Logging.MaxBackups <= 0 {
		cfg.Logging.MaxBackups = 3
	}
	return nil
}

// MinStepDelay returns the inter-step delay at full speed.
func (c *Config) MinStepDelay() time.Duration {
	return time.Duration(c.Stepper.MinStepDelayUs) * time.Microsecond
}

// MaxStepDelay returns the inter-step delay at the lowest speed.
func (c *Config) MaxStepDelay() time.Duration {
	return time.Duration(c.Stepper.MaxStepDelayUs) * time.Microsecond
}

// ServoInverted reports whether 0% maps to the longest pulse.
func (c *Config) ServoInverted() bool {
	return c.Servo.Inverted == nil || *c.Servo.Inverted
}

// MQTTQoS returns the subscription QoS.
func (c *Config) MQTTQoS() byte {
	if c.MQTT.QoS == nil {
		return 2
	}
	return *c.MQTT.QoS
}
