package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/TurretGo/internal/config"
	"github.com/cjeanneret/TurretGo/internal/debug"
	"github.com/cjeanneret/TurretGo/internal/hw/gpio"
	"github.com/cjeanneret/TurretGo/internal/hw/pwm"
	"github.com/cjeanneret/TurretGo/internal/hw/servo"
	"github.com/cjeanneret/TurretGo/internal/hw/stepper"
	"github.com/cjeanneret/TurretGo/internal/logic/command"
	"github.com/cjeanneret/TurretGo/internal/logic/geometry"
	"github.com/cjeanneret/TurretGo/internal/logic/motion"
	mqtttransport "github.com/cjeanneret/TurretGo/internal/transport/mqtt"
	serialtransport "github.com/cjeanneret/TurretGo/internal/transport/serial"
	"github.com/cjeanneret/TurretGo/internal/web"
)

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	mock := flag.Bool("mock", false, "use mock GPIO/PWM regardless of config")
	listPorts := flag.Bool("list-ports", false, "list serial ports and exit")
	flag.Parse()

	if *listPorts {
		ports, err := serialtransport.Ports()
		if err != nil {
			log.Fatalf("list serial ports failed: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if *mock {
		cfg.Defaults.MockHW = true
	}

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	var broadcaster *web.StatusBroadcaster
	if webPort.port() > 0 {
		broadcaster = web.NewStatusBroadcaster()
	}
	logFile := setupLogOutput(cfg, broadcaster)
	if logFile != nil {
		defer logFile.Close()
	}
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", debug.Level())
	debug.Value("Mock hardware", cfg.Defaults.MockHW)

	t, err := newTurret(cfg)
	if err != nil {
		log.Fatalf("init turret failed: %v", err)
	}
	defer t.close()

	if err := t.run(ctx, cfg, webPort.port(), broadcaster); err != nil {
		log.Printf("turret stopped: %v", err)
	}
	debug.Section("Shutdown complete")
}

// setupLogOutput tees debug output to stdout, the rotated log file and
// the SSE clients, as configured. It returns the log file to close, if any.
func setupLogOutput(cfg *config.Config, broadcaster *web.StatusBroadcaster) io.Closer {
	outputs := []io.Writer{os.Stdout}
	var file io.WriteCloser
	if cfg.Logging.File != "" {
		file = debug.RotatingFile(cfg.Logging.File, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups, cfg.Logging.MaxAgeDays)
		outputs = append(outputs, file)
	}
	if broadcaster != nil {
		outputs = append(outputs, web.BroadcastWriter(broadcaster))
	}
	debug.SetOutput(io.MultiWriter(outputs...))
	return file
}

// turret owns the hardware drivers and the motion pipeline.
type turret struct {
	gpio       gpio.Driver
	pwm        pwm.Driver
	servo      *servo.Servo
	stepper    *stepper.Stepper
	queue      *motion.Queue
	task       *motion.Task
	dispatcher *command.Dispatcher
	steps      *geometry.StepsCalculator

	openSerial serialtransport.OpenFunc // nil opens the real device
}

// newTurret brings the hardware up in order: GPIO, PWM, servo, stepper.
// Any failure is fatal for the caller; drivers opened so far are closed.
func newTurret(cfg *config.Config) (_ *turret, err error) {
	t := &turret{}
	defer func() {
		if err != nil {
			t.close()
		}
	}()

	debug.Step(1, "Initializing GPIO driver")
	t.gpio, err = gpio.NewDriver(cfg.Defaults.MockHW)
	if err != nil {
		return nil, fmt.Errorf("init GPIO: %w", err)
	}

	debug.Step(2, "Initializing PWM driver")
	t.pwm, err = newPWMDriver(cfg)
	if err != nil {
		return nil, fmt.Errorf("init PWM: %w", err)
	}

	if err = t.initActuators(cfg); err != nil {
		return nil, err
	}
	return t, nil
}

// initActuators brings up the servo and the stepper on the opened drivers,
// then builds the motion pipeline. An actuator is kept only once its Init
// succeeded, so close never drives lines that were not set up.
func (t *turret) initActuators(cfg *config.Config) error {
	debug.Step(3, "Initializing tilt servo")
	debug.PrintStruct("Servo config", cfg.Servo)
	sv := servo.New(t.pwm, servoConfig(cfg))
	if err := sv.Init(); err != nil {
		return err
	}
	t.servo = sv

	debug.Step(4, "Initializing azimuth stepper")
	debug.PrintStruct("Stepper config", cfg.Stepper)
	st := stepper.NewStepper(t.gpio, stepper.Config{
		StepPin:          cfg.Stepper.StepPin,
		DirPin:           cfg.Stepper.DirPin,
		EnablePin:        cfg.Stepper.EnablePin,
		DefaultDirection: stepper.CW,
	})
	if err := st.Init(); err != nil {
		return err
	}
	t.stepper = st

	debug.Step(5, "Creating motion queue and dispatcher")
	t.queue = motion.NewQueue(cfg.Stepper.QueueSize)
	t.task = motion.NewTask(t.queue, t.stepper, motion.TaskConfig{
		MinDelay: cfg.MinStepDelay(),
		MaxDelay: cfg.MaxStepDelay(),
	})
	t.dispatcher = command.NewDispatcher(t.servo, t.task, t.queue)
	t.steps = geometry.NewStepsCalculator(cfg.Stepper.StepsPerRev, cfg.Stepper.Microstepping)
	debug.Value("Steps per revolution", t.steps.StepsPerRev())
	return nil
}

// newPWMDriver selects the servo PWM backend.
func newPWMDriver(cfg *config.Config) (pwm.Driver, error) {
	if cfg.Defaults.MockHW {
		return pwm.NewMockDriver(), nil
	}
	switch cfg.Servo.Backend {
	case config.BackendRPi:
		return pwm.NewRPiDriver(), nil
	case config.BackendPCA9685:
		d, err := pwm.NewPCA9685Driver(cfg.Servo.I2CBus, cfg.Servo.I2CAddr)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unsupported servo backend: %s", cfg.Servo.Backend)
	}
}

func servoConfig(cfg *config.Config) servo.Config {
	return servo.Config{
		Channel:  cfg.Servo.Channel,
		Pin:      cfg.Servo.Pin,
		Period:   uint32(cfg.Servo.PeriodUs),
		Min:      uint32(cfg.Servo.MinUs),
		Center:   uint32(cfg.Servo.CenterUs),
		Max:      uint32(cfg.Servo.MaxUs),
		Inverted: cfg.ServoInverted(),
	}
}

// run starts the motion task and every configured transport, and blocks
// until ctx is cancelled or a transport fails to start. Transports recover
// from runtime faults themselves, so the motion task keeps draining.
func (t *turret) run(ctx context.Context, cfg *config.Config, webPort int, broadcaster *web.StatusBroadcaster) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		t.task.Run(gctx)
		return nil
	})

	transports := 0
	if cfg.MQTT.Broker != "" {
		sub := mqtttransport.New(mqtttransport.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Topic:    cfg.MQTT.Topic,
			QoS:      cfg.MQTTQoS(),
		}, t.dispatcher)
		g.Go(func() error { return sub.Run(gctx) })
		transports++
	}
	if cfg.Serial.Port != "" {
		lis := serialtransport.New(serialtransport.Config{
			Port:     cfg.Serial.Port,
			BaudRate: cfg.Serial.BaudRate,
			Open:     t.openSerial,
		}, t.dispatcher)
		g.Go(func() error { return lis.Run(gctx) })
		transports++
	}
	if webPort > 0 {
		if broadcaster == nil {
			broadcaster = web.NewStatusBroadcaster()
		}
		srv, err := web.NewServer(fmt.Sprintf(":%d", webPort), broadcaster, t.dispatcher, t.status)
		if err != nil {
			return err
		}
		g.Go(func() error { return srv.Run(gctx) })
		transports++
	}
	if transports == 0 {
		debug.Warn("No transport configured (mqtt.broker, serial.port or -web): the turret will not receive commands")
	}

	debug.Summary("TurretGo ready")
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// status is a snapshot for the web status page.
func (t *turret) status() web.Status {
	stats := t.task.Stats()
	st := web.Status{
		Motion:     stats,
		AzimuthDeg: t.steps.Heading(stats.Position),
		DelayUs:    t.task.Delay().Microseconds(),
		Queue: web.QueueStatus{
			Len:     t.queue.Len(),
			Cap:     t.queue.Cap(),
			Dropped: t.queue.Dropped(),
		},
	}
	duty, err := t.servo.Duty()
	if err != nil {
		st.Servo.Error = err.Error()
		return st
	}
	st.Servo.DutyUs = duty
	st.Servo.Percent, _ = t.servo.Percent()
	return st
}

// close leaves the stepper driver disabled and releases PWM then GPIO.
func (t *turret) close() {
	if t.stepper != nil {
		if err := t.stepper.SetEnabled(false); err != nil {
			log.Printf("disabling stepper failed: %v", err)
		}
	}
	if t.pwm != nil {
		if err := t.pwm.Close(); err != nil {
			log.Printf("closing PWM driver failed: %v", err)
		}
	}
	if t.gpio != nil {
		if err := t.gpio.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
