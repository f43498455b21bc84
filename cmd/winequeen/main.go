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
	"sync"
	"syscall"

	"github.com/cjeanneret/winequeen/internal/config"
	"github.com/cjeanneret/winequeen/internal/debug"
	"github.com/cjeanneret/winequeen/internal/hw/actuator"
	"github.com/cjeanneret/winequeen/internal/hw/gpio"
	"github.com/cjeanneret/winequeen/internal/hw/limit"
	"github.com/cjeanneret/winequeen/internal/hw/pressure"
	"github.com/cjeanneret/winequeen/internal/hw/stepper"
	"github.com/cjeanneret/winequeen/internal/input"
	"github.com/cjeanneret/winequeen/internal/logic/motion"
	"github.com/cjeanneret/winequeen/internal/logic/sequencer"
	"github.com/cjeanneret/winequeen/internal/web"
	"github.com/prometheus/client_golang/prometheus"
)

// eventQueueSize bounds the input queue. Producers drop when it is full.
const eventQueueSize = 16

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	console := flag.Bool("console", false, "read commands from the terminal (S, O, H, E, camera hints; q quits)")
	flag.Parse()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid -config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	// Initialize GPIO driver
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		log.Fatalf("init GPIO failed: %v", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()

	// Status sinks: the serial host, and the web stream when enabled
	var status []sequencer.StatusWriter
	var serialPort *input.SerialPort
	if cfg.Input.Serial.Enabled {
		debug.Step(2, "Opening serial command channel")
		serialPort, err = input.OpenSerial(cfg.Input.Serial.Device, cfg.Input.Serial.Baud)
		if err != nil {
			log.Fatalf("open serial failed: %v", err)
		}
		defer serialPort.Close()
		status = append(status, serialPort)
	}

	var broadcaster *web.StatusBroadcaster
	if webPort.port() > 0 {
		broadcaster = web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
		status = append(status, web.StatusLines(broadcaster))
	}

	debug.Step(3, "Initializing motion, actuators and sensors")
	m, err := newMachine(cfg, gpioDriver, status...)
	if err != nil {
		log.Fatalf("init machine failed: %v", err)
	}
	defer m.shutdown()

	var wg sync.WaitGroup
	goRun := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				debug.Error(fmt.Errorf("%s: %w", name, err))
			}
		}()
	}

	debug.Step(4, "Starting input sources")
	if m.limit != nil {
		goRun("limit switch", func() error {
			m.limit.Watch(ctx, cfg.HomingPollInterval())
			return nil
		})
	}
	if cfg.Input.Buttons.Enabled {
		buttons := input.NewButtons(gpioDriver, input.ButtonsConfig{
			SealPin:      cfg.Input.Buttons.SealPin,
			OpenPin:      cfg.Input.Buttons.OpenPin,
			Debounce:     cfg.Debounce(),
			PollInterval: cfg.ButtonPollInterval(),
		})
		goRun("buttons", func() error {
			buttons.Run(ctx, m.events)
			return nil
		})
	}
	if serialPort != nil {
		goRun("serial", func() error { return serialPort.Run(ctx, m.events) })
	}
	if *console {
		// Not waited for: a read on stdin cannot be interrupted.
		go func() {
			err := input.NewConsole(os.Stdin).Run(ctx, m.events)
			switch {
			case errors.Is(err, input.ErrQuit):
				debug.Info("Console: quit")
				cancel()
			case err != nil:
				debug.Error(fmt.Errorf("console: %w", err))
			}
		}()
	}
	if broadcaster != nil {
		srv, err := web.NewServer(fmt.Sprintf(":%d", webPort.port()), broadcaster, m.events, m.seq.Snapshot, m.reg)
		if err != nil {
			log.Fatalf("init web server failed: %v", err)
		}
		goRun("web server", func() error { return srv.Run(ctx) })
	}

	debug.Section("Ready")
	if err := m.seq.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		debug.Error(err)
	}
	cancel()
	wg.Wait()
}

// machine is the wired controller: both axes, the actuators, the optional
// sensors and the sequencer that owns them.
type machine struct {
	cfg     *config.Config
	motion  *motion.Controller
	bank    *actuator.Bank
	limit   *limit.Switch
	sensor  pressure.Sensor
	events  chan input.Event
	reg     *prometheus.Registry
	seq     *sequencer.Sequencer
	closers []io.Closer
}

// newMachine builds the machine on g. The power-on position is taken as the
// origin; a limit switch, when fitted, corrects Z on the first home.
func newMachine(cfg *config.Config, g gpio.Driver, status ...sequencer.StatusWriter) (*machine, error) {
	x := stepper.NewStepper(g, stepperConfig("X", cfg.XStepper))
	z := stepper.NewStepper(g, stepperConfig("Z", cfg.ZStepper))
	debug.PrintStruct("X stepper config", cfg.XStepper)
	debug.PrintStruct("Z stepper config", cfg.ZStepper)
	x.SetCurrentPosition(cfg.Positions.XInitial)
	z.SetCurrentPosition(cfg.Positions.ZBottom)

	m := &machine{
		cfg:    cfg,
		motion: motion.NewController(x, z),
		bank: actuator.NewBank(g, actuator.Pins{
			Magnet:    cfg.Actuators.MagnetPin,
			Pump:      cfg.Actuators.PumpPin,
			LinearIn1: cfg.Actuators.LinearIn1Pin,
			LinearIn2: cfg.Actuators.LinearIn2Pin,
			LinearEna: cfg.Actuators.LinearEnaPin,
		}),
		events: make(chan input.Event, eventQueueSize),
		reg:    prometheus.NewRegistry(),
	}
	if err := m.motion.DisableMotors(); err != nil {
		return nil, err
	}

	if pin := cfg.Homing.ZLimitPin; pin > 0 {
		sw, err := limit.NewSwitch(g, pin)
		if err != nil {
			return nil, fmt.Errorf("limit switch on pin %d: %w", pin, err)
		}
		m.limit = sw
		debug.Value("Z limit pin", pin)
	}

	sensor, closer, err := openPressure(cfg)
	if err != nil {
		return nil, err
	}
	m.sensor = sensor
	if closer != nil {
		m.closers = append(m.closers, closer)
	}

	m.seq = sequencer.New(sequencer.Deps{
		Config:    cfg,
		Motion:    m.motion,
		Actuators: m.bank,
		Pressure:  m.sensor,
		Limit:     m.limit,
		Events:    m.events,
		Status:    status,
		Metrics:   sequencer.NewMetrics(m.reg),
	})
	return m, nil
}

// shutdown leaves the machine safe: outputs off, drivers released.
func (m *machine) shutdown() {
	m.motion.StopAll()
	if err := m.bank.AllOff(); err != nil {
		debug.Error(err)
	}
	if err := m.motion.DisableMotors(); err != nil {
		debug.Error(err)
	}
	for _, c := range m.closers {
		_ = c.Close()
	}
	debug.Info("Machine shut down")
}

func stepperConfig(name string, c config.StepperConfig) stepper.Config {
	return stepper.Config{
		Name:         name,
		StepPin:      c.StepPin,
		DirPin:       c.DirPin,
		EnablePin:    c.EnablePin,
		MaxSpeed:     c.MaxSpeed,
		Acceleration: c.Acceleration,
	}
}

// openPressure picks the vacuum gauge: the serial gauge when a device is
// configured, a simulated pump-down in mock mode, otherwise none.
func openPressure(cfg *config.Config) (pressure.Sensor, io.Closer, error) {
	if dev := cfg.Pressure.Device; dev != "" {
		g, err := pressure.OpenSerialGauge(dev, cfg.Pressure.Baud, cfg.PressureReadTimeout(), cfg.PressureMaxAge())
		if err != nil {
			return nil, nil, err
		}
		return g, g, nil
	}
	if cfg.Vacuum.Mode == config.VacuumPressure && cfg.Defaults.MockGPIO {
		debug.Info("Pressure: no gauge configured, using a simulated pump-down")
		return pressure.Ramp(101, cfg.Vacuum.TargetKPa, 10), nil, nil
	}
	return nil, nil, nil
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
