package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Vacuum modes.
const (
	VacuumTimed    = "timed"    // fixed-duration pump pulse
	VacuumPressure = "pressure" // pump until the gauge reaches target_kpa
)

// Vacuum-break axes.
const (
	AxisX = "x"
	AxisZ = "z"
)

// StepperConfig holds the configuration for a stepper motor.
type StepperConfig struct {
	StepPin      int     `yaml:"step_pin"`
	DirPin       int     `yaml:"dir_pin"`
	EnablePin    int     `yaml:"enable_pin"`   // driver ENABLE pin (BCM). 0 = not used. Active LOW.
	MaxSpeed     float64 `yaml:"max_speed"`    // microsteps per second
	Acceleration float64 `yaml:"acceleration"` // microsteps per second^2
}

// PositionsConfig holds every fixed coordinate the sequencer uses, in microsteps.
type PositionsConfig struct {
	ZTop        int64 `yaml:"z_top"`         // safe travel height
	ZBottom     int64 `yaml:"z_bottom"`      // rest position after homing
	ZLidPickup  int64 `yaml:"z_lid_pickup"`  // lid storage height
	ZLidInsert  int64 `yaml:"z_lid_insert"`  // lid seated on the bottle
	ZVacuumTube int64 `yaml:"z_vacuum_tube"` // vacuum tube pressed on the lid valve

	XInitial          int64 `yaml:"x_initial"`
	XLidRoom          int64 `yaml:"x_lid_room"`           // lid storage
	XWine             int64 `yaml:"x_wine"`               // approximate bottle position
	XCameraOffset     int64 `yaml:"x_camera_offset"`      // camera axis to magnet axis
	XLidPlaceTrim     int64 `yaml:"x_lid_place_trim"`     // extra shift when setting the lid down
	XVacuumTubeOffset int64 `yaml:"x_vacuum_tube_offset"` // camera axis to vacuum tube axis
	XHomeApproach     int64 `yaml:"x_home_approach"`      // intermediate X stop on the way home
}

// ActuatorConfig holds the relay and linear motor pins.
type ActuatorConfig struct {
	MagnetPin      int `yaml:"magnet_pin"`
	PumpPin        int `yaml:"pump_pin"`
	LinearIn1Pin   int `yaml:"linear_in1_pin"`
	LinearIn2Pin   int `yaml:"linear_in2_pin"`
	LinearEnaPin   int `yaml:"linear_ena_pin"`
	MagnetSettleMs int `yaml:"magnet_settle_ms"` // wait after toggling the electromagnet
}

// ProcessConfig holds options shared by the seal and open processes.
type ProcessConfig struct {
	AlignBottle  bool `yaml:"align_bottle"`   // push the bottle into the V-block before sealing
	StartDelayMs int  `yaml:"start_delay_ms"` // settle time before the first move
}

// AlignConfig describes the bottle alignment pulse of the linear actuator.
type AlignConfig struct {
	PreDelayMs int `yaml:"pre_delay_ms"`
	PushMs     int `yaml:"push_ms"`
	ReturnMs   int `yaml:"return_ms"`
	Speed      int `yaml:"speed"` // PWM duty 0-255
}

// VacuumConfig describes the vacuum step.
type VacuumConfig struct {
	Mode            string  `yaml:"mode"`        // "timed" or "pressure"
	DurationMs      int     `yaml:"duration_ms"` // timed mode pulse
	TargetKPa       float64 `yaml:"target_kpa"`  // pressure mode threshold (inclusive)
	PollIntervalMs  int     `yaml:"poll_interval_ms"`
	MaxReadFailures int     `yaml:"max_read_failures"` // consecutive failures before giving up. <0 = never give up.
	TimeoutMs       int     `yaml:"timeout_ms"`        // 0 = no timeout
}

// OpenConfig describes the vacuum-break oscillation of the open process.
type OpenConfig struct {
	BreakAxis  string  `yaml:"break_axis"`  // "z" or "x"
	BreakJogs  []int64 `yaml:"break_jogs"`  // relative jogs, each run to completion
	BreakSpeed float64 `yaml:"break_speed"` // reduced max speed during the jogs
	BreakAccel float64 `yaml:"break_accel"`
}

// CameraConfig describes the camera-assisted X alignment.
type CameraConfig struct {
	TimeoutS int   `yaml:"timeout_s"`
	JogSteps int64 `yaml:"jog_steps"`
}

// HomingConfig describes the optional Z limit switch.
type HomingConfig struct {
	ZLimitPin      int     `yaml:"z_limit_pin"`      // 0 = no switch, power-on position is the origin
	ZSeekSteps     int64   `yaml:"z_seek_steps"`     // relative travel toward the switch
	PollIntervalMs int     `yaml:"poll_interval_ms"` // edge detect sampling
	SeekSpeed      float64 `yaml:"seek_speed"`       // Z speed while seeking the switch
	SeekAccel      float64 `yaml:"seek_accel"`
}

// ButtonsConfig describes the two physical pushbuttons.
type ButtonsConfig struct {
	Enabled        bool `yaml:"enabled"`
	SealPin        int  `yaml:"seal_pin"`
	OpenPin        int  `yaml:"open_pin"`
	DebounceMs     int  `yaml:"debounce_ms"`
	PollIntervalMs int  `yaml:"poll_interval_ms"`
}

// SerialConfig describes the command/status serial channel.
type SerialConfig struct {
	Enabled bool   `yaml:"enabled"`
	Device  string `yaml:"device"`
	Baud    int    `yaml:"baud"`
}

// InputConfig groups the input sources.
type InputConfig struct {
	Buttons ButtonsConfig `yaml:"buttons"`
	Serial  SerialConfig  `yaml:"serial"`
}

// PressureConfig describes the serial pressure gauge. Empty device = no gauge.
type PressureConfig struct {
	Device        string `yaml:"device"`
	Baud          int    `yaml:"baud"`
	ReadTimeoutMs int    `yaml:"read_timeout_ms"`
	MaxAgeMs      int    `yaml:"max_age_ms"` // older readings are read failures
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	XStepper  StepperConfig   `yaml:"x_stepper"`
	ZStepper  StepperConfig   `yaml:"z_stepper"`
	Positions PositionsConfig `yaml:"positions"`
	Actuators ActuatorConfig  `yaml:"actuators"`
	Process   ProcessConfig   `yaml:"process"`
	Align     AlignConfig     `yaml:"align"`
	Vacuum    VacuumConfig    `yaml:"vacuum"`
	Open      OpenConfig      `yaml:"open"`
	Camera    CameraConfig    `yaml:"camera"`
	Homing    HomingConfig    `yaml:"homing"`
	Input     InputConfig     `yaml:"input"`
	Pressure  PressureConfig  `yaml:"pressure"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
}

// Default returns the machine's calibrated configuration. The values are the
// ones measured on the prototype (16x microstepping).
func Default() *Config {
	return &Config{
		XStepper: StepperConfig{StepPin: 8, DirPin: 7, EnablePin: 9, MaxSpeed: 4000 * 16, Acceleration: 3000 * 16},
		ZStepper: StepperConfig{StepPin: 11, DirPin: 10, EnablePin: 12, MaxSpeed: 8000 * 16, Acceleration: 5000 * 16},
		Positions: PositionsConfig{
			ZTop:              -453 * 16,
			ZBottom:           0,
			ZLidPickup:        0,
			ZLidInsert:        10 * 16,
			ZVacuumTube:       0,
			XInitial:          0,
			XLidRoom:          -165 * 16,
			XWine:             -680 * 16,
			XCameraOffset:     -155 * 16,
			XLidPlaceTrim:     -10 * 16,
			XVacuumTubeOffset: 155*16 + 20*16,
			XHomeApproach:     -100 * 16,
		},
		Actuators: ActuatorConfig{
			MagnetPin: 23, PumpPin: 24,
			LinearIn1Pin: 5, LinearIn2Pin: 6, LinearEnaPin: 13,
			MagnetSettleMs: 500,
		},
		Process: ProcessConfig{AlignBottle: false, StartDelayMs: 1500},
		Align:   AlignConfig{PreDelayMs: 500, PushMs: 1200, ReturnMs: 1200, Speed: 250},
		Vacuum: VacuumConfig{
			Mode:            VacuumTimed,
			DurationMs:      15000,
			TargetKPa:       30,
			PollIntervalMs:  200,
			MaxReadFailures: 5,
		},
		Open: OpenConfig{
			BreakAxis:  AxisZ,
			BreakJogs:  []int64{5 * 16, -20 * 16, 5 * 16, -20 * 16},
			BreakSpeed: 25 * 16,
			BreakAccel: 25 * 16,
		},
		Camera: CameraConfig{TimeoutS: 300, JogSteps: 3 * 16},
		Homing: HomingConfig{ZLimitPin: 0, ZSeekSteps: 500 * 16, PollIntervalMs: 1, SeekSpeed: 1000, SeekAccel: 4000},
		Input: InputConfig{
			Buttons: ButtonsConfig{Enabled: true, SealPin: 20, OpenPin: 21, DebounceMs: 50, PollIntervalMs: 5},
			Serial:  SerialConfig{Enabled: false, Device: "/dev/ttyACM0", Baud: 9600},
		},
		Pressure: PressureConfig{Baud: 9600, ReadTimeoutMs: 500, MaxAgeMs: 1000},
		Defaults: DefaultsConfig{DebugLevel: 1, MockGPIO: true},
	}
}

// Load reads a YAML file on top of Default, applies environment overrides
// (including a .env file in the working directory) and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	_ = godotenv.Load()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides deployment-specific values from the environment.
func (c *Config) ApplyEnv() error {
	if v, ok := os.LookupEnv("WINEQUEEN_SERIAL_DEVICE"); ok && v != "" {
		c.Input.Serial.Device = v
		c.Input.Serial.Enabled = true
	}
	if v, ok := os.LookupEnv("WINEQUEEN_PRESSURE_DEVICE"); ok {
		c.Pressure.Device = v
	}
	if v, ok := os.LookupEnv("WINEQUEEN_MOCK_GPIO"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("WINEQUEEN_MOCK_GPIO: %w", err)
		}
		c.Defaults.MockGPIO = b
	}
	if v, ok := os.LookupEnv("WINEQUEEN_DEBUG_LEVEL"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WINEQUEEN_DEBUG_LEVEL: %w", err)
		}
		c.Defaults.DebugLevel = n
	}
	return nil
}

// applyDefaults fills zero timings that would otherwise make the machine spin.
func (c *Config) applyDefaults() {
	if c.Actuators.MagnetSettleMs <= 0 {
		c.Actuators.MagnetSettleMs = 500
	}
	if c.Vacuum.PollIntervalMs <= 0 {
		c.Vacuum.PollIntervalMs = 200
	}
	if c.Vacuum.MaxReadFailures == 0 {
		c.Vacuum.MaxReadFailures = 5
	}
	if c.Camera.TimeoutS <= 0 {
		c.Camera.TimeoutS = 300
	}
	if c.Homing.PollIntervalMs <= 0 {
		c.Homing.PollIntervalMs = 1
	}
	if c.Homing.SeekSpeed <= 0 {
		c.Homing.SeekSpeed = 1000
	}
	if c.Homing.SeekAccel <= 0 {
		c.Homing.SeekAccel = 4000
	}
	if c.Input.Buttons.DebounceMs <= 0 {
		c.Input.Buttons.DebounceMs = 50
	}
	if c.Input.Buttons.PollIntervalMs <= 0 {
		c.Input.Buttons.PollIntervalMs = 5
	}
	if c.Input.Serial.Baud <= 0 {
		c.Input.Serial.Baud = 9600
	}
	if c.Pressure.Baud <= 0 {
		c.Pressure.Baud = 9600
	}
	if c.Pressure.ReadTimeoutMs <= 0 {
		c.Pressure.ReadTimeoutMs = 500
	}
	if c.Pressure.MaxAgeMs <= 0 {
		c.Pressure.MaxAgeMs = 1000
	}
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	for name, s := range map[string]StepperConfig{"x_stepper": c.XStepper, "z_stepper": c.ZStepper} {
		if s.MaxSpeed <= 0 {
			return fmt.Errorf("%s.max_speed must be > 0", name)
		}
		if s.Acceleration <= 0 {
			return fmt.Errorf("%s.acceleration must be > 0", name)
		}
	}
	switch c.Vacuum.Mode {
	case VacuumTimed:
		if c.Vacuum.DurationMs <= 0 {
			return fmt.Errorf("vacuum.duration_ms must be > 0 in timed mode")
		}
	case VacuumPressure:
		if c.Pressure.Device == "" && !c.Defaults.MockGPIO {
			return fmt.Errorf("vacuum.mode %q requires pressure.device", VacuumPressure)
		}
	default:
		return fmt.Errorf("vacuum.mode must be %q or %q, got %q", VacuumTimed, VacuumPressure, c.Vacuum.Mode)
	}
	switch c.Open.BreakAxis {
	case AxisX, AxisZ:
	default:
		return fmt.Errorf("open.break_axis must be %q or %q, got %q", AxisX, AxisZ, c.Open.BreakAxis)
	}
	if c.Open.BreakSpeed <= 0 || c.Open.BreakAccel <= 0 {
		return fmt.Errorf("open.break_speed and open.break_accel must be > 0")
	}
	if c.Camera.JogSteps <= 0 {
		return fmt.Errorf("camera.jog_steps must be > 0")
	}
	if c.Align.Speed < 0 || c.Align.Speed > 255 {
		return fmt.Errorf("align.speed must be between 0 and 255, got %d", c.Align.Speed)
	}
	if c.Homing.ZLimitPin > 0 && c.Homing.ZSeekSteps == 0 {
		return fmt.Errorf("homing.z_seek_steps must be non-zero when z_limit_pin is set")
	}
	if c.Input.Buttons.Enabled && (c.Input.Buttons.SealPin <= 0 || c.Input.Buttons.OpenPin <= 0) {
		return fmt.Errorf("input.buttons requires seal_pin and open_pin")
	}
	if c.Input.Serial.Enabled && c.Input.Serial.Device == "" {
		return fmt.Errorf("input.serial.device is required when serial input is enabled")
	}
	return nil
}

// ValidateConfigPath rejects config paths outside a configs/ directory or
// without a .yaml extension.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if filepath.Ext(path) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	clean := filepath.Clean(path)
	if strings.HasPrefix(clean, "..") {
		return fmt.Errorf("config path %q escapes the working directory", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// MagnetSettle returns the wait after toggling the electromagnet.
func (c *Config) MagnetSettle() time.Duration { return ms(c.Actuators.MagnetSettleMs) }

// StartDelay returns the settle time before a seal starts moving.
func (c *Config) StartDelay() time.Duration { return ms(c.Process.StartDelayMs) }

// AlignPreDelay returns the pause before the alignment push.
func (c *Config) AlignPreDelay() time.Duration { return ms(c.Align.PreDelayMs) }

// AlignPush returns how long the actuator pushes the bottle.
func (c *Config) AlignPush() time.Duration { return ms(c.Align.PushMs) }

// AlignReturn returns how long the actuator retracts.
func (c *Config) AlignReturn() time.Duration { return ms(c.Align.ReturnMs) }

// VacuumDuration returns the timed-mode pump pulse.
func (c *Config) VacuumDuration() time.Duration { return ms(c.Vacuum.DurationMs) }

// VacuumPollInterval returns the gauge polling interval.
func (c *Config) VacuumPollInterval() time.Duration { return ms(c.Vacuum.PollIntervalMs) }

// VacuumTimeout returns the pressure loop bound (0 = none).
func (c *Config) VacuumTimeout() time.Duration { return ms(c.Vacuum.TimeoutMs) }

// CameraTimeout returns the camera alignment deadline.
func (c *Config) CameraTimeout() time.Duration {
	return time.Duration(c.Camera.TimeoutS) * time.Second
}

// HomingPollInterval returns the limit switch sampling interval.
func (c *Config) HomingPollInterval() time.Duration { return ms(c.Homing.PollIntervalMs) }

// Debounce returns the button debounce window.
func (c *Config) Debounce() time.Duration { return ms(c.Input.Buttons.DebounceMs) }

// ButtonPollInterval returns the button sampling interval.
func (c *Config) ButtonPollInterval() time.Duration { return ms(c.Input.Buttons.PollIntervalMs) }

// PressureReadTimeout returns the gauge serial read timeout.
func (c *Config) PressureReadTimeout() time.Duration { return ms(c.Pressure.ReadTimeoutMs) }

// PressureMaxAge returns how old the latest gauge line may be before a read fails.
func (c *Config) PressureMaxAge() time.Duration { return ms(c.Pressure.MaxAgeMs) }
