package stepper

import (
	"context"
	"math"
	"time"

	"github.com/cjeanneret/winequeen/internal/debug"
	"github.com/cjeanneret/winequeen/internal/hw/gpio"
)

// Config holds the hardware configuration for a stepper motor.
type Config struct {
	Name         string // axis name used in logs ("X", "Z")
	StepPin      int
	DirPin       int
	EnablePin    int           // driver ENABLE pin (BCM). 0 = not used. Active LOW (LOW=enabled).
	MaxSpeed     float64       // microsteps per second
	Acceleration float64       // microsteps per second^2
	PulseWidth   time.Duration // STEP high time. 0 = back-to-back writes.
}

// Stepper drives a STEP/DIR driver with a trapezoidal speed profile.
// Run must be called as often as possible; each call emits at most one step
// and recomputes the speed for the next one, so the caller controls when
// the motor advances and can service other work between steps.
type Stepper struct {
	gpio gpio.Driver
	cfg  Config
	now  func() time.Time

	currentPos int64
	targetPos  int64

	speed        float64 // signed, steps per second
	maxSpeed     float64
	acceleration float64

	stepInterval time.Duration
	lastStepTime time.Time

	// ramp state: n is the step index on the current ramp (negative while
	// decelerating), cn the current step interval in seconds.
	n    int64
	c0   float64
	cn   float64
	cmin float64

	forward bool
}

// NewStepper creates a new stepper motor controller.
func NewStepper(g gpio.Driver, cfg Config) *Stepper {
	return newStepper(g, cfg, time.Now)
}

func newStepper(g gpio.Driver, cfg Config, now func() time.Time) *Stepper {
	_ = g.SetupPin(cfg.StepPin, gpio.Output)
	_ = g.SetupPin(cfg.DirPin, gpio.Output)

	s := &Stepper{
		gpio:    g,
		cfg:     cfg,
		now:     now,
		forward: true,
	}

	maxSpeed := cfg.MaxSpeed
	if maxSpeed <= 0 {
		maxSpeed = 1000
	}
	accel := cfg.Acceleration
	if accel <= 0 {
		accel = 1000
	}
	s.SetMaxSpeed(maxSpeed)
	s.SetAcceleration(accel)

	// Driver ENABLE: active LOW. LOW = enabled, HIGH = disabled.
	if cfg.EnablePin > 0 {
		_ = g.SetupPin(cfg.EnablePin, gpio.Output)
		_ = g.WritePin(cfg.EnablePin, gpio.Low) // enable by default
	}

	return s
}

// Name returns the axis name.
func (s *Stepper) Name() string {
	return s.cfg.Name
}

// MoveTo sets an absolute target. The motor moves on subsequent Run calls.
func (s *Stepper) MoveTo(position int64) {
	if s.targetPos != position {
		debug.Move(s.cfg.Name, position, "moveTo")
		s.targetPos = position
		s.computeNewSpeed()
	}
}

// Move sets a target relative to the current position.
func (s *Stepper) Move(delta int64) {
	s.MoveTo(s.currentPos + delta)
}

// CurrentPosition returns the position in microsteps.
func (s *Stepper) CurrentPosition() int64 {
	return s.currentPos
}

// TargetPosition returns the most recent target.
func (s *Stepper) TargetPosition() int64 {
	return s.targetPos
}

// DistanceToGo returns the signed distance from the current position to the target.
func (s *Stepper) DistanceToGo() int64 {
	return s.targetPos - s.currentPos
}

// SetCurrentPosition redefines the current position (and target) without
// moving. Speed drops to zero.
func (s *Stepper) SetCurrentPosition(position int64) {
	s.currentPos = position
	s.targetPos = position
	s.n = 0
	s.stepInterval = 0
	s.speed = 0
}

// Speed returns the current signed speed in steps per second.
func (s *Stepper) Speed() float64 {
	return s.speed
}

// MaxSpeed returns the configured maximum speed.
func (s *Stepper) MaxSpeed() float64 {
	return s.maxSpeed
}

// Acceleration returns the configured acceleration.
func (s *Stepper) Acceleration() float64 {
	return s.acceleration
}

// SetMaxSpeed changes the speed limit, re-planning a ramp in progress.
func (s *Stepper) SetMaxSpeed(speed float64) {
	if speed < 0 {
		speed = -speed
	}
	if speed == 0 || s.maxSpeed == speed {
		return
	}
	s.maxSpeed = speed
	s.cmin = 1.0 / speed
	if s.n > 0 {
		s.n = int64((s.speed * s.speed) / (2.0 * s.acceleration))
		s.computeNewSpeed()
	}
}

// SetAcceleration changes the acceleration, re-planning a ramp in progress.
func (s *Stepper) SetAcceleration(accel float64) {
	if accel < 0 {
		accel = -accel
	}
	if accel == 0 || s.acceleration == accel {
		return
	}
	if s.n > 0 && s.acceleration > 0 {
		s.n = int64(float64(s.n) * (s.acceleration / accel))
	}
	// Equation 15 of the AVR446 linear speed control note, with the 0.676
	// correction for the first step.
	s.c0 = 0.676 * math.Sqrt(2.0/accel)
	s.acceleration = accel
	s.computeNewSpeed()
}

// IsRunning reports whether the motor is moving or has distance to go.
func (s *Stepper) IsRunning() bool {
	return !(s.speed == 0 && s.DistanceToGo() == 0)
}

// Run services the profile: it emits a step if one is due and recomputes
// the speed. It returns true while the motor still has work to do.
func (s *Stepper) Run() bool {
	if s.runSpeed() {
		s.computeNewSpeed()
	}
	return s.speed != 0 || s.DistanceToGo() != 0
}

// RunToPosition blocks until the target is reached or ctx is cancelled.
func (s *Stepper) RunToPosition(ctx context.Context) error {
	for s.Run() {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Stop halts the motor where it is: the target becomes the current position.
func (s *Stepper) Stop() {
	if s.IsRunning() {
		debug.Live("Stepper %s: stop at %d (target was %d)", s.cfg.Name, s.currentPos, s.targetPos)
	}
	s.SetCurrentPosition(s.currentPos)
}

// Enable turns on the motor driver (ENABLE=LOW). Motors hold position.
func (s *Stepper) Enable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.Low)
}

// Disable turns off the motor driver (ENABLE=HIGH). Motors freewheel, no holding torque.
func (s *Stepper) Disable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.High)
}

// runSpeed emits one step if the current interval has elapsed.
func (s *Stepper) runSpeed() bool {
	if s.stepInterval == 0 {
		return false
	}
	now := s.now()
	if now.Sub(s.lastStepTime) < s.stepInterval {
		return false
	}
	if s.forward {
		s.currentPos++
	} else {
		s.currentPos--
	}
	if err := s.step(); err != nil {
		debug.Error(err)
	}
	s.lastStepTime = now
	return true
}

func (s *Stepper) step() error {
	dir := gpio.Low
	if s.forward {
		dir = gpio.High
	}
	if err := s.gpio.WritePin(s.cfg.DirPin, dir); err != nil {
		return err
	}
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.High); err != nil {
		return err
	}
	if s.cfg.PulseWidth > 0 {
		// Sleep granularity is far coarser than a step pulse.
		start := time.Now()
		for time.Since(start) < s.cfg.PulseWidth {
		}
	}
	return s.gpio.WritePin(s.cfg.StepPin, gpio.Low)
}

// computeNewSpeed plans the interval to the next step so the motor ramps up
// to maxSpeed and back down to rest exactly at the target.
func (s *Stepper) computeNewSpeed() {
	distanceTo := s.DistanceToGo()
	stepsToStop := int64((s.speed * s.speed) / (2.0 * s.acceleration))

	if distanceTo == 0 && stepsToStop <= 1 {
		s.stepInterval = 0
		s.speed = 0
		s.n = 0
		return
	}

	if distanceTo > 0 {
		if s.n > 0 {
			if stepsToStop >= distanceTo || !s.forward {
				s.n = -stepsToStop
			}
		} else if s.n < 0 {
			if stepsToStop < distanceTo && s.forward {
				s.n = -s.n
			}
		}
	} else if distanceTo < 0 {
		if s.n > 0 {
			if stepsToStop >= -distanceTo || s.forward {
				s.n = -stepsToStop
			}
		} else if s.n < 0 {
			if stepsToStop < -distanceTo && !s.forward {
				s.n = -s.n
			}
		}
	}

	if s.n == 0 {
		s.cn = s.c0
		s.forward = distanceTo > 0
	} else {
		s.cn = s.cn - ((2.0 * s.cn) / float64(4*s.n+1))
		s.cn = math.Max(s.cn, s.cmin)
	}
	s.n++
	s.stepInterval = time.Duration(s.cn * float64(time.Second))
	s.speed = 1.0 / s.cn
	if !s.forward {
		s.speed = -s.speed
	}
}
