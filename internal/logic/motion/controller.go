package motion

import (
	"context"
	"errors"

	"github.com/cjeanneret/winequeen/internal/debug"
)

// Axis is the stepper API the controller drives. *stepper.Stepper
// implements it.
type Axis interface {
	Name() string
	MoveTo(position int64)
	Move(delta int64)
	Run() bool
	Stop()
	CurrentPosition() int64
	SetCurrentPosition(position int64)
	DistanceToGo() int64
	MaxSpeed() float64
	Acceleration() float64
	SetMaxSpeed(speed float64)
	SetAcceleration(accel float64)
	Enable() error
	Disable() error
}

// TickFunc is called between steps while an axis moves. A non-nil error
// aborts the move, leaving the axis where it is.
type TickFunc func(ctx context.Context) error

// Controller orchestrates X/Z movements via two stepper motors.
// It's an intermediate layer between the sealing/opening sequences and
// low-level (GPIO). Moves are sequential: one axis at a time, each run to
// completion before the next starts.
type Controller struct {
	x    Axis
	z    Axis
	tick TickFunc
}

func NewController(x, z Axis) *Controller {
	return &Controller{
		x: x,
		z: z,
	}
}

// SetTick installs the service hook called on every step.
func (c *Controller) SetTick(tick TickFunc) {
	c.tick = tick
}

// X returns the horizontal axis.
func (c *Controller) X() Axis { return c.x }

// Z returns the vertical axis.
func (c *Controller) Z() Axis { return c.z }

// MoveXTo moves X to an absolute position.
func (c *Controller) MoveXTo(ctx context.Context, position int64) error {
	return c.MoveTo(ctx, c.x, position)
}

// MoveZTo moves Z to an absolute position.
func (c *Controller) MoveZTo(ctx context.Context, position int64) error {
	return c.MoveTo(ctx, c.z, position)
}

// MoveTo moves a to position and blocks until it gets there.
func (c *Controller) MoveTo(ctx context.Context, a Axis, position int64) error {
	debug.Move(a.Name(), position, "moveTo")
	a.MoveTo(position)
	return c.RunToPosition(ctx, a)
}

// MoveBy moves a by delta and blocks until it gets there.
func (c *Controller) MoveBy(ctx context.Context, a Axis, delta int64) error {
	debug.Move(a.Name(), a.CurrentPosition()+delta, "move")
	a.Move(delta)
	return c.RunToPosition(ctx, a)
}

// RunToPosition services a until its distance to go is zero, calling the
// tick hook between steps.
func (c *Controller) RunToPosition(ctx context.Context, a Axis) error {
	for a.Run() {
		if c.tick != nil {
			if err := c.tick(ctx); err != nil {
				return err
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// WithSpeed runs fn with a's speed and acceleration temporarily replaced,
// restoring the previous values afterwards even if fn fails.
func (c *Controller) WithSpeed(a Axis, speed, accel float64, fn func() error) error {
	origSpeed, origAccel := a.MaxSpeed(), a.Acceleration()
	debug.Verbose("Axis %s: speed %.0f/%.0f -> %.0f/%.0f", a.Name(), origSpeed, origAccel, speed, accel)
	a.SetMaxSpeed(speed)
	a.SetAcceleration(accel)
	defer func() {
		a.SetMaxSpeed(origSpeed)
		a.SetAcceleration(origAccel)
		debug.Verbose("Axis %s: speed restored to %.0f/%.0f", a.Name(), origSpeed, origAccel)
	}()
	return fn()
}

// StopAll halts both axes immediately.
func (c *Controller) StopAll() {
	c.x.Stop()
	c.z.Stop()
}

// EnableMotors powers both drivers (holding torque).
func (c *Controller) EnableMotors() error {
	debug.Verbose("Motors: enable")
	return errors.Join(c.x.Enable(), c.z.Enable())
}

// DisableMotors releases both drivers. Axes freewheel.
func (c *Controller) DisableMotors() error {
	debug.Verbose("Motors: disable")
	return errors.Join(c.x.Disable(), c.z.Disable())
}
