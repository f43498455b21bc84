package actuator

import (
	"errors"

	"github.com/cjeanneret/winequeen/internal/debug"
	"github.com/cjeanneret/winequeen/internal/hw/gpio"
)

// Relay is an on/off load switched through a relay board input:
// - HIGH: relay closed, load powered
// - LOW: relay open (idle state)
//
// The electromagnet and the vacuum pump are relays. Settle delays after
// switching are the caller's business so they can be interrupted.
type Relay struct {
	gpio gpio.Driver
	name string
	pin  int
	on   bool
}

// NewRelay configures pin as an output and leaves the load off.
func NewRelay(g gpio.Driver, name string, pin int) *Relay {
	_ = g.SetupPin(pin, gpio.Output)
	_ = g.WritePin(pin, gpio.Low)

	return &Relay{
		gpio: g,
		name: name,
		pin:  pin,
	}
}

// Name returns the relay name used in logs.
func (r *Relay) Name() string {
	return r.name
}

// Set switches the load.
func (r *Relay) Set(on bool) error {
	level := gpio.Low
	if on {
		level = gpio.High
	}
	debug.Actuator(r.name, on)
	if err := r.gpio.WritePin(r.pin, level); err != nil {
		return err
	}
	r.on = on
	return nil
}

// On reports the last state successfully written.
func (r *Relay) On() bool {
	return r.on
}

// LinearMotor drives the bottle alignment actuator through an L298-style
// H-bridge:
// - IN1/IN2 select the direction (both LOW = brake)
// - ENA carries the PWM duty (0-255)
type LinearMotor struct {
	gpio gpio.Driver
	in1  int
	in2  int
	ena  int
}

// NewLinearMotor configures the bridge pins and brakes the motor.
func NewLinearMotor(g gpio.Driver, in1, in2, ena int) *LinearMotor {
	_ = g.SetupPin(in1, gpio.Output)
	_ = g.SetupPin(in2, gpio.Output)
	_ = g.SetupPin(ena, gpio.PWM)

	m := &LinearMotor{
		gpio: g,
		in1:  in1,
		in2:  in2,
		ena:  ena,
	}
	_ = m.Brake()
	return m
}

// Forward retracts the actuator (IN1 HIGH, IN2 LOW) at duty.
func (m *LinearMotor) Forward(duty uint8) error {
	debug.Verbose("Linear motor: forward (duty %d)", duty)
	return m.drive(gpio.High, gpio.Low, duty)
}

// Reverse extends the actuator toward the bottle (IN1 LOW, IN2 HIGH) at duty.
func (m *LinearMotor) Reverse(duty uint8) error {
	debug.Verbose("Linear motor: reverse (duty %d)", duty)
	return m.drive(gpio.Low, gpio.High, duty)
}

// Brake stops the actuator: both inputs LOW, duty 0.
func (m *LinearMotor) Brake() error {
	debug.Verbose("Linear motor: brake")
	return m.drive(gpio.Low, gpio.Low, 0)
}

func (m *LinearMotor) drive(in1, in2 gpio.Level, duty uint8) error {
	if err := m.gpio.WritePin(m.in1, in1); err != nil {
		return err
	}
	if err := m.gpio.WritePin(m.in2, in2); err != nil {
		return err
	}
	return m.gpio.SetDuty(m.ena, duty)
}

// Bank groups the machine's actuators.
type Bank struct {
	Magnet *Relay
	Pump   *Relay
	Linear *LinearMotor
}

// Pins lists the actuator pin assignment.
type Pins struct {
	Magnet    int
	Pump      int
	LinearIn1 int
	LinearIn2 int
	LinearEna int
}

// NewBank sets up every actuator in its idle state.
func NewBank(g gpio.Driver, p Pins) *Bank {
	return &Bank{
		Magnet: NewRelay(g, "magnet", p.Magnet),
		Pump:   NewRelay(g, "pump", p.Pump),
		Linear: NewLinearMotor(g, p.LinearIn1, p.LinearIn2, p.LinearEna),
	}
}

// AllOff forces every actuator off. It attempts all of them even if one
// write fails and returns the joined errors.
func (b *Bank) AllOff() error {
	debug.Live("Actuators: all off")
	return errors.Join(
		b.Magnet.Set(false),
		b.Pump.Set(false),
		b.Linear.Brake(),
	)
}
