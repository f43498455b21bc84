package sequencer

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/cjeanneret/winequeen/internal/config"
	"github.com/cjeanneret/winequeen/internal/hw/actuator"
	"github.com/cjeanneret/winequeen/internal/hw/gpio"
	"github.com/cjeanneret/winequeen/internal/hw/limit"
	"github.com/cjeanneret/winequeen/internal/hw/pressure"
	"github.com/cjeanneret/winequeen/internal/input"
	"github.com/cjeanneret/winequeen/internal/logic/motion"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// fakeAxis makes one step per Run call, so tests can count ticks exactly.
type fakeAxis struct {
	name    string
	pos     int64
	target  int64
	speed   float64
	accel   float64
	enabled bool
	steps   int
	targets []int64 // every absolute MoveTo, in order
	onStep  func(pos int64)
}

func newFakeAxis(name string, pos int64) *fakeAxis {
	return &fakeAxis{name: name, pos: pos, target: pos, speed: 1000, accel: 1000}
}

func (a *fakeAxis) Name() string { return a.name }
func (a *fakeAxis) MoveTo(position int64) {
	a.targets = append(a.targets, position)
	a.target = position
}
func (a *fakeAxis) Move(delta int64) { a.target = a.pos + delta }
func (a *fakeAxis) Stop() { a.target = a.pos }
func (a *fakeAxis) CurrentPosition() int64 { return a.pos }
func (a *fakeAxis) SetCurrentPosition(position int64) { a.pos, a.target = position, position }
func (a *fakeAxis) DistanceToGo() int64 { return a.target - a.pos }
func (a *fakeAxis) MaxSpeed() float64 { return a.speed }
func (a *fakeAxis) Acceleration() float64 { return a.accel }
func (a *fakeAxis) SetMaxSpeed(speed float64) { a.speed = speed }
func (a *fakeAxis) SetAcceleration(accel float64) { a.accel = accel }

func (a *fakeAxis) Enable() error {
	a.enabled = true
	return nil
}

func (a *fakeAxis) Disable() error {
	a.enabled = false
	return nil
}

func (a *fakeAxis) Run() bool {
	if a.pos == a.target {
		return false
	}
	if a.target > a.pos {
		a.pos++
	} else {
		a.pos--
	}
	a.steps++
	if a.onStep != nil {
		a.onStep(a.pos)
	}
	return true
}

// statusLog records status lines and can react to a given line, the way the
// vision host answers "A".
type statusLog struct {
	lines []string
	on    map[string]func()
}

func (l *statusLog) WriteLine(line string) error {
	l.lines = append(l.lines, line)
	if f := l.on[line]; f != nil {
		f()
	}
	return nil
}

// codes returns the one-character status codes, skipping progress text.
func (l *statusLog) codes() []string {
	var out []string
	for _, line := range l.lines {
		if len(line) == 1 {
			out = append(out, line)
		}
	}
	return out
}

type harness struct {
	cfg    *config.Config
	seq    *Sequencer
	x, z   *fakeAxis
	drv    *gpio.MockDriver
	bank   *actuator.Bank
	events chan input.Event
	status *statusLog
	reg    *prometheus.Registry
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	for _, m := range mutate {
		m(cfg)
	}

	drv := &gpio.MockDriver{}
	bank := actuator.NewBank(drv, actuator.Pins{
		Magnet:    cfg.Actuators.MagnetPin,
		Pump:      cfg.Actuators.PumpPin,
		LinearIn1: cfg.Actuators.LinearIn1Pin,
		LinearIn2: cfg.Actuators.LinearIn2Pin,
		LinearEna: cfg.Actuators.LinearEnaPin,
	})
	x := newFakeAxis("X", cfg.Positions.XInitial)
	z := newFakeAxis("Z", cfg.Positions.ZBottom)
	events := make(chan input.Event, 16)
	status := &statusLog{on: map[string]func(){}}
	reg := prometheus.NewRegistry()

	seq := New(Deps{
		Config:    cfg,
		Motion:    motion.NewController(x, z),
		Actuators: bank,
		Events:    events,
		Status:    []StatusWriter{status},
		Metrics:   NewMetrics(reg),
	})
	// Zero delays; only the camera deadline and the homing grace matter.
	seq.t = timings{camera: 2 * time.Second, homingPoll: time.Millisecond}

	return &harness{
		cfg:    cfg,
		seq:    seq,
		x:      x,
		z:      z,
		drv:    drv,
		bank:   bank,
		events: events,
		status: status,
		reg:    reg,
	}
}

func cmd(b byte) input.Event {
	ev, ok := input.Decode(b)
	if !ok {
		panic("unknown command byte")
	}
	ev.Source = "test"
	return ev
}

// centerOnA answers the "A" status with an immediate 'C'.
func (h *harness) centerOnA() {
	h.status.on["A"] = func() { h.events <- cmd('C') }
}

func (h *harness) counter(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := h.reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			match := true
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					match = false
				}
			}
			if match {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func (h *harness) processes(t *testing.T, kind, result string) float64 {
	return h.counter(t, "winequeen_processes_total", map[string]string{"kind": kind, "result": result})
}

func (h *harness) requireOutputsOff(t *testing.T) {
	t.Helper()
	require.False(t, h.bank.Magnet.On(), "magnet left on")
	require.False(t, h.bank.Pump.On(), "pump left on")
	require.Equal(t, gpio.Low, h.drv.Level(h.cfg.Actuators.MagnetPin))
	require.Equal(t, gpio.Low, h.drv.Level(h.cfg.Actuators.PumpPin))
	require.Equal(t, uint8(0), h.drv.Duty(h.cfg.Actuators.LinearEnaPin))
}

func TestSealThenOpen(t *testing.T) {
	h := newHarness(t)
	h.centerOnA()
	p := h.cfg.Positions
	ctx := context.Background()

	require.NoError(t, h.seq.Handle(ctx, cmd('S')))

	lid := h.seq.LidTarget()
	require.True(t, lid.Valid)
	require.Equal(t, p.XWine, lid.CameraX)
	require.Equal(t, []int64{
		p.XLidRoom,
		p.XWine,
		p.XWine + p.XCameraOffset + p.XLidPlaceTrim,
		p.XWine + p.XVacuumTubeOffset,
		p.XHomeApproach,
		p.XInitial,
	}, h.x.targets)
	require.Equal(t, []int64{
		p.ZTop, p.ZLidPickup, p.ZTop,
		p.ZLidInsert, p.ZTop,
		p.ZVacuumTube, p.ZTop,
		p.ZTop, p.ZBottom,
	}, h.z.targets)

	h.x.targets, h.z.targets = nil, nil
	require.NoError(t, h.seq.Handle(ctx, cmd('O')))

	require.Equal(t, []int64{
		p.XWine + p.XCameraOffset,
		p.XLidRoom,
		p.XHomeApproach,
		p.XInitial,
	}, h.x.targets)
	require.Equal(t, []string{"1", "A", "F", "2", "F"}, h.status.codes())
	require.Equal(t, p.XInitial, h.x.pos)
	require.Equal(t, p.ZBottom, h.z.pos)
	require.False(t, h.x.enabled || h.z.enabled, "drivers should be released after a process")
	require.Equal(t, StateIdle, h.seq.State())
	h.requireOutputsOff(t)

	require.Equal(t, 1.0, h.processes(t, "seal", ResultDone))
	require.Equal(t, 1.0, h.processes(t, "open", ResultDone))

	snap := h.seq.Snapshot()
	require.Equal(t, "idle", snap.State)
	require.Equal(t, ResultDone, snap.LastResult)
	require.NotEmpty(t, snap.RunID)
	require.Equal(t, lid, snap.LidTarget)
}

func TestSeal_CameraJogsThenCenters(t *testing.T) {
	h := newHarness(t)
	p := h.cfg.Positions
	jog := h.cfg.Camera.JogSteps

	h.status.on["A"] = func() { h.events <- cmd('L') }
	h.x.onStep = func(pos int64) {
		if h.seq.aligning && pos == p.XWine+jog {
			h.events <- cmd('C')
		}
	}

	require.NoError(t, h.seq.Handle(context.Background(), cmd('S')))
	require.Equal(t, LidTarget{CameraX: p.XWine + jog, Valid: true}, h.seq.LidTarget())
}

func TestSeal_RightHintJogsNegative(t *testing.T) {
	h := newHarness(t)
	p := h.cfg.Positions
	jog := h.cfg.Camera.JogSteps

	h.status.on["A"] = func() { h.events <- cmd('1') }
	h.x.onStep = func(pos int64) {
		if h.seq.aligning && pos == p.XWine-jog {
			h.events <- cmd('2')
		}
	}

	require.NoError(t, h.seq.Handle(context.Background(), cmd('S')))
	require.Equal(t, p.XWine-jog, h.seq.LidTarget().CameraX)
}

func TestBusyTriggersAreDropped(t *testing.T) {
	h := newHarness(t)
	h.centerOnA()
	h.status.on["1"] = func() {
		h.events <- cmd('S')
		h.events <- cmd('O')
		h.events <- cmd('H')
		// A hint outside alignment must not be kept for later.
		h.events <- cmd('L')
	}

	require.NoError(t, h.seq.Handle(context.Background(), cmd('S')))

	require.Equal(t, []string{"1", "A", "F"}, h.status.codes())
	require.Equal(t, h.cfg.Positions.XWine, h.seq.LidTarget().CameraX)
	require.Empty(t, h.events)
	for _, kind := range []string{"seal", "open", "home"} {
		require.Equal(t, 1.0, h.counter(t, "winequeen_dropped_triggers_total", map[string]string{"kind": kind}), kind)
	}
	require.Equal(t, 1.0, h.processes(t, "seal", ResultDone))
}

func TestHandle_BusyOutsideIdle(t *testing.T) {
	h := newHarness(t)
	h.seq.setState(StateSealing)

	require.ErrorIs(t, h.seq.Handle(context.Background(), cmd('O')), ErrBusy)
	require.Empty(t, h.status.lines)
}

func TestSeal_AlignmentTimeoutReturnsLid(t *testing.T) {
	h := newHarness(t)
	h.seq.t.camera = 20 * time.Millisecond
	p := h.cfg.Positions

	start := time.Now()
	err := h.seq.Handle(context.Background(), cmd('S'))
	require.ErrorIs(t, err, ErrAlignmentFailed)
	require.Less(t, time.Since(start), time.Second)

	require.False(t, h.seq.LidTarget().Valid)
	require.Equal(t, []string{"1", "A", "F"}, h.status.codes())
	require.Equal(t, []int64{
		p.XLidRoom, p.XWine,
		p.XLidRoom, // lid goes back to storage
		p.XHomeApproach, p.XInitial,
	}, h.x.targets)
	require.Equal(t, p.ZBottom, h.z.pos)
	require.Equal(t, StateIdle, h.seq.State())
	h.requireOutputsOff(t)
	require.Equal(t, 1.0, h.processes(t, "seal", ResultAlignmentFailed))
}

func TestSeal_NotFoundHintFailsImmediately(t *testing.T) {
	h := newHarness(t)
	h.seq.t.camera = time.Minute
	h.status.on["A"] = func() { h.events <- cmd('3') }

	start := time.Now()
	err := h.seq.Handle(context.Background(), cmd('S'))
	require.ErrorIs(t, err, ErrAlignmentFailed)
	require.Less(t, time.Since(start), 5*time.Second)
	require.False(t, h.seq.LidTarget().Valid)
	require.Equal(t, "F", h.status.codes()[len(h.status.codes())-1])
}

func TestOpen_WithoutLidTargetIsRefused(t *testing.T) {
	h := newHarness(t)

	err := h.seq.Handle(context.Background(), cmd('O'))
	require.ErrorIs(t, err, ErrNoLidTarget)

	require.Empty(t, h.status.codes(), "no status code may be sent for a refused open")
	require.Len(t, h.status.lines, 1)
	require.Zero(t, h.x.steps+h.z.steps)
	require.Empty(t, h.x.targets)
	require.False(t, h.x.enabled || h.z.enabled)
	require.Equal(t, StateIdle, h.seq.State())
	require.Equal(t, 1.0, h.processes(t, "open", ResultRefused))
}

func TestEmergencyStop_MidMove(t *testing.T) {
	h := newHarness(t)
	h.seq.lid = LidTarget{CameraX: -9000, Valid: true}
	var stopAt int64
	h.z.onStep = func(pos int64) {
		// Lid held by the magnet, on its way up from storage.
		if stopAt == 0 && h.bank.Magnet.On() && pos == -100 {
			stopAt = pos
			h.events <- cmd('E')
		}
	}

	err := h.seq.Handle(context.Background(), cmd('S'))
	require.ErrorIs(t, err, ErrEmergencyStop)

	require.Equal(t, stopAt, h.z.pos, "Z must halt within one tick of the stop")
	require.Zero(t, h.z.DistanceToGo())
	require.Equal(t, []string{"1", "E"}, h.status.codes())
	require.Equal(t, StateIdle, h.seq.State())
	require.False(t, h.x.enabled || h.z.enabled)
	h.requireOutputsOff(t)
	require.Equal(t, LidTarget{CameraX: -9000, Valid: true}, h.seq.LidTarget())
	require.Equal(t, 1.0, h.processes(t, "seal", ResultEmergencyStop))
}

func TestEmergencyStop_DuringAlignmentWait(t *testing.T) {
	h := newHarness(t)
	h.seq.t.camera = time.Minute
	h.status.on["A"] = func() { h.events <- cmd('E') }

	err := h.seq.Handle(context.Background(), cmd('S'))
	require.ErrorIs(t, err, ErrEmergencyStop)
	require.Equal(t, []string{"1", "A", "E"}, h.status.codes())
	require.False(t, h.seq.aligning)
	h.requireOutputsOff(t)
}

func TestEmergencyStop_WhileIdle(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.bank.Magnet.Set(true))
	require.NoError(t, h.bank.Pump.Set(true))

	require.NoError(t, h.seq.Handle(context.Background(), cmd('E')))

	h.requireOutputsOff(t)
	require.Empty(t, h.status.lines)
}

func TestContextCancelActsAsEmergencyStop(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.x.onStep = func(pos int64) {
		if pos == h.cfg.Positions.XLidRoom/2 {
			cancel()
		}
	}

	err := h.seq.Handle(ctx, cmd('S'))
	require.ErrorIs(t, err, ErrEmergencyStop)
	require.Equal(t, []string{"1", "E"}, h.status.codes())
	require.Equal(t, StateIdle, h.seq.State())
	require.NotEqual(t, h.cfg.Positions.XLidRoom, h.x.pos)
}

func TestAlignBottle_PulseSequence(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Process.AlignBottle = true })
	td := &traceDriver{MockDriver: h.drv, in1: h.cfg.Actuators.LinearIn1Pin, in2: h.cfg.Actuators.LinearIn2Pin}
	h.seq.act.Linear = actuator.NewLinearMotor(td, td.in1, td.in2, h.cfg.Actuators.LinearEnaPin)
	td.states = nil

	require.NoError(t, h.seq.alignBottle(context.Background()))

	duty := uint8(h.cfg.Align.Speed)
	require.Equal(t, []bridgeState{
		{gpio.Low, gpio.Low, 0},
		{gpio.Low, gpio.High, duty}, // push
		{gpio.High, gpio.Low, duty}, // retract
		{gpio.Low, gpio.Low, 0},
	}, td.states)
}

func TestAlignBottle_BrakesOnStop(t *testing.T) {
	h := newHarness(t)
	td := &traceDriver{MockDriver: h.drv, in1: h.cfg.Actuators.LinearIn1Pin, in2: h.cfg.Actuators.LinearIn2Pin}
	h.seq.act.Linear = actuator.NewLinearMotor(td, td.in1, td.in2, h.cfg.Actuators.LinearEnaPin)
	h.seq.t.alignPre = time.Minute
	h.events <- cmd('E')

	require.ErrorIs(t, h.seq.alignBottle(context.Background()), ErrEmergencyStop)
	last := td.states[len(td.states)-1]
	require.Equal(t, bridgeState{gpio.Low, gpio.Low, 0}, last)
}

type bridgeState struct {
	in1, in2 gpio.Level
	duty     uint8
}

// traceDriver records the H-bridge state each time the duty is written,
// which is the last write of every LinearMotor command.
type traceDriver struct {
	*gpio.MockDriver
	in1, in2 int
	states   []bridgeState
}

func (d *traceDriver) SetDuty(pin int, duty uint8) error {
	if err := d.MockDriver.SetDuty(pin, duty); err != nil {
		return err
	}
	d.states = append(d.states, bridgeState{d.Level(d.in1), d.Level(d.in2), duty})
	return nil
}

// pumpProbe records whether the pump ran at each gauge read.
type pumpProbe struct {
	sensor pressure.Sensor
	pump   *actuator.Relay
	pumpOn []bool
}

func (p *pumpProbe) Read() (pressure.Reading, error) {
	p.pumpOn = append(p.pumpOn, p.pump.On())
	return p.sensor.Read()
}

func pressureMode(c *config.Config) {
	c.Vacuum.Mode = config.VacuumPressure
	c.Vacuum.TargetKPa = 30
	c.Vacuum.MaxReadFailures = 3
}

func TestVacuum_StopsAtTargetInclusive(t *testing.T) {
	h := newHarness(t, pressureMode)
	probe := &pumpProbe{sensor: pressure.Trace(100, 60, 30, 10), pump: h.bank.Pump}
	h.seq.sensor = probe

	require.NoError(t, h.seq.vacuum(context.Background()))

	require.Equal(t, []bool{true, true, true}, probe.pumpOn, "pump must run until the reading equal to the target")
	require.False(t, h.bank.Pump.On())
}

func TestVacuum_SensorFailuresAreBounded(t *testing.T) {
	h := newHarness(t, pressureMode)
	mock := pressure.NewMock(pressure.Step{Err: pressure.ErrSensorRead})
	h.seq.sensor = mock

	require.NoError(t, h.seq.vacuum(context.Background()))

	require.Equal(t, 3, mock.Reads())
	require.False(t, h.bank.Pump.On())
	require.Equal(t, 3.0, h.counter(t, "winequeen_pressure_read_errors_total", nil))
}

func TestVacuum_FailureCountResetsOnGoodRead(t *testing.T) {
	h := newHarness(t, pressureMode)
	bad := pressure.Step{Err: pressure.ErrSensorRead}
	kpa := func(v float64) pressure.Step { return pressure.Step{Reading: pressure.Reading{PressureKPa: v}} }
	mock := pressure.NewMock(bad, bad, kpa(80), bad, bad, kpa(25))
	h.seq.sensor = mock

	require.NoError(t, h.seq.vacuum(context.Background()))
	require.Equal(t, 6, mock.Reads())
}

func TestVacuum_Timeout(t *testing.T) {
	h := newHarness(t, pressureMode)
	h.seq.sensor = pressure.Trace(90)
	h.seq.t.vacuumPoll = time.Millisecond
	h.seq.t.vacuumTimeout = 20 * time.Millisecond

	require.NoError(t, h.seq.vacuum(context.Background()))
	require.False(t, h.bank.Pump.On())
}

func TestVacuum_PressureModeWithoutSensorFallsBackToTimed(t *testing.T) {
	h := newHarness(t, pressureMode)

	require.NoError(t, h.seq.vacuum(context.Background()))
	require.False(t, h.bank.Pump.On())
}

func TestVacuum_StopTurnsPumpOff(t *testing.T) {
	h := newHarness(t)
	h.seq.t.vacuum = time.Minute
	h.events <- cmd('E')

	require.ErrorIs(t, h.seq.vacuum(context.Background()), ErrEmergencyStop)
	require.False(t, h.bank.Pump.On())
}

// stopOnRead queues an emergency stop on the first gauge read.
type stopOnRead struct {
	sensor pressure.Sensor
	events chan<- input.Event
	sent   bool
}

func (r *stopOnRead) Read() (pressure.Reading, error) {
	if !r.sent {
		r.sent = true
		r.events <- cmd('E')
	}
	return r.sensor.Read()
}

func TestVacuum_StopWhileGaugeSilent(t *testing.T) {
	h := newHarness(t, pressureMode, func(c *config.Config) { c.Vacuum.MaxReadFailures = -1 })
	pr, _ := io.Pipe()
	gauge := pressure.NewSerialGauge(pr, time.Second)
	t.Cleanup(func() { _ = gauge.Close() })
	h.seq.sensor = &stopOnRead{sensor: gauge, events: h.events}
	h.seq.t.vacuumPoll = 10 * time.Millisecond

	start := time.Now()
	err := h.seq.vacuum(context.Background())

	require.ErrorIs(t, err, ErrEmergencyStop)
	require.Less(t, time.Since(start), 500*time.Millisecond, "stop waited on the gauge")
	require.False(t, h.bank.Pump.On())
}

func TestBreakVacuum_ReducedSpeedThenRestored(t *testing.T) {
	h := newHarness(t)
	h.z.SetCurrentPosition(h.cfg.Positions.ZLidInsert)
	var speeds []float64
	h.z.onStep = func(int64) { speeds = append(speeds, h.z.speed) }

	require.NoError(t, h.seq.breakVacuum(context.Background()))

	var sum int64
	for _, j := range h.cfg.Open.BreakJogs {
		sum += j
	}
	require.Equal(t, h.cfg.Positions.ZLidInsert+sum, h.z.pos)
	require.NotEmpty(t, speeds)
	for _, s := range speeds {
		require.Equal(t, h.cfg.Open.BreakSpeed, s)
	}
	require.Equal(t, 1000.0, h.z.speed)
	require.Equal(t, 1000.0, h.z.accel)
}

func TestBreakVacuum_XAxis(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Open.BreakAxis = config.AxisX })
	require.NoError(t, h.seq.breakVacuum(context.Background()))
	require.NotZero(t, h.x.steps)
	require.Zero(t, h.z.steps)
}

func TestHome_SeeksLimitSwitch(t *testing.T) {
	h := newHarness(t)
	const pin = 17
	sw, err := limit.NewSwitch(h.drv, pin)
	require.NoError(t, err)
	h.seq.limit, h.seq.homed = sw, false
	h.z.SetCurrentPosition(3000)

	h.z.onStep = func(pos int64) {
		if pos == 3500 {
			h.drv.SetInput(pin, gpio.Low)
			sw.Poll()
		}
	}

	require.NoError(t, h.seq.Handle(context.Background(), cmd('H')))

	require.True(t, h.seq.Snapshot().Homed)
	require.Equal(t, h.cfg.Positions.ZBottom, h.z.pos)
	require.Equal(t, []int64{h.cfg.Positions.ZTop, h.cfg.Positions.ZBottom}, h.z.targets)
	require.Equal(t, []string{"H", "F"}, h.status.codes())
	require.Equal(t, 1.0, h.processes(t, "home", ResultDone))
}

func TestHome_SwitchAlreadyClosedIsOrigin(t *testing.T) {
	h := newHarness(t)
	const pin = 17
	sw, err := limit.NewSwitch(h.drv, pin)
	require.NoError(t, err)
	h.drv.SetInput(pin, gpio.Low)
	h.seq.limit, h.seq.homed = sw, false
	h.z.SetCurrentPosition(3000)

	require.NoError(t, h.seq.Handle(context.Background(), cmd('H')))

	p := h.cfg.Positions
	travel := p.ZTop - p.ZBottom
	if travel < 0 {
		travel = -travel
	}
	require.True(t, h.seq.Snapshot().Homed)
	require.Equal(t, p.ZBottom, h.z.pos)
	require.Equal(t, int(2*travel), h.z.steps, "Z must not seek past a switch that is already closed")
	require.Equal(t, 1.0, h.processes(t, "home", ResultDone))
}

func TestSeal_UnhomedMachineSeeksSwitchFirst(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Homing.SeekSpeed = 250 })
	h.centerOnA()
	const pin = 17
	sw, err := limit.NewSwitch(h.drv, pin)
	require.NoError(t, err)
	h.seq.limit, h.seq.homed = sw, false
	h.z.SetCurrentPosition(3000)

	seeking := true
	var seekSpeeds []float64
	h.z.onStep = func(pos int64) {
		if !seeking {
			return
		}
		seekSpeeds = append(seekSpeeds, h.z.speed)
		require.Empty(t, h.z.targets, "Z moved to a calibrated position before its origin was set")
		if pos == 3500 {
			seeking = false
			h.drv.SetInput(pin, gpio.Low)
			sw.Poll()
		}
	}

	require.NoError(t, h.seq.Handle(context.Background(), cmd('S')))

	require.Len(t, seekSpeeds, 500)
	for _, sp := range seekSpeeds {
		require.Equal(t, 250.0, sp)
	}
	require.Equal(t, 1000.0, h.z.speed, "seek speed must be restored")

	p := h.cfg.Positions
	require.Equal(t, []int64{
		p.ZTop, p.ZLidPickup, p.ZTop,
		p.ZLidInsert, p.ZTop,
		p.ZVacuumTube, p.ZTop,
		p.ZTop, p.ZBottom,
	}, h.z.targets)
	require.Equal(t, p.ZBottom, h.z.pos)
	require.True(t, h.seq.Snapshot().Homed)
	require.Equal(t, []string{"1", "A", "F"}, h.status.codes())
}

func TestHome_LimitSwitchNotFound(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Homing.ZSeekSteps = 200 })
	sw, err := limit.NewSwitch(h.drv, 17)
	require.NoError(t, err)
	h.seq.limit, h.seq.homed = sw, false

	err = h.seq.Handle(context.Background(), cmd('H'))
	require.ErrorIs(t, err, limit.ErrHomeNotFound)

	require.False(t, h.seq.Snapshot().Homed)
	require.Equal(t, int64(200), h.z.pos)
	require.Equal(t, []string{"H", "F"}, h.status.codes())
	require.Equal(t, 1.0, h.processes(t, "home", ResultError))
	h.requireOutputsOff(t)
}

func TestHome_WithoutSwitchUsesPowerOnOrigin(t *testing.T) {
	h := newHarness(t)
	h.x.SetCurrentPosition(-500)
	h.z.SetCurrentPosition(-300)

	require.NoError(t, h.seq.Handle(context.Background(), cmd('H')))
	require.Equal(t, h.cfg.Positions.XInitial, h.x.pos)
	require.Equal(t, h.cfg.Positions.ZBottom, h.z.pos)
	require.True(t, h.seq.Snapshot().Homed)
}

func TestRun_StopsWhenQueueCloses(t *testing.T) {
	h := newHarness(t)
	h.events <- cmd('H')
	close(h.events)

	done := make(chan error, 1)
	go func() { done <- h.seq.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the queue closed")
	}
	require.Equal(t, 1.0, h.processes(t, "home", ResultDone))
}

func TestRun_ContextDone(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.seq.Run(ctx)
	require.True(t, errors.Is(err, context.Canceled))
}
