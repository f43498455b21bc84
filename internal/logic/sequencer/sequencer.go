// Package sequencer runs the seal, open and home processes of the machine.
//
// A Sequencer owns the machine state, the remembered lid position and both
// axes. Processes run synchronously in the goroutine that calls Run; input
// sources only talk to it through the event channel. While a process runs,
// every blocking step services that channel once per tick, so an emergency
// stop is honoured within one tick and other triggers are dropped.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/winequeen/internal/config"
	"github.com/cjeanneret/winequeen/internal/debug"
	"github.com/cjeanneret/winequeen/internal/hw/actuator"
	"github.com/cjeanneret/winequeen/internal/hw/limit"
	"github.com/cjeanneret/winequeen/internal/hw/pressure"
	"github.com/cjeanneret/winequeen/internal/input"
	"github.com/cjeanneret/winequeen/internal/logic/motion"
	"github.com/google/uuid"
)

// State is the machine state.
type State int32

const (
	StateIdle State = iota
	StateSealing
	StateOpening
	StateHoming
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSealing:
		return "sealing"
	case StateOpening:
		return "opening"
	case StateHoming:
		return "homing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// LidTarget is the camera-confirmed X of the last sealed bottle. It lives
// in memory only.
type LidTarget struct {
	CameraX int64 `json:"camera_x"`
	Valid   bool  `json:"valid"`
}

var (
	ErrBusy            = errors.New("a process is already running")
	ErrNoLidTarget     = errors.New("no remembered lid position; seal a bottle first")
	ErrAlignmentFailed = errors.New("camera alignment failed")
	ErrEmergencyStop   = errors.New("emergency stop")
)

// StatusWriter receives status lines ("1", "2", "H", "A", "F", "E" and free
// text progress messages).
type StatusWriter interface {
	WriteLine(line string) error
}

// Snapshot is the read-only view published for the web status API.
type Snapshot struct {
	State      string    `json:"state"`
	X          int64     `json:"x"`
	Z          int64     `json:"z"`
	LidTarget  LidTarget `json:"lid_target"`
	Homed      bool      `json:"homed"`
	RunID      string    `json:"run_id,omitempty"`
	LastResult string    `json:"last_result,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Deps are the collaborators of a Sequencer. Pressure and Limit are optional.
type Deps struct {
	Config    *config.Config
	Motion    *motion.Controller
	Actuators *actuator.Bank
	Pressure  pressure.Sensor
	Limit     *limit.Switch
	Events    <-chan input.Event
	Status    []StatusWriter
	Metrics   *Metrics
}

// timings are the configured delays, resolved once.
type timings struct {
	startDelay    time.Duration
	magnetSettle  time.Duration
	alignPre      time.Duration
	alignPush     time.Duration
	alignReturn   time.Duration
	vacuum        time.Duration
	vacuumPoll    time.Duration
	vacuumTimeout time.Duration
	camera        time.Duration
	homingPoll    time.Duration
}

// Sequencer owns the machine and runs one process at a time from the event queue.
type Sequencer struct {
	cfg     *config.Config
	t       timings
	motion  *motion.Controller
	act     *actuator.Bank
	sensor  pressure.Sensor
	limit   *limit.Switch
	events  <-chan input.Event
	status  []StatusWriter
	metrics *Metrics

	state      atomic.Int32
	snap       atomic.Pointer[Snapshot]
	lid        LidTarget
	homed      bool
	runID      string
	lastResult string

	aligning bool
	hints    []input.Event
}

// New wires a sequencer and installs its service step on the motion
// controller.
func New(d Deps) *Sequencer {
	cfg := d.Config
	s := &Sequencer{
		cfg: cfg,
		t: timings{
			startDelay:    cfg.StartDelay(),
			magnetSettle:  cfg.MagnetSettle(),
			alignPre:      cfg.AlignPreDelay(),
			alignPush:     cfg.AlignPush(),
			alignReturn:   cfg.AlignReturn(),
			vacuum:        cfg.VacuumDuration(),
			vacuumPoll:    cfg.VacuumPollInterval(),
			vacuumTimeout: cfg.VacuumTimeout(),
			camera:        cfg.CameraTimeout(),
			homingPoll:    cfg.HomingPollInterval(),
		},
		motion:  d.Motion,
		act:     d.Actuators,
		sensor:  d.Pressure,
		limit:   d.Limit,
		events:  d.Events,
		status:  d.Status,
		metrics: d.Metrics,
		// Without a limit switch the power-on position is the origin.
		homed: d.Limit == nil,
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	s.motion.SetTick(s.tick)
	s.publish()
	return s
}

// State returns the current state. Safe from any goroutine.
func (s *Sequencer) State() State {
	return State(s.state.Load())
}

// Snapshot returns the last published view. Safe from any goroutine.
func (s *Sequencer) Snapshot() Snapshot {
	return *s.snap.Load()
}

// LidTarget returns the remembered lid position.
func (s *Sequencer) LidTarget() LidTarget {
	return s.lid
}

// Run dispatches events until ctx is done. A cancelled context during a
// process is handled like an emergency stop.
func (s *Sequencer) Run(ctx context.Context) error {
	debug.Info("Sequencer ready")
	for {
		// A process may have seen the queue close while it was running.
		if s.events == nil {
			debug.Info("Event queue closed, sequencer stopping")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.events:
			if !ok {
				s.events = nil
				continue
			}
			if err := s.Handle(ctx, ev); err != nil {
				debug.Live("%s: %v", ev, err)
			}
		}
	}
}

// Handle dispatches one event received while idle. It must be called from
// the goroutine that owns the sequencer.
func (s *Sequencer) Handle(ctx context.Context, ev input.Event) error {
	if st := s.State(); st != StateIdle {
		return ErrBusy
	}
	debug.Verbose("Handling %s", ev)

	switch ev.Kind {
	case input.KindSeal:
		return s.runProcess(ctx, StateSealing, "seal", "1", s.seal)
	case input.KindOpen:
		if !s.lid.Valid {
			s.say("Open refused: " + ErrNoLidTarget.Error())
			s.metrics.Processes.WithLabelValues("open", ResultRefused).Inc()
			return ErrNoLidTarget
		}
		return s.runProcess(ctx, StateOpening, "open", "2", s.open)
	case input.KindHome:
		return s.runProcess(ctx, StateHoming, "home", "H", s.home)
	case input.KindEmergencyStop:
		debug.Info("Emergency stop while idle: forcing outputs off")
		s.allOff()
		return nil
	default:
		debug.Verbose("Ignoring %s while idle", ev)
		return nil
	}
}

// runProcess is the wrapper shared by every process: start line, drivers
// on, Z origin on the limit switch if not yet set, body, drivers off, "F",
// back to idle.
func (s *Sequencer) runProcess(ctx context.Context, st State, kind, startLine string, body func(context.Context) error) error {
	s.runID = uuid.NewString()
	s.setState(st)
	debug.Summary(fmt.Sprintf("%s process %s", kind, s.runID))
	s.writeStatus(startLine)

	err := s.motion.EnableMotors()
	if err == nil && s.limit != nil && !s.homed {
		err = s.seekHome(ctx)
	}
	if err == nil {
		err = body(ctx)
	}

	result := ResultDone
	switch {
	case err == nil:
	case errors.Is(err, ErrAlignmentFailed):
		result = ResultAlignmentFailed
	case errors.Is(err, ErrEmergencyStop) || ctx.Err() != nil:
		s.emergencyStop()
		s.finish(kind, ResultEmergencyStop)
		if !errors.Is(err, ErrEmergencyStop) {
			err = fmt.Errorf("%w: %v", ErrEmergencyStop, err)
		}
		return err
	default:
		result = ResultError
		debug.Error(fmt.Errorf("%s process: %w", kind, err))
		s.motion.StopAll()
		s.allOff()
	}

	if derr := s.motion.DisableMotors(); derr != nil {
		debug.Error(derr)
	}
	s.writeStatus("F")
	s.finish(kind, result)
	return err
}

func (s *Sequencer) finish(kind, result string) {
	s.metrics.Processes.WithLabelValues(kind, result).Inc()
	s.lastResult = result
	debug.Info("%s process %s finished: %s", kind, s.runID, result)
	s.setState(StateIdle)
}

// emergencyStop halts both axes where they are and forces every output
// off. No home move, no "F", lid target untouched.
func (s *Sequencer) emergencyStop() {
	s.motion.StopAll()
	s.allOff()
	if err := s.motion.DisableMotors(); err != nil {
		debug.Error(err)
	}
	s.writeStatus("E")
	debug.Warn("EMERGENCY STOP: axes halted at X=%d Z=%d, outputs off",
		s.motion.X().CurrentPosition(), s.motion.Z().CurrentPosition())
}

func (s *Sequencer) allOff() {
	if err := s.act.AllOff(); err != nil {
		debug.Error(err)
	}
}

// tick is the service step run between motor steps: it drains the event
// queue without blocking.
func (s *Sequencer) tick(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				s.events = nil
				return nil
			}
			if err := s.service(ev); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// service handles one event received while busy.
func (s *Sequencer) service(ev input.Event) error {
	switch {
	case ev.Kind == input.KindEmergencyStop:
		debug.Info("Emergency stop requested (%s)", ev.Source)
		return ErrEmergencyStop
	case ev.Kind.IsHint():
		if s.aligning {
			s.hints = append(s.hints, ev)
			return nil
		}
		debug.Verbose("Ignoring %s outside camera alignment", ev)
	default:
		debug.Live("Ignoring %s: machine is %s", ev, s.State())
		s.metrics.DroppedTriggers.WithLabelValues(ev.Kind.String()).Inc()
	}
	return nil
}

// wait blocks for d while still servicing events.
func (s *Sequencer) wait(ctx context.Context, d time.Duration) error {
	if err := s.tick(ctx); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.events:
			if !ok {
				s.events = nil
				continue
			}
			if err := s.service(ev); err != nil {
				return err
			}
		}
	}
}

func (s *Sequencer) setState(st State) {
	s.state.Store(int32(st))
	s.metrics.State.Set(float64(st))
	s.publish()
}

// publish refreshes the snapshot. Only the owning goroutine calls it.
func (s *Sequencer) publish() {
	s.snap.Store(&Snapshot{
		State:      s.State().String(),
		X:          s.motion.X().CurrentPosition(),
		Z:          s.motion.Z().CurrentPosition(),
		LidTarget:  s.lid,
		Homed:      s.homed,
		RunID:      s.runID,
		LastResult: s.lastResult,
		UpdatedAt:  time.Now(),
	})
}

// writeStatus sends a one-character status code.
func (s *Sequencer) writeStatus(code string) {
	debug.Info("status: %s", code)
	s.send(code)
}

// say sends a free-text progress line.
func (s *Sequencer) say(msg string) {
	debug.Info("%s", msg)
	s.send(msg)
}

func (s *Sequencer) send(line string) {
	for _, w := range s.status {
		if err := w.WriteLine(line); err != nil {
			debug.Error(fmt.Errorf("write status %q: %w", line, err))
		}
	}
}
