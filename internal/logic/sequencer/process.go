package sequencer

import (
	"context"
	"time"

	"github.com/cjeanneret/winequeen/internal/config"
	"github.com/cjeanneret/winequeen/internal/debug"
	"github.com/cjeanneret/winequeen/internal/hw/limit"
	"github.com/cjeanneret/winequeen/internal/input"
	"github.com/cjeanneret/winequeen/internal/logic/motion"
)

// step is one blocking action of a process.
type step func(ctx context.Context) error

// do runs steps in order, stopping at the first error.
func (s *Sequencer) do(ctx context.Context, steps ...step) error {
	for _, st := range steps {
		if err := st(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sequencer) toX(position int64) step {
	return func(ctx context.Context) error {
		err := s.motion.MoveXTo(ctx, position)
		s.publish()
		return err
	}
}

func (s *Sequencer) toZ(position int64) step {
	return func(ctx context.Context) error {
		err := s.motion.MoveZTo(ctx, position)
		s.publish()
		return err
	}
}

// magnet switches the electromagnet and waits for it to settle.
func (s *Sequencer) magnet(on bool) step {
	return func(ctx context.Context) error {
		if err := s.act.Magnet.Set(on); err != nil {
			return err
		}
		return s.wait(ctx, s.t.magnetSettle)
	}
}

func (s *Sequencer) pause(d time.Duration) step {
	return func(ctx context.Context) error {
		return s.wait(ctx, d)
	}
}

// seal picks a lid from storage, aligns on the bottle with the camera,
// seats the lid, pumps the air out and returns home.
func (s *Sequencer) seal(ctx context.Context) error {
	p := s.cfg.Positions
	s.say("--- Starting Seal Process ---")

	debug.Step(0, "Settling")
	if err := s.wait(ctx, s.t.startDelay); err != nil {
		return err
	}

	if s.cfg.Process.AlignBottle {
		debug.Step(1, "Aligning bottle")
		if err := s.alignBottle(ctx); err != nil {
			return err
		}
	}

	debug.Step(2, "Moving to lid storage")
	debug.Step(3, "Picking up lid")
	debug.Step(4, "Approaching bottle")
	err := s.do(ctx,
		s.toZ(p.ZTop),
		s.toX(p.XLidRoom),
		s.toZ(p.ZLidPickup),
		s.magnet(true),
		s.toZ(p.ZTop),
		s.toX(p.XWine),
	)
	if err != nil {
		return err
	}
	s.writeStatus("A")

	debug.Step(5, "Camera alignment")
	aligned, err := s.cameraAlignX(ctx)
	if err != nil {
		return err
	}
	if !aligned {
		s.say("!!! Alignment Failed. Returning lid to storage...")
		if err := s.do(ctx, s.returnLid, s.home); err != nil {
			return err
		}
		s.say("!!! Lid returned.")
		return ErrAlignmentFailed
	}

	s.lid = LidTarget{CameraX: s.motion.X().CurrentPosition(), Valid: true}
	s.publish()
	debug.Value("Lid target (camera X)", s.lid.CameraX)
	lidX := s.lid.CameraX + p.XCameraOffset

	debug.Step(6, "Placing lid")
	debug.Step(7, "Applying vacuum")
	debug.Step(8, "Returning home")
	err = s.do(ctx,
		s.toX(lidX+p.XLidPlaceTrim),
		s.toZ(p.ZLidInsert),
		s.magnet(false),
		s.toZ(p.ZTop),
		s.toX(s.lid.CameraX+p.XVacuumTubeOffset),
		s.toZ(p.ZVacuumTube),
		s.vacuum,
		s.toZ(p.ZTop),
		s.home,
	)
	if err != nil {
		return err
	}
	s.say("--- Seal Process Finished ---")
	return nil
}

// open lifts the lid of the last sealed bottle, breaking the vacuum with a
// slow oscillation, and puts it back in storage.
func (s *Sequencer) open(ctx context.Context) error {
	p := s.cfg.Positions
	lidX := s.lid.CameraX + p.XCameraOffset
	s.say("--- Starting Open Process ---")

	err := s.do(ctx,
		s.toZ(p.ZTop),
		s.toX(lidX),
		s.toZ(p.ZLidInsert),
		s.magnet(true),
		s.breakVacuum,
		s.toZ(p.ZTop),
		s.toX(p.XLidRoom),
		s.toZ(p.ZLidPickup),
		s.magnet(false),
		s.toZ(p.ZTop),
		s.home,
	)
	if err != nil {
		return err
	}
	s.say("--- Open Process Finished ---")
	return nil
}

// returnLid puts the carried lid back in storage.
func (s *Sequencer) returnLid(ctx context.Context) error {
	p := s.cfg.Positions
	return s.do(ctx,
		s.toZ(p.ZTop),
		s.toX(p.XLidRoom),
		s.toZ(p.ZLidPickup),
		s.magnet(false),
		s.toZ(p.ZTop),
	)
}

// home returns both axes to the initial position.
func (s *Sequencer) home(ctx context.Context) error {
	p := s.cfg.Positions
	return s.do(ctx,
		s.toZ(p.ZTop),
		s.toX(p.XHomeApproach),
		s.toX(p.XInitial),
		s.toZ(p.ZBottom),
	)
}

// seekHome sets the Z origin on the limit switch. A switch already closed
// is taken as z_bottom where Z stands; otherwise Z jogs toward it at seek
// speed until the watcher raises its flag.
func (s *Sequencer) seekHome(ctx context.Context) error {
	z := s.motion.Z()
	pressed, err := s.limit.Pressed()
	if err != nil {
		return err
	}
	if pressed {
		debug.Live("Homing Z: limit switch already closed")
		s.declareHome(z)
		return nil
	}

	debug.Live("Homing Z: seeking limit switch over %d steps", s.cfg.Homing.ZSeekSteps)
	err = s.motion.WithSpeed(z, s.cfg.Homing.SeekSpeed, s.cfg.Homing.SeekAccel, func() error {
		s.limit.Reset()
		z.Move(s.cfg.Homing.ZSeekSteps)
		for !s.limit.Triggered() {
			if !z.Run() {
				// Give the watcher a few samples to report a last-step hit.
				if err := s.wait(ctx, 10*s.t.homingPoll); err != nil {
					return err
				}
				if s.limit.Triggered() {
					break
				}
				s.publish()
				return limit.ErrHomeNotFound
			}
			if err := s.tick(ctx); err != nil {
				return err
			}
		}
		z.Stop()
		return nil
	})
	if err != nil {
		return err
	}
	s.declareHome(z)
	return nil
}

func (s *Sequencer) declareHome(z motion.Axis) {
	z.SetCurrentPosition(s.cfg.Positions.ZBottom)
	s.homed = true
	s.publish()
	debug.Info("Z homed on limit switch")
}

// alignBottle pushes the bottle against the V-block with the linear
// actuator and retracts it. The actuator is braked on every exit path.
func (s *Sequencer) alignBottle(ctx context.Context) (err error) {
	lin := s.act.Linear
	duty := uint8(s.cfg.Align.Speed)
	s.say("Aligning wine bottle...")
	defer func() {
		if berr := lin.Brake(); berr != nil && err == nil {
			err = berr
		}
	}()

	if err := lin.Brake(); err != nil {
		return err
	}
	if err := s.wait(ctx, s.t.alignPre); err != nil {
		return err
	}
	if err := lin.Reverse(duty); err != nil {
		return err
	}
	if err := s.wait(ctx, s.t.alignPush); err != nil {
		return err
	}
	if err := lin.Forward(duty); err != nil {
		return err
	}
	if err := s.wait(ctx, s.t.alignReturn); err != nil {
		return err
	}
	s.say("Alignment complete.")
	return nil
}

// cameraAlignX lets the vision host centre the X axis on the bottle. Each
// pass services one X step and at most one hint. It returns false on
// timeout or when the camera reports no bottle.
func (s *Sequencer) cameraAlignX(ctx context.Context) (bool, error) {
	x := s.motion.X()
	jog := s.cfg.Camera.JogSteps
	s.say("X-Axis alignment ('R':Right, 'L':Left, 'C':Center)...")

	s.aligning = true
	s.hints = nil
	start := time.Now()
	defer func() {
		s.aligning = false
		s.hints = nil
		s.metrics.AlignDuration.Observe(time.Since(start).Seconds())
	}()

	deadline := time.NewTimer(s.t.camera)
	defer deadline.Stop()

	timedOut := func() (bool, error) {
		x.Stop()
		s.publish()
		s.say("  -> Alignment Timed Out!")
		return false, nil
	}

	for {
		if err := s.tick(ctx); err != nil {
			return false, err
		}

		if len(s.hints) > 0 {
			h := s.hints[0]
			s.hints = s.hints[1:]
			switch h.Kind {
			case input.KindHintLeft:
				x.Move(jog)
			case input.KindHintRight:
				x.Move(-jog)
			case input.KindHintCenter:
				x.Stop()
				s.publish()
				s.say("  -> Camera Alignment Finished.")
				return true, nil
			case input.KindHintNotFound:
				x.Stop()
				s.publish()
				s.say("  -> Camera reports no bottle.")
				return false, nil
			}
		}

		if x.Run() {
			select {
			case <-deadline.C:
				return timedOut()
			default:
			}
			continue
		}
		if len(s.hints) > 0 {
			continue
		}

		// X at rest and nothing queued: sleep until a hint, a stop or the
		// deadline.
		s.publish()
		select {
		case <-deadline.C:
			return timedOut()
		case <-ctx.Done():
			return false, ctx.Err()
		case ev, ok := <-s.events:
			if !ok {
				s.events = nil
				continue
			}
			if err := s.service(ev); err != nil {
				return false, err
			}
		}
	}
}

// vacuum evacuates the bottle through the lid valve. The pump is off
// whenever it returns.
func (s *Sequencer) vacuum(ctx context.Context) error {
	if s.cfg.Vacuum.Mode == config.VacuumPressure {
		if s.sensor != nil {
			return s.vacuumToPressure(ctx)
		}
		debug.Warn("Vacuum: no pressure sensor, falling back to a timed pulse")
	}
	return s.vacuumTimed(ctx)
}

func (s *Sequencer) vacuumTimed(ctx context.Context) (err error) {
	if err := s.act.Pump.Set(true); err != nil {
		return err
	}
	defer func() {
		if perr := s.act.Pump.Set(false); perr != nil && err == nil {
			err = perr
		}
	}()
	return s.wait(ctx, s.t.vacuum)
}

// vacuumToPressure runs the pump until the gauge reads target_kpa or less.
// Read failures are counted, never taken as a low reading; after
// max_read_failures consecutive failures (or the optional timeout) the step
// gives up and the process carries on.
func (s *Sequencer) vacuumToPressure(ctx context.Context) (err error) {
	target := s.cfg.Vacuum.TargetKPa
	maxFailures := s.cfg.Vacuum.MaxReadFailures

	if err := s.act.Pump.Set(true); err != nil {
		return err
	}
	defer func() {
		if perr := s.act.Pump.Set(false); perr != nil && err == nil {
			err = perr
		}
	}()

	start := time.Now()
	failures := 0
	for {
		r, rerr := s.sensor.Read()
		if rerr != nil {
			failures++
			s.metrics.SensorErrors.Inc()
			debug.Warn("Vacuum: %v (%d consecutive)", rerr, failures)
			if maxFailures > 0 && failures >= maxFailures {
				s.say("Vacuum aborted: pressure sensor unavailable")
				return nil
			}
		} else {
			failures = 0
			s.metrics.PressureKPa.Set(r.PressureKPa)
			debug.Live("Vacuum: %.1f kPa (target %.1f)", r.PressureKPa, target)
			if r.PressureKPa <= target {
				debug.Info("Vacuum: target reached at %.1f kPa", r.PressureKPa)
				return nil
			}
		}

		if s.t.vacuumTimeout > 0 && time.Since(start) >= s.t.vacuumTimeout {
			s.say("Vacuum timed out before reaching target")
			return nil
		}
		if err := s.wait(ctx, s.t.vacuumPoll); err != nil {
			return err
		}
	}
}

// breakVacuum oscillates the break axis at reduced speed so air can get
// back under the lid.
func (s *Sequencer) breakVacuum(ctx context.Context) error {
	a := s.motion.Z()
	if s.cfg.Open.BreakAxis == config.AxisX {
		a = s.motion.X()
	}
	debug.Live("Breaking vacuum on %s: jogs %v", a.Name(), s.cfg.Open.BreakJogs)
	return s.motion.WithSpeed(a, s.cfg.Open.BreakSpeed, s.cfg.Open.BreakAccel, func() error {
		for _, jog := range s.cfg.Open.BreakJogs {
			if err := s.motion.MoveBy(ctx, a, jog); err != nil {
				return err
			}
		}
		return nil
	})
}
