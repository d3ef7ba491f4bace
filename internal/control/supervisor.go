package control

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"kilncontrol"
	"kilncontrol/internal/hal"
	"kilncontrol/internal/logger"
)

// Store persists the controller's tunables and counters. Writes happen only
// at defined boundaries: command application, autotune completion,
// cycle-count rollover, and run end.
type Store interface {
	SaveGains(ctx context.Context, g kilncontrol.Gains) error
	SaveTCOffset(ctx context.Context, offsetC float64) error
	SaveRelayCycles(ctx context.Context, cycles uint32) error
}

// EventSink receives the append-only operational log.
type EventSink interface {
	Append(ctx context.Context, e kilncontrol.Event) error
}

// Settings are the persisted values restored at boot.
type Settings struct {
	Gains       kilncontrol.Gains
	TCOffsetC   float64
	RelayCycles uint32
}

// Config tunes the supervisor. Zero values fall back to the defaults below.
type Config struct {
	Window          time.Duration // SSR time-proportional window
	PublishInterval time.Duration // status snapshot cadence
	CommandBurst    int           // commands drained per tick
	QueueSize       int           // bounded command queue depth
	Autotune        AutotuneParams
}

const (
	defaultCommandBurst = 4
	defaultQueueSize    = 16
	// Flash protection: the cycle counter is written through at most once
	// per this many relay transitions.
	cyclePersistStride = 1000
)

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = kilncontrol.SSRWindowMs * time.Millisecond
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = 2 * time.Second
	}
	if c.CommandBurst <= 0 {
		c.CommandBurst = defaultCommandBurst
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.Autotune == (AutotuneParams{}) {
		c.Autotune = DefaultAutotuneParams()
	}
	return c
}

// Supervisor is the real-time control core. It exclusively owns the gains,
// the run context, the SSR window state and the persisted counters; every
// other part of the system talks to it through Submit (inbound) and
// Latest/OnSnapshot (outbound). All hardware I/O happens inside Tick.
type Supervisor struct {
	cfg   Config
	log   *logger.Logger
	clock Clock

	tc   hal.Thermocouple
	ssr  hal.DigitalOut
	door hal.DigitalIn
	wdt  hal.Watchdog

	store  Store
	events EventSink

	pid *PID
	mod *Modulator

	state   kilncontrol.KilnState
	errText string

	pv     float64
	sp     float64
	demand float64

	gains    kilncontrol.Gains
	tcOffset float64

	pending      *kilncontrol.Schedule
	pendingDelay time.Duration
	run          *scheduleRun

	manual   bool
	manualSP float64

	tuner        *Autotune
	tunePrevAuto bool

	cmds            chan submission
	latest          atomic.Pointer[kilncontrol.Status]
	onSnapshot      func(kilncontrol.Status)
	onTick          func(time.Duration)
	lastPublish     time.Time
	persistedCycles uint32
}

// New wires a supervisor from its collaborators and the boot-restored
// settings.
func New(cfg Config, log *logger.Logger, clock Clock, tc hal.Thermocouple, ssr hal.DigitalOut, door hal.DigitalIn, wdt hal.Watchdog, store Store, events EventSink, boot Settings) *Supervisor {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = RealClock
	}
	s := &Supervisor{
		cfg:             cfg,
		log:             log,
		clock:           clock,
		tc:              tc,
		ssr:             ssr,
		door:            door,
		wdt:             wdt,
		store:           store,
		events:          events,
		pid:             NewPID(boot.Gains, float64(cfg.Window.Milliseconds())),
		mod:             NewModulator(cfg.Window, boot.RelayCycles),
		state:           kilncontrol.StateIdle,
		sp:              kilncontrol.IdleSetpointC,
		gains:           boot.Gains,
		tcOffset:        boot.TCOffsetC,
		cmds:            make(chan submission, cfg.QueueSize),
		persistedCycles: boot.RelayCycles,
	}
	st := s.snapshot(clock.Now())
	s.latest.Store(&st)
	return s
}

// OnSnapshot registers a callback invoked with every published snapshot
// (metrics, websocket fan-out). Must be set before Run starts.
func (s *Supervisor) OnSnapshot(fn func(kilncontrol.Status)) { s.onSnapshot = fn }

// OnTickDuration registers a callback fed the wall-clock execution time of
// every tick (the tick-duration histogram). Must be set before Run starts.
func (s *Supervisor) OnTickDuration(fn func(time.Duration)) { s.onTick = fn }

// Latest returns the most recently published status snapshot.
func (s *Supervisor) Latest() kilncontrol.Status { return *s.latest.Load() }

// Submit queues a command and waits for the supervisor to apply it on a
// tick. A full queue rejects immediately with ErrBusy.
func (s *Supervisor) Submit(ctx context.Context, cmd Command) error {
	sub := submission{cmd: cmd, reply: make(chan error, 1)}
	select {
	case s.cmds <- sub:
	default:
		return ErrBusy
	}
	select {
	case err := <-sub.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run clocks the control loop at the given period until ctx is cancelled.
// On exit the SSR is forced off and the cycle counter flushed.
func (s *Supervisor) Run(ctx context.Context, tick time.Duration) {
	t := time.NewTicker(tick)
	defer t.Stop()
	defer s.shutdown()

	if tick >= kilncontrol.WatchdogTimeout/2 {
		s.log.Warnw("tick period dangerously close to the watchdog timeout", "tick", tick)
	}
	s.log.Infow("control loop started", "tick", tick, "window", s.cfg.Window)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			start := time.Now()
			s.Tick(s.clock.Now())
			if s.onTick != nil {
				s.onTick(time.Since(start))
			}
		}
	}
}

func (s *Supervisor) shutdown() {
	_ = s.ssr.Write(false)
	s.flushCycles()
	s.log.Infow("control loop stopped", "relay_cycles", s.mod.Cycles())
}

// Tick runs one supervisor cycle. Exported for deterministic tests; the
// strict order is commands → safety → sense → plan → act → publish, and
// safety always precedes any actuation change.
func (s *Supervisor) Tick(now time.Time) {
	stateChanged := s.drainCommands(now)

	// Safety first, on the previous sample: a fresh over-temperature
	// reading trips on the following tick, never later.
	doorOpen, derr := s.readDoor()
	if derr != nil {
		s.log.Warnw("door switch read failed", "err", derr)
	}
	verdict := evaluateSafety(s.pv, doorOpen, s.state)
	if verdict.latch && s.state != kilncontrol.StateError {
		s.latchError(now, verdict.reason)
		stateChanged = true
	}

	if s.state == kilncontrol.StateError {
		s.mod.Tick(now, 0, true)
		_ = s.ssr.Write(false)
		s.wdt.Feed()
		s.maybePublish(now, stateChanged)
		return
	}

	// Sense. A single fault latches: the furnace is blind without it.
	raw, err := s.tc.Read()
	if err != nil {
		s.latchError(now, err.Error())
		s.mod.Tick(now, 0, true)
		_ = s.ssr.Write(false)
		s.wdt.Feed()
		s.maybePublish(now, true)
		return
	}
	s.pv = raw + s.tcOffset

	// Delayed start: promote to the first step once the deadline passes.
	// The kiln may have drifted during the delay, so the relative invariants
	// are re-checked against the live temperature; there is no submitter to
	// answer anymore, so a violation aborts the run instead.
	if s.run != nil && s.run.delayed && !now.Before(s.run.delayDeadline) {
		if err := kilncontrol.ValidateStepsFrom(s.pv, s.run.schedule.Steps); err != nil {
			s.log.Errorw("delayed start rejected", "err", err, "pv_c", s.pv)
			s.abort(now, fmt.Sprintf("delayed start rejected: %v", err))
		} else {
			s.run.anchor(now, s.pv)
			s.pid.SetAuto(true, s.pv)
			s.appendEvent(kilncontrol.EventStart, "start delay elapsed; firing begins", nil)
		}
	}

	// Plan and regulate.
	if s.tuner != nil {
		s.tickAutotune(now)
	} else {
		s.tickSchedule(now)
	}

	// The door interlock freezes the integrator so a long open event does
	// not wind it up; output resumes where it left off.
	if verdict.freezeIntegrator {
		s.pid.Freeze()
	} else {
		s.pid.Unfreeze()
	}
	if s.tuner == nil {
		s.demand = s.pid.Update(now, s.pv, s.sp)
	}

	// Act.
	on := s.mod.Tick(now, s.demand, verdict.forceOff)
	if werr := s.ssr.Write(on); werr != nil {
		s.log.Errorw("ssr write failed", "err", werr)
	}
	if s.mod.Cycles()-s.persistedCycles >= cyclePersistStride {
		s.flushCycles()
	}

	s.wdt.Feed()

	if ns := s.currentState(); ns != s.state {
		s.state = ns
		stateChanged = true
	}
	s.maybePublish(now, stateChanged)
}

// currentState derives the externally visible state from the run context.
func (s *Supervisor) currentState() kilncontrol.KilnState {
	switch {
	case s.state == kilncontrol.StateError:
		return kilncontrol.StateError
	case s.tuner != nil:
		return kilncontrol.StateAutotune
	case s.run != nil:
		return s.run.state()
	case s.manual:
		return kilncontrol.StateHeating
	default:
		return kilncontrol.StateIdle
	}
}

func (s *Supervisor) tickSchedule(now time.Time) {
	switch {
	case s.run != nil && s.run.delayed:
		s.sp = kilncontrol.IdleSetpointC
		s.demand = 0
	case s.run != nil:
		sp, advanced := s.run.tick(now, s.pv)
		s.sp = sp
		if s.run.done() {
			s.appendEvent(kilncontrol.EventComplete, "schedule complete", nil)
			s.endRun()
		} else if advanced {
			s.appendEvent(kilncontrol.EventStepAdvance,
				fmt.Sprintf("advanced to step %d", s.run.stepIndex),
				map[string]any{"step_index": s.run.stepIndex, "pv_c": s.pv})
		}
	case s.manual:
		s.sp = s.manualSP
	default:
		s.sp = kilncontrol.IdleSetpointC
	}
	if s.sp > kilncontrol.MaxTempC {
		s.sp = kilncontrol.MaxTempC
	}
}

func (s *Supervisor) tickAutotune(now time.Time) {
	s.demand = s.tuner.Update(now, s.pv)
	done, terr := s.tuner.Done()
	if !done {
		return
	}
	if terr != nil {
		s.log.Warnw("autotune failed", "err", terr)
		s.appendEvent(kilncontrol.EventAutotuneFail, terr.Error(), nil)
	} else {
		g := s.tuner.Result()
		s.gains = g
		s.pid.SetGains(g)
		if s.store != nil {
			if err := s.store.SaveGains(context.Background(), g); err != nil {
				s.log.Errorw("persist gains failed", "err", err)
			}
		}
		s.log.Infow("autotune complete", "kp", g.Kp, "ki", g.Ki, "kd", g.Kd)
		s.appendEvent(kilncontrol.EventAutotuneDone, "autotune complete",
			map[string]any{"kp": g.Kp, "ki": g.Ki, "kd": g.Kd})
	}
	s.tuner = nil
	s.demand = 0
	s.pid.ForceOutput(0)
	s.pid.SetAuto(s.tunePrevAuto, s.pv)
	s.flushCycles()
}

// drainCommands applies up to CommandBurst queued commands and answers each
// submitter. Returns true if any applied command changed the state.
func (s *Supervisor) drainCommands(now time.Time) bool {
	before := s.state
	for i := 0; i < s.cfg.CommandBurst; i++ {
		select {
		case sub := <-s.cmds:
			sub.reply <- s.apply(now, sub.cmd)
		default:
			return s.state != before
		}
	}
	return s.state != before
}

func (s *Supervisor) apply(now time.Time, cmd Command) error {
	switch cmd.kind {
	case cmdLoadSchedule:
		if s.state != kilncontrol.StateIdle {
			return ErrBusy
		}
		if err := kilncontrol.ValidateSteps(cmd.schedule.Steps); err != nil {
			return fmt.Errorf("%w: %v", ErrBadSchedule, err)
		}
		sched := cmd.schedule
		s.pending = &sched
		s.pendingDelay = cmd.delay
		s.log.Infow("schedule staged", "name", sched.Name, "steps", len(sched.Steps), "delay", cmd.delay)
		return nil

	case cmdStart:
		if s.state != kilncontrol.StateIdle {
			return ErrBusy
		}
		if s.pending == nil {
			return fmt.Errorf("%w: no schedule loaded", ErrBadParam)
		}
		// The relative invariants are only checkable against the live
		// temperature, so they gate Start rather than LoadSchedule.
		if err := kilncontrol.ValidateStepsFrom(s.pv, s.pending.Steps); err != nil {
			return fmt.Errorf("%w: %v", ErrBadSchedule, err)
		}
		s.run = newScheduleRun(*s.pending, now, s.pv, s.pendingDelay)
		if !s.run.delayed {
			s.pid.SetAuto(true, s.pv)
		}
		s.state = s.run.state()
		s.appendEvent(kilncontrol.EventStart,
			fmt.Sprintf("firing started: %s", s.pending.Name),
			map[string]any{"steps": len(s.pending.Steps), "start_temp_c": s.pv, "delay_s": s.pendingDelay.Seconds()})
		return nil

	case cmdStop:
		// Idle: nothing to stop. Error: stays latched, SSR is already off.
		if !s.state.Running() {
			return nil
		}
		s.abort(now, "stopped by operator")
		return nil

	case cmdStartAutotune:
		if s.state == kilncontrol.StateError {
			return ErrBusy
		}
		params := cmd.tune
		if params == (AutotuneParams{}) {
			params = s.cfg.Autotune
		}
		tuner, err := NewAutotune(params)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadParam, err)
		}
		if s.run != nil || s.manual {
			s.abort(now, "cancelled for autotune")
		}
		s.tunePrevAuto = s.pid.Auto()
		s.pid.SetAuto(false, s.pv)
		s.tuner = tuner
		s.state = kilncontrol.StateAutotune
		s.appendEvent(kilncontrol.EventAutotuneStart, "autotune started",
			map[string]any{"step": params.Step, "noise_band_c": params.NoiseBandC})
		return nil

	case cmdSetGains:
		if !cmd.gains.Valid() {
			return fmt.Errorf("%w: gains must be non-negative", ErrBadParam)
		}
		s.gains = cmd.gains
		s.pid.SetGains(cmd.gains)
		if s.store != nil {
			if err := s.store.SaveGains(context.Background(), cmd.gains); err != nil {
				return fmt.Errorf("persist gains: %w", err)
			}
		}
		return nil

	case cmdSetCalibration:
		s.tcOffset = cmd.offsetC
		if s.store != nil {
			if err := s.store.SaveTCOffset(context.Background(), cmd.offsetC); err != nil {
				return fmt.Errorf("persist calibration: %w", err)
			}
		}
		return nil

	case cmdResetError:
		if s.state != kilncontrol.StateError {
			return fmt.Errorf("%w: no error latched", ErrBadParam)
		}
		s.state = kilncontrol.StateIdle
		s.errText = ""
		s.appendEvent(kilncontrol.EventReset, "error acknowledged by operator", nil)
		return nil

	case cmdManualSetpoint:
		if s.state != kilncontrol.StateIdle {
			return ErrBusy
		}
		if cmd.setpointC < 0 || cmd.setpointC > kilncontrol.MaxTempC {
			return fmt.Errorf("%w: setpoint %.1f°C outside [0, %.1f]", ErrBadParam, cmd.setpointC, kilncontrol.MaxTempC)
		}
		s.manual = true
		s.manualSP = cmd.setpointC
		s.state = kilncontrol.StateHeating
		s.pid.SetAuto(true, s.pv)
		s.appendEvent(kilncontrol.EventStart,
			fmt.Sprintf("manual hold at %.1f°C", cmd.setpointC), nil)
		return nil
	}
	return fmt.Errorf("%w: unknown command", ErrBadParam)
}

// abort tears down any run, manual hold or tuner and parks the controller
// idle with the SSR off.
func (s *Supervisor) abort(now time.Time, reason string) {
	s.appendEvent(kilncontrol.EventStop, reason, nil)
	s.endRun()
	s.tuner = nil
	s.state = kilncontrol.StateIdle
	_ = s.ssr.Write(false)
	s.mod.Tick(now, 0, true)
}

// endRun destroys the run context and returns to idle regulation. The cycle
// counter is flushed here so a graceful run end never loses transitions.
func (s *Supervisor) endRun() {
	s.run = nil
	s.manual = false
	s.pid.SetAuto(false, s.pv)
	s.pid.ForceOutput(0)
	s.demand = 0
	s.sp = kilncontrol.IdleSetpointC
	s.flushCycles()
}

func (s *Supervisor) latchError(now time.Time, reason string) {
	s.state = kilncontrol.StateError
	s.errText = reason
	s.run = nil
	s.manual = false
	s.tuner = nil
	s.demand = 0
	s.pid.SetAuto(false, s.pv)
	s.pid.ForceOutput(0)
	_ = s.ssr.Write(false)
	s.log.Errorw("safety latch", "reason", reason, "pv_c", s.pv)
	s.appendEvent(kilncontrol.EventError, reason, map[string]any{"pv_c": s.pv})
	s.flushCycles()
}

func (s *Supervisor) readDoor() (open bool, err error) {
	if s.door == nil {
		return false, nil
	}
	high, err := s.door.Read()
	if err != nil {
		return false, err
	}
	// Pull-up input: the switch shorts to ground when the door opens.
	return !high, nil
}

func (s *Supervisor) flushCycles() {
	if s.store == nil {
		return
	}
	cycles := s.mod.Cycles()
	if cycles == s.persistedCycles {
		return
	}
	if err := s.store.SaveRelayCycles(context.Background(), cycles); err != nil {
		s.log.Errorw("persist relay cycles failed", "err", err)
		return
	}
	s.persistedCycles = cycles
}

func (s *Supervisor) appendEvent(typ, desc string, meta map[string]any) {
	if s.events == nil {
		return
	}
	e := kilncontrol.Event{Type: typ, Description: desc}
	if meta != nil {
		e.Metadata = meta
	}
	if err := s.events.Append(context.Background(), e); err != nil {
		s.log.Warnw("event append failed", "type", typ, "err", err)
	}
}

// maybePublish refreshes the snapshot every tick so Latest is always
// current, and pushes it to the telemetry sink on the publish cadence or on
// any state change.
func (s *Supervisor) maybePublish(now time.Time, stateChanged bool) {
	st := s.snapshot(now)
	s.latest.Store(&st)
	if !stateChanged && now.Sub(s.lastPublish) < s.cfg.PublishInterval {
		return
	}
	s.lastPublish = now
	if s.onSnapshot != nil {
		s.onSnapshot(st)
	}
}

func (s *Supervisor) snapshot(now time.Time) kilncontrol.Status {
	st := kilncontrol.Status{
		PVC:         s.pv,
		SPC:         s.sp,
		State:       s.state,
		Error:       s.errText,
		RelayCycles: s.mod.Cycles(),
		TCOffsetC:   s.tcOffset,
		Gains:       s.gains,
		UpdatedAt:   now,
	}
	if s.run != nil {
		st.StepIndex = s.run.stepIndex
		st.StepCount = len(s.run.schedule.Steps)
		st.TimeRemainingS = int(s.run.remaining(now, s.pv).Seconds())
	}
	return st
}
