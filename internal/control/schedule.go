package control

import (
	"time"

	"kilncontrol"
)

// scheduleRun is the live run context: which step is active and the anchors
// the instantaneous setpoint is computed from. It exists only while the
// controller is running; it is never persisted, so a watchdog reset comes
// back Idle.
type scheduleRun struct {
	schedule kilncontrol.Schedule

	stepIndex     int
	stepStart     time.Time
	stepStartTemp float64

	// delayDeadline is set when the run was started with a delay; the run
	// sits in Delayed until the deadline passes, then anchors step 0.
	delayDeadline time.Time
	delayed       bool
}

func newScheduleRun(s kilncontrol.Schedule, now time.Time, pv float64, delay time.Duration) *scheduleRun {
	r := &scheduleRun{schedule: s}
	if delay > 0 {
		r.delayed = true
		r.delayDeadline = now.Add(delay)
	} else {
		r.anchor(now, pv)
	}
	return r
}

// anchor resets the step-start anchors to this instant and temperature.
// Each ramp starts from the temperature actually reached, not from the
// temperature planned for.
func (r *scheduleRun) anchor(now time.Time, pv float64) {
	r.stepStart = now
	r.stepStartTemp = pv
	r.delayed = false
}

func (r *scheduleRun) done() bool {
	return !r.delayed && r.stepIndex >= len(r.schedule.Steps)
}

func (r *scheduleRun) currentStep() (kilncontrol.Step, bool) {
	if r.delayed || r.done() {
		return kilncontrol.Step{}, false
	}
	return r.schedule.Steps[r.stepIndex], true
}

// state maps the active step to the kiln state.
func (r *scheduleRun) state() kilncontrol.KilnState {
	if r.delayed {
		return kilncontrol.StateDelayed
	}
	step, ok := r.currentStep()
	if !ok {
		return kilncontrol.StateIdle
	}
	switch step.Type {
	case kilncontrol.StepHold:
		return kilncontrol.StateHolding
	case kilncontrol.StepCool:
		return kilncontrol.StateCooling
	default:
		return kilncontrol.StateHeating
	}
}

// tick computes the instantaneous setpoint and advances the step when its
// exit condition is met. advanced reports a step boundary was crossed this
// tick. The profile is time-based: it progresses on the clock whether or not
// the PV keeps up — a lagging PV is the PID's problem, not the schedule's.
func (r *scheduleRun) tick(now time.Time, pv float64) (sp float64, advanced bool) {
	step, ok := r.currentStep()
	if !ok {
		return kilncontrol.IdleSetpointC, false
	}

	elapsed := now.Sub(r.stepStart)

	// Schedules are validated against their start temperature before they
	// anchor (ValidateStepsFrom at Start and at delayed-start promotion), so
	// a target behind the anchor here means the kiln over/undershot the
	// previous step boundary. The step's work is already done: clamp to the
	// target and move on.
	switch step.Type {
	case kilncontrol.StepRamp:
		sp = r.stepStartTemp + step.RateCPerHr*elapsed.Hours()
		if step.TargetC <= r.stepStartTemp || sp >= step.TargetC {
			sp = step.TargetC
			r.advance(now, pv)
			advanced = true
		}
	case kilncontrol.StepCool:
		sp = r.stepStartTemp - step.RateCPerHr*elapsed.Hours()
		if step.TargetC >= r.stepStartTemp || sp <= step.TargetC {
			sp = step.TargetC
			r.advance(now, pv)
			advanced = true
		}
	case kilncontrol.StepHold:
		sp = step.TargetC
		if elapsed.Minutes() >= step.DurationMin {
			r.advance(now, pv)
			advanced = true
		}
	}

	if sp > kilncontrol.MaxTempC {
		sp = kilncontrol.MaxTempC
	}
	return sp, advanced
}

func (r *scheduleRun) advance(now time.Time, pv float64) {
	r.stepIndex++
	r.anchor(now, pv)
}

// remaining estimates the time left in the run: the unexpired part of the
// current step plus the nominal duration of every later step. Ramp and cool
// durations are planned from their step anchors, so the estimate firms up as
// steps begin.
func (r *scheduleRun) remaining(now time.Time, pv float64) time.Duration {
	if r.done() {
		return 0
	}
	var total time.Duration
	startTemp := pv
	for i := r.stepIndex; i < len(r.schedule.Steps); i++ {
		step := r.schedule.Steps[i]
		if i == r.stepIndex && !r.delayed {
			startTemp = r.stepStartTemp
		}
		d := stepDuration(step, startTemp)
		if i == r.stepIndex && !r.delayed {
			elapsed := now.Sub(r.stepStart)
			if elapsed < d {
				d -= elapsed
			} else {
				d = 0
			}
		}
		total += d
		startTemp = step.TargetC
	}
	if r.delayed {
		if wait := r.delayDeadline.Sub(now); wait > 0 {
			total += wait
		}
	}
	return total
}

func stepDuration(step kilncontrol.Step, startTemp float64) time.Duration {
	switch step.Type {
	case kilncontrol.StepHold:
		return time.Duration(step.DurationMin * float64(time.Minute))
	case kilncontrol.StepRamp:
		if step.TargetC <= startTemp || step.RateCPerHr <= 0 {
			return 0
		}
		return time.Duration((step.TargetC - startTemp) / step.RateCPerHr * float64(time.Hour))
	case kilncontrol.StepCool:
		if step.TargetC >= startTemp || step.RateCPerHr <= 0 {
			return 0
		}
		return time.Duration((startTemp - step.TargetC) / step.RateCPerHr * float64(time.Hour))
	}
	return 0
}
