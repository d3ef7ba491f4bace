package control

import (
	"time"

	"kilncontrol"
)

// PID is a positional PID regulator producing SSR on-time demand in
// milliseconds within [0, window]. Two departures from the textbook form,
// both standard for thermal plants:
//
//   - the derivative acts on the measurement, not the error, so setpoint
//     steps do not kick the output;
//   - anti-windup clamps the integral term to the output range.
//
// The time base is the measured interval between updates. Ki is per second,
// Kd in seconds.
type PID struct {
	gains  kilncontrol.Gains
	outMax float64

	integral   float64
	lastPV     float64
	lastOutput float64
	lastTime   time.Time
	primed     bool

	auto   bool
	frozen bool
}

// NewPID returns a regulator limited to [0, outMax], initially in manual
// mode with zero output.
func NewPID(gains kilncontrol.Gains, outMax float64) *PID {
	return &PID{gains: gains, outMax: outMax}
}

// SetGains hot-reloads the tuning. Takes effect on the next update.
func (p *PID) SetGains(g kilncontrol.Gains) { p.gains = g }

// Gains returns the active tuning.
func (p *PID) Gains() kilncontrol.Gains { return p.gains }

// SetAuto toggles closed-loop mode. Switching manual→auto performs a
// bumpless transfer: the integral term is pre-loaded so the first computed
// output equals the last commanded one.
func (p *PID) SetAuto(auto bool, pv float64) {
	if auto && !p.auto {
		p.integral = clamp(p.lastOutput, 0, p.outMax)
		p.lastPV = pv
		p.primed = false
	}
	p.auto = auto
}

// Auto reports whether the regulator is in closed-loop mode.
func (p *PID) Auto() bool { return p.auto }

// Freeze suspends integral accumulation (door-open interlock). The
// proportional and derivative paths keep running.
func (p *PID) Freeze() { p.frozen = true }

// Unfreeze resumes integral accumulation.
func (p *PID) Unfreeze() { p.frozen = false }

// ForceOutput overrides the stored output while in manual mode, so a later
// SetAuto transfers bumplessly from it (used by autotune hand-back).
func (p *PID) ForceOutput(out float64) {
	p.lastOutput = clamp(out, 0, p.outMax)
}

// Output returns the last computed (or forced) output.
func (p *PID) Output() float64 { return p.lastOutput }

// Update advances the regulator. In manual mode the stored output is
// returned unchanged.
func (p *PID) Update(now time.Time, pv, sp float64) float64 {
	if !p.auto {
		return p.lastOutput
	}

	if !p.primed {
		// First sample after enable: no dt yet, derivative undefined.
		p.lastPV = pv
		p.lastTime = now
		p.primed = true
		err := sp - pv
		p.lastOutput = clamp(p.gains.Kp*err+p.integral, 0, p.outMax)
		return p.lastOutput
	}

	dt := now.Sub(p.lastTime).Seconds()
	if dt <= 0 {
		return p.lastOutput
	}

	err := sp - pv
	if !p.frozen {
		p.integral = clamp(p.integral+p.gains.Ki*err*dt, 0, p.outMax)
	}
	dPV := (pv - p.lastPV) / dt

	out := p.gains.Kp*err + p.integral - p.gains.Kd*dPV
	out = clamp(out, 0, p.outMax)

	p.lastPV = pv
	p.lastTime = now
	p.lastOutput = out
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
