package control

import (
	"errors"
	"fmt"
	"math"
	"time"

	"kilncontrol"
)

// AutotuneParams configure the relay-feedback identification run.
type AutotuneParams struct {
	// Step is the relay amplitude added/subtracted around StartValue, in
	// output units (ms of SSR on-time).
	Step float64
	// NoiseBandC is the hysteresis around the reference temperature; the
	// relay only flips once the PV leaves the band.
	NoiseBandC float64
	// StartValue is the output bias the relay oscillates around.
	StartValue float64
	// LookBack is the horizon used to qualify a sample as a local peak.
	LookBack time.Duration
	// MaxDuration aborts the run if the oscillation has not converged.
	// Open-ended oscillation next to a hot kiln is not acceptable.
	MaxDuration time.Duration
}

// DefaultAutotuneParams mirror the values the controller shipped with.
func DefaultAutotuneParams() AutotuneParams {
	return AutotuneParams{
		Step:        50,
		NoiseBandC:  1.0,
		StartValue:  100,
		LookBack:    20 * time.Second,
		MaxDuration: 30 * time.Minute,
	}
}

func (p AutotuneParams) validate() error {
	if p.Step <= 0 || p.NoiseBandC <= 0 || p.LookBack <= 0 || p.MaxDuration <= 0 {
		return errors.New("autotune parameters must be positive")
	}
	if p.StartValue < 0 {
		return errors.New("autotune start value must be non-negative")
	}
	return nil
}

// ErrAutotuneFailed wraps any non-safety autotune abort. The caller keeps
// the previous gains; the controller does not latch Error for it.
var ErrAutotuneFailed = errors.New("autotune failed")

// Autotune runs Åström–Hägglund relay feedback: the output steps between
// StartValue±Step whenever the PV crosses the reference outside the noise
// band, the induced limit cycle is measured, and Ziegler–Nichols rules turn
// the ultimate gain and period into PID tunings.
type Autotune struct {
	params AutotuneParams

	started   bool
	startTime time.Time
	refC      float64 // PV at start; the relay switches around this
	output    float64
	high      bool

	window []sample // recent PVs inside the look-back horizon
	peaks  []peak

	result kilncontrol.Gains
	done   bool
	err    error
}

type sample struct {
	t time.Time
	v float64
}

type peak struct {
	t   time.Time
	v   float64
	max bool
}

// NewAutotune prepares a tuner. Update drives it; Done/Result report the
// outcome.
func NewAutotune(params AutotuneParams) (*Autotune, error) {
	if err := params.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAutotuneFailed, err)
	}
	return &Autotune{params: params}, nil
}

// Done reports completion; err is non-nil on failure.
func (a *Autotune) Done() (bool, error) { return a.done, a.err }

// Result returns the identified gains after a successful run.
func (a *Autotune) Result() kilncontrol.Gains { return a.result }

// Update advances the identification with one PV sample and returns the
// output demand to actuate. After completion it returns 0.
func (a *Autotune) Update(now time.Time, pv float64) float64 {
	if a.done {
		return 0
	}
	if !a.started {
		a.started = true
		a.startTime = now
		a.refC = pv
		a.high = true
		a.output = a.params.StartValue + a.params.Step
	}

	if now.Sub(a.startTime) > a.params.MaxDuration {
		a.fail("no convergence within %v", a.params.MaxDuration)
		return 0
	}

	a.observe(now, pv)

	// Relay with hysteresis around the reference.
	if a.high && pv > a.refC+a.params.NoiseBandC {
		a.high = false
		a.output = a.params.StartValue - a.params.Step
		if a.output < 0 {
			a.output = 0
		}
		a.recordPeak(true)
	} else if !a.high && pv < a.refC-a.params.NoiseBandC {
		a.high = true
		a.output = a.params.StartValue + a.params.Step
		a.recordPeak(false)
	}

	a.checkConvergence()
	return a.output
}

// observe appends the sample and drops everything older than the look-back.
func (a *Autotune) observe(now time.Time, pv float64) {
	a.window = append(a.window, sample{t: now, v: pv})
	cut := now.Add(-a.params.LookBack)
	i := 0
	for i < len(a.window) && a.window[i].t.Before(cut) {
		i++
	}
	a.window = a.window[i:]
}

// recordPeak captures the extremum of the look-back window at the moment the
// relay flips: the PV has just turned around, so the window extremum is the
// cycle peak (max when the relay was driving high, min otherwise).
func (a *Autotune) recordPeak(wasMax bool) {
	if len(a.window) == 0 {
		return
	}
	best := a.window[0]
	for _, s := range a.window[1:] {
		if wasMax && s.v > best.v || !wasMax && s.v < best.v {
			best = s
		}
	}
	a.peaks = append(a.peaks, peak{t: best.t, v: best.v, max: wasMax})
}

// Convergence: the last three half-cycles must agree on amplitude within
// this fraction before the oscillation is trusted.
const amplitudeTolerance = 0.05

// minPeaks is two full cycles plus the settling half-cycle the check skips.
const minPeaks = 5

func (a *Autotune) checkConvergence() {
	if len(a.peaks) < minPeaks {
		return
	}
	last := a.peaks[len(a.peaks)-4:]

	// Three consecutive half-cycle amplitudes from four alternating peaks.
	amps := make([]float64, 3)
	for i := 0; i < 3; i++ {
		d := last[i+1].v - last[i].v
		if d < 0 {
			d = -d
		}
		amps[i] = d
	}
	mean := (amps[0] + amps[1] + amps[2]) / 3
	if mean <= 0 {
		a.fail("oscillation amplitude collapsed")
		return
	}
	for _, amp := range amps {
		if amp < mean*(1-amplitudeTolerance) || amp > mean*(1+amplitudeTolerance) {
			return // not settled yet
		}
	}

	// Ultimate period: spacing of the last two same-direction peaks.
	pu := last[3].t.Sub(last[1].t).Seconds()
	if pu <= 0 {
		a.fail("degenerate oscillation period")
		return
	}

	// Ku = 4S/(πA) with A the peak-to-peak amplitude, then classic
	// Ziegler–Nichols PID rules.
	ku := 4 * a.params.Step / (math.Pi * mean)
	a.result = kilncontrol.Gains{
		Kp: 0.6 * ku,
		Ki: 1.2 * ku / pu,
		Kd: 0.075 * ku * pu,
	}
	a.done = true
}

func (a *Autotune) fail(format string, args ...any) {
	a.done = true
	a.err = fmt.Errorf("%w: %s", ErrAutotuneFailed, fmt.Sprintf(format, args...))
}
