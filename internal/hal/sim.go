package hal

import (
	"math"
	"sync"
	"time"
)

// Plant is a first-order thermal model of the kiln chamber: full power heats
// at HeatRateCPerS near ambient, and heat leaks back out proportionally to
// the excess over ambient. Good enough to exercise the PID, the schedule
// engine, and relay-feedback autotune without hardware.
type Plant struct {
	AmbientC      float64
	HeatRateCPerS float64 // heating slope at full power, °C/s
	TimeConstantS float64 // loss time constant, s

	TempC float64
	power float64 // commanded duty, 0 or 1 from the SSR pin
}

// NewPlant returns a plant at ambient with dynamics loosely matching a small
// hobby kiln (a few °C/s rise, slow losses).
func NewPlant() *Plant {
	return &Plant{
		AmbientC:      20.0,
		HeatRateCPerS: 1.5,
		TimeConstantS: 600,
		TempC:         20.0,
	}
}

// Advance integrates the model forward by dt under the current power.
func (p *Plant) Advance(dt time.Duration) {
	s := dt.Seconds()
	if s <= 0 {
		return
	}
	dT := p.power*p.HeatRateCPerS - (p.TempC-p.AmbientC)/p.TimeConstantS
	p.TempC += dT * s
}

// SetPower sets the heating input: true = elements energized.
func (p *Plant) SetPower(on bool) {
	if on {
		p.power = 1
	} else {
		p.power = 0
	}
}

// SimRig bundles a simulated plant with virtual pins so the real control
// loop runs unmodified. The plant is advanced lazily whenever the
// thermocouple is read, using the rig's clock.
type SimRig struct {
	mu    sync.Mutex
	plant *Plant
	clock func() time.Time
	last  time.Time

	doorOpen  bool
	fault     *FaultError
	tcOffsetC float64 // sensor miscalibration baked into the rig, not the controller

	ssrState    bool
	Transitions int
	feeds       int
}

// NewSimRig builds a rig around the given plant. clock defaults to time.Now.
func NewSimRig(plant *Plant, clock func() time.Time) *SimRig {
	if clock == nil {
		clock = time.Now
	}
	return &SimRig{plant: plant, clock: clock, last: clock()}
}

// SetDoorOpen toggles the simulated door switch.
func (r *SimRig) SetDoorOpen(open bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doorOpen = open
}

// InjectFault makes subsequent thermocouple reads fail until cleared with nil.
func (r *SimRig) InjectFault(f *FaultError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fault = f
}

// SetSensorOffset skews the simulated sensor by the given °C.
func (r *SimRig) SetSensorOffset(c float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tcOffsetC = c
}

// Plant exposes the underlying model for test assertions.
func (r *SimRig) Plant() *Plant { return r.plant }

func (r *SimRig) advanceLocked() {
	now := r.clock()
	r.plant.Advance(now.Sub(r.last))
	r.last = now
}

// SSR returns the virtual relay pin.
func (r *SimRig) SSR() DigitalOut { return (*simSSR)(r) }

// Door returns the virtual door switch (high = closed, per the pull-up).
func (r *SimRig) Door() DigitalIn { return (*simDoor)(r) }

// Thermocouple returns the virtual sensor.
func (r *SimRig) Thermocouple() Thermocouple { return (*simTC)(r) }

// Watchdog returns the virtual watchdog.
func (r *SimRig) Watchdog() Watchdog { return (*simWDT)(r) }

type simSSR SimRig

func (s *simSSR) Write(high bool) error {
	r := (*SimRig)(s)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanceLocked()
	if high && !r.ssrState {
		r.Transitions++
	}
	r.ssrState = high
	r.plant.SetPower(high)
	return nil
}

type simDoor SimRig

func (d *simDoor) Read() (bool, error) {
	r := (*SimRig)(d)
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.doorOpen, nil
}

type simTC SimRig

func (t *simTC) Read() (float64, error) {
	r := (*SimRig)(t)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fault != nil {
		return 0, r.fault
	}
	r.advanceLocked()
	v := r.plant.TempC + r.tcOffsetC
	if math.IsNaN(v) {
		return 0, &FaultError{Kind: FaultNan}
	}
	return v, nil
}

type simWDT SimRig

func (w *simWDT) Feed() {
	r := (*SimRig)(w)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feeds++
}
