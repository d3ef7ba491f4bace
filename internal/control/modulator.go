package control

import "time"

// Modulator converts a demand in [0, W] milliseconds into the SSR pin state
// using time-proportional output over a fixed window of W milliseconds:
// ON for the first demand ms of each window, OFF for the remainder.
//
// The pin decision is re-taken every tick, not latched per window, so a
// safety force-off takes effect mid-window.
type Modulator struct {
	window      time.Duration
	windowStart time.Time
	started     bool

	on     bool
	cycles uint32 // total 0→1 transitions, monotone
}

// NewModulator builds a modulator with the given window and the persisted
// transition count restored from storage.
func NewModulator(window time.Duration, restoredCycles uint32) *Modulator {
	return &Modulator{window: window, cycles: restoredCycles}
}

// Tick computes the pin state for this instant. forceOff wins over any
// demand. Returns the commanded pin level.
func (m *Modulator) Tick(now time.Time, demandMs float64, forceOff bool) bool {
	if !m.started {
		m.windowStart = now
		m.started = true
	}
	// If the supervisor fell behind, the anchor catches up in whole-window
	// increments so now always lands inside [windowStart, windowStart+W).
	for now.Sub(m.windowStart) >= m.window {
		m.windowStart = m.windowStart.Add(m.window)
	}

	elapsedMs := float64(now.Sub(m.windowStart).Milliseconds())
	on := !forceOff && demandMs > elapsedMs

	if on && !m.on {
		m.cycles++
	}
	m.on = on
	return on
}

// On reports the last commanded pin level.
func (m *Modulator) On() bool { return m.on }

// Cycles returns the lifetime relay transition count.
func (m *Modulator) Cycles() uint32 { return m.cycles }

// WindowStart exposes the current window anchor (test hook).
func (m *Modulator) WindowStart() time.Time { return m.windowStart }
