package control

import (
	"fmt"

	"kilncontrol"
)

// safetyVerdict is the outcome of the per-tick interlock evaluation.
// Latching faults push the controller into Error until an explicit reset;
// forceOff pauses actuation this tick without latching.
type safetyVerdict struct {
	latch  bool
	reason string

	forceOff         bool
	freezeIntegrator bool
}

// evaluateSafety runs the ordered interlock checks. It must run before any
// actuation change on every tick.
//
//  1. over-temperature: PV above the hard limit latches Error
//  2. door open while not idle: force SSR off and freeze the PID integrator
//     so a long door-open event does not wind it up; clears on its own
//
// Thermocouple faults latch separately at the sense stage: a furnace without
// temperature sensing is unsafe immediately, so no consecutive-fault grace
// is applied there either.
func evaluateSafety(pv float64, doorOpen bool, state kilncontrol.KilnState) safetyVerdict {
	if pv > kilncontrol.MaxTempC {
		return safetyVerdict{
			latch:    true,
			reason:   fmt.Sprintf("Over-temperature: %.1f°C exceeds limit %.1f°C", pv, kilncontrol.MaxTempC),
			forceOff: true,
		}
	}
	if doorOpen && state != kilncontrol.StateIdle {
		return safetyVerdict{forceOff: true, freezeIntegrator: true}
	}
	return safetyVerdict{}
}
