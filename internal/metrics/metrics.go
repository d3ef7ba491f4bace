// Package metrics exports the controller's telemetry as Prometheus gauges.
// The control loop feeds it through the snapshot callback; scraping never
// touches the loop.
package metrics

import (
	"time"

	"kilncontrol"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var stateValues = []kilncontrol.KilnState{
	kilncontrol.StateIdle,
	kilncontrol.StateDelayed,
	kilncontrol.StateHeating,
	kilncontrol.StateHolding,
	kilncontrol.StateCooling,
	kilncontrol.StateAutotune,
	kilncontrol.StateError,
}

var (
	pvGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kiln",
		Name:      "temperature_celsius",
		Help:      "Measured kiln temperature (PV).",
	})
	spGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kiln",
		Name:      "setpoint_celsius",
		Help:      "Commanded kiln setpoint (SP).",
	})
	stateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kiln",
		Name:      "state",
		Help:      "Controller state; the active state's series is 1.",
	}, []string{"state"})
	stepGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kiln",
		Name:      "schedule_step",
		Help:      "Index of the active schedule step.",
	})
	relayCycles = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kiln",
		Name:      "relay_cycles_total",
		Help:      "Lifetime SSR off-to-on transitions (restored across boots).",
	})
	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kiln",
		Name:      "tick_duration_seconds",
		Help:      "Control loop tick execution time, including hardware I/O.",
		// 100 µs up to ~0.2 s; the loop budget is well under one tick period.
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
	})
)

// ObserveTick records how long one supervisor tick took.
func ObserveTick(d time.Duration) {
	tickDuration.Observe(d.Seconds())
}

// Observe records one status snapshot.
func Observe(st kilncontrol.Status) {
	pvGauge.Set(st.PVC)
	spGauge.Set(st.SPC)
	stepGauge.Set(float64(st.StepIndex))
	relayCycles.Set(float64(st.RelayCycles))
	for _, s := range stateValues {
		v := 0.0
		if s == st.State {
			v = 1.0
		}
		stateGauge.WithLabelValues(string(s)).Set(v)
	}
}
