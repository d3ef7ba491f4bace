package control

import (
	"errors"
	"testing"
	"time"
)

// firstOrderPlant integrates dT = (duty·heatRate − (T−ambient)/tau)·dt, the
// same model the simulator uses, with fractional duty so the tuner's demand
// can be applied directly.
type firstOrderPlant struct {
	ambient  float64
	heatRate float64 // °C/s at full power
	tau      float64 // s
	temp     float64
}

func (p *firstOrderPlant) step(duty, dt float64) {
	p.temp += (duty*p.heatRate - (p.temp-p.ambient)/p.tau) * dt
}

func TestAutotune_ConvergesOnFirstOrderPlant(t *testing.T) {
	// Steady state at duty u is ambient + u·heatRate·tau = 20 + 900·u.
	// Around the relay bias of 100/5000 the equilibrium sits at 38 °C, and
	// ±50 of step swings it to 29/47 °C: the PV must oscillate across the
	// noise band.
	plant := &firstOrderPlant{ambient: 20, heatRate: 1.5, tau: 600, temp: 38}

	tuner, err := NewAutotune(DefaultAutotuneParams())
	if err != nil {
		t.Fatalf("NewAutotune: %v", err)
	}

	now := time.Now()
	const dt = 1.0 // s
	var done bool
	for i := 0; i < 1800; i++ {
		demand := tuner.Update(now, plant.temp)
		if done, err = tuner.Done(); done {
			break
		}
		plant.step(demand/testWindowMs, dt)
		now = now.Add(time.Second)
	}

	if !done {
		t.Fatalf("autotune did not finish within the simulated 30 min")
	}
	if err != nil {
		t.Fatalf("autotune failed: %v", err)
	}
	g := tuner.Result()
	if g.Kp <= 0 || g.Ki <= 0 || g.Kd <= 0 {
		t.Fatalf("expected strictly positive gains, got %+v", g)
	}
	// Sanity-check the Ziegler–Nichols shape: Kd/Kp = 0.125·Pu and
	// Kp/Ki = Pu/2, so Kd/Kp divided by Kp/Ki is 0.25.
	ratio := (g.Kd / g.Kp) / (g.Kp / g.Ki)
	almostEqual(t, ratio, 0.25, 1e-6)
}

func TestAutotune_TimesOutWithoutOscillation(t *testing.T) {
	params := DefaultAutotuneParams()
	params.MaxDuration = time.Minute

	tuner, err := NewAutotune(params)
	if err != nil {
		t.Fatalf("NewAutotune: %v", err)
	}

	// A dead sensor: the PV never leaves the noise band, so the relay never
	// flips and nothing converges.
	now := time.Now()
	for i := 0; i < 120; i++ {
		tuner.Update(now, 100)
		now = now.Add(time.Second)
	}
	done, err := tuner.Done()
	if !done {
		t.Fatalf("expected timeout abort")
	}
	if !errors.Is(err, ErrAutotuneFailed) {
		t.Fatalf("expected ErrAutotuneFailed, got %v", err)
	}
}

func TestAutotune_RejectsBadParams(t *testing.T) {
	bad := DefaultAutotuneParams()
	bad.Step = 0
	if _, err := NewAutotune(bad); !errors.Is(err, ErrAutotuneFailed) {
		t.Fatalf("expected parameter rejection, got %v", err)
	}
}
