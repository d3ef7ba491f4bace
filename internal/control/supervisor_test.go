package control

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"kilncontrol"
	"kilncontrol/internal/logger"
)

// ---- hardware fakes ----

type fakeTC struct {
	v   float64
	err error
}

func (f *fakeTC) Read() (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.v, nil
}

type fakePin struct {
	last   bool
	writes int
}

func (p *fakePin) Write(high bool) error {
	p.last = high
	p.writes++
	return nil
}

type fakeDoor struct{ open bool }

// Pull-up semantics: high while the door is closed.
func (d *fakeDoor) Read() (bool, error) { return !d.open, nil }

type fakeWDT struct{ feeds int }

func (w *fakeWDT) Feed() { w.feeds++ }

type fakeStore struct {
	gains   []kilncontrol.Gains
	offsets []float64
	cycles  []uint32
	err     error
}

func (s *fakeStore) SaveGains(_ context.Context, g kilncontrol.Gains) error {
	s.gains = append(s.gains, g)
	return s.err
}
func (s *fakeStore) SaveTCOffset(_ context.Context, c float64) error {
	s.offsets = append(s.offsets, c)
	return s.err
}
func (s *fakeStore) SaveRelayCycles(_ context.Context, n uint32) error {
	s.cycles = append(s.cycles, n)
	return s.err
}

type fakeEvents struct{ events []kilncontrol.Event }

func (f *fakeEvents) Append(_ context.Context, e kilncontrol.Event) error {
	f.events = append(f.events, e)
	return nil
}

func (f *fakeEvents) types() []string {
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

type rig struct {
	sup    *Supervisor
	tc     *fakeTC
	ssr    *fakePin
	door   *fakeDoor
	wdt    *fakeWDT
	store  *fakeStore
	events *fakeEvents
}

func newTestRig(t *testing.T, boot Settings) *rig {
	t.Helper()
	r := &rig{
		tc:     &fakeTC{v: 20},
		ssr:    &fakePin{},
		door:   &fakeDoor{},
		wdt:    &fakeWDT{},
		store:  &fakeStore{},
		events: &fakeEvents{},
	}
	r.sup = New(Config{}, logger.Get(logger.ErrorLevel), nil,
		r.tc, r.ssr, r.door, r.wdt, r.store, r.events, boot)
	return r
}

// submit applies a command by ticking the loop until the reply arrives.
func (r *rig) submit(t *testing.T, now time.Time, cmd Command) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- r.sup.Submit(context.Background(), cmd) }()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case err := <-done:
			return err
		case <-deadline:
			t.Fatalf("command was not applied")
			return nil
		default:
			r.sup.Tick(now)
			time.Sleep(time.Millisecond)
		}
	}
}

func defaultGains() kilncontrol.Gains { return kilncontrol.Gains{Kp: 20, Ki: 0.05, Kd: 0} }

func rampSteps(target, rate float64) []kilncontrol.Step {
	return []kilncontrol.Step{{Type: kilncontrol.StepRamp, TargetC: target, RateCPerHr: rate}}
}

// ---- tests ----

func TestSupervisor_BootRestoresPersistedSettings(t *testing.T) {
	boot := Settings{Gains: kilncontrol.Gains{Kp: 3, Ki: 7, Kd: 2}, TCOffsetC: -1.5, RelayCycles: 2000}
	r := newTestRig(t, boot)

	st := r.sup.Latest()
	if st.Gains != boot.Gains {
		t.Fatalf("gains = %+v, want %+v", st.Gains, boot.Gains)
	}
	if st.TCOffsetC != -1.5 {
		t.Fatalf("tc offset = %.1f, want -1.5", st.TCOffsetC)
	}
	if st.RelayCycles != 2000 {
		t.Fatalf("relay cycles = %d, want 2000", st.RelayCycles)
	}
}

func TestSupervisor_CalibrationOffsetAppliedToPV(t *testing.T) {
	r := newTestRig(t, Settings{TCOffsetC: -1.5})
	r.tc.v = 101.5
	r.sup.Tick(time.Now())
	if pv := r.sup.Latest().PVC; pv != 100 {
		t.Fatalf("pv = %.2f, want 100 after -1.5 offset", pv)
	}
}

func TestSupervisor_OverTemperatureLatchesNextTick(t *testing.T) {
	r := newTestRig(t, Settings{Gains: defaultGains()})
	now := time.Now()
	r.sup.Tick(now)

	// Injected over-temperature reading: sensed this tick, tripped on the
	// next, and the SSR never re-enables until the error is acknowledged.
	r.tc.v = 1301
	r.sup.Tick(now.Add(100 * time.Millisecond))
	r.sup.Tick(now.Add(200 * time.Millisecond))

	st := r.sup.Latest()
	if st.State != kilncontrol.StateError {
		t.Fatalf("state = %s, want error", st.State)
	}
	if !strings.Contains(st.Error, "Over-temperature") {
		t.Fatalf("error text %q does not mention over-temperature", st.Error)
	}
	if r.ssr.last {
		t.Fatalf("SSR still on after safety latch")
	}

	// Stays latched even after the reading recovers.
	r.tc.v = 500
	for i := 3; i < 10; i++ {
		r.sup.Tick(now.Add(time.Duration(i) * 100 * time.Millisecond))
		if r.ssr.last {
			t.Fatalf("SSR re-enabled while error latched")
		}
	}
	if r.sup.Latest().State != kilncontrol.StateError {
		t.Fatalf("error unlatched without reset")
	}

	// Only the explicit acknowledgement clears it.
	if err := r.submit(t, now.Add(time.Second), ResetError()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if st := r.sup.Latest(); st.State != kilncontrol.StateIdle || st.Error != "" {
		t.Fatalf("after reset: state=%s err=%q", st.State, st.Error)
	}
}

func TestSupervisor_SensorFaultLatches(t *testing.T) {
	r := newTestRig(t, Settings{})
	now := time.Now()
	r.sup.Tick(now)

	r.tc.err = errors.New("thermocouple fault: open circuit")
	r.sup.Tick(now.Add(100 * time.Millisecond))

	st := r.sup.Latest()
	if st.State != kilncontrol.StateError {
		t.Fatalf("state = %s, want error after sensor fault", st.State)
	}
	if r.ssr.last {
		t.Fatalf("SSR on after sensor fault")
	}
}

func TestSupervisor_DoorOpenPausesWithoutLatching(t *testing.T) {
	r := newTestRig(t, Settings{Gains: defaultGains()})
	now := time.Now()
	r.sup.Tick(now)
	r.tc.v = 100

	if err := r.submit(t, now, ManualSetpoint(500)); err != nil {
		t.Fatalf("manual setpoint: %v", err)
	}
	now = now.Add(100 * time.Millisecond)
	r.sup.Tick(now)
	if !r.ssr.last {
		t.Fatalf("expected heating output with a 400°C error")
	}

	// Door opens: off within one tick, state unchanged.
	r.door.open = true
	now = now.Add(100 * time.Millisecond)
	r.sup.Tick(now)
	if r.ssr.last {
		t.Fatalf("SSR on while door open")
	}
	if st := r.sup.Latest(); st.State != kilncontrol.StateHeating {
		t.Fatalf("state = %s, want heating through a door pause", st.State)
	}

	// Door closes: output resumes.
	r.door.open = false
	now = now.Add(100 * time.Millisecond)
	r.sup.Tick(now)
	if !r.ssr.last {
		t.Fatalf("SSR did not resume after door closed")
	}
}

func TestSupervisor_ScheduleLifecycle(t *testing.T) {
	r := newTestRig(t, Settings{Gains: defaultGains()})
	t0 := time.Now()
	r.sup.Tick(t0)

	sched := kilncontrol.Schedule{Name: "bisque", Steps: rampSteps(100, 60)}
	if err := r.submit(t, t0, LoadSchedule(sched, 0)); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := r.submit(t, t0, Start()); err != nil {
		t.Fatalf("start: %v", err)
	}

	r.sup.Tick(t0.Add(30 * time.Minute))
	st := r.sup.Latest()
	if st.State != kilncontrol.StateHeating {
		t.Fatalf("state = %s, want heating", st.State)
	}
	if st.SPC < 49 || st.SPC > 51 {
		t.Fatalf("SP at 30 min = %.1f, want ~50", st.SPC)
	}

	// Loading another schedule mid-run is rejected.
	if err := r.submit(t, t0.Add(31*time.Minute), LoadSchedule(sched, 0)); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	// Past the 80-minute ramp the run completes and parks at the idle
	// setpoint.
	r.sup.Tick(t0.Add(81 * time.Minute))
	st = r.sup.Latest()
	if st.State != kilncontrol.StateIdle {
		t.Fatalf("state = %s, want idle after completion", st.State)
	}
	if st.SPC != kilncontrol.IdleSetpointC {
		t.Fatalf("SP = %.1f, want %.1f", st.SPC, kilncontrol.IdleSetpointC)
	}
	for _, want := range []string{kilncontrol.EventStart, kilncontrol.EventComplete} {
		found := false
		for _, typ := range r.events.types() {
			if typ == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("missing %s event; got %v", want, r.events.types())
		}
	}
}

func TestSupervisor_StopForcesSSROffWithinOneTick(t *testing.T) {
	r := newTestRig(t, Settings{Gains: defaultGains()})
	now := time.Now()
	r.sup.Tick(now)
	r.tc.v = 50

	if err := r.submit(t, now, ManualSetpoint(800)); err != nil {
		t.Fatalf("manual setpoint: %v", err)
	}
	now = now.Add(100 * time.Millisecond)
	r.sup.Tick(now)
	if !r.ssr.last {
		t.Fatalf("expected output before stop")
	}

	if err := r.submit(t, now.Add(100*time.Millisecond), Stop()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if r.ssr.last {
		t.Fatalf("SSR on after stop")
	}
	if st := r.sup.Latest(); st.State != kilncontrol.StateIdle {
		t.Fatalf("state = %s, want idle", st.State)
	}
}

func TestSupervisor_DelayedStart(t *testing.T) {
	r := newTestRig(t, Settings{Gains: defaultGains()})
	t0 := time.Now()
	r.sup.Tick(t0)

	sched := kilncontrol.Schedule{Name: "overnight", Steps: rampSteps(100, 60)}
	if err := r.submit(t, t0, LoadSchedule(sched, 10*time.Minute)); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := r.submit(t, t0, Start()); err != nil {
		t.Fatalf("start: %v", err)
	}

	r.sup.Tick(t0.Add(5 * time.Minute))
	if st := r.sup.Latest(); st.State != kilncontrol.StateDelayed {
		t.Fatalf("state = %s, want delayed before the deadline", st.State)
	}
	if r.ssr.last {
		t.Fatalf("SSR on during start delay")
	}

	r.sup.Tick(t0.Add(10*time.Minute + time.Second))
	if st := r.sup.Latest(); st.State != kilncontrol.StateHeating {
		t.Fatalf("state = %s, want heating after the deadline", st.State)
	}
}

func TestSupervisor_RejectsInvalidCommands(t *testing.T) {
	r := newTestRig(t, Settings{})
	now := time.Now()
	r.sup.Tick(now)

	tooMany := make([]kilncontrol.Step, kilncontrol.MaxScheduleLen+1)
	for i := range tooMany {
		tooMany[i] = kilncontrol.Step{Type: kilncontrol.StepHold, TargetC: 100, DurationMin: 1}
	}
	err := r.submit(t, now, LoadSchedule(kilncontrol.Schedule{Steps: tooMany}, 0))
	if !errors.Is(err, ErrBadSchedule) {
		t.Fatalf("oversized schedule: got %v, want ErrBadSchedule", err)
	}

	if err := r.submit(t, now, Start()); !errors.Is(err, ErrBadParam) {
		t.Fatalf("start without schedule: got %v, want ErrBadParam", err)
	}

	if err := r.submit(t, now, SetGains(kilncontrol.Gains{Kp: -1})); !errors.Is(err, ErrBadParam) {
		t.Fatalf("negative gain: got %v, want ErrBadParam", err)
	}

	if err := r.submit(t, now, ManualSetpoint(1400)); !errors.Is(err, ErrBadParam) {
		t.Fatalf("setpoint above MAX_TEMP: got %v, want ErrBadParam", err)
	}

	if err := r.submit(t, now, ResetError()); !errors.Is(err, ErrBadParam) {
		t.Fatalf("reset without latched error: got %v, want ErrBadParam", err)
	}
}

func TestSupervisor_StartRejectsWrongDirectionSteps(t *testing.T) {
	r := newTestRig(t, Settings{Gains: defaultGains()})
	now := time.Now()
	r.tc.v = 150
	r.sup.Tick(now)

	// Ramp target below the current 150 °C: the step would "complete" on
	// its first tick without heating. Start must reject it.
	sched := kilncontrol.Schedule{Name: "backwards ramp", Steps: rampSteps(100, 60)}
	if err := r.submit(t, now, LoadSchedule(sched, 0)); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := r.submit(t, now, Start()); !errors.Is(err, ErrBadSchedule) {
		t.Fatalf("downhill ramp start: got %v, want ErrBadSchedule", err)
	}
	if st := r.sup.Latest(); st.State != kilncontrol.StateIdle {
		t.Fatalf("state = %s, want idle after rejected start", st.State)
	}

	// The relative invariants chain through the profile: a cool step whose
	// target sits above the previous step's target is just as invalid.
	sched = kilncontrol.Schedule{
		Name: "uphill cool",
		Steps: []kilncontrol.Step{
			{Type: kilncontrol.StepRamp, TargetC: 400, RateCPerHr: 120},
			{Type: kilncontrol.StepCool, TargetC: 500, RateCPerHr: 60},
		},
	}
	if err := r.submit(t, now, LoadSchedule(sched, 0)); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := r.submit(t, now, Start()); !errors.Is(err, ErrBadSchedule) {
		t.Fatalf("uphill cool start: got %v, want ErrBadSchedule", err)
	}
}

func TestSupervisor_DelayedStartAbortsAfterDrift(t *testing.T) {
	r := newTestRig(t, Settings{Gains: defaultGains()})
	t0 := time.Now()
	r.tc.v = 90
	r.sup.Tick(t0)

	// Legal at Start time: 90 °C toward 100 °C.
	sched := kilncontrol.Schedule{Name: "drifted", Steps: rampSteps(100, 60)}
	if err := r.submit(t, t0, LoadSchedule(sched, 10*time.Minute)); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := r.submit(t, t0, Start()); err != nil {
		t.Fatalf("start: %v", err)
	}

	// During the delay the kiln drifts past the ramp target; the promotion
	// re-check must abort instead of instantly completing the step.
	r.tc.v = 120
	r.sup.Tick(t0.Add(10*time.Minute + time.Second))

	if st := r.sup.Latest(); st.State != kilncontrol.StateIdle {
		t.Fatalf("state = %s, want idle after drift abort", st.State)
	}
	if r.ssr.last {
		t.Fatalf("SSR on after drift abort")
	}
	stopped := false
	for _, e := range r.events.events {
		if e.Type == kilncontrol.EventStop && strings.Contains(e.Description, "delayed start rejected") {
			stopped = true
		}
	}
	if !stopped {
		t.Fatalf("missing drift-abort stop event; got %v", r.events.types())
	}
}

func TestSupervisor_SetGainsAndCalibrationPersist(t *testing.T) {
	r := newTestRig(t, Settings{})
	now := time.Now()
	r.sup.Tick(now)

	g := kilncontrol.Gains{Kp: 3, Ki: 7, Kd: 2}
	if err := r.submit(t, now, SetGains(g)); err != nil {
		t.Fatalf("set gains: %v", err)
	}
	if err := r.submit(t, now, SetCalibration(-1.5)); err != nil {
		t.Fatalf("set calibration: %v", err)
	}

	if len(r.store.gains) != 1 || r.store.gains[0] != g {
		t.Fatalf("persisted gains = %+v, want [%+v]", r.store.gains, g)
	}
	if len(r.store.offsets) != 1 || r.store.offsets[0] != -1.5 {
		t.Fatalf("persisted offsets = %v, want [-1.5]", r.store.offsets)
	}

	st := r.sup.Latest()
	if st.Gains != g || st.TCOffsetC != -1.5 {
		t.Fatalf("snapshot not updated: %+v", st)
	}
}

func TestSupervisor_AutotuneFailureKeepsGainsAndReturnsIdle(t *testing.T) {
	boot := Settings{Gains: kilncontrol.Gains{Kp: 5, Ki: 1, Kd: 0}}
	r := newTestRig(t, boot)
	t0 := time.Now()
	r.sup.Tick(t0)

	params := DefaultAutotuneParams()
	params.MaxDuration = time.Minute
	if err := r.submit(t, t0, StartAutotune(params)); err != nil {
		t.Fatalf("start autotune: %v", err)
	}
	if st := r.sup.Latest(); st.State != kilncontrol.StateAutotune {
		t.Fatalf("state = %s, want autotune", st.State)
	}

	// The PV never oscillates (flat reading), so the run times out.
	for i := 0; i < 70; i++ {
		r.sup.Tick(t0.Add(time.Duration(i+1) * time.Second))
	}

	st := r.sup.Latest()
	if st.State != kilncontrol.StateIdle {
		t.Fatalf("state = %s, want idle after autotune failure", st.State)
	}
	if st.Error != "" {
		t.Fatalf("autotune failure must not latch an error, got %q", st.Error)
	}
	if st.Gains != boot.Gains {
		t.Fatalf("gains changed on failed autotune: %+v", st.Gains)
	}

	failed := false
	for _, typ := range r.events.types() {
		if typ == kilncontrol.EventAutotuneFail {
			failed = true
		}
	}
	if !failed {
		t.Fatalf("missing %s event; got %v", kilncontrol.EventAutotuneFail, r.events.types())
	}
}

func TestSupervisor_AutotuneCancelsRunningSchedule(t *testing.T) {
	r := newTestRig(t, Settings{Gains: defaultGains()})
	t0 := time.Now()
	r.sup.Tick(t0)

	sched := kilncontrol.Schedule{Name: "glaze", Steps: rampSteps(100, 60)}
	if err := r.submit(t, t0, LoadSchedule(sched, 0)); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := r.submit(t, t0, Start()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := r.submit(t, t0.Add(time.Minute), StartAutotune(AutotuneParams{})); err != nil {
		t.Fatalf("autotune during run: %v", err)
	}
	if st := r.sup.Latest(); st.State != kilncontrol.StateAutotune {
		t.Fatalf("state = %s, want autotune", st.State)
	}
}

func TestSupervisor_WatchdogFedEveryTick(t *testing.T) {
	r := newTestRig(t, Settings{})
	now := time.Now()
	for i := 0; i < 5; i++ {
		r.sup.Tick(now.Add(time.Duration(i) * 100 * time.Millisecond))
	}
	if r.wdt.feeds != 5 {
		t.Fatalf("watchdog fed %d times over 5 ticks", r.wdt.feeds)
	}

	// Fed in the error state too: a latched error must not reboot the
	// controller out of its latch.
	r.tc.err = errors.New("thermocouple fault: bus error")
	r.sup.Tick(now.Add(600 * time.Millisecond))
	r.sup.Tick(now.Add(700 * time.Millisecond))
	if r.wdt.feeds != 7 {
		t.Fatalf("watchdog starved in error state: %d feeds", r.wdt.feeds)
	}
}

func TestSupervisor_FlushesCyclesWhenRunEnds(t *testing.T) {
	r := newTestRig(t, Settings{Gains: defaultGains(), RelayCycles: 100})
	now := time.Now()
	r.sup.Tick(now)
	r.tc.v = 50

	if err := r.submit(t, now, ManualSetpoint(500)); err != nil {
		t.Fatalf("manual setpoint: %v", err)
	}
	// A couple of windows of heating: at least one new relay transition.
	for i := 1; i <= 120; i++ {
		r.sup.Tick(now.Add(time.Duration(i) * 100 * time.Millisecond))
	}
	if err := r.submit(t, now.Add(13*time.Second), Stop()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if len(r.store.cycles) == 0 {
		t.Fatalf("cycle counter not flushed on run end")
	}
	last := r.store.cycles[len(r.store.cycles)-1]
	if last <= 100 {
		t.Fatalf("flushed cycles = %d, want above the restored 100", last)
	}
}
