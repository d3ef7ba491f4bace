package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"kilncontrol"
	"kilncontrol/internal/control"
)

// fakeSupervisor records submitted commands and returns a scripted error.
type fakeSupervisor struct {
	submitted []control.Command
	submitErr error
	latest    kilncontrol.Status
}

func (f *fakeSupervisor) Submit(_ context.Context, cmd control.Command) error {
	f.submitted = append(f.submitted, cmd)
	return f.submitErr
}

func (f *fakeSupervisor) Latest() kilncontrol.Status { return f.latest }

type fakeScheduleRepo struct {
	byID    map[string]kilncontrol.Schedule
	saved   []kilncontrol.Schedule
	saveErr error
}

func (f *fakeScheduleRepo) Save(_ context.Context, s kilncontrol.Schedule) (kilncontrol.Schedule, error) {
	if f.saveErr != nil {
		return kilncontrol.Schedule{}, f.saveErr
	}
	if s.ID == "" {
		s.ID = "generated"
	}
	f.saved = append(f.saved, s)
	return s, nil
}

func (f *fakeScheduleRepo) Get(_ context.Context, id string) (kilncontrol.Schedule, error) {
	s, ok := f.byID[id]
	if !ok {
		return kilncontrol.Schedule{}, errors.New("schedule not found")
	}
	return s, nil
}

func (f *fakeScheduleRepo) List(_ context.Context) ([]kilncontrol.Schedule, error) {
	out := make([]kilncontrol.Schedule, 0, len(f.byID))
	for _, s := range f.byID {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeScheduleRepo) Delete(_ context.Context, id string) error {
	if _, ok := f.byID[id]; !ok {
		return errors.New("schedule not found")
	}
	delete(f.byID, id)
	return nil
}

func validSteps() []kilncontrol.Step {
	return []kilncontrol.Step{
		{Type: kilncontrol.StepRamp, TargetC: 600, RateCPerHr: 120},
		{Type: kilncontrol.StepHold, TargetC: 600, DurationMin: 15},
	}
}

func TestKilnService_LoadSchedule_RejectsInvalidWithoutSubmitting(t *testing.T) {
	sup := &fakeSupervisor{}
	svc := NewKilnService(sup, &fakeScheduleRepo{})

	err := svc.LoadSchedule(context.Background(), nil, 0)
	if !errors.Is(err, control.ErrBadSchedule) {
		t.Fatalf("empty steps: got %v, want ErrBadSchedule", err)
	}
	bad := []kilncontrol.Step{{Type: kilncontrol.StepRamp, TargetC: 600, RateCPerHr: 0}}
	if err := svc.LoadSchedule(context.Background(), bad, 0); !errors.Is(err, control.ErrBadSchedule) {
		t.Fatalf("zero rate: got %v, want ErrBadSchedule", err)
	}
	if err := svc.LoadSchedule(context.Background(), validSteps(), -time.Second); !errors.Is(err, control.ErrBadParam) {
		t.Fatalf("negative delay: got %v, want ErrBadParam", err)
	}
	if len(sup.submitted) != 0 {
		t.Fatalf("invalid schedules reached the control loop: %d commands", len(sup.submitted))
	}
}

func TestKilnService_LoadSchedule_SubmitsValid(t *testing.T) {
	sup := &fakeSupervisor{}
	svc := NewKilnService(sup, &fakeScheduleRepo{})

	if err := svc.LoadSchedule(context.Background(), validSteps(), 30*time.Second); err != nil {
		t.Fatalf("LoadSchedule: %v", err)
	}
	if len(sup.submitted) != 1 {
		t.Fatalf("expected one submitted command, got %d", len(sup.submitted))
	}
}

func TestKilnService_LoadScheduleByID(t *testing.T) {
	repo := &fakeScheduleRepo{byID: map[string]kilncontrol.Schedule{
		"sched-1": {ID: "sched-1", Name: "bisque", Steps: validSteps()},
	}}
	sup := &fakeSupervisor{}
	svc := NewKilnService(sup, repo)

	if err := svc.LoadScheduleByID(context.Background(), "sched-1", 0); err != nil {
		t.Fatalf("LoadScheduleByID: %v", err)
	}
	if len(sup.submitted) != 1 {
		t.Fatalf("expected one submitted command, got %d", len(sup.submitted))
	}

	if err := svc.LoadScheduleByID(context.Background(), "missing", 0); err == nil {
		t.Fatalf("expected error for missing profile")
	}
}

func TestKilnService_SetGains_Validates(t *testing.T) {
	sup := &fakeSupervisor{}
	svc := NewKilnService(sup, &fakeScheduleRepo{})

	if err := svc.SetGains(context.Background(), kilncontrol.Gains{Kp: -1}); !errors.Is(err, control.ErrBadParam) {
		t.Fatalf("negative gain: got %v, want ErrBadParam", err)
	}
	if len(sup.submitted) != 0 {
		t.Fatalf("invalid gains reached the control loop")
	}
	if err := svc.SetGains(context.Background(), kilncontrol.Gains{Kp: 3, Ki: 7, Kd: 2}); err != nil {
		t.Fatalf("SetGains: %v", err)
	}
}

func TestKilnService_PropagatesRejections(t *testing.T) {
	sup := &fakeSupervisor{submitErr: control.ErrBusy}
	svc := NewKilnService(sup, &fakeScheduleRepo{})

	if err := svc.Start(context.Background()); !errors.Is(err, control.ErrBusy) {
		t.Fatalf("got %v, want ErrBusy", err)
	}
}

func TestMonitoringService_ServesLatestSnapshot(t *testing.T) {
	sup := &fakeSupervisor{latest: kilncontrol.Status{
		PVC:   843.5,
		SPC:   850,
		State: kilncontrol.StateHeating,
	}}
	svc := NewMonitoringService(sup)

	st, err := svc.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.PVC != 843.5 || st.State != kilncontrol.StateHeating {
		t.Fatalf("unexpected snapshot: %+v", st)
	}
}

func TestScheduleService_SaveValidates(t *testing.T) {
	repo := &fakeScheduleRepo{}
	svc := NewScheduleService(repo)

	_, err := svc.Save(context.Background(), kilncontrol.Schedule{Name: "  ", Steps: validSteps()})
	if !errors.Is(err, control.ErrBadParam) {
		t.Fatalf("blank name: got %v, want ErrBadParam", err)
	}

	_, err = svc.Save(context.Background(), kilncontrol.Schedule{Name: "bad", Steps: []kilncontrol.Step{{Type: "warp", TargetC: 1}}})
	if !errors.Is(err, control.ErrBadSchedule) {
		t.Fatalf("unknown step type: got %v, want ErrBadSchedule", err)
	}

	saved, err := svc.Save(context.Background(), kilncontrol.Schedule{Name: "bisque", Steps: validSteps()})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if saved.ID == "" {
		t.Fatalf("expected assigned id")
	}
	if len(repo.saved) != 1 {
		t.Fatalf("expected one stored profile")
	}
}

func TestEventLogService_RejectsInvertedRange(t *testing.T) {
	svc := NewEventLogService(&stubEventRepo{})
	_, err := svc.List(context.Background(), LogFilter{
		From: time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	})
	if err == nil {
		t.Fatalf("expected inverted range rejection")
	}
}

type stubEventRepo struct{ got []string }

func (s *stubEventRepo) Append(_ context.Context, _ kilncontrol.Event) error { return nil }
func (s *stubEventRepo) List(_ context.Context, _, _ time.Time, typ string) ([]kilncontrol.Event, error) {
	s.got = append(s.got, typ)
	return nil, nil
}

func TestEventLogService_NormalizesType(t *testing.T) {
	repo := &stubEventRepo{}
	svc := NewEventLogService(repo)
	if _, err := svc.List(context.Background(), LogFilter{Type: " error "}); err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(repo.got) != 1 || repo.got[0] != "ERROR" {
		t.Fatalf("type not normalized: %v", repo.got)
	}
}
