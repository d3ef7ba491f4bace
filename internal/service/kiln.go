package service

import (
	"context"
	"fmt"
	"time"

	"kilncontrol"
	"kilncontrol/internal/control"
	"kilncontrol/internal/repository"
)

// KilnService forwards control operations to the supervisor. Validation that
// does not need controller state happens here so obviously bad requests are
// rejected without a queue round-trip.
type KilnService struct {
	sup       Supervisor
	schedules repository.ScheduleRepo
}

func NewKilnService(sup Supervisor, schedules repository.ScheduleRepo) *KilnService {
	return &KilnService{sup: sup, schedules: schedules}
}

// LoadSchedule stages an inline schedule for the next Start.
func (s *KilnService) LoadSchedule(ctx context.Context, steps []kilncontrol.Step, delay time.Duration) error {
	if err := kilncontrol.ValidateSteps(steps); err != nil {
		return fmt.Errorf("%w: %v", control.ErrBadSchedule, err)
	}
	if delay < 0 {
		return fmt.Errorf("%w: negative start delay", control.ErrBadParam)
	}
	sched := kilncontrol.Schedule{Name: "ad hoc", Steps: steps}
	return s.sup.Submit(ctx, control.LoadSchedule(sched, delay))
}

// LoadScheduleByID stages a stored profile for the next Start.
func (s *KilnService) LoadScheduleByID(ctx context.Context, id string, delay time.Duration) error {
	sched, err := s.schedules.Get(ctx, id)
	if err != nil {
		return err
	}
	if delay < 0 {
		return fmt.Errorf("%w: negative start delay", control.ErrBadParam)
	}
	return s.sup.Submit(ctx, control.LoadSchedule(sched, delay))
}

func (s *KilnService) Start(ctx context.Context) error {
	return s.sup.Submit(ctx, control.Start())
}

func (s *KilnService) Stop(ctx context.Context) error {
	return s.sup.Submit(ctx, control.Stop())
}

func (s *KilnService) StartAutotune(ctx context.Context, p control.AutotuneParams) error {
	return s.sup.Submit(ctx, control.StartAutotune(p))
}

func (s *KilnService) SetGains(ctx context.Context, g kilncontrol.Gains) error {
	if !g.Valid() {
		return fmt.Errorf("%w: gains must be non-negative", control.ErrBadParam)
	}
	return s.sup.Submit(ctx, control.SetGains(g))
}

func (s *KilnService) SetCalibration(ctx context.Context, offsetC float64) error {
	return s.sup.Submit(ctx, control.SetCalibration(offsetC))
}

func (s *KilnService) SetManualSetpoint(ctx context.Context, c float64) error {
	return s.sup.Submit(ctx, control.ManualSetpoint(c))
}

func (s *KilnService) ResetError(ctx context.Context) error {
	return s.sup.Submit(ctx, control.ResetError())
}
