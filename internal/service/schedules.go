package service

import (
	"context"
	"fmt"
	"strings"

	"kilncontrol"
	"kilncontrol/internal/control"
	"kilncontrol/internal/repository"
)

// ScheduleService manages the named firing profiles.
type ScheduleService struct {
	repo repository.ScheduleRepo
}

func NewScheduleService(repo repository.ScheduleRepo) *ScheduleService {
	return &ScheduleService{repo: repo}
}

// Save validates and stores a profile. Profiles are validated at save time
// so every stored schedule is loadable.
func (s *ScheduleService) Save(ctx context.Context, sched kilncontrol.Schedule) (kilncontrol.Schedule, error) {
	sched.Name = strings.TrimSpace(sched.Name)
	if sched.Name == "" {
		return kilncontrol.Schedule{}, fmt.Errorf("%w: schedule name is required", control.ErrBadParam)
	}
	if err := kilncontrol.ValidateSteps(sched.Steps); err != nil {
		return kilncontrol.Schedule{}, fmt.Errorf("%w: %v", control.ErrBadSchedule, err)
	}
	return s.repo.Save(ctx, sched)
}

func (s *ScheduleService) Get(ctx context.Context, id string) (kilncontrol.Schedule, error) {
	return s.repo.Get(ctx, id)
}

func (s *ScheduleService) List(ctx context.Context) ([]kilncontrol.Schedule, error) {
	return s.repo.List(ctx)
}

func (s *ScheduleService) Delete(ctx context.Context, id string) error {
	return s.repo.Delete(ctx, id)
}
