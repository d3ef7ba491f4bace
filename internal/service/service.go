package service

import (
	"context"
	"time"

	"kilncontrol"
	"kilncontrol/internal/control"
	"kilncontrol/internal/repository"
)

type Authorization interface {
	SignUp(username, password string) (int, error)
	GenerateToken(username, password string) (string, error)
	ParseToken(accessToken string) (int, error)
}

// Kiln exposes the control operations. Every call is forwarded to the
// supervisor's command queue and applied on a control tick; rejections
// (control.ErrBusy and friends) come back synchronously.
type Kiln interface {
	LoadSchedule(ctx context.Context, steps []kilncontrol.Step, delay time.Duration) error
	LoadScheduleByID(ctx context.Context, id string, delay time.Duration) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	StartAutotune(ctx context.Context, p control.AutotuneParams) error
	SetGains(ctx context.Context, g kilncontrol.Gains) error
	SetCalibration(ctx context.Context, offsetC float64) error
	SetManualSetpoint(ctx context.Context, c float64) error
	ResetError(ctx context.Context) error
}

// Monitoring exposes the latest status snapshot.
type Monitoring interface {
	GetStatus(ctx context.Context) (kilncontrol.Status, error)
}

// Schedules manages the named firing profiles.
type Schedules interface {
	Save(ctx context.Context, s kilncontrol.Schedule) (kilncontrol.Schedule, error)
	Get(ctx context.Context, id string) (kilncontrol.Schedule, error)
	List(ctx context.Context) ([]kilncontrol.Schedule, error)
	Delete(ctx context.Context, id string) error
}

// EventLog exposes the append-only log with filtering.
type EventLog interface {
	List(ctx context.Context, f LogFilter) ([]kilncontrol.Event, error)
}

// Service aggregates all sub-services.
type Service struct {
	Kiln
	Monitoring
	Schedules
	EventLog
	Authorization
}

// Supervisor is the slice of the control core the services need.
type Supervisor interface {
	Submit(ctx context.Context, cmd control.Command) error
	Latest() kilncontrol.Status
}

// NewService wires the repository layer and the control supervisor into
// concrete services.
func NewService(repos *repository.Repository, sup Supervisor, signingKey string) *Service {
	return &Service{
		Kiln:          NewKilnService(sup, repos.Schedules),
		Monitoring:    NewMonitoringService(sup),
		Schedules:     NewScheduleService(repos.Schedules),
		EventLog:      NewEventLogService(repos.Events),
		Authorization: NewAuthService(repos.Auth, signingKey),
	}
}
