package repository

import (
	"context"
	"database/sql"
	"time"

	"kilncontrol"
)

type Authorization interface {
	Create(username, hash string) (int, error)
	GetByUsername(username string) (*kilncontrol.User, error)
}

// SettingsRepo is the key-value store for the controller's persisted
// tunables: gains, thermocouple offset, relay cycle counter.
type SettingsRepo interface {
	LoadSettings(ctx context.Context) (Settings, error)
	SaveGains(ctx context.Context, g kilncontrol.Gains) error
	SaveTCOffset(ctx context.Context, offsetC float64) error
	SaveRelayCycles(ctx context.Context, cycles uint32) error
}

// ScheduleRepo stores named firing profiles.
type ScheduleRepo interface {
	Save(ctx context.Context, s kilncontrol.Schedule) (kilncontrol.Schedule, error)
	Get(ctx context.Context, id string) (kilncontrol.Schedule, error)
	List(ctx context.Context) ([]kilncontrol.Schedule, error)
	Delete(ctx context.Context, id string) error
}

type EventRepo interface {
	Append(ctx context.Context, e kilncontrol.Event) error
	List(ctx context.Context, from, to time.Time, typ string) ([]kilncontrol.Event, error)
}

// Settings mirrors the persisted keys restored at boot.
type Settings struct {
	Gains       kilncontrol.Gains
	TCOffsetC   float64
	RelayCycles uint32
}

type Repository struct {
	Settings  SettingsRepo
	Schedules ScheduleRepo
	Events    EventRepo
	Auth      Authorization
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{
		Settings:  NewSettingsSQLite(db),
		Schedules: NewScheduleSQLite(db),
		Events:    NewEventSQLite(db),
		Auth:      NewUserRepository(db),
	}
}
