package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"kilncontrol"

	"github.com/google/uuid"
)

// ErrScheduleNotFound is returned when a profile id does not exist.
var ErrScheduleNotFound = errors.New("schedule not found")

// ScheduleSQLite stores named firing profiles; steps are serialized as JSON.
type ScheduleSQLite struct {
	db *sql.DB
}

func NewScheduleSQLite(db *sql.DB) *ScheduleSQLite { return &ScheduleSQLite{db: db} }

var _ ScheduleRepo = (*ScheduleSQLite)(nil)

const (
	upsertScheduleSQL = `
		INSERT INTO schedules (id, name, steps, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, steps=excluded.steps
	`
	selectScheduleSQL  = `SELECT id, name, steps, created_at FROM schedules WHERE id = ?`
	selectSchedulesSQL = `SELECT id, name, steps, created_at FROM schedules ORDER BY created_at ASC`
	deleteScheduleSQL  = `DELETE FROM schedules WHERE id = ?`
)

// Save inserts or updates a profile. A missing ID is generated; the stored
// record is returned.
func (r *ScheduleSQLite) Save(ctx context.Context, s kilncontrol.Schedule) (kilncontrol.Schedule, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	steps, err := json.Marshal(s.Steps)
	if err != nil {
		return kilncontrol.Schedule{}, fmt.Errorf("marshal steps: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, upsertScheduleSQL,
		s.ID, s.Name, string(steps), s.CreatedAt.Format(sqliteTimestamp)); err != nil {
		return kilncontrol.Schedule{}, fmt.Errorf("save schedule %q: %w", s.Name, err)
	}
	return s, nil
}

func (r *ScheduleSQLite) Get(ctx context.Context, id string) (kilncontrol.Schedule, error) {
	row := r.db.QueryRowContext(ctx, selectScheduleSQL, id)
	s, err := scanSchedule(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return kilncontrol.Schedule{}, ErrScheduleNotFound
		}
		return kilncontrol.Schedule{}, err
	}
	return s, nil
}

func (r *ScheduleSQLite) List(ctx context.Context) ([]kilncontrol.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, selectSchedulesSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]kilncontrol.Schedule, 0, 16)
	for rows.Next() {
		s, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *ScheduleSQLite) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, deleteScheduleSQL, id)
	if err != nil {
		return fmt.Errorf("delete schedule %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func scanSchedule(scan func(dest ...any) error) (kilncontrol.Schedule, error) {
	var s kilncontrol.Schedule
	var stepsJSON string
	if err := scan(&s.ID, &s.Name, &stepsJSON, &s.CreatedAt); err != nil {
		return kilncontrol.Schedule{}, err
	}
	if err := json.Unmarshal([]byte(stepsJSON), &s.Steps); err != nil {
		return kilncontrol.Schedule{}, fmt.Errorf("decode steps for %s: %w", s.ID, err)
	}
	s.CreatedAt = s.CreatedAt.UTC()
	return s, nil
}
