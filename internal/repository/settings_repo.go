package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"kilncontrol"
)

// SettingsSQLite persists the controller tunables in a key-value table.
// Values are stored as text; the known keys are typed on the way out.
type SettingsSQLite struct {
	db *sql.DB
}

func NewSettingsSQLite(db *sql.DB) *SettingsSQLite {
	return &SettingsSQLite{db: db}
}

var _ SettingsRepo = (*SettingsSQLite)(nil)

const (
	keyKp          = "Kp"
	keyKi          = "Ki"
	keyKd          = "Kd"
	keyTCOffset    = "tcOffset"
	keyRelayCycles = "relayCycles"

	upsertSettingSQL = `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value
	`
	selectSettingsSQL = `SELECT key, value FROM settings`
)

func (r *SettingsSQLite) set(ctx context.Context, key, value string) error {
	if _, err := r.db.ExecContext(ctx, upsertSettingSQL, key, value); err != nil {
		return fmt.Errorf("save setting %s: %w", key, err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// LoadSettings reads every known key, leaving zero values for missing ones
// (first boot).
func (r *SettingsSQLite) LoadSettings(ctx context.Context) (Settings, error) {
	rows, err := r.db.QueryContext(ctx, selectSettingsSQL)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Settings{}, nil
		}
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
	defer rows.Close()

	var s Settings
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return Settings{}, fmt.Errorf("scan setting: %w", err)
		}
		switch key {
		case keyKp:
			s.Gains.Kp, _ = strconv.ParseFloat(value, 64)
		case keyKi:
			s.Gains.Ki, _ = strconv.ParseFloat(value, 64)
		case keyKd:
			s.Gains.Kd, _ = strconv.ParseFloat(value, 64)
		case keyTCOffset:
			s.TCOffsetC, _ = strconv.ParseFloat(value, 64)
		case keyRelayCycles:
			n, _ := strconv.ParseUint(value, 10, 32)
			s.RelayCycles = uint32(n)
		}
	}
	if err := rows.Err(); err != nil {
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
	return s, nil
}

// SaveGains writes all three gains. Not transactional per key: a torn write
// between keys leaves a mixed tuning, which the next save repairs; the
// control loop only ever reads these at boot.
func (r *SettingsSQLite) SaveGains(ctx context.Context, g kilncontrol.Gains) error {
	if err := r.set(ctx, keyKp, formatFloat(g.Kp)); err != nil {
		return err
	}
	if err := r.set(ctx, keyKi, formatFloat(g.Ki)); err != nil {
		return err
	}
	return r.set(ctx, keyKd, formatFloat(g.Kd))
}

func (r *SettingsSQLite) SaveTCOffset(ctx context.Context, offsetC float64) error {
	return r.set(ctx, keyTCOffset, formatFloat(offsetC))
}

func (r *SettingsSQLite) SaveRelayCycles(ctx context.Context, cycles uint32) error {
	return r.set(ctx, keyRelayCycles, strconv.FormatUint(uint64(cycles), 10))
}
