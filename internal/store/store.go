package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"remindbot/pkg/logx"
)

// wallClockLayout is the naive (offset-free) format start_time is stored in.
const wallClockLayout = "2006-01-02T15:04:05"

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default

	// DefaultTimezone backfills the timezone column for rows that predate it.
	DefaultTimezone string
}

// Row is one persisted reminder definition. Exactly one of StartTime+zero
// Recurrence (one-shot), Recurrence (interval), or CronExpr (cron) selects
// the trigger variant, mirroring the in-memory sum type.
type Row struct {
	Text       string
	StartTime  time.Time // zero when absent (cron rows)
	Timezone   string
	Recurrence time.Duration // zero when absent
	CronExpr   string        // empty when absent
	RoomID     string
	TargetUser string // empty means whole-room
	HasAlarm   bool
}

type Store struct {
	db  *sql.DB
	log logx.Logger
	cfg Config
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &Store{db: db, log: log, cfg: cfg}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InsertReminder stores a new reminder definition. The unique index on
// (room_id, text) mirrors the in-memory duplicate check at the durability
// layer; a violation here means the caller's check was raced.
func (s *Store) InsertReminder(ctx context.Context, r Row) error {
	var start any
	if !r.StartTime.IsZero() {
		start = r.StartTime.Format(wallClockLayout)
	}
	var rec any
	if r.Recurrence > 0 {
		rec = int64(r.Recurrence / time.Second)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminder(text, start_time, timezone, recurrence_seconds, cron_expression, room_id, target_user, has_alarm)
		 VALUES(?,?,?,?,?,?,?,?)`,
		r.Text, start, r.Timezone, rec, nullStr(r.CronExpr), r.RoomID, nullStr(r.TargetUser), r.HasAlarm,
	)
	return err
}

// DeleteReminder removes a reminder row by its room and (case-insensitive)
// text. Deleting an absent row is not an error.
func (s *Store) DeleteReminder(ctx context.Context, roomID, text string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM reminder WHERE room_id = ? AND UPPER(text) = ?`,
		roomID, strings.ToUpper(text),
	)
	return err
}

// ListReminders returns every stored reminder definition.
func (s *Store) ListReminders(ctx context.Context) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT text, start_time, timezone, recurrence_seconds, cron_expression, room_id, target_user, has_alarm
		 FROM reminder`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			r     Row
			start sql.NullString
			tz    sql.NullString
			rec   sql.NullInt64
			cron  sql.NullString
			user  sql.NullString
		)
		if err := rows.Scan(&r.Text, &start, &tz, &rec, &cron, &r.RoomID, &user, &r.HasAlarm); err != nil {
			return nil, err
		}
		r.Timezone = tz.String
		r.CronExpr = cron.String
		r.TargetUser = user.String
		if rec.Valid {
			r.Recurrence = time.Duration(rec.Int64) * time.Second
		}
		if start.Valid && start.String != "" {
			loc := time.UTC
			if r.Timezone != "" {
				if l, err := time.LoadLocation(r.Timezone); err == nil {
					loc = l
				}
			}
			t, err := parseWallClock(start.String, loc)
			if err != nil {
				return nil, fmt.Errorf("row %q/%q: bad start_time %q: %w", r.RoomID, r.Text, start.String, err)
			}
			r.StartTime = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// parseWallClock reads a stored start_time. Naive wall-clock text is the
// canonical form; offset-bearing values are tolerated and reinterpreted in
// loc, keeping their wall-clock reading.
func parseWallClock(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.ParseInLocation(wallClockLayout, s, loc); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return time.ParseInLocation(wallClockLayout, t.Format(wallClockLayout), loc)
	}
	return time.Time{}, errors.New("unrecognized timestamp format")
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
