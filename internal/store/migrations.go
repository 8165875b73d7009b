package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"remindbot/pkg/logx"
)

// migration is one schema step. Up runs inside a transaction together with
// the version bump, so a migration is applied exactly once or not at all.
type migration struct {
	Version int
	Name    string
	Up      func(tx *sql.Tx) error
}

func (s *Store) migrations() []migration {
	return []migration{
		{Version: 1, Name: "initial_reminder_table", Up: migrateV1},
		{Version: 2, Name: "add_cron_expression_and_nullable_start_time", Up: migrateV2},
		{Version: 3, Name: "add_timezone_column", Up: s.migrateV3},
		{Version: 4, Name: "normalize_offset_bearing_timestamps", Up: migrateV4},
	}
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS migration_version (version INTEGER PRIMARY KEY)`); err != nil {
		return err
	}

	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM migration_version`).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		if _, err := s.db.ExecContext(ctx, `INSERT INTO migration_version(version) VALUES (0)`); err != nil {
			return err
		}
	case err != nil:
		return err
	}

	for _, m := range s.migrations() {
		if m.Version <= version {
			continue
		}
		s.log.Info("migrating database",
			logx.Int("from", version), logx.Int("to", m.Version), logx.String("name", m.Name))

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := m.Up(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration v%d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := tx.Exec(`UPDATE migration_version SET version = ?`, m.Version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration v%d version bump: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		version = m.Version
	}
	return nil
}

func migrateV1(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE reminder (
			text TEXT,
			start_time TEXT NOT NULL,
			recurrence_seconds INTEGER,
			room_id TEXT NOT NULL,
			target_user TEXT,
			has_alarm BOOL NOT NULL
		)`,
		`CREATE UNIQUE INDEX reminder_room_id_text ON reminder(room_id, text)`,
	}
	for _, q := range stmts {
		if _, err := tx.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// migrateV2 introduces cron_expression and makes start_time nullable.
// SQLite cannot alter column constraints, so the table is rebuilt.
func migrateV2(tx *sql.Tx) error {
	stmts := []string{
		`ALTER TABLE reminder RENAME TO reminder_temp`,
		`CREATE TABLE reminder (
			text TEXT,
			start_time TEXT,
			recurrence_seconds INTEGER,
			cron_expression TEXT,
			room_id TEXT NOT NULL,
			target_user TEXT,
			has_alarm BOOL NOT NULL
		)`,
		`INSERT INTO reminder (text, start_time, recurrence_seconds, room_id, target_user, has_alarm)
		 SELECT text, start_time, recurrence_seconds, room_id, target_user, has_alarm FROM reminder_temp`,
		`DROP INDEX IF EXISTS reminder_room_id_text`,
		`CREATE UNIQUE INDEX reminder_room_id_text ON reminder(room_id, text)`,
		`DROP TABLE reminder_temp`,
	}
	for _, q := range stmts {
		if _, err := tx.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// migrateV3 adds the timezone column, backfilling existing rows with the
// configured default timezone.
func (s *Store) migrateV3(tx *sql.Tx) error {
	if _, err := tx.Exec(`ALTER TABLE reminder ADD COLUMN timezone TEXT`); err != nil {
		return err
	}
	tz := s.cfg.DefaultTimezone
	if tz == "" {
		tz = "Etc/UTC"
	}
	_, err := tx.Exec(`UPDATE reminder SET timezone = ? WHERE timezone IS NULL`, tz)
	return err
}

// migrateV4 strips embedded UTC offsets from stored start_time values.
// Timezone is tracked in its own column; a timestamp that also carries an
// offset is a double representation and the two can disagree.
func migrateV4(tx *sql.Tx) error {
	rows, err := tx.Query(`SELECT rowid, start_time FROM reminder WHERE start_time IS NOT NULL`)
	if err != nil {
		return err
	}
	type fix struct {
		rowid int64
		value string
	}
	var fixes []fix
	for rows.Next() {
		var (
			rowid int64
			raw   string
		)
		if err := rows.Scan(&rowid, &raw); err != nil {
			_ = rows.Close()
			return err
		}
		// Already naive: nothing to do.
		if _, err := time.Parse(wallClockLayout, raw); err == nil {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			// Unknown format; leave the row alone rather than corrupting it.
			continue
		}
		// Formatting in the parsed offset keeps the wall-clock reading.
		fixes = append(fixes, fix{rowid: rowid, value: t.Format(wallClockLayout)})
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, f := range fixes {
		if _, err := tx.Exec(`UPDATE reminder SET start_time = ? WHERE rowid = ?`, f.value, f.rowid); err != nil {
			return err
		}
	}
	return nil
}
