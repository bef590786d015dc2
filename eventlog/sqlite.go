package eventlog

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// SQLiteLog stores entries in table "events" of a SQLite database
type SQLiteLog struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and migrates the schema
func OpenSQLite(path string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "Can't open database %s", path)
	}
	// SQLite allows a single writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "Can't enable WAL mode")
	}
	l := &SQLiteLog{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLog) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			camera_id TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_camera_time ON events(camera_id, timestamp DESC)`,
	}
	for _, migration := range migrations {
		if _, err := l.db.Exec(migration); err != nil {
			return errors.Wrap(err, "Migration failed")
		}
	}
	return nil
}

// Append implements Log
func (l *SQLiteLog) Append(entry Entry) error {
	_, err := l.db.Exec(
		`INSERT INTO events (timestamp, event_type, camera_id, message) VALUES (?, ?, ?, ?)`,
		entry.Time.UnixNano(), string(entry.Category), entry.Camera, entry.Message,
	)
	if err != nil {
		return errors.Wrap(err, "Can't insert event")
	}
	return nil
}

// Recent returns up to limit newest entries of camera (all cameras when empty), newest first
func (l *SQLiteLog) Recent(camera string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT timestamp, event_type, camera_id, message FROM events`
	args := []any{}
	if camera != "" {
		query += ` WHERE camera_id = ?`
		args = append(args, camera)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "Can't query events")
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			ts       int64
			category string
			entry    Entry
		)
		if err := rows.Scan(&ts, &category, &entry.Camera, &entry.Message); err != nil {
			return nil, errors.Wrap(err, "Can't scan event")
		}
		entry.Time = time.Unix(0, ts)
		entry.Category = Category(category)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "Can't read events")
	}
	return entries, nil
}

// Close closes the database
func (l *SQLiteLog) Close() error {
	return l.db.Close()
}
