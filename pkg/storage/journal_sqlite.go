package storage

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS control_journal (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	time_unix_ms INTEGER NOT NULL,
	model TEXT NOT NULL,
	slave_id INTEGER NOT NULL,
	type TEXT NOT NULL,
	target TEXT,
	value REAL,
	previous REAL,
	priority INTEGER NOT NULL,
	source TEXT,
	reason TEXT,
	outcome TEXT NOT NULL,
	error TEXT
);
CREATE INDEX IF NOT EXISTS idx_control_journal_device ON control_journal(model, slave_id);
`

var _ Journal = (*SqliteJournal)(nil)

// SqliteJournal stores entries in one sqlite table.
type SqliteJournal struct {
	db *sql.DB
}

// NewSqliteJournal opens path, ":memory:" for an in-memory database.
func NewSqliteJournal(path string) (*SqliteJournal, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrapf(err, "open journal %s", path)
	}
	// 单连接, 避免 :memory: 每个连接一个库
	db.SetMaxOpenConns(1)
	if _, err = db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "configure journal")
	}
	if _, err = db.Exec(journalSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate journal")
	}
	klog.V(2).InfoS("Opened journal", "driver", DriverSqlite, "path", path)
	return &SqliteJournal{db: db}, nil
}

func (j *SqliteJournal) Record(ctx context.Context, entry *Entry) error {
	fill(entry)
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO control_journal (id, time_unix_ms, model, slave_id, type, target, value, previous, priority, source, reason, outcome, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Time.UnixMilli(), entry.Model, entry.SlaveID, entry.Type, entry.Target,
		nullFloat(entry.Value), nullFloat(entry.Previous), entry.Priority, entry.Source, entry.Reason,
		string(entry.Outcome), entry.Error)
	if err != nil {
		klog.V(2).InfoS("Failed to record journal entry", "id", entry.ID, "err", err)
	}
	return err
}

func (j *SqliteJournal) List(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, time_unix_ms, model, slave_id, type, target, value, previous, priority, source, reason, outcome, error
		FROM control_journal ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var (
			entry                  Entry
			millis                 int64
			target, source, reason sql.NullString
			outcome, message       sql.NullString
			value, previous        sql.NullFloat64
		)
		if err = rows.Scan(&entry.ID, &millis, &entry.Model, &entry.SlaveID, &entry.Type, &target,
			&value, &previous, &entry.Priority, &source, &reason, &outcome, &message); err != nil {
			return nil, err
		}
		entry.Time = time.UnixMilli(millis)
		entry.Target = target.String
		entry.Source = source.String
		entry.Reason = reason.String
		entry.Outcome = Outcome(outcome.String)
		entry.Error = message.String
		entry.Value = floatPtr(value)
		entry.Previous = floatPtr(previous)
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

func (j *SqliteJournal) Close() error {
	return j.db.Close()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
