package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailsync/internal/model"
)

// SQLiteJournal implements Journal using a local SQLite database.
type SQLiteJournal struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewSQLiteJournal opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	j := &SQLiteJournal{db: db, now: time.Now}
	if err := j.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return j, nil
}

// Close closes the underlying database connection.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (j *SQLiteJournal) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := j.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = j.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := j.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// eventRow is the on-disk form of a SyncEvent; timestamps are stored as
// unix nanoseconds so range comparisons stay numeric.
type eventRow struct {
	ID        string `db:"id"`
	FolderKey string `db:"folder_key"`
	Kind      string `db:"kind"`
	Message   string `db:"message"`
	CreatedAt int64  `db:"created_at"`
}

func (r eventRow) toModel() model.SyncEvent {
	return model.SyncEvent{
		ID:        r.ID,
		FolderKey: r.FolderKey,
		Kind:      r.Kind,
		Message:   r.Message,
		CreatedAt: time.Unix(0, r.CreatedAt).UTC(),
	}
}

// RecordEvent inserts an event. Generates a UUID and timestamp if unset.
func (j *SQLiteJournal) RecordEvent(ctx context.Context, ev model.SyncEvent) error {
	if strings.TrimSpace(ev.Kind) == "" {
		return fmt.Errorf("event kind must not be empty")
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = j.now()
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO sync_events (id, folder_key, kind, message, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.FolderKey, ev.Kind, ev.Message, ev.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("recording %s event: %w", ev.Kind, err)
	}
	return nil
}

// GetEvents returns events matching filter, newest first.
func (j *SQLiteJournal) GetEvents(
	ctx context.Context,
	filter EventFilter,
) ([]model.SyncEvent, error) {
	var conditions []string
	var args []interface{}

	if filter.FolderKey != nil {
		conditions = append(conditions, "folder_key = ?")
		args = append(args, *filter.FolderKey)
	}
	if filter.Kind != nil {
		conditions = append(conditions, "kind = ?")
		args = append(args, *filter.Kind)
	}

	query := "SELECT id, folder_key, kind, message, created_at FROM sync_events"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	var rows []eventRow
	if err := j.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}

	events := make([]model.SyncEvent, len(rows))
	for i, r := range rows {
		events[i] = r.toModel()
	}
	return events, nil
}

// RecentEvents returns up to limit events, newest first.
func (j *SQLiteJournal) RecentEvents(ctx context.Context, limit int) ([]model.SyncEvent, error) {
	return j.GetEvents(ctx, EventFilter{Limit: limit})
}

// PruneBefore deletes events older than t and returns how many were removed.
func (j *SQLiteJournal) PruneBefore(ctx context.Context, t time.Time) (int64, error) {
	result, err := j.db.ExecContext(ctx,
		"DELETE FROM sync_events WHERE created_at < ?", t.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("pruning events: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking pruned rows: %w", err)
	}
	return n, nil
}

var _ Journal = (*SQLiteJournal)(nil)
