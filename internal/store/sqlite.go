package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/Webinfinity/embedly/internal/provider"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at dbPath and migrates it.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Open database with WAL mode and recommended pragmas
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Force a connection to ensure the file is created
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	// Best effort; Windows and :memory: have nothing to chmod.
	_ = setSecureFilePermissions(dbPath)

	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: slog.Default()}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return store, nil
}

// SetLogger sets the logger used for maintenance messages.
func (s *SQLiteStore) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// setSecureFilePermissions sets 0600 on the database and its WAL files.
func setSecureFilePermissions(path string) error {
	if runtime.GOOS == "windows" || path == ":memory:" {
		return nil
	}
	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", path, err)
	}
	os.Chmod(path+"-wal", 0600) // may not exist yet
	os.Chmod(path+"-shm", 0600)
	return nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version WHERE id = 1").Scan(&version)
	if err != nil {
		// Table doesn't exist, create it
		if _, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				version INTEGER NOT NULL,
				applied_at TEXT NOT NULL DEFAULT (datetime('now'))
			);
			INSERT OR IGNORE INTO schema_version (id, version) VALUES (1, 0);
		`); err != nil {
			return fmt.Errorf("creating schema_version: %w", err)
		}
		version = 0
	}

	migrations := []string{
		migrationV1, // snapshots and load history
	}

	for i := version; i < len(migrations); i++ {
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("running migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec("UPDATE schema_version SET version = ?, applied_at = datetime('now') WHERE id = 1", i+1); err != nil {
			return fmt.Errorf("updating version to %d: %w", i+1, err)
		}
	}
	return nil
}

const migrationV1 = `
CREATE TABLE IF NOT EXISTS snapshots (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	fetched_at TEXT NOT NULL,
	provider_count INTEGER NOT NULL,
	providers_json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS loads (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL,
	outcome TEXT NOT NULL CHECK (outcome IN ('loaded', 'failed')),
	refresh INTEGER NOT NULL DEFAULT 0,
	providers INTEGER NOT NULL DEFAULT 0,
	kind TEXT,
	error TEXT,
	timestamp TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_fetched ON snapshots(fetched_at DESC);
CREATE INDEX IF NOT EXISTS idx_loads_timestamp ON loads(timestamp DESC);
`

// SaveSnapshot stores a fetched manifest.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, id string, providers []provider.Provider, fetchedAt time.Time) error {
	data, err := json.Marshal(providers)
	if err != nil {
		return fmt.Errorf("encoding providers: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, fetched_at, provider_count, providers_json) VALUES (?, ?, ?, ?)
	`, id, formatTime(fetchedAt), len(providers), string(data))
	if err != nil {
		return fmt.Errorf("saving snapshot %s: %w", id, err)
	}
	return nil
}

// LatestSnapshot returns the most recently fetched manifest, or ErrNotFound.
func (s *SQLiteStore) LatestSnapshot(ctx context.Context) (string, []provider.Provider, time.Time, error) {
	var id, fetchedAt, data string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, fetched_at, providers_json FROM snapshots
		ORDER BY fetched_at DESC, seq DESC LIMIT 1
	`).Scan(&id, &fetchedAt, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, time.Time{}, ErrNotFound
	}
	if err != nil {
		return "", nil, time.Time{}, fmt.Errorf("querying latest snapshot: %w", err)
	}

	var providers []provider.Provider
	if err := json.Unmarshal([]byte(data), &providers); err != nil {
		return "", nil, time.Time{}, fmt.Errorf("decoding snapshot %s: %w", id, err)
	}
	ts, err := time.Parse(timeLayout, fetchedAt)
	if err != nil {
		return "", nil, time.Time{}, fmt.Errorf("parsing snapshot time: %w", err)
	}
	return id, providers, ts, nil
}

// RecordLoad appends a load attempt to the history.
func (s *SQLiteStore) RecordLoad(ctx context.Context, rec *LoadRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO loads (id, outcome, refresh, providers, kind, error, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Outcome, rec.Refresh, rec.Providers,
		nullString(rec.Kind), nullString(rec.Error), formatTime(rec.Timestamp))
	return err
}

// ListLoads returns up to limit load records, newest first. limit <= 0
// returns all of them.
func (s *SQLiteStore) ListLoads(ctx context.Context, limit int) ([]*LoadRecord, error) {
	query := `SELECT id, outcome, refresh, providers, kind, error, timestamp FROM loads ORDER BY timestamp DESC, seq DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*LoadRecord
	for rows.Next() {
		var rec LoadRecord
		var kind, errText sql.NullString
		var ts string
		if err := rows.Scan(&rec.ID, &rec.Outcome, &rec.Refresh, &rec.Providers, &kind, &errText, &ts); err != nil {
			return nil, err
		}
		rec.Kind = kind.String
		rec.Error = errText.String
		if rec.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("parsing load time: %w", err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// Prune keeps the newest keep snapshots and the newest keep load records,
// deleting the rest.
func (s *SQLiteStore) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	var totalDeleted int64

	for _, table := range []string{"snapshots", "loads"} {
		res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
			DELETE FROM %[1]s WHERE seq NOT IN (SELECT seq FROM %[1]s ORDER BY seq DESC LIMIT ?)
		`, table), keep)
		if err != nil {
			return totalDeleted, fmt.Errorf("pruning %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		if n > 0 {
			s.logger.Debug("pruned rows", "table", table, "rows", n)
		}
		totalDeleted += n
	}
	return totalDeleted, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

var _ Store = (*SQLiteStore)(nil)
