package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

const (
	// Schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "co-v1-2026-09-02-pipeline"

	// v2 adds correlation columns (source, tg_message_id, chain_id,
	// claimed_at) and events.task_id/chain_id as nullable backfills.
	schemaVersionV2  = 2
	schemaChecksumV2 = "co-v2-2026-09-20-correlation"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2

	busyRetries = 5
)

var (
	// ErrStale is returned when a conditional write finds the row no longer
	// in the state the caller expected (terminal, or moved on). Callers drop
	// the write.
	ErrStale = errors.New("persistence: stale write")

	// ErrConflict is returned when a unique correlation key is already taken.
	ErrConflict = errors.New("persistence: conflict")
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".clawoffice", "clawoffice.db")
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock replaces the store's time source. Used by tests that need
// deterministic createdAt ordering.
func (s *Store) SetClock(now func() time.Time) {
	s.now = func() time.Time { return now().UTC() }
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// NewRequestID, NewTaskID and NewEventID return lexically time-ordered ids.
func NewRequestID() string { return "req_" + ulid.Make().String() }
func NewTaskID() string    { return "task_" + ulid.Make().String() }
func NewEventID() string   { return "evt_" + ulid.Make().String() }

// retryOnBusy retries f when SQLite returns BUSY or LOCKED. Waits grow from
// 50ms to a 500ms cap with ±25% jitter, on top of the driver's busy_timeout.
// Any other error is returned at once.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.RandomizationFactor = 0.25

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := f()
		if err != nil && !isSQLiteBusy(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(maxRetries+1)))
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	versionChecksums := map[int]string{
		schemaVersionV1: schemaChecksumV1,
		schemaVersionV2: schemaChecksumV2,
	}
	if maxVersion != 0 {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if want := versionChecksums[maxVersion]; existingChecksum != want {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existingChecksum, want)
		}
	}

	// Phase 1: base tables. Columns introduced after v1 are added by
	// applyBackfillsTx so upgraded and fresh databases converge.
	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS requests (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL DEFAULT '',
			from_name TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL CHECK(state IN ('received', 'analyzing', 'reviewing', 'task_created', 'assigned', 'in_progress', 'completed')),
			assigned_to TEXT,
			task_id TEXT,
			task_title TEXT,
			task_detail TEXT,
			task_target_agent TEXT,
			task_reason TEXT,
			created_at DATETIME NOT NULL,
			work_started_at DATETIME,
			completed_at DATETIME,
			result TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL REFERENCES requests(id),
			title TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			assigned_agent TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK(status IN ('pending', 'assigned', 'in_progress', 'completed', 'failed')),
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME,
			result TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			request_id TEXT,
			state TEXT NOT NULL,
			agent TEXT NOT NULL DEFAULT '',
			agent_name TEXT,
			agent_color TEXT,
			message TEXT NOT NULL,
			target_agent TEXT,
			timestamp DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS daily_stats (
			date TEXT PRIMARY KEY,
			messages_received INTEGER NOT NULL DEFAULT 0,
			messages_sent INTEGER NOT NULL DEFAULT 0,
			tasks_completed INTEGER NOT NULL DEFAULT 0,
			tokens_in INTEGER NOT NULL DEFAULT 0,
			tokens_out INTEGER NOT NULL DEFAULT 0,
			task_time_ms INTEGER NOT NULL DEFAULT 0,
			savings REAL NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS agent_stats (
			agent TEXT PRIMARY KEY,
			tasks_completed INTEGER NOT NULL DEFAULT 0,
			task_time_ms INTEGER NOT NULL DEFAULT 0,
			last_completed_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			message TEXT NOT NULL,
			from_name TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT 'info',
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			subject TEXT,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	if err := s.applyBackfillsTx(ctx, tx); err != nil {
		return err
	}

	// Phase 2: indexes, after backfills so every referenced column exists.
	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_requests_state ON requests(state, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_requests_assigned ON requests(assigned_to);`,
		`CREATE INDEX IF NOT EXISTS idx_requests_created ON requests(created_at);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_requests_tg_message ON requests(tg_message_id) WHERE tg_message_id IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_requests_chain ON requests(chain_id, state);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_request ON tasks(request_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(assigned_agent, status);`,
		`CREATE INDEX IF NOT EXISTS idx_events_request ON events(request_id);`,
		`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	if maxVersion < schemaVersionLatest {
		for v := maxVersion + 1; v <= schemaVersionLatest; v++ {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
			`, v, versionChecksums[v]); err != nil {
				return fmt.Errorf("record schema migration v%d: %w", v, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// applyBackfillsTx adds columns that post-date the v1 schema. Every column is
// nullable so older binaries keep working against an upgraded file.
func (s *Store) applyBackfillsTx(ctx context.Context, tx *sql.Tx) error {
	backfills := []struct {
		table, column, ddl string
	}{
		{"requests", "source", `ALTER TABLE requests ADD COLUMN source TEXT;`},
		{"requests", "tg_message_id", `ALTER TABLE requests ADD COLUMN tg_message_id INTEGER;`},
		{"requests", "chain_id", `ALTER TABLE requests ADD COLUMN chain_id TEXT;`},
		{"requests", "claimed_at", `ALTER TABLE requests ADD COLUMN claimed_at DATETIME;`},
		{"events", "task_id", `ALTER TABLE events ADD COLUMN task_id TEXT;`},
		{"events", "chain_id", `ALTER TABLE events ADD COLUMN chain_id TEXT;`},
	}
	for _, b := range backfills {
		exists, err := columnExistsTx(ctx, tx, b.table, b.column)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := tx.ExecContext(ctx, b.ddl); err != nil {
			return fmt.Errorf("backfill %s.%s: %w", b.table, b.column, err)
		}
	}
	return nil
}

func columnExistsTx(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return false, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return false, fmt.Errorf("scan table_info %s: %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}
