package persistence_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/claw-office/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "clawoffice.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

// fixedClock returns a clock starting at base that callers advance by hand.
func fixedClock(base time.Time) (func() time.Time, func(time.Duration)) {
	now := base
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	journal := queryOneString(t, db, "PRAGMA journal_mode;")
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	requiredTables := []string{"schema_migrations", "requests", "tasks", "events", "daily_stats", "agent_stats", "messages", "audit_log"}
	for _, table := range requiredTables {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}

	requiredIndexes := []string{"idx_requests_state", "idx_requests_tg_message", "idx_requests_chain", "idx_tasks_agent", "idx_events_request"}
	for _, idx := range requiredIndexes {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='index' AND name = ?", idx).Scan(&got); err != nil {
			t.Fatalf("index %s not found: %v", idx, err)
		}
	}
}

func TestStore_MigrationLedgerHasChecksum(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	var version int
	var checksum string
	if err := db.QueryRow(`SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;`).Scan(&version, &checksum); err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected schema version 2, got %d", version)
	}
	if !strings.HasPrefix(checksum, "co-v2-") {
		t.Fatalf("unexpected checksum %q", checksum)
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	store, path := openTestStore(t)
	ctx := context.Background()
	req, err := store.CreateRequest(ctx, persistence.Request{Content: "hello", From: "Boss"})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	_ = store.Close()

	reopened, err := persistence.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Content != "hello" {
		t.Fatalf("expected content to survive reopen, got %q", got.Content)
	}
}

func TestStore_RefusesNewerSchema(t *testing.T) {
	store, path := openTestStore(t)
	if _, err := store.DB().Exec(`INSERT INTO schema_migrations (version, checksum) VALUES (99, 'future');`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = store.Close()

	if _, err := persistence.Open(path); err == nil || !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-schema error, got %v", err)
	}
}

func TestStore_RefusesChecksumMismatch(t *testing.T) {
	store, path := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered' WHERE version = 2;`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	_ = store.Close()

	if _, err := persistence.Open(path); err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}

func TestStore_UpgradesV1AddsNullableColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v1.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	stmts := []string{
		`CREATE TABLE schema_migrations (version INTEGER PRIMARY KEY, checksum TEXT NOT NULL, applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP);`,
		`INSERT INTO schema_migrations (version, checksum) VALUES (1, 'co-v1-2026-09-02-pipeline');`,
		`CREATE TABLE requests (
			id TEXT PRIMARY KEY, content TEXT NOT NULL DEFAULT '', from_name TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL, assigned_to TEXT, task_id TEXT, task_title TEXT, task_detail TEXT,
			task_target_agent TEXT, task_reason TEXT, created_at DATETIME NOT NULL,
			work_started_at DATETIME, completed_at DATETIME, result TEXT);`,
		`INSERT INTO requests (id, content, from_name, state, created_at) VALUES ('req_old', 'legacy row', 'Boss', 'received', '2026-09-01 10:00:00+00:00');`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed v1: %v", err)
		}
	}
	_ = db.Close()

	store, err := persistence.Open(path)
	if err != nil {
		t.Fatalf("open v1 store: %v", err)
	}
	defer store.Close()

	got, err := store.GetRequest(context.Background(), "req_old")
	if err != nil {
		t.Fatalf("get legacy row: %v", err)
	}
	if got.TgMessageID != 0 || got.ChainID != "" || got.Source != "" {
		t.Fatalf("expected empty backfilled columns, got %+v", got)
	}
	var version int
	if err := store.DB().QueryRow(`SELECT MAX(version) FROM schema_migrations;`).Scan(&version); err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected ledger at v2 after upgrade, got %d", version)
	}
}
