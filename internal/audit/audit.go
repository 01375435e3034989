// Package audit records operator decisions: pipeline resets, event repairs
// and rejected webhook deliveries. Entries go to logs/audit.jsonl and, once a
// database is attached, to the audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/claw-office/internal/shared"
)

const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id,omitempty"`
	Caller    string `json:"caller,omitempty"`
	Action    string `json:"action"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason"`
	Subject   string `json:"subject,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for audit_log table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	db = nil
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one decision. Reason and subject are redacted first.
func Record(ctx context.Context, action, decision, reason, subject string) {
	if decision == DecisionDeny {
		denyCount.Add(1)
	}

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			TraceID:   traceID,
			Caller:    shared.Caller(ctx),
			Action:    action,
			Decision:  decision,
			Reason:    reason,
			Subject:   subject,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason, created_at)
			VALUES (NULLIF(?, ''), ?, ?, ?, ?, ?);
		`, traceID, subject, action, decision, reason, time.Now().UTC())
	}
}
