// Package auditlog implements the structured audit trail and secret
// redaction shared by the skill sandbox and the MCP gateway (invariant 6:
// secrets never appear in audit entries or stream tokens).
//
// Persistence follows the checkpoint store's database/sql insert/query
// idiom; the redaction rule set is modeled on the configuration fields the
// reference treats as secret (API keys, bearer tokens) as the shape of
// "things that must never appear in plaintext."
package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Entry is an AuditEntry (spec §3.1).
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Arguments string    `json:"arguments"` // redacted JSON
	Outcome   string    `json:"outcome"`
	DurationMS int64    `json:"duration_ms"`
}

// Store persists audit entries to a database/sql backend and mirrors every
// write to a structured logger.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open ensures the audit_entries table exists and returns a ready Store.
func Open(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger.With("component", "auditlog")}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_entries (
			id TEXT PRIMARY KEY,
			timestamp TEXT NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			arguments TEXT NOT NULL,
			outcome TEXT NOT NULL,
			duration_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_entries(actor);
		CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp DESC);
	`)
	if err != nil {
		return nil, fmt.Errorf("migrate audit: %w", err)
	}
	return s, nil
}

// Record redacts args, persists the resulting entry, and mirrors it to the
// structured logger.
func (s *Store) Record(ctx context.Context, actor, action string, args map[string]any, outcome string, duration time.Duration) error {
	redacted := Redact(args)
	argsJSON, err := json.Marshal(redacted)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate id: %w", err)
	}
	e := Entry{
		ID:         id.String(),
		Timestamp:  time.Now().UTC(),
		Actor:      actor,
		Action:     action,
		Arguments:  string(argsJSON),
		Outcome:    outcome,
		DurationMS: duration.Milliseconds(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, timestamp, actor, action, arguments, outcome, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Timestamp.Format(time.RFC3339Nano), e.Actor, e.Action, e.Arguments, e.Outcome, e.DurationMS)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}

	s.logger.Info("audit", "actor", actor, "action", action, "outcome", outcome,
		"duration_ms", e.DurationMS, "arguments", string(argsJSON))
	return nil
}

// Query implements the administrative audit-log query surface: filter by
// actor (optional) and a since timestamp (optional), newest first, capped
// at limit.
func (s *Store) Query(ctx context.Context, actor string, since time.Time, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT id, timestamp, actor, action, arguments, outcome, duration_ms FROM audit_entries WHERE 1=1`
	args := []any{}
	if actor != "" {
		query += ` AND actor = ?`
		args = append(args, actor)
	}
	if !since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, since.Format(time.RFC3339Nano))
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Actor, &e.Action, &e.Arguments, &e.Outcome, &e.DurationMS); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// secretPatterns matches argument keys whose values must be redacted
// regardless of skill: bot tokens, OAuth tokens, MCP secrets, API keys.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(token|secret|api_key|apikey|password|authorization|bearer)`),
}

const redactedPlaceholder = "[REDACTED]"

// Redact returns a copy of args with any key matching a secret pattern
// replaced by a placeholder. Nested maps are redacted recursively so a
// secret buried in a structured argument is still caught.
func Redact(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if matchesSecretKey(k) {
			out[k] = redactedPlaceholder
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = Redact(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func matchesSecretKey(key string) bool {
	for _, p := range secretPatterns {
		if p.MatchString(key) {
			return true
		}
	}
	return false
}
