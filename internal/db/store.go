package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/g960059/agexec/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

const defaultRecentLimit = 100

// Store is the SQLite-backed event ledger. A single connection keeps writes
// from the dispatch path and reads from the HTTP handlers serialized under
// WAL.
type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateSession inserts a session row or refreshes last_active_at when the
// session already exists, so LatestSessionID always points at the session
// most recently created or switched to.
func (s *Store) CreateSession(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	now := ts(time.Now().UTC())
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(session_id, created_at, last_active_at)
VALUES (?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	last_active_at=excluded.last_active_at
`, sessionID, now, now)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) LatestSessionID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
SELECT session_id FROM sessions
ORDER BY last_active_at DESC, created_at DESC
LIMIT 1
`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("latest session: %w", err)
	}
	return id, nil
}

func (s *Store) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE session_id = ?`, sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup session: %w", err)
	}
	return true, nil
}

// eventPayload is the JSON stored in the payload column. ExitCode is a
// pointer so a process exiting 0 survives omitempty.
type eventPayload struct {
	PID       int64  `json:"pid,omitempty"`
	Data      string `json:"data,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Severity  string `json:"severity,omitempty"`
	Message   string `json:"message,omitempty"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Command   string `json:"command,omitempty"`
}

func payloadOf(ev model.RuntimeEvent) eventPayload {
	p := eventPayload{
		PID:       ev.PID,
		Data:      ev.Data,
		Truncated: ev.Truncated,
		Severity:  string(ev.Severity),
		Message:   ev.Message,
		Code:      ev.Code,
		RequestID: ev.RequestID,
		Command:   ev.Command,
	}
	if ev.Kind == model.EventProcessExited {
		code := ev.ExitCode
		p.ExitCode = &code
	}
	return p
}

// AppendEvent persists one runtime event. A reused event_id maps to
// ErrDuplicate; an unknown session maps to ErrNotFound.
func (s *Store) AppendEvent(ctx context.Context, sessionID string, ev model.RuntimeEvent) error {
	if ev.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if ev.Kind == "" {
		return fmt.Errorf("event kind is required")
	}
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session_id is required")
	}

	when := ev.Header.Timestamp
	if when.IsZero() {
		when = time.Now().UTC()
	}
	payload, err := json.Marshal(payloadOf(ev))
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO events(event_id, session_id, correlation_id, event_type, event_time, payload)
VALUES (?, ?, ?, ?, ?, ?)
`, ev.EventID, sessionID, ev.Header.CorrelationID, string(ev.Kind), ts(when), string(payload))
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		if isForeignKeyErr(err) {
			return ErrNotFound
		}
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit events for the session in chronological
// order. When the session holds more than limit, the newest rows win.
func (s *Store) RecentEvents(ctx context.Context, sessionID string, limit int) ([]model.RuntimeEvent, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT event_id, session_id, correlation_id, event_type, event_time, payload
FROM events
WHERE session_id = ?
ORDER BY seq DESC
LIMIT ?
`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.RuntimeEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func scanEvent(rows *sql.Rows) (model.RuntimeEvent, error) {
	var (
		ev         model.RuntimeEvent
		kind       string
		when       string
		rawPayload string
	)
	if err := rows.Scan(&ev.EventID, &ev.Header.SessionID, &ev.Header.CorrelationID, &kind, &when, &rawPayload); err != nil {
		return model.RuntimeEvent{}, fmt.Errorf("scan event: %w", err)
	}
	ev.Kind = model.EventKind(kind)
	t, err := parseTS(when)
	if err != nil {
		return model.RuntimeEvent{}, err
	}
	ev.Header.Timestamp = t

	var p eventPayload
	if err := json.Unmarshal([]byte(rawPayload), &p); err != nil {
		return model.RuntimeEvent{}, fmt.Errorf("unmarshal event payload: %w", err)
	}
	ev.PID = p.PID
	ev.Data = p.Data
	ev.Truncated = p.Truncated
	if p.ExitCode != nil {
		ev.ExitCode = *p.ExitCode
	}
	ev.Severity = model.Severity(p.Severity)
	ev.Message = p.Message
	ev.Code = p.Code
	ev.RequestID = p.RequestID
	ev.Command = p.Command
	return ev, nil
}

func (s *Store) SaveSnapshot(ctx context.Context, sessionID, marker, contextText string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	if strings.TrimSpace(marker) == "" {
		return fmt.Errorf("marker is required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO snapshots(snapshot_id, session_id, marker, context, created_at)
VALUES (?, ?, ?, ?, ?)
`, uuid.NewString(), sessionID, marker, contextText, ts(time.Now().UTC()))
	if err != nil {
		if isForeignKeyErr(err) {
			return ErrNotFound
		}
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *Store) ListSnapshots(ctx context.Context, sessionID string) ([]model.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT snapshot_id, session_id, marker, context, created_at
FROM snapshots
WHERE session_id = ?
ORDER BY created_at DESC
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Snapshot
	for rows.Next() {
		var (
			snap model.Snapshot
			when string
		)
		if err := rows.Scan(&snap.SnapshotID, &snap.SessionID, &snap.Marker, &snap.Context, &when); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		t, err := parseTS(when)
		if err != nil {
			return nil, err
		}
		snap.CreatedAt = t
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}

// PruneEvents deletes events older than cutoff and reports how many rows
// were removed.
func (s *Store) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE event_time < ?`, ts(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune events rows: %w", err)
	}
	return n, nil
}

func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	switch table {
	case "sessions", "events", "snapshots":
	default:
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

func isForeignKeyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "FOREIGN KEY constraint failed") ||
		strings.Contains(msg, "constraint failed: FOREIGN KEY")
}
