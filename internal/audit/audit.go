// Package audit writes the hash-chained, append-only record of every
// authorization-relevant action. Each entry's MAC covers its full canonical
// content plus the previous entry's hash, so any mutation, deletion, or
// reorder of persisted rows is detectable by Verify.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/basket/cmdcenter/internal/scrub"
)

// Actor types.
const (
	ActorUser    = "user"
	ActorAgent   = "agent"
	ActorSystem  = "system"
	ActorChannel = "channel"
)

// Channels an audited request can arrive through.
const (
	ChannelAPI       = "api"
	ChannelDashboard = "dashboard"
	ChannelCLI       = "cli"
	ChannelBot       = "bot"
)

// Entry outcomes.
const (
	StatusSuccess = "success"
	StatusDenied  = "denied"
	StatusError   = "error"
)

// Well-known action names.
const (
	ActionAuthDenied = "auth.denied"

	ActionTaskCreated   = "task.created"
	ActionTaskClaimed   = "task.claimed"
	ActionTaskCompleted = "task.completed"
	ActionTaskFailed    = "task.failed"
	ActionTaskCancelled = "task.cancelled"

	ActionAgentRegistered = "agent.registered"
	ActionAgentStale      = "agent.stale"

	ActionSecurityRateLimit = "security.rate_limit"

	ActionServerStarted = "server.started"
	ActionServerStopped = "server.stopped"
)

// Entry is a single audit log row.
type Entry struct {
	ID           int64          `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	ActorType    string         `json:"actor_type"`
	ActorID      string         `json:"actor_id,omitempty"`
	ActorIP      string         `json:"actor_ip,omitempty"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	Channel      string         `json:"channel,omitempty"`
	Status       string         `json:"status"`
	Error        string         `json:"error,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	PrevHash     string         `json:"prev_hash,omitempty"`
	EntryHash    string         `json:"entry_hash"`
}

// ChainBrokenError reports the first entry at which the hash chain fails to
// verify. Callers must treat it as a fatal integrity failure, never a
// recoverable condition.
type ChainBrokenError struct {
	At     int64
	Reason string
}

func (e *ChainBrokenError) Error() string {
	return fmt.Sprintf("audit chain broken at entry %d: %s", e.At, e.Reason)
}

// Logger appends and verifies audit entries. Appends serialize on an
// in-process mutex: the chain has exactly one definition order, and a race on
// prev_hash would corrupt it permanently.
type Logger struct {
	mu       sync.Mutex
	db       *sql.DB
	key      []byte
	scrubber *scrub.Scrubber
}

// New creates a Logger over the shared database. The MAC key is held only in
// memory and must never be persisted alongside entries.
func New(db *sql.DB, key []byte, scrubber *scrub.Scrubber) (*Logger, error) {
	if db == nil {
		return nil, errors.New("audit: nil db")
	}
	if len(key) == 0 {
		return nil, errors.New("audit: empty MAC key")
	}
	if scrubber == nil {
		scrubber = scrub.New(0)
	}
	return &Logger{db: db, key: key, scrubber: scrubber}, nil
}

// LoadOrCreateKey reads the MAC key from path, generating a random 32-byte
// key with 0600 permissions on first use.
func LoadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) == 0 {
			return nil, fmt.Errorf("audit key file %s is empty", path)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read audit key: %w", err)
	}

	key = make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate audit key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit key directory: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write audit key: %w", err)
	}
	return key, nil
}

// Append scrubs, hashes, and persists one entry, returning its id. The chain
// head is always read from storage, never from process memory, so the chain
// stays correct across restarts. An append failure must fail the operation
// that triggered it: an action without an audit record did not happen.
func (l *Logger) Append(ctx context.Context, e Entry) (int64, error) {
	if e.Action == "" {
		return 0, errors.New("append audit entry: empty action")
	}
	if e.ActorType == "" {
		e.ActorType = ActorSystem
	}
	switch e.Status {
	case "":
		e.Status = StatusSuccess
	case StatusSuccess, StatusDenied, StatusError:
	default:
		return 0, fmt.Errorf("append audit entry: unknown status %q", e.Status)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	// Scrubbing is mandatory and happens here, inside the logger, so no
	// caller can bypass it.
	e.Error = l.scrubber.Scrub(e.Error)
	e.Metadata = l.scrubber.ScrubMap(e.Metadata)

	metadataJSON := ""
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return 0, fmt.Errorf("append audit entry: encode metadata: %w", err)
		}
		metadataJSON = string(raw)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prevHash, err := l.headHash(ctx)
	if err != nil {
		return 0, err
	}
	e.PrevHash = prevHash
	e.EntryHash = l.computeHash(&e, metadataJSON)

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_log (timestamp, actor_type, actor_id, actor_ip, action,
			resource_type, resource_id, request_id, channel, status, error,
			metadata, prev_hash, entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, e.Timestamp.UTC(), e.ActorType, e.ActorID, e.ActorIP, e.Action,
		e.ResourceType, e.ResourceID, e.RequestID, e.Channel, e.Status, e.Error,
		metadataJSON, e.PrevHash, e.EntryHash)
	if err != nil {
		return 0, fmt.Errorf("append audit entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append audit entry: last insert id: %w", err)
	}
	return id, nil
}

// headHash returns the hash of the chain's current tail: the max-id live row,
// falling back to the archive tail when every live row has been archived, and
// "" for a brand-new chain.
func (l *Logger) headHash(ctx context.Context) (string, error) {
	var hash string
	err := l.db.QueryRowContext(ctx, `SELECT entry_hash FROM audit_log ORDER BY id DESC LIMIT 1;`).Scan(&hash)
	if err == nil {
		return hash, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("read audit chain head: %w", err)
	}
	err = l.db.QueryRowContext(ctx, `SELECT entry_hash FROM audit_archive ORDER BY id DESC LIMIT 1;`).Scan(&hash)
	if err == nil {
		return hash, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("read archived audit chain head: %w", err)
	}
	return "", nil
}

// computeHash MACs the canonical serialization of every persisted field plus
// prev_hash. The timestamp is canonicalized as UnixNano so driver formatting
// round-trips cannot shift the digest.
func (l *Logger) computeHash(e *Entry, metadataJSON string) string {
	canonical := strings.Join([]string{
		strconv.FormatInt(e.Timestamp.UTC().UnixNano(), 10),
		e.ActorType,
		e.ActorID,
		e.ActorIP,
		e.Action,
		e.ResourceType,
		e.ResourceID,
		e.RequestID,
		e.Channel,
		e.Status,
		e.Error,
		metadataJSON,
		e.PrevHash,
	}, "\x1f")
	mac := hmac.New(sha256.New, l.key)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the chain over a contiguous live id range, anchoring on
// the first row's stored prev_hash. It returns a *ChainBrokenError at the
// first linkage or MAC mismatch.
func (l *Logger) Verify(ctx context.Context, fromID, toID int64) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, timestamp, actor_type, COALESCE(actor_id, ''), COALESCE(actor_ip, ''),
			action, COALESCE(resource_type, ''), COALESCE(resource_id, ''),
			COALESCE(request_id, ''), COALESCE(channel, ''), status, COALESCE(error, ''),
			COALESCE(metadata, ''), COALESCE(prev_hash, ''), entry_hash
		FROM audit_log
		WHERE id >= ? AND id <= ?
		ORDER BY id ASC;
	`, fromID, toID)
	if err != nil {
		return fmt.Errorf("verify audit chain: %w", err)
	}
	defer rows.Close()

	first := true
	var prevHash string
	var prevID int64
	for rows.Next() {
		var e Entry
		var metadataJSON string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.ActorType, &e.ActorID, &e.ActorIP,
			&e.Action, &e.ResourceType, &e.ResourceID, &e.RequestID, &e.Channel,
			&e.Status, &e.Error, &metadataJSON, &e.PrevHash, &e.EntryHash); err != nil {
			return fmt.Errorf("verify audit chain: scan entry: %w", err)
		}

		if first {
			// The first row's stored prev_hash is the trusted anchor; its own
			// MAC still covers it, so tampering there is caught below.
			prevHash = e.PrevHash
			first = false
		} else {
			if e.ID != prevID+1 {
				return &ChainBrokenError{At: e.ID, Reason: fmt.Sprintf("id gap after %d", prevID)}
			}
			if e.PrevHash != prevHash {
				return &ChainBrokenError{At: e.ID, Reason: "prev_hash does not match preceding entry"}
			}
		}
		if expected := l.computeHash(&e, metadataJSON); !hmac.Equal([]byte(expected), []byte(e.EntryHash)) {
			return &ChainBrokenError{At: e.ID, Reason: "entry hash mismatch"}
		}
		prevHash = e.EntryHash
		prevID = e.ID
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("verify audit chain: iterate: %w", err)
	}
	return nil
}

// VerifyAll verifies every live entry.
func (l *Logger) VerifyAll(ctx context.Context) error {
	var minID, maxID sql.NullInt64
	if err := l.db.QueryRowContext(ctx, `SELECT MIN(id), MAX(id) FROM audit_log;`).Scan(&minID, &maxID); err != nil {
		return fmt.Errorf("verify audit chain: bounds: %w", err)
	}
	if !minID.Valid {
		return nil
	}
	return l.Verify(ctx, minID.Int64, maxID.Int64)
}

// Filter narrows Query results. Zero values mean "any".
type Filter struct {
	Action       string
	ActorType    string
	ActorID      string
	ResourceType string
	ResourceID   string
	Status       string
	Since        time.Time
	Until        time.Time
	Limit        int
	Offset       int
}

// Query returns matching entries, newest first.
func (l *Logger) Query(ctx context.Context, f Filter) ([]Entry, error) {
	conditions := []string{"1=1"}
	args := []any{}
	if f.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, f.Action)
	}
	if f.ActorType != "" {
		conditions = append(conditions, "actor_type = ?")
		args = append(args, f.ActorType)
	}
	if f.ActorID != "" {
		conditions = append(conditions, "actor_id = ?")
		args = append(args, f.ActorID)
	}
	if f.ResourceType != "" {
		conditions = append(conditions, "resource_type = ?")
		args = append(args, f.ResourceType)
	}
	if f.ResourceID != "" {
		conditions = append(conditions, "resource_id = ?")
		args = append(args, f.ResourceID)
	}
	if f.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, f.Until.UTC())
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit, f.Offset)

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, timestamp, actor_type, COALESCE(actor_id, ''), COALESCE(actor_ip, ''),
			action, COALESCE(resource_type, ''), COALESCE(resource_id, ''),
			COALESCE(request_id, ''), COALESCE(channel, ''), status, COALESCE(error, ''),
			COALESCE(metadata, ''), COALESCE(prev_hash, ''), entry_hash
		FROM audit_log
		WHERE `+strings.Join(conditions, " AND ")+`
		ORDER BY id DESC
		LIMIT ? OFFSET ?;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var metadataJSON string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.ActorType, &e.ActorID, &e.ActorIP,
			&e.Action, &e.ResourceType, &e.ResourceID, &e.RequestID, &e.Channel,
			&e.Status, &e.Error, &metadataJSON, &e.PrevHash, &e.EntryHash); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if metadataJSON != "" {
			if err := json.Unmarshal([]byte(metadataJSON), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return out, nil
}

// ArchiveBefore moves every entry timestamped before cutoff to the archive
// table. Only a contiguous prefix is moved (boundary = max id under cutoff)
// so the surviving chain stays verifiable: the first surviving row's
// prev_hash anchors against the archived tail.
func (l *Logger) ArchiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin audit archive tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var boundary sql.NullInt64
	if err := tx.QueryRowContext(ctx, `
		SELECT MAX(id) FROM audit_log WHERE timestamp < ?;
	`, cutoff.UTC()).Scan(&boundary); err != nil {
		return 0, fmt.Errorf("audit archive boundary: %w", err)
	}
	if !boundary.Valid {
		return 0, tx.Commit()
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO audit_archive (id, timestamp, actor_type, actor_id, actor_ip, action,
			resource_type, resource_id, request_id, channel, status, error,
			metadata, prev_hash, entry_hash)
		SELECT id, timestamp, actor_type, actor_id, actor_ip, action,
			resource_type, resource_id, request_id, channel, status, error,
			metadata, prev_hash, entry_hash
		FROM audit_log WHERE id <= ?;
	`, boundary.Int64)
	if err != nil {
		return 0, fmt.Errorf("copy audit entries to archive: %w", err)
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("audit archive rows affected: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM audit_log WHERE id <= ?;`, boundary.Int64); err != nil {
		return 0, fmt.Errorf("delete archived audit entries: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit audit archive tx: %w", err)
	}
	return moved, nil
}
