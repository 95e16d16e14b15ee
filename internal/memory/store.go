package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// SQLite driver (required for database/sql registration).
	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/elecnix/ai-effort-regulation/internal/errors"
	"github.com/elecnix/ai-effort-regulation/pkg/protocol"
)

// SQLiteStore persists conversations in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens the database at path, creating it and its tables if needed.
func Open(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, storeErr("create data dir", err)
		}
	}
	db, err := openDB(path)
	if err != nil {
		return nil, storeErr("open database", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, storeErr("init schema", err)
	}
	return s, nil
}

// openDB opens a single SQLite database with optimal settings.
func openDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying connection.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		description TEXT
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id               TEXT PRIMARY KEY,
		state            TEXT NOT NULL DEFAULT 'active',
		priority_hint    REAL NOT NULL DEFAULT 0,
		energy_budget    REAL NOT NULL DEFAULT 0,
		snooze_until     INTEGER NOT NULL DEFAULT 0,
		backoff_exponent INTEGER NOT NULL DEFAULT 0,
		energy_consumed  REAL NOT NULL DEFAULT 0,
		end_reason       TEXT NOT NULL DEFAULT '',
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_state ON conversations(state, created_at);

	CREATE TABLE IF NOT EXISTS exchanges (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		tool_call_id    TEXT NOT NULL DEFAULT '',
		tool_name       TEXT NOT NULL DEFAULT '',
		model           TEXT NOT NULL DEFAULT '',
		energy_cost     REAL NOT NULL DEFAULT 0,
		created_at      INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_exchanges_conversation ON exchanges(conversation_id, id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return ensureSchemaVersion(s.db, 1, "Initial conversation schema")
}

func ensureSchemaVersion(db *sql.DB, version int, description string) error {
	var current sql.NullInt64
	if err := db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&current); err != nil {
		return err
	}

	if !current.Valid || int(current.Int64) < version {
		_, err := db.Exec(
			"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
			version,
			description,
		)
		return err
	}
	return nil
}

// Create inserts a conversation row. Existing IDs are left untouched.
func (s *SQLiteStore) Create(ctx context.Context, rec protocol.ConversationRecord) error {
	now := time.Now()
	created := rec.CreatedAt
	if created.IsZero() {
		created = now
	}
	state := rec.State
	if state == "" {
		state = protocol.StateActive
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversations
			(id, state, priority_hint, energy_budget, snooze_until, backoff_exponent,
			 energy_consumed, end_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, string(state), rec.PriorityHint, rec.EnergyBudget, toMillis(rec.SnoozeUntil),
		rec.BackoffExponent, rec.EnergyConsumed, rec.EndReason, toMillis(created), toMillis(created))
	if err != nil {
		return storeErr("create conversation", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		if err := insertExchanges(ctx, tx, rec.ID, rec.History); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	return nil
}

// Get returns a conversation with its full history.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*protocol.ConversationRecord, error) {
	row := s.db.QueryRowContext(ctx, selectConversation+` WHERE id = ?`, id)
	rec, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get conversation", err)
	}
	if rec.History, err = s.history(ctx, id); err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns conversations, oldest first, with their history.
func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]protocol.ConversationRecord, error) {
	query := selectConversation
	var args []any
	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, st := range f.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE state IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list conversations", err)
	}
	var out []protocol.ConversationRecord
	for rows.Next() {
		rec, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, storeErr("scan conversation", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Close(); err != nil {
		return nil, storeErr("list conversations", err)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list conversations", err)
	}

	for i := range out {
		if out[i].History, err = s.history(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Append adds exchanges to a conversation's history.
func (s *SQLiteStore) Append(ctx context.Context, id string, exchanges ...protocol.Exchange) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`,
		toMillis(time.Now()), id)
	if err != nil {
		return storeErr("touch conversation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := insertExchanges(ctx, tx, id, exchanges); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	return nil
}

// SetState records a state transition.
func (s *SQLiteStore) SetState(ctx context.Context, id string, change protocol.StateChange) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET
			state = ?, snooze_until = ?, backoff_exponent = ?,
			energy_consumed = ?, end_reason = ?, updated_at = ?
		WHERE id = ?
	`, string(change.State), toMillis(change.SnoozeUntil), change.BackoffExponent,
		change.EnergyConsumed, change.EndReason, toMillis(time.Now()), id)
	if err != nil {
		return storeErr("set state", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const selectConversation = `
	SELECT id, state, priority_hint, energy_budget, snooze_until, backoff_exponent,
	       energy_consumed, end_reason, created_at, updated_at
	FROM conversations`

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*protocol.ConversationRecord, error) {
	var (
		rec                      protocol.ConversationRecord
		state                    string
		snooze, created, updated int64
	)
	err := row.Scan(&rec.ID, &state, &rec.PriorityHint, &rec.EnergyBudget, &snooze,
		&rec.BackoffExponent, &rec.EnergyConsumed, &rec.EndReason, &created, &updated)
	if err != nil {
		return nil, err
	}
	rec.State = protocol.WorkState(state)
	rec.SnoozeUntil = fromMillis(snooze)
	rec.CreatedAt = fromMillis(created)
	rec.UpdatedAt = fromMillis(updated)
	return &rec, nil
}

func (s *SQLiteStore) history(ctx context.Context, id string) ([]protocol.Exchange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, tool_call_id, tool_name, model, energy_cost, created_at
		FROM exchanges WHERE conversation_id = ? ORDER BY id
	`, id)
	if err != nil {
		return nil, storeErr("load history", err)
	}
	defer rows.Close()

	var out []protocol.Exchange
	for rows.Next() {
		var ex protocol.Exchange
		var at int64
		if err := rows.Scan(&ex.Role, &ex.Content, &ex.ToolCallID, &ex.ToolName, &ex.Model, &ex.EnergyCost, &at); err != nil {
			return nil, storeErr("scan exchange", err)
		}
		ex.At = fromMillis(at)
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("load history", err)
	}
	return out, nil
}

func insertExchanges(ctx context.Context, tx *sql.Tx, id string, exchanges []protocol.Exchange) error {
	if len(exchanges) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO exchanges
			(conversation_id, role, content, tool_call_id, tool_name, model, energy_cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return storeErr("prepare exchange insert", err)
	}
	defer stmt.Close()

	for _, ex := range exchanges {
		at := ex.At
		if at.IsZero() {
			at = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, id, ex.Role, ex.Content, ex.ToolCallID, ex.ToolName,
			ex.Model, ex.EnergyCost, toMillis(at)); err != nil {
			return storeErr("insert exchange", err)
		}
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func storeErr(op string, err error) error {
	return apperrors.NewBuilder(apperrors.CodeStoreFailed, op).
		Temporary().
		Wrap(err).
		Build()
}
