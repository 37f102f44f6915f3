package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using an embedded, WAL-mode SQLite database —
// the design note in §4.2 names this explicitly ("the source uses an
// embedded SQL engine with WAL").
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens (creating if absent) the SQLite database at dsn and runs
// migrations. dsn of ":memory:" uses a pool-shared in-memory database so
// every pooled connection sees the same data, matching the teacher's
// NewSQLite.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			agent_type TEXT NOT NULL DEFAULT '',
			cwd TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			agent_session_id TEXT,
			status TEXT NOT NULL DEFAULT 'initializing',
			exit_reason TEXT,
			archived INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_archived ON sessions(archived)`,
		`CREATE TABLE IF NOT EXISTS events (
			session_id TEXT NOT NULL REFERENCES sessions(id),
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, seq)`,
		`CREATE TABLE IF NOT EXISTS pending_requests (
			session_id TEXT NOT NULL REFERENCES sessions(id),
			request_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (session_id, request_id)
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) CreateSession(ctx context.Context, sessionID, agentType, cwd, title string) (*Session, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, agent_type, cwd, title, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		sessionID, agentType, cwd, title, StatusInitializing, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrAlreadyExists
	}
	return &Session{
		ID: sessionID, AgentType: agentType, Cwd: cwd, Title: title,
		Status: StatusInitializing, CreatedAt: now, UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) SetStatus(ctx context.Context, sessionID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), sessionID)
	return checkUpdated(res, err)
}

func (s *SQLiteStore) SetAgentSessionID(ctx context.Context, sessionID, agentSessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET agent_session_id = ?, updated_at = ? WHERE id = ?`,
		agentSessionID, time.Now().UTC(), sessionID)
	return checkUpdated(res, err)
}

func (s *SQLiteStore) SetTitle(ctx context.Context, sessionID, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UTC(), sessionID)
	return checkUpdated(res, err)
}

func (s *SQLiteStore) SetExited(ctx context.Context, sessionID, status, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, exit_reason = ?, updated_at = ? WHERE id = ?`,
		status, reason, time.Now().UTC(), sessionID)
	return checkUpdated(res, err)
}

func (s *SQLiteStore) Archive(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET archived = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), sessionID)
	return checkUpdated(res, err)
}

func checkUpdated(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendEvent implements the atomic seq-allocation idiom from the teacher's
// AppendMessage: a single INSERT whose VALUES clause computes the next seq
// via a correlated subquery and RETURNING hands it straight back, so two
// concurrent appends on the same session can never observe the same seq
// (I4, I5) — SQLite's single-writer model serializes the two statements.
func (s *SQLiteStore) AppendEvent(ctx context.Context, sessionID, typ string, payload json.RawMessage) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO events (session_id, seq, type, payload, created_at)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE session_id = ?), ?, ?, ?)
		 RETURNING seq`,
		sessionID, sessionID, typ, string(payload), time.Now().UTC(),
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	return seq, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_type, cwd, title, agent_session_id, status, exit_reason, archived, created_at, updated_at
		 FROM sessions WHERE id = ?`, sessionID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return sess, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var archived int
	if err := row.Scan(&sess.ID, &sess.AgentType, &sess.Cwd, &sess.Title, &sess.AgentSessionID,
		&sess.Status, &sess.ExitReason, &archived, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	sess.Archived = archived != 0
	return &sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter ListFilter) ([]*Session, error) {
	query := `SELECT id, agent_type, cwd, title, agent_session_id, status, exit_reason, archived, created_at, updated_at FROM sessions WHERE 1=1`
	var args []any
	if filter.Archived != nil {
		query += ` AND archived = ?`
		if *filter.Archived {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	if len(filter.Status) > 0 {
		query += ` AND status IN (` + placeholders(len(filter.Status)) + `)`
		for _, st := range filter.Status {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ", "
		}
		s += "?"
	}
	return s
}

func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string, sinceSeq int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, seq, type, payload, created_at FROM events
		 WHERE session_id = ? AND seq > ? ORDER BY seq ASC`,
		sessionID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		var payload string
		if err := rows.Scan(&e.SessionID, &e.Seq, &e.Type, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LastSeq(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?`, sessionID,
	).Scan(&seq)
	return seq, err
}

func (s *SQLiteStore) AddPending(ctx context.Context, sessionID, requestID, kind string, payload json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_requests (session_id, request_id, kind, payload, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sessionID, requestID, kind, string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("add pending: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeletePending(ctx context.Context, sessionID, requestID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_requests WHERE session_id = ? AND request_id = ?`,
		sessionID, requestID)
	return checkUpdated(res, err)
}

func (s *SQLiteStore) ListPending(ctx context.Context, sessionID string) ([]*PendingPermission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, request_id, kind, payload, created_at FROM pending_requests
		 WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var out []*PendingPermission
	for rows.Next() {
		var p PendingPermission
		var payload string
		if err := rows.Scan(&p.SessionID, &p.RequestID, &p.Kind, &payload, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Payload = json.RawMessage(payload)
		out = append(out, &p)
	}
	return out, rows.Err()
}
