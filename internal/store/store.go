// Package store durably records sessions, their ordered events, and open
// permission requests (§4.2 EventStore). Grounded on the teacher's
// hub/internal/store package shape (Store interface + SQLiteStore
// implementation), generalized from the teacher's runtimes/users/messages
// schema to the bridge's sessions/events/pending_requests schema (§3).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Session statuses (§3, §4.3).
const (
	StatusInitializing = "initializing"
	StatusRunning      = "running"
	StatusWaiting      = "waiting"
	StatusCompleted    = "completed"
	StatusError        = "error"
	StatusExited       = "exited"
)

var (
	// ErrNotFound is returned when a session, event, or pending request
	// lookup misses.
	ErrNotFound = errors.New("store: not found")
	// ErrAlreadyExists is returned by CreateSession for a duplicate id.
	ErrAlreadyExists = errors.New("store: already exists")
)

// Session is a row of the sessions table (§3).
type Session struct {
	ID             string
	AgentType      string
	Cwd            string
	Title          string
	AgentSessionID *string
	Status         string
	ExitReason     *string
	Archived       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Event is one append-only record of a session's ordered log (§3).
type Event struct {
	SessionID string
	Seq       int64
	Type      string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// PendingPermission is a live agent→client request awaiting a reply (§3).
type PendingPermission struct {
	SessionID string
	RequestID string // JSON-encoded original id, preserved verbatim
	Kind      string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// ListFilter narrows ListSessions (§6.1 session/list params).
type ListFilter struct {
	Archived *bool
	Status   []string
}

// Store is the durable, process-local EventStore contract of §4.2. All
// operations are strongly consistent within the process and crash-safe at
// the granularity of a single record.
type Store interface {
	CreateSession(ctx context.Context, sessionID, agentType, cwd, title string) (*Session, error)
	SetStatus(ctx context.Context, sessionID, status string) error
	SetAgentSessionID(ctx context.Context, sessionID, agentSessionID string) error
	SetTitle(ctx context.Context, sessionID, title string) error
	SetExited(ctx context.Context, sessionID, status, reason string) error
	Archive(ctx context.Context, sessionID string) error

	// AppendEvent atomically allocates the next seq for sessionID (I4, I5)
	// and inserts the row.
	AppendEvent(ctx context.Context, sessionID, typ string, payload json.RawMessage) (int64, error)

	GetSession(ctx context.Context, sessionID string) (*Session, error)
	ListSessions(ctx context.Context, filter ListFilter) ([]*Session, error)
	// ListEvents returns events for sessionID with seq > sinceSeq, ordered
	// by seq ascending. sinceSeq of 0 returns the full log.
	ListEvents(ctx context.Context, sessionID string, sinceSeq int64) ([]*Event, error)
	LastSeq(ctx context.Context, sessionID string) (int64, error)

	AddPending(ctx context.Context, sessionID, requestID, kind string, payload json.RawMessage) error
	DeletePending(ctx context.Context, sessionID, requestID string) error
	ListPending(ctx context.Context, sessionID string) ([]*PendingPermission, error)

	Close() error
}
