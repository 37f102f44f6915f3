// Package registry implements the three process-local correlation tables
// of §4.4 RequestRegistry. It is deliberately generalized from the
// teacher's single pendingPerms map (hub/internal/router/router.go) keyed
// only by id — the design note in §9 names that single global map as the
// root cause of the cross-client id-collision bug this package exists to
// avoid. Each table here is scoped by its own producer and purged
// independently.
package registry

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Reply is what a waiter receives: either a result payload or a terminal
// error (timeout, session_terminated, client_gone).
type Reply struct {
	Result json.RawMessage
	Err    error
}

var (
	ErrTimeout           = errors.New("registry: timeout")
	ErrSessionTerminated = errors.New("registry: session_terminated")
	ErrClientGone        = errors.New("registry: client_gone")
	ErrNotFound          = errors.New("registry: not_found")
)

type entry struct {
	ch        chan Reply
	timer     *time.Timer
	sessionID string
	clientID  string
	resolved  bool
}

// Table is one correlation table: a map from a producer-scoped key to a
// waiter, each carrying its own deadline (§4.4 timeout policy). The zero
// value is not usable; use NewTable.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewTable() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Register records a new waiter under key, scoped to sessionID (and
// optionally clientID, for tables that need per-client purge on
// disconnect). If the deadline elapses before Resolve is called, the
// waiter receives ErrTimeout and the entry is removed. Register panics if
// key is already registered — callers are expected to mint fresh keys
// (I7: at most one unresolved entry per key).
func (t *Table) Register(key, sessionID, clientID string, timeout time.Duration) <-chan Reply {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[key]; exists {
		panic("registry: duplicate key " + key)
	}

	e := &entry{
		ch:        make(chan Reply, 1),
		sessionID: sessionID,
		clientID:  clientID,
	}
	e.timer = time.AfterFunc(timeout, func() {
		t.resolve(key, Reply{Err: ErrTimeout})
	})
	t.entries[key] = e
	return e.ch
}

// Resolve delivers reply to the waiter registered under key and removes
// the entry. Returns false if no such key is live (already resolved,
// timed out, or never registered) — duplicate resolution is P6's
// "resolved at most once" and must map to not_found at the RPC boundary.
func (t *Table) Resolve(key string, reply Reply) bool {
	return t.resolve(key, reply)
}

func (t *Table) resolve(key string, reply Reply) bool {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok || e.resolved {
		t.mu.Unlock()
		return false
	}
	e.resolved = true
	delete(t.entries, key)
	t.mu.Unlock()

	e.timer.Stop()
	e.ch <- reply
	return true
}

// Has reports whether key currently has a live, unresolved entry — used
// by session/respond to answer not_found for an unknown requestId (P6)
// without consuming the entry.
func (t *Table) Has(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key]
	return ok
}

// PurgeSession resolves every live entry scoped to sessionID with err
// (typically ErrSessionTerminated) — used when a session reaches a
// terminal state so no holder is left waiting past it.
func (t *Table) PurgeSession(sessionID string, err error) {
	t.purgeWhere(err, func(e *entry) bool { return e.sessionID == sessionID })
}

// PurgeClient resolves every live entry scoped to clientID with err
// (typically ErrClientGone) — used on WebSocket close.
func (t *Table) PurgeClient(clientID string, err error) {
	t.purgeWhere(err, func(e *entry) bool { return e.clientID == clientID })
}

func (t *Table) purgeWhere(err error, match func(*entry) bool) {
	t.mu.Lock()
	var matched []*entry
	for key, e := range t.entries {
		if match(e) {
			e.resolved = true
			matched = append(matched, e)
			delete(t.entries, key)
		}
	}
	t.mu.Unlock()

	for _, e := range matched {
		e.timer.Stop()
		e.ch <- Reply{Err: err}
	}
}

// Registry bundles the three tables named in §4.4.
type Registry struct {
	// ClientRequests: bridge-scoped id -> waiter. Populated whenever the
	// bridge forwards a client-originated request to the agent under a
	// freshly minted bridge id, never the client's own id, which is what
	// prevents the source's cross-client collision bug. SessionCore
	// registers these entries with a session id and no client id, so
	// PurgeClient does not match them; the agent's reply, the deadline or
	// PurgeSession resolves them.
	ClientRequests *Table
	// AgentRequests: the agent's own request id (permission requests),
	// preserved verbatim on the reply path.
	AgentRequests *Table
	// Handshake: session-scoped, internal-only, purged on completion.
	Handshake *Table
}

func New() *Registry {
	return &Registry{
		ClientRequests: NewTable(),
		AgentRequests:  NewTable(),
		Handshake:      NewTable(),
	}
}

// PurgeSession resolves all three tables' entries for sessionID —
// SessionCore calls this on any terminal transition (§4.3 subprocess exit,
// §5 "session termination cancels all RequestRegistry entries tied to the
// session").
func (r *Registry) PurgeSession(sessionID string, err error) {
	r.ClientRequests.PurgeSession(sessionID, err)
	r.AgentRequests.PurgeSession(sessionID, err)
	r.Handshake.PurgeSession(sessionID, err)
}

// PurgeClient resolves ClientRequests entries for a disconnected
// WebSocket (§5 "WebSocket close cancels all pending client-originated
// requests... with a client_gone error").
func (r *Registry) PurgeClient(clientID string) {
	r.ClientRequests.PurgeClient(clientID, ErrClientGone)
}
