// Package session implements SessionCore (§4.3): the per-session state
// machine, handshake orchestration, and ID translation between bridge and
// agent. Grounded on runtime/internal/session/manager.go's Manager shape
// (mutex-guarded map, Create/Send/Stop/Close/Get/List) and
// hub/internal/router/router.go's handleRuntimeMessage/handleClientMessage
// switches for the status-transition-then-persist-then-publish pattern.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/acp-bridge/acp-bridge/internal/agentio"
	"github.com/acp-bridge/acp-bridge/internal/broker"
	"github.com/acp-bridge/acp-bridge/internal/protocol"
	"github.com/acp-bridge/acp-bridge/internal/registry"
	"github.com/acp-bridge/acp-bridge/internal/store"
)

// Error kinds surfaced to the RPC boundary (§7).
var (
	ErrNotFound         = store.ErrNotFound
	ErrNotReady         = fmt.Errorf("session: not_ready")
	ErrSpawnFailed      = fmt.Errorf("session: spawn_failed")
)

// Config configures every session the Manager spawns (§6.3).
type Config struct {
	AgentCommand      string
	DefaultCwd        string
	HandshakeTimeout  time.Duration // source-derived value: 60s per step
	PromptAckTimeout  time.Duration // internal bookkeeping wait for the agent's session/prompt reply
	PermissionTimeout time.Duration
}

// DefaultConfig mirrors the handshake timeout named in §5 ("source uses
// 60 s") and picks generous internal-only defaults for the two timeouts
// the distilled spec leaves unnamed.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:  60 * time.Second,
		PromptAckTimeout:  30 * time.Minute,
		PermissionTimeout: 10 * time.Minute,
	}
}

// Manager owns every live session (§4.3) plus the shared EventStore,
// RequestRegistry, and Broker they're built on.
type Manager struct {
	cfg      Config
	store    store.Store
	registry *registry.Registry
	broker   *broker.Broker
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(cfg Config, st store.Store, reg *registry.Registry, brk *broker.Broker, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		store:    st,
		registry: reg,
		broker:   brk,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// apCall is a bridge-minted AP request id awaiting the agent's reply,
// resolved against whichever RequestRegistry table it was registered in.
type apCall struct {
	table *registry.Table
	key   string
}

// Session is one subprocess-backed conversation (§3 Session, I1-I3).
type Session struct {
	id  string
	mgr *Manager

	agent  *agentio.AgentIO
	logger *slog.Logger

	mu             sync.Mutex
	agentSessionID string // I1: immutable once set
	status         string
	terminal       bool
	pendingCalls   map[int64]apCall
	nextAPID       int64

	pubMu sync.Mutex // held across append+publish in appendAndPublishUpdate
}

// Get returns a live, in-memory session handle (not the persisted Session
// row — see Manager.GetSessionView for that).
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// NewSession spawns the agent subprocess and begins the handshake in the
// background, returning as soon as the session row exists and the
// subprocess is spawned (§6.1 session/new: result is just {sessionId}).
func (m *Manager) NewSession(ctx context.Context, agentType, cwd, title string) (string, error) {
	id := uuid.New().String()
	if cwd == "" {
		cwd = m.cfg.DefaultCwd
	}

	if _, err := m.store.CreateSession(ctx, id, agentType, cwd, title); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	logger := m.logger.With("session_id", id)
	agent, err := agentio.Start(context.Background(), m.cfg.AgentCommand, cwd, nil, logger)
	if err != nil {
		_ = m.store.SetExited(ctx, id, store.StatusError, "spawn_failed")
		return "", fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	sess := &Session{
		id:           id,
		mgr:          m,
		agent:        agent,
		logger:       logger,
		status:       store.StatusInitializing,
		pendingCalls: make(map[int64]apCall),
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	go sess.readLoop()
	go sess.runHandshake(cwd)

	return id, nil
}

// sendAPRequest mints a fresh bridge-scoped AP id (never the client's own
// id — this is what prevents the source's cross-client collision bug,
// §4.4/§9), registers it in table, and writes the request frame.
func (s *Session) sendAPRequest(table *registry.Table, scope, method string, params any, timeout time.Duration) (<-chan registry.Reply, error) {
	id := atomic.AddInt64(&s.nextAPID, 1)
	key := fmt.Sprintf("%s:%s:%d", s.id, scope, id)
	ch := table.Register(key, s.id, "", timeout)

	s.mu.Lock()
	s.pendingCalls[id] = apCall{table: table, key: key}
	s.mu.Unlock()

	if err := s.agent.Send(protocol.Request(protocol.NewIntID(id), method, params)); err != nil {
		s.mu.Lock()
		delete(s.pendingCalls, id)
		s.mu.Unlock()
		table.Resolve(key, registry.Reply{Err: err})
		s.handleIOError(context.Background())
		return nil, err
	}
	return ch, nil
}

// runHandshake performs the two-step sequence of §4.3 exactly once, with
// one timeout per step and zero retries (§7 recovery policy).
func (s *Session) runHandshake(cwd string) {
	ctx := context.Background()

	ch, err := s.sendAPRequest(s.mgr.registry.Handshake, "init", "initialize",
		protocol.APInitializeParams{ProtocolVersion: 1, Capabilities: map[string]any{}},
		s.mgr.cfg.HandshakeTimeout)
	if err != nil {
		s.transitionError(ctx, "handshake_failed")
		return
	}
	if reply := <-ch; reply.Err != nil {
		s.logger.Warn("handshake initialize failed", "error", reply.Err)
		s.transitionError(ctx, "handshake_failed")
		return
	}

	ch2, err := s.sendAPRequest(s.mgr.registry.Handshake, "new", "session/new",
		protocol.APSessionNewParams{Cwd: cwd, MCPServers: []any{}},
		s.mgr.cfg.HandshakeTimeout)
	if err != nil {
		s.transitionError(ctx, "handshake_failed")
		return
	}
	reply2 := <-ch2
	if reply2.Err != nil {
		s.logger.Warn("handshake session/new failed", "error", reply2.Err)
		s.transitionError(ctx, "handshake_failed")
		return
	}

	var result protocol.APSessionNewResult
	if err := json.Unmarshal(reply2.Result, &result); err != nil || result.SessionID == "" {
		s.logger.Warn("handshake session/new malformed result", "error", err)
		s.transitionError(ctx, "handshake_failed")
		return
	}

	s.mu.Lock()
	s.agentSessionID = result.SessionID // I1
	s.status = store.StatusRunning
	s.mu.Unlock()

	if err := s.mgr.store.SetAgentSessionID(ctx, s.id, result.SessionID); err != nil {
		s.logger.Warn("persist agent_session_id failed", "error", err)
	}
	if err := s.mgr.store.SetStatus(ctx, s.id, store.StatusRunning); err != nil {
		s.logger.Warn("persist status failed", "error", err)
	}

	payload, _ := json.Marshal(map[string]string{"status": store.StatusRunning})
	s.appendAndPublishUpdate(ctx, "status_changed", payload)
	s.publishStatusChanged(store.StatusRunning, nil)
}

// transitionError moves the session straight to error (handshake failure,
// before any clean running state) — terminal, subprocess killed, zero
// retries.
func (s *Session) transitionError(ctx context.Context, reason string) {
	s.setTerminal(ctx, store.StatusError, reason)
}

// transitionExited handles subprocess exit or io_error, from any
// non-terminal state (§4.3).
func (s *Session) transitionExited(ctx context.Context, reason string) {
	s.setTerminal(ctx, store.StatusExited, reason)
}

func (s *Session) setTerminal(ctx context.Context, status, reason string) {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}
	s.terminal = true
	s.status = status
	s.mu.Unlock()

	if err := s.mgr.store.SetExited(ctx, s.id, status, reason); err != nil {
		s.logger.Warn("persist terminal status failed", "error", err)
	}
	s.publishStatusChanged(status, &reason)
	s.agent.Kill()
	s.mgr.registry.PurgeSession(s.id, registry.ErrSessionTerminated)
}

func (s *Session) handleIOError(ctx context.Context) {
	s.transitionExited(ctx, "io_error")
}

// publishStatusChanged sends the session/status_changed notification
// (§6.1) — distinct from a persisted "status_changed" Event row, which is
// only written at handshake completion (§4.3 step 3 explicitly calls
// this out; cancel and exit transitions publish without synthesizing one,
// per the design note in §4.3).
func (s *Session) publishStatusChanged(status string, exitReason *string) {
	s.mgr.broker.Publish(s.id, protocol.Notification("session/status_changed", protocol.SessionStatusChangedNotif{
		SessionID: s.id, Status: status, ExitReason: exitReason,
	}))
}

// appendAndPublishUpdate durably records one event and fans it out as a
// single-element session/updated notification, preserving the ordering
// guarantee of §4.5 (publish order == append order, because pubMu
// serializes append-then-publish per session across every caller).
func (s *Session) appendAndPublishUpdate(ctx context.Context, typ string, payload json.RawMessage) int64 {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	seq, err := s.mgr.store.AppendEvent(ctx, s.id, typ, payload)
	if err != nil {
		s.logger.Warn("append event failed", "type", typ, "error", err)
		return 0
	}
	s.mgr.broker.Publish(s.id, protocol.Notification("session/updated", protocol.SessionUpdatedNotif{
		SessionID: s.id,
		Updates:   []protocol.EventView{{Seq: seq, UpdateType: typ, Payload: payload}},
	}))
	return seq
}

// readLoop dispatches every frame the agent emits: replies to bridge-sent
// requests, session/update notifications, and session/request_permission
// requests. Runs until the agent's stdout closes, at which point the
// session is treated as exited (§4.1 failure semantics).
func (s *Session) readLoop() {
	ctx := context.Background()
	for frame := range s.agent.Frames() {
		var msg protocol.Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			s.logger.Warn("readLoop: unparsable frame, dropped", "error", err)
			continue
		}
		switch {
		case msg.IsReply():
			s.handleReply(msg)
		case msg.Method == "session/update":
			s.handleUpdate(ctx, msg)
		case msg.Method == "session/request_permission":
			s.handlePermissionRequest(ctx, msg)
		default:
			s.logger.Debug("readLoop: ignored frame", "method", msg.Method)
		}
	}
	// Frames channel closed: subprocess stdout closed.
	_ = s.agent.Wait()
	s.mu.Lock()
	alreadyTerminal := s.terminal
	s.mu.Unlock()
	if !alreadyTerminal {
		s.transitionExited(ctx, "process_exit")
	}
}

func (s *Session) handleReply(msg protocol.Message) {
	n, ok := msg.ID.AsInt64()
	if !ok {
		s.logger.Warn("readLoop: reply with non-numeric id, dropped")
		return
	}
	s.mu.Lock()
	call, ok := s.pendingCalls[n]
	if ok {
		delete(s.pendingCalls, n)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	reply := registry.Reply{Result: msg.Result}
	if msg.Error != nil {
		reply.Err = fmt.Errorf("agent error %d: %s", msg.Error.Code, msg.Error.Message)
	}
	call.table.Resolve(call.key, reply)
}

func (s *Session) handleUpdate(ctx context.Context, msg protocol.Message) {
	var params protocol.APSessionUpdateNotif
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.logger.Warn("readLoop: malformed session/update, dropped", "error", err)
		return
	}
	typ := protocol.UpdateDiscriminator(params.Update)
	if typ == "" {
		typ = "update"
	}
	s.appendAndPublishUpdate(ctx, typ, params.Update)
}

func (s *Session) handlePermissionRequest(ctx context.Context, msg protocol.Message) {
	var params protocol.APRequestPermissionParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.logger.Warn("readLoop: malformed session/request_permission, dropped", "error", err)
		return
	}
	reqIDRaw := msg.ID.String()
	key := s.id + ":perm:" + reqIDRaw

	ch := s.mgr.registry.AgentRequests.Register(key, s.id, "", s.mgr.cfg.PermissionTimeout)

	if err := s.mgr.store.AddPending(ctx, s.id, reqIDRaw, "permission", msg.Params); err != nil {
		s.logger.Warn("persist pending permission failed", "error", err)
	}
	s.mu.Lock()
	s.status = store.StatusWaiting
	s.mu.Unlock()
	if err := s.mgr.store.SetStatus(ctx, s.id, store.StatusWaiting); err != nil {
		s.logger.Warn("persist status failed", "error", err)
	}
	s.publishStatusChanged(store.StatusWaiting, nil)
	s.mgr.broker.Publish(s.id, protocol.Notification("session/request", protocol.SessionRequestNotif{
		SessionID: s.id, RequestID: json.RawMessage(reqIDRaw), Request: msg.Params,
	}))

	originalID := *msg.ID
	go s.awaitPermissionResolution(originalID, reqIDRaw, ch)
}

// awaitPermissionResolution blocks until either session/respond resolves
// the table entry (handled synchronously in Manager.Respond, which does
// not send a reply through this path — see below) or the entry times out
// or the session terminates first (§4.4 timeout policy, I7).
func (s *Session) awaitPermissionResolution(originalID protocol.ID, reqIDRaw string, ch <-chan registry.Reply) {
	reply := <-ch
	if reply.Err == nil {
		// Manager.Respond already forwarded the reply to the agent and
		// performed the running-transition and pending cleanup.
		return
	}
	if reply.Err == registry.ErrSessionTerminated {
		// Session already tearing down; nothing left to forward to.
		return
	}

	// Timeout: unblock the agent with a synthetic cancellation and revert
	// to running so the session does not linger in waiting forever.
	ctx := context.Background()
	_ = s.mgr.store.DeletePending(ctx, s.id, reqIDRaw)

	outcome := protocol.PermissionResponse{Outcome: protocol.PermissionOutcome{Outcome: "cancelled"}}
	result, _ := json.Marshal(outcome)
	if err := s.agent.Send(protocol.Message{JSONRPC: "2.0", ID: &originalID, Result: result}); err != nil {
		s.handleIOError(ctx)
		return
	}

	s.mu.Lock()
	if s.status == store.StatusWaiting {
		s.status = store.StatusRunning
	}
	s.mu.Unlock()
	if err := s.mgr.store.SetStatus(ctx, s.id, store.StatusRunning); err != nil {
		s.logger.Warn("persist status failed", "error", err)
	}
	s.publishStatusChanged(store.StatusRunning, nil)
}

// --- Manager operations backing §6.1 ---

// SessionView is the data session/list and session/get expose.
type SessionView struct {
	Summary         protocol.SessionSummary
	Updates         []protocol.EventView
	PendingRequests []protocol.PendingView
}

func toSummary(sess *store.Session) protocol.SessionSummary {
	return protocol.SessionSummary{
		SessionID:      sess.ID,
		AgentType:      sess.AgentType,
		Title:          sess.Title,
		Status:         sess.Status,
		ExitReason:     sess.ExitReason,
		Archived:       sess.Archived,
		AgentSessionID: sess.AgentSessionID,
		CreatedAt:      sess.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:      sess.UpdatedAt.Format(time.RFC3339Nano),
	}
}

// List implements session/list.
func (m *Manager) List(ctx context.Context, filter store.ListFilter) ([]protocol.SessionSummary, error) {
	sessions, err := m.store.ListSessions(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toSummary(sess))
	}
	return out, nil
}

// GetSessionView implements session/get (and its session/sync alias),
// replaying events with seq > since (P7).
func (m *Manager) GetSessionView(ctx context.Context, sessionID string, since int64) (*SessionView, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	events, err := m.store.ListEvents(ctx, sessionID, since)
	if err != nil {
		return nil, err
	}
	pending, err := m.store.ListPending(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	updates := make([]protocol.EventView, 0, len(events))
	for _, e := range events {
		updates = append(updates, protocol.EventView{Seq: e.Seq, UpdateType: e.Type, Payload: e.Payload})
	}
	pendingViews := make([]protocol.PendingView, 0, len(pending))
	for _, p := range pending {
		pendingViews = append(pendingViews, protocol.PendingView{
			RequestID: json.RawMessage(p.RequestID), Kind: p.Kind, Payload: p.Payload,
		})
	}

	return &SessionView{
		Summary:         toSummary(sess),
		Updates:         updates,
		PendingRequests: pendingViews,
	}, nil
}

// Prompt implements session/prompt: requires running, appends the user
// turn so reconnecting clients see it too, forwards to the agent under
// its own session id, and acknowledges immediately (§9 open question:
// immediate-ack form adopted).
func (m *Manager) Prompt(ctx context.Context, sessionID string, prompt []protocol.ContentBlock) error {
	sess, ok := m.Get(sessionID)
	if !ok {
		return ErrNotFound
	}

	sess.mu.Lock()
	status := sess.status
	agentSessionID := sess.agentSessionID
	sess.mu.Unlock()
	if status != store.StatusRunning {
		return ErrNotReady
	}

	payload, _ := json.Marshal(map[string]any{"prompt": prompt})
	sess.appendAndPublishUpdate(ctx, "user_message_chunk", payload)

	ch, err := sess.sendAPRequest(m.registry.ClientRequests, "prompt", "session/prompt",
		protocol.APSessionPromptParams{SessionID: agentSessionID, Prompt: prompt},
		m.cfg.PromptAckTimeout)
	if err != nil {
		// A write failure is an io_error: sendAPRequest has already moved
		// the session to exited. The error is also returned to the
		// requesting client. An error reply from the agent, by contrast,
		// is only logged below and leaves the status unchanged.
		return err
	}
	go func() {
		reply := <-ch
		if reply.Err != nil {
			sess.logger.Debug("prompt forward did not complete", "error", reply.Err)
		}
	}()
	return nil
}

// Respond implements session/respond: correlates via RequestRegistry,
// forwards the reply to the agent preserving its original id, deletes the
// PendingPermission, and transitions back to running (§4.3).
func (m *Manager) Respond(ctx context.Context, sessionID, requestID string, response json.RawMessage) error {
	sess, ok := m.Get(sessionID)
	if !ok {
		return ErrNotFound
	}

	key := sessionID + ":perm:" + requestID
	if !m.registry.AgentRequests.Has(key) {
		return ErrNotFound // P6: duplicate/unknown respond fails not_found
	}

	var originalID protocol.ID
	if err := json.Unmarshal([]byte(requestID), &originalID); err != nil {
		return fmt.Errorf("invalid requestId: %w", err)
	}

	if err := sess.agent.Send(protocol.Message{JSONRPC: "2.0", ID: &originalID, Result: response}); err != nil {
		sess.handleIOError(ctx)
		return err
	}

	if err := m.store.DeletePending(ctx, sessionID, requestID); err != nil {
		sess.logger.Warn("delete pending permission failed", "error", err)
	}
	sess.mu.Lock()
	sess.status = store.StatusRunning
	sess.mu.Unlock()
	if err := m.store.SetStatus(ctx, sessionID, store.StatusRunning); err != nil {
		sess.logger.Warn("persist status failed", "error", err)
	}
	sess.publishStatusChanged(store.StatusRunning, nil)

	// Release the registry entry (no error) so the awaiting goroutine
	// returns without performing the timeout cleanup path.
	m.registry.AgentRequests.Resolve(key, registry.Reply{})
	return nil
}

// Cancel implements session/cancel: a point-in-time signal. The agent may
// still emit a few trailing events before honouring it; those continue to
// be appended and published even though the status is now completed
// (§5 Cancellation) — so the subprocess is deliberately left running
// rather than killed here.
func (m *Manager) Cancel(ctx context.Context, sessionID string) error {
	sess, ok := m.Get(sessionID)
	if !ok {
		return ErrNotFound
	}

	sess.mu.Lock()
	agentSessionID := sess.agentSessionID
	terminal := sess.terminal
	sess.mu.Unlock()
	if terminal {
		return ErrNotFound
	}

	if agentSessionID != "" {
		_ = sess.agent.Send(protocol.Notification("session/cancel", protocol.APSessionCancelParams{SessionID: agentSessionID}))
	}

	sess.mu.Lock()
	sess.status = store.StatusCompleted
	sess.mu.Unlock()
	if err := m.store.SetStatus(ctx, sessionID, store.StatusCompleted); err != nil {
		sess.logger.Warn("persist status failed", "error", err)
	}
	sess.publishStatusChanged(store.StatusCompleted, nil)

	// Unblock any internal waiter (e.g. the prompt-forward goroutine) —
	// this is bookkeeping only, it does not stop the agent or readLoop.
	m.registry.PurgeSession(sessionID, registry.ErrSessionTerminated)
	return nil
}

// Archive implements session/archive: marks the row archived and silences
// the Broker for it (P5).
func (m *Manager) Archive(ctx context.Context, sessionID string) error {
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		return err
	}
	if err := m.store.Archive(ctx, sessionID); err != nil {
		return err
	}
	m.broker.Silence(sessionID)
	return nil
}

// Registry exposes the shared RequestRegistry; RpcServer calls PurgeClient
// on it when a WebSocket closes. The ClientRequests entries SessionCore
// registers carry no client id, so that purge resolves none of them.
func (m *Manager) Registry() *registry.Registry { return m.registry }

// Broker exposes the shared Broker so RpcServer can subscribe clients
// (session/new, session/get, session/prompt all subscribe the issuing
// client per §4.5 — that binding belongs to the WebSocket layer, which
// owns the Subscriber values, not to SessionCore).
func (m *Manager) Broker() *broker.Broker { return m.broker }

// CloseAll kills every live subprocess — used on process shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.agent.Kill()
	}
}
