// Package broker implements the pub/sub multimap of §4.5: which clients
// are currently subscribed to which session, and best-effort fan-out of
// notifications to them.
//
// Grounded on hub/internal/router/router.go's subscribers map[string]map[string]*clientConn
// and broadcastToSession. The teacher's router already uses a subscriber
// set here rather than a single current-client field (that bug lives
// elsewhere, in runtime/internal/hub/client.go's reconnect path) — kept as
// a set per the explicit instruction in §9 ("replace it with a set").
package broker

import (
	"log/slog"
	"sync"

	"github.com/acp-bridge/acp-bridge/internal/protocol"
)

// Subscriber is anything that can receive a notification frame and
// identify itself. RpcServer's per-connection client implements this.
type Subscriber interface {
	ClientID() string
	Notify(msg protocol.Message) error
}

// Broker owns the subscription multimap. The zero value is not usable;
// use New.
type Broker struct {
	mu       sync.Mutex
	subs     map[string]map[string]Subscriber // sessionID -> clientID -> subscriber
	silenced map[string]bool                  // sessions that must no longer publish (archived)
	logger   *slog.Logger
}

func New(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subs:     make(map[string]map[string]Subscriber),
		silenced: make(map[string]bool),
		logger:   logger,
	}
}

// Subscribe adds client to sessionID's subscriber set. Subscription is
// implicit at the call sites (session/new, session/get, session/prompt)
// per §4.5 — Broker itself just records it.
func (b *Broker) Subscribe(sessionID string, client Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.silenced[sessionID] {
		return
	}
	set, ok := b.subs[sessionID]
	if !ok {
		set = make(map[string]Subscriber)
		b.subs[sessionID] = set
	}
	set[client.ClientID()] = client
}

// Unsubscribe removes client from sessionID's set.
func (b *Broker) Unsubscribe(sessionID, clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sessionID]; ok {
		delete(set, clientID)
		if len(set) == 0 {
			delete(b.subs, sessionID)
		}
	}
}

// UnsubscribeAll removes clientID from every session's set — called on
// WebSocket disconnect.
func (b *Broker) UnsubscribeAll(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sessionID, set := range b.subs {
		delete(set, clientID)
		if len(set) == 0 {
			delete(b.subs, sessionID)
		}
	}
}

// Silence permanently stops delivery for sessionID (§6.1 session/archive,
// P5: "no further notifications for that sessionId are delivered on any
// open connection"). Irreversible for the lifetime of the process.
func (b *Broker) Silence(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.silenced[sessionID] = true
	delete(b.subs, sessionID)
}

// Publish sends msg to every subscriber currently on sessionID's set.
// Best-effort: a send error drops that subscriber from the set but does
// not fail the publish for the others (§4.5). Callers are responsible for
// calling Publish in the same order the underlying events were appended
// so the per-session ordering guarantee holds — in this bridge that is
// satisfied because SessionCore serializes each session's
// append-then-publish under one lock.
func (b *Broker) Publish(sessionID string, msg protocol.Message) {
	b.mu.Lock()
	if b.silenced[sessionID] {
		b.mu.Unlock()
		return
	}
	set := b.subs[sessionID]
	subscribers := make([]Subscriber, 0, len(set))
	for _, c := range set {
		subscribers = append(subscribers, c)
	}
	b.mu.Unlock()

	var dead []string
	for _, c := range subscribers {
		if err := c.Notify(msg); err != nil {
			b.logger.Debug("broker: dropping unreachable subscriber", "session_id", sessionID, "client_id", c.ClientID(), "error", err)
			dead = append(dead, c.ClientID())
		}
	}
	if len(dead) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sessionID]; ok {
		for _, id := range dead {
			delete(set, id)
		}
		if len(set) == 0 {
			delete(b.subs, sessionID)
		}
	}
}

// SubscriberCount reports how many clients are currently subscribed to
// sessionID, for diagnostics/tests.
func (b *Broker) SubscriberCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[sessionID])
}
