// Package rpcserver implements RpcServer (§4.6): the browser-facing
// WebSocket endpoint speaking true JSON-RPC 2.0.
//
// Grounded on hub/internal/router/router.go's HandleClientWS (upgrade, read
// loop, per-connection goroutine, rate-limited read size) reworked from the
// teacher's Envelope{Type,...} wire shape onto internal/protocol's
// {jsonrpc,id,method,params}/{jsonrpc,id,result}/{jsonrpc,id,error} frames,
// and from the teacher's JWT-identified clientConn onto an unauthenticated
// connection (§1 Non-goals: authenticating or authorizing clients).
package rpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/acp-bridge/acp-bridge/internal/protocol"
	"github.com/acp-bridge/acp-bridge/internal/registry"
	"github.com/acp-bridge/acp-bridge/internal/session"
	"github.com/acp-bridge/acp-bridge/internal/store"
)

// maxClientMessageSize bounds one inbound WebSocket frame, mirroring the
// teacher's maxClientMessageSize default (hub/internal/router/router.go).
const maxClientMessageSize = 64 * 1024

// Server upgrades HTTP connections to WebSocket and dispatches JSON-RPC 2.0
// requests against a session.Manager.
type Server struct {
	mgr      *session.Manager
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(mgr *session.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		mgr:    mgr,
		logger: logger.With("component", "rpcserver"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin checking is part of an auth story this bridge
			// explicitly does not implement (§1 Non-goals).
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// client is one WebSocket connection, implementing broker.Subscriber.
type client struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
}

func (c *client) ClientID() string { return c.id }

func (c *client) Notify(msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

func (c *client) writeResult(id *protocol.ID, result any) {
	if id == nil {
		return
	}
	data, _ := json.Marshal(result)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(protocol.Message{JSONRPC: "2.0", ID: id, Result: data}); err != nil {
		c.logger.Debug("write reply failed", "error", err)
	}
}

func (c *client) writeError(id *protocol.ID, code int, message string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	msg := protocol.Message{JSONRPC: "2.0", Error: &protocol.RPCError{Code: code, Message: message}}
	if id != nil {
		msg.ID = id
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		c.logger.Debug("write error reply failed", "error", err)
	}
}

// HandleWS upgrades the request and runs the connection's read loop until
// it closes (§4.6).
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxClientMessageSize)

	id := uuid.New().String()
	c := &client{id: id, conn: conn, logger: s.logger.With("client_id", id)}
	c.logger.Info("client connected")

	defer func() {
		s.mgr.Broker().UnsubscribeAll(c.id)
		s.mgr.Registry().PurgeClient(c.id)
		c.logger.Info("client disconnected")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Debug("read error", "error", err)
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.writeError(nil, protocol.CodeParseError, "invalid JSON")
			continue
		}
		if !msg.IsRequest() {
			c.logger.Debug("ignored non-request frame", "method", msg.Method)
			continue
		}

		s.dispatch(c, msg)
	}
}

func (s *Server) dispatch(c *client, msg protocol.Message) {
	ctx := context.Background()

	result, rpcErr := s.handle(ctx, c, msg.Method, msg.Params)
	if rpcErr != nil {
		c.writeError(msg.ID, rpcErr.Code, rpcErr.Message)
		return
	}
	c.writeResult(msg.ID, result)
}

func (s *Server) handle(ctx context.Context, c *client, method string, params json.RawMessage) (any, *protocol.RPCError) {
	switch method {
	case "session/list":
		var p protocol.SessionListParams
		if err := unmarshalParams(params, &p); err != nil {
			return nil, invalidParams(err)
		}
		sessions, err := s.mgr.List(ctx, store.ListFilter{Archived: p.Archived, Status: p.Status})
		if err != nil {
			return nil, mapError(err)
		}
		return protocol.SessionListResult{Sessions: sessions}, nil

	case "session/new":
		var p protocol.SessionNewParams
		if err := unmarshalParams(params, &p); err != nil {
			return nil, invalidParams(err)
		}
		id, err := s.mgr.NewSession(ctx, p.AgentType, p.Cwd, p.Title)
		if err != nil {
			return nil, mapError(err)
		}
		s.mgr.Broker().Subscribe(id, c)
		return protocol.SessionNewResult{SessionID: id}, nil

	case "session/get", "session/sync":
		var p protocol.SessionGetParams
		if err := unmarshalParams(params, &p); err != nil {
			return nil, invalidParams(err)
		}
		since := int64(0)
		if p.Since != nil {
			since = *p.Since
		}
		view, err := s.mgr.GetSessionView(ctx, p.SessionID, since)
		if err != nil {
			return nil, mapError(err)
		}
		s.mgr.Broker().Subscribe(p.SessionID, c)
		return protocol.SessionGetResult{
			Session:         view.Summary,
			Updates:         view.Updates,
			PendingRequests: view.PendingRequests,
		}, nil

	case "session/prompt":
		var p protocol.SessionPromptParams
		if err := unmarshalParams(params, &p); err != nil {
			return nil, invalidParams(err)
		}
		if err := s.mgr.Prompt(ctx, p.SessionID, p.Prompt); err != nil {
			return nil, mapError(err)
		}
		s.mgr.Broker().Subscribe(p.SessionID, c)
		return protocol.SuccessResult{Success: true}, nil

	case "session/respond":
		var p protocol.SessionRespondParams
		if err := unmarshalParams(params, &p); err != nil {
			return nil, invalidParams(err)
		}
		if err := s.mgr.Respond(ctx, p.SessionID, string(p.RequestID), p.Response); err != nil {
			return nil, mapError(err)
		}
		return protocol.SuccessResult{Success: true}, nil

	case "session/cancel":
		var p protocol.SessionCancelParams
		if err := unmarshalParams(params, &p); err != nil {
			return nil, invalidParams(err)
		}
		if err := s.mgr.Cancel(ctx, p.SessionID); err != nil {
			return nil, mapError(err)
		}
		return protocol.SuccessResult{Success: true}, nil

	case "session/archive":
		var p protocol.SessionArchiveParams
		if err := unmarshalParams(params, &p); err != nil {
			return nil, invalidParams(err)
		}
		if err := s.mgr.Archive(ctx, p.SessionID); err != nil {
			return nil, mapError(err)
		}
		return protocol.SuccessResult{Success: true}, nil

	default:
		return nil, &protocol.RPCError{Code: protocol.CodeMethodNotFound, Message: "method not found: " + method}
	}
}

func unmarshalParams(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func invalidParams(err error) *protocol.RPCError {
	return &protocol.RPCError{Code: protocol.CodeInvalidParams, Message: "invalid params: " + err.Error()}
}

// mapError translates an internal error kind (§7) into a JSON-RPC error
// code. Internal layers never know about wire codes; this is the only
// place that boundary crossing happens.
func mapError(err error) *protocol.RPCError {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, session.ErrNotFound):
		return &protocol.RPCError{Code: protocol.CodeInvalidParams, Message: "not_found"}
	case errors.Is(err, session.ErrNotReady):
		return &protocol.RPCError{Code: protocol.CodeInvalidParams, Message: "not_ready"}
	case errors.Is(err, registry.ErrTimeout):
		return &protocol.RPCError{Code: protocol.CodeInternalError, Message: "timeout"}
	case errors.Is(err, registry.ErrSessionTerminated):
		return &protocol.RPCError{Code: protocol.CodeInternalError, Message: "session_terminated"}
	case errors.Is(err, registry.ErrClientGone):
		return &protocol.RPCError{Code: protocol.CodeInternalError, Message: "client_gone"}
	case errors.Is(err, session.ErrSpawnFailed):
		return &protocol.RPCError{Code: protocol.CodeInternalError, Message: "spawn_failed"}
	default:
		return &protocol.RPCError{Code: protocol.CodeInternalError, Message: err.Error()}
	}
}
