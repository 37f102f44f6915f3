// Package wsclient is a minimal JSON-RPC 2.0 client over the bridge's own
// /ws endpoint, used by the supplemental acp-bridgectl inspector to watch a
// running bridge the same way a browser client would.
//
// Grounded on runtime/internal/ipc/client.go's Dial/Call/Subscribe/Events
// shape (background readLoop demuxing replies from pending calls by id,
// versus out-of-band events delivered on their own channel), reworked from
// a length-prefixed Unix socket protocol onto gorilla/websocket framing of
// internal/protocol messages.
package wsclient

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/acp-bridge/acp-bridge/internal/protocol"
)

// Client is a JSON-RPC 2.0 client connected to a bridge's /ws endpoint.
type Client struct {
	conn   *websocket.Conn
	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan protocol.Message

	notifyCh chan protocol.Message
	done     chan struct{}
}

// Dial connects to url (e.g. "ws://localhost:8080/ws").
func Dial(url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial bridge: %w", err)
	}

	c := &Client{
		conn:     conn,
		pending:  make(map[int64]chan protocol.Message),
		notifyCh: make(chan protocol.Message, 64),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Call sends a JSON-RPC request and blocks for its reply.
func (c *Client) Call(method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan protocol.Message, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := protocol.Request(protocol.NewIntID(id), method, params)
	if err := c.conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %s", method, resp.Error.Message)
		}
		return resp.Result, nil
	case <-c.done:
		return nil, fmt.Errorf("connection closed")
	}
}

// Notifications returns the channel that delivers server-initiated
// notifications (session/status_changed, session/updated, session/request).
func (c *Client) Notifications() <-chan protocol.Message {
	return c.notifyCh
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return c.conn.Close()
}

func (c *Client) readLoop() {
	defer func() {
		select {
		case <-c.done:
		default:
			close(c.done)
		}
		close(c.notifyCh)
	}()

	for {
		var msg protocol.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		if msg.IsReply() {
			n, ok := msg.ID.AsInt64()
			if !ok {
				continue
			}
			c.mu.Lock()
			ch, found := c.pending[n]
			c.mu.Unlock()
			if found {
				ch <- msg
			}
			continue
		}

		select {
		case c.notifyCh <- msg:
		default:
		}
	}
}
