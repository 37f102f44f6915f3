package dashboard

import (
	"encoding/json"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/acp-bridge/acp-bridge/internal/protocol"
	"github.com/acp-bridge/acp-bridge/internal/wsclient"
)

// Attach connects to a running bridge's /ws endpoint and displays the
// inspector dashboard until the user quits.
//
// Grounded on runtime/internal/tui/dashboard/run.go's Attach: initial
// snapshot via a blocking call, a background goroutine forwarding
// out-of-band events into the Bubble Tea program, and a ticker that
// refreshes the session list. Unlike the teacher's single eventbus
// subscription, the bridge's Broker (§4.5) only fans a session out to
// clients that have joined it, so Attach joins every session it discovers
// via session/get, matching how a browser client would.
func Attach(url string) error {
	client, err := wsclient.Dial(url)
	if err != nil {
		return fmt.Errorf("connect to bridge: %w", err)
	}
	defer func() { _ = client.Close() }()

	sessions, err := listSessions(client)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	joined := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		joinSession(client, s.SessionID)
		joined[s.SessionID] = true
	}

	m := NewModel(url)
	p := tea.NewProgram(m, tea.WithAltScreen())

	p.Send(ConnectionMsg{Connected: true})
	p.Send(SessionsMsg{Sessions: sessions})

	go forwardNotifications(client, p)

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			sessions, err := listSessions(client)
			if err != nil {
				p.Send(ConnectionMsg{Connected: false})
				return
			}
			for _, s := range sessions {
				if !joined[s.SessionID] {
					joinSession(client, s.SessionID)
					joined[s.SessionID] = true
				}
			}
			p.Send(SessionsMsg{Sessions: sessions})
		}
	}()

	_, err = p.Run()
	return err
}

func listSessions(client *wsclient.Client) ([]protocol.SessionSummary, error) {
	raw, err := client.Call("session/list", protocol.SessionListParams{})
	if err != nil {
		return nil, err
	}
	var result protocol.SessionListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return result.Sessions, nil
}

// joinSession subscribes the inspector to a session's updates the same way
// a browser client does: by calling session/get.
func joinSession(client *wsclient.Client, sessionID string) {
	go func() {
		_, _ = client.Call("session/get", protocol.SessionGetParams{SessionID: sessionID})
	}()
}

func forwardNotifications(client *wsclient.Client, p *tea.Program) {
	for msg := range client.Notifications() {
		switch msg.Method {
		case "session/updated":
			var n protocol.SessionUpdatedNotif
			if err := json.Unmarshal(msg.Params, &n); err != nil {
				continue
			}
			for _, u := range n.Updates {
				p.Send(EventMsg{SessionID: n.SessionID, Method: u.UpdateType, Data: u.Payload})
			}
		case "session/status_changed":
			var n protocol.SessionStatusChangedNotif
			if err := json.Unmarshal(msg.Params, &n); err != nil {
				continue
			}
			data, _ := json.Marshal(n)
			p.Send(EventMsg{SessionID: n.SessionID, Method: msg.Method, Data: data})
		case "session/request":
			var n protocol.SessionRequestNotif
			if err := json.Unmarshal(msg.Params, &n); err != nil {
				continue
			}
			p.Send(EventMsg{SessionID: n.SessionID, Method: msg.Method, Data: n.Request})
		}
	}
	p.Send(ConnectionMsg{Connected: false})
}
