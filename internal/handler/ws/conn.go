package ws

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// outgoingMessage is the wire shape of every server-to-client event.
type outgoingMessage struct {
	Type        string   `json:"type"`
	SessionID   string   `json:"sessionId,omitempty"`
	Info        string   `json:"info,omitempty"`
	Delta       string   `json:"delta,omitempty"`
	Snapshot    string   `json:"snapshot,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	Message     string   `json:"message,omitempty"`
	Details     string   `json:"details,omitempty"`
	Timestamp   int64    `json:"timestamp"`
}

// client wraps one websocket connection. Writes are serialized by a mutex
// and become silent no-ops once the connection is gone, so an in-flight
// stream can run to completion against an absent transport without errors
// poisoning its terminal handling.
type client struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool

	// sessionID is the session this connection is currently attached to.
	// Only the connection's read loop writes it.
	sessionID string
}

func newClient(conn *websocket.Conn) *client {
	return &client{conn: conn}
}

func (c *client) send(msg outgoingMessage) {
	msg.Timestamp = time.Now().UnixMilli()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		log.Printf("[ws] write failed, dropping connection: %v", err)
		c.closed = true
	}
}

func (c *client) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Emitter implementation: ordered fan-out of one turn's events.

func (c *client) TextCreated(sessionID string) {
	c.send(outgoingMessage{Type: "text_created", SessionID: sessionID})
}

func (c *client) TextDelta(sessionID, delta, snapshot string) {
	c.send(outgoingMessage{Type: "text_delta", SessionID: sessionID, Delta: delta, Snapshot: snapshot})
}

func (c *client) ResponseComplete(sessionID string) {
	c.send(outgoingMessage{Type: "response_complete", SessionID: sessionID})
}

func (c *client) Suggestions(sessionID string, suggestions []string) {
	c.send(outgoingMessage{Type: "suggestions", SessionID: sessionID, Suggestions: suggestions})
}

func (c *client) TurnError(sessionID, message, details string) {
	c.send(outgoingMessage{Type: "error", SessionID: sessionID, Message: message, Details: details})
}
