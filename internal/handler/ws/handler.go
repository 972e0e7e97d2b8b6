package ws

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	chatservice "github.com/oakhart/parley/internal/service/chat"
	"github.com/oakhart/parley/internal/service/session"
	"github.com/oakhart/parley/pkg/utils"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Handler upgrades chat connections and dispatches the client protocol:
// init_session, resume_session, send_prompt.
type Handler struct {
	registry  *session.Registry
	scheduler *session.Scheduler
	chatSvc   *chatservice.Service
	hub       *Hub
	upgrader  websocket.Upgrader
}

// New creates the websocket handler.
func New(registry *session.Registry, scheduler *session.Scheduler, chatSvc *chatservice.Service, hub *Hub) *Handler {
	return &Handler{
		registry:  registry,
		scheduler: scheduler,
		chatSvc:   chatSvc,
		hub:       hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			// Handshake failures answer with the API's JSON error shape
			// instead of gorilla's plain-text default.
			Error: func(w http.ResponseWriter, r *http.Request, status int, reason error) {
				utils.RespondError(w, status, reason.Error())
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes mounts the websocket endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleConnection)
}

type inboundMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
}

func (h *Handler) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	c := newClient(conn)
	log.Printf("[ws] connection opened from %s", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go h.pingLoop(ctx, c)

	defer h.closeConnection(c)

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[ws] read error: %v", err)
			}
			return
		}

		conn.SetReadDeadline(time.Now().Add(pongWait))
		h.handleMessage(c, &msg)
	}
}

func (h *Handler) handleMessage(c *client, msg *inboundMessage) {
	switch msg.Type {
	case "init_session":
		h.handleInit(c)
	case "resume_session":
		h.handleResume(c, msg.SessionID)
	case "send_prompt":
		h.handlePrompt(c, msg.Prompt)
	default:
		c.send(outgoingMessage{Type: "error", Message: "unsupported message type: " + msg.Type})
	}
}

func (h *Handler) handleInit(c *client) {
	h.detachCurrent(c)

	sess := h.registry.Create()
	c.sessionID = sess.ID
	h.hub.attach(sess.ID, c)

	log.Printf("[ws] session created id=%s", sess.ID)
	c.send(outgoingMessage{Type: "session_created", SessionID: sess.ID})
}

// handleResume continues a prior session when it is still active; a stale or
// unknown id is substituted with a fresh session, flagged so the client can
// tell. A deleted session is never resurrected.
func (h *Handler) handleResume(c *client, sessionID string) {
	h.detachCurrent(c)

	if sessionID != "" {
		if sess, ok := h.registry.Refresh(sessionID); ok {
			c.sessionID = sess.ID
			h.hub.attach(sess.ID, c)
			log.Printf("[ws] session resumed id=%s", sess.ID)
			c.send(outgoingMessage{Type: "session_resumed", SessionID: sess.ID})
			return
		}
	}

	sess := h.registry.Create()
	c.sessionID = sess.ID
	h.hub.attach(sess.ID, c)

	log.Printf("[ws] resume rejected for id=%q, created id=%s", sessionID, sess.ID)
	c.send(outgoingMessage{
		Type:      "session_created",
		SessionID: sess.ID,
		Info:      "previous session expired or unknown; a new session was created",
	})
}

func (h *Handler) handlePrompt(c *client, prompt string) {
	if c.sessionID == "" {
		c.send(outgoingMessage{Type: "error", Message: "no session established; send init_session first"})
		return
	}
	if prompt == "" {
		c.send(outgoingMessage{Type: "error", SessionID: c.sessionID, Message: "prompt must not be empty"})
		return
	}

	// The turn runs on its own goroutine and deliberately not on the
	// request context: a disconnect must not cancel an in-flight stream.
	sessionID := c.sessionID
	go func() {
		if err := h.chatSvc.HandleTurn(context.Background(), sessionID, prompt, c); err != nil {
			log.Printf("[ws] turn failed session=%s: %v", sessionID, err)
		}
	}()
}

// closeConnection runs when the read loop exits. Cleanup of the session is
// scheduled, not immediate: the idle timer is armed and the session stays
// resumable until it fires.
func (h *Handler) closeConnection(c *client) {
	c.markClosed()
	if c.sessionID == "" {
		return
	}

	h.hub.detach(c.sessionID, c)
	h.scheduler.Schedule(c.sessionID)
	log.Printf("[ws] connection closed, cleanup scheduled for session=%s", c.sessionID)
}

func (h *Handler) detachCurrent(c *client) {
	if c.sessionID != "" {
		h.hub.detach(c.sessionID, c)
		c.sessionID = ""
	}
}

func (h *Handler) pingLoop(ctx context.Context, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
