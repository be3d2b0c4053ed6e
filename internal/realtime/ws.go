package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// Authenticator resolves the identity of a connecting client.
type Authenticator interface {
	// AuthenticateToken validates a bearer identity token.
	AuthenticateToken(ctx context.Context, token string) (userID string, err error)
	// RedeemTicket consumes a one-time connection ticket.
	RedeemTicket(ctx context.Context, ticket string) (userID string, err error)
}

// Acker marks notifications read on behalf of a connected user.
type Acker interface {
	Acknowledge(ctx context.Context, userID string, ids []string) (int, error)
}

type HandlerOptions struct {
	AuthTimeout    time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	SendBuffer     int
	OriginPatterns []string
	Logger         *slog.Logger
}

// Handler upgrades HTTP requests to websocket sessions registered in a Hub.
type Handler struct {
	hub    *Hub
	auth   Authenticator
	acker  Acker
	opts   HandlerOptions
	logger *slog.Logger
}

func NewHandler(hub *Hub, auth Authenticator, acker Acker, opts HandlerOptions) *Handler {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub:    hub,
		auth:   auth,
		acker:  acker,
		opts:   opts,
		logger: logger.With("component", "realtime"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.opts.OriginPatterns})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer ws.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	userID, err := h.authenticate(ctx, r, ws)
	if err != nil {
		h.logger.Info("realtime authentication failed", "error", err)
		writeCtx, writeCancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
		_ = wsjson.Write(writeCtx, ws, errorEvent("UNAUTHORIZED", "Unauthorized"))
		writeCancel()
		_ = ws.Close(websocket.StatusPolicyViolation, "unauthorized")
		return
	}

	session := newWSSession(uuid.NewString(), userID, ws, h.opts.SendBuffer)
	_ = session.enqueue(Event{Type: EventReady, Data: ReadyData{ConnectionID: session.id, UserID: userID}})

	h.hub.Register(userID, session)
	defer h.hub.Deregister(userID, session.id)

	logger := h.logger.With("user_id", userID, "connection_id", session.id)
	logger.Info("realtime session opened")

	go func() {
		defer cancel()
		if err := session.writeLoop(ctx, h.opts.WriteTimeout, h.opts.PingInterval); err != nil && ctx.Err() == nil {
			logger.Debug("write loop stopped", "error", err)
		}
	}()

	err = h.readLoop(ctx, session)
	session.close()
	if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		logger.Info("realtime session closed")
		return
	}
	logger.Info("realtime session dropped", "error", err)
}

func (h *Handler) authenticate(ctx context.Context, r *http.Request, ws *websocket.Conn) (string, error) {
	query := r.URL.Query()
	if token := query.Get("token"); token != "" {
		return h.auth.AuthenticateToken(ctx, token)
	}
	if ticket := query.Get("ticket"); ticket != "" {
		return h.auth.RedeemTicket(ctx, ticket)
	}

	authCtx, cancel := context.WithTimeout(ctx, h.opts.AuthTimeout)
	defer cancel()
	_, data, err := ws.Read(authCtx)
	if err != nil {
		return "", fmt.Errorf("read authenticate frame: %w", err)
	}
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", ErrUnauthorized
	}
	if msg.Type != MessageAuthenticate || msg.Token == "" {
		return "", ErrUnauthorized
	}
	return h.auth.AuthenticateToken(ctx, msg.Token)
}

func (h *Handler) readLoop(ctx context.Context, session *wsSession) error {
	for {
		_, data, err := session.ws.Read(ctx)
		if err != nil {
			return err
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = session.enqueue(errorEvent("BAD_MESSAGE", "Malformed message"))
			continue
		}

		switch msg.Type {
		case MessageSubscribe:
			if msg.ProjectID != "" {
				session.subscribe(msg.ProjectID)
			}
		case MessageUnsubscribe:
			session.unsubscribe(msg.ProjectID)
		case MessageAck:
			if h.acker == nil || len(msg.IDs) == 0 {
				continue
			}
			marked, err := h.acker.Acknowledge(ctx, session.userID, msg.IDs)
			if err != nil {
				h.logger.Warn("acknowledge failed", "user_id", session.userID, "error", err)
				_ = session.enqueue(errorEvent("ACK_FAILED", "Could not acknowledge notifications"))
				continue
			}
			h.logger.Debug("notifications acknowledged", "user_id", session.userID, "marked", marked)
		case MessagePing:
			_ = session.enqueue(Event{Type: EventPong})
		case MessageAuthenticate:
			// Already authenticated; ignore repeats.
		default:
			_ = session.enqueue(errorEvent("UNKNOWN_MESSAGE", fmt.Sprintf("Unknown message type %q", msg.Type)))
		}
	}
}

type wsSession struct {
	id     string
	userID string
	ws     *websocket.Conn
	send   chan Event
	done   chan struct{}
	once   sync.Once

	mu   sync.RWMutex
	subs map[string]struct{}
}

func newWSSession(id, userID string, ws *websocket.Conn, buffer int) *wsSession {
	return &wsSession{
		id:     id,
		userID: userID,
		ws:     ws,
		send:   make(chan Event, buffer),
		done:   make(chan struct{}),
		subs:   make(map[string]struct{}),
	}
}

func (s *wsSession) ID() string { return s.id }

// Push queues event for the write loop, waiting at most until ctx expires.
func (s *wsSession) Push(ctx context.Context, event Event) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- event:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *wsSession) enqueue(event Event) error {
	select {
	case s.send <- event:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// Subscribed is true for every project until the client subscribes to at
// least one.
func (s *wsSession) Subscribed(projectID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.subs) == 0 {
		return true
	}
	_, ok := s.subs[projectID]
	return ok
}

func (s *wsSession) subscribe(projectID string) {
	s.mu.Lock()
	s.subs[projectID] = struct{}{}
	s.mu.Unlock()
}

func (s *wsSession) unsubscribe(projectID string) {
	s.mu.Lock()
	delete(s.subs, projectID)
	s.mu.Unlock()
}

func (s *wsSession) close() {
	s.once.Do(func() { close(s.done) })
}

// Close stops the write loop, which cancels the read loop and ends the
// handler. The close handshake runs in the background.
func (s *wsSession) Close() {
	s.close()
	go func() { _ = s.ws.Close(websocket.StatusTryAgainLater, "session dropped") }()
}

func (s *wsSession) writeLoop(ctx context.Context, writeTimeout, pingInterval time.Duration) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return ErrSessionClosed
		case event := <-s.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, s.ws, event)
			cancel()
			if err != nil {
				return fmt.Errorf("write %s: %w", event.Type, err)
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := s.ws.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}
