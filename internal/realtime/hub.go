package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultPushTimeout = 2 * time.Second

// Session is one live connection of an authenticated user.
type Session interface {
	ID() string
	Push(ctx context.Context, event Event) error
	// Subscribed reports whether the session wants events for projectID.
	Subscribed(projectID string) bool
	// Close ends the connection. It must not block and may be called twice.
	Close()
}

// PushResult is the outcome of pushing one event to one session.
type PushResult struct {
	ConnectionID string
	Skipped      bool
	Err          error
}

// Hub is the process-local registry of connected sessions, keyed by user.
// It lives only as long as the process; after a restart clients reconnect and
// pull whatever they missed from the notification store.
type Hub struct {
	mu          sync.RWMutex
	sessions    map[string]map[string]Session // userID -> connectionID -> session
	pushTimeout time.Duration
	logger      *slog.Logger
}

// NewHub creates a hub. Pass a zero pushTimeout for the default and a nil
// logger for slog.Default().
func NewHub(pushTimeout time.Duration, logger *slog.Logger) *Hub {
	if pushTimeout <= 0 {
		pushTimeout = defaultPushTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sessions:    make(map[string]map[string]Session),
		pushTimeout: pushTimeout,
		logger:      logger.With("component", "hub"),
	}
}

func (h *Hub) Register(userID string, session Session) {
	h.mu.Lock()
	if _, ok := h.sessions[userID]; !ok {
		h.sessions[userID] = make(map[string]Session)
	}
	h.sessions[userID][session.ID()] = session
	h.mu.Unlock()

	h.logger.Debug("session registered", "user_id", userID, "connection_id", session.ID())
}

// Deregister removes one session. Unknown ids are ignored.
func (h *Hub) Deregister(userID, connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sessions, ok := h.sessions[userID]
	if !ok {
		return
	}
	if _, exists := sessions[connectionID]; !exists {
		return
	}
	delete(sessions, connectionID)
	if len(sessions) == 0 {
		delete(h.sessions, userID)
	}

	h.logger.Debug("session deregistered", "user_id", userID, "connection_id", connectionID)
}

// Connected returns the number of live sessions for userID.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID])
}

// SendToUser pushes event to every session of userID in parallel, each bounded
// by the hub's push timeout. A user with no sessions is a silent no-op.
// Sessions whose push fails are deregistered and closed so the client
// reconnects and pulls what it missed; the event is not queued for them.
func (h *Hub) SendToUser(ctx context.Context, userID string, event Event) []PushResult {
	h.mu.RLock()
	sessions, ok := h.sessions[userID]
	if !ok || len(sessions) == 0 {
		h.mu.RUnlock()
		return nil
	}
	targets := make([]Session, 0, len(sessions))
	for _, session := range sessions {
		targets = append(targets, session)
	}
	h.mu.RUnlock()

	results := make([]PushResult, len(targets))
	var wg sync.WaitGroup
	for i, session := range targets {
		results[i].ConnectionID = session.ID()
		if event.ProjectID != "" && !session.Subscribed(event.ProjectID) {
			results[i].Skipped = true
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			pushCtx, cancel := context.WithTimeout(ctx, h.pushTimeout)
			defer cancel()
			results[i].Err = session.Push(pushCtx, event)
		}()
	}
	wg.Wait()

	for i, result := range results {
		if result.Err == nil {
			continue
		}
		h.logger.Warn("push failed, dropping session",
			"user_id", userID,
			"connection_id", result.ConnectionID,
			"event", event.Type,
			"error", result.Err)
		h.Deregister(userID, result.ConnectionID)
		targets[i].Close()
	}
	return results
}
