package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Backoff computes reconnect delays: Initial, doubled per attempt, capped at
// Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

func (b Backoff) Delay(attempt int) time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	maxDelay := b.Max
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	delay := initial
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

// TokenSource returns the identity token used for the next connection.
type TokenSource func(ctx context.Context) (string, error)

type SupervisorConfig struct {
	// URL of the realtime endpoint, e.g. ws://localhost:8787/api/realtime.
	URL     string
	Token   TokenSource
	Backoff Backoff
	// OnConnect runs after every successful handshake; clients use it to pull
	// notifications missed while disconnected.
	OnConnect func(ctx context.Context)
	OnEvent   func(Envelope)
	Header    http.Header
	Logger    *slog.Logger
}

// Supervisor keeps one realtime connection alive. It retries forever with
// capped exponential backoff, restores project subscriptions after each
// handshake, and can be told to reconnect immediately.
type Supervisor struct {
	cfg       SupervisorConfig
	logger    *slog.Logger
	reconnect chan struct{}

	mu       sync.Mutex
	attempts int
	conn     *websocket.Conn
	subs     map[string]struct{}
}

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:       cfg,
		logger:    logger.With("component", "supervisor"),
		reconnect: make(chan struct{}, 1),
		subs:      make(map[string]struct{}),
	}
}

// Run connects and reconnects until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		err := s.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case <-s.reconnect:
			s.logger.Info("manual reconnect")
			continue
		default:
		}

		attempt := s.nextAttempt()
		delay := s.cfg.Backoff.Delay(attempt - 1)
		s.logger.Warn("realtime connection lost", "error", err, "attempt", attempt, "retry_in", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.reconnect:
			timer.Stop()
			s.logger.Info("manual reconnect")
		case <-timer.C:
		}
	}
}

// Reconnect drops the current connection, resets the attempt counter and
// skips any pending backoff delay.
func (s *Supervisor) Reconnect() {
	s.mu.Lock()
	s.attempts = 0
	conn := s.conn
	s.mu.Unlock()

	select {
	case s.reconnect <- struct{}{}:
	default:
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "reconnect")
	}
}

// Attempts is the number of consecutive failed connection attempts.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Supervisor) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Subscribe records projectID and sends the subscription when connected. It
// is replayed after every reconnect.
func (s *Supervisor) Subscribe(ctx context.Context, projectID string) error {
	s.mu.Lock()
	s.subs[projectID] = struct{}{}
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return wsjson.Write(ctx, conn, ClientMessage{Type: MessageSubscribe, ProjectID: projectID})
}

func (s *Supervisor) Unsubscribe(ctx context.Context, projectID string) error {
	s.mu.Lock()
	delete(s.subs, projectID)
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return wsjson.Write(ctx, conn, ClientMessage{Type: MessageUnsubscribe, ProjectID: projectID})
}

// Ack marks notifications read over the live connection.
func (s *Supervisor) Ack(ctx context.Context, ids []string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrSessionClosed
	}
	return wsjson.Write(ctx, conn, ClientMessage{Type: MessageAck, IDs: ids})
}

func (s *Supervisor) nextAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	return s.attempts
}

func (s *Supervisor) dialURL(ctx context.Context) (string, error) {
	target, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	if s.cfg.Token != nil {
		token, err := s.cfg.Token(ctx)
		if err != nil {
			return "", fmt.Errorf("fetch token: %w", err)
		}
		query := target.Query()
		query.Set("token", token)
		target.RawQuery = query.Encode()
	}
	return target.String(), nil
}

func (s *Supervisor) runSession(ctx context.Context) error {
	target, err := s.dialURL(ctx)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{HTTPHeader: s.cfg.Header})
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.CloseNow()

	var ready Envelope
	if err := wsjson.Read(ctx, conn, &ready); err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	switch ready.Type {
	case EventReady:
	case EventError:
		var data ErrorData
		_ = json.Unmarshal(ready.Data, &data)
		return fmt.Errorf("%w: %s", ErrUnauthorized, data.Message)
	default:
		return fmt.Errorf("unexpected handshake event %q", ready.Type)
	}

	s.mu.Lock()
	s.conn = conn
	s.attempts = 0
	subs := make([]string, 0, len(s.subs))
	for projectID := range s.subs {
		subs = append(subs, projectID)
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	for _, projectID := range subs {
		if err := wsjson.Write(ctx, conn, ClientMessage{Type: MessageSubscribe, ProjectID: projectID}); err != nil {
			return fmt.Errorf("resubscribe %s: %w", projectID, err)
		}
	}

	s.logger.Info("realtime connected", "subscriptions", len(subs))
	if s.cfg.OnConnect != nil {
		s.cfg.OnConnect(ctx)
	}

	for {
		var env Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return errors.New("connection closed")
			}
			return err
		}
		if s.cfg.OnEvent != nil {
			s.cfg.OnEvent(env)
		}
	}
}
