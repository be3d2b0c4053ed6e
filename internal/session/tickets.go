// Package session stores the short-lived, one-time tickets browsers use to
// open a realtime connection without putting a bearer token in the URL.
package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrTicketNotFound = errors.New("ticket not found or expired")

// TicketData is what a ticket resolves to.
type TicketData struct {
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// TicketStore issues tickets that can be redeemed exactly once before they
// expire.
type TicketStore interface {
	Issue(ctx context.Context, userID string, ttl time.Duration) (string, error)
	Redeem(ctx context.Context, ticket string) (TicketData, error)
	Ping(ctx context.Context) error
	Close() error
}

func newTicket() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "") + strings.ReplaceAll(uuid.NewString(), "-", "")
}
