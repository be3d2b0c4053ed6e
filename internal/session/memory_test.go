package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryTicketsRedeemOnce(t *testing.T) {
	store := NewMemoryTickets(time.Hour)
	defer store.Close()
	ctx := context.Background()

	ticket, err := store.Issue(ctx, "user-1", time.Minute)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	data, err := store.Redeem(ctx, ticket)
	if err != nil {
		t.Fatalf("Redeem failed: %v", err)
	}
	if data.UserID != "user-1" {
		t.Errorf("expected user-1, got %s", data.UserID)
	}
	if _, err := store.Redeem(ctx, ticket); !errors.Is(err, ErrTicketNotFound) {
		t.Fatalf("expected ErrTicketNotFound, got %v", err)
	}
}

func TestMemoryTicketsExpire(t *testing.T) {
	store := NewMemoryTickets(time.Hour)
	defer store.Close()
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	ticket, err := store.Issue(ctx, "user-1", 30*time.Second)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	now = now.Add(31 * time.Second)
	if _, err := store.Redeem(ctx, ticket); !errors.Is(err, ErrTicketNotFound) {
		t.Fatalf("expected expired ticket to be rejected, got %v", err)
	}
}

func TestMemoryTicketsPurge(t *testing.T) {
	store := NewMemoryTickets(time.Hour)
	defer store.Close()
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	if _, err := store.Issue(ctx, "short", time.Second); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := store.Issue(ctx, "long", time.Hour); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	now = now.Add(time.Minute)
	store.purge()

	if got := store.Len(); got != 1 {
		t.Fatalf("expected 1 ticket after purge, got %d", got)
	}
}

func TestMemoryTicketsClearedOnNewInstance(t *testing.T) {
	first := NewMemoryTickets(time.Hour)
	ticket, err := first.Issue(context.Background(), "user-1", time.Minute)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	_ = first.Close()

	restarted := NewMemoryTickets(time.Hour)
	defer restarted.Close()
	if _, err := restarted.Redeem(context.Background(), ticket); !errors.Is(err, ErrTicketNotFound) {
		t.Fatalf("expected tickets not to survive a restart, got %v", err)
	}
}

var _ TicketStore = (*MemoryTickets)(nil)
var _ TicketStore = (*RedisTickets)(nil)
