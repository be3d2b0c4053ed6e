package session

import (
	"context"
	"sync"
	"time"
)

type memoryTicket struct {
	data      TicketData
	expiresAt time.Time
}

// MemoryTickets keeps tickets in process memory. Tickets do not survive a
// restart and are only redeemable on the replica that issued them.
type MemoryTickets struct {
	mu      sync.Mutex
	tickets map[string]memoryTicket
	now     func() time.Time
	done    chan struct{}
	once    sync.Once
}

// NewMemoryTickets starts a janitor that purges expired tickets every sweep
// interval.
func NewMemoryTickets(sweep time.Duration) *MemoryTickets {
	if sweep <= 0 {
		sweep = time.Minute
	}
	s := &MemoryTickets{
		tickets: make(map[string]memoryTicket),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go s.janitor(sweep)
	return s
}

func (s *MemoryTickets) Issue(_ context.Context, userID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	ticket := newTicket()
	now := s.now()
	s.mu.Lock()
	s.tickets[ticket] = memoryTicket{
		data:      TicketData{UserID: userID, CreatedAt: now.UTC()},
		expiresAt: now.Add(ttl),
	}
	s.mu.Unlock()
	return ticket, nil
}

func (s *MemoryTickets) Redeem(_ context.Context, ticket string) (TicketData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.tickets[ticket]
	if !ok {
		return TicketData{}, ErrTicketNotFound
	}
	delete(s.tickets, ticket)
	if !s.now().Before(entry.expiresAt) {
		return TicketData{}, ErrTicketNotFound
	}
	return entry.data, nil
}

// Len returns the number of stored tickets, expired ones included until the
// next sweep.
func (s *MemoryTickets) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tickets)
}

func (s *MemoryTickets) Ping(context.Context) error { return nil }

func (s *MemoryTickets) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *MemoryTickets) janitor(sweep time.Duration) {
	ticker := time.NewTicker(sweep)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.purge()
		}
	}
}

func (s *MemoryTickets) purge() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for ticket, entry := range s.tickets {
		if !now.Before(entry.expiresAt) {
			delete(s.tickets, ticket)
		}
	}
}
