package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTickets keeps tickets in Redis so any API replica can redeem them.
type RedisTickets struct {
	client *redis.Client
	prefix string
}

// NewRedisTickets connects to redisURL and verifies the connection.
func NewRedisTickets(redisURL string) (*RedisTickets, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisTicketsWithClient(client), nil
}

func NewRedisTicketsWithClient(client *redis.Client) *RedisTickets {
	return &RedisTickets{
		client: client,
		prefix: "rt-ticket:",
	}
}

func (s *RedisTickets) key(ticket string) string {
	return s.prefix + ticket
}

func (s *RedisTickets) Issue(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	payload, err := json.Marshal(TicketData{UserID: userID, CreatedAt: time.Now().UTC()})
	if err != nil {
		return "", fmt.Errorf("marshal ticket: %w", err)
	}
	ticket := newTicket()
	if err := s.client.Set(ctx, s.key(ticket), payload, ttl).Err(); err != nil {
		return "", fmt.Errorf("save ticket: %w", err)
	}
	return ticket, nil
}

// Redeem reads and deletes the ticket in one GETDEL so it cannot be used
// twice, even by concurrent callers.
func (s *RedisTickets) Redeem(ctx context.Context, ticket string) (TicketData, error) {
	raw, err := s.client.GetDel(ctx, s.key(ticket)).Result()
	if errors.Is(err, redis.Nil) {
		return TicketData{}, ErrTicketNotFound
	}
	if err != nil {
		return TicketData{}, fmt.Errorf("redeem ticket: %w", err)
	}

	var data TicketData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return TicketData{}, fmt.Errorf("unmarshal ticket: %w", err)
	}
	return data, nil
}

func (s *RedisTickets) Close() error {
	return s.client.Close()
}

func (s *RedisTickets) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
