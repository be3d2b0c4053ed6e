// Package realtime pushes notification events to connected websocket
// sessions and supervises the client side of that connection.
package realtime

import (
	"encoding/json"
	"errors"
)

// Server to client event types.
const (
	EventReady             = "ready"
	EventNotification      = "notification"
	EventNotificationsRead = "notifications_read"
	EventError             = "error"
	EventPong              = "pong"
)

// Client to server message types.
const (
	MessageAuthenticate = "authenticate"
	MessageSubscribe    = "subscribe"
	MessageUnsubscribe  = "unsubscribe"
	MessageAck          = "ack"
	MessagePing         = "ping"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrUnauthorized  = errors.New("unauthorized")
)

// Event is one server to client frame. ProjectID is not sent; it scopes a
// project broadcast so the hub can skip sessions subscribed to other
// projects. Events meant for one user leave it empty.
type Event struct {
	Type      string `json:"type"`
	ProjectID string `json:"-"`
	Data      any    `json:"data,omitempty"`
}

// Envelope is an Event as the client decodes it.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is one client to server frame.
type ClientMessage struct {
	Type      string   `json:"type"`
	Token     string   `json:"token,omitempty"`
	ProjectID string   `json:"projectId,omitempty"`
	IDs       []string `json:"ids,omitempty"`
}

type ReadyData struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type AckData struct {
	Marked int `json:"marked"`
}

func errorEvent(code, message string) Event {
	return Event{Type: EventError, Data: ErrorData{Code: code, Message: message}}
}
