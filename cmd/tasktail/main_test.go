package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/api/internal/realtime"
)

func TestRealtimeURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8787":         "ws://localhost:8787/api/realtime",
		"https://board.example.com/":    "wss://board.example.com/api/realtime",
		"https://example.com/taskboard": "wss://example.com/taskboard/api/realtime",
	}
	for in, want := range cases {
		got, err := realtimeURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := realtimeURL("ftp://example.com")
	assert.Error(t, err)
}

func TestPrintEvent(t *testing.T) {
	data, err := json.Marshal(map[string]any{
		"id":        "ntf_1",
		"type":      "task_assigned",
		"title":     "Task assigned to you",
		"message":   "#4 Fix login was assigned to you",
		"projectId": "prj_1",
		"createdAt": "2024-01-01T09:00:00Z",
	})
	require.NoError(t, err)

	var out bytes.Buffer
	printEvent(&out, realtime.Envelope{Type: realtime.EventNotification, Data: data})
	assert.Contains(t, out.String(), "task_assigned")
	assert.Contains(t, out.String(), "[prj_1]")
	assert.Contains(t, out.String(), "#4 Fix login was assigned to you")

	out.Reset()
	printEvent(&out, realtime.Envelope{Type: realtime.EventNotificationsRead, Data: json.RawMessage(`{"unreadCount":3}`)})
	assert.Equal(t, "-- 3 unread\n", out.String())
}
