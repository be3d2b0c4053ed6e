package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"taskboard/api/internal/auth"
	"taskboard/api/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// pingFailingStore is a memory store whose database check fails.
type pingFailingStore struct {
	*store.MemoryStore
	err error
}

func (s pingFailingStore) Ping(context.Context) error { return s.err }

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueToken(testSecret, auth.NewClaims(userID, userID, userID+"@example.com", time.Hour))
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func serve(t *testing.T, server *HTTPServer, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response %q: %v", rr.Body.String(), err)
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	server := NewHTTPServer(f.svc, HTTPOptions{})

	rr := serve(t, server, http.MethodGet, "/api/health", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if payload := decodeResponse(t, rr); payload["ok"] != true {
		t.Fatalf("expected ok=true, got %v", payload["ok"])
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestReadyEndpoint(t *testing.T) {
	f := newFixture(t)
	server := NewHTTPServer(f.svc, HTTPOptions{})

	rr := serve(t, server, http.MethodGet, "/api/ready", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["status"] != "ready" {
		t.Fatalf("expected ready, got %v", payload["status"])
	}
	checks, _ := payload["checks"].(map[string]any)
	if _, ok := checks["tickets"]; !ok {
		t.Fatalf("expected tickets check, got %v", checks)
	}
}

func TestReadyEndpointDatabaseDown(t *testing.T) {
	data := pingFailingStore{MemoryStore: store.NewMemoryStore(), err: errors.New("connection refused")}
	server := NewHTTPServer(New(data, Options{JWTSecret: testSecret}), HTTPOptions{})

	rr := serve(t, server, http.MethodGet, "/api/ready", "", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	payload := decodeResponse(t, rr)
	if payload["ok"] != false || payload["status"] != "not_ready" {
		t.Fatalf("unexpected payload %v", payload)
	}
	checks, _ := payload["checks"].(map[string]any)
	database, _ := checks["database"].(map[string]any)
	if database["status"] != "error" {
		t.Fatalf("expected database error, got %v", database)
	}
}

func TestRoutesRequireToken(t *testing.T) {
	f := newFixture(t)
	server := NewHTTPServer(f.svc, HTTPOptions{})

	for _, path := range []string{"/api/session", "/api/notifications", "/api/projects/" + f.project.ID} {
		rr := serve(t, server, http.MethodGet, path, "", "")
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rr.Code)
		}
		if payload := decodeResponse(t, rr); payload["code"] != "UNAUTHORIZED" {
			t.Fatalf("%s: expected UNAUTHORIZED, got %v", path, payload["code"])
		}
	}

	rr := serve(t, server, http.MethodGet, "/api/session", "not-a-token", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rr.Code)
	}
}

func TestSessionCreatesUserFromToken(t *testing.T) {
	f := newFixture(t)
	server := NewHTTPServer(f.svc, HTTPOptions{})

	rr := serve(t, server, http.MethodGet, "/api/session", tokenFor(t, "newcomer"), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload := decodeResponse(t, rr); payload["userId"] != "newcomer" {
		t.Fatalf("unexpected session %v", payload)
	}
	user, err := f.store.GetUser(f.ctx, "newcomer")
	if err != nil {
		t.Fatalf("user not recorded: %v", err)
	}
	if user.Email != "newcomer@example.com" {
		t.Fatalf("unexpected user %+v", user)
	}
}

func TestViewerWriteEndpointsAreForbidden(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(bob, CreateTaskInput{})
	sprint := f.createSprint(alice)
	server := NewHTTPServer(f.svc, HTTPOptions{})
	token := tokenFor(t, vera)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{name: "create task", method: http.MethodPost, path: "/api/projects/" + f.project.ID + "/tasks", body: `{"title":"T"}`},
		{name: "update status", method: http.MethodPut, path: "/api/tasks/" + task.ID + "/status", body: `{"status":"done"}`},
		{name: "update priority", method: http.MethodPut, path: "/api/tasks/" + task.ID + "/priority", body: `{"priority":"high"}`},
		{name: "assign", method: http.MethodPut, path: "/api/tasks/" + task.ID + "/assignee", body: `{"assigneeId":"vera"}`},
		{name: "delete task", method: http.MethodDelete, path: "/api/tasks/" + task.ID},
		{name: "create sprint", method: http.MethodPost, path: "/api/projects/" + f.project.ID + "/sprints", body: `{"name":"S","startDate":"2024-01-01","endDate":"2024-01-10"}`},
		{name: "start sprint", method: http.MethodPost, path: "/api/sprints/" + sprint.ID + "/start"},
		{name: "cancel sprint", method: http.MethodPost, path: "/api/sprints/" + sprint.ID + "/cancel"},
		{name: "invite member", method: http.MethodPost, path: "/api/projects/" + f.project.ID + "/members", body: `{"userId":"carol","role":"viewer"}`},
		{name: "comment", method: http.MethodPost, path: "/api/tasks/" + task.ID + "/comments", body: `{"body":"hi"}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := serve(t, server, tc.method, tc.path, token, tc.body)
			if rr.Code != http.StatusForbidden {
				t.Fatalf("expected status 403, got %d body=%s", rr.Code, rr.Body.String())
			}
			payload := decodeResponse(t, rr)
			if payload["code"] != "FORBIDDEN" {
				t.Fatalf("expected code FORBIDDEN, got %v", payload["code"])
			}
			if payload["error"] == "" {
				t.Fatalf("expected error message")
			}
		})
	}
}

func TestOutsiderGetsNotFound(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(bob, CreateTaskInput{Title: "Hidden"})
	server := NewHTTPServer(f.svc, HTTPOptions{})
	token := tokenFor(t, carol)

	for _, path := range []string{
		"/api/projects/" + f.project.ID,
		"/api/projects/" + f.project.ID + "/tasks",
		"/api/tasks/" + task.ID,
		"/api/tasks/" + task.ID + "/comments",
	} {
		rr := serve(t, server, http.MethodGet, path, token, "")
		if rr.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, rr.Code)
		}
		if bytes.Contains(rr.Body.Bytes(), []byte("Hidden")) {
			t.Fatalf("%s: response leaks task content", path)
		}
	}
}

func TestTaskRoutes(t *testing.T) {
	f := newFixture(t)
	server := NewHTTPServer(f.svc, HTTPOptions{})
	token := tokenFor(t, bob)

	rr := serve(t, server, http.MethodPost, "/api/projects/"+f.project.ID+"/tasks", token,
		`{"title":"Fix login","assigneeId":"vera","dueDate":"2024-02-01"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	created := decodeResponse(t, rr)
	taskID, _ := created["id"].(string)
	if created["status"] != "todo" || created["assigneeId"] != "vera" || created["taskNumber"] != float64(1) {
		t.Fatalf("unexpected task %v", created)
	}

	rr = serve(t, server, http.MethodPut, "/api/tasks/"+taskID+"/status", token, `{"status":"in_progress"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = serve(t, server, http.MethodPut, "/api/tasks/"+taskID+"/status", token, `{"status":"in_progress"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	if payload := decodeResponse(t, rr); payload["code"] != "SAME_STATE" {
		t.Fatalf("expected SAME_STATE, got %v", payload["code"])
	}

	rr = serve(t, server, http.MethodPut, "/api/tasks/"+taskID+"/assignee", token, `{"assigneeId":"carol"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}

	rr = serve(t, server, http.MethodPost, "/api/projects/"+f.project.ID+"/tasks", token, `{"title":`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed json, got %d", rr.Code)
	}

	rr = serve(t, server, http.MethodGet, "/api/projects/"+f.project.ID+"/tasks?status=in_progress", tokenFor(t, vera), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	tasks, _ := decodeResponse(t, rr)["tasks"].([]any)
	if len(tasks) != 1 {
		t.Fatalf("expected one task, got %d", len(tasks))
	}
}

func TestSprintCancelRoute(t *testing.T) {
	f := newFixture(t)
	sprint := f.createSprint(alice)
	f.clearNotifications()
	server := NewHTTPServer(f.svc, HTTPOptions{})

	rr := serve(t, server, http.MethodPost, "/api/sprints/"+sprint.ID+"/cancel", tokenFor(t, bob), "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}

	rr = serve(t, server, http.MethodPost, "/api/sprints/"+sprint.ID+"/cancel", tokenFor(t, alice), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload := decodeResponse(t, rr); payload["status"] != "cancelled" {
		t.Fatalf("expected cancelled, got %v", payload["status"])
	}

	rr = serve(t, server, http.MethodPatch, "/api/sprints/"+sprint.ID+"/status", tokenFor(t, alice), `{"status":"active"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestNotificationRoutes(t *testing.T) {
	f := newFixture(t)
	f.createTask(alice, CreateTaskInput{AssigneeID: bob})
	server := NewHTTPServer(f.svc, HTTPOptions{})
	token := tokenFor(t, bob)

	rr := serve(t, server, http.MethodGet, "/api/notifications?unread=true", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	items, _ := decodeResponse(t, rr)["notifications"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected one notification, got %d", len(items))
	}
	first, _ := items[0].(map[string]any)
	id, _ := first["id"].(string)
	if first["type"] != NotifyTaskAssigned || first["isRead"] != false {
		t.Fatalf("unexpected notification %v", first)
	}

	rr = serve(t, server, http.MethodPut, "/api/notifications/"+id+"/read", tokenFor(t, dana), "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign notification, got %d", rr.Code)
	}

	rr = serve(t, server, http.MethodPut, "/api/notifications/"+id+"/read", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	read := decodeResponse(t, rr)
	if read["isRead"] != true || read["readAt"] == nil {
		t.Fatalf("expected read notification, got %v", read)
	}

	rr = serve(t, server, http.MethodGet, "/api/notifications/unread-count", token, "")
	if payload := decodeResponse(t, rr); payload["count"] != float64(0) {
		t.Fatalf("expected 0 unread, got %v", payload["count"])
	}

	rr = serve(t, server, http.MethodPut, "/api/notifications/read-all", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestIssueTicketRoute(t *testing.T) {
	f := newFixture(t)
	server := NewHTTPServer(f.svc, HTTPOptions{})

	rr := serve(t, server, http.MethodPost, "/api/realtime/ticket", tokenFor(t, bob), "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	ticket, _ := decodeResponse(t, rr)["ticket"].(string)
	if ticket == "" {
		t.Fatalf("expected ticket")
	}

	userID, err := f.svc.RedeemTicket(f.ctx, ticket)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if userID != bob {
		t.Fatalf("expected bob, got %s", userID)
	}
	if _, err := f.svc.RedeemTicket(f.ctx, ticket); err == nil {
		t.Fatalf("ticket redeemed twice")
	}
}

func TestUploadAttachmentRoute(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(bob, CreateTaskInput{})
	server := NewHTTPServer(f.svc, HTTPOptions{MaxUploadBytes: 1 << 10})

	upload := func(content []byte) *httptest.ResponseRecorder {
		var body bytes.Buffer
		writer := multipart.NewWriter(&body)
		part, err := writer.CreateFormFile("file", "notes.txt")
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write(content); err != nil {
			t.Fatalf("write part: %v", err)
		}
		if err := writer.Close(); err != nil {
			t.Fatalf("close writer: %v", err)
		}
		req := httptest.NewRequest(http.MethodPost, "/api/tasks/"+task.ID+"/attachments", &body)
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, bob))
		req.Header.Set("Content-Type", writer.FormDataContentType())
		rr := httptest.NewRecorder()
		server.Handler().ServeHTTP(rr, req)
		return rr
	}

	rr := upload([]byte("hello"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload := decodeResponse(t, rr); payload["fileName"] != "notes.txt" || payload["size"] != float64(5) {
		t.Fatalf("unexpected attachment %v", payload)
	}

	rr = upload(bytes.Repeat([]byte("x"), 4<<10))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
}

func TestOptionsPreflight(t *testing.T) {
	f := newFixture(t)
	server := NewHTTPServer(f.svc, HTTPOptions{CORSOrigin: "https://board.example.com"})

	rr := serve(t, server, http.MethodOptions, "/api/tasks/anything", "", "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://board.example.com" {
		t.Fatalf("unexpected CORS origin %q", got)
	}
}
