package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"taskboard/api/internal/blob"
	"taskboard/api/internal/rbac"
	"taskboard/api/internal/realtime"
	"taskboard/api/internal/session"
	"taskboard/api/internal/store"
)

const (
	alice = "alice" // owner
	bob   = "bob"   // member
	vera  = "vera"  // viewer
	dana  = "dana"  // admin, not owner
	carol = "carol" // outsider
)

var testSecret = []byte("test-secret")

type recordingPusher struct {
	mu     sync.Mutex
	events map[string][]realtime.Event
	fail   map[string]error
}

func newRecordingPusher() *recordingPusher {
	return &recordingPusher{events: make(map[string][]realtime.Event), fail: make(map[string]error)}
}

func (p *recordingPusher) SendToUser(_ context.Context, userID string, event realtime.Event) []realtime.PushResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail[userID]; err != nil {
		return []realtime.PushResult{{ConnectionID: "conn-" + userID, Err: err}}
	}
	p.events[userID] = append(p.events[userID], event)
	return []realtime.PushResult{{ConnectionID: "conn-" + userID}}
}

func (p *recordingPusher) eventsFor(userID string) []realtime.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]realtime.Event(nil), p.events[userID]...)
}

func (p *recordingPusher) failFor(userID string, err error) {
	p.mu.Lock()
	p.fail[userID] = err
	p.mu.Unlock()
}

func (p *recordingPusher) reset() {
	p.mu.Lock()
	p.events = make(map[string][]realtime.Event)
	p.mu.Unlock()
}

// tickingClock advances one second per call so ordering by time is stable.
type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	svc     *Service
	store   *store.MemoryStore
	blobs   *blob.MemoryStore
	pusher  *recordingPusher
	project store.Project
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, func(data *store.MemoryStore) Store { return data })
}

// newFixtureWith lets a test put a wrapper between the service and the
// memory store; fixture.store still reads the underlying rows.
func newFixtureWith(t *testing.T, wrap func(*store.MemoryStore) Store) *fixture {
	t.Helper()
	ctx := context.Background()
	data := store.NewMemoryStore()
	for _, id := range []string{alice, bob, vera, dana, carol} {
		if err := data.InsertUser(ctx, store.User{ID: id, DisplayName: id}); err != nil {
			t.Fatalf("insert user %s: %v", id, err)
		}
	}
	tickets := session.NewMemoryTickets(time.Minute)
	t.Cleanup(func() { _ = tickets.Close() })

	clock := &tickingClock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	pusher := newRecordingPusher()
	blobs := blob.NewMemoryStore()
	svc := New(wrap(data), Options{
		Pusher:    pusher,
		Blobs:     blobs,
		Tickets:   tickets,
		JWTSecret: testSecret,
		Now:       clock.Now,
	})

	f := &fixture{t: t, ctx: ctx, svc: svc, store: data, blobs: blobs, pusher: pusher}
	project, err := svc.CreateProject(ctx, alice, "Apollo")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	f.project = project
	f.join(bob, rbac.RoleMember)
	f.join(vera, rbac.RoleViewer)
	f.join(dana, rbac.RoleAdmin)
	f.clearNotifications()
	return f
}

// join invites and accepts userID with role.
func (f *fixture) join(userID string, role rbac.Role) {
	f.t.Helper()
	if _, err := f.svc.Registry().AddMember(f.ctx, f.project.ID, userID, role, alice); err != nil {
		f.t.Fatalf("add member %s: %v", userID, err)
	}
	if _, err := f.svc.Registry().AcceptInvitation(f.ctx, f.project.ID, userID); err != nil {
		f.t.Fatalf("accept invitation %s: %v", userID, err)
	}
}

func (f *fixture) clearNotifications() {
	f.t.Helper()
	for _, id := range []string{alice, bob, vera, dana, carol} {
		if _, err := f.store.DeleteAllNotifications(f.ctx, id); err != nil {
			f.t.Fatalf("clear notifications: %v", err)
		}
	}
	f.pusher.reset()
}

func (f *fixture) notifications(userID string) []store.Notification {
	f.t.Helper()
	items, err := f.store.ListNotifications(f.ctx, userID, false, 0, 0)
	if err != nil {
		f.t.Fatalf("list notifications: %v", err)
	}
	return items
}

func (f *fixture) notificationTypes(userID string) []string {
	items := f.notifications(userID)
	types := make([]string, 0, len(items))
	for _, item := range items {
		types = append(types, item.Type)
	}
	return types
}

func (f *fixture) createTask(actorID string, input CreateTaskInput) store.Task {
	f.t.Helper()
	if input.Title == "" {
		input.Title = "Wire the flux capacitor"
	}
	task, err := f.svc.CreateTask(f.ctx, actorID, f.project.ID, input)
	if err != nil {
		f.t.Fatalf("create task: %v", err)
	}
	return task
}

func (f *fixture) createSprint(actorID string) store.Sprint {
	f.t.Helper()
	sprint, err := f.svc.CreateSprint(f.ctx, actorID, f.project.ID, CreateSprintInput{
		Name:      "Sprint 1",
		StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		f.t.Fatalf("create sprint: %v", err)
	}
	return sprint
}

func expectStatus(t *testing.T, err error, status int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with status %d, got nil", status)
	}
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError with status %d, got %T: %v", status, err, err)
	}
	if domainErr.Status != status {
		t.Fatalf("expected status %d, got %d (%v)", status, domainErr.Status, domainErr)
	}
}

func expectCode(t *testing.T, err error, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError %s, got %v", code, err)
	}
	if domainErr.Code != code {
		t.Fatalf("expected code %s, got %s", code, domainErr.Code)
	}
}

var (
	_ Pusher                 = (*realtime.Hub)(nil)
	_ Store                  = (*store.MemoryStore)(nil)
	_ Store                  = (*store.PostgresStore)(nil)
	_ realtime.Authenticator = (*Service)(nil)
	_ realtime.Acker         = (*Notifier)(nil)
)
