package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"taskboard/api/internal/realtime"
	"taskboard/api/internal/store"
)

func TestNotificationReadRoundTrip(t *testing.T) {
	f := newFixture(t)
	notifier := f.svc.Notifier()

	outcome := notifier.NotifyUser(f.ctx, bob, Message{Type: NotifyTaskAssigned, Title: "hello", Message: "world"})
	if !outcome.Stored() || outcome.Delivered() != 1 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}

	unread, err := notifier.ListUnread(f.ctx, bob, 0, 0)
	if err != nil {
		t.Fatalf("list unread: %v", err)
	}
	if len(unread) != 1 || unread[0].ID != outcome.NotificationID || unread[0].IsRead {
		t.Fatalf("expected one unread notification, got %+v", unread)
	}

	read, err := notifier.MarkAsRead(f.ctx, outcome.NotificationID, bob)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if !read.IsRead || read.ReadAt == nil {
		t.Fatalf("expected read with readAt, got %+v", read)
	}

	again, err := notifier.MarkAsRead(f.ctx, outcome.NotificationID, bob)
	if err != nil {
		t.Fatalf("mark read again: %v", err)
	}
	if !again.ReadAt.Equal(*read.ReadAt) {
		t.Fatalf("readAt changed on second mark: %v -> %v", read.ReadAt, again.ReadAt)
	}

	count, err := notifier.UnreadCount(f.ctx, bob)
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 unread, got %d", count)
	}

	events := f.pusher.eventsFor(bob)
	if len(events) != 2 {
		t.Fatalf("expected notification and read-state pushes, got %d", len(events))
	}
	if events[0].Type != realtime.EventNotification || events[1].Type != realtime.EventNotificationsRead {
		t.Fatalf("unexpected push order %s, %s", events[0].Type, events[1].Type)
	}
	payload, ok := events[1].Data.(ReadStatePayload)
	if !ok || len(payload.IDs) != 1 || payload.UnreadCount != 0 {
		t.Fatalf("unexpected read-state payload %#v", events[1].Data)
	}
}

func TestNotificationOwnership(t *testing.T) {
	f := newFixture(t)
	notifier := f.svc.Notifier()
	outcome := notifier.NotifyUser(f.ctx, bob, Message{Type: NotifyTaskAssigned, Title: "mine"})

	_, err := notifier.MarkAsRead(f.ctx, outcome.NotificationID, dana)
	expectStatus(t, err, http.StatusForbidden)

	expectStatus(t, notifier.Remove(f.ctx, outcome.NotificationID, dana), http.StatusForbidden)

	_, err = notifier.MarkAsRead(f.ctx, "missing", bob)
	expectStatus(t, err, http.StatusNotFound)

	if err := notifier.Remove(f.ctx, outcome.NotificationID, bob); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := f.notifications(bob); len(got) != 0 {
		t.Fatalf("expected notification removed, got %v", got)
	}
}

func TestMarkAllAsReadIsIdempotent(t *testing.T) {
	f := newFixture(t)
	notifier := f.svc.Notifier()
	for range 3 {
		notifier.NotifyUser(f.ctx, bob, Message{Type: NotifyTaskCreated, Title: "t"})
	}
	notifier.NotifyUser(f.ctx, dana, Message{Type: NotifyTaskCreated, Title: "t"})

	count, err := notifier.MarkAllAsRead(f.ctx, bob)
	if err != nil {
		t.Fatalf("mark all: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 marked, got %d", count)
	}
	count, err = notifier.MarkAllAsRead(f.ctx, bob)
	if err != nil {
		t.Fatalf("mark all again: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 on second call, got %d", count)
	}

	if unread, _ := notifier.UnreadCount(f.ctx, dana); unread != 1 {
		t.Fatalf("other users untouched, got %d unread for dana", unread)
	}

	readPushes := 0
	for _, event := range f.pusher.eventsFor(bob) {
		if event.Type == realtime.EventNotificationsRead {
			readPushes++
		}
	}
	if readPushes != 1 {
		t.Fatalf("expected one read-state push, got %d", readPushes)
	}
}

func TestNotifyProjectMembersExcludesActor(t *testing.T) {
	f := newFixture(t)

	outcomes, err := f.svc.Notifier().NotifyProjectMembers(f.ctx, f.project.ID, Message{Type: NotifyTaskCreated, Title: "x"}, bob, "")
	if err != nil {
		t.Fatalf("notify members: %v", err)
	}
	got := map[string]bool{}
	for _, outcome := range outcomes {
		if !outcome.Stored() {
			t.Fatalf("outcome not stored: %+v", outcome)
		}
		got[outcome.UserID] = true
	}
	if len(got) != 3 || !got[alice] || !got[vera] || !got[dana] {
		t.Fatalf("unexpected recipients %v", got)
	}

	stored := f.notifications(alice)
	if len(stored) != 1 || stored[0].ProjectID == nil || *stored[0].ProjectID != f.project.ID {
		t.Fatalf("project reference missing: %+v", stored)
	}
}

func TestNotifyProjectMembersSkipsInactiveRows(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.Registry().RemoveMember(f.ctx, f.project.ID, vera, alice); err != nil {
		t.Fatalf("remove: %v", err)
	}
	f.clearNotifications()

	outcomes, err := f.svc.Notifier().NotifyProjectMembers(f.ctx, f.project.ID, Message{Type: NotifyTaskCreated, Title: "x"})
	if err != nil {
		t.Fatalf("notify members: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 recipients, got %d", len(outcomes))
	}
	if got := f.notifications(vera); len(got) != 0 {
		t.Fatalf("removed member notified: %v", got)
	}
}

func TestAcknowledgeSkipsForeignRows(t *testing.T) {
	f := newFixture(t)
	notifier := f.svc.Notifier()
	mine := notifier.NotifyUser(f.ctx, bob, Message{Type: NotifyTaskCreated, Title: "mine"})
	theirs := notifier.NotifyUser(f.ctx, dana, Message{Type: NotifyTaskCreated, Title: "theirs"})

	marked, err := notifier.Acknowledge(f.ctx, bob, []string{mine.NotificationID, theirs.NotificationID, "missing"})
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if marked != 1 {
		t.Fatalf("expected 1 marked, got %d", marked)
	}
	if unread, _ := notifier.UnreadCount(f.ctx, dana); unread != 1 {
		t.Fatalf("foreign row was marked read")
	}

	marked, err = notifier.Acknowledge(f.ctx, bob, []string{mine.NotificationID})
	if err != nil {
		t.Fatalf("acknowledge again: %v", err)
	}
	if marked != 0 {
		t.Fatalf("already read row counted, got %d", marked)
	}
}

func TestReportCountsFailures(t *testing.T) {
	f := newFixture(t)
	ok := f.svc.Notifier().NotifyUser(f.ctx, bob, Message{Type: NotifyTaskCreated, Title: "t"})
	failed := Outcome{UserID: dana, Err: http.ErrHandlerTimeout}

	if n := f.svc.Notifier().Report(NotifyTaskCreated, ok, failed); n != 1 {
		t.Fatalf("expected 1 failure, got %d", n)
	}
}

func TestRemoveAllNotifications(t *testing.T) {
	f := newFixture(t)
	notifier := f.svc.Notifier()
	notifier.NotifyUser(f.ctx, bob, Message{Type: NotifyTaskCreated, Title: "a"})
	notifier.NotifyUser(f.ctx, bob, Message{Type: NotifyTaskCreated, Title: "b"})

	removed, err := notifier.RemoveAll(f.ctx, bob)
	if err != nil {
		t.Fatalf("remove all: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	items, err := notifier.List(f.ctx, bob, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected empty list, got %d", len(items))
	}
}

// flakyInbox fails InsertNotification for one recipient.
type flakyInbox struct {
	*store.MemoryStore
	mu     sync.Mutex
	failed string
}

func (f *flakyInbox) failFor(userID string) {
	f.mu.Lock()
	f.failed = userID
	f.mu.Unlock()
}

func (f *flakyInbox) InsertNotification(ctx context.Context, n store.Notification) error {
	f.mu.Lock()
	failed := f.failed
	f.mu.Unlock()
	if n.UserID == failed {
		return errors.New("disk full")
	}
	return f.MemoryStore.InsertNotification(ctx, n)
}

func TestNotifyProjectMembersSurvivesOneFailedInsert(t *testing.T) {
	inbox := &flakyInbox{}
	f := newFixtureWith(t, func(data *store.MemoryStore) Store {
		inbox.MemoryStore = data
		return inbox
	})
	inbox.failFor(vera)

	outcomes, err := f.svc.Notifier().NotifyProjectMembers(f.ctx, f.project.ID, Message{Type: NotifyTaskCreated, Title: "x"}, bob)
	if err != nil {
		t.Fatalf("notify members: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	for _, outcome := range outcomes {
		switch outcome.UserID {
		case vera:
			if outcome.Stored() || outcome.Err == nil || len(outcome.Pushes) != 0 {
				t.Fatalf("failed insert reported as stored or pushed: %+v", outcome)
			}
		case alice, dana:
			if !outcome.Stored() || outcome.Delivered() != 1 {
				t.Fatalf("recipient %s lost its notification: %+v", outcome.UserID, outcome)
			}
			if got := f.notifications(outcome.UserID); len(got) != 1 {
				t.Fatalf("expected one stored row for %s, got %d", outcome.UserID, len(got))
			}
		default:
			t.Fatalf("unexpected recipient %s", outcome.UserID)
		}
	}
	if got := f.notifications(vera); len(got) != 0 {
		t.Fatalf("vera has rows after a failed insert: %v", got)
	}
	if got := f.pusher.eventsFor(vera); len(got) != 0 {
		t.Fatalf("vera was pushed a row that was never stored: %v", got)
	}
	if n := f.svc.Notifier().Report(NotifyTaskCreated, outcomes...); n != 1 {
		t.Fatalf("expected 1 reported failure, got %d", n)
	}
}

type scopedSession struct {
	id      string
	project string

	mu     sync.Mutex
	events []realtime.Event
}

func (s *scopedSession) ID() string { return s.id }

func (s *scopedSession) Push(_ context.Context, event realtime.Event) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

func (s *scopedSession) Subscribed(projectID string) bool { return projectID == s.project }

func (s *scopedSession) Close() {}

func (s *scopedSession) received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestTargetedNotificationReachesSessionScopedElsewhere(t *testing.T) {
	f := newFixture(t)
	hub := realtime.NewHub(time.Second, nil)
	session := &scopedSession{id: "carol-tab", project: "another-project"}
	hub.Register(carol, session)
	notifier := NewNotifier(f.store, f.store, hub, NotifierOptions{})

	invite := notifier.NotifyUser(f.ctx, carol, Message{
		Type:      NotifyProjectInvitation,
		Title:     "Project invitation",
		ProjectID: f.project.ID,
	})
	if !invite.Stored() || invite.Delivered() != 1 {
		t.Fatalf("invitation not delivered to a session scoped to another project: %+v", invite)
	}

	hub.Register(bob, &scopedSession{id: "bob-tab", project: "another-project"})
	outcomes, err := notifier.NotifyProjectMembers(f.ctx, f.project.ID, Message{Type: NotifyTaskCreated, Title: "x"})
	if err != nil {
		t.Fatalf("notify members: %v", err)
	}
	for _, outcome := range outcomes {
		if outcome.UserID == bob && outcome.Delivered() != 0 {
			t.Fatalf("project broadcast ignored bob's subscription: %+v", outcome)
		}
	}
	if session.received() != 1 {
		t.Fatalf("expected one push for carol, got %d", session.received())
	}
}
