package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"taskboard/api/internal/realtime"
	"taskboard/api/internal/store"
	"taskboard/api/internal/util"
)

// Notification types.
const (
	NotifyTaskCreated          = "task_created"
	NotifyTaskAssigned         = "task_assigned"
	NotifyTaskStatusChanged    = "task_status_changed"
	NotifyTaskDeleted          = "task_deleted"
	NotifyTaskCommentAdded     = "task_comment_added"
	NotifySprintCreated        = "sprint_created"
	NotifySprintStatusChanged  = "sprint_status_changed"
	NotifySprintDeleted        = "sprint_deleted"
	NotifyProjectInvitation    = "project_invitation"
	NotifyProjectMemberAdded   = "project_member_added"
	NotifyProjectRoleUpdated   = "project_role_updated"
	NotifyProjectMemberRemoved = "project_member_removed"
)

// Message is the content of one notification before a recipient is chosen.
type Message struct {
	Type      string
	Title     string
	Message   string
	TaskID    string
	ProjectID string
}

// Outcome is what happened to one recipient's notification. A non-nil Err
// means the row was not stored; push failures are reported per session in
// Pushes.
type Outcome struct {
	UserID         string
	NotificationID string
	Err            error
	Pushes         []realtime.PushResult
}

func (o Outcome) Stored() bool { return o.Err == nil && o.NotificationID != "" }

// Delivered counts sessions that received the push.
func (o Outcome) Delivered() int {
	delivered := 0
	for _, push := range o.Pushes {
		if push.Err == nil && !push.Skipped {
			delivered++
		}
	}
	return delivered
}

// NotificationPayload is the wire shape of a stored notification, used both
// for HTTP responses and realtime pushes.
type NotificationPayload struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	Type      string     `json:"type"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	TaskID    *string    `json:"taskId"`
	ProjectID *string    `json:"projectId"`
	IsRead    bool       `json:"isRead"`
	ReadAt    *time.Time `json:"readAt"`
	CreatedAt time.Time  `json:"createdAt"`
}

func notificationPayload(n store.Notification) NotificationPayload {
	return NotificationPayload{
		ID:        n.ID,
		UserID:    n.UserID,
		Type:      n.Type,
		Title:     n.Title,
		Message:   n.Message,
		TaskID:    n.TaskID,
		ProjectID: n.ProjectID,
		IsRead:    n.IsRead,
		ReadAt:    n.ReadAt,
		CreatedAt: n.CreatedAt,
	}
}

// ReadStatePayload is pushed after notifications are marked read so other
// sessions of the same user can update their badges.
type ReadStatePayload struct {
	IDs         []string `json:"ids,omitempty"`
	All         bool     `json:"all,omitempty"`
	UnreadCount int      `json:"unreadCount"`
}

type memberLister interface {
	ListMembers(context.Context, string, store.MemberStatus) ([]store.ProjectMember, error)
}

type NotifierOptions struct {
	// Concurrency bounds parallel recipients in one broadcast.
	Concurrency int
	Logger      *slog.Logger
	Now         func() time.Time
}

// Notifier persists notification rows, resolves broadcast recipients and
// hands each stored row to the Pusher.
type Notifier struct {
	store       notificationStore
	members     memberLister
	pusher      Pusher
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

func NewNotifier(notifications notificationStore, members memberLister, pusher Pusher, opts NotifierOptions) *Notifier {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Notifier{
		store:       notifications,
		members:     members,
		pusher:      pusher,
		concurrency: opts.Concurrency,
		logger:      opts.Logger.With("component", "notifier"),
		now:         opts.Now,
	}
}

// NotifyUser stores one row for userID and pushes it to their live sessions.
// A targeted push reaches every session, whatever projects it subscribed to.
func (n *Notifier) NotifyUser(ctx context.Context, userID string, msg Message) Outcome {
	return n.deliver(ctx, userID, msg, "")
}

// deliver stores and pushes one notification. A non-empty scope lets the hub
// skip sessions subscribed to other projects.
func (n *Notifier) deliver(ctx context.Context, userID string, msg Message, scope string) Outcome {
	outcome := Outcome{UserID: userID}
	notification := store.Notification{
		ID:        util.NewID("ntf"),
		UserID:    userID,
		Type:      msg.Type,
		Title:     msg.Title,
		Message:   msg.Message,
		TaskID:    store.StringPtr(msg.TaskID),
		ProjectID: store.StringPtr(msg.ProjectID),
		CreatedAt: n.now(),
	}
	if err := n.store.InsertNotification(ctx, notification); err != nil {
		outcome.Err = fmt.Errorf("insert notification: %w", err)
		return outcome
	}
	outcome.NotificationID = notification.ID

	if n.pusher != nil {
		outcome.Pushes = n.pusher.SendToUser(ctx, userID, realtime.Event{
			Type:      realtime.EventNotification,
			ProjectID: scope,
			Data:      notificationPayload(notification),
		})
	}
	return outcome
}

// NotifyProjectMembers sends msg to every active member of projectID except
// the excluded users. Recipients are independent: one failure does not stop
// the others. The error is only set when the member list cannot be read.
func (n *Notifier) NotifyProjectMembers(ctx context.Context, projectID string, msg Message, exclude ...string) ([]Outcome, error) {
	members, err := n.members.ListMembers(ctx, projectID, store.MemberActive)
	if err != nil {
		return nil, fmt.Errorf("list active members: %w", err)
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, userID := range exclude {
		if userID != "" {
			skip[userID] = struct{}{}
		}
	}
	recipients := make([]string, 0, len(members))
	for _, member := range members {
		if _, excluded := skip[member.UserID]; excluded {
			continue
		}
		recipients = append(recipients, member.UserID)
	}

	if msg.ProjectID == "" {
		msg.ProjectID = projectID
	}
	outcomes := make([]Outcome, len(recipients))
	var g errgroup.Group
	g.SetLimit(n.concurrency)
	for i, userID := range recipients {
		g.Go(func() error {
			outcomes[i] = n.deliver(ctx, userID, msg, projectID)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, nil
}

// Report logs every failed outcome. It returns the number of failures.
func (n *Notifier) Report(kind string, outcomes ...Outcome) int {
	failures := 0
	for _, outcome := range outcomes {
		if outcome.Err != nil {
			failures++
			n.logger.Warn("notification not stored", "type", kind, "user_id", outcome.UserID, "error", outcome.Err)
			continue
		}
		for _, push := range outcome.Pushes {
			if push.Err != nil {
				n.logger.Warn("push failed", "type", kind, "user_id", outcome.UserID, "connection_id", push.ConnectionID, "error", push.Err)
			}
		}
		n.logger.Debug("notification stored", "type", kind, "user_id", outcome.UserID, "notification_id", outcome.NotificationID, "delivered", outcome.Delivered())
	}
	return failures
}

func (n *Notifier) List(ctx context.Context, userID string, limit, offset int) ([]store.Notification, error) {
	return n.store.ListNotifications(ctx, userID, false, limit, offset)
}

func (n *Notifier) ListUnread(ctx context.Context, userID string, limit, offset int) ([]store.Notification, error) {
	return n.store.ListNotifications(ctx, userID, true, limit, offset)
}

func (n *Notifier) UnreadCount(ctx context.Context, userID string) (int, error) {
	return n.store.CountUnread(ctx, userID)
}

// owned loads a notification and checks requesterID owns it.
func (n *Notifier) owned(ctx context.Context, notificationID, requesterID string) (store.Notification, error) {
	notification, err := n.store.GetNotification(ctx, notificationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Notification{}, notFound("Notification")
		}
		return store.Notification{}, fmt.Errorf("get notification: %w", err)
	}
	if notification.UserID != requesterID {
		return store.Notification{}, forbidden("Notification belongs to another user")
	}
	return notification, nil
}

// MarkAsRead marks one notification read. Marking an already read row keeps
// its original readAt.
func (n *Notifier) MarkAsRead(ctx context.Context, notificationID, requesterID string) (store.Notification, error) {
	notification, err := n.owned(ctx, notificationID, requesterID)
	if err != nil {
		return store.Notification{}, err
	}
	if notification.IsRead {
		return notification, nil
	}
	at := n.now()
	if err := n.store.MarkNotificationRead(ctx, notificationID, at); err != nil {
		return store.Notification{}, fmt.Errorf("mark notification read: %w", err)
	}
	notification.IsRead = true
	notification.ReadAt = &at
	n.pushReadState(ctx, requesterID, ReadStatePayload{IDs: []string{notificationID}})
	return notification, nil
}

// MarkAllAsRead returns how many rows changed; a second call returns 0.
func (n *Notifier) MarkAllAsRead(ctx context.Context, userID string) (int, error) {
	count, err := n.store.MarkAllNotificationsRead(ctx, userID, n.now())
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	if count > 0 {
		n.pushReadState(ctx, userID, ReadStatePayload{All: true})
	}
	return count, nil
}

// Acknowledge marks the listed notifications read for userID. Rows that are
// missing, foreign or already read are skipped.
func (n *Notifier) Acknowledge(ctx context.Context, userID string, ids []string) (int, error) {
	at := n.now()
	marked := make([]string, 0, len(ids))
	for _, id := range ids {
		notification, err := n.store.GetNotification(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return len(marked), fmt.Errorf("get notification: %w", err)
		}
		if notification.UserID != userID || notification.IsRead {
			continue
		}
		if err := n.store.MarkNotificationRead(ctx, id, at); err != nil {
			return len(marked), fmt.Errorf("mark notification read: %w", err)
		}
		marked = append(marked, id)
	}
	if len(marked) > 0 {
		n.pushReadState(ctx, userID, ReadStatePayload{IDs: marked})
	}
	return len(marked), nil
}

func (n *Notifier) Remove(ctx context.Context, notificationID, requesterID string) error {
	if _, err := n.owned(ctx, notificationID, requesterID); err != nil {
		return err
	}
	if err := n.store.DeleteNotification(ctx, notificationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound("Notification")
		}
		return fmt.Errorf("delete notification: %w", err)
	}
	return nil
}

func (n *Notifier) RemoveAll(ctx context.Context, userID string) (int, error) {
	count, err := n.store.DeleteAllNotifications(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("delete notifications: %w", err)
	}
	return count, nil
}

func (n *Notifier) pushReadState(ctx context.Context, userID string, payload ReadStatePayload) {
	if n.pusher == nil {
		return
	}
	unread, err := n.store.CountUnread(ctx, userID)
	if err != nil {
		n.logger.Warn("count unread for read-state push", "user_id", userID, "error", err)
		return
	}
	payload.UnreadCount = unread
	results := n.pusher.SendToUser(context.WithoutCancel(ctx), userID, realtime.Event{
		Type: realtime.EventNotificationsRead,
		Data: payload,
	})
	for _, result := range results {
		if result.Err != nil {
			n.logger.Warn("read-state push failed", "user_id", userID, "connection_id", result.ConnectionID, "error", result.Err)
		}
	}
}
