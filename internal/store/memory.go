package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a process-local implementation of every repository the
// service layer uses. It backs tests and the "memory" store driver; its
// contents do not survive a restart.
type MemoryStore struct {
	mu            sync.Mutex
	users         map[string]User
	projects      map[string]Project
	taskSeq       map[string]int64
	members       map[string]ProjectMember
	tasks         map[string]Task
	sprints       map[string]Sprint
	notifications map[string]Notification
	comments      map[string]Comment
	attachments   map[string]Attachment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]User),
		projects:      make(map[string]Project),
		taskSeq:       make(map[string]int64),
		members:       make(map[string]ProjectMember),
		tasks:         make(map[string]Task),
		sprints:       make(map[string]Sprint),
		notifications: make(map[string]Notification),
		comments:      make(map[string]Comment),
		attachments:   make(map[string]Attachment),
	}
}

func memberKey(projectID, userID string) string {
	return projectID + "\x00" + userID
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) GetUser(_ context.Context, userID string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (s *MemoryStore) InsertUser(_ context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; ok {
		return nil
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.ID] = user
	return nil
}

func (s *MemoryStore) GetProject(_ context.Context, projectID string) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	project, ok := s.projects[projectID]
	if !ok {
		return Project{}, ErrNotFound
	}
	return project, nil
}

func (s *MemoryStore) InsertProject(_ context.Context, project Project, owner ProjectMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[project.ID] = project
	s.members[memberKey(owner.ProjectID, owner.UserID)] = owner
	return nil
}

func (s *MemoryStore) GetMember(_ context.Context, projectID, userID string) (ProjectMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	member, ok := s.members[memberKey(projectID, userID)]
	if !ok {
		return ProjectMember{}, ErrNotFound
	}
	return member, nil
}

func (s *MemoryStore) InsertMember(_ context.Context, member ProjectMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memberKey(member.ProjectID, member.UserID)
	if _, ok := s.members[key]; ok {
		return fmt.Errorf("%w: %s is already a member of %s", ErrConflict, member.UserID, member.ProjectID)
	}
	s.members[key] = member
	return nil
}

func (s *MemoryStore) UpdateMember(_ context.Context, member ProjectMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memberKey(member.ProjectID, member.UserID)
	if _, ok := s.members[key]; !ok {
		return ErrNotFound
	}
	s.members[key] = member
	return nil
}

func (s *MemoryStore) ListMembers(_ context.Context, projectID string, status MemberStatus) ([]ProjectMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]ProjectMember, 0)
	for _, member := range s.members {
		if member.ProjectID != projectID {
			continue
		}
		if status != "" && member.Status != status {
			continue
		}
		items = append(items, member)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].InvitedAt.Equal(items[j].InvitedAt) {
			return items[i].UserID < items[j].UserID
		}
		return items[i].InvitedAt.Before(items[j].InvitedAt)
	})
	return items, nil
}

func (s *MemoryStore) GetTask(_ context.Context, taskID string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return Task{}, ErrNotFound
	}
	return task, nil
}

func (s *MemoryStore) ListTasks(_ context.Context, projectID string, filter TaskFilter) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text := strings.ToLower(strings.TrimSpace(filter.Text))
	items := make([]Task, 0)
	for _, task := range s.tasks {
		if task.ProjectID != projectID {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.AssigneeID != "" && Deref(task.AssigneeID) != filter.AssigneeID {
			continue
		}
		if filter.SprintID != "" && Deref(task.SprintID) != filter.SprintID {
			continue
		}
		if filter.ParentID != "" && Deref(task.ParentTaskID) != filter.ParentID {
			continue
		}
		if text != "" && !strings.Contains(strings.ToLower(task.Title+" "+task.Description), text) {
			continue
		}
		items = append(items, task)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].TaskNumber < items[j].TaskNumber })
	return paginate(items, filter.Limit, filter.Offset), nil
}

func (s *MemoryStore) ListAllTasks(_ context.Context) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		items = append(items, task)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].ProjectID == items[j].ProjectID {
			return items[i].TaskNumber < items[j].TaskNumber
		}
		return items[i].ProjectID < items[j].ProjectID
	})
	return items, nil
}

func (s *MemoryStore) InsertTask(_ context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[task.ProjectID]; !ok {
		return ErrNotFound
	}
	s.taskSeq[task.ProjectID]++
	task.TaskNumber = s.taskSeq[task.ProjectID]
	task.Version = 1
	s.tasks[task.ID] = *task
	return nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkTaskVersion(*task); err != nil {
		return err
	}
	s.writeTask(task)
	return nil
}

func (s *MemoryStore) checkTaskVersion(task Task) error {
	current, ok := s.tasks[task.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != task.Version {
		return fmt.Errorf("%w: task %s was modified concurrently", ErrConflict, task.ID)
	}
	return nil
}

func (s *MemoryStore) writeTask(task *Task) {
	current := s.tasks[task.ID]
	task.TaskNumber = current.TaskNumber
	task.ProjectID = current.ProjectID
	task.Version++
	s.tasks[task.ID] = *task
}

func (s *MemoryStore) DeleteTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return ErrNotFound
	}
	delete(s.tasks, taskID)
	for id, task := range s.tasks {
		if Deref(task.ParentTaskID) == taskID {
			task.ParentTaskID = nil
			s.tasks[id] = task
		}
	}
	for id, comment := range s.comments {
		if comment.TaskID == taskID {
			delete(s.comments, id)
		}
	}
	for id, attachment := range s.attachments {
		if attachment.TaskID == taskID {
			delete(s.attachments, id)
		}
	}
	return nil
}

func (s *MemoryStore) GetSprint(_ context.Context, sprintID string) (Sprint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sprint, ok := s.sprints[sprintID]
	if !ok {
		return Sprint{}, ErrNotFound
	}
	return sprint, nil
}

func (s *MemoryStore) ListSprints(_ context.Context, projectID string) ([]Sprint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Sprint, 0)
	for _, sprint := range s.sprints {
		if sprint.ProjectID == projectID {
			items = append(items, sprint)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].StartDate.Before(items[j].StartDate) })
	return items, nil
}

func (s *MemoryStore) InsertSprint(_ context.Context, sprint Sprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sprint.Version = 1
	s.sprints[sprint.ID] = sprint
	return nil
}

func (s *MemoryStore) UpdateSprint(_ context.Context, sprint *Sprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkSprintVersion(*sprint); err != nil {
		return err
	}
	s.writeSprint(sprint)
	return nil
}

// CompleteSprint validates every version before writing anything, so a
// conflict leaves the sprint and its tasks untouched.
func (s *MemoryStore) CompleteSprint(_ context.Context, sprint *Sprint, moved []*Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkSprintVersion(*sprint); err != nil {
		return err
	}
	for _, task := range moved {
		if err := s.checkTaskVersion(*task); err != nil {
			return err
		}
	}
	s.writeSprint(sprint)
	for _, task := range moved {
		s.writeTask(task)
	}
	return nil
}

func (s *MemoryStore) checkSprintVersion(sprint Sprint) error {
	current, ok := s.sprints[sprint.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != sprint.Version {
		return fmt.Errorf("%w: sprint %s was modified concurrently", ErrConflict, sprint.ID)
	}
	return nil
}

func (s *MemoryStore) writeSprint(sprint *Sprint) {
	sprint.ProjectID = s.sprints[sprint.ID].ProjectID
	sprint.Version++
	s.sprints[sprint.ID] = *sprint
}

func (s *MemoryStore) DeleteSprint(_ context.Context, sprintID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sprints[sprintID]; !ok {
		return ErrNotFound
	}
	delete(s.sprints, sprintID)
	for id, task := range s.tasks {
		if Deref(task.SprintID) == sprintID {
			task.SprintID = nil
			s.tasks[id] = task
		}
	}
	return nil
}

func (s *MemoryStore) InsertNotification(_ context.Context, notification Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[notification.ID] = notification
	return nil
}

func (s *MemoryStore) GetNotification(_ context.Context, notificationID string) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	notification, ok := s.notifications[notificationID]
	if !ok {
		return Notification{}, ErrNotFound
	}
	return notification, nil
}

func (s *MemoryStore) ListNotifications(_ context.Context, userID string, unreadOnly bool, limit, offset int) ([]Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Notification, 0)
	for _, notification := range s.notifications {
		if notification.UserID != userID {
			continue
		}
		if unreadOnly && notification.IsRead {
			continue
		}
		items = append(items, notification)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return paginate(items, limit, offset), nil
}

func (s *MemoryStore) CountUnread(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, notification := range s.notifications {
		if notification.UserID == userID && !notification.IsRead {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) MarkNotificationRead(_ context.Context, notificationID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	notification, ok := s.notifications[notificationID]
	if !ok {
		return ErrNotFound
	}
	if notification.IsRead {
		return nil
	}
	notification.IsRead = true
	notification.ReadAt = &at
	s.notifications[notificationID] = notification
	return nil
}

func (s *MemoryStore) MarkAllNotificationsRead(_ context.Context, userID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, notification := range s.notifications {
		if notification.UserID != userID || notification.IsRead {
			continue
		}
		readAt := at
		notification.IsRead = true
		notification.ReadAt = &readAt
		s.notifications[id] = notification
		count++
	}
	return count, nil
}

func (s *MemoryStore) DeleteNotification(_ context.Context, notificationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notifications[notificationID]; !ok {
		return ErrNotFound
	}
	delete(s.notifications, notificationID)
	return nil
}

func (s *MemoryStore) DeleteAllNotifications(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, notification := range s.notifications {
		if notification.UserID == userID {
			delete(s.notifications, id)
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) InsertComment(_ context.Context, comment Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comments[comment.ID] = comment
	return nil
}

func (s *MemoryStore) GetComment(_ context.Context, commentID string) (Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	comment, ok := s.comments[commentID]
	if !ok {
		return Comment{}, ErrNotFound
	}
	return comment, nil
}

func (s *MemoryStore) ListComments(_ context.Context, taskID string) ([]Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Comment, 0)
	for _, comment := range s.comments {
		if comment.TaskID == taskID {
			items = append(items, comment)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (s *MemoryStore) UpdateComment(_ context.Context, comment Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.comments[comment.ID]; !ok {
		return ErrNotFound
	}
	s.comments[comment.ID] = comment
	return nil
}

func (s *MemoryStore) DeleteComment(_ context.Context, commentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.comments[commentID]; !ok {
		return ErrNotFound
	}
	delete(s.comments, commentID)
	return nil
}

func (s *MemoryStore) InsertAttachment(_ context.Context, attachment Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachments[attachment.ID] = attachment
	return nil
}

func (s *MemoryStore) GetAttachment(_ context.Context, attachmentID string) (Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attachment, ok := s.attachments[attachmentID]
	if !ok {
		return Attachment{}, ErrNotFound
	}
	return attachment, nil
}

func (s *MemoryStore) ListAttachments(_ context.Context, taskID string) ([]Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Attachment, 0)
	for _, attachment := range s.attachments {
		if attachment.TaskID == taskID {
			items = append(items, attachment)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (s *MemoryStore) DeleteAttachment(_ context.Context, attachmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attachments[attachmentID]; !ok {
		return ErrNotFound
	}
	delete(s.attachments, attachmentID)
	return nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
