package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskboard/api/internal/rbac"
	"taskboard/api/internal/store"
	"taskboard/api/internal/util"
)

type CreateTaskInput struct {
	Title        string             `json:"title"`
	Description  string             `json:"description"`
	Status       store.TaskStatus   `json:"status"`
	Priority     store.TaskPriority `json:"priority"`
	AssigneeID   string             `json:"assigneeId"`
	SprintID     string             `json:"sprintId"`
	ParentTaskID string             `json:"parentTaskId"`
	DueDate      *time.Time         `json:"dueDate"`
}

func taskLabel(task store.Task) string {
	return fmt.Sprintf("#%d %s", task.TaskNumber, task.Title)
}

// loadTask returns the task and its project, or NotFound.
func (s *Service) loadTask(ctx context.Context, taskID string) (store.Task, store.Project, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Task{}, store.Project{}, notFound("Task")
		}
		return store.Task{}, store.Project{}, fmt.Errorf("get task: %w", err)
	}
	project, err := s.loadProject(ctx, task.ProjectID)
	if err != nil {
		return store.Task{}, store.Project{}, err
	}
	return task, project, nil
}

func (s *Service) checkAssignee(ctx context.Context, projectID, assigneeID string) error {
	if assigneeID == "" {
		return nil
	}
	_, ok, err := s.registry.UserRole(ctx, projectID, assigneeID)
	if err != nil {
		return err
	}
	if !ok {
		return badRequest("INVALID_ASSIGNEE", "Assignee must be an active member of the project")
	}
	return nil
}

func (s *Service) checkSprintRef(ctx context.Context, projectID, sprintID string) error {
	if sprintID == "" {
		return nil
	}
	sprint, err := s.store.GetSprint(ctx, sprintID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("get sprint: %w", err)
	}
	if err != nil || sprint.ProjectID != projectID {
		return badRequest("INVALID_SPRINT", "Sprint must belong to the same project")
	}
	return nil
}

// checkParentRef validates that parentID is a task in the same project and
// that taskID is not among its ancestors.
func (s *Service) checkParentRef(ctx context.Context, projectID, taskID, parentID string) error {
	if parentID == "" {
		return nil
	}
	if parentID == taskID {
		return badRequest("INVALID_PARENT", "A task cannot be its own parent")
	}
	parent, err := s.store.GetTask(ctx, parentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("get parent task: %w", err)
	}
	if err != nil || parent.ProjectID != projectID {
		return badRequest("INVALID_PARENT", "Parent task must belong to the same project")
	}
	if taskID == "" {
		return nil
	}
	seen := map[string]bool{parent.ID: true}
	for parent.ParentTaskID != nil {
		next := *parent.ParentTaskID
		if next == taskID {
			return badRequest("INVALID_PARENT", "Parent task would create a cycle")
		}
		if seen[next] {
			break
		}
		seen[next] = true
		parent, err = s.store.GetTask(ctx, next)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				break
			}
			return fmt.Errorf("get ancestor task: %w", err)
		}
	}
	return nil
}

func (s *Service) CreateTask(ctx context.Context, actorID, projectID string, input CreateTaskInput) (store.Task, error) {
	project, err := s.loadProject(ctx, projectID)
	if err != nil {
		return store.Task{}, err
	}
	if err := s.authorize(ctx, project.ID, actorID, rbac.Contributors, "create tasks"); err != nil {
		return store.Task{}, err
	}

	input.Title = strings.TrimSpace(input.Title)
	if input.Title == "" {
		return store.Task{}, validationError("title is required", nil)
	}
	if input.Status == "" {
		input.Status = store.TaskTodo
	}
	if !input.Status.Valid() {
		return store.Task{}, badRequest("INVALID_STATUS", fmt.Sprintf("unknown task status %q", input.Status))
	}
	if input.Priority == "" {
		input.Priority = store.PriorityMedium
	}
	if !input.Priority.Valid() {
		return store.Task{}, badRequest("INVALID_PRIORITY", fmt.Sprintf("unknown task priority %q", input.Priority))
	}
	if err := s.checkAssignee(ctx, project.ID, input.AssigneeID); err != nil {
		return store.Task{}, err
	}
	if err := s.checkSprintRef(ctx, project.ID, input.SprintID); err != nil {
		return store.Task{}, err
	}
	if err := s.checkParentRef(ctx, project.ID, "", input.ParentTaskID); err != nil {
		return store.Task{}, err
	}

	now := s.now()
	task := store.Task{
		ID:           util.NewID("tsk"),
		ProjectID:    project.ID,
		Title:        input.Title,
		Description:  input.Description,
		Status:       input.Status,
		Priority:     input.Priority,
		AssigneeID:   store.StringPtr(input.AssigneeID),
		ReporterID:   actorID,
		SprintID:     store.StringPtr(input.SprintID),
		ParentTaskID: store.StringPtr(input.ParentTaskID),
		DueDate:      input.DueDate,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.InsertTask(ctx, &task); err != nil {
		return store.Task{}, fmt.Errorf("insert task: %w", err)
	}
	s.indexTask(task)

	s.emit(ctx, func(ctx context.Context) {
		assignee := store.Deref(task.AssigneeID)
		s.broadcast(ctx, project.ID, Message{
			Type:    NotifyTaskCreated,
			Title:   "Task created",
			Message: fmt.Sprintf("%s was created in %s", taskLabel(task), project.Name),
			TaskID:  task.ID,
		}, actorID, assignee)
		s.notifyAssignee(ctx, task, actorID)
	})
	return task, nil
}

func (s *Service) GetTask(ctx context.Context, actorID, taskID string) (store.Task, error) {
	task, project, err := s.loadTask(ctx, taskID)
	if err != nil {
		return store.Task{}, err
	}
	if err := s.requireVisible(ctx, project, actorID, "Task"); err != nil {
		return store.Task{}, err
	}
	return task, nil
}

func (s *Service) ListTasks(ctx context.Context, actorID, projectID string, filter store.TaskFilter) ([]store.Task, error) {
	project, err := s.loadProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.requireVisible(ctx, project, actorID, "Project"); err != nil {
		return nil, err
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, badRequest("INVALID_STATUS", fmt.Sprintf("unknown task status %q", filter.Status))
	}
	tasks, err := s.store.ListTasks(ctx, project.ID, filter)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

func (s *Service) ListSubtasks(ctx context.Context, actorID, taskID string) ([]store.Task, error) {
	task, err := s.GetTask(ctx, actorID, taskID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(ctx, task.ProjectID, store.TaskFilter{ParentID: task.ID})
	if err != nil {
		return nil, fmt.Errorf("list subtasks: %w", err)
	}
	return tasks, nil
}

// UpdateTask edits descriptive fields and references. A changed assignee
// gets a task_assigned notification.
func (s *Service) UpdateTask(ctx context.Context, actorID, taskID string, changes TaskChanges) (store.Task, error) {
	task, project, err := s.loadTask(ctx, taskID)
	if err != nil {
		return store.Task{}, err
	}
	if err := s.authorize(ctx, project.ID, actorID, rbac.Contributors, "edit tasks"); err != nil {
		return store.Task{}, err
	}
	if changes.empty() {
		return store.Task{}, validationError("no changes", nil)
	}
	if changes.Title != nil {
		title := strings.TrimSpace(*changes.Title)
		changes.Title = &title
	}
	if changes.AssigneeID != nil {
		if err := s.checkAssignee(ctx, project.ID, *changes.AssigneeID); err != nil {
			return store.Task{}, err
		}
	}
	if changes.SprintID != nil {
		if err := s.checkSprintRef(ctx, project.ID, *changes.SprintID); err != nil {
			return store.Task{}, err
		}
	}
	if changes.ParentTaskID != nil {
		if err := s.checkParentRef(ctx, project.ID, task.ID, *changes.ParentTaskID); err != nil {
			return store.Task{}, err
		}
	}

	previousAssignee := store.Deref(task.AssigneeID)
	if err := editTask(&task, changes, s.now()); err != nil {
		return store.Task{}, err
	}
	if err := s.store.UpdateTask(ctx, &task); err != nil {
		return store.Task{}, writeFailed(err, "Task", "update task")
	}
	s.indexTask(task)

	if store.Deref(task.AssigneeID) != previousAssignee {
		s.emit(ctx, func(ctx context.Context) { s.notifyAssignee(ctx, task, actorID) })
	}
	return task, nil
}

func (s *Service) UpdateTaskStatus(ctx context.Context, actorID, taskID string, status store.TaskStatus) (store.Task, error) {
	task, project, err := s.loadTask(ctx, taskID)
	if err != nil {
		return store.Task{}, err
	}
	if err := s.authorize(ctx, project.ID, actorID, rbac.Contributors, "change task status"); err != nil {
		return store.Task{}, err
	}
	previous := task.Status
	if err := transitionTaskStatus(&task, status, s.now()); err != nil {
		return store.Task{}, err
	}
	if err := s.store.UpdateTask(ctx, &task); err != nil {
		return store.Task{}, writeFailed(err, "Task", "update task status")
	}
	s.indexTask(task)

	s.emit(ctx, func(ctx context.Context) {
		s.broadcast(ctx, project.ID, Message{
			Type:    NotifyTaskStatusChanged,
			Title:   "Task status changed",
			Message: fmt.Sprintf("%s moved from %s to %s", taskLabel(task), previous, task.Status),
			TaskID:  task.ID,
		}, actorID)
	})
	return task, nil
}

// UpdateTaskPriority changes priority. It notifies nobody.
func (s *Service) UpdateTaskPriority(ctx context.Context, actorID, taskID string, priority store.TaskPriority) (store.Task, error) {
	task, project, err := s.loadTask(ctx, taskID)
	if err != nil {
		return store.Task{}, err
	}
	if err := s.authorize(ctx, project.ID, actorID, rbac.Contributors, "change task priority"); err != nil {
		return store.Task{}, err
	}
	if err := transitionTaskPriority(&task, priority, s.now()); err != nil {
		return store.Task{}, err
	}
	if err := s.store.UpdateTask(ctx, &task); err != nil {
		return store.Task{}, writeFailed(err, "Task", "update task priority")
	}
	s.indexTask(task)
	return task, nil
}

// AssignTask sets the assignee; an empty assigneeID unassigns. The new
// assignee gets one task_assigned notification unless they assigned
// themselves.
func (s *Service) AssignTask(ctx context.Context, actorID, taskID, assigneeID string) (store.Task, error) {
	task, project, err := s.loadTask(ctx, taskID)
	if err != nil {
		return store.Task{}, err
	}
	if err := s.authorize(ctx, project.ID, actorID, rbac.Contributors, "assign tasks"); err != nil {
		return store.Task{}, err
	}
	if err := s.checkAssignee(ctx, project.ID, assigneeID); err != nil {
		return store.Task{}, err
	}
	if err := transitionTaskAssignee(&task, assigneeID, s.now()); err != nil {
		return store.Task{}, err
	}
	if err := s.store.UpdateTask(ctx, &task); err != nil {
		return store.Task{}, writeFailed(err, "Task", "assign task")
	}
	s.indexTask(task)

	s.emit(ctx, func(ctx context.Context) { s.notifyAssignee(ctx, task, actorID) })
	return task, nil
}

// DeleteTask is allowed for the project owner, an admin, or the task's
// reporter while they are still an active member.
func (s *Service) DeleteTask(ctx context.Context, actorID, taskID string) error {
	task, project, err := s.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	switch {
	case actorID != "" && actorID == project.OwnerID:
	case actorID == task.ReporterID:
		err = s.authorize(ctx, project.ID, actorID, rbac.AnyRole, "delete this task")
	default:
		err = s.authorize(ctx, project.ID, actorID, rbac.AdminsOnly, "delete this task")
	}
	if err != nil {
		return err
	}

	attachments, err := s.store.ListAttachments(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("list attachments: %w", err)
	}
	if err := s.store.DeleteTask(ctx, task.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound("Task")
		}
		return fmt.Errorf("delete task: %w", err)
	}
	s.search.DeleteTask(task.ID)
	s.logger.Info("task deleted", "task_id", task.ID, "project_id", project.ID, "actor_id", actorID)

	s.emit(ctx, func(ctx context.Context) {
		for _, attachment := range attachments {
			if err := s.blobs.Delete(ctx, attachment.ObjectKey); err != nil {
				s.logger.Warn("delete attachment object", "key", attachment.ObjectKey, "error", err)
			}
		}
		s.broadcast(ctx, project.ID, Message{
			Type:    NotifyTaskDeleted,
			Title:   "Task deleted",
			Message: fmt.Sprintf("%s was deleted", taskLabel(task)),
		}, actorID)
	})
	return nil
}

// unfinishedTasks returns the sprint's tasks that are not done, already
// moved to not_completed in memory. Nothing is written.
func (s *Service) unfinishedTasks(ctx context.Context, sprint store.Sprint, at time.Time) ([]*store.Task, error) {
	tasks, err := s.store.ListTasks(ctx, sprint.ProjectID, store.TaskFilter{SprintID: sprint.ID})
	if err != nil {
		return nil, fmt.Errorf("list sprint tasks: %w", err)
	}
	var moved []*store.Task
	for i := range tasks {
		task := &tasks[i]
		if task.Status == store.TaskDone || task.Status == store.TaskNotCompleted {
			continue
		}
		if err := transitionTaskStatus(task, store.TaskNotCompleted, at); err != nil {
			return nil, err
		}
		moved = append(moved, task)
	}
	return moved, nil
}

func (s *Service) notifyAssignee(ctx context.Context, task store.Task, actorID string) {
	assignee := store.Deref(task.AssigneeID)
	if assignee == "" || assignee == actorID {
		return
	}
	outcome := s.notifier.NotifyUser(ctx, assignee, Message{
		Type:      NotifyTaskAssigned,
		Title:     "Task assigned to you",
		Message:   fmt.Sprintf("%s was assigned to you", taskLabel(task)),
		TaskID:    task.ID,
		ProjectID: task.ProjectID,
	})
	s.notifier.Report(NotifyTaskAssigned, outcome)
}

func (s *Service) broadcast(ctx context.Context, projectID string, msg Message, exclude ...string) {
	msg.ProjectID = projectID
	outcomes, err := s.notifier.NotifyProjectMembers(ctx, projectID, msg, exclude...)
	if err != nil {
		s.logger.Warn("broadcast recipients", "type", msg.Type, "project_id", projectID, "error", err)
		return
	}
	s.notifier.Report(msg.Type, outcomes...)
}
