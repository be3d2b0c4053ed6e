package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"taskboard/api/internal/rbac"
	"taskboard/api/internal/store"
	"taskboard/api/internal/util"
)

func (s *Service) loadComment(ctx context.Context, commentID string) (store.Comment, store.Task, store.Project, error) {
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Comment{}, store.Task{}, store.Project{}, notFound("Comment")
		}
		return store.Comment{}, store.Task{}, store.Project{}, fmt.Errorf("get comment: %w", err)
	}
	task, project, err := s.loadTask(ctx, comment.TaskID)
	if err != nil {
		return store.Comment{}, store.Task{}, store.Project{}, err
	}
	return comment, task, project, nil
}

// AddComment posts a comment and tells the assignee, or the reporter when
// the task is unassigned.
func (s *Service) AddComment(ctx context.Context, actorID, taskID, body string) (store.Comment, error) {
	task, project, err := s.loadTask(ctx, taskID)
	if err != nil {
		return store.Comment{}, err
	}
	if err := s.authorize(ctx, project.ID, actorID, rbac.Contributors, "comment on tasks"); err != nil {
		return store.Comment{}, err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return store.Comment{}, validationError("body is required", nil)
	}

	now := s.now()
	comment := store.Comment{
		ID:        util.NewID("cmt"),
		TaskID:    task.ID,
		AuthorID:  actorID,
		Body:      body,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return store.Comment{}, fmt.Errorf("insert comment: %w", err)
	}

	recipient := store.Deref(task.AssigneeID)
	if recipient == "" {
		recipient = task.ReporterID
	}
	if recipient != actorID {
		s.emit(ctx, func(ctx context.Context) {
			outcome := s.notifier.NotifyUser(ctx, recipient, Message{
				Type:      NotifyTaskCommentAdded,
				Title:     "New comment",
				Message:   fmt.Sprintf("New comment on %s", taskLabel(task)),
				TaskID:    task.ID,
				ProjectID: project.ID,
			})
			s.notifier.Report(NotifyTaskCommentAdded, outcome)
		})
	}
	return comment, nil
}

func (s *Service) ListComments(ctx context.Context, actorID, taskID string) ([]store.Comment, error) {
	task, err := s.GetTask(ctx, actorID, taskID)
	if err != nil {
		return nil, err
	}
	comments, err := s.store.ListComments(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	return comments, nil
}

// UpdateComment lets only the author edit their comment.
func (s *Service) UpdateComment(ctx context.Context, actorID, commentID, body string) (store.Comment, error) {
	comment, _, project, err := s.loadComment(ctx, commentID)
	if err != nil {
		return store.Comment{}, err
	}
	if err := s.authorize(ctx, project.ID, actorID, rbac.Contributors, "edit comments"); err != nil {
		return store.Comment{}, err
	}
	if comment.AuthorID != actorID {
		return store.Comment{}, forbidden("Only the author can edit this comment")
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return store.Comment{}, validationError("body is required", nil)
	}
	comment.Body = body
	comment.UpdatedAt = s.now()
	if err := s.store.UpdateComment(ctx, comment); err != nil {
		return store.Comment{}, fmt.Errorf("update comment: %w", err)
	}
	return comment, nil
}

// DeleteComment is allowed for the author, an admin, or the project owner.
func (s *Service) DeleteComment(ctx context.Context, actorID, commentID string) error {
	comment, _, project, err := s.loadComment(ctx, commentID)
	if err != nil {
		return err
	}
	switch {
	case actorID != "" && actorID == project.OwnerID:
	case actorID == comment.AuthorID:
		err = s.authorize(ctx, project.ID, actorID, rbac.AnyRole, "delete this comment")
	default:
		err = s.authorize(ctx, project.ID, actorID, rbac.AdminsOnly, "delete this comment")
	}
	if err != nil {
		return err
	}
	if err := s.store.DeleteComment(ctx, comment.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound("Comment")
		}
		return fmt.Errorf("delete comment: %w", err)
	}
	return nil
}
