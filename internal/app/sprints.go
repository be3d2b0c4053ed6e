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

type CreateSprintInput struct {
	Name      string    `json:"name"`
	Goal      string    `json:"goal"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
}

func (s *Service) loadSprint(ctx context.Context, sprintID string) (store.Sprint, store.Project, error) {
	sprint, err := s.store.GetSprint(ctx, sprintID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Sprint{}, store.Project{}, notFound("Sprint")
		}
		return store.Sprint{}, store.Project{}, fmt.Errorf("get sprint: %w", err)
	}
	project, err := s.loadProject(ctx, sprint.ProjectID)
	if err != nil {
		return store.Sprint{}, store.Project{}, err
	}
	return sprint, project, nil
}

func (s *Service) CreateSprint(ctx context.Context, actorID, projectID string, input CreateSprintInput) (store.Sprint, error) {
	project, err := s.loadProject(ctx, projectID)
	if err != nil {
		return store.Sprint{}, err
	}
	if err := s.authorize(ctx, project.ID, actorID, rbac.Contributors, "create sprints"); err != nil {
		return store.Sprint{}, err
	}

	now := s.now()
	sprint := store.Sprint{
		ID:        util.NewID("spr"),
		ProjectID: project.ID,
		Name:      strings.TrimSpace(input.Name),
		Goal:      input.Goal,
		StartDate: input.StartDate,
		EndDate:   input.EndDate,
		Status:    store.SprintPlanned,
		CreatedBy: actorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := validateSprint(sprint); err != nil {
		return store.Sprint{}, err
	}
	if err := s.store.InsertSprint(ctx, sprint); err != nil {
		return store.Sprint{}, fmt.Errorf("insert sprint: %w", err)
	}

	s.emit(ctx, func(ctx context.Context) {
		s.broadcast(ctx, project.ID, Message{
			Type:    NotifySprintCreated,
			Title:   "Sprint created",
			Message: fmt.Sprintf("%s was planned in %s", sprint.Name, project.Name),
		}, actorID)
	})
	return sprint, nil
}

func (s *Service) GetSprint(ctx context.Context, actorID, sprintID string) (store.Sprint, error) {
	sprint, project, err := s.loadSprint(ctx, sprintID)
	if err != nil {
		return store.Sprint{}, err
	}
	if err := s.requireVisible(ctx, project, actorID, "Sprint"); err != nil {
		return store.Sprint{}, err
	}
	return sprint, nil
}

func (s *Service) ListSprints(ctx context.Context, actorID, projectID string) ([]store.Sprint, error) {
	project, err := s.loadProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.requireVisible(ctx, project, actorID, "Project"); err != nil {
		return nil, err
	}
	sprints, err := s.store.ListSprints(ctx, project.ID)
	if err != nil {
		return nil, fmt.Errorf("list sprints: %w", err)
	}
	return sprints, nil
}

// UpdateSprint edits name, goal and dates. Closed sprints are read-only.
func (s *Service) UpdateSprint(ctx context.Context, actorID, sprintID string, changes SprintChanges) (store.Sprint, error) {
	sprint, project, err := s.loadSprint(ctx, sprintID)
	if err != nil {
		return store.Sprint{}, err
	}
	if err := s.authorize(ctx, project.ID, actorID, rbac.Contributors, "edit sprints"); err != nil {
		return store.Sprint{}, err
	}
	if changes.Name != nil {
		name := strings.TrimSpace(*changes.Name)
		changes.Name = &name
	}
	if err := editSprint(&sprint, changes, s.now()); err != nil {
		return store.Sprint{}, err
	}
	if err := s.store.UpdateSprint(ctx, &sprint); err != nil {
		return store.Sprint{}, writeFailed(err, "Sprint", "update sprint")
	}
	return sprint, nil
}

// DeleteSprint is allowed for the project owner or an admin. Tasks in the
// sprint go back to the backlog.
func (s *Service) DeleteSprint(ctx context.Context, actorID, sprintID string) error {
	sprint, project, err := s.loadSprint(ctx, sprintID)
	if err != nil {
		return err
	}
	if actorID == "" || actorID != project.OwnerID {
		if err := s.authorize(ctx, project.ID, actorID, rbac.AdminsOnly, "delete sprints"); err != nil {
			return err
		}
	}
	if err := s.store.DeleteSprint(ctx, sprint.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound("Sprint")
		}
		return fmt.Errorf("delete sprint: %w", err)
	}
	s.logger.Info("sprint deleted", "sprint_id", sprint.ID, "project_id", project.ID, "actor_id", actorID)

	s.emit(ctx, func(ctx context.Context) {
		s.broadcast(ctx, project.ID, Message{
			Type:    NotifySprintDeleted,
			Title:   "Sprint deleted",
			Message: fmt.Sprintf("%s was deleted", sprint.Name),
		}, actorID)
	})
	return nil
}

func (s *Service) StartSprint(ctx context.Context, actorID, sprintID string) (store.Sprint, error) {
	return s.UpdateSprintStatus(ctx, actorID, sprintID, store.SprintActive)
}

func (s *Service) CompleteSprint(ctx context.Context, actorID, sprintID string) (store.Sprint, error) {
	return s.UpdateSprintStatus(ctx, actorID, sprintID, store.SprintCompleted)
}

func (s *Service) CancelSprint(ctx context.Context, actorID, sprintID string) (store.Sprint, error) {
	return s.UpdateSprintStatus(ctx, actorID, sprintID, store.SprintCancelled)
}

// UpdateSprintStatus moves a sprint along the status lattice. The roles
// required depend on the move; moves that do not exist are checked against
// contributors first so outsiders always get Forbidden.
func (s *Service) UpdateSprintStatus(ctx context.Context, actorID, sprintID string, status store.SprintStatus) (store.Sprint, error) {
	sprint, project, err := s.loadSprint(ctx, sprintID)
	if err != nil {
		return store.Sprint{}, err
	}
	allowed, ok := sprintTransitionRoles(sprint.Status, status)
	if !ok {
		allowed = rbac.Contributors
	}
	if err := s.authorize(ctx, project.ID, actorID, allowed, fmt.Sprintf("move sprint to %s", status)); err != nil {
		return store.Sprint{}, err
	}
	now := s.now()
	if err := transitionSprintStatus(&sprint, status, now); err != nil {
		return store.Sprint{}, err
	}

	message := fmt.Sprintf("%s is now %s", sprint.Name, sprint.Status)
	if sprint.Status == store.SprintCompleted {
		moved, err := s.unfinishedTasks(ctx, sprint, now)
		if err != nil {
			return store.Sprint{}, err
		}
		// The sprint and its moved tasks commit together or not at all.
		if err := s.store.CompleteSprint(ctx, &sprint, moved); err != nil {
			return store.Sprint{}, writeFailed(err, "Sprint", "complete sprint")
		}
		for _, task := range moved {
			s.indexTask(*task)
		}
		if len(moved) > 0 {
			message = fmt.Sprintf("%s is completed; %d unfinished tasks marked not completed", sprint.Name, len(moved))
		}
	} else if err := s.store.UpdateSprint(ctx, &sprint); err != nil {
		return store.Sprint{}, writeFailed(err, "Sprint", "update sprint status")
	}
	s.logger.Info("sprint status changed", "sprint_id", sprint.ID, "status", sprint.Status, "actor_id", actorID)

	s.emit(ctx, func(ctx context.Context) {
		s.broadcast(ctx, project.ID, Message{
			Type:    NotifySprintStatusChanged,
			Title:   sprintStatusTitle(sprint.Status),
			Message: message,
		}, actorID)
	})
	return sprint, nil
}
