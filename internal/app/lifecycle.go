package app

import (
	"fmt"
	"time"

	"taskboard/api/internal/rbac"
	"taskboard/api/internal/store"
)

// Every Task and Sprint field change goes through one of these functions so
// the entity invariants are checked in a single place.

// sprintTransitions lists the legal sprint status moves and who may make
// them. Completed and cancelled have no outgoing edges.
var sprintTransitions = map[store.SprintStatus]map[store.SprintStatus]rbac.RoleSet{
	store.SprintPlanned: {
		store.SprintActive:    rbac.Contributors,
		store.SprintCancelled: rbac.AdminsOnly,
	},
	store.SprintActive: {
		store.SprintCompleted: rbac.Contributors,
		store.SprintCancelled: rbac.AdminsOnly,
	},
}

// sprintTransitionRoles returns the roles allowed to move a sprint from one
// status to another, and whether the move exists at all.
func sprintTransitionRoles(from, to store.SprintStatus) (rbac.RoleSet, bool) {
	roles, ok := sprintTransitions[from][to]
	return roles, ok
}

func sprintStatusTitle(status store.SprintStatus) string {
	switch status {
	case store.SprintActive:
		return "Sprint started"
	case store.SprintCompleted:
		return "Sprint completed"
	case store.SprintCancelled:
		return "Sprint cancelled"
	default:
		return "Sprint updated"
	}
}

func transitionSprintStatus(sprint *store.Sprint, to store.SprintStatus, at time.Time) error {
	if !to.Valid() {
		return badRequest("INVALID_STATUS", fmt.Sprintf("unknown sprint status %q", to))
	}
	if sprint.Status == to {
		return sameState("sprint status", to)
	}
	if _, ok := sprintTransitionRoles(sprint.Status, to); !ok {
		return conflict("INVALID_TRANSITION", fmt.Sprintf("sprint cannot move from %s to %s", sprint.Status, to))
	}
	sprint.Status = to
	sprint.UpdatedAt = at
	return nil
}

// SprintChanges carries optional edits to a sprint's descriptive fields.
type SprintChanges struct {
	Name      *string    `json:"name"`
	Goal      *string    `json:"goal"`
	StartDate *time.Time `json:"startDate"`
	EndDate   *time.Time `json:"endDate"`
}

func editSprint(sprint *store.Sprint, changes SprintChanges, at time.Time) error {
	if sprint.Status.Terminal() {
		return conflict("SPRINT_CLOSED", fmt.Sprintf("sprint is %s", sprint.Status))
	}
	next := *sprint
	if changes.Name != nil {
		next.Name = *changes.Name
	}
	if changes.Goal != nil {
		next.Goal = *changes.Goal
	}
	if changes.StartDate != nil {
		next.StartDate = *changes.StartDate
	}
	if changes.EndDate != nil {
		next.EndDate = *changes.EndDate
	}
	if err := validateSprint(next); err != nil {
		return err
	}
	next.UpdatedAt = at
	*sprint = next
	return nil
}

func validateSprint(sprint store.Sprint) error {
	if sprint.Name == "" {
		return validationError("name is required", nil)
	}
	if sprint.StartDate.IsZero() || sprint.EndDate.IsZero() {
		return validationError("startDate and endDate are required", nil)
	}
	if !sprint.StartDate.Before(sprint.EndDate) {
		return badRequest("INVALID_DATES", "startDate must be before endDate")
	}
	return nil
}

func transitionTaskStatus(task *store.Task, to store.TaskStatus, at time.Time) error {
	if !to.Valid() {
		return badRequest("INVALID_STATUS", fmt.Sprintf("unknown task status %q", to))
	}
	if task.Status == to {
		return sameState("task status", to)
	}
	task.Status = to
	task.UpdatedAt = at
	return nil
}

func transitionTaskPriority(task *store.Task, to store.TaskPriority, at time.Time) error {
	if !to.Valid() {
		return badRequest("INVALID_PRIORITY", fmt.Sprintf("unknown task priority %q", to))
	}
	if task.Priority == to {
		return sameState("task priority", to)
	}
	task.Priority = to
	task.UpdatedAt = at
	return nil
}

// transitionTaskAssignee sets or clears the assignee. The caller has already
// checked the new assignee is an active project member.
func transitionTaskAssignee(task *store.Task, assigneeID string, at time.Time) error {
	if store.Deref(task.AssigneeID) == assigneeID {
		if assigneeID == "" {
			return sameState("task", "unassigned")
		}
		return sameState("task assignee", assigneeID)
	}
	task.AssigneeID = store.StringPtr(assigneeID)
	task.UpdatedAt = at
	return nil
}

// TaskChanges carries optional edits to a task. An empty string in a
// reference field clears it.
type TaskChanges struct {
	Title        *string    `json:"title"`
	Description  *string    `json:"description"`
	AssigneeID   *string    `json:"assigneeId"`
	SprintID     *string    `json:"sprintId"`
	ParentTaskID *string    `json:"parentTaskId"`
	DueDate      *time.Time `json:"dueDate"`
	ClearDueDate bool       `json:"clearDueDate"`
}

func (c TaskChanges) empty() bool {
	return c.Title == nil && c.Description == nil && c.AssigneeID == nil && c.SprintID == nil &&
		c.ParentTaskID == nil && c.DueDate == nil && !c.ClearDueDate
}

// editTask applies descriptive edits. References are validated by the
// caller before this runs.
func editTask(task *store.Task, changes TaskChanges, at time.Time) error {
	next := *task
	if changes.Title != nil {
		next.Title = *changes.Title
		if next.Title == "" {
			return validationError("title is required", nil)
		}
	}
	if changes.Description != nil {
		next.Description = *changes.Description
	}
	if changes.AssigneeID != nil {
		next.AssigneeID = store.StringPtr(*changes.AssigneeID)
	}
	if changes.SprintID != nil {
		next.SprintID = store.StringPtr(*changes.SprintID)
	}
	if changes.ParentTaskID != nil {
		next.ParentTaskID = store.StringPtr(*changes.ParentTaskID)
	}
	switch {
	case changes.ClearDueDate:
		next.DueDate = nil
	case changes.DueDate != nil:
		due := *changes.DueDate
		next.DueDate = &due
	}
	next.UpdatedAt = at
	*task = next
	return nil
}
