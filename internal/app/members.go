package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"taskboard/api/internal/rbac"
	"taskboard/api/internal/store"
)

type registryStore interface {
	userStore
	projectStore
	memberStore
}

// Registry owns project membership rows. Rows change only through its
// add, accept, role update and remove operations.
type Registry struct {
	store    registryStore
	checker  *rbac.Checker
	notifier *Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func newRegistry(data registryStore, notifier *Notifier, logger *slog.Logger, now func() time.Time) *Registry {
	return &Registry{
		store:    data,
		notifier: notifier,
		logger:   logger.With("component", "registry"),
		now:      now,
	}
}

// UserRole returns the role of the active row for (projectID, userID); ok is
// false when there is none. It does not know about project ownership.
func (r *Registry) UserRole(ctx context.Context, projectID, userID string) (rbac.Role, bool, error) {
	member, err := r.store.GetMember(ctx, projectID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get member: %w", err)
	}
	if member.Status != store.MemberActive {
		return "", false, nil
	}
	return member.Role, true, nil
}

func (r *Registry) ActiveMembers(ctx context.Context, projectID string) ([]store.ProjectMember, error) {
	members, err := r.store.ListMembers(ctx, projectID, store.MemberActive)
	if err != nil {
		return nil, fmt.Errorf("list active members: %w", err)
	}
	return members, nil
}

func (r *Registry) project(ctx context.Context, projectID string) (store.Project, error) {
	project, err := r.store.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Project{}, notFound("Project")
		}
		return store.Project{}, fmt.Errorf("get project: %w", err)
	}
	return project, nil
}

// requireManager allows the project owner or an active admin.
func (r *Registry) requireManager(ctx context.Context, project store.Project, actorID, action string) error {
	if actorID != "" && actorID == project.OwnerID {
		return nil
	}
	ok, err := r.checker.HasRole(ctx, project.ID, actorID, rbac.AdminsOnly)
	if err != nil {
		return err
	}
	if !ok {
		return forbidden("Only project admins can " + action)
	}
	return nil
}

// AddMember invites userID into projectID. A removed row is reset to
// invited; an invited or active row is a conflict.
func (r *Registry) AddMember(ctx context.Context, projectID, userID string, role rbac.Role, invitedBy string) (store.ProjectMember, error) {
	project, err := r.project(ctx, projectID)
	if err != nil {
		return store.ProjectMember{}, err
	}
	if err := r.requireManager(ctx, project, invitedBy, "invite members"); err != nil {
		return store.ProjectMember{}, err
	}
	if !rbac.Valid(role) {
		return store.ProjectMember{}, badRequest("INVALID_ROLE", fmt.Sprintf("unknown role %q", role))
	}
	if _, err := r.store.GetUser(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.ProjectMember{}, notFound("User")
		}
		return store.ProjectMember{}, fmt.Errorf("get user: %w", err)
	}

	member := store.ProjectMember{
		ProjectID: projectID,
		UserID:    userID,
		Role:      role,
		Status:    store.MemberInvited,
		InvitedBy: invitedBy,
		InvitedAt: r.now(),
	}
	existing, err := r.store.GetMember(ctx, projectID, userID)
	switch {
	case err == nil && existing.Status != store.MemberRemoved:
		return store.ProjectMember{}, conflict("ALREADY_MEMBER", "User is already a member or has a pending invitation")
	case err == nil:
		if err := r.store.UpdateMember(ctx, member); err != nil {
			return store.ProjectMember{}, fmt.Errorf("reinvite member: %w", err)
		}
	case errors.Is(err, store.ErrNotFound):
		if err := r.store.InsertMember(ctx, member); err != nil {
			// A concurrent invite for the same user won the insert.
			if errors.Is(err, store.ErrConflict) {
				return store.ProjectMember{}, conflict("ALREADY_MEMBER", "User is already a member or has a pending invitation")
			}
			return store.ProjectMember{}, fmt.Errorf("insert member: %w", err)
		}
	default:
		return store.ProjectMember{}, fmt.Errorf("get member: %w", err)
	}

	r.logger.Info("member invited", "project_id", projectID, "user_id", userID, "role", role, "invited_by", invitedBy)
	r.notifyTarget(ctx, userID, invitedBy, Message{
		Type:      NotifyProjectInvitation,
		Title:     "Project invitation",
		Message:   fmt.Sprintf("You were invited to %s as %s", project.Name, role),
		ProjectID: projectID,
	})
	return member, nil
}

// AcceptInvitation activates a pending invitation and tells the new member
// they were added.
func (r *Registry) AcceptInvitation(ctx context.Context, projectID, userID string) (store.ProjectMember, error) {
	project, err := r.project(ctx, projectID)
	if err != nil {
		return store.ProjectMember{}, err
	}
	member, err := r.store.GetMember(ctx, projectID, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return store.ProjectMember{}, fmt.Errorf("get member: %w", err)
	}
	if err != nil || member.Status != store.MemberInvited {
		return store.ProjectMember{}, notFound("Invitation")
	}

	joinedAt := r.now()
	member.Status = store.MemberActive
	member.JoinedAt = &joinedAt
	if err := r.store.UpdateMember(ctx, member); err != nil {
		return store.ProjectMember{}, fmt.Errorf("accept invitation: %w", err)
	}

	r.logger.Info("invitation accepted", "project_id", projectID, "user_id", userID)
	r.notifyTarget(ctx, userID, "", Message{
		Type:      NotifyProjectMemberAdded,
		Title:     "Added to project",
		Message:   fmt.Sprintf("You are now a member of %s", project.Name),
		ProjectID: projectID,
	})
	return member, nil
}

// UpdateRole changes a member's role. The owner's role never changes.
func (r *Registry) UpdateRole(ctx context.Context, projectID, userID string, newRole rbac.Role, updatedBy string) (store.ProjectMember, error) {
	project, err := r.project(ctx, projectID)
	if err != nil {
		return store.ProjectMember{}, err
	}
	if err := r.requireManager(ctx, project, updatedBy, "change roles"); err != nil {
		return store.ProjectMember{}, err
	}
	if userID == project.OwnerID {
		return store.ProjectMember{}, forbidden("The project owner's role cannot be changed")
	}
	if !rbac.Valid(newRole) {
		return store.ProjectMember{}, badRequest("INVALID_ROLE", fmt.Sprintf("unknown role %q", newRole))
	}
	member, err := r.store.GetMember(ctx, projectID, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return store.ProjectMember{}, fmt.Errorf("get member: %w", err)
	}
	if err != nil || member.Status == store.MemberRemoved {
		return store.ProjectMember{}, notFound("Member")
	}
	if member.Role == newRole {
		return store.ProjectMember{}, sameState("role", newRole)
	}

	member.Role = newRole
	if err := r.store.UpdateMember(ctx, member); err != nil {
		return store.ProjectMember{}, fmt.Errorf("update role: %w", err)
	}

	r.logger.Info("member role updated", "project_id", projectID, "user_id", userID, "role", newRole, "updated_by", updatedBy)
	r.notifyTarget(ctx, userID, updatedBy, Message{
		Type:      NotifyProjectRoleUpdated,
		Title:     "Role updated",
		Message:   fmt.Sprintf("Your role in %s is now %s", project.Name, newRole),
		ProjectID: projectID,
	})
	return member, nil
}

// RemoveMember soft deletes a membership row. The owner cannot be removed by
// anyone.
func (r *Registry) RemoveMember(ctx context.Context, projectID, userID, removedBy string) error {
	project, err := r.project(ctx, projectID)
	if err != nil {
		return err
	}
	if userID == project.OwnerID {
		return forbidden("The project owner cannot be removed")
	}
	if err := r.requireManager(ctx, project, removedBy, "remove members"); err != nil {
		return err
	}
	member, err := r.store.GetMember(ctx, projectID, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("get member: %w", err)
	}
	if err != nil || member.Status == store.MemberRemoved {
		return notFound("Member")
	}

	member.Status = store.MemberRemoved
	if err := r.store.UpdateMember(ctx, member); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}

	r.logger.Info("member removed", "project_id", projectID, "user_id", userID, "removed_by", removedBy)
	r.notifyTarget(ctx, userID, removedBy, Message{
		Type:      NotifyProjectMemberRemoved,
		Title:     "Removed from project",
		Message:   fmt.Sprintf("You were removed from %s", project.Name),
		ProjectID: projectID,
	})
	return nil
}

// notifyTarget sends a targeted notification unless the recipient is the
// actor.
func (r *Registry) notifyTarget(ctx context.Context, userID, actorID string, msg Message) {
	if userID == actorID {
		return
	}
	outcome := r.notifier.NotifyUser(context.WithoutCancel(ctx), userID, msg)
	r.notifier.Report(msg.Type, outcome)
}
