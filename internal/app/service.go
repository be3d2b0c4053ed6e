package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"taskboard/api/internal/auth"
	"taskboard/api/internal/blob"
	"taskboard/api/internal/rbac"
	"taskboard/api/internal/realtime"
	"taskboard/api/internal/search"
	"taskboard/api/internal/session"
	"taskboard/api/internal/store"
	"taskboard/api/internal/util"
)

type userStore interface {
	GetUser(context.Context, string) (store.User, error)
	InsertUser(context.Context, store.User) error
}

type projectStore interface {
	GetProject(context.Context, string) (store.Project, error)
	InsertProject(context.Context, store.Project, store.ProjectMember) error
}

type memberStore interface {
	GetMember(context.Context, string, string) (store.ProjectMember, error)
	InsertMember(context.Context, store.ProjectMember) error
	UpdateMember(context.Context, store.ProjectMember) error
	ListMembers(context.Context, string, store.MemberStatus) ([]store.ProjectMember, error)
}

type taskStore interface {
	GetTask(context.Context, string) (store.Task, error)
	ListTasks(context.Context, string, store.TaskFilter) ([]store.Task, error)
	ListAllTasks(context.Context) ([]store.Task, error)
	InsertTask(context.Context, *store.Task) error
	UpdateTask(context.Context, *store.Task) error
	DeleteTask(context.Context, string) error
}

type sprintStore interface {
	GetSprint(context.Context, string) (store.Sprint, error)
	ListSprints(context.Context, string) ([]store.Sprint, error)
	InsertSprint(context.Context, store.Sprint) error
	UpdateSprint(context.Context, *store.Sprint) error
	CompleteSprint(context.Context, *store.Sprint, []*store.Task) error
	DeleteSprint(context.Context, string) error
}

type notificationStore interface {
	InsertNotification(context.Context, store.Notification) error
	GetNotification(context.Context, string) (store.Notification, error)
	ListNotifications(context.Context, string, bool, int, int) ([]store.Notification, error)
	CountUnread(context.Context, string) (int, error)
	MarkNotificationRead(context.Context, string, time.Time) error
	MarkAllNotificationsRead(context.Context, string, time.Time) (int, error)
	DeleteNotification(context.Context, string) error
	DeleteAllNotifications(context.Context, string) (int, error)
}

type commentStore interface {
	InsertComment(context.Context, store.Comment) error
	GetComment(context.Context, string) (store.Comment, error)
	ListComments(context.Context, string) ([]store.Comment, error)
	UpdateComment(context.Context, store.Comment) error
	DeleteComment(context.Context, string) error
}

type attachmentStore interface {
	InsertAttachment(context.Context, store.Attachment) error
	GetAttachment(context.Context, string) (store.Attachment, error)
	ListAttachments(context.Context, string) ([]store.Attachment, error)
	DeleteAttachment(context.Context, string) error
}

// Store is everything the service needs from persistence. Both
// store.PostgresStore and store.MemoryStore satisfy it.
type Store interface {
	userStore
	projectStore
	memberStore
	taskStore
	sprintStore
	notificationStore
	commentStore
	attachmentStore
	Ping(ctx context.Context) error
}

// Pusher delivers an event to a user's live sessions. realtime.Hub is the
// production implementation.
type Pusher interface {
	SendToUser(ctx context.Context, userID string, event realtime.Event) []realtime.PushResult
}

type Options struct {
	Pusher            Pusher
	Search            *search.Service
	Blobs             blob.Store
	Tickets           session.TicketStore
	JWTSecret         []byte
	TicketTTL         time.Duration
	AttachmentURLTTL  time.Duration
	NotifyConcurrency int
	Logger            *slog.Logger
	Now               func() time.Time
}

type Service struct {
	store    Store
	registry *Registry
	checker  *rbac.Checker
	notifier *Notifier
	search   *search.Service
	blobs    blob.Store
	tickets  session.TicketStore

	jwtSecret     []byte
	ticketTTL     time.Duration
	attachmentTTL time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

func New(data Store, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if opts.TicketTTL <= 0 {
		opts.TicketTTL = 30 * time.Second
	}
	if opts.AttachmentURLTTL <= 0 {
		opts.AttachmentURLTTL = 15 * time.Minute
	}
	if opts.Blobs == nil {
		opts.Blobs = blob.NewMemoryStore()
	}
	if opts.Search == nil {
		opts.Search = search.NewService(nil, search.NewStoreSearcher(data), logger)
	}

	notifier := NewNotifier(data, data, opts.Pusher, NotifierOptions{
		Concurrency: opts.NotifyConcurrency,
		Logger:      logger,
		Now:         now,
	})
	registry := newRegistry(data, notifier, logger, now)
	checker := rbac.NewChecker(registry)
	registry.checker = checker

	return &Service{
		store:         data,
		registry:      registry,
		checker:       checker,
		notifier:      notifier,
		search:        opts.Search,
		blobs:         opts.Blobs,
		tickets:       opts.Tickets,
		jwtSecret:     opts.JWTSecret,
		ticketTTL:     opts.TicketTTL,
		attachmentTTL: opts.AttachmentURLTTL,
		logger:        logger.With("component", "service"),
		now:           now,
	}
}

func (s *Service) Registry() *Registry { return s.registry }

func (s *Service) Notifier() *Notifier { return s.notifier }

func (s *Service) Checker() *rbac.Checker { return s.checker }

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingTickets reports whether the realtime ticket store is reachable. It is
// nil when tickets are not configured.
func (s *Service) PingTickets(ctx context.Context) error {
	if s.tickets == nil {
		return nil
	}
	return s.tickets.Ping(ctx)
}

// PingBlobs checks attachment storage when the backend supports it. The
// boolean is false for stores without a health check.
func (s *Service) PingBlobs(ctx context.Context) (bool, error) {
	pinger, ok := s.blobs.(interface{ Ping(context.Context) error })
	if !ok {
		return false, nil
	}
	return true, pinger.Ping(ctx)
}

// EnsureUser records the user named by identity claims the first time they
// are seen.
func (s *Service) EnsureUser(ctx context.Context, claims auth.Claims) (store.User, error) {
	user, err := s.store.GetUser(ctx, claims.Subject)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.User{}, fmt.Errorf("get user: %w", err)
	}
	user = store.User{
		ID:          claims.Subject,
		DisplayName: strings.TrimSpace(claims.Name),
		Email:       strings.TrimSpace(claims.Email),
		CreatedAt:   s.now(),
	}
	if user.DisplayName == "" {
		user.DisplayName = claims.Subject
	}
	if err := s.store.InsertUser(ctx, user); err != nil {
		return store.User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

// Authenticate validates a bearer identity token and returns the user it
// names.
func (s *Service) Authenticate(ctx context.Context, token string) (store.User, error) {
	claims, err := auth.ParseToken(s.jwtSecret, token)
	if err != nil {
		return store.User{}, err
	}
	return s.EnsureUser(ctx, claims)
}

// AuthenticateToken implements realtime.Authenticator.
func (s *Service) AuthenticateToken(ctx context.Context, token string) (string, error) {
	user, err := s.Authenticate(ctx, token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
			return "", realtime.ErrUnauthorized
		}
		return "", err
	}
	return user.ID, nil
}

// IssueTicket hands out a one-time realtime connection ticket.
func (s *Service) IssueTicket(ctx context.Context, userID string) (string, time.Time, error) {
	if s.tickets == nil {
		return "", time.Time{}, domainError(http.StatusServiceUnavailable, "TICKETS_UNAVAILABLE", "Realtime tickets are not configured", nil)
	}
	ticket, err := s.tickets.Issue(ctx, userID, s.ticketTTL)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("issue ticket: %w", err)
	}
	return ticket, s.now().Add(s.ticketTTL), nil
}

// RedeemTicket implements realtime.Authenticator.
func (s *Service) RedeemTicket(ctx context.Context, ticket string) (string, error) {
	if s.tickets == nil || ticket == "" {
		return "", realtime.ErrUnauthorized
	}
	data, err := s.tickets.Redeem(ctx, ticket)
	if err != nil {
		if errors.Is(err, session.ErrTicketNotFound) {
			return "", realtime.ErrUnauthorized
		}
		return "", err
	}
	return data.UserID, nil
}

// loadProject returns NotFound for a missing project.
func (s *Service) loadProject(ctx context.Context, projectID string) (store.Project, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Project{}, notFound("Project")
		}
		return store.Project{}, fmt.Errorf("get project: %w", err)
	}
	return project, nil
}

// visible reports whether userID may read inside project: the owner, or
// anyone with an active membership row.
func (s *Service) visible(ctx context.Context, project store.Project, userID string) (bool, error) {
	if userID != "" && userID == project.OwnerID {
		return true, nil
	}
	_, ok, err := s.registry.UserRole(ctx, project.ID, userID)
	return ok, err
}

// requireVisible hides everything in a project from outsiders behind a
// NotFound for what.
func (s *Service) requireVisible(ctx context.Context, project store.Project, userID, what string) error {
	ok, err := s.visible(ctx, project, userID)
	if err != nil {
		return err
	}
	if !ok {
		return notFound(what)
	}
	return nil
}

// authorize runs the permission check for one mutation.
func (s *Service) authorize(ctx context.Context, projectID, userID string, allowed rbac.RoleSet, action string) error {
	ok, err := s.checker.HasRole(ctx, projectID, userID, allowed)
	if err != nil {
		return err
	}
	if !ok {
		return forbidden("Not allowed to " + action)
	}
	return nil
}

// emit runs fn detached from the request so a client disconnect after the
// write commits does not cut notification fan-out short.
func (s *Service) emit(ctx context.Context, fn func(ctx context.Context)) {
	fn(context.WithoutCancel(ctx))
}

func (s *Service) indexTask(task store.Task) {
	s.search.IndexTask(search.RecordFromTask(task))
}

// CreateProject creates a project whose owner holds an active admin row.
func (s *Service) CreateProject(ctx context.Context, actorID, name string) (store.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Project{}, validationError("name is required", nil)
	}
	if actorID == "" {
		return store.Project{}, forbidden("Not allowed to create projects")
	}
	now := s.now()
	joinedAt := now
	project := store.Project{
		ID:        util.NewID("prj"),
		Name:      name,
		OwnerID:   actorID,
		CreatedAt: now,
	}
	owner := store.ProjectMember{
		ProjectID: project.ID,
		UserID:    actorID,
		Role:      rbac.RoleAdmin,
		Status:    store.MemberActive,
		InvitedBy: actorID,
		InvitedAt: now,
		JoinedAt:  &joinedAt,
	}
	if err := s.store.InsertProject(ctx, project, owner); err != nil {
		return store.Project{}, fmt.Errorf("insert project: %w", err)
	}
	s.logger.Info("project created", "project_id", project.ID, "owner_id", actorID)
	return project, nil
}

func (s *Service) GetProject(ctx context.Context, actorID, projectID string) (store.Project, error) {
	project, err := s.loadProject(ctx, projectID)
	if err != nil {
		return store.Project{}, err
	}
	if err := s.requireVisible(ctx, project, actorID, "Project"); err != nil {
		return store.Project{}, err
	}
	return project, nil
}

// ProjectMembers lists invited and active rows.
func (s *Service) ProjectMembers(ctx context.Context, actorID, projectID string) ([]store.ProjectMember, error) {
	project, err := s.GetProject(ctx, actorID, projectID)
	if err != nil {
		return nil, err
	}
	all, err := s.store.ListMembers(ctx, project.ID, "")
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	members := make([]store.ProjectMember, 0, len(all))
	for _, member := range all {
		if member.Status != store.MemberRemoved {
			members = append(members, member)
		}
	}
	return members, nil
}

// SearchTasks runs a task search inside a project the actor can see.
func (s *Service) SearchTasks(ctx context.Context, actorID string, q search.Query) (search.Response, error) {
	project, err := s.loadProject(ctx, q.ProjectID)
	if err != nil {
		return search.Response{}, err
	}
	if err := s.requireVisible(ctx, project, actorID, "Project"); err != nil {
		return search.Response{}, err
	}
	return s.search.SearchTasks(ctx, q), nil
}

// ReindexSearch pushes every task to the search index. It is a no-op when
// no index is configured.
func (s *Service) ReindexSearch(ctx context.Context) (int, error) {
	tasks, err := s.store.ListAllTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tasks for reindex: %w", err)
	}
	records := make([]search.TaskRecord, 0, len(tasks))
	for _, task := range tasks {
		records = append(records, search.RecordFromTask(task))
	}
	if err := s.search.Reindex(records); err != nil {
		return 0, fmt.Errorf("reindex tasks: %w", err)
	}
	return len(records), nil
}
