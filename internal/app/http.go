package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"taskboard/api/internal/auth"
	"taskboard/api/internal/rbac"
	"taskboard/api/internal/search"
	"taskboard/api/internal/store"
)

const (
	userIDKey    = "user_id"
	requestIDKey = "request_id"

	defaultPageSize = 50
	maxPageSize     = 200
)

type HTTPOptions struct {
	CORSOrigin     string
	Realtime       http.Handler
	MaxUploadBytes int64
	Logger         *slog.Logger
}

type HTTPServer struct {
	service    *Service
	realtime   http.Handler
	corsOrigin string
	maxUpload  int64
	logger     *slog.Logger
	router     *gin.Engine
}

func NewHTTPServer(service *Service, opts HTTPOptions) *HTTPServer {
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 25 << 20
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &HTTPServer{
		service:    service,
		realtime:   opts.Realtime,
		corsOrigin: opts.CORSOrigin,
		maxUpload:  opts.MaxUploadBytes,
		logger:     logger.With("component", "http"),
	}
	s.router = s.routes()
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

func (s *HTTPServer) routes() *gin.Engine {
	router := gin.New()
	router.Use(s.withMiddleware(), s.recovery())
	router.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})

	router.GET("/api/health", s.handleHealth)
	router.HEAD("/api/health", s.handleHealth)
	router.GET("/api/ready", s.handleReady)
	router.HEAD("/api/ready", s.handleReady)
	if s.realtime != nil {
		router.GET("/api/realtime", gin.WrapH(s.realtime))
	}

	api := router.Group("/api")
	api.Use(s.requireUser())
	{
		api.GET("/session", s.handleSession)
		api.POST("/realtime/ticket", s.handleIssueTicket)

		api.POST("/projects", s.handleCreateProject)
		api.GET("/projects/:projectID", s.handleGetProject)
		api.GET("/projects/:projectID/members", s.handleListMembers)
		api.POST("/projects/:projectID/members", s.handleAddMember)
		api.POST("/projects/:projectID/invitation/accept", s.handleAcceptInvitation)
		api.PUT("/projects/:projectID/members/:userID/role", s.handleUpdateRole)
		api.DELETE("/projects/:projectID/members/:userID", s.handleRemoveMember)
		api.GET("/projects/:projectID/tasks", s.handleListTasks)
		api.POST("/projects/:projectID/tasks", s.handleCreateTask)
		api.GET("/projects/:projectID/search", s.handleSearch)
		api.GET("/projects/:projectID/sprints", s.handleListSprints)
		api.POST("/projects/:projectID/sprints", s.handleCreateSprint)

		api.GET("/tasks/:taskID", s.handleGetTask)
		api.PATCH("/tasks/:taskID", s.handleUpdateTask)
		api.DELETE("/tasks/:taskID", s.handleDeleteTask)
		api.PUT("/tasks/:taskID/status", s.handleTaskStatus)
		api.PUT("/tasks/:taskID/priority", s.handleTaskPriority)
		api.PUT("/tasks/:taskID/assignee", s.handleAssignTask)
		api.GET("/tasks/:taskID/subtasks", s.handleListSubtasks)
		api.GET("/tasks/:taskID/comments", s.handleListComments)
		api.POST("/tasks/:taskID/comments", s.handleAddComment)
		api.GET("/tasks/:taskID/attachments", s.handleListAttachments)
		api.POST("/tasks/:taskID/attachments", s.handleUploadAttachment)

		api.PATCH("/comments/:commentID", s.handleUpdateComment)
		api.DELETE("/comments/:commentID", s.handleDeleteComment)
		api.GET("/attachments/:attachmentID/url", s.handleAttachmentURL)
		api.DELETE("/attachments/:attachmentID", s.handleDeleteAttachment)

		api.GET("/sprints/:sprintID", s.handleGetSprint)
		api.PATCH("/sprints/:sprintID", s.handleUpdateSprint)
		api.DELETE("/sprints/:sprintID", s.handleDeleteSprint)
		api.POST("/sprints/:sprintID/start", s.sprintAction(store.SprintActive))
		api.POST("/sprints/:sprintID/complete", s.sprintAction(store.SprintCompleted))
		api.POST("/sprints/:sprintID/cancel", s.sprintAction(store.SprintCancelled))
		api.PATCH("/sprints/:sprintID/status", s.handleSprintStatus)

		api.GET("/notifications", s.handleListNotifications)
		api.GET("/notifications/unread-count", s.handleUnreadCount)
		api.PUT("/notifications/:notificationID/read", s.handleMarkRead)
		api.PUT("/notifications/read-all", s.handleMarkAllRead)
		api.DELETE("/notifications/:notificationID", s.handleRemoveNotification)
		api.DELETE("/notifications", s.handleRemoveAllNotifications)
	}
	return router
}

func (s *HTTPServer) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"ok": true})
}

func (s *HTTPServer) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := gin.H{
		"database": gin.H{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = gin.H{"status": "error", "error": err.Error()}
	}
	if s.service.tickets != nil {
		checks["tickets"] = gin.H{"status": "ok"}
		if err := s.service.PingTickets(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["tickets"] = gin.H{"status": "error", "error": err.Error()}
		}
	}
	if checked, err := s.service.PingBlobs(ctx); checked {
		checks["storage"] = gin.H{"status": "ok"}
		if err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["storage"] = gin.H{"status": "error", "error": err.Error()}
		}
	}

	writeJSON(c, statusCode, gin.H{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSession(c *gin.Context) {
	userID := currentUser(c)
	unread, err := s.service.Notifier().UnreadCount(c.Request.Context(), userID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"authenticated": true, "userId": userID, "unreadCount": unread})
}

func (s *HTTPServer) handleIssueTicket(c *gin.Context) {
	ticket, expiresAt, err := s.service.IssueTicket(c.Request.Context(), currentUser(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{"ticket": ticket, "expiresAt": expiresAt})
}

// Projects and members

func (s *HTTPServer) handleCreateProject(c *gin.Context) {
	var body struct {
		Name string `json:"name"`
	}
	if !s.bind(c, &body) {
		return
	}
	project, err := s.service.CreateProject(c.Request.Context(), currentUser(c), body.Name)
	if err != nil {
		s.respondError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, projectView(project))
}

func (s *HTTPServer) handleGetProject(c *gin.Context) {
	project, err := s.service.GetProject(c.Request.Context(), currentUser(c), c.Param("projectID"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, projectView(project))
}

func (s *HTTPServer) handleListMembers(c *gin.Context) {
	members, err := s.service.ProjectMembers(c.Request.Context(), currentUser(c), c.Param("projectID"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	items := make([]gin.H, 0, len(members))
	for _, member := range members {
		items = append(items, memberView(member))
	}
	writeJSON(c, http.StatusOK, gin.H{"members": items})
}

func (s *HTTPServer) handleAddMember(c *gin.Context) {
	var body struct {
		UserID string `json:"userId"`
		Role   string `json:"role"`
	}
	if !s.bind(c, &body) {
		return
	}
	if strings.TrimSpace(body.UserID) == "" {
		writeError(c, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
		return
	}
	role := rbac.Role(body.Role)
	if body.Role == "" {
		role = rbac.RoleMember
	}
	member, err := s.service.Registry().AddMember(c.Request.Context(), c.Param("projectID"), body.UserID, role, currentUser(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, memberView(member))
}

func (s *HTTPServer) handleAcceptInvitation(c *gin.Context) {
	member, err := s.service.Registry().AcceptInvitation(c.Request.Context(), c.Param("projectID"), currentUser(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, memberView(member))
}

func (s *HTTPServer) handleUpdateRole(c *gin.Context) {
	var body struct {
		Role string `json:"role"`
	}
	if !s.bind(c, &body) {
		return
	}
	member, err := s.service.Registry().UpdateRole(c.Request.Context(), c.Param("projectID"), c.Param("userID"), rbac.Role(body.Role), currentUser(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, memberView(member))
}

func (s *HTTPServer) handleRemoveMember(c *gin.Context) {
	if err := s.service.Registry().RemoveMember(c.Request.Context(), c.Param("projectID"), c.Param("userID"), currentUser(c)); err != nil {
		s.respondError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true})
}

// Tasks

func (s *HTTPServer) handleListTasks(c *gin.Context) {
	limit, offset := pagination(c)
	filter := store.TaskFilter{
		Status:     store.TaskStatus(c.Query("status")),
		AssigneeID: c.Query("assignee"),
		SprintID:   c.Query("sprint"),
		ParentID:   c.Query("parent"),
		Text:       strings.TrimSpace(c.Query("q")),
		Limit:      limit,
		Offset:     offset,
	}
	tasks, err := s.service.ListTasks(c.Request.Context(), currentUser(c), c.Param("projectID"), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"tasks": taskViews(tasks)})
}

func (s *HTTPServer) handleCreateTask(c *gin.Context) {
	var body struct {
		Title        string `json:"title"`
		Description  string `json:"description"`
		Status       string `json:"status"`
		Priority     string `json:"priority"`
		AssigneeID   string `json:"assigneeId"`
		SprintID     string `json:"sprintId"`
		ParentTaskID string `json:"parentTaskId"`
		DueDate      string `json:"dueDate"`
	}
	if !s.bind(c, &body) {
		return
	}
	input := CreateTaskInput{
		Title:        body.Title,
		Description:  body.Description,
		Status:       store.TaskStatus(body.Status),
		Priority:     store.TaskPriority(body.Priority),
		AssigneeID:   body.AssigneeID,
		SprintID:     body.SprintID,
		ParentTaskID: body.ParentTaskID,
	}
	if body.DueDate != "" {
		due, err := parseDate(body.DueDate)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_DATE", "dueDate must be a date", nil)
			return
		}
		input.DueDate = &due
	}
	task, err := s.service.CreateTask(c.Request.Context(), currentUser(c), c.Param("projectID"), input)
	if err != nil {
		s.respondError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, taskView(task))
}

func (s *HTTPServer) handleGetTask(c *gin.Context) {
	task, err := s.service.GetTask(c.Request.Context(), currentUser(c), c.Param("taskID"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, taskView(task))
}

func (s *HTTPServer) handleUpdateTask(c *gin.Context) {
	var body struct {
		Title        *string `json:"title"`
		Description  *string `json:"description"`
		AssigneeID   *string `json:"assigneeId"`
		SprintID     *string `json:"sprintId"`
		ParentTaskID *string `json:"parentTaskId"`
		DueDate      *string `json:"dueDate"`
	}
	if !s.bind(c, &body) {
		return
	}
	changes := TaskChanges{
		Title:        body.Title,
		Description:  body.Description,
		AssigneeID:   body.AssigneeID,
		SprintID:     body.SprintID,
		ParentTaskID: body.ParentTaskID,
	}
	if body.DueDate != nil {
		if *body.DueDate == "" {
			changes.ClearDueDate = true
		} else {
			due, err := parseDate(*body.DueDate)
			if err != nil {
				writeError(c, http.StatusBadRequest, "INVALID_DATE", "dueDate must be a date", nil)
				return
			}
			changes.DueDate = &due
		}
	}
	task, err := s.service.UpdateTask(c.Request.Context(), currentUser(c), c.Param("taskID"), changes)
	if err != nil {
		s.respondError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, taskView(task))
}

func (s *HTTPServer) handleDeleteTask(c *gin.Context) {
	if err := s.service.DeleteTask(c.Request.Context(), currentUser(c), c.Param("taskID")); err != nil {
		s.respondError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true})
}

func (s *HTTPServer) handleTaskStatus(c *gin.Context) {
	var body struct {
		Status string `json:"status"`
	}
	if !s.bind(c, &body) {
		return
	}
	task, err := s.service.UpdateTaskStatus(c.Request.Context(), currentUser(c), c.Param("taskID"), store.TaskStatus(body.Status))
	if err != nil {
		s.respondError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, taskView(task))
}

func (s *HTTPServer) handleTaskPriority(c *gin.Context) {
	var body struct {
		Priority string `json:"priority"`
	}
	if !s.bind(c, &body) {
		return
	}
	task, err := s.service.UpdateTaskPriority(c.Request.Context(), currentUser(c), c.Param("taskID"), store.TaskPriority(body.Priority))
	if err != nil {
		s.respondError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, taskView(task))
}

func (s *HTTPServer) handleAssignTask(c *gin.Context) {
	var body struct {
		AssigneeID string `json:"assigneeId"`
	}
	if !s.bind(c, &body) {
		return
	}
	task, err := s.service.AssignTask(c.Request.Context(), currentUser(c), c.Param("taskID"), strings.TrimSpace(body.AssigneeID))
	if err != nil {
		s.respondError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, taskView(task))
}

func (s *HTTPServer) handleListSubtasks(c *gin.Context) {
	tasks, err := s.service.ListSubtasks(c.Request.Context(), currentUser(c), c.Param("taskID"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"tasks": taskViews(tasks)})
}

func (s *HTTPServer) handleSearch(c *gin.Context) {
	limit, offset := pagination(c)
	response, err := s.service.SearchTasks(c.Request.Context(), currentUser(c), search.Query{
		ProjectID: c.Param("projectID"),
		Text:      strings.TrimSpace(c.Query("q")),
		Status:    c.Query("status"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, response)
}

// Comments and attachments

func (s *HTTPServer) handleListComments(c *gin.Context) {
	comments, err := s.service.ListComments(c.Request.Context(), currentUser(c), c.Param("taskID"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	items := make([]gin.H, 0, len(comments))
	for _, comment := range comments {
		items = append(items, commentView(comment))
	}
	writeJSON(c, http.StatusOK, gin.H{"comments": items})
}

func (s *HTTPServer) handleAddComment(c *gin.Context) {
	var body struct {
		Body string `json:"body"`
	}
	if !s.bind(c, &body) {
		return
	}
	comment, err := s.service.AddComment(c.Request.Context(), currentUser(c), c.Param("taskID"), body.Body)
	if err != nil {
		s.respondError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, commentView(comment))
}

func (s *HTTPServer) handleUpdateComment(c *gin.Context) {
	var body struct {
		Body string `json:"body"`
	}
	if !s.bind(c, &body) {
		return
	}
	comment, err := s.service.UpdateComment(c.Request.Context(), currentUser(c), c.Param("commentID"), body.Body)
	if err != nil {
		s.respondError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, commentView(comment))
}

func (s *HTTPServer) handleDeleteComment(c *gin.Context) {
	if err := s.service.DeleteComment(c.Request.Context(), currentUser(c), c.Param("commentID")); err != nil {
		s.respondError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true})
}

func (s *HTTPServer) handleListAttachments(c *gin.Context) {
	attachments, err := s.service.ListAttachments(c.Request.Context(), currentUser(c), c.Param("taskID"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	items := make([]gin.H, 0, len(attachments))
	for _, attachment := range attachments {
		items = append(items, attachmentView(attachment))
	}
	writeJSON(c, http.StatusOK, gin.H{"attachments": items})
}

func (s *HTTPServer) handleUploadAttachment(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUpload)
	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "File exceeds the upload limit", gin.H{"maxBytes": s.maxUpload})
			return
		}
		writeError(c, http.StatusBadRequest, "INVALID_BODY", "multipart field \"file\" is required", nil)
		return
	}
	file, err := header.Open()
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_BODY", "could not read upload", nil)
		return
	}
	defer file.Close()

	attachment, err := s.service.AddAttachment(c.Request.Context(), currentUser(c), c.Param("taskID"), AttachmentUpload{
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, attachmentView(attachment))
}

func (s *HTTPServer) handleAttachmentURL(c *gin.Context) {
	link, err := s.service.AttachmentURL(c.Request.Context(), currentUser(c), c.Param("attachmentID"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	view := attachmentView(link.Attachment)
	view["url"] = link.URL
	view["expiresAt"] = link.ExpiresAt
	writeJSON(c, http.StatusOK, view)
}

func (s *HTTPServer) handleDeleteAttachment(c *gin.Context) {
	if err := s.service.DeleteAttachment(c.Request.Context(), currentUser(c), c.Param("attachmentID")); err != nil {
		s.respondError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true})
}

// Sprints

func (s *HTTPServer) handleListSprints(c *gin.Context) {
	sprints, err := s.service.ListSprints(c.Request.Context(), currentUser(c), c.Param("projectID"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	items := make([]gin.H, 0, len(sprints))
	for _, sprint := range sprints {
		items = append(items, sprintView(sprint))
	}
	writeJSON(c, http.StatusOK, gin.H{"sprints": items})
}

func (s *HTTPServer) handleCreateSprint(c *gin.Context) {
	var body struct {
		Name      string `json:"name"`
		Goal      string `json:"goal"`
		StartDate string `json:"startDate"`
		EndDate   string `json:"endDate"`
	}
	if !s.bind(c, &body) {
		return
	}
	start, startErr := parseDate(body.StartDate)
	end, endErr := parseDate(body.EndDate)
	if startErr != nil || endErr != nil {
		writeError(c, http.StatusBadRequest, "INVALID_DATE", "startDate and endDate must be dates", nil)
		return
	}
	sprint, err := s.service.CreateSprint(c.Request.Context(), currentUser(c), c.Param("projectID"), CreateSprintInput{
		Name:      body.Name,
		Goal:      body.Goal,
		StartDate: start,
		EndDate:   end,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, sprintView(sprint))
}

func (s *HTTPServer) handleGetSprint(c *gin.Context) {
	sprint, err := s.service.GetSprint(c.Request.Context(), currentUser(c), c.Param("sprintID"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sprintView(sprint))
}

func (s *HTTPServer) handleUpdateSprint(c *gin.Context) {
	var body struct {
		Name      *string `json:"name"`
		Goal      *string `json:"goal"`
		StartDate *string `json:"startDate"`
		EndDate   *string `json:"endDate"`
	}
	if !s.bind(c, &body) {
		return
	}
	changes := SprintChanges{Name: body.Name, Goal: body.Goal}
	for _, field := range []struct {
		raw *string
		dst **time.Time
	}{{body.StartDate, &changes.StartDate}, {body.EndDate, &changes.EndDate}} {
		if field.raw == nil {
			continue
		}
		parsed, err := parseDate(*field.raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_DATE", "startDate and endDate must be dates", nil)
			return
		}
		*field.dst = &parsed
	}
	sprint, err := s.service.UpdateSprint(c.Request.Context(), currentUser(c), c.Param("sprintID"), changes)
	if err != nil {
		s.respondError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sprintView(sprint))
}

func (s *HTTPServer) handleDeleteSprint(c *gin.Context) {
	if err := s.service.DeleteSprint(c.Request.Context(), currentUser(c), c.Param("sprintID")); err != nil {
		s.respondError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true})
}

func (s *HTTPServer) sprintAction(status store.SprintStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		sprint, err := s.service.UpdateSprintStatus(c.Request.Context(), currentUser(c), c.Param("sprintID"), status)
		if err != nil {
			s.respondError(c, err)
			return
		}
		writeJSON(c, http.StatusOK, sprintView(sprint))
	}
}

func (s *HTTPServer) handleSprintStatus(c *gin.Context) {
	var body struct {
		Status string `json:"status"`
	}
	if !s.bind(c, &body) {
		return
	}
	s.sprintAction(store.SprintStatus(body.Status))(c)
}

// Notifications

func (s *HTTPServer) handleListNotifications(c *gin.Context) {
	limit, offset := pagination(c)
	userID := currentUser(c)
	var (
		items []store.Notification
		err   error
	)
	if c.Query("unread") == "true" {
		items, err = s.service.Notifier().ListUnread(c.Request.Context(), userID, limit, offset)
	} else {
		items, err = s.service.Notifier().List(c.Request.Context(), userID, limit, offset)
	}
	if err != nil {
		s.respondError(c, err)
		return
	}
	payloads := make([]NotificationPayload, 0, len(items))
	for _, item := range items {
		payloads = append(payloads, notificationPayload(item))
	}
	writeJSON(c, http.StatusOK, gin.H{"notifications": payloads})
}

func (s *HTTPServer) handleUnreadCount(c *gin.Context) {
	count, err := s.service.Notifier().UnreadCount(c.Request.Context(), currentUser(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"count": count})
}

func (s *HTTPServer) handleMarkRead(c *gin.Context) {
	notification, err := s.service.Notifier().MarkAsRead(c.Request.Context(), c.Param("notificationID"), currentUser(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, notificationPayload(notification))
}

func (s *HTTPServer) handleMarkAllRead(c *gin.Context) {
	count, err := s.service.Notifier().MarkAllAsRead(c.Request.Context(), currentUser(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"count": count})
}

func (s *HTTPServer) handleRemoveNotification(c *gin.Context) {
	if err := s.service.Notifier().Remove(c.Request.Context(), c.Param("notificationID"), currentUser(c)); err != nil {
		s.respondError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true})
}

func (s *HTTPServer) handleRemoveAllNotifications(c *gin.Context) {
	count, err := s.service.Notifier().RemoveAll(c.Request.Context(), currentUser(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"count": count})
}

// Middleware and helpers

// requireUser validates the bearer token and stores the caller's id on the
// context. Users are recorded on first sight.
func (s *HTTPServer) requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.Request)
		if token == "" {
			writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		user, err := s.service.Authenticate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
				writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
				return
			}
			s.logger.Error("session lookup failed", "error", err, "request_id", c.GetString(requestIDKey))
			writeError(c, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
			return
		}
		c.Set(userIDKey, user.ID)
		c.Next()
	}
}

func currentUser(c *gin.Context) string {
	return c.GetString(userIDKey)
}

func (s *HTTPServer) withMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		c.Set(requestIDKey, requestID)

		started := time.Now()
		setCORSHeaders(c.Writer.Header(), s.corsOrigin)
		c.Header("X-Request-ID", requestID)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
		} else {
			c.Next()
		}

		s.logger.Info("request",
			"request_id", requestID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(started).Milliseconds(),
		)
	}
}

func (s *HTTPServer) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic", "method", c.Request.Method, "path", c.Request.URL.Path, "panic", fmt.Sprint(r))
				writeError(c, http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
			}
		}()
		c.Next()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(c *gin.Context, status int, payload any) {
	c.JSON(status, payload)
}

func writeError(c *gin.Context, status int, code, message string, details any) {
	response := gin.H{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	c.AbortWithStatusJSON(status, response)
}

func (s *HTTPServer) respondError(c *gin.Context, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err, "request_id", c.GetString(requestIDKey), "path", c.Request.URL.Path)
	}
	writeError(c, status, code, message, details)
}

// bind decodes a JSON body into target. An empty body leaves target as is.
func (s *HTTPServer) bind(c *gin.Context, target any) bool {
	if err := decodeBody(c.Request, target); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	return true
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func pagination(c *gin.Context) (limit, offset int) {
	limit = defaultPageSize
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = min(parsed, maxPageSize)
		}
	}
	if raw := c.Query("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			offset = parsed
		}
	}
	return limit, offset
}

// parseDate accepts RFC3339 timestamps (with or without fractional seconds)
// and plain YYYY-MM-DD dates.
func parseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range []string{time.RFC3339, time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", value)
}
