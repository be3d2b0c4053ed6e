package store

import (
	"errors"
	"time"

	"taskboard/api/internal/rbac"
)

var ErrNotFound = errors.New("not found")

// ErrConflict reports a write that lost to a concurrent one: the row's
// version no longer matches the one that was read, or a unique key is taken.
var ErrConflict = errors.New("conflicting write")

type MemberStatus string

const (
	MemberInvited MemberStatus = "invited"
	MemberActive  MemberStatus = "active"
	MemberRemoved MemberStatus = "removed"
)

type TaskStatus string

const (
	TaskTodo         TaskStatus = "todo"
	TaskInProgress   TaskStatus = "in_progress"
	TaskDone         TaskStatus = "done"
	TaskNotCompleted TaskStatus = "not_completed"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskTodo, TaskInProgress, TaskDone, TaskNotCompleted:
		return true
	default:
		return false
	}
}

type TaskPriority string

const (
	PriorityLowest  TaskPriority = "lowest"
	PriorityLow     TaskPriority = "low"
	PriorityMedium  TaskPriority = "medium"
	PriorityHigh    TaskPriority = "high"
	PriorityHighest TaskPriority = "highest"
)

func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityLowest, PriorityLow, PriorityMedium, PriorityHigh, PriorityHighest:
		return true
	default:
		return false
	}
}

type SprintStatus string

const (
	SprintPlanned   SprintStatus = "planned"
	SprintActive    SprintStatus = "active"
	SprintCompleted SprintStatus = "completed"
	SprintCancelled SprintStatus = "cancelled"
)

func (s SprintStatus) Valid() bool {
	switch s {
	case SprintPlanned, SprintActive, SprintCompleted, SprintCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is allowed out of s.
func (s SprintStatus) Terminal() bool {
	return s == SprintCompleted || s == SprintCancelled
}

type User struct {
	ID          string
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

type Project struct {
	ID        string
	Name      string
	OwnerID   string
	CreatedAt time.Time
}

type ProjectMember struct {
	ProjectID string
	UserID    string
	Role      rbac.Role
	Status    MemberStatus
	InvitedBy string
	InvitedAt time.Time
	JoinedAt  *time.Time
}

type Task struct {
	ID           string
	ProjectID    string
	TaskNumber   int64
	Title        string
	Description  string
	Status       TaskStatus
	Priority     TaskPriority
	AssigneeID   *string
	ReporterID   string
	SprintID     *string
	ParentTaskID *string
	DueDate      *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	// Version increases on every write; updates only apply to the version
	// that was read.
	Version int64
}

type TaskFilter struct {
	Status     TaskStatus
	AssigneeID string
	SprintID   string
	ParentID   string
	Text       string
	Limit      int
	Offset     int
}

type Sprint struct {
	ID        string
	ProjectID string
	Name      string
	Goal      string
	StartDate time.Time
	EndDate   time.Time
	Status    SprintStatus
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}

type Notification struct {
	ID        string
	UserID    string
	Type      string
	Title     string
	Message   string
	TaskID    *string
	ProjectID *string
	IsRead    bool
	ReadAt    *time.Time
	CreatedAt time.Time
}

type Comment struct {
	ID        string
	TaskID    string
	AuthorID  string
	Body      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Attachment struct {
	ID          string
	TaskID      string
	ProjectID   string
	FileName    string
	ContentType string
	Size        int64
	ObjectKey   string
	UploadedBy  string
	CreatedAt   time.Time
}

// StringPtr returns nil for the empty string.
func StringPtr(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func Deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
