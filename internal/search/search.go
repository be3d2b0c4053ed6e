package search

import (
	"context"

	"taskboard/api/internal/store"
)

// TaskRecord is the data we index for a task.
type TaskRecord struct {
	ID          string `json:"id"`
	ProjectID   string `json:"projectId"`
	TaskNumber  int64  `json:"taskNumber"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
	AssigneeID  string `json:"assigneeId,omitempty"`
	SprintID    string `json:"sprintId,omitempty"`
	UpdatedAt   int64  `json:"updatedAt"`
}

func RecordFromTask(task store.Task) TaskRecord {
	return TaskRecord{
		ID:          task.ID,
		ProjectID:   task.ProjectID,
		TaskNumber:  task.TaskNumber,
		Title:       task.Title,
		Description: task.Description,
		Status:      string(task.Status),
		Priority:    string(task.Priority),
		AssigneeID:  store.Deref(task.AssigneeID),
		SprintID:    store.Deref(task.SprintID),
		UpdatedAt:   task.UpdatedAt.Unix(),
	}
}

// Query describes a task search inside one project.
type Query struct {
	ProjectID string
	Text      string
	Status    string
	Limit     int
	Offset    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []TaskRecord `json:"results"`
	Total   int          `json:"total"`
	Query   string       `json:"query"`
	Source  string       `json:"source"`
}

// Searcher can execute a task search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]TaskRecord, int, error)
	Healthy() bool
}
