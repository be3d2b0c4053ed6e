package search

import (
	"context"
	"fmt"
	"strings"

	"taskboard/api/internal/store"
)

type taskLister interface {
	ListTasks(ctx context.Context, projectID string, filter store.TaskFilter) ([]store.Task, error)
}

// StoreSearcher answers searches with a substring match against the task
// store. It is used whenever Meilisearch is not configured or unhealthy.
type StoreSearcher struct {
	tasks taskLister
}

func NewStoreSearcher(tasks taskLister) *StoreSearcher {
	return &StoreSearcher{tasks: tasks}
}

// Healthy always returns true; if the store is down the whole API is down.
func (s *StoreSearcher) Healthy() bool {
	return true
}

func (s *StoreSearcher) Search(ctx context.Context, q Query) ([]TaskRecord, int, error) {
	if strings.TrimSpace(q.Text) == "" || q.ProjectID == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	tasks, err := s.tasks.ListTasks(ctx, q.ProjectID, store.TaskFilter{
		Status: store.TaskStatus(q.Status),
		Text:   q.Text,
		Limit:  limit,
		Offset: max(q.Offset, 0),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("store search: %w", err)
	}
	results := make([]TaskRecord, 0, len(tasks))
	for _, task := range tasks {
		results = append(results, RecordFromTask(task))
	}
	return results, len(results), nil
}
