package search

import (
	"context"
	"log/slog"
)

type taskIndexer interface {
	Searcher
	IndexTask(record TaskRecord) error
	IndexTasks(records []TaskRecord) error
	DeleteTask(id string) error
}

// Service is the facade that tries Meilisearch first and falls back to the
// store search.
type Service struct {
	index    taskIndexer
	fallback Searcher
	logger   *slog.Logger
}

// NewService creates a search service. index may be nil if Meilisearch is not
// configured.
func NewService(index *Meili, fallback Searcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{fallback: fallback, logger: logger.With("component", "search")}
	if index != nil {
		s.index = index
	}
	return s
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

// SearchTasks tries the index if healthy, otherwise falls back to the store.
func (s *Service) SearchTasks(ctx context.Context, q Query) Response {
	if s.indexReady() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: "index"}
		}
		s.logger.Warn("index search failed, falling back to store", "error", err)
	}

	if s.fallback == nil {
		return Response{Results: []TaskRecord{}, Query: q.Text, Source: "none"}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("store search failed", "error", err)
		return Response{Results: []TaskRecord{}, Total: 0, Query: q.Text, Source: "store"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: "store"}
}

// IndexTask indexes a task (fire-and-forget).
func (s *Service) IndexTask(record TaskRecord) {
	if !s.indexReady() {
		return
	}
	go func() {
		if err := s.index.IndexTask(record); err != nil {
			s.logger.Warn("index task", "task_id", record.ID, "error", err)
		}
	}()
}

// DeleteTask removes a task from the index (fire-and-forget).
func (s *Service) DeleteTask(id string) {
	if !s.indexReady() {
		return
	}
	go func() {
		if err := s.index.DeleteTask(id); err != nil {
			s.logger.Warn("delete task from index", "task_id", id, "error", err)
		}
	}()
}

// Reindex pushes records to the index synchronously. Used by the migrate
// command after schema changes.
func (s *Service) Reindex(records []TaskRecord) error {
	if !s.indexReady() {
		return nil
	}
	return s.index.IndexTasks(records)
}

func nonNil(r []TaskRecord) []TaskRecord {
	if r == nil {
		return []TaskRecord{}
	}
	return r
}
