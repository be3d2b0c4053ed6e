package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxTasks = "taskboard_tasks"

// Meili implements Searcher via Meilisearch and keeps the task index current.
type Meili struct {
	client  meili.ServiceManager
	logger  *slog.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the task index.
// An unreachable server is not an error; the health loop picks it up later.
func NewMeili(url, apiKey string, logger *slog.Logger) *Meili {
	if logger == nil {
		logger = slog.Default()
	}
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		logger: logger.With("component", "search"),
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		m.logger.Warn("meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxTasks,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug("create index (may already exist)", "index", idxTasks, "error", err)
	}

	index := m.client.Index(idxTasks)
	filterable := []interface{}{"projectId", "status", "priority", "assigneeId", "sprintId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes", "index", idxTasks, "error", err)
	}
	searchable := []string{"title", "description"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attributes", "index", idxTasks, "error", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// WaitHealthy polls the server until it answers or timeout passes.
func (m *Meili) WaitHealthy(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if m.healthy.Load() {
			return true
		}
		if _, err := m.client.Health(); err == nil {
			m.healthy.Store(true)
			m.configureIndex()
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (m *Meili) Search(_ context.Context, q Query) ([]TaskRecord, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}
	filters := []string{fmt.Sprintf("projectId = %q", q.ProjectID)}
	if q.Status != "" {
		filters = append(filters, fmt.Sprintf("status = %q", q.Status))
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID: idxTasks,
			Query:    q.Text,
			Limit:    limit,
			Offset:   int64(q.Offset),
			Filter:   filters,
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []TaskRecord
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			record, err := hitToRecord(hit)
			if err != nil {
				m.logger.Warn("decode search hit", "error", err)
				continue
			}
			results = append(results, record)
		}
	}
	return results, total, nil
}

func hitToRecord(hit meili.Hit) (TaskRecord, error) {
	raw, err := json.Marshal(hit)
	if err != nil {
		return TaskRecord{}, err
	}
	var record TaskRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return TaskRecord{}, err
	}
	return record, nil
}

// IndexTask adds or updates a task in the search index.
func (m *Meili) IndexTask(record TaskRecord) error {
	_, err := m.client.Index(idxTasks).AddDocuments([]TaskRecord{record}, nil)
	return err
}

// IndexTasks bulk-indexes tasks.
func (m *Meili) IndexTasks(records []TaskRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxTasks).AddDocuments(records, nil)
	return err
}

// DeleteTask removes a task from the search index.
func (m *Meili) DeleteTask(id string) error {
	_, err := m.client.Index(idxTasks).DeleteDocument(id, nil)
	return err
}
