package badger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/promptrelay/internal/interfaces"
	"github.com/ternarybob/promptrelay/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// MetricsStorage persists execution metrics (append-only)
type MetricsStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewMetricsStorage creates a new MetricsStorage instance
func NewMetricsStorage(db *BadgerDB, logger arbor.ILogger) interfaces.MetricsStorage {
	return &MetricsStorage{db: db, logger: logger}
}

func (s *MetricsStorage) InsertMetric(ctx context.Context, metric *models.ExecutionMetric) error {
	if metric.ID == "" {
		return fmt.Errorf("metric ID is required")
	}
	if metric.RecordedAt.IsZero() {
		metric.RecordedAt = time.Now()
	}
	if err := s.db.Store().Insert(metric.ID, *metric); err != nil {
		return fmt.Errorf("failed to insert metric: %w", err)
	}
	return nil
}

func (s *MetricsStorage) ListMetrics(ctx context.Context, batchID string) ([]*models.ExecutionMetric, error) {
	var metrics []models.ExecutionMetric
	var query *badgerhold.Query
	if batchID != "" {
		query = badgerhold.Where("BatchID").Eq(batchID).Index("BatchID")
	}
	if err := s.db.Store().Find(&metrics, query); err != nil {
		return nil, fmt.Errorf("failed to list metrics: %w", err)
	}

	result := make([]*models.ExecutionMetric, len(metrics))
	for i := range metrics {
		result[i] = &metrics[i]
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].RecordedAt.Before(result[j].RecordedAt)
	})
	return result, nil
}
