package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/promptrelay/internal/interfaces"
	"github.com/ternarybob/promptrelay/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// BatchStorage implements interfaces.BatchStorage for Badger
type BatchStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewBatchStorage creates a new BatchStorage instance
func NewBatchStorage(db *BadgerDB, logger arbor.ILogger) interfaces.BatchStorage {
	return &BatchStorage{db: db, logger: logger}
}

func (s *BatchStorage) SaveBatch(ctx context.Context, batch *models.Batch) error {
	if batch.ID == "" {
		return fmt.Errorf("batch ID is required")
	}
	batch.UpdatedAt = time.Now()
	if err := s.db.Store().Upsert(batch.ID, *batch); err != nil {
		return fmt.Errorf("failed to save batch: %w", err)
	}
	return nil
}

func (s *BatchStorage) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	var batch models.Batch
	if err := s.db.Store().Get(id, &batch); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("batch %s: %w", id, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return &batch, nil
}

func (s *BatchStorage) UpdateBatch(ctx context.Context, id string, mutate func(batch *models.Batch) error) (*models.Batch, error) {
	var updated models.Batch
	err := s.db.Update(func(tx *badger.Txn) error {
		var batch models.Batch
		if err := s.db.Store().TxGet(tx, id, &batch); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return fmt.Errorf("batch %s: %w", id, interfaces.ErrNotFound)
			}
			return err
		}
		if err := mutate(&batch); err != nil {
			return err
		}
		batch.UpdatedAt = time.Now()
		if err := s.db.Store().TxUpdate(tx, id, batch); err != nil {
			return fmt.Errorf("failed to update batch: %w", err)
		}
		updated = batch
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *BatchStorage) ListBatches(ctx context.Context) ([]*models.Batch, error) {
	var batches []models.Batch
	if err := s.db.Store().Find(&batches, nil); err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}

	result := make([]*models.Batch, len(batches))
	for i := range batches {
		result[i] = &batches[i]
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *BatchStorage) SavePrompt(ctx context.Context, prompt *models.Prompt) error {
	if prompt.ID == "" || prompt.BatchID == "" {
		return fmt.Errorf("prompt ID and batch ID are required")
	}
	prompt.UpdatedAt = time.Now()
	if err := s.db.Store().Upsert(prompt.ID, *prompt); err != nil {
		return fmt.Errorf("failed to save prompt: %w", err)
	}
	return nil
}

func (s *BatchStorage) GetPrompt(ctx context.Context, id string) (*models.Prompt, error) {
	var prompt models.Prompt
	if err := s.db.Store().Get(id, &prompt); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("prompt %s: %w", id, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get prompt: %w", err)
	}
	return &prompt, nil
}

func (s *BatchStorage) ListPrompts(ctx context.Context, batchID string) ([]*models.Prompt, error) {
	var prompts []models.Prompt
	query := badgerhold.Where("BatchID").Eq(batchID).Index("BatchID")
	if err := s.db.Store().Find(&prompts, query); err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}

	result := make([]*models.Prompt, len(prompts))
	for i := range prompts {
		result[i] = &prompts[i]
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].ExecutionOrder < result[j].ExecutionOrder
	})
	return result, nil
}
