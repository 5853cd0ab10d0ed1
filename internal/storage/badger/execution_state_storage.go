package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/promptrelay/internal/interfaces"
	"github.com/ternarybob/promptrelay/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// ExecutionStateStorage persists per-batch execution state keyed by batch ID
type ExecutionStateStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewExecutionStateStorage creates a new ExecutionStateStorage instance
func NewExecutionStateStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ExecutionStateStorage {
	return &ExecutionStateStorage{db: db, logger: logger}
}

func (s *ExecutionStateStorage) SaveExecutionState(ctx context.Context, state *models.ExecutionState) error {
	if state.BatchID == "" {
		return fmt.Errorf("batch ID is required")
	}
	state.UpdatedAt = time.Now()
	if err := s.db.Store().Upsert(state.BatchID, *state); err != nil {
		return fmt.Errorf("failed to save execution state: %w", err)
	}
	return nil
}

func (s *ExecutionStateStorage) GetExecutionState(ctx context.Context, batchID string) (*models.ExecutionState, error) {
	var state models.ExecutionState
	if err := s.db.Store().Get(batchID, &state); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("execution state %s: %w", batchID, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get execution state: %w", err)
	}
	return &state, nil
}

func (s *ExecutionStateStorage) UpdateExecutionState(ctx context.Context, batchID string, mutate func(state *models.ExecutionState) error) (*models.ExecutionState, error) {
	var updated models.ExecutionState
	err := s.db.Update(func(tx *badger.Txn) error {
		var state models.ExecutionState
		if err := s.db.Store().TxGet(tx, batchID, &state); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return fmt.Errorf("execution state %s: %w", batchID, interfaces.ErrNotFound)
			}
			return err
		}
		if err := mutate(&state); err != nil {
			return err
		}
		state.UpdatedAt = time.Now()
		if err := s.db.Store().TxUpdate(tx, batchID, state); err != nil {
			return fmt.Errorf("failed to update execution state: %w", err)
		}
		updated = state
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}
