package batch

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ternarybob/promptrelay/internal/faults"
	"github.com/ternarybob/promptrelay/internal/models"
)

// once is a cron schedule that fires a single time
type once struct {
	at time.Time
}

// Next returns the zero time after the firing instant, which cron treats as
// never.
func (s once) Next(t time.Time) time.Time {
	if t.Before(s.at) {
		return s.at
	}
	return time.Time{}
}

// Schedule arms a one-shot execution of the batch at when (RFC 3339). The
// schedule is persisted on the batch and re-armed by Start.
func (o *Orchestrator) Schedule(ctx context.Context, batchID string, when string) error {
	at, err := time.Parse(time.RFC3339, when)
	if err != nil {
		return faults.Wrap(err, faults.KindPrecondition, faults.CategoryAPI, "invalid scheduled time %q", when)
	}
	if !at.After(o.now()) {
		return faults.New(faults.KindPrecondition, faults.CategoryAPI, "scheduled time %s is not in the future", when)
	}

	_, err = o.batches.UpdateBatch(ctx, batchID, func(b *models.Batch) error {
		if b.Status == models.BatchStatusRunning || b.Status == models.BatchStatusPaused {
			return faults.New(faults.KindPrecondition, faults.CategorySystem, "cannot schedule batch %s while %s", batchID, b.Status)
		}
		b.Status = models.BatchStatusScheduled
		b.ScheduledAt = &at
		return nil
	})
	if err != nil {
		return err
	}

	o.arm(batchID, at)
	o.logger.Info().Str("batch_id", batchID).Str("at", at.Format(time.RFC3339)).Msg("Batch scheduled")
	return nil
}

func (o *Orchestrator) arm(batchID string, at time.Time) {
	o.schedMu.Lock()
	defer o.schedMu.Unlock()
	if id, ok := o.scheduled[batchID]; ok {
		o.cron.Remove(id)
	}
	o.scheduled[batchID] = o.cron.Schedule(once{at: at}, cron.FuncJob(func() { o.fire(batchID) }))
}

func (o *Orchestrator) unschedule(batchID string) {
	o.schedMu.Lock()
	defer o.schedMu.Unlock()
	if id, ok := o.scheduled[batchID]; ok {
		o.cron.Remove(id)
		delete(o.scheduled, batchID)
	}
}

// fire executes a scheduled batch unless it was cancelled or rescheduled
// meanwhile.
func (o *Orchestrator) fire(batchID string) {
	ctx := o.ctx
	batch, err := o.batches.GetBatch(ctx, batchID)
	if err != nil {
		o.logger.Error().Err(err).Str("batch_id", batchID).Msg("Scheduled batch not found")
		return
	}
	if batch.Status != models.BatchStatusScheduled {
		return
	}
	if batch.ScheduledAt != nil && batch.ScheduledAt.After(o.now()) {
		return
	}

	o.logger.Info().Str("batch_id", batchID).Msg("Executing scheduled batch")
	if _, err := o.Execute(ctx, batchID, ExecuteOptions{}); err != nil {
		o.logger.Error().Err(err).Str("batch_id", batchID).Msg("Scheduled batch execution failed")
	}
}
