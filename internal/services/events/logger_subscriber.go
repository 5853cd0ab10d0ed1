package events

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/promptrelay/internal/interfaces"
	"github.com/ternarybob/promptrelay/internal/models"
)

// NewLoggerSubscriber creates an event handler that logs all events
func NewLoggerSubscriber(logger arbor.ILogger) interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		logEvent := logger.Debug().Str("event_type", string(event.Type))

		switch payload := event.Payload.(type) {
		case models.JobStatusEvent:
			logEvent = logEvent.Str("job_id", payload.JobID).Str("status", string(payload.Status))
			if payload.BatchID != "" {
				logEvent = logEvent.Str("batch_id", payload.BatchID)
			}
		case models.BatchProgressEvent:
			logEvent = logEvent.
				Str("batch_id", payload.BatchID).
				Str("status", string(payload.State.Status)).
				Int("step", payload.State.Progress.CurrentStep).
				Int("total", payload.State.Progress.TotalSteps)
		case models.EngineFailoverEvent:
			logEvent = logEvent.
				Str("session_id", payload.SessionID).
				Str("from", string(payload.Swap.From)).
				Str("to", string(payload.Swap.To))
		case models.PlatformStatusEvent:
			logEvent = logEvent.
				Str("platform", payload.Status.Name).
				Bool("available", payload.Status.IsAvailable)
		}

		logEvent.Msg("Event published")
		return nil
	}
}

// AllEventTypes lists every event type the service publishes
var AllEventTypes = []interfaces.EventType{
	interfaces.EventBatchProgress,
	interfaces.EventJobStatus,
	interfaces.EventEngineFailover,
	interfaces.EventPlatformStatus,
}

// SubscribeLoggerToAllEvents subscribes the logger to all known event types
func SubscribeLoggerToAllEvents(eventService interfaces.EventService, logger arbor.ILogger) error {
	subscriber := NewLoggerSubscriber(logger)

	for _, eventType := range AllEventTypes {
		if _, err := eventService.Subscribe(eventType, subscriber); err != nil {
			return fmt.Errorf("failed to subscribe logger to event type %s: %w", eventType, err)
		}
	}

	logger.Debug().
		Int("event_type_count", len(AllEventTypes)).
		Msg("Logger subscribed to all event types")

	return nil
}
