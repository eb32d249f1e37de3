package handlers

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/sagaline/tx-orchestrator/orchestration"
	"github.com/sagaline/tx-orchestrator/shared/events"
)

// OrchestratorEventHandlers consumes orchestration requests arriving on the
// queue.
type OrchestratorEventHandlers struct {
	coordinator *orchestration.Coordinator
	logger      zerolog.Logger
}

// NewOrchestratorEventHandlers creates new orchestrator event handlers
func NewOrchestratorEventHandlers(coordinator *orchestration.Coordinator, logger zerolog.Logger) *OrchestratorEventHandlers {
	return &OrchestratorEventHandlers{
		coordinator: coordinator,
		logger:      logger.With().Str("component", "event_handlers").Logger(),
	}
}

// HandlerID returns the unique identifier for this event handler
func (h *OrchestratorEventHandlers) HandlerID() string {
	return "orchestrator-service-event-handler"
}

// Handle implements the events.EventHandler interface
func (h *OrchestratorEventHandlers) Handle(ctx context.Context, event *events.Event) error {
	switch event.EventType {
	case events.SagaExecutionRequested:
		return h.HandleSagaExecutionRequest(ctx, event)
	default:
		// Unknown event type, ignore
		return nil
	}
}

// HandleSagaExecutionRequest runs a saga described by the event payload. The
// outcome is not propagated as a handler error: a failed saga has already
// compensated, and redelivery would run it again.
func (h *OrchestratorEventHandlers) HandleSagaExecutionRequest(ctx context.Context, event *events.Event) error {
	var req SagaRequest
	if err := event.UnmarshalPayload(&req); err != nil {
		h.logger.Warn().
			Err(err).
			Str("event_id", event.ID.String()).
			Msg("Dropping malformed saga execution request")
		return nil
	}

	definition, err := req.ToDefinition()
	if err != nil {
		h.logger.Warn().
			Err(err).
			Str("event_id", event.ID.String()).
			Msg("Dropping invalid saga execution request")
		return nil
	}

	if event.CorrelationID != "" {
		definition.SagaID = event.CorrelationID
	}

	result, err := h.coordinator.ExecuteSaga(ctx, definition, nil)
	if err != nil {
		h.logger.Error().
			Err(err).
			Str("saga_id", definition.SagaID.String()).
			Str("status", string(result.Status)).
			Msg("Requested saga failed")
		return nil
	}

	h.logger.Info().
		Str("saga_id", definition.SagaID.String()).
		Int("completed_steps", len(result.CompletedSteps)).
		Msg("Requested saga completed")
	return nil
}
