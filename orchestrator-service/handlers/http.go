package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sagaline/tx-orchestrator/orchestration"
	"github.com/sagaline/tx-orchestrator/shared/models"
	"github.com/sagaline/tx-orchestrator/shared/telemetry"
)

// OperationRequest is the wire form of one operation.
type OperationRequest struct {
	Connection            string        `json:"connection"`
	Kind                  string        `json:"kind,omitempty"`
	Statement             string        `json:"statement"`
	Params                []interface{} `json:"params,omitempty"`
	CompensationStatement string        `json:"compensation_statement,omitempty"`
	CompensationParams    []interface{} `json:"compensation_params,omitempty"`
	TimeoutMs             int64         `json:"timeout_ms,omitempty"`
}

// ToOperation converts the request into a domain operation.
func (r *OperationRequest) ToOperation() (*orchestration.Operation, error) {
	if r.Connection == "" {
		return nil, errors.New("connection is required")
	}
	if r.Statement == "" {
		return nil, errors.New("statement is required")
	}

	var op *orchestration.Operation
	switch r.Kind {
	case "", "command":
		op = orchestration.NewCommand(r.Connection, r.Statement, r.Params...)
	case "query":
		op = orchestration.NewQuery(r.Connection, r.Statement, r.Params...)
	default:
		return nil, errors.Errorf("unknown operation kind %q", r.Kind)
	}

	if r.CompensationStatement != "" {
		op.WithCompensation(r.CompensationStatement, r.CompensationParams...)
	}
	if r.TimeoutMs > 0 {
		op.WithTimeout(time.Duration(r.TimeoutMs) * time.Millisecond)
	}

	return op, nil
}

// TransactionRequest is the wire form of a distributed transaction.
type TransactionRequest struct {
	TransactionID string             `json:"transaction_id,omitempty"`
	TenantContext string             `json:"tenant_context,omitempty"`
	TimeoutMs     int64              `json:"timeout_ms,omitempty"`
	Operations    []OperationRequest `json:"operations"`
}

// StepRequest is the wire form of one saga step.
type StepRequest struct {
	StepID        string            `json:"step_id"`
	Name          string            `json:"name"`
	Parallel      bool              `json:"parallel,omitempty"`
	Preconditions []string          `json:"preconditions,omitempty"`
	Operation     OperationRequest  `json:"operation"`
	Compensation  *OperationRequest `json:"compensation,omitempty"`
}

// SagaRequest is the wire form of a saga definition.
type SagaRequest struct {
	Name          string        `json:"name"`
	TenantContext string        `json:"tenant_context,omitempty"`
	TimeoutMs     int64         `json:"timeout_ms,omitempty"`
	Steps         []StepRequest `json:"steps"`
}

// ToDefinition converts the request into a domain saga definition.
func (r *SagaRequest) ToDefinition() (*orchestration.Definition, error) {
	steps := make([]*orchestration.Step, 0, len(r.Steps))
	for _, sr := range r.Steps {
		op, err := sr.Operation.ToOperation()
		if err != nil {
			return nil, errors.Wrapf(err, "step %q", sr.StepID)
		}

		step := orchestration.NewStep(sr.StepID, sr.Name, op)
		if sr.Parallel {
			step.InParallel()
		}
		if len(sr.Preconditions) > 0 {
			step.After(sr.Preconditions...)
		}
		if sr.Compensation != nil {
			comp, err := sr.Compensation.ToOperation()
			if err != nil {
				return nil, errors.Wrapf(err, "step %q compensation", sr.StepID)
			}
			step.WithCompensation(comp)
		}

		steps = append(steps, step)
	}

	definition := orchestration.NewDefinition(r.Name, steps...)
	if r.TimeoutMs > 0 {
		definition.WithTimeout(time.Duration(r.TimeoutMs) * time.Millisecond)
	}
	if r.TenantContext != "" {
		definition.WithTenantContext(r.TenantContext)
	}

	return definition, nil
}

// OrchestratorHandlers contains the orchestration HTTP handlers.
type OrchestratorHandlers struct {
	coordinator *orchestration.Coordinator
	logger      zerolog.Logger
}

// NewOrchestratorHandlers creates new orchestrator handlers
func NewOrchestratorHandlers(coordinator *orchestration.Coordinator, logger zerolog.Logger) *OrchestratorHandlers {
	return &OrchestratorHandlers{
		coordinator: coordinator,
		logger:      logger.With().Str("component", "http_handlers").Logger(),
	}
}

// ExecuteTransaction handles distributed transaction requests
func (h *OrchestratorHandlers) ExecuteTransaction(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	operations := make([]*orchestration.Operation, 0, len(req.Operations))
	for i, or := range req.Operations {
		op, err := or.ToOperation()
		if err != nil {
			http.Error(w, errors.Wrapf(err, "operation %d", i).Error(), http.StatusBadRequest)
			return
		}
		operations = append(operations, op)
	}

	opts := &orchestration.TransactionOptions{
		TransactionID: models.ID(req.TransactionID),
		TenantContext: req.TenantContext,
	}
	if req.TimeoutMs > 0 {
		opts.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	result, err := h.coordinator.ExecuteDistributedTransaction(r.Context(), operations, opts)

	status := "committed"
	if err != nil {
		status = "rolled_back"
	}
	telemetry.RecordCounter(r.Context(), "distributed_transactions_total", "Total distributed transactions", 1,
		attribute.String("status", status),
	)

	if err != nil {
		var notFound *orchestration.ConnectionNotFoundError
		if errors.As(err, &notFound) {
			writeJSON(w, http.StatusNotFound, result)
			return
		}
		writeJSON(w, http.StatusUnprocessableEntity, result)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ExecuteSaga handles saga execution requests
func (h *OrchestratorHandlers) ExecuteSaga(w http.ResponseWriter, r *http.Request) {
	var req SagaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	definition, err := req.ToDefinition()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := definition.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, sagaErr := h.coordinator.ExecuteSaga(r.Context(), definition, nil)

	status := "completed"
	if sagaErr != nil {
		status = string(result.Status)
	}
	telemetry.RecordCounter(r.Context(), "sagas_total", "Total saga executions", 1,
		attribute.String("status", status),
	)

	if sagaErr != nil {
		writeJSON(w, http.StatusUnprocessableEntity, result)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// CancelTransaction handles transaction cancellation requests
func (h *OrchestratorHandlers) CancelTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "Transaction ID is required", http.StatusBadRequest)
		return
	}

	if !h.coordinator.CancelDistributedTransaction(models.ID(id)) {
		http.Error(w, "Transaction not found or already finished", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transaction_id": id,
		"cancelled":      true,
	})
}

// CancelSaga handles saga cancellation requests
func (h *OrchestratorHandlers) CancelSaga(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "Saga ID is required", http.StatusBadRequest)
		return
	}

	if !h.coordinator.CancelSaga(models.ID(id)) {
		http.Error(w, "Saga not found or already finished", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"saga_id":   id,
		"cancelled": true,
	})
}

// ListTransactions returns the in-flight distributed transactions
func (h *OrchestratorHandlers) ListTransactions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coordinator.ActiveTransactions())
}

// ListSagas returns active and recently finished saga runs
func (h *OrchestratorHandlers) ListSagas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coordinator.ActiveSagas())
}

// RegisterRoutes registers orchestration routes
func (h *OrchestratorHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/transactions", func(r chi.Router) {
			r.Get("/", h.ListTransactions)
			r.Post("/", h.ExecuteTransaction)
			r.Delete("/{id}", h.CancelTransaction)
		})
		r.Route("/sagas", func(r chi.Router) {
			r.Get("/", h.ListSagas)
			r.Post("/", h.ExecuteSaga)
			r.Delete("/{id}", h.CancelSaga)
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
