package handler

import (
	"encoding/json"
	"net/http"

	"dpgate/internal/domain"
	"dpgate/internal/middleware"
	"dpgate/internal/queue"
	pkgerrors "dpgate/pkg/errors"
	"dpgate/pkg/validator"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

type QueryHandler struct {
	protocol  *queue.Protocol
	validator *validator.Validator
	logger    Logger
}

func NewQueryHandler(protocol *queue.Protocol, val *validator.Validator, log Logger) *QueryHandler {
	return &QueryHandler{protocol: protocol, validator: val, logger: log}
}

// SubmitQueryRequest is the JSON body for all three submission endpoints.
// Epsilon and delta arrive as strings so clients cannot lose precision to
// float encoding.
type SubmitQueryRequest struct {
	RequestID   string `json:"request_id,omitempty" validate:"omitempty,uuid4"`
	Dataset     string `json:"dataset" validate:"required"`
	Library     string `json:"library" validate:"required"`
	Aggregation string `json:"aggregation" validate:"required,oneof=count sum mean"`
	Column      string `json:"column,omitempty"`
	Mechanism   string `json:"mechanism" validate:"required,oneof=laplace gaussian"`
	Epsilon     string `json:"epsilon" validate:"required"`
	Delta       string `json:"delta,omitempty"`
}

// SubmitQuery enqueues a budget-spending query task.
func (h *QueryHandler) SubmitQuery(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, domain.TaskQuery)
}

// SubmitEstimate enqueues a cost-only task with no side effects.
func (h *QueryHandler) SubmitEstimate(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, domain.TaskEstimate)
}

// SubmitDummy enqueues a synthetic-data task with no budget interaction.
func (h *QueryHandler) SubmitDummy(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, domain.TaskDummy)
}

func (h *QueryHandler) submit(w http.ResponseWriter, r *http.Request, taskType domain.TaskType) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var body SubmitQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if errs := h.validator.ValidateStructured(&body); errs != nil {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":  "Validation failed",
			"fields": errs,
		})
		return
	}

	req, err := h.toQueryRequest(user, &body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	uid, err := h.protocol.Submit(r.Context(), taskType, *req)
	if err != nil {
		h.logger.Error("Task submission failed", map[string]interface{}{
			"user":      user,
			"task_type": string(taskType),
			"error":     err.Error(),
		})
		respondError(w, pkgerrors.HTTPStatus(err), err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"job_uid":    uid.String(),
		"request_id": req.ID.String(),
		"status":     string(domain.JobPending),
	})
}

func (h *QueryHandler) toQueryRequest(user string, body *SubmitQueryRequest) (*domain.QueryRequest, error) {
	epsilon, err := decimal.NewFromString(body.Epsilon)
	if err != nil {
		return nil, pkgerrors.InvalidQuery("malformed epsilon %q", body.Epsilon)
	}
	delta := decimal.Zero
	if body.Delta != "" {
		delta, err = decimal.NewFromString(body.Delta)
		if err != nil {
			return nil, pkgerrors.InvalidQuery("malformed delta %q", body.Delta)
		}
	}

	// Mint the idempotency key here when the client did not supply one, so
	// the accepted response can echo it back.
	id := uuid.New()
	if body.RequestID != "" {
		id, err = uuid.Parse(body.RequestID)
		if err != nil {
			return nil, pkgerrors.InvalidQuery("malformed request id %q", body.RequestID)
		}
	}

	return &domain.QueryRequest{
		ID:          id,
		User:        user,
		Dataset:     body.Dataset,
		Library:     body.Library,
		Aggregation: body.Aggregation,
		Column:      body.Column,
		Mechanism:   body.Mechanism,
		Epsilon:     epsilon,
		Delta:       delta,
	}, nil
}

// GetJob returns the polled state of a submitted job.
func (h *QueryHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	uid, err := uuid.Parse(mux.Vars(r)["uid"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job uid")
		return
	}

	job, err := h.protocol.Poll(r.Context(), uid)
	if err != nil {
		if pkgerrors.Is(err, pkgerrors.ErrJobNotFound) {
			respondError(w, http.StatusNotFound, "Job not found")
			return
		}
		h.logger.Error("Job poll failed", map[string]interface{}{
			"job_uid": uid.String(),
			"error":   err.Error(),
		})
		respondError(w, http.StatusInternalServerError, "Failed to fetch job")
		return
	}

	respondJSON(w, http.StatusOK, job)
}
