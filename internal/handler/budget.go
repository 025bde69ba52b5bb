package handler

import (
	"net/http"

	"dpgate/internal/middleware"
	"dpgate/internal/store"
	pkgerrors "dpgate/pkg/errors"

	"github.com/gorilla/mux"
)

type BudgetHandler struct {
	ledger *store.Ledger
	logger Logger
}

func NewBudgetHandler(ledger *store.Ledger, log Logger) *BudgetHandler {
	return &BudgetHandler{ledger: ledger, logger: log}
}

// GetBudget returns the caller's initial, spent, and remaining budget on a
// dataset. Remaining is derived on read, never stored.
func (h *BudgetHandler) GetBudget(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	dataset := mux.Vars(r)["dataset"]

	initial, err := h.ledger.GetInitialBudget(r.Context(), user, dataset)
	if err != nil {
		respondError(w, pkgerrors.HTTPStatus(err), err.Error())
		return
	}
	spent, err := h.ledger.GetSpentBudget(r.Context(), user, dataset)
	if err != nil {
		respondError(w, pkgerrors.HTTPStatus(err), err.Error())
		return
	}
	remaining := initial.Sub(spent)

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user":    user,
		"dataset": dataset,
		"initial": map[string]string{
			"epsilon": initial.Epsilon.String(),
			"delta":   initial.Delta.String(),
		},
		"spent": map[string]string{
			"epsilon": spent.Epsilon.String(),
			"delta":   spent.Delta.String(),
		},
		"remaining": map[string]string{
			"epsilon": remaining.Epsilon.String(),
			"delta":   remaining.Delta.String(),
		},
	})
}

// GetHistory returns the caller's archived queries on a dataset.
func (h *BudgetHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	dataset := mux.Vars(r)["dataset"]

	entries, err := h.ledger.GetPreviousQueries(r.Context(), user, dataset)
	if err != nil {
		respondError(w, pkgerrors.HTTPStatus(err), err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user":    user,
		"dataset": dataset,
		"queries": entries,
		"total":   len(entries),
	})
}
