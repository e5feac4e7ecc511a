package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/ledger"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/models"
)

func (a *API) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	counts, err := a.store.Queue.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, codeQueueUnavailable, "queue stats unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "counts": counts})
}

func (a *API) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	removed, err := a.store.Queue.ClearAll(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, codeQueueUnavailable, "queue clear failed")
		return
	}
	a.log.Warn().Int64("removed", removed).Msg("queue cleared by operator")
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "removed": removed})
}

func (a *API) handleJanitorRun(w http.ResponseWriter, r *http.Request) {
	if a.store.Janitor == nil {
		respondError(w, http.StatusServiceUnavailable, codeInternal, "janitor not available in this process")
		return
	}
	stats := a.store.Janitor.RunNow(r.Context())
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "stats": stats})
}

type creditsRequest struct {
	UserID      uuid.UUID `json:"user_id"`
	Amount      int       `json:"amount"`
	Description string    `json:"description"`
	Bonus       bool      `json:"bonus,omitempty"`
}

func (a *API) handleCreditsSet(w http.ResponseWriter, r *http.Request) {
	var req creditsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, "user_id and amount are required")
		return
	}
	if req.Description == "" {
		req.Description = "Admin balance adjustment"
	}

	txn, err := a.store.Ledger.SetCredits(r.Context(), req.UserID, req.Amount, req.Description)
	if err != nil {
		a.respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "transaction": txn})
}

func (a *API) handleCreditsAdd(w http.ResponseWriter, r *http.Request) {
	var req creditsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, "user_id and amount are required")
		return
	}
	if req.Description == "" {
		req.Description = "Admin credit grant"
	}

	kind := models.TxnCredit
	if req.Bonus {
		kind = models.TxnBonus
	}
	txn, err := a.store.Ledger.AddCredits(r.Context(), req.UserID, req.Amount, req.Description, kind)
	if err != nil {
		a.respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "transaction": txn})
}

func (a *API) handleLedgerDrift(w http.ResponseWriter, r *http.Request) {
	rec, err := ledger.NewReconciler(a.store.Pool, a.log)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, codeInternal, "reconciler unavailable")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	drifts, err := rec.Scan(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, codeInternal, "drift scan failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "drifts": drifts})
}

func (a *API) respondLedgerError(w http.ResponseWriter, err error) {
	if errors.Is(err, ledger.ErrUserNotFound) {
		respondError(w, http.StatusNotFound, codeBadRequest, "user not found")
		return
	}
	a.log.Error().Err(err).Msg("ledger operation failed")
	respondError(w, http.StatusInternalServerError, codeInternal, "ledger operation failed")
}
