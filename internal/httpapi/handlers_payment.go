package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/payments"
)

// handlePaymentWebhook receives gateway deliveries. The raw body is read
// before any parsing so the signature check covers exactly what was sent.
func (a *API) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, "unreadable webhook body")
		return
	}
	defer r.Body.Close()

	signature := r.Header.Get("X-Razorpay-Signature")
	outcome, err := a.store.Payments.HandleWebhook(r.Context(), raw, signature)
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrSignatureMismatch):
			respondError(w, http.StatusBadRequest, codeBadSignature, "webhook signature verification failed")
		case errors.Is(err, payments.ErrUnknownOrder):
			respondError(w, http.StatusNotFound, codeUnknownOrder, "order not recognised")
		default:
			a.log.Error().Err(err).Msg("webhook processing failed")
			respondError(w, http.StatusInternalServerError, codeInternal, "webhook processing failed")
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"success": true, "outcome": outcome})
}

func (a *API) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	var req struct {
		PlanID string `json:"plan_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, "plan_id is required")
		return
	}

	params, err := a.store.Payments.CreateOrder(r.Context(), user.ID, req.PlanID)
	if err != nil {
		if errors.Is(err, payments.ErrUnknownPlan) {
			respondError(w, http.StatusBadRequest, codeBadRequest, "unknown plan")
			return
		}
		a.log.Error().Err(err).Msg("order creation failed")
		respondError(w, http.StatusInternalServerError, codeInternal, "order creation failed")
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{"success": true, "order": params})
}

func (a *API) handlePaymentHistory(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	history, err := a.store.Payments.History(r.Context(), user.ID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, codeInternal, "payment history lookup failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"success": true, "payments": history})
}

func (a *API) handlePlans(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "plans": a.store.Payments.Plans()})
}
