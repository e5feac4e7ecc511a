package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/apikeys"
)

func (a *API) handleIssueKey(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	var req struct {
		Name         string     `json:"name"`
		Capabilities []string   `json:"capabilities,omitempty"`
		ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Name == "" {
		respondError(w, http.StatusBadRequest, codeBadRequest, "name is required")
		return
	}

	key, token, err := a.store.Keys.Issue(r.Context(), user.ID, req.Name, req.Capabilities, req.ExpiresAt)
	if err != nil {
		a.log.Error().Err(err).Msg("api key issue failed")
		respondError(w, http.StatusInternalServerError, codeInternal, "key creation failed")
		return
	}

	// The token is shown exactly once.
	respondJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"key":     key,
		"token":   token,
	})
}

func (a *API) handleListKeys(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	keys, err := a.store.Keys.ListByOwner(r.Context(), user.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, codeInternal, "key listing failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "keys": keys})
}

func (a *API) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	keyID, err := uuid.Parse(chi.URLParam(r, "keyID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, "invalid key id")
		return
	}

	if err := a.store.Keys.Revoke(r.Context(), user.ID, keyID); err != nil {
		if errors.Is(err, apikeys.ErrInvalidKey) {
			respondError(w, http.StatusNotFound, codeBadRequest, "key not found")
			return
		}
		respondError(w, http.StatusInternalServerError, codeInternal, "key revocation failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}
