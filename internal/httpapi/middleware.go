package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/apikeys"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/models"
)

type contextKey string

const (
	ctxUser   contextKey = "user"
	ctxAPIKey contextKey = "api_key"
)

// requestUser returns the authenticated user stored by the auth middleware.
func requestUser(r *http.Request) *models.User {
	u, _ := r.Context().Value(ctxUser).(*models.User)
	return u
}

// requestAPIKey returns the API key on SDK routes, nil on session routes.
func requestAPIKey(r *http.Request) *models.APIKey {
	k, _ := r.Context().Value(ctxAPIKey).(*models.APIKey)
	return k
}

// apiKeyAuth authenticates the X-API-Key header and enforces the route's
// capability.
func (a *API) apiKeyAuth(capability string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get("X-API-Key")
			if token == "" {
				if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
					token = strings.TrimPrefix(h, "Bearer ")
				}
			}

			key, user, err := a.store.Keys.Authenticate(r.Context(), token, capability)
			if err != nil {
				switch {
				case errors.Is(err, apikeys.ErrInvalidKey):
					respondError(w, http.StatusUnauthorized, codeUnauthorized, "missing or invalid api key")
				case errors.Is(err, apikeys.ErrCapability):
					respondError(w, http.StatusForbidden, codeForbidden, "api key lacks required capability")
				default:
					respondError(w, http.StatusInternalServerError, codeInternal, "authentication failed")
				}
				return
			}

			ctx := context.WithValue(r.Context(), ctxUser, user)
			ctx = context.WithValue(ctx, ctxAPIKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// sessionAuth authenticates the dashboard's bearer JWT.
func (a *API) sessionAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			respondError(w, http.StatusUnauthorized, codeUnauthorized, "missing session token")
			return
		}

		claims := jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(strings.TrimPrefix(h, "Bearer "), &claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(a.config.JWTSigningKey), nil
		})
		if err != nil {
			respondError(w, http.StatusUnauthorized, codeUnauthorized, "invalid session token")
			return
		}

		userID, err := uuid.Parse(claims.Subject)
		if err != nil {
			respondError(w, http.StatusUnauthorized, codeUnauthorized, "invalid session token")
			return
		}

		user, err := a.loadActiveUser(r.Context(), userID)
		if err != nil {
			respondError(w, http.StatusUnauthorized, codeUnauthorized, "inactive or unknown user")
			return
		}

		ctx := context.WithValue(r.Context(), ctxUser, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) loadActiveUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	err := a.store.ORM.WithContext(ctx).First(&user, "id = ? AND active = true", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New("user not found")
		}
		return nil, err
	}
	return &user, nil
}

// adminAuth gates the operator surface behind the static admin token.
func (a *API) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Admin-Token")
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(a.config.AdminToken)) != 1 {
			respondError(w, http.StatusUnauthorized, codeUnauthorized, "missing or invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
