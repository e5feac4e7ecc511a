// Package httpapi exposes the ingestion, payment, and admin surfaces over
// HTTP.
package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/apikeys"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/config"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/ingest"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/janitor"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/jobstore"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/ledger"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/models"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/payments"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/queue"
)

// Store bundles the collaborators the handlers need.
type Store struct {
	ORM      *gorm.DB
	Pool     *pgxpool.Pool
	Ingest   *ingest.Service
	Jobs     *jobstore.Store
	Ledger   *ledger.Ledger
	Queue    *queue.Queue
	Payments *payments.Service
	Keys     *apikeys.Store
	Janitor  *janitor.Janitor
}

// API wires dependencies and configuration for the HTTP handlers.
type API struct {
	store  *Store
	config config.Config
	log    zerolog.Logger
}

// New initialises the API layer.
func New(store *Store, cfg config.Config, log zerolog.Logger) (*API, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if store.ORM == nil {
		return nil, errors.New("store ORM is required")
	}
	if store.Ingest == nil || store.Jobs == nil || store.Ledger == nil {
		return nil, errors.New("ingest, job store, and ledger are required")
	}
	return &API{store: store, config: cfg, log: log}, nil
}

// Routes constructs the chi router containing all endpoints.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Minute))

	allowed := a.config.CORSOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
		MaxAge:           int((10 * time.Minute).Seconds()),
	}))
	r.Use(httprate.Limit(300, time.Minute))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Method("GET", "/metrics", promhttp.Handler())

	r.Route("/sdk", func(r chi.Router) {
		r.With(a.apiKeyAuth(models.CapAnalyze)).Post("/analyze", a.handleSDKAnalyze)
		r.With(a.apiKeyAuth(models.CapBatch)).Post("/analyze/batch", a.handleSDKBatch)
		r.With(a.apiKeyAuth(models.CapResults)).Get("/results/{jobID}", a.handleResults)
		r.With(a.apiKeyAuth(models.CapCheckHash)).Get("/check-hash", a.handleCheckHash)
		r.With(a.apiKeyAuth(models.CapCredits)).Get("/credits", a.handleCredits)
	})

	r.Route("/user", func(r chi.Router) {
		r.Use(a.sessionAuth)
		r.Post("/analyze", a.handleDashboardAnalyze)
		r.Get("/analyze", a.handleHistory)
		r.Get("/results/{jobID}", a.handleResults)
		r.Get("/credits", a.handleCredits)
		r.Post("/keys", a.handleIssueKey)
		r.Get("/keys", a.handleListKeys)
		r.Delete("/keys/{keyID}", a.handleRevokeKey)
	})

	r.Route("/payment", func(r chi.Router) {
		r.Post("/webhook", a.handlePaymentWebhook)
		r.With(a.sessionAuth).Post("/order", a.handleCreateOrder)
		r.With(a.sessionAuth).Get("/history", a.handlePaymentHistory)
		r.Get("/plans", a.handlePlans)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(a.adminAuth)
		r.Get("/queue/stats", a.handleQueueStats)
		r.Post("/queue/clear", a.handleQueueClear)
		r.Post("/janitor/run", a.handleJanitorRun)
		r.Post("/credits/set", a.handleCreditsSet)
		r.Post("/credits/add", a.handleCreditsAdd)
		r.Get("/ledger/drift", a.handleLedgerDrift)
	})

	return r
}
