package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/apikeys"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/config"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/httpapi"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/ingest"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/janitor"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/jobstore"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/ledger"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/otp"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/payments"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/queue"
	"github.com/Bohar-s-Bit/cypher-ray-backend/pkg/blob"
	"github.com/Bohar-s-Bit/cypher-ray-backend/pkg/db"
	"github.com/Bohar-s-Bit/cypher-ray-backend/pkg/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	shutdownTracing, traceMiddleware, err := telemetry.Init(ctx, "cypherray-api", cfg.OTLPEndpoint, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("init telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	orm, err := db.OpenORM(cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open orm")
	}
	defer func() {
		if err := db.CloseORM(orm); err != nil {
			log.Error().Err(err).Msg("close orm")
		}
	}()

	blobs, err := blob.New(blob.Options{
		Endpoint:       cfg.S3Endpoint,
		AccessKey:      cfg.S3AccessKey,
		SecretKey:      cfg.S3SecretKey,
		Bucket:         cfg.S3Bucket,
		Region:         cfg.S3Region,
		DisableTLS:     cfg.S3DisableTLS,
		ForcePathStyle: cfg.S3ForcePathStyle,
		MaxSize:        cfg.BlobMaxSize,
		CallTimeout:    cfg.BlobFetchTimeout,
		Logger:         log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("init blob store")
	}

	led, err := ledger.New(orm, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("init ledger")
	}

	// Startup drift scan: a missing transaction pair is an operator incident,
	// not a startup failure.
	if rec, err := ledger.NewReconciler(pool, log.Logger); err == nil {
		if _, err := rec.Scan(ctx); err != nil {
			log.Warn().Err(err).Msg("ledger drift scan failed")
		}
	}

	jobs, err := jobstore.New(orm)
	if err != nil {
		log.Fatal().Err(err).Msg("init job store")
	}

	q, err := queue.New(orm, pool, queue.Options{
		Tier1Concurrency: cfg.Tier1Concurrency,
		Tier2Concurrency: cfg.Tier2Concurrency,
		JobTimeout:       cfg.JobTimeout,
		MaxAttempts:      cfg.MaxAttempts,
		BackoffBase:      cfg.BackoffBase,
	}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("init queue")
	}

	ing, err := ingest.New(jobs, blobs, led, q, ingest.Options{
		AdmissionThreshold: cfg.AdmissionThreshold,
		BatchLimit:         cfg.BatchLimit,
	}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("init ingestion")
	}

	plans, err := payments.LoadPlans(cfg.PlansFile)
	if err != nil {
		log.Fatal().Err(err).Msg("load price list")
	}

	pay, err := payments.New(orm, led, nil, payments.Options{
		Plans:             plans,
		WebhookSecret:     cfg.RazorpayWebhookSecret,
		KeyID:             cfg.RazorpayKeyID,
		CardMetaRecipient: cfg.CardMetaRecipient,
	}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("init payments")
	}

	keys, err := apikeys.New(orm)
	if err != nil {
		log.Fatal().Err(err).Msg("init api keys")
	}

	otps, err := otp.New(orm)
	if err != nil {
		log.Fatal().Err(err).Msg("init otp store")
	}

	jan, err := janitor.New(blobs, jobs, otps, janitor.Options{
		Hour:          cfg.JanitorHour,
		BlobRetention: cfg.BlobRetention,
		JobRetention:  cfg.JobRetention,
	}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("init janitor")
	}

	api, err := httpapi.New(&httpapi.Store{
		ORM:      orm,
		Pool:     pool,
		Ingest:   ing,
		Jobs:     jobs,
		Ledger:   led,
		Queue:    q,
		Payments: pay,
		Keys:     keys,
		Janitor:  jan,
	}, cfg, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("init api")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           traceMiddleware(api.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("starting cypherray-api")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown server")
	}
}
