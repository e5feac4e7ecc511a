package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/analyzer"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/config"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/events"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/janitor"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/jobstore"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/ledger"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/otp"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/queue"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/worker"
	"github.com/Bohar-s-Bit/cypher-ray-backend/pkg/blob"
	"github.com/Bohar-s-Bit/cypher-ray-backend/pkg/bus"
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

	shutdownTracing, _, err := telemetry.Init(ctx, "cypherray-worker", cfg.OTLPEndpoint, log.Logger)
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

	// Progress events are best-effort; a missing NATS endpoint degrades to
	// silent publishes rather than refusing to start.
	var publisher events.Publisher
	if eventBus, err := bus.New(cfg.NATSURL); err != nil {
		log.Warn().Err(err).Msg("event bus unavailable, continuing without notifications")
	} else {
		publisher = eventBus
		defer eventBus.Close()
	}
	ev := events.New(publisher, log.Logger)

	jobs, err := jobstore.New(orm)
	if err != nil {
		log.Fatal().Err(err).Msg("init job store")
	}

	led, err := ledger.New(orm, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("init ledger")
	}

	an, err := analyzer.New(cfg.AnalyzerURL, cfg.AnalyzerIdent, cfg.AnalyzerTimeout, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("init analyzer client")
	}

	wrk, err := worker.New(jobs, blobs, an, led, ev, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("init worker")
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
	q.OnExhausted = wrk.FailJob

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
	go jan.Run(ctx)

	log.Info().
		Int("tier1", cfg.Tier1Concurrency).
		Int("tier2", cfg.Tier2Concurrency).
		Msg("starting cypherray-worker")

	if err := q.Run(ctx, wrk.Process); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("queue dispatcher")
	}
	log.Info().Msg("worker stopped")
}
