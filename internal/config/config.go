package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration shared by the API and worker processes.
type Config struct {
	Addr string `env:"ADDR,default=:8080"`

	DBDSN   string `env:"DB_DSN,required"`
	NATSURL string `env:"NATS_URL,default=nats://127.0.0.1:4222"`

	S3Endpoint       string        `env:"S3_ENDPOINT,required"`
	S3AccessKey      string        `env:"S3_ACCESS_KEY,required"`
	S3SecretKey      string        `env:"S3_SECRET_KEY,required"`
	S3Bucket         string        `env:"S3_BUCKET,required"`
	S3Region         string        `env:"S3_REGION,default=us-east-1"`
	S3DisableTLS     bool          `env:"S3_DISABLE_TLS,default=false"`
	S3ForcePathStyle bool          `env:"S3_FORCE_PATH_STYLE,default=true"`
	BlobMaxSize      int64         `env:"BLOB_MAX_SIZE,default=83886080"`
	BlobFetchTimeout time.Duration `env:"BLOB_FETCH_TIMEOUT,default=30s"`

	AnalyzerURL     string        `env:"ANALYZER_URL,required"`
	AnalyzerTimeout time.Duration `env:"ANALYZER_TIMEOUT,default=5m"`
	AnalyzerIdent   string        `env:"ANALYZER_SERVICE_IDENT,default=cypher-ray"`

	Tier1Concurrency int           `env:"QUEUE_TIER1_CONCURRENCY,default=10"`
	Tier2Concurrency int           `env:"QUEUE_TIER2_CONCURRENCY,default=5"`
	JobTimeout       time.Duration `env:"QUEUE_JOB_TIMEOUT,default=10m"`
	MaxAttempts      int           `env:"QUEUE_MAX_ATTEMPTS,default=3"`
	BackoffBase      time.Duration `env:"QUEUE_BACKOFF_BASE,default=10s"`

	AdmissionThreshold int `env:"ADMISSION_THRESHOLD,default=5"`
	BatchLimit         int `env:"BATCH_LIMIT,default=50"`

	RazorpayKeyID         string `env:"RAZORPAY_KEY_ID"`
	RazorpayKeySecret     string `env:"RAZORPAY_KEY_SECRET"`
	RazorpayWebhookSecret string `env:"RAZORPAY_WEBHOOK_SECRET"`
	PlansFile             string `env:"PLANS_FILE,default=plans.yaml"`
	CardMetaRecipient     string `env:"CARD_META_RECIPIENT"`

	JanitorHour   int           `env:"JANITOR_HOUR,default=2"`
	BlobRetention time.Duration `env:"BLOB_RETENTION,default=24h"`
	JobRetention  time.Duration `env:"JOB_RETENTION,default=168h"`

	AdminToken    string   `env:"ADMIN_TOKEN,required"`
	JWTSigningKey string   `env:"JWT_SIGNING_KEY,required"`
	CORSOrigins   []string `env:"CORS_ALLOWED_ORIGINS,default=http://localhost:5173"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
