package config

import (
	"context"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Bus holds the queue and storage settings shared by both binaries.
type Bus struct {
	DatabaseURL   string `envconfig:"DATABASE_URL" required:"true"`
	Queue         string `envconfig:"BUS_QUEUE"`
	Schema        string `envconfig:"BUS_SCHEMA" default:"taskbus"`
	RetentionDays int    `envconfig:"BUS_RETENTION_DAYS" default:"30"`
	KeepInSeconds int    `envconfig:"BUS_KEEP_IN_SECONDS" default:"604800"`
	PoolMaxConns  int    `envconfig:"DB_POOL_MAX_CONNS" default:"10"`

	// Optional wake-up notifier. Empty addr disables it and the workers
	// fall back to pure polling.
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB"`
}

// Tuning has the worker loop knobs. Defaults match the library defaults, so
// an empty environment behaves like a programmatic bus.
type Tuning struct {
	Concurrency        int     `envconfig:"WORKER_CONCURRENCY" default:"25"`
	PollIntervalMS     int     `envconfig:"WORKER_INTERVAL_MS" default:"1500"`
	RefillFactor       float64 `envconfig:"WORKER_REFILL_FACTOR" default:"0.33"`
	EventsFetchSize    int     `envconfig:"EVENTS_FETCH_SIZE" default:"200"`
	ExpireIntervalSec  int     `envconfig:"EXPIRE_INTERVAL_SEC" default:"30"`
	CleanupIntervalSec int     `envconfig:"CLEANUP_INTERVAL_SEC" default:"300"`
}

func (t Tuning) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalMS) * time.Millisecond
}

func (t Tuning) ExpireInterval() time.Duration {
	return time.Duration(t.ExpireIntervalSec) * time.Second
}

func (t Tuning) CleanupInterval() time.Duration {
	return time.Duration(t.CleanupIntervalSec) * time.Second
}

type Webhook struct {
	SigningSecret string `envconfig:"WEBHOOK_SIGNING_SECRET"`
	DispatcherURL string `envconfig:"WEBHOOK_DISPATCHER_URL"`
}

type Observability struct {
	Env          string `envconfig:"ENV" default:"development"`
	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// API configures the cmd/api binary.
type API struct {
	Port      int    `envconfig:"PORT" default:"8080"`
	AdminKey  string `envconfig:"ADMIN_API_KEY"`
	JWTSecret string `envconfig:"JWT_SECRET"`
	JWTTTLMin int    `envconfig:"JWT_TTL_MIN" default:"15"`

	AllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS"`

	Bus
	Webhook
	Observability
}

func (a API) JWTTTL() time.Duration {
	return time.Duration(a.JWTTTLMin) * time.Minute
}

// Worker configures the cmd/worker binary.
type Worker struct {
	HealthPort int `envconfig:"HEALTH_PORT" default:"8081"`

	Bus
	Tuning
	Observability
}

func LoadAPI() (API, error) {
	var cfg API
	err := envconfig.Process("", &cfg)
	return cfg, err
}

func LoadWorker() (Worker, error) {
	var cfg Worker
	err := envconfig.Process("", &cfg)
	return cfg, err
}

func WithTimeout(duration time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), duration)
}
