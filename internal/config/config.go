package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Addr          string `env:"API_ADDR, default=:8787"`
	DatabaseURL   string `env:"DATABASE_URL, default=sqlite://./data/quire.db"`
	MigrationsDir string `env:"QUIRE_MIGRATIONS_DIR"`
	TokenSecret   string `env:"QUIRE_TOKEN_SECRET, default=quire-dev-secret"`
	CORSOrigin    string `env:"QUIRE_CORS_ORIGIN, default=*"`
	LogLevel      string `env:"QUIRE_LOG_LEVEL, default=info"`

	// Redis backs the notification inbox; empty disables it.
	RedisURL       string        `env:"REDIS_URL"`
	InboxDedupeTTL time.Duration `env:"INBOX_DEDUPE_TTL, default=24h"`
	InboxMaxItems  int64         `env:"INBOX_MAX_ITEMS, default=200"`

	MeiliURL       string `env:"MEILI_URL"`
	MeiliMasterKey string `env:"MEILI_MASTER_KEY"`

	// Object storage for room snapshots; empty endpoint keeps them in memory.
	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3AccessKey string `env:"S3_ACCESS_KEY"`
	S3SecretKey string `env:"S3_SECRET_KEY"`
	S3Bucket    string `env:"S3_BUCKET, default=quire-snapshots"`
	S3UseSSL    bool   `env:"S3_USE_SSL, default=false"`

	ResendAPIKey string   `env:"RESEND_API_KEY"`
	EmailFrom    string   `env:"EMAIL_FROM, default=Quire <notifications@quire.local>"`
	EmailTypes   []string `env:"NOTIFY_EMAIL_TYPES, default=mention"`
	AppURL       string   `env:"QUIRE_APP_URL, default=http://localhost:5173"`

	PosthogAPIKey   string `env:"POSTHOG_API_KEY"`
	PosthogEndpoint string `env:"POSTHOG_ENDPOINT, default=https://eu.i.posthog.com"`

	NotifyDedupeTTL   time.Duration `env:"NOTIFY_DEDUPE_TTL, default=10m"`
	NotifySubjectWait time.Duration `env:"NOTIFY_SUBJECT_WAIT, default=2s"`
	MirrorAttempts    uint          `env:"MIRROR_ATTEMPTS, default=5"`
}

func Load(ctx context.Context) (Config, error) {
	return LoadFrom(ctx, envconfig.OsLookuper())
}

// LoadFrom reads the configuration from an arbitrary lookuper.
func LoadFrom(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
