package config

import (
	"time"

	"github.com/unimailhq/unimail/internal/logger"
	"github.com/unimailhq/unimail/internal/tracing"
)

type AppConfig struct {
	APIPort     string `env:"PORT" envDefault:"11000"`
	APIKey      string `env:"API_KEY,required"`
	RabbitMQURL string `env:"RABBITMQ_URL,required"`
}

type DatabaseConfig struct {
	Host            string `env:"POSTGRES_HOST,required"`
	Port            string `env:"POSTGRES_PORT,required"`
	User            string `env:"POSTGRES_USER,required"`
	DBName          string `env:"POSTGRES_DB_NAME,required"`
	Password        string `env:"POSTGRES_PASSWORD,required"`
	MaxConn         int    `env:"POSTGRES_DB_MAX_CONN"`
	MaxIdleConn     int    `env:"POSTGRES_DB_MAX_IDLE_CONN"`
	ConnMaxLifetime int    `env:"POSTGRES_DB_CONN_MAX_LIFETIME"`
	LogLevel        string `env:"POSTGRES_LOG_LEVEL" envDefault:"WARN"`
	SSLMode         string `env:"POSTGRES_SSL_MODE" envDefault:"require"`
}

type S3StorageConfig struct {
	Region          string `env:"AWS_REGION" envDefault:"us-east-1"`
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID,required"`
	AccessKeySecret string `env:"AWS_SECRET_ACCESS_KEY,required"`
	Endpoint        string `env:"S3_ENDPOINT"`
	EmailBucket     string `env:"BUCKET_NAME_EMAILS" envDefault:"emails"`
}

type SecretsConfig struct {
	Region string `env:"SECRETS_AWS_REGION" envDefault:"us-east-1"`
	// Prefix namespaces account secrets within the vault.
	Prefix string `env:"SECRETS_PREFIX" envDefault:"unimail/accounts"`
}

type SearchConfig struct {
	Addresses []string `env:"ELASTICSEARCH_ADDRESSES" envSeparator:"," envDefault:"http://localhost:9200"`
	Username  string   `env:"ELASTICSEARCH_USERNAME"`
	Password  string   `env:"ELASTICSEARCH_PASSWORD"`
	Index     string   `env:"ELASTICSEARCH_EMAIL_INDEX" envDefault:"emails"`
}

type SyncConfig struct {
	// Schedule is a cron expression for the due-account sweep.
	Schedule string `env:"SYNC_CRON_SCHEDULE" envDefault:"*/2 * * * *"`
	// Interval is how stale last_sync_at must be before an account is due.
	Interval time.Duration `env:"SYNC_INTERVAL" envDefault:"10m"`
	// Concurrency bounds the worker pool; it must stay within the aggregate
	// rate-limit budget of the configured provider adapters.
	Concurrency int           `env:"SYNC_CONCURRENCY" envDefault:"4"`
	MaxAttempts int           `env:"SYNC_MAX_ATTEMPTS" envDefault:"5"`
	FetchLimit  int           `env:"SYNC_FETCH_LIMIT" envDefault:"100"`
	LeaseTTL    time.Duration `env:"SYNC_LEASE_TTL" envDefault:"5m"`
	// StallTimeout is how long a running job may go without progress before
	// it is considered abandoned and another worker may take it over. Must
	// exceed the longest plausible sync cycle.
	StallTimeout time.Duration `env:"SYNC_STALL_TIMEOUT" envDefault:"15m"`
	// RetryBaseDelay seeds the exponential backoff between attempts.
	RetryBaseDelay time.Duration `env:"SYNC_RETRY_BASE_DELAY" envDefault:"30s"`
}

type IndexerConfig struct {
	Workers     int           `env:"INDEXER_WORKERS" envDefault:"2"`
	QueueSize   int           `env:"INDEXER_QUEUE_SIZE" envDefault:"1024"`
	MaxRetries  int           `env:"INDEXER_MAX_RETRIES" envDefault:"8"`
	MaxInterval time.Duration `env:"INDEXER_MAX_INTERVAL" envDefault:"2m"`
}

type Config struct {
	AppConfig      *AppConfig
	Logger         *logger.Config
	Tracing        *tracing.JaegerConfig
	DatabaseConfig *DatabaseConfig
	S3Storage      *S3StorageConfig
	Secrets        *SecretsConfig
	Search         *SearchConfig
	Sync           *SyncConfig
	Indexer        *IndexerConfig
}
