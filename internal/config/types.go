package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server     ServerConfig     `json:"server"`
	Upload     UploadConfig     `json:"upload"`
	Staging    StagingConfig    `json:"staging"`
	Database   Database         `json:"database"`
	Redis      RedisConfig      `json:"redis"`
	AssetStore AssetStoreConfig `json:"asset_store"`
	Mirror     MirrorConfig     `json:"mirror"`
	History    HistoryConfig    `json:"history_worker"`
	Zip        ZipConfig        `json:"zip_jobs"`
	Quota      QuotaConfig      `json:"quota"`
	Sentry     SentryConfig     `json:"sentry"`
}

type ServerConfig struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

type UploadConfig struct {
	MaxRequestBodyMB     int64 `json:"max_request_body"`
	MaxMultipartMemoryMB int64 `json:"max_multipart_memory"`
	MaxFiles             int   `json:"max_files"`
	BatchSize            int   `json:"batch_size"`
}

// StagingConfig controls the local scratch dir uploads pass through before
// they reach the asset store.
type StagingConfig struct {
	Dir           string        `json:"dir"`
	MaxAge        time.Duration `json:"max_age"`        // seconds
	SweepInterval time.Duration `json:"sweep_interval"` // seconds
}

type Database struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	Password            string        `json:"password"`
	DatabaseID          int           `json:"database_id"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	DialTimeout         time.Duration `json:"dial_timeout"`
	ReadTimeout         time.Duration `json:"read_timeout"`
	WriteTimeout        time.Duration `json:"write_timeout"`
	PoolSize            int           `json:"pool_size"`
	Nodes               []RedisNode   `json:"nodes"`
}

type RedisNode struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (n RedisNode) Addr() string { return fmt.Sprintf("%s:%d", n.Host, n.Port) }

// AssetStoreConfig points at the external conversion/storage service.
type AssetStoreConfig struct {
	CloudName     string        `json:"cloud_name"`
	APIKey        string        `json:"api_key"`
	APISecret     string        `json:"api_secret"`
	APIBase       string        `json:"api_base"`      // default https://api.cloudinary.com
	DeliveryBase  string        `json:"delivery_base"` // default https://res.cloudinary.com
	Folder        string        `json:"folder"`
	UploadTimeout time.Duration `json:"upload_timeout"` // seconds
	URLCacheTTL   int           `json:"url_cache_ttl"`  // seconds

	// Formats the store always normalizes to an intermediate format before
	// delivery; fetched bytes are validated against the mapped format.
	// Membership follows the store's capabilities, so it lives in config.
	NormalizedFormats map[string]string `json:"normalized_formats"`
}

// MirrorConfig is the R2 bucket original uploads are mirrored to.
type MirrorConfig struct {
	Enabled     bool   `json:"enabled"`
	AccountID   string `json:"account_id"`
	BucketName  string `json:"bucket_name"`
	AccessKeyID string `json:"access_key_id"`
	SecretKey   string `json:"secret_key"`
}

type HistoryConfig struct {
	Stream       string        `json:"stream"`        // redis stream name
	Group        string        `json:"group"`         // consumer group name
	Workers      int           `json:"workers"`       // number of concurrent goroutines
	MaxAttempts  int           `json:"max_attempts"`  // max retries before giving up
	MaxLen       int64         `json:"max_len"`       // stream max length before trim
	BackoffBase  time.Duration `json:"backoff_base"`  // base retry delay
	BlockTimeout time.Duration `json:"block_timeout"` // XREADGROUP block timeout
	Consumer     string        `json:"consumer"`
}

type ZipConfig struct {
	MaxEntries      int           `json:"max_entries"`
	FetchAttempts   int           `json:"fetch_attempts"`
	FetchRetryDelay time.Duration `json:"fetch_retry_delay"` // milliseconds
	FetchTimeout    time.Duration `json:"fetch_timeout"`     // seconds
	ArchiveName     string        `json:"archive_name"`
	SweepInterval   time.Duration `json:"sweep_interval"` // seconds
	Retention       time.Duration `json:"retention"`      // seconds
	MaxAge          time.Duration `json:"max_age"`        // seconds
}

type QuotaConfig struct {
	DailyLimitBytes int64 `json:"daily_limit_bytes"`
}

type SentryConfig struct {
	SentryDSN   string `json:"sentry_dsn"`
	Environment string `json:"environment"`
}
