package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"    validate:"required"`
	Store     StoreConfig     `mapstructure:"store"     validate:"required"`
	Worker    WorkerConfig    `mapstructure:"worker"    validate:"required"`
	Retry     RetryConfig     `mapstructure:"retry"     validate:"required"`
	Breaker   BreakerConfig   `mapstructure:"breaker"   validate:"required"`
	Reconcile ReconcileConfig `mapstructure:"reconcile" validate:"required"`
	Providers ProvidersConfig `mapstructure:"providers" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"             validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level"        validate:"required,oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// StoreConfig selects and addresses the status store backend. The queue
// always lives in Redis.
type StoreConfig struct {
	Backend     string `mapstructure:"backend"      validate:"required,oneof=redis postgres"`
	RedisURL    string `mapstructure:"redis_url"    validate:"required,url"`
	DatabaseURL string `mapstructure:"database_url" validate:"omitempty,url"`
	KeyPrefix   string `mapstructure:"key_prefix"   validate:"required,alphanum"`
}

// WorkerConfig controls the worker pool.
type WorkerConfig struct {
	Count          int           `mapstructure:"count"           validate:"gte=1,lte=256"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	PollWait       time.Duration `mapstructure:"poll_wait"       validate:"gt=0"`
	PauseOnError   time.Duration `mapstructure:"pause_on_error"  validate:"gte=0"`
}

// RetryConfig controls the exponential backoff applied to transient failures.
// The jitter window must stay below the base delay so successive delays
// strictly increase.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gte=1"`
	BaseDelay   time.Duration `mapstructure:"base_delay"   validate:"gt=0"`
	JitterMin   time.Duration `mapstructure:"jitter_min"   validate:"gte=0"`
	JitterMax   time.Duration `mapstructure:"jitter_max"   validate:"gtefield=JitterMin,ltfield=BaseDelay"`
}

// BreakerConfig controls the per-provider circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"gte=1"`
	Cooldown         time.Duration `mapstructure:"cooldown"          validate:"gt=0"`
}

// ReconcileConfig controls the background sweeps.
type ReconcileConfig struct {
	Interval           time.Duration `mapstructure:"interval"             validate:"gt=0"`
	StaleAfter         time.Duration `mapstructure:"stale_after"          validate:"gt=0"`
	RetrySweepInterval time.Duration `mapstructure:"retry_sweep_interval" validate:"gt=0"`
	HealthInterval     time.Duration `mapstructure:"health_interval"      validate:"gt=0"`
}

// ProvidersConfig contains the vendor credentials and model defaults.
type ProvidersConfig struct {
	Default     string         `mapstructure:"default"      validate:"required,oneof=gemini openai"`
	PricingFile string         `mapstructure:"pricing_file" validate:"omitempty,file"`
	Gemini      ProviderConfig `mapstructure:"gemini"`
	OpenAI      ProviderConfig `mapstructure:"openai"`
}

// ProviderConfig configures one vendor. A provider with an empty API key is
// not registered.
type ProviderConfig struct {
	APIKey             string `mapstructure:"api_key"`
	BaseURL            string `mapstructure:"base_url"              validate:"omitempty,url"`
	DefaultModel       string `mapstructure:"default_model"`
	MaxRequestsPerHour int    `mapstructure:"max_requests_per_hour" validate:"gte=0"`
}

// Enabled reports whether the provider has credentials.
func (p ProviderConfig) Enabled() bool {
	return p.APIKey != ""
}
