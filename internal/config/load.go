package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. GENQ_SERVER_PORT.
const EnvPrefix = "GENQ"

// ErrNoProvider is returned when neither vendor has an API key, or the
// default provider has none.
var ErrNoProvider = errors.New("no enabled provider")

// setDefaults registers every key so environment variables can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("store.backend", "redis")
	v.SetDefault("store.redis_url", "redis://localhost:6379/0")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.key_prefix", "genq")

	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.request_timeout", "60s")
	v.SetDefault("worker.poll_wait", "1s")
	v.SetDefault("worker.pause_on_error", "2s")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "2s")
	v.SetDefault("retry.jitter_min", "0s")
	v.SetDefault("retry.jitter_max", "500ms")

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown", "30s")

	v.SetDefault("reconcile.interval", "1m")
	v.SetDefault("reconcile.stale_after", "10m")
	v.SetDefault("reconcile.retry_sweep_interval", "1s")
	v.SetDefault("reconcile.health_interval", "15s")

	v.SetDefault("providers.default", "gemini")
	v.SetDefault("providers.pricing_file", "")
	v.SetDefault("providers.gemini.api_key", "")
	v.SetDefault("providers.gemini.base_url", "")
	v.SetDefault("providers.gemini.default_model", "gemini-2.0-flash")
	v.SetDefault("providers.gemini.max_requests_per_hour", 0)
	v.SetDefault("providers.openai.api_key", "")
	v.SetDefault("providers.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("providers.openai.default_model", "gpt-4o-mini")
	v.SetDefault("providers.openai.max_requests_per_hour", 0)
}

// Load configuration from environment variables and optionally a config file.
// Environment variables take precedence over values from the file. When
// configFile is empty, config.yaml is looked up in the working directory and
// its absence is not an error.
// Returns a populated Config struct or an error if loading/validation fails.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the struct constraints plus the cross-section rules.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if cfg.Store.Backend == "postgres" && cfg.Store.DatabaseURL == "" {
		return fmt.Errorf("config validation failed: store.database_url is required for the postgres backend")
	}

	// A record may only be reclaimed once its worker's call has timed out.
	if cfg.Reconcile.StaleAfter <= cfg.Worker.RequestTimeout {
		return fmt.Errorf("config validation failed: reconcile.stale_after (%s) must exceed worker.request_timeout (%s)",
			cfg.Reconcile.StaleAfter, cfg.Worker.RequestTimeout)
	}

	providers := cfg.Providers
	var defaultCfg ProviderConfig
	switch providers.Default {
	case "gemini":
		defaultCfg = providers.Gemini
	case "openai":
		defaultCfg = providers.OpenAI
	}
	if !defaultCfg.Enabled() {
		return fmt.Errorf("%w: default provider %q has no api key", ErrNoProvider, providers.Default)
	}

	return nil
}
