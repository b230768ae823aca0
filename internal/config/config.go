// Package config loads the submitter settings from an optional file, defaults and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Harvey-AU/sitemap-submitter/internal/cache"
	"github.com/Harvey-AU/sitemap-submitter/internal/db"
	"github.com/Harvey-AU/sitemap-submitter/internal/provider"
	"github.com/Harvey-AU/sitemap-submitter/internal/retry"
	"github.com/Harvey-AU/sitemap-submitter/internal/sitemap"
	"github.com/spf13/viper"
)

// Config stores all configuration for the submitter
type Config struct {
	Sitemap       SitemapConfig       `mapstructure:"sitemap"`
	Detector      DetectorConfig      `mapstructure:"detector"`
	Normalizer    NormalizerConfig    `mapstructure:"normalizer"`
	Google        GoogleConfig        `mapstructure:"google"`
	Bing          BingConfig          `mapstructure:"bing"`
	Retry         RetryConfig         `mapstructure:"retry"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Observability ObservabilityConfig `mapstructure:"observability"`

	MockAPICalls     bool    `mapstructure:"mock_api_calls"`
	MockFailureRate  float64 `mapstructure:"mock_failure_rate"`
	DisableGoogleAPI bool    `mapstructure:"disable_google_api"`
	DisableBingAPI   bool    `mapstructure:"disable_bing_api"`
}

type SitemapConfig struct {
	URL       string        `mapstructure:"url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

type DetectorConfig struct {
	FirstRunLimit    int `mapstructure:"first_run_limit"`
	AnomalyThreshold int `mapstructure:"anomaly_threshold"`
	AnomalyLimit     int `mapstructure:"anomaly_limit"`
}

type NormalizerConfig struct {
	RestrictToDomain bool `mapstructure:"restrict_to_domain"`
}

type GoogleConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	ServiceAccountKey string        `mapstructure:"service_account_key"`
	QuotaLimit        int           `mapstructure:"quota_limit"`
	Endpoint          string        `mapstructure:"endpoint"`
	Scopes            []string      `mapstructure:"scopes"`
	RequestInterval   time.Duration `mapstructure:"request_interval"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

type BingConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	APIKey        string        `mapstructure:"api_key"`
	QuotaLimit    int           `mapstructure:"quota_limit"`
	Endpoint      string        `mapstructure:"endpoint"`
	Mode          string        `mapstructure:"mode"`
	KeyLocation   string        `mapstructure:"key_location"`
	BatchSize     int           `mapstructure:"batch_size"`
	BatchInterval time.Duration `mapstructure:"batch_interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type RetryConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
}

type CacheConfig struct {
	Directory         string        `mapstructure:"directory"`
	SitemapFile       string        `mapstructure:"sitemap_file"`
	SubmissionLogFile string        `mapstructure:"submission_log_file"`
	MaxHistory        int           `mapstructure:"max_history"`
	MaxAge            time.Duration `mapstructure:"max_age"`
	PersistQuota      bool          `mapstructure:"persist_quota"`
}

type NotificationsConfig struct {
	SlackWebhookURL string `mapstructure:"slack_webhook_url"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type ObservabilityConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPHeaders  string `mapstructure:"otlp_headers"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
	MetricsFile  string `mapstructure:"metrics_file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sitemap.url", "")
	v.SetDefault("sitemap.timeout", 30*time.Second)
	v.SetDefault("sitemap.user_agent", "SitemapSubmitter/1.0")

	v.SetDefault("detector.first_run_limit", 5)
	v.SetDefault("detector.anomaly_threshold", 20)
	v.SetDefault("detector.anomaly_limit", 10)

	v.SetDefault("normalizer.restrict_to_domain", true)

	v.SetDefault("google.enabled", true)
	v.SetDefault("google.service_account_key", "")
	v.SetDefault("google.quota_limit", 200)
	v.SetDefault("google.endpoint", provider.DefaultGoogleEndpoint)
	v.SetDefault("google.scopes", []string{provider.GoogleIndexingScope})
	v.SetDefault("google.request_interval", 100*time.Millisecond)
	v.SetDefault("google.timeout", 30*time.Second)

	v.SetDefault("bing.enabled", true)
	v.SetDefault("bing.api_key", "")
	v.SetDefault("bing.quota_limit", 10000)
	// Empty lets the client pick the endpoint for the mode
	v.SetDefault("bing.endpoint", "")
	v.SetDefault("bing.mode", string(provider.ModeIndexNow))
	v.SetDefault("bing.key_location", "")
	v.SetDefault("bing.batch_size", 10)
	v.SetDefault("bing.batch_interval", time.Second)
	v.SetDefault("bing.timeout", 30*time.Second)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_delay", time.Second)
	v.SetDefault("retry.backoff_multiplier", 2.0)

	v.SetDefault("cache.directory", cache.DefaultDirectory)
	v.SetDefault("cache.sitemap_file", cache.DefaultSitemapFile)
	v.SetDefault("cache.submission_log_file", cache.DefaultSubmissionLogFile)
	v.SetDefault("cache.max_history", cache.DefaultMaxHistory)
	v.SetDefault("cache.max_age", time.Duration(0))
	v.SetDefault("cache.persist_quota", false)

	v.SetDefault("notifications.slack_webhook_url", "")
	v.SetDefault("database.url", "")

	v.SetDefault("observability.enabled", false)
	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.otlp_headers", "")
	v.SetDefault("observability.otlp_insecure", false)
	v.SetDefault("observability.metrics_file", "")

	v.SetDefault("mock_api_calls", false)
	v.SetDefault("mock_failure_rate", provider.DefaultMockFailureRate)
	v.SetDefault("disable_google_api", false)
	v.SetDefault("disable_bing_api", false)
}

// Load reads configuration. With an empty path, submission.{json,yaml} is looked
// up in . and ./config and may be absent. Environment variables override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("notifications.slack_webhook_url", "NOTIFICATIONS_SLACK_WEBHOOK_URL", "SLACK_WEBHOOK_URL")
	_ = v.BindEnv("observability.otlp_endpoint", "OBSERVABILITY_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = v.BindEnv("observability.otlp_headers", "OBSERVABILITY_OTLP_HEADERS", "OTEL_EXPORTER_OTLP_HEADERS")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("submission")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error

	if c.Sitemap.URL == "" {
		errs = append(errs, errors.New("sitemap.url is required"))
	} else if u, err := url.Parse(c.Sitemap.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("sitemap.url %q is not a valid http(s) URL", c.Sitemap.URL))
	}

	if c.Google.QuotaLimit <= 0 {
		errs = append(errs, errors.New("google.quota_limit must be positive"))
	}
	if c.Bing.QuotaLimit <= 0 {
		errs = append(errs, errors.New("bing.quota_limit must be positive"))
	}
	if c.Bing.BatchSize <= 0 {
		errs = append(errs, errors.New("bing.batch_size must be positive"))
	}
	switch provider.BingMode(c.Bing.Mode) {
	case provider.ModeIndexNow, provider.ModeLegacy:
	default:
		errs = append(errs, fmt.Errorf("bing.mode %q must be %q or %q", c.Bing.Mode, provider.ModeIndexNow, provider.ModeLegacy))
	}

	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("retry.max_attempts must be positive"))
	}
	if c.Retry.BackoffMultiplier < 1 {
		errs = append(errs, errors.New("retry.backoff_multiplier must be at least 1"))
	}

	if c.Detector.FirstRunLimit <= 0 || c.Detector.AnomalyLimit <= 0 || c.Detector.AnomalyThreshold <= 0 {
		errs = append(errs, errors.New("detector limits must be positive"))
	}
	if c.MockFailureRate < 0 || c.MockFailureRate > 1 {
		errs = append(errs, errors.New("mock_failure_rate must be between 0 and 1"))
	}

	return errors.Join(errs...)
}

// GoogleEnabled reports whether the Google client should be built
func (c *Config) GoogleEnabled() bool {
	return c.Google.Enabled && !c.DisableGoogleAPI
}

// BingEnabled reports whether the Bing client should be built
func (c *Config) BingEnabled() bool {
	return c.Bing.Enabled && !c.DisableBingAPI
}

// ValidateCredentials names every missing credential variable for the enabled providers
func (c *Config) ValidateCredentials() error {
	if c.MockAPICalls {
		return nil
	}

	var missing []string
	if c.GoogleEnabled() && c.Google.ServiceAccountKey == "" {
		missing = append(missing, "GOOGLE_SERVICE_ACCOUNT_KEY")
	}
	if c.BingEnabled() && c.Bing.APIKey == "" {
		missing = append(missing, "BING_API_KEY")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// DetectorSettings converts the sitemap and detector sections
func (c *Config) DetectorSettings() sitemap.Config {
	cfg := sitemap.DefaultConfig(c.Sitemap.URL)
	cfg.Timeout = c.Sitemap.Timeout
	if c.Sitemap.UserAgent != "" {
		cfg.UserAgent = c.Sitemap.UserAgent
	}
	cfg.FirstRunLimit = c.Detector.FirstRunLimit
	cfg.AnomalyThreshold = c.Detector.AnomalyThreshold
	cfg.AnomalyLimit = c.Detector.AnomalyLimit
	return cfg
}

// GoogleSettings converts the google section
func (c *Config) GoogleSettings() provider.GoogleConfig {
	return provider.GoogleConfig{
		ServiceAccountKey: c.Google.ServiceAccountKey,
		Endpoint:          c.Google.Endpoint,
		Scopes:            c.Google.Scopes,
		QuotaLimit:        c.Google.QuotaLimit,
		RequestInterval:   c.Google.RequestInterval,
		Timeout:           c.Google.Timeout,
	}
}

// BingSettings converts the bing section
func (c *Config) BingSettings() provider.BingConfig {
	return provider.BingConfig{
		APIKey:        c.Bing.APIKey,
		SitemapURL:    c.Sitemap.URL,
		Endpoint:      c.Bing.Endpoint,
		Mode:          provider.BingMode(c.Bing.Mode),
		KeyLocation:   c.Bing.KeyLocation,
		QuotaLimit:    c.Bing.QuotaLimit,
		BatchSize:     c.Bing.BatchSize,
		BatchInterval: c.Bing.BatchInterval,
		Timeout:       c.Bing.Timeout,
	}
}

// RetrySettings converts the retry section
func (c *Config) RetrySettings() retry.Config {
	return retry.Config{
		MaxAttempts:  c.Retry.MaxAttempts,
		InitialDelay: c.Retry.InitialDelay,
		Multiplier:   c.Retry.BackoffMultiplier,
	}
}

// CacheSettings converts the cache section
func (c *Config) CacheSettings() cache.Config {
	return cache.Config{
		Directory:         c.Cache.Directory,
		SitemapFile:       c.Cache.SitemapFile,
		SubmissionLogFile: c.Cache.SubmissionLogFile,
		MaxHistory:        c.Cache.MaxHistory,
	}
}

// DatabaseSettings converts the database section
func (c *Config) DatabaseSettings() *db.Config {
	return &db.Config{DatabaseURL: c.Database.URL}
}

// OTLPHeaders parses "k=v,k2=v2" pairs, skipping malformed entries
func (c *Config) OTLPHeaders() map[string]string {
	headers := make(map[string]string)
	raw := strings.TrimSpace(c.Observability.OTLPHeaders)
	if raw == "" {
		return headers
	}

	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers
}
