package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Harvey-AU/sitemap-submitter/internal/cache"
	"github.com/Harvey-AU/sitemap-submitter/internal/config"
	"github.com/Harvey-AU/sitemap-submitter/internal/db"
	"github.com/Harvey-AU/sitemap-submitter/internal/notifications"
	"github.com/Harvey-AU/sitemap-submitter/internal/observability"
	"github.com/Harvey-AU/sitemap-submitter/internal/pipeline"
	"github.com/Harvey-AU/sitemap-submitter/internal/provider"
	"github.com/Harvey-AU/sitemap-submitter/internal/retry"
	"github.com/Harvey-AU/sitemap-submitter/internal/sitemap"
	"github.com/Harvey-AU/sitemap-submitter/internal/submitter"
	"github.com/Harvey-AU/sitemap-submitter/internal/util"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

const serviceName = "sitemap-submitter"

// options are the command line flags
type options struct {
	testMode         bool
	configPath       string
	checkConnections bool
	stats            bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	fs.BoolVar(&opts.testMode, "test", false, "detect and normalise without submitting")
	fs.StringVar(&opts.configPath, "config", "", "path to a JSON or YAML config file")
	fs.BoolVar(&opts.checkConnections, "check-connections", false, "probe every search engine and exit")
	fs.BoolVar(&opts.stats, "stats", false, "print cache and submission statistics and exit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

// setupLogging configures the logging system
func setupLogging(env, level string) {
	parsed := zerolog.InfoLevel
	if level != "" {
		var err error
		parsed, err = zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			parsed = zerolog.WarnLevel
		}
	}
	zerolog.SetGlobalLevel(parsed)

	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		return
	}
	log.Logger = zerolog.New(os.Stderr).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

func getEnvWithDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	// Load .env files - .env.local takes priority for development
	godotenv.Load(".env.local", ".env")

	env := getEnvWithDefault("APP_ENV", "production")
	setupLogging(env, os.Getenv("LOG_LEVEL"))

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              dsn,
			Environment:      env,
			AttachStacktrace: true,
			Debug:            env == "development",
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			log.Info().Str("environment", env).Msg("Sentry initialised successfully")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, env)
	stop()

	sentry.Flush(2 * time.Second)
	os.Exit(code)
}

// run executes one invocation and returns the process exit code
func run(ctx context.Context, args []string, stdout io.Writer, env string) int {
	opts, err := parseFlags(args)
	if err != nil {
		log.Error().Err(err).Msg("Invalid command line")
		return 1
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fail(err, "Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		return fail(err, "Invalid configuration")
	}

	obs := initObservability(ctx, cfg, env)
	defer shutdownObservability(obs, cfg.Observability.MetricsFile)

	store := cache.NewManager(cfg.CacheSettings())
	if err := store.Initialize(); err != nil {
		return fail(err, "Failed to initialise cache")
	}
	if cfg.Cache.MaxAge > 0 {
		store.CleanupExpiredCache(cfg.Cache.MaxAge)
	}

	retrier := retry.New(cfg.RetrySettings())

	var database *db.DB
	if cfg.Database.URL != "" {
		database, err = db.New(ctx, cfg.DatabaseSettings(), retrier)
		if err != nil {
			log.Warn().Err(err).Msg("Database unavailable, continuing without submission mirror")
			database = nil
		} else {
			defer database.Close()
		}
	}

	if opts.stats {
		return printStats(ctx, stdout, store, database)
	}

	if !opts.testMode {
		if err := cfg.ValidateCredentials(); err != nil {
			return fail(err, "Missing credentials")
		}
	}

	sub := submitter.New(buildClients(cfg, obs, retrier), retrier)

	if opts.checkConnections {
		return checkConnections(ctx, stdout, sub)
	}

	deps := pipeline.Deps{
		Detector:   sitemap.NewDetector(cfg.DetectorSettings(), store, observability.HTTPClient(cfg.Sitemap.Timeout, obs)),
		Normaliser: util.NewNormaliser(cfg.Sitemap.URL, cfg.Normalizer.RestrictToDomain),
		Dispatcher: sub,
		Store:      store,
		Retrier:    retrier,
	}
	if database != nil {
		deps.Mirror = database
	}
	if cfg.Notifications.SlackWebhookURL != "" {
		deps.Notifier = notifications.NewSlackNotifier(cfg.Notifications.SlackWebhookURL, observability.HTTPClient(10*time.Second, obs))
	}

	p := pipeline.New(deps, pipeline.Options{
		SitemapURL:   cfg.Sitemap.URL,
		TestMode:     opts.testMode,
		PersistQuota: cfg.Cache.PersistQuota,
	})

	result, err := p.Run(ctx)
	if err != nil {
		msg := "Submission cycle failed"
		if pipeline.IsDetectionError(err) {
			msg = "Sitemap detection failed"
		}
		return fail(err, msg)
	}

	fmt.Fprintf(stdout, "outcome=%s urls=%d duration=%s\n", result.Outcome, len(result.NormalisedURLs), result.Duration.Round(time.Millisecond))
	return 0
}

func fail(err error, msg string) int {
	sentry.CaptureException(err)
	log.Error().Err(err).Msg(msg)
	return 1
}

func initObservability(ctx context.Context, cfg *config.Config, env string) *observability.Providers {
	if !cfg.Observability.Enabled {
		return nil
	}
	obs, err := observability.Init(ctx, observability.Config{
		Enabled:      true,
		ServiceName:  serviceName,
		Environment:  env,
		OTLPEndpoint: strings.TrimSpace(cfg.Observability.OTLPEndpoint),
		OTLPHeaders:  cfg.OTLPHeaders(),
		OTLPInsecure: cfg.Observability.OTLPInsecure,
		MetricsFile:  cfg.Observability.MetricsFile,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialise observability providers")
		return nil
	}
	return obs
}

func shutdownObservability(obs *observability.Providers, metricsFile string) {
	if obs == nil {
		return
	}
	if metricsFile != "" {
		if err := obs.WriteMetricsFile(metricsFile); err != nil {
			log.Warn().Err(err).Str("path", metricsFile).Msg("Failed to write metrics file")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := obs.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
	}
}

// buildClients returns the enabled providers, or mocks of them when API calls are mocked
func buildClients(cfg *config.Config, obs *observability.Providers, retrier *retry.Retrier) []provider.Client {
	var clients []provider.Client

	if cfg.GoogleEnabled() {
		if cfg.MockAPICalls {
			clients = append(clients, provider.NewMockClient(provider.Google, cfg.Google.QuotaLimit, cfg.MockFailureRate))
		} else {
			clients = append(clients, provider.NewGoogleClient(cfg.GoogleSettings(), observability.HTTPClient(cfg.Google.Timeout, obs)).WithRetrier(retrier))
		}
	}
	if cfg.BingEnabled() {
		if cfg.MockAPICalls {
			clients = append(clients, provider.NewMockClient(provider.Bing, cfg.Bing.QuotaLimit, cfg.MockFailureRate))
		} else {
			clients = append(clients, provider.NewBingClient(cfg.BingSettings(), observability.HTTPClient(cfg.Bing.Timeout, obs)).WithRetrier(retrier))
		}
	}

	names := make([]string, len(clients))
	for i, c := range clients {
		names[i] = string(c.Name())
	}
	log.Info().Strs("providers", names).Bool("mock", cfg.MockAPICalls).Msg("Search engine clients configured")

	return clients
}

func checkConnections(ctx context.Context, stdout io.Writer, sub *submitter.Submitter) int {
	if err := sub.Initialize(ctx); err != nil {
		log.Warn().Err(err).Msg("Provider initialisation failed before connection check")
	}

	report := sub.CheckConnections(ctx)
	if err := writeJSON(stdout, report); err != nil {
		log.Error().Err(err).Msg("Failed to print connection report")
	}
	if report.ConnectedEngines == 0 {
		log.Error().Int("total_engines", report.TotalEngines).Msg("No search engine reachable")
		return 1
	}
	return 0
}

type statsOutput struct {
	Cache  cache.Stats        `json:"cache"`
	Recent []db.SubmissionRow `json:"recentSubmissions,omitempty"`
}

func printStats(ctx context.Context, stdout io.Writer, store *cache.Manager, database *db.DB) int {
	out := statsOutput{Cache: store.GetCacheStats()}
	if database != nil {
		recent, err := database.RecentSubmissions(ctx, 10)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load recent submissions")
		}
		out.Recent = recent
	}

	if err := writeJSON(stdout, out); err != nil {
		return fail(err, "Failed to print statistics")
	}
	return 0
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
