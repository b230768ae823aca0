// Package submitter fans a set of URLs out to every configured search engine
// and merges the per-engine outcomes.
package submitter

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Harvey-AU/sitemap-submitter/internal/observability"
	"github.com/Harvey-AU/sitemap-submitter/internal/provider"
	"github.com/Harvey-AU/sitemap-submitter/internal/retry"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoProviders is returned when the submitter has nothing to dispatch to
	ErrNoProviders = errors.New("no search engine providers configured")
	// ErrAllProvidersFailed is returned when every provider failed to initialise
	ErrAllProvidersFailed = errors.New("all search engine providers failed to initialise")
)

// Summary counts engines by outcome for one submission
type Summary struct {
	TotalEngines      int `json:"totalEngines"`
	SuccessfulEngines int `json:"successfulEngines"`
	FailedEngines     int `json:"failedEngines"`
}

// AggregateResult merges every provider's result for one cycle
type AggregateResult struct {
	Success       bool              `json:"success"`
	TotalURLs     int               `json:"totalUrls"`
	SubmittedURLs []string          `json:"submittedUrls"`
	FailedURLs    []string          `json:"failedUrls"`
	Results       []provider.Result `json:"results"`
	Summary       Summary           `json:"summary"`
}

// ByProvider indexes Results by provider name
func (a AggregateResult) ByProvider() map[provider.Name]provider.Result {
	out := make(map[provider.Name]provider.Result, len(a.Results))
	for _, r := range a.Results {
		out[r.Provider] = r
	}
	return out
}

// Kinds returns the error kind of every failed URL across providers
func (a AggregateResult) Kinds() []retry.Kind {
	var kinds []retry.Kind
	for _, r := range a.Results {
		kinds = append(kinds, r.Kinds()...)
	}
	return kinds
}

// EngineStats are cumulative URL counts for one provider
type EngineStats struct {
	Submitted  int `json:"submitted"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// Stats are cumulative across SubmitURLs calls until ResetStats
type Stats struct {
	TotalSubmissions      int                            `json:"totalSubmissions"`
	SuccessfulSubmissions int                            `json:"successfulSubmissions"`
	FailedSubmissions     int                            `json:"failedSubmissions"`
	SuccessRate           int                            `json:"successRate"`
	Engines               map[provider.Name]*EngineStats `json:"engines"`
}

// Connection is one provider's health probe outcome
type Connection struct {
	Connected bool            `json:"connected"`
	Status    provider.Status `json:"status"`
}

// ConnectionReport is the result of CheckConnections
type ConnectionReport struct {
	Engines          map[provider.Name]Connection `json:"engines"`
	ConnectedEngines int                          `json:"connectedEngines"`
	TotalEngines     int                          `json:"totalEngines"`
}

// Submitter dispatches URLs to providers concurrently
type Submitter struct {
	clients []provider.Client
	retrier *retry.Retrier

	mu       sync.Mutex
	initErrs map[provider.Name]error
	stats    Stats
}

// New creates a Submitter over clients. A nil retrier uses the default policy.
func New(clients []provider.Client, retrier *retry.Retrier) *Submitter {
	if retrier == nil {
		retrier = retry.New(retry.DefaultConfig())
	}
	s := &Submitter{
		clients:  clients,
		retrier:  retrier,
		initErrs: make(map[provider.Name]error),
	}
	s.stats = newStats(clients)
	return s
}

func newStats(clients []provider.Client) Stats {
	engines := make(map[provider.Name]*EngineStats, len(clients))
	for _, c := range clients {
		engines[c.Name()] = &EngineStats{}
	}
	return Stats{Engines: engines}
}

// Clients returns the configured providers
func (s *Submitter) Clients() []provider.Client {
	return s.clients
}

// Initialize initialises every provider in parallel. It only fails when all of them do.
func (s *Submitter) Initialize(ctx context.Context) error {
	if len(s.clients) == 0 {
		return ErrNoProviders
	}

	log.Info().Int("providers", len(s.clients)).Msg("Initialising search engine submitter")

	errs := make([]error, len(s.clients))
	var g errgroup.Group
	for i, client := range s.clients {
		i, client := i, client
		g.Go(func() error {
			name := client.Name()
			err := s.retrier.Run(ctx, fmt.Sprintf("%s initialize", name), client.Initialize)
			if err != nil {
				log.Error().Err(err).Str("provider", string(name)).Msg("Provider initialisation failed")
				errs[i] = fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	failed := 0
	for i, client := range s.clients {
		if errs[i] != nil {
			s.initErrs[client.Name()] = errs[i]
			failed++
		} else {
			delete(s.initErrs, client.Name())
		}
	}

	if failed == len(s.clients) {
		return fmt.Errorf("%w: %w", ErrAllProvidersFailed, errors.Join(errs...))
	}
	if failed > 0 {
		log.Warn().
			Int("failed", failed).
			Int("providers", len(s.clients)).
			Msg("Some providers failed to initialise, continuing with the rest")
	}

	log.Info().Int("ready", len(s.clients)-failed).Msg("Search engine submitter initialised")
	return nil
}

func (s *Submitter) initErr(name provider.Name) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initErrs[name]
}

// SubmitURLs sends urls to every provider concurrently and waits for all of them.
// A provider that errors or panics yields a failed result without affecting the others.
func (s *Submitter) SubmitURLs(ctx context.Context, urls []string) AggregateResult {
	if len(urls) == 0 {
		log.Warn().Msg("No URLs to submit")
		return AggregateResult{
			Success:       true,
			SubmittedURLs: []string{},
			FailedURLs:    []string{},
			Results:       []provider.Result{},
		}
	}

	log.Info().
		Int("urls", len(urls)).
		Int("providers", len(s.clients)).
		Msg("Submitting URLs to search engines")

	results := make([]provider.Result, len(s.clients))
	var g errgroup.Group
	for i, client := range s.clients {
		i, client := i, client
		g.Go(func() error {
			results[i] = s.submitOne(ctx, client, urls)
			return nil
		})
	}
	_ = g.Wait()

	aggregate := aggregate(urls, results)
	s.updateStats(aggregate)
	logSummary(aggregate)

	return aggregate
}

func (s *Submitter) submitOne(ctx context.Context, client provider.Client, urls []string) (result provider.Result) {
	name := client.Name()
	start := time.Now()

	ctx, span := observability.StartProviderSpan(ctx, string(name), len(urls))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("provider", string(name)).
				Str("stack", string(debug.Stack())).
				Msg("Provider submission panicked")
			result = provider.FailedResult(name, urls, fmt.Errorf("%s: panic during submission: %v", name, r), provider.QuotaInfo{})
		}

		span.SetAttributes(
			attribute.String("provider.status", string(result.Status)),
			attribute.Int("provider.submitted", len(result.SubmittedURLs)),
			attribute.Int("provider.failed", len(result.FailedURLs)),
		)
		if !result.Success {
			span.SetStatus(codes.Error, "provider submission failed")
		}

		observability.RecordProviderSubmission(ctx, observability.ProviderMetrics{
			Provider:       string(name),
			Status:         string(result.Status),
			Submitted:      len(result.SubmittedURLs),
			Failed:         len(result.FailedURLs),
			QuotaRemaining: result.Quota.Remaining,
			Duration:       time.Since(start),
		})
	}()

	if err := s.initErr(name); err != nil {
		log.Warn().Err(err).Str("provider", string(name)).Msg("Skipping provider that failed to initialise")
		return provider.FailedResult(name, urls, err, client.QuotaInfo())
	}

	log.Info().Str("provider", string(name)).Int("urls", len(urls)).Msg("Submitting to provider")

	result, err := retry.Do(ctx, s.retrier, fmt.Sprintf("%s submit", name), func(ctx context.Context) (provider.Result, error) {
		return client.SubmitURLs(ctx, urls)
	})
	if err != nil {
		span.RecordError(err)
		return provider.FailedResult(name, urls, err, client.QuotaInfo())
	}
	if result.Provider == "" {
		result.Provider = name
	}
	return result
}

// aggregate merges results; a URL counts as submitted when any provider accepted it
func aggregate(urls []string, results []provider.Result) AggregateResult {
	accepted := make(map[string]struct{})
	out := AggregateResult{
		TotalURLs:     len(urls),
		SubmittedURLs: []string{},
		FailedURLs:    []string{},
		Results:       results,
		Summary:       Summary{TotalEngines: len(results)},
	}

	for _, r := range results {
		if r.Success {
			out.Summary.SuccessfulEngines++
		} else {
			out.Summary.FailedEngines++
		}
		for _, u := range r.SubmittedURLs {
			accepted[u] = struct{}{}
		}
	}

	seen := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		if _, ok := accepted[u]; ok {
			out.SubmittedURLs = append(out.SubmittedURLs, u)
		} else {
			out.FailedURLs = append(out.FailedURLs, u)
		}
	}

	out.Success = out.Summary.SuccessfulEngines > 0
	return out
}

func (s *Submitter) updateStats(a AggregateResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.TotalSubmissions++
	if a.Success {
		s.stats.SuccessfulSubmissions++
	} else {
		s.stats.FailedSubmissions++
	}

	for _, r := range a.Results {
		engine, ok := s.stats.Engines[r.Provider]
		if !ok {
			engine = &EngineStats{}
			s.stats.Engines[r.Provider] = engine
		}
		engine.Submitted += len(r.SubmittedURLs) + len(r.FailedURLs)
		engine.Successful += len(r.SubmittedURLs)
		engine.Failed += len(r.FailedURLs)
	}
}

func logSummary(a AggregateResult) {
	rate := 0
	if a.TotalURLs > 0 {
		rate = int(float64(len(a.SubmittedURLs))/float64(a.TotalURLs)*100 + 0.5)
	}

	event := log.Info()
	msg := "URL submission completed"
	if !a.Success {
		event = log.Error()
		msg = "URL submission failed"
	}
	event.
		Int("total_urls", a.TotalURLs).
		Int("submitted_urls", len(a.SubmittedURLs)).
		Int("failed_urls", len(a.FailedURLs)).
		Int("successful_engines", a.Summary.SuccessfulEngines).
		Int("total_engines", a.Summary.TotalEngines).
		Int("success_rate", rate).
		Msg(msg)

	for _, r := range a.Results {
		log.Info().
			Str("provider", string(r.Provider)).
			Str("status", string(r.Status)).
			Int("submitted", len(r.SubmittedURLs)).
			Int("failed", len(r.FailedURLs)).
			Int("quota_remaining", r.Quota.Remaining).
			Msg("Provider result")
	}
}

// Stats returns a copy of the cumulative statistics
func (s *Submitter) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.stats
	out.Engines = make(map[provider.Name]*EngineStats, len(s.stats.Engines))
	for name, e := range s.stats.Engines {
		copied := *e
		out.Engines[name] = &copied
	}
	if out.TotalSubmissions > 0 {
		out.SuccessRate = int(float64(out.SuccessfulSubmissions)/float64(out.TotalSubmissions)*100 + 0.5)
	}
	return out
}

// ResetStats clears the cumulative statistics
func (s *Submitter) ResetStats() {
	s.mu.Lock()
	s.stats = newStats(s.clients)
	s.mu.Unlock()
	log.Info().Msg("Submission statistics reset")
}

// CheckConnections probes every provider in parallel
func (s *Submitter) CheckConnections(ctx context.Context) ConnectionReport {
	connected := make([]bool, len(s.clients))
	var g errgroup.Group
	for i, client := range s.clients {
		i, client := i, client
		g.Go(func() error {
			connected[i] = client.CheckConnection(ctx)
			return nil
		})
	}
	_ = g.Wait()

	report := ConnectionReport{
		Engines:      make(map[provider.Name]Connection, len(s.clients)),
		TotalEngines: len(s.clients),
	}
	for i, client := range s.clients {
		report.Engines[client.Name()] = Connection{Connected: connected[i], Status: client.Status()}
		if connected[i] {
			report.ConnectedEngines++
		}
		log.Info().
			Str("provider", string(client.Name())).
			Bool("connected", connected[i]).
			Msg("Connection check")
	}
	return report
}

// QuotaInfo returns every provider's quota
func (s *Submitter) QuotaInfo() map[provider.Name]provider.QuotaInfo {
	out := make(map[provider.Name]provider.QuotaInfo, len(s.clients))
	for _, c := range s.clients {
		out[c.Name()] = c.QuotaInfo()
	}
	return out
}

// ResetQuotas zeroes every provider's used count
func (s *Submitter) ResetQuotas() {
	for _, c := range s.clients {
		c.ResetQuota()
	}
	log.Info().Msg("All provider quotas reset")
}
