// Package pipeline runs one submission cycle: detect sitemap changes, normalise
// the new URLs, dispatch them to the search engines and record the outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Harvey-AU/sitemap-submitter/internal/cache"
	"github.com/Harvey-AU/sitemap-submitter/internal/notifications"
	"github.com/Harvey-AU/sitemap-submitter/internal/observability"
	"github.com/Harvey-AU/sitemap-submitter/internal/provider"
	"github.com/Harvey-AU/sitemap-submitter/internal/retry"
	"github.com/Harvey-AU/sitemap-submitter/internal/sitemap"
	"github.com/Harvey-AU/sitemap-submitter/internal/submitter"
	"github.com/Harvey-AU/sitemap-submitter/internal/util"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// State is the pipeline's position within a cycle
type State string

const (
	StateIdle        State = "IDLE"
	StateDetecting   State = "DETECTING"
	StateNormalizing State = "NORMALIZING"
	StateDispatching State = "DISPATCHING"
	StateRecording   State = "RECORDING"
)

// Outcome is how a cycle ended
type Outcome string

const (
	OutcomeNoChanges   Outcome = "no_changes"
	OutcomeNoValidURLs Outcome = "no_valid_urls"
	OutcomeTestMode    Outcome = "test_mode"
	OutcomeSubmitted   Outcome = "submitted"
	OutcomeFailed      Outcome = "failed"
	OutcomeError       Outcome = "error"
)

// Detector finds the URLs added to the sitemap since the last cycle
type Detector interface {
	DetectChanges(ctx context.Context) (*sitemap.DetectResult, error)
}

// Dispatcher submits URLs to every configured search engine
type Dispatcher interface {
	Initialize(ctx context.Context) error
	SubmitURLs(ctx context.Context, urls []string) submitter.AggregateResult
	Clients() []provider.Client
	QuotaInfo() map[provider.Name]provider.QuotaInfo
	Stats() submitter.Stats
}

// Store persists snapshots, submission history and quota usage
type Store interface {
	SaveSitemapCache(snapshot *sitemap.Snapshot) error
	RecordSubmission(record cache.SubmissionRecord) cache.SubmissionRecord
	LoadQuotaUsage() map[provider.Name]int
	SaveQuotaUsage(used map[provider.Name]int) error
}

// Mirror receives a copy of every recorded submission
type Mirror interface {
	Record(ctx context.Context, record cache.SubmissionRecord) error
}

// Notifier announces a finished cycle
type Notifier interface {
	Notify(ctx context.Context, summary notifications.Summary) error
}

// Options control a Pipeline's behaviour
type Options struct {
	SitemapURL string
	// TestMode stops after normalisation, so nothing is submitted or recorded
	TestMode bool
	// PersistQuota restores and saves per-day provider usage through the Store
	PersistQuota bool
}

// Deps are the collaborators of a Pipeline. Mirror and Notifier are optional.
type Deps struct {
	Detector   Detector
	Normaliser *util.Normaliser
	Dispatcher Dispatcher
	Store      Store
	Retrier    *retry.Retrier
	Mirror     Mirror
	Notifier   Notifier
}

// Result describes a finished cycle
type Result struct {
	Outcome        Outcome
	Detect         *sitemap.DetectResult
	NormalisedURLs []string
	Categories     map[util.Category][]string
	Submission     *submitter.AggregateResult
	Record         *cache.SubmissionRecord
	Report         *retry.Report
	Duration       time.Duration
}

// Pipeline runs submission cycles. Concurrent Run calls on pipelines sharing a
// Store must be serialised by the caller.
type Pipeline struct {
	deps Deps
	opts Options

	mu    sync.RWMutex
	state State
}

// New creates a Pipeline
func New(deps Deps, opts Options) *Pipeline {
	if deps.Retrier == nil {
		deps.Retrier = retry.New(retry.DefaultConfig())
	}
	if deps.Normaliser == nil {
		deps.Normaliser = util.NewNormaliser(opts.SitemapURL, true)
	}
	return &Pipeline{deps: deps, opts: opts, state: StateIdle}
}

// State returns the current state
func (p *Pipeline) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	prev := p.state
	p.state = s
	p.mu.Unlock()

	log.Debug().Str("from", string(prev)).Str("to", string(s)).Msg("Pipeline state changed")
}

// Run executes one cycle. Errors are returned only for failures that leave no
// meaningful work possible: sitemap detection, or every provider failing to initialise.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	ctx, span := observability.StartPipelineSpan(ctx, p.opts.SitemapURL, p.opts.TestMode)
	defer span.End()
	defer p.setState(StateIdle)

	result, err := p.run(ctx, start)
	if result == nil {
		result = &Result{}
	}
	if err != nil {
		result.Outcome = OutcomeError
	}
	result.Duration = time.Since(start)

	span.SetAttributes(attribute.String("pipeline.outcome", string(result.Outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	observability.RecordRun(ctx, string(result.Outcome))

	log.Info().
		Str("outcome", string(result.Outcome)).
		Dur("duration", result.Duration).
		Msg("Submission cycle finished")

	return result, err
}

func (p *Pipeline) run(ctx context.Context, start time.Time) (*Result, error) {
	p.setState(StateDetecting)
	detected, err := p.detect(ctx)
	if err != nil {
		return nil, err
	}
	result := &Result{Detect: detected}

	if len(detected.NewURLs) == 0 {
		log.Info().Msg("No new URLs to submit")
		result.Outcome = OutcomeNoChanges
		return result, nil
	}

	// Saved before normalisation, test mode included
	if detected.Current != nil {
		if err := p.deps.Store.SaveSitemapCache(detected.Current); err != nil {
			log.Warn().Err(err).Msg("Failed to save sitemap snapshot")
		}
	}

	p.setState(StateNormalizing)
	urls, stats := p.deps.Normaliser.Normalise(detected.NewURLs)
	result.NormalisedURLs = urls
	if len(urls) == 0 {
		log.Warn().
			Int("input", stats.Input).
			Int("invalid", stats.Invalid).
			Int("duplicates", stats.Duplicates).
			Msg("No valid URLs left after normalisation")
		result.Outcome = OutcomeNoValidURLs
		return result, nil
	}

	result.Categories = p.deps.Normaliser.Categorise(urls)
	categoryCounts := make(map[string]int, len(result.Categories))
	for category, members := range result.Categories {
		categoryCounts[string(category)] = len(members)
	}
	log.Info().
		Int("urls", len(urls)).
		Interface("categories", categoryCounts).
		Msg("URLs normalised")

	if p.opts.TestMode {
		log.Info().Strs("urls", urls).Msg("Test mode, skipping submission")
		result.Outcome = OutcomeTestMode
		return result, nil
	}

	p.setState(StateDispatching)
	if err := p.deps.Dispatcher.Initialize(ctx); err != nil {
		return result, fmt.Errorf("failed to initialise submitter: %w", err)
	}
	if p.opts.PersistQuota {
		p.restoreQuota()
	}

	submission := p.deps.Dispatcher.SubmitURLs(ctx, urls)
	result.Submission = &submission
	result.Outcome = OutcomeSubmitted
	if !submission.Success {
		result.Outcome = OutcomeFailed
	}

	p.setState(StateRecording)
	p.record(ctx, result, start)

	return result, nil
}

func (p *Pipeline) detect(ctx context.Context) (*sitemap.DetectResult, error) {
	ctx, span := observability.StartDetectSpan(ctx, p.opts.SitemapURL)
	defer span.End()

	detected, err := retry.Do(ctx, p.deps.Retrier, "detect sitemap changes", p.deps.Detector.DetectChanges)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sitemap detection failed")
		return nil, fmt.Errorf("failed to detect sitemap changes: %w", err)
	}

	span.SetAttributes(
		attribute.Int("sitemap.url_count", len(detected.Current.Locations())),
		attribute.Int("sitemap.new_urls", len(detected.NewURLs)),
		attribute.String("sitemap.diff_mode", string(detected.Delta.Mode)),
	)
	return detected, nil
}

func (p *Pipeline) restoreQuota() {
	used := p.deps.Store.LoadQuotaUsage()
	for _, c := range p.deps.Dispatcher.Clients() {
		if n, ok := used[c.Name()]; ok {
			c.RestoreQuota(n)
			log.Debug().Str("provider", string(c.Name())).Int("used", n).Msg("Restored quota usage")
		}
	}
}

// record persists the cycle. Every step here is best-effort.
func (p *Pipeline) record(ctx context.Context, result *Result, start time.Time) {
	submission := result.Submission

	record := p.deps.Store.RecordSubmission(cache.SubmissionRecord{
		Success:       submission.Success,
		TotalURLs:     submission.TotalURLs,
		SubmittedURLs: submission.SubmittedURLs,
		FailedURLs:    submission.FailedURLs,
		Providers:     submission.ByProvider(),
	})
	result.Record = &record

	quota := p.deps.Dispatcher.QuotaInfo()
	if p.opts.PersistQuota {
		used := make(map[provider.Name]int, len(quota))
		for name, q := range quota {
			used[name] = q.Used
		}
		if err := p.deps.Store.SaveQuotaUsage(used); err != nil {
			log.Warn().Err(err).Msg("Failed to persist quota usage")
		}
	}

	if p.deps.Mirror != nil {
		if err := p.deps.Mirror.Record(ctx, record); err != nil {
			log.Warn().Err(err).Str("submission_id", record.ID).Msg("Failed to mirror submission to database")
		}
	}

	outcomes := make([]retry.Outcome, 0, len(submission.Results))
	for _, r := range submission.Results {
		outcomes = append(outcomes, retry.Outcome{Success: r.Success, Kinds: r.Kinds()})
	}
	report := retry.BuildReport(outcomes)
	result.Report = &report
	topErrors := retry.Tally(submission.Kinds())

	for _, rec := range report.Recommendations {
		log.Warn().Str("recommendation", rec).Msg("Submission error recommendation")
	}

	stats := p.deps.Dispatcher.Stats()
	log.Info().
		Int("total_submissions", stats.TotalSubmissions).
		Int("success_rate", stats.SuccessRate).
		Interface("quota", quota).
		Msg("Submission statistics")

	if p.deps.Notifier != nil {
		summary := buildSummary(p.opts.SitemapURL, submission, topErrors, time.Since(start))
		if err := p.deps.Notifier.Notify(ctx, summary); err != nil {
			log.Warn().Err(err).Msg("Failed to send submission notification")
		}
	}
}

func buildSummary(sitemapURL string, a *submitter.AggregateResult, topErrors []retry.KindCount, d time.Duration) notifications.Summary {
	summary := notifications.Summary{
		SitemapURL: sitemapURL,
		Success:    a.Success,
		TotalURLs:  a.TotalURLs,
		Submitted:  len(a.SubmittedURLs),
		Failed:     len(a.FailedURLs),
		TopErrors:  topErrors,
		Duration:   d,
	}
	for _, r := range a.Results {
		summary.Providers = append(summary.Providers, notifications.ProviderSummary{
			Name:           string(r.Provider),
			Status:         string(r.Status),
			Submitted:      len(r.SubmittedURLs),
			Failed:         len(r.FailedURLs),
			QuotaRemaining: r.Quota.Remaining,
			QuotaLimit:     r.Quota.Limit,
		})
	}
	return summary
}

// IsDetectionError reports whether err came from the sitemap detection stage
func IsDetectionError(err error) bool {
	var fetchErr *sitemap.FetchError
	var parseErr *sitemap.ParseError
	return errors.As(err, &fetchErr) || errors.As(err, &parseErr)
}
