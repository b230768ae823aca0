package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Harvey-AU/sitemap-submitter/internal/cache"
	"github.com/Harvey-AU/sitemap-submitter/internal/mocks"
	"github.com/Harvey-AU/sitemap-submitter/internal/notifications"
	"github.com/Harvey-AU/sitemap-submitter/internal/provider"
	"github.com/Harvey-AU/sitemap-submitter/internal/retry"
	"github.com/Harvey-AU/sitemap-submitter/internal/sitemap"
	"github.com/Harvey-AU/sitemap-submitter/internal/submitter"
	"github.com/Harvey-AU/sitemap-submitter/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const siteSitemapURL = "https://example.com/sitemap.xml"

func sitemapBody(entries map[string]string, order ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	b.WriteString(`<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`)
	for _, loc := range order {
		fmt.Fprintf(&b, "<url><loc>%s</loc><lastmod>%s</lastmod></url>", loc, entries[loc])
	}
	b.WriteString(`</urlset>`)
	return b.String()
}

type sitemapServer struct {
	*httptest.Server
	hits   atomic.Int32
	status atomic.Int32
	body   atomic.Value
}

func newSitemapServer(t *testing.T, body string) *sitemapServer {
	t.Helper()
	s := &sitemapServer{}
	s.status.Store(http.StatusOK)
	s.body.Store(body)
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		if code := int(s.status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(s.body.Load().(string)))
	}))
	t.Cleanup(s.Close)
	return s
}

func noSleepRetrier() *retry.Retrier {
	return retry.New(retry.DefaultConfig()).WithSleep(func(context.Context, time.Duration) error { return nil })
}

type recordingNotifier struct {
	summaries []notifications.Summary
	err       error
}

func (n *recordingNotifier) Notify(_ context.Context, s notifications.Summary) error {
	n.summaries = append(n.summaries, s)
	return n.err
}

type recordingMirror struct {
	records []cache.SubmissionRecord
}

func (m *recordingMirror) Record(_ context.Context, r cache.SubmissionRecord) error {
	m.records = append(m.records, r)
	return nil
}

type fixture struct {
	server    *sitemapServer
	store     *cache.Manager
	submitter *submitter.Submitter
	google    *provider.MockClient
	bing      *provider.MockClient
	notifier  *recordingNotifier
	mirror    *recordingMirror
}

func newFixture(t *testing.T, body string) *fixture {
	t.Helper()

	f := &fixture{
		server:   newSitemapServer(t, body),
		store:    cache.NewManager(cache.Config{Directory: filepath.Join(t.TempDir(), "cache")}),
		google:   provider.NewMockClient(provider.Google, 200, 0),
		bing:     provider.NewMockClient(provider.Bing, 0, 0),
		notifier: &recordingNotifier{},
		mirror:   &recordingMirror{},
	}
	require.NoError(t, f.store.Initialize())
	f.submitter = submitter.New([]provider.Client{f.google, f.bing}, noSleepRetrier())
	return f
}

func (f *fixture) pipeline(opts Options) *Pipeline {
	opts.SitemapURL = siteSitemapURL
	detector := sitemap.NewDetector(sitemap.DefaultConfig(f.server.URL+"/sitemap.xml"), f.store, nil)
	return New(Deps{
		Detector:   detector,
		Normaliser: util.NewNormaliser(siteSitemapURL, true),
		Dispatcher: f.submitter,
		Store:      f.store,
		Retrier:    noSleepRetrier(),
		Mirror:     f.mirror,
		Notifier:   f.notifier,
	}, opts)
}

var scenarioEntries = map[string]string{
	"https://example.com/a": "2024-01-01",
	"https://example.com/b": "2024-01-02",
}

func TestRunFirstRunScenario(t *testing.T) {
	f := newFixture(t, sitemapBody(scenarioEntries, "https://example.com/a", "https://example.com/b"))
	p := f.pipeline(Options{})

	result, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeSubmitted, result.Outcome)
	assert.Equal(t, StateIdle, p.State())
	assert.Equal(t, sitemap.DiffFirstRun, result.Detect.Delta.Mode)

	want := []string{"https://example.com/b", "https://example.com/a"}
	require.NotNil(t, result.Submission)
	assert.True(t, result.Submission.Success)
	assert.Equal(t, want, result.Submission.SubmittedURLs)
	assert.Empty(t, result.Submission.FailedURLs)

	byProvider := result.Submission.ByProvider()
	assert.Equal(t, 198, byProvider[provider.Google].Quota.Remaining)
	assert.Equal(t, want, byProvider[provider.Bing].SubmittedURLs)

	cached := f.store.GetCachedSitemap()
	require.NotNil(t, cached)
	assert.Len(t, cached.URLs, 2)

	submissionLog := f.store.GetSubmissionLog()
	require.Len(t, submissionLog.Submissions, 1)
	assert.Equal(t, want, submissionLog.Submissions[0].SubmittedURLs)
	require.NotNil(t, result.Record)
	assert.Equal(t, submissionLog.Submissions[0].ID, result.Record.ID)

	require.Len(t, f.mirror.records, 1)
	assert.Equal(t, result.Record.ID, f.mirror.records[0].ID)

	require.Len(t, f.notifier.summaries, 1)
	summary := f.notifier.summaries[0]
	assert.True(t, summary.Success)
	assert.Equal(t, 2, summary.Submitted)
	assert.Len(t, summary.Providers, 2)

	require.NotNil(t, result.Report)
	assert.Equal(t, 100, result.Report.Summary.SuccessRate)
	assert.Empty(t, result.Report.Recommendations)
}

func TestRunUnchangedSitemap(t *testing.T) {
	f := newFixture(t, sitemapBody(scenarioEntries, "https://example.com/a", "https://example.com/b"))
	p := f.pipeline(Options{})

	_, err := p.Run(context.Background())
	require.NoError(t, err)

	result, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeNoChanges, result.Outcome)
	assert.Nil(t, result.Submission)
	assert.Len(t, f.store.GetSubmissionLog().Submissions, 1)
	assert.Equal(t, 2, f.google.QuotaInfo().Used)
}

func TestRunKeepsSnapshotWhenNothingIsNew(t *testing.T) {
	f := newFixture(t, sitemapBody(scenarioEntries, "https://example.com/a", "https://example.com/b"))
	p := f.pipeline(Options{})

	_, err := p.Run(context.Background())
	require.NoError(t, err)
	firstHash := f.store.GetCachedSitemap().Hash

	touched := map[string]string{
		"https://example.com/a": "2024-02-01",
		"https://example.com/b": "2024-01-02",
	}
	f.server.body.Store(sitemapBody(touched, "https://example.com/a", "https://example.com/b"))

	result, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeNoChanges, result.Outcome)
	assert.True(t, result.Detect.Changed)
	assert.Equal(t, firstHash, f.store.GetCachedSitemap().Hash)
	assert.Len(t, f.store.GetSubmissionLog().Submissions, 1)
}

func TestRunSubmitsOnlyNewURLs(t *testing.T) {
	f := newFixture(t, sitemapBody(scenarioEntries, "https://example.com/a", "https://example.com/b"))
	p := f.pipeline(Options{})

	_, err := p.Run(context.Background())
	require.NoError(t, err)

	entries := map[string]string{"https://example.com/c.html": "2024-01-05"}
	for k, v := range scenarioEntries {
		entries[k] = v
	}
	f.server.body.Store(sitemapBody(entries, "https://example.com/a", "https://example.com/b", "https://example.com/c.html"))

	result, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, sitemap.DiffChanged, result.Detect.Delta.Mode)
	assert.Equal(t, []string{"https://example.com/c"}, result.NormalisedURLs)
	assert.Equal(t, []string{"https://example.com/c"}, result.Submission.SubmittedURLs)
	assert.Len(t, f.store.GetCachedSitemap().URLs, 3)
}

func TestRunTestMode(t *testing.T) {
	f := newFixture(t, sitemapBody(scenarioEntries, "https://example.com/a", "https://example.com/b"))
	p := f.pipeline(Options{TestMode: true})

	result, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeTestMode, result.Outcome)
	assert.Equal(t, []string{"https://example.com/b", "https://example.com/a"}, result.NormalisedURLs)
	assert.NotEmpty(t, result.Categories)
	assert.Nil(t, result.Submission)

	assert.Empty(t, f.store.GetSubmissionLog().Submissions)
	assert.Equal(t, 0, f.google.QuotaInfo().Used)
	assert.Empty(t, f.notifier.summaries)
	assert.NotNil(t, f.store.GetCachedSitemap(), "snapshot is still cached")
}

func TestRunNoValidURLs(t *testing.T) {
	entries := map[string]string{"https://other.example.org/x": "2024-01-01"}
	f := newFixture(t, sitemapBody(entries, "https://other.example.org/x"))

	result, err := f.pipeline(Options{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeNoValidURLs, result.Outcome)
	assert.Empty(t, result.NormalisedURLs)
	assert.Nil(t, result.Submission)
}

func TestRunDetectionFailure(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantHits int32
	}{
		{"not_found_not_retried", http.StatusNotFound, 1},
		{"server_error_retried", http.StatusServiceUnavailable, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "")
			f.server.status.Store(int32(tt.status))
			p := f.pipeline(Options{})

			result, err := p.Run(context.Background())
			require.Error(t, err)

			assert.True(t, IsDetectionError(err))
			assert.Equal(t, OutcomeError, result.Outcome)
			assert.Equal(t, StateIdle, p.State())
			assert.Equal(t, tt.wantHits, f.server.hits.Load())
			assert.Nil(t, f.store.GetCachedSitemap())
		})
	}
}

func TestRunAllProvidersFailInitialisation(t *testing.T) {
	f := newFixture(t, sitemapBody(scenarioEntries, "https://example.com/a", "https://example.com/b"))

	google := mocks.NewMockProviderClient(provider.Google)
	google.On("Initialize", mock.Anything).Return(provider.ErrMissingGoogleCredentials)
	f.submitter = submitter.New([]provider.Client{google}, noSleepRetrier())

	result, err := f.pipeline(Options{}).Run(context.Background())
	require.Error(t, err)

	assert.ErrorIs(t, err, submitter.ErrAllProvidersFailed)
	assert.False(t, IsDetectionError(err))
	assert.Equal(t, OutcomeError, result.Outcome)
	assert.Empty(t, f.store.GetSubmissionLog().Submissions)
	google.AssertNotCalled(t, "SubmitURLs", mock.Anything, mock.Anything)
}

func TestRunPersistsQuota(t *testing.T) {
	f := newFixture(t, sitemapBody(scenarioEntries, "https://example.com/a", "https://example.com/b"))
	require.NoError(t, f.store.SaveQuotaUsage(map[provider.Name]int{provider.Google: 10}))

	_, err := f.pipeline(Options{PersistQuota: true}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 12, f.google.QuotaInfo().Used)
	assert.Equal(t, map[provider.Name]int{provider.Google: 12, provider.Bing: 2}, f.store.LoadQuotaUsage())
}

func TestRunNotifierFailureIgnored(t *testing.T) {
	f := newFixture(t, sitemapBody(scenarioEntries, "https://example.com/a", "https://example.com/b"))
	f.notifier.err = errors.New("webhook down")

	result, err := f.pipeline(Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSubmitted, result.Outcome)
	assert.Len(t, f.notifier.summaries, 1)
}

func TestRunFailedSubmissionIsNotAnError(t *testing.T) {
	f := newFixture(t, sitemapBody(scenarioEntries, "https://example.com/a", "https://example.com/b"))
	f.google = provider.NewMockClient(provider.Google, 1, 0)
	f.google.RestoreQuota(1)
	f.bing = provider.NewMockClient(provider.Bing, 1, 0)
	f.bing.RestoreQuota(1)
	f.submitter = submitter.New([]provider.Client{f.google, f.bing}, noSleepRetrier())

	result, err := f.pipeline(Options{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, []string{"https://example.com/b", "https://example.com/a"}, result.Submission.FailedURLs)
	require.NotNil(t, result.Report)
	assert.Equal(t, 2, result.Report.Summary.FailedOperations)
	assert.Equal(t, 4, result.Report.ErrorBreakdown[retry.KindQuota])
	assert.Len(t, f.store.GetSubmissionLog().Submissions, 1)
}

type detectorFunc func(ctx context.Context) (*sitemap.DetectResult, error)

func (f detectorFunc) DetectChanges(ctx context.Context) (*sitemap.DetectResult, error) {
	return f(ctx)
}

func TestStateDuringRun(t *testing.T) {
	var p *Pipeline
	var seen State
	detector := detectorFunc(func(context.Context) (*sitemap.DetectResult, error) {
		seen = p.State()
		return &sitemap.DetectResult{Current: &sitemap.Snapshot{}, Delta: sitemap.Delta{Mode: sitemap.DiffUnchanged}}, nil
	})

	p = New(Deps{
		Detector:   detector,
		Dispatcher: submitter.New(nil, nil),
		Store:      cache.NewManager(cache.Config{Directory: t.TempDir()}),
		Retrier:    noSleepRetrier(),
	}, Options{SitemapURL: siteSitemapURL})

	assert.Equal(t, StateIdle, p.State())
	result, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateDetecting, seen)
	assert.Equal(t, OutcomeNoChanges, result.Outcome)
	assert.Equal(t, StateIdle, p.State())
}
