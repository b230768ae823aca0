package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Harvey-AU/sitemap-submitter/internal/retry"
	"github.com/Harvey-AU/sitemap-submitter/internal/util"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// BingMode selects the request shape used for Bing
type BingMode string

const (
	// ModeIndexNow posts {host, key, urlList} to an IndexNow endpoint
	ModeIndexNow BingMode = "indexnow"
	// ModeLegacy posts {siteUrl, urlList} with an apikey header to the Bing Webmaster API
	ModeLegacy BingMode = "legacy"
)

const (
	DefaultIndexNowEndpoint = "https://api.indexnow.org/indexnow"
	DefaultLegacyEndpoint   = "https://ssl.bing.com/webmaster/api.svc/json/SubmitUrlbatch"

	connectionCheckTimeout = 10 * time.Second
)

// ErrMissingBingKey is returned by Initialize when no API key is configured
var ErrMissingBingKey = errors.New("missing BING_API_KEY environment variable")

// BingConfig configures the Bing/IndexNow client
type BingConfig struct {
	APIKey string
	// SitemapURL is used to derive the site URL and host
	SitemapURL    string
	Endpoint      string
	Mode          BingMode
	KeyLocation   string
	QuotaLimit    int
	BatchSize     int
	BatchInterval time.Duration
	Timeout       time.Duration
}

// BingClient submits URLs in batches through IndexNow or the legacy Webmaster API
type BingClient struct {
	config  BingConfig
	client  *http.Client
	limiter *rate.Limiter
	retrier *retry.Retrier
	quota   QuotaState

	siteURL  string
	hostname string
	ready    bool
}

// NewBingClient creates a BingClient. A nil httpClient gets one with the configured timeout.
func NewBingClient(config BingConfig, httpClient *http.Client) *BingClient {
	if config.Mode == "" {
		config.Mode = ModeIndexNow
	}
	if config.Endpoint == "" {
		config.Endpoint = DefaultIndexNowEndpoint
		if config.Mode == ModeLegacy {
			config.Endpoint = DefaultLegacyEndpoint
		}
	}
	if config.QuotaLimit <= 0 {
		config.QuotaLimit = 10000
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	return &BingClient{
		config:  config,
		client:  httpClient,
		limiter: newPacer(config.BatchInterval),
		retrier: retry.New(retry.DefaultConfig()),
		quota:   QuotaState{Limit: config.QuotaLimit},
	}
}

// WithRetrier replaces the policy applied to each batch call
func (c *BingClient) WithRetrier(r *retry.Retrier) *BingClient {
	if r != nil {
		c.retrier = r
	}
	return c
}

func (c *BingClient) Name() Name { return Bing }

// Initialize checks the API key and derives the site URL and host from the sitemap URL
func (c *BingClient) Initialize(_ context.Context) error {
	log.Info().Str("provider", string(Bing)).Str("mode", string(c.config.Mode)).Msg("Initialising Bing client")

	if strings.TrimSpace(c.config.APIKey) == "" {
		return ErrMissingBingKey
	}

	siteURL := util.ExtractBaseURL(c.config.SitemapURL)
	if siteURL == "" {
		return fmt.Errorf("cannot derive site URL from sitemap URL %q", c.config.SitemapURL)
	}
	parsed, err := url.Parse(siteURL)
	if err != nil {
		return fmt.Errorf("parse site URL: %w", err)
	}

	c.siteURL = siteURL
	c.hostname = parsed.Hostname()
	c.ready = true

	log.Info().
		Str("provider", string(Bing)).
		Str("site_url", c.siteURL).
		Str("host", c.hostname).
		Str("endpoint", c.config.Endpoint).
		Msg("Bing client initialised")
	return nil
}

// SubmitURLs sends urls in batches of BatchSize. A batch succeeds or fails as a whole,
// after transient failures have been retried.
func (c *BingClient) SubmitURLs(ctx context.Context, urls []string) (Result, error) {
	if !c.ready {
		if err := c.Initialize(ctx); err != nil {
			return Result{}, err
		}
	}

	log.Info().Str("provider", string(Bing)).Int("url_count", len(urls)).Msg("Submitting URLs to Bing")

	result := newResult(Bing)
	allowed, ok := c.quota.gate(Bing, urls, &result)
	if !ok {
		log.Warn().
			Str("provider", string(Bing)).
			Int("used", c.quota.Used).
			Int("limit", c.quota.Limit).
			Msg("Bing quota exhausted, skipping submission")
		result.finish(c.quota.Info())
		return result, nil
	}
	if skipped := len(urls) - len(allowed); skipped > 0 {
		log.Warn().Str("provider", string(Bing)).Int("skipped", skipped).Msg("Insufficient quota, skipping URLs")
	}

	batches := chunk(allowed, c.config.BatchSize)
	for i, batch := range batches {
		batchNo := i + 1

		if err := c.limiter.Wait(ctx); err != nil {
			for j := i; j < len(batches); j++ {
				result.fail(batches[j], fmt.Errorf("bing: submission interrupted: %w", err), j+1)
			}
			break
		}

		log.Debug().
			Str("provider", string(Bing)).
			Int("batch", batchNo).
			Int("batches", len(batches)).
			Int("size", len(batch)).
			Msg("Submitting batch")

		err := c.retrier.Run(ctx, fmt.Sprintf("bing batch %d", batchNo), func(ctx context.Context) error {
			return c.submitBatch(ctx, batch)
		})
		if err != nil {
			result.fail(batch, err, batchNo)
			log.Warn().Err(err).Str("provider", string(Bing)).Int("batch", batchNo).Msg("Bing batch failed")
			continue
		}

		result.SubmittedURLs = append(result.SubmittedURLs, batch...)
		c.quota.Consume(len(batch))
	}

	result.finish(c.quota.Info())

	log.Info().
		Str("provider", string(Bing)).
		Int("submitted", len(result.SubmittedURLs)).
		Int("failed", len(result.FailedURLs)).
		Int("quota_remaining", result.Quota.Remaining).
		Msg("Bing submission complete")

	return result, nil
}

func chunk(urls []string, size int) [][]string {
	var batches [][]string
	for start := 0; start < len(urls); start += size {
		batches = append(batches, urls[start:min(start+size, len(urls))])
	}
	return batches
}

type indexNowRequest struct {
	Host        string   `json:"host"`
	Key         string   `json:"key"`
	KeyLocation string   `json:"keyLocation,omitempty"`
	URLList     []string `json:"urlList"`
}

type legacyRequest struct {
	SiteURL string   `json:"siteUrl"`
	URLList []string `json:"urlList"`
}

type legacyResponse struct {
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
}

func (c *BingClient) submitBatch(ctx context.Context, urls []string) error {
	req, err := c.newRequest(ctx, urls)
	if err != nil {
		return err
	}
	return c.do(req)
}

func (c *BingClient) newRequest(ctx context.Context, urls []string) (*http.Request, error) {
	var payload any
	if c.config.Mode == ModeLegacy {
		payload = legacyRequest{SiteURL: c.siteURL, URLList: urls}
	} else {
		payload = indexNowRequest{Host: c.hostname, Key: c.config.APIKey, KeyLocation: c.config.KeyLocation, URLList: urls}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("bing: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("bing: failed to create request: %w", err)
	}
	c.setHeaders(req)
	return req, nil
}

func (c *BingClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if c.config.Mode == ModeLegacy {
		req.Header.Set("apikey", c.config.APIKey)
	}
}

// do executes the request. IndexNow accepts with 200 or 202; the legacy API
// answers 200 and reports failures through ErrorCode.
func (c *BingClient) do(req *http.Request) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return networkError(Bing, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if c.config.Mode == ModeLegacy {
		if resp.StatusCode != http.StatusOK {
			return c.apiError(resp.StatusCode, body)
		}
		var legacy legacyResponse
		if json.Unmarshal(body, &legacy) == nil && legacy.ErrorCode != 0 {
			return &APIError{Provider: Bing, Code: legacy.ErrorCode, Message: legacy.Message}
		}
		return nil
	}

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted {
		return nil
	}
	return c.apiError(resp.StatusCode, body)
}

func (c *BingClient) apiError(status int, body []byte) error {
	var parsed struct {
		Message string `json:"Message"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Message != "" {
		return &APIError{Provider: Bing, StatusCode: status, Message: parsed.Message}
	}
	return &APIError{Provider: Bing, StatusCode: status, Message: strings.TrimSpace(string(body))}
}

// CheckConnection posts an empty URL list
func (c *BingClient) CheckConnection(ctx context.Context) bool {
	if !c.ready {
		if err := c.Initialize(ctx); err != nil {
			log.Error().Err(err).Str("provider", string(Bing)).Msg("Bing connection check failed")
			return false
		}
	}

	ctx, cancel := context.WithTimeout(ctx, connectionCheckTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, []string{})
	if err != nil {
		log.Error().Err(err).Str("provider", string(Bing)).Msg("Bing connection check failed")
		return false
	}
	if err := c.do(req); err != nil {
		log.Error().Err(err).Str("provider", string(Bing)).Msg("Bing connection check failed")
		return false
	}

	log.Debug().Str("provider", string(Bing)).Msg("Bing connection OK")
	return true
}

func (c *BingClient) QuotaInfo() QuotaInfo { return c.quota.Info() }

func (c *BingClient) ResetQuota() {
	c.quota.Reset()
	log.Info().Str("provider", string(Bing)).Msg("Bing quota reset")
}

func (c *BingClient) RestoreQuota(used int) { c.quota.Used = max(used, 0) }

func (c *BingClient) Status() Status {
	return Status{
		Initialized:   c.ready,
		Authenticated: c.ready,
		SiteURL:       c.siteURL,
		Mode:          string(c.config.Mode),
		Quota:         c.quota.Info(),
	}
}
