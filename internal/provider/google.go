package provider

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Harvey-AU/sitemap-submitter/internal/retry"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	DefaultGoogleEndpoint = "https://indexing.googleapis.com/v3/urlNotifications:publish"
	GoogleIndexingScope   = "https://www.googleapis.com/auth/indexing"
	defaultTokenURI       = "https://oauth2.googleapis.com/token"
	jwtBearerGrantType    = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// Tokens are refreshed this long before they expire
	tokenExpiryMargin = 60 * time.Second
)

// ErrMissingGoogleCredentials is returned by Initialize when no service account key is configured
var ErrMissingGoogleCredentials = errors.New("missing GOOGLE_SERVICE_ACCOUNT_KEY environment variable")

// GoogleConfig configures the Indexing API client
type GoogleConfig struct {
	// ServiceAccountKey is the JSON key of a service account with Owner access in Search Console
	ServiceAccountKey string
	Endpoint          string
	Scopes            []string
	QuotaLimit        int
	RequestInterval   time.Duration
	Timeout           time.Duration
}

type serviceAccountKey struct {
	Type        string `json:"type"`
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

// GoogleClient submits URLs one at a time to the Google Indexing API
type GoogleClient struct {
	config  GoogleConfig
	client  *http.Client
	limiter *rate.Limiter
	retrier *retry.Retrier
	quota   QuotaState
	now     func() time.Time

	mu          sync.Mutex
	account     *serviceAccountKey
	signingKey  *rsa.PrivateKey
	accessToken string
	tokenExpiry time.Time
}

// NewGoogleClient creates a GoogleClient. A nil httpClient gets one with the configured timeout.
func NewGoogleClient(config GoogleConfig, httpClient *http.Client) *GoogleClient {
	if config.Endpoint == "" {
		config.Endpoint = DefaultGoogleEndpoint
	}
	if len(config.Scopes) == 0 {
		config.Scopes = []string{GoogleIndexingScope}
	}
	if config.QuotaLimit <= 0 {
		config.QuotaLimit = 200
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	return &GoogleClient{
		config:  config,
		client:  httpClient,
		limiter: newPacer(config.RequestInterval),
		retrier: retry.New(retry.DefaultConfig()),
		quota:   QuotaState{Limit: config.QuotaLimit},
		now:     time.Now,
	}
}

// WithRetrier replaces the policy applied to each publish call
func (c *GoogleClient) WithRetrier(r *retry.Retrier) *GoogleClient {
	if r != nil {
		c.retrier = r
	}
	return c
}

// newPacer allows one call immediately and then one per interval
func newPacer(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

func (c *GoogleClient) Name() Name { return Google }

// Initialize parses the service account key and verifies it by fetching an access token
func (c *GoogleClient) Initialize(ctx context.Context) error {
	log.Info().Str("provider", string(Google)).Msg("Initialising Google Indexing API client")

	if strings.TrimSpace(c.config.ServiceAccountKey) == "" {
		return ErrMissingGoogleCredentials
	}

	var account serviceAccountKey
	if err := json.Unmarshal([]byte(c.config.ServiceAccountKey), &account); err != nil {
		return fmt.Errorf("GOOGLE_SERVICE_ACCOUNT_KEY must be valid JSON: %w", err)
	}
	if account.ClientEmail == "" || account.PrivateKey == "" {
		return errors.New("GOOGLE_SERVICE_ACCOUNT_KEY is missing client_email or private_key")
	}
	if account.TokenURI == "" {
		account.TokenURI = defaultTokenURI
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(account.PrivateKey))
	if err != nil {
		return fmt.Errorf("parse service account private key: %w", err)
	}

	c.mu.Lock()
	c.account = &account
	c.signingKey = key
	c.accessToken = ""
	c.tokenExpiry = time.Time{}
	c.mu.Unlock()

	if _, err := c.token(ctx); err != nil {
		c.mu.Lock()
		c.signingKey = nil
		c.mu.Unlock()
		return err
	}

	log.Info().
		Str("provider", string(Google)).
		Str("client_email", account.ClientEmail).
		Msg("Google Indexing API client initialised")
	return nil
}

func (c *GoogleClient) initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signingKey != nil
}

// token returns a cached access token or exchanges a freshly signed assertion for one
func (c *GoogleClient) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.signingKey == nil {
		return "", errors.New("google: client not initialised")
	}
	if c.accessToken != "" && c.now().Before(c.tokenExpiry.Add(-tokenExpiryMargin)) {
		return c.accessToken, nil
	}

	issuedAt := c.now()
	claims := jwt.MapClaims{
		"iss":   c.account.ClientEmail,
		"scope": strings.Join(c.config.Scopes, " "),
		"aud":   c.account.TokenURI,
		"iat":   issuedAt.Unix(),
		"exp":   issuedAt.Add(time.Hour).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign service account assertion: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", jwtBearerGrantType)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.account.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", networkError(Google, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		var oauthErr struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		message := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &oauthErr) == nil && oauthErr.Error != "" {
			message = strings.TrimSpace(oauthErr.Error + ": " + oauthErr.ErrorDescription)
		}
		return "", &APIError{Provider: Google, StatusCode: resp.StatusCode, Message: message}
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", errors.New("google: token response has no access_token")
	}

	c.accessToken = tokenResp.AccessToken
	c.tokenExpiry = issuedAt.Add(time.Duration(tokenResp.ExpiresIn) * time.Second)

	log.Debug().
		Str("provider", string(Google)).
		Time("expires_at", c.tokenExpiry).
		Msg("Obtained Google access token")

	return c.accessToken, nil
}

// SubmitURLs publishes URL_UPDATED notifications one URL per call. Transient failures
// are retried per URL; a URL that still fails does not stop the batch. Quota is only
// consumed by accepted URLs.
func (c *GoogleClient) SubmitURLs(ctx context.Context, urls []string) (Result, error) {
	if !c.initialized() {
		if err := c.Initialize(ctx); err != nil {
			return Result{}, err
		}
	}

	log.Info().Str("provider", string(Google)).Int("url_count", len(urls)).Msg("Submitting URLs to Google")

	result := newResult(Google)
	allowed, ok := c.quota.gate(Google, urls, &result)
	if !ok {
		log.Warn().
			Str("provider", string(Google)).
			Int("used", c.quota.Used).
			Int("limit", c.quota.Limit).
			Msg("Google quota exhausted, skipping submission")
		result.finish(c.quota.Info())
		return result, nil
	}
	if skipped := len(urls) - len(allowed); skipped > 0 {
		log.Warn().Str("provider", string(Google)).Int("skipped", skipped).Msg("Insufficient quota, skipping URLs")
	}

	for i, u := range allowed {
		if err := c.limiter.Wait(ctx); err != nil {
			result.fail(allowed[i:], fmt.Errorf("google: submission interrupted: %w", err), 0)
			break
		}

		err := c.retrier.Run(ctx, "google publish", func(ctx context.Context) error {
			return c.publish(ctx, u)
		})
		if err != nil {
			result.fail([]string{u}, err, 0)
			log.Warn().Err(err).Str("provider", string(Google)).Str("url", u).Msg("Google submission failed")
			continue
		}

		result.SubmittedURLs = append(result.SubmittedURLs, u)
		c.quota.Consume(1)
		log.Debug().Str("provider", string(Google)).Str("url", u).Msg("Submitted URL to Google")
	}

	result.finish(c.quota.Info())

	log.Info().
		Str("provider", string(Google)).
		Int("submitted", len(result.SubmittedURLs)).
		Int("failed", len(result.FailedURLs)).
		Int("quota_remaining", result.Quota.Remaining).
		Msg("Google submission complete")

	return result, nil
}

func (c *GoogleClient) publish(ctx context.Context, pageURL string) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]string{"url": pageURL, "type": "URL_UPDATED"})
	if err != nil {
		return fmt.Errorf("google: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("google: failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return networkError(Google, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	respBody, _ := io.ReadAll(resp.Body)
	var apiResp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(respBody, &apiResp) == nil && apiResp.Error.Message != "" {
		return &APIError{Provider: Google, StatusCode: resp.StatusCode, Message: apiResp.Error.Message}
	}
	return &APIError{Provider: Google, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
}

// CheckConnection reports whether an access token can be obtained
func (c *GoogleClient) CheckConnection(ctx context.Context) bool {
	if !c.initialized() {
		if err := c.Initialize(ctx); err != nil {
			log.Error().Err(err).Str("provider", string(Google)).Msg("Google connection check failed")
			return false
		}
	}

	if _, err := c.token(ctx); err != nil {
		log.Error().Err(err).Str("provider", string(Google)).Msg("Google connection check failed")
		return false
	}

	log.Debug().Str("provider", string(Google)).Msg("Google connection OK")
	return true
}

func (c *GoogleClient) QuotaInfo() QuotaInfo { return c.quota.Info() }

func (c *GoogleClient) ResetQuota() {
	c.quota.Reset()
	log.Info().Str("provider", string(Google)).Msg("Google quota reset")
}

func (c *GoogleClient) RestoreQuota(used int) { c.quota.Used = max(used, 0) }

func (c *GoogleClient) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Initialized:   c.signingKey != nil,
		Authenticated: c.accessToken != "",
		Quota:         c.quota.Info(),
	}
}
