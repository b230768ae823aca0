package provider

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Harvey-AU/sitemap-submitter/internal/retry"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

func signingKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = key
	})
	return testKey
}

func serviceAccountJSON(t *testing.T, tokenURI string) string {
	t.Helper()
	pemKey := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(signingKey(t)),
	})
	raw, err := json.Marshal(map[string]string{
		"type":         "service_account",
		"client_email": "submitter@example.iam.gserviceaccount.com",
		"private_key":  string(pemKey),
		"token_uri":    tokenURI,
	})
	require.NoError(t, err)
	return string(raw)
}

type googleFixture struct {
	tokenServer   *httptest.Server
	publishServer *httptest.Server
	tokenCalls    atomic.Int32
	publishCalls  atomic.Int32
	tokenStatus   int
	failURLs      map[string]int
	// transient counts the 503s a URL gets before it is accepted
	transient map[string]int

	mu        sync.Mutex
	published []string
}

func newGoogleFixture(t *testing.T) *googleFixture {
	t.Helper()
	f := &googleFixture{tokenStatus: http.StatusOK, failURLs: map[string]int{}, transient: map[string]int{}}

	f.tokenServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		if f.tokenStatus != http.StatusOK {
			w.WriteHeader(f.tokenStatus)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid JWT Signature."}`))
			return
		}

		assert.NoError(t, r.ParseForm())
		assert.Equal(t, jwtBearerGrantType, r.PostForm.Get("grant_type"))

		token, err := jwt.Parse(r.PostForm.Get("assertion"), func(*jwt.Token) (any, error) {
			return &signingKey(t).PublicKey, nil
		}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithoutClaimsValidation())
		if assert.NoError(t, err) {
			claims := token.Claims.(jwt.MapClaims)
			assert.Equal(t, "submitter@example.iam.gserviceaccount.com", claims["iss"])
			assert.Equal(t, GoogleIndexingScope, claims["scope"])
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-1","expires_in":3600,"token_type":"Bearer"}`))
	}))
	t.Cleanup(f.tokenServer.Close)

	f.publishServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.publishCalls.Add(1)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		var body struct {
			URL  string `json:"url"`
			Type string `json:"type"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "URL_UPDATED", body.Type)

		if status, ok := f.failURLs[body.URL]; ok {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"code":403,"message":"Permission denied. Failed to verify the URL ownership."}}`))
			return
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		if f.transient[body.URL] > 0 {
			f.transient[body.URL]--
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"code":503,"message":"The service is currently unavailable."}}`))
			return
		}
		f.published = append(f.published, body.URL)
		_, _ = w.Write([]byte(`{"urlNotificationMetadata":{}}`))
	}))
	t.Cleanup(f.publishServer.Close)

	return f
}

func (f *googleFixture) client(t *testing.T, quotaLimit int) *GoogleClient {
	return NewGoogleClient(GoogleConfig{
		ServiceAccountKey: serviceAccountJSON(t, f.tokenServer.URL),
		Endpoint:          f.publishServer.URL,
		QuotaLimit:        quotaLimit,
	}, nil).WithRetrier(noSleepRetrier())
}

func noSleepRetrier() *retry.Retrier {
	return retry.New(retry.DefaultConfig()).WithSleep(func(context.Context, time.Duration) error { return nil })
}

func TestGoogleSubmitURLs(t *testing.T) {
	f := newGoogleFixture(t)
	c := f.client(t, 200)

	require.NoError(t, c.Initialize(context.Background()))

	result, err := c.SubmitURLs(context.Background(), []string{"https://example.com/b", "https://example.com/a"})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, StatusSucceeded, result.Status)
	assert.Equal(t, []string{"https://example.com/b", "https://example.com/a"}, result.SubmittedURLs)
	assert.Empty(t, result.FailedURLs)
	assert.Equal(t, QuotaInfo{Used: 2, Limit: 200, Remaining: 198, Percentage: 1}, result.Quota)
	assert.Equal(t, int32(2), f.publishCalls.Load())
	assert.Equal(t, int32(1), f.tokenCalls.Load(), "token should be cached across calls")
}

func TestGoogleSubmitURLsPerURLFailure(t *testing.T) {
	f := newGoogleFixture(t)
	f.failURLs["https://example.com/forbidden"] = http.StatusForbidden
	c := f.client(t, 200)

	result, err := c.SubmitURLs(context.Background(), []string{
		"https://example.com/a",
		"https://example.com/forbidden",
		"https://example.com/c",
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, StatusPartial, result.Status)
	assert.Equal(t, []string{"https://example.com/a", "https://example.com/c"}, result.SubmittedURLs)
	assert.Equal(t, []string{"https://example.com/forbidden"}, result.FailedURLs)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, retry.KindPermission, result.Errors[0].Kind)
	assert.Contains(t, result.Errors[0].Message, "Failed to verify the URL ownership")
	assert.Equal(t, 2, c.QuotaInfo().Used)
	assert.Equal(t, int32(3), f.publishCalls.Load(), "permission errors are not retried")
}

func TestGoogleRetriesTransientFailure(t *testing.T) {
	f := newGoogleFixture(t)
	f.transient["https://example.com/a"] = 1
	c := f.client(t, 200)

	result, err := c.SubmitURLs(context.Background(), []string{"https://example.com/a"})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, []string{"https://example.com/a"}, result.SubmittedURLs)
	assert.Empty(t, result.FailedURLs)
	assert.Empty(t, result.Errors)
	assert.Equal(t, int32(2), f.publishCalls.Load())
	assert.Equal(t, 1, c.QuotaInfo().Used)
}

func TestGoogleGivesUpAfterRetries(t *testing.T) {
	f := newGoogleFixture(t)
	f.transient["https://example.com/a"] = 10
	c := f.client(t, 200)

	result, err := c.SubmitURLs(context.Background(), []string{"https://example.com/a", "https://example.com/b"})
	require.NoError(t, err)

	assert.Equal(t, []string{"https://example.com/b"}, result.SubmittedURLs)
	assert.Equal(t, []string{"https://example.com/a"}, result.FailedURLs)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, retry.KindServer, result.Errors[0].Kind)
	assert.Equal(t, int32(4), f.publishCalls.Load())
	assert.Equal(t, 1, c.QuotaInfo().Used)
}

func TestGoogleQuotaExhaustedMakesNoCalls(t *testing.T) {
	f := newGoogleFixture(t)
	c := f.client(t, 3)
	require.NoError(t, c.Initialize(context.Background()))
	c.RestoreQuota(3)

	urls := []string{"https://example.com/a", "https://example.com/b"}
	result, err := c.SubmitURLs(context.Background(), urls)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Empty(t, result.SubmittedURLs)
	assert.Equal(t, urls, result.FailedURLs)
	assert.Len(t, result.Errors, 2)
	assert.Equal(t, int32(0), f.publishCalls.Load())
}

func TestGoogleQuotaInsufficient(t *testing.T) {
	f := newGoogleFixture(t)
	c := f.client(t, 2)

	result, err := c.SubmitURLs(context.Background(), []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"})
	require.NoError(t, err)

	assert.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, result.SubmittedURLs)
	assert.Equal(t, []string{"https://example.com/c"}, result.FailedURLs)
	assert.Equal(t, int32(2), f.publishCalls.Load())
	assert.Equal(t, 0, result.Quota.Remaining)
}

func TestGoogleTokenRefreshBeforeExpiry(t *testing.T) {
	f := newGoogleFixture(t)
	c := f.client(t, 200)

	now := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Initialize(context.Background()))
	assert.Equal(t, int32(1), f.tokenCalls.Load())

	now = now.Add(58 * time.Minute)
	assert.True(t, c.CheckConnection(context.Background()))
	assert.Equal(t, int32(1), f.tokenCalls.Load())

	now = now.Add(time.Minute + time.Second)
	assert.True(t, c.CheckConnection(context.Background()))
	assert.Equal(t, int32(2), f.tokenCalls.Load())
}

func TestGoogleInitializeErrors(t *testing.T) {
	t.Run("missing_key", func(t *testing.T) {
		c := NewGoogleClient(GoogleConfig{}, nil)
		err := c.Initialize(context.Background())
		assert.ErrorIs(t, err, ErrMissingGoogleCredentials)
		assert.False(t, c.Status().Initialized)
	})

	t.Run("malformed_json", func(t *testing.T) {
		c := NewGoogleClient(GoogleConfig{ServiceAccountKey: "{not json"}, nil)
		err := c.Initialize(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be valid JSON")
	})

	t.Run("token_rejected", func(t *testing.T) {
		f := newGoogleFixture(t)
		f.tokenStatus = http.StatusUnauthorized
		c := f.client(t, 200)

		err := c.Initialize(context.Background())
		require.Error(t, err)

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
		assert.Contains(t, apiErr.Message, "invalid_grant")
		assert.Equal(t, retry.KindAuth, retry.Classify(err))
		assert.False(t, c.CheckConnection(context.Background()))
	})
}

func TestGoogleStatus(t *testing.T) {
	f := newGoogleFixture(t)
	c := f.client(t, 200)

	assert.Equal(t, Status{Quota: QuotaInfo{Limit: 200, Remaining: 200}}, c.Status())

	require.NoError(t, c.Initialize(context.Background()))
	status := c.Status()
	assert.True(t, status.Initialized)
	assert.True(t, status.Authenticated)

	c.RestoreQuota(50)
	assert.Equal(t, 25, c.QuotaInfo().Percentage)
	c.ResetQuota()
	assert.Equal(t, 0, c.QuotaInfo().Used)
}
