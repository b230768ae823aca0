package provider

import (
	"errors"
	"testing"

	"github.com/Harvey-AU/sitemap-submitter/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuotaStateSplit(t *testing.T) {
	q := QuotaState{Used: 7, Limit: 10}

	allowed, excess := q.Split([]string{"a", "b", "c", "d", "e"})
	assert.Equal(t, []string{"a", "b", "c"}, allowed)
	assert.Equal(t, []string{"d", "e"}, excess)

	q.Consume(3)
	assert.True(t, q.Exhausted())
	assert.Equal(t, 0, q.Remaining())

	q.Consume(2)
	assert.Equal(t, 0, q.Remaining())

	q.Reset()
	assert.Equal(t, QuotaInfo{Used: 0, Limit: 10, Remaining: 10, Percentage: 0}, q.Info())
}

func TestQuotaStateInfo(t *testing.T) {
	q := QuotaState{Used: 2, Limit: 200}
	assert.Equal(t, QuotaInfo{Used: 2, Limit: 200, Remaining: 198, Percentage: 1}, q.Info())

	zero := QuotaState{}
	assert.Equal(t, 0, zero.Info().Percentage)
}

func TestQuotaGate(t *testing.T) {
	t.Run("exhausted", func(t *testing.T) {
		q := QuotaState{Used: 5, Limit: 5}
		result := newResult(Google)

		allowed, ok := q.gate(Google, []string{"a", "b"}, &result)
		assert.False(t, ok)
		assert.Empty(t, allowed)
		assert.Equal(t, []string{"a", "b"}, result.FailedURLs)
		require.Len(t, result.Errors, 2)
		assert.Equal(t, retry.KindQuota, result.Errors[0].Kind)
		assert.Contains(t, result.Errors[0].Message, "quota exhausted (5/5)")
	})

	t.Run("insufficient", func(t *testing.T) {
		q := QuotaState{Used: 3, Limit: 5}
		result := newResult(Bing)

		allowed, ok := q.gate(Bing, []string{"a", "b", "c"}, &result)
		assert.True(t, ok)
		assert.Equal(t, []string{"a", "b"}, allowed)
		assert.Equal(t, []string{"c"}, result.FailedURLs)
		require.Len(t, result.Errors, 1)
		assert.Equal(t, "c", result.Errors[0].URL)
		assert.Contains(t, result.Errors[0].Message, "quota insufficient")
	})
}

func TestResultFinish(t *testing.T) {
	tests := []struct {
		name      string
		submitted []string
		failed    []string
		success   bool
		status    ResultStatus
	}{
		{"all_submitted", []string{"a"}, nil, true, StatusSucceeded},
		{"partial", []string{"a"}, []string{"b"}, true, StatusPartial},
		{"all_failed", nil, []string{"b"}, false, StatusFailed},
		{"nothing", nil, nil, false, StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newResult(Google)
			r.SubmittedURLs = append(r.SubmittedURLs, tt.submitted...)
			r.FailedURLs = append(r.FailedURLs, tt.failed...)
			r.finish(QuotaInfo{Limit: 1})

			assert.Equal(t, tt.success, r.Success)
			assert.Equal(t, tt.status, r.Status)
		})
	}
}

func TestFailedResult(t *testing.T) {
	r := FailedResult(Bing, []string{"a", "b"}, errors.New("bing: network error: connection refused"), QuotaInfo{Limit: 10})

	assert.False(t, r.Success)
	assert.Equal(t, StatusFailed, r.Status)
	assert.Empty(t, r.SubmittedURLs)
	assert.Equal(t, []string{"a", "b"}, r.FailedURLs)
	assert.Equal(t, []retry.Kind{retry.KindNetwork, retry.KindNetwork}, r.Kinds())
}

func TestAPIError(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		contains string
		kind     retry.Kind
	}{
		{"bad_request", &APIError{Provider: Google, StatusCode: 400, Message: "url missing"}, "bad request (HTTP 400)", retry.KindRequest},
		{"unauthorized", &APIError{Provider: Bing, StatusCode: 401, Message: "key"}, "authentication failed", retry.KindAuth},
		{"forbidden", &APIError{Provider: Google, StatusCode: 403, Message: "Failed to verify the URL ownership"}, "permission denied", retry.KindPermission},
		{"forbidden_quota", &APIError{Provider: Google, StatusCode: 403, Message: "Quota exceeded for quota metric"}, "quota exceeded", retry.KindQuota},
		{"rate_limited", &APIError{Provider: Bing, StatusCode: 429}, "rate limited", retry.KindQuota},
		{"server", &APIError{Provider: Bing, StatusCode: 503}, "server error", retry.KindServer},
		{"unprocessable", &APIError{Provider: Bing, StatusCode: 422, Message: "url not on host"}, "API error (HTTP 422)", retry.KindRequest},
		{"legacy_code", &APIError{Provider: Bing, Code: 2, Message: "InvalidApiKey"}, "API error (code 2)", retry.KindRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, tt.err.Error(), tt.contains)
			assert.Equal(t, tt.kind, retry.Classify(tt.err))
		})
	}
}
