// Package provider implements the search engine submission clients and the
// quota accounting they share.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/Harvey-AU/sitemap-submitter/internal/retry"
)

// Name identifies a search engine
type Name string

const (
	Google Name = "google"
	Bing   Name = "bing"
)

// Client is implemented by every submission backend. Submitter depends only on this.
type Client interface {
	Name() Name
	// Initialize resolves credentials and validates site parameters
	Initialize(ctx context.Context) error
	// SubmitURLs submits urls, subject to the remaining quota. Per-URL failures are
	// reported in the Result; an error means the whole call could not run.
	SubmitURLs(ctx context.Context, urls []string) (Result, error)
	// CheckConnection performs a side-effect-minimal probe
	CheckConnection(ctx context.Context) bool
	QuotaInfo() QuotaInfo
	ResetQuota()
	// RestoreQuota sets the used count, for quota persisted by an earlier run
	RestoreQuota(used int)
	Status() Status
}

// ResultStatus is the terminal state of one provider's submission
type ResultStatus string

const (
	StatusSucceeded ResultStatus = "SUCCEEDED"
	StatusPartial   ResultStatus = "PARTIAL"
	StatusFailed    ResultStatus = "FAILED"
)

// ErrorEntry records why a URL was not submitted
type ErrorEntry struct {
	URL     string     `json:"url"`
	Message string     `json:"message"`
	Kind    retry.Kind `json:"kind,omitempty"`
	Batch   int        `json:"batch,omitempty"`
}

// Result is one provider's outcome for one submission cycle
type Result struct {
	Provider      Name         `json:"provider"`
	Success       bool         `json:"success"`
	Status        ResultStatus `json:"status"`
	SubmittedURLs []string     `json:"submittedUrls"`
	FailedURLs    []string     `json:"failedUrls"`
	Errors        []ErrorEntry `json:"errors"`
	Quota         QuotaInfo    `json:"quota"`
	Mock          bool         `json:"mock,omitempty"`
}

func newResult(name Name) Result {
	return Result{
		Provider:      name,
		SubmittedURLs: []string{},
		FailedURLs:    []string{},
		Errors:        []ErrorEntry{},
	}
}

// fail marks urls as failed with the same error
func (r *Result) fail(urls []string, err error, batch int) {
	kind := retry.Classify(err)
	for _, u := range urls {
		r.FailedURLs = append(r.FailedURLs, u)
		r.Errors = append(r.Errors, ErrorEntry{URL: u, Message: err.Error(), Kind: kind, Batch: batch})
	}
}

// finish sets Success, Status and the quota snapshot
func (r *Result) finish(quota QuotaInfo) {
	r.Quota = quota
	r.Success = len(r.SubmittedURLs) > 0
	switch {
	case len(r.SubmittedURLs) > 0 && len(r.FailedURLs) == 0:
		r.Status = StatusSucceeded
	case len(r.SubmittedURLs) > 0:
		r.Status = StatusPartial
	default:
		r.Status = StatusFailed
	}
}

// Kinds returns the error kind of every entry
func (r Result) Kinds() []retry.Kind {
	kinds := make([]retry.Kind, 0, len(r.Errors))
	for _, e := range r.Errors {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

// FailedResult builds the result for a provider that could not run at all
func FailedResult(name Name, urls []string, err error, quota QuotaInfo) Result {
	r := newResult(name)
	r.fail(urls, err, 0)
	r.finish(quota)
	return r
}

// Status describes a client for health reporting
type Status struct {
	Initialized   bool      `json:"initialized"`
	Authenticated bool      `json:"authenticated"`
	Mock          bool      `json:"mock,omitempty"`
	SiteURL       string    `json:"siteUrl,omitempty"`
	Mode          string    `json:"mode,omitempty"`
	Quota         QuotaInfo `json:"quota"`
}

// APIError is a non-success response from a search engine API
type APIError struct {
	Provider   Name
	StatusCode int
	// Code is the application error code some APIs return with HTTP 200
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: API error (code %d): %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (HTTP %d): %s", e.Provider, DescribeStatus(e.StatusCode, e.Message), e.StatusCode, e.Message)
}

// HTTPStatus exposes the response status for error classification
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// RemoteMessage returns the message reported by the API
func (e *APIError) RemoteMessage() string { return e.Message }

// DescribeStatus returns a human-readable category for an API response status
func DescribeStatus(status int, message string) string {
	switch {
	case status == http.StatusBadRequest:
		return "bad request"
	case status == http.StatusUnauthorized:
		return "authentication failed"
	case status == http.StatusForbidden:
		if strings.Contains(strings.ToLower(message), "quota") {
			return "quota exceeded"
		}
		return "permission denied"
	case status == http.StatusTooManyRequests:
		return "rate limited"
	case status >= 500 && status <= 599:
		return "server error"
	default:
		return "API error"
	}
}

// networkError wraps a transport failure so it reads distinctly from HTTP errors
func networkError(name Name, err error) error {
	return fmt.Errorf("%s: network error: %w", name, err)
}
