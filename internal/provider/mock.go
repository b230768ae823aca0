package provider

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultMockFailureRate is the chance that a mock submission fails part of its batch
const DefaultMockFailureRate = 0.1

var errSimulatedNetwork = errors.New("simulated network error")

// MockClient accepts URLs without any network traffic. With probability FailureRate
// the last fifth of a batch is reported as failed.
type MockClient struct {
	name        Name
	quota       QuotaState
	failureRate float64
	latency     time.Duration
	random      func() float64
	ready       bool
}

// NewMockClient creates a MockClient standing in for name
func NewMockClient(name Name, quotaLimit int, failureRate float64) *MockClient {
	if quotaLimit <= 0 {
		quotaLimit = 200
		if name == Bing {
			quotaLimit = 10000
		}
	}
	return &MockClient{
		name:        name,
		quota:       QuotaState{Limit: quotaLimit},
		failureRate: failureRate,
		random:      rand.Float64,
	}
}

// WithLatency makes every call wait d before answering
func (c *MockClient) WithLatency(d time.Duration) *MockClient {
	c.latency = d
	return c
}

func (c *MockClient) Name() Name { return c.name }

func (c *MockClient) wait(ctx context.Context) error {
	if c.latency <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.latency):
		return nil
	}
}

func (c *MockClient) Initialize(ctx context.Context) error {
	log.Info().Str("provider", string(c.name)).Bool("mock", true).Msg("Initialising mock client")
	if err := c.wait(ctx); err != nil {
		return err
	}
	c.ready = true
	return nil
}

func (c *MockClient) SubmitURLs(ctx context.Context, urls []string) (Result, error) {
	log.Info().Str("provider", string(c.name)).Bool("mock", true).Int("url_count", len(urls)).Msg("Simulating submission")

	if err := c.wait(ctx); err != nil {
		return Result{}, err
	}

	result := newResult(c.name)
	result.Mock = true

	allowed, ok := c.quota.gate(c.name, urls, &result)
	if !ok {
		result.finish(c.quota.Info())
		return result, nil
	}

	accepted := allowed
	if len(allowed) > 0 && c.random() < c.failureRate {
		failedCount := int(math.Ceil(float64(len(allowed)) * 0.2))
		accepted = allowed[:len(allowed)-failedCount]
		result.fail(allowed[len(allowed)-failedCount:], errSimulatedNetwork, 0)
	}

	result.SubmittedURLs = append(result.SubmittedURLs, accepted...)
	c.quota.Consume(len(accepted))
	result.finish(c.quota.Info())

	log.Info().
		Str("provider", string(c.name)).
		Bool("mock", true).
		Int("submitted", len(result.SubmittedURLs)).
		Int("failed", len(result.FailedURLs)).
		Msg("Simulated submission complete")

	return result, nil
}

func (c *MockClient) CheckConnection(ctx context.Context) bool {
	return c.wait(ctx) == nil
}

func (c *MockClient) QuotaInfo() QuotaInfo { return c.quota.Info() }

func (c *MockClient) ResetQuota() {
	c.quota.Reset()
	log.Info().Str("provider", string(c.name)).Bool("mock", true).Msg("Mock quota reset")
}

func (c *MockClient) RestoreQuota(used int) { c.quota.Used = max(used, 0) }

func (c *MockClient) Status() Status {
	return Status{
		Initialized:   c.ready,
		Authenticated: true,
		Mock:          true,
		Quota:         c.quota.Info(),
	}
}
