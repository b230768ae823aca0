package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockClientSubmitsEverything(t *testing.T) {
	c := NewMockClient(Google, 0, 0)
	require.NoError(t, c.Initialize(context.Background()))

	result, err := c.SubmitURLs(context.Background(), makeURLs(4))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.True(t, result.Mock)
	assert.Len(t, result.SubmittedURLs, 4)
	assert.Equal(t, QuotaInfo{Used: 4, Limit: 200, Remaining: 196, Percentage: 2}, result.Quota)
	assert.True(t, c.Status().Mock)
	assert.True(t, c.CheckConnection(context.Background()))
}

func TestMockClientSimulatedFailure(t *testing.T) {
	c := NewMockClient(Bing, 0, 1)
	c.random = func() float64 { return 0.05 }

	urls := makeURLs(10)
	result, err := c.SubmitURLs(context.Background(), urls)
	require.NoError(t, err)

	assert.Equal(t, StatusPartial, result.Status)
	assert.Equal(t, urls[:8], result.SubmittedURLs)
	assert.Equal(t, urls[8:], result.FailedURLs)
	assert.Equal(t, "simulated network error", result.Errors[0].Message)
	assert.Equal(t, 8, c.QuotaInfo().Used)
	assert.Equal(t, 10000, c.QuotaInfo().Limit)
}

func TestMockClientRespectsQuota(t *testing.T) {
	c := NewMockClient(Google, 2, 0)

	result, err := c.SubmitURLs(context.Background(), makeURLs(3))
	require.NoError(t, err)
	assert.Len(t, result.SubmittedURLs, 2)
	assert.Len(t, result.FailedURLs, 1)

	c.ResetQuota()
	assert.Equal(t, 0, c.QuotaInfo().Used)
}

func TestMockClientLatencyHonoursContext(t *testing.T) {
	c := NewMockClient(Google, 0, 0).WithLatency(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.SubmitURLs(ctx, makeURLs(1))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, c.CheckConnection(ctx))
}
