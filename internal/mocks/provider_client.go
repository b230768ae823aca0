package mocks

import (
	"context"

	"github.com/Harvey-AU/sitemap-submitter/internal/provider"
	"github.com/stretchr/testify/mock"
)

// MockProviderClient is a mock implementation of provider.Client
type MockProviderClient struct {
	mock.Mock
}

// NewMockProviderClient creates a mock whose Name returns name
func NewMockProviderClient(name provider.Name) *MockProviderClient {
	m := &MockProviderClient{}
	m.On("Name").Return(name).Maybe()
	return m
}

// Name mocks the Name method
func (m *MockProviderClient) Name() provider.Name {
	args := m.Called()
	return args.Get(0).(provider.Name)
}

// Initialize mocks the Initialize method
func (m *MockProviderClient) Initialize(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// SubmitURLs mocks the SubmitURLs method
func (m *MockProviderClient) SubmitURLs(ctx context.Context, urls []string) (provider.Result, error) {
	args := m.Called(ctx, urls)

	if args.Get(0) == nil {
		return provider.Result{}, args.Error(1)
	}

	return args.Get(0).(provider.Result), args.Error(1)
}

// CheckConnection mocks the CheckConnection method
func (m *MockProviderClient) CheckConnection(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}

// QuotaInfo mocks the QuotaInfo method
func (m *MockProviderClient) QuotaInfo() provider.QuotaInfo {
	args := m.Called()
	return args.Get(0).(provider.QuotaInfo)
}

// ResetQuota mocks the ResetQuota method
func (m *MockProviderClient) ResetQuota() {
	m.Called()
}

// RestoreQuota mocks the RestoreQuota method
func (m *MockProviderClient) RestoreQuota(used int) {
	m.Called(used)
}

// Status mocks the Status method
func (m *MockProviderClient) Status() provider.Status {
	args := m.Called()
	return args.Get(0).(provider.Status)
}
