package health

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/replywatch/internal/domain"
	"github.com/cuongbtq/replywatch/internal/provider"
	"github.com/cuongbtq/replywatch/internal/provider/providertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func registryWith(p domain.Provider, a provider.Adapter) *provider.Registry {
	r := provider.NewRegistry()
	r.Register(p, a)
	return r
}

func TestPerformHealthCheck_Classification(t *testing.T) {
	tests := []struct {
		name          string
		provider      domain.Provider
		adapter       func() provider.Adapter
		wantHealthy   bool
		wantToken     bool
		wantReachable bool
		wantReady     int
	}{
		{
			name:     "gmail with history is fully ready",
			provider: domain.ProviderGmail,
			adapter: func() provider.Adapter {
				return providertest.NewWithHistory("me@example.com")
			},
			wantHealthy: true, wantToken: true, wantReachable: true, wantReady: 7,
		},
		{
			name:     "gmail without history capability drops history layer",
			provider: domain.ProviderGmail,
			adapter: func() provider.Adapter {
				return providertest.New("me@example.com")
			},
			wantHealthy: true, wantToken: true, wantReachable: true, wantReady: 6,
		},
		{
			name:     "expired token",
			provider: domain.ProviderGmail,
			adapter: func() provider.Adapter {
				a := providertest.New("me@example.com")
				a.TokenValid = false
				return a
			},
		},
		{
			name:     "rejected token means reachable but invalid",
			provider: domain.ProviderOutlook,
			adapter: func() provider.Adapter {
				a := providertest.New("me@example.com")
				a.HealthErr = provider.ErrUnauthorized
				return a
			},
			wantReachable: true,
		},
		{
			name:     "provider outage",
			provider: domain.ProviderOutlook,
			adapter: func() provider.Adapter {
				a := providertest.New("me@example.com")
				a.HealthErr = provider.ErrUnavailable
				return a
			},
			wantToken: true,
		},
		{
			name:     "yahoo never reaches the minimum layer count",
			provider: domain.ProviderYahoo,
			adapter: func() provider.Adapter {
				return providertest.New("me@yahoo.com")
			},
			wantToken: true, wantReachable: true, wantReady: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(registryWith(tt.provider, tt.adapter()), Config{}, discardLogger())

			result := c.PerformHealthCheck(context.Background(), "user-1", tt.provider)

			assert.Equal(t, tt.wantHealthy, result.Healthy)
			assert.Equal(t, tt.wantToken, result.TokenValid)
			assert.Equal(t, tt.wantReachable, result.ProviderReachable)
			assert.Len(t, result.LayersReady, tt.wantReady)
			assert.Len(t, append(result.LayersReady, result.LayersFailed...), len(EligibleLayers(tt.provider)))
			if !tt.wantHealthy {
				assert.NotEmpty(t, result.ErrorMessage)
			}
		})
	}
}

func TestPerformHealthCheck_UnknownProvider(t *testing.T) {
	c := NewChecker(provider.NewRegistry(), Config{}, discardLogger())

	result := c.PerformHealthCheck(context.Background(), "user-1", domain.ProviderYahoo)

	assert.False(t, result.Healthy)
	assert.Empty(t, result.LayersReady)
	assert.Contains(t, result.ErrorMessage, "no adapter registered")
}

func TestPerformHealthCheck_Cache(t *testing.T) {
	adapter := providertest.New("me@example.com")
	c := NewChecker(registryWith(domain.ProviderGmail, adapter), Config{CacheTTL: time.Minute}, discardLogger())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	ctx := context.Background()
	first := c.PerformHealthCheck(ctx, "user-1", domain.ProviderGmail)
	require.True(t, first.Healthy)

	now = now.Add(30 * time.Second)
	c.PerformHealthCheck(ctx, "user-1", domain.ProviderGmail)
	assert.Equal(t, 1, adapter.HealthCalls, "fresh result should be served from cache")

	c.PerformHealthCheck(ctx, "user-2", domain.ProviderGmail)
	assert.Equal(t, 2, adapter.HealthCalls, "cache is keyed per user")

	now = now.Add(time.Minute)
	c.PerformHealthCheck(ctx, "user-1", domain.ProviderGmail)
	assert.Equal(t, 3, adapter.HealthCalls, "stale result should be re-probed")

	c.Invalidate("user-1", domain.ProviderGmail)
	c.PerformHealthCheck(ctx, "user-1", domain.ProviderGmail)
	assert.Equal(t, 4, adapter.HealthCalls, "invalidated result should be re-probed")
}

func TestPerformHealthCheck_FailureExpiresBeforeFirstRetry(t *testing.T) {
	adapter := providertest.New("me@example.com")
	adapter.HealthErr = fmt.Errorf("%w: 503", provider.ErrUnavailable)
	c := NewChecker(registryWith(domain.ProviderGmail, adapter), Config{}, discardLogger())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	ctx := context.Background()
	first := c.PerformHealthCheck(ctx, "user-1", domain.ProviderGmail)
	require.False(t, first.Healthy)
	require.False(t, first.ProviderReachable)

	now = now.Add(10 * time.Second)
	c.PerformHealthCheck(ctx, "user-1", domain.ProviderGmail)
	assert.Equal(t, 1, adapter.HealthCalls, "recent failure is served from cache")

	adapter.HealthErr = nil
	now = now.Add(50 * time.Second)
	recovered := c.PerformHealthCheck(ctx, "user-1", domain.ProviderGmail)
	assert.Equal(t, 2, adapter.HealthCalls)
	assert.True(t, recovered.Healthy)
	assert.True(t, recovered.ProviderReachable)

	now = now.Add(2 * time.Minute)
	c.PerformHealthCheck(ctx, "user-1", domain.ProviderGmail)
	assert.Equal(t, 2, adapter.HealthCalls, "healthy result keeps the full TTL")
}

func TestNewChecker_FailureTTLCappedAtCacheTTL(t *testing.T) {
	c := NewChecker(provider.NewRegistry(), Config{CacheTTL: 10 * time.Second, FailureTTL: time.Minute}, discardLogger())
	assert.Equal(t, 10*time.Second, c.failureTTL)

	c = NewChecker(provider.NewRegistry(), Config{}, discardLogger())
	assert.Equal(t, DefaultCacheTTL, c.ttl)
	assert.Equal(t, DefaultFailureTTL, c.failureTTL)
}

func TestPerformHealthCheck_ConcurrentCallersShareResult(t *testing.T) {
	adapter := providertest.New("me@example.com")
	c := NewChecker(registryWith(domain.ProviderGmail, adapter), Config{}, discardLogger())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := c.PerformHealthCheck(context.Background(), "user-1", domain.ProviderGmail)
			assert.True(t, result.Healthy)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, adapter.HealthCalls, 20)
	assert.GreaterOrEqual(t, adapter.HealthCalls, 1)
}

func TestPerformHealthCheck_MinReadyLayersConfigurable(t *testing.T) {
	c := NewChecker(registryWith(domain.ProviderYahoo, providertest.New("me@yahoo.com")), Config{MinReadyLayers: 2}, discardLogger())

	result := c.PerformHealthCheck(context.Background(), "user-1", domain.ProviderYahoo)

	assert.True(t, result.Healthy)
	assert.ElementsMatch(t, []domain.LayerID{domain.LayerSenderSweep, domain.LayerDomainSweep}, result.LayersReady)
}
