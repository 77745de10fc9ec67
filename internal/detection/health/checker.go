// Package health implements the pre-flight gate that decides whether a user's
// provider connection is usable and which detection layers may run.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/replywatch/internal/domain"
	"github.com/cuongbtq/replywatch/internal/provider"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultCacheTTL       = 5 * time.Minute
	DefaultMinReadyLayers = 3
	// DefaultFailureTTL keeps unhealthy results shorter than the first retry backoff.
	DefaultFailureTTL = 30 * time.Second
)

// providerLayers is the layer eligibility per provider.
var providerLayers = map[domain.Provider][]domain.LayerID{
	domain.ProviderGmail: domain.AllLayers,
	domain.ProviderOutlook: {
		domain.LayerThreadLookup,
		domain.LayerMessageID,
		domain.LayerSenderSweep,
	},
	domain.ProviderYahoo: {
		domain.LayerSenderSweep,
		domain.LayerDomainSweep,
	},
}

// EligibleLayers returns the layers a provider can support.
func EligibleLayers(p domain.Provider) []domain.LayerID {
	return append([]domain.LayerID(nil), providerLayers[p]...)
}

// AdapterSource resolves provider adapters.
type AdapterSource interface {
	Get(p domain.Provider) (provider.Adapter, error)
}

// Config holds health checker settings
type Config struct {
	CacheTTL time.Duration
	// FailureTTL bounds how long an unhealthy result is served. Capped at CacheTTL.
	FailureTTL     time.Duration
	MinReadyLayers int
}

type cacheKey struct {
	userID   string
	provider domain.Provider
}

// Checker performs and caches health checks per (user, provider).
type Checker struct {
	adapters   AdapterSource
	ttl        time.Duration
	failureTTL time.Duration
	minReady   int
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	cache map[cacheKey]domain.HealthCheckResult
	group singleflight.Group
}

// NewChecker creates a Checker.
func NewChecker(adapters AdapterSource, cfg Config, logger *slog.Logger) *Checker {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.FailureTTL <= 0 {
		cfg.FailureTTL = DefaultFailureTTL
	}
	if cfg.FailureTTL > cfg.CacheTTL {
		cfg.FailureTTL = cfg.CacheTTL
	}
	if cfg.MinReadyLayers <= 0 {
		cfg.MinReadyLayers = DefaultMinReadyLayers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		adapters:   adapters,
		ttl:        cfg.CacheTTL,
		failureTTL: cfg.FailureTTL,
		minReady:   cfg.MinReadyLayers,
		logger:     logger,
		now:        time.Now,
		cache:      make(map[cacheKey]domain.HealthCheckResult),
	}
}

// PerformHealthCheck returns the cached result for (userID, p) when fresh,
// otherwise probes the provider. Unhealthy results go stale after FailureTTL.
// Concurrent callers for the same key share one probe.
func (c *Checker) PerformHealthCheck(ctx context.Context, userID string, p domain.Provider) domain.HealthCheckResult {
	key := cacheKey{userID: userID, provider: p}

	c.mu.Lock()
	if cached, ok := c.cache[key]; ok && c.now().Sub(cached.CheckedAt) < c.ttlFor(cached) {
		c.mu.Unlock()
		return cached
	}
	c.mu.Unlock()

	v, _, _ := c.group.Do(userID+"|"+string(p), func() (any, error) {
		result := c.check(ctx, userID, p)
		c.mu.Lock()
		c.cache[key] = result
		c.mu.Unlock()
		return result, nil
	})
	return v.(domain.HealthCheckResult)
}

func (c *Checker) ttlFor(result domain.HealthCheckResult) time.Duration {
	if result.Healthy {
		return c.ttl
	}
	return c.failureTTL
}

// Invalidate drops the cached result for (userID, p).
func (c *Checker) Invalidate(userID string, p domain.Provider) {
	c.mu.Lock()
	delete(c.cache, cacheKey{userID: userID, provider: p})
	c.mu.Unlock()

	c.logger.Info("Health cache invalidated",
		slog.String("user_id", userID),
		slog.String("provider", string(p)),
	)
}

func (c *Checker) check(ctx context.Context, userID string, p domain.Provider) domain.HealthCheckResult {
	result := domain.HealthCheckResult{CheckedAt: c.now()}
	eligible := EligibleLayers(p)

	adapter, err := c.adapters.Get(p)
	if err != nil {
		result.LayersFailed = eligible
		result.ErrorMessage = err.Error()
		return result
	}

	if !adapter.IsTokenValid(ctx, userID) {
		result.LayersFailed = eligible
		result.ErrorMessage = "token expired or missing"
		c.logUnhealthy(userID, p, result)
		return result
	}

	err = adapter.CheckHealth(ctx, userID)
	switch {
	case err == nil:
		result.TokenValid = true
		result.ProviderReachable = true
	case errors.Is(err, provider.ErrUnauthorized):
		// The provider answered, it just rejected the token.
		result.ProviderReachable = true
		result.ErrorMessage = err.Error()
	default:
		result.TokenValid = true
		result.ErrorMessage = err.Error()
	}

	if !result.TokenValid || !result.ProviderReachable {
		result.LayersFailed = eligible
		c.logUnhealthy(userID, p, result)
		return result
	}

	_, hasHistory := adapter.(provider.HistoryLister)
	for _, layer := range eligible {
		if layer == domain.LayerHistory && !hasHistory {
			result.LayersFailed = append(result.LayersFailed, layer)
			continue
		}
		result.LayersReady = append(result.LayersReady, layer)
	}

	result.Healthy = len(result.LayersReady) >= c.minReady
	if !result.Healthy {
		result.ErrorMessage = fmt.Sprintf("only %d layers ready, need %d", len(result.LayersReady), c.minReady)
		c.logUnhealthy(userID, p, result)
	}
	return result
}

func (c *Checker) logUnhealthy(userID string, p domain.Provider, result domain.HealthCheckResult) {
	c.logger.Warn("Provider health check failed",
		slog.String("user_id", userID),
		slog.String("provider", string(p)),
		slog.Bool("token_valid", result.TokenValid),
		slog.Bool("provider_reachable", result.ProviderReachable),
		slog.Int("layers_ready", len(result.LayersReady)),
		slog.String("error", result.ErrorMessage),
	)
}
