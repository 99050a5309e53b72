// Package ratecontrol spaces outbound agent calls to respect provider RPM and
// TPM budgets. Limits come from an optional YAML file with per-provider and
// per-tier overrides, reloaded live when the file changes.
package ratecontrol

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// RateLimit is a requests-per-minute plus tokens-per-minute budget. A zero
// field means unlimited on that axis.
type RateLimit struct {
	RPM int `yaml:"rpm"`
	TPM int `yaml:"tpm"`
}

type ratesFile struct {
	RateLimits struct {
		DefaultRPM        int                  `yaml:"default_rpm"`
		DefaultTPM        int                  `yaml:"default_tpm"`
		TierOverrides     map[string]RateLimit `yaml:"tier_overrides"`
		ProviderOverrides map[string]RateLimit `yaml:"provider_overrides"`
	} `yaml:"rate_limits"`
}

// Conservative per-provider budgets used when no config file overrides them.
var builtinProviderLimits = map[string]RateLimit{
	"openai":    {RPM: 30, TPM: 60000},
	"anthropic": {RPM: 20, TPM: 40000},
	"google":    {RPM: 40, TPM: 80000},
	"custom":    {RPM: 45, TPM: 90000},
}

// Controller computes pre-call delays and enforces per-provider request rates.
type Controller struct {
	logger *zap.Logger

	mu       sync.RWMutex
	cfg      ratesFile
	limiters map[string]*rate.Limiter
	watcher  *fsnotify.Watcher
}

// New creates a controller, loading limits from path if it exists. An empty
// path falls back to CONDUCTOR_RATES_PATH and then ./config/rates.yaml.
func New(path string, logger *zap.Logger) *Controller {
	c := &Controller{
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
	if path == "" {
		path = os.Getenv("CONDUCTOR_RATES_PATH")
	}
	if path == "" {
		path = filepath.Join("config", "rates.yaml")
	}
	c.load(path)
	c.watch(path)
	return c
}

func (c *Controller) load(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var parsed ratesFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		c.logger.Warn("Ignoring malformed rate limit config",
			zap.String("path", path), zap.Error(err))
		return
	}
	c.mu.Lock()
	c.cfg = parsed
	c.limiters = make(map[string]*rate.Limiter) // rebuilt lazily at new rates
	c.mu.Unlock()
	c.logger.Info("Rate limit configuration loaded", zap.String("path", path))
}

// watch reloads the limits whenever the file is rewritten.
func (c *Controller) watch(path string) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		c.logger.Warn("Rate config watcher unavailable", zap.Error(err))
		return
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return
	}
	c.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name == path && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					c.load(path)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				c.logger.Warn("Rate config watcher error", zap.Error(err))
			}
		}
	}()
}

// Close stops the file watcher.
func (c *Controller) Close() error {
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

func normalize(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// LimitForTier returns the tier override or the configured defaults.
func (c *Controller) LimitForTier(tier string) RateLimit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if override, ok := c.cfg.RateLimits.TierOverrides[normalize(tier)]; ok {
		return override
	}
	return RateLimit{RPM: c.cfg.RateLimits.DefaultRPM, TPM: c.cfg.RateLimits.DefaultTPM}
}

// LimitForProvider returns the provider override, falling back to the builtin
// table.
func (c *Controller) LimitForProvider(provider string) RateLimit {
	c.mu.RLock()
	override, ok := c.cfg.RateLimits.ProviderOverrides[normalize(provider)]
	c.mu.RUnlock()
	if ok {
		return override
	}
	if limit, ok := builtinProviderLimits[normalize(provider)]; ok {
		return limit
	}
	return builtinProviderLimits["custom"]
}

// Combine takes the stricter budget on each axis; a zero side yields to the
// other so "unlimited" never wins over a real limit.
func Combine(a, b RateLimit) RateLimit {
	return RateLimit{
		RPM: stricter(a.RPM, b.RPM),
		TPM: stricter(a.TPM, b.TPM),
	}
}

func stricter(a, b int) int {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}

// DelayForRequest returns how long to wait before issuing a call of the given
// estimated token size, capped at one minute.
func (c *Controller) DelayForRequest(provider, tier string, estimatedTokens int) time.Duration {
	limit := Combine(c.LimitForTier(tier), c.LimitForProvider(provider))
	return delayForLimit(limit, estimatedTokens)
}

func delayForLimit(limit RateLimit, estimatedTokens int) time.Duration {
	if (limit.RPM <= 0 && limit.TPM <= 0) || estimatedTokens < 0 {
		return 0
	}
	var delayMs float64
	if limit.RPM > 0 {
		delayMs = 60000.0 / float64(limit.RPM)
	}
	if limit.TPM > 0 && estimatedTokens > 0 {
		perToken := 60000.0 / float64(limit.TPM)
		delayMs = math.Max(delayMs, perToken*float64(estimatedTokens))
	}
	if delayMs <= 0 {
		return 0
	}
	if delayMs > 60000 {
		delayMs = 60000
	}
	return time.Duration(math.Ceil(delayMs)) * time.Millisecond
}

// limiterFor lazily builds a token-bucket limiter at the provider's RPM.
func (c *Controller) limiterFor(provider string) *rate.Limiter {
	key := normalize(provider)

	c.mu.RLock()
	lim, ok := c.limiters[key]
	c.mu.RUnlock()
	if ok {
		return lim
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if lim, ok := c.limiters[key]; ok {
		return lim
	}
	budget := c.limitForProviderLocked(key)
	rpm := budget.RPM
	if rpm <= 0 {
		rpm = 60
	}
	lim = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1)
	c.limiters[key] = lim
	return lim
}

func (c *Controller) limitForProviderLocked(key string) RateLimit {
	if override, ok := c.cfg.RateLimits.ProviderOverrides[key]; ok {
		return override
	}
	if limit, ok := builtinProviderLimits[key]; ok {
		return limit
	}
	return builtinProviderLimits["custom"]
}

// Admit blocks until the provider's limiter admits one request and the token
// spacing delay has elapsed. Returns early on context cancellation.
func (c *Controller) Admit(ctx context.Context, provider, tier string, estimatedTokens int) error {
	if delay := c.DelayForRequest(provider, tier, estimatedTokens); delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return c.limiterFor(provider).Wait(ctx)
}
