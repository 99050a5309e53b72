// Package fallback tracks per-agent health and substitutes failing agents.
// It owns all agent-health state: circuit breakers, consecutive-failure
// counters, rolling success rates and response-time averages. Other
// components read health only through snapshot accessors.
package fallback

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/circuitbreaker"
	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/metrics"
	"github.com/conductor-dev/conductor/internal/models"
)

const (
	degradedThreshold = 3   // consecutive failures before degraded
	outcomeWindow     = 100 // rolling success-rate sample size
	responseEWMAAlpha = 0.2
)

// record is the mutable health state for one agent.
type record struct {
	status              models.HealthStatus
	consecutiveFailures int
	outcomes            []bool // ring of the last outcomeWindow results
	outcomeNext         int
	outcomeCount        int
	avgResponseMs       float64
	inFlight            int
	queued              int
	breaker             *circuitbreaker.Breaker
}

// Manager tracks agent health and selects replacement agents.
type Manager struct {
	cfg    config.FallbackConfig
	logger *zap.Logger

	mu        sync.RWMutex
	records   map[string]*record
	rrCounter uint64

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates a fallback manager.
func NewManager(cfg config.FallbackConfig, logger *zap.Logger) *Manager {
	if cfg.CircuitBreakerThreshold <= 0 {
		cfg.CircuitBreakerThreshold = 5
	}
	if cfg.CircuitBreakerTimeoutMs <= 0 {
		cfg.CircuitBreakerTimeoutMs = 300000
	}
	if cfg.MaxFallbackDepth <= 0 {
		cfg.MaxFallbackDepth = 3
	}
	if cfg.Strategy == "" {
		cfg.Strategy = "capability-based"
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger,
		records: make(map[string]*record),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// recordFor returns the health record, creating it on first sight.
// Caller must hold mu.
func (m *Manager) recordFor(agentID string) *record {
	r, ok := m.records[agentID]
	if !ok {
		cbCfg := circuitbreaker.DefaultConfig()
		cbCfg.FailureThreshold = uint32(m.cfg.CircuitBreakerThreshold)
		cbCfg.Timeout = time.Duration(m.cfg.CircuitBreakerTimeoutMs) * time.Millisecond
		cbCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
			metrics.CircuitTransitions.WithLabelValues(name, to.String()).Inc()
		}
		r = &record{
			status:   models.HealthHealthy,
			outcomes: make([]bool, outcomeWindow),
			breaker:  circuitbreaker.New(agentID, cbCfg, m.logger),
		}
		m.records[agentID] = r
	}
	return r
}

// AllowCall asks the agent's circuit breaker whether a call may proceed. The
// dispatcher consults it before every attempt so open circuits fail fast
// instead of burning a real call.
func (m *Manager) AllowCall(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recordFor(agentID).breaker.Allow()
}

// RecordSuccess feeds a successful call outcome into the agent's health.
func (m *Manager) RecordSuccess(agentID string, responseMs float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.recordFor(agentID)
	r.pushOutcome(true)
	r.updateResponse(responseMs)
	r.consecutiveFailures = 0
	r.breaker.RecordResult(true)
	if r.status != models.HealthCircuitOpen {
		r.status = models.HealthHealthy
	}
}

// RecordFailure feeds a failed call outcome into the agent's health, driving
// the healthy -> degraded -> circuit-open transitions.
func (m *Manager) RecordFailure(agentID string, responseMs float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.recordFor(agentID)
	r.pushOutcome(false)
	if responseMs > 0 {
		r.updateResponse(responseMs)
	}
	r.consecutiveFailures++
	// Generation stats reset when the breaker trips, so capture them first.
	counts := r.breaker.Counts()
	r.breaker.RecordResult(false)

	switch {
	case r.consecutiveFailures >= m.cfg.CircuitBreakerThreshold:
		if r.status != models.HealthCircuitOpen {
			r.status = models.HealthCircuitOpen
			m.logger.Warn("Agent circuit opened",
				zap.String("agent_id", agentID),
				zap.Int("consecutive_failures", r.consecutiveFailures),
				zap.Uint32("breaker_failures", counts.TotalFailures+1),
				zap.Time("open_until", r.breaker.OpenUntil()),
			)
		}
	case r.consecutiveFailures >= degradedThreshold:
		if r.status == models.HealthHealthy {
			r.status = models.HealthDegraded
			m.logger.Warn("Agent degraded",
				zap.String("agent_id", agentID),
				zap.Int("consecutive_failures", r.consecutiveFailures),
			)
		}
	}
}

func (r *record) pushOutcome(success bool) {
	r.outcomes[r.outcomeNext] = success
	r.outcomeNext = (r.outcomeNext + 1) % len(r.outcomes)
	if r.outcomeCount < len(r.outcomes) {
		r.outcomeCount++
	}
}

func (r *record) updateResponse(ms float64) {
	if ms <= 0 {
		return
	}
	if r.avgResponseMs == 0 {
		r.avgResponseMs = ms
		return
	}
	r.avgResponseMs = responseEWMAAlpha*ms + (1-responseEWMAAlpha)*r.avgResponseMs
}

func (r *record) successRate() float64 {
	if r.outcomeCount == 0 {
		return 1
	}
	ok := 0
	for i := 0; i < r.outcomeCount; i++ {
		if r.outcomes[i] {
			ok++
		}
	}
	return float64(ok) / float64(r.outcomeCount)
}

// IncInFlight notes a dispatched call; the dispatcher pairs it with DecInFlight.
func (m *Manager) IncInFlight(agentID string) {
	m.mu.Lock()
	m.recordFor(agentID).inFlight++
	m.mu.Unlock()
	metrics.AgentInFlight.WithLabelValues(agentID).Inc()
}

// DecInFlight notes call completion.
func (m *Manager) DecInFlight(agentID string) {
	m.mu.Lock()
	if r, ok := m.records[agentID]; ok && r.inFlight > 0 {
		r.inFlight--
	}
	m.mu.Unlock()
	metrics.AgentInFlight.WithLabelValues(agentID).Dec()
}

// Selectable implements the matcher's health gate: circuit-open agents stay
// excluded until the breaker expiry passes, at which point the agent lazily
// re-enters as degraded with its failure run cleared.
func (m *Manager) Selectable(agentID string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[agentID]
	if !ok {
		return true // never seen, assume healthy
	}
	switch r.status {
	case models.HealthFailed:
		return false
	case models.HealthCircuitOpen:
		openUntil := r.breaker.OpenUntil()
		if !openUntil.IsZero() && now.Before(openUntil) {
			return false
		}
		r.status = models.HealthDegraded
		r.consecutiveFailures = 0
		m.logger.Info("Agent circuit expired, re-entering as degraded",
			zap.String("agent_id", agentID))
		return true
	}
	return true
}

// Health returns a point-in-time copy of one agent's health.
func (m *Manager) Health(agentID string) *models.AgentHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[agentID]
	if !ok {
		return &models.AgentHealth{AgentID: agentID, Status: models.HealthHealthy, SuccessRate: 1}
	}
	return &models.AgentHealth{
		AgentID:             agentID,
		Status:              r.status,
		ConsecutiveFailures: r.consecutiveFailures,
		SuccessRate:         r.successRate(),
		AvgResponseMs:       r.avgResponseMs,
		InFlight:            r.inFlight,
		Queued:              r.queued,
		CircuitOpenUntil:    r.breaker.OpenUntil(),
	}
}

// Snapshot returns health copies for every tracked agent.
func (m *Manager) Snapshot() map[string]*models.AgentHealth {
	m.mu.RLock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	out := make(map[string]*models.AgentHealth, len(ids))
	for _, id := range ids {
		out[id] = m.Health(id)
	}
	return out
}
