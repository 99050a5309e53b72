package fallback

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/metrics"
	"github.com/conductor-dev/conductor/internal/models"
)

// Selection strategies. The configured default is capability-based.
const (
	StrategyRoundRobin       = "round-robin"
	StrategyLeastLoaded      = "least-loaded"
	StrategyCapabilityBased  = "capability-based"
	StrategyPerformanceBased = "performance-based"
)

// SelectAgent picks a replacement agent for the subtask from the pool,
// honoring health gates and the configured strategy. Agents in exclude are
// skipped (typically the agent that just failed plus earlier fallbacks).
func (m *Manager) SelectAgent(subtask *models.Subtask, pool []*models.Agent, exclude map[string]bool) (*models.Agent, error) {
	now := time.Now()
	candidates := make([]*models.Agent, 0, len(pool))
	for _, a := range pool {
		if a == nil || exclude[a.ID] || !a.Available {
			continue
		}
		if !m.Selectable(a.ID, now) {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return nil, models.NewError(models.ErrKindSystem, "no selectable agent remains").WithSubtask(subtask.ID)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	switch m.cfg.Strategy {
	case StrategyRoundRobin:
		return m.selectRoundRobin(candidates), nil
	case StrategyLeastLoaded:
		return m.selectLeastLoaded(candidates), nil
	case StrategyPerformanceBased:
		return m.selectPerformance(candidates), nil
	default:
		return m.selectCapability(subtask, candidates), nil
	}
}

func (m *Manager) selectRoundRobin(candidates []*models.Agent) *models.Agent {
	m.mu.Lock()
	idx := m.rrCounter % uint64(len(candidates))
	m.rrCounter++
	m.mu.Unlock()
	return candidates[idx]
}

func (m *Manager) selectLeastLoaded(candidates []*models.Agent) *models.Agent {
	best := candidates[0]
	bestLoad := m.load(best.ID)
	for _, a := range candidates[1:] {
		if l := m.load(a.ID); l < bestLoad {
			best, bestLoad = a, l
		}
	}
	return best
}

func (m *Manager) load(agentID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[agentID]
	if !ok {
		return 0
	}
	return r.inFlight + r.queued
}

// selectCapability prefers agents whose capabilities cover the subtask's
// category, ordering them by success rate with degraded agents discounted.
func (m *Manager) selectCapability(subtask *models.Subtask, candidates []*models.Agent) *models.Agent {
	var best *models.Agent
	var bestScore float64 = -1
	for _, a := range candidates {
		score := 0.0
		if a.HasCapability(subtask.Type) {
			score = 1
		}
		h := m.Health(a.ID)
		score += h.SuccessRate
		if h.Status == models.HealthDegraded {
			score *= 0.5
		}
		if score > bestScore {
			best, bestScore = a, score
		}
	}
	return best
}

// selectPerformance ranks by a composite of success rate, load headroom,
// response speed and health, weighted 0.4 / 0.3 / 0.2 / 0.1.
func (m *Manager) selectPerformance(candidates []*models.Agent) *models.Agent {
	var best *models.Agent
	var bestScore float64 = -1
	for _, a := range candidates {
		h := m.Health(a.ID)

		loadFactor := 1 - float64(h.InFlight+h.Queued)/10
		if loadFactor < 0 {
			loadFactor = 0
		}
		respSeconds := h.AvgResponseMs / 1000
		if respSeconds < 1 {
			respSeconds = 1
		}
		healthFactor := 1.0
		if h.Status != models.HealthHealthy {
			healthFactor = 0.5
		}

		score := 0.4*h.SuccessRate + 0.3*loadFactor + 0.2*(1/respSeconds) + 0.1*healthFactor
		if score > bestScore {
			best, bestScore = a, score
		}
	}
	return best
}

// ExecuteFallback records the failure and walks the fallback chain: it keeps
// selecting replacement agents up to MaxFallbackDepth, pausing the configured
// delay between hops. The caller retries the subtask on the returned agent.
func (m *Manager) ExecuteFallback(ctx context.Context, subtask *models.Subtask, failedAgentID string, pool []*models.Agent) (*models.Agent, error) {
	if !m.cfg.Enabled {
		return nil, models.NewError(models.ErrKindSystem, "fallback disabled").WithSubtask(subtask.ID)
	}

	exclude := map[string]bool{failedAgentID: true}
	delay := time.Duration(m.cfg.FallbackDelayMs) * time.Millisecond

	var lastErr error
	for depth := 1; depth <= m.cfg.MaxFallbackDepth; depth++ {
		if err := m.sleep(ctx, delay); err != nil {
			return nil, models.WrapError(models.ErrKindCancelled, err).WithSubtask(subtask.ID)
		}

		agent, err := m.SelectAgent(subtask, pool, exclude)
		if err != nil {
			lastErr = err
			break
		}

		metrics.FallbacksExecuted.WithLabelValues(m.cfg.Strategy).Inc()
		m.logger.Info("Fallback agent selected",
			zap.String("subtask_id", subtask.ID),
			zap.String("failed_agent", failedAgentID),
			zap.String("fallback_agent", agent.ID),
			zap.Int("depth", depth),
		)
		return agent, nil
	}

	if lastErr == nil {
		lastErr = models.NewError(models.ErrKindSystem, "fallback chain exhausted").WithSubtask(subtask.ID)
	}
	return nil, lastErr
}
