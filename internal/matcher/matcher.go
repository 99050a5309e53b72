// Package matcher scores agents against subtasks and produces assignments.
// Scores combine capability coverage, proficiency, cost and availability on a
// 0-100 scale with configurable weights.
package matcher

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/models"
)

// HealthGate answers whether an agent may currently be selected. The fallback
// manager implements this; a nil gate admits everyone.
type HealthGate interface {
	Selectable(agentID string, now time.Time) bool
}

// MatchResult is one ranked candidate for a subtask.
type MatchResult struct {
	AgentID     string  `json:"agent_id"`
	Score       float64 `json:"score"`
	EstCost     float64 `json:"est_cost"`
	EstDuration float64 `json:"est_duration_minutes"`
	Notes       string  `json:"notes,omitempty"`
}

// Matcher ranks agents for subtasks.
type Matcher struct {
	cfg    config.MatcherConfig
	health HealthGate
	logger *zap.Logger
}

// New creates a matcher. health may be nil.
func New(cfg config.MatcherConfig, health HealthGate, logger *zap.Logger) *Matcher {
	if cfg.CostCeilingUSD <= 0 {
		cfg.CostCeilingUSD = 50
	}
	if cfg.CapabilityWeight+cfg.ProficiencyWeight+cfg.CostWeight+cfg.AvailabilityWeight <= 0 {
		cfg.CapabilityWeight = 0.4
		cfg.ProficiencyWeight = 0.3
		cfg.CostWeight = 0.2
		cfg.AvailabilityWeight = 0.1
	}
	return &Matcher{cfg: cfg, health: health, logger: logger}
}

// defaultDurationMinutes is the per-type baseline when a subtask carries no
// estimate.
func defaultDurationMinutes(typ models.TaskType) float64 {
	switch typ {
	case models.TaskTypeResearch:
		return 20
	case models.TaskTypeAnalysis:
		return 15
	case models.TaskTypeCreation:
		return 30
	case models.TaskTypeValidation:
		return 10
	default:
		return 15
	}
}

// Match ranks all selectable agents for the subtask, best first. When nothing
// scores, or everything scores poorly, an available agent is injected with a
// floor score so execution can still proceed.
func (m *Matcher) Match(subtask *models.Subtask, agents []*models.Agent) []MatchResult {
	now := time.Now()
	results := make([]MatchResult, 0, len(agents))

	for _, agent := range agents {
		if m.health != nil && !m.health.Selectable(agent.ID, now) {
			continue
		}
		results = append(results, m.score(subtask, agent))
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].AgentID < results[j].AgentID
	})

	results = m.applyFallbackRules(subtask, agents, results, now)
	return results
}

const (
	fallbackFloorScore   = 30
	lowQualityBound      = 40
	categoryBonus        = 20
	capabilityPointsEach = 25
)

// applyFallbackRules injects an arbitrary available agent when the ranking is
// empty (no_matches) or uniformly poor (low_quality_matches).
func (m *Matcher) applyFallbackRules(subtask *models.Subtask, agents []*models.Agent, results []MatchResult, now time.Time) []MatchResult {
	needFallback := len(results) == 0 || results[0].Score < lowQualityBound
	if !needFallback {
		return results
	}

	ranked := make(map[string]bool, len(results))
	for _, r := range results {
		ranked[r.AgentID] = true
	}

	for _, agent := range agents {
		if !agent.Available || ranked[agent.ID] {
			continue
		}
		if m.health != nil && !m.health.Selectable(agent.ID, now) {
			continue
		}
		rule := "no_matches"
		if len(results) > 0 {
			rule = "low_quality_matches"
		}
		m.logger.Warn("Matcher fallback rule fired",
			zap.String("subtask_id", subtask.ID),
			zap.String("agent_id", agent.ID),
			zap.String("rule", rule),
		)
		results = append(results, MatchResult{
			AgentID:     agent.ID,
			Score:       fallbackFloorScore,
			EstDuration: defaultDurationMinutes(subtask.Type),
			Notes:       "fallback: " + rule,
		})
		break
	}
	return results
}

// score computes the weighted 0-100 score for one agent.
func (m *Matcher) score(subtask *models.Subtask, agent *models.Agent) MatchResult {
	relevant := relevantCapabilities(subtask, agent)

	capScore := float64(len(relevant)) * capabilityPointsEach
	if capScore > 100 {
		capScore = 100
	}
	for _, c := range relevant {
		if c.Category == subtask.Type {
			capScore += categoryBonus
			break
		}
	}
	if capScore > 100 {
		capScore = 100
	}

	var profScore float64
	if len(relevant) > 0 {
		for _, c := range relevant {
			profScore += c.Proficiency.Score()
		}
		profScore /= float64(len(relevant))
	}

	estDuration := m.estimateDuration(subtask, agent)
	costScore := 100.0
	var estCost float64
	if agent.CostPerMinute != nil {
		estCost = estDuration * (*agent.CostPerMinute)
		costScore = 100 - (estCost/m.cfg.CostCeilingUSD)*100
		if costScore < 0 {
			costScore = 0
		}
	}

	availScore := 0.0
	if agent.Available {
		availScore = 100
	}

	weightSum := m.cfg.CapabilityWeight + m.cfg.ProficiencyWeight + m.cfg.CostWeight + m.cfg.AvailabilityWeight
	score := (capScore*m.cfg.CapabilityWeight +
		profScore*m.cfg.ProficiencyWeight +
		costScore*m.cfg.CostWeight +
		availScore*m.cfg.AvailabilityWeight) / weightSum

	return MatchResult{
		AgentID:     agent.ID,
		Score:       score,
		EstCost:     estCost,
		EstDuration: estDuration,
		Notes:       fmt.Sprintf("cap=%.0f prof=%.0f cost=%.0f avail=%.0f", capScore, profScore, costScore, availScore),
	}
}

// estimateDuration scales the subtask's estimate (or the per-type default) by
// the agent's performance multiplier: strong agents finish faster, floor 0.5x.
func (m *Matcher) estimateDuration(subtask *models.Subtask, agent *models.Agent) float64 {
	base := subtask.EstimatedMinutes
	if base <= 0 {
		base = defaultDurationMinutes(subtask.Type)
	}
	perf := agent.Performance
	mult := 1.5 - (perf.QualityScore*0.3 + perf.SuccessRate*0.2)
	if mult < 0.5 {
		mult = 0.5
	}
	return base * mult
}

func relevantCapabilities(subtask *models.Subtask, agent *models.Agent) []models.Capability {
	var out []models.Capability
	for _, c := range agent.Capabilities {
		if c.Category == subtask.Type || related(c.Category, subtask.Type) {
			out = append(out, c)
		}
	}
	return out
}

// related pairs adjacent categories: research feeds analysis, validation
// checks creation.
func related(have, want models.TaskType) bool {
	switch want {
	case models.TaskTypeAnalysis:
		return have == models.TaskTypeResearch
	case models.TaskTypeValidation:
		return have == models.TaskTypeCreation
	}
	return false
}

// Assign walks subtasks in priority order and binds each to its best-ranked
// agent, spreading load by preferring agents without an assignment in this
// pass. When the free pool is exhausted, already-assigned agents are reused.
func (m *Matcher) Assign(subtasks []*models.Subtask, agents []*models.Agent) map[string]string {
	ordered := make([]*models.Subtask, len(subtasks))
	copy(ordered, subtasks)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority.Rank() > ordered[j].Priority.Rank()
	})

	assignments := make(map[string]string, len(subtasks))
	used := make(map[string]bool, len(agents))

	for _, st := range ordered {
		ranked := m.Match(st, agents)
		if len(ranked) == 0 {
			m.logger.Warn("No agent available for subtask", zap.String("subtask_id", st.ID))
			continue
		}

		chosen := ranked[0]
		for _, r := range ranked {
			if !used[r.AgentID] {
				chosen = r
				break
			}
		}

		assignments[st.ID] = chosen.AgentID
		used[chosen.AgentID] = true
		st.AssignedAgentID = chosen.AgentID
		if st.Status == models.SubtaskPending {
			st.Status = models.SubtaskAssigned
		}

		m.logger.Debug("Assigned agent to subtask",
			zap.String("subtask_id", st.ID),
			zap.String("agent_id", chosen.AgentID),
			zap.Float64("score", chosen.Score),
		)
	}

	return assignments
}
