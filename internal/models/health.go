package models

import "time"

// HealthStatus classifies an agent's availability for selection.
type HealthStatus string

const (
	HealthHealthy     HealthStatus = "healthy"
	HealthDegraded    HealthStatus = "degraded"
	HealthFailed      HealthStatus = "failed"
	HealthCircuitOpen HealthStatus = "circuit-open"
)

// AgentHealth is a snapshot of one agent's tracked health. Produced by the
// fallback manager; consumers must treat it as read-only.
type AgentHealth struct {
	AgentID             string       `json:"agent_id"`
	Status              HealthStatus `json:"status"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	SuccessRate         float64      `json:"success_rate"`
	AvgResponseMs       float64      `json:"avg_response_ms"`
	InFlight            int          `json:"in_flight"`
	Queued              int          `json:"queued"`
	CircuitOpenUntil    time.Time    `json:"circuit_open_until,omitempty"`
}

// Selectable reports whether the agent may be chosen at the given instant.
// Circuit-open agents stay excluded until their breaker expiry has passed.
func (h *AgentHealth) Selectable(now time.Time) bool {
	switch h.Status {
	case HealthFailed:
		return false
	case HealthCircuitOpen:
		return now.After(h.CircuitOpenUntil)
	}
	return true
}
