package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TokenUsage records the token accounting reported by a provider.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// SubtaskResult is one attempt's output from an agent, as persisted by the
// result store. ExecutionOrder and Checksum are assigned at persist time.
type SubtaskResult struct {
	ID             string        `json:"id"`
	SubtaskID      string        `json:"subtask_id"`
	WorkflowID     string        `json:"workflow_id"`
	BatchID        string        `json:"batch_id,omitempty"`
	AgentID        string        `json:"agent_id"`
	Status         SubtaskStatus `json:"status"`
	Content        string        `json:"content"`
	Confidence     float64       `json:"confidence"`
	TokenUsage     TokenUsage    `json:"token_usage"`
	Errors         []string      `json:"errors,omitempty"`
	Warnings       []string      `json:"warnings,omitempty"`
	Attempt        int           `json:"attempt"`
	ExecutionOrder int64         `json:"execution_order"`
	DurationMs     int64         `json:"duration_ms"`
	GeneratedAt    time.Time     `json:"generated_at"`
	Checksum       string        `json:"checksum"`
}

// ComputeChecksum hashes the content-bearing fields of a result in a fixed
// order. The checksum must be recomputable from a stored row, so volatile
// fields (ExecutionOrder, GeneratedAt) are excluded.
func (r *SubtaskResult) ComputeChecksum() string {
	h := sha256.New()
	parts := []string{
		r.SubtaskID,
		r.AgentID,
		string(r.Status),
		r.Content,
		strconv.FormatFloat(r.Confidence, 'g', -1, 64),
		strconv.Itoa(r.TokenUsage.TotalTokens),
		strings.Join(r.Errors, "\x1f"),
		strings.Join(r.Warnings, "\x1f"),
	}
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Seal assigns the checksum from the current content-bearing fields.
func (r *SubtaskResult) Seal() {
	r.Checksum = r.ComputeChecksum()
}

// VerifyChecksum recomputes the hash and compares it to the stored value.
func (r *SubtaskResult) VerifyChecksum() error {
	want := r.ComputeChecksum()
	if r.Checksum != want {
		return fmt.Errorf("checksum mismatch for result %s: stored %s, computed %s", r.ID, r.Checksum, want)
	}
	return nil
}

// BatchMeta is the persisted record of one dispatched batch.
type BatchMeta struct {
	BatchID     string    `json:"batch_id"`
	WorkflowID  string    `json:"workflow_id"`
	Index       int       `json:"index"`
	SubtaskIDs  []string  `json:"subtask_ids"`
	TokenBudget int       `json:"token_budget"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}
