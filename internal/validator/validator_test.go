package validator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/conductor-dev/conductor/internal/models"
)

func newValidator(t *testing.T) *Validator {
	return New(zaptest.NewLogger(t))
}

func raw(t *testing.T, v any) json.RawMessage {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestEmptyConfigPasses(t *testing.T) {
	v := newValidator(t)
	verdict := v.Validate("anything", nil)
	assert.True(t, verdict.Passed)
	assert.Equal(t, float64(1), verdict.Confidence)
	assert.False(t, verdict.ShouldRetry)
	assert.False(t, verdict.ShouldHalt)
}

func TestSchemaRule(t *testing.T) {
	v := newValidator(t)
	cfg := &models.ValidationConfig{
		Rules: []models.ValidationRule{{
			Kind:     models.RuleSchema,
			Name:     "shape",
			Config:   raw(t, map[string]any{"type": "object", "required": []string{"summary", "items"}}),
			Weight:   1,
			Required: true,
		}},
		MinThreshold: 0.7,
	}

	verdict := v.Validate(`{"summary":"ok","items":[1,2]}`, cfg)
	assert.True(t, verdict.Passed)

	verdict = v.Validate(`{"summary":"ok"}`, cfg)
	assert.False(t, verdict.Passed)
	assert.True(t, verdict.ShouldHalt) // required rule failed
	assert.Contains(t, verdict.Results[0].Details, "items")

	verdict = v.Validate(`not json at all`, cfg)
	assert.False(t, verdict.Passed)
	assert.Equal(t, float64(0), verdict.Results[0].Score)
}

func TestRegexRule(t *testing.T) {
	v := newValidator(t)
	cfg := &models.ValidationConfig{
		Rules: []models.ValidationRule{{
			Kind:   models.RuleRegex,
			Name:   "heading",
			Config: raw(t, map[string]string{"pattern": `^#\s+\w+`, "flags": "m"}),
			Weight: 1,
		}},
		MinThreshold: 0.7,
	}

	assert.True(t, v.Validate("# Title\nbody", cfg).Passed)
	assert.False(t, v.Validate("no heading here", cfg).Passed)
}

func TestSemanticRule(t *testing.T) {
	v := newValidator(t)
	cfg := &models.ValidationConfig{
		Rules: []models.ValidationRule{{
			Kind:   models.RuleSemantic,
			Name:   "on-topic",
			Config: raw(t, map[string]any{"topics": []string{"database index performance"}}),
			Weight: 1,
		}},
		MinThreshold: 0.5,
	}

	verdict := v.Validate("the database index improves query performance substantially", cfg)
	assert.True(t, verdict.Passed)

	verdict = v.Validate("completely unrelated text about gardening flowers", cfg)
	assert.False(t, verdict.Passed)
}

func TestSimilarityBoostAndCap(t *testing.T) {
	a := wordSet("alpha beta gamma delta")
	assert.Equal(t, float64(1), similarity(a, a))

	b := wordSet("alpha beta")
	// |inter|=2, max=4 -> 0.5*2 = 1.0
	assert.Equal(t, float64(1), similarity(a, b))

	c := wordSet("alpha zzz yyy xxx")
	// |inter|=1, max=4 -> 0.25*2 = 0.5
	assert.InDelta(t, 0.5, similarity(a, c), 1e-9)
}

func TestCustomBuiltins(t *testing.T) {
	v := newValidator(t)

	mk := func(name string, cfg any) *models.ValidationConfig {
		return &models.ValidationConfig{
			Rules:        []models.ValidationRule{{Kind: models.RuleCustom, Name: name, Config: raw(t, cfg), Weight: 1}},
			MinThreshold: 0.7,
		}
	}

	assert.True(t, v.Validate("one two three four five", mk("wordCount", map[string]int{"min": 3})).Passed)
	assert.False(t, v.Validate("one two", mk("wordCount", map[string]int{"min": 3})).Passed)

	assert.True(t, v.Validate("covers latency and throughput", mk("hasKeywords", map[string]any{"keywords": []string{"latency", "throughput"}})).Passed)
	assert.False(t, v.Validate("covers latency only", mk("hasKeywords", map[string]any{"keywords": []string{"latency", "throughput"}})).Passed)

	assert.True(t, v.Validate("the results were excellent and effective", mk("sentimentPositive", nil)).Passed)
	assert.True(t, v.Validate("the approach is broken and failed", mk("sentimentNegative", nil)).Passed)

	assert.True(t, v.Validate("```go\nfmt.Println(1)\n```", mk("codeBlocks", nil)).Passed)
	assert.False(t, v.Validate("no code here", mk("codeBlocks", nil)).Passed)

	assert.True(t, v.Validate("see https://example.com/docs", mk("urlsPresent", nil)).Passed)
	assert.False(t, v.Validate("no links", mk("urlsPresent", nil)).Passed)
}

func TestUnknownCustomRuleFailsClosed(t *testing.T) {
	v := newValidator(t)
	cfg := &models.ValidationConfig{
		Rules:        []models.ValidationRule{{Kind: models.RuleCustom, Name: "nope", Weight: 1}},
		MinThreshold: 0.5,
	}
	verdict := v.Validate("anything", cfg)
	assert.False(t, verdict.Passed)
	assert.Equal(t, float64(0), verdict.Results[0].Score)
}

func TestWeightedConfidenceAggregation(t *testing.T) {
	v := newValidator(t)
	cfg := &models.ValidationConfig{
		Rules: []models.ValidationRule{
			{Kind: models.RuleCustom, Name: "urlsPresent", Weight: 3},
			{Kind: models.RuleCustom, Name: "codeBlocks", Weight: 1},
		},
		MinThreshold:   0.7,
		HaltThreshold:  0.2,
		RetryOnFailure: true,
	}

	// URL present (score 1, weight 3), no code block (score 0, weight 1):
	// confidence = 3/4 = 0.75 >= 0.7 -> passed.
	verdict := v.Validate("see https://example.com", cfg)
	assert.InDelta(t, 0.75, verdict.Confidence, 1e-9)
	assert.True(t, verdict.Passed)

	// Neither matches: confidence 0 < halt threshold -> halt, no retry.
	verdict = v.Validate("plain text", cfg)
	assert.True(t, verdict.ShouldHalt)
	assert.False(t, verdict.ShouldRetry)
}

func TestRetryVerdict(t *testing.T) {
	v := newValidator(t)
	cfg := &models.ValidationConfig{
		Rules: []models.ValidationRule{
			{Kind: models.RuleCustom, Name: "urlsPresent", Weight: 1},
			{Kind: models.RuleCustom, Name: "codeBlocks", Weight: 1},
		},
		MinThreshold:   0.9,
		HaltThreshold:  0.3,
		RetryOnFailure: true,
	}

	// One of two passes: confidence 0.5, between halt and min -> retry.
	verdict := v.Validate("see https://example.com", cfg)
	assert.False(t, verdict.Passed)
	assert.False(t, verdict.ShouldHalt)
	assert.True(t, verdict.ShouldRetry)
}
