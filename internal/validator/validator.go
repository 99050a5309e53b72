// Package validator runs rule-based checks over agent output and produces a
// pass/retry/halt verdict with an aggregate confidence.
package validator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/metrics"
	"github.com/conductor-dev/conductor/internal/models"
)

// RuleResult is the outcome of one rule evaluation.
type RuleResult struct {
	Name    string                    `json:"name"`
	Kind    models.ValidationRuleKind `json:"kind"`
	Passed  bool                      `json:"passed"`
	Score   float64                   `json:"score"` // in [0,1]
	Message string                    `json:"message,omitempty"`
	Details string                    `json:"details,omitempty"`
}

// Verdict aggregates all rule results for one output.
//
// passed     <=> no required rule failed and confidence >= MinThreshold
// shouldHalt <=> a required rule failed or confidence < HaltThreshold
// shouldRetry <=> retry enabled, not passed, not halting
type Verdict struct {
	Passed      bool         `json:"passed"`
	ShouldRetry bool         `json:"should_retry"`
	ShouldHalt  bool         `json:"should_halt"`
	Confidence  float64      `json:"confidence"`
	Results     []RuleResult `json:"results"`
}

// Validator evaluates configured rules against output strings.
type Validator struct {
	logger *zap.Logger
}

// New creates a validator.
func New(logger *zap.Logger) *Validator {
	return &Validator{logger: logger}
}

// Validate runs every rule in order and aggregates the verdict. A nil or
// empty config passes unconditionally with full confidence.
func (v *Validator) Validate(output string, cfg *models.ValidationConfig) Verdict {
	if cfg == nil || len(cfg.Rules) == 0 {
		return Verdict{Passed: true, Confidence: 1}
	}

	verdict := Verdict{Results: make([]RuleResult, 0, len(cfg.Rules))}
	var weightSum, scoreSum float64
	requiredFailed := false

	for _, rule := range cfg.Rules {
		res := v.evaluate(output, rule)
		verdict.Results = append(verdict.Results, res)

		w := rule.Weight
		if w <= 0 {
			w = 1
		}
		weightSum += w
		scoreSum += res.Score * w

		if rule.Required && !res.Passed {
			requiredFailed = true
		}
	}

	if weightSum > 0 {
		verdict.Confidence = scoreSum / weightSum
	}

	minThreshold := cfg.MinThreshold
	if minThreshold <= 0 {
		minThreshold = 0.7
	}
	haltThreshold := cfg.HaltThreshold
	if haltThreshold <= 0 {
		haltThreshold = 0.3
	}

	verdict.Passed = !requiredFailed && verdict.Confidence >= minThreshold
	verdict.ShouldHalt = requiredFailed || verdict.Confidence < haltThreshold
	verdict.ShouldRetry = cfg.RetryOnFailure && !verdict.Passed && !verdict.ShouldHalt

	switch {
	case verdict.Passed:
		metrics.ValidationVerdicts.WithLabelValues("passed").Inc()
	case verdict.ShouldHalt:
		metrics.ValidationVerdicts.WithLabelValues("halt").Inc()
	default:
		metrics.ValidationVerdicts.WithLabelValues("failed").Inc()
	}

	return verdict
}

func (v *Validator) evaluate(output string, rule models.ValidationRule) RuleResult {
	res := RuleResult{Name: rule.Name, Kind: rule.Kind}

	switch rule.Kind {
	case models.RuleSchema:
		res = evalSchema(output, rule)
	case models.RuleRegex:
		res = evalRegex(output, rule)
	case models.RuleSemantic:
		res = evalSemantic(output, rule)
	case models.RuleCustom:
		res = evalCustom(output, rule)
	default:
		res.Message = fmt.Sprintf("unknown rule kind %q", rule.Kind)
	}

	res.Name = rule.Name
	res.Kind = rule.Kind
	if !res.Passed {
		v.logger.Debug("Validation rule failed",
			zap.String("rule", rule.Name),
			zap.String("kind", string(rule.Kind)),
			zap.Float64("score", res.Score),
			zap.String("message", res.Message),
		)
	}
	return res
}

// schemaConfig declares the expected JSON shape for SCHEMA rules.
type schemaConfig struct {
	Type     string   `json:"type"` // object | array | string | number | boolean
	Required []string `json:"required,omitempty"`
}

func evalSchema(output string, rule models.ValidationRule) RuleResult {
	var cfg schemaConfig
	if len(rule.Config) > 0 {
		if err := json.Unmarshal(rule.Config, &cfg); err != nil {
			return RuleResult{Message: fmt.Sprintf("invalid schema config: %v", err)}
		}
	}

	var parsed any
	if err := json.Unmarshal([]byte(output), &parsed); err != nil {
		return RuleResult{Message: fmt.Sprintf("output is not valid JSON: %v", err)}
	}

	if cfg.Type != "" && !jsonTypeMatches(parsed, cfg.Type) {
		return RuleResult{Score: 0.3, Message: fmt.Sprintf("expected JSON %s", cfg.Type)}
	}

	if len(cfg.Required) > 0 {
		obj, ok := parsed.(map[string]any)
		if !ok {
			return RuleResult{Score: 0.3, Message: "required fields declared but output is not an object"}
		}
		var missing []string
		for _, field := range cfg.Required {
			if _, ok := obj[field]; !ok {
				missing = append(missing, field)
			}
		}
		if len(missing) > 0 {
			return RuleResult{
				Score:   0.5,
				Message: "missing required fields",
				Details: strings.Join(missing, ", "),
			}
		}
	}

	return RuleResult{Passed: true, Score: 1}
}

func jsonTypeMatches(v any, typ string) bool {
	switch typ {
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	}
	return true
}

// regexConfig declares the pattern for REGEX rules. Flags follow Go regexp
// inline syntax ("i", "m", "s" or any combination).
type regexConfig struct {
	Pattern string `json:"pattern"`
	Flags   string `json:"flags,omitempty"`
}

func evalRegex(output string, rule models.ValidationRule) RuleResult {
	var cfg regexConfig
	if err := json.Unmarshal(rule.Config, &cfg); err != nil || cfg.Pattern == "" {
		return RuleResult{Message: "regex rule requires a pattern"}
	}

	pattern := cfg.Pattern
	if cfg.Flags != "" {
		pattern = "(?" + cfg.Flags + ")" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return RuleResult{Message: fmt.Sprintf("invalid pattern: %v", err)}
	}

	if re.MatchString(output) {
		return RuleResult{Passed: true, Score: 1}
	}
	return RuleResult{Message: "no match for pattern", Details: cfg.Pattern}
}

// semanticConfig declares expected topics for SEMANTIC rules.
type semanticConfig struct {
	Topics              []string `json:"topics"`
	SimilarityThreshold float64  `json:"similarity_threshold,omitempty"`
}

func evalSemantic(output string, rule models.ValidationRule) RuleResult {
	var cfg semanticConfig
	if err := json.Unmarshal(rule.Config, &cfg); err != nil || len(cfg.Topics) == 0 {
		return RuleResult{Message: "semantic rule requires topics"}
	}
	threshold := cfg.SimilarityThreshold
	if threshold <= 0 {
		threshold = 0.5
	}

	outWords := wordSet(output)
	var best float64
	var bestTopic string
	for _, topic := range cfg.Topics {
		sim := similarity(outWords, wordSet(topic))
		if sim > best {
			best = sim
			bestTopic = topic
		}
	}

	res := RuleResult{Score: best, Details: bestTopic}
	if best >= threshold {
		res.Passed = true
	} else {
		res.Message = fmt.Sprintf("max topic similarity %.2f below threshold %.2f", best, threshold)
	}
	return res
}

// wordSet tokenizes into a lowercase set of words with length >= 3.
func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if len(w) >= 3 {
			set[w] = struct{}{}
		}
	}
	return set
}

// similarity is |intersection| / max(|a|,|b|), boosted x2 and capped at 1.
func similarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	denom := len(a)
	if len(b) > denom {
		denom = len(b)
	}
	sim := float64(inter) / float64(denom) * 2
	if sim > 1 {
		sim = 1
	}
	return sim
}
