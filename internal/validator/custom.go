package validator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/conductor-dev/conductor/internal/models"
)

// customFunc evaluates output against a builtin's config.
type customFunc func(output string, config json.RawMessage) RuleResult

// builtins is the closed registry of CUSTOM rule implementations. Unknown
// names fail with score 0 rather than erroring the whole validation.
var builtins = map[string]customFunc{
	"wordCount":         customWordCount,
	"hasKeywords":       customHasKeywords,
	"sentimentPositive": customSentimentPositive,
	"sentimentNegative": customSentimentNegative,
	"codeBlocks":        customCodeBlocks,
	"urlsPresent":       customURLsPresent,
}

func evalCustom(output string, rule models.ValidationRule) RuleResult {
	fn, ok := builtins[rule.Name]
	if !ok {
		return RuleResult{Message: fmt.Sprintf("unknown custom rule %q", rule.Name)}
	}
	return fn(output, rule.Config)
}

type wordCountConfig struct {
	Min int `json:"min,omitempty"`
	Max int `json:"max,omitempty"`
}

func customWordCount(output string, config json.RawMessage) RuleResult {
	var cfg wordCountConfig
	if len(config) > 0 {
		_ = json.Unmarshal(config, &cfg)
	}
	n := len(strings.Fields(output))

	if cfg.Min > 0 && n < cfg.Min {
		return RuleResult{
			Score:   float64(n) / float64(cfg.Min),
			Message: fmt.Sprintf("%d words, need at least %d", n, cfg.Min),
		}
	}
	if cfg.Max > 0 && n > cfg.Max {
		return RuleResult{
			Score:   float64(cfg.Max) / float64(n),
			Message: fmt.Sprintf("%d words, limit is %d", n, cfg.Max),
		}
	}
	return RuleResult{Passed: true, Score: 1}
}

type keywordsConfig struct {
	Keywords      []string `json:"keywords"`
	CaseSensitive bool     `json:"case_sensitive,omitempty"`
}

func customHasKeywords(output string, config json.RawMessage) RuleResult {
	var cfg keywordsConfig
	if err := json.Unmarshal(config, &cfg); err != nil || len(cfg.Keywords) == 0 {
		return RuleResult{Message: "hasKeywords requires keywords"}
	}

	haystack := output
	if !cfg.CaseSensitive {
		haystack = strings.ToLower(output)
	}

	found := 0
	var missing []string
	for _, kw := range cfg.Keywords {
		needle := kw
		if !cfg.CaseSensitive {
			needle = strings.ToLower(kw)
		}
		if strings.Contains(haystack, needle) {
			found++
		} else {
			missing = append(missing, kw)
		}
	}

	score := float64(found) / float64(len(cfg.Keywords))
	if found == len(cfg.Keywords) {
		return RuleResult{Passed: true, Score: 1}
	}
	return RuleResult{
		Score:   score,
		Message: "missing keywords",
		Details: strings.Join(missing, ", "),
	}
}

var positiveWords = []string{
	"good", "great", "excellent", "success", "successful", "improve",
	"improved", "benefit", "positive", "effective", "strong", "clear",
}

var negativeWords = []string{
	"bad", "poor", "fail", "failed", "failure", "worse", "negative",
	"problem", "error", "broken", "weak", "unclear",
}

func sentimentBalance(output string) (pos, neg int) {
	lower := strings.ToLower(output)
	for _, w := range positiveWords {
		pos += strings.Count(lower, w)
	}
	for _, w := range negativeWords {
		neg += strings.Count(lower, w)
	}
	return pos, neg
}

func customSentimentPositive(output string, _ json.RawMessage) RuleResult {
	pos, neg := sentimentBalance(output)
	if pos > neg {
		return RuleResult{Passed: true, Score: 1}
	}
	if pos == neg {
		return RuleResult{Score: 0.5, Message: "neutral sentiment"}
	}
	return RuleResult{Score: 0, Message: fmt.Sprintf("negative sentiment (%d positive, %d negative)", pos, neg)}
}

func customSentimentNegative(output string, _ json.RawMessage) RuleResult {
	pos, neg := sentimentBalance(output)
	if neg > pos {
		return RuleResult{Passed: true, Score: 1}
	}
	if pos == neg {
		return RuleResult{Score: 0.5, Message: "neutral sentiment"}
	}
	return RuleResult{Score: 0, Message: fmt.Sprintf("positive sentiment (%d positive, %d negative)", pos, neg)}
}

var codeBlockRe = regexp.MustCompile("(?s)```.*?```")

type codeBlocksConfig struct {
	Min int `json:"min,omitempty"`
}

func customCodeBlocks(output string, config json.RawMessage) RuleResult {
	var cfg codeBlocksConfig
	if len(config) > 0 {
		_ = json.Unmarshal(config, &cfg)
	}
	min := cfg.Min
	if min <= 0 {
		min = 1
	}
	n := len(codeBlockRe.FindAllString(output, -1))
	if n >= min {
		return RuleResult{Passed: true, Score: 1}
	}
	score := 0.0
	if min > 0 {
		score = float64(n) / float64(min)
	}
	return RuleResult{Score: score, Message: fmt.Sprintf("%d fenced code blocks, need %d", n, min)}
}

var urlRe = regexp.MustCompile(`https?://[^\s)>\]]+`)

func customURLsPresent(output string, _ json.RawMessage) RuleResult {
	if urlRe.MatchString(output) {
		return RuleResult{Passed: true, Score: 1}
	}
	return RuleResult{Score: 0, Message: "no URLs found"}
}
