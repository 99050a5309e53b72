// Package reintegrate assembles per-subtask outputs into one final document.
// Sectioning strategy and output format are independent axes; a fragment table
// per format keeps the rendering uniform.
package reintegrate

import (
	"fmt"
	"html"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/models"
	"github.com/conductor-dev/conductor/internal/store"
)

// Strategy selects how results are grouped into sections.
type Strategy string

const (
	ByType            Strategy = "by-type"
	ByDependencyLevel Strategy = "by-dependency-level"
	ByExecutionOrder  Strategy = "by-execution-order"
)

// Format selects the output markup.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
	FormatPlain    Format = "plain"
)

// Options controls one composition run.
type Options struct {
	Strategy Strategy
	Format   Format
	Title    string
	// MaxContentLength truncates each result's content at the last newline
	// under the limit. Zero means unlimited.
	MaxContentLength int
}

// fragments are the per-format template pieces. header and footer take one
// string argument, section the section title, content and errLine the text.
type fragments struct {
	header  string
	partial string
	section string
	content string
	errLine string
	warning string
	footer  string
	escape  func(string) string
}

var fragmentTable = map[Format]fragments{
	FormatMarkdown: {
		header:  "# %s\n\n",
		partial: "> **Partial results:** %s\n\n",
		section: "## %s\n\n",
		content: "%s\n\n",
		errLine: "> **Error:** %s\n\n",
		warning: "> **Warning:** %s\n\n",
		footer:  "---\n\n_%s_\n",
		escape:  func(s string) string { return s },
	},
	FormatHTML: {
		header:  "<h1>%s</h1>\n",
		partial: "<p class=\"partial\"><strong>Partial results:</strong> %s</p>\n",
		section: "<h2>%s</h2>\n",
		content: "<div class=\"content\">%s</div>\n",
		errLine: "<p class=\"error\">Error: %s</p>\n",
		warning: "<p class=\"warning\">Warning: %s</p>\n",
		footer:  "<hr/>\n<footer>%s</footer>\n",
		escape:  html.EscapeString,
	},
	FormatPlain: {
		header:  "%s\n========\n\n",
		partial: "PARTIAL RESULTS: %s\n\n",
		section: "%s\n--------\n\n",
		content: "%s\n\n",
		errLine: "ERROR: %s\n\n",
		warning: "WARNING: %s\n\n",
		footer:  "%s\n",
		escape:  func(s string) string { return s },
	},
}

// section is one titled group of results.
type section struct {
	title   string
	results []*models.SubtaskResult
}

// Reintegrator turns reintegration data into a document.
type Reintegrator struct {
	logger *zap.Logger
}

// New creates a reintegrator.
func New(logger *zap.Logger) *Reintegrator {
	return &Reintegrator{logger: logger}
}

// Compose renders the final document. Unknown strategies and formats fall
// back to by-execution-order markdown.
func (r *Reintegrator) Compose(data *store.ReintegrationData, opts Options) (string, error) {
	if data == nil {
		return "", models.NewError(models.ErrKindSystem, "nil reintegration data")
	}
	frags, ok := fragmentTable[opts.Format]
	if !ok {
		frags = fragmentTable[FormatMarkdown]
	}

	title := opts.Title
	if title == "" {
		title = "Workflow " + data.WorkflowID
	}

	var b strings.Builder
	fmt.Fprintf(&b, frags.header, frags.escape(title))

	if data.State != nil && data.State.Status == models.WorkflowHalted {
		reason := data.State.HaltReason
		if reason == "" {
			reason = "execution halted"
		}
		fmt.Fprintf(&b, frags.partial, frags.escape("execution halted: "+reason))
	}

	for _, sec := range r.sections(data, opts.Strategy) {
		fmt.Fprintf(&b, frags.section, frags.escape(sec.title))
		for _, res := range sec.results {
			r.renderResult(&b, frags, data, res, opts.MaxContentLength)
		}
	}

	fmt.Fprintf(&b, frags.footer, frags.escape(summaryLine(data)))

	r.logger.Debug("Document composed",
		zap.String("workflow_id", data.WorkflowID),
		zap.String("strategy", string(opts.Strategy)),
		zap.String("format", string(opts.Format)),
		zap.Int("results", len(data.Results)),
	)
	return b.String(), nil
}

func (r *Reintegrator) renderResult(b *strings.Builder, frags fragments, data *store.ReintegrationData, res *models.SubtaskResult, limit int) {
	if st, ok := data.Subtasks[res.SubtaskID]; ok && st.Title != "" {
		fmt.Fprintf(b, frags.content, frags.escape("["+st.Title+"]"))
	}
	if res.Content != "" {
		fmt.Fprintf(b, frags.content, frags.escape(TruncateAtNewline(res.Content, limit)))
	}
	for _, msg := range res.Errors {
		fmt.Fprintf(b, frags.errLine, frags.escape(msg))
	}
	for _, msg := range res.Warnings {
		fmt.Fprintf(b, frags.warning, frags.escape(msg))
	}
}

// sections groups the ordered results according to the strategy. Results stay
// in execution order within each section.
func (r *Reintegrator) sections(data *store.ReintegrationData, strategy Strategy) []section {
	switch strategy {
	case ByType:
		return sectionsByType(data)
	case ByDependencyLevel:
		return sectionsByLevel(data)
	default:
		return sectionsByBatch(data)
	}
}

// typeOrder fixes the section ordering for by-type documents.
var typeOrder = []models.TaskType{
	models.TaskTypeResearch,
	models.TaskTypeAnalysis,
	models.TaskTypeCreation,
	models.TaskTypeValidation,
}

func typeTitle(t models.TaskType) string {
	switch t {
	case models.TaskTypeResearch:
		return "Research"
	case models.TaskTypeAnalysis:
		return "Analysis"
	case models.TaskTypeCreation:
		return "Creation"
	case models.TaskTypeValidation:
		return "Validation"
	default:
		return "Other"
	}
}

func sectionsByType(data *store.ReintegrationData) []section {
	grouped := make(map[models.TaskType][]*models.SubtaskResult)
	var other []*models.SubtaskResult
	for _, res := range data.Results {
		st, ok := data.Subtasks[res.SubtaskID]
		if !ok || !st.Type.Valid() {
			other = append(other, res)
			continue
		}
		grouped[st.Type] = append(grouped[st.Type], res)
	}

	var out []section
	for _, t := range typeOrder {
		if results := grouped[t]; len(results) > 0 {
			out = append(out, section{title: typeTitle(t), results: results})
		}
	}
	if len(other) > 0 {
		out = append(out, section{title: "Other", results: other})
	}
	return out
}

func sectionsByLevel(data *store.ReintegrationData) []section {
	grouped := make(map[int][]*models.SubtaskResult)
	for _, res := range data.Results {
		grouped[data.Levels[res.SubtaskID]] = append(grouped[data.Levels[res.SubtaskID]], res)
	}

	levels := make([]int, 0, len(grouped))
	for lvl := range grouped {
		levels = append(levels, lvl)
	}
	sort.Ints(levels)

	out := make([]section, 0, len(levels))
	for _, lvl := range levels {
		out = append(out, section{
			title:   fmt.Sprintf("Level %d", lvl),
			results: grouped[lvl],
		})
	}
	return out
}

// sectionsByBatch groups results by batch in first-seen (execution) order.
func sectionsByBatch(data *store.ReintegrationData) []section {
	var out []section
	index := make(map[string]int)
	for _, res := range data.Results {
		i, ok := index[res.BatchID]
		if !ok {
			i = len(out)
			index[res.BatchID] = i
			out = append(out, section{title: fmt.Sprintf("Stage %d", i+1)})
		}
		out[i].results = append(out[i].results, res)
	}
	return out
}

// TruncateAtNewline cuts s to at most limit bytes, preferring the last
// newline before the limit so no line is split mid-way. Zero or negative
// limit means unlimited.
func TruncateAtNewline(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := s[:limit]
	if i := strings.LastIndexByte(cut, '\n'); i > 0 {
		cut = cut[:i]
	}
	return cut + "\n[truncated]"
}

func summaryLine(data *store.ReintegrationData) string {
	var totalMs int64
	for _, res := range data.Results {
		totalMs += res.DurationMs
	}
	avgMs := int64(0)
	if len(data.Results) > 0 {
		avgMs = totalMs / int64(len(data.Results))
	}
	return fmt.Sprintf("%d results (%d completed, %d failed), total %dms, avg %dms",
		len(data.Results),
		data.ByStatus[models.SubtaskCompleted],
		data.ByStatus[models.SubtaskFailed],
		totalMs,
		avgMs,
	)
}
