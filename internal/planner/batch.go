package planner

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/models"
)

// Batch is one dependency-closed group of subtasks dispatched together.
type Batch struct {
	ID          string
	Index       int
	Tasks       []*models.Subtask
	TokenBudget int // sum of member token estimates
}

// Plan is the planner's output: ordered batches plus non-fatal warnings.
type Plan struct {
	Batches      []Batch
	Warnings     []string
	RemovedEdges []string
}

// Planner batches subtasks under the configured size and token budgets.
type Planner struct {
	cfg    config.BatchingConfig
	logger *zap.Logger
}

// New creates a planner.
func New(cfg config.BatchingConfig, logger *zap.Logger) *Planner {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 10
	}
	if cfg.MaxTokensPerBatch <= 0 {
		cfg.MaxTokensPerBatch = 8000
	}
	return &Planner{cfg: cfg, logger: logger}
}

// EstimateTokens approximates a subtask's prompt size: one token per four
// characters of title, description and metadata JSON, plus 50 for framing.
func EstimateTokens(t *models.Subtask) int {
	meta, _ := json.Marshal(t.Metadata)
	chars := len(t.Title) + len(t.Description) + len(meta)
	return (chars+3)/4 + 50
}

// Plan resolves cycles, orders tasks, and packs them into batches. An empty
// task set yields an empty plan. Returns CycleUnresolvable if cycles survive
// resolution.
func (p *Planner) Plan(tasks []*models.Subtask) (*Plan, error) {
	plan := &Plan{}
	if len(tasks) == 0 {
		return plan, nil
	}

	report := DetectCycles(tasks)
	if report.HasCycles() {
		p.logger.Warn("Dependency cycles detected, resolving",
			zap.Int("cycles", len(report.Cycles)),
			zap.Int("affected", len(report.Affected)),
		)
		plan.RemovedEdges = ResolveCycles(tasks, report, p.logger)
		if residual := DetectCycles(tasks); residual.HasCycles() {
			// One removal per cycle should clear everything reachable;
			// anything left means overlapping cycles. Resolve again before
			// giving up.
			plan.RemovedEdges = append(plan.RemovedEdges, ResolveCycles(tasks, residual, p.logger)...)
		}
	}

	ordered, err := TopologicalSort(tasks)
	if err != nil {
		return nil, err
	}

	plan.Batches, plan.Warnings = p.pack(ordered)
	if p.cfg.BalanceWorkloads {
		p.balance(plan.Batches)
	}

	p.logger.Info("Execution plan built",
		zap.Int("tasks", len(tasks)),
		zap.Int("batches", len(plan.Batches)),
		zap.Int("removed_edges", len(plan.RemovedEdges)),
	)
	return plan, nil
}

// pack greedily fills batches in topological order. A task joins the current
// batch only if the batch has room, the token budget holds, and (when
// dependencies are respected) every BLOCKING predecessor landed in a prior
// batch.
func (p *Planner) pack(ordered []*models.Subtask) ([]Batch, []string) {
	var batches []Batch
	var warnings []string

	batchOf := make(map[string]int) // subtask id -> batch index
	current := Batch{ID: models.NewID(), Index: 0}

	seal := func() {
		if len(current.Tasks) > 0 {
			batches = append(batches, current)
			current = Batch{ID: models.NewID(), Index: len(batches)}
		}
	}

	for _, t := range ordered {
		est := EstimateTokens(t)

		if est > p.cfg.MaxTokensPerBatch {
			// Oversized tasks get a dedicated batch rather than failing the plan.
			warnings = append(warnings,
				fmt.Sprintf("subtask %s estimate %d exceeds per-batch token budget %d; placed alone", t.ID, est, p.cfg.MaxTokensPerBatch))
			seal()
			current.Tasks = append(current.Tasks, t)
			current.TokenBudget = est
			batchOf[t.ID] = current.Index
			seal()
			continue
		}

		fits := len(current.Tasks) < p.cfg.MaxBatchSize &&
			current.TokenBudget+est <= p.cfg.MaxTokensPerBatch &&
			(!p.cfg.RespectDependencies || p.blockingDepsSealed(t, batchOf, current.Index))

		if !fits {
			seal()
		}
		current.Tasks = append(current.Tasks, t)
		current.TokenBudget += est
		batchOf[t.ID] = current.Index
	}
	seal()

	return batches, warnings
}

// blockingDepsSealed reports whether every BLOCKING predecessor of t sits in a
// batch strictly before currentIndex.
func (p *Planner) blockingDepsSealed(t *models.Subtask, batchOf map[string]int, currentIndex int) bool {
	for _, dep := range t.Dependencies {
		if dep.Kind != models.DependencyBlocking {
			continue
		}
		idx, ok := batchOf[dep.TargetID]
		if !ok {
			continue // dependency outside this plan
		}
		if idx >= currentIndex {
			return false
		}
	}
	return true
}

// balance evens out token load across batches: while the heaviest batch
// carries more than 1.2x the lightest, move its last task to the lightest
// batch when no dependency ordering would break. Capped at 10 iterations.
func (p *Planner) balance(batches []Batch) {
	if len(batches) < 2 {
		return
	}

	batchOf := make(map[string]int)
	blockedBy := make(map[string][]string) // target id -> ids holding a BLOCKING edge on it
	for _, b := range batches {
		for _, t := range b.Tasks {
			batchOf[t.ID] = b.Index
			for _, dep := range t.Dependencies {
				if dep.Kind == models.DependencyBlocking {
					blockedBy[dep.TargetID] = append(blockedBy[dep.TargetID], t.ID)
				}
			}
		}
	}

	for iter := 0; iter < 10; iter++ {
		heaviest, lightest := 0, 0
		for i := range batches {
			if batches[i].TokenBudget > batches[heaviest].TokenBudget {
				heaviest = i
			}
			if batches[i].TokenBudget < batches[lightest].TokenBudget {
				lightest = i
			}
		}
		if heaviest == lightest ||
			float64(batches[heaviest].TokenBudget) <= 1.2*float64(batches[lightest].TokenBudget) {
			return
		}

		src := &batches[heaviest]
		if len(src.Tasks) <= 1 {
			return
		}
		t := src.Tasks[len(src.Tasks)-1]
		if !moveAllowed(t, batchOf, blockedBy, batches[lightest].Index) {
			return
		}

		dst := &batches[lightest]
		src.Tasks = src.Tasks[:len(src.Tasks)-1]
		est := EstimateTokens(t)
		src.TokenBudget -= est
		dst.Tasks = append(dst.Tasks, t)
		dst.TokenBudget += est
		batchOf[t.ID] = dst.Index

		p.logger.Debug("Rebalanced subtask across batches",
			zap.String("subtask", t.ID),
			zap.Int("from", src.Index),
			zap.Int("to", dst.Index),
		)
	}
}

// moveAllowed checks the dependency ordering for relocating t into the batch
// at destIndex: blocking predecessors must stay strictly earlier, and tasks
// blocking on t must stay strictly later.
func moveAllowed(t *models.Subtask, batchOf map[string]int, blockedBy map[string][]string, destIndex int) bool {
	for _, dep := range t.Dependencies {
		if dep.Kind != models.DependencyBlocking {
			continue
		}
		if idx, ok := batchOf[dep.TargetID]; ok && idx >= destIndex {
			return false
		}
	}
	for _, dependent := range blockedBy[t.ID] {
		if idx, ok := batchOf[dependent]; ok && idx <= destIndex {
			return false
		}
	}
	return true
}
