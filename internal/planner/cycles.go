// Package planner converts a workflow's subtasks into an ordered sequence of
// dependency-respecting batches: cycle detection and resolution, deterministic
// topological ordering, then greedy packing under size and token budgets.
package planner

import (
	"sort"

	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/models"
)

// CycleReport lists every dependency cycle found and the subtasks involved.
type CycleReport struct {
	Cycles   [][]string
	Affected map[string]struct{}
}

// HasCycles reports whether any cycle was found.
func (r CycleReport) HasCycles() bool { return len(r.Cycles) > 0 }

type color uint8

const (
	white color = iota // unvisited
	grey               // on the current DFS path
	black              // fully explored
)

// DetectCycles finds dependency cycles with an iterative DFS over the
// precedence graph. Reentering a grey node closes a cycle; the cycle is the
// slice of the current path from that node's first occurrence.
func DetectCycles(tasks []*models.Subtask) CycleReport {
	report := CycleReport{Affected: make(map[string]struct{})}
	if len(tasks) == 0 {
		return report
	}

	byID := make(map[string]*models.Subtask, len(tasks))
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		ids = append(ids, t.ID)
	}
	sort.Strings(ids) // deterministic traversal order

	colors := make(map[string]color, len(tasks))
	seen := make(map[string]bool) // cycle dedup by canonical key

	type frame struct {
		id   string
		next int
	}

	for _, root := range ids {
		if colors[root] != white {
			continue
		}

		var stack []frame
		var path []string
		colors[root] = grey
		stack = append(stack, frame{id: root})
		path = append(path, root)

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			task := byID[top.id]

			if top.next < len(task.Dependencies) {
				dep := task.Dependencies[top.next]
				top.next++

				target := dep.TargetID
				if target == top.id {
					continue // self-dependency, dropped silently
				}
				if _, ok := byID[target]; !ok {
					continue // dangling reference, not a cycle
				}

				switch colors[target] {
				case white:
					colors[target] = grey
					stack = append(stack, frame{id: target})
					path = append(path, target)
				case grey:
					// Cycle: slice the path from target's first occurrence.
					start := 0
					for i, id := range path {
						if id == target {
							start = i
							break
						}
					}
					cycle := append([]string(nil), path[start:]...)
					key := canonicalCycleKey(cycle)
					if !seen[key] {
						seen[key] = true
						report.Cycles = append(report.Cycles, cycle)
						for _, id := range cycle {
							report.Affected[id] = struct{}{}
						}
					}
				}
			} else {
				colors[top.id] = black
				stack = stack[:len(stack)-1]
				path = path[:len(path)-1]
			}
		}
	}

	return report
}

// canonicalCycleKey rotates the cycle to start at its smallest id so the same
// cycle found from different entry points dedups to one report entry.
func canonicalCycleKey(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	min := 0
	for i, id := range cycle {
		if id < cycle[min] {
			min = i
		}
	}
	key := ""
	for i := 0; i < len(cycle); i++ {
		key += cycle[(min+i)%len(cycle)] + "|"
	}
	return key
}

// edgeRef identifies one dependency entry: the subtask holding it and the
// index into its Dependencies slice.
type edgeRef struct {
	sourceID string
	index    int
	score    int
}

// ResolveCycles removes the single lowest-criticality edge of each cycle.
// Criticality is BLOCKING=10 / SOFT=3 plus the holder's priority contribution;
// ties break toward the earliest lexicographic source id so resolution is
// deterministic. Returns the modified tasks (in place) and the removed edges
// as human-readable descriptions.
func ResolveCycles(tasks []*models.Subtask, report CycleReport, logger *zap.Logger) []string {
	if !report.HasCycles() {
		return nil
	}

	byID := make(map[string]*models.Subtask, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	var removed []string
	for _, cycle := range report.Cycles {
		inCycle := make(map[string]bool, len(cycle))
		for _, id := range cycle {
			inCycle[id] = true
		}

		var candidates []edgeRef
		for _, id := range cycle {
			task := byID[id]
			if task == nil {
				continue
			}
			for i, dep := range task.Dependencies {
				if !inCycle[dep.TargetID] {
					continue
				}
				candidates = append(candidates, edgeRef{
					sourceID: id,
					index:    i,
					score:    edgeCriticality(dep.Kind, task.Priority),
				})
			}
		}
		if len(candidates) == 0 {
			continue
		}

		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].score != candidates[j].score {
				return candidates[i].score < candidates[j].score
			}
			return candidates[i].sourceID < candidates[j].sourceID
		})

		victim := candidates[0]
		task := byID[victim.sourceID]
		edge := task.Dependencies[victim.index]
		task.Dependencies = append(task.Dependencies[:victim.index], task.Dependencies[victim.index+1:]...)
		removed = append(removed, victim.sourceID+" -> "+edge.TargetID)

		if logger != nil {
			logger.Info("Removed dependency edge to break cycle",
				zap.String("source", victim.sourceID),
				zap.String("target", edge.TargetID),
				zap.String("kind", string(edge.Kind)),
				zap.Int("criticality", victim.score),
			)
		}
	}

	return removed
}

func edgeCriticality(kind models.DependencyKind, prio models.Priority) int {
	score := 3
	if kind == models.DependencyBlocking {
		score = 10
	}
	switch prio {
	case models.PriorityCritical, models.PriorityHigh:
		score += 5
	case models.PriorityMedium:
		score += 3
	case models.PriorityLow:
		score += 1
	}
	return score
}
