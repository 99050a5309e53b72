package planner

import (
	"container/heap"

	"github.com/conductor-dev/conductor/internal/models"
)

// taskHeap orders ready tasks by (-priority, createdAt, id) so the resulting
// topological order is deterministic across runs.
type taskHeap []*models.Subtask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority.Rank() != h[j].Priority.Rank() {
		return h[i].Priority.Rank() > h[j].Priority.Rank()
	}
	if !h[i].CreatedAt.Equal(h[j].CreatedAt) {
		return h[i].CreatedAt.Before(h[j].CreatedAt)
	}
	return h[i].ID < h[j].ID
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*models.Subtask)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// TopologicalSort orders tasks with Kahn's algorithm. Both BLOCKING and SOFT
// edges contribute to the ordering; only a post-resolution residual cycle
// makes this fail with CycleUnresolvable.
func TopologicalSort(tasks []*models.Subtask) ([]*models.Subtask, error) {
	if len(tasks) == 0 {
		return nil, nil
	}

	byID := make(map[string]*models.Subtask, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	inDegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks)) // target -> holders
	for _, t := range tasks {
		if _, ok := inDegree[t.ID]; !ok {
			inDegree[t.ID] = 0
		}
		for _, dep := range t.Dependencies {
			if dep.TargetID == t.ID {
				continue
			}
			if _, ok := byID[dep.TargetID]; !ok {
				continue
			}
			dependents[dep.TargetID] = append(dependents[dep.TargetID], t.ID)
			inDegree[t.ID]++
		}
	}

	ready := &taskHeap{}
	heap.Init(ready)
	for id, deg := range inDegree {
		if deg == 0 {
			heap.Push(ready, byID[id])
		}
	}

	ordered := make([]*models.Subtask, 0, len(tasks))
	for ready.Len() > 0 {
		t := heap.Pop(ready).(*models.Subtask)
		ordered = append(ordered, t)
		for _, dependent := range dependents[t.ID] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				heap.Push(ready, byID[dependent])
			}
		}
	}

	if len(ordered) != len(tasks) {
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		err := models.NewError(models.ErrKindCycleUnresolvable,
			"dependency graph still has cycles after resolution")
		if len(stuck) > 0 {
			err.SubtaskID = stuck[0]
		}
		return nil, err
	}

	return ordered, nil
}
