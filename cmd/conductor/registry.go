package main

import (
	"sync"

	"github.com/conductor-dev/conductor/internal/models"
)

// workflowRegistry remembers submitted workflows so later requests can reach
// their subtask definitions. Execution state itself lives in the controller.
type workflowRegistry struct {
	mu        sync.RWMutex
	workflows map[string]*models.Workflow
}

func newWorkflowRegistry() *workflowRegistry {
	return &workflowRegistry{workflows: make(map[string]*models.Workflow)}
}

func (r *workflowRegistry) put(wf *models.Workflow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[wf.ID] = wf
}

func (r *workflowRegistry) get(id string) *models.Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workflows[id]
}
