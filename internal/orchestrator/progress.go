package orchestrator

import (
	"github.com/fyrsmithlabs/taskd/internal/state"
	"github.com/fyrsmithlabs/taskd/internal/task"
)

// Progress reports one appended entry and the state it produced.
type Progress struct {
	ContextID    string         `json:"context_id"`
	Sequence     int            `json:"sequence"`
	Operation    task.Operation `json:"operation"`
	Status       state.Status   `json:"status"`
	Completeness int            `json:"completeness"`
	Message      string         `json:"message"`
}

// ProgressCallback receives progress updates. It runs on the writer's
// goroutine and must not block.
type ProgressCallback func(p Progress)
