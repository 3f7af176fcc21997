package workflow

import (
	"context"

	"github.com/pitabwire/signoff/model"
)

// WorkflowStore persists workflow instances and their history.
type WorkflowStore interface {
	// Create persists a new workflow instance. Returns CONFLICT when another
	// non-terminal workflow exists for the same module and entity.
	Create(ctx context.Context, instance model.WorkflowInstance) error

	// Get retrieves a workflow instance by ID. Returns NOT_FOUND if absent.
	Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error)

	// GetByEntity returns the most recently created workflow for the given
	// module and entity. Returns NOT_FOUND if none exists.
	GetByEntity(ctx context.Context, module, entityID string) (model.WorkflowInstance, error)

	// Update persists a mutated instance together with its history entries in
	// one atomic write. The instance's Version must match the stored version;
	// otherwise CONFLICT is returned and nothing is written. On success the
	// stored version is incremented.
	Update(ctx context.Context, instance model.WorkflowInstance, history ...model.HistoryEntry) error

	// GetHistory returns the history of a workflow ordered by timestamp.
	GetHistory(ctx context.Context, instanceID string) ([]model.HistoryEntry, error)

	// Find lists workflow instances matching the filters, newest first.
	Find(ctx context.Context, filters WorkflowFilters) ([]model.WorkflowInstance, error)
}

// WorkflowFilters are optional filters for listing workflow instances.
// Empty fields match everything.
type WorkflowFilters struct {
	Module   string
	Statuses []string
	Limit    int
	Offset   int
}

func (f WorkflowFilters) matches(inst model.WorkflowInstance) bool {
	if f.Module != "" && inst.Module != f.Module {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if inst.Status == s {
			return true
		}
	}
	return false
}
