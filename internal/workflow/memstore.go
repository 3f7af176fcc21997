package workflow

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/pitabwire/signoff/model"
)

// MemoryWorkflowStore keeps workflows in process memory. It enforces the
// same open-workflow uniqueness and version checks as the Postgres store,
// which makes it the store of choice for tests and single-node runs.
type MemoryWorkflowStore struct {
	mu        sync.RWMutex
	workflows map[string]model.WorkflowInstance
	trail     map[string][]model.HistoryEntry
}

func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{
		workflows: map[string]model.WorkflowInstance{},
		trail:     map[string][]model.HistoryEntry{},
	}
}

func workflowNotFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", id))
}

// Create stores inst unless its ID is taken or the entity already has a
// workflow in flight.
func (s *MemoryWorkflowStore) Create(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.workflows[inst.ID]; taken {
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
	}
	if open, ok := s.openFor(inst.Module, inst.EntityID); ok {
		return model.NewConflictError(
			fmt.Sprintf("%s %q already has an open workflow %q", inst.Module, inst.EntityID, open.ID))
	}
	s.workflows[inst.ID] = inst.Clone()
	return nil
}

// openFor must be called with s.mu held.
func (s *MemoryWorkflowStore) openFor(module, entityID string) (model.WorkflowInstance, bool) {
	for _, w := range s.workflows {
		if w.Module == module && w.EntityID == entityID && !w.IsTerminal() {
			return w, true
		}
	}
	return model.WorkflowInstance{}, false
}

func (s *MemoryWorkflowStore) Get(_ context.Context, id string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.workflows[id]
	if !ok {
		return model.WorkflowInstance{}, workflowNotFound(id)
	}
	return w.Clone(), nil
}

// GetByEntity returns the most recently created workflow for the entity,
// whatever its status. Equal creation times fall back to the smaller ID, the
// same order Find uses.
func (s *MemoryWorkflowStore) GetByEntity(_ context.Context, module, entityID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		latest model.WorkflowInstance
		seen   bool
	)
	for _, w := range s.workflows {
		if w.Module != module || w.EntityID != entityID {
			continue
		}
		if !seen || newerFirst(w, latest) < 0 {
			latest, seen = w, true
		}
	}
	if !seen {
		return model.WorkflowInstance{}, model.NewNotFoundError(fmt.Sprintf("no workflow for %s %q", module, entityID))
	}
	return latest.Clone(), nil
}

// Update replaces the stored workflow when inst.Version still matches and
// appends history in the same critical section. The stored version is
// bumped by one.
func (s *MemoryWorkflowStore) Update(_ context.Context, inst model.WorkflowInstance, history ...model.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.workflows[inst.ID]
	if !ok {
		return workflowNotFound(inst.ID)
	}
	if current.Version != inst.Version {
		return model.NewConflictError(fmt.Sprintf(
			"workflow instance %q was modified concurrently (have version %d, stored %d)",
			inst.ID, inst.Version, current.Version))
	}

	next := inst.Clone()
	next.Version++
	s.workflows[inst.ID] = next
	s.trail[inst.ID] = append(s.trail[inst.ID], history...)
	return nil
}

// GetHistory returns a copy of the workflow's trail in timestamp order.
func (s *MemoryWorkflowStore) GetHistory(_ context.Context, id string) ([]model.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.workflows[id]; !ok {
		return nil, workflowNotFound(id)
	}
	out := slices.Clone(s.trail[id])
	if out == nil {
		out = []model.HistoryEntry{}
	}
	slices.SortStableFunc(out, func(a, b model.HistoryEntry) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out, nil
}

// Find lists matching workflows newest first, then applies Offset and
// Limit.
func (s *MemoryWorkflowStore) Find(_ context.Context, filters WorkflowFilters) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	matched := make([]model.WorkflowInstance, 0, len(s.workflows))
	for _, w := range s.workflows {
		if filters.matches(w) {
			matched = append(matched, w.Clone())
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(matched, newerFirst)

	lo := min(max(filters.Offset, 0), len(matched))
	hi := len(matched)
	if filters.Limit > 0 {
		hi = min(lo+filters.Limit, hi)
	}
	return matched[lo:hi], nil
}

// newerFirst orders by creation time descending, then by ID.
func newerFirst(a, b model.WorkflowInstance) int {
	return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(a.ID, b.ID))
}

func (s *MemoryWorkflowStore) Ping(context.Context) error { return nil }

// Len counts stored workflows.
func (s *MemoryWorkflowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workflows)
}
