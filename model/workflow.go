package model

import (
	"sort"
	"time"
)

// Workflow instance status constants.
const (
	WorkflowStatusPending          = "pending"
	WorkflowStatusInProgress       = "in_progress"
	WorkflowStatusApproved         = "approved"
	WorkflowStatusRejected         = "rejected"
	WorkflowStatusMoreInfoRequired = "more_info_required"
	WorkflowStatusCancelled        = "cancelled"
)

// Stage status constants.
const (
	StageStatusPending          = "pending"
	StageStatusApproved         = "approved"
	StageStatusRejected         = "rejected"
	StageStatusMoreInfoRequired = "more_info_required"
)

// History actions.
const (
	ActionApprove     = "approve"
	ActionReject      = "reject"
	ActionRequestInfo = "request_info"
	ActionCancel      = "cancel"
)

// IsTerminalWorkflowStatus reports whether no further stage transitions are
// accepted for a workflow in the given status.
func IsTerminalWorkflowStatus(status string) bool {
	switch status {
	case WorkflowStatusApproved, WorkflowStatusRejected, WorkflowStatusCancelled:
		return true
	}
	return false
}

// WorkflowInstance is one approval run for one business entity.
type WorkflowInstance struct {
	ID            string         `json:"id"`
	Module        string         `json:"module"`
	EntityID      string         `json:"entity_id"`
	EntityType    string         `json:"entity_type"`
	Status        string         `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	LastUpdatedAt time.Time      `json:"last_updated_at"`
	CreatedBy     string         `json:"created_by"`
	Comments      string         `json:"comments,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Stages        []Stage        `json:"stages"`
	Version       int            `json:"version"`
}

// Stage is a single approval step inside a workflow instance.
type Stage struct {
	ID          string     `json:"id"`
	StageNumber int        `json:"stage_number"`
	Order       int        `json:"order"`
	Role        string     `json:"role"`
	Status      string     `json:"status"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	ApprovedBy  string     `json:"approved_by,omitempty"`
	Comments    string     `json:"comments,omitempty"`
	IsRequired  bool       `json:"is_required"`
}

// HistoryEntry is an append-only record of one action taken on a workflow.
type HistoryEntry struct {
	ID          string    `json:"id"`
	WorkflowID  string    `json:"workflow_id"`
	StageID     string    `json:"stage_id,omitempty"`
	StageNumber int       `json:"stage_number,omitempty"`
	ActorID     string    `json:"actor_id"`
	Action      string    `json:"action"`
	Status      string    `json:"status"`
	Comments    string    `json:"comments,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// IsTerminal reports whether the workflow has reached a final status.
func (w *WorkflowInstance) IsTerminal() bool {
	return IsTerminalWorkflowStatus(w.Status)
}

// StageByNumber returns a pointer into w.Stages for the given stage number.
func (w *WorkflowInstance) StageByNumber(stageNumber int) (*Stage, bool) {
	for i := range w.Stages {
		if w.Stages[i].StageNumber == stageNumber {
			return &w.Stages[i], true
		}
	}
	return nil, false
}

// GatingStage returns the lowest-order stage that is not yet Approved. It is
// the only stage on which an action may be taken. The second result is false
// when every stage is Approved.
func (w *WorkflowInstance) GatingStage() (*Stage, bool) {
	var gate *Stage
	for i := range w.Stages {
		s := &w.Stages[i]
		if s.Status == StageStatusApproved {
			continue
		}
		if gate == nil || s.Order < gate.Order {
			gate = s
		}
	}
	return gate, gate != nil
}

// NextStageAfter returns the lowest-order non-Approved stage whose order is
// greater than the given order.
func (w *WorkflowInstance) NextStageAfter(order int) (*Stage, bool) {
	var next *Stage
	for i := range w.Stages {
		s := &w.Stages[i]
		if s.Order <= order || s.Status == StageStatusApproved {
			continue
		}
		if next == nil || s.Order < next.Order {
			next = s
		}
	}
	return next, next != nil
}

// AllStagesApproved reports whether every stage is Approved. IsRequired is
// carried on the stage but every stage counts towards completion.
func (w *WorkflowInstance) AllStagesApproved() bool {
	for _, s := range w.Stages {
		if s.Status != StageStatusApproved {
			return false
		}
	}
	return true
}

// SortStages orders stages by ascending Order.
func (w *WorkflowInstance) SortStages() {
	sort.SliceStable(w.Stages, func(i, j int) bool {
		return w.Stages[i].Order < w.Stages[j].Order
	})
}

// Clone returns a deep copy of the instance so callers can mutate it without
// affecting the stored value.
func (w *WorkflowInstance) Clone() WorkflowInstance {
	out := *w
	if w.Stages != nil {
		out.Stages = make([]Stage, len(w.Stages))
		for i, s := range w.Stages {
			if s.ApprovedAt != nil {
				at := *s.ApprovedAt
				s.ApprovedAt = &at
			}
			out.Stages[i] = s
		}
	}
	if w.Metadata != nil {
		out.Metadata = make(map[string]any, len(w.Metadata))
		for k, v := range w.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
