package model

import (
	"testing"
	"time"
)

func threeStages() WorkflowInstance {
	return WorkflowInstance{
		ID:     "wf-1",
		Status: WorkflowStatusPending,
		Stages: []Stage{
			{ID: "s3", StageNumber: 3, Order: 3, Role: "Director", Status: StageStatusPending},
			{ID: "s1", StageNumber: 1, Order: 1, Role: "Estates Officer", Status: StageStatusPending},
			{ID: "s2", StageNumber: 2, Order: 2, Role: "Legal Officer", Status: StageStatusPending},
		},
	}
}

func TestIsTerminalWorkflowStatus(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{WorkflowStatusPending, false},
		{WorkflowStatusInProgress, false},
		{WorkflowStatusMoreInfoRequired, false},
		{WorkflowStatusApproved, true},
		{WorkflowStatusRejected, true},
		{WorkflowStatusCancelled, true},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			if got := IsTerminalWorkflowStatus(tt.status); got != tt.want {
				t.Errorf("IsTerminalWorkflowStatus(%q) = %v, want %v", tt.status, got, tt.want)
			}
			w := WorkflowInstance{Status: tt.status}
			if got := w.IsTerminal(); got != tt.want {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStageByNumber(t *testing.T) {
	w := threeStages()

	s, ok := w.StageByNumber(2)
	if !ok {
		t.Fatal("StageByNumber(2) not found")
	}
	if s.Role != "Legal Officer" {
		t.Errorf("Role = %q, want Legal Officer", s.Role)
	}

	// The result points into the instance.
	s.Status = StageStatusApproved
	if w.Stages[2].Status != StageStatusApproved {
		t.Error("StageByNumber returned a copy, want a pointer into Stages")
	}

	if _, ok := w.StageByNumber(9); ok {
		t.Error("StageByNumber(9) found, want missing")
	}
}

func TestGatingStage(t *testing.T) {
	w := threeStages()

	g, ok := w.GatingStage()
	if !ok || g.StageNumber != 1 {
		t.Fatalf("GatingStage() = %v, %v; want stage 1", g, ok)
	}

	s1, _ := w.StageByNumber(1)
	s1.Status = StageStatusApproved
	g, _ = w.GatingStage()
	if g.StageNumber != 2 {
		t.Errorf("after approving 1, GatingStage() = %d, want 2", g.StageNumber)
	}

	// A stage awaiting more info still gates.
	s2, _ := w.StageByNumber(2)
	s2.Status = StageStatusMoreInfoRequired
	g, _ = w.GatingStage()
	if g.StageNumber != 2 {
		t.Errorf("more-info stage 2, GatingStage() = %d, want 2", g.StageNumber)
	}

	for i := range w.Stages {
		w.Stages[i].Status = StageStatusApproved
	}
	if _, ok := w.GatingStage(); ok {
		t.Error("GatingStage() found with all stages approved")
	}
}

func TestGatingStage_noStages(t *testing.T) {
	w := WorkflowInstance{}
	if _, ok := w.GatingStage(); ok {
		t.Error("GatingStage() found on empty workflow")
	}
}

func TestNextStageAfter(t *testing.T) {
	w := threeStages()

	next, ok := w.NextStageAfter(1)
	if !ok || next.StageNumber != 2 {
		t.Fatalf("NextStageAfter(1) = %v, %v; want stage 2", next, ok)
	}

	s2, _ := w.StageByNumber(2)
	s2.Status = StageStatusApproved
	next, ok = w.NextStageAfter(1)
	if !ok || next.StageNumber != 3 {
		t.Errorf("NextStageAfter(1) skipping approved = %v, %v; want stage 3", next, ok)
	}

	if _, ok := w.NextStageAfter(3); ok {
		t.Error("NextStageAfter(3) found, want none")
	}
}

func TestAllStagesApproved(t *testing.T) {
	w := threeStages()
	if w.AllStagesApproved() {
		t.Error("AllStagesApproved() = true on pending workflow")
	}
	for i := range w.Stages {
		w.Stages[i].Status = StageStatusApproved
	}
	if !w.AllStagesApproved() {
		t.Error("AllStagesApproved() = false with every stage approved")
	}
}

func TestSortStages(t *testing.T) {
	w := threeStages()
	w.SortStages()
	for i, s := range w.Stages {
		if s.Order != i+1 {
			t.Errorf("Stages[%d].Order = %d, want %d", i, s.Order, i+1)
		}
	}
}

func TestClone_isDeep(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	w := threeStages()
	w.Metadata = map[string]any{"ref": "P-100"}
	w.Stages[0].ApprovedAt = &at

	c := w.Clone()
	c.Stages[1].Status = StageStatusRejected
	c.Metadata["ref"] = "changed"
	*c.Stages[0].ApprovedAt = at.Add(time.Hour)

	if w.Stages[1].Status != StageStatusPending {
		t.Error("mutating clone stages changed the original")
	}
	if w.Metadata["ref"] != "P-100" {
		t.Error("mutating clone metadata changed the original")
	}
	if !w.Stages[0].ApprovedAt.Equal(at) {
		t.Error("mutating clone ApprovedAt changed the original")
	}
}
