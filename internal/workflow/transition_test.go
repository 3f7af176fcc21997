package workflow

import (
	"testing"
	"time"

	"github.com/pitabwire/signoff/internal/catalog"
	"github.com/pitabwire/signoff/model"
)

func saleWorkflow() model.WorkflowInstance {
	templates := []catalog.StageTemplate{
		{StageNumber: 3, Role: "Director", Order: 30},
		{StageNumber: 1, Role: "Estates Officer", Order: 10},
		{StageNumber: 2, Role: "Legal Officer", Order: 20},
	}
	n := 0
	newID := func() string { n++; return "stage-" + string(rune('a'+n)) }
	return newWorkflow("wf-1", "Sale", "sale-1", "Sale", "owner-1", templates, newID, time.Unix(0, 0).UTC())
}

func TestNewWorkflow_orders_stages(t *testing.T) {
	inst := saleWorkflow()
	for i, want := range []int{1, 2, 3} {
		if inst.Stages[i].StageNumber != want {
			t.Errorf("Stages[%d].StageNumber = %d, want %d", i, inst.Stages[i].StageNumber, want)
		}
		if !inst.Stages[i].IsRequired {
			t.Errorf("Stages[%d].IsRequired = false", i)
		}
	}
	if inst.Version != 1 {
		t.Errorf("Version = %d, want 1", inst.Version)
	}
}

func TestCheckGating_sequential(t *testing.T) {
	inst := saleWorkflow()

	s2, _ := inst.StageByNumber(2)
	if err := checkGating(&inst, s2); !model.HasCode(err, model.ErrInvalidState) {
		t.Errorf("stage 2 before 1 error = %v, want INVALID_STATE", err)
	}

	s1, _ := inst.StageByNumber(1)
	if err := checkGating(&inst, s1); err != nil {
		t.Errorf("stage 1 error = %v", err)
	}

	approve(&inst, s1, "eo-1", "", time.Now())
	if err := checkGating(&inst, s1); !model.HasCode(err, model.ErrConflict) {
		t.Errorf("approved stage error = %v, want CONFLICT", err)
	}
	if err := checkGating(&inst, s2); err != nil {
		t.Errorf("stage 2 after 1 error = %v", err)
	}
}

func TestCheckStage(t *testing.T) {
	inst := saleWorkflow()
	if _, err := checkStage(&inst, 4); !model.HasCode(err, model.ErrStageNotFound) {
		t.Errorf("missing stage error = %v", err)
	}
	for _, status := range []string{model.WorkflowStatusApproved, model.WorkflowStatusRejected, model.WorkflowStatusCancelled} {
		inst.Status = status
		if _, err := checkStage(&inst, 1); !model.HasCode(err, model.ErrInvalidState) {
			t.Errorf("%s workflow error = %v, want INVALID_STATE", status, err)
		}
	}
	inst.Status = model.WorkflowStatusMoreInfoRequired
	if _, err := checkStage(&inst, 1); err != nil {
		t.Errorf("more_info_required workflow error = %v", err)
	}
}

func TestApprove_effects(t *testing.T) {
	inst := saleWorkflow()
	s1, _ := inst.StageByNumber(1)

	effects := approve(&inst, s1, "eo-1", "fine", time.Now())
	if inst.Status != model.WorkflowStatusInProgress {
		t.Errorf("Status = %q", inst.Status)
	}
	if len(effects) != 2 {
		t.Fatalf("effects = %d, want 2", len(effects))
	}
	if a, ok := effects[0].(RecordAudit); !ok || a.Record.Action != AuditStageApproved || a.Record.ModuleID != "Sale" {
		t.Errorf("effects[0] = %#v", effects[0])
	}
	if n, ok := effects[1].(NotifyRole); !ok || n.Role != "Legal Officer" {
		t.Errorf("effects[1] = %#v, want NotifyRole(Legal Officer)", effects[1])
	}
}

func TestApprove_final_stage(t *testing.T) {
	inst := saleWorkflow()
	now := time.Now()
	for _, n := range []int{1, 2, 3} {
		s, _ := inst.StageByNumber(n)
		effects := approve(&inst, s, "actor", "", now)
		if n < 3 {
			continue
		}
		if inst.Status != model.WorkflowStatusApproved {
			t.Fatalf("Status = %q, want approved", inst.Status)
		}
		last, ok := effects[len(effects)-1].(NotifyUser)
		if !ok || last.UserID != "owner-1" {
			t.Errorf("last effect = %#v, want creator notification", effects[len(effects)-1])
		}
	}
	if !inst.AllStagesApproved() {
		t.Error("AllStagesApproved() = false")
	}
}

func TestReject_and_requestInfo_notify_creator(t *testing.T) {
	inst := saleWorkflow()
	s1, _ := inst.StageByNumber(1)
	effects := requestInfo(&inst, s1, "eo-1", "where is the deed", time.Now())
	if inst.Status != model.WorkflowStatusMoreInfoRequired || s1.Status != model.StageStatusMoreInfoRequired {
		t.Errorf("status = %q/%q", inst.Status, s1.Status)
	}
	if n, ok := effects[1].(NotifyUser); !ok || n.UserID != "owner-1" {
		t.Errorf("effects[1] = %#v", effects[1])
	}

	effects = reject(&inst, s1, "eo-1", "no deed", time.Now())
	if inst.Status != model.WorkflowStatusRejected || s1.Status != model.StageStatusRejected {
		t.Errorf("status = %q/%q", inst.Status, s1.Status)
	}
	if a, ok := effects[0].(RecordAudit); !ok || a.Record.Details["comments"] != "no deed" {
		t.Errorf("effects[0] = %#v", effects[0])
	}
}

func TestCurrentStage(t *testing.T) {
	inst := saleWorkflow()
	if cur := currentStage(inst); cur == nil || cur.StageNumber != 1 {
		t.Fatalf("currentStage() = %+v, want stage 1", cur)
	}

	s1, _ := inst.StageByNumber(1)
	approve(&inst, s1, "eo-1", "", time.Now())
	if cur := currentStage(inst); cur == nil || cur.StageNumber != 2 {
		t.Fatalf("currentStage() = %+v, want stage 2", cur)
	}

	s2, _ := inst.StageByNumber(2)
	requestInfo(&inst, s2, "lo-1", "", time.Now())
	if cur := currentStage(inst); cur != nil {
		t.Errorf("currentStage() while halted = %+v, want nil", cur)
	}
}
