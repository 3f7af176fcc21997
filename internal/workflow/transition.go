package workflow

import (
	"fmt"
	"time"

	"github.com/pitabwire/signoff/internal/catalog"
	"github.com/pitabwire/signoff/model"
)

// Audit actions.
const (
	AuditWorkflowCreated   = "workflow_created"
	AuditStageApproved     = "stage_approved"
	AuditWorkflowApproved  = "workflow_approved"
	AuditStageRejected     = "stage_rejected"
	AuditMoreInfoRequested = "more_info_requested"
	AuditWorkflowCancelled = "workflow_cancelled"
)

// checkStage locates the stage and rejects actions on terminal workflows.
func checkStage(inst *model.WorkflowInstance, stageNumber int) (*model.Stage, error) {
	stage, ok := inst.StageByNumber(stageNumber)
	if !ok {
		return nil, model.NewStageNotFoundError(inst.ID, stageNumber)
	}
	if inst.IsTerminal() {
		return nil, model.NewInvalidStateError(
			fmt.Sprintf("workflow %s is %s", inst.ID, inst.Status),
		)
	}
	return stage, nil
}

// checkGating runs after authorization. Only the lowest-order non-Approved
// stage may be acted on; an Approved stage reports CONFLICT so that a retried
// approve is distinguishable from an out-of-order one.
func checkGating(inst *model.WorkflowInstance, stage *model.Stage) error {
	if stage.Status == model.StageStatusApproved {
		return model.NewConflictError(
			fmt.Sprintf("stage %d of workflow %s is already approved", stage.StageNumber, inst.ID),
		)
	}
	gate, ok := inst.GatingStage()
	if !ok || gate.StageNumber != stage.StageNumber {
		return model.NewInvalidStateError(
			fmt.Sprintf("stage %d of workflow %s is not the current stage", stage.StageNumber, inst.ID),
		)
	}
	return nil
}

// newWorkflow materialises a Pending workflow from the module's stage
// templates.
func newWorkflow(id, module, entityID, entityType, createdBy string, templates []catalog.StageTemplate, newID func() string, now time.Time) model.WorkflowInstance {
	inst := model.WorkflowInstance{
		ID:            id,
		Module:        module,
		EntityID:      entityID,
		EntityType:    entityType,
		Status:        model.WorkflowStatusPending,
		CreatedAt:     now,
		LastUpdatedAt: now,
		CreatedBy:     createdBy,
		Version:       1,
		Stages:        make([]model.Stage, len(templates)),
	}
	for i, t := range templates {
		inst.Stages[i] = model.Stage{
			ID:          newID(),
			StageNumber: t.StageNumber,
			Order:       t.Order,
			Role:        t.Role,
			Status:      model.StageStatusPending,
			IsRequired:  t.IsRequired(),
		}
	}
	inst.SortStages()
	return inst
}

func createdEffects(inst model.WorkflowInstance) []Effect {
	effects := []Effect{
		RecordAudit{Record: auditRecord(inst, AuditWorkflowCreated, inst.CreatedBy, map[string]any{
			"entity_type": inst.EntityType,
			"stages":      len(inst.Stages),
		})},
	}
	if first, ok := inst.GatingStage(); ok {
		effects = append(effects, approvalRequest(inst, *first))
	}
	return effects
}

// approve marks the stage Approved and advances or completes the workflow.
func approve(inst *model.WorkflowInstance, stage *model.Stage, actorID, comments string, now time.Time) []Effect {
	at := now
	stage.Status = model.StageStatusApproved
	stage.ApprovedAt = &at
	stage.ApprovedBy = actorID
	stage.Comments = comments
	inst.LastUpdatedAt = now

	effects := []Effect{
		RecordAudit{Record: auditRecord(*inst, AuditStageApproved, actorID, stageDetails(*stage, comments))},
	}

	if inst.AllStagesApproved() {
		inst.Status = model.WorkflowStatusApproved
		return append(effects,
			RecordAudit{Record: auditRecord(*inst, AuditWorkflowApproved, actorID, nil)},
			NotifyUser{
				UserID:  inst.CreatedBy,
				Title:   "Approval complete",
				Message: fmt.Sprintf("%s %s has been fully approved.", inst.Module, inst.EntityID),
				Type:    model.NotificationWorkflow,
			},
		)
	}

	inst.Status = model.WorkflowStatusInProgress
	if next, ok := inst.NextStageAfter(stage.Order); ok {
		effects = append(effects, approvalRequest(*inst, *next))
	}
	return effects
}

// reject marks the stage and the workflow Rejected.
func reject(inst *model.WorkflowInstance, stage *model.Stage, actorID, comments string, now time.Time) []Effect {
	stage.Status = model.StageStatusRejected
	stage.Comments = comments
	inst.Status = model.WorkflowStatusRejected
	inst.LastUpdatedAt = now

	return []Effect{
		RecordAudit{Record: auditRecord(*inst, AuditStageRejected, actorID, stageDetails(*stage, comments))},
		NotifyUser{
			UserID:  inst.CreatedBy,
			Title:   "Approval rejected",
			Message: fmt.Sprintf("%s %s was rejected at stage %d (%s): %s", inst.Module, inst.EntityID, stage.StageNumber, stage.Role, comments),
			Type:    model.NotificationWorkflow,
		},
	}
}

// requestInfo halts the workflow until the same stage is acted on again.
func requestInfo(inst *model.WorkflowInstance, stage *model.Stage, actorID, comments string, now time.Time) []Effect {
	stage.Status = model.StageStatusMoreInfoRequired
	stage.Comments = comments
	inst.Status = model.WorkflowStatusMoreInfoRequired
	inst.LastUpdatedAt = now

	return []Effect{
		RecordAudit{Record: auditRecord(*inst, AuditMoreInfoRequested, actorID, stageDetails(*stage, comments))},
		NotifyUser{
			UserID:  inst.CreatedBy,
			Title:   "More information required",
			Message: fmt.Sprintf("%s %s needs more information at stage %d (%s): %s", inst.Module, inst.EntityID, stage.StageNumber, stage.Role, comments),
			Type:    model.NotificationWorkflow,
		},
	}
}

// cancel moves a non-terminal workflow to Cancelled. Stages are left as-is.
func cancel(inst *model.WorkflowInstance, actorID, reason string, now time.Time) []Effect {
	inst.Status = model.WorkflowStatusCancelled
	inst.LastUpdatedAt = now

	return []Effect{
		RecordAudit{Record: auditRecord(*inst, AuditWorkflowCancelled, actorID, map[string]any{"reason": reason})},
		NotifyUser{
			UserID:  inst.CreatedBy,
			Title:   "Approval cancelled",
			Message: fmt.Sprintf("The approval of %s %s was cancelled: %s", inst.Module, inst.EntityID, reason),
			Type:    model.NotificationWorkflow,
		},
	}
}

func approvalRequest(inst model.WorkflowInstance, stage model.Stage) NotifyRole {
	return NotifyRole{
		Role:    stage.Role,
		Title:   "Approval required",
		Message: fmt.Sprintf("%s %s is awaiting %s approval at stage %d.", inst.Module, inst.EntityID, stage.Role, stage.StageNumber),
		Type:    model.NotificationApproval,
	}
}

func auditRecord(inst model.WorkflowInstance, action, userID string, details map[string]any) model.AuditRecord {
	d := map[string]any{
		"workflow_id": inst.ID,
		"status":      inst.Status,
	}
	for k, v := range details {
		d[k] = v
	}
	return model.AuditRecord{
		Action:   action,
		EntityID: inst.EntityID,
		UserID:   userID,
		Details:  d,
		ModuleID: inst.Module,
	}
}

func stageDetails(stage model.Stage, comments string) map[string]any {
	return map[string]any{
		"stage_number": stage.StageNumber,
		"role":         stage.Role,
		"comments":     comments,
	}
}
