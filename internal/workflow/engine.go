package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/signoff/internal/catalog"
	"github.com/pitabwire/signoff/internal/observability"
	"github.com/pitabwire/signoff/model"
)

// Engine drives approval workflows through their stages. It holds no
// per-workflow state; every operation loads, validates, mutates and writes
// back through the store.
type Engine struct {
	catalog    *catalog.Registry
	store      WorkflowStore
	gate       *Gate
	dispatcher *Dispatcher
	logger     *zap.Logger
	metrics    Metrics
	adminRole  string
	now        func() time.Time
	newID      func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the engine metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithAdminRole sets the role allowed to cancel workflows. Cancellation is
// refused when it is empty.
func WithAdminRole(role string) Option {
	return func(e *Engine) { e.adminRole = role }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a new workflow engine.
func NewEngine(cat *catalog.Registry, store WorkflowStore, gate *Gate, dispatcher *Dispatcher, opts ...Option) *Engine {
	e := &Engine{
		catalog:    cat,
		store:      store,
		gate:       gate,
		dispatcher: dispatcher,
		logger:     zap.NewNop(),
		metrics:    noopMetrics{},
		now:        func() time.Time { return time.Now().UTC() },
		newID:      func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateOption sets optional fields on a new workflow.
type CreateOption func(*model.WorkflowInstance)

// WithMetadata attaches free-form metadata to a new workflow.
func WithMetadata(md map[string]any) CreateOption {
	return func(w *model.WorkflowInstance) { w.Metadata = md }
}

// WithComments attaches submission comments to a new workflow.
func WithComments(comments string) CreateOption {
	return func(w *model.WorkflowInstance) { w.Comments = comments }
}

// CreateWorkflow starts a new approval workflow for an entity using the
// module's configured stages.
func (e *Engine) CreateWorkflow(
	ctx context.Context,
	module, entityID, entityType, createdBy string,
	opts ...CreateOption,
) (_ model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.CreateWorkflow",
		observability.AttrModule.String(module),
		observability.AttrEntityID.String(entityID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	// 1. Resolve the stage templates; unknown modules persist nothing.
	templates, err := e.catalog.Stages(module)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	var fields []model.FieldError
	if entityID == "" {
		fields = append(fields, model.FieldError{Field: "entity_id", Code: "REQUIRED", Message: "entity_id is required"})
	}
	if createdBy == "" {
		fields = append(fields, model.FieldError{Field: "created_by", Code: "REQUIRED", Message: "created_by is required"})
	}
	if len(fields) > 0 {
		return model.WorkflowInstance{}, model.NewValidationError(fields)
	}

	// 2. Materialise and persist.
	inst := newWorkflow(e.newID(), module, entityID, entityType, createdBy, templates, e.newID, e.now())
	for _, opt := range opts {
		opt(&inst)
	}
	if err := e.store.Create(ctx, inst); err != nil {
		e.logStoreFailure(ctx, err, inst.ID, "create")
		return model.WorkflowInstance{}, err
	}

	e.metrics.RecordWorkflowCreated(module)
	e.logger.Info("workflow created",
		zap.String("workflow_id", inst.ID),
		zap.String("module", module),
		zap.String("entity_id", entityID),
		zap.String("created_by", createdBy),
		zap.Int("stages", len(inst.Stages)),
		zap.Strings("metadata_keys", observability.MetadataKeys(inst.Metadata)),
	)

	// 3. Side effects after commit.
	e.dispatcher.Dispatch(ctx, createdEffects(inst))
	return inst, nil
}

// logStoreFailure logs store errors that are not domain errors. Clients only
// ever see INTERNAL_ERROR for them.
func (e *Engine) logStoreFailure(ctx context.Context, err error, workflowID, action string) {
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		return
	}
	observability.RequestLogger(ctx, e.logger).Error("workflow store failure",
		zap.Error(err),
		zap.String("workflow_id", workflowID),
		zap.String("action", action),
	)
}

// GetWorkflow returns a workflow by ID.
func (e *Engine) GetWorkflow(ctx context.Context, id string) (model.WorkflowInstance, error) {
	return e.store.Get(ctx, id)
}

// GetWorkflowByEntity returns the most recent workflow for a module entity.
func (e *Engine) GetWorkflowByEntity(ctx context.Context, module, entityID string) (model.WorkflowInstance, error) {
	return e.store.GetByEntity(ctx, module, entityID)
}

// GetHistory returns the recorded actions for a workflow, oldest first.
func (e *Engine) GetHistory(ctx context.Context, id string) ([]model.HistoryEntry, error) {
	return e.store.GetHistory(ctx, id)
}

// GetCurrentStage returns the stage awaiting approval, or nil when the
// workflow is complete, terminal, or halted waiting for more information.
func (e *Engine) GetCurrentStage(ctx context.Context, id string) (*model.Stage, error) {
	inst, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return currentStage(inst), nil
}

func currentStage(inst model.WorkflowInstance) *model.Stage {
	if inst.IsTerminal() {
		return nil
	}
	gate, ok := inst.GatingStage()
	if !ok || gate.Status != model.StageStatusPending {
		return nil
	}
	s := *gate
	return &s
}

// IsWorkflowComplete reports whether every stage has been approved.
func (e *Engine) IsWorkflowComplete(ctx context.Context, id string) (bool, error) {
	inst, err := e.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return inst.AllStagesApproved(), nil
}

// CanApproveStage reports whether the user may act on the stage. An empty
// actorRole triggers the directory fallback. Only a missing workflow is an
// error; a missing stage or unresolvable user yields false.
func (e *Engine) CanApproveStage(ctx context.Context, id string, stageNumber int, userID, actorRole string) (bool, error) {
	inst, err := e.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	stage, ok := inst.StageByNumber(stageNumber)
	if !ok {
		return false, nil
	}
	return e.gate.Allow(ctx, AccessRequest{
		Module:       inst.Module,
		WorkflowID:   inst.ID,
		StageNumber:  stageNumber,
		UserID:       userID,
		ActorRole:    actorRole,
		RequiredRole: stage.Role,
	}), nil
}

// ApproveStage approves the current stage. Approving the last stage approves
// the workflow.
func (e *Engine) ApproveStage(ctx context.Context, id string, stageNumber int, approverID, comments, actorRole string) (model.Stage, error) {
	return e.act(ctx, model.ActionApprove, id, stageNumber, approverID, comments, actorRole, approve)
}

// RejectStage rejects the current stage and with it the whole workflow.
func (e *Engine) RejectStage(ctx context.Context, id string, stageNumber int, rejectorID, comments, actorRole string) (model.Stage, error) {
	return e.act(ctx, model.ActionReject, id, stageNumber, rejectorID, comments, actorRole, reject)
}

// RequestMoreInfo halts the workflow at the current stage until the stage is
// approved, rejected or queried again.
func (e *Engine) RequestMoreInfo(ctx context.Context, id string, stageNumber int, requesterID, comments, actorRole string) (model.Stage, error) {
	return e.act(ctx, model.ActionRequestInfo, id, stageNumber, requesterID, comments, actorRole, requestInfo)
}

type stageTransition func(inst *model.WorkflowInstance, stage *model.Stage, actorID, comments string, now time.Time) []Effect

func (e *Engine) act(
	ctx context.Context,
	action, id string,
	stageNumber int,
	actorID, comments, actorRole string,
	apply stageTransition,
) (_ model.Stage, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow."+action,
		observability.AttrWorkflowID.String(id),
		observability.AttrStageNumber.Int(stageNumber),
		observability.AttrSubjectID.String(actorID),
		observability.AttrAction.String(action),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	// 1. Load.
	inst, err := e.store.Get(ctx, id)
	if err != nil {
		e.logStoreFailure(ctx, err, id, action)
		return model.Stage{}, err
	}
	span.SetAttributes(observability.AttrModule.String(inst.Module))

	// 2. Stage exists and the workflow still accepts actions.
	stage, err := checkStage(&inst, stageNumber)
	if err != nil {
		return model.Stage{}, err
	}

	// 3. Authorize against the stage's role.
	allowed := e.gate.Allow(ctx, AccessRequest{
		Module:       inst.Module,
		WorkflowID:   inst.ID,
		StageNumber:  stageNumber,
		UserID:       actorID,
		ActorRole:    actorRole,
		RequiredRole: stage.Role,
	})
	if !allowed {
		return model.Stage{}, model.NewNotAuthorizedError(
			fmt.Sprintf("stage %d requires role %q", stageNumber, stage.Role),
		)
	}

	// 4. Sequential gating.
	if err := checkGating(&inst, stage); err != nil {
		return model.Stage{}, err
	}

	// 5. Apply in memory and write back conditioned on the loaded version.
	now := e.now()
	effects := apply(&inst, stage, actorID, comments, now)
	entry := model.HistoryEntry{
		ID:          e.newID(),
		WorkflowID:  inst.ID,
		StageID:     stage.ID,
		StageNumber: stage.StageNumber,
		ActorID:     actorID,
		Action:      action,
		Status:      stage.Status,
		Comments:    comments,
		Timestamp:   now,
	}
	if err := e.store.Update(ctx, inst, entry); err != nil {
		e.logStoreFailure(ctx, err, inst.ID, action)
		if model.HasCode(err, model.ErrConflict) {
			e.logger.Info("stage transition lost race",
				zap.String("workflow_id", inst.ID),
				zap.Int("stage_number", stageNumber),
				zap.String("action", action),
			)
		}
		return model.Stage{}, err
	}
	inst.Version++
	result := *stage

	e.metrics.RecordStageTransition(inst.Module, action)
	if inst.IsTerminal() {
		e.metrics.RecordWorkflowCompletion(inst.Module, inst.Status)
	}
	e.logger.Info("stage transition",
		zap.String("workflow_id", inst.ID),
		zap.String("module", inst.Module),
		zap.Int("stage_number", stageNumber),
		zap.String("action", action),
		zap.String("actor_id", actorID),
		zap.String("stage_status", result.Status),
		zap.String("workflow_status", inst.Status),
	)

	// 6. Side effects after commit.
	e.dispatcher.Dispatch(ctx, effects)
	return result, nil
}

// CancelWorkflow administratively cancels a non-terminal workflow. Only the
// configured admin role may cancel.
func (e *Engine) CancelWorkflow(ctx context.Context, id, actorID, actorRole, reason string) (_ model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.cancel",
		observability.AttrWorkflowID.String(id),
		observability.AttrSubjectID.String(actorID),
		observability.AttrAction.String(model.ActionCancel),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	inst, err := e.store.Get(ctx, id)
	if err != nil {
		e.logStoreFailure(ctx, err, id, model.ActionCancel)
		return model.WorkflowInstance{}, err
	}
	if inst.IsTerminal() {
		return model.WorkflowInstance{}, model.NewInvalidStateError(
			fmt.Sprintf("workflow %s is %s", inst.ID, inst.Status),
		)
	}
	if e.adminRole == "" || !e.gate.Allow(ctx, AccessRequest{
		Module:       inst.Module,
		WorkflowID:   inst.ID,
		UserID:       actorID,
		ActorRole:    actorRole,
		RequiredRole: e.adminRole,
	}) {
		return model.WorkflowInstance{}, model.NewNotAuthorizedError("cancellation requires the administrator role")
	}

	now := e.now()
	effects := cancel(&inst, actorID, reason, now)
	entry := model.HistoryEntry{
		ID:         e.newID(),
		WorkflowID: inst.ID,
		ActorID:    actorID,
		Action:     model.ActionCancel,
		Status:     model.WorkflowStatusCancelled,
		Comments:   reason,
		Timestamp:  now,
	}
	if err := e.store.Update(ctx, inst, entry); err != nil {
		e.logStoreFailure(ctx, err, inst.ID, model.ActionCancel)
		return model.WorkflowInstance{}, err
	}
	inst.Version++

	e.metrics.RecordWorkflowCompletion(inst.Module, inst.Status)
	e.logger.Info("workflow cancelled",
		zap.String("workflow_id", inst.ID),
		zap.String("actor_id", actorID),
	)

	e.dispatcher.Dispatch(ctx, effects)
	return inst, nil
}

// Page bounds a listing. A zero Limit means no limit.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) slice(insts []model.WorkflowInstance) []model.WorkflowInstance {
	lo := min(max(p.Offset, 0), len(insts))
	hi := len(insts)
	if p.Limit > 0 {
		hi = min(lo+p.Limit, hi)
	}
	return insts[lo:hi]
}

// GetPendingWorkflows lists workflows awaiting an approver, newest first.
// When role is non-empty only workflows whose current stage requires that
// role are returned. An empty module matches every module. The page is
// applied after the role filter.
func (e *Engine) GetPendingWorkflows(ctx context.Context, module, role string, page Page) ([]model.WorkflowInstance, error) {
	insts, err := e.store.Find(ctx, WorkflowFilters{
		Module:   module,
		Statuses: []string{model.WorkflowStatusPending, model.WorkflowStatusInProgress},
	})
	if err != nil {
		return nil, err
	}

	result := make([]model.WorkflowInstance, 0, len(insts))
	for _, inst := range insts {
		cur := currentStage(inst)
		if cur == nil {
			continue
		}
		if role != "" && cur.Role != role {
			continue
		}
		result = append(result, inst)
	}
	return page.slice(result), nil
}

var knownStatuses = map[string]bool{
	model.WorkflowStatusPending:          true,
	model.WorkflowStatusInProgress:       true,
	model.WorkflowStatusApproved:         true,
	model.WorkflowStatusRejected:         true,
	model.WorkflowStatusMoreInfoRequired: true,
	model.WorkflowStatusCancelled:        true,
}

// GetWorkflowsByStatus lists workflows of a module in the given status,
// newest first.
func (e *Engine) GetWorkflowsByStatus(ctx context.Context, module, status string, page Page) ([]model.WorkflowInstance, error) {
	if !knownStatuses[status] {
		return nil, model.NewBadRequestError(fmt.Sprintf("unknown workflow status %q", status))
	}
	insts, err := e.store.Find(ctx, WorkflowFilters{
		Module:   module,
		Statuses: []string{status},
		Limit:    page.Limit,
		Offset:   page.Offset,
	})
	if err != nil {
		return nil, err
	}
	if insts == nil {
		insts = []model.WorkflowInstance{}
	}
	return insts, nil
}

// Modules returns the configured stage catalog.
func (e *Engine) Modules() []catalog.ModuleDefinition {
	return e.catalog.Modules()
}
