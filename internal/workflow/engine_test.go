package workflow

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/signoff/internal/catalog"
	"github.com/pitabwire/signoff/model"
)

// --- Test helpers ---

type stubDirectory struct {
	users map[string]model.User
	err   error
}

func (d *stubDirectory) GetUserByID(_ context.Context, id string) (model.User, error) {
	if d.err != nil {
		return model.User{}, d.err
	}
	u, ok := d.users[id]
	if !ok {
		return model.User{}, model.NewNotFoundError("user " + id)
	}
	return u, nil
}

func (d *stubDirectory) GetUsersByRole(_ context.Context, role string) ([]model.User, error) {
	if d.err != nil {
		return nil, d.err
	}
	var out []model.User
	for _, id := range []string{"eo-1", "pm-1", "pm-2", "admin-1", "owner-1"} {
		if u, ok := d.users[id]; ok && u.Role == role {
			out = append(out, u)
		}
	}
	return out, nil
}

func testDirectory() *stubDirectory {
	return &stubDirectory{users: map[string]model.User{
		"eo-1":    {ID: "eo-1", Role: "Estates Officer", Email: "eo1@example.com"},
		"pm-1":    {ID: "pm-1", Role: "Property Manager", Email: "pm1@example.com"},
		"pm-2":    {ID: "pm-2", Role: "Property Manager", Email: "pm2@example.com"},
		"admin-1": {ID: "admin-1", Role: "Administrator"},
		"owner-1": {ID: "owner-1", Role: "Clerk"},
	}}
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []model.Notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, msg model.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.err
}

func (n *recordingNotifier) to(userID string) []model.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []model.Notification
	for _, s := range n.sent {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}

type recordingAuditor struct {
	mu      sync.Mutex
	records []model.AuditRecord
	err     error
}

func (a *recordingAuditor) RecordAction(_ context.Context, rec model.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return a.err
}

func (a *recordingAuditor) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.records))
	for i, r := range a.records {
		out[i] = r.Action
	}
	return out
}

type testEnv struct {
	engine   *Engine
	store    *MemoryWorkflowStore
	dir      *stubDirectory
	notifier *recordingNotifier
	auditor  *recordingAuditor
}

func newTestEnv(gateOpts ...GateOption) *testEnv {
	env := &testEnv{
		store:    NewMemoryWorkflowStore(),
		dir:      testDirectory(),
		notifier: &recordingNotifier{},
		auditor:  &recordingAuditor{},
	}
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	env.engine = NewEngine(
		catalog.NewRegistry(catalog.Defaults()),
		env.store,
		NewGate(env.dir, gateOpts...),
		NewDispatcher(env.dir, env.notifier, env.auditor),
		WithAdminRole("Administrator"),
		WithClock(func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			clock = clock.Add(time.Second)
			return clock
		}),
	)
	return env
}

func (env *testEnv) createProperty(t *testing.T) model.WorkflowInstance {
	t.Helper()
	inst, err := env.engine.CreateWorkflow(context.Background(), "Property", "prop-42", "Property", "owner-1")
	if err != nil {
		t.Fatalf("CreateWorkflow() error = %v", err)
	}
	return inst
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if !model.HasCode(err, code) {
		t.Fatalf("expected %s error, got %v", code, err)
	}
}

// --- CreateWorkflow ---

func TestEngine_CreateWorkflow_property(t *testing.T) {
	env := newTestEnv()
	inst := env.createProperty(t)

	if inst.Status != model.WorkflowStatusPending {
		t.Errorf("Status = %q, want pending", inst.Status)
	}
	if len(inst.Stages) != 2 {
		t.Fatalf("Stages = %d, want 2", len(inst.Stages))
	}
	want := []struct {
		number int
		role   string
		order  int
	}{
		{1, "Estates Officer", 1},
		{2, "Property Manager", 2},
	}
	for i, w := range want {
		s := inst.Stages[i]
		if s.StageNumber != w.number || s.Role != w.role || s.Order != w.order {
			t.Errorf("Stages[%d] = %+v, want number=%d role=%q order=%d", i, s, w.number, w.role, w.order)
		}
		if s.Status != model.StageStatusPending {
			t.Errorf("Stages[%d].Status = %q, want pending", i, s.Status)
		}
		if s.ID == "" {
			t.Errorf("Stages[%d].ID is empty", i)
		}
	}

	cur, err := env.engine.GetCurrentStage(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("GetCurrentStage() error = %v", err)
	}
	if cur == nil || cur.StageNumber != 1 {
		t.Fatalf("GetCurrentStage() = %+v, want stage 1", cur)
	}

	if got := env.auditor.actions(); len(got) != 1 || got[0] != AuditWorkflowCreated {
		t.Errorf("audit actions = %v, want [%s]", got, AuditWorkflowCreated)
	}
	if got := env.notifier.to("eo-1"); len(got) != 1 {
		t.Errorf("notifications to Estates Officer = %d, want 1", len(got))
	}
}

func TestEngine_CreateWorkflow_logs_metadata_keys_only(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	dir := testDirectory()
	engine := NewEngine(
		catalog.NewRegistry(catalog.Defaults()),
		NewMemoryWorkflowStore(),
		NewGate(dir),
		NewDispatcher(dir, &recordingNotifier{}, &recordingAuditor{}),
		WithLogger(zap.New(core)),
	)

	_, err := engine.CreateWorkflow(context.Background(), "Lease", "lease-1", "Lease", "owner-1",
		WithMetadata(map[string]any{"tenant_ssn": "123-45-6789", "term_months": 12}))
	if err != nil {
		t.Fatalf("CreateWorkflow() error = %v", err)
	}

	entries := logs.FilterMessage("workflow created").All()
	if len(entries) != 1 {
		t.Fatalf("workflow created entries = %d, want 1", len(entries))
	}
	keys, _ := entries[0].ContextMap()["metadata_keys"].([]any)
	if len(keys) != 2 || keys[0] != "tenant_ssn" || keys[1] != "term_months" {
		t.Errorf("metadata_keys = %v, want [tenant_ssn term_months]", entries[0].ContextMap()["metadata_keys"])
	}
	for _, e := range logs.All() {
		for _, f := range e.Context {
			if f.String == "123-45-6789" {
				t.Errorf("metadata value logged in %q", e.Message)
			}
		}
	}
}

func TestEngine_CreateWorkflow_options(t *testing.T) {
	env := newTestEnv()
	inst, err := env.engine.CreateWorkflow(context.Background(), "Lease", "lease-1", "Lease", "owner-1",
		WithComments("new lease"),
		WithMetadata(map[string]any{"term_months": 12}),
	)
	if err != nil {
		t.Fatalf("CreateWorkflow() error = %v", err)
	}
	if inst.Comments != "new lease" {
		t.Errorf("Comments = %q", inst.Comments)
	}
	stored, _ := env.engine.GetWorkflow(context.Background(), inst.ID)
	if stored.Metadata["term_months"] != 12 {
		t.Errorf("Metadata = %v", stored.Metadata)
	}
}

func TestEngine_CreateWorkflow_unknown_module(t *testing.T) {
	env := newTestEnv()
	_, err := env.engine.CreateWorkflow(context.Background(), "Unknown", "x-1", "Thing", "owner-1")
	assertCode(t, err, model.ErrUnknownModule)

	if env.store.Len() != 0 {
		t.Errorf("store Len() = %d, want 0", env.store.Len())
	}
	if len(env.auditor.actions()) != 0 {
		t.Error("no audit record expected for unknown module")
	}
}

func TestEngine_CreateWorkflow_missing_fields(t *testing.T) {
	env := newTestEnv()
	_, err := env.engine.CreateWorkflow(context.Background(), "Property", "", "Property", "")
	assertCode(t, err, model.ErrValidationError)

	var env2 *model.ErrorEnvelope
	if errors.As(err, &env2) && len(env2.Details) != 2 {
		t.Errorf("Details = %d, want 2", len(env2.Details))
	}
}

func TestEngine_CreateWorkflow_duplicate_open(t *testing.T) {
	env := newTestEnv()
	env.createProperty(t)

	_, err := env.engine.CreateWorkflow(context.Background(), "Property", "prop-42", "Property", "owner-1")
	assertCode(t, err, model.ErrConflict)
}

func TestEngine_CreateWorkflow_after_rejection(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	first := env.createProperty(t)
	if _, err := env.engine.RejectStage(ctx, first.ID, 1, "eo-1", "incomplete", "Estates Officer"); err != nil {
		t.Fatalf("RejectStage() error = %v", err)
	}

	second, err := env.engine.CreateWorkflow(ctx, "Property", "prop-42", "Property", "owner-1")
	if err != nil {
		t.Fatalf("resubmission error = %v", err)
	}

	latest, err := env.engine.GetWorkflowByEntity(ctx, "Property", "prop-42")
	if err != nil {
		t.Fatalf("GetWorkflowByEntity() error = %v", err)
	}
	if latest.ID != second.ID {
		t.Errorf("GetWorkflowByEntity() = %s, want newest %s", latest.ID, second.ID)
	}
}

// --- Lookups ---

func TestEngine_GetWorkflow_not_found(t *testing.T) {
	env := newTestEnv()
	_, err := env.engine.GetWorkflow(context.Background(), "missing")
	assertCode(t, err, model.ErrNotFound)

	_, err = env.engine.GetWorkflowByEntity(context.Background(), "Property", "missing")
	assertCode(t, err, model.ErrNotFound)

	_, err = env.engine.GetCurrentStage(context.Background(), "missing")
	assertCode(t, err, model.ErrNotFound)

	_, err = env.engine.IsWorkflowComplete(context.Background(), "missing")
	assertCode(t, err, model.ErrNotFound)

	_, err = env.engine.CanApproveStage(context.Background(), "missing", 1, "eo-1", "Estates Officer")
	assertCode(t, err, model.ErrNotFound)
}

// --- Approval flow ---

func TestEngine_ApproveStage_full_flow(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	inst := env.createProperty(t)

	// Estates Officer approves stage 1.
	stage, err := env.engine.ApproveStage(ctx, inst.ID, 1, "eo-1", "ok", "Estates Officer")
	if err != nil {
		t.Fatalf("ApproveStage(1) error = %v", err)
	}
	if stage.Status != model.StageStatusApproved || stage.ApprovedBy != "eo-1" || stage.ApprovedAt == nil {
		t.Errorf("stage 1 = %+v", stage)
	}
	got, _ := env.engine.GetWorkflow(ctx, inst.ID)
	if got.Status != model.WorkflowStatusInProgress {
		t.Errorf("Status = %q, want in_progress", got.Status)
	}
	cur, _ := env.engine.GetCurrentStage(ctx, inst.ID)
	if cur == nil || cur.StageNumber != 2 {
		t.Fatalf("GetCurrentStage() = %+v, want stage 2", cur)
	}
	if len(env.notifier.to("pm-1")) != 1 || len(env.notifier.to("pm-2")) != 1 {
		t.Errorf("Property Managers not notified: %+v", env.notifier.sent)
	}

	// Wrong role for stage 2.
	_, err = env.engine.ApproveStage(ctx, inst.ID, 2, "eo-1", "ok", "Estates Officer")
	assertCode(t, err, model.ErrNotAuthorized)
	got, _ = env.engine.GetWorkflow(ctx, inst.ID)
	if got.Status != model.WorkflowStatusInProgress {
		t.Errorf("Status after denied approve = %q, want in_progress", got.Status)
	}
	if s, _ := got.StageByNumber(2); s.Status != model.StageStatusPending {
		t.Errorf("stage 2 status = %q, want pending", s.Status)
	}

	// Property Manager completes the workflow.
	if _, err := env.engine.ApproveStage(ctx, inst.ID, 2, "pm-1", "ok", "Property Manager"); err != nil {
		t.Fatalf("ApproveStage(2) error = %v", err)
	}
	got, _ = env.engine.GetWorkflow(ctx, inst.ID)
	if got.Status != model.WorkflowStatusApproved {
		t.Errorf("Status = %q, want approved", got.Status)
	}
	complete, err := env.engine.IsWorkflowComplete(ctx, inst.ID)
	if err != nil || !complete {
		t.Errorf("IsWorkflowComplete() = %v, %v; want true", complete, err)
	}
	if cur, _ := env.engine.GetCurrentStage(ctx, inst.ID); cur != nil {
		t.Errorf("GetCurrentStage() after completion = %+v, want nil", cur)
	}
	if len(env.notifier.to("owner-1")) != 1 {
		t.Errorf("creator notifications = %d, want 1", len(env.notifier.to("owner-1")))
	}

	// Terminal.
	_, err = env.engine.ApproveStage(ctx, inst.ID, 2, "pm-1", "again", "Property Manager")
	assertCode(t, err, model.ErrInvalidState)
	_, err = env.engine.RejectStage(ctx, inst.ID, 1, "eo-1", "late", "Estates Officer")
	assertCode(t, err, model.ErrInvalidState)

	history, err := env.engine.GetHistory(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d entries, want 2", len(history))
	}
	if history[0].StageNumber != 1 || history[1].StageNumber != 2 || history[1].Action != model.ActionApprove {
		t.Errorf("history = %+v", history)
	}
}

func TestEngine_ApproveStage_out_of_order(t *testing.T) {
	env := newTestEnv()
	inst := env.createProperty(t)

	_, err := env.engine.ApproveStage(context.Background(), inst.ID, 2, "pm-1", "skip", "Property Manager")
	assertCode(t, err, model.ErrInvalidState)
}

func TestEngine_ApproveStage_stage_not_found(t *testing.T) {
	env := newTestEnv()
	inst := env.createProperty(t)

	_, err := env.engine.ApproveStage(context.Background(), inst.ID, 9, "eo-1", "", "Estates Officer")
	assertCode(t, err, model.ErrStageNotFound)
}

func TestEngine_ApproveStage_retry_conflicts(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	inst := env.createProperty(t)

	if _, err := env.engine.ApproveStage(ctx, inst.ID, 1, "eo-1", "ok", "Estates Officer"); err != nil {
		t.Fatalf("ApproveStage() error = %v", err)
	}
	_, err := env.engine.ApproveStage(ctx, inst.ID, 1, "eo-1", "ok", "Estates Officer")
	assertCode(t, err, model.ErrConflict)
}

func TestEngine_authorization_soundness(t *testing.T) {
	roles := []string{"Estates Officer", "Property Manager", "Legal Officer", "Director", "estates officer", "Estates Officer ", "Administrator"}
	actions := map[string]func(e *Engine, id string, role string) error{
		"approve": func(e *Engine, id, role string) error {
			_, err := e.ApproveStage(context.Background(), id, 1, "someone", "", role)
			return err
		},
		"reject": func(e *Engine, id, role string) error {
			_, err := e.RejectStage(context.Background(), id, 1, "someone", "", role)
			return err
		},
		"request_info": func(e *Engine, id, role string) error {
			_, err := e.RequestMoreInfo(context.Background(), id, 1, "someone", "", role)
			return err
		},
	}

	for name, act := range actions {
		for _, role := range roles {
			if role == "Estates Officer" {
				continue
			}
			t.Run(name+"/"+role, func(t *testing.T) {
				env := newTestEnv()
				inst := env.createProperty(t)
				assertCode(t, act(env.engine, inst.ID, role), model.ErrNotAuthorized)

				got, _ := env.engine.GetWorkflow(context.Background(), inst.ID)
				if got.Status != model.WorkflowStatusPending || got.Version != inst.Version {
					t.Errorf("workflow mutated by denied action: %+v", got)
				}
			})
		}
	}
}

// --- Reject / more info ---

func TestEngine_RejectStage(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	inst := env.createProperty(t)

	stage, err := env.engine.RejectStage(ctx, inst.ID, 1, "eo-1", "missing deed", "Estates Officer")
	if err != nil {
		t.Fatalf("RejectStage() error = %v", err)
	}
	if stage.Status != model.StageStatusRejected || stage.Comments != "missing deed" {
		t.Errorf("stage = %+v", stage)
	}
	got, _ := env.engine.GetWorkflow(ctx, inst.ID)
	if got.Status != model.WorkflowStatusRejected {
		t.Errorf("Status = %q, want rejected", got.Status)
	}
	if n := env.notifier.to("owner-1"); len(n) != 1 || n[0].Title != "Approval rejected" {
		t.Errorf("creator notifications = %+v", n)
	}

	_, err = env.engine.RequestMoreInfo(ctx, inst.ID, 1, "eo-1", "", "Estates Officer")
	assertCode(t, err, model.ErrInvalidState)
}

func TestEngine_RequestMoreInfo_then_approve(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	inst := env.createProperty(t)

	if _, err := env.engine.ApproveStage(ctx, inst.ID, 1, "eo-1", "ok", "Estates Officer"); err != nil {
		t.Fatalf("ApproveStage(1) error = %v", err)
	}
	stage, err := env.engine.RequestMoreInfo(ctx, inst.ID, 2, "pm-1", "need survey", "Property Manager")
	if err != nil {
		t.Fatalf("RequestMoreInfo() error = %v", err)
	}
	if stage.Status != model.StageStatusMoreInfoRequired {
		t.Errorf("stage status = %q", stage.Status)
	}
	got, _ := env.engine.GetWorkflow(ctx, inst.ID)
	if got.Status != model.WorkflowStatusMoreInfoRequired {
		t.Errorf("Status = %q, want more_info_required", got.Status)
	}
	if cur, _ := env.engine.GetCurrentStage(ctx, inst.ID); cur != nil {
		t.Errorf("GetCurrentStage() while halted = %+v, want nil", cur)
	}
	pending, _ := env.engine.GetPendingWorkflows(ctx, "Property", "", Page{})
	if len(pending) != 0 {
		t.Errorf("halted workflow listed as pending")
	}

	// Same stage is re-entered by approval.
	if _, err := env.engine.ApproveStage(ctx, inst.ID, 2, "pm-1", "survey received", "Property Manager"); err != nil {
		t.Fatalf("ApproveStage(2) after more info error = %v", err)
	}
	got, _ = env.engine.GetWorkflow(ctx, inst.ID)
	if got.Status != model.WorkflowStatusApproved {
		t.Errorf("Status = %q, want approved", got.Status)
	}
}

func TestEngine_RequestMoreInfo_then_reject(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	inst := env.createProperty(t)

	if _, err := env.engine.RequestMoreInfo(ctx, inst.ID, 1, "eo-1", "?", "Estates Officer"); err != nil {
		t.Fatalf("RequestMoreInfo() error = %v", err)
	}
	if _, err := env.engine.RejectStage(ctx, inst.ID, 1, "eo-1", "no answer", "Estates Officer"); err != nil {
		t.Fatalf("RejectStage() error = %v", err)
	}
	got, _ := env.engine.GetWorkflow(ctx, inst.ID)
	if got.Status != model.WorkflowStatusRejected {
		t.Errorf("Status = %q, want rejected", got.Status)
	}
}

// --- Concurrency ---

func TestEngine_ApproveStage_concurrent_single_winner(t *testing.T) {
	env := newTestEnv()
	inst := env.createProperty(t)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.engine.ApproveStage(context.Background(), inst.ID, 1, "eo-1", "ok", "Estates Officer")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case model.HasCode(err, model.ErrConflict):
		default:
			t.Errorf("unexpected error %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want 1", wins)
	}

	history, _ := env.engine.GetHistory(context.Background(), inst.ID)
	if len(history) != 1 {
		t.Errorf("history = %d entries, want 1", len(history))
	}
	if n := env.notifier.to("pm-1"); len(n) != 1 {
		t.Errorf("stage 2 notifications = %d, want 1", len(n))
	}
}

// --- Side effects ---

func TestEngine_side_effect_failures_do_not_fail_transition(t *testing.T) {
	env := newTestEnv()
	env.notifier.err = errors.New("smtp down")
	env.auditor.err = errors.New("audit db down")
	ctx := context.Background()

	inst := env.createProperty(t)
	if _, err := env.engine.ApproveStage(ctx, inst.ID, 1, "eo-1", "ok", "Estates Officer"); err != nil {
		t.Fatalf("ApproveStage() error = %v", err)
	}
	got, _ := env.engine.GetWorkflow(ctx, inst.ID)
	if s, _ := got.StageByNumber(1); s.Status != model.StageStatusApproved {
		t.Errorf("stage 1 = %q, want approved", s.Status)
	}
}

// --- Directory fallback ---

func TestEngine_directory_fallback(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	inst := env.createProperty(t)

	ok, err := env.engine.CanApproveStage(ctx, inst.ID, 1, "eo-1", "")
	if err != nil || !ok {
		t.Errorf("CanApproveStage(eo-1, fallback) = %v, %v; want true", ok, err)
	}
	ok, _ = env.engine.CanApproveStage(ctx, inst.ID, 1, "pm-1", "")
	if ok {
		t.Error("CanApproveStage(pm-1, fallback) = true, want false")
	}
	ok, _ = env.engine.CanApproveStage(ctx, inst.ID, 1, "ghost", "")
	if ok {
		t.Error("CanApproveStage(unknown user) = true, want false")
	}
	ok, _ = env.engine.CanApproveStage(ctx, inst.ID, 7, "eo-1", "Estates Officer")
	if ok {
		t.Error("CanApproveStage(missing stage) = true, want false")
	}

	if _, err := env.engine.ApproveStage(ctx, inst.ID, 1, "eo-1", "via directory", ""); err != nil {
		t.Fatalf("ApproveStage() via fallback error = %v", err)
	}
}

func TestEngine_directory_fallback_disabled(t *testing.T) {
	env := newTestEnv(WithDirectoryFallback(false))
	inst := env.createProperty(t)

	_, err := env.engine.ApproveStage(context.Background(), inst.ID, 1, "eo-1", "", "")
	assertCode(t, err, model.ErrNotAuthorized)
}

func TestEngine_directory_error_fails_closed(t *testing.T) {
	env := newTestEnv()
	inst := env.createProperty(t)
	env.dir.err = errors.New("directory unavailable")

	ok, err := env.engine.CanApproveStage(context.Background(), inst.ID, 1, "eo-1", "")
	if err != nil || ok {
		t.Errorf("CanApproveStage() = %v, %v; want false, nil", ok, err)
	}
}

// --- Cancel ---

func TestEngine_CancelWorkflow(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	inst := env.createProperty(t)

	_, err := env.engine.CancelWorkflow(ctx, inst.ID, "eo-1", "Estates Officer", "nope")
	assertCode(t, err, model.ErrNotAuthorized)

	got, err := env.engine.CancelWorkflow(ctx, inst.ID, "admin-1", "Administrator", "duplicate submission")
	if err != nil {
		t.Fatalf("CancelWorkflow() error = %v", err)
	}
	if got.Status != model.WorkflowStatusCancelled {
		t.Errorf("Status = %q, want cancelled", got.Status)
	}

	_, err = env.engine.ApproveStage(ctx, inst.ID, 1, "eo-1", "", "Estates Officer")
	assertCode(t, err, model.ErrInvalidState)
	_, err = env.engine.CancelWorkflow(ctx, inst.ID, "admin-1", "Administrator", "again")
	assertCode(t, err, model.ErrInvalidState)

	history, _ := env.engine.GetHistory(ctx, inst.ID)
	if len(history) != 1 || history[0].Action != model.ActionCancel {
		t.Errorf("history = %+v", history)
	}
}

// --- Listing ---

func TestEngine_GetPendingWorkflows_filters_by_current_role(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	a, _ := env.engine.CreateWorkflow(ctx, "Property", "p-a", "Property", "owner-1")
	b, _ := env.engine.CreateWorkflow(ctx, "Property", "p-b", "Property", "owner-1")
	if _, err := env.engine.CreateWorkflow(ctx, "Lease", "l-a", "Lease", "owner-1"); err != nil {
		t.Fatalf("CreateWorkflow(Lease) error = %v", err)
	}
	if _, err := env.engine.ApproveStage(ctx, b.ID, 1, "eo-1", "", "Estates Officer"); err != nil {
		t.Fatalf("ApproveStage() error = %v", err)
	}

	eo, err := env.engine.GetPendingWorkflows(ctx, "Property", "Estates Officer", Page{})
	if err != nil {
		t.Fatalf("GetPendingWorkflows() error = %v", err)
	}
	if len(eo) != 1 || eo[0].ID != a.ID {
		t.Errorf("Estates Officer pending = %v, want [%s]", ids(eo), a.ID)
	}

	pm, _ := env.engine.GetPendingWorkflows(ctx, "Property", "Property Manager", Page{})
	if len(pm) != 1 || pm[0].ID != b.ID {
		t.Errorf("Property Manager pending = %v, want [%s]", ids(pm), b.ID)
	}

	all, _ := env.engine.GetPendingWorkflows(ctx, "", "", Page{})
	if len(all) != 3 {
		t.Errorf("all pending = %d, want 3", len(all))
	}
}

func TestEngine_GetWorkflowsByStatus(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	inst := env.createProperty(t)
	if _, err := env.engine.ApproveStage(ctx, inst.ID, 1, "eo-1", "", "Estates Officer"); err != nil {
		t.Fatalf("ApproveStage() error = %v", err)
	}

	got, err := env.engine.GetWorkflowsByStatus(ctx, "Property", model.WorkflowStatusInProgress, Page{})
	if err != nil {
		t.Fatalf("GetWorkflowsByStatus() error = %v", err)
	}
	if len(got) != 1 {
		t.Errorf("in_progress = %d, want 1", len(got))
	}
	got, _ = env.engine.GetWorkflowsByStatus(ctx, "Property", model.WorkflowStatusPending, Page{})
	if len(got) != 0 {
		t.Errorf("pending = %d, want 0", len(got))
	}

	_, err = env.engine.GetWorkflowsByStatus(ctx, "Property", "bogus", Page{})
	assertCode(t, err, model.ErrBadRequest)
}

func TestEngine_listing_pages(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	var created []string
	for _, entity := range []string{"p-1", "p-2", "p-3", "p-4"} {
		inst, err := env.engine.CreateWorkflow(ctx, "Property", entity, "Property", "owner-1")
		if err != nil {
			t.Fatalf("CreateWorkflow(%s) error = %v", entity, err)
		}
		created = append(created, inst.ID)
	}
	// The test clock ticks forward, so newest first is reverse creation order.
	newest := []string{created[3], created[2], created[1], created[0]}

	tests := []struct {
		name string
		page Page
		want []string
	}{
		{"unbounded", Page{}, newest},
		{"first page", Page{Limit: 2}, newest[:2]},
		{"second page", Page{Limit: 2, Offset: 2}, newest[2:]},
		{"offset past end", Page{Limit: 2, Offset: 10}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pending, err := env.engine.GetPendingWorkflows(ctx, "Property", "Estates Officer", tt.page)
			if err != nil {
				t.Fatalf("GetPendingWorkflows() error = %v", err)
			}
			if got := ids(pending); !slices.Equal(got, tt.want) {
				t.Errorf("pending = %v, want %v", got, tt.want)
			}

			byStatus, err := env.engine.GetWorkflowsByStatus(ctx, "Property", model.WorkflowStatusPending, tt.page)
			if err != nil {
				t.Fatalf("GetWorkflowsByStatus() error = %v", err)
			}
			if got := ids(byStatus); !slices.Equal(got, tt.want) {
				t.Errorf("by status = %v, want %v", got, tt.want)
			}
		})
	}
}

func ids(insts []model.WorkflowInstance) []string {
	out := make([]string, len(insts))
	for i, w := range insts {
		out[i] = w.ID
	}
	return out
}

// --- Store failures ---

type brokenStore struct {
	*MemoryWorkflowStore
	getErr, updateErr error
}

func (s *brokenStore) Get(ctx context.Context, id string) (model.WorkflowInstance, error) {
	if s.getErr != nil {
		return model.WorkflowInstance{}, s.getErr
	}
	return s.MemoryWorkflowStore.Get(ctx, id)
}

func (s *brokenStore) Update(ctx context.Context, inst model.WorkflowInstance, history ...model.HistoryEntry) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	return s.MemoryWorkflowStore.Update(ctx, inst, history...)
}

func TestEngine_store_failures_are_logged(t *testing.T) {
	connReset := errors.New("pg: connection reset by peer")

	tests := []struct {
		name       string
		store      *brokenStore
		run        func(e *Engine, id string) error
		wantAction string
	}{
		{
			name:  "approve update",
			store: &brokenStore{updateErr: connReset},
			run: func(e *Engine, id string) error {
				_, err := e.ApproveStage(context.Background(), id, 1, "eo-1", "", "Estates Officer")
				return err
			},
			wantAction: model.ActionApprove,
		},
		{
			name:  "reject load",
			store: &brokenStore{getErr: connReset},
			run: func(e *Engine, id string) error {
				_, err := e.RejectStage(context.Background(), id, 1, "eo-1", "", "Estates Officer")
				return err
			},
			wantAction: model.ActionReject,
		},
		{
			name:  "cancel update",
			store: &brokenStore{updateErr: connReset},
			run: func(e *Engine, id string) error {
				_, err := e.CancelWorkflow(context.Background(), id, "admin-1", "Administrator", "withdrawn")
				return err
			},
			wantAction: model.ActionCancel,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.ErrorLevel)
			dir := testDirectory()
			tt.store.MemoryWorkflowStore = NewMemoryWorkflowStore()
			engine := NewEngine(
				catalog.NewRegistry(catalog.Defaults()),
				tt.store,
				NewGate(dir),
				NewDispatcher(dir, &recordingNotifier{}, &recordingAuditor{}),
				WithAdminRole("Administrator"),
				WithLogger(zap.New(core)),
			)

			inst := model.WorkflowInstance{ID: "wf-1", Module: "Property", EntityID: "prop-1", Status: model.WorkflowStatusPending,
				Stages: []model.Stage{{ID: "s-1", StageNumber: 1, Order: 1, Role: "Estates Officer", Status: model.StageStatusPending}}}
			if err := tt.store.MemoryWorkflowStore.Create(context.Background(), inst); err != nil {
				t.Fatalf("seed: %v", err)
			}

			if err := tt.run(engine, inst.ID); !errors.Is(err, connReset) {
				t.Fatalf("error = %v, want %v", err, connReset)
			}

			entries := logs.FilterMessage("workflow store failure").All()
			if len(entries) != 1 {
				t.Fatalf("store failure entries = %d, want 1 (all: %d)", len(entries), logs.Len())
			}
			fields := entries[0].ContextMap()
			if fields["workflow_id"] != inst.ID {
				t.Errorf("workflow_id = %v, want %s", fields["workflow_id"], inst.ID)
			}
			if fields["action"] != tt.wantAction {
				t.Errorf("action = %v, want %s", fields["action"], tt.wantAction)
			}
			if msg, _ := fields["error"].(string); !strings.Contains(msg, "connection reset") {
				t.Errorf("error field = %v", fields["error"])
			}
		})
	}
}

func TestEngine_domain_errors_are_not_logged_as_store_failures(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	dir := testDirectory()
	engine := NewEngine(
		catalog.NewRegistry(catalog.Defaults()),
		NewMemoryWorkflowStore(),
		NewGate(dir),
		NewDispatcher(dir, &recordingNotifier{}, &recordingAuditor{}),
		WithLogger(zap.New(core)),
	)

	_, err := engine.ApproveStage(context.Background(), "missing", 1, "eo-1", "", "Estates Officer")
	assertCode(t, err, model.ErrNotFound)
	if logs.Len() != 0 {
		t.Errorf("error entries = %d, want 0", logs.Len())
	}
}
