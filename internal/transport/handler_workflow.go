package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/signoff/internal/workflow"
	"github.com/pitabwire/signoff/model"
)

// stageAction is the shared signature of ApproveStage, RejectStage and
// RequestMoreInfo, used as a method expression.
type stageAction func(e *workflow.Engine, ctx context.Context, id string, stageNumber int, actorID, comments, actorRole string) (model.Stage, error)

func handleWorkflowCreate(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requireRequestContext(w, r)
		if !ok {
			return
		}

		var body struct {
			Module     string         `json:"module"`
			EntityID   string         `json:"entity_id"`
			EntityType string         `json:"entity_type"`
			Comments   string         `json:"comments"`
			Metadata   map[string]any `json:"metadata"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		entityType := body.EntityType
		if entityType == "" {
			entityType = body.Module
		}
		inst, err := engine.CreateWorkflow(r.Context(), body.Module, body.EntityID, entityType, rctx.SubjectID,
			workflow.WithComments(body.Comments),
			workflow.WithMetadata(body.Metadata),
		)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, inst)
	}
}

// handleWorkflowList serves both list queries: pending=true returns the
// workflows waiting on an approver (optionally for one role), otherwise a
// status filter is required. limit and offset page either listing.
func handleWorkflowList(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		module := q.Get("module")
		page, err := parsePage(q)
		if err != nil {
			WriteError(w, err)
			return
		}

		var insts []model.WorkflowInstance
		switch {
		case q.Get("pending") == "true":
			insts, err = engine.GetPendingWorkflows(r.Context(), module, q.Get("role"), page)
		case q.Get("status") != "":
			insts, err = engine.GetWorkflowsByStatus(r.Context(), module, q.Get("status"), page)
		default:
			err = model.NewBadRequestError("either pending=true or status is required")
		}
		if err != nil {
			WriteError(w, err)
			return
		}

		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        insts,
			"total_count": len(insts),
		})
	}
}

// parsePage reads the optional limit and offset query parameters.
func parsePage(q url.Values) (workflow.Page, error) {
	var page workflow.Page
	for name, dst := range map[string]*int{"limit": &page.Limit, "offset": &page.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return workflow.Page{}, model.NewBadRequestError(name + " must be a non-negative integer")
		}
		*dst = n
	}
	return page, nil
}

func handleWorkflowGet(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := engine.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleWorkflowByEntity(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := engine.GetWorkflowByEntity(r.Context(), chi.URLParam(r, "module"), chi.URLParam(r, "entityId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleCurrentStage(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stage, err := engine.GetCurrentStage(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		if stage == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		WriteJSON(w, http.StatusOK, stage)
	}
}

func handleWorkflowComplete(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		complete, err := engine.IsWorkflowComplete(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]bool{"complete": complete})
	}
}

func handleWorkflowHistory(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := engine.GetHistory(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		if entries == nil {
			entries = []model.HistoryEntry{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": entries})
	}
}

// handleCanApprove checks the caller by default. A user_id query parameter
// checks another user; their role then comes from the directory.
func handleCanApprove(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requireRequestContext(w, r)
		if !ok {
			return
		}
		stageNumber, err := stageNumberParam(r)
		if err != nil {
			WriteError(w, err)
			return
		}

		userID, role := rctx.SubjectID, rctx.Role
		if other := r.URL.Query().Get("user_id"); other != "" && other != rctx.SubjectID {
			userID, role = other, ""
		}

		allowed, err := engine.CanApproveStage(r.Context(), chi.URLParam(r, "id"), stageNumber, userID, role)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"user_id":     userID,
			"can_approve": allowed,
		})
	}
}

func handleStageAction(engine *workflow.Engine, action stageAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requireRequestContext(w, r)
		if !ok {
			return
		}
		stageNumber, err := stageNumberParam(r)
		if err != nil {
			WriteError(w, err)
			return
		}

		var body struct {
			Comments string `json:"comments"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		stage, err := action(engine, r.Context(), chi.URLParam(r, "id"), stageNumber, rctx.SubjectID, body.Comments, rctx.Role)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, stage)
	}
}

func handleWorkflowCancel(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requireRequestContext(w, r)
		if !ok {
			return
		}

		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		inst, err := engine.CancelWorkflow(r.Context(), chi.URLParam(r, "id"), rctx.SubjectID, rctx.Role, body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleCatalog(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"modules": engine.Modules()})
	}
}

// --- helpers ---

func requireRequestContext(w http.ResponseWriter, r *http.Request) (*model.RequestContext, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return nil, false
	}
	return rctx, true
}

func stageNumberParam(r *http.Request) (int, error) {
	n, err := strconv.Atoi(chi.URLParam(r, "stageNumber"))
	if err != nil || n < 1 {
		return 0, model.NewBadRequestError("stage number must be a positive integer")
	}
	return n, nil
}

// decodeBody decodes an optional JSON body. An empty body leaves v unchanged.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}
