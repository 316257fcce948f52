package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/caseportal/internal/cases"
	"github.com/pitabwire/caseportal/internal/observability"
	"github.com/pitabwire/caseportal/internal/openapi"
	"github.com/pitabwire/caseportal/internal/patch"
	"github.com/pitabwire/caseportal/model"
)

// IdempotencyKeyHeader carries the optional client key for createCase.
const IdempotencyKeyHeader = "Idempotency-Key"

// CaseService is the set of case use cases served over HTTP.
type CaseService interface {
	Create(ctx context.Context, rctx *model.RequestContext, in cases.CreateInput) (model.Case, error)
	Get(ctx context.Context, rctx *model.RequestContext, caseID string) (model.Case, error)
	List(ctx context.Context, rctx *model.RequestContext, filters model.CaseFilters) ([]model.Case, error)
	UpdateSubmission(ctx context.Context, rctx *model.RequestContext, caseID string, edits []patch.Edit) (model.Case, error)
	ChangeStatus(ctx context.Context, rctx *model.RequestContext, caseID, status string) (model.Case, error)
	AssignExternalID(ctx context.Context, rctx *model.RequestContext, caseID, externalID string) (model.Case, error)
}

type createCaseRequest struct {
	CaseDefinitionID string         `json:"case_definition_id"`
	Submission       map[string]any `json:"submission"`
	Status           string         `json:"status"`
}

type updateSubmissionRequest struct {
	Edits map[string]any `json:"edits"`
}

type changeStatusRequest struct {
	Status string `json:"status"`
}

type assignExternalIDRequest struct {
	ExternalID string `json:"external_id"`
}

type caseListResponse struct {
	Data []model.Case `json:"data"`
}

func handleCreateCase(svc CaseService, api *openapi.Index) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var req createCaseRequest
		if err := decodeRequest(r, api, "createCase", &req); err != nil {
			WriteError(w, err)
			return
		}
		observability.AnnotateSpan(r.Context(), observability.AttrCaseDefinitionID.String(req.CaseDefinitionID))

		c, err := svc.Create(r.Context(), rctx, cases.CreateInput{
			CaseDefinitionID: req.CaseDefinitionID,
			Submission:       req.Submission,
			Status:           req.Status,
			IdempotencyKey:   r.Header.Get(IdempotencyKeyHeader),
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		observability.AnnotateSpan(r.Context(), observability.AttrCaseID.String(c.ID))
		w.Header().Set("Location", "/api/v1/cases/"+c.ID)
		WriteJSON(w, http.StatusCreated, c)
	}
}

func handleListCases(svc CaseService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		q := r.URL.Query()
		filters := model.CaseFilters{
			CaseDefinitionID: q.Get("case_definition_id"),
			Status:           q.Get("status"),
		}
		var err error
		if filters.Limit, err = queryInt(r, "limit", 0, 200); err != nil {
			WriteError(w, err)
			return
		}
		if filters.Offset, err = queryInt(r, "offset", 0, -1); err != nil {
			WriteError(w, err)
			return
		}

		list, err := svc.List(r.Context(), rctx, filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		if list == nil {
			list = []model.Case{}
		}
		WriteJSON(w, http.StatusOK, caseListResponse{Data: list})
	}
}

func handleGetCase(svc CaseService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		caseID := chi.URLParam(r, "caseId")
		observability.AnnotateSpan(r.Context(), observability.AttrCaseID.String(caseID))

		c, err := svc.Get(r.Context(), rctx, caseID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, c)
	}
}

func handleUpdateSubmission(svc CaseService, api *openapi.Index) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		caseID := chi.URLParam(r, "caseId")

		var req updateSubmissionRequest
		if err := decodeRequest(r, api, "updateCaseSubmission", &req); err != nil {
			WriteError(w, err)
			return
		}
		edits := patch.EditsFromMap(req.Edits)
		observability.AnnotateSpan(r.Context(),
			observability.AttrCaseID.String(caseID),
			observability.AttrEditCount.Int(len(edits)),
		)

		c, err := svc.UpdateSubmission(r.Context(), rctx, caseID, edits)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, c)
	}
}

func handleChangeStatus(svc CaseService, api *openapi.Index) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		caseID := chi.URLParam(r, "caseId")

		var req changeStatusRequest
		if err := decodeRequest(r, api, "changeCaseStatus", &req); err != nil {
			WriteError(w, err)
			return
		}
		observability.AnnotateSpan(r.Context(),
			observability.AttrCaseID.String(caseID),
			observability.AttrStatus.String(req.Status),
		)

		c, err := svc.ChangeStatus(r.Context(), rctx, caseID, req.Status)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, c)
	}
}

func handleAssignExternalID(svc CaseService, api *openapi.Index) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		caseID := chi.URLParam(r, "caseId")

		var req assignExternalIDRequest
		if err := decodeRequest(r, api, "assignCaseExternalId", &req); err != nil {
			WriteError(w, err)
			return
		}
		observability.AnnotateSpan(r.Context(), observability.AttrCaseID.String(caseID))

		c, err := svc.AssignExternalID(r.Context(), rctx, caseID, req.ExternalID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, c)
	}
}

// decodeRequest reads the JSON body, checks it against the operation's
// request schema, then decodes it into dst. A nil index skips the schema
// check.
func decodeRequest(r *http.Request, api *openapi.Index, operationID string, dst any) error {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return model.NewBadRequestError("request body too large")
		}
		return model.NewBadRequestError("unreadable request body")
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return model.NewBadRequestError("invalid JSON body")
	}
	if api != nil {
		if details := api.ValidateRequest(operationID, generic); len(details) > 0 {
			return &model.ErrorEnvelope{
				Code:    model.ErrBadRequest,
				Message: "request body does not match the API schema",
				Details: details,
			}
		}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

// queryInt extracts a non-negative integer query param. upper <= 0 disables
// the upper bound.
func queryInt(r *http.Request, key string, def, upper int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 || (upper > 0 && v > upper) {
		return 0, model.NewBadRequestError("invalid " + key + " parameter")
	}
	return v, nil
}
