package cli

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/deptrail/deptrail/pkg/errors"
	"github.com/deptrail/deptrail/pkg/identity"
	"github.com/deptrail/deptrail/pkg/model"
	"github.com/deptrail/deptrail/pkg/service"
)

// maxDocumentBytes bounds one document upload.
const maxDocumentBytes = 64 << 20

// api exposes the service facade over HTTP.
type api struct {
	svc    *service.Service
	logger *log.Logger
}

func newAPI(svc *service.Service, logger *log.Logger) http.Handler {
	a := &api{svc: svc, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/projects", a.createProject)
	mux.HandleFunc("POST /api/v1/projects/{project}/bom", a.submitBOM)
	mux.HandleFunc("POST /api/v1/projects/{project}/vex", a.submitVex)
	mux.HandleFunc("POST /api/v1/projects/{project}/components", a.createComponent)
	mux.HandleFunc("POST /api/v1/projects/{project}/graph", a.expandGraph)
	mux.HandleFunc("GET /api/v1/chains/{token}", a.chainStatus)
	mux.HandleFunc("GET /api/v1/identity/resolve", a.resolveIdentity)
	mux.HandleFunc("GET /api/v1/identity/hash/{hash}", a.resolveByHash)
	return mux
}

// principal identifies the caller. Authentication proper sits in front of the
// service; this only carries the identity through to the authorizer.
func principal(r *http.Request) string {
	if p := r.Header.Get("X-Principal"); p != "" {
		return p
	}
	return "anonymous"
}

func (a *api) createProject(w http.ResponseWriter, r *http.Request) {
	var p model.Project
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		a.writeError(w, errors.E(errors.KindValidation, "api.createProject", "malformed project body", err))
		return
	}
	if err := a.svc.CreateProject(r.Context(), principal(r), &p); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, p)
}

func (a *api) submitBOM(w http.ResponseWriter, r *http.Request) {
	a.submitDocument(w, r, a.svc.SubmitBOM)
}

func (a *api) submitVex(w http.ResponseWriter, r *http.Request) {
	a.submitDocument(w, r, a.svc.SubmitVex)
}

func (a *api) submitDocument(w http.ResponseWriter, r *http.Request,
	submit func(ctx context.Context, principal string, project uuid.UUID, raw []byte) (uuid.UUID, error)) {

	project, err := uuid.Parse(r.PathValue("project"))
	if err != nil {
		a.writeError(w, errors.E(errors.KindValidation, "api.submit", "malformed project UUID"))
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDocumentBytes))
	if err != nil {
		a.writeError(w, errors.E(errors.KindValidation, "api.submit", "read document body", err))
		return
	}

	token, err := submit(r.Context(), principal(r), project, raw)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, map[string]any{"token": token})
}

func (a *api) chainStatus(w http.ResponseWriter, r *http.Request) {
	token, err := uuid.Parse(r.PathValue("token"))
	if err != nil {
		a.writeError(w, errors.E(errors.KindValidation, "api.chainStatus", "malformed token"))
		return
	}
	info, err := a.svc.ChainStatus(r.Context(), token)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"token":          info.Token,
		"status":         info.Status.String(),
		"failed_kind":    info.FailedKind,
		"failure_detail": info.FailureDetail,
		"created_at":     info.CreatedAt,
		"updated_at":     info.UpdatedAt,
	})
}

func (a *api) createComponent(w http.ResponseWriter, r *http.Request) {
	project, err := uuid.Parse(r.PathValue("project"))
	if err != nil {
		a.writeError(w, errors.E(errors.KindValidation, "api.createComponent", "malformed project UUID"))
		return
	}
	var c model.Component
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		a.writeError(w, errors.E(errors.KindValidation, "api.createComponent", "malformed component body", err))
		return
	}
	c.ProjectUUID = project

	token, err := a.svc.CreateComponent(r.Context(), principal(r), &c)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, map[string]any{"component": c, "token": token})
}

func (a *api) expandGraph(w http.ResponseWriter, r *http.Request) {
	project, err := uuid.Parse(r.PathValue("project"))
	if err != nil {
		a.writeError(w, errors.E(errors.KindValidation, "api.expandGraph", "malformed project UUID"))
		return
	}
	var body struct {
		Targets []uuid.UUID `json:"targets"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, errors.E(errors.KindValidation, "api.expandGraph", "malformed request body", err))
		return
	}

	results, err := a.svc.ExpandDependencyGraph(r.Context(), principal(r), project, body.Targets)
	if err != nil {
		a.writeError(w, err)
		return
	}

	out := make(map[string]any, len(results))
	for target, res := range results {
		if res.Err != nil {
			out[target.String()] = map[string]any{"error": res.Err.Error()}
			continue
		}
		out[target.String()] = res.Subgraph
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *api) resolveIdentity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	in := identity.DescriptorInput{
		PURL:      q.Get("purl"),
		CPE:       q.Get("cpe"),
		SWIDTagID: q.Get("swid"),
		Group:     q.Get("group"),
		Name:      q.Get("name"),
		Version:   q.Get("version"),
	}

	var project *uuid.UUID
	if raw := q.Get("project"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			a.writeError(w, errors.E(errors.KindValidation, "api.resolveIdentity", "malformed project UUID"))
			return
		}
		project = &id
	}

	page, err := a.svc.ResolveIdentity(r.Context(), principal(r), in, project, pageFrom(q.Get("page"), q.Get("size")))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, page)
}

func (a *api) resolveByHash(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := a.svc.ResolveByHash(r.Context(), r.PathValue("hash"), pageFrom(q.Get("page"), q.Get("size")))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, page)
}

func (a *api) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Debug("write response", "err", err)
	}
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	kind := errors.GetKind(err)
	status := kindStatus(kind)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", "err", err)
	}
	a.writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  kind.String(),
	})
}

// kindStatus maps the error taxonomy onto HTTP status codes.
func kindStatus(kind errors.Kind) int {
	switch kind {
	case errors.KindValidation:
		return http.StatusBadRequest
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindForbidden:
		return http.StatusForbidden
	case errors.KindPolicyViolation:
		return http.StatusUnprocessableEntity
	case errors.KindConflict:
		return http.StatusConflict
	case errors.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func pageFrom(number, size string) model.Page {
	var p model.Page
	p.Number, _ = strconv.Atoi(number)
	p.Size, _ = strconv.Atoi(size)
	return p
}
