package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/onboardhq/gatekeeper/internal/submission"
	"github.com/onboardhq/gatekeeper/internal/template"
	"github.com/onboardhq/gatekeeper/internal/types"
)

// Handler implements the API handlers
type Handler struct {
	templates   *template.Store
	submissions *submission.Service
	apiKey      string
	version     string
}

// NewHandler creates a new Handler over the template store and submission service.
func NewHandler(templates *template.Store, submissions *submission.Service, apiKey, version string) *Handler {
	return &Handler{
		templates:   templates,
		submissions: submissions,
		apiKey:      apiKey,
		version:     version,
	}
}

// HealthResponse is the health check payload.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Version: h.version})
}

// SaveTemplateRequest is the body of PUT /templates/{templateID}.
type SaveTemplateRequest struct {
	Sections  []types.Section    `json:"sections"`
	Gate      types.GateCriteria `json:"gateCriteria"`
	UpdatedBy string             `json:"updatedBy"`
}

// SaveTemplate handles PUT /api/v1/templates/{templateID}
func (h *Handler) SaveTemplate(w http.ResponseWriter, r *http.Request) {
	templateID := chi.URLParam(r, "templateID")

	var req SaveTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	result, err := h.templates.Save(r.Context(), templateID, req.Sections, req.Gate, req.UpdatedBy)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetTemplate handles GET /api/v1/templates/{templateID}
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.templates.GetCurrent(r.Context(), chi.URLParam(r, "templateID"))
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

// GetTemplateVersion handles GET /api/v1/templates/{templateID}/versions/{version}
func (h *Handler) GetTemplateVersion(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || version < 1 {
		WriteProblem(w, r, http.StatusBadRequest, "Version must be a positive integer")
		return
	}

	snapshot, err := h.templates.GetVersion(r.Context(), chi.URLParam(r, "templateID"), version)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// CreateSubmission handles POST /api/v1/submissions
func (h *Handler) CreateSubmission(w http.ResponseWriter, r *http.Request) {
	var req submission.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if req.PartnerID == "" || req.QuestionnaireID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "partnerId and questionnaireId are required")
		return
	}

	sub, err := h.submissions.Create(r.Context(), req)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// GetSubmission handles GET /api/v1/submissions/{id}
func (h *Handler) GetSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := h.submissions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// EditSubmission handles PATCH /api/v1/submissions/{id}
func (h *Handler) EditSubmission(w http.ResponseWriter, r *http.Request) {
	var req submission.EditInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	sub, err := h.submissions.Edit(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// SubmitSubmission handles POST /api/v1/submissions/{id}/submit
func (h *Handler) SubmitSubmission(w http.ResponseWriter, r *http.Request) {
	var req submission.SubmitInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	result, err := h.submissions.Submit(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ResolveSubmissionTemplate handles GET /api/v1/submissions/{id}/template
func (h *Handler) ResolveSubmissionTemplate(w http.ResponseWriter, r *http.Request) {
	tv, err := h.submissions.ResolveTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tv)
}

// GetPartner handles GET /api/v1/partners/{partnerID}
func (h *Handler) GetPartner(w http.ResponseWriter, r *http.Request) {
	partner, err := h.submissions.GetPartner(r.Context(), chi.URLParam(r, "partnerID"))
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, partner)
}

// StartGate handles POST /api/v1/partners/{partnerID}/gates/{gateID}/start
func (h *Handler) StartGate(w http.ResponseWriter, r *http.Request) {
	gp, err := h.submissions.StartGate(r.Context(), chi.URLParam(r, "partnerID"), chi.URLParam(r, "gateID"))
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, gp)
}

// BlockGateRequest is the body of POST /partners/{partnerID}/gates/{gateID}/block.
type BlockGateRequest struct {
	Reason string `json:"reason"`
}

// BlockGate handles POST /api/v1/partners/{partnerID}/gates/{gateID}/block
func (h *Handler) BlockGate(w http.ResponseWriter, r *http.Request) {
	var req BlockGateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	gp, err := h.submissions.BlockGate(r.Context(), chi.URLParam(r, "partnerID"), chi.URLParam(r, "gateID"), req.Reason)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, gp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
