package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/milestonebet/internal/domain"
	"github.com/alanyoungcy/milestonebet/internal/service"
)

// MilestoneService is what the milestone handler needs from the service
// layer.
type MilestoneService interface {
	Create(ctx context.Context, creator string, in service.CreateMilestoneInput) (domain.Milestone, error)
	Get(ctx context.Context, id string) (domain.Milestone, error)
	List(ctx context.Context, filter domain.MilestoneFilter, opts domain.ListOpts) ([]domain.Milestone, error)
	UpdateStatus(ctx context.Context, id, caller string, status domain.MilestoneStatus, proofURL string) (domain.Milestone, error)
}

// MilestoneHandler serves milestone endpoints.
type MilestoneHandler struct {
	milestones MilestoneService
	logger     *slog.Logger
}

// NewMilestoneHandler creates a MilestoneHandler.
func NewMilestoneHandler(milestones MilestoneService, logger *slog.Logger) *MilestoneHandler {
	return &MilestoneHandler{milestones: milestones, logger: logger}
}

type listMilestonesResponse struct {
	Milestones []domain.Milestone `json:"milestones"`
	Limit      int                `json:"limit"`
	Offset     int                `json:"offset"`
}

// List returns milestones, optionally filtered.
// GET /api/milestones?token=0x..&creator=0x..&status=pending&limit=50&offset=0
func (h *MilestoneHandler) List(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	filter := domain.MilestoneFilter{
		TokenAddress: q.Get("token"),
		Creator:      q.Get("creator"),
		Status:       domain.MilestoneStatus(q.Get("status")),
	}

	out, err := h.milestones.List(r.Context(), filter, opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list milestones", err)
		return
	}
	if out == nil {
		out = []domain.Milestone{}
	}
	writeJSON(w, http.StatusOK, listMilestonesResponse{Milestones: out, Limit: opts.Limit, Offset: opts.Offset})
}

// Create publishes a milestone on behalf of the calling wallet.
// POST /api/milestones
func (h *MilestoneHandler) Create(w http.ResponseWriter, r *http.Request) {
	creator, ok := caller(w, r)
	if !ok {
		return
	}
	var in service.CreateMilestoneInput
	if !decodeBody(w, r, &in) {
		return
	}

	ms, err := h.milestones.Create(r.Context(), creator, in)
	if err != nil {
		writeServiceError(w, r, h.logger, "create milestone", err)
		return
	}
	writeJSON(w, http.StatusCreated, ms)
}

// Get returns a single milestone.
// GET /api/milestones/{id}
func (h *MilestoneHandler) Get(w http.ResponseWriter, r *http.Request) {
	ms, err := h.milestones.Get(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get milestone", err)
		return
	}
	writeJSON(w, http.StatusOK, ms)
}

type updateStatusRequest struct {
	Status   domain.MilestoneStatus `json:"status"`
	ProofURL string                 `json:"proof_url"`
}

// UpdateStatus starts, completes or fails a milestone.
// POST /api/milestones/{id}/status
func (h *MilestoneHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req updateStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ms, err := h.milestones.UpdateStatus(r.Context(), pathParam(r, "id"), who, req.Status, req.ProofURL)
	if err != nil {
		writeServiceError(w, r, h.logger, "update milestone", err)
		return
	}
	writeJSON(w, http.StatusOK, ms)
}
