package billing

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/lineabill/lineabill/internal/identity"
	"github.com/lineabill/lineabill/internal/platform/httpx"
)

// MetricsRecorder counts engine operations by kind and outcome.
type MetricsRecorder interface {
	ObserveConsolidation(operation string, err error)
}

// Handler exposes the consolidation engine over JSON.
type Handler struct {
	logger  *slog.Logger
	service *Service
	metrics MetricsRecorder
	reads   singleflight.Group
}

// NewHandler constructs the billing HTTP handler. metrics may be nil.
func NewHandler(logger *slog.Logger, service *Service, metrics MetricsRecorder) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, metrics: metrics}
}

func (h *Handler) observe(operation string, err error) {
	if h.metrics != nil {
		h.metrics.ObserveConsolidation(operation, err)
	}
}

type detailResponse struct {
	ID             int64     `json:"id"`
	SummaryID      *int64    `json:"summary_id"`
	CollaboratorID uuid.UUID `json:"collaborator_id"`
	PhoneLine      string    `json:"phone_line"`
	ValueServices  int64     `json:"value_services"`
	ValueDevices   int64     `json:"value_devices"`
	Fee            int64     `json:"fee"`
	TotalFee       int64     `json:"total_fee"`
	Description    string    `json:"description,omitempty"`
	PaidBy         bool      `json:"paid_by"`
	Subsidy        string    `json:"subsidy"`
	Group          int16     `json:"group"`
	CICollaborator int16     `json:"ci_collaborator"`
}

type summaryResponse struct {
	ID          int64            `json:"id"`
	Account     int64            `json:"account"`
	Period      string           `json:"period"`
	Totals      Totals           `json:"totals"`
	DetailCount int              `json:"detail_count"`
	Details     []detailResponse `json:"details,omitempty"`
}

func toDetailResponse(d Detail) detailResponse {
	return detailResponse{
		ID:             d.ID,
		SummaryID:      d.SummaryID,
		CollaboratorID: d.CollaboratorID,
		PhoneLine:      d.PhoneLine,
		ValueServices:  d.ValueServices,
		ValueDevices:   d.ValueDevices,
		Fee:            d.Fee,
		TotalFee:       d.TotalFee,
		Description:    d.Description,
		PaidBy:         d.PaidBy,
		Subsidy:        d.Subsidy.String(),
		Group:          d.Group,
		CICollaborator: d.CICollaborator,
	}
}

func toSummaryResponse(s Summary, withDetails bool) summaryResponse {
	resp := summaryResponse{
		ID:          s.ID,
		Account:     s.Account,
		Period:      s.Period,
		Totals:      s.StoredTotals(),
		DetailCount: len(s.Details),
	}
	if withDetails {
		for _, d := range s.Details {
			resp.Details = append(resp.Details, toDetailResponse(d))
		}
	}
	return resp
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var in SubmitInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	if in.CollaboratorID == uuid.Nil {
		if id, ok := identity.FromContext(r.Context()); ok {
			in.CollaboratorID = id
		}
	}
	detail, summary, err := h.service.Submit(r.Context(), in)
	h.observe("submit", err)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"detail":  toDetailResponse(detail),
		"summary": toSummaryResponse(summary, false),
	})
}

func (h *Handler) reattach(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var in ReattachInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	in.DetailID = id
	detail, target, previous, err := h.service.Reattach(r.Context(), in)
	h.observe("reattach", err)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	resp := map[string]any{
		"detail":  toDetailResponse(detail),
		"summary": toSummaryResponse(target, false),
	}
	if previous != nil && previous.ID != target.ID {
		resp["previous_summary"] = toSummaryResponse(*previous, false)
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) detach(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	summary, err := h.service.Detach(r.Context(), id)
	h.observe("detach", err)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"summary": toSummaryResponse(summary, false),
	})
}

func (h *Handler) getDetail(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	detail, err := h.service.GetDetail(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toDetailResponse(detail))
}

func (h *Handler) listDetails(w http.ResponseWriter, r *http.Request) {
	details, err := h.service.ListDetails(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	resp := make([]detailResponse, 0, len(details))
	for _, d := range details {
		resp = append(resp, toDetailResponse(d))
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) getSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	// Concurrent reads of the same summary are collapsed into one load.
	value, err, _ := h.reads.Do("summary:"+strconv.FormatInt(id, 10), func() (any, error) {
		return h.service.GetSummary(r.Context(), id)
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toSummaryResponse(value.(Summary), true))
}

func (h *Handler) findSummary(w http.ResponseWriter, r *http.Request) {
	account, err := strconv.ParseInt(r.URL.Query().Get("account"), 10, 64)
	if err != nil || account <= 0 {
		httpx.FieldProblem(w, "account", "must be a positive integer")
		return
	}
	period := r.URL.Query().Get("period")
	if period == "" {
		httpx.FieldProblem(w, "period", "required")
		return
	}
	summary, err := h.service.FindSummary(r.Context(), account, period)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toSummaryResponse(summary, true))
}

func (h *Handler) recompute(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	summary, err := h.service.Recompute(r.Context(), id)
	h.observe("recompute", err)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toSummaryResponse(summary, false))
}

func (h *Handler) auditSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	report, err := h.service.Audit(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		httpx.FieldProblem(w, ve.Field, ve.Reason)
	case errors.Is(err, ErrAllocation):
		httpx.FieldProblem(w, "subsidy", "must not exceed fee")
	case errors.Is(err, ErrDetailNotFound), errors.Is(err, ErrSummaryNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDetailUnattached), errors.Is(err, ErrStaleOwner):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error("billing request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
