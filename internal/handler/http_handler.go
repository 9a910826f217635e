package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/pesio-ai/be-qa-gaps/internal/platform/actorctx"
	"github.com/pesio-ai/be-qa-gaps/internal/platform/errors"
	"github.com/pesio-ai/be-qa-gaps/internal/platform/logger"
	"github.com/pesio-ai/be-qa-gaps/internal/repository"
	"github.com/pesio-ai/be-qa-gaps/internal/service"
)

// HTTPHandler handles HTTP requests for the gap workflow.
type HTTPHandler struct {
	gaps       *service.GapService
	validation *service.ValidationService
	notifier   *service.Notifier
	history    *service.HistoryRecorder
	log        *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(
	gaps *service.GapService,
	validation *service.ValidationService,
	notifier *service.Notifier,
	history *service.HistoryRecorder,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		gaps:       gaps,
		validation: validation,
		notifier:   notifier,
		history:    history,
		log:        log,
	}
}

// ── actor resolution ─────────────────────────────────────────────────────────

// Actor resolves the acting user from the X-User-ID header (set by the API
// gateway after authentication) and stores it in the request context.
// Requests without the header pass through with no actor; mutating
// operations then fail with UNAUTHORIZED in the service layer.
func Actor(directory service.Directory) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("X-User-ID")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}
			userID, err := strconv.ParseInt(header, 10, 64)
			if err != nil {
				http.Error(w, "Invalid X-User-ID header", http.StatusBadRequest)
				return
			}
			user, err := directory.GetUser(r.Context(), userID)
			if err != nil {
				http.Error(w, "Unknown user", http.StatusUnauthorized)
				return
			}
			ctx := actorctx.With(r.Context(), actorctx.Actor{UserID: user.ID, Rights: user.Rights})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ── reports ──────────────────────────────────────────────────────────────────

type reportRequest struct {
	AuditSourceID   int64   `json:"audit_source_id"`
	SourceReference *string `json:"source_reference"`
	ServiceID       int64   `json:"service_id"`
	ProcessID       *int64  `json:"process_id"`
	Location        *string `json:"location"`
	ObservationDate string  `json:"observation_date"`
	InvolvedUserIDs []int64 `json:"involved_user_ids"`
}

// CreateReport handles report creation requests.
func (h *HTTPHandler) CreateReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	observed, err := parseDate(req.ObservationDate)
	if err != nil {
		h.writeError(w, errors.InvalidInput("observation_date", "expected YYYY-MM-DD"))
		return
	}

	report, err := h.gaps.CreateReport(r.Context(), service.CreateReportInput{
		AuditSourceID:   req.AuditSourceID,
		SourceReference: req.SourceReference,
		ServiceID:       req.ServiceID,
		ProcessID:       req.ProcessID,
		Location:        req.Location,
		ObservationDate: observed,
		InvolvedUserIDs: req.InvolvedUserIDs,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, reportResponse(report))
}

// GetReport handles single-report requests.
func (h *HTTPHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	id, ok := h.queryID(w, r, "id")
	if !ok {
		return
	}
	report, err := h.gaps.GetReport(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, reportResponse(report))
}

// ListReports handles report listing requests.
func (h *HTTPHandler) ListReports(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	reports, err := h.gaps.ListReports(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(reports))
	for _, report := range reports {
		out = append(out, reportResponse(report))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"reports": out, "limit": limit, "offset": offset})
}

// UpdateReport handles report edit requests.
func (h *HTTPHandler) UpdateReport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID              int64   `json:"id"`
		AuditSourceID   *int64  `json:"audit_source_id"`
		SourceReference *string `json:"source_reference"`
		ProcessID       *int64  `json:"process_id"`
		ClearProcess    bool    `json:"clear_process"`
		Location        *string `json:"location"`
		ObservationDate *string `json:"observation_date"`
		InvolvedUserIDs []int64 `json:"involved_user_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	in := service.UpdateReportInput{
		AuditSourceID:   req.AuditSourceID,
		SourceReference: req.SourceReference,
		ProcessID:       req.ProcessID,
		ClearProcess:    req.ClearProcess,
		Location:        req.Location,
		InvolvedUserIDs: req.InvolvedUserIDs,
	}
	if req.ObservationDate != nil {
		observed, err := parseDate(*req.ObservationDate)
		if err != nil {
			h.writeError(w, errors.InvalidInput("observation_date", "expected YYYY-MM-DD"))
			return
		}
		in.ObservationDate = &observed
	}

	report, err := h.gaps.UpdateReport(r.Context(), req.ID, in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, reportResponse(report))
}

// ReportHistory handles report trail requests.
func (h *HTTPHandler) ReportHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.queryID(w, r, "id")
	if !ok {
		return
	}
	entries, err := h.history.ReportTrail(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": historyResponses(entries)})
}

// ── gaps ─────────────────────────────────────────────────────────────────────

// DeclareGap handles gap declaration requests.
func (h *HTTPHandler) DeclareGap(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReportID    int64  `json:"report_id"`
		GapTypeID   int64  `json:"gap_type_id"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	gap, err := h.gaps.DeclareGap(r.Context(), service.DeclareGapInput{
		ReportID:    req.ReportID,
		GapTypeID:   req.GapTypeID,
		Description: req.Description,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, gapResponse(gap))
}

// GetGap handles single-gap requests.
func (h *HTTPHandler) GetGap(w http.ResponseWriter, r *http.Request) {
	id, ok := h.queryID(w, r, "id")
	if !ok {
		return
	}
	detail, err := h.gaps.GetGap(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, gapDetailResponse(detail))
}

// ListGaps handles gap listing requests for one report.
func (h *HTTPHandler) ListGaps(w http.ResponseWriter, r *http.Request) {
	reportID, ok := h.queryID(w, r, "report_id")
	if !ok {
		return
	}
	gaps, err := h.gaps.ListGaps(r.Context(), reportID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(gaps))
	for _, g := range gaps {
		out = append(out, gapResponse(g))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"gaps": out})
}

// UpdateGap handles gap edit requests.
func (h *HTTPHandler) UpdateGap(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID          int64   `json:"id"`
		GapTypeID   *int64  `json:"gap_type_id"`
		Description *string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	gap, err := h.gaps.UpdateGap(r.Context(), req.ID, service.UpdateGapInput{
		GapTypeID:   req.GapTypeID,
		Description: req.Description,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, gapResponse(gap))
}

// DeleteGap handles gap deletion requests.
func (h *HTTPHandler) DeleteGap(w http.ResponseWriter, r *http.Request) {
	id, ok := h.queryID(w, r, "id")
	if !ok {
		return
	}
	if err := h.gaps.DeleteGap(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GapHistory handles gap trail requests.
func (h *HTTPHandler) GapHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.queryID(w, r, "id")
	if !ok {
		return
	}
	entries, err := h.history.GapTrail(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": historyResponses(entries)})
}

// ── validation workflow ──────────────────────────────────────────────────────

// Decide handles validator decision requests.
func (h *HTTPHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GapID   int64  `json:"gap_id"`
		Action  string `json:"action"`
		Comment string `json:"comment"`
		Level   *int   `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	actor, ok := actorctx.From(r.Context())
	if !ok {
		h.writeError(w, errors.New(errors.ErrCodeUnauthorized, "no acting user"))
		return
	}

	terminal, err := h.validation.Decide(r.Context(), req.GapID, actor.UserID,
		repository.ValidationAction(req.Action), req.Comment, req.Level)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"terminal": terminal})
}

// PendingValidations lists the gaps awaiting the acting validator.
func (h *HTTPHandler) PendingValidations(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorctx.From(r.Context())
	if !ok {
		h.writeError(w, errors.New(errors.ErrCodeUnauthorized, "no acting user"))
		return
	}
	pending, err := h.validation.PendingFor(r.Context(), actor.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(pending))
	for _, d := range pending {
		out = append(out, gapDetailResponse(d))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"gaps": out})
}

// GapDecisions lists a gap's recorded decisions.
func (h *HTTPHandler) GapDecisions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.queryID(w, r, "id")
	if !ok {
		return
	}
	decisions, err := h.validation.DecisionsFor(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(decisions))
	for _, d := range decisions {
		out = append(out, map[string]any{
			"id":           d.ID,
			"gap_id":       d.GapID,
			"validator_id": d.ValidatorID,
			"level":        d.Level,
			"action":       d.Action,
			"comment":      d.Comment,
			"validated_at": d.ValidatedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"decisions": out})
}

// ChangeGapStatus handles direct status change requests.
func (h *HTTPHandler) ChangeGapStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GapID   int64  `json:"gap_id"`
		Status  string `json:"status"`
		Comment string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	actor, ok := actorctx.From(r.Context())
	if !ok {
		h.writeError(w, errors.New(errors.ErrCodeUnauthorized, "no acting user"))
		return
	}

	err := h.validation.ChangeStatus(r.Context(), req.GapID, actor.UserID,
		repository.GapStatus(req.Status), req.Comment)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

// ── validator administration ─────────────────────────────────────────────────

// AssignValidator handles validator assignment requests.
func (h *HTTPHandler) AssignValidator(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ServiceID     int64 `json:"service_id"`
		AuditSourceID int64 `json:"audit_source_id"`
		ValidatorID   int64 `json:"validator_id"`
		Level         int   `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	assignment, err := h.validation.AssignValidator(r.Context(),
		req.ServiceID, req.AuditSourceID, req.ValidatorID, req.Level)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, assignmentResponse(assignment))
}

// ListValidators lists assignments for a (service, audit source) pair.
func (h *HTTPHandler) ListValidators(w http.ResponseWriter, r *http.Request) {
	serviceID, ok := h.queryID(w, r, "service_id")
	if !ok {
		return
	}
	auditSourceID, ok := h.queryID(w, r, "audit_source_id")
	if !ok {
		return
	}
	assignments, err := h.validation.ListValidators(r.Context(), serviceID, auditSourceID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(assignments))
	for _, a := range assignments {
		out = append(out, assignmentResponse(a))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"assignments": out})
}

// SetValidatorActive toggles a validator assignment.
func (h *HTTPHandler) SetValidatorActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     int64 `json:"id"`
		Active bool  `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validation.SetAssignmentActive(r.Context(), req.ID, req.Active); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"id": req.ID, "active": req.Active})
}

// RemoveValidator deletes a validator assignment.
func (h *HTTPHandler) RemoveValidator(w http.ResponseWriter, r *http.Request) {
	id, ok := h.queryID(w, r, "id")
	if !ok {
		return
	}
	if err := h.validation.RemoveAssignment(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── notifications ────────────────────────────────────────────────────────────

// ListNotifications lists the acting user's notifications.
func (h *HTTPHandler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorctx.From(r.Context())
	if !ok {
		h.writeError(w, errors.New(errors.ErrCodeUnauthorized, "no acting user"))
		return
	}
	unreadOnly := r.URL.Query().Get("unread") == "true"
	limit, offset := pagination(r)

	notifications, err := h.notifier.ListForUser(r.Context(), actor.UserID, unreadOnly, limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(notifications))
	for _, n := range notifications {
		out = append(out, map[string]any{
			"id":         n.ID,
			"gap_id":     n.GapID,
			"report_id":  n.ReportID,
			"type":       n.Type,
			"title":      n.Title,
			"message":    n.Message,
			"priority":   n.Priority,
			"is_read":    n.IsRead,
			"read_at":    n.ReadAt,
			"created_at": n.CreatedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"notifications": out})
}

// UnreadCount returns the acting user's unread notification count.
func (h *HTTPHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorctx.From(r.Context())
	if !ok {
		h.writeError(w, errors.New(errors.ErrCodeUnauthorized, "no acting user"))
		return
	}
	count, err := h.notifier.UnreadCount(r.Context(), actor.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"unread": count})
}

// MarkNotificationRead marks one notification as read.
func (h *HTTPHandler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	actor, ok := actorctx.From(r.Context())
	if !ok {
		h.writeError(w, errors.New(errors.ErrCodeUnauthorized, "no acting user"))
		return
	}
	if err := h.notifier.MarkRead(r.Context(), req.ID, actor.UserID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

// MarkAllNotificationsRead sweeps the acting user's unread notifications.
// Pending validation requests stay unread until the validator decides.
func (h *HTTPHandler) MarkAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorctx.From(r.Context())
	if !ok {
		h.writeError(w, errors.New(errors.ErrCodeUnauthorized, "no acting user"))
		return
	}
	count, err := h.notifier.MarkAllRead(r.Context(), actor.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"marked": count})
}

// ── response helpers ─────────────────────────────────────────────────────────

func reportResponse(r *repository.GapReport) map[string]any {
	return map[string]any{
		"id":                r.ID,
		"audit_source_id":   r.AuditSourceID,
		"source_reference":  r.SourceReference,
		"service_id":        r.ServiceID,
		"process_id":        r.ProcessID,
		"location":          r.Location,
		"observation_date":  r.ObservationDate.Format("2006-01-02"),
		"declared_by":       r.DeclaredBy,
		"involved_user_ids": r.InvolvedUserIDs,
		"created_at":        r.CreatedAt,
		"updated_at":        r.UpdatedAt,
	}
}

func gapResponse(g *repository.Gap) map[string]any {
	return map[string]any{
		"id":          g.ID,
		"report_id":   g.ReportID,
		"gap_number":  g.GapNumber,
		"gap_type_id": g.GapTypeID,
		"description": g.Description,
		"status":      g.Status,
		"created_at":  g.CreatedAt,
		"updated_at":  g.UpdatedAt,
	}
}

func gapDetailResponse(d *repository.GapDetail) map[string]any {
	out := gapResponse(&d.Gap)
	out["service_id"] = d.ServiceID
	out["audit_source_id"] = d.AuditSourceID
	out["declared_by"] = d.DeclaredBy
	out["is_gap"] = d.TypeIsGap
	out["type_name"] = d.TypeName
	out["service_name"] = d.ServiceName
	out["declarant_name"] = d.DeclarantName
	return out
}

func assignmentResponse(a *repository.ValidatorAssignment) map[string]any {
	return map[string]any{
		"id":              a.ID,
		"service_id":      a.ServiceID,
		"audit_source_id": a.AuditSourceID,
		"validator_id":    a.ValidatorID,
		"level":           a.Level,
		"is_active":       a.IsActive,
	}
}

func historyResponses(entries []*repository.HistoryEntry) []map[string]any {
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"id":          e.ID,
			"target_kind": e.TargetKind,
			"target_id":   e.TargetID,
			"target_repr": e.TargetRepr,
			"action":      e.Action,
			"description": e.Description,
			"actor_id":    e.ActorID,
			"data_before": e.DataBefore,
			"data_after":  e.DataAfter,
			"recorded_at": e.RecordedAt,
		})
	}
	return out
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Request failed")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"code":  string(errors.Code(err)),
		"error": err.Error(),
	})
}

func (h *HTTPHandler) queryID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		http.Error(w, name+" is required", http.StatusBadRequest)
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		http.Error(w, "Invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func parseDate(raw string) (time.Time, error) {
	return time.Parse("2006-01-02", raw)
}
