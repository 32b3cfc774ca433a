package httpapi

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"medguard.org/internal/audit"
	"medguard.org/internal/errs"
	"medguard.org/internal/policy"
)

type retentionRequest struct {
	RetentionDays       int    `json:"retention_days"`
	ArchiveBeforeDelete bool   `json:"archive_before_delete"`
	ArchiveLocation     string `json:"archive_location"`
	IsActive            *bool  `json:"is_active"`
}

type retentionView struct {
	audit.RetentionPolicy
	EffectiveDays int `json:"effective_days"`
}

// thresholdsView renders durations as Go duration strings.
type thresholdsView struct {
	DistinctPatients int    `json:"distinct_patients"`
	DeniedAttempts   int    `json:"denied_attempts"`
	EmergencyPerDay  int    `json:"emergency_per_day"`
	Window           string `json:"window"`
	ReviewDeadline   string `json:"review_deadline"`
}

func viewThresholds(t audit.Thresholds) thresholdsView {
	return thresholdsView{
		DistinctPatients: t.DistinctPatients,
		DeniedAttempts:   t.DeniedAttempts,
		EmergencyPerDay:  t.EmergencyPerDay,
		Window:           t.Window.String(),
		ReviewDeadline:   t.ReviewDeadline.String(),
	}
}

func (v thresholdsView) thresholds() (audit.Thresholds, error) {
	window, err := time.ParseDuration(v.Window)
	if err != nil {
		return audit.Thresholds{}, errs.Validation("window: %v", err)
	}
	deadline, err := time.ParseDuration(v.ReviewDeadline)
	if err != nil {
		return audit.Thresholds{}, errs.Validation("review_deadline: %v", err)
	}
	return audit.Thresholds{
		DistinctPatients: v.DistinctPatients,
		DeniedAttempts:   v.DeniedAttempts,
		EmergencyPerDay:  v.EmergencyPerDay,
		Window:           window,
		ReviewDeadline:   deadline,
	}, nil
}

type notesRequest struct {
	Notes string `json:"notes"`
}

func (a *API) QueryAuditLog(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.authorize(w, r, policy.PermAuditView); !ok {
		return
	}
	if a.audit == nil {
		writeError(w, r, http.StatusServiceUnavailable, "audit store unavailable")
		return
	}
	q := r.URL.Query()
	from, to, err := timeRange(q)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	filter := audit.Filter{
		From:          from,
		To:            to,
		UserID:        strings.TrimSpace(q.Get("user_id")),
		PatientID:     strings.TrimSpace(q.Get("patient_id")),
		ResourceType:  strings.ToUpper(strings.TrimSpace(q.Get("resource_type"))),
		EventType:     audit.EventType(strings.ToUpper(strings.TrimSpace(q.Get("event_type")))),
		Category:      audit.ParseCategory(q.Get("category")),
		PHIOnly:       q.Get("phi_only") == "true",
		EmergencyOnly: q.Get("emergency_only") == "true",
	}
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("page_size"))
	page, size = audit.NormalizePage(page, size)
	out, err := a.audit.Query(r.Context(), filter, page, size)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) PHIReport(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.authorize(w, r, policy.PermAuditView); !ok {
		return
	}
	if a.audit == nil {
		writeError(w, r, http.StatusServiceUnavailable, "audit store unavailable")
		return
	}
	from, to, err := timeRange(r.URL.Query())
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	if from.IsZero() || to.IsZero() {
		a.respondErr(w, r, errs.Validation("from and to are required"))
		return
	}
	rows, err := a.audit.PHIReport(r.Context(), from, to)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"from": from,
		"to":   to,
		"rows": rows,
	})
}

func (a *API) ListRetentionPolicies(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.authorize(w, r, policy.PermAuditView, policy.PermAuditManage); !ok {
		return
	}
	if a.retention == nil {
		writeError(w, r, http.StatusServiceUnavailable, "retention unavailable")
		return
	}
	policies, err := a.retention.List(r.Context())
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	out := make([]retentionView, 0, len(policies))
	for _, p := range policies {
		out = append(out, retentionView{RetentionPolicy: p, EffectiveDays: a.retention.EffectiveDays(p)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"floor_days": a.retention.FloorDays(),
		"policies":   out,
	})
}

func (a *API) PutRetentionPolicy(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.authorize(w, r, policy.PermAuditManage); !ok {
		return
	}
	if a.retention == nil {
		writeError(w, r, http.StatusServiceUnavailable, "retention unavailable")
		return
	}
	var req retentionRequest
	if err := decodeJSON(r, &req); err != nil {
		a.respondErr(w, r, err)
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	p, err := a.retention.Put(r.Context(), audit.RetentionPolicy{
		EventCategory:       audit.ParseCategory(r.PathValue("category")),
		RetentionDays:       req.RetentionDays,
		ArchiveBeforeDelete: req.ArchiveBeforeDelete,
		ArchiveLocation:     req.ArchiveLocation,
		IsActive:            active,
	})
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, retentionView{RetentionPolicy: p, EffectiveDays: p.RetentionDays})
}

func (a *API) DeleteRetentionPolicy(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.authorize(w, r, policy.PermAuditManage); !ok {
		return
	}
	if a.retention == nil {
		writeError(w, r, http.StatusServiceUnavailable, "retention unavailable")
		return
	}
	if err := a.retention.Delete(r.Context(), audit.Category(r.PathValue("category"))); err != nil {
		a.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) GetThresholds(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.authorize(w, r, policy.PermAuditView, policy.PermAuditManage); !ok {
		return
	}
	if a.scanner == nil {
		writeError(w, r, http.StatusServiceUnavailable, "anomaly scan unavailable")
		return
	}
	writeJSON(w, http.StatusOK, viewThresholds(a.scanner.Thresholds()))
}

func (a *API) PutThresholds(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.authorize(w, r, policy.PermAuditManage); !ok {
		return
	}
	if a.scanner == nil {
		writeError(w, r, http.StatusServiceUnavailable, "anomaly scan unavailable")
		return
	}
	var req thresholdsView
	if err := decodeJSON(r, &req); err != nil {
		a.respondErr(w, r, err)
		return
	}
	t, err := req.thresholds()
	if err == nil {
		err = a.scanner.SetThresholds(t)
	}
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewThresholds(a.scanner.Thresholds()))
}

func (a *API) ListFindings(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.authorize(w, r, policy.PermAuditView); !ok {
		return
	}
	if a.scanner == nil {
		writeError(w, r, http.StatusServiceUnavailable, "anomaly scan unavailable")
		return
	}
	q := r.URL.Query()
	from, to, err := timeRange(q)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	filter := audit.FindingFilter{
		Kind:           strings.TrimSpace(q.Get("kind")),
		UserID:         strings.TrimSpace(q.Get("user_id")),
		DetectedAfter:  from,
		DetectedBefore: to,
	}
	if v := q.Get("investigated"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			a.respondErr(w, r, errs.Validation("investigated must be true or false"))
			return
		}
		filter.Investigated = &b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			a.respondErr(w, r, errs.Validation("limit must be a non-negative integer"))
			return
		}
		filter.Limit = n
	}
	findings, err := a.scanner.Findings(r.Context(), filter)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"findings": findings})
}

func (a *API) InvestigateFinding(w http.ResponseWriter, r *http.Request) {
	p, ok := a.authorize(w, r, policy.PermAuditManage)
	if !ok {
		return
	}
	if a.scanner == nil {
		writeError(w, r, http.StatusServiceUnavailable, "anomaly scan unavailable")
		return
	}
	var req notesRequest
	if err := decodeJSON(r, &req); err != nil {
		a.respondErr(w, r, err)
		return
	}
	f, err := a.scanner.Investigate(r.Context(), r.PathValue("id"), p.UserID, strings.TrimSpace(req.Notes))
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (a *API) ReviewEmergency(w http.ResponseWriter, r *http.Request) {
	p, ok := a.authorize(w, r, policy.PermAuditManage)
	if !ok {
		return
	}
	if a.scanner == nil {
		writeError(w, r, http.StatusServiceUnavailable, "anomaly scan unavailable")
		return
	}
	var req notesRequest
	if err := decodeJSON(r, &req); err != nil {
		a.respondErr(w, r, err)
		return
	}
	rev, err := a.scanner.ReviewEmergency(r.Context(), r.PathValue("id"), p.UserID, strings.TrimSpace(req.Notes))
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

// timeRange parses the optional RFC 3339 from/to query parameters.
func timeRange(q url.Values) (time.Time, time.Time, error) {
	var from, to time.Time
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, errs.Validation("from must be RFC 3339")
		}
		from = t.UTC()
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, errs.Validation("to must be RFC 3339")
		}
		to = t.UTC()
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return from, to, errs.Validation("to precedes from")
	}
	return from, to, nil
}
