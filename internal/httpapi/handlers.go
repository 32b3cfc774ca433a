// Package httpapi exposes the access-check engine, policy administration and
// the audit pipeline over HTTP JSON, plus a gRPC health service.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"medguard.org/internal/audit"
	"medguard.org/internal/auth"
	"medguard.org/internal/authz"
	"medguard.org/internal/errs"
	"medguard.org/internal/notify"
	"medguard.org/internal/obs"
	"medguard.org/internal/policy"
)

const serviceName = "medguard"

// ReadyProbe reports whether the service can take traffic: the database
// answers and a policy has been loaded.
type ReadyProbe struct {
	DB     *sql.DB
	Policy *policy.Store
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Policy != nil && rp.Policy.Load().Version() == 0 {
		return errors.New("policy not loaded")
	}
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps are the collaborators served by the API. Engine, Admin and Verifier
// are required.
type Deps struct {
	Engine    *authz.Engine
	Admin     *authz.Admin
	Audit     audit.Reader
	Retention *audit.Retention
	Scanner   *audit.Scanner
	Alerts    *notify.Hub
	Verifier  *auth.Verifier
	Ready     ReadyProbe
	Version   string
	Logger    logrus.FieldLogger

	MaxBodyBytes    int64
	RateBurst       int
	RatePerSecond   float64
	StreamKeepAlive time.Duration
}

// API is the HTTP layer.
type API struct {
	mux       *http.ServeMux
	engine    *authz.Engine
	admin     *authz.Admin
	audit     audit.Reader
	retention *audit.Retention
	scanner   *audit.Scanner
	alerts    *notify.Hub
	verifier  *auth.Verifier
	ready     ReadyProbe
	version   string
	log       logrus.FieldLogger

	maxBody    int64
	rateBurst  int
	ratePerSec float64
	keepAlive  time.Duration
}

func New(d Deps) (*API, error) {
	switch {
	case d.Engine == nil:
		return nil, errors.New("httpapi: engine is required")
	case d.Admin == nil:
		return nil, errors.New("httpapi: admin is required")
	case d.Verifier == nil:
		return nil, errors.New("httpapi: token verifier is required")
	}
	a := &API{
		mux:        http.NewServeMux(),
		engine:     d.Engine,
		admin:      d.Admin,
		audit:      d.Audit,
		retention:  d.Retention,
		scanner:    d.Scanner,
		alerts:     d.Alerts,
		verifier:   d.Verifier,
		ready:      d.Ready,
		version:    d.Version,
		log:        d.Logger,
		maxBody:    d.MaxBodyBytes,
		rateBurst:  d.RateBurst,
		ratePerSec: d.RatePerSecond,
		keepAlive:  d.StreamKeepAlive,
	}
	if a.log == nil {
		a.log = obs.Component("http")
	}
	if a.maxBody <= 0 {
		a.maxBody = 1 << 20
	}
	if a.keepAlive <= 0 {
		a.keepAlive = 15 * time.Second
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/access/check", a.CheckAccess)
	a.mux.HandleFunc("POST /v1/access/emergency", a.RequestEmergencyAccess)

	a.mux.HandleFunc("GET /v1/admin/policy", a.PolicyInfo)
	a.mux.HandleFunc("GET /v1/admin/roles", a.ListRoles)
	a.mux.HandleFunc("POST /v1/admin/roles", a.CreateRole)
	a.mux.HandleFunc("PUT /v1/admin/roles/{id}", a.UpdateRole)
	a.mux.HandleFunc("DELETE /v1/admin/roles/{id}", a.DeleteRole)
	a.mux.HandleFunc("GET /v1/admin/rules", a.ListRules)
	a.mux.HandleFunc("POST /v1/admin/rules", a.PutRule)
	a.mux.HandleFunc("PUT /v1/admin/rules/{id}", a.PutRule)
	a.mux.HandleFunc("DELETE /v1/admin/rules/{id}", a.DeactivateRule)
	a.mux.HandleFunc("PUT /v1/admin/users/{id}/roles", a.AssignRoles)
	a.mux.HandleFunc("DELETE /v1/admin/users/{id}/roles/{role}", a.RevokeRole)
	a.mux.HandleFunc("PUT /v1/admin/users/{id}/permissions", a.GrantPermissions)
	a.mux.HandleFunc("GET /v1/admin/users/{id}/permissions", a.EffectivePermissions)

	a.mux.HandleFunc("GET /v1/audit/entries", a.QueryAuditLog)
	a.mux.HandleFunc("GET /v1/audit/reports/phi", a.PHIReport)
	a.mux.HandleFunc("GET /v1/audit/retention-policies", a.ListRetentionPolicies)
	a.mux.HandleFunc("PUT /v1/audit/retention-policies/{category}", a.PutRetentionPolicy)
	a.mux.HandleFunc("DELETE /v1/audit/retention-policies/{category}", a.DeleteRetentionPolicy)
	a.mux.HandleFunc("GET /v1/audit/anomaly-thresholds", a.GetThresholds)
	a.mux.HandleFunc("PUT /v1/audit/anomaly-thresholds", a.PutThresholds)
	a.mux.HandleFunc("GET /v1/audit/findings", a.ListFindings)
	a.mux.HandleFunc("POST /v1/audit/findings/{id}/investigate", a.InvestigateFinding)
	a.mux.HandleFunc("POST /v1/audit/emergency/{id}/review", a.ReviewEmergency)
	a.mux.HandleFunc("GET /v1/audit/alerts/stream", a.StreamAlerts)

	return a, nil
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = SecurityHeaders(h)
	h = Logging(a.log)(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		a.log.WithError(err).Warn("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":           serviceName,
		"time":           time.Now().UTC().Format(time.RFC3339),
		"version":        a.version,
		"policy_version": a.admin.Snapshot().Version(),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{"error": msg}
	if rid := RequestIDFromContext(r); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// respondErr maps a domain error onto a status. Internal failures are
// logged and reported by category only.
func (a *API) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	cat := errs.Category(err)
	code := http.StatusInternalServerError
	switch cat {
	case errs.CategoryValidation:
		code = http.StatusBadRequest
	case errs.CategoryNotFound:
		code = http.StatusNotFound
	case errs.CategoryConflict:
		code = http.StatusConflict
	case errs.CategoryUnavailable:
		code = http.StatusServiceUnavailable
	}
	if code >= http.StatusInternalServerError {
		a.log.WithError(err).WithField("request_id", RequestIDFromContext(r)).Error("request failed")
		writeError(w, r, code, cat)
		return
	}
	writeError(w, r, code, err.Error())
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errs.Validation("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errs.Validation("request body too large")
		}
		return errs.Validation("invalid JSON body: %v", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errs.Validation("unexpected data after JSON body")
	}
	return nil
}
