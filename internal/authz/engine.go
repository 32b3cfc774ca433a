package authz

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"medguard.org/internal/audit"
	"medguard.org/internal/ids"
	"medguard.org/internal/notify"
	"medguard.org/internal/obs"
	"medguard.org/internal/policy"
)

// Recorder accepts audit entries. *audit.Pipeline implements it.
type Recorder interface {
	SyncWriter
	Submit(ctx context.Context, e audit.Entry) (audit.Entry, error)
}

// Engine is the access-check facade.
type Engine struct {
	store            *policy.Store
	resolver         *policy.Resolver
	recorder         Recorder
	emergency        *Emergency
	sources          []AttributeSource
	notifier         notify.Notifier
	attributeTimeout time.Duration
	emergencyTimeout time.Duration
	now              func() time.Time
	log              logrus.FieldLogger
}

type EngineOption func(*Engine)

func WithAttributeSources(src ...AttributeSource) EngineOption {
	return func(e *Engine) { e.sources = append(e.sources, src...) }
}

func WithAttributeTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.attributeTimeout = d
		}
	}
}

func WithEmergencyWriteTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.emergencyTimeout = d
		}
	}
}

func WithNotifier(n notify.Notifier) EngineOption {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

func WithResolver(r *policy.Resolver) EngineOption {
	return func(e *Engine) {
		if r != nil {
			e.resolver = r
		}
	}
}

func WithClock(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

func WithLogger(l logrus.FieldLogger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func NewEngine(store *policy.Store, rec Recorder, opts ...EngineOption) *Engine {
	e := &Engine{
		store:            store,
		resolver:         policy.NewResolver(0),
		recorder:         rec,
		notifier:         notify.Discard,
		attributeTimeout: DefaultAttributeTimeout,
		emergencyTimeout: DefaultEmergencyWriteTimeout,
		now:              time.Now,
		log:              obs.Component("authz"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.emergency = NewEmergency(rec, e.notifier, e.emergencyTimeout, e.log)
	e.emergency.now = e.now
	return e
}

// Resolver is the permission resolver shared with the admin API.
func (e *Engine) Resolver() *policy.Resolver { return e.resolver }

// CheckAccess decides req and records the decision. A request carrying an
// emergency justification that is denied on a PHI resource goes through the
// emergency controller. Failures never produce an allow.
func (e *Engine) CheckAccess(ctx context.Context, req Request) Result {
	started := e.now()
	req = e.prepare(ctx, req, started)

	if err := req.Validate(); err != nil {
		res := Result{CorrelationID: req.CorrelationID}.failed(KindValidation, ReasonInvalidRequest, err.Error())
		return e.finish(ctx, req, res, started)
	}
	if err := ctx.Err(); err != nil {
		res := Result{CorrelationID: req.CorrelationID}.failed(KindTimeout, ReasonTimeout, err.Error())
		return e.finish(ctx, req, res, started)
	}

	snap := e.store.Load()
	eff := e.resolver.Resolve(req.UserID, snap)

	attrs, failures := gather(ctx, e.sources, req, e.attributeTimeout)
	for _, err := range failures {
		e.log.WithError(err).WithField("correlation_id", req.CorrelationID).Warn("attribute lookup failed, attributes unknown")
	}
	req.Attributes = attrs

	res := Evaluate(eff, req, snap)
	if res.ErrorKind == KindEvaluation {
		e.log.WithFields(logrus.Fields{
			"user_id":        req.UserID,
			"resource_type":  req.ResourceType,
			"correlation_id": req.CorrelationID,
			"cause":          res.cause,
		}).Error("rule evaluation failed")
	}

	if !res.IsAllowed && res.IsPHI && req.EmergencyJustification != "" {
		out, granted := e.emergency.Override(ctx, eff, req, res, started)
		if granted {
			e.count(out, req)
			return out
		}
		res = out
	}
	return e.finish(ctx, req, res, started)
}

// RequestEmergencyAccess asks to view a resource under break-the-glass. An
// empty justification is rejected before anything is evaluated.
func (e *Engine) RequestEmergencyAccess(ctx context.Context, userID, resourceType, resourceID, justification string) Result {
	req := Request{
		UserID:                 userID,
		ResourceType:           resourceType,
		ResourceID:             resourceID,
		Action:                 EmergencyAction,
		EmergencyJustification: justification,
	}.normalized()
	if req.ResourceType == "PATIENT" {
		req.PatientID = req.ResourceID
	}
	if req.EmergencyJustification == "" {
		started := e.now()
		req = e.prepare(ctx, req, started)
		res := Result{CorrelationID: req.CorrelationID}.failed(KindValidation, ReasonJustificationRequired, "empty justification")
		return e.finish(ctx, req, res, started)
	}
	return e.CheckAccess(ctx, req)
}

func (e *Engine) prepare(ctx context.Context, req Request, now time.Time) Request {
	req = req.normalized()
	if req.CorrelationID == "" {
		req.CorrelationID = audit.CorrelationID(ctx)
	}
	if req.CorrelationID == "" {
		req.CorrelationID = ids.Correlation()
	}
	if req.Time.IsZero() {
		req.Time = now.UTC()
	}
	req.DecisionID = ids.New()
	return req
}

// finish records a non-emergency decision. A PHI decision whose entry
// cannot be queued is turned into a denial.
func (e *Engine) finish(ctx context.Context, req Request, res Result, started time.Time) Result {
	res.CorrelationID = req.CorrelationID
	ts := e.now().UTC()
	entry := audit.Entry{
		Timestamp:      ts,
		EventType:      audit.EventAccessDenied,
		Action:         req.Action,
		ResourceType:   req.ResourceType,
		ResourceID:     req.ResourceID,
		UserID:         req.UserID,
		PatientID:      req.PatientID,
		IsPHIAccess:    res.IsPHI,
		IsSuccess:      res.IsAllowed,
		Reason:         res.DenialReason,
		CorrelationID:  req.CorrelationID,
		Seq:            seqDecision,
		DurationMs:     ts.Sub(started).Milliseconds(),
		IdempotencyKey: audit.DecisionKey(req.DecisionID, seqDecision),
	}
	if res.IsAllowed {
		entry.EventType = audit.EventAccessGranted
		if len(res.MatchedPermissions) > 1 {
			entry.Reason = RuleReason(res.MatchedPermissions[1])
		}
	}
	if req.EmergencyJustification != "" {
		entry.EmergencyJustification = req.EmergencyJustification
	}

	stored, err := e.recorder.Submit(ctx, entry)
	switch {
	case err != nil && res.IsPHI:
		e.log.WithError(err).WithField("correlation_id", req.CorrelationID).Error("PHI decision not audited, denying")
		res = res.failed(KindAuditWriteFailure, ReasonAuditUnavailable, err.Error())
	case err != nil:
		e.log.WithError(err).WithField("correlation_id", req.CorrelationID).Warn("audit submit failed")
	default:
		res.AuditID = stored.ID
	}
	e.count(res, req)
	return res
}

func (e *Engine) count(res Result, req Request) {
	outcome := "deny"
	switch {
	case res.IsEmergency:
		outcome = "emergency"
	case res.IsAllowed:
		outcome = "allow"
	}
	obs.AccessDecisions.WithLabelValues(outcome, req.ResourceType).Inc()
	e.log.WithFields(logrus.Fields{
		"user_id":        req.UserID,
		"resource_type":  req.ResourceType,
		"action":         req.Action,
		"outcome":        outcome,
		"denial_reason":  res.DenialReason,
		"policy_version": res.PolicyVersion,
		"correlation_id": req.CorrelationID,
	}).Debug("access decision")
}
