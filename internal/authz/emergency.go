package authz

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"medguard.org/internal/audit"
	"medguard.org/internal/notify"
	"medguard.org/internal/obs"
	"medguard.org/internal/policy"
)

// DefaultEmergencyWriteTimeout bounds the synchronous emergency audit write.
const DefaultEmergencyWriteTimeout = 50 * time.Millisecond

// Entry sequence numbers within one decision. A failed emergency write is
// followed by a denial entry, which must not collide with it.
const (
	seqDecision  = 1
	seqEmergency = 2
)

// SyncWriter durably writes one entry before returning.
type SyncWriter interface {
	WriteSync(ctx context.Context, e audit.Entry) (audit.Entry, error)
}

// Emergency is the break-the-glass controller. It turns a PHI denial into
// a grant only for holders of an emergency permission who give a
// justification, and only after the grant is durably audited.
type Emergency struct {
	writer   SyncWriter
	notifier notify.Notifier
	timeout  time.Duration
	now      func() time.Time
	log      logrus.FieldLogger
}

func NewEmergency(w SyncWriter, n notify.Notifier, timeout time.Duration, log logrus.FieldLogger) *Emergency {
	if n == nil {
		n = notify.Discard
	}
	if timeout <= 0 {
		timeout = DefaultEmergencyWriteTimeout
	}
	if log == nil {
		log = obs.Component("emergency")
	}
	return &Emergency{writer: w, notifier: n, timeout: timeout, now: time.Now, log: log}
}

// Override re-decides a denied request. granted reports whether a grant
// was issued; in that case the emergency entry is already stored and the
// caller must not record another one.
func (c *Emergency) Override(ctx context.Context, eff policy.Effective, req Request, denied Result, started time.Time) (res Result, granted bool) {
	if denied.IsAllowed || denied.ErrorKind != KindNone || !denied.IsPHI {
		return denied, false
	}
	var held []string
	for _, code := range policy.EmergencyPermissions {
		if eff.HasPermission(code) {
			held = append(held, code)
		}
	}
	if len(held) == 0 {
		res = denied.deny(ReasonEmergencyNotPermitted)
		res.RequiresEmergencyAccess = false
		return res, false
	}
	if req.EmergencyJustification == "" {
		return denied.failed(KindValidation, ReasonJustificationRequired, "empty justification"), false
	}

	wctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ts := c.now().UTC()
	entry, err := c.writer.WriteSync(wctx, audit.Entry{
		Timestamp:              ts,
		EventType:              audit.EventEmergencyAccess,
		EventCategory:          audit.CategoryEmergency,
		Action:                 req.Action,
		ResourceType:           req.ResourceType,
		ResourceID:             req.ResourceID,
		UserID:                 req.UserID,
		PatientID:              req.PatientID,
		IsPHIAccess:            true,
		IsEmergencyAccess:      true,
		EmergencyJustification: req.EmergencyJustification,
		Reason:                 req.EmergencyJustification,
		IsSuccess:              true,
		CorrelationID:          req.CorrelationID,
		Seq:                    seqEmergency,
		DurationMs:             ts.Sub(started).Milliseconds(),
		IdempotencyKey:         audit.DecisionKey(req.DecisionID, seqEmergency),
	})
	if err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{
			"user_id":        req.UserID,
			"resource_type":  req.ResourceType,
			"correlation_id": req.CorrelationID,
		}).Error("emergency access denied: audit write failed")
		return denied.failed(KindAuditWriteFailure, ReasonAuditUnavailable, err.Error()), false
	}

	res = denied.allow(held...)
	res.IsEmergency = true
	res.RequiresEmergencyAccess = false
	res.AuditID = entry.ID
	obs.EmergencyGrants.Inc()
	c.log.WithFields(logrus.Fields{
		"user_id":        req.UserID,
		"resource_type":  req.ResourceType,
		"resource_id":    req.ResourceID,
		"entry_id":       entry.ID,
		"correlation_id": req.CorrelationID,
	}).Warn("emergency access granted")

	alert := notify.Alert{
		Kind:     notify.KindEmergencyGrant,
		Severity: audit.SeverityHigh,
		UserID:   req.UserID,
		EntryID:  entry.ID,
		Message:  "emergency access to " + req.ResourceType + " granted",
		At:       ts,
	}
	if err := c.notifier.Notify(context.WithoutCancel(ctx), alert); err != nil {
		c.log.WithError(err).Warn("emergency grant notification failed")
	}
	return res, true
}
