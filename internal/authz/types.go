// Package authz decides whether a principal may perform an action on a
// resource. Evaluate is the pure rule evaluator; Engine composes it with
// permission resolution, attribute sources, the emergency override and the
// audit pipeline.
package authz

import (
	"strings"
	"time"

	"medguard.org/internal/condition"
	"medguard.org/internal/errs"
)

// ErrorKind tags a Result that was shaped by a failure rather than by policy.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindValidation        ErrorKind = "validation"
	KindAuditWriteFailure ErrorKind = "audit_write_failure"
	KindTimeout           ErrorKind = "timeout"
	KindEvaluation        ErrorKind = "evaluation_error"
)

// Category maps the kind onto the generic categories shown to end users.
func (k ErrorKind) Category() string {
	switch k {
	case KindNone:
		return ""
	case KindValidation:
		return errs.CategoryValidation
	case KindAuditWriteFailure, KindTimeout:
		return errs.CategoryUnavailable
	default:
		return errs.CategoryInternal
	}
}

// Denial reasons.
const (
	ReasonMissingPermission     = "missing_permission"
	ReasonPHIDefaultDeny        = "phi_default_deny"
	ReasonConditionUnknown      = "condition_unknown"
	ReasonEvaluationError       = "evaluation_error"
	ReasonInvalidRequest        = "invalid_request"
	ReasonTimeout               = "timeout"
	ReasonAuditUnavailable      = "audit_unavailable"
	ReasonJustificationRequired = "justification_required"
	ReasonEmergencyNotPermitted = "emergency_not_permitted"
	rulePrefix                  = "rule:"
)

// EmergencyAction is the action used by RequestEmergencyAccess.
const EmergencyAction = "VIEW"

// Request is one access check.
type Request struct {
	UserID                 string               `json:"user_id"`
	ResourceType           string               `json:"resource_type"`
	ResourceID             string               `json:"resource_id,omitempty"`
	Action                 string               `json:"action"`
	BranchID               string               `json:"branch_id,omitempty"`
	PatientID              string               `json:"patient_id,omitempty"`
	Attributes             condition.Attributes `json:"attributes,omitempty"`
	EmergencyJustification string               `json:"emergency_justification,omitempty"`
	CorrelationID          string               `json:"correlation_id,omitempty"`
	// Time is the instant time conditions are evaluated against.
	Time time.Time `json:"-"`
	// DecisionID is assigned by the engine for every check and keys the
	// audit entries of that decision.
	DecisionID string `json:"-"`
}

func (r Request) normalized() Request {
	r.UserID = strings.TrimSpace(r.UserID)
	r.ResourceType = strings.ToUpper(strings.TrimSpace(r.ResourceType))
	r.Action = strings.ToUpper(strings.TrimSpace(r.Action))
	r.ResourceID = strings.TrimSpace(r.ResourceID)
	r.BranchID = strings.TrimSpace(r.BranchID)
	r.PatientID = strings.TrimSpace(r.PatientID)
	r.EmergencyJustification = strings.TrimSpace(r.EmergencyJustification)
	return r
}

// Validate reports a malformed request.
func (r Request) Validate() error {
	switch {
	case r.UserID == "":
		return errs.Validation("user_id is required")
	case r.ResourceType == "":
		return errs.Validation("resource_type is required")
	case r.Action == "":
		return errs.Validation("action is required")
	}
	return nil
}

// Result is an access decision. It is never modified after it is returned.
type Result struct {
	IsAllowed               bool      `json:"is_allowed"`
	DenialReason            string    `json:"denial_reason,omitempty"`
	MatchedPermissions      []string  `json:"matched_permissions,omitempty"`
	RequiresEmergencyAccess bool      `json:"requires_emergency_access"`
	RequiredPermissions     []string  `json:"required_permissions,omitempty"`
	ErrorKind               ErrorKind `json:"-"`
	IsPHI                   bool      `json:"is_phi"`
	IsEmergency             bool      `json:"is_emergency,omitempty"`
	PolicyVersion           int64     `json:"policy_version"`
	AuditID                 string    `json:"audit_id,omitempty"`
	CorrelationID           string    `json:"correlation_id,omitempty"`

	base  string
	cause string
}

// BasePermission is the permission code the decision was checked against.
func (r Result) BasePermission() string { return r.base }

func (r Result) deny(reason string) Result {
	r.IsAllowed = false
	r.DenialReason = reason
	return r
}

func (r Result) allow(matched ...string) Result {
	r.IsAllowed = true
	r.DenialReason = ""
	r.MatchedPermissions = matched
	return r
}

// Error kinds other than none mean the decision was fail-closed.
func (r Result) failed(kind ErrorKind, reason, cause string) Result {
	r = r.deny(reason)
	r.ErrorKind = kind
	r.MatchedPermissions = nil
	r.RequiresEmergencyAccess = false
	r.cause = cause
	return r
}

// RuleReason renders a denial by a rule.
func RuleReason(ruleName string) string { return rulePrefix + ruleName }
