package authz

import (
	"maps"

	"medguard.org/internal/condition"
	"medguard.org/internal/policy"
)

// Attribute names the evaluator always provides. Caller attributes with the
// same names are overwritten.
const (
	AttrRequesterID     = "requester.id"
	AttrRequesterBranch = "requester.branch"
	AttrPatientID       = "patient.id"
	AttrResourceType    = "resource.type"
	AttrResourceID      = "resource.id"
	AttrAction          = "action"
	AttrRequestTime     = "request.time"
)

// BasePermission returns the permission an action maps onto: the action
// itself when it is a known code, otherwise RESOURCETYPE_ACTION. ok is false
// when the code is not in the catalog.
func BasePermission(req Request, snap *policy.Snapshot) (policy.Permission, bool) {
	if p, ok := snap.Permission(req.Action); ok {
		return p, true
	}
	code := req.ResourceType + "_" + req.Action
	p, ok := snap.Permission(code)
	if !ok {
		p.Code = code
	}
	return p, ok
}

// Attributes builds the bag rule conditions are evaluated against.
func Attributes(req Request) condition.Attributes {
	attrs := make(condition.Attributes, len(req.Attributes)+7)
	maps.Copy(attrs, req.Attributes)
	attrs[AttrRequesterID] = req.UserID
	attrs[AttrResourceType] = req.ResourceType
	attrs[AttrAction] = req.Action
	if req.BranchID != "" {
		attrs[AttrRequesterBranch] = req.BranchID
	} else {
		delete(attrs, AttrRequesterBranch)
	}
	if req.ResourceID != "" {
		attrs[AttrResourceID] = req.ResourceID
	}
	if req.PatientID != "" {
		attrs[AttrPatientID] = req.PatientID
	}
	if !req.Time.IsZero() {
		attrs[AttrRequestTime] = req.Time
	}
	return attrs
}

// Evaluate decides req for the resolved principal eff against snap. It is
// deterministic and reads no clock: the same inputs always give the same
// Result.
func Evaluate(eff policy.Effective, req Request, snap *policy.Snapshot) Result {
	req = req.normalized()
	perm, _ := BasePermission(req, snap)
	res := Result{
		PolicyVersion: snap.Version(),
		IsPHI:         perm.IsPHIRelated,
		CorrelationID: req.CorrelationID,
		base:          perm.Code,
	}
	if err := req.Validate(); err != nil {
		return res.failed(KindValidation, ReasonInvalidRequest, err.Error())
	}
	res = decide(eff, req, snap, res)
	if !res.IsAllowed && res.ErrorKind == KindNone && res.IsPHI {
		res.RequiresEmergencyAccess = eff.HasAny(policy.EmergencyPermissions...)
	}
	return res
}

func decide(eff policy.Effective, req Request, snap *policy.Snapshot, res Result) Result {
	if !eff.HasPermission(res.base) {
		res = res.deny(ReasonMissingPermission)
		res.RequiredPermissions = []string{res.base}
		return res
	}

	attrs := Attributes(req)
	for _, rule := range snap.RulesFor(req.ResourceType) {
		if rule.ScopeRoleID != "" && !eff.Roles.Has(rule.ScopeRoleID) {
			continue
		}
		t, err := condition.Eval(rule.Expr, attrs)
		if err != nil {
			return res.failed(KindEvaluation, ReasonEvaluationError, rule.ID+": "+err.Error())
		}
		switch t {
		case condition.Unknown:
			if res.IsPHI {
				return res.deny(ReasonConditionUnknown)
			}
		case condition.True:
			if rule.AllowAccess {
				return res.allow(res.base, rule.Name)
			}
			return res.deny(RuleReason(rule.Name))
		}
	}
	if res.IsPHI {
		return res.deny(ReasonPHIDefaultDeny)
	}
	return res.allow(res.base)
}
