package httpapi

import (
	"net/http"

	"medguard.org/internal/authz"
	"medguard.org/internal/condition"
)

// checkRequest is the body of POST /v1/access/check. The user and branch
// always come from the bearer token.
type checkRequest struct {
	ResourceType           string               `json:"resource_type"`
	ResourceID             string               `json:"resource_id"`
	Action                 string               `json:"action"`
	PatientID              string               `json:"patient_id"`
	Attributes             condition.Attributes `json:"attributes"`
	EmergencyJustification string               `json:"emergency_justification"`
}

type emergencyRequest struct {
	ResourceType  string `json:"resource_type"`
	ResourceID    string `json:"resource_id"`
	Justification string `json:"justification"`
}

type decisionResponse struct {
	authz.Result
	Error string `json:"error,omitempty"`
}

func (a *API) CheckAccess(w http.ResponseWriter, r *http.Request) {
	p, ok := a.authorize(w, r)
	if !ok {
		return
	}
	var body checkRequest
	if err := decodeJSON(r, &body); err != nil {
		writeDecision(w, authz.Result{
			DenialReason:  authz.ReasonInvalidRequest,
			ErrorKind:     authz.KindValidation,
			CorrelationID: RequestIDFromContext(r),
		})
		return
	}
	res := a.engine.CheckAccess(r.Context(), authz.Request{
		UserID:                 p.UserID,
		BranchID:               p.BranchID,
		ResourceType:           body.ResourceType,
		ResourceID:             body.ResourceID,
		Action:                 body.Action,
		PatientID:              body.PatientID,
		Attributes:             body.Attributes,
		EmergencyJustification: body.EmergencyJustification,
	})
	writeDecision(w, res)
}

func (a *API) RequestEmergencyAccess(w http.ResponseWriter, r *http.Request) {
	p, ok := a.authorize(w, r)
	if !ok {
		return
	}
	var body emergencyRequest
	if err := decodeJSON(r, &body); err != nil {
		writeDecision(w, authz.Result{
			DenialReason:  authz.ReasonInvalidRequest,
			ErrorKind:     authz.KindValidation,
			CorrelationID: RequestIDFromContext(r),
		})
		return
	}
	res := a.engine.RequestEmergencyAccess(r.Context(), p.UserID, body.ResourceType, body.ResourceID, body.Justification)
	writeDecision(w, res)
}

// writeDecision renders a decision. Policy denials are 200 responses; only
// fail-closed results carry an error status and category.
func writeDecision(w http.ResponseWriter, res authz.Result) {
	code := http.StatusOK
	switch res.ErrorKind {
	case authz.KindNone:
	case authz.KindValidation:
		code = http.StatusBadRequest
	case authz.KindAuditWriteFailure, authz.KindTimeout:
		code = http.StatusServiceUnavailable
	default:
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, decisionResponse{Result: res, Error: res.ErrorKind.Category()})
}
