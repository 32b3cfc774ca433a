package audit

import (
	"fmt"
	"time"
)

// Finding kinds produced by the anomaly scan.
const (
	FindingExcessivePatientAccess = "excessive_patient_access"
	FindingRepeatedDenials        = "repeated_denials"
	FindingEmergencyOveruse       = "emergency_overuse"
	FindingUnreviewedEmergency    = "unreviewed_emergency_access"
)

const (
	SeverityMedium = "MEDIUM"
	SeverityHigh   = "HIGH"
)

// Finding is a suspicious-activity record awaiting human investigation.
// Findings are never resolved automatically.
type Finding struct {
	ID             string     `json:"id"`
	Key            string     `json:"key"`
	Kind           string     `json:"kind"`
	Severity       string     `json:"severity"`
	UserID         string     `json:"user_id"`
	EntryID        string     `json:"entry_id,omitempty"`
	Description    string     `json:"description"`
	Count          int        `json:"count"`
	WindowStart    time.Time  `json:"window_start"`
	WindowEnd      time.Time  `json:"window_end"`
	DetectedAt     time.Time  `json:"detected_at"`
	IsInvestigated bool       `json:"is_investigated"`
	InvestigatedBy string     `json:"investigated_by,omitempty"`
	InvestigatedAt *time.Time `json:"investigated_at,omitempty"`
	Notes          string     `json:"notes,omitempty"`
}

// FindingKey identifies a finding across rescans of the same bucket.
func FindingKey(kind, userID, subject string, bucket time.Time) string {
	return fmt.Sprintf("%s|%s|%s|%d", kind, userID, subject, bucket.UTC().Unix())
}

type FindingFilter struct {
	Kind           string
	UserID         string
	Investigated   *bool
	DetectedAfter  time.Time
	DetectedBefore time.Time
	Limit          int
}

func (f FindingFilter) matches(x Finding) bool {
	if f.Kind != "" && x.Kind != f.Kind {
		return false
	}
	if f.UserID != "" && x.UserID != f.UserID {
		return false
	}
	if f.Investigated != nil && x.IsInvestigated != *f.Investigated {
		return false
	}
	if !f.DetectedAfter.IsZero() && x.DetectedAt.Before(f.DetectedAfter) {
		return false
	}
	if !f.DetectedBefore.IsZero() && !x.DetectedAt.Before(f.DetectedBefore) {
		return false
	}
	return true
}
