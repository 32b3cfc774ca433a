// Package audit records access decisions and PHI accesses, serves queries
// and reports over them, enforces retention and scans for suspicious
// activity.
package audit

import (
	"strconv"
	"strings"
	"time"
)

type EventType string

const (
	EventAccessGranted   EventType = "ACCESS_GRANTED"
	EventAccessDenied    EventType = "ACCESS_DENIED"
	EventEmergencyAccess EventType = "EMERGENCY_ACCESS"
	EventPolicyChange    EventType = "POLICY_CHANGE"
)

// Category groups entries for retention.
type Category string

const (
	CategoryPHIAccess      Category = "PHI_ACCESS"
	CategoryEmergency      Category = "EMERGENCY"
	CategoryAccessControl  Category = "ACCESS_CONTROL"
	CategoryAdministrative Category = "ADMINISTRATIVE"
)

// DefaultPHICategories are the categories subject to the retention floor.
var DefaultPHICategories = []Category{CategoryPHIAccess, CategoryEmergency}

// Entry is one append-only audit record.
type Entry struct {
	ID                     string    `json:"id"`
	Timestamp              time.Time `json:"timestamp"`
	EventType              EventType `json:"event_type"`
	EventCategory          Category  `json:"event_category"`
	Action                 string    `json:"action"`
	ResourceType           string    `json:"resource_type"`
	ResourceID             string    `json:"resource_id,omitempty"`
	UserID                 string    `json:"user_id,omitempty"`
	PatientID              string    `json:"patient_id,omitempty"`
	IsPHIAccess            bool      `json:"is_phi_access"`
	IsEmergencyAccess      bool      `json:"is_emergency_access"`
	EmergencyJustification string    `json:"emergency_justification,omitempty"`
	Reason                 string    `json:"reason,omitempty"`
	IsSuccess              bool      `json:"is_success"`
	CorrelationID          string    `json:"correlation_id"`
	Seq                    int       `json:"seq"`
	DurationMs             int64     `json:"duration_ms"`
	IdempotencyKey         string    `json:"idempotency_key"`
}

// Key returns the idempotency key. Entries written for an access decision
// carry DecisionKey(decisionID, seq). Any other entry is keyed by its own id,
// which the pipeline assigns once and keeps across retries. The correlation
// id is caller supplied and never part of the key.
func (e Entry) Key() string {
	if e.IdempotencyKey != "" {
		return e.IdempotencyKey
	}
	if e.ID == "" {
		return ""
	}
	return DecisionKey(e.ID, e.Seq)
}

// DecisionKey is the idempotency key of the seq-th entry written for one
// server-generated decision id.
func DecisionKey(decisionID string, seq int) string {
	if seq <= 0 {
		seq = 1
	}
	return decisionID + ":" + strconv.Itoa(seq)
}

// CategoryFor picks the retention category of an entry that has none.
func CategoryFor(e Entry) Category {
	switch {
	case e.IsEmergencyAccess || e.EventType == EventEmergencyAccess:
		return CategoryEmergency
	case e.EventType == EventPolicyChange:
		return CategoryAdministrative
	case e.IsPHIAccess:
		return CategoryPHIAccess
	default:
		return CategoryAccessControl
	}
}

// ParseCategory normalizes a category name.
func ParseCategory(s string) Category {
	return Category(strings.ToUpper(strings.TrimSpace(s)))
}
