package audit

import (
	"context"
	"time"
)

// EntryWriter persists entries. Append must ignore entries whose
// IdempotencyKey is already stored and apply a batch atomically. It returns
// the number of entries actually inserted.
type EntryWriter interface {
	Append(ctx context.Context, entries []Entry) (int, error)
}

// Filter narrows Query. Zero values match everything.
type Filter struct {
	From          time.Time
	To            time.Time
	UserID        string
	PatientID     string
	ResourceType  string
	EventType     EventType
	Category      Category
	PHIOnly       bool
	EmergencyOnly bool
}

// Page is one page of Query results, newest first.
type Page struct {
	Entries  []Entry `json:"entries"`
	Total    int     `json:"total"`
	Page     int     `json:"page"`
	PageSize int     `json:"page_size"`
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
	// MaxPage keeps (page-1)*pageSize far from overflow. Pages past the end
	// are simply empty.
	MaxPage = 1_000_000
)

// NormalizePage clamps page and pageSize into the accepted range.
func NormalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if page > MaxPage {
		page = MaxPage
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}

// PHIReportRow aggregates PHI accesses by user, resource type and UTC day.
type PHIReportRow struct {
	UserID            string    `json:"user_id"`
	ResourceType      string    `json:"resource_type"`
	Day               time.Time `json:"day"`
	Accesses          int       `json:"accesses"`
	Denied            int       `json:"denied"`
	EmergencyAccesses int       `json:"emergency_accesses"`
	DistinctPatients  int       `json:"distinct_patients"`
}

// EmergencyReview records the after-the-fact review of an emergency grant.
type EmergencyReview struct {
	EntryID    string    `json:"entry_id"`
	ReviewedBy string    `json:"reviewed_by"`
	Notes      string    `json:"notes,omitempty"`
	ReviewedAt time.Time `json:"reviewed_at"`
}

// Reader serves audit queries and reports.
type Reader interface {
	Query(ctx context.Context, f Filter, page, pageSize int) (Page, error)
	PHIReport(ctx context.Context, from, to time.Time) ([]PHIReportRow, error)
}

// RetentionStore holds retention policies and the entries they expire.
type RetentionStore interface {
	RetentionPolicies(ctx context.Context) ([]RetentionPolicy, error)
	PutRetentionPolicy(ctx context.Context, p RetentionPolicy) error
	DeleteRetentionPolicy(ctx context.Context, category Category) error
	// OlderThan returns up to limit entries of category with Timestamp
	// before cutoff, oldest first.
	OlderThan(ctx context.Context, category Category, cutoff time.Time, limit int) ([]Entry, error)
	DeleteEntries(ctx context.Context, ids []string) (int, error)
}

// UserCount is a per-user aggregate used by the anomaly scan.
type UserCount struct {
	UserID string
	Count  int
}

// FindingStore holds the inputs and outputs of the anomaly scan.
type FindingStore interface {
	DistinctPHIPatients(ctx context.Context, from, to time.Time) ([]UserCount, error)
	CountEvents(ctx context.Context, event EventType, from, to time.Time) ([]UserCount, error)
	UnreviewedEmergency(ctx context.Context, before time.Time) ([]Entry, error)
	ReviewEmergency(ctx context.Context, r EmergencyReview) (EmergencyReview, error)

	// UpsertFinding inserts f, or refreshes Count, Severity and DetectedAt
	// of the finding with the same Key. Investigation state is kept.
	UpsertFinding(ctx context.Context, f Finding) (Finding, bool, error)
	Findings(ctx context.Context, f FindingFilter) ([]Finding, error)
	Investigate(ctx context.Context, id, investigator, notes string, at time.Time) (Finding, error)
}

// Store is the full audit persistence surface.
type Store interface {
	EntryWriter
	Reader
	RetentionStore
	FindingStore
}
