package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"medguard.org/internal/errs"
	"medguard.org/internal/notify"
	"medguard.org/internal/obs"
)

// Thresholds configure the anomaly heuristics. A user is flagged when a
// count strictly exceeds its threshold.
type Thresholds struct {
	DistinctPatients int           `json:"distinct_patients"`
	DeniedAttempts   int           `json:"denied_attempts"`
	EmergencyPerDay  int           `json:"emergency_per_day"`
	Window           time.Duration `json:"window"`
	ReviewDeadline   time.Duration `json:"review_deadline"`
}

// DefaultThresholds are conservative starting values for a small clinic.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DistinctPatients: 50,
		DeniedAttempts:   10,
		EmergencyPerDay:  3,
		Window:           time.Hour,
		ReviewDeadline:   72 * time.Hour,
	}
}

func (t Thresholds) Validate() error {
	switch {
	case t.DistinctPatients <= 0, t.DeniedAttempts <= 0, t.EmergencyPerDay <= 0:
		return errs.Validation("anomaly thresholds must be positive")
	case t.Window < time.Minute:
		return errs.Validation("anomaly window must be at least one minute")
	case t.ReviewDeadline <= 0:
		return errs.Validation("review deadline must be positive")
	}
	return nil
}

// Scanner runs the anomaly heuristics over the audit trail.
type Scanner struct {
	store    FindingStore
	notifier notify.Notifier
	now      func() time.Time
	log      logrus.FieldLogger

	mu         sync.RWMutex
	thresholds Thresholds
}

type ScannerOption func(*Scanner)

func WithThresholds(t Thresholds) ScannerOption {
	return func(s *Scanner) { s.thresholds = t }
}

func WithScannerNotifier(n notify.Notifier) ScannerOption {
	return func(s *Scanner) {
		if n != nil {
			s.notifier = n
		}
	}
}

func WithScannerClock(fn func() time.Time) ScannerOption {
	return func(s *Scanner) {
		if fn != nil {
			s.now = fn
		}
	}
}

func WithScannerLogger(l logrus.FieldLogger) ScannerOption {
	return func(s *Scanner) {
		if l != nil {
			s.log = l
		}
	}
}

func NewScanner(store FindingStore, opts ...ScannerOption) *Scanner {
	s := &Scanner{
		store:      store,
		notifier:   notify.Discard,
		now:        time.Now,
		log:        obs.Component("anomaly"),
		thresholds: DefaultThresholds(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scanner) Thresholds() Thresholds {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.thresholds
}

func (s *Scanner) SetThresholds(t Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.thresholds = t
	s.mu.Unlock()
	return nil
}

// Scan evaluates every heuristic once and returns the findings it created.
// Findings already recorded for the same bucket are refreshed, not
// duplicated. A trailing-window finding that was last detected inside the
// current window is the same burst and keeps its key across bucket edges.
func (s *Scanner) Scan(ctx context.Context) ([]Finding, error) {
	t := s.Thresholds()
	now := s.now().UTC()
	from := now.Add(-t.Window)
	bucket := now.Truncate(t.Window)
	var candidates []Finding

	patients, err := s.store.DistinctPHIPatients(ctx, from, now)
	if err != nil {
		return nil, fmt.Errorf("distinct patients: %w", err)
	}
	for _, c := range patients {
		if c.Count > t.DistinctPatients {
			key, err := s.windowKey(ctx, FindingExcessivePatientAccess, c.UserID, from, bucket)
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, Finding{
				Key:         key,
				Kind:        FindingExcessivePatientAccess,
				Severity:    severity(c.Count, t.DistinctPatients),
				UserID:      c.UserID,
				Count:       c.Count,
				WindowStart: from,
				WindowEnd:   now,
				Description: fmt.Sprintf("accessed PHI of %d distinct patients within %s", c.Count, t.Window),
			})
		}
	}

	denied, err := s.store.CountEvents(ctx, EventAccessDenied, from, now)
	if err != nil {
		return nil, fmt.Errorf("denied attempts: %w", err)
	}
	for _, c := range denied {
		if c.Count > t.DeniedAttempts {
			key, err := s.windowKey(ctx, FindingRepeatedDenials, c.UserID, from, bucket)
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, Finding{
				Key:         key,
				Kind:        FindingRepeatedDenials,
				Severity:    severity(c.Count, t.DeniedAttempts),
				UserID:      c.UserID,
				Count:       c.Count,
				WindowStart: from,
				WindowEnd:   now,
				Description: fmt.Sprintf("%d denied access attempts within %s", c.Count, t.Window),
			})
		}
	}

	day := now.Truncate(24 * time.Hour)
	emergencies, err := s.store.CountEvents(ctx, EventEmergencyAccess, day, now)
	if err != nil {
		return nil, fmt.Errorf("emergency accesses: %w", err)
	}
	for _, c := range emergencies {
		if c.Count > t.EmergencyPerDay {
			candidates = append(candidates, Finding{
				Key:         FindingKey(FindingEmergencyOveruse, c.UserID, "", day),
				Kind:        FindingEmergencyOveruse,
				Severity:    SeverityHigh,
				UserID:      c.UserID,
				Count:       c.Count,
				WindowStart: day,
				WindowEnd:   now,
				Description: fmt.Sprintf("%d emergency accesses on %s", c.Count, day.Format(time.DateOnly)),
			})
		}
	}

	stale, err := s.store.UnreviewedEmergency(ctx, now.Add(-t.ReviewDeadline))
	if err != nil {
		return nil, fmt.Errorf("unreviewed emergency accesses: %w", err)
	}
	for _, e := range stale {
		candidates = append(candidates, Finding{
			Key:         FindingKey(FindingUnreviewedEmergency, e.UserID, e.ID, time.Unix(0, 0)),
			Kind:        FindingUnreviewedEmergency,
			Severity:    SeverityHigh,
			UserID:      e.UserID,
			EntryID:     e.ID,
			Count:       1,
			WindowStart: e.Timestamp,
			WindowEnd:   now,
			Description: fmt.Sprintf("emergency access %s not reviewed within %s", e.ID, t.ReviewDeadline),
		})
	}

	var created []Finding
	for _, f := range candidates {
		f.DetectedAt = now
		stored, isNew, err := s.store.UpsertFinding(ctx, f)
		if err != nil {
			return created, fmt.Errorf("record finding %s: %w", f.Key, err)
		}
		if !isNew {
			continue
		}
		created = append(created, stored)
		obs.Findings.WithLabelValues(stored.Kind).Inc()
		s.log.WithFields(logrus.Fields{
			"finding_id": stored.ID,
			"kind":       stored.Kind,
			"user_id":    stored.UserID,
			"count":      stored.Count,
		}).Warn("suspicious activity detected")
		alert := notify.Alert{
			Kind:      notify.KindFinding,
			Severity:  stored.Severity,
			UserID:    stored.UserID,
			EntryID:   stored.EntryID,
			FindingID: stored.ID,
			Message:   stored.Description,
			At:        now,
		}
		if err := s.notifier.Notify(ctx, alert); err != nil {
			s.log.WithError(err).Warn("finding notification failed")
		}
	}
	return created, nil
}

// windowKey returns the key of the user's most recent finding of kind when
// it was detected at or after from, otherwise the key for bucket.
func (s *Scanner) windowKey(ctx context.Context, kind, userID string, from, bucket time.Time) (string, error) {
	open, err := s.store.Findings(ctx, FindingFilter{Kind: kind, UserID: userID, DetectedAfter: from, Limit: 1})
	if err != nil {
		return "", fmt.Errorf("open %s finding: %w", kind, err)
	}
	if len(open) > 0 {
		return open[0].Key, nil
	}
	return FindingKey(kind, userID, "", bucket), nil
}

func severity(count, threshold int) string {
	if count > 2*threshold {
		return SeverityHigh
	}
	return SeverityMedium
}

// Investigate marks a finding as investigated.
func (s *Scanner) Investigate(ctx context.Context, id, investigator, notes string) (Finding, error) {
	if investigator == "" {
		return Finding{}, errs.Validation("investigator is required")
	}
	return s.store.Investigate(ctx, id, investigator, notes, s.now().UTC())
}

// ReviewEmergency records the review of an emergency grant.
func (s *Scanner) ReviewEmergency(ctx context.Context, entryID, reviewer, notes string) (EmergencyReview, error) {
	if entryID == "" || reviewer == "" {
		return EmergencyReview{}, errs.Validation("entry id and reviewer are required")
	}
	return s.store.ReviewEmergency(ctx, EmergencyReview{
		EntryID:    entryID,
		ReviewedBy: reviewer,
		Notes:      notes,
		ReviewedAt: s.now().UTC(),
	})
}

func (s *Scanner) Findings(ctx context.Context, f FindingFilter) ([]Finding, error) {
	return s.store.Findings(ctx, f)
}
