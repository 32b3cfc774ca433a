package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"medguard.org/internal/errs"
	"medguard.org/internal/ids"
	"medguard.org/internal/notify"
)

var scanNow = time.Date(2026, 5, 10, 12, 30, 0, 0, time.UTC)

func add(t *testing.T, s *MemoryStore, e Entry, age time.Duration) Entry {
	t.Helper()
	e.Timestamp = scanNow.Add(-age)
	e.ID = ids.NewAt(e.Timestamp)
	e.CorrelationID = e.ID
	if e.EventCategory == "" {
		e.EventCategory = CategoryFor(e)
	}
	if _, err := s.Append(context.Background(), []Entry{e}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	return e
}

func newTestScanner(store *MemoryStore, alerts *[]notify.Alert) *Scanner {
	logger, _ := test.NewNullLogger()
	return NewScanner(store,
		WithThresholds(Thresholds{
			DistinctPatients: 3,
			DeniedAttempts:   2,
			EmergencyPerDay:  2,
			Window:           time.Hour,
			ReviewDeadline:   72 * time.Hour,
		}),
		WithScannerClock(func() time.Time { return scanNow }),
		WithScannerLogger(logger),
		WithScannerNotifier(notify.Func(func(_ context.Context, a notify.Alert) error {
			*alerts = append(*alerts, a)
			return nil
		})),
	)
}

func TestScanFindsEachHeuristic(t *testing.T) {
	store := NewMemoryStore()
	for _, p := range []string{"p1", "p2", "p3", "p4", "p4"} {
		add(t, store, Entry{EventType: EventAccessGranted, UserID: "u1", PatientID: p, IsPHIAccess: true, IsSuccess: true}, 10*time.Minute)
	}
	for i := 0; i < 3; i++ {
		add(t, store, Entry{EventType: EventAccessDenied, UserID: "u2"}, 5*time.Minute)
	}
	for _, age := range []time.Duration{90 * time.Minute, 2 * time.Hour, 3 * time.Hour} {
		add(t, store, Entry{EventType: EventEmergencyAccess, UserID: "u3", IsEmergencyAccess: true, IsPHIAccess: true, IsSuccess: true}, age)
	}
	stale := add(t, store, Entry{EventType: EventEmergencyAccess, UserID: "u4", IsEmergencyAccess: true, IsPHIAccess: true, IsSuccess: true}, 96*time.Hour)
	// Below every threshold.
	add(t, store, Entry{EventType: EventAccessDenied, UserID: "u5"}, time.Minute)

	var alerts []notify.Alert
	sc := newTestScanner(store, &alerts)
	created, err := sc.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	kinds := map[string]Finding{}
	for _, f := range created {
		kinds[f.Kind] = f
	}
	if len(created) != 4 || len(alerts) != 4 {
		t.Fatalf("created %d findings, %d alerts: %+v", len(created), len(alerts), created)
	}
	if f := kinds[FindingExcessivePatientAccess]; f.UserID != "u1" || f.Count != 4 {
		t.Fatalf("excessive access finding: %+v", f)
	}
	if f := kinds[FindingRepeatedDenials]; f.UserID != "u2" || f.Count != 3 {
		t.Fatalf("denials finding: %+v", f)
	}
	if f := kinds[FindingEmergencyOveruse]; f.UserID != "u3" || f.Severity != SeverityHigh {
		t.Fatalf("emergency finding: %+v", f)
	}
	if f := kinds[FindingUnreviewedEmergency]; f.EntryID != stale.ID {
		t.Fatalf("unreviewed finding: %+v", f)
	}

	again, err := sc.Scan(context.Background())
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("rescan created %d duplicate findings", len(again))
	}
	all, _ := sc.Findings(context.Background(), FindingFilter{})
	if len(all) != 4 {
		t.Fatalf("stored %d findings", len(all))
	}
}

func TestBurstAcrossBucketEdgeIsOneFinding(t *testing.T) {
	store := NewMemoryStore()
	// scanNow is 12:30; the denials fall in the 12:00 bucket.
	for i := 0; i < 3; i++ {
		add(t, store, Entry{EventType: EventAccessDenied, UserID: "u2"}, 20*time.Minute)
	}
	now := scanNow
	var alerts []notify.Alert
	sc := newTestScanner(store, &alerts)
	sc.now = func() time.Time { return now }

	first, err := sc.Scan(context.Background())
	if err != nil || len(first) != 1 {
		t.Fatalf("first scan: %v %+v", err, first)
	}
	// 13:05 is the next bucket, but the window still holds the same burst.
	now = scanNow.Add(35 * time.Minute)
	second, err := sc.Scan(context.Background())
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if len(second) != 0 || len(alerts) != 1 {
		t.Fatalf("burst reported twice: %+v", second)
	}
	all, _ := sc.Findings(context.Background(), FindingFilter{Kind: FindingRepeatedDenials})
	if len(all) != 1 || all[0].Key != first[0].Key || !all[0].WindowEnd.Equal(now) {
		t.Fatalf("findings: %+v", all)
	}

	// A later burst, once the first finding has aged out of the window, is new.
	for i := 0; i < 3; i++ {
		add(t, store, Entry{EventType: EventAccessDenied, UserID: "u2"}, -3*time.Hour)
	}
	now = scanNow.Add(3*time.Hour + time.Minute)
	third, err := sc.Scan(context.Background())
	if err != nil || len(third) != 1 || third[0].Key == first[0].Key {
		t.Fatalf("third scan: %v %+v", err, third)
	}
}

func TestInvestigationSurvivesRescan(t *testing.T) {
	store := NewMemoryStore()
	for i := 0; i < 3; i++ {
		add(t, store, Entry{EventType: EventAccessDenied, UserID: "u2"}, time.Minute)
	}
	var alerts []notify.Alert
	sc := newTestScanner(store, &alerts)
	created, err := sc.Scan(context.Background())
	if err != nil || len(created) != 1 {
		t.Fatalf("Scan: %v %+v", err, created)
	}
	f, err := sc.Investigate(context.Background(), created[0].ID, "officer", "training account")
	if err != nil || !f.IsInvestigated || f.InvestigatedAt == nil {
		t.Fatalf("Investigate: %v %+v", err, f)
	}
	if _, err := sc.Investigate(context.Background(), f.ID, "officer", ""); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("second investigation: %v", err)
	}

	add(t, store, Entry{EventType: EventAccessDenied, UserID: "u2"}, time.Second)
	if _, err := sc.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	yes := true
	done, _ := sc.Findings(context.Background(), FindingFilter{Investigated: &yes})
	if len(done) != 1 || done[0].Count != 4 {
		t.Fatalf("investigated findings after rescan: %+v", done)
	}
}

func TestReviewClearsUnreviewedEmergency(t *testing.T) {
	store := NewMemoryStore()
	e := add(t, store, Entry{EventType: EventEmergencyAccess, UserID: "u4", IsEmergencyAccess: true, IsPHIAccess: true, IsSuccess: true}, 96*time.Hour)
	var alerts []notify.Alert
	sc := newTestScanner(store, &alerts)
	if _, err := sc.ReviewEmergency(context.Background(), e.ID, "officer", "ok"); err != nil {
		t.Fatalf("ReviewEmergency: %v", err)
	}
	if _, err := sc.ReviewEmergency(context.Background(), e.ID, "officer", "again"); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("double review: %v", err)
	}
	if _, err := sc.ReviewEmergency(context.Background(), "missing", "officer", ""); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("unknown entry: %v", err)
	}
	created, err := sc.Scan(context.Background())
	if err != nil || len(created) != 0 {
		t.Fatalf("Scan after review: %v %+v", err, created)
	}
}

func TestThresholdValidation(t *testing.T) {
	sc := NewScanner(NewMemoryStore())
	bad := DefaultThresholds()
	bad.DeniedAttempts = 0
	if err := sc.SetThresholds(bad); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("got %v", err)
	}
	good := DefaultThresholds()
	good.EmergencyPerDay = 9
	if err := sc.SetThresholds(good); err != nil || sc.Thresholds().EmergencyPerDay != 9 {
		t.Fatalf("SetThresholds: %v", err)
	}
}
