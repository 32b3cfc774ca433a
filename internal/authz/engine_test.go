package authz

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"medguard.org/internal/audit"
	"medguard.org/internal/condition"
	"medguard.org/internal/notify"
	"medguard.org/internal/policy"
)

func pipelineEngine(t *testing.T, opts ...EngineOption) (*Engine, *audit.MemoryStore, *audit.Pipeline) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	mem := audit.NewMemoryStore()
	p := audit.NewPipeline(mem, audit.WithPipelineLogger(logger))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
	return quietEngine(clinicStore(t), p, opts...), mem, p
}

func emergencyEntries(entries []audit.Entry) []audit.Entry {
	var out []audit.Entry
	for _, e := range entries {
		if e.EventType == audit.EventEmergencyAccess {
			out = append(out, e)
		}
	}
	return out
}

func TestBreakTheGlassWritesEntryBeforeReturning(t *testing.T) {
	var alerts []notify.Alert
	e, mem, p := pipelineEngine(t, WithNotifier(notify.Func(func(_ context.Context, a notify.Alert) error {
		alerts = append(alerts, a)
		return nil
	})))
	const why = "unconscious patient, need allergy history"

	res := e.RequestEmergencyAccess(context.Background(), "doc", "PATIENT", "p1", why)
	returned := time.Now().UTC()
	if !res.IsAllowed || !res.IsEmergency {
		t.Fatalf("emergency access not granted: %+v", res)
	}
	if res.AuditID == "" {
		t.Fatal("grant carries no audit id")
	}

	got := emergencyEntries(mem.Entries())
	if len(got) != 1 {
		t.Fatalf("emergency entries before close: %d", len(got))
	}
	entry := got[0]
	if entry.Reason != why || entry.EmergencyJustification != why || !entry.IsEmergencyAccess {
		t.Fatalf("entry: %+v", entry)
	}
	if entry.PatientID != "p1" || entry.UserID != "doc" || entry.ID != res.AuditID {
		t.Fatalf("entry subject: %+v", entry)
	}
	if entry.Timestamp.After(returned) {
		t.Fatalf("entry stamped %v after return at %v", entry.Timestamp, returned)
	}
	if len(alerts) != 1 || alerts[0].Kind != notify.KindEmergencyGrant {
		t.Fatalf("alerts: %+v", alerts)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if all := mem.Entries(); len(all) != 1 {
		t.Fatalf("a granted emergency must produce exactly one entry, got %d", len(all))
	}
}

func TestEmergencyFailsClosedWhenAuditWriteFails(t *testing.T) {
	rec := &fakeRecorder{syncErr: errors.New("disk full")}
	e := quietEngine(clinicStore(t), rec)

	res := e.RequestEmergencyAccess(context.Background(), "doc", "PATIENT", "p1", "code blue")
	if res.IsAllowed || res.ErrorKind != KindAuditWriteFailure || res.DenialReason != ReasonAuditUnavailable {
		t.Fatalf("%+v", res)
	}
	if len(rec.synced) != 0 {
		t.Fatal("nothing should have been synced")
	}
	if len(rec.submitted) != 1 || rec.submitted[0].EventType != audit.EventAccessDenied {
		t.Fatalf("denial not recorded: %+v", rec.submitted)
	}

	// The write may have committed before failing; the denial must still
	// land next to it under its own key.
	emergencyKey, denialKey := rec.attempted[0].IdempotencyKey, rec.submitted[0].IdempotencyKey
	if emergencyKey == "" || emergencyKey == denialKey {
		t.Fatalf("emergency key %q, denial key %q", emergencyKey, denialKey)
	}
	if strings.TrimSuffix(emergencyKey, ":2") != strings.TrimSuffix(denialKey, ":1") {
		t.Fatalf("keys of one decision differ in decision id: %q %q", emergencyKey, denialKey)
	}
}

func TestReusedCorrelationIDKeepsEveryDecision(t *testing.T) {
	e, mem, p := pipelineEngine(t)
	ctx := audit.WithCorrelationID(context.Background(), "fixed")

	for _, patient := range []string{"p1", "p2", "p3"} {
		res := e.RequestEmergencyAccess(ctx, "doc", "PATIENT", patient, "code blue")
		if !res.IsAllowed || !res.IsEmergency {
			t.Fatalf("emergency %s: %+v", patient, res)
		}
	}
	for i := 0; i < 3; i++ {
		res := e.CheckAccess(ctx, Request{
			UserID: "nurse-a", ResourceType: "MEDICAL_RECORD", Action: "VIEW", BranchID: "A",
			Attributes: condition.Attributes{"patient.branch": "A"},
		})
		if !res.IsAllowed {
			t.Fatalf("check %d: %+v", i, res)
		}
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Close(closeCtx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries := mem.Entries()
	if len(entries) != 6 || len(emergencyEntries(entries)) != 3 {
		t.Fatalf("stored %d entries, %d emergency", len(entries), len(emergencyEntries(entries)))
	}
	keys := make(map[string]bool)
	for _, got := range entries {
		if got.CorrelationID != "fixed" {
			t.Fatalf("correlation id %q", got.CorrelationID)
		}
		if keys[got.IdempotencyKey] {
			t.Fatalf("duplicate key %q", got.IdempotencyKey)
		}
		keys[got.IdempotencyKey] = true
	}
}

func TestEmergencyWriteTimeout(t *testing.T) {
	rec := &fakeRecorder{blockSync: true}
	e := quietEngine(clinicStore(t), rec, WithEmergencyWriteTimeout(10*time.Millisecond))

	start := time.Now()
	res := e.RequestEmergencyAccess(context.Background(), "doc", "PATIENT", "p1", "code blue")
	if res.IsAllowed || res.ErrorKind != KindAuditWriteFailure {
		t.Fatalf("%+v", res)
	}
	if time.Since(start) > time.Second {
		t.Fatal("emergency write was not bounded by its timeout")
	}
}

func TestEmergencyRequiresJustificationAndPermission(t *testing.T) {
	rec := &fakeRecorder{}
	e := quietEngine(clinicStore(t), rec)

	res := e.RequestEmergencyAccess(context.Background(), "doc", "PATIENT", "p1", "   ")
	if res.IsAllowed || res.DenialReason != ReasonJustificationRequired || res.ErrorKind != KindValidation {
		t.Fatalf("empty justification: %+v", res)
	}

	res = e.RequestEmergencyAccess(context.Background(), "clerk", "PATIENT", "p1", "curious")
	if res.IsAllowed || res.DenialReason != ReasonEmergencyNotPermitted {
		t.Fatalf("clerk: %+v", res)
	}
	if len(rec.synced) != 0 {
		t.Fatalf("no emergency entry expected, got %d", len(rec.synced))
	}
}

func TestCheckAccessRecordsDecisions(t *testing.T) {
	rec := &fakeRecorder{}
	e := quietEngine(clinicStore(t), rec)
	ctx := audit.WithCorrelationID(context.Background(), "corr-1")

	res := e.CheckAccess(ctx, Request{
		UserID: "nurse-a", ResourceType: "MEDICAL_RECORD", Action: "VIEW", BranchID: "A",
		Attributes: condition.Attributes{"patient.branch": "A"},
	})
	if !res.IsAllowed || res.CorrelationID != "corr-1" || res.AuditID == "" {
		t.Fatalf("%+v", res)
	}
	if len(rec.submitted) != 1 {
		t.Fatalf("entries: %d", len(rec.submitted))
	}
	got := rec.submitted[0]
	if got.EventType != audit.EventAccessGranted || got.Reason != RuleReason("R1") || !got.IsPHIAccess || got.Seq != 1 {
		t.Fatalf("entry: %+v", got)
	}
}

func TestLowercaseDenyRuleStillApplies(t *testing.T) {
	store := clinicStore(t)
	if _, _, err := store.Update(context.Background(), func(tx *policy.Tx) error {
		_, err := tx.PutRule(policy.Rule{Name: "lockdown", ResourceType: "appointment", Condition: "true", Priority: 100, IsActive: true})
		return err
	}); err != nil {
		t.Fatalf("PutRule: %v", err)
	}
	e := quietEngine(store, &fakeRecorder{})

	res := e.CheckAccess(context.Background(), Request{UserID: "clerk", ResourceType: "APPOINTMENT", Action: "view"})
	if res.IsAllowed || res.DenialReason != RuleReason("lockdown") {
		t.Fatalf("%+v", res)
	}
}

func TestCheckAccessDeniesPHIWhenQueueRefuses(t *testing.T) {
	rec := &fakeRecorder{submitErr: audit.ErrClosed}
	e := quietEngine(clinicStore(t), rec)

	res := e.CheckAccess(context.Background(), Request{
		UserID: "nurse-a", ResourceType: "MEDICAL_RECORD", Action: "VIEW", BranchID: "A",
		Attributes: condition.Attributes{"patient.branch": "A"},
	})
	if res.IsAllowed || res.ErrorKind != KindAuditWriteFailure {
		t.Fatalf("%+v", res)
	}

	plain := e.CheckAccess(context.Background(), Request{UserID: "clerk", ResourceType: "APPOINTMENT", Action: "VIEW"})
	if !plain.IsAllowed {
		t.Fatalf("non-PHI decision should survive an audit failure: %+v", plain)
	}
}

func TestCheckAccessCancelledContext(t *testing.T) {
	e := quietEngine(clinicStore(t), &fakeRecorder{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := e.CheckAccess(ctx, Request{UserID: "clerk", ResourceType: "APPOINTMENT", Action: "VIEW"})
	if res.IsAllowed || res.ErrorKind != KindTimeout {
		t.Fatalf("%+v", res)
	}
}

type consentFunc func(ctx context.Context, patientID string) (Consent, bool, error)

func (f consentFunc) Consent(ctx context.Context, patientID string) (Consent, bool, error) {
	return f(ctx, patientID)
}

func TestConsentSource(t *testing.T) {
	req := Request{UserID: "nurse-a", ResourceType: "PATIENT", ResourceID: "p1", PatientID: "p1", Action: "VIEW"}

	cases := []struct {
		name   string
		lookup consentFunc
		allow  bool
		reason string
	}{
		{
			name: "sharing",
			lookup: func(context.Context, string) (Consent, bool, error) {
				return Consent{HIESharing: true}, true, nil
			},
			allow: true,
		},
		{
			name: "no sharing",
			lookup: func(context.Context, string) (Consent, bool, error) {
				return Consent{}, true, nil
			},
			reason: ReasonPHIDefaultDeny,
		},
		{
			name: "lookup error",
			lookup: func(context.Context, string) (Consent, bool, error) {
				return Consent{}, false, errors.New("connection refused")
			},
			reason: ReasonConditionUnknown,
		},
		{
			name: "timeout",
			lookup: func(ctx context.Context, _ string) (Consent, bool, error) {
				<-ctx.Done()
				return Consent{}, false, ctx.Err()
			},
			reason: ReasonConditionUnknown,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := quietEngine(clinicStore(t), &fakeRecorder{},
				WithAttributeSources(NewConsentSource(tc.lookup)),
				WithAttributeTimeout(20*time.Millisecond))
			res := e.CheckAccess(context.Background(), req)
			if res.IsAllowed != tc.allow || (!tc.allow && res.DenialReason != tc.reason) {
				t.Fatalf("%+v", res)
			}
		})
	}
}

func TestAdminRecordsPolicyChanges(t *testing.T) {
	rec := &fakeRecorder{}
	store := clinicStore(t)
	admin := NewAdmin(store, policy.NewResolver(0), rec)
	ctx := context.Background()

	role, err := admin.CreateRole(ctx, "admin-1", policy.Role{Name: "Auditor", Permissions: policy.NewSet("APPOINTMENT_VIEW")})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if _, err := admin.AssignRoles(ctx, "admin-1", "u9", []string{role.ID}); err != nil {
		t.Fatalf("AssignRoles: %v", err)
	}
	if !admin.Effective("u9").HasPermission("APPOINTMENT_VIEW") {
		t.Fatal("assignment not visible through the resolver")
	}
	if _, err := admin.AssignRoles(ctx, "admin-1", "u9", []string{"missing"}); err == nil {
		t.Fatal("unknown role accepted")
	}

	if len(rec.submitted) != 2 {
		t.Fatalf("policy change entries: %d", len(rec.submitted))
	}
	for _, e := range rec.submitted {
		if e.EventType != audit.EventPolicyChange || e.UserID != "admin-1" || e.EventCategory != audit.CategoryAdministrative {
			t.Fatalf("entry: %+v", e)
		}
	}
	if rec.submitted[0].CorrelationID == rec.submitted[1].CorrelationID {
		t.Fatal("each change needs its own correlation id")
	}
}
