package authz

import (
	"context"
	"sync"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"

	"medguard.org/internal/audit"
	"medguard.org/internal/policy"
)

func clinicSeed() policy.Seed {
	return policy.Seed{
		Permissions: []policy.Permission{
			{Code: "PATIENT_VIEW", Category: "CLINICAL", ResourceType: "PATIENT", IsPHIRelated: true},
			{Code: "MEDICAL_RECORD_VIEW", Category: "CLINICAL", ResourceType: "MEDICAL_RECORD", IsPHIRelated: true},
			{Code: "LAB_RESULT_VIEW", Category: "CLINICAL", ResourceType: "LAB_RESULT", IsPHIRelated: true},
			{Code: "APPOINTMENT_VIEW", Category: "ADMINISTRATIVE", ResourceType: "APPOINTMENT"},
			{Code: "BREAK_THE_GLASS", Category: "CLINICAL", ResourceType: "EMERGENCY"},
			{Code: "EMERGENCY_ACCESS", Category: "CLINICAL", ResourceType: "EMERGENCY"},
		},
		Roles: []policy.SeedRole{
			{ID: "nurse", Name: "Nurse", RoleType: policy.RoleTypeClinical, Permissions: []string{"PATIENT_VIEW", "MEDICAL_RECORD_VIEW"}},
			{ID: "physician", Name: "Physician", RoleType: policy.RoleTypeClinical, Permissions: []string{"MEDICAL_RECORD_VIEW", "BREAK_THE_GLASS"}},
			{ID: "clerk", Name: "Clerk", RoleType: policy.RoleTypeAdministrative, Permissions: []string{"APPOINTMENT_VIEW"}},
		},
		Rules: []policy.SeedRule{
			{ID: "R1", Name: "R1", ResourceType: "MEDICAL_RECORD", Condition: "branch(requester) == branch(patient)", AllowAccess: true, Priority: 10},
			{ID: "R2", Name: "R2", ResourceType: "PATIENT", Condition: "consent.hie_sharing == true", AllowAccess: true, Priority: 5},
			{ID: "R3", Name: "R3", ResourceType: "APPOINTMENT", Condition: "consent.restricted == true", AllowAccess: false, Priority: 1},
		},
		Assignments: []policy.SeedAssignment{
			{UserID: "nurse-a", Roles: []string{"nurse"}},
			{UserID: "doc", Roles: []string{"physician"}},
			{UserID: "clerk", Roles: []string{"clerk"}},
		},
	}
}

func clinicStore(t *testing.T) *policy.Store {
	t.Helper()
	s := policy.NewStore()
	if _, err := s.Seed(context.Background(), clinicSeed()); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	return s
}

type fakeRecorder struct {
	mu        sync.Mutex
	syncErr   error
	submitErr error
	blockSync bool
	attempted []audit.Entry
	synced    []audit.Entry
	submitted []audit.Entry
}

func (f *fakeRecorder) WriteSync(ctx context.Context, e audit.Entry) (audit.Entry, error) {
	f.mu.Lock()
	f.attempted = append(f.attempted, e)
	f.mu.Unlock()
	if f.blockSync {
		<-ctx.Done()
		return e, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.syncErr != nil {
		return e, f.syncErr
	}
	e.ID = "sync-" + e.CorrelationID
	f.synced = append(f.synced, e)
	return e, nil
}

func (f *fakeRecorder) Submit(_ context.Context, e audit.Entry) (audit.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return e, f.submitErr
	}
	e.ID = "async-" + e.CorrelationID
	f.submitted = append(f.submitted, e)
	return e, nil
}

func quietEngine(store *policy.Store, rec Recorder, opts ...EngineOption) *Engine {
	logger, _ := test.NewNullLogger()
	return NewEngine(store, rec, append([]EngineOption{WithLogger(logger)}, opts...)...)
}
