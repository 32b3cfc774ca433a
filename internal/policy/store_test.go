package policy

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"medguard.org/internal/errs"
)

type memPersister struct {
	mu      sync.Mutex
	state   State
	saves   []int64
	failErr error
}

func (m *memPersister) LoadPolicy(context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *memPersister) SavePolicy(_ context.Context, version int64, _ Changes) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.saves = append(m.saves, version)
	return nil
}

func seededStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s := NewStore(opts...)
	if _, err := s.Seed(context.Background(), DefaultSeed()); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	return s
}

func TestSeedIsIdempotent(t *testing.T) {
	s := seededStore(t)
	first := s.Load()
	if first.Version() != 1 {
		t.Fatalf("version after seed = %d, want 1", first.Version())
	}
	nurse, ok := first.Role("role-nurse")
	if !ok || !nurse.IsSystemRole {
		t.Fatalf("nurse role missing or not system: %+v", nurse)
	}
	p, ok := first.Permission("MEDICAL_RECORD_VIEW")
	if !ok || !p.IsPHIRelated || !p.IsSystemPermission {
		t.Fatalf("unexpected permission: %+v", p)
	}

	again, err := s.Seed(context.Background(), DefaultSeed())
	if err != nil {
		t.Fatalf("reseed: %v", err)
	}
	if again != first {
		t.Fatalf("reseeding should keep the snapshot, got version %d", again.Version())
	}
}

func TestParseSeedRejectsUnknownFields(t *testing.T) {
	_, err := ParseSeed(strings.NewReader("permissions:\n  - {code: X, resource_type: Y, colour: red}\n"))
	if !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRoleRoundTripIgnoresInsertionOrder(t *testing.T) {
	s := seededStore(t)
	codes := []string{"PATIENT_VIEW", "LAB_RESULT_VIEW", "APPOINTMENT_VIEW"}
	reversed := []string{"APPOINTMENT_VIEW", "LAB_RESULT_VIEW", "PATIENT_VIEW", "PATIENT_VIEW"}

	var a, b Role
	_, _, err := s.Update(context.Background(), func(tx *Tx) error {
		var err error
		if a, err = tx.CreateRole(Role{Name: "Triage", Permissions: NewSet(codes...)}); err != nil {
			return err
		}
		b, err = tx.CreateRole(Role{Name: "Triage Night", Permissions: NewSet(reversed...)})
		return err
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	snap := s.Load()
	gotA, _ := snap.Role(a.ID)
	gotB, _ := snap.Role(b.ID)
	if !gotA.Permissions.Equal(NewSet(codes...)) || !gotA.Permissions.Equal(gotB.Permissions) {
		t.Fatalf("permission sets differ: %v vs %v", gotA.Permissions.Sorted(), gotB.Permissions.Sorted())
	}
	if gotA.RoleType != RoleTypeCustom || gotA.Version != 1 {
		t.Fatalf("unexpected role defaults: %+v", gotA)
	}
}

func TestUpdateRoleVersionConflict(t *testing.T) {
	s := seededStore(t)
	var role Role
	if _, _, err := s.Update(context.Background(), func(tx *Tx) error {
		var err error
		role, err = tx.CreateRole(Role{Name: "Scribe", Permissions: NewSet("APPOINTMENT_VIEW")})
		return err
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	desc := "writes notes"
	if _, _, err := s.Update(context.Background(), func(tx *Tx) error {
		_, err := tx.UpdateRole(role.ID, role.Version, RoleUpdate{Description: &desc})
		return err
	}); err != nil {
		t.Fatalf("first update: %v", err)
	}
	before := s.Load()
	_, _, err := s.Update(context.Background(), func(tx *Tx) error {
		_, err := tx.UpdateRole(role.ID, role.Version, RoleUpdate{Description: &desc})
		return err
	})
	if !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if s.Load() != before {
		t.Fatal("failed update must not publish a snapshot")
	}
}

func TestSystemRolesAreImmutable(t *testing.T) {
	s := seededStore(t)
	nurse, _ := s.Load().Role("role-nurse")
	_, _, err := s.Update(context.Background(), func(tx *Tx) error {
		_, err := tx.UpdateRole(nurse.ID, nurse.Version, RoleUpdate{Permissions: []string{"PATIENT_VIEW"}})
		return err
	})
	if !errors.Is(err, errs.ErrPolicyMisconfiguration) {
		t.Fatalf("update system role: got %v", err)
	}
	err = updateErr(s, func(tx *Tx) error { return tx.DeleteRole(nurse.ID, nurse.Version) })
	if !errors.Is(err, errs.ErrPolicyMisconfiguration) {
		t.Fatalf("delete system role: got %v", err)
	}
	err = updateErr(s, func(tx *Tx) error {
		_, err := tx.CreateRole(Role{Name: "Root", IsSystemRole: true})
		return err
	})
	if !errors.Is(err, errs.ErrPolicyMisconfiguration) {
		t.Fatalf("create system role outside seed: got %v", err)
	}
	err = updateErr(s, func(tx *Tx) error {
		_, err := tx.AddPermission(Permission{Code: "PATIENT_VIEW", ResourceType: "PATIENT"})
		return err
	})
	if !errors.Is(err, errs.ErrPolicyMisconfiguration) {
		t.Fatalf("duplicate permission: got %v", err)
	}
}

func updateErr(s *Store, fn func(*Tx) error) error {
	_, _, err := s.Update(context.Background(), fn)
	return err
}

func TestPutRuleValidation(t *testing.T) {
	s := seededStore(t)
	cases := []struct {
		name string
		rule Rule
		want error
	}{
		{"bad condition", Rule{Name: "x", ResourceType: "PATIENT", Condition: "branch(a) =="}, errs.ErrPolicyMisconfiguration},
		{"unknown scope", Rule{Name: "x", ResourceType: "PATIENT", Condition: "true", ScopeRoleID: "nope"}, errs.ErrPolicyMisconfiguration},
		{"missing name", Rule{ResourceType: "PATIENT", Condition: "true"}, errs.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := updateErr(s, func(tx *Tx) error {
				_, err := tx.PutRule(tc.rule)
				return err
			})
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestPutRuleCanonicalizesAndVersions(t *testing.T) {
	s := seededStore(t)
	var rule Rule
	if err := updateErr(s, func(tx *Tx) error {
		var err error
		rule, err = tx.PutRule(Rule{
			Name:         "day shift",
			ResourceType: "LAB_RESULT",
			Condition:    `time_within(request.time,"08:00","18:00") && requester.branch == "A"`,
			AllowAccess:  true,
			IsActive:     true,
		})
		return err
	}); err != nil {
		t.Fatalf("PutRule: %v", err)
	}
	if rule.Condition != `time_within(request.time, "08:00", "18:00") and requester.branch == "A"` {
		t.Fatalf("condition not canonical: %q", rule.Condition)
	}

	rule.Priority = 5
	err := updateErr(s, func(tx *Tx) error {
		stale := rule
		stale.Version = 7
		_, err := tx.PutRule(stale)
		return err
	})
	if !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("stale rule version: got %v", err)
	}
	if err := updateErr(s, func(tx *Tx) error {
		_, err := tx.PutRule(rule)
		return err
	}); err != nil {
		t.Fatalf("replace rule: %v", err)
	}
	got, _ := s.Load().Rule(rule.ID)
	if got.Version != 2 || got.Priority != 5 {
		t.Fatalf("unexpected stored rule: %+v", got)
	}
}

func TestWritesCanonicalizeCase(t *testing.T) {
	s := seededStore(t)
	var (
		rule Rule
		perm Permission
		role Role
	)
	if err := updateErr(s, func(tx *Tx) error {
		var err error
		if perm, err = tx.AddPermission(Permission{Code: " lab_order_view", ResourceType: "lab_order"}); err != nil {
			return err
		}
		if role, err = tx.CreateRole(Role{Name: "Lab tech", Permissions: NewSet("lab_order_view", "Appointment_View")}); err != nil {
			return err
		}
		rule, err = tx.PutRule(Rule{Name: "lockdown", ResourceType: "appointment", Condition: "true", Priority: 100, IsActive: true})
		return err
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if perm.Code != "LAB_ORDER_VIEW" || perm.ResourceType != "LAB_ORDER" {
		t.Fatalf("permission: %+v", perm)
	}
	if got := role.Permissions.Sorted(); strings.Join(got, ",") != "APPOINTMENT_VIEW,LAB_ORDER_VIEW" {
		t.Fatalf("role permissions: %v", got)
	}
	if rule.ResourceType != "APPOINTMENT" {
		t.Fatalf("rule resource type: %q", rule.ResourceType)
	}
	found := false
	for _, r := range s.Load().RulesFor("APPOINTMENT") {
		found = found || r.ID == rule.ID
	}
	if !found {
		t.Fatal("rule not selectable for APPOINTMENT")
	}
}

func TestRulesForOrdersByPriorityThenID(t *testing.T) {
	s := NewStore()
	err := updateErr(s, func(tx *Tx) error {
		for _, r := range []Rule{
			{ID: "c", Name: "c", Priority: 0},
			{ID: "b", Name: "b", Priority: 10},
			{ID: "a", Name: "a", Priority: 0},
			{ID: "z", Name: "off", Priority: 99},
		} {
			r.ResourceType = "BILLING"
			r.Condition = "true"
			r.IsActive = r.ID != "z"
			if _, err := tx.PutRule(r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	var got []string
	for _, r := range s.Load().RulesFor("BILLING") {
		got = append(got, r.ID)
	}
	if strings.Join(got, ",") != "b,a,c" {
		t.Fatalf("order = %v", got)
	}
}

func TestDeleteRoleDropsAssignments(t *testing.T) {
	s := seededStore(t)
	var role Role
	if err := updateErr(s, func(tx *Tx) error {
		var err error
		if role, err = tx.CreateRole(Role{Name: "Temp", Permissions: NewSet("BILLING_VIEW")}); err != nil {
			return err
		}
		_, err = tx.AssignRoles("u1", []string{role.ID, "role-receptionist"})
		return err
	}); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := updateErr(s, func(tx *Tx) error { return tx.DeleteRole(role.ID, role.Version) }); err != nil {
		t.Fatalf("DeleteRole: %v", err)
	}
	a := s.Load().Assignment("u1")
	if a.RoleIDs.Has(role.ID) || !a.RoleIDs.Has("role-receptionist") {
		t.Fatalf("unexpected roles after delete: %v", a.RoleIDs.Sorted())
	}
}

func TestPersistFailureKeepsSnapshot(t *testing.T) {
	p := &memPersister{}
	s := seededStore(t, WithPersister(p))
	before := s.Load()
	p.failErr = errors.New("disk gone")

	err := updateErr(s, func(tx *Tx) error {
		_, err := tx.AssignRoles("u1", []string{"role-nurse"})
		return err
	})
	if err == nil || !strings.Contains(err.Error(), "disk gone") {
		t.Fatalf("expected persist error, got %v", err)
	}
	if s.Load() != before {
		t.Fatal("snapshot changed after failed persist")
	}
	if len(p.saves) != 1 || p.saves[0] != 1 {
		t.Fatalf("saves = %v", p.saves)
	}
}

func TestOpenRebuildsFromPersister(t *testing.T) {
	src := seededStore(t)
	p := &memPersister{state: src.Load().State()}
	s, err := Open(context.Background(), WithPersister(p))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	snap := s.Load()
	if snap.Version() != 1 || len(snap.Roles()) != len(src.Load().Roles()) {
		t.Fatalf("rebuilt snapshot v%d with %d roles", snap.Version(), len(snap.Roles()))
	}
	if got := len(snap.RulesFor("MEDICAL_RECORD")); got != 2 {
		t.Fatalf("medical record rules = %d", got)
	}
}

func TestReadersSeeConsistentSnapshots(t *testing.T) {
	s := seededStore(t)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	errc := make(chan string, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last int64
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := s.Load()
				if snap.Version() < last {
					errc <- "version went backwards"
					return
				}
				last = snap.Version()
				a := snap.Assignment("u1")
				for id := range a.RoleIDs {
					if _, ok := snap.Role(id); !ok {
						errc <- "assignment references role missing from its own snapshot"
						return
					}
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		roles := []string{"role-nurse"}
		if i%2 == 0 {
			roles = append(roles, "role-receptionist")
		}
		if err := updateErr(s, func(tx *Tx) error {
			_, err := tx.AssignRoles("u1", roles)
			return err
		}); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}
	close(stop)
	wg.Wait()
	close(errc)
	for msg := range errc {
		t.Fatal(msg)
	}
	if v := s.Load().Version(); v != 51 {
		t.Fatalf("final version = %d, want 51", v)
	}
}

func TestClockStampsEdits(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := NewStore(WithClock(func() time.Time { return at }))
	err := updateErr(s, func(tx *Tx) error {
		_, err := tx.AddPermission(Permission{Code: "X_VIEW", ResourceType: "X"})
		return err
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !s.Load().BuiltAt().Equal(at) {
		t.Fatalf("built at %v", s.Load().BuiltAt())
	}
	if p, _ := s.Load().Permission("X_VIEW"); p.IsSystemPermission {
		t.Fatal("permissions added outside seeding must be custom")
	}
}
