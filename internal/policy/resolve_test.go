package policy

import (
	"context"
	"testing"
)

func TestResolveUnionsRolesAndDirectGrants(t *testing.T) {
	s := seededStore(t)
	if err := updateErr(s, func(tx *Tx) error {
		if _, err := tx.AssignRoles("u1", []string{"role-nurse", "role-receptionist"}); err != nil {
			return err
		}
		_, err := tx.GrantPermissions("u1", []string{"INVOICE_MANAGE"})
		return err
	}); err != nil {
		t.Fatalf("setup: %v", err)
	}
	eff := Resolve("u1", s.Load())
	for _, code := range []string{"PATIENT_VIEW", "APPOINTMENT_MANAGE", "INVOICE_MANAGE", "EMERGENCY_ACCESS"} {
		if !eff.HasPermission(code) {
			t.Fatalf("missing %s in %v", code, eff.Permissions.Sorted())
		}
	}
	if eff.HasPermission("AUDIT_VIEW") {
		t.Fatal("unexpected AUDIT_VIEW")
	}
	if empty := Resolve("nobody", s.Load()); len(empty.Permissions) != 0 || len(empty.Roles) != 0 {
		t.Fatalf("unknown user resolved to %v", empty.Permissions.Sorted())
	}
}

func TestRevokeRemovesOnlyUniquePermissions(t *testing.T) {
	s := seededStore(t)
	if err := updateErr(s, func(tx *Tx) error {
		_, err := tx.AssignRoles("u1", []string{"role-nurse", "role-receptionist"})
		return err
	}); err != nil {
		t.Fatalf("setup: %v", err)
	}
	before := Resolve("u1", s.Load())
	if err := updateErr(s, func(tx *Tx) error {
		_, err := tx.RevokeRole("u1", "role-receptionist")
		return err
	}); err != nil {
		t.Fatalf("RevokeRole: %v", err)
	}
	after := Resolve("u1", s.Load())

	nurse, _ := s.Load().Role("role-nurse")
	recept, _ := s.Load().Role("role-receptionist")
	for code := range before.Permissions {
		want := nurse.Permissions.Has(code)
		if after.HasPermission(code) != want {
			t.Fatalf("%s: after=%v want %v", code, after.HasPermission(code), want)
		}
	}
	// APPOINTMENT_VIEW is shared by both roles and must survive.
	if !recept.Permissions.Has("APPOINTMENT_VIEW") || !after.HasPermission("APPOINTMENT_VIEW") {
		t.Fatal("shared permission lost")
	}
	if after.HasPermission("BILLING_VIEW") {
		t.Fatal("receptionist-only permission kept")
	}
}

func TestResolverCacheFollowsVersion(t *testing.T) {
	s := seededStore(t)
	r := NewResolver(0)
	if eff := r.Resolve("u1", s.Load()); len(eff.Permissions) != 0 {
		t.Fatalf("expected no permissions, got %v", eff.Permissions.Sorted())
	}
	if _, _, err := s.Update(context.Background(), func(tx *Tx) error {
		_, err := tx.AssignRoles("u1", []string{"role-compliance-officer"})
		return err
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	eff := r.Resolve("u1", s.Load())
	if !eff.HasAny("AUDIT_VIEW") || eff.Version != s.Load().Version() {
		t.Fatalf("stale cache entry: %+v", eff)
	}
	again := r.Resolve("u1", s.Load())
	if !again.Permissions.Equal(eff.Permissions) {
		t.Fatal("cached result differs")
	}
}
