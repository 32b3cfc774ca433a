package pg

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"medguard.org/internal/audit"
	"medguard.org/internal/errs"
	"medguard.org/internal/policy"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

func anyArgs(n int) []driver.Value {
	out := make([]driver.Value, n)
	for i := range out {
		out[i] = sqlmock.AnyArg()
	}
	return out
}

var entryCols = []string{"id", "ts", "event_type", "event_category", "action", "resource_type",
	"resource_id", "user_id", "patient_id", "is_phi_access", "is_emergency_access",
	"emergency_justification", "reason", "is_success", "correlation_id", "seq", "duration_ms", "idempotency_key"}

func TestAppendSkipsStoredKeys(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	prep := mock.ExpectPrepare("insert into audit_entries")
	prep.ExpectExec().WithArgs(anyArgs(18)...).WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs(anyArgs(18)...).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	n, err := s.Append(context.Background(), []audit.Entry{
		{ID: "e1", CorrelationID: "c1", Seq: 1, EventType: audit.EventAccessGranted, IdempotencyKey: "d1:1"},
		{ID: "e2", CorrelationID: "c1", Seq: 1, EventType: audit.EventAccessGranted, IdempotencyKey: "d1:1"},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if n != 1 {
		t.Fatalf("inserted %d, want 1", n)
	}
}

func TestAppendRollsBackOnError(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	prep := mock.ExpectPrepare("insert into audit_entries")
	prep.ExpectExec().WithArgs(anyArgs(18)...).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	if _, err := s.Append(context.Background(), []audit.Entry{{ID: "e1", CorrelationID: "c1"}}); err == nil {
		t.Fatal("expected error")
	}
}

func TestSavePolicyVersionConflict(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("update policy_meta").WithArgs(int64(3), int64(2)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.SavePolicy(context.Background(), 3, policy.Changes{})
	if !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestSavePolicyWritesRoleAndAssignment(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	role := policy.Role{
		ID: "r1", Name: "Nurse", RoleType: policy.RoleTypeClinical,
		Permissions: policy.NewSet("PATIENT_VIEW", "LAB_RESULT_VIEW"),
		Version:     1, CreatedAt: now, UpdatedAt: now,
	}
	assignment := policy.Assignment{UserID: "u1", RoleIDs: policy.NewSet("r1"), DirectPermissions: policy.Set{}}

	mock.ExpectBegin()
	mock.ExpectExec("update policy_meta").WithArgs(int64(2), int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into roles").WithArgs("r1", "Nurse", "", "CLINICAL", false, int64(1), now, now).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from role_permissions").WithArgs("r1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into role_permissions").WithArgs("r1", "LAB_RESULT_VIEW").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into role_permissions").WithArgs("r1", "PATIENT_VIEW").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from user_roles").WithArgs("u1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into user_roles").WithArgs("u1", "r1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from user_permissions").WithArgs("u1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := s.SavePolicy(context.Background(), 2, policy.Changes{
		Roles:       []policy.Role{role},
		Assignments: []policy.Assignment{assignment},
	})
	if err != nil {
		t.Fatalf("SavePolicy: %v", err)
	}
}

func TestSavePolicyMapsUniqueViolation(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("update policy_meta").WithArgs(int64(2), int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into roles").WithArgs(anyArgs(8)...).WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, Message: "duplicate key"})
	mock.ExpectRollback()

	err := s.SavePolicy(context.Background(), 2, policy.Changes{Roles: []policy.Role{{ID: "r1", Name: "Dup", RoleType: policy.RoleTypeCustom}}})
	if !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestLoadPolicyBuildsSnapshot(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("select version from policy_meta").WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(4)))
	mock.ExpectQuery("from permissions").WillReturnRows(
		sqlmock.NewRows([]string{"code", "category", "resource_type", "description", "is_phi_related", "is_system"}).
			AddRow("MEDICAL_RECORD_VIEW", "CLINICAL", "MEDICAL_RECORD", "", true, true).
			AddRow("APPOINTMENT_VIEW", "ADMINISTRATIVE", "APPOINTMENT", "", false, true))
	mock.ExpectQuery("from roles").WillReturnRows(
		sqlmock.NewRows([]string{"id", "name", "description", "role_type", "is_system", "version", "created_at", "updated_at"}).
			AddRow("nurse", "Nurse", "", "CLINICAL", true, int64(1), now, now))
	mock.ExpectQuery("from role_permissions").WillReturnRows(
		sqlmock.NewRows([]string{"role_id", "permission_code"}).AddRow("nurse", "MEDICAL_RECORD_VIEW"))
	mock.ExpectQuery("from access_rules").WillReturnRows(
		sqlmock.NewRows([]string{"id", "name", "resource_type", "condition", "scope_role_id", "allow_access", "priority", "is_active", "version", "updated_at"}).
			AddRow("R1", "R1", "MEDICAL_RECORD", "branch(requester) == branch(patient)", "nurse", true, 10, true, int64(1), now))
	mock.ExpectQuery("from user_roles").WillReturnRows(
		sqlmock.NewRows([]string{"user_id", "role_id", "permission_code"}).
			AddRow("u1", "", "APPOINTMENT_VIEW").
			AddRow("u1", "nurse", ""))
	mock.ExpectCommit()

	st, err := s.LoadPolicy(context.Background())
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	snap, err := policy.Build(st, now)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if snap.Version() != 4 {
		t.Fatalf("version %d", snap.Version())
	}
	eff := policy.Resolve("u1", snap)
	if !eff.HasPermission("MEDICAL_RECORD_VIEW") || !eff.HasPermission("APPOINTMENT_VIEW") {
		t.Fatalf("effective: %v", eff.Permissions.Sorted())
	}
	if rules := snap.RulesFor("MEDICAL_RECORD"); len(rules) != 1 || rules[0].ScopeRoleID != "nurse" {
		t.Fatalf("rules: %+v", rules)
	}
}

func TestQueryFiltersAndPages(t *testing.T) {
	s, mock := newMock(t)
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`select count\(\*\) from audit_entries where ts >= \$1 and user_id = \$2 and is_phi_access`).
		WithArgs(from, "u1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(11))
	mock.ExpectQuery(`order by ts desc, id desc\s+limit \$3 offset \$4`).
		WithArgs(from, "u1", 10, 10).
		WillReturnRows(sqlmock.NewRows(entryCols).AddRow(
			"e11", from.Add(time.Hour), "ACCESS_GRANTED", "PHI_ACCESS", "VIEW", "PATIENT",
			"p1", "u1", "p1", true, false, "", "rule:R2", true, "c11", 1, int64(3), "c11:1"))

	page, err := s.Query(context.Background(), audit.Filter{From: from, UserID: "u1", PHIOnly: true}, 2, 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if page.Total != 11 || page.Page != 2 || len(page.Entries) != 1 {
		t.Fatalf("page: %+v", page)
	}
	if e := page.Entries[0]; e.EventCategory != audit.CategoryPHIAccess || e.IdempotencyKey != "c11:1" {
		t.Fatalf("entry: %+v", e)
	}
}

func TestPHIReportTruncatesDays(t *testing.T) {
	s, mock := newMock(t)
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(48 * time.Hour)

	mock.ExpectQuery(`from audit_entries\s+where is_phi_access and ts >= \$1 and ts < \$2`).
		WithArgs(from, to).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "resource_type", "day", "accesses", "denied", "emergency", "patients"}).
			AddRow("u1", "PATIENT", from.Add(13*time.Hour), 4, 1, 0, 3).
			AddRow("u2", "MEDICAL_RECORD", from.Add(24*time.Hour), 2, 0, 1, 1))

	rows, err := s.PHIReport(context.Background(), from, to)
	if err != nil {
		t.Fatalf("PHIReport: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows: %+v", rows)
	}
	if !rows[0].Day.Equal(from) || rows[0].Accesses != 4 || rows[0].Denied != 1 || rows[0].DistinctPatients != 3 {
		t.Fatalf("first row: %+v", rows[0])
	}
	if rows[1].EmergencyAccesses != 1 || !rows[1].Day.Equal(from.Add(24*time.Hour)) {
		t.Fatalf("second row: %+v", rows[1])
	}
}

var findingCols = []string{"id", "finding_key", "kind", "severity", "user_id", "entry_id", "description",
	"count", "window_start", "window_end", "detected_at", "is_investigated",
	"investigated_by", "investigated_at", "notes"}

func TestUpsertFindingReportsCreation(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := audit.Finding{
		ID: "f1", Key: "k", Kind: audit.FindingRepeatedDenials, Severity: audit.SeverityMedium,
		UserID: "u1", Count: 12, WindowStart: now.Add(-time.Hour), WindowEnd: now, DetectedAt: now,
	}
	mock.ExpectQuery("insert into findings").WithArgs(anyArgs(11)...).WillReturnRows(
		sqlmock.NewRows(append(findingCols, "created")).AddRow(
			"f1", "k", f.Kind, f.Severity, "u1", "", "", 12, f.WindowStart, f.WindowEnd, now, false, "", nil, "", true))

	got, created, err := s.UpsertFinding(context.Background(), f)
	if err != nil {
		t.Fatalf("UpsertFinding: %v", err)
	}
	if !created || got.ID != "f1" || got.InvestigatedAt != nil {
		t.Fatalf("got %+v created=%v", got, created)
	}
}

func TestInvestigateTwiceConflicts(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery("from findings where id = \\$1 for update").WithArgs("f1").WillReturnRows(
		sqlmock.NewRows(findingCols).AddRow(
			"f1", "k", audit.FindingRepeatedDenials, audit.SeverityMedium, "u1", "", "", 12, now, now, now, true, "officer", now, "done"))
	mock.ExpectRollback()

	got, err := s.Investigate(context.Background(), "f1", "someone", "", now)
	if !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if got.InvestigatedBy != "officer" || got.InvestigatedAt == nil {
		t.Fatalf("existing investigation not returned: %+v", got)
	}
}

func TestReviewEmergencyRejectsOtherEntries(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select event_type from audit_entries").WithArgs("e1").
		WillReturnRows(sqlmock.NewRows([]string{"event_type"}).AddRow("ACCESS_GRANTED"))
	mock.ExpectRollback()

	_, err := s.ReviewEmergency(context.Background(), audit.EmergencyReview{EntryID: "e1", ReviewedBy: "officer"})
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConsentLookup(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from consent_directives").WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"hie_sharing", "restricted"}).AddRow(true, false))
	mock.ExpectQuery("from consent_directives").WithArgs("p2").WillReturnError(sql.ErrNoRows)

	c, found, err := s.Consent(context.Background(), "p1")
	if err != nil || !found || !c.HIESharing || c.Restricted {
		t.Fatalf("p1: %+v found=%v err=%v", c, found, err)
	}
	if _, found, err := s.Consent(context.Background(), "p2"); err != nil || found {
		t.Fatalf("p2: found=%v err=%v", found, err)
	}
}

func TestDeleteRetentionPolicyMissing(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("delete from retention_policies").WithArgs("EMERGENCY").WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.DeleteRetentionPolicy(context.Background(), audit.CategoryEmergency); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
