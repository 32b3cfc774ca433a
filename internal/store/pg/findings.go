package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"medguard.org/internal/audit"
	"medguard.org/internal/errs"
	"medguard.org/internal/ids"
)

func (s *Store) DistinctPHIPatients(ctx context.Context, from, to time.Time) ([]audit.UserCount, error) {
	return s.userCounts(ctx, `
		select user_id, count(distinct patient_id)
		from audit_entries
		where is_phi_access and is_success and user_id is not null and patient_id is not null
		  and ts >= $1 and ts < $2
		group by user_id
		order by user_id
	`, from, to)
}

func (s *Store) CountEvents(ctx context.Context, event audit.EventType, from, to time.Time) ([]audit.UserCount, error) {
	return s.userCounts(ctx, `
		select user_id, count(*)
		from audit_entries
		where event_type = $3 and user_id is not null and ts >= $1 and ts < $2
		group by user_id
		order by user_id
	`, from, to, string(event))
}

func (s *Store) userCounts(ctx context.Context, query string, args ...any) ([]audit.UserCount, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.UserCount
	for rows.Next() {
		var c audit.UserCount
		if err := rows.Scan(&c.UserID, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UnreviewedEmergency(ctx context.Context, before time.Time) ([]audit.Entry, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+entryColumns+`
		from audit_entries e
		where e.event_type = $1 and e.is_success and e.ts < $2
		  and not exists (select 1 from emergency_reviews r where r.entry_id = e.id)
		order by e.ts
	`, string(audit.EventEmergencyAccess), before)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (s *Store) ReviewEmergency(ctx context.Context, r audit.EmergencyReview) (audit.EmergencyReview, error) {
	var out audit.EmergencyReview
	err := s.inTx(ctx, nil, func(tx *sql.Tx) error {
		var eventType string
		err := tx.QueryRowContext(ctx, `select event_type from audit_entries where id = $1`, r.EntryID).Scan(&eventType)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && eventType != string(audit.EventEmergencyAccess)) {
			return errs.NotFound("emergency access entry %s", r.EntryID)
		}
		if err != nil {
			return err
		}
		err = tx.QueryRowContext(ctx, `
			insert into emergency_reviews (entry_id, reviewed_by, notes, reviewed_at)
			values ($1, $2, $3, $4)
			returning entry_id, reviewed_by, notes, reviewed_at
		`, r.EntryID, r.ReviewedBy, r.Notes, r.ReviewedAt).Scan(&out.EntryID, &out.ReviewedBy, &out.Notes, &out.ReviewedAt)
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return errs.Conflict("emergency access %s already reviewed", r.EntryID)
		}
		return err
	})
	return out, err
}

const findingColumns = `id, finding_key, kind, severity, user_id, coalesce(entry_id, ''), description,
	count, window_start, window_end, detected_at, is_investigated,
	coalesce(investigated_by, ''), investigated_at, coalesce(notes, '')`

func scanFinding(row interface{ Scan(...any) error }) (audit.Finding, error) {
	var (
		f  audit.Finding
		at sql.NullTime
	)
	err := row.Scan(&f.ID, &f.Key, &f.Kind, &f.Severity, &f.UserID, &f.EntryID, &f.Description,
		&f.Count, &f.WindowStart, &f.WindowEnd, &f.DetectedAt, &f.IsInvestigated,
		&f.InvestigatedBy, &at, &f.Notes)
	if at.Valid {
		t := at.Time.UTC()
		f.InvestigatedAt = &t
	}
	return f, err
}

// UpsertFinding relies on xmax = 0 holding only for freshly inserted rows.
func (s *Store) UpsertFinding(ctx context.Context, f audit.Finding) (audit.Finding, bool, error) {
	if s.db == nil {
		return audit.Finding{}, false, errNoDB
	}
	if f.ID == "" {
		f.ID = ids.New()
	}
	row := s.db.QueryRowContext(ctx, `
		insert into findings (id, finding_key, kind, severity, user_id, entry_id, description,
			count, window_start, window_end, detected_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		on conflict (finding_key) do update
		set count = greatest(findings.count, excluded.count),
		    severity = excluded.severity,
		    description = excluded.description,
		    window_end = excluded.window_end,
		    detected_at = excluded.detected_at
		returning `+findingColumns+`, (xmax = 0)
	`, f.ID, f.Key, f.Kind, f.Severity, f.UserID, nullIfEmpty(f.EntryID), f.Description,
		f.Count, f.WindowStart, f.WindowEnd, f.DetectedAt)

	var (
		out     audit.Finding
		created bool
		at      sql.NullTime
	)
	err := row.Scan(&out.ID, &out.Key, &out.Kind, &out.Severity, &out.UserID, &out.EntryID, &out.Description,
		&out.Count, &out.WindowStart, &out.WindowEnd, &out.DetectedAt, &out.IsInvestigated,
		&out.InvestigatedBy, &at, &out.Notes, &created)
	if err != nil {
		return audit.Finding{}, false, err
	}
	if at.Valid {
		t := at.Time.UTC()
		out.InvestigatedAt = &t
	}
	return out, created, nil
}

func (s *Store) Findings(ctx context.Context, f audit.FindingFilter) ([]audit.Finding, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.Kind != "" {
		add("kind = $%d", f.Kind)
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Investigated != nil {
		add("is_investigated = $%d", *f.Investigated)
	}
	if !f.DetectedAfter.IsZero() {
		add("detected_at >= $%d", f.DetectedAfter)
	}
	if !f.DetectedBefore.IsZero() {
		add("detected_at < $%d", f.DetectedBefore)
	}
	query := `select ` + findingColumns + ` from findings`
	if len(clauses) > 0 {
		query += " where " + strings.Join(clauses, " and ")
	}
	query += " order by detected_at desc, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" limit $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []audit.Finding{}
	for rows.Next() {
		x, err := scanFinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, x)
	}
	return out, rows.Err()
}

func (s *Store) Investigate(ctx context.Context, id, investigator, notes string, at time.Time) (audit.Finding, error) {
	var out audit.Finding
	err := s.inTx(ctx, nil, func(tx *sql.Tx) error {
		cur, err := scanFinding(tx.QueryRowContext(ctx, `select `+findingColumns+` from findings where id = $1 for update`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return errs.NotFound("finding %s", id)
		}
		if err != nil {
			return err
		}
		if cur.IsInvestigated {
			out = cur
			return errs.Conflict("finding %s already investigated", id)
		}
		out, err = scanFinding(tx.QueryRowContext(ctx, `
			update findings
			set is_investigated = true, investigated_by = $2, investigated_at = $3, notes = $4
			where id = $1
			returning `+findingColumns, id, investigator, at, nullIfEmpty(notes)))
		return err
	})
	return out, err
}
