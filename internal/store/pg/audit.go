package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"medguard.org/internal/audit"
)

const entryColumns = `id, ts, event_type, event_category, action, resource_type,
	coalesce(resource_id, ''), coalesce(user_id, ''), coalesce(patient_id, ''),
	is_phi_access, is_emergency_access, coalesce(emergency_justification, ''),
	coalesce(reason, ''), is_success, correlation_id, seq, duration_ms, idempotency_key`

// Append inserts a batch in one transaction. Entries whose idempotency key
// is already stored are skipped, so a retried batch never duplicates rows.
func (s *Store) Append(ctx context.Context, entries []audit.Entry) (int, error) {
	inserted := 0
	err := s.inTx(ctx, nil, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			insert into audit_entries (id, ts, event_type, event_category, action, resource_type,
				resource_id, user_id, patient_id, is_phi_access, is_emergency_access,
				emergency_justification, reason, is_success, correlation_id, seq, duration_ms, idempotency_key)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
			on conflict (idempotency_key) do nothing
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range entries {
			res, err := stmt.ExecContext(ctx,
				e.ID, e.Timestamp, string(e.EventType), string(e.EventCategory), e.Action, e.ResourceType,
				nullIfEmpty(e.ResourceID), nullIfEmpty(e.UserID), nullIfEmpty(e.PatientID),
				e.IsPHIAccess, e.IsEmergencyAccess, nullIfEmpty(e.EmergencyJustification),
				nullIfEmpty(e.Reason), e.IsSuccess, e.CorrelationID, e.Seq, e.DurationMs, e.Key())
			if err != nil {
				return fmt.Errorf("insert entry %s: %w", e.ID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func scanEntry(row interface{ Scan(...any) error }) (audit.Entry, error) {
	var e audit.Entry
	var eventType, categ string
	err := row.Scan(&e.ID, &e.Timestamp, &eventType, &categ, &e.Action, &e.ResourceType,
		&e.ResourceID, &e.UserID, &e.PatientID, &e.IsPHIAccess, &e.IsEmergencyAccess,
		&e.EmergencyJustification, &e.Reason, &e.IsSuccess, &e.CorrelationID, &e.Seq,
		&e.DurationMs, &e.IdempotencyKey)
	e.EventType = audit.EventType(eventType)
	e.EventCategory = audit.Category(categ)
	e.Timestamp = e.Timestamp.UTC()
	return e, err
}

func collectEntries(rows *sql.Rows) ([]audit.Entry, error) {
	defer rows.Close()
	out := []audit.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type auditFilter audit.Filter

// where builds the predicate for f. Arguments are numbered from 1.
func (f auditFilter) where() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if !f.From.IsZero() {
		add("ts >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("ts < $%d", f.To)
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.PatientID != "" {
		add("patient_id = $%d", f.PatientID)
	}
	if f.ResourceType != "" {
		add("resource_type = $%d", f.ResourceType)
	}
	if f.EventType != "" {
		add("event_type = $%d", string(f.EventType))
	}
	if f.Category != "" {
		add("event_category = $%d", string(f.Category))
	}
	if f.PHIOnly {
		clauses = append(clauses, "is_phi_access")
	}
	if f.EmergencyOnly {
		clauses = append(clauses, "is_emergency_access")
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " where " + strings.Join(clauses, " and "), args
}

func (s *Store) Query(ctx context.Context, f audit.Filter, page, pageSize int) (audit.Page, error) {
	if s.db == nil {
		return audit.Page{}, errNoDB
	}
	page, pageSize = audit.NormalizePage(page, pageSize)
	where, args := auditFilter(f).where()

	out := audit.Page{Page: page, PageSize: pageSize}
	if err := s.db.QueryRowContext(ctx, `select count(*) from audit_entries`+where, args...).Scan(&out.Total); err != nil {
		return audit.Page{}, err
	}
	n := len(args)
	args = append(args, pageSize, (page-1)*pageSize)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		select %s from audit_entries%s
		order by ts desc, id desc
		limit $%d offset $%d
	`, entryColumns, where, n+1, n+2), args...)
	if err != nil {
		return audit.Page{}, err
	}
	if out.Entries, err = collectEntries(rows); err != nil {
		return audit.Page{}, err
	}
	return out, nil
}

func (s *Store) PHIReport(ctx context.Context, from, to time.Time) ([]audit.PHIReportRow, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select coalesce(user_id, ''), resource_type, date_trunc('day', ts at time zone 'UTC') as day,
		       count(*),
		       count(*) filter (where not is_success),
		       count(*) filter (where is_emergency_access),
		       count(distinct patient_id)
		from audit_entries
		where is_phi_access and ts >= $1 and ts < $2
		group by 1, 2, 3
		order by 3, 1, 2
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []audit.PHIReportRow{}
	for rows.Next() {
		var r audit.PHIReportRow
		if err := rows.Scan(&r.UserID, &r.ResourceType, &r.Day, &r.Accesses, &r.Denied, &r.EmergencyAccesses, &r.DistinctPatients); err != nil {
			return nil, err
		}
		r.Day = time.Date(r.Day.Year(), r.Day.Month(), r.Day.Day(), 0, 0, 0, 0, time.UTC)
		out = append(out, r)
	}
	return out, rows.Err()
}
