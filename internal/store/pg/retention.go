package pg

import (
	"context"
	"time"

	"medguard.org/internal/audit"
	"medguard.org/internal/errs"
)

func (s *Store) RetentionPolicies(ctx context.Context) ([]audit.RetentionPolicy, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select event_category, retention_days, archive_before_delete, archive_location, is_active, updated_at
		from retention_policies
		order by event_category
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.RetentionPolicy
	for rows.Next() {
		var (
			p   audit.RetentionPolicy
			cat string
		)
		if err := rows.Scan(&cat, &p.RetentionDays, &p.ArchiveBeforeDelete, &p.ArchiveLocation, &p.IsActive, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.EventCategory = audit.Category(cat)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) PutRetentionPolicy(ctx context.Context, p audit.RetentionPolicy) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into retention_policies (event_category, retention_days, archive_before_delete, archive_location, is_active, updated_at)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (event_category) do update
		set retention_days = excluded.retention_days,
		    archive_before_delete = excluded.archive_before_delete,
		    archive_location = excluded.archive_location,
		    is_active = excluded.is_active,
		    updated_at = excluded.updated_at
	`, string(p.EventCategory), p.RetentionDays, p.ArchiveBeforeDelete, p.ArchiveLocation, p.IsActive, p.UpdatedAt)
	return err
}

func (s *Store) DeleteRetentionPolicy(ctx context.Context, category audit.Category) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from retention_policies where event_category = $1`, string(category))
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return errs.NotFound("retention policy %s", category)
	}
	return nil
}

func (s *Store) OlderThan(ctx context.Context, category audit.Category, cutoff time.Time, limit int) ([]audit.Entry, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+entryColumns+`
		from audit_entries
		where event_category = $1 and ts < $2
		order by ts asc, id asc
		limit $3
	`, string(category), cutoff, limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (s *Store) DeleteEntries(ctx context.Context, ids []string) (int, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `delete from audit_entries where id = any($1)`, ids)
	if err != nil {
		return 0, err
	}
	aff, err := res.RowsAffected()
	return int(aff), err
}
