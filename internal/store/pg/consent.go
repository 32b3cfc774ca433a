package pg

import (
	"context"
	"database/sql"
	"errors"

	"medguard.org/internal/authz"
)

// Consent reads the patient's consent directive. found is false when the
// patient has none on file.
func (s *Store) Consent(ctx context.Context, patientID string) (authz.Consent, bool, error) {
	if s.db == nil {
		return authz.Consent{}, false, errNoDB
	}
	var c authz.Consent
	err := s.db.QueryRowContext(ctx, `
		select hie_sharing, restricted from consent_directives where patient_id = $1
	`, patientID).Scan(&c.HIESharing, &c.Restricted)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.Consent{}, false, nil
	}
	if err != nil {
		return authz.Consent{}, false, err
	}
	return c, true, nil
}

// PutConsent records a consent directive.
func (s *Store) PutConsent(ctx context.Context, patientID string, c authz.Consent) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into consent_directives (patient_id, hie_sharing, restricted, updated_at)
		values ($1, $2, $3, now())
		on conflict (patient_id) do update
		set hie_sharing = excluded.hie_sharing, restricted = excluded.restricted, updated_at = now()
	`, patientID, c.HIESharing, c.Restricted)
	return err
}
