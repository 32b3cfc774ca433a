package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"medguard.org/internal/errs"
	"medguard.org/internal/policy"
)

// LoadPolicy reads the whole policy in one read-only transaction.
func (s *Store) LoadPolicy(ctx context.Context) (policy.State, error) {
	var st policy.State
	err := s.inTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `select version from policy_meta where id = 1`).Scan(&st.Version)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if st.Permissions, err = loadPermissions(ctx, tx); err != nil {
			return fmt.Errorf("load permissions: %w", err)
		}
		if st.Roles, err = loadRoles(ctx, tx); err != nil {
			return fmt.Errorf("load roles: %w", err)
		}
		if st.Rules, err = loadRules(ctx, tx); err != nil {
			return fmt.Errorf("load rules: %w", err)
		}
		if st.Assignments, err = loadAssignments(ctx, tx); err != nil {
			return fmt.Errorf("load assignments: %w", err)
		}
		return nil
	})
	return st, err
}

func loadPermissions(ctx context.Context, tx *sql.Tx) ([]policy.Permission, error) {
	rows, err := tx.QueryContext(ctx, `
		select code, category, resource_type, description, is_phi_related, is_system
		from permissions
		order by code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []policy.Permission
	for rows.Next() {
		var p policy.Permission
		if err := rows.Scan(&p.Code, &p.Category, &p.ResourceType, &p.Description, &p.IsPHIRelated, &p.IsSystemPermission); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func loadRoles(ctx context.Context, tx *sql.Tx) ([]policy.Role, error) {
	rows, err := tx.QueryContext(ctx, `
		select id, name, description, role_type, is_system, version, created_at, updated_at
		from roles
		order by id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []policy.Role
	index := map[string]int{}
	for rows.Next() {
		var (
			r        policy.Role
			roleType string
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &roleType, &r.IsSystemRole, &r.Version, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.RoleType = policy.RoleType(roleType)
		r.Permissions = policy.Set{}
		index[r.ID] = len(roles)
		roles = append(roles, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	grants, err := tx.QueryContext(ctx, `select role_id, permission_code from role_permissions order by role_id, permission_code`)
	if err != nil {
		return nil, err
	}
	defer grants.Close()
	for grants.Next() {
		var roleID, code string
		if err := grants.Scan(&roleID, &code); err != nil {
			return nil, err
		}
		if i, ok := index[roleID]; ok {
			roles[i].Permissions[code] = struct{}{}
		}
	}
	return roles, grants.Err()
}

func loadRules(ctx context.Context, tx *sql.Tx) ([]policy.Rule, error) {
	rows, err := tx.QueryContext(ctx, `
		select id, name, resource_type, condition, coalesce(scope_role_id, ''),
		       allow_access, priority, is_active, version, updated_at
		from access_rules
		order by id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []policy.Rule
	for rows.Next() {
		var r policy.Rule
		if err := rows.Scan(&r.ID, &r.Name, &r.ResourceType, &r.Condition, &r.ScopeRoleID,
			&r.AllowAccess, &r.Priority, &r.IsActive, &r.Version, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func loadAssignments(ctx context.Context, tx *sql.Tx) ([]policy.Assignment, error) {
	rows, err := tx.QueryContext(ctx, `
		select user_id, role_id, '' from user_roles
		union all
		select user_id, '', permission_code from user_permissions
		order by 1, 2, 3
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []policy.Assignment
	for rows.Next() {
		var userID, roleID, code string
		if err := rows.Scan(&userID, &roleID, &code); err != nil {
			return nil, err
		}
		if len(out) == 0 || out[len(out)-1].UserID != userID {
			out = append(out, policy.Assignment{UserID: userID, RoleIDs: policy.Set{}, DirectPermissions: policy.Set{}})
		}
		a := &out[len(out)-1]
		if roleID != "" {
			a.RoleIDs[roleID] = struct{}{}
		}
		if code != "" {
			a.DirectPermissions[code] = struct{}{}
		}
	}
	return out, rows.Err()
}

// SavePolicy writes one change set and moves the stored version from
// version-1 to version. A store that is not at version-1 was edited by
// another writer and the save fails with a conflict.
func (s *Store) SavePolicy(ctx context.Context, version int64, changes policy.Changes) error {
	err := s.inTx(ctx, nil, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			update policy_meta set version = $1, updated_at = now()
			where id = 1 and version = $2
		`, version, version-1)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return errs.Conflict("stored policy is not at version %d", version-1)
		}

		for _, p := range changes.Permissions {
			if _, err := tx.ExecContext(ctx, `
				insert into permissions (code, category, resource_type, description, is_phi_related, is_system)
				values ($1, $2, $3, $4, $5, $6)
				on conflict (code) do update
				set category = excluded.category,
				    resource_type = excluded.resource_type,
				    description = excluded.description,
				    is_phi_related = excluded.is_phi_related,
				    is_system = excluded.is_system
			`, p.Code, p.Category, p.ResourceType, p.Description, p.IsPHIRelated, p.IsSystemPermission); err != nil {
				return fmt.Errorf("permission %s: %w", p.Code, err)
			}
		}
		for _, r := range changes.Roles {
			if err := saveRole(ctx, tx, r); err != nil {
				return fmt.Errorf("role %s: %w", r.ID, err)
			}
		}
		for _, r := range changes.Rules {
			if _, err := tx.ExecContext(ctx, `
				insert into access_rules (id, name, resource_type, condition, scope_role_id, allow_access, priority, is_active, version, updated_at)
				values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				on conflict (id) do update
				set name = excluded.name,
				    resource_type = excluded.resource_type,
				    condition = excluded.condition,
				    scope_role_id = excluded.scope_role_id,
				    allow_access = excluded.allow_access,
				    priority = excluded.priority,
				    is_active = excluded.is_active,
				    version = excluded.version,
				    updated_at = excluded.updated_at
			`, r.ID, r.Name, r.ResourceType, r.Condition, nullIfEmpty(r.ScopeRoleID),
				r.AllowAccess, r.Priority, r.IsActive, r.Version, r.UpdatedAt); err != nil {
				return fmt.Errorf("rule %s: %w", r.ID, err)
			}
		}
		for _, id := range changes.DeletedRoles {
			if _, err := tx.ExecContext(ctx, `delete from roles where id = $1`, id); err != nil {
				return fmt.Errorf("delete role %s: %w", id, err)
			}
		}
		for _, a := range changes.Assignments {
			if err := saveAssignment(ctx, tx, a); err != nil {
				return fmt.Errorf("assignment %s: %w", a.UserID, err)
			}
		}
		return nil
	})
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return errs.Conflict("%s", pgErr.Message)
		case pgErrForeignKeyViolation:
			return errs.Misconfigured("%s", pgErr.Message)
		}
	}
	return err
}

func saveRole(ctx context.Context, tx *sql.Tx, r policy.Role) error {
	if _, err := tx.ExecContext(ctx, `
		insert into roles (id, name, description, role_type, is_system, version, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		on conflict (id) do update
		set name = excluded.name,
		    description = excluded.description,
		    role_type = excluded.role_type,
		    version = excluded.version,
		    updated_at = excluded.updated_at
	`, r.ID, r.Name, r.Description, string(r.RoleType), r.IsSystemRole, r.Version, r.CreatedAt, r.UpdatedAt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, r.ID); err != nil {
		return err
	}
	for _, code := range r.Permissions.Sorted() {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_code) values ($1, $2)
		`, r.ID, code); err != nil {
			return err
		}
	}
	return nil
}

func saveAssignment(ctx context.Context, tx *sql.Tx, a policy.Assignment) error {
	if _, err := tx.ExecContext(ctx, `delete from user_roles where user_id = $1`, a.UserID); err != nil {
		return err
	}
	for _, id := range a.RoleIDs.Sorted() {
		if _, err := tx.ExecContext(ctx, `insert into user_roles (user_id, role_id) values ($1, $2)`, a.UserID, id); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `delete from user_permissions where user_id = $1`, a.UserID); err != nil {
		return err
	}
	for _, code := range a.DirectPermissions.Sorted() {
		if _, err := tx.ExecContext(ctx, `insert into user_permissions (user_id, permission_code) values ($1, $2)`, a.UserID, code); err != nil {
			return err
		}
	}
	return nil
}
