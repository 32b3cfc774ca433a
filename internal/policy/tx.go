package policy

import (
	"strings"
	"time"

	"medguard.org/internal/condition"
	"medguard.org/internal/errs"
	"medguard.org/internal/ids"
)

// Tx is a pending policy edit. It works on a private copy of the current
// snapshot; nothing is visible to readers until Store.Update commits it.
type Tx struct {
	snap    *Snapshot
	now     time.Time
	seeding bool
	changes Changes
}

// Snapshot exposes the in-progress state, including edits made so far.
func (tx *Tx) Snapshot() *Snapshot { return tx.snap }

// RoleUpdate carries optional changes to a custom role. A nil Permissions
// leaves the permission set untouched.
type RoleUpdate struct {
	Name        *string
	Description *string
	RoleType    *RoleType
	Permissions []string
}

// AddPermission registers a new permission code. Outside seeding the
// permission is always custom.
func (tx *Tx) AddPermission(p Permission) (Permission, error) {
	p.Code = canonical(p.Code)
	p.ResourceType = canonical(p.ResourceType)
	if p.Code == "" || p.ResourceType == "" {
		return Permission{}, errs.Validation("permission code and resource_type are required")
	}
	if _, dup := tx.snap.permissions[p.Code]; dup {
		return Permission{}, errs.Misconfigured("duplicate permission code %s", p.Code)
	}
	p.IsSystemPermission = tx.seeding
	tx.snap.permissions[p.Code] = p
	tx.changes.Permissions = append(tx.changes.Permissions, p)
	return p, nil
}

// CreateRole adds a role. An empty ID is generated.
func (tx *Tx) CreateRole(r Role) (Role, error) {
	r.ID = strings.TrimSpace(r.ID)
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return Role{}, errs.Validation("role name is required")
	}
	if r.ID == "" {
		r.ID = ids.New()
	}
	if _, dup := tx.snap.roles[r.ID]; dup {
		return Role{}, errs.Conflict("role %s already exists", r.ID)
	}
	for _, other := range tx.snap.roles {
		if strings.EqualFold(other.Name, r.Name) {
			return Role{}, errs.Conflict("role name %q already in use", r.Name)
		}
	}
	if r.RoleType == "" {
		r.RoleType = RoleTypeCustom
	}
	if !r.RoleType.Valid() {
		return Role{}, errs.Validation("unsupported role type %q", r.RoleType)
	}
	if r.IsSystemRole && !tx.seeding {
		return Role{}, errs.Misconfigured("system roles can only be seeded")
	}
	perms, err := tx.knownPermissions(r.Permissions.Sorted())
	if err != nil {
		return Role{}, err
	}
	r.Permissions = perms
	r.Version = 1
	r.CreatedAt = tx.now
	r.UpdatedAt = tx.now
	tx.putRole(r)
	return r, nil
}

// UpdateRole edits a custom role if expectedVersion matches the stored one.
func (tx *Tx) UpdateRole(id string, expectedVersion int64, upd RoleUpdate) (Role, error) {
	r, ok := tx.snap.roles[id]
	if !ok {
		return Role{}, errs.NotFound("role %s", id)
	}
	if r.IsSystemRole {
		return Role{}, errs.Misconfigured("system role %s is immutable", id)
	}
	if r.Version != expectedVersion {
		return Role{}, errs.Conflict("role %s is at version %d, not %d", id, r.Version, expectedVersion)
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return Role{}, errs.Validation("role name is required")
		}
		for otherID, other := range tx.snap.roles {
			if otherID != id && strings.EqualFold(other.Name, name) {
				return Role{}, errs.Conflict("role name %q already in use", name)
			}
		}
		r.Name = name
	}
	if upd.Description != nil {
		r.Description = strings.TrimSpace(*upd.Description)
	}
	if upd.RoleType != nil {
		if !upd.RoleType.Valid() || *upd.RoleType == RoleTypeSystem {
			return Role{}, errs.Validation("unsupported role type %q", *upd.RoleType)
		}
		r.RoleType = *upd.RoleType
	}
	if upd.Permissions != nil {
		perms, err := tx.knownPermissions(upd.Permissions)
		if err != nil {
			return Role{}, err
		}
		r.Permissions = perms
	}
	r.Version++
	r.UpdatedAt = tx.now
	tx.putRole(r)
	return r, nil
}

// DeleteRole removes a custom role and drops it from every assignment. A
// role still used as a rule scope cannot be deleted.
func (tx *Tx) DeleteRole(id string, expectedVersion int64) error {
	r, ok := tx.snap.roles[id]
	if !ok {
		return errs.NotFound("role %s", id)
	}
	if r.IsSystemRole {
		return errs.Misconfigured("system role %s cannot be deleted", id)
	}
	if r.Version != expectedVersion {
		return errs.Conflict("role %s is at version %d, not %d", id, r.Version, expectedVersion)
	}
	for _, rule := range tx.snap.rules {
		if rule.ScopeRoleID == id {
			return errs.Misconfigured("role %s is the scope of rule %s", id, rule.ID)
		}
	}
	delete(tx.snap.roles, id)
	tx.changes.DeletedRoles = append(tx.changes.DeletedRoles, id)
	for user, a := range tx.snap.assignments {
		if a.RoleIDs.Has(id) {
			roles := a.RoleIDs.Clone()
			delete(roles, id)
			tx.putAssignment(Assignment{UserID: user, RoleIDs: roles, DirectPermissions: a.DirectPermissions})
		}
	}
	return nil
}

// PutRule creates a rule (empty ID) or replaces an existing one. When
// replacing, a non-zero Version must match the stored version.
func (tx *Tx) PutRule(r Rule) (Rule, error) {
	r.ID = strings.TrimSpace(r.ID)
	r.Name = strings.TrimSpace(r.Name)
	r.ResourceType = canonical(r.ResourceType)
	r.ScopeRoleID = strings.TrimSpace(r.ScopeRoleID)
	if r.Name == "" || r.ResourceType == "" {
		return Rule{}, errs.Validation("rule name and resource_type are required")
	}
	expr, err := condition.Parse(r.Condition)
	if err != nil {
		return Rule{}, errs.Misconfigured("rule %q: %v", r.Name, err)
	}
	r.Expr = expr
	r.Condition = expr.String()
	if r.ScopeRoleID != "" {
		if _, ok := tx.snap.roles[r.ScopeRoleID]; !ok {
			return Rule{}, errs.Misconfigured("rule %q references unknown role %s", r.Name, r.ScopeRoleID)
		}
	}
	if r.ID == "" {
		r.ID = ids.New()
		r.Version = 1
	} else if existing, ok := tx.snap.rules[r.ID]; ok {
		if r.Version != 0 && r.Version != existing.Version {
			return Rule{}, errs.Conflict("rule %s is at version %d, not %d", r.ID, existing.Version, r.Version)
		}
		r.Version = existing.Version + 1
	} else {
		r.Version = 1
	}
	r.UpdatedAt = tx.now
	tx.putRule(r)
	return r, nil
}

// DeactivateRule switches a rule off without deleting it.
func (tx *Tx) DeactivateRule(id string) (Rule, error) {
	existing, ok := tx.snap.rules[id]
	if !ok {
		return Rule{}, errs.NotFound("rule %s", id)
	}
	r := *existing
	r.IsActive = false
	r.Version++
	r.UpdatedAt = tx.now
	tx.putRule(r)
	return r, nil
}

// AssignRoles replaces the user's role set.
func (tx *Tx) AssignRoles(userID string, roleIDs []string) (Assignment, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Assignment{}, errs.Validation("user_id is required")
	}
	roles := NewSet(roleIDs...)
	for id := range roles {
		if _, ok := tx.snap.roles[id]; !ok {
			return Assignment{}, errs.NotFound("role %s", id)
		}
	}
	cur := tx.snap.Assignment(userID)
	a := Assignment{UserID: userID, RoleIDs: roles, DirectPermissions: cur.DirectPermissions}
	tx.putAssignment(a)
	return a, nil
}

// RevokeRole removes one role from the user.
func (tx *Tx) RevokeRole(userID, roleID string) (Assignment, error) {
	cur := tx.snap.Assignment(userID)
	if !cur.RoleIDs.Has(roleID) {
		return Assignment{}, errs.NotFound("user %s does not hold role %s", userID, roleID)
	}
	roles := cur.RoleIDs.Clone()
	delete(roles, roleID)
	a := Assignment{UserID: userID, RoleIDs: roles, DirectPermissions: cur.DirectPermissions}
	tx.putAssignment(a)
	return a, nil
}

// GrantPermissions replaces the user's direct permission grants.
func (tx *Tx) GrantPermissions(userID string, codes []string) (Assignment, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Assignment{}, errs.Validation("user_id is required")
	}
	perms, err := tx.knownPermissions(codes)
	if err != nil {
		return Assignment{}, err
	}
	cur := tx.snap.Assignment(userID)
	a := Assignment{UserID: userID, RoleIDs: cur.RoleIDs, DirectPermissions: perms}
	tx.putAssignment(a)
	return a, nil
}

// canonical is the form access requests are matched in: resource types and
// permission codes compare upper-case.
func canonical(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func (tx *Tx) knownPermissions(codes []string) (Set, error) {
	set := make(Set, len(codes))
	for _, code := range codes {
		if code = canonical(code); code != "" {
			set[code] = struct{}{}
		}
	}
	for code := range set {
		if _, ok := tx.snap.permissions[code]; !ok {
			return nil, errs.NotFound("permission %s", code)
		}
	}
	return set, nil
}

func (tx *Tx) putRole(r Role) {
	tx.snap.roles[r.ID] = r
	tx.changes.Roles = append(tx.changes.Roles, r)
}

func (tx *Tx) putRule(r Rule) {
	tx.snap.rules[r.ID] = &r
	tx.changes.Rules = append(tx.changes.Rules, r)
}

func (tx *Tx) putAssignment(a Assignment) {
	tx.snap.assignments[a.UserID] = a
	tx.changes.Assignments = append(tx.changes.Assignments, a)
}
