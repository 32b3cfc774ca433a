package policy

import (
	"cmp"
	"slices"
	"time"

	"medguard.org/internal/condition"
	"medguard.org/internal/errs"
)

// Snapshot is an immutable, versioned view of the whole policy. Readers get
// it from Store.Load and may use it for as long as they like; nothing inside
// is ever modified after construction.
type Snapshot struct {
	version     int64
	builtAt     time.Time
	permissions map[string]Permission
	roles       map[string]Role
	rules       map[string]*Rule
	byResource  map[string][]*Rule
	assignments map[string]Assignment
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		permissions: map[string]Permission{},
		roles:       map[string]Role{},
		rules:       map[string]*Rule{},
		byResource:  map[string][]*Rule{},
		assignments: map[string]Assignment{},
	}
}

// Build constructs a snapshot from persisted state, re-parsing rule
// conditions and validating every invariant.
func Build(st State, builtAt time.Time) (*Snapshot, error) {
	s := emptySnapshot()
	s.version = st.Version
	s.builtAt = builtAt
	for _, p := range st.Permissions {
		if _, dup := s.permissions[p.Code]; dup {
			return nil, errs.Misconfigured("duplicate permission code %s", p.Code)
		}
		s.permissions[p.Code] = p
	}
	for _, r := range st.Roles {
		if _, dup := s.roles[r.ID]; dup {
			return nil, errs.Misconfigured("duplicate role id %s", r.ID)
		}
		if r.Permissions == nil {
			r.Permissions = Set{}
		}
		s.roles[r.ID] = r
	}
	for i := range st.Rules {
		r := st.Rules[i]
		if r.Expr == nil {
			expr, err := condition.Parse(r.Condition)
			if err != nil {
				return nil, errs.Misconfigured("rule %s: %v", r.ID, err)
			}
			r.Expr = expr
		}
		if _, dup := s.rules[r.ID]; dup {
			return nil, errs.Misconfigured("duplicate rule id %s", r.ID)
		}
		s.rules[r.ID] = &r
	}
	for _, a := range st.Assignments {
		if a.RoleIDs == nil {
			a.RoleIDs = Set{}
		}
		if a.DirectPermissions == nil {
			a.DirectPermissions = Set{}
		}
		s.assignments[a.UserID] = a
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	s.index()
	return s, nil
}

func (s *Snapshot) index() {
	s.byResource = make(map[string][]*Rule)
	for _, r := range s.rules {
		if !r.IsActive {
			continue
		}
		s.byResource[r.ResourceType] = append(s.byResource[r.ResourceType], r)
	}
	for rt, rules := range s.byResource {
		slices.SortFunc(rules, compareRules)
		s.byResource[rt] = rules
	}
}

func compareRules(a, b *Rule) int {
	switch {
	case a.Precedes(b):
		return -1
	case b.Precedes(a):
		return 1
	}
	return 0
}

func (s *Snapshot) validate() error {
	for id, r := range s.roles {
		for code := range r.Permissions {
			if _, ok := s.permissions[code]; !ok {
				return errs.Misconfigured("role %s grants unknown permission %s", id, code)
			}
		}
	}
	for id, r := range s.rules {
		if r.ScopeRoleID != "" {
			if _, ok := s.roles[r.ScopeRoleID]; !ok {
				return errs.Misconfigured("rule %s references unknown role %s", id, r.ScopeRoleID)
			}
		}
		if r.Expr == nil {
			return errs.Misconfigured("rule %s has no parsed condition", id)
		}
		if err := condition.Check(r.Expr); err != nil {
			return errs.Misconfigured("rule %s: %v", id, err)
		}
	}
	for user, a := range s.assignments {
		for id := range a.RoleIDs {
			if _, ok := s.roles[id]; !ok {
				return errs.Misconfigured("user %s assigned unknown role %s", user, id)
			}
		}
		for code := range a.DirectPermissions {
			if _, ok := s.permissions[code]; !ok {
				return errs.Misconfigured("user %s granted unknown permission %s", user, code)
			}
		}
	}
	return nil
}

// clone returns a shallow copy whose maps can be modified independently.
// Role, rule and assignment values are replaced, never edited in place.
func (s *Snapshot) clone() *Snapshot {
	c := emptySnapshot()
	c.version = s.version
	for k, v := range s.permissions {
		c.permissions[k] = v
	}
	for k, v := range s.roles {
		c.roles[k] = v
	}
	for k, v := range s.rules {
		c.rules[k] = v
	}
	for k, v := range s.assignments {
		c.assignments[k] = v
	}
	return c
}

func (s *Snapshot) Version() int64     { return s.version }
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

func (s *Snapshot) Permission(code string) (Permission, bool) {
	p, ok := s.permissions[code]
	return p, ok
}

func (s *Snapshot) Role(id string) (Role, bool) {
	r, ok := s.roles[id]
	return r, ok
}

func (s *Snapshot) Rule(id string) (*Rule, bool) {
	r, ok := s.rules[id]
	return r, ok
}

// Assignment returns the user's grants; unknown users get an empty assignment.
func (s *Snapshot) Assignment(userID string) Assignment {
	if a, ok := s.assignments[userID]; ok {
		return a
	}
	return Assignment{UserID: userID, RoleIDs: Set{}, DirectPermissions: Set{}}
}

// RulesFor returns the active rules for a resource type in evaluation order.
// The returned slice is shared and must not be modified.
func (s *Snapshot) RulesFor(resourceType string) []*Rule {
	return s.byResource[resourceType]
}

// Permissions lists the catalog sorted by code.
func (s *Snapshot) Permissions() []Permission {
	out := make([]Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Permission) int { return cmp.Compare(a.Code, b.Code) })
	return out
}

// Roles lists roles sorted by name, then ID.
func (s *Snapshot) Roles() []Role {
	out := make([]Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b Role) int {
		if c := cmp.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Rules lists every rule, active or not, in evaluation order.
func (s *Snapshot) Rules() []*Rule {
	out := make([]*Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	slices.SortFunc(out, compareRules)
	return out
}

// State exports the snapshot content, e.g. for a full rewrite by a Persister.
func (s *Snapshot) State() State {
	st := State{Version: s.version, Permissions: s.Permissions(), Roles: s.Roles()}
	for _, r := range s.Rules() {
		st.Rules = append(st.Rules, *r)
	}
	users := make([]string, 0, len(s.assignments))
	for u := range s.assignments {
		users = append(users, u)
	}
	slices.Sort(users)
	for _, u := range users {
		st.Assignments = append(st.Assignments, s.assignments[u])
	}
	return st
}
