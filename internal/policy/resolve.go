package policy

import "sync"

// Effective is a principal's resolved grants for one snapshot version.
type Effective struct {
	UserID      string
	Version     int64
	Roles       Set
	Permissions Set
}

func (e Effective) HasPermission(code string) bool { return e.Permissions.Has(code) }

// HasAny reports whether any of codes is held.
func (e Effective) HasAny(codes ...string) bool {
	for _, c := range codes {
		if e.Permissions.Has(c) {
			return true
		}
	}
	return false
}

// Resolve computes the union of the permissions of every role assigned to
// userID plus the user's direct grants. It is a pure function of its inputs.
func Resolve(userID string, snap *Snapshot) Effective {
	a := snap.Assignment(userID)
	perms := a.DirectPermissions.Clone()
	roles := make(Set, len(a.RoleIDs))
	for id := range a.RoleIDs {
		role, ok := snap.Role(id)
		if !ok {
			continue
		}
		roles[id] = struct{}{}
		perms.Union(role.Permissions)
	}
	return Effective{UserID: userID, Version: snap.Version(), Roles: roles, Permissions: perms}
}

const defaultResolverCacheSize = 10_000

// Resolver memoizes Resolve per (user, snapshot version). The cache is
// dropped whenever a newer snapshot version is seen.
type Resolver struct {
	mu      sync.Mutex
	version int64
	max     int
	cache   map[string]Effective
}

func NewResolver(maxEntries int) *Resolver {
	if maxEntries <= 0 {
		maxEntries = defaultResolverCacheSize
	}
	return &Resolver{max: maxEntries, cache: make(map[string]Effective)}
}

// Resolve returns the cached result for (userID, snap.Version()) or computes it.
// Cached Effective values are shared and must be treated as read-only.
func (r *Resolver) Resolve(userID string, snap *Snapshot) Effective {
	v := snap.Version()
	r.mu.Lock()
	if v == r.version {
		if eff, ok := r.cache[userID]; ok {
			r.mu.Unlock()
			return eff
		}
	}
	r.mu.Unlock()

	eff := Resolve(userID, snap)

	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case v > r.version:
		r.version = v
		r.cache = make(map[string]Effective)
	case v < r.version:
		return eff
	}
	if len(r.cache) >= r.max {
		r.cache = make(map[string]Effective)
	}
	r.cache[userID] = eff
	return eff
}
