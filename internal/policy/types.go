package policy

import (
	"time"

	"medguard.org/internal/condition"
)

// Permission is an immutable capability, e.g. MEDICAL_RECORD_VIEW.
type Permission struct {
	Code               string `json:"code" yaml:"code"`
	Category           string `json:"category" yaml:"category"`
	ResourceType       string `json:"resource_type" yaml:"resource_type"`
	Description        string `json:"description,omitempty" yaml:"description"`
	IsPHIRelated       bool   `json:"is_phi_related" yaml:"phi"`
	IsSystemPermission bool   `json:"is_system_permission" yaml:"-"`
}

// RoleType classifies roles for reporting and rule scoping.
type RoleType string

const (
	RoleTypeSystem         RoleType = "SYSTEM"
	RoleTypeClinical       RoleType = "CLINICAL"
	RoleTypeAdministrative RoleType = "ADMINISTRATIVE"
	RoleTypeFinancial      RoleType = "FINANCIAL"
	RoleTypeCompliance     RoleType = "COMPLIANCE"
	RoleTypeCustom         RoleType = "CUSTOM"
)

func (t RoleType) Valid() bool {
	switch t {
	case RoleTypeSystem, RoleTypeClinical, RoleTypeAdministrative,
		RoleTypeFinancial, RoleTypeCompliance, RoleTypeCustom:
		return true
	}
	return false
}

// Role groups permission codes. System roles are seeded and immutable;
// custom roles change under optimistic concurrency on Version.
type Role struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	RoleType     RoleType  `json:"role_type"`
	IsSystemRole bool      `json:"is_system_role"`
	Permissions  Set       `json:"-"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Assignment is everything granted to one user.
type Assignment struct {
	UserID            string `json:"user_id"`
	RoleIDs           Set    `json:"-"`
	DirectPermissions Set    `json:"-"`
}

// Rule is a data-access rule. Condition holds the source text; Expr is the
// checked tree produced from it when the rule was written.
type Rule struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	ResourceType string          `json:"resource_type"`
	Condition    string          `json:"condition"`
	Expr         *condition.Expr `json:"-"`
	ScopeRoleID  string          `json:"scope_role_id,omitempty"`
	AllowAccess  bool            `json:"allow_access"`
	Priority     int             `json:"priority"`
	IsActive     bool            `json:"is_active"`
	Version      int64           `json:"version"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Precedes reports whether r is evaluated before o: higher priority first,
// then ascending ID.
func (r *Rule) Precedes(o *Rule) bool {
	if r.Priority != o.Priority {
		return r.Priority > o.Priority
	}
	return r.ID < o.ID
}

// State is the raw policy content a Persister loads and a Snapshot is built from.
type State struct {
	Version     int64
	Permissions []Permission
	Roles       []Role
	Rules       []Rule
	Assignments []Assignment
}

// Changes lists what one Update touched, in a form a Persister can write.
type Changes struct {
	Permissions  []Permission
	Roles        []Role
	DeletedRoles []string
	Rules        []Rule
	Assignments  []Assignment
}

func (c Changes) Empty() bool {
	return len(c.Permissions) == 0 && len(c.Roles) == 0 && len(c.DeletedRoles) == 0 &&
		len(c.Rules) == 0 && len(c.Assignments) == 0
}
