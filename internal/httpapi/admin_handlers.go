package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"medguard.org/internal/errs"
	"medguard.org/internal/policy"
)

type roleView struct {
	policy.Role
	PermissionCodes []string `json:"permissions"`
}

func viewRole(r policy.Role) roleView {
	return roleView{Role: r, PermissionCodes: r.Permissions.Sorted()}
}

type assignmentView struct {
	UserID            string   `json:"user_id"`
	RoleIDs           []string `json:"role_ids"`
	DirectPermissions []string `json:"direct_permissions"`
}

func viewAssignment(a policy.Assignment) assignmentView {
	return assignmentView{UserID: a.UserID, RoleIDs: a.RoleIDs.Sorted(), DirectPermissions: a.DirectPermissions.Sorted()}
}

type createRoleRequest struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	RoleType    policy.RoleType `json:"role_type"`
	Permissions []string        `json:"permissions"`
}

type updateRoleRequest struct {
	Version     int64            `json:"version"`
	Name        *string          `json:"name"`
	Description *string          `json:"description"`
	RoleType    *policy.RoleType `json:"role_type"`
	Permissions []string         `json:"permissions"`
}

type ruleRequest struct {
	Name         string `json:"name"`
	ResourceType string `json:"resource_type"`
	Condition    string `json:"condition"`
	ScopeRoleID  string `json:"scope_role_id"`
	AllowAccess  bool   `json:"allow_access"`
	Priority     int    `json:"priority"`
	IsActive     *bool  `json:"is_active"`
	Version      int64  `json:"version"`
}

type rolesRequest struct {
	RoleIDs []string `json:"role_ids"`
}

type permissionsRequest struct {
	Permissions []string `json:"permissions"`
}

func (a *API) PolicyInfo(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.authorize(w, r, policy.PermPolicyManage, policy.PermAuditView); !ok {
		return
	}
	snap := a.admin.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"version":     snap.Version(),
		"built_at":    snap.BuiltAt().Format(time.RFC3339Nano),
		"permissions": snap.Permissions(),
		"roles":       len(snap.Roles()),
		"rules":       len(snap.Rules()),
	})
}

func (a *API) ListRoles(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.authorize(w, r, policy.PermPolicyManage, policy.PermUserRoleManage); !ok {
		return
	}
	roles := a.admin.Snapshot().Roles()
	out := make([]roleView, 0, len(roles))
	for _, role := range roles {
		out = append(out, viewRole(role))
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": out})
}

func (a *API) CreateRole(w http.ResponseWriter, r *http.Request) {
	p, ok := a.authorize(w, r, policy.PermPolicyManage)
	if !ok {
		return
	}
	var req createRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		a.respondErr(w, r, err)
		return
	}
	role, err := a.admin.CreateRole(r.Context(), p.UserID, policy.Role{
		ID:          req.ID,
		Name:        req.Name,
		Description: strings.TrimSpace(req.Description),
		RoleType:    req.RoleType,
		Permissions: policy.NewSet(req.Permissions...),
	})
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewRole(role))
}

func (a *API) UpdateRole(w http.ResponseWriter, r *http.Request) {
	p, ok := a.authorize(w, r, policy.PermPolicyManage)
	if !ok {
		return
	}
	var req updateRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		a.respondErr(w, r, err)
		return
	}
	if req.Version <= 0 {
		a.respondErr(w, r, errs.Validation("version is required"))
		return
	}
	role, err := a.admin.UpdateRole(r.Context(), p.UserID, r.PathValue("id"), req.Version, policy.RoleUpdate{
		Name:        req.Name,
		Description: req.Description,
		RoleType:    req.RoleType,
		Permissions: req.Permissions,
	})
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewRole(role))
}

func (a *API) DeleteRole(w http.ResponseWriter, r *http.Request) {
	p, ok := a.authorize(w, r, policy.PermPolicyManage)
	if !ok {
		return
	}
	version, err := strconv.ParseInt(r.URL.Query().Get("version"), 10, 64)
	if err != nil || version <= 0 {
		a.respondErr(w, r, errs.Validation("version query parameter is required"))
		return
	}
	if err := a.admin.DeleteRole(r.Context(), p.UserID, r.PathValue("id"), version); err != nil {
		a.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) ListRules(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.authorize(w, r, policy.PermPolicyManage); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": a.admin.Snapshot().Rules()})
}

// PutRule creates a rule on POST and replaces the rule named in the path on PUT.
func (a *API) PutRule(w http.ResponseWriter, r *http.Request) {
	p, ok := a.authorize(w, r, policy.PermPolicyManage)
	if !ok {
		return
	}
	var req ruleRequest
	if err := decodeJSON(r, &req); err != nil {
		a.respondErr(w, r, err)
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	id := r.PathValue("id")
	rule, err := a.admin.PutRule(r.Context(), p.UserID, policy.Rule{
		ID:           id,
		Name:         req.Name,
		ResourceType: strings.ToUpper(req.ResourceType),
		Condition:    req.Condition,
		ScopeRoleID:  req.ScopeRoleID,
		AllowAccess:  req.AllowAccess,
		Priority:     req.Priority,
		IsActive:     active,
		Version:      req.Version,
	})
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	code := http.StatusOK
	if id == "" {
		code = http.StatusCreated
	}
	writeJSON(w, code, rule)
}

func (a *API) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	p, ok := a.authorize(w, r, policy.PermPolicyManage)
	if !ok {
		return
	}
	rule, err := a.admin.DeactivateRule(r.Context(), p.UserID, r.PathValue("id"))
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (a *API) AssignRoles(w http.ResponseWriter, r *http.Request) {
	p, ok := a.authorize(w, r, policy.PermUserRoleManage)
	if !ok {
		return
	}
	var req rolesRequest
	if err := decodeJSON(r, &req); err != nil {
		a.respondErr(w, r, err)
		return
	}
	asg, err := a.admin.AssignRoles(r.Context(), p.UserID, r.PathValue("id"), req.RoleIDs)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewAssignment(asg))
}

func (a *API) RevokeRole(w http.ResponseWriter, r *http.Request) {
	p, ok := a.authorize(w, r, policy.PermUserRoleManage)
	if !ok {
		return
	}
	asg, err := a.admin.RevokeRole(r.Context(), p.UserID, r.PathValue("id"), r.PathValue("role"))
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewAssignment(asg))
}

func (a *API) GrantPermissions(w http.ResponseWriter, r *http.Request) {
	p, ok := a.authorize(w, r, policy.PermUserRoleManage)
	if !ok {
		return
	}
	var req permissionsRequest
	if err := decodeJSON(r, &req); err != nil {
		a.respondErr(w, r, err)
		return
	}
	asg, err := a.admin.GrantPermissions(r.Context(), p.UserID, r.PathValue("id"), req.Permissions)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewAssignment(asg))
}

// EffectivePermissions is open to the user themselves and to user managers.
func (a *API) EffectivePermissions(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	p, ok := a.authorize(w, r)
	if !ok {
		return
	}
	if p.UserID != userID {
		if _, ok := a.authorize(w, r, policy.PermUserRoleManage, policy.PermPolicyManage); !ok {
			return
		}
	}
	eff := a.admin.Effective(userID)
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":        userID,
		"policy_version": eff.Version,
		"roles":          eff.Roles.Sorted(),
		"permissions":    eff.Permissions.Sorted(),
	})
}
