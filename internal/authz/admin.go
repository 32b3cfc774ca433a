package authz

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"medguard.org/internal/audit"
	"medguard.org/internal/ids"
	"medguard.org/internal/obs"
	"medguard.org/internal/policy"
)

// Admin applies administrator policy edits and audits each successful one
// as a POLICY_CHANGE entry.
type Admin struct {
	store    *policy.Store
	resolver *policy.Resolver
	recorder Recorder
	log      logrus.FieldLogger
}

func NewAdmin(store *policy.Store, resolver *policy.Resolver, rec Recorder) *Admin {
	if resolver == nil {
		resolver = policy.NewResolver(0)
	}
	return &Admin{store: store, resolver: resolver, recorder: rec, log: obs.Component("policy-admin")}
}

// Snapshot returns the current policy snapshot.
func (a *Admin) Snapshot() *policy.Snapshot { return a.store.Load() }

// Effective resolves userID against the current snapshot.
func (a *Admin) Effective(userID string) policy.Effective {
	return a.resolver.Resolve(userID, a.store.Load())
}

type change struct {
	action       string
	resourceType string
	resourceID   string
}

func (a *Admin) apply(ctx context.Context, actor string, c func(*policy.Tx) (change, error)) error {
	var ch change
	snap, changes, err := a.store.Update(ctx, func(tx *policy.Tx) error {
		var err error
		ch, err = c(tx)
		return err
	})
	if err != nil {
		return err
	}
	if changes.Empty() {
		return nil
	}
	corr := audit.CorrelationID(ctx)
	if corr == "" {
		corr = ids.Correlation()
	}
	entry := audit.Entry{
		EventType:     audit.EventPolicyChange,
		EventCategory: audit.CategoryAdministrative,
		Action:        ch.action,
		ResourceType:  ch.resourceType,
		ResourceID:    ch.resourceID,
		UserID:        actor,
		IsSuccess:     true,
		Reason:        fmt.Sprintf("policy version %d", snap.Version()),
		CorrelationID: corr,
		Seq:           1,
	}
	if _, err := a.recorder.Submit(ctx, entry); err != nil {
		a.log.WithError(err).WithField("version", snap.Version()).Warn("policy change not audited")
	}
	a.log.WithFields(logrus.Fields{
		"actor":    actor,
		"action":   ch.action,
		"resource": ch.resourceType + "/" + ch.resourceID,
		"version":  snap.Version(),
	}).Info("policy changed")
	return nil
}

func (a *Admin) CreateRole(ctx context.Context, actor string, r policy.Role) (policy.Role, error) {
	var out policy.Role
	err := a.apply(ctx, actor, func(tx *policy.Tx) (change, error) {
		var err error
		out, err = tx.CreateRole(r)
		return change{"CREATE_ROLE", "ROLE", out.ID}, err
	})
	return out, err
}

func (a *Admin) UpdateRole(ctx context.Context, actor, id string, version int64, upd policy.RoleUpdate) (policy.Role, error) {
	var out policy.Role
	err := a.apply(ctx, actor, func(tx *policy.Tx) (change, error) {
		var err error
		out, err = tx.UpdateRole(id, version, upd)
		return change{"UPDATE_ROLE", "ROLE", id}, err
	})
	return out, err
}

func (a *Admin) DeleteRole(ctx context.Context, actor, id string, version int64) error {
	return a.apply(ctx, actor, func(tx *policy.Tx) (change, error) {
		return change{"DELETE_ROLE", "ROLE", id}, tx.DeleteRole(id, version)
	})
}

func (a *Admin) AddPermission(ctx context.Context, actor string, p policy.Permission) (policy.Permission, error) {
	var out policy.Permission
	err := a.apply(ctx, actor, func(tx *policy.Tx) (change, error) {
		var err error
		out, err = tx.AddPermission(p)
		return change{"ADD_PERMISSION", "PERMISSION", p.Code}, err
	})
	return out, err
}

func (a *Admin) PutRule(ctx context.Context, actor string, r policy.Rule) (policy.Rule, error) {
	var out policy.Rule
	err := a.apply(ctx, actor, func(tx *policy.Tx) (change, error) {
		var err error
		out, err = tx.PutRule(r)
		return change{"PUT_RULE", "RULE", out.ID}, err
	})
	return out, err
}

func (a *Admin) DeactivateRule(ctx context.Context, actor, id string) (policy.Rule, error) {
	var out policy.Rule
	err := a.apply(ctx, actor, func(tx *policy.Tx) (change, error) {
		var err error
		out, err = tx.DeactivateRule(id)
		return change{"DEACTIVATE_RULE", "RULE", id}, err
	})
	return out, err
}

func (a *Admin) AssignRoles(ctx context.Context, actor, userID string, roleIDs []string) (policy.Assignment, error) {
	var out policy.Assignment
	err := a.apply(ctx, actor, func(tx *policy.Tx) (change, error) {
		var err error
		out, err = tx.AssignRoles(userID, roleIDs)
		return change{"ASSIGN_ROLES", "USER", strings.TrimSpace(userID)}, err
	})
	return out, err
}

func (a *Admin) RevokeRole(ctx context.Context, actor, userID, roleID string) (policy.Assignment, error) {
	var out policy.Assignment
	err := a.apply(ctx, actor, func(tx *policy.Tx) (change, error) {
		var err error
		out, err = tx.RevokeRole(userID, roleID)
		return change{"REVOKE_ROLE", "USER", userID}, err
	})
	return out, err
}

func (a *Admin) GrantPermissions(ctx context.Context, actor, userID string, codes []string) (policy.Assignment, error) {
	var out policy.Assignment
	err := a.apply(ctx, actor, func(tx *policy.Tx) (change, error) {
		var err error
		out, err = tx.GrantPermissions(userID, codes)
		return change{"GRANT_PERMISSIONS", "USER", strings.TrimSpace(userID)}, err
	})
	return out, err
}
