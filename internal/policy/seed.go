package policy

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"medguard.org/internal/errs"
)

//go:embed default_seed.yaml
var defaultSeed []byte

// Seed is the deployment-time policy: system permissions, system roles and
// an optional set of starting rules and assignments.
type Seed struct {
	Permissions []Permission     `yaml:"permissions"`
	Roles       []SeedRole       `yaml:"roles"`
	Rules       []SeedRule       `yaml:"rules"`
	Assignments []SeedAssignment `yaml:"assignments"`
}

type SeedRole struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	RoleType    RoleType `yaml:"role_type"`
	Permissions []string `yaml:"permissions"`
}

type SeedRule struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	ResourceType string `yaml:"resource_type"`
	Condition    string `yaml:"condition"`
	ScopeRoleID  string `yaml:"scope_role_id"`
	AllowAccess  bool   `yaml:"allow"`
	Priority     int    `yaml:"priority"`
}

type SeedAssignment struct {
	UserID      string   `yaml:"user_id"`
	Roles       []string `yaml:"roles"`
	Permissions []string `yaml:"permissions"`
}

// ParseSeed decodes a YAML seed document, rejecting unknown fields.
func ParseSeed(r io.Reader) (Seed, error) {
	var s Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return Seed{}, errs.Validation("decode seed: %v", err)
	}
	return s, nil
}

// LoadSeedFile reads a seed from path, or the built-in seed when path is empty.
func LoadSeedFile(path string) (Seed, error) {
	if path == "" {
		return ParseSeed(bytes.NewReader(defaultSeed))
	}
	f, err := os.Open(path)
	if err != nil {
		return Seed{}, fmt.Errorf("open seed: %w", err)
	}
	defer f.Close()
	return ParseSeed(f)
}

// DefaultSeed returns the built-in seed.
func DefaultSeed() Seed {
	s, err := ParseSeed(bytes.NewReader(defaultSeed))
	if err != nil {
		panic(err)
	}
	return s
}

// Seed installs whatever part of seed is missing from the store. Existing
// permissions, roles, rules and assignments are left alone, so seeding an
// already seeded store is a no-op.
func (s *Store) Seed(ctx context.Context, seed Seed) (*Snapshot, error) {
	snap, _, err := s.update(ctx, true, func(tx *Tx) error {
		for _, p := range seed.Permissions {
			if _, ok := tx.snap.permissions[p.Code]; ok {
				continue
			}
			if _, err := tx.AddPermission(p); err != nil {
				return err
			}
		}
		for _, r := range seed.Roles {
			if _, ok := tx.snap.roles[r.ID]; ok {
				continue
			}
			if r.ID == "" {
				return errs.Validation("seed role %q needs an id", r.Name)
			}
			roleType := r.RoleType
			if roleType == "" {
				roleType = RoleTypeSystem
			}
			if _, err := tx.CreateRole(Role{
				ID:           r.ID,
				Name:         r.Name,
				Description:  r.Description,
				RoleType:     roleType,
				IsSystemRole: true,
				Permissions:  NewSet(r.Permissions...),
			}); err != nil {
				return fmt.Errorf("seed role %s: %w", r.ID, err)
			}
		}
		for _, r := range seed.Rules {
			if r.ID == "" {
				return errs.Validation("seed rule %q needs an id", r.Name)
			}
			if _, ok := tx.snap.rules[r.ID]; ok {
				continue
			}
			if _, err := tx.PutRule(Rule{
				ID:           r.ID,
				Name:         r.Name,
				ResourceType: r.ResourceType,
				Condition:    r.Condition,
				ScopeRoleID:  r.ScopeRoleID,
				AllowAccess:  r.AllowAccess,
				Priority:     r.Priority,
				IsActive:     true,
			}); err != nil {
				return fmt.Errorf("seed rule %s: %w", r.ID, err)
			}
		}
		for _, a := range seed.Assignments {
			if _, ok := tx.snap.assignments[a.UserID]; ok {
				continue
			}
			if _, err := tx.AssignRoles(a.UserID, a.Roles); err != nil {
				return fmt.Errorf("seed assignment %s: %w", a.UserID, err)
			}
			if len(a.Permissions) > 0 {
				if _, err := tx.GrantPermissions(a.UserID, a.Permissions); err != nil {
					return fmt.Errorf("seed assignment %s: %w", a.UserID, err)
				}
			}
		}
		return nil
	})
	return snap, err
}
