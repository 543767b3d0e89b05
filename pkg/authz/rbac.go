// Package authz decides what an authenticated actor may do: a role →
// permission matrix loaded from YAML, unioned across the actor's roles, plus
// CEL guard expressions for draft approvals.
package authz

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
)

// Permission names accepted by RolePermissions.Has.
const (
	PermViewRaw       = "can_view_raw"
	PermViewAudit     = "can_view_audit"
	PermApproveDrafts = "can_approve_drafts"
)

// RolePermissions is one row of the RBAC matrix.
type RolePermissions struct {
	CanViewRaw       bool `json:"can_view_raw"`
	CanViewAudit     bool `json:"can_view_audit"`
	CanApproveDrafts bool `json:"can_approve_drafts"`
}

// Has reports a single permission by name.
func (p RolePermissions) Has(perm string) (bool, error) {
	switch perm {
	case PermViewRaw:
		return p.CanViewRaw, nil
	case PermViewAudit:
		return p.CanViewAudit, nil
	case PermApproveDrafts:
		return p.CanApproveDrafts, nil
	default:
		return false, fmt.Errorf("unknown permission: %s", perm)
	}
}

// Union ors two permission rows.
func (p RolePermissions) Union(other RolePermissions) RolePermissions {
	return RolePermissions{
		CanViewRaw:       p.CanViewRaw || other.CanViewRaw,
		CanViewAudit:     p.CanViewAudit || other.CanViewAudit,
		CanApproveDrafts: p.CanApproveDrafts || other.CanApproveDrafts,
	}
}

// Map renders the row for CEL activations.
func (p RolePermissions) Map() map[string]bool {
	return map[string]bool{
		PermViewRaw:       p.CanViewRaw,
		PermViewAudit:     p.CanViewAudit,
		PermApproveDrafts: p.CanApproveDrafts,
	}
}

// RBACConfig holds the role → permissions matrix.
type RBACConfig struct {
	RoleMappings map[string]RolePermissions
}

// PermissionsForRoles unions the rows of every known role; unknown roles
// contribute nothing.
func (c *RBACConfig) PermissionsForRoles(roles []string) RolePermissions {
	perms := RolePermissions{}
	for _, r := range roles {
		if row, ok := c.RoleMappings[r]; ok {
			perms = perms.Union(row)
		}
	}
	return perms
}

type yamlRolePermissions struct {
	CanViewRaw       *bool `yaml:"can_view_raw"`
	CanViewAudit     *bool `yaml:"can_view_audit"`
	CanApproveDrafts *bool `yaml:"can_approve_drafts"`
}

type yamlRBACDoc struct {
	RBAC *struct {
		RoleMappings map[string]*yamlRolePermissions `yaml:"role_mappings"`
	} `yaml:"rbac"`
}

// LoadRBACConfig reads and validates the `rbac.role_mappings` section of the
// runtime YAML. Every permission flag must be an explicit boolean.
func LoadRBACConfig(path string) (*RBACConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, ieimerr.Wrap(ieimerr.CodeConfigInvalid, err, "read rbac config")
	}
	var doc yamlRBACDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, ieimerr.Wrap(ieimerr.CodeConfigInvalid, err, "parse rbac config")
	}
	if doc.RBAC == nil || doc.RBAC.RoleMappings == nil {
		return nil, ieimerr.New(ieimerr.CodeConfigInvalid, "rbac.role_mappings must be a mapping")
	}

	out := map[string]RolePermissions{}
	for role, row := range doc.RBAC.RoleMappings {
		if role == "" {
			return nil, ieimerr.New(ieimerr.CodeConfigInvalid, "rbac.role_mappings.<role> must be a non-empty string")
		}
		if row == nil || row.CanViewRaw == nil || row.CanViewAudit == nil || row.CanApproveDrafts == nil {
			return nil, ieimerr.New(ieimerr.CodeConfigInvalid,
				"rbac.role_mappings.%s must set can_view_raw, can_view_audit and can_approve_drafts as booleans", role)
		}
		out[role] = RolePermissions{
			CanViewRaw:       *row.CanViewRaw,
			CanViewAudit:     *row.CanViewAudit,
			CanApproveDrafts: *row.CanApproveDrafts,
		}
	}
	if len(out) == 0 {
		return nil, ieimerr.New(ieimerr.CodeConfigInvalid, "rbac.role_mappings must define at least one role")
	}
	return &RBACConfig{RoleMappings: out}, nil
}
