package authz_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ieim/pkg/authz"
	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
)

const rbacYAML = `rbac:
  role_mappings:
    agent:
      can_view_raw: false
      can_view_audit: false
      can_approve_drafts: false
    supervisor:
      can_view_raw: true
      can_view_audit: true
      can_approve_drafts: true
    auditor:
      can_view_raw: false
      can_view_audit: true
      can_approve_drafts: false
`

func writeRBAC(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rbac.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestPermissionsUnionAcrossRoles(t *testing.T) {
	cfg, err := authz.LoadRBACConfig(writeRBAC(t, rbacYAML))
	require.NoError(t, err)

	perms := cfg.PermissionsForRoles([]string{"agent", "auditor"})
	assert.False(t, perms.CanViewRaw)
	assert.True(t, perms.CanViewAudit)
	assert.False(t, perms.CanApproveDrafts)

	perms = cfg.PermissionsForRoles([]string{"agent", "supervisor"})
	assert.True(t, perms.CanViewRaw)
	assert.True(t, perms.CanApproveDrafts)

	// unknown roles contribute nothing
	perms = cfg.PermissionsForRoles([]string{"ghost"})
	assert.Equal(t, authz.RolePermissions{}, perms)

	ok, err := perms.Has(authz.PermViewAudit)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = perms.Has("can_fly")
	assert.Error(t, err)
}

func TestLoadRBACConfigRejectsPartialRows(t *testing.T) {
	_, err := authz.LoadRBACConfig(writeRBAC(t, `rbac:
  role_mappings:
    agent:
      can_view_raw: false
      can_view_audit: false
`))
	require.Error(t, err)
	assert.Equal(t, ieimerr.CodeConfigInvalid, ieimerr.CodeOf(err))

	_, err = authz.LoadRBACConfig(writeRBAC(t, "rbac:\n  role_mappings: {}\n"))
	require.Error(t, err)
	assert.Equal(t, ieimerr.CodeConfigInvalid, ieimerr.CodeOf(err))

	_, err = authz.LoadRBACConfig(writeRBAC(t, "pack: {}\n"))
	require.Error(t, err)
	assert.Equal(t, ieimerr.CodeConfigInvalid, ieimerr.CodeOf(err))
}

func TestDraftApprovalGuardDefaultPolicy(t *testing.T) {
	guard, err := authz.NewDraftApprovalGuard()
	require.NoError(t, err)

	approver := authz.RolePermissions{CanApproveDrafts: true}

	allowed, err := guard.Allow("QUEUE_CLAIMS_INTAKE", []string{"supervisor"}, approver)
	require.NoError(t, err)
	assert.True(t, allowed)

	// privacy queue needs privacy_officer or administrator on top of the permission
	allowed, err = guard.Allow("QUEUE_PRIVACY_DSR", []string{"supervisor"}, approver)
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = guard.Allow("QUEUE_PRIVACY_DSR", []string{"privacy_officer"}, approver)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = guard.Allow("QUEUE_PRIVACY_DSR", []string{"administrator"}, approver)
	require.NoError(t, err)
	assert.True(t, allowed)

	// permission missing entirely
	allowed, err = guard.Allow("QUEUE_CLAIMS_INTAKE", []string{"administrator"}, authz.RolePermissions{})
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = guard.Allow("QUEUE_PRIVACY_DSR", nil, approver)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestDraftApprovalGuardCustomExpr(t *testing.T) {
	guard, err := authz.NewDraftApprovalGuardExpr(`queue_id == "QUEUE_TECH_SUPPORT"`)
	require.NoError(t, err)

	allowed, err := guard.Allow("QUEUE_TECH_SUPPORT", nil, authz.RolePermissions{})
	require.NoError(t, err)
	assert.True(t, allowed)

	_, err = authz.NewDraftApprovalGuardExpr(`queue_id ==`)
	require.Error(t, err)
	assert.Equal(t, ieimerr.CodeConfigInvalid, ieimerr.CodeOf(err))

	_, err = authz.NewDraftApprovalGuardExpr(`queue_id`)
	require.Error(t, err)
	assert.Equal(t, ieimerr.CodeConfigInvalid, ieimerr.CodeOf(err))
}
