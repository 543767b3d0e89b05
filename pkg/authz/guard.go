package authz

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
)

// DefaultDraftApprovalExpr is the shipped draft-approval policy: approving a
// draft requires can_approve_drafts, and on the privacy queue additionally
// the privacy_officer or administrator role.
const DefaultDraftApprovalExpr = `permissions["can_approve_drafts"] && ` +
	`(queue_id != "QUEUE_PRIVACY_DSR" || ` +
	`roles.exists(r, r == "privacy_officer" || r == "administrator"))`

// DraftApprovalGuard evaluates a CEL expression over the request attributes
// of a draft approval.
type DraftApprovalGuard struct {
	program cel.Program
}

// NewDraftApprovalGuard compiles the shipped policy.
func NewDraftApprovalGuard() (*DraftApprovalGuard, error) {
	return NewDraftApprovalGuardExpr(DefaultDraftApprovalExpr)
}

// NewDraftApprovalGuardExpr compiles a custom boolean CEL expression with the
// variables queue_id (string), roles (list of string) and permissions
// (map string→bool).
func NewDraftApprovalGuardExpr(expr string) (*DraftApprovalGuard, error) {
	env, err := cel.NewEnv(
		cel.Variable("queue_id", cel.StringType),
		cel.Variable("roles", cel.ListType(cel.StringType)),
		cel.Variable("permissions", cel.MapType(cel.StringType, cel.BoolType)),
	)
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, ieimerr.Wrap(ieimerr.CodeConfigInvalid, issues.Err(), "compile draft approval guard")
	}
	if ast.OutputType() != cel.BoolType {
		return nil, ieimerr.New(ieimerr.CodeConfigInvalid, "draft approval guard must evaluate to a boolean")
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, ieimerr.Wrap(ieimerr.CodeConfigInvalid, err, "plan draft approval guard")
	}
	return &DraftApprovalGuard{program: program}, nil
}

// Allow evaluates the guard for one approval request.
func (g *DraftApprovalGuard) Allow(queueID string, roles []string, perms RolePermissions) (bool, error) {
	if roles == nil {
		roles = []string{}
	}
	out, _, err := g.program.Eval(map[string]any{
		"queue_id":    queueID,
		"roles":       roles,
		"permissions": perms.Map(),
	})
	if err != nil {
		return false, fmt.Errorf("evaluate draft approval guard: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("draft approval guard returned %T, want bool", out.Value())
	}
	return allowed, nil
}
