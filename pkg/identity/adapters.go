package identity

import (
	"context"
	"sort"
	"strings"
)

// PolicyRecord is a policy-system lookup result.
type PolicyRecord struct {
	PolicyID string
	IsActive bool
}

// ClaimRecord is a claims-system lookup result.
type ClaimRecord struct {
	ClaimID string
	IsOpen  bool
}

// PolicyAdapter resolves policy numbers against the policy system.
type PolicyAdapter interface {
	LookupByPolicyNumber(ctx context.Context, policyNumber string) (*PolicyRecord, error)
}

// ClaimsAdapter resolves claim numbers against the claims system.
type ClaimsAdapter interface {
	LookupByClaimNumber(ctx context.Context, claimNumber string) (*ClaimRecord, error)
}

// CRMAdapter maps sender addresses to their linked policy numbers.
type CRMAdapter interface {
	PolicyNumbersForSenderEmail(ctx context.Context, email string) ([]string, error)
}

// InMemoryPolicyAdapter accepts every number, or only the configured set.
type InMemoryPolicyAdapter struct {
	ValidPolicyNumbers map[string]bool
}

func (a InMemoryPolicyAdapter) LookupByPolicyNumber(_ context.Context, policyNumber string) (*PolicyRecord, error) {
	if a.ValidPolicyNumbers != nil && !a.ValidPolicyNumbers[policyNumber] {
		return nil, nil
	}
	return &PolicyRecord{PolicyID: "POL-" + policyNumber, IsActive: true}, nil
}

// InMemoryClaimsAdapter accepts every claim number, or only the configured set.
type InMemoryClaimsAdapter struct {
	ValidClaimNumbers map[string]bool
}

func (a InMemoryClaimsAdapter) LookupByClaimNumber(_ context.Context, claimNumber string) (*ClaimRecord, error) {
	claimNumber = strings.ToUpper(claimNumber)
	if a.ValidClaimNumbers != nil && !a.ValidClaimNumbers[claimNumber] {
		return nil, nil
	}
	return &ClaimRecord{ClaimID: claimNumber, IsOpen: true}, nil
}

// InMemoryCRMAdapter maps sender email to policy numbers, returned sorted.
type InMemoryCRMAdapter struct {
	EmailToPolicyNumbers map[string][]string
}

func (a InMemoryCRMAdapter) PolicyNumbersForSenderEmail(_ context.Context, email string) ([]string, error) {
	values := append([]string{}, a.EmailToPolicyNumbers[email]...)
	sort.Strings(values)
	return values, nil
}
