// Package ieimerr defines the error taxonomy shared by every pipeline stage,
// the API, and the CLI. Codes classify failures; callers branch on the code
// with errors.As/CodeOf, never on message text.
package ieimerr

import (
	"errors"
	"fmt"
)

// Code identifies a failure class.
type Code string

const (
	CodeConfigInvalid         Code = "CONFIG_INVALID"
	CodeNormalizationInvalid  Code = "NORMALIZATION_INVALID"
	CodeAVFailed              Code = "AV_FAILED"
	CodeLLMProviderError      Code = "LLM_PROVIDER_ERROR"
	CodeLLMContractViolation  Code = "LLM_CONTRACT_VIOLATION"
	CodeLLMCapExceeded        Code = "LLM_CAP_EXCEEDED"
	CodeRulesInvalid          Code = "RULES_INVALID"
	CodeRouteNoMatch          Code = "ROUTE_NO_MATCH"
	CodeImmutabilityViolation Code = "IMMUTABILITY_VIOLATION"
	CodeAuditChainBroken      Code = "AUDIT_CHAIN_BROKEN"
	CodeETagMismatch          Code = "ETAG_MISMATCH"
	CodeIdempotencyReplay     Code = "IDEMPOTENCY_REPLAY"
	CodePermissionDenied      Code = "PERMISSION_DENIED"
	CodeNotFound              Code = "NOT_FOUND"
	CodeAdapterUnavailable    Code = "ADAPTER_UNAVAILABLE"
	CodeArtifactAmbiguous     Code = "ARTIFACT_AMBIGUOUS"
)

// CLI exit codes. Pipeline commands map error codes onto these.
const (
	ExitOK                    = 0
	ExitRuleViolation         = 1
	ExitInputInvalid          = 10
	ExitReviewRequired        = 30
	ExitDependencyUnavailable = 40
	ExitIntegrityFailure      = 60
)

// Error carries a taxonomy code plus a human-readable message and an
// optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a coded error.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error around a cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf extracts the taxonomy code from any error in the chain. Errors
// without a code report as empty string.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether any error in the chain carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// ExitCode maps a taxonomy code onto the documented CLI exit codes.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch CodeOf(err) {
	case CodeConfigInvalid, CodeNormalizationInvalid, CodeRulesInvalid:
		return ExitInputInvalid
	case CodeAdapterUnavailable, CodeLLMProviderError, CodeLLMCapExceeded:
		return ExitDependencyUnavailable
	case CodeImmutabilityViolation, CodeAuditChainBroken:
		return ExitIntegrityFailure
	default:
		return ExitRuleViolation
	}
}
