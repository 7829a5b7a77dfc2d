package ldap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// ErrorCategory represents different categories of LDAP errors.
type ErrorCategory string

const (
	ErrorCategoryConnection     ErrorCategory = "connection"
	ErrorCategoryAuthentication ErrorCategory = "authentication"
	ErrorCategoryPermission     ErrorCategory = "permission"
	ErrorCategoryNotFound       ErrorCategory = "not_found"
	ErrorCategoryConflict       ErrorCategory = "conflict"
	ErrorCategoryNotEmpty       ErrorCategory = "not_empty"
	ErrorCategoryLimitExceeded  ErrorCategory = "limit_exceeded"
	ErrorCategoryValidation     ErrorCategory = "validation"
	ErrorCategoryServer         ErrorCategory = "server"
	ErrorCategoryUnknown        ErrorCategory = "unknown"
)

// LDAPError provides enhanced error information for LDAP operations.
type LDAPError struct {
	Operation string        // The operation that failed
	Category  ErrorCategory // Error category
	LDAPCode  uint16        // LDAP result code
	Message   string        // Human-readable message
	ServerMsg string        // Server-provided message
	DN        string        // DN involved in the operation (if applicable)
	Retryable bool          // Whether the error is retryable
	Cause     error         // Underlying error
}

func (e *LDAPError) Error() string {
	var parts []string

	if e.LDAPCode > 0 {
		parts = append(parts, fmt.Sprintf("LDAP %s failed (code %d)", e.Operation, e.LDAPCode))
	} else {
		parts = append(parts, fmt.Sprintf("LDAP %s failed", e.Operation))
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	if e.ServerMsg != "" && e.ServerMsg != e.Message {
		parts = append(parts, fmt.Sprintf("server: %s", e.ServerMsg))
	}

	if e.DN != "" {
		parts = append(parts, fmt.Sprintf("DN: %s", e.DN))
	}

	return strings.Join(parts, " - ")
}

func (e *LDAPError) IsRetryable() bool {
	return e.Retryable
}

func (e *LDAPError) Unwrap() error {
	return e.Cause
}

// NewLDAPError creates a new LDAP error.
func NewLDAPError(operation string, err error) *LDAPError {
	if err == nil {
		return nil
	}

	ldapErr := &LDAPError{
		Operation: operation,
		Cause:     err,
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		ldapErr.LDAPCode = resultErr.ResultCode
		if resultErr.Err != nil {
			ldapErr.ServerMsg = resultErr.Err.Error()
		}
		ldapErr.Category = categorizeError(resultErr.ResultCode)
		ldapErr.Retryable = isLDAPCodeRetryable(resultErr.ResultCode)
		ldapErr.Message = getLDAPCodeMessage(resultErr.ResultCode)
	} else {
		ldapErr.Category = categorizeGenericError(err)
		ldapErr.Retryable = isGenericErrorRetryable(err)
		ldapErr.Message = err.Error()
	}

	return ldapErr
}

// WrapError wraps an error with operation and DN context.
func WrapError(operation, dn string, err error) error {
	if err == nil {
		return nil
	}

	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		if ldapErr.Operation == "" {
			ldapErr.Operation = operation
		}
		if ldapErr.DN == "" {
			ldapErr.DN = dn
		}
		return err
	}

	wrapped := NewLDAPError(operation, err)
	wrapped.DN = dn
	return wrapped
}

// categorizeError categorizes an error based on LDAP result code.
func categorizeError(code uint16) ErrorCategory {
	switch code {
	case ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultInappropriateAuthentication,
		ldap.LDAPResultStrongAuthRequired:
		return ErrorCategoryAuthentication

	case ldap.LDAPResultInsufficientAccessRights,
		ldap.LDAPResultUnwillingToPerform:
		return ErrorCategoryPermission

	case ldap.LDAPResultNoSuchObject,
		ldap.LDAPResultNoSuchAttribute,
		ldap.LDAPResultUndefinedAttributeType:
		return ErrorCategoryNotFound

	case ldap.LDAPResultNotAllowedOnNonLeaf:
		return ErrorCategoryNotEmpty

	case ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultSizeLimitExceeded,
		ldap.LDAPResultAdminLimitExceeded:
		return ErrorCategoryLimitExceeded

	case ldap.LDAPResultEntryAlreadyExists,
		ldap.LDAPResultAttributeOrValueExists,
		ldap.LDAPResultObjectClassViolation:
		return ErrorCategoryConflict

	case ldap.LDAPResultInvalidAttributeSyntax,
		ldap.LDAPResultConstraintViolation,
		ldap.LDAPResultInvalidDNSyntax,
		ldap.LDAPResultNamingViolation,
		ldap.LDAPResultNotAllowedOnRDN:
		return ErrorCategoryValidation

	case ldap.LDAPResultServerDown,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultBusy:
		return ErrorCategoryServer

	case ldap.LDAPResultConnectError,
		ldap.LDAPResultProtocolError,
		ldap.ErrorNetwork:
		return ErrorCategoryConnection

	default:
		return ErrorCategoryUnknown
	}
}

// categorizeGenericError categorizes non-LDAP errors.
func categorizeGenericError(err error) ErrorCategory {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return ErrorCategoryConnection
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "broken pipe") {
		return ErrorCategoryConnection
	}

	if strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "credentials") {
		return ErrorCategoryAuthentication
	}

	return ErrorCategoryUnknown
}

// isLDAPCodeRetryable determines if an LDAP result code indicates a transient condition.
// Limit codes are not retryable: callers treat them as a partial result.
func isLDAPCodeRetryable(code uint16) bool {
	switch code {
	case ldap.LDAPResultBusy,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultServerDown,
		ldap.LDAPResultConnectError,
		ldap.ErrorNetwork:
		return true
	default:
		return false
	}
}

// isGenericErrorRetryable determines if a generic error is retryable.
func isGenericErrorRetryable(err error) bool {
	errStr := strings.ToLower(err.Error())

	retryablePatterns := []string{
		"connection reset",
		"broken pipe",
		"timeout",
		"temporary failure",
		"server temporarily unavailable",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// getLDAPCodeMessage returns a human-readable message for an LDAP result code.
func getLDAPCodeMessage(code uint16) string {
	switch code {
	case ldap.LDAPResultNotAllowedOnNonLeaf:
		return "Operation not allowed on non-leaf entry"
	case ldap.LDAPResultTimeLimitExceeded:
		return "Time limit exceeded"
	case ldap.LDAPResultSizeLimitExceeded:
		return "Size limit exceeded"
	case ldap.LDAPResultAdminLimitExceeded:
		return "Administrative limit exceeded"
	}

	if msg, ok := ldap.LDAPResultCodeMap[code]; ok {
		return msg
	}
	return fmt.Sprintf("Unknown LDAP error (code %d)", code)
}

// ResultCode extracts the LDAP result code carried by err, looking through
// wrapping layers.
func ResultCode(err error) (uint16, bool) {
	if err == nil {
		return 0, false
	}

	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) && ldapErr.LDAPCode > 0 {
		return ldapErr.LDAPCode, true
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		return resultErr.ResultCode, true
	}

	return 0, false
}

// IsRetryableError checks if an error is retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.IsRetryable()
	}

	if code, ok := ResultCode(err); ok {
		return isLDAPCodeRetryable(code)
	}

	return isGenericErrorRetryable(err)
}

// GetErrorCategory returns the category of an error.
func GetErrorCategory(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryUnknown
	}

	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) && ldapErr.Category != "" {
		return ldapErr.Category
	}

	if code, ok := ResultCode(err); ok {
		return categorizeError(code)
	}

	return categorizeGenericError(err)
}

// IsNotEmptyError reports whether the directory refused the operation
// because the entry has children.
func IsNotEmptyError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryNotEmpty
}

// IsLimitExceededError reports whether the server stopped early because of a
// time, size or administrative limit (result codes 3, 4 and 11).
func IsLimitExceededError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryLimitExceeded
}

// IsAlreadyExistsError reports whether an add collided with an existing entry.
func IsAlreadyExistsError(err error) bool {
	code, ok := ResultCode(err)
	return ok && code == ldap.LDAPResultEntryAlreadyExists
}

// IsNotFoundError checks if an error indicates a "not found" condition.
func IsNotFoundError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryNotFound
}

// IsConflictError checks if an error indicates a conflict.
func IsConflictError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryConflict
}

// ErrEntryNotReturned is returned when a read-back after a successful
// update finds nothing.
var ErrEntryNotReturned = errors.New("entry not returned by the server")

// IsConnectionError checks if an error is a transport failure.
func IsConnectionError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryConnection
}

// ModificationError is a fatal directory-side rejection of a mutation. The
// enclosing task aborts the failing element and leaves the cache untouched
// for it.
type ModificationError struct {
	Operation string
	DN        string
	Cause     error
}

func (e *ModificationError) Error() string {
	if e.DN == "" {
		return fmt.Sprintf("%s failed: %v", e.Operation, e.Cause)
	}
	return fmt.Sprintf("%s of %q failed: %v", e.Operation, e.DN, e.Cause)
}

func (e *ModificationError) Unwrap() error {
	return e.Cause
}

// NewModificationError wraps cause as a fatal modification failure. Errors
// that already are modification errors are returned unchanged.
func NewModificationError(operation, dn string, cause error) error {
	if cause == nil {
		return nil
	}

	var modErr *ModificationError
	if errors.As(cause, &modErr) {
		return cause
	}

	return &ModificationError{Operation: operation, DN: dn, Cause: cause}
}
