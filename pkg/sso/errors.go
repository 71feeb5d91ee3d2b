package sso

import (
	"errors"
	"fmt"
)

// Sentinel errors for the SSO subsystem. Callers branch on these with
// errors.Is; wrapped messages carry the context.
var (
	// ErrReplayDetected signals assertion or token reuse. It is a
	// security event, never a retryable fault.
	ErrReplayDetected = errors.New("assertion replay detected")

	// ErrInvalidSession is the uniform result for a session that is
	// missing, expired, or revoked. Callers must not be able to tell
	// which.
	ErrInvalidSession = errors.New("invalid session")

	// ErrConfigurationDegraded means the configuration's consecutive
	// error threshold was exceeded.
	ErrConfigurationDegraded = errors.New("sso configuration degraded")

	// ErrCertificateExpired means the IdP certificate expiry has passed.
	ErrCertificateExpired = errors.New("idp certificate expired")

	// ErrProvisioningDisabled means no group mapped to a role and
	// auto-provisioning is off, so no default role applies.
	ErrProvisioningDisabled = errors.New("user provisioning disabled")

	// ErrConfigNotFound means the tenant has no SSO configuration.
	ErrConfigNotFound = errors.New("sso configuration not found")

	// ErrTenantMismatch means a caller referenced a resource owned by a
	// different tenant.
	ErrTenantMismatch = errors.New("resource belongs to a different tenant")

	// ErrConfigDisabled means the configuration exists but is not enabled.
	ErrConfigDisabled = errors.New("sso configuration disabled")
)

// ValidationError reports a malformed configuration or mapping at write time
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// IsValidationError reports whether err is (or wraps) a ValidationError
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
