// Package auth provides opaque session token generation and the tenant
// role lattice used by the SSO subsystem.
//
// Tokens are 256-bit random values with a "fedsso_" prefix. The raw token
// is returned to the caller exactly once; only its SHA256 hex digest is
// persisted, so a database compromise never exposes a usable bearer
// credential.
//
// Roles form a strict privilege order (admin > editor > viewer). When a
// federated user's IdP groups map to several roles, the most privileged
// one wins.
package auth
