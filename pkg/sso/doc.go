// Package sso implements multi-tenant identity federation session
// management: per-tenant provider configuration, attribute-to-profile
// mapping, claim-to-role resolution, just-in-time provisioning, replay
// prevention, and the full session lifecycle.
//
// # Trust Boundary
//
// The package sits downstream of protocol verification. Callers hand it
// assertions whose signatures and validity windows have already been
// checked; everything after that point — replay acceptance, gating on
// configuration health, provisioning, session issuance — belongs here.
//
// # Authentication Completion
//
//	manager := sso.NewSessionManager(db, configs, mappings, guard, provisioner, security, logger)
//	result, err := manager.CompleteAuthentication(ctx, sso.CompleteAuthInput{
//		TenantID:           tenantID,
//		Claims:             claims,
//		AssertionID:        assertionID,
//		AssertionType:      sso.AssertionTypeSAML,
//		AssertionExpiresAt: notOnOrAfter,
//	})
//
// The returned AuthResult carries the raw bearer token exactly once;
// only its SHA256 digest is persisted.
//
// # Replay Prevention
//
// Assertion identifiers are recorded with an insert that conflicts on
// (tenant_id, assertion_id, assertion_type). The conflict is the replay
// signal: the losing request is rejected, never retried.
//
// # Configuration Health
//
// Configurations move between pending_configuration, active,
// configuration_error, certificate_expiring, certificate_expired, and
// inactive. Error counts derive from the append-only auth event log;
// five consecutive failures degrade a configuration, and recovery
// requires an administrative update followed by a successful
// authentication.
package sso
