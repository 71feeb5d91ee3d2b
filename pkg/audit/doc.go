// Package audit is the security event sink for the SSO subsystem.
//
// Replay detections, configuration degradations, and session lifecycle
// changes are recorded as structured events. The DB-backed logger is the
// default sink; MultiLogger fans out to additional sinks (e.g. a
// forwarding alerter) without the emitting code knowing about them.
package audit
