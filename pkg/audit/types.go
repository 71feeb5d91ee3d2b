package audit

import "time"

// EventType represents the category of security event
type EventType string

const (
	// Authentication flow events
	EventTypeLoginSuccess   EventType = "sso.login_success"
	EventTypeLoginFailed    EventType = "sso.login_failed"
	EventTypeLoginRejected  EventType = "sso.login_rejected" // fail-closed or policy rejection
	EventTypeReplayDetected EventType = "sso.replay_detected"

	// Session lifecycle events
	EventTypeSessionRevoked EventType = "sso.session_revoked"
	EventTypeSingleLogout   EventType = "sso.single_logout"
	EventTypeSessionExpired EventType = "sso.session_expired"

	// Configuration lifecycle and degradation events
	EventTypeConfigCreated      EventType = "config.created"
	EventTypeConfigUpdated      EventType = "config.updated"
	EventTypeConfigDisabled     EventType = "config.disabled"
	EventTypeConfigDeleted      EventType = "config.deleted"
	EventTypeConfigDegraded     EventType = "config.degraded"
	EventTypeCertificateWarning EventType = "config.certificate_expiring"
	EventTypeCertificateExpired EventType = "config.certificate_expired"

	// Provisioning events
	EventTypeUserProvisioned EventType = "user.provisioned"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// Event is a single security event. Replay detections and configuration
// degradations always pass through here; the sink is the alerting surface
// for the subsystem.
type Event struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Subject identifiers; all scoped to TenantID
	TenantID        string `json:"tenant_id"`
	UserID          string `json:"user_id,omitempty"`
	ConfigurationID string `json:"configuration_id,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
	AssertionID     string `json:"assertion_id,omitempty"`

	// Request context
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	Message  string                 `json:"message,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}
