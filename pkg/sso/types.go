package sso

import (
	"fmt"
	"net/url"
	"time"
)

// ProviderKind represents the federation protocol of a tenant's IdP
type ProviderKind string

const (
	ProviderKindSAML ProviderKind = "saml"
	ProviderKindOIDC ProviderKind = "oidc"
)

// ConfigStatus represents the health state of a tenant's SSO configuration
type ConfigStatus string

const (
	// StatusPendingConfiguration is the initial state; no successful
	// authentication has completed yet.
	StatusPendingConfiguration ConfigStatus = "pending_configuration"
	// StatusActive means at least one authentication succeeded and no
	// degradation has been detected since.
	StatusActive ConfigStatus = "active"
	// StatusConfigurationError is entered after the consecutive-error
	// threshold is reached.
	StatusConfigurationError ConfigStatus = "configuration_error"
	// StatusCertificateExpiring means the IdP certificate expires within
	// the warning window.
	StatusCertificateExpiring ConfigStatus = "certificate_expiring"
	// StatusCertificateExpired means the IdP certificate expiry has passed.
	StatusCertificateExpired ConfigStatus = "certificate_expired"
	// StatusInactive means an administrator disabled the configuration.
	StatusInactive ConfigStatus = "inactive"
)

// ErrorThreshold is the number of consecutive errors, with no intervening
// success, after which a configuration degrades to configuration_error.
const ErrorThreshold = 5

// Configuration is a tenant's SSO provider configuration. Exactly one
// exists per tenant.
type Configuration struct {
	ID           string       `json:"id"`
	TenantID     string       `json:"tenant_id"`
	ProviderKind ProviderKind `json:"provider_kind"`
	Enabled      bool         `json:"enabled"`
	// EnforceSSO makes SSO the only permitted authentication path for the
	// tenant; a degraded configuration then fails closed.
	EnforceSSO bool         `json:"enforce_sso"`
	Status     ConfigStatus `json:"status"`

	// Provider settings are a tagged variant: exactly the one matching
	// ProviderKind is set.
	SAMLSettings *SAMLSettings `json:"saml_settings,omitempty"`
	OIDCSettings *OIDCSettings `json:"oidc_settings,omitempty"`

	AllowedEmailDomains []string          `json:"allowed_email_domains,omitempty"`
	AutoProvision       bool              `json:"auto_provision"`
	DefaultRole         string            `json:"default_role"`
	GroupMapping        map[string]string `json:"group_mapping,omitempty"` // IdP group -> role

	CertificateFingerprint string     `json:"certificate_fingerprint,omitempty"`
	CertificateExpiresAt   *time.Time `json:"certificate_expires_at,omitempty"`

	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	ErrorCount    int        `json:"error_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SAMLSettings holds the SAML 2.0 side of the tagged provider settings
type SAMLSettings struct {
	EntityID          string `json:"entity_id"`
	SSOURL            string `json:"sso_url"`
	SLOUrl            string `json:"slo_url,omitempty"`
	Certificate       string `json:"certificate"` // PEM encoded IdP certificate
	NameIDFormat      string `json:"name_id_format,omitempty"`
	AllowIDPInitiated bool   `json:"allow_idp_initiated"`
}

// OIDCSettings holds the OpenID Connect side of the tagged provider settings
type OIDCSettings struct {
	IssuerURL    string   `json:"issuer_url"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"-"` // Never expose secret in JSON
	RedirectURL  string   `json:"redirect_url"`
	Scopes       []string `json:"scopes"`
}

// Validate checks a SAML settings payload at write time
func (s *SAMLSettings) Validate() error {
	if s.EntityID == "" {
		return &ValidationError{Field: "saml_settings.entity_id", Reason: "is required"}
	}
	if s.SSOURL == "" {
		return &ValidationError{Field: "saml_settings.sso_url", Reason: "is required"}
	}
	if _, err := url.ParseRequestURI(s.SSOURL); err != nil {
		return &ValidationError{Field: "saml_settings.sso_url", Reason: "must be a valid URL"}
	}
	if s.Certificate == "" {
		return &ValidationError{Field: "saml_settings.certificate", Reason: "is required"}
	}
	return nil
}

// Validate checks an OIDC settings payload at write time
func (s *OIDCSettings) Validate() error {
	if s.IssuerURL == "" {
		return &ValidationError{Field: "oidc_settings.issuer_url", Reason: "is required"}
	}
	if _, err := url.ParseRequestURI(s.IssuerURL); err != nil {
		return &ValidationError{Field: "oidc_settings.issuer_url", Reason: "must be a valid URL"}
	}
	if s.ClientID == "" {
		return &ValidationError{Field: "oidc_settings.client_id", Reason: "is required"}
	}
	return nil
}

// Validate checks a configuration payload at write time. The provider
// settings variant must match the provider kind.
func (c *Configuration) Validate() error {
	if c.TenantID == "" {
		return &ValidationError{Field: "tenant_id", Reason: "is required"}
	}

	switch c.ProviderKind {
	case ProviderKindSAML:
		if c.SAMLSettings == nil {
			return &ValidationError{Field: "saml_settings", Reason: "is required for provider_kind saml"}
		}
		if c.OIDCSettings != nil {
			return &ValidationError{Field: "oidc_settings", Reason: "must not be set for provider_kind saml"}
		}
		if err := c.SAMLSettings.Validate(); err != nil {
			return err
		}
	case ProviderKindOIDC:
		if c.OIDCSettings == nil {
			return &ValidationError{Field: "oidc_settings", Reason: "is required for provider_kind oidc"}
		}
		if c.SAMLSettings != nil {
			return &ValidationError{Field: "saml_settings", Reason: "must not be set for provider_kind oidc"}
		}
		if err := c.OIDCSettings.Validate(); err != nil {
			return err
		}
	default:
		return &ValidationError{Field: "provider_kind", Reason: fmt.Sprintf("unsupported kind %q", c.ProviderKind)}
	}

	if c.DefaultRole != "" {
		if err := validateRoleName(c.DefaultRole, "default_role"); err != nil {
			return err
		}
	}
	for group, role := range c.GroupMapping {
		if group == "" {
			return &ValidationError{Field: "group_mapping", Reason: "group name must not be empty"}
		}
		if err := validateRoleName(role, "group_mapping"); err != nil {
			return err
		}
	}

	return nil
}

// Degraded reports whether the configuration is in a state that blocks
// new authentications when EnforceSSO is set.
func (c *Configuration) Degraded() bool {
	switch c.Status {
	case StatusConfigurationError, StatusCertificateExpired:
		return true
	}
	return false
}

// AssertionType distinguishes replay-guard records by protocol artifact
type AssertionType string

const (
	AssertionTypeSAML      AssertionType = "saml_assertion"
	AssertionTypeOIDCNonce AssertionType = "oidc_nonce"
)

// Session is an authenticated SSO session. Only the SHA256 hex digest of
// the bearer token is stored.
type Session struct {
	ID              string       `json:"id"`
	TenantID        string       `json:"tenant_id"`
	UserID          string       `json:"user_id"`
	ConfigurationID string       `json:"configuration_id"`
	TokenHash       string       `json:"-"`
	ProviderKind    ProviderKind `json:"provider_kind"`
	ProviderUserID  string       `json:"provider_user_id"`
	Email           string       `json:"email,omitempty"`
	DisplayName     string       `json:"display_name,omitempty"`
	Groups          []string     `json:"groups,omitempty"`

	// Provider correlation ids, used for single logout. OIDC tokens are
	// stored hashed, like the bearer token.
	SAMLSessionIndex     string `json:"saml_session_index,omitempty"`
	SAMLNameID           string `json:"saml_name_id,omitempty"`
	OIDCAccessTokenHash  string `json:"-"`
	OIDCRefreshTokenHash string `json:"-"`

	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	RevokedReason  string     `json:"revoked_reason,omitempty"`
	IsActive       bool       `json:"is_active"`
}

// Revocation reasons recorded on sessions
const (
	RevokeReasonLogout       = "logout"
	RevokeReasonSingleLogout = "single_logout"
	RevokeReasonExpired      = "expired"
	RevokeReasonAdmin        = "admin_revoked"
)

// Profile is the normalized user profile produced by the attribute
// mapping engine from verified IdP claims.
type Profile struct {
	Email       string            `json:"email"`
	DisplayName string            `json:"display_name,omitempty"`
	Groups      []string          `json:"groups,omitempty"`
	Custom      map[string]string `json:"custom,omitempty"`
}

// UserLink ties a provider's external user id to an internal user id
type UserLink struct {
	ID              string    `json:"id"`
	ConfigurationID string    `json:"configuration_id"`
	TenantID        string    `json:"tenant_id"`
	ExternalUserID  string    `json:"external_user_id"`
	InternalUserID  string    `json:"internal_user_id"`
	LastLoginAt     time.Time `json:"last_login_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// AuthEventKind distinguishes rows in the per-configuration auth event log
type AuthEventKind string

const (
	AuthEventSuccess AuthEventKind = "success"
	AuthEventError   AuthEventKind = "error"
)

// AuthEvent is one row of the append-only success/error event log from
// which the current error count and status are derived.
type AuthEvent struct {
	ID              int64         `json:"id"`
	ConfigurationID string        `json:"configuration_id"`
	Kind            AuthEventKind `json:"kind"`
	Message         string        `json:"message,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

func validateRoleName(role string, field string) error {
	switch role {
	case "admin", "editor", "viewer":
		return nil
	}
	return &ValidationError{Field: field, Reason: fmt.Sprintf("unknown role %q", role)}
}
