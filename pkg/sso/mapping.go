package sso

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/fedsso/pkg/auth"
)

// MappingType represents how a source attribute produces a target value
type MappingType string

const (
	MappingTypeDirect      MappingType = "direct"
	MappingTypeTransform   MappingType = "transform"
	MappingTypeConstant    MappingType = "constant"
	MappingTypeConcatenate MappingType = "concatenate"
)

// Well-known target fields of the normalized profile. Anything else lands
// in Profile.Custom.
const (
	TargetFieldEmail       = "email"
	TargetFieldDisplayName = "display_name"
	TargetFieldGroups      = "groups"
)

// TransformParams configures the non-direct mapping types
type TransformParams struct {
	// Value is the fixed value for constant mappings
	Value string `json:"value,omitempty"`
	// Sources lists additional source attributes for concatenate and
	// template transforms
	Sources []string `json:"sources,omitempty"`
	// Separator joins concatenated values (defaults to a single space)
	Separator string `json:"separator,omitempty"`
	// Pattern is a regexp with one capture group applied to the source
	// attribute value
	Pattern string `json:"pattern,omitempty"`
	// Template is a format string with {attribute} placeholders
	Template string `json:"template,omitempty"`
}

// AttributeMapping transforms one source claim into a profile field.
// Unique per (configuration, source attribute, target field); within a
// target field mappings evaluate in ascending priority order.
type AttributeMapping struct {
	ID              string          `json:"id"`
	ConfigurationID string          `json:"configuration_id"`
	SourceAttribute string          `json:"source_attribute"`
	TargetField     string          `json:"target_field"`
	Type            MappingType     `json:"mapping_type"`
	Params          TransformParams `json:"transform_params"`
	Priority        int             `json:"priority"`
	IsActive        bool            `json:"is_active"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Validate checks a mapping at write time
func (m *AttributeMapping) Validate() error {
	if m.SourceAttribute == "" {
		return &ValidationError{Field: "source_attribute", Reason: "is required"}
	}
	if m.TargetField == "" {
		return &ValidationError{Field: "target_field", Reason: "is required"}
	}
	if m.Priority < 0 {
		return &ValidationError{Field: "priority", Reason: "must not be negative"}
	}

	switch m.Type {
	case MappingTypeDirect:
		// Source attribute is all a direct mapping needs.
	case MappingTypeConstant:
		if m.Params.Value == "" {
			return &ValidationError{Field: "transform_params.value", Reason: "is required for constant mappings"}
		}
	case MappingTypeConcatenate:
		if len(m.Params.Sources) == 0 {
			return &ValidationError{Field: "transform_params.sources", Reason: "is required for concatenate mappings"}
		}
	case MappingTypeTransform:
		if m.Params.Pattern == "" && m.Params.Template == "" {
			return &ValidationError{Field: "transform_params", Reason: "transform mappings need a pattern or a template"}
		}
		if m.Params.Pattern != "" {
			re, err := regexp.Compile(m.Params.Pattern)
			if err != nil {
				return &ValidationError{Field: "transform_params.pattern", Reason: "must be a valid regular expression"}
			}
			if re.NumSubexp() < 1 {
				return &ValidationError{Field: "transform_params.pattern", Reason: "must contain a capture group"}
			}
		}
	default:
		return &ValidationError{Field: "mapping_type", Reason: fmt.Sprintf("unsupported type %q", m.Type)}
	}

	return nil
}

// Claims is the raw claim map from a verified assertion or token. Values
// are strings or string lists (group claims).
type Claims map[string]interface{}

// StringValue returns the claim as a string, or "" when absent or not a
// scalar
func (c Claims) StringValue(name string) string {
	switch v := c[name].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}
	return ""
}

// StringSlice returns the claim as a list of strings. Scalar claims
// become a single-element list.
func (c Claims) StringSlice(name string) []string {
	switch v := c[name].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

// MappingEngine transforms raw IdP claims into a normalized profile and
// resolves the user's role from group membership.
type MappingEngine struct{}

// NewMappingEngine creates a new mapping engine
func NewMappingEngine() *MappingEngine {
	return &MappingEngine{}
}

// ResolveProfile evaluates the configuration's active mappings against the
// claims. Mappings are grouped by target field; within a field the lowest
// priority that yields a non-empty value wins.
func (e *MappingEngine) ResolveProfile(claims Claims, mappings []*AttributeMapping) (*Profile, error) {
	byTarget := make(map[string][]*AttributeMapping)
	for _, m := range mappings {
		if !m.IsActive {
			continue
		}
		byTarget[m.TargetField] = append(byTarget[m.TargetField], m)
	}

	profile := &Profile{Custom: make(map[string]string)}
	for target, candidates := range byTarget {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Priority < candidates[j].Priority
		})

		if target == TargetFieldGroups {
			for _, m := range candidates {
				if groups := e.evaluateGroups(claims, m); len(groups) > 0 {
					profile.Groups = groups
					break
				}
			}
			continue
		}

		var value string
		for _, m := range candidates {
			v, err := e.evaluate(claims, m)
			if err != nil {
				return nil, err
			}
			if v != "" {
				value = v
				break
			}
		}
		if value == "" {
			continue
		}

		switch target {
		case TargetFieldEmail:
			profile.Email = value
		case TargetFieldDisplayName:
			profile.DisplayName = value
		default:
			profile.Custom[target] = value
		}
	}

	if len(profile.Custom) == 0 {
		profile.Custom = nil
	}
	return profile, nil
}

// evaluate produces the value of a single mapping, or "" when the claims
// don't yield one
func (e *MappingEngine) evaluate(claims Claims, m *AttributeMapping) (string, error) {
	switch m.Type {
	case MappingTypeDirect:
		return claims.StringValue(m.SourceAttribute), nil

	case MappingTypeConstant:
		return m.Params.Value, nil

	case MappingTypeConcatenate:
		sep := m.Params.Separator
		if sep == "" {
			sep = " "
		}
		var parts []string
		for _, source := range m.Params.Sources {
			if v := claims.StringValue(source); v != "" {
				parts = append(parts, v)
			}
		}
		return strings.Join(parts, sep), nil

	case MappingTypeTransform:
		if m.Params.Pattern != "" {
			re, err := regexp.Compile(m.Params.Pattern)
			if err != nil {
				return "", &ValidationError{Field: "transform_params.pattern", Reason: "must be a valid regular expression"}
			}
			matches := re.FindStringSubmatch(claims.StringValue(m.SourceAttribute))
			if len(matches) < 2 {
				return "", nil
			}
			return matches[1], nil
		}

		// Template: replace {attribute} placeholders with claim values.
		// A template referencing only absent claims yields "".
		result := m.Params.Template
		replaced := false
		for _, source := range append([]string{m.SourceAttribute}, m.Params.Sources...) {
			placeholder := "{" + source + "}"
			if !strings.Contains(result, placeholder) {
				continue
			}
			v := claims.StringValue(source)
			if v != "" {
				replaced = true
			}
			result = strings.ReplaceAll(result, placeholder, v)
		}
		if !replaced {
			return "", nil
		}
		return strings.TrimSpace(result), nil
	}

	return "", &ValidationError{Field: "mapping_type", Reason: fmt.Sprintf("unsupported type %q", m.Type)}
}

func (e *MappingEngine) evaluateGroups(claims Claims, m *AttributeMapping) []string {
	if m.Type == MappingTypeConstant {
		if m.Params.Value == "" {
			return nil
		}
		return []string{m.Params.Value}
	}
	return claims.StringSlice(m.SourceAttribute)
}

// ResolveRole maps the user's IdP groups through the configuration's
// group mapping. When several groups resolve to different roles the most
// privileged wins. With no matching group the default role applies only
// when auto-provisioning is enabled; otherwise the authentication is
// rejected with a provisioning error.
func (e *MappingEngine) ResolveRole(groups []string, config *Configuration) (auth.Role, error) {
	var matched []auth.Role
	for _, group := range groups {
		if roleName, ok := config.GroupMapping[group]; ok {
			role, err := auth.ParseRole(roleName)
			if err != nil {
				return "", &ValidationError{Field: "group_mapping", Reason: fmt.Sprintf("maps %q to unknown role %q", group, roleName)}
			}
			matched = append(matched, role)
		}
	}

	if highest := auth.HighestRole(matched); highest != "" {
		return highest, nil
	}

	if !config.AutoProvision {
		return "", fmt.Errorf("no group mapped to a role for tenant %s: %w", config.TenantID, ErrProvisioningDisabled)
	}
	role, err := auth.ParseRole(config.DefaultRole)
	if err != nil {
		return "", &ValidationError{Field: "default_role", Reason: fmt.Sprintf("unknown role %q", config.DefaultRole)}
	}
	return role, nil
}

// EmailAllowed checks the resolved profile email against the tenant's
// allow-list. An empty list allows every domain.
func EmailAllowed(email string, allowedDomains []string) bool {
	if len(allowedDomains) == 0 {
		return true
	}
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return false
	}
	domain := strings.ToLower(email[at+1:])
	for _, allowed := range allowedDomains {
		if domain == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

// MappingStore persists attribute mappings, scoped to a configuration's
// tenant
type MappingStore struct {
	db *sql.DB
}

// NewMappingStore creates a new mapping store
func NewMappingStore(db *sql.DB) *MappingStore {
	return &MappingStore{db: db}
}

const mappingColumns = `m.id, m.configuration_id, m.source_attribute, m.target_field,
		m.mapping_type, m.transform_params, m.priority, m.is_active, m.created_at, m.updated_at`

// CreateMapping creates an attribute mapping after validating both the
// payload and the configuration's tenant ownership
func (s *MappingStore) CreateMapping(ctx context.Context, tenantID string, mapping *AttributeMapping) error {
	if err := mapping.Validate(); err != nil {
		return err
	}
	if mapping.ID == "" {
		mapping.ID = uuid.NewString()
	}

	paramsJSON, err := json.Marshal(mapping.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal transform params: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO sso_attribute_mappings (
			id, configuration_id, source_attribute, target_field, mapping_type,
			transform_params, priority, is_active, created_at, updated_at
		)
		SELECT $1, c.id, $3, $4, $5, $6, $7, $8, NOW(), NOW()
		FROM sso_configurations c
		WHERE c.id = $2 AND c.tenant_id = $9
	`, mapping.ID, mapping.ConfigurationID, mapping.SourceAttribute, mapping.TargetField,
		mapping.Type, paramsJSON, mapping.Priority, mapping.IsActive, tenantID)
	if err != nil {
		if isUniqueViolation(err) {
			return &ValidationError{Field: "source_attribute", Reason: "mapping already exists for this source attribute and target field"}
		}
		return fmt.Errorf("failed to create attribute mapping: %w", err)
	}
	return requireOneRow(result)
}

// UpdateMapping updates an existing mapping
func (s *MappingStore) UpdateMapping(ctx context.Context, tenantID string, mapping *AttributeMapping) error {
	if err := mapping.Validate(); err != nil {
		return err
	}

	paramsJSON, err := json.Marshal(mapping.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal transform params: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE sso_attribute_mappings m
		SET source_attribute = $1, target_field = $2, mapping_type = $3,
			transform_params = $4, priority = $5, is_active = $6, updated_at = NOW()
		FROM sso_configurations c
		WHERE m.id = $7 AND m.configuration_id = c.id AND c.tenant_id = $8
	`, mapping.SourceAttribute, mapping.TargetField, mapping.Type, paramsJSON,
		mapping.Priority, mapping.IsActive, mapping.ID, tenantID)
	if err != nil {
		if isUniqueViolation(err) {
			return &ValidationError{Field: "source_attribute", Reason: "mapping already exists for this source attribute and target field"}
		}
		return fmt.Errorf("failed to update attribute mapping: %w", err)
	}
	return requireOneRow(result)
}

// DeleteMapping deletes a mapping
func (s *MappingStore) DeleteMapping(ctx context.Context, tenantID, mappingID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sso_attribute_mappings m
		USING sso_configurations c
		WHERE m.id = $1 AND m.configuration_id = c.id AND c.tenant_id = $2
	`, mappingID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete attribute mapping: %w", err)
	}
	return requireOneRow(result)
}

// ListMappings lists a configuration's mappings, active first, ascending
// priority
func (s *MappingStore) ListMappings(ctx context.Context, tenantID, configID string) ([]*AttributeMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mappingColumns+`
		FROM sso_attribute_mappings m
		JOIN sso_configurations c ON c.id = m.configuration_id
		WHERE m.configuration_id = $1 AND c.tenant_id = $2
		ORDER BY m.is_active DESC, m.target_field, m.priority ASC
	`, configID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attribute mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*AttributeMapping
	for rows.Next() {
		mapping, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, mapping)
	}
	return mappings, rows.Err()
}

// ActiveMappings returns only the active mappings for profile resolution
func (s *MappingStore) ActiveMappings(ctx context.Context, tenantID, configID string) ([]*AttributeMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mappingColumns+`
		FROM sso_attribute_mappings m
		JOIN sso_configurations c ON c.id = m.configuration_id
		WHERE m.configuration_id = $1 AND c.tenant_id = $2 AND m.is_active
		ORDER BY m.target_field, m.priority ASC
	`, configID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load active mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*AttributeMapping
	for rows.Next() {
		mapping, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, mapping)
	}
	return mappings, rows.Err()
}

func scanMapping(rows *sql.Rows) (*AttributeMapping, error) {
	var paramsJSON []byte
	mapping := &AttributeMapping{}
	err := rows.Scan(
		&mapping.ID, &mapping.ConfigurationID, &mapping.SourceAttribute,
		&mapping.TargetField, &mapping.Type, &paramsJSON, &mapping.Priority,
		&mapping.IsActive, &mapping.CreatedAt, &mapping.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan attribute mapping: %w", err)
	}
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &mapping.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transform params: %w", err)
		}
	}
	return mapping, nil
}
