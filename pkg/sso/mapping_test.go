package sso

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/platinummonkey/fedsso/pkg/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttributeMappingValidate(t *testing.T) {
	tests := []struct {
		name    string
		mapping AttributeMapping
		wantErr bool
	}{
		{
			name: "valid direct mapping",
			mapping: AttributeMapping{
				SourceAttribute: "mail",
				TargetField:     TargetFieldEmail,
				Type:            MappingTypeDirect,
			},
		},
		{
			name: "valid constant mapping",
			mapping: AttributeMapping{
				SourceAttribute: "any",
				TargetField:     "department",
				Type:            MappingTypeConstant,
				Params:          TransformParams{Value: "engineering"},
			},
		},
		{
			name: "constant without value",
			mapping: AttributeMapping{
				SourceAttribute: "any",
				TargetField:     "department",
				Type:            MappingTypeConstant,
			},
			wantErr: true,
		},
		{
			name: "valid concatenate mapping",
			mapping: AttributeMapping{
				SourceAttribute: "givenName",
				TargetField:     TargetFieldDisplayName,
				Type:            MappingTypeConcatenate,
				Params:          TransformParams{Sources: []string{"givenName", "surname"}},
			},
		},
		{
			name: "concatenate without sources",
			mapping: AttributeMapping{
				SourceAttribute: "givenName",
				TargetField:     TargetFieldDisplayName,
				Type:            MappingTypeConcatenate,
			},
			wantErr: true,
		},
		{
			name: "valid transform with capture group",
			mapping: AttributeMapping{
				SourceAttribute: "upn",
				TargetField:     TargetFieldEmail,
				Type:            MappingTypeTransform,
				Params:          TransformParams{Pattern: `^(.+)@corp\.example\.com$`},
			},
		},
		{
			name: "transform pattern without capture group",
			mapping: AttributeMapping{
				SourceAttribute: "upn",
				TargetField:     TargetFieldEmail,
				Type:            MappingTypeTransform,
				Params:          TransformParams{Pattern: `.+@corp`},
			},
			wantErr: true,
		},
		{
			name: "transform with invalid pattern",
			mapping: AttributeMapping{
				SourceAttribute: "upn",
				TargetField:     TargetFieldEmail,
				Type:            MappingTypeTransform,
				Params:          TransformParams{Pattern: `([`},
			},
			wantErr: true,
		},
		{
			name: "transform without pattern or template",
			mapping: AttributeMapping{
				SourceAttribute: "upn",
				TargetField:     TargetFieldEmail,
				Type:            MappingTypeTransform,
			},
			wantErr: true,
		},
		{
			name: "missing source attribute",
			mapping: AttributeMapping{
				TargetField: TargetFieldEmail,
				Type:        MappingTypeDirect,
			},
			wantErr: true,
		},
		{
			name: "negative priority",
			mapping: AttributeMapping{
				SourceAttribute: "mail",
				TargetField:     TargetFieldEmail,
				Type:            MappingTypeDirect,
				Priority:        -1,
			},
			wantErr: true,
		},
		{
			name: "unknown mapping type",
			mapping: AttributeMapping{
				SourceAttribute: "mail",
				TargetField:     TargetFieldEmail,
				Type:            MappingType("lookup"),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.mapping.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsValidationError(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestResolveProfile(t *testing.T) {
	engine := NewMappingEngine()

	t.Run("direct mapping", func(t *testing.T) {
		claims := Claims{"mail": "jordan@example.com"}
		mappings := []*AttributeMapping{
			{SourceAttribute: "mail", TargetField: TargetFieldEmail, Type: MappingTypeDirect, IsActive: true},
		}

		profile, err := engine.ResolveProfile(claims, mappings)
		require.NoError(t, err)
		assert.Equal(t, "jordan@example.com", profile.Email)
	})

	t.Run("lower priority wins over higher", func(t *testing.T) {
		claims := Claims{"mail": "primary@example.com", "upn": "fallback@example.com"}
		mappings := []*AttributeMapping{
			{SourceAttribute: "upn", TargetField: TargetFieldEmail, Type: MappingTypeDirect, Priority: 100, IsActive: true},
			{SourceAttribute: "mail", TargetField: TargetFieldEmail, Type: MappingTypeDirect, Priority: 1, IsActive: true},
		}

		profile, err := engine.ResolveProfile(claims, mappings)
		require.NoError(t, err)
		assert.Equal(t, "primary@example.com", profile.Email)
	})

	t.Run("empty value falls through to next priority", func(t *testing.T) {
		claims := Claims{"upn": "fallback@example.com"}
		mappings := []*AttributeMapping{
			{SourceAttribute: "mail", TargetField: TargetFieldEmail, Type: MappingTypeDirect, Priority: 1, IsActive: true},
			{SourceAttribute: "upn", TargetField: TargetFieldEmail, Type: MappingTypeDirect, Priority: 100, IsActive: true},
		}

		profile, err := engine.ResolveProfile(claims, mappings)
		require.NoError(t, err)
		assert.Equal(t, "fallback@example.com", profile.Email)
	})

	t.Run("inactive mappings are skipped", func(t *testing.T) {
		claims := Claims{"mail": "jordan@example.com"}
		mappings := []*AttributeMapping{
			{SourceAttribute: "mail", TargetField: TargetFieldEmail, Type: MappingTypeDirect, IsActive: false},
		}

		profile, err := engine.ResolveProfile(claims, mappings)
		require.NoError(t, err)
		assert.Empty(t, profile.Email)
	})

	t.Run("concatenate joins sources with separator", func(t *testing.T) {
		claims := Claims{"givenName": "Jordan", "surname": "Doe"}
		mappings := []*AttributeMapping{
			{
				SourceAttribute: "givenName", TargetField: TargetFieldDisplayName,
				Type: MappingTypeConcatenate, IsActive: true,
				Params: TransformParams{Sources: []string{"givenName", "surname"}},
			},
		}

		profile, err := engine.ResolveProfile(claims, mappings)
		require.NoError(t, err)
		assert.Equal(t, "Jordan Doe", profile.DisplayName)
	})

	t.Run("concatenate skips absent sources", func(t *testing.T) {
		claims := Claims{"givenName": "Jordan"}
		mappings := []*AttributeMapping{
			{
				SourceAttribute: "givenName", TargetField: TargetFieldDisplayName,
				Type: MappingTypeConcatenate, IsActive: true,
				Params: TransformParams{Sources: []string{"givenName", "surname"}},
			},
		}

		profile, err := engine.ResolveProfile(claims, mappings)
		require.NoError(t, err)
		assert.Equal(t, "Jordan", profile.DisplayName)
	})

	t.Run("transform extracts capture group", func(t *testing.T) {
		claims := Claims{"upn": "jordan@corp.example.com"}
		mappings := []*AttributeMapping{
			{
				SourceAttribute: "upn", TargetField: "username",
				Type: MappingTypeTransform, IsActive: true,
				Params: TransformParams{Pattern: `^(.+)@corp\.example\.com$`},
			},
		}

		profile, err := engine.ResolveProfile(claims, mappings)
		require.NoError(t, err)
		assert.Equal(t, "jordan", profile.Custom["username"])
	})

	t.Run("transform with no match yields nothing", func(t *testing.T) {
		claims := Claims{"upn": "jordan@other.example.com"}
		mappings := []*AttributeMapping{
			{
				SourceAttribute: "upn", TargetField: "username",
				Type: MappingTypeTransform, IsActive: true,
				Params: TransformParams{Pattern: `^(.+)@corp\.example\.com$`},
			},
		}

		profile, err := engine.ResolveProfile(claims, mappings)
		require.NoError(t, err)
		assert.Nil(t, profile.Custom)
	})

	t.Run("template substitutes claim values", func(t *testing.T) {
		claims := Claims{"givenName": "Jordan", "surname": "Doe"}
		mappings := []*AttributeMapping{
			{
				SourceAttribute: "givenName", TargetField: TargetFieldDisplayName,
				Type: MappingTypeTransform, IsActive: true,
				Params: TransformParams{
					Template: "{givenName} {surname}",
					Sources:  []string{"surname"},
				},
			},
		}

		profile, err := engine.ResolveProfile(claims, mappings)
		require.NoError(t, err)
		assert.Equal(t, "Jordan Doe", profile.DisplayName)
	})

	t.Run("groups claim as string list", func(t *testing.T) {
		claims := Claims{"groups": []interface{}{"engineering", "oncall"}}
		mappings := []*AttributeMapping{
			{SourceAttribute: "groups", TargetField: TargetFieldGroups, Type: MappingTypeDirect, IsActive: true},
		}

		profile, err := engine.ResolveProfile(claims, mappings)
		require.NoError(t, err)
		assert.Equal(t, []string{"engineering", "oncall"}, profile.Groups)
	})

	t.Run("scalar group claim becomes single-element list", func(t *testing.T) {
		claims := Claims{"groups": "engineering"}
		mappings := []*AttributeMapping{
			{SourceAttribute: "groups", TargetField: TargetFieldGroups, Type: MappingTypeDirect, IsActive: true},
		}

		profile, err := engine.ResolveProfile(claims, mappings)
		require.NoError(t, err)
		assert.Equal(t, []string{"engineering"}, profile.Groups)
	})
}

func TestResolveRole(t *testing.T) {
	engine := NewMappingEngine()

	base := func() *Configuration {
		return &Configuration{
			TenantID:      "tenant-a",
			AutoProvision: true,
			DefaultRole:   "viewer",
			GroupMapping: map[string]string{
				"platform-admins": "admin",
				"engineering":     "editor",
				"everyone":        "viewer",
			},
		}
	}

	t.Run("single matching group", func(t *testing.T) {
		role, err := engine.ResolveRole([]string{"engineering"}, base())
		require.NoError(t, err)
		assert.Equal(t, auth.RoleEditor, role)
	})

	t.Run("highest privilege wins across groups", func(t *testing.T) {
		role, err := engine.ResolveRole([]string{"everyone", "platform-admins", "engineering"}, base())
		require.NoError(t, err)
		assert.Equal(t, auth.RoleAdmin, role)
	})

	t.Run("order of groups does not matter", func(t *testing.T) {
		role, err := engine.ResolveRole([]string{"platform-admins", "everyone"}, base())
		require.NoError(t, err)
		assert.Equal(t, auth.RoleAdmin, role)

		role, err = engine.ResolveRole([]string{"everyone", "platform-admins"}, base())
		require.NoError(t, err)
		assert.Equal(t, auth.RoleAdmin, role)
	})

	t.Run("unmapped groups fall back to default role", func(t *testing.T) {
		role, err := engine.ResolveRole([]string{"unknown-group"}, base())
		require.NoError(t, err)
		assert.Equal(t, auth.RoleViewer, role)
	})

	t.Run("no match without auto-provision is rejected", func(t *testing.T) {
		config := base()
		config.AutoProvision = false

		_, err := engine.ResolveRole([]string{"unknown-group"}, config)
		assert.ErrorIs(t, err, ErrProvisioningDisabled)
	})

	t.Run("mapped group still resolves without auto-provision", func(t *testing.T) {
		config := base()
		config.AutoProvision = false

		role, err := engine.ResolveRole([]string{"engineering"}, config)
		require.NoError(t, err)
		assert.Equal(t, auth.RoleEditor, role)
	})
}

func TestEmailAllowed(t *testing.T) {
	tests := []struct {
		name    string
		email   string
		domains []string
		want    bool
	}{
		{"empty allow-list allows everything", "a@anywhere.io", nil, true},
		{"matching domain", "a@example.com", []string{"example.com"}, true},
		{"case insensitive", "a@Example.COM", []string{"example.com"}, true},
		{"non-matching domain", "a@other.com", []string{"example.com"}, false},
		{"subdomain does not match", "a@mail.example.com", []string{"example.com"}, false},
		{"no at sign", "not-an-email", []string{"example.com"}, false},
		{"trailing at sign", "broken@", []string{"example.com"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EmailAllowed(tt.email, tt.domains))
		})
	}
}

func newMockMappingStore(t *testing.T) (*MappingStore, sqlmock.Sqlmock, *sql.DB) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return NewMappingStore(db), mock, db
}

func TestCreateMapping(t *testing.T) {
	t.Run("inserts through the tenant guard", func(t *testing.T) {
		store, mock, db := newMockMappingStore(t)
		defer db.Close()

		mapping := &AttributeMapping{
			ConfigurationID: "config-1",
			SourceAttribute: "mail",
			TargetField:     TargetFieldEmail,
			Type:            MappingTypeDirect,
			IsActive:        true,
		}

		mock.ExpectExec(`INSERT INTO sso_attribute_mappings`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := store.CreateMapping(context.Background(), "tenant-a", mapping)
		require.NoError(t, err)
		assert.NotEmpty(t, mapping.ID)
	})

	t.Run("cross-tenant configuration inserts nothing", func(t *testing.T) {
		store, mock, db := newMockMappingStore(t)
		defer db.Close()

		mapping := &AttributeMapping{
			ConfigurationID: "config-owned-by-other-tenant",
			SourceAttribute: "mail",
			TargetField:     TargetFieldEmail,
			Type:            MappingTypeDirect,
		}

		mock.ExpectExec(`INSERT INTO sso_attribute_mappings`).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := store.CreateMapping(context.Background(), "tenant-b", mapping)
		assert.ErrorIs(t, err, ErrConfigNotFound)
	})

	t.Run("invalid mapping never reaches storage", func(t *testing.T) {
		store, _, db := newMockMappingStore(t)
		defer db.Close()

		mapping := &AttributeMapping{
			ConfigurationID: "config-1",
			SourceAttribute: "upn",
			TargetField:     TargetFieldEmail,
			Type:            MappingTypeTransform,
			Params:          TransformParams{Pattern: "(["},
		}

		err := store.CreateMapping(context.Background(), "tenant-a", mapping)
		assert.True(t, IsValidationError(err))
	})
}

func TestActiveMappings(t *testing.T) {
	store, mock, db := newMockMappingStore(t)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "configuration_id", "source_attribute", "target_field",
		"mapping_type", "transform_params", "priority", "is_active", "created_at", "updated_at",
	}).AddRow("m1", "config-1", "mail", "email", "direct", nil, 1, true, now, now).
		AddRow("m2", "config-1", "groups", "groups", "direct", []byte(`{}`), 1, true, now, now)

	mock.ExpectQuery(`SELECT .+ FROM sso_attribute_mappings m\s+JOIN sso_configurations c`).
		WithArgs("config-1", "tenant-a").
		WillReturnRows(rows)

	mappings, err := store.ActiveMappings(context.Background(), "tenant-a", "config-1")
	require.NoError(t, err)
	require.Len(t, mappings, 2)
	assert.Equal(t, "mail", mappings[0].SourceAttribute)
	assert.Equal(t, MappingTypeDirect, mappings[0].Type)
}
