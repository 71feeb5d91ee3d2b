package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// DBLogger writes security events to PostgreSQL
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a new database-backed security event sink
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	logger := &DBLogger{db: db}
	if err := logger.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure security_events table: %w", err)
	}
	return logger, nil
}

// ensureTable creates the security_events table if it doesn't exist
func (l *DBLogger) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS security_events (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		event_type VARCHAR(100) NOT NULL,
		status VARCHAR(20) NOT NULL,
		tenant_id VARCHAR(255) NOT NULL,
		user_id VARCHAR(255),
		configuration_id VARCHAR(64),
		session_id VARCHAR(64),
		assertion_id VARCHAR(512),
		ip_address VARCHAR(45),
		user_agent TEXT,
		request_id VARCHAR(100),
		message TEXT,
		metadata JSONB,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_security_events_timestamp ON security_events(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_security_events_tenant ON security_events(tenant_id, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_security_events_type ON security_events(event_type);
	`

	_, err := l.db.Exec(query)
	return err
}

// Log writes a security event to the database
func (l *DBLogger) Log(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var metadataJSON []byte
	if len(event.Metadata) > 0 {
		var err error
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal event metadata: %w", err)
		}
	}

	err := l.db.QueryRowContext(ctx, `
		INSERT INTO security_events (
			timestamp, event_type, status, tenant_id, user_id, configuration_id,
			session_id, assertion_id, ip_address, user_agent, request_id, message, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`, event.Timestamp, event.EventType, event.Status, event.TenantID,
		nullable(event.UserID), nullable(event.ConfigurationID), nullable(event.SessionID),
		nullable(event.AssertionID), nullable(event.IPAddress), nullable(event.UserAgent),
		nullable(event.RequestID), nullable(event.Message), metadataJSON).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to insert security event: %w", err)
	}
	return nil
}

// Close implements Logger; the db handle is owned by the caller
func (l *DBLogger) Close() error { return nil }

// QueryFilter selects security events for the administrative query surface
type QueryFilter struct {
	TenantID  string
	EventType EventType
	Since     time.Time
	Limit     int
}

// Query returns matching events, most recent first
func (l *DBLogger) Query(ctx context.Context, filter QueryFilter) ([]*Event, error) {
	if filter.TenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		SELECT id, timestamp, event_type, status, tenant_id,
			COALESCE(user_id, ''), COALESCE(configuration_id, ''), COALESCE(session_id, ''),
			COALESCE(assertion_id, ''), COALESCE(ip_address, ''), COALESCE(user_agent, ''),
			COALESCE(request_id, ''), COALESCE(message, ''), metadata
		FROM security_events
		WHERE tenant_id = $1`
	args := []interface{}{filter.TenantID}

	if filter.EventType != "" {
		args = append(args, filter.EventType)
		query += fmt.Sprintf(" AND event_type = $%d", len(args))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		query += fmt.Sprintf(" AND timestamp >= $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT $%d", len(args))

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query security events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var metadataJSON []byte
		event := &Event{}
		err := rows.Scan(
			&event.ID, &event.Timestamp, &event.EventType, &event.Status, &event.TenantID,
			&event.UserID, &event.ConfigurationID, &event.SessionID, &event.AssertionID,
			&event.IPAddress, &event.UserAgent, &event.RequestID, &event.Message, &metadataJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event metadata: %w", err)
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
