package sso

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/fedsso/pkg/audit"
	"github.com/platinummonkey/fedsso/pkg/observability"
)

// CertificateWarningWindow is how far ahead of certificate expiry a
// configuration is flagged as certificate_expiring
const CertificateWarningWindow = 30 * 24 * time.Hour

// HealthMonitor watches provider certificate expiry across all tenants
// and transitions configuration status ahead of, and at, expiry. It runs
// on the sweeper cadence; gating in the session manager re-reads status
// at authentication time, so enforcement does not depend on the monitor
// having run recently.
type HealthMonitor struct {
	configs  *ConfigStore
	security audit.Logger
	logger   *observability.Logger
}

// NewHealthMonitor creates a certificate health monitor
func NewHealthMonitor(configs *ConfigStore, security audit.Logger, logger *observability.Logger) *HealthMonitor {
	if security == nil {
		security = audit.NopLogger{}
	}
	return &HealthMonitor{configs: configs, security: security, logger: logger}
}

// CertificateReport summarizes one monitor pass
type CertificateReport struct {
	Checked  int `json:"checked"`
	Expiring int `json:"expiring"`
	Expired  int `json:"expired"`
}

// EvaluateCertificates examines every configuration with certificate
// metadata and applies the expiry state machine:
//
//   - expiry within the warning window: active -> certificate_expiring
//   - expiry in the past: active or certificate_expiring -> certificate_expired
//
// Transitions are compare-and-set on the current status, so an admin
// disable or a concurrent pass never gets overwritten.
func (hm *HealthMonitor) EvaluateCertificates(ctx context.Context) (*CertificateReport, error) {
	configs, err := hm.configs.ListConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list configurations: %w", err)
	}

	now := time.Now().UTC()
	report := &CertificateReport{}

	for _, config := range configs {
		if config.CertificateExpiresAt == nil {
			continue
		}
		report.Checked++

		expiresAt := *config.CertificateExpiresAt
		switch {
		case now.After(expiresAt):
			moved, err := hm.configs.setStatus(ctx, config.ID,
				[]ConfigStatus{StatusActive, StatusCertificateExpiring}, StatusCertificateExpired)
			if err != nil {
				return report, err
			}
			if moved {
				report.Expired++
				hm.emitTransition(ctx, config, audit.EventTypeCertificateExpired,
					fmt.Sprintf("certificate expired at %s", expiresAt.Format(time.RFC3339)))
			}

		case now.Add(CertificateWarningWindow).After(expiresAt):
			moved, err := hm.configs.setStatus(ctx, config.ID,
				[]ConfigStatus{StatusActive}, StatusCertificateExpiring)
			if err != nil {
				return report, err
			}
			if moved {
				report.Expiring++
				hm.emitTransition(ctx, config, audit.EventTypeCertificateWarning,
					fmt.Sprintf("certificate expires at %s", expiresAt.Format(time.RFC3339)))
			}
		}
	}

	hm.logger.WithFields(map[string]interface{}{
		"checked":  report.Checked,
		"expiring": report.Expiring,
		"expired":  report.Expired,
	}).Info("certificate evaluation completed")

	return report, nil
}

func (hm *HealthMonitor) emitTransition(ctx context.Context, config *Configuration, eventType audit.EventType, message string) {
	event := &audit.Event{
		Timestamp:       time.Now().UTC(),
		EventType:       eventType,
		Status:          audit.EventStatusFailure,
		TenantID:        config.TenantID,
		ConfigurationID: config.ID,
		Message:         message,
	}
	if err := hm.security.Log(ctx, event); err != nil {
		hm.logger.WithError(err).WithField("tenant_id", config.TenantID).Error("failed to write certificate event")
	}
}
