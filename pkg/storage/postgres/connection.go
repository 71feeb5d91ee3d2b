package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/platinummonkey/fedsso/pkg/observability"
)

// ConnectionManager manages the primary PostgreSQL connection plus any
// read replicas. Writes (session issuance, revocation, configuration
// changes) always go to the primary; read-only lookups may be served
// from a replica selected round-robin.
type ConnectionManager struct {
	primary  *sql.DB
	replicas []*sql.DB
	current  uint32
	mu       sync.RWMutex
	config   ConnectionConfig
	logger   *observability.Logger
}

// ConnectionConfig holds database connection configuration.
type ConnectionConfig struct {
	PrimaryURL  string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// NewConnectionManager connects to the primary and any configured
// replicas. The primary must be reachable; replicas that fail to
// connect are skipped with a warning.
func NewConnectionManager(config ConnectionConfig, logger *observability.Logger) (*ConnectionManager, error) {
	cm := &ConnectionManager{
		config:   config,
		replicas: make([]*sql.DB, 0),
		logger:   logger,
	}

	primary, err := sql.Open("postgres", config.PrimaryURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open primary connection: %w", err)
	}

	primary.SetMaxOpenConns(config.MaxConns)
	primary.SetMaxIdleConns(config.MinConns)
	primary.SetConnMaxLifetime(config.MaxLifetime)
	primary.SetConnMaxIdleTime(config.MaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()

	if err := primary.PingContext(ctx); err != nil {
		primary.Close()
		return nil, fmt.Errorf("failed to ping primary: %w", err)
	}

	cm.primary = primary

	for i, replicaURL := range config.ReplicaURLs {
		replica, err := sql.Open("postgres", replicaURL)
		if err != nil {
			logger.WithError(err).Warnf("failed to open replica %d, skipping", i)
			continue
		}

		replica.SetMaxOpenConns(cm.replicaMaxConns())
		replica.SetMaxIdleConns(config.MinConns)
		replica.SetConnMaxLifetime(config.MaxLifetime)
		replica.SetConnMaxIdleTime(config.MaxIdleTime)

		ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
		err = replica.PingContext(ctx)
		cancel()

		if err != nil {
			logger.WithError(err).Warnf("failed to ping replica %d, skipping", i)
			replica.Close()
			continue
		}

		cm.replicas = append(cm.replicas, replica)
	}

	logger.WithField("replicas", len(cm.replicas)).Info("database connection manager initialized")
	return cm, nil
}

// replicaMaxConns keeps replica pools smaller than the primary's.
func (cm *ConnectionManager) replicaMaxConns() int {
	n := cm.config.MaxConns / 2
	if n < 2 {
		n = 2
	}
	return n
}

// Primary returns the primary database connection (for writes).
func (cm *ConnectionManager) Primary() *sql.DB {
	return cm.primary
}

// Replica returns a read replica using round-robin selection, falling
// back to the primary when no replicas are available.
func (cm *ConnectionManager) Replica() *sql.DB {
	cm.mu.RLock()
	replicaCount := len(cm.replicas)
	cm.mu.RUnlock()

	if replicaCount == 0 {
		return cm.primary
	}

	index := atomic.AddUint32(&cm.current, 1)
	replicaIndex := int(index % uint32(replicaCount))

	cm.mu.RLock()
	replica := cm.replicas[replicaIndex]
	cm.mu.RUnlock()

	return replica
}

// HealthCheck pings the primary and all replicas. The primary being
// down is fatal; all replicas being down while the primary is up is
// surfaced as an error so operators see the degraded state.
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	if err := cm.primary.PingContext(ctx); err != nil {
		return fmt.Errorf("primary unhealthy: %w", err)
	}

	cm.mu.RLock()
	replicas := make([]*sql.DB, len(cm.replicas))
	copy(replicas, cm.replicas)
	cm.mu.RUnlock()

	var unhealthy []string
	for i, replica := range replicas {
		if err := replica.PingContext(ctx); err != nil {
			unhealthy = append(unhealthy, fmt.Sprintf("replica-%d", i))
		}
	}

	if len(unhealthy) > 0 && len(unhealthy) == len(replicas) {
		return fmt.Errorf("all replicas unhealthy: %s", strings.Join(unhealthy, ", "))
	}

	return nil
}

// ConnectionStats holds pool statistics for all database connections.
type ConnectionStats struct {
	Primary  sql.DBStats
	Replicas []sql.DBStats
}

// Stats returns connection pool statistics for primary and replicas.
func (cm *ConnectionManager) Stats() ConnectionStats {
	stats := ConnectionStats{
		Primary: cm.primary.Stats(),
	}

	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats.Replicas = make([]sql.DBStats, len(cm.replicas))
	for i, replica := range cm.replicas {
		stats.Replicas[i] = replica.Stats()
	}

	return stats
}

// RemoveUnhealthyReplicas drops replicas that fail a ping and returns
// the number removed.
func (cm *ConnectionManager) RemoveUnhealthyReplicas(ctx context.Context) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	healthy := make([]*sql.DB, 0, len(cm.replicas))
	removed := 0

	for _, replica := range cm.replicas {
		if err := replica.PingContext(ctx); err != nil {
			replica.Close()
			removed++
		} else {
			healthy = append(healthy, replica)
		}
	}

	cm.replicas = healthy
	return removed
}

// AddReplica adds a new replica connection at runtime.
func (cm *ConnectionManager) AddReplica(replicaURL string) error {
	replica, err := sql.Open("postgres", replicaURL)
	if err != nil {
		return fmt.Errorf("failed to open replica connection: %w", err)
	}

	replica.SetMaxOpenConns(cm.replicaMaxConns())
	replica.SetMaxIdleConns(cm.config.MinConns)
	replica.SetConnMaxLifetime(cm.config.MaxLifetime)
	replica.SetConnMaxIdleTime(cm.config.MaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cm.config.Timeout)
	defer cancel()

	if err := replica.PingContext(ctx); err != nil {
		replica.Close()
		return fmt.Errorf("failed to ping replica: %w", err)
	}

	cm.mu.Lock()
	cm.replicas = append(cm.replicas, replica)
	cm.mu.Unlock()

	return nil
}

// Close closes all database connections.
func (cm *ConnectionManager) Close() error {
	var errs []error

	if err := cm.primary.Close(); err != nil {
		errs = append(errs, fmt.Errorf("primary close error: %w", err))
	}

	cm.mu.Lock()
	replicas := cm.replicas
	cm.replicas = nil
	cm.mu.Unlock()

	for i, replica := range replicas {
		if err := replica.Close(); err != nil {
			errs = append(errs, fmt.Errorf("replica-%d close error: %w", i, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("connection close errors: %v", errs)
	}

	return nil
}

// StartHealthCheckRoutine periodically removes replicas that fail a
// ping so reads stop routing to them.
func (cm *ConnectionManager) StartHealthCheckRoutine(ctx context.Context, interval time.Duration) {
	if interval == 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		defer observability.RecoverPanic(cm.logger, "replica health check")

		for {
			select {
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				removed := cm.RemoveUnhealthyReplicas(checkCtx)
				cancel()

				if removed > 0 {
					cm.logger.WithField("removed", removed).Warn("removed unhealthy replicas from rotation")
				}

			case <-ctx.Done():
				return
			}
		}
	}()
}
