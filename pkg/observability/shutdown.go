package observability

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownFunc releases one resource during shutdown.
type ShutdownFunc func(context.Context) error

type namedShutdown struct {
	name string
	fn   ShutdownFunc
}

// ShutdownManager drains the HTTP server and then tears down registered
// resources in reverse registration order, so dependents close before
// the things they depend on (server before stores, stores before pools).
type ShutdownManager struct {
	logger  *Logger
	server  *http.Server
	timeout time.Duration

	mu    sync.Mutex
	funcs []namedShutdown
}

// NewShutdownManager creates a shutdown manager. A zero timeout defaults
// to 30 seconds.
func NewShutdownManager(logger *Logger, server *http.Server, timeout time.Duration) *ShutdownManager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = NewLogger(InfoLevel, os.Stderr)
	}
	return &ShutdownManager{
		logger:  logger,
		server:  server,
		timeout: timeout,
	}
}

// RegisterShutdownFunc registers a named teardown step. Nil functions
// are ignored.
func (sm *ShutdownManager) RegisterShutdownFunc(name string, fn ShutdownFunc) {
	if fn == nil {
		return
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.funcs = append(sm.funcs, namedShutdown{name: name, fn: fn})
}

// WaitForShutdown blocks until SIGINT or SIGTERM, then runs Shutdown
// under the configured timeout.
func (sm *ShutdownManager) WaitForShutdown() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	sm.logger.Infof("Received signal %s, starting graceful shutdown", sig)

	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()

	return sm.Shutdown(ctx)
}

// Shutdown drains the server and runs every registered teardown step.
// All steps run even when earlier ones fail; the first error is
// returned.
func (sm *ShutdownManager) Shutdown(ctx context.Context) error {
	var firstErr error

	if sm.server != nil {
		sm.logger.Info("Draining HTTP server")
		if err := sm.server.Shutdown(ctx); err != nil {
			sm.logger.WithError(err).Error("HTTP server shutdown error")
			firstErr = fmt.Errorf("http server shutdown: %w", err)
		}
	}

	sm.mu.Lock()
	funcs := make([]namedShutdown, len(sm.funcs))
	copy(funcs, sm.funcs)
	sm.mu.Unlock()

	for i := len(funcs) - 1; i >= 0; i-- {
		step := funcs[i]
		if ctx.Err() != nil {
			sm.logger.Warnf("Shutdown timeout reached before %s", step.name)
			if firstErr == nil {
				firstErr = fmt.Errorf("shutdown timeout before %s: %w", step.name, ctx.Err())
			}
			break
		}
		if err := step.fn(ctx); err != nil {
			sm.logger.WithError(err).Errorf("Shutdown of %s failed", step.name)
			if firstErr == nil {
				firstErr = fmt.Errorf("%s shutdown: %w", step.name, err)
			}
			continue
		}
		sm.logger.Infof("Shutdown of %s complete", step.name)
	}

	if firstErr == nil {
		sm.logger.Info("Graceful shutdown complete")
	}
	return firstErr
}
