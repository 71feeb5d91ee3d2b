package observability

import (
	"runtime/debug"
)

// RecoverPanic recovers a panic in a background goroutine and logs it
// with the full stack trace. Intended for deferred use in long-running
// routines (replica health checks, sweep jobs) where a panic must not
// take down the process:
//
//	defer observability.RecoverPanic(logger, "session sweep")
//
// The panic is swallowed after logging, so the surrounding routine
// simply ends. Callers that restart on a schedule (cron jobs, tickers)
// pick up again on the next run.
func RecoverPanic(logger *Logger, routine string) {
	if r := recover(); r != nil {
		logger.WithFields(map[string]interface{}{
			"panic":   r,
			"stack":   string(debug.Stack()),
			"routine": routine,
		}).Error("panic recovered")
	}
}
