// Package goroutine provides panic recovery and leak detection helpers
// for background goroutines.
package goroutine

import (
	"runtime/debug"

	"go.uber.org/zap"
)

// Recover logs a recovered panic with its stack trace. Intended for use
// as a deferred call at the top of background goroutines so a single
// panicking task cannot take down the process.
//
// Usage:
//
//	go func() {
//	    defer goroutine.Recover("aggregator-cadence", logger)
//	    ...
//	}()
func Recover(name string, logger *zap.SugaredLogger) {
	if r := recover(); r != nil {
		if logger != nil {
			logger.Errorw("Recovered panic in goroutine",
				"goroutine", name,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}
}
