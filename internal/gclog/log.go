// Package gclog centralizes the *zap.Logger construction shared by the
// heap, page backing, and collector packages, so every component logs
// through the same sink and field conventions instead of each wiring up
// its own zap.Config.
package gclog

import "go.uber.org/zap"

// New builds the module's default production logger: JSON encoding, info
// level, stack traces on error. Callers that want a no-op sink (tests,
// embedders that don't want GC chatter) should pass zap.NewNop() directly
// to the constructors that accept a *zap.Logger instead of calling this.
func New() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	return cfg.Build()
}

// Named returns a child logger scoped to one of the module's components
// (heap, pagebacking, gc), matching the corpus convention of adding a
// "component" field rather than a logger-per-package hierarchy.
func Named(log *zap.Logger, component string) *zap.Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return log.With(zap.String("component", component))
}
