// Package logging configures the structured logger (go.uber.org/zap) shared
// by every component: zap.NewProduction() in production, zap.NewDevelopment()
// (console-encoded, debug level) when running locally.
package logging

import "go.uber.org/zap"

// New builds a production logger, or a development one (console-encoded,
// debug level) when dev is true.
func New(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// WithTenant returns a child logger annotating every entry with the tenant
// id, the one field nearly every log line in this system needs.
func WithTenant(logger *zap.Logger, tenantID string) *zap.Logger {
	return logger.With(zap.String("tenantId", tenantID))
}
