package transcript

import (
	"go.uber.org/zap"
)

var (
	// Package-level logger for transcript parsing - use this directly
	logger = zap.NewNop()
)

// SetLogger allows the main package to inject its configured logger
func SetLogger(l *zap.Logger) {
	if l != nil {
		logger = l.With(zap.String("package", "transcript"))
	}
}
