package utils

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "token-indexer"

// NewSugaredLogger returns a console development logger at debug level when
// verbose is set, and a JSON production logger at info level otherwise. Both
// use ISO8601 timestamps and tag every entry with the service name.
func NewSugaredLogger(verbose bool) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.InitialFields = map[string]any{"service": serviceName}

	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger (verbose=%t): %w", verbose, err)
	}
	return l.Sugar(), nil
}
