// Package logging configures the process-wide zap logger used by every
// component, mirroring the common zap.L() call-site idiom.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Init installs the global zap logger. debug selects a development
// (console-encoded, caller-annotated) configuration; otherwise a
// production JSON configuration is used, matching what an operator would
// pipe into a log aggregator.
func Init(debug bool) (*zap.Logger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg = zap.NewProductionConfig()
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}
