// Package logging builds the process logger from the configured
// verbosity.
package logging

import (
	"os"

	"copilot-gateway/internal/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New constructs the process logger. Verbosity 0 logs warnings and
// errors only, 1 adds request-level info, 2 and 3 enable debug output.
// COPILOT_LOG_FILE adds a file sink next to stderr.
func New(cfg *config.AppConfig) (*zap.Logger, error) {
	level := zapcore.WarnLevel
	switch {
	case cfg.Debug || cfg.Verbose >= 2:
		level = zapcore.DebugLevel
	case cfg.Verbose == 1:
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewConsoleEncoder(encCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level),
	}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, err
		}
		jsonEnc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		cores = append(cores, zapcore.NewCore(jsonEnc, zapcore.Lock(f), level))
	}

	return zap.New(zapcore.NewTee(cores...)), nil
}
