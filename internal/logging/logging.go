// Package logging constructs the structured logger shared by the daemon,
// the control plane, and the CLI. It follows the zap + logr pairing used
// throughout the reference controller: zap does the sinking and encoding,
// logr is the interface handed to leaf components so they never import zap
// directly.
package logging

import (
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logr.Logger at the given level ("debug", "info", "warn",
// "error"). If dir is non-empty, logs are additionally written to
// <dir>/vibed.log; an empty dir logs to stderr only.
func New(level string, dir string) (logr.Logger, func(), error) {
	lvl := zapcore.InfoLevel
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	sinks := []zapcore.WriteSyncer{zapcore.AddSync(os.Stderr)}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return logr.Discard(), func() {}, err
		}
		f, err := os.OpenFile(filepath.Join(dir, "vibed.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return logr.Discard(), func() {}, err
		}
		sinks = append(sinks, zapcore.AddSync(f))
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.NewMultiWriteSyncer(sinks...),
		lvl,
	)
	zl := zap.New(core)
	return zapr.NewLogger(zl), func() { _ = zl.Sync() }, nil
}

// Discard returns a logger that drops everything, for tests that don't
// care about log output.
func Discard() logr.Logger { return logr.Discard() }
