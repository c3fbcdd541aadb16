// Package logger constructs the archive's zap loggers.
package logger // import "github.com/telarc/telarc/logger"

import (
	"io"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a console logger writing to w at the given level with RFC3339
// UTC timestamps.
func New(w io.Writer, level zapcore.Level) *zap.Logger {
	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = func(ts time.Time, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(ts.UTC().Format(time.RFC3339))
	}
	config.EncodeDuration = func(d time.Duration, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(d.String())
	}
	return zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(config),
		zapcore.Lock(zapcore.AddSync(w)),
		level,
	))
}

// DurationLiteral formats a duration as a single string field, avoiding the
// split value/unit pair the default encoder produces.
func DurationLiteral(key string, val time.Duration) zap.Field {
	return zap.String(key, val.String())
}
