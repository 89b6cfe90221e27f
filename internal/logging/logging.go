// Package logging builds the zap loggers the command-line tools use.
package logging

import (
	"io"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger writing to w. Level names follow zap ("debug",
// "info", "warn", "error"); unknown names mean "warn". Format "json" selects
// JSON output, anything else the console encoder.
func New(w io.Writer, level, format string) *zap.Logger {
	lvl := zapcore.WarnLevel
	if err := lvl.Set(strings.ToLower(level)); err != nil {
		lvl = zapcore.WarnLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = ""
	var enc zapcore.Encoder
	if format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(w), zap.NewAtomicLevelAt(lvl))
	return zap.New(core)
}

// Level maps the -debug flag to a level name.
func Level(debug bool) string {
	if debug {
		return "debug"
	}
	return "warn"
}
