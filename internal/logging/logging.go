// Copyright (c) Meduza Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package logging builds the process-wide structured logger, following the
// same construction style as cmd/k8s-operator/operator.go's
// kzap.NewRaw(opts...).Sugar().
package logging

import (
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.SugaredLogger at the given level ("debug", "info",
// "warn", "error"). format is "console", "json", or "" to auto-detect from
// whether stderr is a terminal.
func New(level, format string) (*zap.SugaredLogger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	if format == "" {
		format = "console"
		if !isatty.IsTerminal(os.Stderr.Fd()) {
			format = "json"
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	var out zapcore.WriteSyncer = zapcore.AddSync(os.Stderr)
	switch format {
	case "json":
		encoder = zapcore.NewJSONEncoder(encCfg)
	default:
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
		out = zapcore.AddSync(colorable.NewColorable(os.Stderr))
	}

	core := zapcore.NewCore(encoder, out, lvl)
	return zap.New(core).Sugar(), nil
}
