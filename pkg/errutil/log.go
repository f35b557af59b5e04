// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

// Package errutil holds helpers for logging and asserting oops errors.
package errutil

import (
	"log/slog"

	"github.com/samber/oops"
)

// LogError logs err at error level. Oops errors contribute their code,
// context and hint; extra attrs are appended as-is.
func LogError(logger *slog.Logger, msg string, err error, attrs ...any) {
	logger.Error(msg, errorAttrs(err, attrs)...)
}

// LogWarn is LogError at warn level, for failures the caller recovers from.
func LogWarn(logger *slog.Logger, msg string, err error, attrs ...any) {
	logger.Warn(msg, errorAttrs(err, attrs)...)
}

func errorAttrs(err error, extra []any) []any {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return append([]any{"error", err}, extra...)
	}
	attrs := []any{"error", oopsErr.Error()}
	if code := oopsErr.Code(); code != nil {
		attrs = append(attrs, "code", code)
	}
	if ctx := oopsErr.Context(); len(ctx) > 0 {
		attrs = append(attrs, "context", ctx)
	}
	if hint := oopsErr.Hint(); hint != "" {
		attrs = append(attrs, "hint", hint)
	}
	return append(attrs, extra...)
}

// Code returns the oops code of err, or "" when err carries none.
func Code(err error) string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	code, _ := oopsErr.Code().(string)
	return code
}
