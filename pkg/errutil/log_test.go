// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

package errutil_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lablabbean/pluginhost/pkg/errutil"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogError_WithOopsError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	err := oops.Code("ENTRY_POINT_NOT_FOUND").
		With("plugin", "greeter").
		Hint("check entryPoint.locator").
		Errorf("script not found")

	errutil.LogError(logger, "plugin load failed", err, "batch", "b1")

	entry := decode(t, &buf)
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "plugin load failed", entry["msg"])
	assert.Equal(t, "ENTRY_POINT_NOT_FOUND", entry["code"])
	assert.Equal(t, "check entryPoint.locator", entry["hint"])
	assert.Equal(t, "b1", entry["batch"])
}

func TestLogError_WithStandardError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	errutil.LogError(logger, "operation failed", errors.New("standard error"))

	entry := decode(t, &buf)
	assert.Equal(t, "ERROR", entry["level"])
	assert.Contains(t, entry["error"], "standard error")
}

func TestLogWarn(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	errutil.LogWarn(logger, "reclaim slow", oops.Code("RECLAIM_TIMEOUT").Errorf("still held"))

	entry := decode(t, &buf)
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "RECLAIM_TIMEOUT", entry["code"])
}
