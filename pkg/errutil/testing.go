// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

package errutil

import (
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AssertErrorCode fails t unless err carries code. The code of a wrapped
// oops error counts.
func AssertErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, Code(err), "error: %v", err)
}

// AssertErrorContext fails t unless err carries key with value in its oops
// context.
func AssertErrorContext(t *testing.T, err error, key string, value any) {
	t.Helper()
	require.Error(t, err)
	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok, "expected oops error, got %T", err)
	got, ok := oopsErr.Context()[key]
	require.True(t, ok, "context has no %q: %v", key, oopsErr.Context())
	assert.Equal(t, value, got)
}
