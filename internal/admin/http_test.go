// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

package admin_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lablabbean/pluginhost/internal/admin"
	"github.com/lablabbean/pluginhost/internal/plugin/loader"
	"github.com/lablabbean/pluginhost/pkg/errutil"
)

func serve(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Routes(t *testing.T) {
	svc, _ := newFixture(t, loader.Config{})
	h := admin.NewHandler(svc)

	tests := []struct {
		name   string
		method string
		path   string
		code   int
	}{
		{"status", http.MethodGet, "/admin/status", http.StatusOK},
		{"plugin", http.MethodGet, "/admin/plugins/core", http.StatusOK},
		{"unknown plugin", http.MethodGet, "/admin/plugins/ghost", http.StatusNotFound},
		{"metrics", http.MethodGet, "/admin/metrics", http.StatusOK},
		{"reload without hot reload", http.MethodPost, "/admin/plugins/core/reload", http.StatusConflict},
		{"unload unknown", http.MethodPost, "/admin/plugins/ghost/unload", http.StatusNotFound},
		{"unload", http.MethodPost, "/admin/plugins/slow/unload", http.StatusOK},
		{"unload needs POST", http.MethodGet, "/admin/plugins/core/unload", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, h, tt.method, tt.path, "")
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
			if tt.code != http.StatusMethodNotAllowed {
				assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestHandler_StatusBody(t *testing.T) {
	svc, _ := newFixture(t, loader.Config{})
	rec := serve(t, admin.NewHandler(svc), http.MethodGet, "/admin/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status admin.SystemStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 3, status.Total)
	assert.Equal(t, 2, status.Loaded)
}

func TestHandler_TokenAuth(t *testing.T) {
	hash, err := admin.HashToken("s3cret")
	require.NoError(t, err)
	verifier, err := admin.NewTokenVerifier(hash)
	require.NoError(t, err)

	svc, _ := newFixture(t, loader.Config{})
	h := admin.NewHandler(svc, admin.WithTokenVerifier(verifier))

	rec := serve(t, h, http.MethodGet, "/admin/status", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")

	rec = serve(t, h, http.MethodGet, "/admin/status", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(t, h, http.MethodGet, "/admin/status", "s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClient_AgainstHandler(t *testing.T) {
	svc, _ := newFixture(t, loader.Config{HotReload: true})
	srv := httptest.NewServer(admin.NewHandler(svc))
	defer srv.Close()

	c := admin.NewClient(srv.URL)
	ctx := context.Background()

	status, err := c.SystemStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, status.Total)

	ps, err := c.PluginStatus(ctx, "slow")
	require.NoError(t, err)
	assert.Equal(t, "degraded", string(ps.Health))

	_, err = c.PluginStatus(ctx, "ghost")
	errutil.AssertErrorCode(t, err, "PLUGIN_NOT_FOUND")

	res, err := c.ReloadPlugin(ctx, "core")
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = c.UnloadPlugin(ctx, "ghost")
	require.NoError(t, err, "failed operations still decode")
	assert.False(t, res.Success)
	assert.Equal(t, "PLUGIN_NOT_FOUND", res.Code)
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.Listener.Addr().String()
	srv.Close()

	_, err := admin.NewClient(addr).SystemStatus(context.Background())
	errutil.AssertErrorCode(t, err, "ADMIN_UNREACHABLE")
}
