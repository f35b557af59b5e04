// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// Routes served by the admin handler.
const (
	RouteStatus  = "GET /admin/status"
	RoutePlugin  = "GET /admin/plugins/{id}"
	RouteUnload  = "POST /admin/plugins/{id}/unload"
	RouteReload  = "POST /admin/plugins/{id}/reload"
	RouteMetrics = "GET /admin/metrics"
)

// HandlerOption configures the admin HTTP handler.
type HandlerOption func(*handler)

// WithTokenVerifier requires a bearer token on every admin request.
func WithTokenVerifier(v *TokenVerifier) HandlerOption {
	return func(h *handler) { h.verifier = v }
}

type handler struct {
	svc      *Service
	verifier *TokenVerifier
	logger   *slog.Logger
}

// Register mounts the admin routes on mux.
func Register(mux *http.ServeMux, svc *Service, opts ...HandlerOption) {
	h := &handler{svc: svc, logger: svc.logger}
	for _, opt := range opts {
		opt(h)
	}
	mux.Handle(RouteStatus, h.auth(h.status))
	mux.Handle(RoutePlugin, h.auth(h.plugin))
	mux.Handle(RouteUnload, h.auth(h.unload))
	mux.Handle(RouteReload, h.auth(h.reload))
	mux.Handle(RouteMetrics, h.auth(h.metrics))
}

// NewHandler returns a handler serving only the admin routes.
func NewHandler(svc *Service, opts ...HandlerOption) http.Handler {
	mux := http.NewServeMux()
	Register(mux, svc, opts...)
	return mux
}

func (h *handler) auth(next http.HandlerFunc) http.Handler {
	if h.verifier == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !h.verifier.Verify(token) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="pluginhost"`)
			h.writeJSON(w, http.StatusUnauthorized, OperationResult{
				Message: "missing or invalid admin token",
				Code:    "ADMIN_UNAUTHORIZED",
			})
			return
		}
		next(w, r)
	})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.SystemStatus(r.Context()))
}

func (h *handler) plugin(w http.ResponseWriter, r *http.Request) {
	ps, err := h.svc.PluginStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeJSON(w, http.StatusNotFound, failure(err, err.Error()))
		return
	}
	h.writeJSON(w, http.StatusOK, ps)
}

func (h *handler) unload(w http.ResponseWriter, r *http.Request) {
	res := h.svc.UnloadPlugin(r.Context(), r.PathValue("id"))
	h.writeJSON(w, statusFor(res), res)
}

func (h *handler) reload(w http.ResponseWriter, r *http.Request) {
	res := h.svc.ReloadPlugin(r.Context(), r.PathValue("id"))
	h.writeJSON(w, statusFor(res), res)
}

func (h *handler) metrics(w http.ResponseWriter, _ *http.Request) {
	data, err := h.svc.ExportMetrics()
	if err != nil {
		h.writeJSON(w, http.StatusInternalServerError, failure(err, err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // client may disconnect
	w.Write(data)
}

// statusFor maps an operation result to an HTTP status.
func statusFor(res OperationResult) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.Code {
	case "PLUGIN_NOT_FOUND":
		return http.StatusNotFound
	case "PLUGIN_NOT_RELOADABLE", "LOADER_CLOSED", "PLUGIN_ALREADY_ACTIVE":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		h.logger.Debug("admin response not written", "error", err)
	}
}
