// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

package plugin

import (
	"context"
	"log/slog"

	"github.com/samber/oops"

	pluginapi "github.com/lablabbean/pluginhost/pkg/plugin"
)

// OpenRequest describes the execution context to create for one plugin.
type OpenRequest struct {
	Manifest   *Manifest
	Dir        string
	EntryPoint EntryPoint
	// Collectible asks for a context that can be released and reclaimed
	// while the host keeps running.
	Collectible bool
	Logger      *slog.Logger
}

// Runtime creates isolated execution contexts for one kind of plugin.
type Runtime interface {
	Kind() Kind
	Open(ctx context.Context, req OpenRequest) (ExecutionContext, error)
}

// ExecutionContext owns the code and state of one loaded plugin instance.
//
// The loader calls Instantiate once. Release asks the runtime to tear the
// context down; reclamation may finish later and is observed with Released.
type ExecutionContext interface {
	Instantiate(ctx context.Context) (pluginapi.Plugin, error)
	Release(ctx context.Context) error
	Released() bool
}

// EntryPointNotFound builds the error runtimes return when the locator or
// type name does not resolve.
func EntryPointNotFound(m *Manifest, ep EntryPoint, err error) error {
	b := oops.Code("ENTRY_POINT_NOT_FOUND").
		With("plugin", m.ID).
		With("entry_point", ep.String())
	if err != nil {
		return b.Wrapf(err, "entry point %s not found", ep)
	}
	return b.Errorf("entry point %s not found", ep)
}

// ContractMismatch builds the error runtimes return when the entry point
// resolves to something that is not a plugin.
func ContractMismatch(m *Manifest, ep EntryPoint, detail string) error {
	return oops.Code("CONTRACT_MISMATCH").
		With("plugin", m.ID).
		With("entry_point", ep.String()).
		Errorf("%s does not implement the plugin contract: %s", ep.TypeName, detail)
}
