// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

package loader

import (
	"context"
	"errors"
)

// HostService ties the loader to the host process lifecycle.
type HostService struct {
	loader *Loader
}

// NewHostService wraps l.
// Panics if l is nil.
func NewHostService(l *Loader) *HostService {
	if l == nil {
		panic("loader: loader cannot be nil")
	}
	return &HostService{loader: l}
}

// Start discovers and loads plugins from the configured paths. Only a
// dependency cycle makes it fail.
func (s *HostService) Start(ctx context.Context) error {
	started, err := s.loader.DiscoverAndLoad(ctx)
	if err != nil {
		return err
	}
	s.loader.logger.Info("plugin host started",
		"started", started,
		"paths", s.loader.cfg.Paths)
	s.loader.logger.Debug(s.loader.metrics.Summary())
	return nil
}

// Stop unloads every plugin and closes the loader.
func (s *HostService) Stop(ctx context.Context) error {
	unloadErr := s.loader.UnloadAll(ctx)
	closeErr := s.loader.Close(ctx)
	return errors.Join(unloadErr, closeErr)
}
