// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

// Package services implements the cross-plugin service registry.
package services

import (
	"reflect"
	"sort"
	"sync"

	"github.com/samber/oops"

	"github.com/lablabbean/pluginhost/pkg/plugin"
)

// Compile-time interface check.
var _ plugin.Services = (*Registry)(nil)

type registration struct {
	impl any
	meta plugin.ServiceMetadata
	seq  uint64
}

// Registry holds service implementations keyed by type.
//
// Registrations for a key are kept sorted by descending priority, then by
// registration order. All operations take the same lock.
type Registry struct {
	mu       sync.Mutex
	services map[reflect.Type][]registration
	seq      uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[reflect.Type][]registration)}
}

// RegisterService adds impl under key. Registrations are never replaced.
func (r *Registry) RegisterService(key reflect.Type, impl any, meta plugin.ServiceMetadata) error {
	if key == nil {
		return oops.Code("SERVICE_KEY_INVALID").Errorf("service key is nil")
	}
	if isNil(impl) {
		return oops.Code("SERVICE_IMPL_NIL").With("service", key.String()).Errorf("implementation is nil")
	}
	if !reflect.TypeOf(impl).AssignableTo(key) {
		return oops.Code("SERVICE_TYPE_MISMATCH").
			With("service", key.String()).
			Errorf("%T does not implement %s", impl, key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	regs := append(r.services[key], registration{impl: impl, meta: meta, seq: r.seq})
	sort.SliceStable(regs, func(i, j int) bool {
		if regs[i].meta.Priority != regs[j].meta.Priority {
			return regs[i].meta.Priority > regs[j].meta.Priority
		}
		return regs[i].seq < regs[j].seq
	})
	r.services[key] = regs
	return nil
}

// Service returns a single implementation of key.
func (r *Registry) Service(key reflect.Type, mode plugin.SelectionMode) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	regs := r.services[key]
	name := "<nil>"
	if key != nil {
		name = key.String()
	}
	if len(regs) == 0 {
		return nil, oops.Code("SERVICE_NOT_FOUND").With("service", name).Errorf("no implementation registered for %s", name)
	}

	switch mode {
	case plugin.HighestPriority:
		return regs[0].impl, nil
	case plugin.One:
		if len(regs) > 1 {
			return nil, oops.Code("SERVICE_AMBIGUOUS").
				With("service", name).
				With("count", len(regs)).
				Errorf("expected exactly one implementation of %s, found %d", name, len(regs))
		}
		return regs[0].impl, nil
	default:
		return nil, oops.Code("SERVICE_MODE_INVALID").
			With("service", name).
			With("mode", mode.String()).
			Errorf("selection mode %s cannot return a single implementation; use AllServices", mode)
	}
}

// AllServices returns every implementation of key, highest priority first.
func (r *Registry) AllServices(key reflect.Type) []any {
	r.mu.Lock()
	defer r.mu.Unlock()

	regs := r.services[key]
	out := make([]any, len(regs))
	for i, reg := range regs {
		out[i] = reg.impl
	}
	return out
}

// IsRegistered reports whether key has at least one implementation.
func (r *Registry) IsRegistered(key reflect.Type) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.services[key]) > 0
}

// UnregisterService removes the registration whose implementation is the same
// reference as impl.
func (r *Registry) UnregisterService(key reflect.Type, impl any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	regs := r.services[key]
	for i, reg := range regs {
		if sameReference(reg.impl, impl) {
			r.services[key] = append(regs[:i:i], regs[i+1:]...)
			if len(r.services[key]) == 0 {
				delete(r.services, key)
			}
			return true
		}
	}
	return false
}

// UnregisterOwner removes every registration owned by pluginID and returns how
// many were removed.
func (r *Registry) UnregisterOwner(pluginID string) int {
	if pluginID == "" {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, regs := range r.services {
		kept := regs[:0:0]
		for _, reg := range regs {
			if reg.meta.Owner == pluginID {
				removed++
				continue
			}
			kept = append(kept, reg)
		}
		if len(kept) == 0 {
			delete(r.services, key)
		} else {
			r.services[key] = kept
		}
	}
	return removed
}

// Metadata returns the metadata of every registration for key, in selection
// order.
func (r *Registry) Metadata(key reflect.Type) []plugin.ServiceMetadata {
	r.mu.Lock()
	defer r.mu.Unlock()

	regs := r.services[key]
	out := make([]plugin.ServiceMetadata, len(regs))
	for i, reg := range regs {
		out[i] = reg.meta
	}
	return out
}

// Scoped returns a view of the registry that stamps owner on every
// registration made through it.
func (r *Registry) Scoped(owner string) plugin.Services {
	return &scoped{Registry: r, owner: owner}
}

type scoped struct {
	*Registry
	owner string
}

func (s *scoped) RegisterService(key reflect.Type, impl any, meta plugin.ServiceMetadata) error {
	meta.Owner = s.owner
	return s.Registry.RegisterService(key, impl, meta)
}

// sameReference compares by identity for reference kinds and by value for
// comparable values. Non-comparable values never match.
func sameReference(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	switch va.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	case reflect.Slice:
		return va.Pointer() == vb.Pointer() && va.Len() == vb.Len()
	}
	if !ta.Comparable() {
		return false
	}
	return a == b
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.Interface, reflect.Slice:
		return rv.IsNil()
	}
	return false
}
