// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

package plugin

import (
	"reflect"

	"github.com/samber/oops"
)

// SelectionMode controls how a single implementation is chosen when several
// are registered for the same service type.
type SelectionMode int

const (
	// HighestPriority returns the registration with the highest priority.
	// Ties go to the implementation registered first.
	HighestPriority SelectionMode = iota
	// One requires exactly one registration and fails otherwise.
	One
	// All is only meaningful for multi-result lookups; single-result lookups
	// reject it.
	All
)

// String returns the mode name.
func (m SelectionMode) String() string {
	switch m {
	case HighestPriority:
		return "highest_priority"
	case One:
		return "one"
	case All:
		return "all"
	default:
		return "unknown"
	}
}

// DefaultServicePriority is used when metadata does not set a priority.
const DefaultServicePriority = 100

// ServiceMetadata describes a registration.
type ServiceMetadata struct {
	Priority int
	Name     string
	Version  string
	// Owner is the id of the registering plugin. Scoped registries fill it
	// in; the host leaves it empty for framework services.
	Owner string
}

// Services is the type-keyed service registry.
//
// The reflect.Type key is normally obtained through the generic helpers
// (Register, Get, GetAll, Unregister) rather than passed directly.
type Services interface {
	RegisterService(key reflect.Type, impl any, meta ServiceMetadata) error
	Service(key reflect.Type, mode SelectionMode) (any, error)
	AllServices(key reflect.Type) []any
	IsRegistered(key reflect.Type) bool
	UnregisterService(key reflect.Type, impl any) bool
}

// KeyOf returns the registry key for T. For interface types this is the
// interface itself, not the dynamic type of a value.
func KeyOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Register adds impl as an implementation of T.
func Register[T any](s Services, impl T, meta ServiceMetadata) error {
	return s.RegisterService(KeyOf[T](), impl, meta)
}

// Get returns one implementation of T selected by mode.
func Get[T any](s Services, mode SelectionMode) (T, error) {
	var zero T
	raw, err := s.Service(KeyOf[T](), mode)
	if err != nil {
		return zero, err
	}
	v, ok := raw.(T)
	if !ok {
		return zero, oops.Code("SERVICE_TYPE_MISMATCH").
			With("service", KeyOf[T]().String()).
			Errorf("registered implementation %T is not a %s", raw, KeyOf[T]())
	}
	return v, nil
}

// GetAll returns every implementation of T in descending priority order.
func GetAll[T any](s Services) []T {
	raw := s.AllServices(KeyOf[T]())
	out := make([]T, 0, len(raw))
	for _, r := range raw {
		if v, ok := r.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// IsRegistered reports whether any implementation of T is registered.
func IsRegistered[T any](s Services) bool {
	return s.IsRegistered(KeyOf[T]())
}

// Unregister removes impl from T's registrations. It reports whether a
// registration was removed.
func Unregister[T any](s Services, impl T) bool {
	return s.UnregisterService(KeyOf[T](), impl)
}
