// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

// Package plugin holds the host-side plugin model: manifests, discovery,
// descriptors and the contracts runtimes implement.
package plugin

import (
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// Kind identifies the runtime that executes a plugin.
type Kind string

// Plugin runtimes.
const (
	KindNative Kind = "native"
	KindLua    Kind = "lua"
	KindBinary Kind = "binary"
)

// Manifest file names, in lookup order.
const (
	ManifestFileYAML = "plugin.yaml"
	ManifestFileJSON = "plugin.json"
)

// Manifest is the parsed plugin.yaml (or plugin.json). It is not modified
// after parsing.
type Manifest struct {
	ID           string                `yaml:"id" jsonschema:"pattern=^[a-z]([a-z0-9._-]*[a-z0-9])?$"`
	Name         string                `yaml:"name,omitempty"`
	Version      string                `yaml:"version"`
	Description  string                `yaml:"description,omitempty"`
	Runtime      Kind                  `yaml:"runtime,omitempty" jsonschema:"enum=native,enum=lua,enum=binary"`
	Capabilities []string              `yaml:"capabilities,omitempty"`
	Dependencies []Dependency          `yaml:"dependencies,omitempty"`
	EntryPoint   *EntryPoint           `yaml:"entryPoint,omitempty"`
	Profiles     map[string]EntryPoint `yaml:"profiles,omitempty"`
	Priority     int                   `yaml:"priority,omitempty"`
}

// Dependency references another plugin by id.
type Dependency struct {
	ID       string `yaml:"id"`
	Optional bool   `yaml:"optional,omitempty"`
	// Version is a semver constraint. It is checked for reporting only.
	Version string `yaml:"version,omitempty"`
}

// EntryPoint locates the plugin code inside its runtime.
type EntryPoint struct {
	// Locator is runtime specific: a catalog name, script file or executable.
	Locator string `yaml:"locator"`
	// TypeName selects the plugin inside the locator.
	TypeName string `yaml:"typeName"`
}

func (e EntryPoint) String() string {
	return e.Locator + "," + e.TypeName
}

const maxIDLength = 64

var idPattern = regexp.MustCompile(`^[a-z]([a-z0-9._-]*[a-z0-9])?$`)

// ParseManifest parses and validates manifest data. JSON input is accepted
// because it is valid YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, oops.Code("MANIFEST_INVALID").Errorf("manifest data is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, oops.Code("MANIFEST_INVALID").Wrapf(err, "invalid manifest syntax")
	}
	if m.Runtime == "" {
		m.Runtime = KindNative
	}
	if m.Name == "" {
		m.Name = m.ID
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks manifest constraints.
func (m *Manifest) Validate() error {
	invalid := oops.Code("MANIFEST_INVALID").With("plugin", m.ID)

	if m.ID == "" || !idPattern.MatchString(m.ID) {
		return invalid.Errorf("id %q must start with a-z, contain only a-z, 0-9, '.', '_' or '-', and end with a letter or digit", m.ID)
	}
	if len(m.ID) > maxIDLength {
		return invalid.Errorf("id must be %d characters or less, got %d", maxIDLength, len(m.ID))
	}

	if m.Version == "" {
		return invalid.Errorf("version is required")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return invalid.Wrapf(err, "version %q is not a semantic version", m.Version)
	}

	switch m.Runtime {
	case KindNative, KindLua, KindBinary:
	default:
		return invalid.Errorf("runtime must be native, lua or binary, got %q", m.Runtime)
	}

	for i, c := range m.Capabilities {
		if strings.TrimSpace(c) == "" {
			return invalid.Errorf("capabilities[%d] is empty", i)
		}
	}

	seen := make(map[string]bool, len(m.Dependencies))
	for i, d := range m.Dependencies {
		if d.ID == "" {
			return invalid.Errorf("dependencies[%d].id is required", i)
		}
		if d.ID == m.ID {
			return invalid.Errorf("plugin cannot depend on itself")
		}
		if seen[d.ID] {
			return invalid.Errorf("dependency %q listed twice", d.ID)
		}
		seen[d.ID] = true
		if d.Version != "" {
			if _, err := semver.NewConstraint(d.Version); err != nil {
				return invalid.Wrapf(err, "dependencies[%d].version %q is not a valid constraint", i, d.Version)
			}
		}
	}

	if m.EntryPoint == nil && len(m.Profiles) == 0 {
		return invalid.Errorf("entryPoint or profiles is required")
	}
	if m.EntryPoint != nil {
		if err := validateEntryPoint(*m.EntryPoint); err != nil {
			return invalid.Wrapf(err, "entryPoint")
		}
	}
	for profile, ep := range m.Profiles {
		if err := validateEntryPoint(ep); err != nil {
			return invalid.Wrapf(err, "profiles.%s", profile)
		}
	}

	return nil
}

func validateEntryPoint(ep EntryPoint) error {
	if ep.Locator == "" {
		return oops.Errorf("locator is required")
	}
	if ep.TypeName == "" {
		return oops.Errorf("typeName is required")
	}
	return nil
}

// ResolveEntryPoint returns the entry point for profile, falling back to the
// generic entry point.
func (m *Manifest) ResolveEntryPoint(profile string) (EntryPoint, bool) {
	if ep, ok := m.Profiles[profile]; ok {
		return ep, true
	}
	if m.EntryPoint != nil {
		return *m.EntryPoint, true
	}
	return EntryPoint{}, false
}

// RequiredDependencies returns the ids of hard dependencies in declaration order.
func (m *Manifest) RequiredDependencies() []string {
	var ids []string
	for _, d := range m.Dependencies {
		if !d.Optional {
			ids = append(ids, d.ID)
		}
	}
	return ids
}

// OptionalDependencies returns the ids of soft dependencies in declaration order.
func (m *Manifest) OptionalDependencies() []string {
	var ids []string
	for _, d := range m.Dependencies {
		if d.Optional {
			ids = append(ids, d.ID)
		}
	}
	return ids
}

// SatisfiedBy reports whether version meets the dependency's constraint.
// Dependencies without a constraint are always satisfied.
func (d Dependency) SatisfiedBy(version string) (bool, error) {
	if d.Version == "" {
		return true, nil
	}
	c, err := semver.NewConstraint(d.Version)
	if err != nil {
		return false, oops.With("dependency", d.ID).Wrap(err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false, oops.With("dependency", d.ID).Wrap(err)
	}
	return c.Check(v), nil
}
