// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

// Package capability enforces single-provider policies for exclusive
// capability categories such as "ui" or "renderer".
//
// A category pattern is a gobwas/glob expression compiled without segment
// separators, so '*' crosses '.' boundaries. A pattern without glob
// metacharacters is treated as a prefix:
//   - "ui" matches "ui", "ui.terminal" and "uikit"
//   - "renderer.*" matches "renderer.opengl" but not "renderer"
//   - "{ui,tui}*" matches capabilities starting with either word
package capability

import (
	"log/slog"
	"strings"

	"github.com/gobwas/glob"
	"github.com/samber/oops"

	"github.com/lablabbean/pluginhost/internal/plugin"
)

// Category is one exclusive capability role.
type Category struct {
	// Name appears in exclusion reasons, e.g. "ui".
	Name string
	// Pattern selects the capabilities belonging to the category. Empty
	// means Name used as a prefix.
	Pattern string
	// Preferred is an operator-chosen plugin id that wins when present.
	Preferred string
}

// Policy configures validation.
type Policy struct {
	// Categories are evaluated in order.
	Categories []Category
	// Strict changes the wording of exclusion reasons and logs them as
	// errors rather than warnings.
	Strict bool
	// Skip lists plugin ids that are never loaded.
	Skip []string
	// Only, when non-empty, restricts loading to the listed ids.
	Only []string
}

// DefaultPolicy returns strict single-provider rules for ui and renderer.
func DefaultPolicy() Policy {
	return Policy{
		Categories: []Category{
			{Name: "ui"},
			{Name: "renderer"},
		},
		Strict: true,
	}
}

// Result is the outcome of Validate.
type Result struct {
	// ToLoad keeps the input order.
	ToLoad []*plugin.Manifest
	// Excluded maps plugin id to a human-readable reason.
	Excluded map[string]string
	// Selected maps category name to the chosen plugin id, for categories
	// with at least one candidate.
	Selected map[string]string
}

type compiledCategory struct {
	Category
	glob glob.Glob
}

// Validator applies a Policy to discovered manifests.
type Validator struct {
	policy     Policy
	categories []compiledCategory
	logger     *slog.Logger
}

// NewValidator compiles policy. A nil logger uses slog.Default().
func NewValidator(policy Policy, logger *slog.Logger) (*Validator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	compiled := make([]compiledCategory, 0, len(policy.Categories))
	for i, c := range policy.Categories {
		if c.Name == "" {
			return nil, oops.Code("CAPABILITY_POLICY_INVALID").Errorf("category %d has no name", i)
		}
		pattern := c.Pattern
		if pattern == "" {
			pattern = c.Name
		}
		if !hasMeta(pattern) {
			pattern += "*"
		}
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, oops.Code("CAPABILITY_POLICY_INVALID").
				With("category", c.Name).
				With("pattern", pattern).
				Wrap(err)
		}
		c.Pattern = pattern
		compiled = append(compiled, compiledCategory{Category: c, glob: g})
	}

	return &Validator{policy: policy, categories: compiled, logger: logger}, nil
}

// Validate filters manifests by the skip and only lists, then keeps a single
// provider per exclusive category. It never fails; every exclusion carries a
// reason.
func (v *Validator) Validate(manifests []*plugin.Manifest) *Result {
	res := &Result{
		Excluded: make(map[string]string),
		Selected: make(map[string]string),
	}

	skip := toSet(v.policy.Skip)
	only := toSet(v.policy.Only)
	for _, m := range manifests {
		switch {
		case skip[m.ID]:
			res.Excluded[m.ID] = "Excluded via plugins.skip configuration"
		case len(only) > 0 && !only[m.ID]:
			res.Excluded[m.ID] = "Not in plugins.only list"
		}
	}

	for _, c := range v.categories {
		var candidates []*plugin.Manifest
		for _, m := range manifests {
			if _, out := res.Excluded[m.ID]; out {
				continue
			}
			if c.matches(m) {
				candidates = append(candidates, m)
			}
		}
		if winner := v.selectOne(c, candidates, res); winner != nil {
			res.Selected[c.Name] = winner.ID
		}
	}

	for _, m := range manifests {
		if _, out := res.Excluded[m.ID]; !out {
			res.ToLoad = append(res.ToLoad, m)
		}
	}

	if len(res.Selected) > 0 {
		attrs := make([]any, 0, 2*len(res.Selected))
		for _, c := range v.categories {
			if id, ok := res.Selected[c.Name]; ok {
				attrs = append(attrs, c.Name, id)
			}
		}
		v.logger.Info("capability selection", attrs...)
	}
	return res
}

func (v *Validator) selectOne(c compiledCategory, candidates []*plugin.Manifest, res *Result) *plugin.Manifest {
	switch len(candidates) {
	case 0:
		return nil
	case 1:
		v.logger.Debug("single provider for capability", "category", c.Name, "plugin", candidates[0].ID)
		return candidates[0]
	}

	var winner *plugin.Manifest
	if c.Preferred != "" {
		for _, m := range candidates {
			if m.ID == c.Preferred {
				winner = m
				break
			}
		}
		if winner == nil {
			v.logger.Warn("preferred plugin not among candidates", "category", c.Name, "preferred", c.Preferred)
		}
	}
	if winner == nil {
		// Strictly greater keeps the first seen on ties.
		winner = candidates[0]
		for _, m := range candidates[1:] {
			if m.Priority > winner.Priority {
				winner = m
			}
		}
	}

	for _, m := range candidates {
		if m.ID == winner.ID {
			continue
		}
		var reason string
		if v.policy.Strict {
			reason = "Only one " + c.Name + " plugin allowed; '" + winner.ID + "' was selected"
			v.logger.Error("plugin excluded by capability policy", "category", c.Name, "plugin", m.ID, "reason", reason)
		} else {
			reason = "Multiple " + c.Name + " plugins found; '" + winner.ID + "' was selected by priority"
			v.logger.Warn("plugin excluded by capability policy", "category", c.Name, "plugin", m.ID, "reason", reason)
		}
		res.Excluded[m.ID] = reason
	}
	return winner
}

func (c compiledCategory) matches(m *plugin.Manifest) bool {
	for _, capability := range m.Capabilities {
		if c.glob.Match(capability) {
			return true
		}
	}
	return false
}

func hasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, `*?[]{}\`)
}

func toSet(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}
