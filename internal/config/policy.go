// Package config loads the per-collection queue policy: which payload fields
// are masked before persistence, which aggregate caches depend on a
// collection, and which collections may not be queued offline.
package config

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/atvirokodosprendimai/offlinesync/internal/core/domain"
)

type CollectionPolicy struct {
	SensitiveFields []string `yaml:"sensitive_fields"`
	DependentCaches []string `yaml:"dependent_caches"`
	// Offline set to false rejects the collection at enqueue time.
	Offline *bool `yaml:"offline"`
	// DisallowedOffline lists operation kinds that must run online.
	DisallowedOffline []domain.OperationKind `yaml:"disallowed_offline"`
}

type Policy struct {
	Collections map[string]CollectionPolicy `yaml:"collections"`
}

// Aggregate views of a project that are recomputed server-side whenever one
// of the estimate item tables changes.
var aggregateCaches = []string{"project-totals", "project-summary", "projects"}

// DefaultPolicy covers the estimate collections.
func DefaultPolicy() Policy {
	itemPolicy := CollectionPolicy{DependentCaches: aggregateCaches}
	return Policy{Collections: map[string]CollectionPolicy{
		"materials":     itemPolicy,
		"labor":         itemPolicy,
		"equipment":     itemPolicy,
		"misc_costs":    itemPolicy,
		"risks":         itemPolicy,
		"groups":        itemPolicy,
		"projects":      {DependentCaches: []string{"project-summary"}},
		"profiles":      {SensitiveFields: []string{"phone", "tax_id", "bank_account"}},
		"clients":       {SensitiveFields: []string{"email", "phone", "tax_id"}},
		"project_share": {Offline: boolPtr(false)},
	}}
}

// Load reads a YAML policy file and merges it over DefaultPolicy. An empty
// path returns the defaults.
func Load(path string) (Policy, error) {
	policy := DefaultPolicy()
	if path == "" {
		return policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	var file Policy
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Policy{}, fmt.Errorf("parse policy file: %w", err)
	}
	if err := file.Validate(); err != nil {
		return Policy{}, err
	}
	for name, cp := range file.Collections {
		policy.Collections[name] = cp
	}
	return policy, nil
}

func (p Policy) Validate() error {
	for name, cp := range p.Collections {
		if err := domain.ValidateCollection(name); err != nil {
			return fmt.Errorf("policy collection %q: %w", name, err)
		}
		for _, kind := range cp.DisallowedOffline {
			if !kind.Valid() {
				return fmt.Errorf("policy collection %q: unknown operation kind %q", name, kind)
			}
		}
	}
	return nil
}

func (p Policy) SensitiveFields(collection string) []string {
	return p.Collections[collection].SensitiveFields
}

func (p Policy) DependentCaches(collection string) []string {
	return p.Collections[collection].DependentCaches
}

func (p Policy) AllowsOffline(collection string, kind domain.OperationKind) bool {
	cp, ok := p.Collections[collection]
	if !ok {
		return true
	}
	if cp.Offline != nil && !*cp.Offline {
		return false
	}
	return !slices.Contains(cp.DisallowedOffline, kind)
}

func boolPtr(b bool) *bool { return &b }
