// Package entitlement resolves license tiers into the storage backends and collaboration
// limits a launch may use. Tiers come from a YAML table with built-in defaults.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"backbone/internal/logging"
	"backbone/internal/startup"
)

// ErrUnknownTier is returned when a tier is not present in the table.
var ErrUnknownTier = errors.New("unknown license tier")

// Tier is one row of the entitlement table.
type Tier struct {
	Backends         []startup.StorageMode `yaml:"backends"`
	MaxCollaborators int                   `yaml:"max_collaborators"` // 0 = unlimited
}

type tableFile struct {
	Tiers map[string]Tier `yaml:"tiers"`
}

// DefaultTiers returns the built-in tier table.
func DefaultTiers() map[string]Tier {
	return map[string]Tier{
		"free":       {Backends: []startup.StorageMode{startup.StorageLocal}, MaxCollaborators: 1},
		"pro":        {Backends: []startup.StorageMode{startup.StorageLocal, startup.StorageCloud}, MaxCollaborators: 5},
		"team":       {Backends: []startup.StorageMode{startup.StorageLocal, startup.StorageCloud, startup.StorageHybrid}, MaxCollaborators: 25},
		"enterprise": {Backends: []startup.StorageMode{startup.StorageLocal, startup.StorageCloud, startup.StorageHybrid}},
	}
}

// Table resolves tiers. It is safe for concurrent use; Reload swaps the rows atomically.
type Table struct {
	mu    sync.RWMutex
	tiers map[string]Tier
	path  string
}

// NewTable returns a table holding the built-in tiers.
func NewTable() *Table {
	return &Table{tiers: DefaultTiers()}
}

// LoadTable reads path over the built-in tiers. A missing file yields the defaults.
func LoadTable(path string) (*Table, error) {
	t := NewTable()
	t.path = path
	if err := t.Reload(); err != nil {
		return nil, err
	}
	return t, nil
}

// Path returns the file the table was loaded from, if any.
func (t *Table) Path() string {
	return t.path
}

// Reload re-reads the table file. On a parse error the previous rows are kept.
func (t *Table) Reload() error {
	if t.path == "" {
		return nil
	}

	data, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.EntitlementDebug("no tier table at %s, using built-in tiers", t.path)
			t.swap(DefaultTiers())
			return nil
		}
		return fmt.Errorf("failed to read tier table: %w", err)
	}

	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse tier table %s: %w", t.path, err)
	}

	tiers := DefaultTiers()
	for name, tier := range f.Tiers {
		for _, b := range tier.Backends {
			if !b.Valid() {
				return fmt.Errorf("tier %q lists an unusable backend", name)
			}
		}
		tiers[strings.ToLower(name)] = tier
	}
	t.swap(tiers)
	logging.Entitlement("tier table loaded from %s (%d tiers)", t.path, len(tiers))
	return nil
}

func (t *Table) swap(tiers map[string]Tier) {
	t.mu.Lock()
	t.tiers = tiers
	t.mu.Unlock()
}

// Names returns the known tier names, sorted.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.tiers))
	for n := range t.tiers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the entitlement for tier. Web-only deployments cannot reach local
// disk, so Local and Hybrid are removed.
func (t *Table) Resolve(ctx context.Context, tier string, webOnly bool) (startup.Entitlement, error) {
	if err := ctx.Err(); err != nil {
		return startup.Entitlement{}, err
	}

	name := strings.ToLower(strings.TrimSpace(tier))
	t.mu.RLock()
	row, ok := t.tiers[name]
	t.mu.RUnlock()
	if !ok {
		return startup.Entitlement{}, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}

	allowed := startup.NewStorageSet(row.Backends...)
	if webOnly {
		delete(allowed, startup.StorageLocal)
		delete(allowed, startup.StorageHybrid)
	}

	logging.EntitlementDebug("resolved tier=%s web_only=%v backends=%v", name, webOnly, allowed.Sorted())
	return startup.Entitlement{
		Tier:             name,
		AllowedBackends:  allowed,
		MaxCollaborators: row.MaxCollaborators,
	}, nil
}
