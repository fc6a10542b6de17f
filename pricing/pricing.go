// Package pricing holds the static price registry used to turn token usage
// into USD cost. The table is loaded once at startup and never mutated at
// runtime; an unknown (provider, model) pair prices at zero and is flagged
// by the caller, never an error.
package pricing

import (
	_ "embed"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/costlens/meter-sdk-go/provider"
)

//go:embed registry.yaml
var registryYAML []byte

// defaultCacheDiscount prices cached input tokens at a fraction of the full
// input rate when a model entry does not override it.
const defaultCacheDiscount = 0.10

// ModelPrice is the unit price schema for one model. Rates are USD per 1k
// tokens. CacheDiscount is the fraction of the input rate charged for
// cached tokens; it is part of the table schema, not a per-provider constant.
type ModelPrice struct {
	InputPer1K    float64 `yaml:"input_per_1k"`
	OutputPer1K   float64 `yaml:"output_per_1k"`
	CacheDiscount float64 `yaml:"cache_discount"`
}

type registry struct {
	Version   string                           `yaml:"version"`
	Providers map[string]map[string]ModelPrice `yaml:"providers"`
}

// Table is a read-only price lookup.
type Table struct {
	version string
	prices  map[provider.Provider]map[string]ModelPrice
	// prefixes holds model ids per provider, longest first, for
	// versioned-id fallback (gpt-4o-2024-08-06 -> gpt-4o).
	prefixes map[provider.Provider][]string
}

// Default loads the embedded registry. The embedded file is validated at
// build time, so a decode failure here is a programming error.
func Default() *Table {
	t, err := Load(strings.NewReader(string(registryYAML)))
	if err != nil {
		panic(fmt.Sprintf("pricing: embedded registry invalid: %v", err))
	}
	return t
}

// Load reads a registry document from r.
func Load(r io.Reader) (*Table, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing registry: %w", err)
	}
	var reg registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to decode pricing registry: %w", err)
	}
	t := &Table{
		version:  reg.Version,
		prices:   make(map[provider.Provider]map[string]ModelPrice, len(reg.Providers)),
		prefixes: make(map[provider.Provider][]string, len(reg.Providers)),
	}
	for name, models := range reg.Providers {
		p := provider.FromString(name)
		if p == provider.Unknown {
			return nil, fmt.Errorf("pricing registry names unknown provider %q", name)
		}
		byModel := make(map[string]ModelPrice, len(models))
		ids := make([]string, 0, len(models))
		for id, price := range models {
			if price.InputPer1K < 0 || price.OutputPer1K < 0 {
				return nil, fmt.Errorf("pricing registry has negative rate for %s/%s", name, id)
			}
			if price.CacheDiscount <= 0 {
				price.CacheDiscount = defaultCacheDiscount
			}
			byModel[id] = price
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return len(ids[i]) > len(ids[j]) })
		t.prices[p] = byModel
		t.prefixes[p] = ids
	}
	return t, nil
}

// Version reports the registry version string.
func (t *Table) Version() string {
	if t == nil {
		return ""
	}
	return t.version
}

// Lookup resolves the price for a model. Versioned model ids fall back to
// the longest registered prefix. The second return is false when the pair
// is not priced; callers treat that as zero cost and flag pricing_unknown.
func (t *Table) Lookup(p provider.Provider, model string) (ModelPrice, bool) {
	if t == nil {
		return ModelPrice{}, false
	}
	byModel, ok := t.prices[p]
	if !ok {
		return ModelPrice{}, false
	}
	if price, ok := byModel[model]; ok {
		return price, true
	}
	for _, id := range t.prefixes[p] {
		if strings.HasPrefix(model, id) {
			return byModel[id], true
		}
	}
	return ModelPrice{}, false
}
