package site

import (
	"fmt"
	"sort"
	"strings"

	"github.com/JakeFAU/novel-crawler/internal/crawler"
)

// AdapterSelector names the adapter built purely from configured selectors.
const AdapterSelector = "selector"

// Registry maps adapter names to selector presets.
type Registry struct {
	presets map[string]Selectors
}

// NewRegistry returns a registry preloaded with the built-in site presets.
func NewRegistry() *Registry {
	r := &Registry{presets: make(map[string]Selectors)}
	r.Register(AdapterHJWZW, HJWZWSelectors())
	return r
}

// Register adds or replaces a preset.
func (r *Registry) Register(name string, sel Selectors) {
	r.presets[strings.ToLower(name)] = sel
}

// Names lists every adapter name Build accepts.
func (r *Registry) Names() []string {
	names := []string{AdapterSelector}
	for name := range r.presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build returns the adapter called name. Overrides are applied on top of a
// preset; for the selector adapter they are the whole configuration.
func (r *Registry) Build(name string, overrides Selectors) (crawler.SiteAdapter, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == AdapterSelector {
		a, err := NewSelectorAdapter(overrides)
		if err != nil {
			return nil, fmt.Errorf("build selector adapter: %w", err)
		}
		return a, nil
	}
	preset, ok := r.presets[key]
	if !ok {
		return nil, fmt.Errorf("unknown adapter %q (known: %s)", name, strings.Join(r.Names(), ", "))
	}
	a, err := NewSelectorAdapter(preset.Merge(overrides))
	if err != nil {
		return nil, fmt.Errorf("build %s adapter: %w", key, err)
	}
	return a, nil
}
