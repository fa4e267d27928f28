// internal/tools/registry.go
package tools

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/querycore/api/schemas"
	"github.com/xkilldash9x/querycore/internal/config"
)

// ErrUnmappedCategory means a classification named a category no tool set is
// registered for. It is a configuration bug, not a remote failure.
var ErrUnmappedCategory = errors.New("category has no registered tools")

// Registry maps classification categories to the tools that serve them.
type Registry struct {
	mu         sync.RWMutex
	categories map[string][]schemas.Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{categories: make(map[string][]schemas.Tool)}
}

// FromConfig builds HTTP tools for every configured category.
func FromConfig(cfg config.ToolsConfig, logger *zap.Logger) (*Registry, error) {
	r := NewRegistry()
	for category, tcs := range cfg.Categories {
		set := make([]schemas.Tool, 0, len(tcs))
		for _, tc := range tcs {
			t, err := NewHTTPTool(tc, logger)
			if err != nil {
				return nil, fmt.Errorf("category %q: %w", category, err)
			}
			set = append(set, t)
		}
		r.Register(category, set...)
	}
	return r, nil
}

// Register adds tools to a category. A category may be registered with no
// tools, which makes it valid but answered from the query alone.
func (r *Registry) Register(category string, tools ...schemas.Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.categories[category] = append(r.categories[category], tools...)
}

// ToolsFor returns the tool set of category.
func (r *Registry) ToolsFor(category string) ([]schemas.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.categories[category]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnmappedCategory, category)
	}
	return append([]schemas.Tool(nil), set...), nil
}

// Has reports whether category is registered.
func (r *Registry) Has(category string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.categories[category]
	return ok
}

// Categories lists the registered categories in sorted order.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.categories))
	for c := range r.categories {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
