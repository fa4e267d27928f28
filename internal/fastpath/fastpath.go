// internal/fastpath/fastpath.go
package fastpath

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/xkilldash9x/querycore/internal/config"
)

// Rule is a compiled deterministic rule.
type Rule struct {
	Name     string
	Kind     string
	Response string
	Priority int
	regex    *regexp.Regexp
}

// Matcher answers queries that need no model at all. Rules are tested in
// descending priority; the first match wins.
type Matcher struct {
	rules   []Rule
	enabled bool
}

// New compiles the configured rules. A rule without a pattern is rejected so a
// typo cannot silently disable the forbidden-content guard.
func New(cfg config.FastPathConfig) (*Matcher, error) {
	m := &Matcher{enabled: cfg.Enabled}
	seen := make(map[string]struct{}, len(cfg.Rules))
	for _, r := range cfg.Rules {
		if strings.TrimSpace(r.Pattern) == "" {
			return nil, fmt.Errorf("fast path rule %q has no pattern", r.Name)
		}
		if _, dup := seen[r.Name]; dup {
			return nil, fmt.Errorf("duplicate fast path rule %q", r.Name)
		}
		seen[r.Name] = struct{}{}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("fast path rule %q: %w", r.Name, err)
		}
		m.rules = append(m.rules, Rule{
			Name:     r.Name,
			Kind:     r.Kind,
			Response: r.Response,
			Priority: r.Priority,
			regex:    re,
		})
	}
	sort.SliceStable(m.rules, func(i, j int) bool {
		return m.rules[i].Priority > m.rules[j].Priority
	})
	return m, nil
}

// Match returns the highest-priority rule matching query.
func (m *Matcher) Match(query string) (Rule, bool) {
	if m == nil || !m.enabled {
		return Rule{}, false
	}
	for _, r := range m.rules {
		if r.regex.MatchString(query) {
			return r, true
		}
	}
	return Rule{}, false
}

// Rules lists rule names in evaluation order.
func (m *Matcher) Rules() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.rules))
	for i, r := range m.rules {
		out[i] = r.Name
	}
	return out
}
