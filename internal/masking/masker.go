// internal/masking/masker.go
package masking

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/xkilldash9x/querycore/internal/config"
)

// ErrLeakPrevented is returned when forbidden vocabulary survives masking.
var ErrLeakPrevented = errors.New("response withheld: forbidden vocabulary remained after masking")

// LeakError lists the tokens that survived.
type LeakError struct {
	Tokens []string
}

func (e *LeakError) Error() string {
	return fmt.Sprintf("%v: %s", ErrLeakPrevented, strings.Join(e.Tokens, ", "))
}

func (e *LeakError) Is(target error) bool { return target == ErrLeakPrevented }

// Result describes one masking run.
type Result struct {
	Text         string
	Replacements int
	Passes       int
}

// Masker rewrites technical vocabulary into business language and enforces
// that no forbidden token remains.
type Masker struct {
	substitutions map[string]string
	replacer      *regexp.Regexp
	forbidden     []string
	detector      *regexp.Regexp
	redactor      *regexp.Regexp
	maxPasses     int
	placeholder   string
	strict        bool
}

// New compiles the substitution table and forbidden list. Every substitution
// source term is forbidden as well.
func New(cfg config.MaskingConfig) (*Masker, error) {
	m := &Masker{
		substitutions: make(map[string]string, len(cfg.Substitutions)),
		maxPasses:     cfg.MaxPasses,
		placeholder:   cfg.Placeholder,
		strict:        cfg.Strict,
	}
	if m.maxPasses <= 0 {
		m.maxPasses = 3
	}
	if m.placeholder == "" {
		m.placeholder = "[internal detail]"
	}

	terms := make([]string, 0, len(cfg.Substitutions))
	for from, to := range cfg.Substitutions {
		key := strings.ToLower(strings.TrimSpace(from))
		if key == "" {
			continue
		}
		if strings.Contains(strings.ToLower(to), key) {
			return nil, fmt.Errorf("substitution for %q reintroduces the term", from)
		}
		m.substitutions[key] = to
		terms = append(terms, key)
	}

	seen := make(map[string]struct{})
	for _, t := range append(append([]string(nil), terms...), cfg.ForbiddenTokens...) {
		key := strings.ToLower(strings.TrimSpace(t))
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		m.forbidden = append(m.forbidden, key)
	}

	var err error
	if len(terms) > 0 {
		if m.replacer, err = regexp.Compile(`(?i)` + alternation(terms, true)); err != nil {
			return nil, fmt.Errorf("invalid substitution table: %w", err)
		}
	}
	if len(m.forbidden) == 0 {
		return m, nil
	}
	pattern := alternation(m.forbidden, false)
	if m.detector, err = regexp.Compile(`(?i)` + pattern); err != nil {
		return nil, fmt.Errorf("invalid forbidden list: %w", err)
	}
	if m.redactor, err = regexp.Compile(`(?i)\w*` + pattern + `\w*`); err != nil {
		return nil, fmt.Errorf("invalid forbidden list: %w", err)
	}
	if hit := m.detector.FindString(m.placeholder); hit != "" {
		return nil, fmt.Errorf("placeholder contains forbidden token %q", strings.ToLower(hit))
	}
	return m, nil
}

// alternation builds a group matching any of the quoted terms, longest first
// so overlapping terms resolve to the longest match. When bounded, word
// boundaries are required where a term starts or ends with a word character;
// otherwise terms match anywhere, including inside identifiers.
func alternation(terms []string, bounded bool) string {
	sorted := append([]string(nil), terms...)
	sort.Slice(sorted, func(i, j int) bool {
		if len(sorted[i]) != len(sorted[j]) {
			return len(sorted[i]) > len(sorted[j])
		}
		return sorted[i] < sorted[j]
	})
	parts := make([]string, len(sorted))
	for i, t := range sorted {
		p := regexp.QuoteMeta(t)
		if bounded {
			if first, _ := utf8.DecodeRuneInString(t); isWordRune(first) {
				p = `\b` + p
			}
			if last, _ := utf8.DecodeLastRuneInString(t); isWordRune(last) {
				p += `\b`
			}
		}
		parts[i] = p
	}
	return `(?:` + strings.Join(parts, "|") + `)`
}

func isWordRune(r rune) bool {
	return r == '_' || r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r))
}

// Strict reports whether surviving tokens fail the request.
func (m *Masker) Strict() bool { return m.strict }

// Mask applies the substitution table until the text is clean or the pass
// limit is reached. Surviving forbidden tokens yield a *LeakError, which
// matches ErrLeakPrevented; Result.Text is then the partially masked text and
// must not be shown to a user as is.
func (m *Masker) Mask(text string) (Result, error) {
	res := Result{Text: text}
	for res.Passes < m.maxPasses {
		if len(m.Leaks(res.Text)) == 0 {
			return res, nil
		}
		res.Passes++
		replaced := 0
		if m.replacer != nil {
			res.Text = m.replacer.ReplaceAllStringFunc(res.Text, func(match string) string {
				replaced++
				if to, ok := m.substitutions[strings.ToLower(match)]; ok {
					return to
				}
				return m.placeholder
			})
		}
		res.Replacements += replaced
		if replaced == 0 {
			break
		}
	}
	if leaks := m.Leaks(res.Text); len(leaks) > 0 {
		return res, &LeakError{Tokens: leaks}
	}
	return res, nil
}

// Leaks returns the distinct forbidden tokens present anywhere in text,
// lowercased, in order of first appearance. Tokens embedded in longer words
// count.
func (m *Masker) Leaks(text string) []string {
	if m.detector == nil {
		return nil
	}
	var out []string
	seen := make(map[string]struct{})
	for _, hit := range m.detector.FindAllString(text, -1) {
		key := strings.ToLower(hit)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

// Redact masks text and replaces every word still carrying forbidden
// vocabulary with the placeholder. The result never contains a forbidden token.
func (m *Masker) Redact(text string) Result {
	res, err := m.Mask(text)
	if err == nil {
		return res
	}
	for i := 0; i < m.maxPasses && m.redactor != nil; i++ {
		res.Text = m.redactor.ReplaceAllStringFunc(res.Text, func(string) string {
			res.Replacements++
			return m.placeholder
		})
		if len(m.Leaks(res.Text)) == 0 {
			return res
		}
	}
	// Removal of a token can splice a new one together; fall back to the
	// placeholder alone.
	res.Text = m.placeholder
	return res
}
