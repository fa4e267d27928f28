// internal/patterns/table.go
package patterns

import (
	"github.com/xkilldash9x/querycore/api/schemas"
	"github.com/xkilldash9x/querycore/internal/llmutil"
)

// Table is an immutable snapshot of the learned patterns. A reload builds a
// new table and swaps the pointer; readers holding the old one are unaffected.
type Table struct {
	exact       map[string]schemas.LearnedPattern
	corrections map[string]schemas.LearnedPattern
	byID        map[int64]schemas.LearnedPattern
}

// NewTable indexes patterns by normalized query. When two patterns claim the
// same query, the one with the higher id wins.
func NewTable(patterns []schemas.LearnedPattern) *Table {
	t := &Table{
		exact:       make(map[string]schemas.LearnedPattern),
		corrections: make(map[string]schemas.LearnedPattern),
		byID:        make(map[int64]schemas.LearnedPattern, len(patterns)),
	}
	for _, p := range patterns {
		t.put(p)
	}
	return t
}

func (t *Table) put(p schemas.LearnedPattern) {
	key := llmutil.NormalizeQuery(p.OriginalQuery)
	if key == "" {
		return
	}
	index := t.exact
	if p.PatternType == schemas.PatternCorrection {
		index = t.corrections
	}
	if cur, ok := index[key]; ok && cur.PatternID > p.PatternID {
		return
	}
	index[key] = p
	t.byID[p.PatternID] = p
}

// with returns a copy of t with p added or replaced.
func (t *Table) with(p schemas.LearnedPattern) *Table {
	next := &Table{
		exact:       make(map[string]schemas.LearnedPattern, len(t.exact)+1),
		corrections: make(map[string]schemas.LearnedPattern, len(t.corrections)),
		byID:        make(map[int64]schemas.LearnedPattern, len(t.byID)+1),
	}
	for id, existing := range t.byID {
		if id != p.PatternID {
			next.put(existing)
		}
	}
	next.put(p)
	return next
}

// without returns a copy of t lacking the pattern with id.
func (t *Table) without(id int64) *Table {
	remaining := make([]schemas.LearnedPattern, 0, len(t.byID))
	for pid, p := range t.byID {
		if pid != id {
			remaining = append(remaining, p)
		}
	}
	return NewTable(remaining)
}

// Match resolves query against the table. A correction pattern rewrites the
// query first; the rewritten query must then hit an exact pattern, unless
// the correction itself names the intent.
func (t *Table) Match(query string) (schemas.LearnedPattern, bool) {
	if t == nil {
		return schemas.LearnedPattern{}, false
	}
	key := llmutil.NormalizeQuery(query)
	if c, ok := t.corrections[key]; ok {
		if p, ok := t.exact[llmutil.NormalizeQuery(c.CorrectedQuery)]; ok {
			return p, true
		}
		if c.CorrectIntent != "" {
			return c, true
		}
	}
	p, ok := t.exact[key]
	return p, ok
}

// Len is the number of patterns in the table.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.byID)
}
