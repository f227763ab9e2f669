package search

import (
	"fmt"
	"strings"

	"ravensearch/internal/indexing"
)

const (
	defaultHighlightPre  = "<b>"
	defaultHighlightPost = "</b>"
	fragmentContext      = 20 // characters of context kept on each side of a match
)

// highlight builds per-field highlight fragments for a document by locating
// the query's matched terms inside that document's stored field text and
// wrapping them in the user-chosen (or default) pre/post tags. This is a
// plain substring scan rather than a tokenizer-position-based pass
// (analysis.Token.Position) because it runs over already-stored
// field text, not freshly-analyzed text — a fuller implementation would
// reuse the stored analyzed positions captured at index time instead of
// re-scanning.
func highlight(buf *indexing.WriteBuffer, docID uint32, req Request) map[string][]string {
	stored, ok := buf.StoredFields[docID]
	if !ok {
		return nil
	}

	pre := req.HighlightPre
	if pre == "" {
		pre = defaultHighlightPre
	}
	post := req.HighlightPost
	if post == "" {
		post = defaultHighlightPost
	}

	out := make(map[string][]string)
	for _, clause := range req.Clauses {
		field := NormalizeFieldName(clause.Field)
		raw, ok := stored[field]
		if !ok {
			continue
		}
		text := string(raw)
		fragments := findFragments(text, clause.Value, pre, post)
		if len(fragments) > 0 {
			out[field] = append(out[field], fragments...)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func findFragments(text, term, pre, post string) []string {
	if term == "" {
		return nil
	}
	lowerText := strings.ToLower(text)
	lowerTerm := strings.ToLower(term)

	var fragments []string
	start := 0
	for {
		idx := strings.Index(lowerText[start:], lowerTerm)
		if idx < 0 {
			break
		}
		idx += start
		end := idx + len(term)

		fragStart := idx - fragmentContext
		if fragStart < 0 {
			fragStart = 0
		}
		fragEnd := end + fragmentContext
		if fragEnd > len(text) {
			fragEnd = len(text)
		}

		fragment := fmt.Sprintf("%s%s%s%s%s",
			text[fragStart:idx], pre, text[idx:end], post, text[end:fragEnd])
		fragments = append(fragments, fragment)

		start = end
		if start >= len(text) {
			break
		}
	}
	return fragments
}
