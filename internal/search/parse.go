package search

import (
	"strings"

	"ravensearch/internal/query"
)

// intersectSeparator is the literal keyword RavenDB's query language uses to
// join INTERSECT sub-queries.
const intersectSeparator = " INTERSECT "

// ParseQueryString compiles a raw query string into the Clauses /
// IntersectGroups a Request needs: it tokenizes and parses via
// internal/query's recursive-descent parser, rewrites each resulting AST to
// a fixed point, then flattens the AST into this package's flat Clause
// shape. A query containing literal " INTERSECT " splits into independent
// sub-queries first — the base sub-query becomes clauses, every subsequent
// one becomes an IntersectGroups entry.
func ParseQueryString(raw string) (clauses []Clause, intersectGroups [][]Clause, intersect bool, err error) {
	parts := splitIntersect(raw)

	clauses, err = compileGroup(parts[0])
	if err != nil {
		return nil, nil, false, err
	}

	if len(parts) == 1 {
		return clauses, nil, false, nil
	}

	intersectGroups = make([][]Clause, 0, len(parts)-1)
	for _, part := range parts[1:] {
		group, err := compileGroup(part)
		if err != nil {
			return nil, nil, false, err
		}
		intersectGroups = append(intersectGroups, group)
	}
	return clauses, intersectGroups, true, nil
}

// splitIntersect splits raw on the literal " INTERSECT " separator,
// case-insensitively. The split is purely textual: quotes are not
// considered, so a quoted phrase containing " INTERSECT " is split too.
func splitIntersect(raw string) []string {
	if !strings.Contains(strings.ToUpper(raw), strings.ToUpper(intersectSeparator)) {
		return []string{raw}
	}
	return splitCaseInsensitive(raw, intersectSeparator)
}

func splitCaseInsensitive(raw, sep string) []string {
	upper := strings.ToUpper(raw)
	sepUpper := strings.ToUpper(sep)
	var parts []string
	for {
		idx := strings.Index(upper, sepUpper)
		if idx < 0 {
			parts = append(parts, raw)
			return parts
		}
		parts = append(parts, raw[:idx])
		raw = raw[idx+len(sep):]
		upper = upper[idx+len(sep):]
	}
}

// compileGroup parses and rewrites one sub-query string, then flattens it
// into a flat clause list.
func compileGroup(raw string) ([]Clause, error) {
	q, err := query.Parse(raw)
	if err != nil {
		return nil, err
	}
	q = query.Rewrite(q)

	var out []Clause
	compileInto(q, query.BooleanMust, &out)
	return out, nil
}

// combineOccur resolves the effective occurrence of a nested clause: a
// MustNot ancestor inverts everything beneath it (NOT(a OR b) excludes both
// a and b), otherwise the clause's own occurrence stands.
func combineOccur(outer, inner query.BooleanOp) query.BooleanOp {
	if outer == query.BooleanMustNot {
		return query.BooleanMustNot
	}
	return inner
}

// compileInto flattens a query.Query AST into flat Clause values appended to
// out, threading occurrence through nested BooleanQuery nodes.
func compileInto(q query.Query, occur query.BooleanOp, out *[]Clause) {
	switch v := q.(type) {
	case *query.BooleanQuery:
		for _, c := range v.Clauses {
			compileInto(c.Query, combineOccur(occur, c.Occur), out)
		}
	case *query.TermQuery:
		*out = append(*out, Clause{Field: v.Field, Value: v.Term, Type: "term", Occur: occur})
	case *query.PrefixQuery:
		*out = append(*out, Clause{Field: v.Field, Value: v.Prefix, Type: "prefix", Occur: occur})
	case *query.WildcardQuery:
		*out = append(*out, Clause{Field: v.Field, Value: v.Pattern, Type: "wildcard", Occur: occur})
	case *query.RegexQuery:
		// No dedicated regex automaton is wired; approximate via the
		// wildcard matcher so a regex-shaped query still executes rather
		// than being rejected outright.
		*out = append(*out, Clause{Field: v.Field, Value: v.Pattern, Type: "wildcard", Occur: occur})
	case *query.FuzzyQuery:
		*out = append(*out, Clause{Field: v.Field, Value: v.Term, Type: "fuzzy", Occur: occur, FuzzyDistance: v.MaxDistance})
	case *query.RangeQuery:
		*out = append(*out, Clause{Field: v.Field, Value: v.Lo, RangeHi: v.Hi, Type: "range", Occur: occur})
	case *query.PhraseQuery:
		compileTerms(v.Field, v.Terms, occur, out)
	case *query.ProximityQuery:
		compileTerms(v.Field, v.Terms, occur, out)
	case *query.MatchAllQuery:
		*out = append(*out, Clause{Type: "matchall", Occur: occur})
	case *query.MatchNoneQuery:
		*out = append(*out, Clause{Type: "matchnone", Occur: occur})
	}
}

// compileTerms approximates a phrase/proximity query (no positional
// intersection is implemented yet) as a conjunction of per-term clauses: a
// document only matches if every term in the phrase is present. An outer
// MustNot still excludes the whole conjunction via combineOccur.
func compileTerms(field string, terms []string, occur query.BooleanOp, out *[]Clause) {
	for _, t := range terms {
		*out = append(*out, Clause{Field: field, Value: t, Type: "term", Occur: combineOccur(occur, query.BooleanMust)})
	}
}
