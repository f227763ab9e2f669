// Package search implements the per-request Query Operation: field
// validation, pagination with duplicate suppression, INTERSECT query
// splitting, highlighting, score explanation and distinct projection.
//
// It deliberately does not know about server.IndexInstance to avoid an
// import cycle with the façade that calls it (internal/server imports
// internal/search, not the other way around) — callers hand it the
// write-buffer snapshot and schema it needs via ExecuteOptions.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"ravensearch/internal/analysis"
	"ravensearch/internal/automaton"
	"ravensearch/internal/engine"
	"ravensearch/internal/index"
	"ravensearch/internal/indexing"
	"ravensearch/internal/query"
	"ravensearch/internal/scoring"
)

// Clause is a single field:value term compiled from a parsed query.Query
// (see parse.go). Occur mirrors query.BooleanOp: Must clauses intersect,
// Should clauses union, MustNot clauses exclude.
type Clause struct {
	Field         string
	Value         string
	RangeHi       string // upper bound for Type=="range"; Value holds the lower bound
	Type          string // "term" | "prefix" | "wildcard" | "fuzzy" | "range" | "matchall" | "matchnone"
	Occur         query.BooleanOp
	FuzzyDistance int
}

// Request describes one query execution.
type Request struct {
	Clauses []Clause

	// IntersectGroups holds the sub-queries after the first when the
	// request is an INTERSECT query (see executeIntersect);
	// Clauses itself is the base/first sub-query.
	IntersectGroups [][]Clause
	Intersect       bool // true if IntersectGroups is non-empty

	PageSize      int
	Skip          int
	Explain       bool
	Distinct      bool
	Highlight     bool
	HighlightPre  string
	HighlightPost string

	// SortFields orders results by stored field values instead of score. A
	// leading "-" sorts that field descending. Two names are special:
	// "__document_id" sorts by external document key and "__temp_score" by
	// relevance score. Comparison is lexicographic over the stored bytes.
	SortFields []string

	// Filter, when non-nil, is the caller's per-hit predicate: a hit it
	// rejects is skipped (counted in Result.Skipped) and never occupies a
	// slot in the page.
	Filter func(Hit) bool

	// Spatial, when non-nil, additionally requires every hit to fall
	// inside the filter's shape (combined with the query as a mandatory
	// condition on both sides).
	Spatial *SpatialFilter

	// SkipDuplicateChecking disables the AlreadySeenPreviousPage
	// suppression pass entirely (the client asserts it can tolerate
	// fan-out duplicates across page boundaries).
	SkipDuplicateChecking bool

	// PureMapOnlyProjection is true when this query only projects stored
	// fields from a map-only (non-fan-out) index, in which case duplicate
	// suppression is unnecessary and is skipped.
	PureMapOnlyProjection bool

	// MaxOutputsPerDocument bounds how many index entries one source
	// document can contribute, feeding the pagination refill growth. 0 means
	// "unknown, assume 1"; -1 means "disabled", clamped to 50 for the
	// pagination refill heuristic. Callers derive this from
	// config.MaxMapReduceIndexOutputsPerDocument /
	// MaxSimpleIndexOutputsPerDocument and any per-index override.
	MaxOutputsPerDocument int
}

// Hit is one scored, projected document.
type Hit struct {
	ID           string
	Score        float32
	StoredFields map[string]string
	Explanation  *scoring.Explanation
	Highlights   map[string][]string
}

// Result is the outcome of a Query Operation. Skipped counts hits passed
// over by duplicate suppression, distinct deduplication or the caller's
// filter predicate while filling the page.
type Result struct {
	Hits       []Hit
	TotalFound int
	Skipped    int
	TimedOut   bool
}

// ExecuteOptions bundles everything the operation needs from its caller.
type ExecuteOptions struct {
	// Ctx cancels the operation: it is checked before each page refill and
	// periodically between result emissions. Nil means never cancelled.
	Ctx context.Context

	// Disabled, when true, rejects the query outright — the caller
	// computes this from its own priority state (e.g. server.PriorityError)
	// before calling Execute.
	Disabled bool

	Buffer  *indexing.WriteBuffer
	Schema  *index.Schema
	Request Request
	ExecCtx *engine.ExecutionContext

	// QueryStack, when non-nil, is the query-time analyzer wrapper: term
	// and prefix clause values are passed through the field's analyzer so
	// a query written in the user's casing matches terms the indexing
	// stack normalized. The caller owns the stack's lifetime (Close).
	QueryStack *analysis.Stack
}

// analyzeClauses rewrites term/prefix clause values through the query-time
// analyzer for their field. A value that analyzes to nothing (a pure
// stopword, say) is left verbatim; multi-token values keep their first
// token, matching single-term clause semantics.
func analyzeClauses(stack *analysis.Stack, clauses []Clause) []Clause {
	out := make([]Clause, len(clauses))
	for i, c := range clauses {
		out[i] = c
		switch c.Type {
		case "term", "prefix":
			field := NormalizeFieldName(c.Field)
			tokens := stack.For(field).Analyze(field, c.Value)
			if len(tokens) > 0 {
				out[i].Value = tokens[0].Term
			}
		}
	}
	return out
}

// Execute runs the full Query Operation pipeline against the buffer view
// the caller hands it: the server passes the committed searcher state
// rebuilt from segment files (or the live write buffer for an index with
// nothing committed yet). The view must not be mutated while the
// operation runs; the façade guarantees that by refcounting searcher
// states and never mutating a published one.
func Execute(opts ExecuteOptions) (*Result, error) {
	start := time.Now()
	defer func() { QueryLatency.record(time.Since(start)) }()

	if opts.Disabled {
		return nil, ErrIndexDisabled
	}

	if opts.Ctx == nil {
		opts.Ctx = context.Background()
	}

	req := opts.Request
	if err := validateClauses(opts.Schema, req.Clauses); err != nil {
		return nil, err
	}
	for _, group := range req.IntersectGroups {
		if err := validateClauses(opts.Schema, group); err != nil {
			return nil, err
		}
	}
	if err := validateSortFields(opts.Schema, req.SortFields); err != nil {
		return nil, err
	}
	if req.Intersect && len(req.IntersectGroups) < 1 {
		return nil, ErrIntersectMalformed
	}
	if req.PageSize <= 0 {
		req.PageSize = 10
	}

	if opts.QueryStack != nil {
		req.Clauses = analyzeClauses(opts.QueryStack, req.Clauses)
		for i, group := range req.IntersectGroups {
			req.IntersectGroups[i] = analyzeClauses(opts.QueryStack, group)
		}
	}

	if req.Spatial != nil {
		inShape, err := compileSpatialFilter(req.Spatial)
		if err != nil {
			return nil, err
		}
		userFilter := req.Filter
		req.Filter = func(h Hit) bool {
			if !inShape(h) {
				return false
			}
			return userFilter == nil || userFilter(h)
		}
	}
	opts.Request = req

	if opts.Buffer == nil {
		return &Result{}, nil
	}

	if req.Intersect {
		return executeIntersect(opts)
	}
	return executeSimple(opts)
}

func validateClauses(schema *index.Schema, clauses []Clause) error {
	if schema == nil {
		return nil
	}
	known := make(map[string]bool, len(schema.Fields))
	for _, f := range schema.Fields {
		known[f.Name] = true
	}
	// An index that declares the catch-all field "_" can emit arbitrary
	// dynamic field names, so the unknown-field guard is disabled for it
	// entirely.
	catchAll := known[catchAllField]

	for _, c := range clauses {
		if c.Type == "matchall" || c.Type == "matchnone" {
			continue
		}
		field := NormalizeFieldName(c.Field)
		// Engine-internal names (__temp_score, __rand_*) are ignored for
		// this check, not rejected.
		if !IsQueryableField(field) {
			continue
		}
		if catchAll || field == catchAllField {
			continue
		}
		if !known[field] {
			return fmt.Errorf("%w: %s", ErrUnknownField, c.Field)
		}
	}
	return nil
}

// validateSortFields applies the same unknown-field guard to sort fields as
// validateClauses does to query clauses. Engine-internal sort names
// (__document_id, __temp_score, __distance) bypass the schema check.
func validateSortFields(schema *index.Schema, sortFields []string) error {
	if schema == nil || len(sortFields) == 0 {
		return nil
	}
	known := make(map[string]bool, len(schema.Fields))
	for _, f := range schema.Fields {
		known[f.Name] = true
	}
	if known[catchAllField] {
		return nil
	}
	for _, f := range sortFields {
		name := NormalizeFieldName(strings.TrimPrefix(f, "-"))
		if strings.HasPrefix(name, "__") || name == catchAllField {
			continue
		}
		if !known[name] {
			return fmt.Errorf("%w: sort field %s", ErrUnknownField, f)
		}
	}
	return nil
}

// matchTerms returns every term in fieldMap that satisfies clause.
func matchTerms(fieldMap map[string]*indexing.PostingsList, clause Clause, execCtx *engine.ExecutionContext) []string {
	switch clause.Type {
	case "prefix":
		a := automaton.NewPrefixAutomaton([]byte(clause.Value))
		return matchAutomaton(fieldMap, a, execCtx)
	case "wildcard":
		a, err := automaton.NewWildcardAutomaton([]byte(clause.Value))
		if err != nil {
			return nil
		}
		return matchAutomaton(fieldMap, a, execCtx)
	case "fuzzy":
		dist := clause.FuzzyDistance
		if dist <= 0 || dist > automaton.MaxEditDistance {
			dist = automaton.MaxEditDistance
		}
		a, err := automaton.NewLevenshteinAutomaton([]byte(clause.Value), dist)
		if err != nil {
			return nil
		}
		return matchAutomaton(fieldMap, a, execCtx)
	case "range":
		var terms []string
		for term := range fieldMap {
			if inRange(term, clause.Value, clause.RangeHi) {
				terms = append(terms, term)
			}
			execCtx.TermsMatched++
			if err := execCtx.CheckLimits(); err != nil {
				break
			}
		}
		sort.Strings(terms)
		return terms
	default: // "term"
		if _, ok := fieldMap[clause.Value]; ok {
			return []string{clause.Value}
		}
		return nil
	}
}

// matchAutomaton walks every term in fieldMap against a through its
// Start/Step/IsAccept transitions, wiring internal/automaton's prefix,
// wildcard and Levenshtein automata into real term matching instead of a
// hand-rolled strings.HasPrefix/Contains scan.
func matchAutomaton(fieldMap map[string]*indexing.PostingsList, a automaton.Automaton, execCtx *engine.ExecutionContext) []string {
	var terms []string
	for term := range fieldMap {
		state := a.Start()
		matched := true
		for i := 0; i < len(term); i++ {
			state = a.Step(state, term[i])
			if !a.CanMatch(state) {
				matched = false
				break
			}
		}
		if matched && a.IsAccept(state) {
			terms = append(terms, term)
		}
		execCtx.TermsMatched++
		if err := execCtx.CheckLimits(); err != nil {
			break
		}
	}
	sort.Strings(terms)
	return terms
}

// inRange reports whether term falls within [lo, hi] (either bound may be
// empty to leave that side open). Bounds compiled from a RangeQuery are
// always treated as inclusive; see query.RangeQuery.IncludeLo/IncludeHi for
// the distinction this collapses.
func inRange(term, lo, hi string) bool {
	if lo != "" && term < lo {
		return false
	}
	if hi != "" && term > hi {
		return false
	}
	return true
}

// collectClause scores every document matching clause into scores.
func collectClause(buf *indexing.WriteBuffer, clause Clause, execCtx *engine.ExecutionContext, scores map[uint32]float32) {
	switch clause.Type {
	case "matchall":
		for _, ids := range buf.ExternalToInternal {
			for _, id := range ids {
				scores[id] += 1
			}
		}
		return
	case "matchnone":
		return
	}

	field := NormalizeFieldName(clause.Field)
	fieldMap, ok := buf.InvertedIndex[field]
	if !ok {
		return
	}

	terms := matchTerms(fieldMap, clause, execCtx)
	if len(terms) == 0 {
		return
	}

	scorer := scoring.NewBM25Scorer(int64(buf.DocCount), float32(buf.TermCount)/float32(max1(buf.DocCount)))

	for _, term := range terms {
		pl := fieldMap[term]
		if pl == nil {
			continue
		}
		idf := scorer.IDF(int64(len(pl.Entries)))
		for _, e := range pl.Entries {
			score := scorer.Score(e.Freq, 100, idf)
			scores[e.DocID] += score
		}
	}
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// executeSimple handles a plain (non-INTERSECT) boolean query: Must
// clauses intersect, Should clauses union into the Must result (or stand
// alone if there are no Must clauses), and MustNot clauses are subtracted
// at the end — standard boolean-query evaluation, matching query.BooleanOp.
func executeSimple(opts ExecuteOptions) (*Result, error) {
	buf := opts.Buffer
	req := opts.Request

	var musts, shoulds, nots []Clause
	for _, c := range req.Clauses {
		switch c.Occur {
		case query.BooleanMust:
			musts = append(musts, c)
		case query.BooleanMustNot:
			nots = append(nots, c)
		default:
			shoulds = append(shoulds, c)
		}
	}

	scores := make(map[uint32]float32)
	switch {
	case len(musts) > 0:
		collectClause(buf, musts[0], opts.ExecCtx, scores)
		for _, c := range musts[1:] {
			next := make(map[uint32]float32)
			collectClause(buf, c, opts.ExecCtx, next)
			for docID := range scores {
				if add, ok := next[docID]; ok {
					scores[docID] += add
				} else {
					delete(scores, docID)
				}
			}
			if err := opts.ExecCtx.CheckLimits(); err != nil {
				break
			}
		}
		for _, c := range shoulds {
			collectClause(buf, c, opts.ExecCtx, scores)
		}
	case len(shoulds) > 0:
		for _, c := range shoulds {
			collectClause(buf, c, opts.ExecCtx, scores)
			if err := opts.ExecCtx.CheckLimits(); err != nil {
				break
			}
		}
	case len(nots) > 0:
		collectClause(buf, Clause{Type: "matchall"}, opts.ExecCtx, scores)
	}

	for _, c := range nots {
		excluded := make(map[uint32]float32)
		collectClause(buf, c, opts.ExecCtx, excluded)
		for docID := range excluded {
			delete(scores, docID)
		}
	}

	return paginate(buf, scores, opts)
}

// buildInternalToExternal inverts WriteBuffer.ExternalToInternal (now
// slice-valued to support map-reduce/fan-out documents, where several
// internal IDs share one external ID).
func buildInternalToExternal(buf *indexing.WriteBuffer) map[uint32]string {
	out := make(map[uint32]string, buf.DocCount)
	for ext, internalIDs := range buf.ExternalToInternal {
		for _, id := range internalIDs {
			out[id] = ext
		}
	}
	return out
}

// paginate implements fan-out-corrected pagination:
// over-fetch docs_to_get+skip hits, suppress documents already returned on
// a prior page (and, if distinct, projections already emitted), and refill
// the fetch window using the per-document fan-out cap when the page comes
// up short.
//
// Suppression seeds by replaying the first req.Skip *emissions* over the
// ranked hits rather than blindly inserting hits [0, skip): a fan-out
// document occupies several raw hit positions but only one result slot, so
// page N+1 must simulate exactly what page N emitted (ranking is
// deterministic, so the replay reproduces it) to guarantee no key repeats
// across page boundaries.
func paginate(buf *indexing.WriteBuffer, scores map[uint32]float32, opts ExecuteOptions) (*Result, error) {
	if opts.Ctx == nil {
		opts.Ctx = context.Background()
	}
	req := opts.Request

	internalToExternal := buildInternalToExternal(buf)

	maxOutputsPerDocument := req.MaxOutputsPerDocument
	switch {
	case maxOutputsPerDocument == -1:
		maxOutputsPerDocument = 50
	case maxOutputsPerDocument <= 0:
		maxOutputsPerDocument = 1
	}
	fanOutKnown := maxOutputsPerDocument > 1

	suppress := !req.SkipDuplicateChecking && !req.PureMapOnlyProjection
	sorted := len(req.SortFields) > 0

	docsToGet := req.PageSize
	if docsToGet <= 0 {
		docsToGet = 10
	}

	var hits []Hit
	skipped := 0

	for {
		if err := opts.Ctx.Err(); err != nil {
			return nil, fmt.Errorf("query cancelled: %w", err)
		}

		var ranked []engine.ScoredDoc
		if sorted {
			// Field sorting needs the full candidate set ordered before any
			// windowing can be correct.
			ranked = rankAll(scores)
			sortRankedByFields(ranked, buf, internalToExternal, req.SortFields)
		} else {
			collector := engine.NewTopKCollector(docsToGet + req.Skip)
			for docID, score := range scores {
				collector.Collect(docID, score)
			}
			ranked = collector.Results()
		}

		hits = hits[:0]
		skipped = 0
		seenKeys := make(map[string]bool)
		seenProjections := make(map[string]bool)
		emitted := 0

		for i := 0; i < len(ranked); i++ {
			if i&63 == 0 {
				if err := opts.Ctx.Err(); err != nil {
					return nil, fmt.Errorf("query cancelled: %w", err)
				}
			}

			doc := ranked[i]
			extID := internalToExternal[doc.DocID]
			key := strings.ToLower(extID)

			if suppress && seenKeys[key] {
				skipped++
				continue
			}

			// The hit is only materialized once it can actually be needed:
			// distinct compares projections even during the skip replay,
			// everything else only projects hits that land on this page.
			var hit Hit
			needHit := req.Distinct || req.Filter != nil || emitted >= req.Skip
			if needHit {
				hit = buildHit(buf, doc, extID, opts)
			}

			if req.Filter != nil && !req.Filter(hit) {
				skipped++
				continue
			}

			if req.Distinct && len(hit.StoredFields) > 0 {
				dk := distinctKey(hit)
				if seenProjections[dk] {
					skipped++
					continue
				}
				seenProjections[dk] = true
			}

			if suppress {
				seenKeys[key] = true
			}

			emitted++
			if emitted <= req.Skip {
				continue
			}
			hits = append(hits, hit)
			if len(hits) >= req.PageSize {
				break
			}
		}

		if len(hits) >= req.PageSize || len(ranked) >= len(scores) {
			break
		}

		remaining := req.PageSize - len(hits)
		if fanOutKnown {
			docsToGet += remaining * maxOutputsPerDocument
		} else {
			docsToGet += remaining
		}
	}

	return &Result{
		Hits:       hits,
		TotalFound: len(scores),
		Skipped:    skipped,
		TimedOut:   opts.ExecCtx.TimedOut,
	}, nil
}

// rankAll materializes every candidate ordered by score descending, doc ID
// ascending — the same deterministic order TopKCollector produces, without
// the window.
func rankAll(scores map[uint32]float32) []engine.ScoredDoc {
	out := make([]engine.ScoredDoc, 0, len(scores))
	for docID, score := range scores {
		out = append(out, engine.ScoredDoc{DocID: docID, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DocID < out[j].DocID
	})
	return out
}

// sortRankedByFields reorders ranked by the requested sort fields,
// comparing stored field bytes lexicographically. Ties fall back to score
// descending then doc ID, keeping the order fully deterministic.
func sortRankedByFields(ranked []engine.ScoredDoc, buf *indexing.WriteBuffer, internalToExternal map[uint32]string, sortFields []string) {
	sort.SliceStable(ranked, func(i, j int) bool {
		for _, f := range sortFields {
			desc := strings.HasPrefix(f, "-")
			name := NormalizeFieldName(strings.TrimPrefix(f, "-"))

			c := compareSortValues(ranked[i], ranked[j], buf, internalToExternal, name)
			if c == 0 {
				continue
			}
			if desc {
				return c > 0
			}
			return c < 0
		}
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].DocID < ranked[j].DocID
	})
}

func compareSortValues(a, b engine.ScoredDoc, buf *indexing.WriteBuffer, internalToExternal map[uint32]string, field string) int {
	switch field {
	case "__document_id":
		return strings.Compare(internalToExternal[a.DocID], internalToExternal[b.DocID])
	case tempScoreField:
		switch {
		case a.Score < b.Score:
			return -1
		case a.Score > b.Score:
			return 1
		default:
			return 0
		}
	default:
		av := string(buf.StoredFields[a.DocID][field])
		bv := string(buf.StoredFields[b.DocID][field])
		return strings.Compare(av, bv)
	}
}

func buildHit(buf *indexing.WriteBuffer, doc engine.ScoredDoc, extID string, opts ExecuteOptions) Hit {
	hit := Hit{ID: extID, Score: doc.Score}

	if stored, ok := buf.StoredFields[doc.DocID]; ok {
		fields := make(map[string]string, len(stored))
		for k, v := range stored {
			if !IsProjectedField(k) {
				continue
			}
			fields[k] = string(v)
		}
		hit.StoredFields = fields
	}

	if opts.Request.Highlight {
		hit.Highlights = highlight(buf, doc.DocID, opts.Request)
	}

	if opts.Request.Explain && len(opts.Request.Clauses) > 0 {
		hit.Explanation = explainHit(buf, doc, opts.Request.Clauses[0])
	}

	return hit
}

func explainHit(buf *indexing.WriteBuffer, doc engine.ScoredDoc, clause Clause) *scoring.Explanation {
	field := NormalizeFieldName(clause.Field)
	fieldMap, ok := buf.InvertedIndex[field]
	if !ok {
		return nil
	}
	pl, ok := fieldMap[clause.Value]
	if !ok {
		return nil
	}
	var tf uint32
	for _, e := range pl.Entries {
		if e.DocID == doc.DocID {
			tf = e.Freq
			break
		}
	}
	scorer := scoring.NewBM25Scorer(int64(buf.DocCount), float32(buf.TermCount)/float32(max1(buf.DocCount)))
	exp := scorer.Explain(field, clause.Value, tf, 100, int64(len(pl.Entries)))
	return &exp
}

// distinctKey computes a structural-equality key over a hit's projection,
// matching RavenDB's "distinct compares projected values, not document
// identity" semantics. An empty projection is never considered a duplicate
// of another empty projection.
func distinctKey(hit Hit) string {
	if len(hit.StoredFields) == 0 {
		return fmt.Sprintf("__no_projection_%s", hit.ID)
	}
	data, _ := json.Marshal(hit.StoredFields)
	return string(data)
}
