package search

import (
	"context"
	"fmt"

	"ravensearch/internal/engine"
)

// executeIntersect implements the INTERSECT query operator:
// req.Clauses is the base sub-query, windowed to the requested page like any
// other query; every group in req.IntersectGroups is evaluated unwindowed
// (in full) and folded into an engine.IntersectionCollector, which counts
// per-document matches across all sub-queries rather than truncating each
// one to its own top-N first — truncating independently can silently drop a
// document that is a true match but fell outside one sub-query's window.
// Because the base group is still windowed, the fetch window doubles and
// the whole intersection is retried until the page fills or a retry limit
// is hit, mirroring the documented RavenDB behavior this follows.
func executeIntersect(opts ExecuteOptions) (*Result, error) {
	if opts.Ctx == nil {
		opts.Ctx = context.Background()
	}
	buf := opts.Buffer
	req := opts.Request

	if len(req.IntersectGroups) == 0 {
		return nil, ErrIntersectMalformed
	}

	docsToGet := req.PageSize + req.Skip
	if docsToGet <= 0 {
		docsToGet = req.PageSize
	}

	// Keep widening the base window until the page fills or the window
	// already spans every candidate document — a merged count that hasn't
	// grown since the last attempt does NOT mean it never will: the true
	// intersection can stay hidden below several successive window sizes
	// before the window is finally wide enough to include it, so stalling
	// is not by itself a reason to stop early.
	var merged map[uint32]float32
	for attempt := 0; attempt < 8; attempt++ {
		if err := opts.Ctx.Err(); err != nil {
			return nil, fmt.Errorf("intersect query cancelled: %w", err)
		}
		merged = intersectOnce(opts, docsToGet)
		if len(merged) >= req.PageSize {
			break
		}
		if docsToGet >= buf.DocCount {
			break
		}
		docsToGet *= 2
	}

	return paginate(buf, merged, opts)
}

// intersectOnce windows the base sub-query to docsToGet candidates, scores
// every remaining group in full, and folds all of it through an
// IntersectionCollector so only documents matched by every group survive.
func intersectOnce(opts ExecuteOptions, docsToGet int) map[uint32]float32 {
	buf := opts.Buffer
	req := opts.Request

	base := make(map[uint32]float32)
	for _, c := range req.Clauses {
		collectClause(buf, c, opts.ExecCtx, base)
	}
	baseWindowed := topNScores(base, docsToGet)

	collector := engine.NewIntersectionCollector(len(req.IntersectGroups) + 1)
	collector.CollectClause(baseWindowed)

	for _, group := range req.IntersectGroups {
		groupScores := make(map[uint32]float32)
		for _, c := range group {
			collectClause(buf, c, opts.ExecCtx, groupScores)
		}
		collector.CollectClause(groupScores)
	}

	return collector.Matches()
}

// topNScores keeps only the n highest-scoring entries, used to window the
// base sub-query the same way a non-INTERSECT query would be windowed.
func topNScores(scores map[uint32]float32, n int) map[uint32]float32 {
	if n <= 0 || len(scores) <= n {
		return scores
	}
	type kv struct {
		id    uint32
		score float32
	}
	all := make([]kv, 0, len(scores))
	for id, s := range scores {
		all = append(all, kv{id, s})
	}
	// Partial selection: simple sort is fine at this candidate scale.
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].score > all[j-1].score; j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	out := make(map[uint32]float32, n)
	for i := 0; i < n && i < len(all); i++ {
		out[all[i].id] = all[i].score
	}
	return out
}
