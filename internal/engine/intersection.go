package engine

// IntersectionCollector implements INTERSECT query semantics: it
// counts, per document, how many of N sub-queries matched it, and exposes
// only the documents that matched every one — unlike intersecting
// independently top-K-truncated result sets (which can silently drop a
// true match that fell outside one sub-query's window), every sub-query is
// collected against the collector in full.
type IntersectionCollector struct {
	clauseCount int
	round       int
	counts      map[uint32]int
	scores      map[uint32]float32
}

// NewIntersectionCollector creates a collector for an INTERSECT query with
// the given number of sub-queries.
func NewIntersectionCollector(clauseCount int) *IntersectionCollector {
	return &IntersectionCollector{
		clauseCount: clauseCount,
		counts:      make(map[uint32]int),
		scores:      make(map[uint32]float32),
	}
}

// CollectClause folds one sub-query's unwindowed score map into the
// collector. Call once per sub-query, in any order.
func (c *IntersectionCollector) CollectClause(scores map[uint32]float32) {
	c.round++
	for docID, score := range scores {
		c.counts[docID]++
		c.scores[docID] += score
	}
}

// Matches returns the score map of every document that was collected by
// all clauseCount clauses; before that many have been submitted it returns
// no documents.
func (c *IntersectionCollector) Matches() map[uint32]float32 {
	out := make(map[uint32]float32)
	for docID, n := range c.counts {
		if n == c.clauseCount {
			out[docID] = c.scores[docID]
		}
	}
	return out
}
