package server

import (
	"ravensearch/internal/analysis"
	"ravensearch/internal/indexing"
	"ravensearch/internal/search"
)

// QueryTrigger is an extension that may rewrite a query before it
// executes. Triggers run in registration order, each seeing the previous
// trigger's output.
type QueryTrigger interface {
	RewriteQuery(indexName string, req search.Request) search.Request
}

// IndexUpdateTrigger observes every document accepted into an index's
// write buffer. Implementations must be fast and must not block: they run
// inline on the ingestion path.
type IndexUpdateTrigger interface {
	OnDocumentIndexed(indexName string, doc indexing.Document)
}

// Extensions is an index's ordered extension registry: analyzer
// generators (consumed when the indexing analyzer stack is assembled),
// query triggers and index-update triggers. The registry is populated by
// the host at construction and read-only afterwards; the three slices are
// siblings, none owns another.
type Extensions struct {
	AnalyzerGenerators  []analysis.Generator
	QueryTriggers       []QueryTrigger
	IndexUpdateTriggers []IndexUpdateTrigger
}
