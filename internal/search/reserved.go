package search

import "strings"

// Reserved field names and suffixes. Centralized here so write-side field
// routing and query-side projection rebuilding apply exactly the same
// rules — a field ending in "_Range" that a user genuinely named that way
// is lossy either way, but at least it's lossy consistently.
const (
	catchAllField     = "_"
	rangeSuffix       = "_Range"
	isArraySuffix     = "_IsArray"
	convertJSONSuffix = "_ConvertToJson"
	tempScoreField    = "__temp_score"
	randPrefix        = "__rand_"
	documentIDField   = "__document_id"
	reduceKeyField    = "__reduce_key"
)

// IsQueryableField reports whether field may appear in a user-facing query
// or projection: "__temp_score" and "__rand_"-prefixed names may not.
func IsQueryableField(field string) bool {
	if field == tempScoreField {
		return false
	}
	if strings.HasPrefix(field, randPrefix) {
		return false
	}
	return true
}

// NormalizeFieldName strips the "_Range" suffix search clients use to
// request the numeric-range-indexed variant of a field, returning the
// underlying field name that actually lives in the schema.
func NormalizeFieldName(field string) string {
	if field == catchAllField {
		return field
	}
	return strings.TrimSuffix(field, rangeSuffix)
}

// IsProjectedField reports whether a stored field belongs in a hit's
// reconstructed projection. Engine bookkeeping fields — the "__"-prefixed
// names and the _Range/_IsArray/_ConvertToJson marker variants — are
// filtered out. A user field that legitimately ends in one of these
// suffixes is filtered too; the marker convention wins, consistently, on
// both the write and read side.
func IsProjectedField(field string) bool {
	if strings.HasPrefix(field, "__") {
		return false
	}
	if strings.HasSuffix(field, rangeSuffix) ||
		strings.HasSuffix(field, isArraySuffix) ||
		strings.HasSuffix(field, convertJSONSuffix) {
		return false
	}
	return true
}
