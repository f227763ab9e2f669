package query

import (
	"testing"
)

func TestParse_EmptyIsMatchAll(t *testing.T) {
	q, err := Parse("   ")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, ok := q.(*MatchAllQuery); !ok {
		t.Fatalf("expected MatchAllQuery, got %T", q)
	}
}

func TestParse_BareTermUsesDefaultField(t *testing.T) {
	q, err := Parse("fox")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	tq, ok := q.(*TermQuery)
	if !ok {
		t.Fatalf("expected TermQuery, got %T", q)
	}
	if tq.Field != DefaultField || tq.Term != "fox" {
		t.Errorf("got %+v", tq)
	}
}

func TestParse_FieldTerm(t *testing.T) {
	q, err := Parse("title:quick")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	tq, ok := q.(*TermQuery)
	if !ok {
		t.Fatalf("expected TermQuery, got %T", q)
	}
	if tq.Field != "title" || tq.Term != "quick" {
		t.Errorf("got %+v", tq)
	}
}

func TestParse_ANDMakesBothMust(t *testing.T) {
	q, err := Parse("title:quick AND body:fox")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	bq, ok := q.(*BooleanQuery)
	if !ok {
		t.Fatalf("expected BooleanQuery, got %T", q)
	}
	if len(bq.Clauses) != 2 {
		t.Fatalf("expected 2 clauses, got %d", len(bq.Clauses))
	}
	for _, c := range bq.Clauses {
		if c.Occur != BooleanMust {
			t.Errorf("expected Must occurrence for AND clause, got %v", c.Occur)
		}
	}
}

func TestParse_ORMakesBothShould(t *testing.T) {
	q, err := Parse("tag:red OR tag:blue")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	bq, ok := q.(*BooleanQuery)
	if !ok {
		t.Fatalf("expected BooleanQuery, got %T", q)
	}
	for _, c := range bq.Clauses {
		if c.Occur != BooleanShould {
			t.Errorf("expected Should occurrence for OR clause, got %v", c.Occur)
		}
	}
}

func TestParse_BarewordsDefaultToShould(t *testing.T) {
	// No explicit operator between clauses: classic OR-by-default behavior.
	q, err := Parse("red blue")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	bq, ok := q.(*BooleanQuery)
	if !ok {
		t.Fatalf("expected BooleanQuery, got %T", q)
	}
	for _, c := range bq.Clauses {
		if c.Occur != BooleanShould {
			t.Errorf("expected Should occurrence by default, got %v", c.Occur)
		}
	}
}

func TestParse_PlusMinusOverridesDefault(t *testing.T) {
	q, err := Parse("+status:open -flag:spam")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	bq, ok := q.(*BooleanQuery)
	if !ok {
		t.Fatalf("expected BooleanQuery, got %T", q)
	}
	if bq.Clauses[0].Occur != BooleanMust {
		t.Errorf("expected Must for +status:open, got %v", bq.Clauses[0].Occur)
	}
	if bq.Clauses[1].Occur != BooleanMustNot {
		t.Errorf("expected MustNot for -flag:spam, got %v", bq.Clauses[1].Occur)
	}
}

func TestParse_NotKeywordExcludes(t *testing.T) {
	q, err := Parse("status:open NOT flag:spam")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	bq, ok := q.(*BooleanQuery)
	if !ok {
		t.Fatalf("expected BooleanQuery, got %T", q)
	}
	if bq.Clauses[1].Occur != BooleanMustNot {
		t.Errorf("expected MustNot for NOT clause, got %v", bq.Clauses[1].Occur)
	}
}

func TestParse_QuotedPhrase(t *testing.T) {
	q, err := Parse(`body:"quick brown fox"`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	pq, ok := q.(*PhraseQuery)
	if !ok {
		t.Fatalf("expected PhraseQuery, got %T", q)
	}
	want := []string{"quick", "brown", "fox"}
	if len(pq.Terms) != len(want) {
		t.Fatalf("got terms %v, want %v", pq.Terms, want)
	}
	for i, term := range want {
		if pq.Terms[i] != term {
			t.Errorf("term[%d] = %q, want %q", i, pq.Terms[i], term)
		}
	}
}

func TestParse_PrefixWildcardFuzzy(t *testing.T) {
	cases := []struct {
		raw  string
		want QueryType
	}{
		{"name:har*", QueryTypePrefix},
		{"name:h?t", QueryTypeWildcard},
		{"name:har*t", QueryTypeWildcard},
		{"term~1", QueryTypeFuzzy},
		{"term~", QueryTypeFuzzy},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			q, err := Parse(tc.raw)
			if err != nil {
				t.Fatalf("Parse(%q): %v", tc.raw, err)
			}
			if q.Type() != tc.want {
				t.Errorf("Parse(%q).Type() = %v, want %v", tc.raw, q.Type(), tc.want)
			}
		})
	}
}

func TestParse_FuzzyDistanceCappedAtMax(t *testing.T) {
	q, err := Parse("term~99")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	fq, ok := q.(*FuzzyQuery)
	if !ok {
		t.Fatalf("expected FuzzyQuery, got %T", q)
	}
	if fq.MaxDistance != MaxFuzzyDistance {
		t.Errorf("expected MaxDistance capped to %d, got %d", MaxFuzzyDistance, fq.MaxDistance)
	}
}

func TestParse_InclusiveRange(t *testing.T) {
	q, err := Parse("age:[18 TO 30]")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	rq, ok := q.(*RangeQuery)
	if !ok {
		t.Fatalf("expected RangeQuery, got %T", q)
	}
	if rq.Lo != "18" || rq.Hi != "30" || !rq.IncludeLo || !rq.IncludeHi {
		t.Errorf("got %+v", rq)
	}
}

func TestParse_ExclusiveRangeWithOpenBound(t *testing.T) {
	q, err := Parse("age:{* TO 30}")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	rq, ok := q.(*RangeQuery)
	if !ok {
		t.Fatalf("expected RangeQuery, got %T", q)
	}
	if rq.Lo != "" || rq.Hi != "30" || rq.IncludeLo || rq.IncludeHi {
		t.Errorf("got %+v", rq)
	}
}

func TestParse_ParenthesizedGroup(t *testing.T) {
	q, err := Parse("(tag:red OR tag:blue) AND status:open")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	bq, ok := q.(*BooleanQuery)
	if !ok {
		t.Fatalf("expected BooleanQuery, got %T", q)
	}
	if len(bq.Clauses) != 2 {
		t.Fatalf("expected 2 top-level clauses, got %d", len(bq.Clauses))
	}
	if _, ok := bq.Clauses[0].Query.(*BooleanQuery); !ok {
		t.Errorf("expected first clause to be the parenthesized group, got %T", bq.Clauses[0].Query)
	}
	if bq.Clauses[0].Occur != BooleanMust || bq.Clauses[1].Occur != BooleanMust {
		t.Errorf("expected both top-level clauses Must, got %+v", bq.Clauses)
	}
}

func TestParse_MalformedQueryErrors(t *testing.T) {
	cases := []string{
		"title:[18 TO",
		"(title:quick",
		`title:"unterminated`,
		"title:[18 30]",
	}
	for _, raw := range cases {
		t.Run(raw, func(t *testing.T) {
			if _, err := Parse(raw); err == nil {
				t.Errorf("expected error for %q, got nil", raw)
			}
		})
	}
}

func TestParse_TooManyClausesRejected(t *testing.T) {
	raw := ""
	for i := 0; i <= MaxBooleanClauses; i++ {
		if i > 0 {
			raw += " "
		}
		raw += "term"
	}
	if _, err := Parse(raw); err == nil {
		t.Error("expected error for clause count over MaxBooleanClauses")
	}
}
