package search

import (
	"fmt"
	"testing"

	"ravensearch/internal/indexing"
)

// fanOutBuffer builds a buffer where every external key owns `fanOut`
// internal doc IDs, all with equal scores — the worst case for paging.
func fanOutBuffer(keys, fanOut int) (*indexing.WriteBuffer, map[uint32]float32) {
	buf := indexing.NewWriteBuffer()
	scores := make(map[uint32]float32)
	var docID uint32
	for k := 0; k < keys; k++ {
		ext := fmt.Sprintf("key/%03d", k)
		for f := 0; f < fanOut; f++ {
			buf.ExternalToInternal[ext] = append(buf.ExternalToInternal[ext], docID)
			buf.StoreField(docID, "k", []byte(ext))
			scores[docID] = 1
			docID++
		}
	}
	buf.NextDocID = docID
	buf.DocCount = int(docID)
	return buf, scores
}

// Concatenating consecutive pages must never repeat a key, for any page
// size, unless duplicate checking is explicitly skipped.
func TestPaginate_NoKeyRepeatsAcrossConcatenatedPages(t *testing.T) {
	const keys, fanOut = 30, 3
	buf, scores := fanOutBuffer(keys, fanOut)

	for _, pageSize := range []int{1, 3, 7, 10} {
		seen := make(map[string]int)
		returned := 0
		for page := 0; ; page++ {
			opts := ExecuteOptions{
				Buffer:  buf,
				ExecCtx: newExecCtx(),
				Request: Request{
					PageSize:              pageSize,
					Skip:                  page * pageSize,
					MaxOutputsPerDocument: fanOut,
				},
			}
			res, err := paginate(buf, scores, opts)
			if err != nil {
				t.Fatalf("pageSize=%d page=%d: %v", pageSize, page, err)
			}
			if len(res.Hits) == 0 {
				break
			}
			for _, h := range res.Hits {
				seen[h.ID]++
				returned++
			}
			if page > keys {
				t.Fatalf("pageSize=%d: paging never terminated", pageSize)
			}
		}
		if len(seen) != keys || returned != keys {
			t.Fatalf("pageSize=%d: returned %d hits over %d distinct keys, want %d/%d",
				pageSize, returned, len(seen), keys, keys)
		}
		for id, n := range seen {
			if n > 1 {
				t.Errorf("pageSize=%d: key %s returned %d times", pageSize, id, n)
			}
		}
	}
}

// With skip_duplicate_checking set, the pager reverts to raw offsets and
// fan-out duplicates are the caller's problem.
func TestPaginate_SkipDuplicateCheckingKeepsRawOffsets(t *testing.T) {
	buf, scores := fanOutBuffer(4, 2)

	opts := ExecuteOptions{
		Buffer:  buf,
		ExecCtx: newExecCtx(),
		Request: Request{
			PageSize:              8,
			Skip:                  0,
			MaxOutputsPerDocument: 2,
			SkipDuplicateChecking: true,
		},
	}
	res, err := paginate(buf, scores, opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Hits) != 8 {
		t.Fatalf("expected all 8 raw entries, got %d", len(res.Hits))
	}
	counts := make(map[string]int)
	for _, h := range res.Hits {
		counts[h.ID]++
	}
	for id, n := range counts {
		if n != 2 {
			t.Errorf("key %s appeared %d times, want its raw fan-out of 2", id, n)
		}
	}
}

// Running the same distinct query twice returns the same projections.
func TestDistinct_Idempotent(t *testing.T) {
	buf := indexing.NewWriteBuffer()
	scores := make(map[uint32]float32)
	// 12 docs projecting onto only 4 distinct "color" values.
	colors := []string{"red", "green", "blue", "grey"}
	for i := 0; i < 12; i++ {
		ext := fmt.Sprintf("doc/%02d", i)
		id := uint32(i)
		buf.ExternalToInternal[ext] = []uint32{id}
		buf.StoreField(id, "color", []byte(colors[i%len(colors)]))
		scores[id] = 1
	}
	buf.NextDocID = 12
	buf.DocCount = 12

	run := func() []string {
		opts := ExecuteOptions{
			Buffer:  buf,
			ExecCtx: newExecCtx(),
			Request: Request{PageSize: 10, Distinct: true},
		}
		res, err := paginate(buf, scores, opts)
		if err != nil {
			t.Fatal(err)
		}
		out := make([]string, len(res.Hits))
		for i, h := range res.Hits {
			out[i] = string(h.StoredFields["color"])
		}
		return out
	}

	first := run()
	second := run()

	if len(first) != len(colors) {
		t.Fatalf("distinct run returned %d projections, want %d: %v", len(first), len(colors), first)
	}
	if len(first) != len(second) {
		t.Fatalf("distinct runs disagree: %v vs %v", first, second)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("distinct runs disagree at %d: %v vs %v", i, first, second)
		}
	}
}

// Distinct must not deduplicate hits that project nothing at all.
func TestDistinct_EmptyProjectionsNotDeduplicated(t *testing.T) {
	buf := indexing.NewWriteBuffer()
	scores := make(map[uint32]float32)
	for i := 0; i < 5; i++ {
		ext := fmt.Sprintf("bare/%d", i)
		buf.ExternalToInternal[ext] = []uint32{uint32(i)}
		scores[uint32(i)] = 1
	}
	buf.NextDocID = 5
	buf.DocCount = 5

	opts := ExecuteOptions{
		Buffer:  buf,
		ExecCtx: newExecCtx(),
		Request: Request{PageSize: 10, Distinct: true},
	}
	res, err := paginate(buf, scores, opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Hits) != 5 {
		t.Fatalf("5 projection-less docs collapsed to %d under distinct; want all 5", len(res.Hits))
	}
}

// The caller's filter predicate rejects hits without consuming page slots.
func TestPaginate_FilterSkipsWithoutConsumingSlots(t *testing.T) {
	buf, scores := fanOutBuffer(10, 1)

	opts := ExecuteOptions{
		Buffer:  buf,
		ExecCtx: newExecCtx(),
		Request: Request{
			PageSize: 5,
			Filter: func(h Hit) bool {
				// Reject every even-numbered key.
				return h.ID[len(h.ID)-1]%2 == 1
			},
		},
	}
	res, err := paginate(buf, scores, opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Hits) != 5 {
		t.Fatalf("expected the page to fill with 5 accepted hits, got %d", len(res.Hits))
	}
	for _, h := range res.Hits {
		if h.ID[len(h.ID)-1]%2 != 1 {
			t.Errorf("filter-rejected hit %s leaked into the page", h.ID)
		}
	}
	if res.Skipped == 0 {
		t.Error("Skipped should count filter rejections")
	}
}
