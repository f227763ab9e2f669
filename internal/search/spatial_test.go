package search

import (
	"errors"
	"fmt"
	"testing"

	"ravensearch/internal/indexing"
)

func TestParseShape(t *testing.T) {
	box, err := parseShape("BOX(-10.5 -20.25, 30 40)")
	if err != nil {
		t.Fatalf("ParseShape: %v", err)
	}
	if box.minLon != -10.5 || box.minLat != -20.25 || box.maxLon != 30 || box.maxLat != 40 {
		t.Fatalf("parsed box = %+v", box)
	}

	for _, bad := range []string{
		"",
		"CIRCLE(0 0, 5)",
		"BOX(1 2)",
		"BOX(1 2, 3)",
		"BOX(a b, c d)",
		"BOX(5 5, 1 1)", // inverted bounds
	} {
		if _, err := parseShape(bad); err == nil {
			t.Errorf("parseShape(%q) accepted a bad shape", bad)
		} else {
			var shapeErr *InvalidShapeError
			if !errors.As(err, &shapeErr) {
				t.Errorf("parseShape(%q) error type = %T", bad, err)
			}
		}
	}
}

func TestValidateShape_AttributesDocument(t *testing.T) {
	if err := ValidateShape("BOX(0 0, 1 1)", "places/1"); err != nil {
		t.Fatalf("valid shape rejected: %v", err)
	}
	err := ValidateShape("BOX(bad)", "places/1")
	var shapeErr *InvalidShapeError
	if !errors.As(err, &shapeErr) {
		t.Fatalf("error = %v, want InvalidShapeError", err)
	}
	if shapeErr.DocumentID != "places/1" {
		t.Fatalf("DocumentID = %q, want places/1", shapeErr.DocumentID)
	}
}

func TestExecute_SpatialFilterRestrictsHits(t *testing.T) {
	buf := indexing.NewWriteBuffer()
	coords := []struct {
		lat, lng string
		inside   bool
	}{
		{"51.50", "-0.12", true},   // London, inside
		{"48.85", "2.35", true},    // Paris, inside
		{"40.71", "-74.00", false}, // New York, outside
		{"", "", false},            // no coordinates at all
	}
	for i, c := range coords {
		ext := fmt.Sprintf("place/%d", i)
		id := uint32(i)
		buf.ExternalToInternal[ext] = []uint32{id}
		if c.lat != "" {
			buf.StoreField(id, "lat", []byte(c.lat))
			buf.StoreField(id, "lng", []byte(c.lng))
		}
	}
	buf.NextDocID = uint32(len(coords))
	buf.DocCount = len(coords)

	res, err := Execute(ExecuteOptions{
		Buffer:  buf,
		ExecCtx: newExecCtx(),
		Request: Request{
			Clauses:  []Clause{{Type: "matchall"}},
			PageSize: 10,
			Spatial:  &SpatialFilter{Shape: "BOX(-10 40, 10 60)"},
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got := make(map[string]bool)
	for _, h := range res.Hits {
		got[h.ID] = true
	}
	if len(got) != 2 || !got["place/0"] || !got["place/1"] {
		t.Fatalf("spatial hits = %v, want place/0 and place/1 only", got)
	}
}

func TestExecute_SpatialBadShapeFailsFast(t *testing.T) {
	buf := indexing.NewWriteBuffer()
	_, err := Execute(ExecuteOptions{
		Buffer:  buf,
		ExecCtx: newExecCtx(),
		Request: Request{
			Clauses:  []Clause{{Type: "matchall"}},
			PageSize: 10,
			Spatial:  &SpatialFilter{Shape: "TRIANGLE(1 2 3)"},
		},
	})
	var shapeErr *InvalidShapeError
	if !errors.As(err, &shapeErr) {
		t.Fatalf("error = %v, want InvalidShapeError", err)
	}
}

func TestProjectionFiltersReservedSuffixes(t *testing.T) {
	buf := indexing.NewWriteBuffer()
	id := uint32(0)
	buf.ExternalToInternal["doc/0"] = []uint32{id}
	buf.StoreField(id, "title", []byte("hello"))
	buf.StoreField(id, "price_Range", []byte("0x42"))
	buf.StoreField(id, "tags_IsArray", []byte("true"))
	buf.StoreField(id, "payload_ConvertToJson", []byte("{}"))
	buf.StoreField(id, "__reduce_key", []byte("k"))
	buf.NextDocID = 1
	buf.DocCount = 1

	res, err := Execute(ExecuteOptions{
		Buffer:  buf,
		ExecCtx: newExecCtx(),
		Request: Request{Clauses: []Clause{{Type: "matchall"}}, PageSize: 10},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Hits) != 1 {
		t.Fatalf("hits = %d, want 1", len(res.Hits))
	}
	fields := res.Hits[0].StoredFields
	if len(fields) != 1 || fields["title"] != "hello" {
		t.Fatalf("projection = %v, want only {title: hello}", fields)
	}
}
