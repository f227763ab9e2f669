package server

import (
	"encoding/json"
	"fmt"
	"os"

	"ravensearch/internal/index"
	"ravensearch/internal/indexing"
	"ravensearch/internal/storage"
)

// segmentContents is one committed segment's data read back into memory,
// decompressed with the same codecs buildSegmentData wrote it with (snappy
// for postings/stored/docmap/deletions — see buildSegmentData's doc comment
// on why fst.bin alone gets zstd).
type segmentContents struct {
	postings  map[string]map[string]*indexing.PostingsList
	stored    map[uint32]map[string][]byte
	docMap    map[string][]uint32
	deletions []string
}

func readSegmentContents(inst *IndexInstance, segID string) (*segmentContents, error) {
	c := &segmentContents{}

	if err := readSegmentJSON(inst, segID, "postings.bin", &c.postings); err != nil {
		return nil, err
	}
	if err := readSegmentJSON(inst, segID, "stored.bin", &c.stored); err != nil {
		return nil, err
	}
	if err := readSegmentJSON(inst, segID, "docmap.bin", &c.docMap); err != nil {
		return nil, err
	}
	if err := readSegmentJSON(inst, segID, "deletions.bin", &c.deletions); err != nil {
		return nil, err
	}
	return c, nil
}

func readSegmentJSON(inst *IndexInstance, segID, name string, out interface{}) error {
	raw, err := inst.readSegmentFile(segID, name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s for segment %s: %w", name, segID, err)
	}
	data, err := storage.DecompressSnappy(raw)
	if err != nil {
		return fmt.Errorf("decompress %s for segment %s: %w", name, segID, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s for segment %s: %w", name, segID, err)
	}
	return nil
}

// loadCommittedBuffer folds every segment referenced by manifest, in commit
// order, into a single read-only WriteBuffer: each segment's local doc IDs
// are renumbered by a running offset so postings never collide, a document
// re-added in a later segment supersedes its earlier incarnation, and
// deletions recorded by later segments remove documents committed by
// earlier ones. The result is the exact document set durable at the
// manifest's generation — what a searcher published for that generation
// must serve, and what a segment merge must write back out.
func loadCommittedBuffer(inst *IndexInstance, manifest *index.Manifest) (*indexing.WriteBuffer, error) {
	buf := indexing.NewWriteBuffer()
	dropped := make(map[uint32]bool)
	var offset uint32

	for _, seg := range manifest.Segments {
		contents, err := readSegmentContents(inst, seg.ID)
		if err != nil {
			return nil, err
		}

		var maxLocalDocID uint32
		bump := func(localID uint32) {
			if localID+1 > maxLocalDocID {
				maxLocalDocID = localID + 1
			}
		}

		for field, terms := range contents.postings {
			fieldMap, ok := buf.InvertedIndex[field]
			if !ok {
				fieldMap = make(map[string]*indexing.PostingsList)
				buf.InvertedIndex[field] = fieldMap
			}
			for term, pl := range terms {
				if pl == nil {
					continue
				}
				merged, ok := fieldMap[term]
				if !ok {
					merged = &indexing.PostingsList{}
					fieldMap[term] = merged
				}
				for _, e := range pl.Entries {
					bump(e.DocID)
					e.DocID += offset
					merged.Entries = append(merged.Entries, e)
				}
			}
		}

		for docID, fields := range contents.stored {
			bump(docID)
			buf.StoredFields[docID+offset] = fields
		}

		// Deletions first, then this segment's own documents: a batch that
		// deletes a key and re-adds it resolves to the new document.
		for _, ext := range contents.deletions {
			if ids, ok := buf.ExternalToInternal[ext]; ok {
				for _, id := range ids {
					dropped[id] = true
					delete(buf.StoredFields, id)
				}
				delete(buf.ExternalToInternal, ext)
			}
		}

		for ext, localIDs := range contents.docMap {
			renumbered := make([]uint32, len(localIDs))
			for i, id := range localIDs {
				bump(id)
				renumbered[i] = id + offset
			}
			// A document re-added in a later segment supersedes every
			// index entry its earlier incarnation produced.
			if prev, ok := buf.ExternalToInternal[ext]; ok {
				for _, id := range prev {
					dropped[id] = true
					delete(buf.StoredFields, id)
				}
			}
			buf.ExternalToInternal[ext] = renumbered
		}

		offset += maxLocalDocID
	}

	// Strip postings of superseded and deleted documents, dropping terms
	// (and fields) that end up empty, then recount.
	termCount := 0
	for field, terms := range buf.InvertedIndex {
		for term, pl := range terms {
			if len(dropped) > 0 {
				live := pl.Entries[:0]
				for _, e := range pl.Entries {
					if !dropped[e.DocID] {
						live = append(live, e)
					}
				}
				pl.Entries = live
			}
			if len(pl.Entries) == 0 {
				delete(terms, term)
				continue
			}
			termCount++
		}
		if len(terms) == 0 {
			delete(buf.InvertedIndex, field)
		}
	}
	buf.TermCount = termCount

	docCount := 0
	for _, ids := range buf.ExternalToInternal {
		docCount += len(ids)
	}
	buf.DocCount = docCount
	buf.NextDocID = offset

	return buf, nil
}

// mergeSegmentsIntoBuffer is the merge-side entry point: the fold already
// applies supersession and deletions, so the merged segment written back
// through buildSegmentData carries no deletions of its own and the merged
// manifest's single segment is self-contained.
func mergeSegmentsIntoBuffer(inst *IndexInstance, manifest *index.Manifest) (*indexing.WriteBuffer, error) {
	return loadCommittedBuffer(inst, manifest)
}
