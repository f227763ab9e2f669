package indexing

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"ravensearch/internal/analysis"
	"ravensearch/internal/index"
)

var (
	ErrWriterLocked = errors.New("writer is already held by another caller")
)

// Document represents a JSON document to be indexed.
type Document struct {
	Fields map[string]interface{}
}

// Writer is the exclusive writer for a single index.
// Only one Writer may be active per index at any time.
type Writer struct {
	schema   *index.Schema
	registry *analysis.Registry
	buffer   *WriteBuffer
	stack    *analysis.Stack

	mu     sync.Mutex
	active bool
}

// NewWriter creates a new Writer for the given schema and analyzer registry.
func NewWriter(schema *index.Schema, registry *analysis.Registry) *Writer {
	return NewWriterWithGenerators(schema, registry, nil)
}

// NewWriterWithGenerators additionally threads analyzer generator
// extensions into the stack assembly. The indexing-time analyzer stack
// (internal/analysis.Stack) is assembled once here and reused for the
// writer's whole lifetime, since Schema is immutable after creation.
func NewWriterWithGenerators(schema *index.Schema, registry *analysis.Registry, generators []analysis.Generator) *Writer {
	stack, err := analysis.BuildIndexingStack(schema, registry, generators)
	if err != nil {
		// schema.Validate() already rejects unknown analyzer names before
		// an index can be created, so this only fires on a schema that
		// bypassed validation; fall back to a bare keyword stack rather
		// than leaving the writer unusable.
		stack, _ = analysis.Assemble(analysis.BuildOptions{DefaultAnalyzer: analysis.NewKeywordAnalyzer()}, false)
	}
	return &Writer{
		schema:   schema,
		registry: registry,
		buffer:   NewWriteBuffer(),
		stack:    stack,
		active:   true,
	}
}

// AddDocument validates and indexes a single document into the write buffer.
func (w *Writer) AddDocument(doc Document) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.active {
		return ErrWriterNotActive
	}

	// Extract external ID.
	externalID, err := extractExternalID(doc)
	if err != nil {
		return err
	}

	// Allocate internal doc ID.
	docID, err := w.buffer.AllocateDocID(externalID)
	if err != nil {
		return err
	}

	return w.indexFields(docID, doc.Fields)
}

// AddDocuments validates and indexes multiple documents into the write buffer.
func (w *Writer) AddDocuments(docs []Document) error {
	for i, doc := range docs {
		if err := w.AddDocument(doc); err != nil {
			return fmt.Errorf("document %d: %w", i, err)
		}
	}
	return nil
}

// AddMapReduceEntries indexes N reduce-output entries sharing one external
// document id (__document_id fan-out). Each entry gets its
// own internal doc ID via WriteBuffer.AllocateFanOutDocID — unlike
// AddDocument, duplicates of externalID are expected and not an error.
// maxOutputs bounds how many entries are accepted (0 or negative means
// unbounded); entries beyond the limit are dropped and the number actually
// indexed is returned.
func (w *Writer) AddMapReduceEntries(externalID string, entries []map[string]interface{}, maxOutputs int) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.active {
		return 0, ErrWriterNotActive
	}

	indexed := 0
	for _, fields := range entries {
		if maxOutputs > 0 && indexed >= maxOutputs {
			break
		}
		docID := w.buffer.AllocateFanOutDocID(externalID)
		if err := w.indexFields(docID, fields); err != nil {
			return indexed, err
		}
		indexed++
	}
	return indexed, nil
}

// indexFields indexes and stores every schema field present in fields for
// the given internal doc ID. Shared by AddDocument (one document, one
// internal ID) and AddMapReduceEntries (one external ID, many internal
// IDs, one call per reduce output).
func (w *Writer) indexFields(docID uint32, fields map[string]interface{}) error {
	for _, fieldDef := range w.schema.Fields {
		val, exists := fields[fieldDef.Name]
		if !exists {
			continue
		}

		switch fieldDef.Type {
		case index.FieldTypeText:
			if err := w.indexTextField(fieldDef, docID, val); err != nil {
				return err
			}
		case index.FieldTypeKeyword:
			if err := w.indexKeywordField(fieldDef, docID, val); err != nil {
				return err
			}
		case index.FieldTypeStoredOnly:
			// Store only, no indexing.
		}

		if fieldDef.Stored {
			data, err := marshalFieldValue(val)
			if err != nil {
				return err
			}
			w.buffer.StoreField(docID, fieldDef.Name, data)
		}
	}
	return nil
}

// DeleteDocument marks a document for deletion by external ID.
// The deletion is recorded in the write buffer and applied at commit time.
func (w *Writer) DeleteDocument(externalID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.active {
		return ErrWriterNotActive
	}

	w.buffer.MarkDeleted(externalID)
	return nil
}

// DocCount returns the number of documents currently in the write buffer.
func (w *Writer) DocCount() int {
	return w.buffer.DocCount
}

// IsFull returns true if the write buffer has reached its memory or document limit.
func (w *Writer) IsFull() bool {
	return w.buffer.IsFull()
}

// Buffer returns the current write buffer (for segment building).
func (w *Writer) Buffer() *WriteBuffer {
	return w.buffer
}

// Abort discards all buffered changes.
func (w *Writer) Abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buffer.Reset()
}

// Release releases the writer lock and the indexing-time analyzer stack.
func (w *Writer) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active = false
	if w.stack != nil {
		_ = w.stack.Close()
	}
}

func (w *Writer) indexTextField(fieldDef index.FieldDef, docID uint32, val interface{}) error {
	text, ok := val.(string)
	if !ok {
		return errors.New("text field value must be a string")
	}

	analyzer := w.stack.For(fieldDef.Name)
	tokens := analyzer.Analyze(fieldDef.Name, text)

	// Build term frequencies and positions.
	termFreqs := make(map[string]uint32)
	termPositions := make(map[string][]uint32)
	for _, tok := range tokens {
		termFreqs[tok.Term]++
		if fieldDef.Positions {
			termPositions[tok.Term] = append(termPositions[tok.Term], uint32(tok.Position))
		}
	}

	for term, freq := range termFreqs {
		var positions []uint32
		if fieldDef.Positions {
			positions = termPositions[term]
		}
		w.buffer.AddPosting(fieldDef.Name, term, docID, freq, positions)
	}

	return nil
}

func (w *Writer) indexKeywordField(fieldDef index.FieldDef, docID uint32, val interface{}) error {
	switch v := val.(type) {
	case string:
		w.buffer.AddPosting(fieldDef.Name, v, docID, 1, nil)
	case []interface{}:
		if !fieldDef.MultiValued {
			return errors.New("field is not multi-valued but received array")
		}
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return errors.New("keyword array values must be strings")
			}
			w.buffer.AddPosting(fieldDef.Name, s, docID, 1, nil)
		}
	default:
		return errors.New("keyword field value must be a string or string array")
	}
	return nil
}

func extractExternalID(doc Document) (string, error) {
	idVal, ok := doc.Fields["id"]
	if !ok {
		return "", errors.New("document missing 'id' field")
	}
	id, ok := idVal.(string)
	if !ok {
		return "", errors.New("document 'id' must be a string")
	}
	return id, nil
}

func marshalFieldValue(val interface{}) ([]byte, error) {
	switch v := val.(type) {
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(v)
	}
}
