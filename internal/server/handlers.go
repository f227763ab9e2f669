package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"ravensearch/internal/backup"
	"ravensearch/internal/index"
	"ravensearch/internal/indexing"
	"ravensearch/internal/search"
)

// Handler holds HTTP handlers for the RavenSearch API.
type Handler struct {
	mgr    *IndexManager
	logger *slog.Logger
}

// NewHandler creates a new Handler backed by the given IndexManager.
func NewHandler(mgr *IndexManager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{mgr: mgr, logger: logger}
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Index lifecycle.
	mux.HandleFunc("GET /indexes", h.handleListIndexes)
	mux.HandleFunc("POST /indexes", h.handleCreateIndex)
	mux.HandleFunc("GET /indexes/{name}", h.handleGetIndex)
	mux.HandleFunc("DELETE /indexes/{name}", h.handleDeleteIndex)

	// Document ingestion and deletion.
	mux.HandleFunc("POST /indexes/{name}/documents", h.handleIngestDocuments)
	mux.HandleFunc("DELETE /indexes/{name}/documents", h.handleDeleteDocument)

	// Commit and flush.
	mux.HandleFunc("POST /indexes/{name}/commit", h.handleCommit)
	mux.HandleFunc("POST /indexes/{name}/flush", h.handleFlush)

	// Backup.
	mux.HandleFunc("POST /indexes/{name}/backup", h.handleBackup)
	mux.HandleFunc("POST /indexes/{name}/optimize", h.handleOptimize)

	// Search.
	mux.HandleFunc("POST /indexes/{name}/search", h.handleSearch)
}

// --- Index Lifecycle ---

func (h *Handler) handleListIndexes(w http.ResponseWriter, r *http.Request) {
	names := h.mgr.ListIndexes()

	infos := make([]map[string]interface{}, 0, len(names))
	for _, name := range names {
		inst, err := h.mgr.GetIndex(name)
		if err != nil {
			continue
		}
		infos = append(infos, inst.IndexInfo())
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"indexes": infos,
	})
}

func (h *Handler) handleCreateIndex(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name            string          `json:"name"`
		DefaultAnalyzer string          `json:"default_analyzer"`
		Fields          []index.FieldDef `json:"fields"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "index name is required")
		return
	}

	schema := &index.Schema{
		DefaultAnalyzer: req.DefaultAnalyzer,
		Fields:          req.Fields,
	}

	if err := h.mgr.CreateIndex(req.Name, schema); err != nil {
		if errors.Is(err, ErrIndexExists) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"status": "created",
		"name":   req.Name,
	})
}

func (h *Handler) handleGetIndex(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	inst, err := h.mgr.GetIndex(name)
	if err != nil {
		if errors.Is(err, ErrIndexNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, inst.IndexInfo())
}

func (h *Handler) handleDeleteIndex(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.mgr.DeleteIndex(name); err != nil {
		if errors.Is(err, ErrIndexNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "deleted",
		"name":   name,
	})
}

// --- Document Ingestion ---

func (h *Handler) handleIngestDocuments(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	inst, err := h.mgr.GetIndex(name)
	if err != nil {
		if errors.Is(err, ErrIndexNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var req struct {
		Documents []map[string]interface{} `json:"documents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if len(req.Documents) == 0 {
		writeError(w, http.StatusBadRequest, "no documents provided")
		return
	}

	// Acquire the writer; if one is already held this fails with ErrWriterBusy.
	writer, err := inst.AcquireWriter()
	if err != nil {
		if errors.Is(err, ErrWriterBusy) {
			writeError(w, http.StatusServiceUnavailable, "writer is busy, retry later")
			return
		}
		if errors.Is(err, ErrIndexDisabled) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = writer // Writer is now held by the instance.

	// Convert to indexing.Document.
	docs := make([]indexing.Document, len(req.Documents))
	for i, d := range req.Documents {
		docs[i] = indexing.Document{Fields: d}
	}

	if err := inst.IngestDocuments(docs); err != nil {
		inst.ReleaseWriter()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":             "accepted",
		"documents_received": len(docs),
		"write_errors":       inst.errorCount.Load(),
	})
}

// --- Document Deletion ---

func (h *Handler) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	inst, err := h.mgr.GetIndex(name)
	if err != nil {
		if errors.Is(err, ErrIndexNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "document id is required")
		return
	}

	if err := inst.Remove([]string{req.ID}); err != nil {
		if errors.Is(err, ErrWriterBusy) {
			writeError(w, http.StatusServiceUnavailable, "writer is busy, retry later")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "deleted",
		"id":     req.ID,
	})
}

// --- Commit ---

func (h *Handler) handleCommit(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	inst, err := h.mgr.GetIndex(name)
	if err != nil {
		if errors.Is(err, ErrIndexNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	result, err := inst.Commit(ctx)
	if err != nil {
		if errors.Is(err, ErrIndexEmpty) {
			writeError(w, http.StatusBadRequest, "no documents to commit")
			return
		}
		if errors.Is(err, ErrWriterBusy) {
			writeError(w, http.StatusServiceUnavailable, "no active writer, ingest documents first")
			return
		}
		writeError(w, http.StatusInternalServerError, "commit failed: "+err.Error())
		return
	}

	// Release writer after successful commit.
	inst.ReleaseWriter()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "committed",
		"generation":        result.Generation,
		"segment_id":        result.SegmentID,
		"duration_ms":       result.Duration.Milliseconds(),
	})
}

// handleFlush forces any buffered, uncommitted documents durable right
// now. Unlike commit, an empty buffer is a successful no-op.
func (h *Handler) handleFlush(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	inst, err := h.mgr.GetIndex(name)
	if err != nil {
		if errors.Is(err, ErrIndexNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	result, err := inst.Flush(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "flush failed: "+err.Error())
		return
	}
	if result == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "noop"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "flushed",
		"generation": result.Generation,
	})
}

// handleOptimize merges every segment in the index's current generation
// into one (RavenDB's Optimize / Force Merge Segments). A no-op response
// means the index already had zero or one segments.
func (h *Handler) handleOptimize(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	inst, err := h.mgr.GetIndex(name)
	if err != nil {
		if errors.Is(err, ErrIndexNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	result, err := inst.MergeSegments(ctx)
	if err != nil {
		if errors.Is(err, ErrWriterBusy) {
			writeError(w, http.StatusServiceUnavailable, "write lock contended, retry")
			return
		}
		writeError(w, http.StatusInternalServerError, "merge failed: "+err.Error())
		return
	}
	if result == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "noop"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "merged",
		"generation": result.Generation,
		"segment_id": result.SegmentID,
	})
}

// --- Backup ---

type backupRequest struct {
	DestRoot       string `json:"dest_root"`
	IncrementalTag string `json:"incremental_tag"`
}

func (h *Handler) handleBackup(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	inst, err := h.mgr.GetIndex(name)
	if err != nil {
		if errors.Is(err, ErrIndexNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var req backupRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	if req.DestRoot == "" {
		writeError(w, http.StatusBadRequest, "dest_root is required")
		return
	}

	result, err := inst.Backup(backup.Options{
		DestRoot:       req.DestRoot,
		IncrementalTag: req.IncrementalTag,
		Logger:         h.logger,
	})
	if err != nil {
		if errors.Is(err, ErrWriterBusy) {
			writeError(w, http.StatusServiceUnavailable, "write lock contended, retry")
			return
		}
		writeError(w, http.StatusInternalServerError, "backup failed: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "backed_up",
		"generation":    result.Generation,
		"files_copied":  len(result.FilesCopied),
		"files_skipped": result.FilesSkipped,
		"abandoned":     result.Abandoned,
	})
}

// --- Search ---

// searchRequest represents a search query. Query, when set, is parsed by
// internal/query's grammar (field:value, boolean operators, phrase, prefix,
// wildcard, fuzzy, range, and the " INTERSECT " sub-query separator) via
// search.ParseQueryString; Clauses is the lower-level escape hatch for a
// caller that already has structured clauses and wants to skip parsing.
// Clauses are all required: a document must match every clause (unless
// Query was used instead).
type searchRequest struct {
	Query   string `json:"query"`
	Clauses []struct {
		Type  string `json:"type"`
		Field string `json:"field"`
		Value string `json:"value"`
	} `json:"clauses"`
	Intersect             bool     `json:"intersect"`
	PageSize              int      `json:"page_size"`
	Skip                  int      `json:"skip"`
	SortFields            []string `json:"sort_fields"`
	Explain               bool     `json:"explain"`
	Distinct              bool     `json:"distinct"`
	Highlight             bool     `json:"highlight"`
	HighlightPre          string   `json:"highlight_pre"`
	HighlightPost         string   `json:"highlight_post"`
	SkipDuplicateChecking bool     `json:"skip_duplicate_checking"`
	PureMapOnlyProjection bool     `json:"pure_map_only_projection"`
	Spatial               *struct {
		LatField string `json:"lat_field"`
		LonField string `json:"lon_field"`
		Shape    string `json:"shape"`
		Strategy string `json:"strategy"`
	} `json:"spatial"`
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	inst, err := h.mgr.GetIndex(name)
	if err != nil {
		if errors.Is(err, ErrIndexNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.PageSize <= 0 {
		req.PageSize = 10
	}

	start := time.Now()

	var clauses []search.Clause
	var intersectGroups [][]search.Clause
	intersect := req.Intersect

	if req.Query != "" {
		var err error
		clauses, intersectGroups, intersect, err = search.ParseQueryString(req.Query)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid query: "+err.Error())
			return
		}
	} else {
		clauses = make([]search.Clause, len(req.Clauses))
		for i, c := range req.Clauses {
			clauses[i] = search.Clause{Field: c.Field, Value: c.Value, Type: c.Type}
		}
	}

	var spatial *search.SpatialFilter
	if req.Spatial != nil {
		spatial = &search.SpatialFilter{
			LatField: req.Spatial.LatField,
			LonField: req.Spatial.LonField,
			Shape:    req.Spatial.Shape,
			Strategy: req.Spatial.Strategy,
		}
	}

	result, generation, err := inst.Query(r.Context(), search.Request{
		Clauses:               clauses,
		IntersectGroups:       intersectGroups,
		Intersect:             intersect,
		PageSize:              req.PageSize,
		Skip:                  req.Skip,
		SortFields:            req.SortFields,
		Explain:               req.Explain,
		Distinct:              req.Distinct,
		Highlight:             req.Highlight,
		HighlightPre:          req.HighlightPre,
		HighlightPost:         req.HighlightPost,
		SkipDuplicateChecking: req.SkipDuplicateChecking,
		PureMapOnlyProjection: req.PureMapOnlyProjection,
		Spatial:               spatial,
	})
	if err != nil {
		if errors.Is(err, search.ErrIndexDisabled) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		var shapeErr *search.InvalidShapeError
		if errors.Is(err, search.ErrUnknownField) || errors.Is(err, search.ErrIntersectMalformed) || errors.As(err, &shapeErr) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "search failed: "+err.Error())
		return
	}

	took := time.Since(start)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "success",
		"took_ms":    took.Milliseconds(),
		"total_hits": result.TotalFound,
		"skipped":    result.Skipped,
		"generation": generation,
		"timed_out":  result.TimedOut,
		"hits":       result.Hits,
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"message": message,
		},
	})
}
