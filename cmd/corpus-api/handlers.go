package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/corpusworks/corpus/internal/blob"
	"github.com/corpusworks/corpus/internal/embedding"
	"github.com/corpusworks/corpus/internal/enrichment"
	"github.com/corpusworks/corpus/internal/graph"
	"github.com/corpusworks/corpus/internal/ingest"
	"github.com/corpusworks/corpus/internal/observability"
	"github.com/corpusworks/corpus/internal/query"
	"github.com/corpusworks/corpus/internal/storage"
)

const (
	maxIngestItems    = 1000
	maxIngestURLItems = 50
)

type apiHandler struct {
	ingest      *ingest.Service
	query       *query.Service
	coordinator *enrichment.Coordinator
	graph       *graph.Backend // nil when the graph is disabled
	docs        *storage.DocumentRepository
	blobs       blob.Store
	maxAttempts int
	logger      *observability.Logger
}

// validationError is a request-shape failure, always a 400.
type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }

func badRequest(format string, args ...interface{}) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeErrorMsg(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// respondError maps the error taxonomy onto status codes.
func (h *apiHandler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		vErr  *validationError
		fErr  *query.FilterValidationError
		upErr *embedding.UpstreamError
	)
	switch {
	case errors.As(err, &vErr):
		writeErrorMsg(w, http.StatusBadRequest, vErr.msg)
	case errors.As(err, &fErr):
		writeErrorMsg(w, http.StatusBadRequest, fErr.Error())
	case errors.As(err, &upErr):
		writeErrorMsg(w, http.StatusBadGateway, upErr.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeErrorMsg(w, http.StatusNotFound, "not found")
	default:
		h.logger.WithContext(r.Context()).Error().Err(err).
			Str("path", r.URL.Path).Msg("request failed")
		writeErrorMsg(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *apiHandler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *apiHandler) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingest.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validateIngest(&req); err != nil {
		h.respondError(w, r, err)
		return
	}

	resp, err := h.ingest.Ingest(r.Context(), &req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func validateIngest(req *ingest.Request) error {
	if len(req.Items) == 0 {
		return badRequest("items is required and must be non-empty")
	}
	if len(req.Items) > maxIngestItems {
		return badRequest("too many items: %d > %d", len(req.Items), maxIngestItems)
	}

	urlCount := 0
	for i, item := range req.Items {
		if item.URL != "" {
			urlCount++
			u, err := url.Parse(item.URL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
				return badRequest("items[%d].url must be an http(s) URL", i)
			}
		} else if item.Text == nil {
			return badRequest("items[%d] needs either text or url", i)
		}
	}
	if urlCount > maxIngestURLItems {
		return badRequest("too many url items: %d > %d", urlCount, maxIngestURLItems)
	}
	return nil
}

func (h *apiHandler) decodeQuery(r *http.Request) (*query.Request, error) {
	var req query.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, badRequest("invalid JSON body")
	}
	if req.MinScore != nil && (*req.MinScore < 0 || *req.MinScore > 1) {
		return nil, badRequest("minScore must be between 0 and 1")
	}
	if req.TopK < 0 {
		return nil, badRequest("topK must be positive")
	}
	return &req, nil
}

func (h *apiHandler) handleQuery(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeQuery(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	resp, err := h.query.Query(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// bestDocument runs the query and loads the document behind the top result.
func (h *apiHandler) bestDocument(w http.ResponseWriter, r *http.Request) (*storage.Document, bool) {
	req, err := h.decodeQuery(r)
	if err != nil {
		h.respondError(w, r, err)
		return nil, false
	}

	resp, err := h.query.Query(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return nil, false
	}
	if len(resp.Results) == 0 {
		writeErrorMsg(w, http.StatusNotFound, "no matching documents")
		return nil, false
	}

	chunkPart, _, err := storage.ParseChunkRef(resp.Results[0].ID)
	if err != nil {
		h.respondError(w, r, err)
		return nil, false
	}
	chunkID, err := uuid.Parse(chunkPart)
	if err != nil {
		h.respondError(w, r, err)
		return nil, false
	}

	doc, err := h.docs.DocumentByChunkID(r.Context(), chunkID)
	if err != nil {
		h.respondError(w, r, err)
		return nil, false
	}
	return doc, true
}

func (h *apiHandler) handleFulltextFirst(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.bestDocument(w, r)
	if !ok {
		return
	}

	texts, err := h.docs.ChunkTexts(r.Context(), doc.ID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if len(texts) == 0 {
		writeErrorMsg(w, http.StatusNotFound, "document has no text")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(strings.Join(texts, "\n\n")))
}

func (h *apiHandler) handleDownloadFirst(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.bestDocument(w, r)
	if !ok {
		return
	}

	payload := doc.RawData
	if len(payload) == 0 && doc.RawKey != nil && h.blobs != nil {
		var err error
		payload, err = h.blobs.Get(r.Context(), *doc.RawKey)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
	}
	if len(payload) == 0 {
		texts, err := h.docs.ChunkTexts(r.Context(), doc.ID)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		payload = []byte(strings.Join(texts, "\n\n"))
	}
	if len(payload) == 0 {
		writeErrorMsg(w, http.StatusNotFound, "document has no payload")
		return
	}

	contentType := "application/octet-stream"
	if doc.MimeType != nil && *doc.MimeType != "" {
		contentType = *doc.MimeType
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", safeFilename(doc.Source)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// safeFilename derives a header-safe filename from a document source.
func safeFilename(source string) string {
	name := path.Base(strings.TrimSuffix(source, "/"))
	if u, err := url.Parse(source); err == nil && u.Host != "" {
		name = path.Base(u.Path)
	}
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "document"
	}
	return name
}

func (h *apiHandler) handleEnrichmentStatus(w http.ResponseWriter, r *http.Request) {
	baseID := chi.URLParam(r, "baseId")
	collection := r.URL.Query().Get("collection")
	if collection == "" {
		collection = storage.DefaultCollection
	}

	status, err := h.coordinator.GetStatus(r.Context(), collection, baseID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *apiHandler) handleEnrichmentStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.coordinator.GetStats(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *apiHandler) handleEnrichmentEnqueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Collection string `json:"collection,omitempty"`
		Force      bool   `json:"force,omitempty"`
		Filter     string `json:"filter,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	n, err := h.coordinator.Enqueue(r.Context(), req.Collection,
		enrichment.EnqueueOptions{Force: req.Force, Filter: req.Filter}, h.maxAttempts)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "enqueued": n})
}

func (h *apiHandler) handleEnrichmentClear(w http.ResponseWriter, r *http.Request) {
	var req *struct {
		Collection string `json:"collection"`
		Filter     string `json:"filter,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req == nil {
		writeErrorMsg(w, http.StatusBadRequest, "body with collection is required")
		return
	}

	n, err := h.coordinator.ClearQueue(r.Context(), req.Collection, req.Filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "cleared": n})
}

func (h *apiHandler) handleGraphEntity(w http.ResponseWriter, r *http.Request) {
	if h.graph == nil {
		writeErrorMsg(w, http.StatusServiceUnavailable, "graph is disabled")
		return
	}

	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil || strings.TrimSpace(name) == "" {
		writeErrorMsg(w, http.StatusBadRequest, "entity name is required")
		return
	}

	view, err := h.graph.LookupEntity(r.Context(), name)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *apiHandler) handleCollections(w http.ResponseWriter, r *http.Request) {
	stats, err := h.docs.ListCollections(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if stats == nil {
		stats = []storage.CollectionStats{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "collections": stats})
}
