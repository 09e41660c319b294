package ingest

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/corpusworks/corpus/internal/blob"
	"github.com/corpusworks/corpus/internal/embedding"
	"github.com/corpusworks/corpus/internal/observability"
	"github.com/corpusworks/corpus/internal/queue"
	"github.com/corpusworks/corpus/internal/storage"
)

// Per-item error reasons surfaced in the response.
const (
	ReasonSsrfBlocked        = "ssrf_blocked"
	ReasonFetchFailed        = "fetch_failed"
	ReasonUnsupportedContent = "unsupported_content_type"
	ReasonNoExtractableText  = "no_extractable_text"
	ReasonMissingText        = "missing_text"
	ReasonMissingSource      = "missing_source"
)

// Item is one unit of an ingest request: either inline text or a URL.
type Item struct {
	ID       string                 `json:"id,omitempty"`
	Text     *string                `json:"text,omitempty"`
	URL      string                 `json:"url,omitempty"`
	Source   string                 `json:"source,omitempty"`
	DocType  string                 `json:"docType,omitempty"`
	RepoID   *string                `json:"repoId,omitempty"`
	RepoURL  *string                `json:"repoUrl,omitempty"`
	Path     *string                `json:"path,omitempty"`
	Lang     *string                `json:"lang,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// filled during fetch
	itemURL  *string
	mimeType *string
	rawBody  []byte
}

// Request is the body of POST /ingest.
type Request struct {
	Collection string `json:"collection,omitempty"`
	Overwrite  bool   `json:"overwrite,omitempty"`
	Enrich     bool   `json:"enrich,omitempty"`
	Items      []Item `json:"items"`
}

// ItemError is one per-item failure; it never fails the whole request.
type ItemError struct {
	URL    string `json:"url,omitempty"`
	Source string `json:"source,omitempty"`
	Status *int   `json:"status"`
	Reason string `json:"reason"`
}

// EnrichmentSummary reports what was queued.
type EnrichmentSummary struct {
	Enqueued int            `json:"enqueued"`
	DocTypes map[string]int `json:"docTypes"`
}

// Response is the body returned by POST /ingest.
type Response struct {
	OK         bool               `json:"ok"`
	Upserted   int                `json:"upserted"`
	Skipped    int                `json:"skipped,omitempty"`
	Fetched    int                `json:"fetched,omitempty"`
	Enrichment *EnrichmentSummary `json:"enrichment,omitempty"`
	Errors     []ItemError        `json:"errors,omitempty"`
}

// Options tunes batch sizes and pool bounds.
type Options struct {
	FetchConcurrency  int
	EmbedBatchSize    int
	EnqueueBatchSize  int
	MaxAttempts       int
	BlobThresholdByte int64
	EnrichmentEnabled bool
}

// Service orchestrates the ingest pipeline.
type Service struct {
	db        *sql.DB
	documents *storage.DocumentRepository
	fetcher   *Fetcher
	extractor *ContentExtractor
	chunker   *Chunker
	embedder  embedding.Embedder
	tasks     *queue.TaskQueue
	blobs     blob.Store
	opts      Options
	logger    *observability.Logger
}

// NewService wires the pipeline together.
func NewService(db *sql.DB, fetcher *Fetcher, chunker *Chunker, embedder embedding.Embedder,
	tasks *queue.TaskQueue, blobs blob.Store, opts Options, logger *observability.Logger) *Service {
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = 5
	}
	if opts.EmbedBatchSize <= 0 {
		opts.EmbedBatchSize = 500
	}
	if opts.EnqueueBatchSize <= 0 {
		opts.EnqueueBatchSize = 100
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	return &Service{
		db:        db,
		documents: storage.NewDocumentRepository(db),
		fetcher:   fetcher,
		extractor: NewContentExtractor(),
		chunker:   chunker,
		embedder:  embedder,
		tasks:     tasks,
		blobs:     blobs,
		opts:      opts,
		logger:    logger.WithComponent("ingest"),
	}
}

// Ingest runs the pipeline for one request. Per-item failures accumulate in
// the response; embedder failures abort with an *embedding.UpstreamError.
func (s *Service) Ingest(ctx context.Context, req *Request) (*Response, error) {
	collection := req.Collection
	if collection == "" {
		collection = storage.DefaultCollection
	}

	resp := &Response{OK: true}
	items, fetched := s.fetchURLItems(ctx, req.Items, resp)
	resp.Fetched = fetched

	enrichment := &EnrichmentSummary{DocTypes: map[string]int{}}
	var pendingTasks []queue.TaskPayload

	for i := range items {
		item := &items[i]

		if item.Text == nil || strings.TrimSpace(*item.Text) == "" {
			resp.Errors = append(resp.Errors, ItemError{
				URL: item.URL, Source: item.Source, Reason: ReasonMissingText,
			})
			continue
		}
		if item.Source == "" {
			resp.Errors = append(resp.Errors, ItemError{
				URL: item.URL, Reason: ReasonMissingSource,
			})
			continue
		}

		baseID := item.ID
		if baseID == "" {
			baseID = uuid.NewString()
		}

		docType := DetectDocType(item.DocType, item.Source, *item.Text, item.Metadata)
		text := *item.Text
		chunkTexts := s.chunker.Split(text)

		identityKey := item.Source
		if item.URL != "" {
			identityKey = normalizeURL(item.URL)
		}

		doc, chunks, err := s.upsertDocument(ctx, collection, baseID, identityKey, item, docType, chunkTexts, req)
		if err != nil {
			return nil, err
		}
		if doc.Skipped {
			resp.Skipped++
			continue
		}
		resp.Upserted++

		if err := s.embedChunks(ctx, chunks); err != nil {
			return nil, err
		}

		if req.Enrich && s.opts.EnrichmentEnabled {
			for _, c := range chunks {
				pendingTasks = append(pendingTasks, queue.TaskPayload{
					DocumentID: c.DocumentID,
					ChunkID:    c.ID,
					ChunkIndex: c.ChunkIndex,
					Collection: collection,
					BaseID:     doc.BaseID,
					DocType:    docType,
				})
			}
			enrichment.DocTypes[docType] += len(chunks)
		}
	}

	if len(pendingTasks) > 0 {
		n, err := s.tasks.Enqueue(ctx, s.db, pendingTasks, s.opts.MaxAttempts, s.opts.EnqueueBatchSize)
		if err != nil {
			return nil, fmt.Errorf("enqueue enrichment: %w", err)
		}
		enrichment.Enqueued = n
		resp.Enrichment = enrichment
	}

	s.logger.Info().
		Str("collection", collection).
		Int("upserted", resp.Upserted).
		Int("skipped", resp.Skipped).
		Int("errors", len(resp.Errors)).
		Msg("ingest finished")
	return resp, nil
}

// fetchURLItems downloads url-only items with a bounded pool and converts
// them to text items. Failures become per-item errors and drop the item.
func (s *Service) fetchURLItems(ctx context.Context, items []Item, resp *Response) ([]Item, int) {
	var (
		mu      sync.Mutex
		kept    []Item
		fetched int
	)

	sem := semaphore.NewWeighted(int64(s.opts.FetchConcurrency))
	g, gctx := errgroup.WithContext(ctx)

	for i := range items {
		item := items[i]

		if item.Text != nil || item.URL == "" {
			mu.Lock()
			kept = append(kept, item)
			mu.Unlock()
			continue
		}

		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			result, err := s.fetcher.Fetch(gctx, item.URL)
			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				resp.Errors = append(resp.Errors, fetchError(item.URL, err))
				return nil
			}

			ext := s.extractor.Extract(result.Body, result.ContentType, result.FinalURL)
			if ext.Strategy == StrategyMetadataOnly {
				resp.Errors = append(resp.Errors, ItemError{
					URL: item.URL, Status: &result.Status, Reason: ReasonUnsupportedContent,
				})
				return nil
			}
			if ext.Text == nil || strings.TrimSpace(*ext.Text) == "" {
				resp.Errors = append(resp.Errors, ItemError{
					URL: item.URL, Status: &result.Status, Reason: ReasonNoExtractableText,
				})
				return nil
			}

			item.Text = ext.Text
			if item.Source == "" {
				item.Source = urlOriginPath(result.FinalURL)
			}
			item.itemURL = &item.URL
			ct := ext.ContentType
			item.mimeType = &ct
			item.rawBody = result.Body
			if ext.Title != "" && item.Metadata == nil {
				item.Metadata = map[string]interface{}{"title": ext.Title}
			}

			fetched++
			kept = append(kept, item)
			return nil
		})
	}

	// Pool errors are context cancellations only; per-URL failures never
	// propagate here.
	_ = g.Wait()
	return kept, fetched
}

// upsertDocument runs the per-document transaction: document upsert, chunk
// rows, and raw payload placement.
func (s *Service) upsertDocument(ctx context.Context, collection, baseID, identityKey string,
	item *Item, docType string, chunkTexts []string, req *Request) (*storage.UpsertResult, []storage.Chunk, error) {

	raw := item.rawBody
	if raw == nil && item.Text != nil {
		raw = []byte(*item.Text)
	}
	checksum := sha256.Sum256(raw)
	checksumHex := hex.EncodeToString(checksum[:])

	doc := &storage.Document{
		ID:              uuid.New(),
		Collection:      collection,
		BaseID:          baseID,
		IdentityKey:     identityKey,
		Source:          item.Source,
		DocType:         docType,
		RepoID:          item.RepoID,
		RepoURL:         item.RepoURL,
		Path:            item.Path,
		Lang:            item.Lang,
		ItemURL:         item.itemURL,
		MimeType:        item.mimeType,
		PayloadChecksum: &checksumHex,
	}
	size := int64(len(raw))
	doc.SizeBytes = &size

	if size > s.opts.BlobThresholdByte && s.opts.BlobThresholdByte > 0 {
		key := fmt.Sprintf("%s/%s/%s", collection, baseID, checksumHex)
		if err := s.blobs.Put(ctx, key, raw); err != nil {
			return nil, nil, fmt.Errorf("store raw payload: %w", err)
		}
		doc.RawKey = &key
	} else {
		doc.RawData = raw
	}

	status := storage.EnrichmentNone
	if req.Enrich && s.opts.EnrichmentEnabled {
		status = storage.EnrichmentPending
	}

	var (
		result *storage.UpsertResult
		chunks []storage.Chunk
	)
	err := storage.InTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		result, err = s.documents.Upsert(ctx, tx, doc, req.Overwrite)
		if err != nil {
			return err
		}
		if result.Skipped {
			return nil
		}
		if req.Overwrite {
			if err := s.documents.DeleteChunks(ctx, tx, result.DocumentID); err != nil {
				return err
			}
		}

		tier1 := Tier1Meta(docType, *item.Text, item.Metadata)
		chunks = make([]storage.Chunk, len(chunkTexts))
		for i, text := range chunkTexts {
			chunks[i] = storage.Chunk{
				ID:               uuid.New(),
				DocumentID:       result.DocumentID,
				Collection:       collection,
				ChunkIndex:       i,
				Text:             text,
				DocType:          &docType,
				RepoID:           item.RepoID,
				Path:             item.Path,
				Lang:             item.Lang,
				ItemURL:          item.itemURL,
				Tier1Meta:        storage.JSONText(tier1),
				EnrichmentStatus: status,
			}
		}
		return s.documents.InsertChunks(ctx, tx, chunks)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("upsert document %s: %w", item.Source, err)
	}
	return result, chunks, nil
}

// embedChunks embeds in bounded batches and writes vectors back.
func (s *Service) embedChunks(ctx context.Context, chunks []storage.Chunk) error {
	for start := 0; start < len(chunks); start += s.opts.EmbedBatchSize {
		end := start + s.opts.EmbedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		ids := make([]uuid.UUID, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
			ids[i] = c.ID
		}

		vectors, err := s.embedder.Embed(ctx, texts)
		if err != nil {
			return err
		}

		stored := make([]storage.Vector, len(vectors))
		for i, v := range vectors {
			stored[i] = storage.Vector(v)
		}
		if err := s.documents.UpdateChunkEmbeddings(ctx, s.db, ids, stored); err != nil {
			return err
		}
	}
	return nil
}

func fetchError(rawURL string, err error) ItemError {
	var ssrf *SsrfError
	if errors.As(err, &ssrf) {
		return ItemError{URL: rawURL, Status: nil, Reason: ReasonSsrfBlocked}
	}
	var statusErr *FetchStatusError
	if errors.As(err, &statusErr) {
		status := statusErr.Status
		return ItemError{URL: rawURL, Status: &status, Reason: ReasonFetchFailed}
	}
	return ItemError{URL: rawURL, Status: nil, Reason: ReasonFetchFailed}
}

// normalizeURL lowers the scheme and host and drops fragments, producing the
// identity key for url items.
func normalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Fragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return u.String()
}

// urlOriginPath is origin + pathname, the default source for url items.
func urlOriginPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Scheme + "://" + u.Host + u.Path
}
