package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DocumentRepository persists documents and their chunks.
type DocumentRepository struct {
	db DB
}

// NewDocumentRepository creates a repository on the given connection.
func NewDocumentRepository(db DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// UpsertResult reports what happened to one document during ingest.
type UpsertResult struct {
	// DocumentID is the row that now holds the identity, whether the insert
	// won, the update won, or an existing row was kept.
	DocumentID uuid.UUID
	BaseID     string
	Skipped    bool
}

const documentColumns = `id, collection, base_id, identity_key, source, doc_type,
	repo_id, repo_url, path, lang, item_url, mime_type, size_bytes, summary,
	payload_checksum, raw_data, raw_key, ingested_at, created_at, updated_at`

// Upsert inserts a document keyed by (collection, identity_key). With
// overwrite the existing row is replaced in place and its chunks become the
// caller's responsibility to delete; without overwrite an existing row wins
// and the result is marked skipped.
func (r *DocumentRepository) Upsert(ctx context.Context, db DB, doc *Document, overwrite bool) (*UpsertResult, error) {
	sanitizeDocument(doc)

	if overwrite {
		row := db.QueryRowContext(ctx, `
			INSERT INTO documents (id, collection, base_id, identity_key, source, doc_type,
				repo_id, repo_url, path, lang, item_url, mime_type, size_bytes, summary,
				payload_checksum, raw_data, raw_key, ingested_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, now(), now(), now())
			ON CONFLICT (collection, identity_key) DO UPDATE SET
				base_id = EXCLUDED.base_id,
				source = EXCLUDED.source,
				doc_type = EXCLUDED.doc_type,
				repo_id = EXCLUDED.repo_id,
				repo_url = EXCLUDED.repo_url,
				path = EXCLUDED.path,
				lang = EXCLUDED.lang,
				item_url = EXCLUDED.item_url,
				mime_type = EXCLUDED.mime_type,
				size_bytes = EXCLUDED.size_bytes,
				summary = EXCLUDED.summary,
				payload_checksum = EXCLUDED.payload_checksum,
				raw_data = EXCLUDED.raw_data,
				raw_key = EXCLUDED.raw_key,
				ingested_at = now(),
				updated_at = now()
			RETURNING id, base_id`,
			doc.ID, doc.Collection, doc.BaseID, doc.IdentityKey, doc.Source, doc.DocType,
			doc.RepoID, doc.RepoURL, doc.Path, doc.Lang, doc.ItemURL, doc.MimeType,
			doc.SizeBytes, doc.Summary, doc.PayloadChecksum, doc.RawData, doc.RawKey)

		res := &UpsertResult{}
		if err := row.Scan(&res.DocumentID, &res.BaseID); err != nil {
			return nil, fmt.Errorf("upsert document: %w", err)
		}
		return res, nil
	}

	row := db.QueryRowContext(ctx, `
		INSERT INTO documents (id, collection, base_id, identity_key, source, doc_type,
			repo_id, repo_url, path, lang, item_url, mime_type, size_bytes, summary,
			payload_checksum, raw_data, raw_key, ingested_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, now(), now(), now())
		ON CONFLICT (collection, identity_key) DO NOTHING
		RETURNING id, base_id`,
		doc.ID, doc.Collection, doc.BaseID, doc.IdentityKey, doc.Source, doc.DocType,
		doc.RepoID, doc.RepoURL, doc.Path, doc.Lang, doc.ItemURL, doc.MimeType,
		doc.SizeBytes, doc.Summary, doc.PayloadChecksum, doc.RawData, doc.RawKey)

	res := &UpsertResult{}
	err := row.Scan(&res.DocumentID, &res.BaseID)
	if errors.Is(err, sql.ErrNoRows) {
		// The identity already exists; report the holder.
		existing := db.QueryRowContext(ctx,
			`SELECT id, base_id FROM documents WHERE collection = $1 AND identity_key = $2`,
			doc.Collection, doc.IdentityKey)
		if err := existing.Scan(&res.DocumentID, &res.BaseID); err != nil {
			return nil, fmt.Errorf("load conflicting document: %w", err)
		}
		res.Skipped = true
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}
	return res, nil
}

// DeleteChunks removes all chunks of a document, used before re-chunking on
// overwrite.
func (r *DocumentRepository) DeleteChunks(ctx context.Context, db DB, documentID uuid.UUID) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

// InsertChunks writes the chunks of one document in a single multi-row insert.
func (r *DocumentRepository) InsertChunks(ctx context.Context, db DB, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	var (
		sb   strings.Builder
		args []interface{}
	)
	sb.WriteString(`INSERT INTO chunks (id, document_id, collection, chunk_index, text,
		doc_type, repo_id, path, lang, item_url, tier1_meta, enrichment_status,
		created_at, updated_at) VALUES `)
	for i, c := range chunks {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 12
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, now(), now())",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11, base+12)
		args = append(args,
			c.ID, c.DocumentID, c.Collection, c.ChunkIndex, SanitizeText(c.Text),
			SanitizeTextPtr(c.DocType), c.RepoID, SanitizeTextPtr(c.Path), c.Lang,
			c.ItemURL, c.Tier1Meta, c.EnrichmentStatus)
	}

	if _, err := db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}
	return nil
}

// UpdateChunkEmbeddings writes embeddings for previously inserted chunks.
// ids and vectors are parallel slices.
func (r *DocumentRepository) UpdateChunkEmbeddings(ctx context.Context, db DB, ids []uuid.UUID, vectors []Vector) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("embedding count %d does not match chunk count %d", len(vectors), len(ids))
	}
	if len(ids) == 0 {
		return nil
	}

	var (
		sb   strings.Builder
		args []interface{}
	)
	sb.WriteString(`UPDATE chunks AS c SET embedding = v.embedding::vector, updated_at = now() FROM (VALUES `)
	for i := range ids {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d::uuid, $%d)", i*2+1, i*2+2)
		args = append(args, ids[i], vectors[i])
	}
	sb.WriteString(`) AS v(id, embedding) WHERE c.id = v.id`)

	if _, err := db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("update chunk embeddings: %w", err)
	}
	return nil
}

// GetDocument loads one document by id.
func (r *DocumentRepository) GetDocument(ctx context.Context, id uuid.UUID) (*Document, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// GetDocumentsByBaseID loads all documents sharing a base id within a
// collection.
func (r *DocumentRepository) GetDocumentsByBaseID(ctx context.Context, collection, baseID string) ([]Document, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents
		 WHERE collection = $1 AND base_id = $2 ORDER BY created_at`,
		collection, baseID)
	if err != nil {
		return nil, fmt.Errorf("documents by base id: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, *doc)
	}
	return out, rows.Err()
}

// ChunkStatusCount is one enrichment-status bucket for a document group.
type ChunkStatusCount struct {
	Status string
	Count  int
}

// ChunkStatusesByBaseID aggregates chunk enrichment statuses for every chunk
// under documents with the given base id.
func (r *DocumentRepository) ChunkStatusesByBaseID(ctx context.Context, collection, baseID string) ([]ChunkStatusCount, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT ch.enrichment_status, count(*)
		FROM chunks ch
		JOIN documents d ON d.id = ch.document_id
		WHERE d.collection = $1 AND d.base_id = $2
		GROUP BY ch.enrichment_status`,
		collection, baseID)
	if err != nil {
		return nil, fmt.Errorf("chunk statuses: %w", err)
	}
	defer rows.Close()

	var out []ChunkStatusCount
	for rows.Next() {
		var c ChunkStatusCount
		if err := rows.Scan(&c.Status, &c.Count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CollectionStats summarizes one collection.
type CollectionStats struct {
	Collection    string    `json:"collection"`
	DocumentCount int       `json:"documentCount"`
	ChunkCount    int       `json:"chunkCount"`
	LastIngestAt  time.Time `json:"lastIngestAt"`
}

// ListCollections returns per-collection document and chunk counts.
func (r *DocumentRepository) ListCollections(ctx context.Context) ([]CollectionStats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT d.collection,
		       count(DISTINCT d.id),
		       count(ch.id),
		       max(d.ingested_at)
		FROM documents d
		LEFT JOIN chunks ch ON ch.document_id = d.id
		GROUP BY d.collection
		ORDER BY d.collection`)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	var out []CollectionStats
	for rows.Next() {
		var s CollectionStats
		if err := rows.Scan(&s.Collection, &s.DocumentCount, &s.ChunkCount, &s.LastIngestAt); err != nil {
			return nil, fmt.Errorf("scan collection stats: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DocumentByChunkID loads the document that owns a chunk.
func (r *DocumentRepository) DocumentByChunkID(ctx context.Context, chunkID uuid.UUID) (*Document, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents
		 WHERE id = (SELECT document_id FROM chunks WHERE id = $1)`, chunkID)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("document by chunk: %w", err)
	}
	return doc, nil
}

// ChunkTexts returns a document's chunk texts in index order.
func (r *DocumentRepository) ChunkTexts(ctx context.Context, documentID uuid.UUID) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT text FROM chunks WHERE document_id = $1 ORDER BY chunk_index`, documentID)
	if err != nil {
		return nil, fmt.Errorf("chunk texts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan chunk text: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.Collection, &d.BaseID, &d.IdentityKey, &d.Source,
		&d.DocType, &d.RepoID, &d.RepoURL, &d.Path, &d.Lang, &d.ItemURL,
		&d.MimeType, &d.SizeBytes, &d.Summary, &d.PayloadChecksum, &d.RawData,
		&d.RawKey, &d.IngestedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// sanitizeDocument strips null bytes from every text field. Raw payload bytes
// live in a bytea column and are left untouched.
func sanitizeDocument(d *Document) {
	d.Collection = SanitizeText(d.Collection)
	d.BaseID = SanitizeText(d.BaseID)
	d.IdentityKey = SanitizeText(d.IdentityKey)
	d.Source = SanitizeText(d.Source)
	d.DocType = SanitizeText(d.DocType)
	d.RepoID = SanitizeTextPtr(d.RepoID)
	d.RepoURL = SanitizeTextPtr(d.RepoURL)
	d.Path = SanitizeTextPtr(d.Path)
	d.Lang = SanitizeTextPtr(d.Lang)
	d.ItemURL = SanitizeTextPtr(d.ItemURL)
	d.MimeType = SanitizeTextPtr(d.MimeType)
	d.Summary = SanitizeTextPtr(d.Summary)
}
