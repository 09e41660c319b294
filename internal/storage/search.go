package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SearchResult is one retrieved chunk with its provenance.
type SearchResult struct {
	ChunkID    uuid.UUID
	DocumentID uuid.UUID
	ChunkIndex int
	Text       string
	Similarity float64
	BaseID     string
	Source     string
	DocType    *string
	RepoID     *string
	Path       *string
	Lang       *string
	ItemURL    *string
	Tier2Meta  JSONText
	Tier3Meta  JSONText
}

// SearchRepository runs retrieval queries over chunks. Filter fragments are
// produced by the query-layer translator and arrive as " AND (…)" text whose
// placeholders continue this query's numbering.
type SearchRepository struct {
	db DB
}

// NewSearchRepository creates a repository on the given connection.
func NewSearchRepository(db DB) *SearchRepository {
	return &SearchRepository{db: db}
}

const searchColumns = `c.id, c.document_id, c.chunk_index, c.text,
	d.base_id, d.source, c.doc_type, c.repo_id, c.path, c.lang, c.item_url,
	c.tier2_meta, c.tier3_meta`

// SemanticParams reports how many placeholders Semantic binds before the
// filter fragment, so translators can offset theirs.
const SemanticParams = 3

// Semantic runs cosine-similarity search within a collection. filterSQL may
// be empty; its placeholders must start at $4.
func (r *SearchRepository) Semantic(ctx context.Context, collection string, embedding Vector, limit int, filterSQL string, filterArgs []interface{}) ([]SearchResult, error) {
	query := `
		SELECT ` + searchColumns + `, 1 - (c.embedding <=> $2::vector) AS similarity
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.collection = $1 AND c.embedding IS NOT NULL` + filterSQL + `
		ORDER BY c.embedding <=> $2::vector
		LIMIT $3`

	args := append([]interface{}{collection, embedding, limit}, filterArgs...)
	return r.queryResults(ctx, query, args, true)
}

// MetadataParams is the placeholder count Metadata binds before the filter.
const MetadataParams = 2

// Metadata returns the newest chunks matching a filter, with no embedding
// involved. filterSQL placeholders must start at $3.
func (r *SearchRepository) Metadata(ctx context.Context, collection string, limit int, filterSQL string, filterArgs []interface{}) ([]SearchResult, error) {
	query := `
		SELECT ` + searchColumns + `
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.collection = $1` + filterSQL + `
		ORDER BY c.created_at DESC, c.chunk_index
		LIMIT $2`

	args := append([]interface{}{collection, limit}, filterArgs...)
	return r.queryResults(ctx, query, args, false)
}

// CandidateIDsParams is the placeholder count CandidateIDs binds before the
// filter.
const CandidateIDsParams = 2

// CandidateIDs returns chunk ids matching a filter, for a later semantic
// rerank. filterSQL placeholders must start at $3.
func (r *SearchRepository) CandidateIDs(ctx context.Context, collection string, limit int, filterSQL string, filterArgs []interface{}) ([]uuid.UUID, error) {
	query := `
		SELECT c.id
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.collection = $1` + filterSQL + `
		LIMIT $2`

	args := append([]interface{}{collection, limit}, filterArgs...)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("candidate ids: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan candidate id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// RerankByChunkIDs orders a candidate chunk set by similarity to the query
// embedding.
func (r *SearchRepository) RerankByChunkIDs(ctx context.Context, embedding Vector, chunkIDs []uuid.UUID, limit int) ([]SearchResult, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT ` + searchColumns + `, 1 - (c.embedding <=> $1::vector) AS similarity
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.id = ANY($2::uuid[]) AND c.embedding IS NOT NULL
		ORDER BY c.embedding <=> $1::vector
		LIMIT $3`

	return r.queryResults(ctx, query, []interface{}{embedding, uuidArray(chunkIDs), limit}, true)
}

// RerankByDocumentIDs orders the chunks of a document set by similarity to
// the query embedding.
func (r *SearchRepository) RerankByDocumentIDs(ctx context.Context, embedding Vector, documentIDs []uuid.UUID, limit int) ([]SearchResult, error) {
	if len(documentIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT ` + searchColumns + `, 1 - (c.embedding <=> $1::vector) AS similarity
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.document_id = ANY($2::uuid[]) AND c.embedding IS NOT NULL
		ORDER BY c.embedding <=> $1::vector
		LIMIT $3`

	return r.queryResults(ctx, query, []interface{}{embedding, uuidArray(documentIDs), limit}, true)
}

func (r *SearchRepository) queryResults(ctx context.Context, query string, args []interface{}, withSimilarity bool) ([]SearchResult, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var s SearchResult
		dest := []interface{}{&s.ChunkID, &s.DocumentID, &s.ChunkIndex, &s.Text,
			&s.BaseID, &s.Source, &s.DocType, &s.RepoID, &s.Path, &s.Lang,
			&s.ItemURL, &s.Tier2Meta, &s.Tier3Meta}
		if withSimilarity {
			dest = append(dest, &s.Similarity)
		} else {
			s.Similarity = 1.0
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// uuidArray renders ids as a Postgres uuid[] literal for ANY($n).
func uuidArray(ids []uuid.UUID) string {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	return "{" + strings.Join(strs, ",") + "}"
}
