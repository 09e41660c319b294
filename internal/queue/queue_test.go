package queue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corpusworks/corpus/internal/observability"
	"github.com/corpusworks/corpus/internal/storage"
)

func TestBackoffSeries(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 60 * time.Second},
		{attempt: 2, want: 120 * time.Second},
		{attempt: 3, want: 240 * time.Second},
		{attempt: 4, want: 480 * time.Second},
		{attempt: 5, want: 960 * time.Second},
		{attempt: 6, want: 1920 * time.Second},
		{attempt: 7, want: 3600 * time.Second},
		{attempt: 20, want: 3600 * time.Second},
		{attempt: 0, want: 60 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestTaskPayloadRoundTrip(t *testing.T) {
	p := TaskPayload{
		DocumentID: uuid.New(),
		ChunkID:    uuid.New(),
		ChunkIndex: 3,
		Collection: "docs",
		BaseID:     "repo/readme",
		DocType:    "article",
	}

	body, err := json.Marshal(p)
	require.NoError(t, err)

	var got TaskPayload
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, p, got)
}

// Integration tests run only against a throwaway database.
func TestClaimExclusivity(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := storage.Open(ctx, dsn, storage.OpenOptions{MaxOpenConns: 5})
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, storage.Migrate(ctx, db, 4))

	q := New(db, observability.Nop())
	_, err = q.Clear(ctx)
	require.NoError(t, err)

	docID, chunkID := seedChunk(t, ctx, db)
	payloads := []TaskPayload{{
		DocumentID: docID,
		ChunkID:    chunkID,
		Collection: "docs",
		BaseID:     "base",
		DocType:    "text",
	}}
	_, err = q.Enqueue(ctx, db, payloads, 3, 100)
	require.NoError(t, err)

	first, err := q.Claim(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Task.Attempt)
	assert.Equal(t, "hello world", first.ChunkText)

	_, err = q.Claim(ctx, "worker-b", time.Minute)
	assert.ErrorIs(t, err, ErrNoTask)

	require.NoError(t, q.Complete(ctx, first, &Result{
		Tier2Meta: json.RawMessage(`{"keywords":["hello"]}`),
		Entities:  []ExtractedEntity{{Name: "Hello", Type: "concept"}},
	}))

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 0, stats.Pending)
}

func TestFailBackoffAndDeadLetter(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := storage.Open(ctx, dsn, storage.OpenOptions{MaxOpenConns: 5})
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, storage.Migrate(ctx, db, 4))

	q := New(db, observability.Nop())
	_, err = q.Clear(ctx)
	require.NoError(t, err)

	docID, chunkID := seedChunk(t, ctx, db)
	_, err = q.Enqueue(ctx, db, []TaskPayload{{
		DocumentID: docID, ChunkID: chunkID, Collection: "docs",
		BaseID: "base", DocType: "text",
	}}, 2, 100)
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, claimed, errors.New("llm timeout")))

	// Rescheduled with a future run_after, so not claimable yet.
	_, err = q.Claim(ctx, "w", time.Minute)
	assert.ErrorIs(t, err, ErrNoTask)

	// Force it runnable and exhaust attempts.
	_, err = db.ExecContext(ctx, `UPDATE task_queue SET run_after = now()`)
	require.NoError(t, err)
	claimed, err = q.Claim(ctx, "w", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, claimed.Task.Attempt)
	require.NoError(t, q.Fail(ctx, claimed, errors.New("llm timeout")))

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dead)

	var chunkStatus string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT enrichment_status FROM chunks WHERE id = $1`, chunkID).Scan(&chunkStatus))
	assert.Equal(t, storage.EnrichmentFailed, chunkStatus)
}

func TestCompleteIncrementsMentionCount(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := storage.Open(ctx, dsn, storage.OpenOptions{MaxOpenConns: 5})
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, storage.Migrate(ctx, db, 4))

	q := New(db, observability.Nop())
	_, err = q.Clear(ctx)
	require.NoError(t, err)

	docID, chunkIDs := seedDocumentChunks(t, ctx, db, "first chunk", "second chunk")
	payloads := make([]TaskPayload, len(chunkIDs))
	for i, id := range chunkIDs {
		payloads[i] = TaskPayload{
			DocumentID: docID, ChunkID: id, ChunkIndex: i,
			Collection: "docs", BaseID: "base", DocType: "text",
		}
	}
	_, err = q.Enqueue(ctx, db, payloads, 3, 100)
	require.NoError(t, err)

	// The same entity extracted from two chunks of one document.
	entityName := "Entity-" + uuid.NewString()
	for range chunkIDs {
		claimed, err := q.Claim(ctx, "w", time.Minute)
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, claimed, &Result{
			Entities: []ExtractedEntity{{Name: entityName, Type: "concept"}},
		}))
	}

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `
		SELECT m.mention_count
		FROM document_entity_mentions m
		JOIN entities e ON e.id = m.entity_id
		WHERE m.document_id = $1 AND e.name = $2`,
		docID, entityName).Scan(&count))
	assert.Equal(t, 2, count)
}

func TestClaimLoadsDocumentChunkTexts(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := storage.Open(ctx, dsn, storage.OpenOptions{MaxOpenConns: 5})
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, storage.Migrate(ctx, db, 4))

	q := New(db, observability.Nop())
	_, err = q.Clear(ctx)
	require.NoError(t, err)

	docID, chunkIDs := seedDocumentChunks(t, ctx, db, "alpha text", "beta text", "gamma text")
	_, err = q.Enqueue(ctx, db, []TaskPayload{{
		DocumentID: docID, ChunkID: chunkIDs[1], ChunkIndex: 1,
		Collection: "docs", BaseID: "base", DocType: "text",
	}}, 3, 100)
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "w", time.Minute)
	require.NoError(t, err)

	// The whole document comes back in chunk order; ChunkText stays the
	// claimed chunk's text.
	assert.Equal(t, []string{"alpha text", "beta text", "gamma text"}, claimed.ChunkTexts)
	assert.Equal(t, "beta text", claimed.ChunkText)
}

func seedDocumentChunks(t *testing.T, ctx context.Context, db storage.DB, texts ...string) (uuid.UUID, []uuid.UUID) {
	t.Helper()
	docID := uuid.New()

	_, err := db.ExecContext(ctx, `
		INSERT INTO documents (id, collection, base_id, identity_key, source, doc_type)
		VALUES ($1, 'docs', 'base', $2, 'text', 'text')`,
		docID, "key-"+docID.String())
	require.NoError(t, err)

	chunkIDs := make([]uuid.UUID, len(texts))
	for i, text := range texts {
		chunkIDs[i] = uuid.New()
		_, err = db.ExecContext(ctx, `
			INSERT INTO chunks (id, document_id, collection, chunk_index, text, enrichment_status)
			VALUES ($1, $2, 'docs', $3, $4, 'pending')`,
			chunkIDs[i], docID, i, text)
		require.NoError(t, err)
	}
	return docID, chunkIDs
}

func seedChunk(t *testing.T, ctx context.Context, db storage.DB) (uuid.UUID, uuid.UUID) {
	t.Helper()
	docID := uuid.New()
	chunkID := uuid.New()

	_, err := db.ExecContext(ctx, `
		INSERT INTO documents (id, collection, base_id, identity_key, source, doc_type)
		VALUES ($1, 'docs', 'base', $2, 'text', 'text')`,
		docID, "key-"+docID.String())
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `
		INSERT INTO chunks (id, document_id, collection, chunk_index, text, enrichment_status)
		VALUES ($1, $2, 'docs', 0, 'hello world', 'pending')`,
		chunkID, docID)
	require.NoError(t, err)

	return docID, chunkID
}
