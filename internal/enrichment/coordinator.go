// Package enrichment attaches tier-2 and tier-3 metadata to indexed chunks.
// The Coordinator is the control surface (status, stats, enqueue, clear); the
// Worker drains the task queue and produces the metadata.
package enrichment

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/corpusworks/corpus/internal/observability"
	"github.com/corpusworks/corpus/internal/queue"
	"github.com/corpusworks/corpus/internal/storage"
)

// Coordinator answers enrichment status questions and manages the queue for a
// collection.
type Coordinator struct {
	db     *sql.DB
	queue  *queue.TaskQueue
	docs   *storage.DocumentRepository
	logger *observability.Logger
}

// NewCoordinator wires the coordinator against the shared database.
func NewCoordinator(db *sql.DB, taskQueue *queue.TaskQueue, docs *storage.DocumentRepository, logger *observability.Logger) *Coordinator {
	return &Coordinator{
		db:     db,
		queue:  taskQueue,
		docs:   docs,
		logger: logger.WithComponent("enrichment"),
	}
}

// ChunkError is one failed chunk's error payload, lifted out of
// tier3_meta._error.
type ChunkError struct {
	ChunkIndex int             `json:"chunkIndex"`
	Error      json.RawMessage `json:"error"`
}

// Status aggregates the enrichment state of every chunk under a base id.
type Status struct {
	BaseID string         `json:"baseId"`
	Status string         `json:"status"`
	Counts map[string]int `json:"counts"`
	Errors []ChunkError   `json:"errors,omitempty"`
}

// GetStatus reports the aggregated enrichment status for a base id. Returns
// storage.ErrNotFound when the base id has no chunks at all.
func (c *Coordinator) GetStatus(ctx context.Context, collection, baseID string) (*Status, error) {
	counts, err := c.docs.ChunkStatusesByBaseID(ctx, collection, baseID)
	if err != nil {
		return nil, err
	}
	if len(counts) == 0 {
		return nil, storage.ErrNotFound
	}

	byStatus := make(map[string]int, len(counts))
	for _, sc := range counts {
		byStatus[sc.Status] = sc.Count
	}

	status := &Status{
		BaseID: baseID,
		Status: aggregateStatus(byStatus),
		Counts: byStatus,
	}

	if byStatus[storage.EnrichmentFailed] > 0 {
		errs, err := c.chunkErrors(ctx, collection, baseID)
		if err != nil {
			return nil, err
		}
		status.Errors = errs
	}
	return status, nil
}

// aggregateStatus folds per-status chunk counts into a single verdict.
func aggregateStatus(counts map[string]int) string {
	switch {
	case counts[storage.EnrichmentFailed] > 0:
		return storage.EnrichmentFailed
	case counts[storage.EnrichmentEnriched] > 0 && counts[storage.EnrichmentPending] > 0:
		return "mixed"
	case counts[storage.EnrichmentPending] > 0:
		return storage.EnrichmentPending
	case counts[storage.EnrichmentEnriched] > 0:
		return storage.EnrichmentEnriched
	default:
		return storage.EnrichmentNone
	}
}

func (c *Coordinator) chunkErrors(ctx context.Context, collection, baseID string) ([]ChunkError, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT ch.chunk_index, ch.tier3_meta->'_error'
		FROM chunks ch
		JOIN documents d ON d.id = ch.document_id
		WHERE d.collection = $1 AND d.base_id = $2
		  AND ch.enrichment_status = 'failed'
		  AND ch.tier3_meta ? '_error'
		ORDER BY ch.chunk_index`,
		collection, baseID)
	if err != nil {
		return nil, fmt.Errorf("load chunk errors: %w", err)
	}
	defer rows.Close()

	var out []ChunkError
	for rows.Next() {
		var ce ChunkError
		var payload []byte
		if err := rows.Scan(&ce.ChunkIndex, &payload); err != nil {
			return nil, fmt.Errorf("scan chunk error: %w", err)
		}
		ce.Error = json.RawMessage(payload)
		out = append(out, ce)
	}
	return out, rows.Err()
}

// Stats combines queue counts with chunk enrichment-status counts.
type Stats struct {
	Queue  *queue.Stats   `json:"queue"`
	Chunks map[string]int `json:"chunks"`
}

// GetStats aggregates the whole enrichment subsystem.
func (c *Coordinator) GetStats(ctx context.Context) (*Stats, error) {
	qs, err := c.queue.GetStats(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT enrichment_status, count(*) FROM chunks GROUP BY enrichment_status`)
	if err != nil {
		return nil, fmt.Errorf("chunk stats: %w", err)
	}
	defer rows.Close()

	chunks := map[string]int{}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan chunk stats: %w", err)
		}
		chunks[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &Stats{Queue: qs, Chunks: chunks}, nil
}

// EnqueueOptions tunes which chunks a manual enqueue selects.
type EnqueueOptions struct {
	// Force re-enqueues chunks that are already enriched.
	Force bool
	// Filter restricts selection to chunks whose text matches either a
	// websearch query or a substring.
	Filter string
}

// Enqueue selects chunks and inserts one enrichment task per chunk, all in a
// single transaction. Selected chunks are marked pending.
func (c *Coordinator) Enqueue(ctx context.Context, collection string, opts EnqueueOptions, maxAttempts int) (int, error) {
	if collection == "" {
		collection = storage.DefaultCollection
	}

	enqueued := 0
	err := storage.InTx(ctx, c.db, func(tx *sql.Tx) error {
		q := `
			SELECT ch.id, ch.chunk_index, ch.document_id, d.base_id, ch.doc_type
			FROM chunks ch
			JOIN documents d ON d.id = ch.document_id
			WHERE ch.collection = $1`
		args := []interface{}{collection}
		if !opts.Force {
			q += ` AND ch.enrichment_status <> 'enriched'`
		}
		if opts.Filter != "" {
			q += fmt.Sprintf(` AND (to_tsvector('english', ch.text) @@ websearch_to_tsquery('english', $%d)
				OR ch.text ILIKE '%%' || $%d || '%%')`, len(args)+1, len(args)+1)
			args = append(args, opts.Filter)
		}
		q += ` ORDER BY d.base_id, ch.chunk_index`

		rows, err := tx.QueryContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("select chunks for enqueue: %w", err)
		}
		defer rows.Close()

		var (
			payloads []queue.TaskPayload
			chunkIDs []uuid.UUID
		)
		for rows.Next() {
			var (
				p       queue.TaskPayload
				docType sql.NullString
			)
			if err := rows.Scan(&p.ChunkID, &p.ChunkIndex, &p.DocumentID, &p.BaseID, &docType); err != nil {
				return fmt.Errorf("scan chunk for enqueue: %w", err)
			}
			p.Collection = collection
			p.DocType = docType.String
			payloads = append(payloads, p)
			chunkIDs = append(chunkIDs, p.ChunkID)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(payloads) == 0 {
			return nil
		}

		n, err := c.queue.Enqueue(ctx, tx, payloads, maxAttempts, 0)
		if err != nil {
			return err
		}
		enqueued = n

		if _, err := tx.ExecContext(ctx, `
			UPDATE chunks SET enrichment_status = 'pending', updated_at = now()
			WHERE id = ANY($1::uuid[])`, uuidArray(chunkIDs)); err != nil {
			return fmt.Errorf("mark chunks pending: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	c.logger.Info().Str("collection", collection).Int("enqueued", enqueued).Msg("enrichment enqueued")
	return enqueued, nil
}

// ClearQueue deletes a collection's non-completed tasks. An optional filter
// narrows by base id substring.
func (c *Coordinator) ClearQueue(ctx context.Context, collection, filter string) (int, error) {
	if collection == "" {
		collection = storage.DefaultCollection
	}

	q := `DELETE FROM task_queue
		WHERE queue = $1 AND status IN ('pending', 'processing', 'dead')
		  AND payload->>'collection' = $2`
	args := []interface{}{queue.EnrichmentQueue, collection}
	if filter != "" {
		q += fmt.Sprintf(` AND payload->>'baseId' ILIKE '%%' || $%d || '%%'`, len(args)+1)
		args = append(args, filter)
	}

	res, err := c.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear queue rows affected: %w", err)
	}
	return int(n), nil
}

func uuidArray(ids []uuid.UUID) string {
	out := "{"
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += id.String()
	}
	return out + "}"
}
