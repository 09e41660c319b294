// Package queue implements the Postgres-backed enrichment task queue.
//
// Claiming relies on FOR UPDATE SKIP LOCKED so that concurrent workers never
// receive the same task. Failed tasks are rescheduled with exponential
// backoff and move to a dead status once attempts are exhausted.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/corpusworks/corpus/internal/observability"
	"github.com/corpusworks/corpus/internal/storage"
)

// EnrichmentQueue is the queue name used for chunk enrichment tasks.
const EnrichmentQueue = "enrichment"

const (
	backoffBase = 60 * time.Second
	backoffCap  = 3600 * time.Second
)

// ErrNoTask is returned by Claim when nothing is runnable.
var ErrNoTask = errors.New("no runnable task")

// TaskPayload is the JSON body of one enrichment task.
type TaskPayload struct {
	DocumentID uuid.UUID `json:"documentId"`
	ChunkID    uuid.UUID `json:"chunkId"`
	ChunkIndex int       `json:"chunkIndex"`
	Collection string    `json:"collection"`
	BaseID     string    `json:"baseId"`
	DocType    string    `json:"docType"`
}

// ClaimedTask is a leased task joined with the chunk it targets. ChunkTexts
// holds every chunk of the task's document in chunk-index order, so workers
// can build document-level context.
type ClaimedTask struct {
	Task       storage.EnrichmentTask
	Payload    TaskPayload
	ChunkText  string
	ChunkTexts []string
}

// ExtractedEntity is one entity produced by enrichment.
type ExtractedEntity struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// ExtractedRelationship is one directed edge produced by enrichment.
// Source and Target are entity names resolved during Complete.
type ExtractedRelationship struct {
	Source      string `json:"source"`
	Target      string `json:"target"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Result is everything a worker produces for one claimed task.
type Result struct {
	Tier2Meta     json.RawMessage
	Tier3Meta     json.RawMessage
	Summary       string
	Entities      []ExtractedEntity
	Relationships []ExtractedRelationship
}

// TaskQueue manages enrichment tasks.
type TaskQueue struct {
	db     *sql.DB
	logger *observability.Logger
}

// New creates a task queue on the given database.
func New(db *sql.DB, logger *observability.Logger) *TaskQueue {
	return &TaskQueue{db: db, logger: logger.WithComponent("task_queue")}
}

// Enqueue inserts pending tasks in batches. db may be a transaction so that
// enqueueing joins a larger ingest commit.
func (q *TaskQueue) Enqueue(ctx context.Context, db storage.DB, payloads []TaskPayload, maxAttempts, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	inserted := 0
	for start := 0; start < len(payloads); start += batchSize {
		end := start + batchSize
		if end > len(payloads) {
			end = len(payloads)
		}
		batch := payloads[start:end]

		var (
			sb   strings.Builder
			args []interface{}
		)
		sb.WriteString(`INSERT INTO task_queue (id, queue, status, payload, max_attempts, run_after, created_at) VALUES `)
		for i, p := range batch {
			body, err := json.Marshal(p)
			if err != nil {
				return inserted, fmt.Errorf("marshal task payload: %w", err)
			}
			if i > 0 {
				sb.WriteString(", ")
			}
			base := i * 3
			fmt.Fprintf(&sb, "($%d, $%d, 'pending', $%d, %d, now(), now())",
				base+1, base+2, base+3, maxAttempts)
			args = append(args, uuid.New(), EnrichmentQueue, string(body))
		}

		if _, err := db.ExecContext(ctx, sb.String(), args...); err != nil {
			return inserted, fmt.Errorf("enqueue tasks: %w", err)
		}
		inserted += len(batch)
	}

	q.logger.Debug().Int("count", inserted).Msg("tasks enqueued")
	return inserted, nil
}

// Claim leases the oldest runnable task. The update and the row selection run
// as one statement, so two workers can never lease the same row. Returns
// ErrNoTask when the queue is drained.
func (q *TaskQueue) Claim(ctx context.Context, workerID string, lease time.Duration) (*ClaimedTask, error) {
	row := q.db.QueryRowContext(ctx, `
		WITH next AS (
			SELECT id FROM task_queue
			WHERE queue = $1 AND status = 'pending' AND run_after <= now()
			ORDER BY run_after, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE task_queue t SET
			status = 'processing',
			attempt = t.attempt + 1,
			leased_by = $2,
			lease_expires_at = now() + $3 * interval '1 second',
			started_at = now()
		FROM next
		WHERE t.id = next.id
		RETURNING t.id, t.queue, t.status, t.payload, t.attempt, t.max_attempts,
			t.run_after, t.leased_by, t.lease_expires_at, t.error,
			t.created_at, t.started_at, t.completed_at`,
		EnrichmentQueue, workerID, int(lease.Seconds()))

	var task storage.EnrichmentTask
	err := row.Scan(&task.ID, &task.Queue, &task.Status, &task.Payload,
		&task.Attempt, &task.MaxAttempts, &task.RunAfter, &task.LeasedBy,
		&task.LeaseExpiresAt, &task.Error, &task.CreatedAt, &task.StartedAt,
		&task.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoTask
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}

	claimed := &ClaimedTask{Task: task}
	if err := json.Unmarshal(task.Payload, &claimed.Payload); err != nil {
		return nil, fmt.Errorf("decode task payload: %w", err)
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, text FROM chunks
		WHERE document_id = $1
		ORDER BY chunk_index`,
		claimed.Payload.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("load document chunks: %w", err)
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		var (
			id   uuid.UUID
			text string
		)
		if err := rows.Scan(&id, &text); err != nil {
			return nil, fmt.Errorf("scan document chunk: %w", err)
		}
		claimed.ChunkTexts = append(claimed.ChunkTexts, text)
		if id == claimed.Payload.ChunkID {
			claimed.ChunkText = text
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read document chunks: %w", err)
	}
	if !found {
		// The chunk vanished under the task, usually an overwrite re-ingest.
		// Complete the orphan so it stops cycling.
		if _, mErr := q.db.ExecContext(ctx, `
			UPDATE task_queue SET status = 'completed', completed_at = now(),
				error = 'chunk no longer exists'
			WHERE id = $1`, task.ID); mErr != nil {
			return nil, fmt.Errorf("retire orphan task: %w", mErr)
		}
		return nil, ErrNoTask
	}

	return claimed, nil
}

// Complete applies an enrichment result and marks the task done, all in one
// transaction.
func (q *TaskQueue) Complete(ctx context.Context, claimed *ClaimedTask, res *Result) error {
	return storage.InTx(ctx, q.db, func(tx *sql.Tx) error {
		if err := q.applyResult(ctx, tx, claimed, res); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_queue SET status = 'completed', completed_at = now(),
				leased_by = NULL, lease_expires_at = NULL, error = NULL
			WHERE id = $1`, claimed.Task.ID); err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		return nil
	})
}

func (q *TaskQueue) applyResult(ctx context.Context, tx *sql.Tx, claimed *ClaimedTask, res *Result) error {
	entityIDs := make(map[string]uuid.UUID, len(res.Entities))

	for _, e := range res.Entities {
		name := storage.SanitizeText(strings.TrimSpace(e.Name))
		if name == "" {
			continue
		}
		etype := e.Type
		if etype == "" {
			etype = "unknown"
		}

		var id uuid.UUID
		err := tx.QueryRowContext(ctx, `
			INSERT INTO entities (id, name, type, description, mention_count, last_seen, created_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), 1, now(), now())
			ON CONFLICT (name) DO UPDATE SET
				mention_count = entities.mention_count + 1,
				last_seen = now(),
				type = CASE WHEN entities.type = 'unknown' THEN EXCLUDED.type ELSE entities.type END,
				description = COALESCE(NULLIF(EXCLUDED.description, ''), entities.description)
			RETURNING id`,
			uuid.New(), name, etype, storage.SanitizeText(e.Description)).Scan(&id)
		if err != nil {
			return fmt.Errorf("upsert entity %q: %w", name, err)
		}
		entityIDs[strings.ToLower(name)] = id

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO document_entity_mentions (document_id, entity_id, mention_count, created_at)
			VALUES ($1, $2, 1, now())
			ON CONFLICT (document_id, entity_id) DO UPDATE SET
				mention_count = document_entity_mentions.mention_count + 1`,
			claimed.Payload.DocumentID, id); err != nil {
			return fmt.Errorf("upsert mention: %w", err)
		}
	}

	for _, rel := range res.Relationships {
		srcID, okSrc := entityIDs[strings.ToLower(strings.TrimSpace(rel.Source))]
		dstID, okDst := entityIDs[strings.ToLower(strings.TrimSpace(rel.Target))]
		if !okSrc || !okDst || rel.Type == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entity_relationships (id, source_id, target_id, relationship_type, description, created_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), now())
			ON CONFLICT (source_id, target_id, relationship_type) DO UPDATE SET
				description = COALESCE(NULLIF(EXCLUDED.description, ''), entity_relationships.description)`,
			uuid.New(), srcID, dstID, rel.Type, storage.SanitizeText(rel.Description)); err != nil {
			return fmt.Errorf("upsert relationship: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE chunks SET
			tier2_meta = COALESCE($2::jsonb, tier2_meta),
			tier3_meta = COALESCE($3::jsonb, tier3_meta),
			enrichment_status = 'enriched',
			updated_at = now()
		WHERE id = $1`,
		claimed.Payload.ChunkID,
		nullableJSON(res.Tier2Meta), nullableJSON(res.Tier3Meta)); err != nil {
		return fmt.Errorf("update chunk enrichment: %w", err)
	}

	if res.Summary != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE documents SET summary = $2, updated_at = now() WHERE id = $1`,
			claimed.Payload.DocumentID, storage.SanitizeText(res.Summary)); err != nil {
			return fmt.Errorf("update document summary: %w", err)
		}
	}

	return nil
}

// RecordChunkError stores an error payload in a chunk's tier3 metadata
// without changing its enrichment status. Status reporting surfaces the
// payload once the task dead-letters.
func (q *TaskQueue) RecordChunkError(ctx context.Context, chunkID uuid.UUID, payload json.RawMessage) error {
	if _, err := q.db.ExecContext(ctx, `
		UPDATE chunks SET tier3_meta = $2::jsonb, updated_at = now()
		WHERE id = $1`, chunkID, string(payload)); err != nil {
		return fmt.Errorf("record chunk error: %w", err)
	}
	return nil
}

// Fail reschedules a task with backoff, or moves it to dead once attempts are
// exhausted. Dead tasks mark their chunk failed so status reporting sees it.
func (q *TaskQueue) Fail(ctx context.Context, claimed *ClaimedTask, taskErr error) error {
	msg := storage.SanitizeText(taskErr.Error())

	if claimed.Task.Attempt >= claimed.Task.MaxAttempts {
		return storage.InTx(ctx, q.db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `
				UPDATE task_queue SET status = 'dead', error = $2, completed_at = now(),
					leased_by = NULL, lease_expires_at = NULL
				WHERE id = $1`, claimed.Task.ID, msg); err != nil {
				return fmt.Errorf("dead-letter task: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE chunks SET enrichment_status = 'failed', updated_at = now()
				WHERE id = $1`, claimed.Payload.ChunkID); err != nil {
				return fmt.Errorf("mark chunk failed: %w", err)
			}
			q.logger.Warn().
				Str("task_id", claimed.Task.ID.String()).
				Int("attempt", claimed.Task.Attempt).
				Str("error", msg).
				Msg("task dead-lettered")
			return nil
		})
	}

	delay := Backoff(claimed.Task.Attempt)
	if _, err := q.db.ExecContext(ctx, `
		UPDATE task_queue SET status = 'pending', error = $2,
			run_after = now() + $3 * interval '1 second',
			leased_by = NULL, lease_expires_at = NULL
		WHERE id = $1`,
		claimed.Task.ID, msg, int(delay.Seconds())); err != nil {
		return fmt.Errorf("reschedule task: %w", err)
	}

	q.logger.Debug().
		Str("task_id", claimed.Task.ID.String()).
		Int("attempt", claimed.Task.Attempt).
		Dur("delay", delay).
		Msg("task rescheduled")
	return nil
}

// Backoff returns the retry delay after the given attempt: 60s doubling per
// attempt, capped at one hour.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= backoffCap {
			return backoffCap
		}
	}
	if delay > backoffCap {
		return backoffCap
	}
	return delay
}

// RecoverStale returns expired processing tasks to pending so another worker
// can claim them. Returns the number of recovered tasks.
func (q *TaskQueue) RecoverStale(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE task_queue SET status = 'pending',
			leased_by = NULL, lease_expires_at = NULL
		WHERE queue = $1 AND status = 'processing' AND lease_expires_at < now()`,
		EnrichmentQueue)
	if err != nil {
		return 0, fmt.Errorf("recover stale tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover stale rows affected: %w", err)
	}
	if n > 0 {
		q.logger.Info().Int64("count", n).Msg("stale tasks recovered")
	}
	return int(n), nil
}

// Stats reports task counts per status.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Dead       int `json:"dead"`
}

// GetStats aggregates the queue by status.
func (q *TaskQueue) GetStats(ctx context.Context) (*Stats, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT status, count(*) FROM task_queue WHERE queue = $1 GROUP BY status`,
		EnrichmentQueue)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		switch status {
		case storage.TaskPending:
			stats.Pending = count
		case storage.TaskProcessing:
			stats.Processing = count
		case storage.TaskCompleted:
			stats.Completed = count
		case storage.TaskDead:
			stats.Dead = count
		}
	}
	return stats, rows.Err()
}

// Clear deletes tasks in the given statuses. With no statuses it clears
// everything but processing rows.
func (q *TaskQueue) Clear(ctx context.Context, statuses ...string) (int, error) {
	if len(statuses) == 0 {
		statuses = []string{storage.TaskPending, storage.TaskCompleted, storage.TaskDead}
	}

	res, err := q.db.ExecContext(ctx,
		`DELETE FROM task_queue WHERE queue = $1 AND status = ANY($2::text[])`,
		EnrichmentQueue, textArray(statuses))
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear queue rows affected: %w", err)
	}
	return int(n), nil
}

func textArray(vals []string) string {
	return "{" + strings.Join(vals, ",") + "}"
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
