package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/corpusworks/corpus/internal/llm"
	"github.com/corpusworks/corpus/internal/observability"
	"github.com/corpusworks/corpus/internal/queue"
	"github.com/corpusworks/corpus/internal/storage"
)

// WorkerOptions tunes the claim loop.
type WorkerOptions struct {
	WorkerID      string
	PollInterval  time.Duration
	StaleInterval time.Duration
	Lease         time.Duration
}

// Worker drains the enrichment queue. Tier-2 metadata is computed locally;
// tier-3 metadata comes from the configured LLM, and a nil client degrades to
// tier-2 only.
type Worker struct {
	queue  *queue.TaskQueue
	llm    llm.Client
	opts   WorkerOptions
	logger *observability.Logger
}

// NewWorker creates a worker. client may be nil to run without tier-3.
func NewWorker(taskQueue *queue.TaskQueue, client llm.Client, opts WorkerOptions, logger *observability.Logger) *Worker {
	if opts.WorkerID == "" {
		opts.WorkerID = "worker"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.StaleInterval <= 0 {
		opts.StaleInterval = time.Minute
	}
	if opts.Lease <= 0 {
		opts.Lease = 5 * time.Minute
	}
	return &Worker{
		queue:  taskQueue,
		llm:    client,
		opts:   opts,
		logger: logger.WithComponent("enrichment_worker"),
	}
}

// Run claims and processes tasks until ctx is cancelled. A watchdog returns
// stale leases to pending in the background.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().
		Str("worker_id", w.opts.WorkerID).
		Bool("tier3", w.llm != nil).
		Msg("worker started")

	watchdog := time.NewTicker(w.opts.StaleInterval)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("worker stopping")
			return ctx.Err()
		case <-watchdog.C:
			if _, err := w.queue.RecoverStale(ctx); err != nil {
				w.logger.Warn().Err(err).Msg("stale recovery failed")
			}
		default:
		}

		claimed, err := w.queue.Claim(ctx, w.opts.WorkerID, w.opts.Lease)
		if err == queue.ErrNoTask {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.opts.PollInterval):
			}
			continue
		}
		if err != nil {
			w.logger.Error().Err(err).Msg("claim failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.opts.PollInterval):
			}
			continue
		}

		w.handle(ctx, claimed)
	}
}

func (w *Worker) handle(ctx context.Context, claimed *queue.ClaimedTask) {
	log := w.logger.With().
		Str("task_id", claimed.Task.ID.String()).
		Str("base_id", claimed.Payload.BaseID).
		Int("chunk_index", claimed.Payload.ChunkIndex).
		Logger()

	res, err := w.Process(ctx, claimed)
	if err != nil {
		log.Warn().Err(err).Int("attempt", claimed.Task.Attempt).Msg("enrichment failed")
		if fErr := w.queue.Fail(ctx, claimed, err); fErr != nil {
			log.Error().Err(fErr).Msg("fail bookkeeping failed")
		}
		return
	}

	if err := w.queue.Complete(ctx, claimed, res); err != nil {
		log.Error().Err(err).Msg("complete failed")
		if fErr := w.queue.Fail(ctx, claimed, err); fErr != nil {
			log.Error().Err(fErr).Msg("fail bookkeeping failed")
		}
		return
	}
	log.Debug().Msg("chunk enriched")
}

// Process computes the enrichment result for one claimed task. A tier-3
// failure records its payload on the chunk and returns an error so the task
// retries with backoff.
func (w *Worker) Process(ctx context.Context, claimed *queue.ClaimedTask) (*queue.Result, error) {
	tier2 := ExtractTier2(claimed.ChunkText)
	res := &queue.Result{Tier2Meta: Tier2JSON(tier2)}

	if w.llm == nil {
		// Tier-2 entities still feed the graph, typed unknown.
		for _, e := range tier2.Entities {
			res.Entities = append(res.Entities, queue.ExtractedEntity{Name: e.Text, Type: "unknown"})
		}
		return res, nil
	}

	// Tier-3 context is the whole document in chunk order, not just the
	// claimed chunk.
	docText := strings.Join(claimed.ChunkTexts, "\n\n")
	if docText == "" {
		docText = claimed.ChunkText
	}

	docType := claimed.Payload.DocType
	prompt := BuildTier3Prompt(docType, docText)
	raw, err := w.llm.Complete(ctx, prompt, ProfileFor(docType).schema)
	if err != nil {
		w.recordTier3Error(ctx, claimed, "llm", err)
		return nil, fmt.Errorf("tier3 completion: %w", err)
	}

	body, ok := llm.FirstJSONObject(raw)
	if !ok {
		err := fmt.Errorf("no JSON object in completion")
		w.recordTier3Error(ctx, claimed, "parse", err)
		return nil, err
	}

	var tier3 Tier3Result
	if err := json.Unmarshal(body, &tier3); err != nil {
		w.recordTier3Error(ctx, claimed, "parse", err)
		return nil, fmt.Errorf("decode tier3 result: %w", err)
	}

	res.Tier3Meta = body
	res.Summary = storage.SanitizeText(strings.TrimSpace(tier3.Summary))
	for _, e := range tier3.Entities {
		res.Entities = append(res.Entities, queue.ExtractedEntity{
			Name:        e.Name,
			Type:        e.Type,
			Description: e.Description,
		})
	}
	for _, r := range tier3.Relationships {
		res.Relationships = append(res.Relationships, queue.ExtractedRelationship{
			Source:      r.Source,
			Target:      r.Target,
			Type:        r.Type,
			Description: r.Description,
		})
	}
	return res, nil
}

func (w *Worker) recordTier3Error(ctx context.Context, claimed *queue.ClaimedTask, stage string, err error) {
	payload := Tier3ErrorPayload(stage, err)
	if rErr := w.queue.RecordChunkError(ctx, claimed.Payload.ChunkID, payload); rErr != nil {
		w.logger.Warn().Err(rErr).Msg("could not record tier3 error")
	}
}
