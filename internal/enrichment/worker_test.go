package enrichment

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corpusworks/corpus/internal/observability"
	"github.com/corpusworks/corpus/internal/queue"
)

type scriptedLLM struct {
	reply   string
	lastDoc string
	schemas []json.RawMessage
}

func (s *scriptedLLM) Complete(_ context.Context, prompt string, schema json.RawMessage) (string, error) {
	s.lastDoc = prompt
	s.schemas = append(s.schemas, schema)
	return s.reply, nil
}

func claimedFixture(docType, text string) *queue.ClaimedTask {
	return &queue.ClaimedTask{
		Payload: queue.TaskPayload{
			DocumentID: uuid.New(),
			ChunkID:    uuid.New(),
			Collection: "docs",
			BaseID:     "doc-1",
			DocType:    docType,
		},
		ChunkText:  text,
		ChunkTexts: []string{text},
	}
}

func TestProcessWithoutLLM(t *testing.T) {
	w := NewWorker(nil, nil, WorkerOptions{}, observability.Nop())

	res, err := w.Process(context.Background(), claimedFixture("text",
		"AuthService depends on the Payment Service for settlement each day"))
	require.NoError(t, err)

	require.NotEmpty(t, res.Tier2Meta)
	assert.Empty(t, res.Tier3Meta)
	assert.Empty(t, res.Relationships)

	// Tier-2 entities still reach the graph, typed unknown.
	require.NotEmpty(t, res.Entities)
	for _, e := range res.Entities {
		assert.Equal(t, "unknown", e.Type)
	}
}

func TestProcessWithLLM(t *testing.T) {
	client := &scriptedLLM{reply: `{
		"summary": "AuthService settles payments through PaymentService.",
		"entities": [
			{"name": "AuthService", "type": "service"},
			{"name": "PaymentService", "type": "service", "description": "settlement"}
		],
		"relationships": [
			{"source": "AuthService", "target": "PaymentService", "type": "depends_on"}
		]
	}`}
	w := NewWorker(nil, client, WorkerOptions{}, observability.Nop())

	res, err := w.Process(context.Background(), claimedFixture("code",
		"AuthService calls PaymentService.Settle()"))
	require.NoError(t, err)

	assert.Equal(t, "AuthService settles payments through PaymentService.", res.Summary)
	require.Len(t, res.Entities, 2)
	assert.Equal(t, "service", res.Entities[0].Type)
	require.Len(t, res.Relationships, 1)
	assert.Equal(t, "depends_on", res.Relationships[0].Type)
	assert.NotEmpty(t, res.Tier3Meta)
	assert.True(t, json.Valid(res.Tier3Meta))

	// The code profile's schema was requested.
	require.Len(t, client.schemas, 1)
	assert.JSONEq(t, string(docTypeProfiles["code"].schema), string(client.schemas[0]))
}

func TestProcessToleratesProseAroundJSON(t *testing.T) {
	client := &scriptedLLM{reply: "Here is the extraction:\n" +
		`{"summary": "s", "entities": [], "relationships": []}` + "\nDone."}
	w := NewWorker(nil, client, WorkerOptions{}, observability.Nop())

	res, err := w.Process(context.Background(), claimedFixture("text", "plain text"))
	require.NoError(t, err)
	assert.Equal(t, "s", res.Summary)
}

func TestProcessPromptsWithWholeDocument(t *testing.T) {
	client := &scriptedLLM{reply: `{"summary": "s", "entities": [], "relationships": []}`}
	w := NewWorker(nil, client, WorkerOptions{}, observability.Nop())

	claimed := claimedFixture("text", "the middle chunk")
	claimed.ChunkTexts = []string{"the opening chunk", "the middle chunk", "the closing chunk"}

	_, err := w.Process(context.Background(), claimed)
	require.NoError(t, err)

	// Tier-3 sees every chunk of the document, not just the claimed one.
	assert.Contains(t, client.lastDoc, "the opening chunk")
	assert.Contains(t, client.lastDoc, "the middle chunk")
	assert.Contains(t, client.lastDoc, "the closing chunk")
}

func TestWorkerOptionDefaults(t *testing.T) {
	w := NewWorker(nil, nil, WorkerOptions{}, observability.Nop())
	assert.Equal(t, "worker", w.opts.WorkerID)
	assert.Equal(t, 2*time.Second, w.opts.PollInterval)
	assert.Equal(t, time.Minute, w.opts.StaleInterval)
	assert.Equal(t, 5*time.Minute, w.opts.Lease)
}
