package graph

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corpusworks/corpus/internal/observability"
	"github.com/corpusworks/corpus/internal/storage"
)

func TestLeafPathsDropsPrefixes(t *testing.T) {
	paths := []walkedPath{
		{depth: 0, parts: []string{"Alpha"}},
		{depth: 1, parts: []string{"Alpha", "uses: Beta"}},
		{depth: 2, parts: []string{"Alpha", "uses: Beta", "owns: Gamma"}},
		{depth: 1, parts: []string{"Alpha", "mentions: Delta"}},
	}

	got := leafPaths(paths)
	assert.Equal(t, []string{
		"Alpha -> uses: Beta -> owns: Gamma",
		"Alpha -> mentions: Delta",
	}, got)
}

func TestLeafPathsSeedsOnly(t *testing.T) {
	// Single-node walks are seeds, not paths.
	got := leafPaths([]walkedPath{
		{depth: 0, parts: []string{"Alpha"}},
		{depth: 0, parts: []string{"Beta"}},
	})
	assert.Empty(t, got)
}

func TestLeafPathsKeepsNonPrefixSiblings(t *testing.T) {
	// "A -> B" must not be treated as a prefix of "A -> BC".
	got := leafPaths([]walkedPath{
		{depth: 1, parts: []string{"A", "uses: B"}},
		{depth: 1, parts: []string{"A", "uses: BC"}},
	})
	assert.Len(t, got, 2)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `100\% done`, escapeLike("100% done"))
	assert.Equal(t, `snake\_case`, escapeLike("snake_case"))
	assert.Equal(t, `back\\slash`, escapeLike(`back\slash`))
	assert.Equal(t, "plain", escapeLike("plain"))
}

func TestIsQueryCanceled(t *testing.T) {
	assert.True(t, isQueryCanceled(&pq.Error{Code: "57014"}))
	assert.False(t, isQueryCanceled(&pq.Error{Code: "23505"}))
	assert.False(t, isQueryCanceled(errors.New("plain")))
}

func TestConfigDefaults(t *testing.T) {
	b := New(nil, Config{}, observability.Nop())
	assert.Equal(t, 2, b.cfg.MaxDepth)
	assert.Equal(t, 50, b.cfg.MaxEntities)
	assert.Equal(t, 2000, b.cfg.TraversalTimeout)
}

func TestTraversalBounds(t *testing.T) {
	b := New(nil, Config{MaxDepth: 3, MaxEntities: 50, TraversalTimeout: 2000}, observability.Nop())

	// Zero params fall back to the configured values.
	depth, entities, timeout := b.bounds(TraversalParams{})
	assert.Equal(t, 3, depth)
	assert.Equal(t, 50, entities)
	assert.Equal(t, 2000, timeout)

	// Smaller request values win.
	depth, entities, timeout = b.bounds(TraversalParams{MaxDepth: 2, MaxEntities: 10, TimeLimitMs: 500})
	assert.Equal(t, 2, depth)
	assert.Equal(t, 10, entities)
	assert.Equal(t, 500, timeout)

	// Requests cannot raise the configured ceilings.
	depth, entities, timeout = b.bounds(TraversalParams{MaxDepth: 9, MaxEntities: 500, TimeLimitMs: 60000})
	assert.Equal(t, 3, depth)
	assert.Equal(t, 50, entities)
	assert.Equal(t, 2000, timeout)
}

func TestCapEntities(t *testing.T) {
	pool := []Entity{{Name: "a"}, {Name: "b"}, {Name: "c"}}

	got, capped := capEntities(pool, 5)
	assert.Len(t, got, 3)
	assert.False(t, capped, "under the limit is not capped")

	got, capped = capEntities(pool, 3)
	assert.Len(t, got, 3)
	assert.True(t, capped, "exactly at the limit is capped")

	got, capped = capEntities(pool, 2)
	assert.Equal(t, []Entity{{Name: "a"}, {Name: "b"}}, got)
	assert.True(t, capped)
}

func TestMarkSeeds(t *testing.T) {
	seed := Entity{ID: uuid.New(), Name: "Alpha"}
	other := Entity{ID: uuid.New(), Name: "Beta", Depth: 1}

	got := markSeeds([]Entity{seed, other}, []Entity{seed})
	assert.True(t, got[0].IsSeed)
	assert.False(t, got[1].IsSeed)
}

func TestExactCaseMatch(t *testing.T) {
	candidates := []Entity{{Name: "redis"}, {Name: "Redis"}}

	e, ok := exactCaseMatch(candidates, "Redis")
	require.True(t, ok)
	assert.Equal(t, "Redis", e.Name)

	// No exact spelling means the name stays ambiguous.
	_, ok = exactCaseMatch(candidates, "REDIS")
	assert.False(t, ok)
}

func TestTimedOutPartial(t *testing.T) {
	seed := Entity{ID: uuid.New(), Name: "Alpha"}
	res := timedOutPartial(&TraversalResult{
		Entities: []Entity{},
		Edges:    []Edge{},
		Paths:    []string{},
	}, []Entity{seed})

	assert.True(t, res.TimedOut)
	assert.NotEmpty(t, res.Warning)
	assert.Empty(t, res.Paths)
	require.Len(t, res.Entities, 1)
	assert.True(t, res.Entities[0].IsSeed)
}

// Integration tests run only against a throwaway database.
func TestEntityDocumentMentionsPerDocument(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := storage.Open(ctx, dsn, storage.OpenOptions{MaxOpenConns: 5})
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, storage.Migrate(ctx, db, 4))

	entityID := uuid.New()
	_, err = db.ExecContext(ctx, `
		INSERT INTO entities (id, name, type, mention_count)
		VALUES ($1, $2, 'service', 99)`,
		entityID, "svc-"+entityID.String())
	require.NoError(t, err)

	docA := seedMentionDoc(t, ctx, db)
	docB := seedMentionDoc(t, ctx, db)
	_, err = db.ExecContext(ctx, `
		INSERT INTO document_entity_mentions (document_id, entity_id, mention_count)
		VALUES ($1, $3, 1), ($2, $3, 4)`,
		docA, docB, entityID)
	require.NoError(t, err)

	b := New(db, Config{}, observability.Nop())
	got, err := b.EntityDocumentMentions(ctx, []uuid.UUID{entityID}, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Per-document counts drive the ordering, not the entity-global count.
	assert.Equal(t, docB, got[0].DocumentID)
	assert.Equal(t, 4, got[0].MaxMention)
	assert.Equal(t, docA, got[1].DocumentID)
	assert.Equal(t, 1, got[1].MaxMention)
}

func seedMentionDoc(t *testing.T, ctx context.Context, db storage.DB) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := db.ExecContext(ctx, `
		INSERT INTO documents (id, collection, base_id, identity_key, source, doc_type)
		VALUES ($1, 'docs', 'base', $2, 'text', 'text')`,
		id, "key-"+id.String())
	require.NoError(t, err)
	return id
}
