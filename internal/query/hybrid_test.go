package query

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corpusworks/corpus/internal/embedding"
	"github.com/corpusworks/corpus/internal/graph"
	"github.com/corpusworks/corpus/internal/storage"
)

func TestBlendScoreWeights(t *testing.T) {
	assert.Equal(t, 1.0, semanticWeight+mentionWeight)

	// Pure similarity when nothing mentions the document.
	assert.InDelta(t, 0.85*0.8, BlendScore(0.8, 0), 1e-9)

	// Mention contribution caps at 10.
	assert.InDelta(t, 0.85*0.8+0.15, BlendScore(0.8, 10), 1e-9)
	assert.Equal(t, BlendScore(0.8, 10), BlendScore(0.8, 250))

	// Half-strength mention.
	assert.InDelta(t, 0.85*0.6+0.15*0.5, BlendScore(0.6, 5), 1e-9)
}

func TestExtractEntityNames(t *testing.T) {
	rows := []storage.SearchResult{
		{
			Tier2Meta: storage.JSONText(`{"entities":[{"text":"AuthService"},{"text":"Postgres"}]}`),
			Tier3Meta: storage.JSONText(`{"entities":[{"name":"authservice"},{"name":"Redis"}]}`),
		},
		{
			Tier2Meta: storage.JSONText(`{"entities":[{"text":"Postgres"}]}`),
			Tier3Meta: storage.JSONText(`not json`),
		},
		{},
	}

	names := extractEntityNames(rows, 50)
	// Case-insensitively distinct, first casing wins, order preserved.
	assert.Equal(t, []string{"AuthService", "Postgres", "Redis"}, names)
}

func TestExtractEntityNamesLimit(t *testing.T) {
	rows := []storage.SearchResult{
		{Tier2Meta: storage.JSONText(`{"entities":[{"text":"A"},{"text":"B"},{"text":"C"}]}`)},
	}
	assert.Len(t, extractEntityNames(rows, 2), 2)
}

func TestResolveMinScoreDefaults(t *testing.T) {
	tests := []struct {
		query string
		want  float64
	}{
		{"auth", 0.3},
		{"auth service", 0.4},
		{"how auth works", 0.5},
		{"how the auth works", 0.5},
		{"how does the auth flow work", 0.6},
		{"", 0.3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, resolveMinScore(&Request{Query: tt.query}), tt.query)
	}

	explicit := 0.75
	assert.Equal(t, 0.75, resolveMinScore(&Request{Query: "long query with many terms", MinScore: &explicit}))
}

func TestEmbedCacheEmbedsOnce(t *testing.T) {
	mock := &embedding.Mock{Dim: 4}
	ec := &embedCache{embedder: mock, query: "hello"}

	v1, err := ec.get(context.Background())
	require.NoError(t, err)
	v2, err := ec.get(context.Background())
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, mock.Calls)
}

func TestEmbedCacheMemoizesError(t *testing.T) {
	mock := &embedding.Mock{Dim: 4, Fail: assert.AnError}
	ec := &embedCache{embedder: mock, query: "hello"}

	_, err := ec.get(context.Background())
	require.Error(t, err)
	_, err = ec.get(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, mock.Calls)
}

func TestCandidateLimit(t *testing.T) {
	assert.Equal(t, 40, candidateLimit(8))
	assert.Equal(t, 500, candidateLimit(100))
	assert.Equal(t, 500, candidateLimit(400))
}

func TestCacheKeyChangesWithInputs(t *testing.T) {
	s := &Service{}
	base := &Request{Collection: "docs", Query: "q", TopK: 8}

	k1 := s.cacheKey(base, StrategySemantic, nil)
	k2 := s.cacheKey(&Request{Collection: "docs", Query: "q2", TopK: 8}, StrategySemantic, nil)
	k3 := s.cacheKey(base, StrategyMetadata, nil)
	k4 := s.cacheKey(base, StrategySemantic, &FilterDSL{Conditions: []Condition{{Field: "lang", Op: "eq", Value: "go"}}})

	assert.NotEqual(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.NotEqual(t, k1, k4)
}

func TestCacheKeyChangesWithGraphParams(t *testing.T) {
	s := &Service{}
	base := &Request{Collection: "docs", Query: "q", TopK: 8}
	deep := &Request{Collection: "docs", Query: "q", TopK: 8,
		Graph: &GraphParams{MaxDepth: 3}}
	typed := &Request{Collection: "docs", Query: "q", TopK: 8,
		Graph: &GraphParams{MaxDepth: 3, RelationshipTypes: []string{"depends_on"}}}

	k1 := s.cacheKey(base, StrategyGraph, nil)
	k2 := s.cacheKey(deep, StrategyGraph, nil)
	k3 := s.cacheKey(typed, StrategyGraph, nil)

	assert.NotEqual(t, k1, k2)
	assert.NotEqual(t, k2, k3)
}

func TestTraversalParamsFromRequest(t *testing.T) {
	assert.Equal(t, graph.TraversalParams{}, traversalParams(&Request{}))

	got := traversalParams(&Request{Graph: &GraphParams{
		MaxDepth:          3,
		MaxEntities:       25,
		TimeLimitMs:       750,
		RelationshipTypes: []string{"uses", "owns"},
	}})
	assert.Equal(t, graph.TraversalParams{
		MaxDepth:          3,
		MaxEntities:       25,
		TimeLimitMs:       750,
		RelationshipTypes: []string{"uses", "owns"},
	}, got)
}

func TestTraversalViewCarriesOutcome(t *testing.T) {
	desc := "settlement"
	view := traversalView(&graph.TraversalResult{
		Entities: []graph.Entity{{Name: "Alpha", IsSeed: true}},
		Edges:    []graph.Edge{{Source: "Alpha", Target: "Beta", Type: "uses", Description: &desc}},
		Paths:    []string{},
		Capped:   true,
		TimedOut: true,
		Warning:  "Graph traversal timed out; returning partial results",
	})

	assert.True(t, view.Capped)
	assert.True(t, view.TimedOut)
	assert.NotEmpty(t, view.Warning, "a timeout is never silent")
	assert.Empty(t, view.Paths)
	require.Len(t, view.Edges, 1)
	assert.Equal(t, "uses", view.Edges[0].Type)
	require.Len(t, view.Entities, 1)
	assert.True(t, view.Entities[0].IsSeed)
}

func TestToResultsFiltersAndSlices(t *testing.T) {
	rows := []storage.SearchResult{
		{ChunkID: uuid.New(), ChunkIndex: 0, Similarity: 0.9},
		{ChunkID: uuid.New(), ChunkIndex: 1, Similarity: 0.5},
		{ChunkID: uuid.New(), ChunkIndex: 2, Similarity: 0.2},
	}

	out := toResults(rows, 0.4, 10)
	require.Len(t, out, 2)
	assert.Equal(t, 0.9, out[0].Score)

	out = toResults(rows, 0, 1)
	assert.Len(t, out, 1)
}
