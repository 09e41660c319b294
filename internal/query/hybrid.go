package query

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/corpusworks/corpus/internal/graph"
	"github.com/corpusworks/corpus/internal/storage"
)

// Blended-score weights for the hybrid-graph flow. They must sum to exactly
// 1.0; init refuses to start otherwise.
const (
	semanticWeight = 0.85
	mentionWeight  = 0.15
	mentionCap     = 10
)

func init() {
	if semanticWeight+mentionWeight != 1.0 {
		panic("hybrid score weights must sum to 1.0")
	}
}

// Fallback warnings surfaced in the graph object.
const (
	warnNoSeedEntities = "No entities found in seed results to seed the graph"
	warnNoneResolved   = "None of the seed entities could be resolved"
)

// hybridMetadataFlow filters first, then reranks the candidate set
// semantically. The query is embedded only when candidates exist.
func (s *Service) hybridMetadataFlow(ctx context.Context, req *Request, dsl *FilterDSL, ec *embedCache, minScore float64) (*Response, error) {
	filterSQL, args, err := TranslateFilter(dsl, storage.CandidateIDsParams)
	if err != nil {
		return nil, err
	}

	candidates, err := s.search.CandidateIDs(ctx, req.Collection, candidateLimit(req.TopK), filterSQL, args)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return &Response{Results: []Result{}}, nil
	}

	vec, err := ec.get(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.search.RerankByChunkIDs(ctx, vec, candidates, candidateLimit(req.TopK))
	if err != nil {
		return nil, err
	}
	return &Response{Results: toResults(rows, minScore, req.TopK)}, nil
}

// hybridGraphFlow seeds from a semantic search, expands through the graph,
// reranks the mentioned documents' chunks, and blends mention strength into
// the final score.
func (s *Service) hybridGraphFlow(ctx context.Context, req *Request, dsl *FilterDSL, ec *embedCache, minScore float64) (*Response, error) {
	vec, err := ec.get(ctx)
	if err != nil {
		return nil, err
	}

	filterSQL, args, err := TranslateFilter(dsl, storage.SemanticParams)
	if err != nil {
		return nil, err
	}
	seeds, err := s.search.Semantic(ctx, req.Collection, vec, seedLimit, filterSQL, args)
	if err != nil {
		return nil, err
	}

	if s.graph == nil {
		return &Response{Results: toResults(seeds, minScore, req.TopK)}, nil
	}

	names := extractEntityNames(seeds, maxSeedNames)
	if len(names) == 0 {
		return &Response{
			Results: toResults(seeds, minScore, req.TopK),
			Graph:   &GraphView{Entities: []graph.Entity{}, Paths: []string{}, Warning: warnNoSeedEntities},
		}, nil
	}

	resolved, err := s.graph.ResolveEntities(ctx, names)
	if err != nil {
		s.logger.Warn().Err(err).Msg("entity resolution failed")
		return &Response{Results: toResults(seeds, minScore, req.TopK)}, nil
	}
	if len(resolved) == 0 {
		return &Response{
			Results: toResults(seeds, minScore, req.TopK),
			Graph:   &GraphView{Entities: []graph.Entity{}, Paths: []string{}, Warning: warnNoneResolved},
		}, nil
	}

	traversal, err := s.graph.Traverse(ctx, resolved, traversalParams(req))
	if err != nil {
		s.logger.Warn().Err(err).Msg("graph traversal failed")
		return &Response{Results: toResults(seeds, minScore, req.TopK)}, nil
	}

	entityIDs := make([]uuid.UUID, len(traversal.Entities))
	for i, e := range traversal.Entities {
		entityIDs[i] = e.ID
	}
	mentions, err := s.graph.EntityDocumentMentions(ctx, entityIDs, candidateLimit(req.TopK))
	if err != nil {
		s.logger.Warn().Err(err).Msg("document attribution failed")
		mentions = nil
	}

	mentionByDoc := make(map[uuid.UUID]int, len(mentions))
	docIDs := make([]uuid.UUID, 0, len(mentions))
	for _, m := range mentions {
		mentionByDoc[m.DocumentID] = m.MaxMention
		docIDs = append(docIDs, m.DocumentID)
	}

	var graphRows []storage.SearchResult
	if len(docIDs) > 0 {
		graphRows, err = s.search.RerankByDocumentIDs(ctx, vec, docIDs, candidateLimit(req.TopK))
		if err != nil {
			return nil, err
		}
	}

	// Merge pools. A chunk found through the graph keeps its blended score
	// even when it also appeared as a seed.
	merged := make(map[uuid.UUID]Result, len(seeds)+len(graphRows))
	for _, r := range seeds {
		merged[r.ChunkID] = toResult(r, r.Similarity)
	}
	for _, r := range graphRows {
		score := BlendScore(r.Similarity, mentionByDoc[r.DocumentID])
		merged[r.ChunkID] = toResult(r, score)
	}

	results := make([]Result, 0, len(merged))
	for _, r := range merged {
		if r.Score >= minScore {
			results = append(results, r)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > req.TopK {
		results = results[:req.TopK]
	}

	return &Response{
		Results: results,
		Graph:   traversalView(traversal),
	}, nil
}

// BlendScore combines semantic similarity with capped mention strength.
func BlendScore(similarity float64, mentionCount int) float64 {
	if mentionCount > mentionCap {
		mentionCount = mentionCap
	}
	return semanticWeight*similarity + mentionWeight*(float64(mentionCount)/mentionCap)
}

// extractEntityNames pulls entity names out of seed chunks' tier-2 and
// tier-3 metadata, preserving first-seen order, case-insensitively distinct.
func extractEntityNames(rows []storage.SearchResult, limit int) []string {
	var (
		names []string
		seen  = map[string]bool{}
	)
	add := func(name string) {
		if len(names) >= limit || name == "" {
			return
		}
		key := strings.ToLower(name)
		if !seen[key] {
			seen[key] = true
			names = append(names, name)
		}
	}

	for _, r := range rows {
		var tier2 struct {
			Entities []struct {
				Text string `json:"text"`
			} `json:"entities"`
		}
		if len(r.Tier2Meta) > 0 && json.Unmarshal(r.Tier2Meta, &tier2) == nil {
			for _, e := range tier2.Entities {
				add(e.Text)
			}
		}

		var tier3 struct {
			Entities []struct {
				Name string `json:"name"`
			} `json:"entities"`
		}
		if len(r.Tier3Meta) > 0 && json.Unmarshal(r.Tier3Meta, &tier3) == nil {
			for _, e := range tier3.Entities {
				add(e.Name)
			}
		}
	}
	return names
}
