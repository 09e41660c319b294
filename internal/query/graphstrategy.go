package query

import (
	"context"

	"github.com/google/uuid"

	"github.com/corpusworks/corpus/internal/graph"
)

// graphFlow runs semantic search and expands the results through the graph.
// Graph-side failures degrade to semantic results with no graph object.
func (s *Service) graphFlow(ctx context.Context, req *Request, dsl *FilterDSL, ec *embedCache, minScore float64) (*Response, error) {
	semantic, err := s.semanticFlow(ctx, req, dsl, ec, minScore)
	if err != nil {
		return nil, err
	}
	if s.graph == nil {
		return semantic, nil
	}

	var names []string
	if req.Graph != nil && len(req.Graph.SeedEntities) > 0 {
		names = req.Graph.SeedEntities
	} else {
		vec, err := ec.get(ctx)
		if err != nil {
			return nil, err
		}
		seedRows, err := s.search.Semantic(ctx, req.Collection, vec, seedLimit, "", nil)
		if err != nil {
			return nil, err
		}
		names = extractEntityNames(seedRows, maxSeedNames)
	}

	if len(names) == 0 {
		semantic.Graph = &GraphView{Entities: []graph.Entity{}, Paths: []string{}, Warning: warnNoSeedEntities}
		return semantic, nil
	}

	resolved, err := s.graph.ResolveEntities(ctx, names)
	if err != nil {
		s.logger.Warn().Err(err).Msg("entity resolution failed")
		return semantic, nil
	}
	if len(resolved) == 0 {
		semantic.Graph = &GraphView{Entities: []graph.Entity{}, Paths: []string{}, Warning: warnNoneResolved}
		return semantic, nil
	}

	traversal, err := s.graph.Traverse(ctx, resolved, traversalParams(req))
	if err != nil {
		s.logger.Warn().Err(err).Msg("graph traversal failed")
		return semantic, nil
	}

	semantic.Graph = traversalView(traversal)

	if req.Graph != nil && req.Graph.IncludeDocuments {
		entityIDs := make([]uuid.UUID, len(traversal.Entities))
		for i, e := range traversal.Entities {
			entityIDs[i] = e.ID
		}
		// Attribution failures are an expected degradation, not an error.
		if docs, err := s.graph.EntityDocuments(ctx, entityIDs, candidateLimit(req.TopK)); err == nil {
			ids := make([]string, len(docs))
			for i, d := range docs {
				ids[i] = d.String()
			}
			semantic.Graph.Documents = ids
		}
	}

	return semantic, nil
}
