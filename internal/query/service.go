package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/corpusworks/corpus/internal/cache"
	"github.com/corpusworks/corpus/internal/embedding"
	"github.com/corpusworks/corpus/internal/graph"
	"github.com/corpusworks/corpus/internal/observability"
	"github.com/corpusworks/corpus/internal/storage"
)

// Defaults for query shaping.
const (
	defaultTopK   = 8
	maxTopK       = 100
	seedLimit     = 20
	maxSeedNames  = 50
	candidateCap  = 500
	candidateMult = 5
)

// GraphParams tunes traversal for graph and hybrid strategies.
type GraphParams struct {
	MaxDepth          int      `json:"maxDepth,omitempty"`
	MaxEntities       int      `json:"maxEntities,omitempty"`
	TimeLimitMs       int      `json:"timeLimitMs,omitempty"`
	IncludeDocuments  bool     `json:"includeDocuments,omitempty"`
	SeedEntities      []string `json:"seedEntities,omitempty"`
	RelationshipTypes []string `json:"relationshipTypes,omitempty"`
}

// Request is the body of POST /query.
type Request struct {
	Collection  string          `json:"collection,omitempty"`
	Query       string          `json:"query"`
	TopK        int             `json:"topK,omitempty"`
	MinScore    *float64        `json:"minScore,omitempty"`
	Filter      json.RawMessage `json:"filter,omitempty"`
	GraphExpand bool            `json:"graphExpand,omitempty"`
	Graph       *GraphParams    `json:"graph,omitempty"`
	Strategy    string          `json:"strategy,omitempty"`
}

// Result is one retrieved chunk on the wire. ID is "<chunkUUID>:<index>".
type Result struct {
	ID      string  `json:"id"`
	Score   float64 `json:"score"`
	Text    string  `json:"text"`
	BaseID  string  `json:"baseId"`
	Source  string  `json:"source"`
	DocType *string `json:"docType,omitempty"`
	RepoID  *string `json:"repoId,omitempty"`
	Path    *string `json:"path,omitempty"`
	Lang    *string `json:"lang,omitempty"`
	ItemURL *string `json:"itemUrl,omitempty"`
}

// GraphView is the graph portion of a query response.
type GraphView struct {
	Entities  []graph.Entity `json:"entities"`
	Edges     []graph.Edge   `json:"edges,omitempty"`
	Paths     []string       `json:"paths"`
	Documents []string       `json:"documents,omitempty"`
	Capped    bool           `json:"capped,omitempty"`
	TimedOut  bool           `json:"timedOut,omitempty"`
	Warning   string         `json:"warning,omitempty"`
}

// traversalView maps a traversal outcome onto the wire shape. Timeouts carry
// their warning through so partial results are never silent.
func traversalView(t *graph.TraversalResult) *GraphView {
	return &GraphView{
		Entities: t.Entities,
		Edges:    t.Edges,
		Paths:    t.Paths,
		Capped:   t.Capped,
		TimedOut: t.TimedOut,
		Warning:  t.Warning,
	}
}

// traversalParams lifts the caller's graph knobs; the backend clamps them
// against its configured ceilings.
func traversalParams(req *Request) graph.TraversalParams {
	if req.Graph == nil {
		return graph.TraversalParams{}
	}
	return graph.TraversalParams{
		MaxDepth:          req.Graph.MaxDepth,
		MaxEntities:       req.Graph.MaxEntities,
		TimeLimitMs:       req.Graph.TimeLimitMs,
		RelationshipTypes: req.Graph.RelationshipTypes,
	}
}

// Response is the body returned by POST /query.
type Response struct {
	OK      bool       `json:"ok"`
	Results []Result   `json:"results"`
	Graph   *GraphView `json:"graph,omitempty"`
	Routing Routing    `json:"routing"`
}

// Service dispatches query requests to retrieval strategies.
type Service struct {
	search       *storage.SearchRepository
	graph        *graph.Backend // nil when the graph is disabled
	embedder     embedding.Embedder
	router       *Router
	filterParser *FilterParser
	cache        cache.Client
	cacheTTL     time.Duration
	logger       *observability.Logger
}

// NewService wires the query path. graphBackend may be nil; resultCache may
// be nil to disable caching.
func NewService(search *storage.SearchRepository, graphBackend *graph.Backend,
	embedder embedding.Embedder, router *Router, filterParser *FilterParser,
	resultCache cache.Client, cacheTTL time.Duration, logger *observability.Logger) *Service {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &Service{
		search:       search,
		graph:        graphBackend,
		embedder:     embedder,
		router:       router,
		filterParser: filterParser,
		cache:        resultCache,
		cacheTTL:     cacheTTL,
		logger:       logger.WithComponent("query"),
	}
}

// GraphEnabled reports whether the graph backend is wired.
func (s *Service) GraphEnabled() bool { return s.graph != nil }

// Query executes one request end to end.
func (s *Service) Query(ctx context.Context, req *Request) (*Response, error) {
	if req.Collection == "" {
		req.Collection = storage.DefaultCollection
	}
	if req.TopK <= 0 {
		req.TopK = defaultTopK
	}
	if req.TopK > maxTopK {
		req.TopK = maxTopK
	}

	dsl, err := ParseFilterJSON(req.Filter)
	if err != nil {
		return nil, err
	}

	routing := s.router.Route(ctx, RouteInput{
		Query:       req.Query,
		Strategy:    req.Strategy,
		HasFilter:   dsl != nil,
		GraphExpand: req.GraphExpand,
	})

	if dsl == nil && s.filterParser != nil {
		if inferred := s.filterParser.Parse(ctx, req.Query); inferred != nil {
			dsl = inferred
			routing.InferredFilter = true
		}
	}

	cacheKey := s.cacheKey(req, routing.Strategy, dsl)
	if s.cache != nil {
		if body, ok := s.cache.Get(ctx, cacheKey); ok {
			var cached Response
			if json.Unmarshal(body, &cached) == nil {
				cached.Routing = routing
				return &cached, nil
			}
		}
	}

	minScore := resolveMinScore(req)
	ec := &embedCache{embedder: s.embedder, query: req.Query}

	var resp *Response
	switch routing.Strategy {
	case StrategyMetadata:
		resp, err = s.metadataFlow(ctx, req, dsl)
	case StrategyGraph:
		resp, err = s.graphFlow(ctx, req, dsl, ec, minScore)
	case StrategyHybrid:
		if req.GraphExpand || dsl == nil {
			resp, err = s.hybridGraphFlow(ctx, req, dsl, ec, minScore)
		} else {
			resp, err = s.hybridMetadataFlow(ctx, req, dsl, ec, minScore)
		}
	default:
		resp, err = s.semanticFlow(ctx, req, dsl, ec, minScore)
	}
	if err != nil {
		return nil, err
	}

	resp.OK = true
	resp.Routing = routing
	if resp.Results == nil {
		resp.Results = []Result{}
	}

	if s.cache != nil {
		if body, err := json.Marshal(resp); err == nil {
			s.cache.Set(ctx, cacheKey, body, s.cacheTTL)
		}
	}
	return resp, nil
}

// semanticFlow is plain vector search.
func (s *Service) semanticFlow(ctx context.Context, req *Request, dsl *FilterDSL, ec *embedCache, minScore float64) (*Response, error) {
	filterSQL, args, err := TranslateFilter(dsl, storage.SemanticParams)
	if err != nil {
		return nil, err
	}

	vec, err := ec.get(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.search.Semantic(ctx, req.Collection, vec, req.TopK, filterSQL, args)
	if err != nil {
		return nil, err
	}
	return &Response{Results: toResults(rows, minScore, req.TopK)}, nil
}

// metadataFlow is structured search with no embedding at all.
func (s *Service) metadataFlow(ctx context.Context, req *Request, dsl *FilterDSL) (*Response, error) {
	filterSQL, args, err := TranslateFilter(dsl, storage.MetadataParams)
	if err != nil {
		return nil, err
	}

	rows, err := s.search.Metadata(ctx, req.Collection, req.TopK, filterSQL, args)
	if err != nil {
		return nil, err
	}
	return &Response{Results: toResults(rows, 0, req.TopK)}, nil
}

// cacheKey hashes everything that shapes the result set.
func (s *Service) cacheKey(req *Request, strategy string, dsl *FilterDSL) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d|", req.Collection, req.Query, strategy, req.TopK)
	if req.MinScore != nil {
		fmt.Fprintf(h, "%f", *req.MinScore)
	}
	if dsl != nil {
		body, _ := json.Marshal(dsl)
		h.Write(body)
	}
	if req.Graph != nil {
		body, _ := json.Marshal(req.Graph)
		h.Write(body)
	}
	fmt.Fprintf(h, "|%t", req.GraphExpand)
	return "query:" + hex.EncodeToString(h.Sum(nil))
}

// resolveMinScore applies the request value or the term-count default.
func resolveMinScore(req *Request) float64 {
	if req.MinScore != nil {
		return *req.MinScore
	}
	switch terms := len(strings.Fields(req.Query)); {
	case terms <= 1:
		return 0.3
	case terms == 2:
		return 0.4
	case terms <= 4:
		return 0.5
	default:
		return 0.6
	}
}

func toResults(rows []storage.SearchResult, minScore float64, topK int) []Result {
	out := make([]Result, 0, len(rows))
	for _, r := range rows {
		if r.Similarity < minScore {
			continue
		}
		out = append(out, toResult(r, r.Similarity))
		if len(out) >= topK {
			break
		}
	}
	return out
}

func toResult(r storage.SearchResult, score float64) Result {
	return Result{
		ID:      storage.ChunkRef(r.ChunkID, r.ChunkIndex),
		Score:   score,
		Text:    r.Text,
		BaseID:  r.BaseID,
		Source:  r.Source,
		DocType: r.DocType,
		RepoID:  r.RepoID,
		Path:    r.Path,
		Lang:    r.Lang,
		ItemURL: r.ItemURL,
	}
}

// embedCache memoizes the query embedding so every strategy embeds at most
// once per request.
type embedCache struct {
	embedder embedding.Embedder
	query    string
	vec      storage.Vector
	done     bool
	err      error
}

func (c *embedCache) get(ctx context.Context) (storage.Vector, error) {
	if c.done {
		return c.vec, c.err
	}
	c.done = true

	vecs, err := c.embedder.Embed(ctx, []string{c.query})
	if err != nil {
		c.err = err
		return nil, err
	}
	if len(vecs) != 1 {
		c.err = fmt.Errorf("embedder returned %d vectors for one query", len(vecs))
		return nil, c.err
	}
	c.vec = storage.Vector(vecs[0])
	return c.vec, nil
}

func candidateLimit(topK int) int {
	limit := topK * candidateMult
	if limit > candidateCap {
		limit = candidateCap
	}
	return limit
}
