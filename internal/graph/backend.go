// Package graph implements the knowledge-graph backend: entity resolution and
// bounded breadth-first traversal over entity relationships.
package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/corpusworks/corpus/internal/observability"
	"github.com/corpusworks/corpus/internal/storage"
)

// prefixResolveLimit bounds how many unresolved names the prefix phase will
// attempt; past that the query text is too noisy to trust prefixes.
const prefixResolveLimit = 10

// Config holds the traversal defaults, which double as per-request ceilings.
type Config struct {
	MaxDepth         int
	MaxEntities      int
	TraversalTimeout int // milliseconds, applied as a statement timeout
}

// TraversalParams are caller-supplied traversal knobs. Zero values fall back
// to the configured defaults; positive values are clamped by them.
type TraversalParams struct {
	MaxDepth          int
	MaxEntities       int
	TimeLimitMs       int
	RelationshipTypes []string
}

// Entity is one node reached during resolution or traversal.
type Entity struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	Type          string    `json:"type"`
	Depth         int       `json:"depth"`
	MentionCount  int       `json:"mentionCount"`
	RequestedName string    `json:"requestedName,omitempty"`
	IsSeed        bool      `json:"isSeed,omitempty"`
}

// Edge is one relationship between two entities in a traversal result.
type Edge struct {
	Source      string  `json:"source"`
	Target      string  `json:"target"`
	Type        string  `json:"type"`
	Description *string `json:"description,omitempty"`
}

// TraversalResult is the outcome of one bounded BFS.
type TraversalResult struct {
	Entities []Entity `json:"entities"`
	Edges    []Edge   `json:"edges"`
	Paths    []string `json:"paths"`
	Capped   bool     `json:"capped"`
	TimedOut bool     `json:"timedOut"`
	Warning  string   `json:"warning,omitempty"`
}

// warnTimedOut accompanies partial results after a statement timeout.
const warnTimedOut = "Graph traversal timed out; returning partial results"

// Backend runs graph queries against Postgres.
type Backend struct {
	db     *sql.DB
	cfg    Config
	logger *observability.Logger
}

// New creates a graph backend.
func New(db *sql.DB, cfg Config, logger *observability.Logger) *Backend {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 2
	}
	if cfg.MaxEntities <= 0 {
		cfg.MaxEntities = 50
	}
	if cfg.TraversalTimeout <= 0 {
		cfg.TraversalTimeout = 2000
	}
	return &Backend{db: db, cfg: cfg, logger: logger.WithComponent("graph")}
}

// ResolveEntities matches free-text names against stored entities. The exact
// phase is one batched lower(name) lookup; a name whose lower form matches
// several case variants resolves only to its exact casing. Names still
// unresolved go through one batched prefix query, and a prefix match is
// accepted only when it is unambiguous. Each resolved entity keeps the
// requested spelling that produced it.
func (b *Backend) ResolveEntities(ctx context.Context, names []string) ([]Entity, error) {
	lowered := make([]string, 0, len(names))
	requested := make(map[string]string, len(names))
	for _, n := range names {
		trimmed := strings.TrimSpace(n)
		l := strings.ToLower(trimmed)
		if l == "" {
			continue
		}
		if _, ok := requested[l]; ok {
			continue
		}
		requested[l] = trimmed
		lowered = append(lowered, l)
	}
	if len(lowered) == 0 {
		return nil, nil
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT id, name, type, mention_count
		FROM entities
		WHERE lower(name) = ANY($1::text[])`,
		pq.Array(lowered))
	if err != nil {
		return nil, fmt.Errorf("resolve entities exact: %w", err)
	}
	defer rows.Close()

	byLower := make(map[string][]Entity, len(lowered))
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.ID, &e.Name, &e.Type, &e.MentionCount); err != nil {
			return nil, fmt.Errorf("scan resolved entity: %w", err)
		}
		l := strings.ToLower(e.Name)
		byLower[l] = append(byLower[l], e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var (
		resolved   []Entity
		unresolved []string
	)
	for _, l := range lowered {
		candidates := byLower[l]
		switch {
		case len(candidates) == 0:
			unresolved = append(unresolved, l)
		case len(candidates) == 1:
			e := candidates[0]
			e.RequestedName = requested[l]
			resolved = append(resolved, e)
		default:
			// Case variants collide; only the exact spelling resolves.
			if e, ok := exactCaseMatch(candidates, requested[l]); ok {
				e.RequestedName = requested[l]
				resolved = append(resolved, e)
			}
		}
	}
	if len(unresolved) == 0 || len(unresolved) > prefixResolveLimit {
		return resolved, nil
	}

	prefixes := make([]string, len(unresolved))
	requestedByPattern := make(map[string]string, len(unresolved))
	for i, u := range unresolved {
		prefixes[i] = escapeLike(u) + "%"
		requestedByPattern[prefixes[i]] = requested[u]
	}

	// One query for all prefixes. The LIMIT 2 per branch is enough to tell
	// an unambiguous match from an ambiguous one.
	prefixRows, err := b.db.QueryContext(ctx, `
		SELECT q.pattern, e.id, e.name, e.type, e.mention_count
		FROM unnest($1::text[]) AS q(pattern)
		CROSS JOIN LATERAL (
			SELECT id, name, type, mention_count
			FROM entities
			WHERE lower(name) LIKE q.pattern
			ORDER BY mention_count DESC
			LIMIT 2
		) e`,
		pq.Array(prefixes))
	if err != nil {
		return nil, fmt.Errorf("resolve entities prefix: %w", err)
	}
	defer prefixRows.Close()

	candidates := make(map[string][]Entity, len(prefixes))
	for prefixRows.Next() {
		var (
			pattern string
			e       Entity
		)
		if err := prefixRows.Scan(&pattern, &e.ID, &e.Name, &e.Type, &e.MentionCount); err != nil {
			return nil, fmt.Errorf("scan prefix candidate: %w", err)
		}
		candidates[pattern] = append(candidates[pattern], e)
	}
	if err := prefixRows.Err(); err != nil {
		return nil, err
	}

	for _, pattern := range prefixes {
		if cands := candidates[pattern]; len(cands) == 1 {
			e := cands[0]
			e.RequestedName = requestedByPattern[pattern]
			resolved = append(resolved, e)
		}
	}
	return resolved, nil
}

// exactCaseMatch picks the candidate whose stored name equals the requested
// spelling exactly.
func exactCaseMatch(candidates []Entity, requestedName string) (Entity, bool) {
	for _, c := range candidates {
		if c.Name == requestedName {
			return c, true
		}
	}
	return Entity{}, false
}

// bounds resolves effective traversal limits: request values when set,
// clamped by the configured ceilings.
func (b *Backend) bounds(params TraversalParams) (depth, maxEntities, timeoutMs int) {
	depth = b.cfg.MaxDepth
	if params.MaxDepth > 0 && params.MaxDepth < depth {
		depth = params.MaxDepth
	}
	maxEntities = b.cfg.MaxEntities
	if params.MaxEntities > 0 && params.MaxEntities < maxEntities {
		maxEntities = params.MaxEntities
	}
	timeoutMs = b.cfg.TraversalTimeout
	if params.TimeLimitMs > 0 && params.TimeLimitMs < timeoutMs {
		timeoutMs = params.TimeLimitMs
	}
	return depth, maxEntities, timeoutMs
}

// capEntities trims the pool to max. Capped follows the contract: true
// exactly when the returned list fills the limit.
func capEntities(entities []Entity, max int) ([]Entity, bool) {
	if len(entities) > max {
		entities = entities[:max]
	}
	return entities, len(entities) == max
}

// timedOutPartial finalizes a traversal cut short by the statement timeout:
// the seeds come back marked, paths stay empty, and the warning is attached.
func timedOutPartial(res *TraversalResult, seeds []Entity) *TraversalResult {
	res.Entities = markSeeds(append(res.Entities, seeds...), seeds)
	res.TimedOut = true
	res.Warning = warnTimedOut
	return res
}

// markSeeds sets IsSeed on every entity whose id is in the seed set.
func markSeeds(entities []Entity, seeds []Entity) []Entity {
	seedSet := make(map[uuid.UUID]bool, len(seeds))
	for _, s := range seeds {
		seedSet[s.ID] = true
	}
	for i := range entities {
		entities[i].IsSeed = seedSet[entities[i].ID]
	}
	return entities
}

// Traverse walks the relationship graph out from the seed entities, breadth
// first, bounded by depth, entity count, and a statement timeout. Edges may
// be restricted to a relationship-type whitelist. A timeout returns what was
// resolved so far with TimedOut set rather than an error.
func (b *Backend) Traverse(ctx context.Context, seeds []Entity, params TraversalParams) (*TraversalResult, error) {
	res := &TraversalResult{Entities: []Entity{}, Edges: []Edge{}, Paths: []string{}}
	if len(seeds) == 0 {
		return res, nil
	}

	maxDepth, maxEntities, timeoutMs := b.bounds(params)

	seedIDs := make([]string, len(seeds))
	for i, s := range seeds {
		seedIDs[i] = s.ID.String()
	}

	timedOut := func() *TraversalResult {
		b.logger.Warn().Int("timeout_ms", timeoutMs).Msg("graph traversal timed out")
		return timedOutPartial(res, seeds)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin traversal tx: %w", err)
	}
	defer tx.Rollback()

	// SET LOCAL does not take bind parameters; the value is a clamped
	// integer, never raw user input.
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("SET LOCAL statement_timeout = %d", timeoutMs)); err != nil {
		return nil, fmt.Errorf("set traversal timeout: %w", err)
	}

	relTypes := pq.Array(params.RelationshipTypes)
	rows, err := tx.QueryContext(ctx, `
		WITH RECURSIVE walk AS (
			SELECT e.id, e.name, e.type, e.mention_count,
			       0 AS depth,
			       ARRAY[e.name] AS path,
			       ARRAY[e.id::text] AS visited
			FROM entities e
			WHERE e.id = ANY($1::uuid[])
			UNION ALL
			SELECT n.id, n.name, n.type, n.mention_count,
			       w.depth + 1,
			       w.path || (r.relationship_type || ': ' || n.name),
			       w.visited || n.id::text
			FROM walk w
			JOIN entity_relationships r
			  ON r.source_id = w.id OR r.target_id = w.id
			JOIN entities n
			  ON n.id = CASE WHEN r.source_id = w.id THEN r.target_id ELSE r.source_id END
			WHERE w.depth < $2
			  AND NOT (n.id::text = ANY(w.visited))
			  AND (cardinality($3::text[]) = 0 OR r.relationship_type = ANY($3::text[]))
		)
		SELECT id, name, type, mention_count, depth, path
		FROM walk
		ORDER BY depth, mention_count DESC`,
		pq.Array(seedIDs), maxDepth, relTypes)
	if err != nil {
		if isQueryCanceled(err) {
			return timedOut(), nil
		}
		return nil, fmt.Errorf("graph traversal: %w", err)
	}
	defer rows.Close()

	var (
		entities []Entity
		byID     = make(map[uuid.UUID]int)
		paths    []walkedPath
	)
	for rows.Next() {
		var (
			e    Entity
			path pq.StringArray
		)
		if err := rows.Scan(&e.ID, &e.Name, &e.Type, &e.MentionCount, &e.Depth, &path); err != nil {
			return nil, fmt.Errorf("scan traversal row: %w", err)
		}

		// The walk can reach one entity along several routes; keep the
		// shallowest occurrence.
		if idx, ok := byID[e.ID]; ok {
			if e.Depth < entities[idx].Depth {
				entities[idx].Depth = e.Depth
			}
		} else {
			byID[e.ID] = len(entities)
			entities = append(entities, e)
		}
		paths = append(paths, walkedPath{depth: e.Depth, parts: []string(path)})
	}
	if err := rows.Err(); err != nil {
		if isQueryCanceled(err) {
			return timedOut(), nil
		}
		return nil, fmt.Errorf("read traversal rows: %w", err)
	}

	entities, capped := capEntities(entities, maxEntities)
	entities = markSeeds(entities, seeds)

	edges, err := b.inducedEdges(ctx, tx, entities, relTypes)
	if err != nil {
		if isQueryCanceled(err) {
			return timedOut(), nil
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit traversal tx: %w", err)
	}

	res.Entities = entities
	res.Edges = edges
	res.Capped = capped
	res.Paths = leafPaths(paths)
	return res, nil
}

// inducedEdges loads the relationships among the resulting entities, under
// the same relationship-type filter as the walk.
func (b *Backend) inducedEdges(ctx context.Context, tx *sql.Tx, entities []Entity, relTypes interface{}) ([]Edge, error) {
	edges := []Edge{}
	if len(entities) < 2 {
		return edges, nil
	}

	ids := make([]string, len(entities))
	for i, e := range entities {
		ids[i] = e.ID.String()
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT s.name, t.name, r.relationship_type, r.description
		FROM entity_relationships r
		JOIN entities s ON s.id = r.source_id
		JOIN entities t ON t.id = r.target_id
		WHERE r.source_id = ANY($1::uuid[])
		  AND r.target_id = ANY($1::uuid[])
		  AND (cardinality($2::text[]) = 0 OR r.relationship_type = ANY($2::text[]))
		ORDER BY r.created_at`,
		pq.Array(ids), relTypes)
	if err != nil {
		return nil, fmt.Errorf("load induced edges: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.Source, &e.Target, &e.Type, &e.Description); err != nil {
			return nil, fmt.Errorf("scan induced edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

type walkedPath struct {
	depth int
	parts []string
}

// leafPaths keeps only maximal walk paths: any path that is a strict prefix
// of another is an intermediate hop, not a result.
func leafPaths(paths []walkedPath) []string {
	rendered := make([]string, len(paths))
	for i, p := range paths {
		rendered[i] = strings.Join(p.parts, " -> ")
	}

	out := []string{}
	for i, candidate := range rendered {
		if len(paths[i].parts) < 2 {
			continue
		}
		prefix := false
		for j, other := range rendered {
			if i != j && len(other) > len(candidate) && strings.HasPrefix(other, candidate+" -> ") {
				prefix = true
				break
			}
		}
		if !prefix {
			out = append(out, candidate)
		}
	}
	return out
}

// EntityDocuments returns ids of documents mentioning any of the entities,
// most recently ingested first.
func (b *Backend) EntityDocuments(ctx context.Context, entityIDs []uuid.UUID, limit int) ([]uuid.UUID, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}

	ids := make([]string, len(entityIDs))
	for i, id := range entityIDs {
		ids[i] = id.String()
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT DISTINCT m.document_id, max(d.ingested_at) AS last
		FROM document_entity_mentions m
		JOIN documents d ON d.id = m.document_id
		WHERE m.entity_id = ANY($1::uuid[])
		GROUP BY m.document_id
		ORDER BY last DESC
		LIMIT $2`,
		pq.Array(ids), limit)
	if err != nil {
		return nil, fmt.Errorf("entity documents: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var (
			id   uuid.UUID
			last sql.NullTime
		)
		if err := rows.Scan(&id, &last); err != nil {
			return nil, fmt.Errorf("scan entity document: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DocMention pairs a document with the strongest entity mention behind it.
type DocMention struct {
	DocumentID uuid.UUID
	MaxMention int
}

// EntityDocumentMentions returns documents mentioning the entities, each with
// the maximum per-document mention count among its entities, strongest first.
func (b *Backend) EntityDocumentMentions(ctx context.Context, entityIDs []uuid.UUID, limit int) ([]DocMention, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}

	ids := make([]string, len(entityIDs))
	for i, id := range entityIDs {
		ids[i] = id.String()
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT m.document_id, max(m.mention_count)
		FROM document_entity_mentions m
		WHERE m.entity_id = ANY($1::uuid[])
		GROUP BY m.document_id
		ORDER BY max(m.mention_count) DESC
		LIMIT $2`,
		pq.Array(ids), limit)
	if err != nil {
		return nil, fmt.Errorf("entity document mentions: %w", err)
	}
	defer rows.Close()

	var out []DocMention
	for rows.Next() {
		var m DocMention
		if err := rows.Scan(&m.DocumentID, &m.MaxMention); err != nil {
			return nil, fmt.Errorf("scan document mention: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Neighbor is one directed edge from or to an entity.
type Neighbor struct {
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Relation    string  `json:"relation"`
	Direction   string  `json:"direction"` // out or in
	Description *string `json:"description,omitempty"`
}

// EntityView is the lookup result for one named entity.
type EntityView struct {
	Entity    storage.Entity `json:"entity"`
	Neighbors []Neighbor     `json:"neighbors"`
}

// LookupEntity resolves one name and returns the entity with its direct
// relationships. Returns storage.ErrNotFound when nothing matches.
func (b *Backend) LookupEntity(ctx context.Context, name string) (*EntityView, error) {
	resolved, err := b.ResolveEntities(ctx, []string{name})
	if err != nil {
		return nil, err
	}
	if len(resolved) == 0 {
		return nil, storage.ErrNotFound
	}
	target := resolved[0]

	var view EntityView
	err = b.db.QueryRowContext(ctx, `
		SELECT id, name, type, description, mention_count, last_seen, created_at
		FROM entities WHERE id = $1`, target.ID).
		Scan(&view.Entity.ID, &view.Entity.Name, &view.Entity.Type,
			&view.Entity.Description, &view.Entity.MentionCount,
			&view.Entity.LastSeen, &view.Entity.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load entity: %w", err)
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT o.name, o.type, r.relationship_type, r.description,
		       CASE WHEN r.source_id = $1 THEN 'out' ELSE 'in' END AS direction
		FROM entity_relationships r
		JOIN entities o ON o.id = CASE WHEN r.source_id = $1 THEN r.target_id ELSE r.source_id END
		WHERE r.source_id = $1 OR r.target_id = $1
		ORDER BY o.mention_count DESC`, target.ID)
	if err != nil {
		return nil, fmt.Errorf("load relationships: %w", err)
	}
	defer rows.Close()

	view.Neighbors = []Neighbor{}
	for rows.Next() {
		var n Neighbor
		if err := rows.Scan(&n.Name, &n.Type, &n.Relation, &n.Description, &n.Direction); err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		view.Neighbors = append(view.Neighbors, n)
	}
	return &view, rows.Err()
}

// isQueryCanceled reports whether err is a Postgres statement-timeout
// cancellation (SQLSTATE 57014).
func isQueryCanceled(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "57014"
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
