package query

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/corpusworks/corpus/internal/llm"
	"github.com/corpusworks/corpus/internal/observability"
)

// Retrieval strategies.
const (
	StrategySemantic = "semantic"
	StrategyMetadata = "metadata"
	StrategyGraph    = "graph"
	StrategyHybrid   = "hybrid"
)

// Routing methods.
const (
	MethodExplicit     = "explicit"
	MethodRule         = "rule"
	MethodLLM          = "llm"
	MethodRuleFallback = "rule_fallback"
	MethodDefault      = "default"
)

// Routing is the router verdict attached to every query response.
type Routing struct {
	Strategy       string  `json:"strategy"`
	Method         string  `json:"method"`
	Rule           string  `json:"rule,omitempty"`
	Confidence     float64 `json:"confidence"`
	InferredFilter bool    `json:"inferredFilter,omitempty"`
}

// RouteInput is what the router inspects.
type RouteInput struct {
	Query       string
	Strategy    string // explicit override
	HasFilter   bool
	GraphExpand bool
}

var (
	// Anchored, case-sensitive on purpose: "Who is" at sentence start is a
	// different signal than a mid-sentence "who is".
	entityQuestionRe = regexp.MustCompile(`^(who|what|which) (is|are)\b`)
	pascalCaseRe     = regexp.MustCompile(`\b[A-Z][a-z0-9]+(?:[A-Z][a-z0-9]+)+\b`)
	filterLikeRe     = regexp.MustCompile(`(?i)^(show|list|find) (all )?.*\b(in|from|of)\b`)
	relationalRe     = regexp.MustCompile(`(?i)\b(related to|connected to|depends on|references)\b`)
)

// llmThreshold is the rule confidence below which the LLM tier is consulted.
const llmThreshold = 0.8

// Router classifies a query into a strategy through three tiers: explicit
// override, rule engine, LLM fallback behind a circuit breaker.
type Router struct {
	llm     llm.Client
	enabled bool
	timeout time.Duration
	breaker *CircuitBreaker
	logger  *observability.Logger
}

// NewRouter creates a router. client may be nil when the LLM tier is
// disabled.
func NewRouter(client llm.Client, enabled bool, timeout time.Duration, breaker *CircuitBreaker, logger *observability.Logger) *Router {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Router{
		llm:     client,
		enabled: enabled && client != nil,
		timeout: timeout,
		breaker: breaker,
		logger:  logger.WithComponent("query_router"),
	}
}

// Route returns the routing verdict for one request.
func (r *Router) Route(ctx context.Context, in RouteInput) Routing {
	if in.Strategy != "" {
		return Routing{Strategy: in.Strategy, Method: MethodExplicit, Confidence: 1.0}
	}

	if verdict, matched := r.applyRules(in); matched {
		if verdict.Confidence < llmThreshold && r.enabled && r.breaker.Allow() {
			if llmVerdict, ok := r.routeLLM(ctx, in.Query); ok {
				return llmVerdict
			}
			verdict.Method = MethodRuleFallback
		}
		return verdict
	}

	return Routing{Strategy: StrategySemantic, Method: MethodDefault, Confidence: 1.0}
}

// applyRules evaluates the rule table in order; first match wins.
func (r *Router) applyRules(in RouteInput) (Routing, bool) {
	query := strings.TrimSpace(in.Query)
	words := len(strings.Fields(query))

	switch {
	case in.HasFilter && words >= 1 && words <= 3 && !in.GraphExpand:
		return rule(StrategyMetadata, 1.0, "filter_short_query"), true
	case in.GraphExpand && !in.HasFilter:
		return rule(StrategyGraph, 1.0, "graph_expand"), true
	case in.GraphExpand && in.HasFilter:
		return rule(StrategyHybrid, 1.0, "graph_expand_filter"), true
	case in.HasFilter && query == "":
		return rule(StrategyMetadata, 1.0, "empty_query_filter"), true
	case entityQuestionRe.MatchString(query) || pascalCaseRe.MatchString(query):
		return rule(StrategyGraph, 0.7, "entity_pattern"), true
	case filterLikeRe.MatchString(query):
		return rule(StrategyMetadata, 0.6, "filter_like_pattern"), true
	case relationalRe.MatchString(query):
		return rule(StrategyHybrid, 0.6, "relational_pattern"), true
	}
	return Routing{}, false
}

const routePromptTemplate = `Classify this search query into exactly one retrieval strategy.

Strategies:
- "semantic": conceptual or free-text questions answered by similarity search
- "metadata": requests for documents by attributes (type, language, repo, date)
- "graph": questions about a named entity or its relationships
- "hybrid": questions combining attributes with relationships

Respond with only a JSON object: {"strategy": "...", "confidence": 0.0-1.0}

Query: %q`

var routeSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"strategy": {"type": "string", "enum": ["semantic", "metadata", "graph", "hybrid"]},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1}
	},
	"required": ["strategy", "confidence"]
}`)

// routeLLM consults the LLM tier. Any failure or low-confidence answer
// reports false so the caller falls back to the rule verdict.
func (r *Router) routeLLM(ctx context.Context, query string) (Routing, bool) {
	llmCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	reply, err := r.llm.Complete(llmCtx, fmt.Sprintf(routePromptTemplate, query), routeSchema)
	if err != nil {
		r.breaker.Failure()
		r.logger.Warn().Err(err).Msg("routing llm failed")
		return Routing{}, false
	}

	raw, ok := llm.FirstJSONObject(reply)
	if !ok {
		r.breaker.Failure()
		return Routing{}, false
	}

	var parsed struct {
		Strategy   string  `json:"strategy"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || !validStrategy(parsed.Strategy) {
		r.breaker.Failure()
		return Routing{}, false
	}

	r.breaker.Success()
	if parsed.Confidence < 0.5 {
		return Routing{}, false
	}
	return Routing{Strategy: parsed.Strategy, Method: MethodLLM, Confidence: parsed.Confidence}, true
}

func validStrategy(s string) bool {
	switch s {
	case StrategySemantic, StrategyMetadata, StrategyGraph, StrategyHybrid:
		return true
	}
	return false
}

func rule(strategy string, confidence float64, name string) Routing {
	return Routing{Strategy: strategy, Method: MethodRule, Rule: name, Confidence: confidence}
}
