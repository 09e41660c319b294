package query

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/corpusworks/corpus/internal/llm"
	"github.com/corpusworks/corpus/internal/observability"
)

const filterPromptTemplate = `Extract a structured filter from this search query, if one is implied.

Allowed fields: docType, repoId, lang, path, mimeType, ingestedAt, createdAt, updatedAt.
Allowed operators: eq, ne, in, notIn, isNull, isNotNull.
Temporal fields (ingestedAt, createdAt, updatedAt) also allow: gt, gte, lt, lte, between, notBetween.

Respond with only a JSON object:
{"conditions": [{"field": "...", "op": "...", "value": ...}], "combine": "and"}
Use {"conditions": []} when no filter is implied.

For "in"/"notIn" use "values": [...]. For "between"/"notBetween" use
"range": {"low": "...", "high": "..."}.

Query: %q`

var filterSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"conditions": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"field": {"type": "string", "enum": ["docType", "repoId", "lang", "path", "mimeType", "ingestedAt", "createdAt", "updatedAt"]},
					"op": {"type": "string", "enum": ["eq", "ne", "gt", "gte", "lt", "lte", "in", "notIn", "between", "notBetween", "isNull", "isNotNull"]},
					"value": {},
					"values": {"type": "array"},
					"range": {
						"type": "object",
						"properties": {"low": {}, "high": {}},
						"required": ["low", "high"]
					}
				},
				"required": ["field", "op"]
			}
		},
		"combine": {"type": "string", "enum": ["and", "or"]}
	},
	"required": ["conditions"]
}`)

// FilterParser infers a FilterDSL from free text through an LLM. It never
// returns an error: every failure path yields nil and feeds the breaker.
type FilterParser struct {
	llm     llm.Client
	enabled bool
	timeout time.Duration
	breaker *CircuitBreaker
	logger  *observability.Logger
}

// NewFilterParser creates a parser; client may be nil when disabled.
func NewFilterParser(client llm.Client, enabled bool, timeout time.Duration, breaker *CircuitBreaker, logger *observability.Logger) *FilterParser {
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	return &FilterParser{
		llm:     client,
		enabled: enabled && client != nil,
		timeout: timeout,
		breaker: breaker,
		logger:  logger.WithComponent("filter_parser"),
	}
}

// Parse extracts a filter from the query, or nil when disabled, the breaker
// is open, nothing is implied, or the reply fails validation.
func (p *FilterParser) Parse(ctx context.Context, query string) *FilterDSL {
	if !p.enabled || query == "" || !p.breaker.Allow() {
		return nil
	}

	llmCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	reply, err := p.llm.Complete(llmCtx, fmt.Sprintf(filterPromptTemplate, query), filterSchema)
	if err != nil {
		p.breaker.Failure()
		p.logger.Warn().Err(err).Msg("filter llm failed")
		return nil
	}

	raw, ok := llm.FirstJSONObject(reply)
	if !ok {
		p.breaker.Failure()
		return nil
	}

	var dsl FilterDSL
	if err := json.Unmarshal(raw, &dsl); err != nil {
		p.breaker.Failure()
		return nil
	}
	if len(dsl.Conditions) == 0 {
		// A well-formed "no filter" reply is a success for the breaker.
		p.breaker.Success()
		return nil
	}

	// Validation is the translator itself: unknown fields and operators
	// surface here instead of at query time.
	if _, _, err := TranslateFilter(&dsl, 0); err != nil {
		p.breaker.Failure()
		p.logger.Debug().Err(err).Msg("inferred filter rejected")
		return nil
	}

	p.breaker.Success()
	return &dsl
}
