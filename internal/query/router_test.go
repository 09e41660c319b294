package query

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/corpusworks/corpus/internal/observability"
)

type fakeLLM struct {
	reply string
	err   error
	calls int
}

func (f *fakeLLM) Complete(_ context.Context, _ string, _ json.RawMessage) (string, error) {
	f.calls++
	return f.reply, f.err
}

func newTestRouter(client *fakeLLM, enabled bool) *Router {
	var c *fakeLLM
	if client != nil {
		c = client
	}
	breaker := NewCircuitBreaker(5, 30*time.Second)
	if c == nil {
		return NewRouter(nil, enabled, time.Second, breaker, observability.Nop())
	}
	return NewRouter(c, enabled, time.Second, breaker, observability.Nop())
}

func TestRouteExplicitStrategy(t *testing.T) {
	r := newTestRouter(nil, false)
	got := r.Route(context.Background(), RouteInput{Query: "anything", Strategy: StrategyMetadata})
	assert.Equal(t, Routing{Strategy: StrategyMetadata, Method: MethodExplicit, Confidence: 1.0}, got)
}

func TestRouteRules(t *testing.T) {
	r := newTestRouter(nil, false)

	tests := []struct {
		name string
		in   RouteInput
		want Routing
	}{
		{
			name: "filter short query",
			in:   RouteInput{Query: "auth module", HasFilter: true},
			want: rule(StrategyMetadata, 1.0, "filter_short_query"),
		},
		{
			name: "graph expand",
			in:   RouteInput{Query: "how do services interact", GraphExpand: true},
			want: rule(StrategyGraph, 1.0, "graph_expand"),
		},
		{
			name: "graph expand with filter",
			in:   RouteInput{Query: "service deps", HasFilter: true, GraphExpand: true},
			want: rule(StrategyHybrid, 1.0, "graph_expand_filter"),
		},
		{
			name: "empty query with filter",
			in:   RouteInput{Query: "", HasFilter: true},
			want: rule(StrategyMetadata, 1.0, "empty_query_filter"),
		},
		{
			name: "entity question",
			in:   RouteInput{Query: "who is the owner of the billing service"},
			want: rule(StrategyGraph, 0.7, "entity_pattern"),
		},
		{
			name: "pascal case identifier",
			in:   RouteInput{Query: "where does AuthService validate tokens"},
			want: rule(StrategyGraph, 0.7, "entity_pattern"),
		},
		{
			name: "entity pattern is case sensitive",
			in:   RouteInput{Query: "Who is responsible for billing infra work"},
			want: Routing{Strategy: StrategySemantic, Method: MethodDefault, Confidence: 1.0},
		},
		{
			name: "filter like pattern",
			in:   RouteInput{Query: "show all documents from last week"},
			want: rule(StrategyMetadata, 0.6, "filter_like_pattern"),
		},
		{
			name: "relational pattern",
			in:   RouteInput{Query: "services related to AuthService maybe"},
			want: rule(StrategyGraph, 0.7, "entity_pattern"), // entity rule fires first
		},
		{
			name: "relational pattern without identifiers",
			in:   RouteInput{Query: "everything related to the billing pipeline"},
			want: rule(StrategyHybrid, 0.6, "relational_pattern"),
		},
		{
			name: "no match defaults to semantic",
			in:   RouteInput{Query: "how do retries work"},
			want: Routing{Strategy: StrategySemantic, Method: MethodDefault, Confidence: 1.0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Route(context.Background(), tt.in))
		})
	}
}

func TestRouteRelationalScenario(t *testing.T) {
	// "related to AuthService" carries a PascalCase identifier, so the
	// entity rule wins; the relational verdict needs plain words.
	r := newTestRouter(nil, false)
	got := r.Route(context.Background(), RouteInput{Query: "related to the auth service"})
	assert.Equal(t, rule(StrategyHybrid, 0.6, "relational_pattern"), got)
}

func TestRouteLLMConsultedOnLowConfidence(t *testing.T) {
	client := &fakeLLM{reply: `{"strategy":"metadata","confidence":0.9}`}
	r := newTestRouter(client, true)

	got := r.Route(context.Background(), RouteInput{Query: "show all documents from the repo"})
	assert.Equal(t, Routing{Strategy: StrategyMetadata, Method: MethodLLM, Confidence: 0.9}, got)
	assert.Equal(t, 1, client.calls)
}

func TestRouteLLMSkippedOnHighConfidenceRule(t *testing.T) {
	client := &fakeLLM{reply: `{"strategy":"semantic","confidence":0.9}`}
	r := newTestRouter(client, true)

	got := r.Route(context.Background(), RouteInput{Query: "x", HasFilter: true})
	assert.Equal(t, MethodRule, got.Method)
	assert.Equal(t, 0, client.calls)
}

func TestRouteLLMLowConfidenceFallsBack(t *testing.T) {
	client := &fakeLLM{reply: `{"strategy":"graph","confidence":0.3}`}
	r := newTestRouter(client, true)

	got := r.Route(context.Background(), RouteInput{Query: "show all files in repo"})
	assert.Equal(t, MethodRuleFallback, got.Method)
	assert.Equal(t, "filter_like_pattern", got.Rule)
}

func TestRouteLLMGarbageFallsBack(t *testing.T) {
	client := &fakeLLM{reply: `not json at all`}
	r := newTestRouter(client, true)

	got := r.Route(context.Background(), RouteInput{Query: "show all files in repo"})
	assert.Equal(t, MethodRuleFallback, got.Method)
}

func TestRouteLLMErrorFeedsBreaker(t *testing.T) {
	client := &fakeLLM{err: errors.New("timeout")}
	breaker := NewCircuitBreaker(2, time.Minute)
	r := NewRouter(client, true, time.Second, breaker, observability.Nop())

	in := RouteInput{Query: "show all files in repo"}
	r.Route(context.Background(), in)
	r.Route(context.Background(), in)
	assert.Equal(t, BreakerOpen, breaker.State())

	// Open breaker suppresses further LLM calls.
	calls := client.calls
	got := r.Route(context.Background(), in)
	assert.Equal(t, calls, client.calls)
	assert.Equal(t, MethodRule, got.Method)
}
