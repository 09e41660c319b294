package enrichment

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractTier2Entities(t *testing.T) {
	text := "The AuthService calls the Payment Service twice. AuthService then " +
		"notifies the Payment Service and logs to the API gateway."

	tier2 := ExtractTier2(text)

	names := map[string]int{}
	for _, e := range tier2.Entities {
		names[e.Text] = e.Count
	}
	assert.Equal(t, 2, names["AuthService"])
	assert.Equal(t, 2, names["Payment Service"])
	assert.Contains(t, names, "API")

	// Sorted by count descending.
	for i := 1; i < len(tier2.Entities); i++ {
		assert.GreaterOrEqual(t, tier2.Entities[i-1].Count, tier2.Entities[i].Count)
	}
}

func TestExtractTier2SkipsBareCapitalizedWords(t *testing.T) {
	tier2 := ExtractTier2("Yesterday something happened. Today nothing did.")
	assert.Empty(t, tier2.Entities)
}

func TestTrimLeadingArticles(t *testing.T) {
	assert.Equal(t, "Payment Service", trimLeadingArticles("The Payment Service"))
	assert.Equal(t, "AuthService", trimLeadingArticles("This AuthService"))
	assert.Equal(t, "Billing Team", trimLeadingArticles("Billing Team"))
	assert.Equal(t, "", trimLeadingArticles("The"))
}

func TestExtractTier2Keywords(t *testing.T) {
	text := "retry retry retry backoff backoff queue worker the and for with"
	tier2 := ExtractTier2(text)

	require.NotEmpty(t, tier2.Keywords)
	assert.Equal(t, "retry", tier2.Keywords[0])
	assert.Equal(t, "backoff", tier2.Keywords[1])
	assert.NotContains(t, tier2.Keywords, "the")
	assert.NotContains(t, tier2.Keywords, "and")
}

func TestDetectLanguage(t *testing.T) {
	assert.Equal(t, "en", detectLanguage("the worker claims a task from the queue and processes it with care"))
	assert.Equal(t, "unknown", detectLanguage("uno dos tres cuatro cinco seis siete ocho nueve diez"))
	assert.Equal(t, "unknown", detectLanguage("too short"))
}

func TestTier2JSONShape(t *testing.T) {
	body := Tier2JSON(ExtractTier2("AuthService talks to the Payment Service over the internal network every day"))

	var decoded struct {
		Entities []Tier2Entity `json:"entities"`
		Keywords []string      `json:"keywords"`
		Language string        `json:"language"`
	}
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.NotEmpty(t, decoded.Entities)
	assert.Equal(t, "en", decoded.Language)
}

func TestAggregateStatus(t *testing.T) {
	tests := []struct {
		name   string
		counts map[string]int
		want   string
	}{
		{"any failure wins", map[string]int{"enriched": 3, "failed": 1}, "failed"},
		{"enriched and pending is mixed", map[string]int{"enriched": 2, "pending": 1}, "mixed"},
		{"only pending", map[string]int{"pending": 4}, "pending"},
		{"all enriched", map[string]int{"enriched": 4}, "enriched"},
		{"untouched chunks", map[string]int{"none": 2}, "none"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, aggregateStatus(tt.counts))
		})
	}
}
