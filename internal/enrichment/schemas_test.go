package enrichment

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocTypeProfilesAreValidSchemas(t *testing.T) {
	for docType, profile := range docTypeProfiles {
		t.Run(docType, func(t *testing.T) {
			require.True(t, json.Valid(profile.schema), "schema must be valid JSON")
			assert.NotEmpty(t, profile.instructions)

			var schema struct {
				Type       string                     `json:"type"`
				Properties map[string]json.RawMessage `json:"properties"`
				Required   []string                   `json:"required"`
			}
			require.NoError(t, json.Unmarshal(profile.schema, &schema))
			assert.Equal(t, "object", schema.Type)
			assert.Contains(t, schema.Properties, "summary")
			assert.Contains(t, schema.Properties, "entities")
			assert.Contains(t, schema.Properties, "relationships")
			assert.Contains(t, schema.Required, "summary")
		})
	}
}

func TestProfileForFallsBackToText(t *testing.T) {
	assert.Equal(t, docTypeProfiles["text"], ProfileFor("spreadsheet"))
	assert.Equal(t, docTypeProfiles["code"], ProfileFor("code"))
	assert.Equal(t, docTypeProfiles["text"], ProfileFor(""))
}

func TestBuildTier3Prompt(t *testing.T) {
	p := BuildTier3Prompt("email", "From: a@example.com\nLet's meet Tuesday.")
	assert.Contains(t, p, "email")
	assert.Contains(t, p, "Let's meet Tuesday.")
	assert.Contains(t, p, "JSON object")
}

func TestBuildTier3PromptTruncates(t *testing.T) {
	long := strings.Repeat("x", maxPromptTextBytes+500)
	p := BuildTier3Prompt("text", long)
	assert.Less(t, len(p), maxPromptTextBytes+1000)
}

func TestTier3ErrorPayload(t *testing.T) {
	body := Tier3ErrorPayload("llm", errors.New("connection refused"))

	var decoded struct {
		Error struct {
			Stage   string `json:"stage"`
			Message string `json:"message"`
		} `json:"_error"`
	}
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "llm", decoded.Error.Stage)
	assert.Equal(t, "connection refused", decoded.Error.Message)
}
