package enrichment

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tier3Result is the model output shape shared by every document type. The
// per-type schemas add fields on top of this core.
type Tier3Result struct {
	Summary  string `json:"summary"`
	Entities []struct {
		Name        string `json:"name"`
		Type        string `json:"type"`
		Description string `json:"description,omitempty"`
	} `json:"entities"`
	Relationships []struct {
		Source      string `json:"source"`
		Target      string `json:"target"`
		Type        string `json:"type"`
		Description string `json:"description,omitempty"`
	} `json:"relationships"`
}

const tier3CoreProperties = `
	"summary": {"type": "string"},
	"entities": {
		"type": "array",
		"items": {
			"type": "object",
			"properties": {
				"name": {"type": "string"},
				"type": {"type": "string"},
				"description": {"type": "string"}
			},
			"required": ["name", "type"]
		}
	},
	"relationships": {
		"type": "array",
		"items": {
			"type": "object",
			"properties": {
				"source": {"type": "string"},
				"target": {"type": "string"},
				"type": {"type": "string"},
				"description": {"type": "string"}
			},
			"required": ["source", "target", "type"]
		}
	}`

// tier3Schema assembles a JSON schema with the core fields plus type-specific
// extras.
func tier3Schema(extraProps string) json.RawMessage {
	props := tier3CoreProperties
	if extraProps != "" {
		props += ",\n" + extraProps
	}
	return json.RawMessage(`{
	"type": "object",
	"properties": {` + props + `},
	"required": ["summary", "entities", "relationships"]
}`)
}

// docTypeProfile pairs the extraction instructions with the structured-output
// schema for one document type.
type docTypeProfile struct {
	instructions string
	schema       json.RawMessage
}

var docTypeProfiles = map[string]docTypeProfile{
	"article": {
		instructions: "This is a web article. Extract the main topics, the people and organizations mentioned, and how they relate to each other. Include the article's key claims in the summary.",
		schema: tier3Schema(`"topics": {"type": "array", "items": {"type": "string"}},
	"sentiment": {"type": "string", "enum": ["positive", "neutral", "negative"]}`),
	},
	"code": {
		instructions: "This is source code or a code-heavy document. Extract the components, services, functions, and libraries it defines or uses, and the dependency or call relationships between them. Summarize what the code does.",
		schema: tier3Schema(`"language": {"type": "string"},
	"apis": {"type": "array", "items": {"type": "string"}}`),
	},
	"email": {
		instructions: "This is an email. Extract the participants, any organizations or systems discussed, decisions made, and action items. Summarize the thread.",
		schema: tier3Schema(`"participants": {"type": "array", "items": {"type": "string"}},
	"actionItems": {"type": "array", "items": {"type": "string"}}`),
	},
	"slack": {
		instructions: "This is a Slack conversation export. Extract the participants, the systems or projects discussed, decisions reached, and unresolved questions. Summarize the discussion.",
		schema: tier3Schema(`"participants": {"type": "array", "items": {"type": "string"}},
	"decisions": {"type": "array", "items": {"type": "string"}}`),
	},
	"meeting": {
		instructions: "This is a meeting transcript or notes. Extract attendees, agenda topics, decisions, and action items with owners. Summarize the outcomes.",
		schema: tier3Schema(`"attendees": {"type": "array", "items": {"type": "string"}},
	"actionItems": {"type": "array", "items": {"type": "string"}}`),
	},
	"pdf": {
		instructions: "This is text extracted from a PDF document. Extract the subjects, organizations, and people it covers and their relationships. Summarize the document.",
		schema:       tier3Schema(`"documentKind": {"type": "string"}`),
	},
	"image": {
		instructions: "This is metadata or extracted text from an image. Extract any identifiable entities and summarize what the image appears to contain.",
		schema:       tier3Schema(""),
	},
	"text": {
		instructions: "This is a plain text document. Extract the entities it mentions and the relationships between them. Summarize the content.",
		schema:       tier3Schema(""),
	},
}

// ProfileFor returns the extraction profile for a document type, falling back
// to the plain-text profile.
func ProfileFor(docType string) docTypeProfile {
	if p, ok := docTypeProfiles[docType]; ok {
		return p
	}
	return docTypeProfiles["text"]
}

const tier3PromptTemplate = `You are an information extraction system. %s

Respond with a single JSON object matching the requested schema. Extract only entities that are clearly named in the text. Use short relationship types like "uses", "depends_on", "works_at", "part_of".

Text:
"""
%s
"""`

const maxPromptTextBytes = 8000

// BuildTier3Prompt renders the extraction prompt for one chunk.
func BuildTier3Prompt(docType, text string) string {
	if len(text) > maxPromptTextBytes {
		text = text[:maxPromptTextBytes]
	}
	return fmt.Sprintf(tier3PromptTemplate, ProfileFor(docType).instructions, text)
}

// Tier3ErrorPayload renders a failure record stored under tier3_meta._error.
func Tier3ErrorPayload(stage string, err error) json.RawMessage {
	body, mErr := json.Marshal(map[string]interface{}{
		"_error": map[string]string{
			"stage":   stage,
			"message": strings.ToValidUTF8(err.Error(), ""),
		},
	})
	if mErr != nil {
		return json.RawMessage(`{"_error": {"stage": "unknown"}}`)
	}
	return body
}
