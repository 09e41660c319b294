package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectDocType(t *testing.T) {
	tests := []struct {
		name     string
		explicit string
		source   string
		text     string
		metadata map[string]interface{}
		want     string
	}{
		{name: "explicit wins", explicit: "email", source: "main.go", want: "email"},
		{name: "slack metadata", metadata: map[string]interface{}{"channel": "general"}, want: DocTypeSlack},
		{name: "thread metadata", metadata: map[string]interface{}{"threadId": "t1"}, want: DocTypeSlack},
		{name: "email metadata", metadata: map[string]interface{}{"from": "a@b.c", "subject": "hi"}, want: DocTypeEmail},
		{name: "from alone is not email", metadata: map[string]interface{}{"from": "a@b.c"}, want: DocTypeText},
		{name: "github host", source: "https://github.com/org/repo/blob/main/x", want: DocTypeCode},
		{name: "github subdomain", source: "https://raw.github.com/org/repo/x", want: DocTypeCode},
		{name: "gitlab host", source: "https://gitlab.com/org/repo", want: DocTypeCode},
		{name: "slack host", source: "https://myteam.slack.com/archives/C1", want: DocTypeSlack},
		{name: "email headers sniff", text: "From: alice@example.com\nSubject: meeting\n\nbody", want: DocTypeEmail},
		{name: "slack export sniff", text: `{"messages":[{"user":"U1","text":"hi"}]}`, want: DocTypeSlack},
		{name: "meeting sniff", text: "Attendees: Bob, Carol\nPlatform: zoom\nnotes follow", want: DocTypeMeeting},
		{name: "code extension", source: "pkg/server/main.go", text: "package main", want: DocTypeCode},
		{name: "image extension", source: "diagram.png", want: DocTypeImage},
		{name: "pdf extension", source: "report.pdf", want: DocTypePDF},
		{name: "article extension", source: "README.md", text: "plain words here", want: DocTypeArticle},
		{name: "fallback", source: "notes", text: "plain words here", want: DocTypeText},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectDocType(tt.explicit, tt.source, tt.text, tt.metadata)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChunkerDeterministicAndOrdered(t *testing.T) {
	c := NewChunker(50, 10)
	text := "line one is here\nline two is longer than the first\nline three\nline four ends it"

	first := c.Split(text)
	second := c.Split(text)
	assert.Equal(t, first, second)
	assert.Greater(t, len(first), 1)

	// Chunks must appear in document order.
	joined := ""
	for _, chunk := range first {
		assert.LessOrEqual(t, len(chunk), 50+10+1)
		joined += chunk
	}
	assert.Contains(t, first[0], "line one")
	assert.Contains(t, first[len(first)-1], "line four")
}

func TestChunkerEmptyInput(t *testing.T) {
	c := NewChunker(100, 20)
	assert.Nil(t, c.Split(""))
	assert.Nil(t, c.Split("   \n  \n"))
}

func TestChunkerOversizedLine(t *testing.T) {
	c := NewChunker(10, 0)
	chunks := c.Split("aaaaaaaaaaaaaaaaaaaaaaaaa") // 25 chars
	assert.Equal(t, []string{"aaaaaaaaaa", "aaaaaaaaaa", "aaaaa"}, chunks)
}

func TestChunkerSmallInputSingleChunk(t *testing.T) {
	c := NewChunker(1500, 200)
	chunks := c.Split("hello world")
	assert.Equal(t, []string{"hello world"}, chunks)
}
