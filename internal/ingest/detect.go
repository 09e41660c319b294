package ingest

import (
	"encoding/json"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
)

// Document types produced by detection.
const (
	DocTypeCode    = "code"
	DocTypeEmail   = "email"
	DocTypeSlack   = "slack"
	DocTypeMeeting = "meeting"
	DocTypePDF     = "pdf"
	DocTypeImage   = "image"
	DocTypeArticle = "article"
	DocTypeText    = "text"
)

var (
	emailHeaderRe = regexp.MustCompile(`(?mi)^(from|to|subject|date|message-id):\s`)
	meetingRe     = regexp.MustCompile(`(?i)\b(meeting date|attendees|duration|platform:\s*(zoom|teams|meet|webex))\b`)
)

var codeExtensions = map[string]bool{
	".go": true, ".ts": true, ".tsx": true, ".js": true, ".jsx": true,
	".py": true, ".rs": true, ".java": true, ".c": true, ".h": true,
	".cpp": true, ".hpp": true, ".cs": true, ".rb": true, ".php": true,
	".swift": true, ".kt": true, ".scala": true, ".sh": true, ".sql": true,
	".yaml": true, ".yml": true, ".toml": true, ".proto": true,
}

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".svg": true, ".bmp": true, ".tiff": true,
}

var articleExtensions = map[string]bool{
	".md": true, ".markdown": true, ".html": true, ".htm": true, ".rst": true,
}

const slackSniffLimit = 100 * 1024

// DetectDocType classifies an item. explicit wins outright; then metadata
// hints, source host, content sniffing, file extension, and finally "text".
func DetectDocType(explicit, source, text string, metadata map[string]interface{}) string {
	if explicit != "" {
		return explicit
	}

	if metadata != nil {
		if hasKey(metadata, "channel") || hasKey(metadata, "threadId") {
			return DocTypeSlack
		}
		if hasKey(metadata, "from") && hasKey(metadata, "subject") {
			return DocTypeEmail
		}
	}

	if host := sourceHost(source); host != "" {
		switch {
		case host == "github.com" || strings.HasSuffix(host, ".github.com"),
			host == "gitlab.com" || strings.HasSuffix(host, ".gitlab.com"):
			return DocTypeCode
		case host == "slack.com" || strings.HasSuffix(host, ".slack.com"):
			return DocTypeSlack
		}
	}

	if text != "" {
		head := text
		if len(head) > 500 {
			head = head[:500]
		}
		if emailHeaderRe.MatchString(head) {
			return DocTypeEmail
		}
		if len(text) < slackSniffLimit && looksLikeSlackExport(text) {
			return DocTypeSlack
		}
		if meetingRe.MatchString(text) {
			return DocTypeMeeting
		}
	}

	if ext := strings.ToLower(filepath.Ext(source)); ext != "" {
		switch {
		case codeExtensions[ext]:
			return DocTypeCode
		case imageExtensions[ext]:
			return DocTypeImage
		case ext == ".pdf":
			return DocTypePDF
		case articleExtensions[ext]:
			return DocTypeArticle
		}
	}

	return DocTypeText
}

func hasKey(m map[string]interface{}, key string) bool {
	v, ok := m[key]
	return ok && v != nil
}

func sourceHost(source string) string {
	if !strings.Contains(source, "://") {
		return ""
	}
	u, err := url.Parse(source)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// looksLikeSlackExport reports whether text is a JSON object or array with a
// messages field, the shape of a Slack export.
func looksLikeSlackExport(text string) bool {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return false
	}
	raw, ok := obj["messages"]
	if !ok {
		return false
	}
	var msgs []json.RawMessage
	return json.Unmarshal(raw, &msgs) == nil
}
