package ingest

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"
)

// Extraction strategies, reported so callers can see which fidelity level
// produced the text.
const (
	StrategyReadability  = "readability"
	StrategyTurndown     = "turndown"
	StrategyPlaintext    = "plaintext"
	StrategyPDFParse     = "pdf-parse"
	StrategyPassthrough  = "passthrough"
	StrategyMetadataOnly = "metadata-only"
)

// Extracted is the outcome of content extraction. Text is nil when the
// content type yields no extractable text.
type Extracted struct {
	Text        *string
	Title       string
	Strategy    string
	ContentType string
	Metadata    map[string]interface{}
}

// ContentExtractor turns fetched bytes into plain text by content type. It
// never fails: unparseable input falls through to a lower-fidelity strategy.
type ContentExtractor struct{}

// NewContentExtractor creates an extractor.
func NewContentExtractor() *ContentExtractor {
	return &ContentExtractor{}
}

// Extract picks a strategy from the MIME type and runs the fallback ladder.
// sourceURL is used by the readability parser for relative links and may be
// empty.
func (e *ContentExtractor) Extract(body []byte, mimeType, sourceURL string) *Extracted {
	ct := normalizeContentType(mimeType)

	switch {
	case ct == "text/html":
		return e.extractHTML(body, ct, sourceURL)
	case ct == "application/pdf":
		return e.extractPDF(body, ct)
	case ct == "text/plain" || ct == "text/markdown":
		text := string(body)
		return &Extracted{Text: &text, Strategy: StrategyPassthrough, ContentType: ct}
	case ct == "application/json":
		return e.extractJSON(body, ct)
	default:
		return &Extracted{Strategy: StrategyMetadataOnly, ContentType: ct}
	}
}

func (e *ContentExtractor) extractHTML(body []byte, ct, sourceURL string) *Extracted {
	var pageURL *url.URL
	if sourceURL != "" {
		pageURL, _ = url.Parse(sourceURL)
	}

	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		text := article.TextContent
		return &Extracted{
			Text:        &text,
			Title:       article.Title,
			Strategy:    StrategyReadability,
			ContentType: ct,
		}
	}

	conv := htmltomarkdown.NewConverter("", true, nil)
	if md, convErr := conv.ConvertString(string(body)); convErr == nil && strings.TrimSpace(md) != "" {
		return &Extracted{Text: &md, Strategy: StrategyTurndown, ContentType: ct}
	}

	plain := stripTags(string(body))
	return &Extracted{Text: &plain, Strategy: StrategyPlaintext, ContentType: ct}
}

func (e *ContentExtractor) extractPDF(body []byte, ct string) *Extracted {
	reader, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return &Extracted{Strategy: StrategyMetadataOnly, ContentType: ct}
	}

	var sb strings.Builder
	pageCount := reader.NumPage()
	for i := 1; i <= pageCount; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		if text, err := page.GetPlainText(nil); err == nil {
			sb.WriteString(text)
			sb.WriteByte('\n')
		}
	}

	text := strings.TrimSpace(sb.String())
	meta := map[string]interface{}{"pageCount": pageCount}
	if text == "" {
		return &Extracted{Strategy: StrategyMetadataOnly, ContentType: ct, Metadata: meta}
	}
	return &Extracted{Text: &text, Strategy: StrategyPDFParse, ContentType: ct, Metadata: meta}
}

func (e *ContentExtractor) extractJSON(body []byte, ct string) *Extracted {
	var parsed interface{}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if pretty, err := json.MarshalIndent(parsed, "", "  "); err == nil {
			text := string(pretty)
			return &Extracted{Text: &text, Strategy: StrategyPassthrough, ContentType: ct}
		}
	}
	raw := string(body)
	return &Extracted{Text: &raw, Strategy: StrategyPassthrough, ContentType: ct}
}

// normalizeContentType lowercases and strips parameters like charset.
func normalizeContentType(mimeType string) string {
	ct := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct
}

// stripTags is the last-resort HTML strategy: drop tags, keep text.
func stripTags(s string) string {
	var (
		sb    strings.Builder
		inTag bool
	)
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			sb.WriteByte(' ')
		case !inTag:
			sb.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}
