package ingest

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	rfc2822HeaderRe = regexp.MustCompile(`(?m)^([A-Za-z-]+):[ \t]*(.+)$`)
	codeFenceRe     = regexp.MustCompile("(?m)^```")
	urlRe           = regexp.MustCompile(`https?://[^\s)>\]]+`)
)

// Tier1Meta builds the inline metadata stored with every chunk at ingest
// time. Higher tiers arrive later through enrichment.
func Tier1Meta(docType, text string, extra map[string]interface{}) json.RawMessage {
	meta := map[string]interface{}{
		"charCount": len(text),
		"lineCount": strings.Count(text, "\n") + 1,
		"wordCount": len(strings.Fields(text)),
	}

	switch docType {
	case DocTypeEmail:
		for k, v := range emailHeaders(text) {
			meta[k] = v
		}
	case DocTypeCode:
		meta["fenceCount"] = len(codeFenceRe.FindAllString(text, -1))
	case DocTypeArticle, DocTypeText:
		if links := urlRe.FindAllString(text, 10); len(links) > 0 {
			meta["links"] = links
		}
	}

	for k, v := range extra {
		meta[k] = v
	}

	raw, err := json.Marshal(meta)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

// emailHeaders pulls the interesting RFC-2822 headers from the top of an
// email body.
func emailHeaders(text string) map[string]string {
	head := text
	if len(head) > 2000 {
		head = head[:2000]
	}

	wanted := map[string]string{
		"from": "from", "to": "to", "subject": "subject", "date": "date",
	}
	out := map[string]string{}
	for _, m := range rfc2822HeaderRe.FindAllStringSubmatch(head, -1) {
		if field, ok := wanted[strings.ToLower(m[1])]; ok {
			if _, exists := out[field]; !exists {
				out[field] = strings.TrimSpace(m[2])
			}
		}
	}
	return out
}
