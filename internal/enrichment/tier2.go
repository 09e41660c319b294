package enrichment

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// Tier2Entity is one heuristic entity mention with its occurrence count.
type Tier2Entity struct {
	Text  string `json:"text"`
	Count int    `json:"count"`
}

// Tier2 is the heuristic metadata attached to every enriched chunk. It is
// produced locally without any model call.
type Tier2 struct {
	Entities []Tier2Entity `json:"entities"`
	Keywords []string      `json:"keywords"`
	Language string        `json:"language"`
}

const (
	tier2MaxEntities = 20
	tier2MaxKeywords = 10
)

// capitalized phrases ("Payment Service") and PascalCase identifiers
// ("AuthService") both count as entity candidates.
var entityPhraseRe = regexp.MustCompile(`\b[A-Z][a-zA-Z0-9]*(?:[ .][A-Z][a-zA-Z0-9]*)*\b`)

var wordRe = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9_-]{2,}`)

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "from": true, "are": true, "was": true, "were": true,
	"has": true, "have": true, "had": true, "not": true, "but": true,
	"you": true, "your": true, "its": true, "can": true, "will": true,
	"all": true, "any": true, "when": true, "where": true, "which": true,
	"into": true, "over": true, "than": true, "then": true, "them": true,
	"they": true, "their": true, "there": true, "what": true, "who": true,
	"how": true, "also": true, "more": true, "some": true, "such": true,
}

// englishMarkers is a crude language signal: enough common English function
// words means "en", otherwise "unknown".
var englishMarkers = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "are": true, "was": true, "have": true,
	"not": true, "but": true, "you": true, "can": true, "will": true,
	"is": true, "of": true, "to": true, "in": true, "it": true, "on": true,
}

// ExtractTier2 computes heuristic tier-2 metadata for one chunk of text.
func ExtractTier2(text string) Tier2 {
	return Tier2{
		Entities: extractEntities(text),
		Keywords: extractKeywords(text),
		Language: detectLanguage(text),
	}
}

// Tier2JSON renders the tier-2 metadata for storage.
func Tier2JSON(t Tier2) json.RawMessage {
	body, err := json.Marshal(t)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return body
}

func extractEntities(text string) []Tier2Entity {
	counts := map[string]int{}
	order := []string{}

	for _, m := range entityPhraseRe.FindAllString(text, -1) {
		m = trimLeadingArticles(strings.TrimSpace(m))
		// Single common capitalized words (sentence starts) are noise; keep
		// multi-word phrases, PascalCase, and all-caps acronyms.
		if m == "" || !isEntityCandidate(m) {
			continue
		}
		if counts[m] == 0 {
			order = append(order, m)
		}
		counts[m]++
	}

	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if len(order) > tier2MaxEntities {
		order = order[:tier2MaxEntities]
	}

	out := make([]Tier2Entity, len(order))
	for i, name := range order {
		out[i] = Tier2Entity{Text: name, Count: counts[name]}
	}
	return out
}

// trimLeadingArticles drops sentence-start articles and pronouns that the
// phrase regex swallows ("The Payment Service" becomes "Payment Service").
func trimLeadingArticles(s string) string {
	words := strings.Split(s, " ")
	for len(words) > 0 {
		switch words[0] {
		case "The", "A", "An", "This", "That", "These", "Those", "It", "Its":
			words = words[1:]
		default:
			return strings.Join(words, " ")
		}
	}
	return ""
}

func isEntityCandidate(s string) bool {
	if strings.ContainsAny(s, " .") {
		return true
	}
	if len(s) >= 2 && strings.ToUpper(s) == s {
		return true
	}
	// PascalCase: an interior uppercase rune after a lowercase run.
	for i := 1; i < len(s); i++ {
		if s[i] >= 'A' && s[i] <= 'Z' && s[i-1] >= 'a' && s[i-1] <= 'z' {
			return true
		}
	}
	return false
}

func extractKeywords(text string) []string {
	counts := map[string]int{}
	order := []string{}

	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		if stopwords[w] {
			continue
		}
		if counts[w] == 0 {
			order = append(order, w)
		}
		counts[w]++
	}

	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if len(order) > tier2MaxKeywords {
		order = order[:tier2MaxKeywords]
	}
	return order
}

func detectLanguage(text string) string {
	words := strings.Fields(strings.ToLower(text))
	if len(words) < 5 {
		return "unknown"
	}
	hits := 0
	for _, w := range words {
		if englishMarkers[strings.Trim(w, ".,;:!?()\"'")] {
			hits++
		}
	}
	if float64(hits)/float64(len(words)) >= 0.08 {
		return "en"
	}
	return "unknown"
}

// ExtractedNames converts tier-2 entities into queue entity records so the
// graph grows even when no LLM is configured.
func ExtractedNames(t Tier2) []string {
	names := make([]string, len(t.Entities))
	for i, e := range t.Entities {
		names[i] = e.Text
	}
	return names
}
