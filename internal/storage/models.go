package storage

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Enrichment status values for a chunk.
const (
	EnrichmentNone     = "none"
	EnrichmentPending  = "pending"
	EnrichmentEnriched = "enriched"
	EnrichmentFailed   = "failed"
)

// Task status values for the enrichment queue.
const (
	TaskPending    = "pending"
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskDead       = "dead"
)

// DefaultCollection is the namespace used when a request omits one.
const DefaultCollection = "docs"

// Document is the persisted representation of one ingested item.
type Document struct {
	ID              uuid.UUID
	Collection      string
	BaseID          string
	IdentityKey     string
	Source          string
	DocType         string
	RepoID          *string
	RepoURL         *string
	Path            *string
	Lang            *string
	ItemURL         *string
	MimeType        *string
	SizeBytes       *int64
	Summary         *string
	PayloadChecksum *string
	RawData         []byte
	RawKey          *string
	IngestedAt      time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Chunk is a text segment of a document.
type Chunk struct {
	ID               uuid.UUID
	DocumentID       uuid.UUID
	Collection       string
	ChunkIndex       int
	Text             string
	Embedding        Vector
	DocType          *string
	RepoID           *string
	Path             *string
	Lang             *string
	ItemURL          *string
	Tier1Meta        JSONText
	Tier2Meta        JSONText
	Tier3Meta        JSONText
	EnrichmentStatus string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Entity is a node in the knowledge graph.
type Entity struct {
	ID           uuid.UUID
	Name         string
	Type         string
	Description  *string
	MentionCount int
	LastSeen     time.Time
	CreatedAt    time.Time
}

// EntityRelationship is a directed, typed edge between entities.
type EntityRelationship struct {
	ID               uuid.UUID
	SourceID         uuid.UUID
	TargetID         uuid.UUID
	RelationshipType string
	Description      *string
	CreatedAt        time.Time
}

// EnrichmentTask is one queue row per chunk awaiting processing.
type EnrichmentTask struct {
	ID             uuid.UUID
	Queue          string
	Status         string
	Payload        JSONText
	Attempt        int
	MaxAttempts    int
	RunAfter       time.Time
	LeasedBy       *string
	LeaseExpiresAt *time.Time
	Error          *string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// Vector is a pgvector embedding. A nil Vector maps to SQL NULL.
type Vector []float32

// Value renders the vector in pgvector text format, e.g. "[0.1,0.2]".
func (v Vector) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String(), nil
}

// Scan parses the pgvector text format.
func (v *Vector) Scan(src interface{}) error {
	if src == nil {
		*v = nil
		return nil
	}

	var s string
	switch t := src.(type) {
	case []byte:
		s = string(t)
	case string:
		s = t
	default:
		return fmt.Errorf("cannot scan %T into Vector", src)
	}

	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return fmt.Errorf("malformed vector literal: %q", s)
	}
	s = s[1 : len(s)-1]
	if s == "" {
		*v = Vector{}
		return nil
	}

	parts := strings.Split(s, ",")
	out := make(Vector, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return fmt.Errorf("parse vector element %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	*v = out
	return nil
}

// JSONText carries raw JSON between Go and jsonb columns.
type JSONText []byte

// Value sends the JSON as text so lib/pq binds it to jsonb.
func (j JSONText) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

// Scan reads jsonb bytes.
func (j *JSONText) Scan(src interface{}) error {
	switch t := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], t...)
	case string:
		*j = JSONText(t)
	default:
		return fmt.Errorf("cannot scan %T into JSONText", src)
	}
	return nil
}

// MarshalJSON emits the raw payload, or null when empty.
func (j JSONText) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

// UnmarshalJSON stores the raw payload.
func (j *JSONText) UnmarshalJSON(b []byte) error {
	*j = append((*j)[:0], b...)
	return nil
}

// ChunkRef builds the external chunk identifier "<chunkUUID>:<chunkIndex>".
func ChunkRef(id uuid.UUID, index int) string {
	return fmt.Sprintf("%s:%d", id, index)
}

// ParseChunkRef splits an external chunk identifier on its last colon, so
// colons inside the id part never break parsing.
func ParseChunkRef(ref string) (string, int, error) {
	i := strings.LastIndex(ref, ":")
	if i < 0 {
		return "", 0, fmt.Errorf("malformed chunk ref: %q", ref)
	}
	idx, err := strconv.Atoi(ref[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("malformed chunk index in ref %q: %w", ref, err)
	}
	return ref[:i], idx, nil
}

// SanitizeText strips null bytes, which Postgres text columns reject.
func SanitizeText(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}

// SanitizeTextPtr strips null bytes from an optional string.
func SanitizeTextPtr(s *string) *string {
	if s == nil {
		return nil
	}
	clean := SanitizeText(*s)
	return &clean
}
