package storage

import (
	"context"
	"fmt"
	"strings"
)

// schemaStatements is the full DDL applied by Migrate, in order. The %d
// placeholder is the embedding dimension, fixed per deployment.
const schemaStatements = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS documents (
    id               UUID PRIMARY KEY,
    collection       TEXT NOT NULL,
    base_id          TEXT NOT NULL,
    identity_key     TEXT NOT NULL,
    source           TEXT NOT NULL,
    doc_type         TEXT NOT NULL,
    repo_id          TEXT,
    repo_url         TEXT,
    path             TEXT,
    lang             TEXT,
    item_url         TEXT,
    mime_type        TEXT,
    size_bytes       BIGINT,
    summary          TEXT,
    payload_checksum TEXT,
    raw_data         BYTEA,
    raw_key          TEXT,
    ingested_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT documents_identity UNIQUE (collection, identity_key),
    CONSTRAINT documents_raw_one_home CHECK (raw_data IS NULL OR raw_key IS NULL)
);

CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents (collection);
CREATE INDEX IF NOT EXISTS idx_documents_base_id ON documents (collection, base_id);
CREATE INDEX IF NOT EXISTS idx_documents_repo ON documents (repo_id) WHERE repo_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS chunks (
    id                UUID PRIMARY KEY,
    document_id       UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    collection        TEXT NOT NULL,
    chunk_index       INTEGER NOT NULL,
    text              TEXT NOT NULL,
    embedding         vector(%d),
    doc_type          TEXT,
    repo_id           TEXT,
    path              TEXT,
    lang              TEXT,
    item_url          TEXT,
    tier1_meta        JSONB,
    tier2_meta        JSONB,
    tier3_meta        JSONB,
    enrichment_status TEXT NOT NULL DEFAULT 'none',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT chunks_document_index UNIQUE (document_id, chunk_index)
);

CREATE INDEX IF NOT EXISTS idx_chunks_collection ON chunks (collection);
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks (document_id);
CREATE INDEX IF NOT EXISTS idx_chunks_enrichment ON chunks (collection, enrichment_status);
CREATE INDEX IF NOT EXISTS idx_chunks_embedding ON chunks
    USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);

CREATE TABLE IF NOT EXISTS entities (
    id            UUID PRIMARY KEY,
    name          TEXT NOT NULL,
    type          TEXT NOT NULL DEFAULT 'unknown',
    description   TEXT,
    mention_count INTEGER NOT NULL DEFAULT 0,
    last_seen     TIMESTAMPTZ NOT NULL DEFAULT now(),
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT entities_name UNIQUE (name)
);

CREATE INDEX IF NOT EXISTS idx_entities_lower_name ON entities (lower(name));
CREATE INDEX IF NOT EXISTS idx_entities_lower_name_prefix ON entities (lower(name) text_pattern_ops);

CREATE TABLE IF NOT EXISTS entity_relationships (
    id                UUID PRIMARY KEY,
    source_id         UUID NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    target_id         UUID NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    relationship_type TEXT NOT NULL,
    description       TEXT,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT entity_relationships_edge UNIQUE (source_id, target_id, relationship_type)
);

CREATE INDEX IF NOT EXISTS idx_relationships_source ON entity_relationships (source_id);
CREATE INDEX IF NOT EXISTS idx_relationships_target ON entity_relationships (target_id);

CREATE TABLE IF NOT EXISTS document_entity_mentions (
    document_id   UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    entity_id     UUID NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    mention_count INTEGER NOT NULL DEFAULT 1,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (document_id, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_mentions_entity ON document_entity_mentions (entity_id);

CREATE TABLE IF NOT EXISTS task_queue (
    id               UUID PRIMARY KEY,
    queue            TEXT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'pending',
    payload          JSONB NOT NULL,
    attempt          INTEGER NOT NULL DEFAULT 0,
    max_attempts     INTEGER NOT NULL DEFAULT 3,
    run_after        TIMESTAMPTZ NOT NULL DEFAULT now(),
    leased_by        TEXT,
    lease_expires_at TIMESTAMPTZ,
    error            TEXT,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    started_at       TIMESTAMPTZ,
    completed_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_task_queue_claim
    ON task_queue (queue, status, run_after, created_at);
CREATE INDEX IF NOT EXISTS idx_task_queue_lease
    ON task_queue (lease_expires_at) WHERE status = 'processing';
`

// Migrate applies the schema for the given embedding dimension. Every
// statement is idempotent, so running it at startup is safe.
func Migrate(ctx context.Context, db DB, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("invalid embedding dimension %d", dimension)
	}

	ddl := fmt.Sprintf(schemaStatements, dimension)
	for _, stmt := range splitStatements(ddl) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// splitStatements breaks the DDL on top-level semicolons. The schema contains
// no string literals with semicolons, so a simple scan is enough.
func splitStatements(ddl string) []string {
	var out []string
	for _, raw := range strings.Split(ddl, ";") {
		stmt := strings.TrimSpace(raw)
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
