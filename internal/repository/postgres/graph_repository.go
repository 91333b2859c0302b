package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/paper-app/gateway/internal/domain"
	"github.com/paper-app/gateway/internal/identifier"
)

// graphSchema holds the paper graph. The data JSONB column is the source of
// truth for a full node; the flat columns exist only for indexing and ranking.
// Stub nodes (created as citation endpoints) have no data and no last_updated,
// so they never pass the freshness gate.
const graphSchema = `
CREATE TABLE IF NOT EXISTS papers (
	paper_id        TEXT PRIMARY KEY,
	title           TEXT,
	title_norm      TEXT,
	year            INT,
	venue           TEXT,
	citation_count  INT NOT NULL DEFAULT 0,
	reference_count INT NOT NULL DEFAULT 0,
	ingest_status   TEXT NOT NULL DEFAULT 'stub',
	last_updated    TIMESTAMPTZ,
	external_ids    JSONB,
	authors         JSONB,
	data            JSONB,
	metadata        JSONB
);

CREATE TABLE IF NOT EXISTS authors (
	author_id TEXT PRIMARY KEY,
	name      TEXT
);

CREATE TABLE IF NOT EXISTS paper_authors (
	paper_id  TEXT NOT NULL,
	author_id TEXT NOT NULL,
	PRIMARY KEY (paper_id, author_id)
);

CREATE TABLE IF NOT EXISTS cites (
	citing_id TEXT NOT NULL,
	cited_id  TEXT NOT NULL,
	position  INT,
	PRIMARY KEY (citing_id, cited_id)
);

CREATE TABLE IF NOT EXISTS data_chunks (
	paper_id     TEXT NOT NULL,
	chunk_type   TEXT NOT NULL,
	data         JSONB,
	last_updated TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (paper_id, chunk_type)
);

CREATE INDEX IF NOT EXISTS idx_papers_title_norm ON papers (title_norm);
CREATE INDEX IF NOT EXISTS idx_papers_year ON papers (year);
CREATE INDEX IF NOT EXISTS idx_papers_ingest_status ON papers (ingest_status);
CREATE INDEX IF NOT EXISTS idx_papers_fulltext ON papers USING GIN (to_tsvector('english', coalesce(title, '')));
CREATE INDEX IF NOT EXISTS idx_papers_ext_doi ON papers ((external_ids->>'DOI'));
CREATE INDEX IF NOT EXISTS idx_papers_ext_arxiv ON papers ((external_ids->>'ArXiv'));
CREATE INDEX IF NOT EXISTS idx_papers_ext_corpus ON papers ((external_ids->>'CorpusId'));
CREATE INDEX IF NOT EXISTS idx_cites_cited ON cites (cited_id);
CREATE INDEX IF NOT EXISTS idx_authors_name ON authors (name);
`

var graphTables = []string{"papers", "authors", "paper_authors", "cites", "data_chunks"}

const paperCols = `paper_id, title, year, venue, citation_count, reference_count, ingest_status, last_updated, external_ids, authors, data, metadata`

const paperColsP = `p.paper_id, p.title, p.year, p.venue, p.citation_count, p.reference_count, p.ingest_status, p.last_updated, p.external_ids, p.authors, p.data, p.metadata`

// GraphRepository is the durable paper/citation tier over Postgres.
type GraphRepository struct {
	db     *pgxpool.Pool
	maxAge time.Duration
	logger zerolog.Logger
}

// NewGraphRepository builds the graph tier. maxAge is the freshness window
// applied to relation reads: neighbor nodes older than it (or never fully
// ingested) are filtered out so the caller falls through to upstream.
func NewGraphRepository(db *pgxpool.Pool, maxAge time.Duration, logger zerolog.Logger) *GraphRepository {
	return &GraphRepository{db: db, maxAge: maxAge, logger: logger.With().Str("component", "graph_repository").Logger()}
}

// EnsureSchema creates all tables and indexes idempotently.
func (r *GraphRepository) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := r.db.Exec(ctx, graphSchema)
	return err
}

// SchemaCheck returns the graph tables missing from the database, for a
// startup log line.
func (r *GraphRepository) SchemaCheck(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := r.db.Query(ctx,
		`SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' AND table_name = ANY($1)`,
		graphTables)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	present := make(map[string]bool, len(graphTables))
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var missing []string
	for _, name := range graphTables {
		if !present[name] {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

// GetPaper returns the stored document for a paper, or (nil, nil) when
// unknown. Full nodes return the parsed data payload enriched with the
// last_updated stamp; stub and legacy nodes return their flat columns.
func (r *GraphRepository) GetPaper(ctx context.Context, paperID string) (domain.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	row := r.db.QueryRow(ctx, `SELECT `+paperCols+` FROM papers WHERE paper_id = $1`, paperID)
	doc, err := r.scanPaper(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return doc, err
}

// GetPaperByExternalID looks a paper up through the denormalized externalIds
// column. Misses return (nil, nil).
func (r *GraphRepository) GetPaperByExternalID(ctx context.Context, kind identifier.Kind, value string) (domain.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	row := r.db.QueryRow(ctx,
		`SELECT `+paperCols+` FROM papers WHERE external_ids->>$1 = $2 LIMIT 1`,
		string(kind), value)
	doc, err := r.scanPaper(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return doc, err
}

// MergePaper upserts a full node: the whole document as data, scalars flat,
// ingest_status promoted to full, authors and AUTHORED_BY rows merged.
func (r *GraphRepository) MergePaper(ctx context.Context, doc domain.Document) error {
	paperID := domain.PaperID(doc)
	if paperID == "" {
		return fmt.Errorf("merge paper: document missing paperId")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	dataJSON, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	title := domain.Title(doc)
	citationCount, _ := domain.IntField(doc, "citationCount")
	referenceCount, _ := domain.IntField(doc, "referenceCount")

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO papers (paper_id, title, title_norm, year, venue, citation_count, reference_count, ingest_status, last_updated, external_ids, authors, data, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), $9, $10, $11, $12)
		ON CONFLICT (paper_id) DO UPDATE SET
			title = EXCLUDED.title,
			title_norm = EXCLUDED.title_norm,
			year = EXCLUDED.year,
			venue = EXCLUDED.venue,
			citation_count = CASE
				WHEN EXCLUDED.citation_count > papers.citation_count THEN EXCLUDED.citation_count
				ELSE papers.citation_count
			END,
			reference_count = EXCLUDED.reference_count,
			ingest_status = $8,
			last_updated = now(),
			external_ids = EXCLUDED.external_ids,
			authors = EXCLUDED.authors,
			data = EXCLUDED.data,
			metadata = EXCLUDED.metadata`,
		paperID,
		nullableString(title),
		nullableString(identifier.NormalizeTitle(title)),
		intPtr(doc, "year"),
		strPtr(doc, "venue"),
		citationCount,
		referenceCount,
		domain.IngestFull,
		jsonParam(doc["externalIds"]),
		jsonParam(doc["authors"]),
		string(dataJSON),
		jsonParam(scalarProjection(doc)),
	)
	if err != nil {
		return err
	}

	for _, author := range domain.DocumentList(doc, "authors") {
		authorID := domain.StringField(author, "authorId")
		name := domain.StringField(author, "name")
		if authorID == "" || name == "" {
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO authors (author_id, name) VALUES ($1, $2)
			ON CONFLICT (author_id) DO UPDATE SET name = EXCLUDED.name`,
			authorID, name); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO paper_authors (paper_id, author_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`,
			paperID, authorID); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// MergeCites writes the document's citation edges. Each neighbor is merged as
// a stub first (never demoting a full node, never stamping last_updated), then
// the edge: references carry their list position, citations do not.
func (r *GraphRepository) MergeCites(ctx context.Context, doc domain.Document) error {
	paperID := domain.PaperID(doc)
	if paperID == "" {
		return fmt.Errorf("merge cites: document missing paperId")
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i, ref := range domain.DocumentList(doc, "references") {
		citedID := domain.PaperID(ref)
		if citedID == "" {
			continue
		}
		if err := mergeStub(ctx, tx, ref); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO cites (citing_id, cited_id, position) VALUES ($1, $2, $3)
			ON CONFLICT (citing_id, cited_id) DO UPDATE SET position = EXCLUDED.position`,
			paperID, citedID, i); err != nil {
			return err
		}
	}

	for _, cit := range domain.DocumentList(doc, "citations") {
		citingID := domain.PaperID(cit)
		if citingID == "" {
			continue
		}
		if err := mergeStub(ctx, tx, cit); err != nil {
			return err
		}
		// Position belongs to the citing paper's reference order; do not
		// clobber it from the cited side.
		if _, err := tx.Exec(ctx, `
			INSERT INTO cites (citing_id, cited_id) VALUES ($1, $2)
			ON CONFLICT (citing_id, cited_id) DO NOTHING`,
			citingID, paperID); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func mergeStub(ctx context.Context, tx pgx.Tx, entry domain.Document) error {
	citationCount, _ := domain.IntField(entry, "citationCount")
	referenceCount, _ := domain.IntField(entry, "referenceCount")
	title := domain.Title(entry)

	_, err := tx.Exec(ctx, `
		INSERT INTO papers (paper_id, title, title_norm, year, venue, citation_count, reference_count, ingest_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (paper_id) DO UPDATE SET
			title = COALESCE(papers.title, EXCLUDED.title),
			title_norm = COALESCE(papers.title_norm, EXCLUDED.title_norm),
			year = COALESCE(papers.year, EXCLUDED.year),
			venue = COALESCE(papers.venue, EXCLUDED.venue),
			citation_count = CASE
				WHEN EXCLUDED.citation_count > papers.citation_count THEN EXCLUDED.citation_count
				ELSE papers.citation_count
			END`,
		domain.PaperID(entry),
		nullableString(title),
		nullableString(identifier.NormalizeTitle(title)),
		intPtr(entry, "year"),
		strPtr(entry, "venue"),
		citationCount,
		referenceCount,
		domain.IngestStub,
	)
	return err
}

// MergeDataChunks writes the document body and its relation lists as
// out-of-line chunks keyed (paper_id, chunk_type).
func (r *GraphRepository) MergeDataChunks(ctx context.Context, doc domain.Document) error {
	paperID := domain.PaperID(doc)
	if paperID == "" {
		return fmt.Errorf("merge chunks: document missing paperId")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	body := make(domain.Document, len(doc))
	for k, v := range doc {
		if k == "citations" || k == "references" {
			continue
		}
		body[k] = v
	}

	chunks := map[string]any{domain.ChunkMetadata: body}
	if refs, ok := doc["references"]; ok {
		chunks[domain.ChunkReferences] = refs
	}
	if cits, ok := doc["citations"]; ok {
		chunks[domain.ChunkCitations] = cits
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for chunkType, payload := range chunks {
		if err := upsertChunk(ctx, tx, paperID, chunkType, payload); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// CreateCitationsPlan records a pending ingest plan chunk for a paper whose
// citation set is too large to fetch inline.
func (r *GraphRepository) CreateCitationsPlan(ctx context.Context, paperID string, total, pageSize int) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	plan := map[string]any{
		"total":      total,
		"page_size":  pageSize,
		"status":     "pending",
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := upsertChunk(ctx, tx, paperID, domain.ChunkCitationsPlan, plan); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func upsertChunk(ctx context.Context, tx pgx.Tx, paperID, chunkType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO data_chunks (paper_id, chunk_type, data, last_updated) VALUES ($1, $2, $3, now())
		ON CONFLICT (paper_id, chunk_type) DO UPDATE SET data = EXCLUDED.data, last_updated = now()`,
		paperID, chunkType, string(data))
	return err
}

// GetReferences pages a paper's outgoing CITES edges in stored reference
// order. Neighbors that fail the freshness gate (stubs, stale nodes) are
// filtered out, so an empty page means the caller should go upstream.
func (r *GraphRepository) GetReferences(ctx context.Context, paperID string, offset, limit int) ([]domain.Document, error) {
	return r.relationPage(ctx, `
		SELECT `+paperColsP+`
		FROM cites c JOIN papers p ON p.paper_id = c.cited_id
		WHERE c.citing_id = $1 AND p.last_updated >= $2
		ORDER BY c.position ASC NULLS LAST, p.citation_count DESC
		OFFSET $3 LIMIT $4`,
		paperID, offset, limit)
}

// GetCitations pages a paper's incoming CITES edges by neighbor citation
// count, with the same freshness gate as GetReferences.
func (r *GraphRepository) GetCitations(ctx context.Context, paperID string, offset, limit int) ([]domain.Document, error) {
	return r.relationPage(ctx, `
		SELECT `+paperColsP+`
		FROM cites c JOIN papers p ON p.paper_id = c.citing_id
		WHERE c.cited_id = $1 AND p.last_updated >= $2
		ORDER BY p.citation_count DESC
		OFFSET $3 LIMIT $4`,
		paperID, offset, limit)
}

func (r *GraphRepository) relationPage(ctx context.Context, query, paperID string, offset, limit int) ([]domain.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-r.maxAge)
	rows, err := r.db.Query(ctx, query, paperID, cutoff, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []domain.Document
	for rows.Next() {
		doc, err := r.scanPaper(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// ReferencesTotal prefers the paper's own referenceCount property and falls
// back to counting edges.
func (r *GraphRepository) ReferencesTotal(ctx context.Context, paperID string) (int, error) {
	return r.relationTotal(ctx, paperID,
		`SELECT reference_count FROM papers WHERE paper_id = $1`,
		`SELECT COUNT(*) FROM cites WHERE citing_id = $1`)
}

// CitationsTotal prefers the paper's own citationCount property and falls
// back to counting edges.
func (r *GraphRepository) CitationsTotal(ctx context.Context, paperID string) (int, error) {
	return r.relationTotal(ctx, paperID,
		`SELECT citation_count FROM papers WHERE paper_id = $1`,
		`SELECT COUNT(*) FROM cites WHERE cited_id = $1`)
}

func (r *GraphRepository) relationTotal(ctx context.Context, paperID, nodeQuery, edgeQuery string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var total int
	err := r.db.QueryRow(ctx, nodeQuery, paperID).Scan(&total)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}
	if total > 0 {
		return total, nil
	}
	if err := r.db.QueryRow(ctx, edgeQuery, paperID).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// SearchByTitle runs fulltext search over titles with a normalized-title
// prefix fallback for queries the tsquery parser drops.
func (r *GraphRepository) SearchByTitle(ctx context.Context, query string, offset, limit int) ([]domain.Document, int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	norm := identifier.NormalizeTitle(query)

	countQuery := `
		SELECT COUNT(*)
		FROM papers
		WHERE to_tsvector('english', coalesce(title, '')) @@ websearch_to_tsquery('english', $1)
		   OR ($2 != '' AND title_norm LIKE $2 || '%')`

	var total int
	if err := r.db.QueryRow(ctx, countQuery, query, norm).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+paperCols+`
		FROM papers
		WHERE to_tsvector('english', coalesce(title, '')) @@ websearch_to_tsquery('english', $1)
		   OR ($2 != '' AND title_norm LIKE $2 || '%')
		ORDER BY
			ts_rank(to_tsvector('english', coalesce(title, '')), websearch_to_tsquery('english', $1)) DESC,
			citation_count DESC
		OFFSET $3 LIMIT $4`,
		query, norm, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var docs []domain.Document
	for rows.Next() {
		doc, err := r.scanPaper(rows)
		if err != nil {
			return nil, 0, err
		}
		docs = append(docs, doc)
	}
	return docs, total, rows.Err()
}

// Stats reports node and edge counts for the admin endpoint.
func (r *GraphRepository) Stats(ctx context.Context) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var total, full, stub int
	if err := r.db.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE ingest_status = 'full'),
		       COUNT(*) FILTER (WHERE ingest_status = 'stub')
		FROM papers`).Scan(&total, &full, &stub); err != nil {
		return nil, err
	}

	stats := map[string]any{
		"total_papers": total,
		"full_papers":  full,
		"stub_papers":  stub,
	}

	counts := []struct {
		key   string
		query string
	}{
		{"total_authors", `SELECT COUNT(*) FROM authors`},
		{"total_citation_edges", `SELECT COUNT(*) FROM cites`},
		{"total_data_chunks", `SELECT COUNT(*) FROM data_chunks`},
	}
	for _, c := range counts {
		var n int
		if err := r.db.QueryRow(ctx, c.query).Scan(&n); err != nil {
			return nil, err
		}
		stats[c.key] = n
	}
	return stats, nil
}

func (r *GraphRepository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return r.db.Ping(ctx)
}

// scanPaper turns one papers row into a document: the data payload when the
// node is full, the flat columns otherwise.
func (r *GraphRepository) scanPaper(row pgx.Row) (domain.Document, error) {
	var (
		paperID                       string
		title, venue                  *string
		year                          *int
		citationCount, referenceCount int
		ingestStatus                  string
		lastUpdated                   *time.Time
		externalIDs, authors          []byte
		data, metadata                []byte
	)
	if err := row.Scan(&paperID, &title, &year, &venue, &citationCount, &referenceCount,
		&ingestStatus, &lastUpdated, &externalIDs, &authors, &data, &metadata); err != nil {
		return nil, err
	}

	if len(data) > 0 {
		var doc domain.Document
		if err := json.Unmarshal(data, &doc); err != nil {
			r.logger.Warn().Err(err).Str("paper_id", paperID).Msg("stored document is not valid JSON, serving flat columns")
		} else {
			if lastUpdated != nil {
				doc["lastUpdated"] = lastUpdated.UTC().Format(time.RFC3339)
			}
			return doc, nil
		}
	}

	doc := domain.Document{
		"paperId":        paperID,
		"citationCount":  citationCount,
		"referenceCount": referenceCount,
		"ingestStatus":   ingestStatus,
	}
	if title != nil {
		doc["title"] = *title
	}
	if year != nil {
		doc["year"] = *year
	}
	if venue != nil {
		doc["venue"] = *venue
	}
	if len(metadata) > 0 {
		var extra map[string]any
		if json.Unmarshal(metadata, &extra) == nil {
			for k, v := range extra {
				if _, exists := doc[k]; !exists {
					doc[k] = v
				}
			}
		}
	}
	if len(externalIDs) > 0 {
		var ids map[string]any
		if json.Unmarshal(externalIDs, &ids) == nil {
			doc["externalIds"] = ids
		}
	}
	if len(authors) > 0 {
		var list []any
		if json.Unmarshal(authors, &list) == nil {
			doc["authors"] = list
		}
	}
	if lastUpdated != nil {
		doc["lastUpdated"] = lastUpdated.UTC().Format(time.RFC3339)
	}
	return doc, nil
}

// scalarProjection keeps the document's scalar and scalar-list fields that do
// not already live in a flat column. Nested objects stay in data only.
func scalarProjection(doc domain.Document) map[string]any {
	skip := map[string]bool{
		"paperId": true, "title": true, "year": true, "venue": true,
		"citationCount": true, "referenceCount": true,
		"externalIds": true, "authors": true, "citations": true, "references": true,
		"lastUpdated": true, "cached_at": true,
	}
	out := make(map[string]any)
	for k, v := range doc {
		if skip[k] || v == nil {
			continue
		}
		switch list := v.(type) {
		case string, bool, float64, int, int64:
			out[k] = v
		case []any:
			scalars := true
			for _, elem := range list {
				switch elem.(type) {
				case string, bool, float64, int, int64:
				default:
					scalars = false
				}
				if !scalars {
					break
				}
			}
			if scalars {
				out[k] = v
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// jsonParam marshals a value for a nullable JSONB parameter. Nils and values
// that marshal to JSON null become SQL NULL.
func jsonParam(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return nil
	}
	return string(b)
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func intPtr(doc domain.Document, key string) *int {
	if n, ok := domain.IntField(doc, key); ok {
		return &n
	}
	return nil
}

func strPtr(doc domain.Document, key string) *string {
	if s := domain.StringField(doc, key); s != "" {
		return &s
	}
	return nil
}
