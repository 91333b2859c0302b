package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/paper-app/gateway/internal/identifier"
)

// MappingRepository is the durable external-id index: one row per
// (external_id, external_type) pointing at a canonical paper id. A paper can
// hold at most one value per scheme, so upserts replace the scheme's previous
// row while keeping its created_at.
type MappingRepository struct {
	db     *pgxpool.Pool
	logger zerolog.Logger
}

func NewMappingRepository(db *pgxpool.Pool, logger zerolog.Logger) *MappingRepository {
	return &MappingRepository{db: db, logger: logger.With().Str("component", "mapping_repository").Logger()}
}

// EnsureSchema creates the mapping table and its lookup indexes. The unique
// (paper_id, external_type) index is NOT created here: historical rows may
// still carry duplicates, so callers run Consolidate first and then
// EnsureUniqueIndex.
func (r *MappingRepository) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS external_id_mappings (
			external_id   TEXT NOT NULL,
			external_type TEXT NOT NULL,
			paper_id      TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (external_id, external_type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mappings_paper_id ON external_id_mappings (paper_id)`,
		`CREATE INDEX IF NOT EXISTS idx_mappings_type ON external_id_mappings (external_type)`,
		`CREATE INDEX IF NOT EXISTS idx_mappings_updated_at ON external_id_mappings (updated_at)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Resolve looks up the paper id for a normalized identifier. A miss returns
// ("", nil); only backend failures return an error.
func (r *MappingRepository) Resolve(ctx context.Context, ext identifier.ExternalID) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var paperID string
	err := r.db.QueryRow(ctx,
		`SELECT paper_id FROM external_id_mappings WHERE external_id = $1 AND external_type = $2`,
		ext.Value, string(ext.Kind),
	).Scan(&paperID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return paperID, nil
}

// Upsert records ext -> paperID. The paper's previous row for the same scheme
// is replaced, preserving its created_at; an existing (external_id, type) row
// pointing elsewhere is repointed. Retries once when a concurrent writer wins
// the unique race.
func (r *MappingRepository) Upsert(ctx context.Context, ext identifier.ExternalID, paperID string) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = r.upsertOnce(ctx, ext, paperID)
		if err == nil {
			return nil
		}
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
			return err
		}
		r.logger.Debug().Str("external_id", ext.String()).Str("paper_id", paperID).Msg("mapping upsert lost unique race, retrying")
	}
	return err
}

func (r *MappingRepository) upsertOnce(ctx context.Context, ext identifier.ExternalID, paperID string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Drop the scheme's previous rows for this paper, keeping the oldest
	// created_at so the replacement inherits it.
	rows, err := tx.Query(ctx,
		`DELETE FROM external_id_mappings
		 WHERE paper_id = $1 AND external_type = $2 AND external_id <> $3
		 RETURNING created_at`,
		paperID, string(ext.Kind), ext.Value,
	)
	if err != nil {
		return err
	}
	var createdAt *time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			rows.Close()
			return err
		}
		if createdAt == nil || t.Before(*createdAt) {
			stamp := t
			createdAt = &stamp
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO external_id_mappings (external_id, external_type, paper_id, created_at, updated_at)
		 VALUES ($1, $2, $3, COALESCE($4, now()), now())
		 ON CONFLICT (external_id, external_type) DO UPDATE SET
			paper_id = EXCLUDED.paper_id,
			updated_at = now()`,
		ext.Value, string(ext.Kind), paperID, createdAt,
	)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// BatchUpsert records every identifier of one paper. Individual failures are
// logged and do not stop the batch; the first error is returned so callers
// can surface a partial write.
func (r *MappingRepository) BatchUpsert(ctx context.Context, exts []identifier.ExternalID, paperID string) error {
	var firstErr error
	for _, ext := range exts {
		if err := r.Upsert(ctx, ext, paperID); err != nil {
			r.logger.Warn().Err(err).Str("external_id", ext.String()).Str("paper_id", paperID).Msg("mapping upsert failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ListFor returns every indexed identifier of a paper, keyed by scheme.
func (r *MappingRepository) ListFor(ctx context.Context, paperID string) (map[identifier.Kind]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := r.db.Query(ctx,
		`SELECT external_type, external_id FROM external_id_mappings WHERE paper_id = $1`,
		paperID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[identifier.Kind]string)
	for rows.Next() {
		var extType, extID string
		if err := rows.Scan(&extType, &extID); err != nil {
			return nil, err
		}
		out[identifier.Kind(extType)] = extID
	}
	return out, rows.Err()
}

// Consolidate removes duplicate (paper_id, external_type) rows, keeping the
// most recently updated one. Runs at startup before EnsureUniqueIndex so the
// unique index can be created over historical data.
func (r *MappingRepository) Consolidate(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	tag, err := r.db.Exec(ctx, `
		DELETE FROM external_id_mappings m
		USING (
			SELECT ctid, ROW_NUMBER() OVER (
				PARTITION BY paper_id, external_type
				ORDER BY updated_at DESC, created_at DESC
			) AS rn
			FROM external_id_mappings
		) ranked
		WHERE m.ctid = ranked.ctid AND ranked.rn > 1`)
	if err != nil {
		return 0, err
	}
	removed := int(tag.RowsAffected())
	if removed > 0 {
		r.logger.Info().Int("removed", removed).Msg("consolidated duplicate mappings")
	}
	return removed, nil
}

// EnsureUniqueIndex enforces one row per (paper_id, external_type). Must run
// after Consolidate or index creation fails on duplicates.
func (r *MappingRepository) EnsureUniqueIndex(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	_, err := r.db.Exec(ctx,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_mappings_paper_type ON external_id_mappings (paper_id, external_type)`)
	return err
}

// CleanupOld deletes mappings not touched within keep. Exposed for the
// operator CLI; the gateway itself never expires mappings.
func (r *MappingRepository) CleanupOld(ctx context.Context, keep time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-keep)
	tag, err := r.db.Exec(ctx,
		`DELETE FROM external_id_mappings WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// Stats reports index size and per-scheme counts.
func (r *MappingRepository) Stats(ctx context.Context) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var total, uniquePapers int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*), COUNT(DISTINCT paper_id) FROM external_id_mappings`).Scan(&total, &uniquePapers); err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx,
		`SELECT external_type, COUNT(*) FROM external_id_mappings GROUP BY external_type ORDER BY external_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byType := make(map[string]any)
	for rows.Next() {
		var extType string
		var count int
		if err := rows.Scan(&extType, &count); err != nil {
			return nil, err
		}
		byType[extType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return map[string]any{
		"total_mappings":  total,
		"unique_papers":   uniquePapers,
		"type_statistics": byType,
	}, nil
}

func (r *MappingRepository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return r.db.Ping(ctx)
}
