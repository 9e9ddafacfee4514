package repository

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/sbomhub/sbomhub/internal/model"
)

type ReleaseRepository struct {
	db *sql.DB
}

func NewReleaseRepository(db *sql.DB) *ReleaseRepository {
	return &ReleaseRepository{db: db}
}

const releaseSelect = `SELECT id, product_id, name, version, composed_hash, is_latest, created_at FROM releases`

func scanRelease(row interface{ Scan(...interface{}) error }) (*model.Release, error) {
	var rel model.Release
	if err := row.Scan(&rel.ID, &rel.ProductID, &rel.Name, &rel.Version, &rel.ComposedHash, &rel.IsLatest, &rel.CreatedAt); err != nil {
		return nil, err
	}
	return &rel, nil
}

// Create inserts a release and pins its SBOM/Document artifacts. markLatest
// additionally (re)marks this release as the product's implicit "latest"
// one, clearing any previous holder of the flag first — the lazy
// materialization GetOrCreateLatest relies on.
func (r *ReleaseRepository) Create(ctx context.Context, rel *model.Release, sbomIDs, documentIDs []uuid.UUID, markLatest bool) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if markLatest {
		if _, err := tx.ExecContext(ctx, `UPDATE releases SET is_latest = FALSE WHERE product_id = $1 AND is_latest`, rel.ProductID); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO releases (id, product_id, name, version, composed_hash, is_latest, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rel.ID, rel.ProductID, rel.Name, rel.Version, rel.ComposedHash, markLatest, rel.CreatedAt); err != nil {
		return err
	}
	rel.IsLatest = markLatest

	for _, sbomID := range sbomIDs {
		sbomID := sbomID
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO release_artifacts (id, release_id, sbom_id) VALUES (gen_random_uuid(), $1, $2)`, rel.ID, sbomID); err != nil {
			return err
		}
	}
	for _, docID := range documentIDs {
		docID := docID
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO release_artifacts (id, release_id, document_id) VALUES (gen_random_uuid(), $1, $2)`, rel.ID, docID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *ReleaseRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Release, error) {
	return scanRelease(r.db.QueryRowContext(ctx, releaseSelect+` WHERE id = $1`, id))
}

// GetLatestForProduct returns the product's flagged latest release, or
// sql.ErrNoRows if none has been materialized yet.
func (r *ReleaseRepository) GetLatestForProduct(ctx context.Context, productID uuid.UUID) (*model.Release, error) {
	return scanRelease(r.db.QueryRowContext(ctx, releaseSelect+` WHERE product_id = $1 AND is_latest`, productID))
}

// ListArtifactSBOMIDs returns the pinned SBOM ids for a release, ordered
// deterministically so composition (C9) is reproducible across runs.
func (r *ReleaseRepository) ListArtifactSBOMIDs(ctx context.Context, releaseID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sbom_id FROM release_artifacts WHERE release_id = $1 AND sbom_id IS NOT NULL ORDER BY sbom_id
	`, releaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// ListArtifactDocumentIDs returns the pinned Document ids for a release,
// ordered deterministically alongside ListArtifactSBOMIDs.
func (r *ReleaseRepository) ListArtifactDocumentIDs(ctx context.Context, releaseID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT document_id FROM release_artifacts WHERE release_id = $1 AND document_id IS NOT NULL ORDER BY document_id
	`, releaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
