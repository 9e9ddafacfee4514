package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/sbomhub/sbomhub/internal/model"
)

type ArtifactRepository struct {
	db *sql.DB
}

func NewArtifactRepository(db *sql.DB) *ArtifactRepository {
	return &ArtifactRepository{db: db}
}

func (r *ArtifactRepository) CreateSBOM(ctx context.Context, s *model.SBOM) error {
	metadata, _ := json.Marshal(s.Metadata)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sboms (id, component_id, format, version, content_hash, metadata, raw_data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (component_id, version, format) DO NOTHING
	`, s.ID, s.ComponentID, s.Format, s.Version, s.ContentHash, metadata, s.RawData, s.CreatedAt)
	return err
}

func scanSBOM(row interface{ Scan(...interface{}) error }) (*model.SBOM, error) {
	var s model.SBOM
	var metadata []byte
	if err := row.Scan(&s.ID, &s.ComponentID, &s.Format, &s.Version, &s.ContentHash, &metadata, &s.RawData, &s.CreatedAt); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &s.Metadata)
	}
	return &s, nil
}

const sbomSelect = `SELECT id, component_id, format, version, content_hash, metadata, raw_data, created_at FROM sboms`

func (r *ArtifactRepository) GetSBOM(ctx context.Context, id uuid.UUID) (*model.SBOM, error) {
	return scanSBOM(r.db.QueryRowContext(ctx, sbomSelect+` WHERE id = $1`, id))
}

func (r *ArtifactRepository) GetSBOMByHash(ctx context.Context, componentID uuid.UUID, hash string) (*model.SBOM, error) {
	return scanSBOM(r.db.QueryRowContext(ctx, sbomSelect+` WHERE component_id = $1 AND content_hash = $2`, componentID, hash))
}

// GetSBOMByVersionFormat looks up the SBOM keyed by the §3.1/§8 uniqueness
// triple (component_id, version, format). UploadSBOM uses this ahead of
// insert to tell an idempotent re-upload (same content hash) from a genuine
// conflict (same triple, different content).
func (r *ArtifactRepository) GetSBOMByVersionFormat(ctx context.Context, componentID uuid.UUID, version, format string) (*model.SBOM, error) {
	return scanSBOM(r.db.QueryRowContext(ctx, sbomSelect+` WHERE component_id = $1 AND version = $2 AND format = $3`, componentID, version, format))
}

func (r *ArtifactRepository) ListSBOMsByComponent(ctx context.Context, componentID uuid.UUID) ([]model.SBOM, error) {
	rows, err := r.db.QueryContext(ctx, sbomSelect+` WHERE component_id = $1 ORDER BY created_at DESC`, componentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SBOM
	for rows.Next() {
		s, err := scanSBOM(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}

func (r *ArtifactRepository) CountByWorkspace(ctx context.Context, workspaceID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sboms s JOIN components c ON c.id = s.component_id WHERE c.workspace_id = $1
	`, workspaceID).Scan(&n)
	return n, err
}

// --- Documents ---

func (r *ArtifactRepository) CreateDocument(ctx context.Context, d *model.Document) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO documents (id, component_id, name, content_type, content_hash, raw_data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (component_id, content_hash) DO NOTHING
	`, d.ID, d.ComponentID, d.Name, d.ContentType, d.ContentHash, d.RawData, d.CreatedAt)
	return err
}

const documentSelect = `SELECT id, component_id, name, content_type, content_hash, raw_data, created_at FROM documents`

func scanDocument(row interface{ Scan(...interface{}) error }) (*model.Document, error) {
	var d model.Document
	if err := row.Scan(&d.ID, &d.ComponentID, &d.Name, &d.ContentType, &d.ContentHash, &d.RawData, &d.CreatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *ArtifactRepository) GetDocument(ctx context.Context, id uuid.UUID) (*model.Document, error) {
	return scanDocument(r.db.QueryRowContext(ctx, documentSelect+` WHERE id = $1`, id))
}

func (r *ArtifactRepository) ListDocumentsByComponent(ctx context.Context, componentID uuid.UUID) ([]model.Document, error) {
	rows, err := r.db.QueryContext(ctx, documentSelect+` WHERE component_id = $1 ORDER BY created_at DESC`, componentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, nil
}
