package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sbomhub/sbomhub/internal/model"
)

// CatalogRepository stores the Product/Project/Component containment tree.
type CatalogRepository struct {
	db *sql.DB
}

func NewCatalogRepository(db *sql.DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

// --- Products ---

func (r *CatalogRepository) CreateProduct(ctx context.Context, p *model.Product) error {
	contact, _ := json.Marshal(p.Contact)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO products (id, workspace_id, name, slug, description, visibility, contact, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.ID, p.WorkspaceID, p.Name, p.Slug, p.Description, p.Visibility, contact, p.CreatedAt, p.UpdatedAt)
	return err
}

func scanProduct(row interface{ Scan(...interface{}) error }) (*model.Product, error) {
	var p model.Product
	var contact []byte
	if err := row.Scan(&p.ID, &p.WorkspaceID, &p.Name, &p.Slug, &p.Description, &p.Visibility, &contact, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if len(contact) > 0 {
		_ = json.Unmarshal(contact, &p.Contact)
	}
	return &p, nil
}

const productSelect = `SELECT id, workspace_id, name, slug, description, visibility, contact, created_at, updated_at FROM products`

func (r *CatalogRepository) GetProduct(ctx context.Context, id uuid.UUID) (*model.Product, error) {
	return scanProduct(r.db.QueryRowContext(ctx, productSelect+` WHERE id = $1`, id))
}

// GetProductBySlug is how a custom-domain request resolves /product/<slug>/
// to a Product once C2 has already admitted the request to workspaceID.
func (r *CatalogRepository) GetProductBySlug(ctx context.Context, workspaceID uuid.UUID, slug string) (*model.Product, error) {
	return scanProduct(r.db.QueryRowContext(ctx, productSelect+` WHERE workspace_id = $1 AND slug = $2`, workspaceID, slug))
}

// CountProductsBySlug backs the creation-time collision check §4.8 requires
// ("collisions on slug within a workspace are prevented at creation time").
func (r *CatalogRepository) CountProductsBySlug(ctx context.Context, workspaceID uuid.UUID, slug string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products WHERE workspace_id = $1 AND slug = $2`, workspaceID, slug).Scan(&n)
	return n, err
}

func (r *CatalogRepository) ListProducts(ctx context.Context, workspaceID uuid.UUID) ([]model.Product, error) {
	rows, err := r.db.QueryContext(ctx, productSelect+` WHERE workspace_id = $1 ORDER BY name`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

func (r *CatalogRepository) CountProducts(ctx context.Context, workspaceID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products WHERE workspace_id = $1`, workspaceID).Scan(&n)
	return n, err
}

func (r *CatalogRepository) UpdateProductVisibility(ctx context.Context, id uuid.UUID, v model.Visibility) error {
	_, err := r.db.ExecContext(ctx, `UPDATE products SET visibility = $1, updated_at = $2 WHERE id = $3`, v, time.Now(), id)
	return err
}

func (r *CatalogRepository) UpdateProduct(ctx context.Context, p *model.Product) error {
	contact, _ := json.Marshal(p.Contact)
	p.UpdatedAt = time.Now()
	_, err := r.db.ExecContext(ctx, `
		UPDATE products SET name = $1, description = $2, contact = $3, updated_at = $4 WHERE id = $5
	`, p.Name, p.Description, contact, p.UpdatedAt, p.ID)
	return err
}

func (r *CatalogRepository) DeleteProduct(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	return err
}

// --- Projects ---

func (r *CatalogRepository) CreateProject(ctx context.Context, p *model.Project) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO projects (id, product_id, name, description, visibility, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.ID, p.ProductID, p.Name, p.Description, p.Visibility, p.CreatedAt, p.UpdatedAt)
	return err
}

const projectSelect = `SELECT id, product_id, name, description, visibility, created_at, updated_at FROM projects`

func scanProject(row interface{ Scan(...interface{}) error }) (*model.Project, error) {
	var p model.Project
	if err := row.Scan(&p.ID, &p.ProductID, &p.Name, &p.Description, &p.Visibility, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *CatalogRepository) GetProject(ctx context.Context, id uuid.UUID) (*model.Project, error) {
	return scanProject(r.db.QueryRowContext(ctx, projectSelect+` WHERE id = $1`, id))
}

func (r *CatalogRepository) ListProjects(ctx context.Context, productID uuid.UUID) ([]model.Project, error) {
	rows, err := r.db.QueryContext(ctx, projectSelect+` WHERE product_id = $1 ORDER BY name`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

// CountProjectsByWorkspace backs the per-workspace max_projects plan limit,
// joining through products since Project has no workspace_id column of its
// own.
func (r *CatalogRepository) CountProjectsByWorkspace(ctx context.Context, workspaceID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM projects pr JOIN products p ON p.id = pr.product_id WHERE p.workspace_id = $1
	`, workspaceID).Scan(&n)
	return n, err
}

func (r *CatalogRepository) UpdateProjectVisibility(ctx context.Context, id uuid.UUID, v model.Visibility) error {
	_, err := r.db.ExecContext(ctx, `UPDATE projects SET visibility = $1, updated_at = $2 WHERE id = $3`, v, time.Now(), id)
	return err
}

func (r *CatalogRepository) DeleteProject(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
	return err
}

// --- Components ---

func (r *CatalogRepository) CreateComponent(ctx context.Context, c *model.Component) error {
	contact, _ := json.Marshal(c.Contact)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO components (id, project_id, workspace_id, name, is_global, component_type, visibility, contact, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, c.ID, c.ProjectID, c.WorkspaceID, c.Name, c.IsGlobal, c.ComponentType, c.Visibility, contact, c.CreatedAt, c.UpdatedAt)
	return err
}

const componentSelect = `
	SELECT id, project_id, workspace_id, name, is_global, component_type, visibility, contact, created_at, updated_at FROM components
`

func scanComponent(row interface{ Scan(...interface{}) error }) (*model.Component, error) {
	var c model.Component
	var contact []byte
	if err := row.Scan(&c.ID, &c.ProjectID, &c.WorkspaceID, &c.Name, &c.IsGlobal, &c.ComponentType, &c.Visibility, &contact, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if len(contact) > 0 {
		_ = json.Unmarshal(contact, &c.Contact)
	}
	return &c, nil
}

func (r *CatalogRepository) GetComponent(ctx context.Context, id uuid.UUID) (*model.Component, error) {
	return scanComponent(r.db.QueryRowContext(ctx, componentSelect+` WHERE id = $1`, id))
}

func (r *CatalogRepository) ListComponentsByProject(ctx context.Context, projectID uuid.UUID) ([]model.Component, error) {
	rows, err := r.db.QueryContext(ctx, componentSelect+` WHERE project_id = $1 ORDER BY name`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Component
	for rows.Next() {
		c, err := scanComponent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

func (r *CatalogRepository) CountComponentsByWorkspace(ctx context.Context, workspaceID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM components WHERE workspace_id = $1`, workspaceID).Scan(&n)
	return n, err
}

func (r *CatalogRepository) UpdateComponentVisibility(ctx context.Context, id uuid.UUID, v model.Visibility) error {
	_, err := r.db.ExecContext(ctx, `UPDATE components SET visibility = $1, updated_at = $2 WHERE id = $3`, v, time.Now(), id)
	return err
}

func (r *CatalogRepository) DeleteComponent(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM components WHERE id = $1`, id)
	return err
}

// SearchCatalog is the supplemented substring search over a workspace's
// products/components, grounded in original_source's core/tests/test_search.py.
// It never surfaces gated/private items on its own — callers must still run
// results through the access resolver.
func (r *CatalogRepository) SearchCatalog(ctx context.Context, workspaceID uuid.UUID, q string) ([]model.Component, error) {
	rows, err := r.db.QueryContext(ctx, componentSelect+`
		WHERE workspace_id = $1 AND name ILIKE '%' || $2 || '%' ORDER BY name LIMIT 50
	`, workspaceID, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Component
	for rows.Next() {
		c, err := scanComponent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}
