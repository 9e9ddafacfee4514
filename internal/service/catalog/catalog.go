// Package catalog implements the Product/Project/Component containment
// tree: creation under plan limits, slug assignment, and the visibility
// toggle invariants of §3.1. It does not decide read access for an existing
// item — that is package access (C7); this package only governs what
// states the tree is allowed to be written into.
package catalog

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sbomhub/sbomhub/internal/apperror"
	"github.com/sbomhub/sbomhub/internal/broadcast"
	"github.com/sbomhub/sbomhub/internal/model"
	"github.com/sbomhub/sbomhub/internal/repository"
)

type Service struct {
	catalog        *repository.CatalogRepository
	billing        *repository.BillingRepository
	broadcaster    broadcast.Broadcaster
	billingEnabled bool
}

// New wires the plan-limit gate to the installation-wide BILLING flag
// (spec §9's single-flag escape hatch): when billingEnabled is false, every
// count/visibility check in this service is bypassed rather than re-checked
// per feature.
func New(catalog *repository.CatalogRepository, billing *repository.BillingRepository, b broadcast.Broadcaster, billingEnabled bool) *Service {
	return &Service{catalog: catalog, billing: billing, broadcaster: b, billingEnabled: billingEnabled}
}

// CreateProduct slugifies name, resolving collisions with a numeric suffix,
// per §4.8's "collisions on slug within a workspace are prevented at
// creation time".
func (s *Service) CreateProduct(ctx context.Context, workspace *model.Workspace, req model.CreateProductRequest) (*model.Product, error) {
	if err := s.checkLimit(ctx, workspace, func(l model.PlanLimits) int { return l.MaxProducts }, s.catalog.CountProducts, workspace.ID); err != nil {
		return nil, err
	}

	slug, err := s.uniqueSlug(ctx, workspace.ID, req.Name)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	p := &model.Product{
		ID: uuid.New(), WorkspaceID: workspace.ID, Name: req.Name, Slug: slug,
		Description: req.Description, Visibility: model.VisibilityPrivate,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.catalog.CreateProduct(ctx, p); err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "create product", err)
	}
	s.broadcaster.Send(ctx, workspace.ID.String(), "product_created", map[string]any{"product_id": p.ID})
	return p, nil
}

func (s *Service) CreateProject(ctx context.Context, workspace *model.Workspace, product *model.Product, req model.CreateProjectRequest) (*model.Project, error) {
	if err := s.checkLimit(ctx, workspace, func(l model.PlanLimits) int { return l.MaxProjects }, s.catalog.CountProjectsByWorkspace, workspace.ID); err != nil {
		return nil, err
	}

	now := time.Now()
	p := &model.Project{
		ID: uuid.New(), ProductID: product.ID, Name: req.Name, Description: req.Description,
		Visibility: model.VisibilityPrivate, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.catalog.CreateProject(ctx, p); err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "create project", err)
	}
	s.broadcaster.Send(ctx, workspace.ID.String(), "project_created", map[string]any{"project_id": p.ID})
	return p, nil
}

func (s *Service) CreateComponent(ctx context.Context, workspace *model.Workspace, project *model.Project, req model.CreateComponentRequest) (*model.Component, error) {
	if err := s.checkLimit(ctx, workspace, func(l model.PlanLimits) int { return l.MaxComponents }, s.catalog.CountComponentsByWorkspace, workspace.ID); err != nil {
		return nil, err
	}

	componentType := req.ComponentType
	if componentType == "" {
		componentType = model.ComponentTypeSBOM
	}

	now := time.Now()
	c := &model.Component{
		ID: uuid.New(), WorkspaceID: workspace.ID, Name: req.Name, IsGlobal: req.IsGlobal,
		ComponentType: componentType, Visibility: model.VisibilityPrivate, CreatedAt: now, UpdatedAt: now,
	}
	if !req.IsGlobal && project != nil {
		c.ProjectID = &project.ID
	}
	if err := s.catalog.CreateComponent(ctx, c); err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "create component", err)
	}
	s.broadcaster.Send(ctx, workspace.ID.String(), "component_created", map[string]any{"component_id": c.ID})
	return c, nil
}

// SetProductVisibility enforces: free-plan workspaces may never go non-public,
// and a public Product may not end up containing private/gated Projects.
func (s *Service) SetProductVisibility(ctx context.Context, workspace *model.Workspace, product *model.Product, v model.Visibility) error {
	if err := s.guardPlanVisibility(ctx, workspace, v); err != nil {
		return err
	}
	if v == model.VisibilityPublic {
		projects, err := s.catalog.ListProjects(ctx, product.ID)
		if err != nil {
			return apperror.Wrap(apperror.KindInternal, "list projects", err)
		}
		for _, pr := range projects {
			if pr.Visibility != model.VisibilityPublic {
				return apperror.WithDetails(apperror.KindInvalidInput, "a public product cannot contain non-public projects",
					map[string]any{"offending": model.OffendingChild{Kind: "project", ID: pr.ID, Name: pr.Name}})
			}
		}
	}
	if err := s.catalog.UpdateProductVisibility(ctx, product.ID, v); err != nil {
		return apperror.Wrap(apperror.KindInternal, "update product visibility", err)
	}
	return nil
}

// SetProjectVisibility enforces the symmetric pair of invariants: a project
// cannot go private/gated while its product is public, and cannot go public
// while it still contains non-public components.
func (s *Service) SetProjectVisibility(ctx context.Context, workspace *model.Workspace, project *model.Project, product *model.Product, v model.Visibility) error {
	if err := s.guardPlanVisibility(ctx, workspace, v); err != nil {
		return err
	}
	if v != model.VisibilityPublic && product != nil && product.Visibility == model.VisibilityPublic {
		return apperror.WithDetails(apperror.KindInvalidInput, "a project assigned to a public product cannot be made non-public",
			map[string]any{"offending": model.OffendingChild{Kind: "product", ID: product.ID, Name: product.Name}})
	}
	if v == model.VisibilityPublic {
		components, err := s.catalog.ListComponentsByProject(ctx, project.ID)
		if err != nil {
			return apperror.Wrap(apperror.KindInternal, "list components", err)
		}
		for _, c := range components {
			if c.Visibility != model.VisibilityPublic {
				return apperror.WithDetails(apperror.KindInvalidInput, "a public project cannot contain non-public components",
					map[string]any{"offending": model.OffendingChild{Kind: "component", ID: c.ID, Name: c.Name}})
			}
		}
	}
	if err := s.catalog.UpdateProjectVisibility(ctx, project.ID, v); err != nil {
		return apperror.Wrap(apperror.KindInternal, "update project visibility", err)
	}
	return nil
}

// SetComponentVisibility enforces that a component cannot be made
// non-public while assigned to a public project.
func (s *Service) SetComponentVisibility(ctx context.Context, workspace *model.Workspace, component *model.Component, project *model.Project, v model.Visibility) error {
	if err := s.guardPlanVisibility(ctx, workspace, v); err != nil {
		return err
	}
	if v != model.VisibilityPublic && !component.IsGlobal && project != nil && project.Visibility == model.VisibilityPublic {
		return apperror.WithDetails(apperror.KindInvalidInput, "a component assigned to a public project cannot be made non-public",
			map[string]any{"offending": model.OffendingChild{Kind: "project", ID: project.ID, Name: project.Name}})
	}
	if err := s.catalog.UpdateComponentVisibility(ctx, component.ID, v); err != nil {
		return apperror.Wrap(apperror.KindInternal, "update component visibility", err)
	}
	return nil
}

func (s *Service) guardPlanVisibility(ctx context.Context, workspace *model.Workspace, v model.Visibility) error {
	if v == model.VisibilityPublic || !s.billingEnabled {
		return nil
	}
	limits := s.billing.GetPlanLimits(ctx, workspace.Plan)
	if !limits.HasFeature("private_visibility") {
		return apperror.New(apperror.KindPlanLimit, "the free plan cannot make items non-public")
	}
	return nil
}

func (s *Service) Search(ctx context.Context, workspaceID uuid.UUID, q string) ([]model.Component, error) {
	results, err := s.catalog.SearchCatalog(ctx, workspaceID, q)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "search catalog", err)
	}
	return results, nil
}

func (s *Service) checkLimit(ctx context.Context, workspace *model.Workspace, limit func(model.PlanLimits) int, count func(context.Context, uuid.UUID) (int, error), scope uuid.UUID) error {
	if !s.billingEnabled {
		return nil
	}
	limits := s.billing.GetPlanLimits(ctx, workspace.Plan)
	n, err := count(ctx, scope)
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, "count existing items", err)
	}
	if !model.CheckLimit(n, limit(limits)) {
		return apperror.WithDetails(apperror.KindPlanLimit, "this workspace has reached its limit for the current plan",
			map[string]any{"limit": limit(limits), "current": n})
	}
	return nil
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := slugInvalid.ReplaceAllString(strings.ToLower(name), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "item"
	}
	return s
}

func (s *Service) uniqueSlug(ctx context.Context, workspaceID uuid.UUID, name string) (string, error) {
	base := slugify(name)
	candidate := base
	for i := 2; ; i++ {
		n, err := s.catalog.CountProductsBySlug(ctx, workspaceID, candidate)
		if err != nil {
			return "", apperror.Wrap(apperror.KindInternal, "check slug uniqueness", err)
		}
		if n == 0 {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, i)
	}
}
