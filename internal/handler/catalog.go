package handler

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sbomhub/sbomhub/internal/apperror"
	"github.com/sbomhub/sbomhub/internal/middleware"
	"github.com/sbomhub/sbomhub/internal/model"
	"github.com/sbomhub/sbomhub/internal/repository"
	"github.com/sbomhub/sbomhub/internal/service/catalog"
)

// CatalogHandler exposes the Product/Project/Component containment tree to
// a workspace's own members. Cross-tenant read gating (C7) belongs to the
// artifact and release handlers, not here: every endpoint in this file
// operates within the caller's own workspace.
type CatalogHandler struct {
	catalog *catalog.Service
	repo    *repository.CatalogRepository
}

func NewCatalogHandler(catalogSvc *catalog.Service, repo *repository.CatalogRepository) *CatalogHandler {
	return &CatalogHandler{catalog: catalogSvc, repo: repo}
}

type visibilityRequest struct {
	Visibility model.Visibility `json:"visibility" validate:"required,oneof=public gated private"`
}

// --- Products ---

func (h *CatalogHandler) CreateProduct(c echo.Context) error {
	var req model.CreateProductRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	p, err := h.catalog.CreateProduct(c.Request().Context(), middleware.GetWorkspace(c), req)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *CatalogHandler) ListProducts(c echo.Context) error {
	products, err := h.repo.ListProducts(c.Request().Context(), middleware.GetWorkspaceID(c))
	if err != nil {
		return respondErr(c, apperror.Wrap(apperror.KindInternal, "list products", err))
	}
	return c.JSON(http.StatusOK, products)
}

func (h *CatalogHandler) GetProduct(c echo.Context) error {
	product, err := h.loadProduct(c)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, product)
}

func (h *CatalogHandler) PatchProductVisibility(c echo.Context) error {
	var req visibilityRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	product, err := h.loadProduct(c)
	if err != nil {
		return respondErr(c, err)
	}
	if err := h.catalog.SetProductVisibility(c.Request().Context(), middleware.GetWorkspace(c), product, req.Visibility); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *CatalogHandler) DeleteProduct(c echo.Context) error {
	product, err := h.loadProduct(c)
	if err != nil {
		return respondErr(c, err)
	}
	if err := h.repo.DeleteProduct(c.Request().Context(), product.ID); err != nil {
		return respondErr(c, apperror.Wrap(apperror.KindInternal, "delete product", err))
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *CatalogHandler) loadProduct(c echo.Context) (*model.Product, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, apperror.New(apperror.KindInvalidInput, "invalid product id")
	}
	product, err := h.repo.GetProduct(c.Request().Context(), id)
	if err != nil {
		return nil, apperror.New(apperror.KindNotFound, "product not found")
	}
	if !middleware.CheckWorkspaceAccess(c, product.WorkspaceID) {
		return nil, apperror.New(apperror.KindNotAuthorized, "product does not belong to this workspace")
	}
	return product, nil
}

// --- Projects ---

func (h *CatalogHandler) CreateProject(c echo.Context) error {
	product, err := h.loadProduct(c)
	if err != nil {
		return respondErr(c, err)
	}
	var req model.CreateProjectRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	p, err := h.catalog.CreateProject(c.Request().Context(), middleware.GetWorkspace(c), product, req)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *CatalogHandler) ListProjects(c echo.Context) error {
	product, err := h.loadProduct(c)
	if err != nil {
		return respondErr(c, err)
	}
	projects, err := h.repo.ListProjects(c.Request().Context(), product.ID)
	if err != nil {
		return respondErr(c, apperror.Wrap(apperror.KindInternal, "list projects", err))
	}
	return c.JSON(http.StatusOK, projects)
}

func (h *CatalogHandler) GetProject(c echo.Context) error {
	project, err := h.loadProject(c)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, project)
}

func (h *CatalogHandler) PatchProjectVisibility(c echo.Context) error {
	var req visibilityRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	project, err := h.loadProject(c)
	if err != nil {
		return respondErr(c, err)
	}
	product, err := h.repo.GetProduct(c.Request().Context(), project.ProductID)
	if err != nil {
		return respondErr(c, apperror.Wrap(apperror.KindInternal, "load product", err))
	}
	if err := h.catalog.SetProjectVisibility(c.Request().Context(), middleware.GetWorkspace(c), project, product, req.Visibility); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *CatalogHandler) DeleteProject(c echo.Context) error {
	project, err := h.loadProject(c)
	if err != nil {
		return respondErr(c, err)
	}
	if err := h.repo.DeleteProject(c.Request().Context(), project.ID); err != nil {
		return respondErr(c, apperror.Wrap(apperror.KindInternal, "delete project", err))
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *CatalogHandler) loadProject(c echo.Context) (*model.Project, error) {
	id, err := uuid.Parse(c.Param("project_id"))
	if err != nil {
		return nil, apperror.New(apperror.KindInvalidInput, "invalid project id")
	}
	project, err := h.repo.GetProject(c.Request().Context(), id)
	if err != nil {
		return nil, apperror.New(apperror.KindNotFound, "project not found")
	}
	product, err := h.repo.GetProduct(c.Request().Context(), project.ProductID)
	if err != nil || !middleware.CheckWorkspaceAccess(c, product.WorkspaceID) {
		return nil, apperror.New(apperror.KindNotAuthorized, "project does not belong to this workspace")
	}
	return project, nil
}

// --- Components ---

func (h *CatalogHandler) CreateComponent(c echo.Context) error {
	var project *model.Project
	if c.Param("project_id") != "" {
		p, err := h.loadProject(c)
		if err != nil {
			return respondErr(c, err)
		}
		project = p
	}
	var req model.CreateComponentRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	component, err := h.catalog.CreateComponent(c.Request().Context(), middleware.GetWorkspace(c), project, req)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, component)
}

func (h *CatalogHandler) ListComponents(c echo.Context) error {
	project, err := h.loadProject(c)
	if err != nil {
		return respondErr(c, err)
	}
	components, err := h.repo.ListComponentsByProject(c.Request().Context(), project.ID)
	if err != nil {
		return respondErr(c, apperror.Wrap(apperror.KindInternal, "list components", err))
	}
	return c.JSON(http.StatusOK, components)
}

func (h *CatalogHandler) GetComponent(c echo.Context) error {
	component, err := h.loadComponent(c)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, component)
}

func (h *CatalogHandler) PatchComponentVisibility(c echo.Context) error {
	var req visibilityRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	component, err := h.loadComponent(c)
	if err != nil {
		return respondErr(c, err)
	}
	var project *model.Project
	if component.ProjectID != nil {
		project, err = h.repo.GetProject(c.Request().Context(), *component.ProjectID)
		if err != nil {
			return respondErr(c, apperror.Wrap(apperror.KindInternal, "load project", err))
		}
	}
	if err := h.catalog.SetComponentVisibility(c.Request().Context(), middleware.GetWorkspace(c), component, project, req.Visibility); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *CatalogHandler) DeleteComponent(c echo.Context) error {
	component, err := h.loadComponent(c)
	if err != nil {
		return respondErr(c, err)
	}
	if err := h.repo.DeleteComponent(c.Request().Context(), component.ID); err != nil {
		return respondErr(c, apperror.Wrap(apperror.KindInternal, "delete component", err))
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *CatalogHandler) loadComponent(c echo.Context) (*model.Component, error) {
	id, err := uuid.Parse(c.Param("component_id"))
	if err != nil {
		return nil, apperror.New(apperror.KindInvalidInput, "invalid component id")
	}
	component, err := h.repo.GetComponent(c.Request().Context(), id)
	if err != nil {
		return nil, apperror.New(apperror.KindNotFound, "component not found")
	}
	if !middleware.CheckWorkspaceAccess(c, component.WorkspaceID) {
		return nil, apperror.New(apperror.KindNotAuthorized, "component does not belong to this workspace")
	}
	return component, nil
}

func (h *CatalogHandler) Search(c echo.Context) error {
	q := c.QueryParam("q")
	results, err := h.catalog.Search(c.Request().Context(), middleware.GetWorkspaceID(c), q)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, results)
}
