package handler

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sbomhub/sbomhub/internal/apperror"
	"github.com/sbomhub/sbomhub/internal/domain"
	"github.com/sbomhub/sbomhub/internal/middleware"
	"github.com/sbomhub/sbomhub/internal/model"
	"github.com/sbomhub/sbomhub/internal/repository"
)

// DomainHandler implements C2's HTTP surface: the unauthenticated
// well-known probe an external edge/TLS layer polls before provisioning a
// certificate, the internal edge-policy lookup, and the workspace-admin
// custom-domain management endpoints.
type DomainHandler struct {
	resolver   *domain.Resolver
	workspaces *repository.WorkspaceRepository
	billing    *repository.BillingRepository
}

func NewDomainHandler(resolver *domain.Resolver, workspaces *repository.WorkspaceRepository, billing *repository.BillingRepository) *DomainHandler {
	return &DomainHandler{resolver: resolver, workspaces: workspaces, billing: billing}
}

// Probe answers GET /.well-known/sbomhub-domain-check on any admitted host.
func (h *DomainHandler) Probe(c echo.Context) error {
	probe, err := h.resolver.ProbeHost(c.Request().Context(), c.Request().Host)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, probe)
}

// InternalLookup answers the edge layer's unauthenticated §6 policy check:
// GET /api/v1/internal/domains?domain=<host>. It admits the application's
// own host unconditionally, and a workspace's custom domain only when that
// workspace's plan still carries the custom_domain feature — a downgraded
// workspace's stale DNS record must stop routing rather than keep serving
// on a plan that no longer grants it.
func (h *DomainHandler) InternalLookup(c echo.Context) error {
	host := c.QueryParam("domain")
	if host == "" {
		return respondErr(c, apperror.New(apperror.KindInvalidInput, "domain query parameter is required"))
	}

	admission, err := h.resolver.Admit(c.Request().Context(), host)
	if err != nil {
		return respondErr(c, err)
	}
	if admission.Main {
		return c.NoContent(http.StatusOK)
	}

	limits := h.billing.GetPlanLimits(c.Request().Context(), admission.Workspace.Plan)
	if !limits.HasFeature("custom_domain") {
		return respondErr(c, apperror.New(apperror.KindNotFound, "unknown host"))
	}
	return c.NoContent(http.StatusOK)
}

type createCustomDomainRequest struct {
	Hostname string `json:"hostname" validate:"required,hostname"`
}

// CreateCustomDomain registers hostname as a candidate tenant domain. It
// starts unverified; Probe (or the revalidation sweep) is what flips it.
func (h *DomainHandler) CreateCustomDomain(c echo.Context) error {
	var req createCustomDomainRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	d := &model.CustomDomain{
		ID: uuid.New(), WorkspaceID: middleware.GetWorkspaceID(c), Hostname: req.Hostname,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := h.workspaces.CreateCustomDomain(c.Request().Context(), d); err != nil {
		return respondErr(c, apperror.Wrap(apperror.KindInternal, "create custom domain", err))
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *DomainHandler) ListCustomDomains(c echo.Context) error {
	domains, err := h.workspaces.ListCustomDomainsByWorkspace(c.Request().Context(), middleware.GetWorkspaceID(c))
	if err != nil {
		return respondErr(c, apperror.Wrap(apperror.KindInternal, "list custom domains", err))
	}
	return c.JSON(http.StatusOK, domains)
}
