package handler

import (
	"database/sql"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sbomhub/sbomhub/internal/apperror"
	"github.com/sbomhub/sbomhub/internal/middleware"
	"github.com/sbomhub/sbomhub/internal/model"
	"github.com/sbomhub/sbomhub/internal/repository"
	"github.com/sbomhub/sbomhub/internal/service/release"
	"github.com/sbomhub/sbomhub/internal/signedurl"
)

// ReleaseHandler implements C9's HTTP surface: pinning a release and
// composing it per-caller, persisting every signed link Compose mints so
// it is individually revocable through the same AccessTokenRepository the
// direct artifact download path uses.
type ReleaseHandler struct {
	releases   *release.Service
	repo       *repository.ReleaseRepository
	catalog    *repository.CatalogRepository
	workspaces *repository.WorkspaceRepository
	billing    *repository.BillingRepository
	tokens     *repository.AccessTokenRepository
	signer     *signedurl.Signer
	baseURL    string
}

func NewReleaseHandler(
	releases *release.Service,
	repo *repository.ReleaseRepository,
	catalog *repository.CatalogRepository,
	workspaces *repository.WorkspaceRepository,
	billing *repository.BillingRepository,
	tokens *repository.AccessTokenRepository,
	signer *signedurl.Signer,
	baseURL string,
) *ReleaseHandler {
	return &ReleaseHandler{
		releases: releases, repo: repo, catalog: catalog, workspaces: workspaces,
		billing: billing, tokens: tokens, signer: signer, baseURL: baseURL,
	}
}

func (h *ReleaseHandler) Create(c echo.Context) error {
	productID, err := uuid.Parse(c.Param("product_id"))
	if err != nil {
		return badRequest(c, "invalid product id")
	}
	product, err := h.catalog.GetProduct(c.Request().Context(), productID)
	if err != nil {
		return respondErr(c, apperror.New(apperror.KindNotFound, "product not found"))
	}
	if !middleware.CheckWorkspaceAccess(c, product.WorkspaceID) {
		return respondErr(c, apperror.New(apperror.KindNotAuthorized, "product does not belong to this workspace"))
	}

	var req model.CreateReleaseRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	rel, err := h.releases.Create(c.Request().Context(), product, req.Name, req.Version, req.SBOMIDs, req.DocumentIDs)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, rel)
}

// GetLatest resolves (lazily materializing on first call) the product's
// implicit "latest" release, per §3.1.
func (h *ReleaseHandler) GetLatest(c echo.Context) error {
	productID, err := uuid.Parse(c.Param("product_id"))
	if err != nil {
		return badRequest(c, "invalid product id")
	}
	product, err := h.catalog.GetProduct(c.Request().Context(), productID)
	if err != nil {
		return respondErr(c, apperror.New(apperror.KindNotFound, "product not found"))
	}
	if !middleware.CheckWorkspaceAccess(c, product.WorkspaceID) {
		return respondErr(c, apperror.New(apperror.KindNotAuthorized, "product does not belong to this workspace"))
	}

	rel, err := h.releases.GetOrCreateLatest(c.Request().Context(), product)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, rel)
}

func (h *ReleaseHandler) Get(c echo.Context) error {
	rel, err := h.loadRelease(c)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, rel)
}

// Compose is reachable both for a workspace member (authenticated, scoped
// by middleware) and for an anonymous visitor to a public release, so it
// does not assume a workspace has already been resolved onto the request
// context the way the member-only catalog endpoints do.
func (h *ReleaseHandler) Compose(c echo.Context) error {
	ctx := c.Request().Context()
	rel, err := h.loadRelease(c)
	if err != nil {
		return respondErr(c, err)
	}
	product, err := h.catalog.GetProduct(ctx, rel.ProductID)
	if err != nil {
		return respondErr(c, apperror.Wrap(apperror.KindInternal, "load product", err))
	}
	workspace, err := h.workspaces.GetByID(ctx, product.WorkspaceID)
	if err != nil {
		return respondErr(c, apperror.Wrap(apperror.KindInternal, "load workspace", err))
	}
	sub, err := h.billing.GetByWorkspaceID(ctx, workspace.ID)
	if err != nil && err != sql.ErrNoRows {
		return respondErr(c, apperror.Wrap(apperror.KindInternal, "load subscription", err))
	}

	composed, err := h.releases.Compose(ctx, rel, workspace, sub, caller(c), h.baseURL)
	if err != nil {
		return respondErr(c, err)
	}

	if err := h.persistMintedTokens(c, composed); err != nil {
		return respondErr(c, err)
	}

	return c.JSON(http.StatusOK, composed)
}

func (h *ReleaseHandler) loadRelease(c echo.Context) (*model.Release, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, apperror.New(apperror.KindInvalidInput, "invalid release id")
	}
	rel, err := h.repo.GetByID(c.Request().Context(), id)
	if err != nil {
		return nil, apperror.New(apperror.KindNotFound, "release not found")
	}
	return rel, nil
}

// persistMintedTokens records an AccessToken row for every signed download
// link Compose minted, so the direct artifact download path (which checks
// AccessTokenRepository before serving bytes) recognizes it and so it can
// be revoked without waiting for its JWT expiry.
func (h *ReleaseHandler) persistMintedTokens(c echo.Context, composed *release.Composed) error {
	for _, a := range composed.Artifacts {
		if !a.Allowed || a.DownloadURL == "" {
			continue
		}
		token := extractToken(a.DownloadURL)
		if token == "" {
			continue
		}
		claims, err := h.signer.Verify(token)
		if err != nil {
			continue
		}
		rec := &model.AccessToken{
			ID: uuid.New(), ArtifactID: claims.ArtifactID, UserID: claims.UserID,
			TokenHash: signedurl.HashToken(token), IssuedAt: time.Now(), ExpiresAt: claims.ExpiresAt.Time,
		}
		if err := h.tokens.Create(c.Request().Context(), rec); err != nil {
			return apperror.Wrap(apperror.KindInternal, "persist access token", err)
		}
	}
	return nil
}

func extractToken(downloadURL string) string {
	idx := strings.Index(downloadURL, "?")
	if idx < 0 {
		return ""
	}
	q, err := url.ParseQuery(downloadURL[idx+1:])
	if err != nil {
		return ""
	}
	return q.Get("token")
}
