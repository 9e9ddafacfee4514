package handler

import (
	"database/sql"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sbomhub/sbomhub/internal/apperror"
	"github.com/sbomhub/sbomhub/internal/middleware"
	"github.com/sbomhub/sbomhub/internal/model"
	"github.com/sbomhub/sbomhub/internal/repository"
	"github.com/sbomhub/sbomhub/internal/service/access"
	"github.com/sbomhub/sbomhub/internal/service/artifact"
	"github.com/sbomhub/sbomhub/internal/signedurl"
)

// downloadTTL is the signed-URL lifetime minted for a direct artifact
// download (model.DefaultTokenTTL). release.Service mints a composed
// release's per-artifact links with its own, shorter 15-minute window.
const downloadTTL = model.DefaultTokenTTL

const maxUploadBytes = 32 << 20 // 32MiB, matching the teacher's sbom upload ceiling

// ArtifactHandler implements C8 upload and the read side of C7/C10: an
// artifact's bytes are only ever served after access.Resolver.Evaluate
// allows it, and every non-public grant is minted as a signed, revocable
// token rather than served directly.
type ArtifactHandler struct {
	artifacts  *artifact.Service
	repo       *repository.ArtifactRepository
	catalog    *repository.CatalogRepository
	billing    *repository.BillingRepository
	workspaces *repository.WorkspaceRepository
	resolver   *access.Resolver
	tokens     *repository.AccessTokenRepository
	signer     *signedurl.Signer
}

func NewArtifactHandler(
	artifacts *artifact.Service,
	repo *repository.ArtifactRepository,
	catalog *repository.CatalogRepository,
	billing *repository.BillingRepository,
	workspaces *repository.WorkspaceRepository,
	resolver *access.Resolver,
	tokens *repository.AccessTokenRepository,
	signer *signedurl.Signer,
) *ArtifactHandler {
	return &ArtifactHandler{
		artifacts: artifacts, repo: repo, catalog: catalog, billing: billing,
		workspaces: workspaces, resolver: resolver, tokens: tokens, signer: signer,
	}
}

func (h *ArtifactHandler) loadComponent(c echo.Context, idParam string) (*model.Component, error) {
	id, err := uuid.Parse(c.Param(idParam))
	if err != nil {
		return nil, apperror.New(apperror.KindInvalidInput, "invalid component id")
	}
	component, err := h.catalog.GetComponent(c.Request().Context(), id)
	if err != nil {
		return nil, apperror.New(apperror.KindNotFound, "component not found")
	}
	return component, nil
}

func (h *ArtifactHandler) UploadSBOM(c echo.Context) error {
	component, err := h.loadComponent(c, "component_id")
	if err != nil {
		return respondErr(c, err)
	}
	if !middleware.CheckWorkspaceAccess(c, component.WorkspaceID) {
		return respondErr(c, apperror.New(apperror.KindNotAuthorized, "component does not belong to this workspace"))
	}

	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxUploadBytes+1))
	if err != nil {
		return badRequest(c, "failed to read request body")
	}
	if len(raw) > maxUploadBytes {
		return badRequest(c, "sbom exceeds maximum upload size")
	}

	componentWins := c.QueryParam("metadata_override") == "component"
	sbom, err := h.artifacts.UploadSBOM(c.Request().Context(), middleware.GetWorkspace(c), component, raw, componentWins)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, sbom)
}

func (h *ArtifactHandler) UploadDocument(c echo.Context) error {
	component, err := h.loadComponent(c, "component_id")
	if err != nil {
		return respondErr(c, err)
	}
	if !middleware.CheckWorkspaceAccess(c, component.WorkspaceID) {
		return respondErr(c, apperror.New(apperror.KindNotAuthorized, "component does not belong to this workspace"))
	}

	file, err := c.FormFile("file")
	if err != nil {
		return badRequest(c, "file is required")
	}
	src, err := file.Open()
	if err != nil {
		return respondErr(c, apperror.Wrap(apperror.KindInternal, "open uploaded file", err))
	}
	defer src.Close()

	raw, err := io.ReadAll(io.LimitReader(src, maxUploadBytes+1))
	if err != nil {
		return badRequest(c, "failed to read uploaded file")
	}
	if len(raw) > maxUploadBytes {
		return badRequest(c, "document exceeds maximum upload size")
	}

	name := c.FormValue("name")
	if name == "" {
		name = file.Filename
	}
	contentType := file.Header.Get("Content-Type")

	doc, err := h.artifacts.UploadDocument(c.Request().Context(), middleware.GetWorkspace(c), component, name, contentType, raw)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, doc)
}

func (h *ArtifactHandler) ListSBOMs(c echo.Context) error {
	component, err := h.loadComponent(c, "component_id")
	if err != nil {
		return respondErr(c, err)
	}
	if !middleware.CheckWorkspaceAccess(c, component.WorkspaceID) {
		return respondErr(c, apperror.New(apperror.KindNotAuthorized, "component does not belong to this workspace"))
	}
	sboms, err := h.repo.ListSBOMsByComponent(c.Request().Context(), component.ID)
	if err != nil {
		return respondErr(c, apperror.Wrap(apperror.KindInternal, "list sboms", err))
	}
	return c.JSON(http.StatusOK, sboms)
}

func (h *ArtifactHandler) ListDocuments(c echo.Context) error {
	component, err := h.loadComponent(c, "component_id")
	if err != nil {
		return respondErr(c, err)
	}
	if !middleware.CheckWorkspaceAccess(c, component.WorkspaceID) {
		return respondErr(c, apperror.New(apperror.KindNotAuthorized, "component does not belong to this workspace"))
	}
	docs, err := h.repo.ListDocumentsByComponent(c.Request().Context(), component.ID)
	if err != nil {
		return respondErr(c, apperror.Wrap(apperror.KindInternal, "list documents", err))
	}
	return c.JSON(http.StatusOK, docs)
}

// caller resolves the requesting identity for a cross-tenant read path.
// An unauthenticated request is a valid anonymous Caller, not an error:
// public artifacts must remain reachable without a session.
func caller(c echo.Context) access.Caller {
	return access.Caller{UserID: middleware.GetUserID(c), Role: middleware.NewWorkspaceContext(c).Role()}
}

// evaluateComponentAccess loads the component's containing project/product
// and workspace subscription, then runs C7 against the resolved caller.
func (h *ArtifactHandler) evaluateComponentAccess(c echo.Context, component *model.Component) (access.Decision, *model.Workspace, error) {
	ctx := c.Request().Context()

	workspace, err := h.workspaces.GetByID(ctx, component.WorkspaceID)
	if err != nil {
		return access.Decision{}, nil, apperror.Wrap(apperror.KindInternal, "load workspace", err)
	}

	var project *model.Project
	var product *model.Product
	if !component.IsGlobal && component.ProjectID != nil {
		project, err = h.catalog.GetProject(ctx, *component.ProjectID)
		if err != nil {
			return access.Decision{}, nil, apperror.Wrap(apperror.KindInternal, "load project", err)
		}
		product, err = h.catalog.GetProduct(ctx, project.ProductID)
		if err != nil {
			return access.Decision{}, nil, apperror.Wrap(apperror.KindInternal, "load product", err)
		}
	}

	sub, err := h.billing.GetByWorkspaceID(ctx, workspace.ID)
	if err != nil && err != sql.ErrNoRows {
		return access.Decision{}, nil, apperror.Wrap(apperror.KindInternal, "load subscription", err)
	}

	decision, err := h.resolver.Evaluate(ctx, caller(c), workspace, sub, component, project, product)
	if err != nil {
		return access.Decision{}, nil, err
	}
	return decision, workspace, nil
}

// RequestSBOMDownload runs the access check and, if allowed, mints a signed
// download token. A persisted AccessToken row lets the token be revoked
// before its JWT expiry (e.g. when a member is removed), which a bare JWT
// cannot support on its own.
func (h *ArtifactHandler) RequestSBOMDownload(c echo.Context) error {
	sbomID, err := uuid.Parse(c.Param("sbom_id"))
	if err != nil {
		return badRequest(c, "invalid sbom id")
	}
	sbom, err := h.repo.GetSBOM(c.Request().Context(), sbomID)
	if err != nil {
		return respondErr(c, apperror.New(apperror.KindNotFound, "sbom not found"))
	}
	component, err := h.catalog.GetComponent(c.Request().Context(), sbom.ComponentID)
	if err != nil {
		return respondErr(c, apperror.Wrap(apperror.KindInternal, "load component", err))
	}

	decision, _, err := h.evaluateComponentAccess(c, component)
	if err != nil {
		return respondErr(c, err)
	}
	if !decision.Allow {
		return respondErr(c, denyError(decision))
	}

	token, err := h.mintAndPersist(c, sbomID)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"token": token})
}

func (h *ArtifactHandler) RequestDocumentDownload(c echo.Context) error {
	docID, err := uuid.Parse(c.Param("document_id"))
	if err != nil {
		return badRequest(c, "invalid document id")
	}
	doc, err := h.repo.GetDocument(c.Request().Context(), docID)
	if err != nil {
		return respondErr(c, apperror.New(apperror.KindNotFound, "document not found"))
	}
	component, err := h.catalog.GetComponent(c.Request().Context(), doc.ComponentID)
	if err != nil {
		return respondErr(c, apperror.Wrap(apperror.KindInternal, "load component", err))
	}

	decision, _, err := h.evaluateComponentAccess(c, component)
	if err != nil {
		return respondErr(c, err)
	}
	if !decision.Allow {
		return respondErr(c, denyError(decision))
	}

	token, err := h.mintAndPersist(c, docID)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"token": token})
}

func (h *ArtifactHandler) mintAndPersist(c echo.Context, artifactID uuid.UUID) (string, error) {
	userID := middleware.GetUserID(c)
	token, hash, expiresAt, err := h.signer.Mint(artifactID, userID, downloadTTL)
	if err != nil {
		return "", apperror.Wrap(apperror.KindInternal, "mint download token", err)
	}
	rec := &model.AccessToken{
		ID: uuid.New(), ArtifactID: artifactID, UserID: userID,
		TokenHash: hash, IssuedAt: time.Now(), ExpiresAt: expiresAt,
	}
	if err := h.tokens.Create(c.Request().Context(), rec); err != nil {
		return "", apperror.Wrap(apperror.KindInternal, "persist access token", err)
	}
	return token, nil
}

// DownloadSBOM and DownloadDocument serve raw bytes given a signed token.
// A public artifact is served without a token at all; everything else must
// present a token that verifies, matches an unrevoked persisted hash, and
// is scoped to the artifact being requested.
func (h *ArtifactHandler) DownloadSBOM(c echo.Context) error {
	sbomID, err := uuid.Parse(c.Param("sbom_id"))
	if err != nil {
		return badRequest(c, "invalid sbom id")
	}
	sbom, err := h.repo.GetSBOM(c.Request().Context(), sbomID)
	if err != nil {
		return respondErr(c, apperror.New(apperror.KindNotFound, "sbom not found"))
	}
	component, err := h.catalog.GetComponent(c.Request().Context(), sbom.ComponentID)
	if err != nil {
		return respondErr(c, apperror.Wrap(apperror.KindInternal, "load component", err))
	}

	if err := h.authorizeDownload(c, component, sbomID); err != nil {
		return respondErr(c, err)
	}
	return c.Blob(http.StatusOK, "application/json", sbom.RawData)
}

func (h *ArtifactHandler) DownloadDocument(c echo.Context) error {
	docID, err := uuid.Parse(c.Param("document_id"))
	if err != nil {
		return badRequest(c, "invalid document id")
	}
	doc, err := h.repo.GetDocument(c.Request().Context(), docID)
	if err != nil {
		return respondErr(c, apperror.New(apperror.KindNotFound, "document not found"))
	}
	component, err := h.catalog.GetComponent(c.Request().Context(), doc.ComponentID)
	if err != nil {
		return respondErr(c, apperror.Wrap(apperror.KindInternal, "load component", err))
	}

	if err := h.authorizeDownload(c, component, docID); err != nil {
		return respondErr(c, err)
	}
	return c.Blob(http.StatusOK, doc.ContentType, doc.RawData)
}

func (h *ArtifactHandler) authorizeDownload(c echo.Context, component *model.Component, artifactID uuid.UUID) error {
	decision, _, err := h.evaluateComponentAccess(c, component)
	if err != nil {
		return err
	}
	if decision.Allow {
		return nil
	}

	token := c.QueryParam("token")
	if token == "" {
		return denyError(decision)
	}
	claims, err := h.signer.Verify(token)
	if err != nil || claims.ArtifactID != artifactID {
		return apperror.New(apperror.KindNotAuthorized, "invalid or expired download token")
	}
	rec, err := h.tokens.GetByHash(c.Request().Context(), signedurl.HashToken(token))
	if err != nil || rec == nil || rec.Expired(time.Now()) || !signedurl.HashMatches(token, rec.TokenHash) {
		return apperror.New(apperror.KindNotAuthorized, "download token has been revoked or has expired")
	}
	return nil
}

func denyError(decision access.Decision) error {
	if decision.DenyReason == apperror.KindNDARequired && decision.RequireNDAWorkspaceID != nil {
		return apperror.WithDetails(decision.DenyReason, "signing the workspace's current NDA is required to access this artifact",
			map[string]any{"nda_workspace_id": *decision.RequireNDAWorkspaceID})
	}
	return apperror.New(decision.DenyReason, "access to this artifact is not permitted")
}
