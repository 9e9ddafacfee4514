package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sbomhub/sbomhub/internal/broadcast"
	"github.com/sbomhub/sbomhub/internal/config"
	"github.com/sbomhub/sbomhub/internal/database"
	"github.com/sbomhub/sbomhub/internal/domain"
	"github.com/sbomhub/sbomhub/internal/handler"
	"github.com/sbomhub/sbomhub/internal/identity"
	appmw "github.com/sbomhub/sbomhub/internal/middleware"
	"github.com/sbomhub/sbomhub/internal/redis"
	"github.com/sbomhub/sbomhub/internal/repository"
	"github.com/sbomhub/sbomhub/internal/scheduler"
	"github.com/sbomhub/sbomhub/internal/service/access"
	"github.com/sbomhub/sbomhub/internal/service/accessrequest"
	"github.com/sbomhub/sbomhub/internal/service/artifact"
	"github.com/sbomhub/sbomhub/internal/service/billing"
	"github.com/sbomhub/sbomhub/internal/service/catalog"
	"github.com/sbomhub/sbomhub/internal/service/release"
	"github.com/sbomhub/sbomhub/internal/service/workspace"
	"github.com/sbomhub/sbomhub/internal/signedurl"
	"github.com/sbomhub/sbomhub/internal/stripeclient"
	"github.com/sbomhub/sbomhub/migrations"
)

func main() {
	// Load .env file if it exists (for local development)
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Run migrations automatically on startup
	if err := database.Migrate(db, migrations.FS); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	rdb, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	slog.Info("Starting sbomhub", "mode", cfg.Mode(), "auth_enabled", cfg.IsAuthEnabled(), "billing_enabled", cfg.BillingEnabled())

	signer, err := signedurl.NewSigner(cfg.SignedURLSecret)
	if err != nil {
		slog.Error("Failed to initialize signed url signer", "error", err)
		os.Exit(1)
	}

	verifier := identity.NewVerifier(cfg.IdentitySecret)

	var bcast broadcast.Broadcaster = broadcast.NewRedisBroadcaster(rdb)
	if cfg.IsSelfHosted() {
		bcast = broadcast.NoopBroadcaster{}
	}

	// Repositories
	workspaceRepo := repository.NewWorkspaceRepository(db)
	userRepo := repository.NewUserRepository(db)
	catalogRepo := repository.NewCatalogRepository(db)
	artifactRepo := repository.NewArtifactRepository(db)
	billingRepo := repository.NewBillingRepository(db)
	accessRequestRepo := repository.NewAccessRequestRepository(db)
	releaseRepo := repository.NewReleaseRepository(db)
	accessTokenRepo := repository.NewAccessTokenRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	// Gateways
	var stripeGateway stripeclient.Gateway
	if cfg.StripeSecretKey != "" {
		stripeGateway = stripeclient.New(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
	}
	priceToPlan := map[string]string{
		cfg.StripePriceStarter: "starter",
		cfg.StripePricePro:     "pro",
		cfg.StripePriceTeam:    "team",
	}

	domainResolver := domain.New(workspaceRepo, rdb, cfg.BaseURL, cfg.Environment, "localhost", "127.0.0.1")

	// Services
	accessResolver := access.NewResolver(accessRequestRepo)
	workspaceService := workspace.New(workspaceRepo, userRepo, billingRepo, bcast)
	catalogService := catalog.New(catalogRepo, billingRepo, bcast, cfg.BillingEnabled())
	artifactService := artifact.New(artifactRepo, catalogRepo, billingRepo, bcast)
	accessRequestService := accessrequest.New(accessRequestRepo, userRepo, rdb, bcast)
	releaseService := release.New(releaseRepo, artifactRepo, catalogRepo, accessResolver, signer)
	billingService := billing.New(billingRepo, workspaceRepo, stripeGateway, priceToPlan, bcast)

	// Handlers
	workspaceHandler := handler.NewWorkspaceHandler(workspaceService, userRepo)
	catalogHandler := handler.NewCatalogHandler(catalogService, catalogRepo)
	artifactHandler := handler.NewArtifactHandler(artifactService, artifactRepo, catalogRepo, billingRepo, workspaceRepo, accessResolver, accessTokenRepo, signer)
	releaseHandler := handler.NewReleaseHandler(releaseService, releaseRepo, catalogRepo, workspaceRepo, billingRepo, accessTokenRepo, signer, cfg.BaseURL)
	accessRequestHandler := handler.NewAccessRequestHandler(accessRequestService, accessRequestRepo, catalogRepo, userRepo)
	billingHandler := handler.NewBillingHandler(billingService)
	domainHandler := handler.NewDomainHandler(domainResolver, workspaceRepo, billingRepo)

	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	// Limit request body size at the framework level; the artifact upload
	// handlers apply their own tighter ceiling on top of this.
	e.Use(middleware.BodyLimit("35M"))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  []string{cfg.BaseURL, "http://localhost:3000", "http://localhost:*"},
		AllowMethods:  []string{echo.GET, echo.POST, echo.PUT, echo.PATCH, echo.DELETE},
		AllowHeaders:  []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		ExposeHeaders: []string{echo.HeaderContentDisposition, echo.HeaderContentLength, echo.HeaderContentType},
	}))

	// Well-known probe (no auth, no /api/v1 prefix — polled by the edge/TLS
	// layer directly against the bare host).
	e.GET("/.well-known/sbomhub-domain-check", domainHandler.Probe)

	// Webhook endpoints (no auth required; verified by provider signature).
	e.POST("/api/webhooks/stripe", billingHandler.Webhook)

	api := e.Group("/api/v1")

	api.GET("/health", func(c echo.Context) error {
		return c.JSON(200, map[string]string{"status": "ok", "mode": string(cfg.Mode())})
	})

	// Internal, network-policy-secured edge lookup (§6): never behind the
	// Auth middleware, since the edge layer calls it before any session exists.
	api.GET("/internal/domains", domainHandler.InternalLookup)

	authMiddleware := appmw.Auth(cfg, verifier, workspaceRepo, userRepo)
	optionalAuthMiddleware := appmw.OptionalAuth(cfg, verifier, workspaceRepo, userRepo)
	auditMiddleware := appmw.Audit(auditRepo)

	// Public/gated read paths: the caller may be anonymous. access.Resolver
	// (C7) is what decides whether the request proceeds, not this middleware.
	public := api.Group("", optionalAuthMiddleware)
	public.GET("/releases/:id", releaseHandler.Get)
	public.GET("/releases/:id/compose", releaseHandler.Compose)
	public.GET("/sboms/:sbom_id/download", artifactHandler.DownloadSBOM)
	public.GET("/documents/:document_id/download", artifactHandler.DownloadDocument)

	// Authenticated endpoints.
	auth := api.Group("", authMiddleware, auditMiddleware)

	auth.GET("/me", func(c echo.Context) error {
		wc := appmw.NewWorkspaceContext(c)
		return c.JSON(200, map[string]interface{}{
			"user":        wc.User(),
			"workspace":   wc.Workspace(),
			"role":        wc.Role(),
			"self_hosted": wc.IsSelfHosted(),
		})
	})

	// Workspace & membership (C3)
	auth.POST("/workspaces", workspaceHandler.Create)
	auth.GET("/workspaces/memberships", workspaceHandler.ListMemberships)
	auth.PUT("/workspaces/current", workspaceHandler.Rename)
	auth.DELETE("/workspaces/current", workspaceHandler.Delete)
	auth.POST("/workspaces/:id/default", workspaceHandler.SetDefault)
	auth.GET("/workspaces/members", workspaceHandler.ListMembers)
	auth.POST("/workspaces/members", workspaceHandler.Invite, appmw.CheckMemberLimit(billingRepo, userRepo))
	auth.PATCH("/workspaces/members/:user_id", workspaceHandler.ChangeRole)
	auth.DELETE("/workspaces/members/:user_id", workspaceHandler.RemoveMember)
	auth.POST("/invitations/:token/accept", workspaceHandler.AcceptInvitation)
	auth.POST("/invitations/:token/decline", workspaceHandler.DeclineInvitation)

	// Custom domains (C2), gated by plan feature.
	customDomainFeature := appmw.CheckFeature("custom_domain", billingRepo)
	auth.POST("/domains", domainHandler.CreateCustomDomain, customDomainFeature)
	auth.GET("/domains", domainHandler.ListCustomDomains)

	// Catalog: products/projects/components (§3.1/§4.8)
	productLimit := appmw.CheckProductLimit(billingRepo, catalogRepo)
	auth.POST("/products", catalogHandler.CreateProduct, productLimit)
	auth.GET("/products", catalogHandler.ListProducts)
	auth.GET("/products/:id", catalogHandler.GetProduct)
	auth.PATCH("/products/:id/visibility", catalogHandler.PatchProductVisibility)
	auth.DELETE("/products/:id", catalogHandler.DeleteProduct)

	auth.POST("/products/:id/projects", catalogHandler.CreateProject)
	auth.GET("/products/:id/projects", catalogHandler.ListProjects)
	auth.GET("/projects/:project_id", catalogHandler.GetProject)
	auth.PATCH("/projects/:project_id/visibility", catalogHandler.PatchProjectVisibility)
	auth.DELETE("/projects/:project_id", catalogHandler.DeleteProject)

	auth.POST("/projects/:project_id/components", catalogHandler.CreateComponent)
	auth.POST("/components", catalogHandler.CreateComponent)
	auth.GET("/projects/:project_id/components", catalogHandler.ListComponents)
	auth.GET("/components/:component_id", catalogHandler.GetComponent)
	auth.PATCH("/components/:component_id/visibility", catalogHandler.PatchComponentVisibility)
	auth.DELETE("/components/:component_id", catalogHandler.DeleteComponent)
	auth.GET("/search", catalogHandler.Search)

	// Artifacts: SBOM/document upload and the authenticated side of C7/C10
	auth.POST("/components/:component_id/sboms", artifactHandler.UploadSBOM)
	auth.GET("/components/:component_id/sboms", artifactHandler.ListSBOMs)
	auth.POST("/sboms/:sbom_id/download-request", artifactHandler.RequestSBOMDownload)
	auth.POST("/components/:component_id/documents", artifactHandler.UploadDocument)
	auth.GET("/components/:component_id/documents", artifactHandler.ListDocuments)
	auth.POST("/documents/:document_id/download-request", artifactHandler.RequestDocumentDownload)

	// Releases (C9)
	auth.POST("/products/:product_id/releases", releaseHandler.Create)
	auth.GET("/products/:product_id/releases/latest", releaseHandler.GetLatest)

	// Access requests & NDA (C6)
	auth.POST("/access-requests", accessRequestHandler.Create)
	auth.POST("/access-requests/sign-nda", accessRequestHandler.SignNDA)
	auth.GET("/nda", accessRequestHandler.GetNDADocument)
	auth.PUT("/nda", accessRequestHandler.UpsertNDADocument, appmw.CheckFeature("nda_gating", billingRepo))
	auth.GET("/access-requests/pending", accessRequestHandler.ListPending)
	auth.GET("/access-requests/pending/count", accessRequestHandler.PendingCount)
	auth.POST("/access-requests/:id/approve", accessRequestHandler.Approve)
	auth.POST("/access-requests/:id/reject", accessRequestHandler.Reject)
	auth.POST("/access-requests/:id/revoke", accessRequestHandler.Revoke)

	// Billing (C4/C5)
	auth.GET("/billing/subscription", billingHandler.GetSubscription)
	auth.GET("/billing/checkout-return", billingHandler.CheckoutReturn)
	auth.POST("/billing/pull-refresh", billingHandler.PullRefresh)

	// Background jobs: domain revalidation (C2) and subscription downgrade
	// sweep (C5). Errors are logged, never fatal, by scheduler.AddJob.
	sched := scheduler.New()
	if err := sched.AddJob("domain-revalidation", "0 */6 * * *", domainResolver.RevalidateSweep); err != nil {
		slog.Error("failed to register domain revalidation job", "error", err)
	}
	if err := sched.AddJob("billing-downgrade-sweep", "0 * * * *", billingService.ApplyDueDowngrades); err != nil {
		slog.Error("failed to register billing downgrade sweep", "error", err)
	}
	if err := sched.AddJob("trial-notification-sweep", "*/15 * * * *", billingService.NotifyTrialTransitions); err != nil {
		slog.Error("failed to register trial notification sweep", "error", err)
	}
	sched.Start()
	defer sched.Stop()

	slog.Info("Starting server", "port", cfg.Port)
	e.Logger.Fatal(e.Start(":" + cfg.Port))
}
