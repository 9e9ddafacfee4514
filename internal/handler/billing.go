package handler

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sbomhub/sbomhub/internal/middleware"
	"github.com/sbomhub/sbomhub/internal/service/billing"
)

const maxWebhookBodyBytes = 1 << 20 // 1MiB, matching the teacher's webhook body ceiling

// BillingHandler implements C4/C5's HTTP surface: the Stripe webhook sink,
// checkout-return reconciliation, and subscription read endpoints.
type BillingHandler struct {
	billing *billing.Service
}

func NewBillingHandler(billingSvc *billing.Service) *BillingHandler {
	return &BillingHandler{billing: billingSvc}
}

// Webhook is deliberately unauthenticated (Stripe calls it directly) — the
// signature header is the only trust boundary, verified inside the service.
func (h *BillingHandler) Webhook(c echo.Context) error {
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBodyBytes+1))
	if err != nil {
		return badRequest(c, "failed to read webhook body")
	}
	if len(payload) > maxWebhookBodyBytes {
		return badRequest(c, "webhook payload too large")
	}

	sigHeader := c.Request().Header.Get("Stripe-Signature")
	if err := h.billing.HandleWebhook(c.Request().Context(), payload, sigHeader); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusOK)
}

func (h *BillingHandler) CheckoutReturn(c echo.Context) error {
	sessionID := c.QueryParam("session_id")
	if sessionID == "" {
		return badRequest(c, "session_id is required")
	}
	sub, err := h.billing.CheckoutReturn(c.Request().Context(), middleware.GetWorkspaceID(c), sessionID)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, sub)
}

func (h *BillingHandler) PullRefresh(c echo.Context) error {
	sub, err := h.billing.PullRefresh(c.Request().Context(), middleware.GetWorkspaceID(c))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, sub)
}

func (h *BillingHandler) GetSubscription(c echo.Context) error {
	sub, err := h.billing.GetSubscription(c.Request().Context(), middleware.GetWorkspaceID(c))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, sub)
}
