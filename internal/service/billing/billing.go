// Package billing implements C4 (plan/subscription state) and C5 (the
// Stripe webhook consumer and checkout-return reconciliation) per spec
// §4.4. It is the only package that calls out to Stripe or writes a
// Subscription row.
package billing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sbomhub/sbomhub/internal/apperror"
	"github.com/sbomhub/sbomhub/internal/broadcast"
	"github.com/sbomhub/sbomhub/internal/model"
	"github.com/sbomhub/sbomhub/internal/repository"
	"github.com/sbomhub/sbomhub/internal/stripeclient"
	"github.com/stripe/stripe-go/v84"
)

// priceToPlan maps a Stripe price ID to our internal plan name. Populated
// from config at construction time since price IDs are account-specific.
type priceToPlan map[string]string

type Service struct {
	repo        *repository.BillingRepository
	workspaces  *repository.WorkspaceRepository
	gateway     stripeclient.Gateway
	prices      priceToPlan
	broadcaster broadcast.Broadcaster
}

func New(repo *repository.BillingRepository, workspaces *repository.WorkspaceRepository, gateway stripeclient.Gateway, prices map[string]string, b broadcast.Broadcaster) *Service {
	return &Service{repo: repo, workspaces: workspaces, gateway: gateway, prices: priceToPlan(prices), broadcaster: b}
}

func (s *Service) planForPrice(priceID string) string {
	if plan, ok := s.prices[priceID]; ok {
		return plan
	}
	return model.PlanFree
}

// HandleWebhook verifies and dispatches a Stripe event per the §4.4(a)
// event-type table. It is idempotent: ProcessedWebhookEvent dedups retried
// deliveries of the same event id before any mutation happens.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) error {
	event, err := s.gateway.VerifyWebhook(payload, sigHeader)
	if err != nil {
		return apperror.Wrap(apperror.KindInvalidInput, "invalid webhook signature", err)
	}

	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, "begin tx", err)
	}
	defer tx.Rollback()

	fresh, err := s.repo.MarkEventProcessed(ctx, tx, event.ID, string(event.Type))
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, "mark event processed", err)
	}
	if !fresh {
		return tx.Commit()
	}

	switch event.Type {
	case "checkout.session.completed":
		err = s.onCheckoutCompleted(ctx, tx, event)
	case "customer.subscription.created", "customer.subscription.updated":
		err = s.onSubscriptionUpdated(ctx, tx, event)
	case "customer.subscription.deleted":
		err = s.onSubscriptionDeleted(ctx, tx, event)
	case "invoice.payment_failed":
		err = s.onPaymentFailed(ctx, tx, event)
	case "invoice.payment_succeeded":
		err = s.onPaymentSucceeded(ctx, tx, event)
	default:
		// Unhandled event types are acknowledged, not errors: Stripe's event
		// catalog is broader than what this platform reacts to.
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Service) onCheckoutCompleted(ctx context.Context, tx *sql.Tx, event stripe.Event) error {
	var session struct {
		Customer     string `json:"customer"`
		Subscription string `json:"subscription"`
		ClientRefID  string `json:"client_reference_id"`
	}
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return apperror.Wrap(apperror.KindInternal, "decode checkout.session payload", err)
	}
	workspaceID, err := uuid.Parse(session.ClientRefID)
	if err != nil {
		return apperror.Wrap(apperror.KindInvalidInput, "checkout session missing workspace reference", err)
	}

	view, err := s.gateway.RetrieveSubscription(ctx, session.Subscription)
	if err != nil {
		return apperror.Wrap(apperror.KindProviderError, "retrieve stripe subscription", err)
	}

	return s.reconcile(ctx, tx, workspaceID, session.Customer, view)
}

func (s *Service) onSubscriptionUpdated(ctx context.Context, tx *sql.Tx, event stripe.Event) error {
	var raw stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &raw); err != nil {
		return apperror.Wrap(apperror.KindInternal, "decode subscription payload", err)
	}

	existing, err := s.repo.GetByStripeSubscriptionID(ctx, raw.ID)
	if errors.Is(err, sql.ErrNoRows) {
		// Subscription update arrived before checkout.session.completed was
		// processed; nothing to reconcile against yet.
		return nil
	}
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, "load subscription", err)
	}

	view, err := s.gateway.RetrieveSubscription(ctx, raw.ID)
	if err != nil {
		return apperror.Wrap(apperror.KindProviderError, "retrieve stripe subscription", err)
	}
	return s.reconcile(ctx, tx, existing.WorkspaceID, existing.StripeCustomerID, view)
}

func (s *Service) onSubscriptionDeleted(ctx context.Context, tx *sql.Tx, event stripe.Event) error {
	var raw stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &raw); err != nil {
		return apperror.Wrap(apperror.KindInternal, "decode subscription payload", err)
	}

	existing, err := s.repo.GetByStripeSubscriptionID(ctx, raw.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, "load subscription", err)
	}

	now := time.Now()
	existing.Status = model.SubStatusCanceled
	existing.CancelledAt = &now
	existing.Plan = model.PlanFree
	existing.ScheduledDowngradePlan = ""
	if err := s.repo.UpdateTx(ctx, tx, existing); err != nil {
		return apperror.Wrap(apperror.KindInternal, "update subscription", err)
	}
	if err := s.workspaces.UpdatePlan(ctx, existing.WorkspaceID, model.PlanFree); err != nil {
		return apperror.Wrap(apperror.KindInternal, "downgrade workspace plan", err)
	}

	s.broadcaster.Send(ctx, existing.WorkspaceID.String(), "subscription_cancelled", map[string]any{"workspace_id": existing.WorkspaceID})
	return nil
}

func (s *Service) onPaymentFailed(ctx context.Context, tx *sql.Tx, event stripe.Event) error {
	var invoice struct {
		Subscription string `json:"subscription"`
	}
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return apperror.Wrap(apperror.KindInternal, "decode invoice payload", err)
	}
	if invoice.Subscription == "" {
		return nil
	}

	existing, err := s.repo.GetByStripeSubscriptionID(ctx, invoice.Subscription)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, "load subscription", err)
	}

	existing.Status = model.SubStatusPastDue
	if err := s.repo.UpdateTx(ctx, tx, existing); err != nil {
		return apperror.Wrap(apperror.KindInternal, "update subscription", err)
	}

	s.broadcaster.Send(ctx, existing.WorkspaceID.String(), "payment_failed", map[string]any{"workspace_id": existing.WorkspaceID})
	return nil
}

func (s *Service) onPaymentSucceeded(ctx context.Context, tx *sql.Tx, event stripe.Event) error {
	var invoice struct {
		Subscription string `json:"subscription"`
		AmountPaid   int64  `json:"amount_paid"`
		Currency     string `json:"currency"`
	}
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return apperror.Wrap(apperror.KindInternal, "decode invoice payload", err)
	}
	if invoice.Subscription == "" {
		return nil
	}

	existing, err := s.repo.GetByStripeSubscriptionID(ctx, invoice.Subscription)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, "load subscription", err)
	}

	existing.LastPaymentAmount = invoice.AmountPaid
	existing.LastPaymentCurrency = invoice.Currency
	if existing.Status == model.SubStatusPastDue {
		existing.Status = model.SubStatusActive
	}
	if err := s.repo.UpdateTx(ctx, tx, existing); err != nil {
		return apperror.Wrap(apperror.KindInternal, "update subscription", err)
	}

	s.broadcaster.Send(ctx, existing.WorkspaceID.String(), "payment_succeeded", map[string]any{"workspace_id": existing.WorkspaceID})
	return nil
}

// CheckoutReturn reconciles a subscription on the user-facing return from
// Stripe Checkout, ahead of the webhook arriving. It is idempotent: if the
// stripe_subscription_id already matches, it is a no-op rather than a
// duplicate write (§4.4).
func (s *Service) CheckoutReturn(ctx context.Context, workspaceID uuid.UUID, sessionID string) (*model.Subscription, error) {
	cs, err := s.gateway.RetrieveCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindProviderError, "retrieve checkout session", err)
	}
	if cs.PaymentStatus != "paid" && cs.PaymentStatus != "no_payment_required" {
		return nil, apperror.New(apperror.KindInvalidInput, "checkout session has not completed payment")
	}

	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "begin tx", err)
	}
	defer tx.Rollback()

	existing, err := s.workspaces.GetByIDForUpdate(ctx, tx, workspaceID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "lock workspace", err)
	}
	_ = existing

	if sub, err := s.repo.GetByWorkspaceIDForUpdate(ctx, tx, workspaceID); err == nil && sub.StripeSubscriptionID == cs.SubscriptionID {
		// Already reconciled, likely by the webhook beating us here.
		if err := tx.Commit(); err != nil {
			return nil, apperror.Wrap(apperror.KindInternal, "commit", err)
		}
		return sub, nil
	} else if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.Wrap(apperror.KindInternal, "lock subscription", err)
	}

	view, err := s.gateway.RetrieveSubscription(ctx, cs.SubscriptionID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindProviderError, "retrieve stripe subscription", err)
	}

	sub, err := s.reconcileTx(ctx, tx, workspaceID, cs.CustomerID, view)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "commit", err)
	}
	return sub, nil
}

func (s *Service) reconcile(ctx context.Context, tx *sql.Tx, workspaceID uuid.UUID, customerID string, view *stripeclient.SubscriptionView) error {
	_, err := s.reconcileTx(ctx, tx, workspaceID, customerID, view)
	return err
}

// reconcileTx upserts the Subscription row and the workspace's plan from a
// StripeSubscriptionView, honoring the downgrade-protection rule: a
// cancel-at-period-end to a lower plan is recorded as a scheduled downgrade
// rather than applied immediately, so the workspace keeps its paid limits
// through the remainder of the billing period.
func (s *Service) reconcileTx(ctx context.Context, tx *sql.Tx, workspaceID uuid.UUID, customerID string, view *stripeclient.SubscriptionView) (*model.Subscription, error) {
	targetPlan := s.planForPrice(view.PriceID)

	existing, err := s.repo.GetByWorkspaceIDForUpdate(ctx, tx, workspaceID)
	now := time.Now()

	if errors.Is(err, sql.ErrNoRows) {
		periodEnd := view.CurrentPeriodEnd
		newSub := &model.Subscription{
			ID: uuid.New(), WorkspaceID: workspaceID, StripeCustomerID: customerID,
			StripeSubscriptionID: view.ID, StripePriceID: view.PriceID, Status: view.Status,
			Plan: targetPlan, CancelAtPeriodEnd: view.CancelAtPeriodEnd,
			CurrentPeriodStart: &view.CurrentPeriodStart, CurrentPeriodEnd: &view.CurrentPeriodEnd,
			NextBillingDate: &periodEnd,
			IsTrial:         view.Status == model.SubStatusTrialing,
			TrialEnd:        view.TrialEnd,
			CreatedAt:       now, UpdatedAt: now,
		}
		if err := s.repo.Create(ctx, newSub); err != nil {
			return nil, apperror.Wrap(apperror.KindInternal, "create subscription", err)
		}
		if err := s.workspaces.UpdatePlan(ctx, workspaceID, targetPlan); err != nil {
			return nil, apperror.Wrap(apperror.KindInternal, "update workspace plan", err)
		}
		return newSub, nil
	}
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "lock subscription", err)
	}

	isDowngrade := planRank(targetPlan) < planRank(existing.Plan)
	applyNow := !isDowngrade || !view.CancelAtPeriodEnd

	periodEnd := view.CurrentPeriodEnd
	existing.StripeSubscriptionID = view.ID
	existing.StripePriceID = view.PriceID
	existing.Status = view.Status
	existing.CancelAtPeriodEnd = view.CancelAtPeriodEnd
	existing.CurrentPeriodStart = &view.CurrentPeriodStart
	existing.CurrentPeriodEnd = &view.CurrentPeriodEnd
	existing.NextBillingDate = &periodEnd
	existing.IsTrial = view.Status == model.SubStatusTrialing
	existing.TrialEnd = view.TrialEnd

	if applyNow {
		existing.Plan = targetPlan
		existing.ScheduledDowngradePlan = ""
	} else {
		existing.ScheduledDowngradePlan = targetPlan
	}

	if err := s.repo.UpdateTx(ctx, tx, existing); err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "update subscription", err)
	}
	if applyNow {
		if err := s.workspaces.UpdatePlan(ctx, workspaceID, targetPlan); err != nil {
			return nil, apperror.Wrap(apperror.KindInternal, "update workspace plan", err)
		}
	}
	return existing, nil
}

var planOrder = map[string]int{
	model.PlanFree: 0, model.PlanStarter: 1, model.PlanPro: 2, model.PlanTeam: 3, model.PlanEnterprise: 4,
}

func planRank(plan string) int {
	if r, ok := planOrder[plan]; ok {
		return r
	}
	return 0
}

// ApplyDueDowngrades is the scheduler job (§9) that promotes a scheduled
// downgrade once its current billing period has actually ended. Run on a
// periodic sweep rather than a per-subscription timer, matching the
// teacher's cron-driven housekeeping convention.
func (s *Service) ApplyDueDowngrades(ctx context.Context) error {
	due, err := s.repo.ListDueDowngrades(ctx, time.Now())
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, "list due downgrades", err)
	}

	for _, subRow := range due {
		subRow := subRow
		subRow.Plan = subRow.ScheduledDowngradePlan
		subRow.ScheduledDowngradePlan = ""
		if err := s.repo.Update(ctx, &subRow); err != nil {
			return apperror.Wrap(apperror.KindInternal, "apply scheduled downgrade", err)
		}
		if err := s.workspaces.UpdatePlan(ctx, subRow.WorkspaceID, subRow.Plan); err != nil {
			return apperror.Wrap(apperror.KindInternal, "update workspace plan", err)
		}
		s.broadcaster.Send(ctx, subRow.WorkspaceID.String(), "plan_downgraded", map[string]any{"plan": subRow.Plan})
	}
	return nil
}

// NotifyTrialTransitions is the scheduler job (§4.4(a)) that sweeps active
// trials and broadcasts "trial_ending" once a trial enters its closing
// window and "trial_expired" once TrialEnd has passed, mirroring
// ApplyDueDowngrades's periodic-sweep shape rather than a per-subscription
// timer.
func (s *Service) NotifyTrialTransitions(ctx context.Context) error {
	trials, err := s.repo.ListActiveTrials(ctx)
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, "list active trials", err)
	}

	now := time.Now()
	for _, subRow := range trials {
		subRow := subRow
		switch {
		case subRow.TrialExpired(now):
			s.broadcaster.Send(ctx, subRow.WorkspaceID.String(), "trial_expired", map[string]any{"workspace_id": subRow.WorkspaceID})
		case subRow.TrialEndingSoon(now):
			s.broadcaster.Send(ctx, subRow.WorkspaceID.String(), "trial_ending", map[string]any{"workspace_id": subRow.WorkspaceID, "trial_end": subRow.TrialEnd})
		}
	}
	return nil
}

// PullRefresh re-fetches a workspace's subscription from Stripe on demand,
// for the admin "refresh billing status" action when a webhook delivery is
// suspected lost.
func (s *Service) PullRefresh(ctx context.Context, workspaceID uuid.UUID) (*model.Subscription, error) {
	existing, err := s.repo.GetByWorkspaceID(ctx, workspaceID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "load subscription", err)
	}

	view, err := s.gateway.RetrieveSubscription(ctx, existing.StripeSubscriptionID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindProviderError, "retrieve stripe subscription", err)
	}

	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "begin tx", err)
	}
	defer tx.Rollback()

	sub, err := s.reconcileTx(ctx, tx, workspaceID, existing.StripeCustomerID, view)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "commit", err)
	}
	return sub, nil
}

func (s *Service) GetSubscription(ctx context.Context, workspaceID uuid.UUID) (*model.Subscription, error) {
	sub, err := s.repo.GetByWorkspaceID(ctx, workspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.New(apperror.KindNotFound, "no subscription on record for this workspace")
	}
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "load subscription", err)
	}
	return sub, nil
}
