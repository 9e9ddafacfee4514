package model

import (
	"time"

	"github.com/google/uuid"
)

// Plan name constants, kept from the teacher's tier naming.
const (
	PlanFree       = "free"
	PlanStarter    = "starter"
	PlanPro        = "pro"
	PlanTeam       = "team"
	PlanEnterprise = "enterprise"
)

// BillingPlan is the catalog row; PlanLimits is its embedded limits struct
// per §3.1 rather than a joined table, since limits never change independent
// of the plan they describe.
type BillingPlan struct {
	Plan        string      `json:"plan" db:"plan"`
	DisplayName string      `json:"display_name" db:"display_name"`
	StripePrice string      `json:"stripe_price_id,omitempty" db:"stripe_price_id"`
	Limits      PlanLimits  `json:"limits" db:"limits"`
}

type PlanLimits struct {
	MaxMembers    int             `json:"max_members"`
	MaxProducts   int             `json:"max_products"`
	MaxProjects   int             `json:"max_projects"`
	MaxComponents int             `json:"max_components"`
	MaxArtifacts  int             `json:"max_artifacts"`
	Features      map[string]bool `json:"features"`
}

// IsUnlimited reports whether value represents "no limit" (-1), the
// teacher's convention for unbounded plan fields.
func IsUnlimited(value int) bool {
	return value == -1
}

func CheckLimit(current, limit int) bool {
	if IsUnlimited(limit) {
		return true
	}
	return current < limit
}

func (pl *PlanLimits) HasFeature(feature string) bool {
	if pl.Features == nil {
		return false
	}
	return pl.Features[feature]
}

// DefaultPlanLimits embeds the §3.1 "Workspaces on the free plan may never
// set any item non-public" rule as the absence of the "private_visibility"
// feature, consulted by the catalog service's visibility toggle guard.
func DefaultPlanLimits(plan string) PlanLimits {
	switch plan {
	case PlanFree:
		return PlanLimits{MaxMembers: 3, MaxProducts: 2, MaxProjects: 5, MaxComponents: 5, MaxArtifacts: 20,
			Features: map[string]bool{"custom_domain": false, "nda_gating": false, "private_visibility": false}}
	case PlanStarter:
		return PlanLimits{MaxMembers: 10, MaxProducts: 10, MaxProjects: 50, MaxComponents: 200, MaxArtifacts: 200,
			Features: map[string]bool{"custom_domain": false, "nda_gating": true, "private_visibility": true}}
	case PlanPro:
		return PlanLimits{MaxMembers: 30, MaxProducts: -1, MaxProjects: -1, MaxComponents: -1, MaxArtifacts: -1,
			Features: map[string]bool{"custom_domain": true, "nda_gating": true, "private_visibility": true}}
	case PlanTeam, PlanEnterprise:
		return PlanLimits{MaxMembers: -1, MaxProducts: -1, MaxProjects: -1, MaxComponents: -1, MaxArtifacts: -1,
			Features: map[string]bool{"custom_domain": true, "nda_gating": true, "private_visibility": true}}
	default:
		return DefaultPlanLimits(PlanFree)
	}
}

// Subscription mirrors the Stripe subscription for a Workspace. It is the
// row the webhook consumer (C5) reconciles and the row the checkout-return
// handler locks with SELECT ... FOR UPDATE before mutating.
type Subscription struct {
	ID                   uuid.UUID  `json:"id" db:"id"`
	WorkspaceID          uuid.UUID  `json:"workspace_id" db:"workspace_id"`
	StripeCustomerID     string     `json:"stripe_customer_id" db:"stripe_customer_id"`
	StripeSubscriptionID string     `json:"stripe_subscription_id" db:"stripe_subscription_id"`
	StripePriceID        string     `json:"stripe_price_id,omitempty" db:"stripe_price_id"`
	Status               string     `json:"status" db:"status"`
	Plan                 string     `json:"plan" db:"plan"`
	CancelAtPeriodEnd    bool       `json:"cancel_at_period_end" db:"cancel_at_period_end"`
	// ScheduledDowngradePlan is set when a downgrade is requested mid-cycle:
	// the workspace keeps its current plan's limits until CurrentPeriodEnd,
	// then the downgrade sweep (billing.Service.ApplyDueDowngrades) applies
	// this plan (§9 downgrade-protection).
	ScheduledDowngradePlan string     `json:"scheduled_downgrade_plan,omitempty" db:"scheduled_downgrade_plan"`
	CurrentPeriodStart   *time.Time `json:"current_period_start,omitempty" db:"current_period_start"`
	CurrentPeriodEnd     *time.Time `json:"current_period_end,omitempty" db:"current_period_end"`
	CancelledAt          *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"`
	// LastPaymentAmount/LastPaymentCurrency mirror the most recent
	// invoice.payment_succeeded event; NextBillingDate mirrors the
	// subscription's current period end at the time of that reconciliation.
	LastPaymentAmount   int64      `json:"last_payment_amount,omitempty" db:"last_payment_amount"`
	LastPaymentCurrency string     `json:"last_payment_currency,omitempty" db:"last_payment_currency"`
	NextBillingDate     *time.Time `json:"next_billing_date,omitempty" db:"next_billing_date"`
	// IsTrial/TrialEnd track Stripe's trial state directly so the consumer
	// doesn't have to infer it from Status == "trialing" alone once the
	// trial has lapsed into "active".
	IsTrial   bool       `json:"is_trial" db:"is_trial"`
	TrialEnd  *time.Time `json:"trial_end,omitempty" db:"trial_end"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

const (
	SubStatusTrialing = "trialing"
	SubStatusActive   = "active"
	SubStatusPastDue  = "past_due"
	SubStatusUnpaid   = "unpaid"
	SubStatusCanceled = "canceled"
)

func (s *Subscription) IsActive() bool {
	return s.Status == SubStatusTrialing || s.Status == SubStatusActive || s.Status == SubStatusPastDue
}

// PaymentSuspended is true once the provider has marked the subscription
// unpaid/canceled. The access resolver (C7) then denies reads to every
// caller except workspace owners/admins.
func (s *Subscription) PaymentSuspended() bool {
	return s.Status == SubStatusUnpaid || s.Status == SubStatusCanceled
}

// trialEndingWindow is how far ahead of TrialEnd the notification sweep
// (§4.4(a)) warns a workspace before its trial lapses.
const trialEndingWindow = 72 * time.Hour

// TrialEndingSoon reports whether this subscription's trial ends within the
// notification window but hasn't ended yet.
func (s *Subscription) TrialEndingSoon(asOf time.Time) bool {
	if !s.IsTrial || s.TrialEnd == nil {
		return false
	}
	return s.TrialEnd.After(asOf) && s.TrialEnd.Before(asOf.Add(trialEndingWindow))
}

// TrialExpired reports whether this subscription is still flagged as
// trialing but its TrialEnd has already passed.
func (s *Subscription) TrialExpired(asOf time.Time) bool {
	if !s.IsTrial || s.TrialEnd == nil {
		return false
	}
	return !s.TrialEnd.After(asOf)
}

// ProcessedWebhookEvent records a Stripe event ID already applied, giving
// the webhook consumer idempotency across provider retries.
type ProcessedWebhookEvent struct {
	StripeEventID string    `json:"stripe_event_id" db:"stripe_event_id"`
	EventType     string    `json:"event_type" db:"event_type"`
	ProcessedAt   time.Time `json:"processed_at" db:"processed_at"`
}
