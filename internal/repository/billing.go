package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/sbomhub/sbomhub/internal/model"
)

type BillingRepository struct {
	db *sql.DB
}

func NewBillingRepository(db *sql.DB) *BillingRepository {
	return &BillingRepository{db: db}
}

func (r *BillingRepository) Create(ctx context.Context, s *model.Subscription) error {
	query := `
		INSERT INTO subscriptions (
			id, workspace_id, stripe_customer_id, stripe_subscription_id, stripe_price_id,
			status, plan, cancel_at_period_end, scheduled_downgrade_plan, current_period_start, current_period_end,
			cancelled_at, last_payment_amount, last_payment_currency, next_billing_date, is_trial, trial_end,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err := r.db.ExecContext(ctx, query,
		s.ID, s.WorkspaceID, s.StripeCustomerID, s.StripeSubscriptionID, s.StripePriceID,
		s.Status, s.Plan, s.CancelAtPeriodEnd, s.ScheduledDowngradePlan, s.CurrentPeriodStart, s.CurrentPeriodEnd,
		s.CancelledAt, s.LastPaymentAmount, s.LastPaymentCurrency, s.NextBillingDate, s.IsTrial, s.TrialEnd,
		s.CreatedAt, s.UpdatedAt)
	return err
}

const subSelect = `
	SELECT id, workspace_id, stripe_customer_id, stripe_subscription_id, stripe_price_id,
		status, plan, cancel_at_period_end, scheduled_downgrade_plan, current_period_start, current_period_end,
		cancelled_at, last_payment_amount, last_payment_currency, next_billing_date, is_trial, trial_end,
		created_at, updated_at
	FROM subscriptions
`

func scanSub(row interface{ Scan(...interface{}) error }) (*model.Subscription, error) {
	var s model.Subscription
	err := row.Scan(&s.ID, &s.WorkspaceID, &s.StripeCustomerID, &s.StripeSubscriptionID, &s.StripePriceID,
		&s.Status, &s.Plan, &s.CancelAtPeriodEnd, &s.ScheduledDowngradePlan, &s.CurrentPeriodStart, &s.CurrentPeriodEnd,
		&s.CancelledAt, &s.LastPaymentAmount, &s.LastPaymentCurrency, &s.NextBillingDate, &s.IsTrial, &s.TrialEnd,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *BillingRepository) GetByWorkspaceID(ctx context.Context, workspaceID uuid.UUID) (*model.Subscription, error) {
	return scanSub(r.db.QueryRowContext(ctx, subSelect+` WHERE workspace_id = $1`, workspaceID))
}

// GetByWorkspaceIDForUpdate row-locks the subscription, used by the webhook
// consumer and checkout-return handler so concurrent reconciliation of the
// same workspace serializes instead of racing (§5).
func (r *BillingRepository) GetByWorkspaceIDForUpdate(ctx context.Context, tx *sql.Tx, workspaceID uuid.UUID) (*model.Subscription, error) {
	return scanSub(tx.QueryRowContext(ctx, subSelect+` WHERE workspace_id = $1 FOR UPDATE`, workspaceID))
}

func (r *BillingRepository) GetByStripeSubscriptionID(ctx context.Context, stripeSubID string) (*model.Subscription, error) {
	return scanSub(r.db.QueryRowContext(ctx, subSelect+` WHERE stripe_subscription_id = $1`, stripeSubID))
}

func (r *BillingRepository) Update(ctx context.Context, s *model.Subscription) error {
	query := `
		UPDATE subscriptions SET
			stripe_subscription_id = $1, stripe_price_id = $2, status = $3, plan = $4,
			cancel_at_period_end = $5, scheduled_downgrade_plan = $6, current_period_start = $7, current_period_end = $8,
			cancelled_at = $9, last_payment_amount = $10, last_payment_currency = $11, next_billing_date = $12,
			is_trial = $13, trial_end = $14, updated_at = $15
		WHERE id = $16
	`
	s.UpdatedAt = time.Now()
	_, err := r.db.ExecContext(ctx, query,
		s.StripeSubscriptionID, s.StripePriceID, s.Status, s.Plan, s.CancelAtPeriodEnd, s.ScheduledDowngradePlan,
		s.CurrentPeriodStart, s.CurrentPeriodEnd, s.CancelledAt, s.LastPaymentAmount, s.LastPaymentCurrency,
		s.NextBillingDate, s.IsTrial, s.TrialEnd, s.UpdatedAt, s.ID)
	return err
}

func (r *BillingRepository) UpdateTx(ctx context.Context, tx *sql.Tx, s *model.Subscription) error {
	query := `
		UPDATE subscriptions SET
			stripe_subscription_id = $1, stripe_price_id = $2, status = $3, plan = $4,
			cancel_at_period_end = $5, scheduled_downgrade_plan = $6, current_period_start = $7, current_period_end = $8,
			cancelled_at = $9, last_payment_amount = $10, last_payment_currency = $11, next_billing_date = $12,
			is_trial = $13, trial_end = $14, updated_at = $15
		WHERE id = $16
	`
	s.UpdatedAt = time.Now()
	_, err := tx.ExecContext(ctx, query,
		s.StripeSubscriptionID, s.StripePriceID, s.Status, s.Plan, s.CancelAtPeriodEnd, s.ScheduledDowngradePlan,
		s.CurrentPeriodStart, s.CurrentPeriodEnd, s.CancelledAt, s.LastPaymentAmount, s.LastPaymentCurrency,
		s.NextBillingDate, s.IsTrial, s.TrialEnd, s.UpdatedAt, s.ID)
	return err
}

func (r *BillingRepository) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return r.db.BeginTx(ctx, nil)
}

// --- webhook idempotency ---

// MarkEventProcessed inserts the event id, returning sql.ErrNoRows-free
// false if the event was already applied (ON CONFLICT DO NOTHING avoids the
// unique violation, and RowsAffected tells the two cases apart).
func (r *BillingRepository) MarkEventProcessed(ctx context.Context, tx *sql.Tx, eventID, eventType string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO processed_webhook_events (stripe_event_id, event_type) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		eventID, eventType)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListDueDowngrades returns subscriptions whose scheduled downgrade's
// current period has already ended, for the downgrade sweep
// (billing.Service.ApplyDueDowngrades) to apply (§9 downgrade-protection).
func (r *BillingRepository) ListDueDowngrades(ctx context.Context, asOf time.Time) ([]model.Subscription, error) {
	rows, err := r.db.QueryContext(ctx, subSelect+`
		WHERE scheduled_downgrade_plan != '' AND current_period_end IS NOT NULL AND current_period_end <= $1
	`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Subscription
	for rows.Next() {
		s, err := scanSub(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}

// ListActiveTrials returns every subscription still flagged is_trial, for
// the trial-notification sweep to classify into ending-soon/expired.
func (r *BillingRepository) ListActiveTrials(ctx context.Context) ([]model.Subscription, error) {
	rows, err := r.db.QueryContext(ctx, subSelect+`WHERE is_trial = TRUE`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Subscription
	for rows.Next() {
		s, err := scanSub(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}

// --- plan limits ---

func (r *BillingRepository) GetPlanLimits(ctx context.Context, plan string) model.PlanLimits {
	// Plan limits are a small fixed catalog; unlike the teacher we don't
	// look them up in a table, matching the §3.1 PlanLimits-embedded-in-plan
	// design note rather than a separate joined row.
	return model.DefaultPlanLimits(plan)
}
