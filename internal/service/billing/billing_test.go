package billing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/sbomhub/sbomhub/internal/broadcast"
	"github.com/sbomhub/sbomhub/internal/model"
	"github.com/sbomhub/sbomhub/internal/repository"
	"github.com/sbomhub/sbomhub/internal/stripeclient"
	"github.com/stripe/stripe-go/v84"
)

// fakeGateway is a stand-in for stripeclient.Gateway so reconciliation logic
// can be exercised without an HTTP round trip to Stripe, matching the
// teacher's pattern of depending on a narrow interface rather than the SDK.
type fakeGateway struct {
	event     stripe.Event
	verifyErr error
	subView   *stripeclient.SubscriptionView
	csView    *stripeclient.CheckoutSessionView
}

func (f *fakeGateway) VerifyWebhook(payload []byte, sigHeader string) (stripe.Event, error) {
	if f.verifyErr != nil {
		return stripe.Event{}, f.verifyErr
	}
	return f.event, nil
}

func (f *fakeGateway) RetrieveSubscription(ctx context.Context, subscriptionID string) (*stripeclient.SubscriptionView, error) {
	return f.subView, nil
}

func (f *fakeGateway) RetrieveCheckoutSession(ctx context.Context, sessionID string) (*stripeclient.CheckoutSessionView, error) {
	return f.csView, nil
}

func (f *fakeGateway) CancelSubscription(ctx context.Context, subscriptionID string) error {
	return nil
}

func newTestService(t *testing.T, gw stripeclient.Gateway) (*Service, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	repo := repository.NewBillingRepository(db)
	workspaces := repository.NewWorkspaceRepository(db)
	prices := map[string]string{"price_pro": model.PlanPro}
	svc := New(repo, workspaces, gw, prices, broadcast.NoopBroadcaster{})
	return svc, mock, func() { db.Close() }
}

func subRow(id, wsID uuid.UUID, stripeSubID, status, plan string, cancelAtEnd bool, scheduledDowngrade string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "workspace_id", "stripe_customer_id", "stripe_subscription_id", "stripe_price_id",
		"status", "plan", "cancel_at_period_end", "scheduled_downgrade_plan", "current_period_start", "current_period_end",
		"cancelled_at", "last_payment_amount", "last_payment_currency", "next_billing_date", "is_trial", "trial_end",
		"created_at", "updated_at",
	}).AddRow(id, wsID, "cus_1", stripeSubID, "price_pro", status, plan, cancelAtEnd, scheduledDowngrade, now, now,
		nil, int64(0), "", nil, false, nil, now, now)
}


func TestPlanRank_OrdersDowngrade(t *testing.T) {
	if planRank(model.PlanFree) >= planRank(model.PlanPro) {
		t.Fatal("expected free to rank below pro")
	}
	if planRank(model.PlanPro) >= planRank(model.PlanEnterprise) {
		t.Fatal("expected pro to rank below enterprise")
	}
	if planRank("unknown-plan") != planRank(model.PlanFree) {
		t.Fatal("expected an unrecognized plan to rank as free (never a false downgrade guard bypass)")
	}
}

func TestHandleWebhook_BadSignature_ReturnsInvalidInput(t *testing.T) {
	svc, _, closeFn := newTestService(t, &fakeGateway{verifyErr: errBadSignature})
	defer closeFn()

	err := svc.HandleWebhook(context.Background(), []byte(`{}`), "bad-sig")
	if err == nil {
		t.Fatal("expected an error for a signature that fails verification")
	}
}

func TestHandleWebhook_DuplicateEvent_IsNoOp(t *testing.T) {
	gw := &fakeGateway{event: stripe.Event{ID: "evt_1", Type: "customer.subscription.updated", Data: &stripe.EventData{Raw: json.RawMessage(`{}`)}}}
	svc, mock, closeFn := newTestService(t, gw)
	defer closeFn()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO processed_webhook_events").
		WithArgs("evt_1", "customer.subscription.updated").
		WillReturnResult(sqlmock.NewResult(0, 0)) // 0 rows affected: already processed
	mock.ExpectCommit()

	if err := svc.HandleWebhook(context.Background(), []byte(`{}`), "sig"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestHandleWebhook_UnknownEventType_AcknowledgedWithoutMutation(t *testing.T) {
	gw := &fakeGateway{event: stripe.Event{ID: "evt_2", Type: "charge.dispute.created", Data: &stripe.EventData{Raw: json.RawMessage(`{}`)}}}
	svc, mock, closeFn := newTestService(t, gw)
	defer closeFn()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO processed_webhook_events").
		WithArgs("evt_2", "charge.dispute.created").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := svc.HandleWebhook(context.Background(), []byte(`{}`), "sig"); err != nil {
		t.Fatalf("unrecognized event types must be acknowledged, not erred: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestHandleWebhook_CheckoutCompleted_CreatesSubscription(t *testing.T) {
	wsID := uuid.New()
	payload, _ := json.Marshal(map[string]string{
		"customer": "cus_1", "subscription": "sub_1", "client_reference_id": wsID.String(),
	})
	now := time.Now()
	gw := &fakeGateway{
		event: stripe.Event{ID: "evt_3", Type: "checkout.session.completed", Data: &stripe.EventData{Raw: payload}},
		subView: &stripeclient.SubscriptionView{
			ID: "sub_1", CustomerID: "cus_1", PriceID: "price_pro", Status: "active",
			CurrentPeriodStart: now, CurrentPeriodEnd: now.Add(30 * 24 * time.Hour),
		},
	}
	svc, mock, closeFn := newTestService(t, gw)
	defer closeFn()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO processed_webhook_events").
		WithArgs("evt_3", "checkout.session.completed").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("FROM subscriptions").
		WithArgs(wsID).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO subscriptions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE workspaces SET plan").
		WithArgs(model.PlanPro, sqlmock.AnyArg(), wsID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := svc.HandleWebhook(context.Background(), []byte(`{}`), "sig"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// TestReconcileTx_DowngradeWithCancelAtPeriodEnd_IsScheduledNotImmediate
// exercises §8 scenario 3: a plan downgrade with cancel_at_period_end set
// keeps the workspace's current (higher) plan limits until the period ends,
// recording the target plan as scheduled rather than applying it now.
func TestReconcileTx_DowngradeWithCancelAtPeriodEnd_IsScheduledNotImmediate(t *testing.T) {
	wsID := uuid.New()
	subID := uuid.New()
	now := time.Now()

	subView := &stripeclient.SubscriptionView{
		ID: "sub_1", CustomerID: "cus_1", PriceID: "price_pro", Status: "active",
		CancelAtPeriodEnd: true, CurrentPeriodStart: now, CurrentPeriodEnd: now.Add(time.Hour),
	}
	svc, mock, closeFn := newTestService(t, &fakeGateway{subView: subView})
	defer closeFn()
	// Simulate a target plan (mapped from the price) lower than the
	// workspace's currently-stored plan, to exercise the downgrade branch.
	svc.prices["price_pro"] = model.PlanFree

	mock.ExpectBegin()
	mock.ExpectQuery("FROM subscriptions").
		WithArgs(wsID).
		WillReturnRows(subRow(subID, wsID, "sub_old", "active", model.PlanEnterprise, false, ""))
	mock.ExpectExec("UPDATE subscriptions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	tx, err := svc.repo.BeginTx(context.Background())
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	sub, err := svc.reconcileTx(context.Background(), tx, wsID, "cus_1", subView)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if sub.Plan != model.PlanEnterprise {
		t.Fatalf("expected plan to stay at enterprise until the period ends, got %s", sub.Plan)
	}
	if sub.ScheduledDowngradePlan != model.PlanFree {
		t.Fatalf("expected the downgrade to be scheduled to free, got %q", sub.ScheduledDowngradePlan)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestReconcileTx_UpgradeAppliesImmediately(t *testing.T) {
	wsID := uuid.New()
	subID := uuid.New()
	now := time.Now()

	subView := &stripeclient.SubscriptionView{
		ID: "sub_1", CustomerID: "cus_1", PriceID: "price_pro", Status: "active",
		CancelAtPeriodEnd: false, CurrentPeriodStart: now, CurrentPeriodEnd: now.Add(time.Hour),
	}
	svc, mock, closeFn := newTestService(t, &fakeGateway{subView: subView})
	defer closeFn()
	svc.prices["price_pro"] = model.PlanEnterprise

	mock.ExpectBegin()
	mock.ExpectQuery("FROM subscriptions").
		WithArgs(wsID).
		WillReturnRows(subRow(subID, wsID, "sub_old", "active", model.PlanFree, false, ""))
	mock.ExpectExec("UPDATE subscriptions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE workspaces SET plan").
		WithArgs(model.PlanEnterprise, sqlmock.AnyArg(), wsID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	tx, err := svc.repo.BeginTx(context.Background())
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	sub, err := svc.reconcileTx(context.Background(), tx, wsID, "cus_1", subView)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if sub.Plan != model.PlanEnterprise {
		t.Fatalf("expected an upgrade to apply immediately, got plan %s", sub.Plan)
	}
	if sub.ScheduledDowngradePlan != "" {
		t.Fatalf("expected no scheduled downgrade on an upgrade, got %q", sub.ScheduledDowngradePlan)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// TestCheckoutReturn_Idempotent exercises §8 scenario 2: the checkout
// return handler is a no-op once the subscription id already matches, even
// though the user revisits the return URL (e.g. double page refresh).
func TestCheckoutReturn_Idempotent(t *testing.T) {
	wsID := uuid.New()
	subID := uuid.New()

	svc, mock, closeFn := newTestService(t, &fakeGateway{
		csView: &stripeclient.CheckoutSessionView{ID: "cs_x", SubscriptionID: "sub_already", PaymentStatus: "paid"},
	})
	defer closeFn()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM workspaces").
		WithArgs(wsID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "slug", "plan", "branding", "created_at", "updated_at"}).
			AddRow(wsID, "Acme", "acme", model.PlanPro, []byte(`{}`), time.Now(), time.Now()))
	mock.ExpectQuery("FROM subscriptions").
		WithArgs(wsID).
		WillReturnRows(subRow(subID, wsID, "sub_already", "active", model.PlanPro, false, ""))
	mock.ExpectCommit()

	sub, err := svc.CheckoutReturn(context.Background(), wsID, "cs_x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.StripeSubscriptionID != "sub_already" {
		t.Fatalf("expected the existing subscription to be returned unchanged, got %+v", sub)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// TestHandleWebhook_PaymentSucceeded_ClearsPastDueAndRecordsPayment exercises
// the invoice.payment_succeeded branch of §4.4(a): a successful invoice
// clears a past_due flag and records the payment amount/currency.
func TestHandleWebhook_PaymentSucceeded_ClearsPastDueAndRecordsPayment(t *testing.T) {
	wsID := uuid.New()
	subID := uuid.New()
	payload, _ := json.Marshal(map[string]any{
		"subscription": "sub_1", "amount_paid": 2900, "currency": "usd",
	})
	gw := &fakeGateway{event: stripe.Event{ID: "evt_4", Type: "invoice.payment_succeeded", Data: &stripe.EventData{Raw: payload}}}
	svc, mock, closeFn := newTestService(t, gw)
	defer closeFn()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO processed_webhook_events").
		WithArgs("evt_4", "invoice.payment_succeeded").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("FROM subscriptions").
		WithArgs("sub_1").
		WillReturnRows(subRow(subID, wsID, "sub_1", model.SubStatusPastDue, model.PlanPro, false, ""))
	mock.ExpectExec("UPDATE subscriptions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := svc.HandleWebhook(context.Background(), []byte(`{}`), "sig"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// TestHandleWebhook_PaymentSucceeded_NoSubscriptionID_IsNoOp exercises an
// invoice not tied to a subscription (e.g. a one-off charge) being
// acknowledged without touching the subscriptions table.
func TestHandleWebhook_PaymentSucceeded_NoSubscriptionID_IsNoOp(t *testing.T) {
	payload, _ := json.Marshal(map[string]any{"amount_paid": 500, "currency": "usd"})
	gw := &fakeGateway{event: stripe.Event{ID: "evt_5", Type: "invoice.payment_succeeded", Data: &stripe.EventData{Raw: payload}}}
	svc, mock, closeFn := newTestService(t, gw)
	defer closeFn()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO processed_webhook_events").
		WithArgs("evt_5", "invoice.payment_succeeded").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := svc.HandleWebhook(context.Background(), []byte(`{}`), "sig"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// TestNotifyTrialTransitions_ClassifiesEndingSoonAndExpired exercises the
// trial-notification sweep classifying one subscription in its ending-soon
// window and one already past TrialEnd, without mutating either row (the
// sweep only broadcasts, per its own doc comment).
func TestNotifyTrialTransitions_ClassifiesEndingSoonAndExpired(t *testing.T) {
	svc, mock, closeFn := newTestService(t, &fakeGateway{})
	defer closeFn()

	now := time.Now()
	endingSoonID, expiredID := uuid.New(), uuid.New()
	wsA, wsB := uuid.New(), uuid.New()

	rows := sqlmock.NewRows([]string{
		"id", "workspace_id", "stripe_customer_id", "stripe_subscription_id", "stripe_price_id",
		"status", "plan", "cancel_at_period_end", "scheduled_downgrade_plan", "current_period_start", "current_period_end",
		"cancelled_at", "last_payment_amount", "last_payment_currency", "next_billing_date", "is_trial", "trial_end",
		"created_at", "updated_at",
	}).
		AddRow(endingSoonID, wsA, "cus_1", "sub_a", "price_pro", model.SubStatusTrialing, model.PlanPro, false, "", now, now,
			nil, int64(0), "", &now, true, ptrTime(now.Add(24*time.Hour)), now, now).
		AddRow(expiredID, wsB, "cus_2", "sub_b", "price_pro", model.SubStatusTrialing, model.PlanPro, false, "", now, now,
			nil, int64(0), "", &now, true, ptrTime(now.Add(-time.Hour)), now, now)
	mock.ExpectQuery("FROM subscriptions").WillReturnRows(rows)

	if err := svc.NotifyTrialTransitions(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func ptrTime(t time.Time) *time.Time { return &t }

var errBadSignature = errors.New("stripe: signature verification failed")
