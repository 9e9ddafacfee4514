// Package stripeclient wraps the Stripe SDK behind a small interface and a
// circuit breaker, the same shape the teacher gives every other outbound
// provider call: a narrow Gateway interface the service layer depends on,
// backed by a concrete client that trips open under sustained provider
// failure instead of hanging every request on a degraded upstream (§5).
package stripeclient

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/checkout/session"
	"github.com/stripe/stripe-go/v84/sub"
	"github.com/stripe/stripe-go/v84/webhook"
)

// ErrProviderUnavailable is returned in place of the underlying Stripe error
// once the breaker is open, so callers map it to apperror.KindProviderError
// without needing to know about gobreaker.
var ErrProviderUnavailable = errors.New("stripe: provider unavailable")

// SubscriptionView is the subset of a Stripe subscription the billing
// service needs, decoupling it from stripe-go's wire representation.
type SubscriptionView struct {
	ID                 string
	CustomerID         string
	PriceID            string
	Status             string
	CancelAtPeriodEnd  bool
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	// TrialEnd is nil when the subscription has never carried a trial.
	TrialEnd *time.Time
}

// CheckoutSessionView is the subset of a Stripe Checkout Session the
// checkout-return handler needs to reconcile a subscription.
type CheckoutSessionView struct {
	ID             string
	SubscriptionID string
	CustomerID     string
	PaymentStatus  string
}

// Gateway is everything the billing service needs from Stripe. The service
// depends on this interface, not on stripe-go directly, so tests can supply
// a fake without an HTTP round trip.
type Gateway interface {
	VerifyWebhook(payload []byte, sigHeader string) (stripe.Event, error)
	RetrieveSubscription(ctx context.Context, subscriptionID string) (*SubscriptionView, error)
	RetrieveCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSessionView, error)
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

// Client is the production Gateway, backed by stripe-go and a gobreaker
// circuit breaker around every outbound call.
type Client struct {
	secretKey     string
	webhookSecret string
	breaker       *gobreaker.CircuitBreaker[any]
}

func New(secretKey, webhookSecret string) *Client {
	stripe.Key = secretKey

	settings := gobreaker.Settings{
		Name:        "stripe",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	return &Client{
		secretKey:     secretKey,
		webhookSecret: webhookSecret,
		breaker:       gobreaker.NewCircuitBreaker[any](settings),
	}
}

func (c *Client) VerifyWebhook(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEvent(payload, sigHeader, c.webhookSecret)
}

func (c *Client) RetrieveSubscription(ctx context.Context, subscriptionID string) (*SubscriptionView, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		params := &stripe.SubscriptionParams{}
		params.Context = ctx
		return sub.Get(subscriptionID, params)
	})
	if err != nil {
		return nil, translateBreakerErr(err)
	}

	s := result.(*stripe.Subscription)
	view := &SubscriptionView{
		ID:                s.ID,
		CustomerID:        s.Customer.ID,
		Status:            string(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
	}
	if len(s.Items.Data) > 0 {
		view.PriceID = s.Items.Data[0].Price.ID
		view.CurrentPeriodStart = time.Unix(s.Items.Data[0].CurrentPeriodStart, 0)
		view.CurrentPeriodEnd = time.Unix(s.Items.Data[0].CurrentPeriodEnd, 0)
	}
	if s.TrialEnd != 0 {
		trialEnd := time.Unix(s.TrialEnd, 0)
		view.TrialEnd = &trialEnd
	}
	return view, nil
}

func (c *Client) RetrieveCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSessionView, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		params := &stripe.CheckoutSessionParams{}
		params.Context = ctx
		return session.Get(sessionID, params)
	})
	if err != nil {
		return nil, translateBreakerErr(err)
	}

	cs := result.(*stripe.CheckoutSession)
	view := &CheckoutSessionView{
		ID:            cs.ID,
		CustomerID:    cs.Customer.ID,
		PaymentStatus: string(cs.PaymentStatus),
	}
	if cs.Subscription != nil {
		view.SubscriptionID = cs.Subscription.ID
	}
	return view, nil
}

func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string) error {
	_, err := c.breaker.Execute(func() (any, error) {
		params := &stripe.SubscriptionCancelParams{}
		params.Context = ctx
		return sub.Cancel(subscriptionID, params)
	})
	if err != nil {
		return translateBreakerErr(err)
	}
	return nil
}

func translateBreakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrProviderUnavailable
	}
	return err
}
