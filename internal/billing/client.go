package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"

	apperrors "github.com/hylozoic/entitlements/internal/errors"
)

// TransferRequest moves a donation amount from a connected merchant
// account to the platform (or fiscal sponsor) account, keyed by the
// originating payment intent.
type TransferRequest struct {
	SourceAccount      string
	PaymentIntentID    string
	Amount             int64
	Currency           string
	DestinationAccount string // empty = platform account
	Description        string
}

// Client is the outbound surface of the billing system the engine depends
// on. All calls are bounded by the context deadline; failures map to the
// upstream-transient error kind so state is left untouched and a later
// reconciliation pass retries.
type Client interface {
	GetCheckoutSession(ctx context.Context, account, sessionID string) (*CheckoutSession, error)
	FindSessionForSubscription(ctx context.Context, account, subscriptionID string) (*CheckoutSession, error)
	FindSessionForPaymentIntent(ctx context.Context, account, paymentIntentID string) (*CheckoutSession, error)
	GetSubscription(ctx context.Context, account, subscriptionID string) (*Subscription, error)
	ListActiveSubscriptions(ctx context.Context, account string) ([]*Subscription, error)
	CancelSubscription(ctx context.Context, account, subscriptionID string, atPeriodEnd bool) error
	GetProduct(ctx context.Context, account, productID string) (*Product, error)
	Transfer(ctx context.Context, req TransferRequest) error
}

// StripeClient implements Client against the Stripe Connect API.
type StripeClient struct {
	api     *client.API
	timeout time.Duration
}

// NewStripeClient builds a client with a bounded HTTP timeout.
func NewStripeClient(secretKey string, timeout time.Duration) *StripeClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	api := &client.API{}
	api.Init(secretKey, stripe.NewBackends(&http.Client{Timeout: timeout}))
	return &StripeClient{api: api, timeout: timeout}
}

// GetCheckoutSession fetches a session with line items and payment intent
// expanded, from the connected account.
func (c *StripeClient) GetCheckoutSession(ctx context.Context, account, sessionID string) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.SetStripeAccount(account)
	params.AddExpand("line_items")
	params.AddExpand("line_items.data.price.product")
	params.AddExpand("payment_intent")
	params.AddExpand("subscription")

	s, err := c.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return nil, wrapStripeErr("get_checkout_session", sessionID, err)
	}
	return mapCheckoutSession(s), nil
}

// FindSessionForSubscription looks up the checkout session that originated
// a subscription, used by the repair path when subscription metadata lacks
// correlation ids.
func (c *StripeClient) FindSessionForSubscription(ctx context.Context, account, subscriptionID string) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionListParams{
		Subscription: stripe.String(subscriptionID),
	}
	params.Context = ctx
	params.StripeAccount = stripe.String(account)
	params.AddExpand("data.line_items")
	params.Limit = stripe.Int64(1)

	iter := c.api.CheckoutSessions.List(params)
	for iter.Next() {
		return mapCheckoutSession(iter.CheckoutSession()), nil
	}
	if err := iter.Err(); err != nil {
		return nil, wrapStripeErr("find_session_for_subscription", subscriptionID, err)
	}
	return nil, apperrors.New(apperrors.KindNotFound, "find_session_for_subscription", subscriptionID,
		fmt.Errorf("no checkout session for subscription"))
}

// FindSessionForPaymentIntent walks refund → charge → payment intent →
// session, since refund events do not carry the session id directly.
func (c *StripeClient) FindSessionForPaymentIntent(ctx context.Context, account, paymentIntentID string) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionListParams{
		PaymentIntent: stripe.String(paymentIntentID),
	}
	params.Context = ctx
	params.StripeAccount = stripe.String(account)
	params.Limit = stripe.Int64(1)

	iter := c.api.CheckoutSessions.List(params)
	for iter.Next() {
		return mapCheckoutSession(iter.CheckoutSession()), nil
	}
	if err := iter.Err(); err != nil {
		return nil, wrapStripeErr("find_session_for_payment_intent", paymentIntentID, err)
	}
	return nil, apperrors.New(apperrors.KindNotFound, "find_session_for_payment_intent", paymentIntentID,
		fmt.Errorf("no checkout session for payment intent"))
}

// GetSubscription fetches a subscription from the connected account.
func (c *StripeClient) GetSubscription(ctx context.Context, account, subscriptionID string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	params.SetStripeAccount(account)

	s, err := c.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, wrapStripeErr("get_subscription", subscriptionID, err)
	}
	return mapSubscription(s), nil
}

// ListActiveSubscriptions pages through the connected account's active
// subscriptions, for the reconciliation sweep.
func (c *StripeClient) ListActiveSubscriptions(ctx context.Context, account string) ([]*Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Status: stripe.String(SubscriptionStatusActive),
	}
	params.Context = ctx
	params.StripeAccount = stripe.String(account)
	params.Limit = stripe.Int64(100)

	var subs []*Subscription
	iter := c.api.Subscriptions.List(params)
	for iter.Next() {
		subs = append(subs, mapSubscription(iter.Subscription()))
	}
	if err := iter.Err(); err != nil {
		return nil, wrapStripeErr("list_active_subscriptions", account, err)
	}
	return subs, nil
}

// CancelSubscription cancels immediately or at period end. Immediate
// cancellation is reserved for the refund cascade; the manual renewal
// policy uses cancel-at-period-end so paid-for access runs out naturally.
func (c *StripeClient) CancelSubscription(ctx context.Context, account, subscriptionID string, atPeriodEnd bool) error {
	if atPeriodEnd {
		params := &stripe.SubscriptionParams{
			CancelAtPeriodEnd: stripe.Bool(true),
		}
		params.Context = ctx
		params.SetStripeAccount(account)
		if _, err := c.api.Subscriptions.Update(subscriptionID, params); err != nil {
			return wrapStripeErr("cancel_subscription_at_period_end", subscriptionID, err)
		}
		return nil
	}

	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	params.SetStripeAccount(account)
	if _, err := c.api.Subscriptions.Cancel(subscriptionID, params); err != nil {
		return wrapStripeErr("cancel_subscription", subscriptionID, err)
	}
	return nil
}

// GetProduct fetches a product with its default price expanded, used for
// offering drift correction.
func (c *StripeClient) GetProduct(ctx context.Context, account, productID string) (*Product, error) {
	params := &stripe.ProductParams{}
	params.Context = ctx
	params.SetStripeAccount(account)
	params.AddExpand("default_price")

	prod, err := c.api.Products.Get(productID, params)
	if err != nil {
		return nil, wrapStripeErr("get_product", productID, err)
	}
	return mapProduct(prod), nil
}

// Transfer moves a donation from the connected account to the platform.
// The source charge is resolved from the payment intent on the connected
// account; the transfer itself is created on the platform account.
func (c *StripeClient) Transfer(ctx context.Context, req TransferRequest) error {
	piParams := &stripe.PaymentIntentParams{}
	piParams.Context = ctx
	piParams.SetStripeAccount(req.SourceAccount)
	piParams.AddExpand("latest_charge")

	pi, err := c.api.PaymentIntents.Get(req.PaymentIntentID, piParams)
	if err != nil {
		return wrapStripeErr("resolve_transfer_charge", req.PaymentIntentID, err)
	}
	if pi.LatestCharge == nil {
		return apperrors.New(apperrors.KindNotFound, "resolve_transfer_charge", req.PaymentIntentID,
			fmt.Errorf("no charge on payment intent"))
	}

	params := &stripe.TransferParams{
		Amount:            stripe.Int64(req.Amount),
		Currency:          stripe.String(req.Currency),
		SourceTransaction: stripe.String(pi.LatestCharge.ID),
	}
	params.Context = ctx
	if req.DestinationAccount != "" {
		params.Destination = stripe.String(req.DestinationAccount)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}

	if _, err := c.api.Transfers.New(params); err != nil {
		return wrapStripeErr("create_transfer", req.PaymentIntentID, err)
	}
	return nil
}

// wrapStripeErr classifies a Stripe API failure. Not-found maps to the
// not-found kind; everything else is upstream-transient with the HTTP
// status attached so retryability is decided per the status code.
func wrapStripeErr(op, ref string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode == http.StatusNotFound {
			return apperrors.New(apperrors.KindNotFound, op, ref, err)
		}
		return apperrors.Upstream(op, ref, err, stripeErr.HTTPStatusCode)
	}
	// Timeouts and transport failures carry no status; retryable by kind.
	return apperrors.Upstream(op, ref, err, 0)
}
