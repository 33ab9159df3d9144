package billing

import (
	"time"
)

// EventType identifies a provider webhook event. Values mirror the
// provider's wire names so routing stays greppable against dashboards.
type EventType string

const (
	EventCheckoutCompleted    EventType = "checkout.session.completed"
	EventSubscriptionCreated  EventType = "customer.subscription.created"
	EventSubscriptionUpdated  EventType = "customer.subscription.updated"
	EventSubscriptionDeleted  EventType = "customer.subscription.deleted"
	EventInvoicePaid          EventType = "invoice.paid"
	EventInvoicePaymentFailed EventType = "invoice.payment_failed"
	EventChargeRefunded       EventType = "charge.refunded"
	EventProductUpdated       EventType = "product.updated"
)

// Event is a verified, typed webhook envelope. Exactly one payload pointer
// is set for recognized types; unrecognized types carry none and are
// acknowledged without effect.
type Event struct {
	ID      string
	Type    EventType
	Account string // connected merchant account the event originated from

	Checkout     *CheckoutSession
	Subscription *Subscription
	Invoice      *Invoice
	Charge       *Charge
	Product      *Product
}

// Recognized reports whether the event type has a routed handler.
func (e *Event) Recognized() bool {
	switch e.Type {
	case EventCheckoutCompleted, EventSubscriptionCreated, EventSubscriptionUpdated,
		EventSubscriptionDeleted, EventInvoicePaid, EventInvoicePaymentFailed,
		EventChargeRefunded, EventProductUpdated:
		return true
	}
	return false
}

// Session metadata keys set at checkout creation and echoed back on events.
const (
	MetaUserID     = "userId"
	MetaGroupID    = "groupId"
	MetaAccountID  = "accountId"
	MetaOfferingID = "offeringId"
	MetaSessionID  = "sessionId"
)

// PaymentStatusPaid is the checkout payment status required before any
// grant is created.
const PaymentStatusPaid = "paid"

// BillingReasonSubscriptionCreate marks the initial invoice of a
// subscription; purchase completion already covers it, renewals must skip it.
const BillingReasonSubscriptionCreate = "subscription_create"

// SubscriptionStatusActive is the only subscription status renewal and
// reactivation logic acts on.
const SubscriptionStatusActive = "active"

// CheckoutSession is the typed view of a completed checkout.
type CheckoutSession struct {
	ID              string
	PaymentStatus   string
	Mode            string
	AmountTotal     int64
	Currency        string
	Metadata        map[string]string
	SubscriptionID  string
	PaymentIntentID string
	LineItems       []LineItem
}

// Meta fetches a session metadata value.
func (s *CheckoutSession) Meta(key string) string {
	if s.Metadata == nil {
		return ""
	}
	return s.Metadata[key]
}

// LineItem is a purchased line on a checkout session or invoice.
type LineItem struct {
	PriceID     string
	ProductID   string
	ProductName string
	Description string
	AmountTotal int64
	Currency    string
	Quantity    int64
	Recurring   bool
}

// Subscription is the typed view of a provider subscription.
type Subscription struct {
	ID                 string
	Status             string
	CancelAtPeriodEnd  bool
	CancelAt           *time.Time
	CanceledAt         *time.Time
	CancellationReason string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	Metadata           map[string]string
}

// Meta fetches a subscription metadata value.
func (s *Subscription) Meta(key string) string {
	if s.Metadata == nil {
		return ""
	}
	return s.Metadata[key]
}

// CancellationScheduled reports whether the provider has a future
// cancellation on file for an otherwise active subscription.
func (s *Subscription) CancellationScheduled() bool {
	return s.CancelAtPeriodEnd || (s.CancelAt != nil && s.CancelAt.After(time.Now()))
}

// Invoice is the typed view of a subscription invoice.
type Invoice struct {
	ID               string
	SubscriptionID   string
	BillingReason    string
	PaymentIntentID  string
	AmountPaid       int64
	Currency         string
	PeriodStart      time.Time
	PeriodEnd        time.Time
	Lines            []LineItem
	HostedInvoiceURL string
}

// IsInitial reports whether this invoice belongs to subscription creation,
// which purchase completion already handled.
func (i *Invoice) IsInitial() bool {
	return i.BillingReason == BillingReasonSubscriptionCreate
}

// Charge is the typed view of a charge carried by a refund event.
type Charge struct {
	ID              string
	PaymentIntentID string
	AmountRefunded  int64
	Currency        string
	RefundReason    string
}

// Product is the typed view of a provider product, used for drift
// correction of local offerings.
type Product struct {
	ID          string
	Name        string
	Description string
	PriceID     string
	UnitAmount  int64
	Currency    string
}
