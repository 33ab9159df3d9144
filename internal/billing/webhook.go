package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	apperrors "github.com/hylozoic/entitlements/internal/errors"
)

// WebhookParser verifies provider signatures and maps raw events onto the
// typed Event union. Signature verification happens before any payload is
// trusted.
type WebhookParser struct {
	secret string
}

// NewWebhookParser creates a parser bound to the endpoint signing secret.
func NewWebhookParser(secret string) *WebhookParser {
	return &WebhookParser{secret: secret}
}

// VerifyAndParse checks the signature header and decodes the payload into
// a typed event. Signature failures and undecodable payloads are the only
// errors the webhook surface answers non-success for.
func (p *WebhookParser) VerifyAndParse(payload []byte, sigHeader string) (*Event, error) {
	raw, err := webhook.ConstructEventWithOptions(payload, sigHeader, p.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureErr(err) {
			return nil, apperrors.New(apperrors.KindSignatureInvalid, "verify_webhook", "", err)
		}
		return nil, apperrors.Malformed("verify_webhook", err)
	}
	return parseEvent(raw)
}

func isSignatureErr(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrTooOld) ||
		errors.Is(err, webhook.ErrNoValidSignature)
}

// parseEvent maps a verified provider event to the typed union. Unknown
// types yield an envelope with no payload so the router can acknowledge
// them as no-ops.
func parseEvent(raw stripe.Event) (*Event, error) {
	ev := &Event{
		ID:      raw.ID,
		Type:    EventType(raw.Type),
		Account: raw.Account,
	}
	if !ev.Recognized() {
		return ev, nil
	}

	switch ev.Type {
	case EventCheckoutCompleted:
		var s stripe.CheckoutSession
		if err := unmarshalObject(raw, &s); err != nil {
			return nil, err
		}
		ev.Checkout = mapCheckoutSession(&s)

	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		var s stripe.Subscription
		if err := unmarshalObject(raw, &s); err != nil {
			return nil, err
		}
		ev.Subscription = mapSubscription(&s)

	case EventInvoicePaid, EventInvoicePaymentFailed:
		var inv stripe.Invoice
		if err := unmarshalObject(raw, &inv); err != nil {
			return nil, err
		}
		ev.Invoice = mapInvoice(&inv)

	case EventChargeRefunded:
		var ch stripe.Charge
		if err := unmarshalObject(raw, &ch); err != nil {
			return nil, err
		}
		ev.Charge = mapCharge(&ch)

	case EventProductUpdated:
		var prod stripe.Product
		if err := unmarshalObject(raw, &prod); err != nil {
			return nil, err
		}
		ev.Product = mapProduct(&prod)
	}

	return ev, nil
}

func unmarshalObject(raw stripe.Event, dst any) error {
	if raw.Data == nil || len(raw.Data.Raw) == 0 {
		return apperrors.Malformed("parse_event", fmt.Errorf("event %s has no payload object", raw.ID))
	}
	if err := json.Unmarshal(raw.Data.Raw, dst); err != nil {
		return apperrors.Malformed("parse_event", fmt.Errorf("decode %s payload: %w", raw.Type, err))
	}
	return nil
}

func mapCheckoutSession(s *stripe.CheckoutSession) *CheckoutSession {
	out := &CheckoutSession{
		ID:            s.ID,
		PaymentStatus: string(s.PaymentStatus),
		Mode:          string(s.Mode),
		AmountTotal:   s.AmountTotal,
		Currency:      string(s.Currency),
		Metadata:      s.Metadata,
	}
	if s.Subscription != nil {
		out.SubscriptionID = s.Subscription.ID
	}
	if s.PaymentIntent != nil {
		out.PaymentIntentID = s.PaymentIntent.ID
	}
	if s.LineItems != nil {
		for _, li := range s.LineItems.Data {
			out.LineItems = append(out.LineItems, mapLineItem(li))
		}
	}
	return out
}

func mapLineItem(li *stripe.LineItem) LineItem {
	item := LineItem{
		Description: li.Description,
		AmountTotal: li.AmountTotal,
		Currency:    string(li.Currency),
		Quantity:    li.Quantity,
	}
	if li.Price != nil {
		item.PriceID = li.Price.ID
		item.Recurring = li.Price.Recurring != nil
		if li.Price.Product != nil {
			item.ProductID = li.Price.Product.ID
			item.ProductName = li.Price.Product.Name
		}
	}
	return item
}

func mapSubscription(s *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:                 s.ID,
		Status:             string(s.Status),
		CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
		CurrentPeriodStart: time.Unix(s.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(s.CurrentPeriodEnd, 0).UTC(),
		Metadata:           s.Metadata,
	}
	if s.CancelAt > 0 {
		t := time.Unix(s.CancelAt, 0).UTC()
		out.CancelAt = &t
	}
	if s.CanceledAt > 0 {
		t := time.Unix(s.CanceledAt, 0).UTC()
		out.CanceledAt = &t
	}
	if s.CancellationDetails != nil {
		out.CancellationReason = string(s.CancellationDetails.Reason)
	}
	return out
}

func mapInvoice(inv *stripe.Invoice) *Invoice {
	out := &Invoice{
		ID:               inv.ID,
		BillingReason:    string(inv.BillingReason),
		AmountPaid:       inv.AmountPaid,
		Currency:         string(inv.Currency),
		PeriodStart:      time.Unix(inv.PeriodStart, 0).UTC(),
		PeriodEnd:        time.Unix(inv.PeriodEnd, 0).UTC(),
		HostedInvoiceURL: inv.HostedInvoiceURL,
	}
	if inv.Subscription != nil {
		out.SubscriptionID = inv.Subscription.ID
	}
	if inv.PaymentIntent != nil {
		out.PaymentIntentID = inv.PaymentIntent.ID
	}
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			item := LineItem{
				Description: line.Description,
				AmountTotal: line.Amount,
				Currency:    string(line.Currency),
				Quantity:    line.Quantity,
			}
			if line.Price != nil {
				item.PriceID = line.Price.ID
				item.Recurring = line.Price.Recurring != nil
				if line.Price.Product != nil {
					item.ProductID = line.Price.Product.ID
					item.ProductName = line.Price.Product.Name
				}
			}
			out.Lines = append(out.Lines, item)

			// Invoice-level period bounds cover the billing cycle, not the
			// service window; the line period is authoritative for renewals.
			if line.Period != nil {
				start := time.Unix(line.Period.Start, 0).UTC()
				end := time.Unix(line.Period.End, 0).UTC()
				if out.PeriodEnd.Before(end) {
					out.PeriodEnd = end
				}
				if out.PeriodStart.IsZero() || start.Before(out.PeriodStart) {
					out.PeriodStart = start
				}
			}
		}
	}
	return out
}

func mapCharge(ch *stripe.Charge) *Charge {
	out := &Charge{
		ID:             ch.ID,
		AmountRefunded: ch.AmountRefunded,
		Currency:       string(ch.Currency),
	}
	if ch.PaymentIntent != nil {
		out.PaymentIntentID = ch.PaymentIntent.ID
	}
	if ch.Refunds != nil && len(ch.Refunds.Data) > 0 {
		out.RefundReason = string(ch.Refunds.Data[0].Reason)
	}
	return out
}

func mapProduct(prod *stripe.Product) *Product {
	out := &Product{
		ID:          prod.ID,
		Name:        prod.Name,
		Description: prod.Description,
	}
	if prod.DefaultPrice != nil {
		out.PriceID = prod.DefaultPrice.ID
		out.UnitAmount = prod.DefaultPrice.UnitAmount
		out.Currency = string(prod.DefaultPrice.Currency)
	}
	return out
}
