package entitlements

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/hylozoic/entitlements/internal/billing"
	"github.com/hylozoic/entitlements/internal/metrics"
)

// Donation line items are recognized by product naming convention. The
// checkout flow and the renewal invoice flow use different labels.
const (
	donationKeywordCheckout  = "donation to hylo"
	donationKeywordRecurring = "recurring donation to hylo"
)

// donationTotal sums the amounts of line items whose product name or
// description carries the donation keyword, case-insensitive. One-time
// and recurring donation lines on the same purchase are summed together.
func donationTotal(items []billing.LineItem, keyword string) (total int64, currency string) {
	for _, li := range items {
		name := strings.ToLower(li.ProductName)
		desc := strings.ToLower(li.Description)
		if !strings.Contains(name, keyword) && !strings.Contains(desc, keyword) {
			continue
		}
		total += li.AmountTotal
		if currency == "" {
			currency = li.Currency
		}
	}
	return total, currency
}

// forwardDonation transfers a donation amount from the connected account
// to the platform (or the fiscal sponsor in production). Transfer failure
// is logged and counted; entitlement state is never affected by it.
func (e *Engine) forwardDonation(ctx context.Context, account, paymentIntentID string, amount int64, currency, description string) {
	if amount <= 0 || paymentIntentID == "" {
		return
	}

	err := e.billing.Transfer(ctx, billing.TransferRequest{
		SourceAccount:      account,
		PaymentIntentID:    paymentIntentID,
		Amount:             amount,
		Currency:           currency,
		DestinationAccount: e.fiscalSponsorAccount,
		Description:        description,
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("account", account).
			Str("paymentIntent", paymentIntentID).
			Int64("amount", amount).
			Msg("Donation transfer failed")
		metrics.SideEffectFailures.WithLabelValues("donation_transfer").Inc()
		return
	}

	metrics.DonationTransfers.Inc()
	metrics.DonationAmountCents.Add(float64(amount))
	log.Info().
		Str("account", account).
		Str("paymentIntent", paymentIntentID).
		Int64("amount", amount).
		Str("currency", currency).
		Msg("Donation forwarded")
}
