package entitlements

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hylozoic/entitlements/internal/billing"
)

func TestDonationTotalSumsOneTimeAndRecurring(t *testing.T) {
	items := []billing.LineItem{
		{ProductName: "Season pass", AmountTotal: 2000, Currency: "usd"},
		{ProductName: "Donation to Hylo", AmountTotal: 500, Currency: "usd"},
		{ProductName: "Donation to Hylo (monthly)", AmountTotal: 300, Currency: "usd", Recurring: true},
	}
	total, currency := donationTotal(items, donationKeywordCheckout)
	assert.Equal(t, int64(800), total)
	assert.Equal(t, "usd", currency)
}

func TestDonationTotalMatchesDescription(t *testing.T) {
	items := []billing.LineItem{
		{Description: "Recurring Donation to Hylo", AmountTotal: 700, Currency: "usd"},
	}
	total, _ := donationTotal(items, donationKeywordRecurring)
	assert.Equal(t, int64(700), total)

	// The stricter recurring keyword does not match a plain donation line.
	plain := []billing.LineItem{
		{ProductName: "Donation to Hylo", AmountTotal: 500, Currency: "usd"},
	}
	total, _ = donationTotal(plain, donationKeywordRecurring)
	assert.Zero(t, total)
}

func TestDonationTotalNoMatches(t *testing.T) {
	items := []billing.LineItem{
		{ProductName: "Season pass", AmountTotal: 2000, Currency: "usd"},
	}
	total, currency := donationTotal(items, donationKeywordCheckout)
	assert.Zero(t, total)
	assert.Empty(t, currency)
}

func TestCheckoutDonationIsForwarded(t *testing.T) {
	f := newFixture(t, monthlyOffering())

	cs := paidCheckout()
	cs.LineItems = append(cs.LineItems,
		billing.LineItem{ProductName: "Donation to Hylo", AmountTotal: 500, Currency: "usd"},
		billing.LineItem{ProductName: "Donation to Hylo (monthly)", AmountTotal: 300, Currency: "usd", Recurring: true},
	)
	f.engine.Process(context.Background(), checkoutEvent(cs))

	require.Len(t, f.billing.transfers, 1)
	tr := f.billing.transfers[0]
	assert.Equal(t, int64(800), tr.Amount)
	assert.Equal(t, "usd", tr.Currency)
	assert.Equal(t, testAccount, tr.SourceAccount)
	assert.Equal(t, "pi_1", tr.PaymentIntentID)
	// Outside production the destination is the platform account.
	assert.Empty(t, tr.DestinationAccount)
}

func TestProductionDonationGoesToFiscalSponsor(t *testing.T) {
	f := newFixture(t, monthlyOffering())
	f.engine = NewEngine(EngineConfig{
		Grants:               f.grants,
		Offerings:            f.offerings,
		Membership:           f.membership,
		Billing:              f.billing,
		Queue:                f.queue,
		FiscalSponsorAccount: "acct_sponsor",
		Production:           true,
		Now:                  func() time.Time { return testNow },
	})

	cs := paidCheckout()
	cs.LineItems = append(cs.LineItems,
		billing.LineItem{ProductName: "Donation to Hylo", AmountTotal: 500, Currency: "usd"},
	)
	f.engine.Process(context.Background(), checkoutEvent(cs))

	require.Len(t, f.billing.transfers, 1)
	assert.Equal(t, "acct_sponsor", f.billing.transfers[0].DestinationAccount)
}

func TestRecurringDonationForwardedWithoutGrants(t *testing.T) {
	f := newFixture(t, monthlyOffering())

	// A pure recurring-donation subscription has no grants on file.
	inv := renewalInvoice()
	inv.SubscriptionID = "sub_donation"
	inv.Lines = []billing.LineItem{
		{ProductName: "Recurring Donation to Hylo", AmountTotal: 1000, Currency: "usd", Recurring: true},
	}
	f.engine.Process(context.Background(), invoiceEvent(inv))

	require.Len(t, f.billing.transfers, 1)
	assert.Equal(t, int64(1000), f.billing.transfers[0].Amount)
}

func TestPurchaseWithoutDonationNoTransfer(t *testing.T) {
	f := newFixture(t, monthlyOffering())
	f.engine.Process(context.Background(), checkoutEvent(paidCheckout()))
	assert.Empty(t, f.billing.transfers)
}
