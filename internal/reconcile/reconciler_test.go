package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hylozoic/entitlements/internal/billing"
	"github.com/hylozoic/entitlements/internal/dispatch"
	"github.com/hylozoic/entitlements/internal/entitlements"
	apperrors "github.com/hylozoic/entitlements/internal/errors"
	"github.com/hylozoic/entitlements/internal/store"
)

type stubBilling struct {
	subsByAccount map[string][]*billing.Subscription
	sessionsBySub map[string]*billing.CheckoutSession
}

func (s *stubBilling) GetCheckoutSession(_ context.Context, _, id string) (*billing.CheckoutSession, error) {
	return nil, apperrors.New(apperrors.KindNotFound, "get_checkout_session", id, apperrors.ErrNotFound)
}

func (s *stubBilling) FindSessionForSubscription(_ context.Context, _, subID string) (*billing.CheckoutSession, error) {
	if cs, ok := s.sessionsBySub[subID]; ok {
		return cs, nil
	}
	return nil, apperrors.New(apperrors.KindNotFound, "find_session_for_subscription", subID, apperrors.ErrNotFound)
}

func (s *stubBilling) FindSessionForPaymentIntent(_ context.Context, _, id string) (*billing.CheckoutSession, error) {
	return nil, apperrors.New(apperrors.KindNotFound, "find_session_for_payment_intent", id, apperrors.ErrNotFound)
}

func (s *stubBilling) GetSubscription(_ context.Context, _, id string) (*billing.Subscription, error) {
	return nil, apperrors.New(apperrors.KindNotFound, "get_subscription", id, apperrors.ErrNotFound)
}

func (s *stubBilling) ListActiveSubscriptions(_ context.Context, account string) ([]*billing.Subscription, error) {
	return s.subsByAccount[account], nil
}

func (s *stubBilling) CancelSubscription(_ context.Context, _, _ string, _ bool) error { return nil }

func (s *stubBilling) GetProduct(_ context.Context, _, id string) (*billing.Product, error) {
	return nil, apperrors.New(apperrors.KindNotFound, "get_product", id, apperrors.ErrNotFound)
}

func (s *stubBilling) Transfer(_ context.Context, _ billing.TransferRequest) error { return nil }

type stubGateway struct{}

func (stubGateway) EnsureMembership(context.Context, int64, int64, int64, int64) error { return nil }
func (stubGateway) AcceptAgreements(context.Context, int64, int64) error               { return nil }
func (stubGateway) PinToNav(context.Context, int64, int64) error                       { return nil }
func (stubGateway) RemoveMembership(context.Context, int64, int64, int64, int64) error { return nil }

type nullQueue struct{}

func (nullQueue) Enqueue(context.Context, dispatch.Job) error { return nil }

func TestRunOnceRepairsAndExpires(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	offering := &entitlements.Offering{
		GroupID:           7,
		MerchantAccountID: "acct_conn",
		ExternalProductID: "prod_1",
		Name:              "Season pass",
		Duration:          entitlements.DurationSeason,
		RenewalPolicy:     entitlements.RenewAuto,
		PublishStatus:     entitlements.PublishPublished,
	}
	require.NoError(t, s.CreateOffering(ctx, offering))

	// A lapsed grant the sweep should expire.
	past := time.Now().Add(-time.Hour)
	lapsed := &entitlements.AccessGrant{
		ID: "g-lapsed", UserID: 1, GroupID: 7,
		AccessType: entitlements.AccessPurchase,
		Status:     entitlements.StatusActive,
		ExpiresAt:  &past,
	}
	require.NoError(t, s.CreateGrant(ctx, lapsed))

	// A healthy subscription with grants, and an orphaned one without.
	healthy := &entitlements.AccessGrant{
		ID: "g-healthy", UserID: 2, GroupID: 7,
		AccessType:      entitlements.AccessPurchase,
		Status:          entitlements.StatusActive,
		SubscriptionRef: "sub_ok",
	}
	require.NoError(t, s.CreateGrant(ctx, healthy))

	bc := &stubBilling{
		subsByAccount: map[string][]*billing.Subscription{
			"acct_conn": {
				{ID: "sub_ok", Status: billing.SubscriptionStatusActive},
				{ID: "sub_orphan", Status: billing.SubscriptionStatusActive,
					CurrentPeriodEnd: time.Now().Add(30 * 24 * time.Hour)},
				{ID: "sub_donation", Status: billing.SubscriptionStatusActive},
			},
		},
		sessionsBySub: map[string]*billing.CheckoutSession{
			"sub_orphan": {
				ID:             "cs_orphan",
				PaymentStatus:  billing.PaymentStatusPaid,
				SubscriptionID: "sub_orphan",
				Metadata: map[string]string{
					billing.MetaUserID: "3",
				},
				LineItems: []billing.LineItem{
					{ProductID: "prod_1", ProductName: "Season pass", AmountTotal: 2000, Currency: "usd"},
				},
			},
			// sub_donation resolves to no session: a voluntary contribution.
		},
	}

	engine := entitlements.NewEngine(entitlements.EngineConfig{
		Grants:     s,
		Offerings:  s,
		Membership: stubGateway{},
		Billing:    bc,
		Queue:      nullQueue{},
	})

	r := New(engine, bc, s, time.Hour)
	summary, err := r.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Accounts)
	assert.Equal(t, 3, summary.Subscriptions)
	assert.Equal(t, 1, summary.Repaired)
	assert.Equal(t, 1, summary.Expired)

	expiredGrant, err := s.GrantByID(ctx, "g-lapsed")
	require.NoError(t, err)
	assert.Equal(t, entitlements.StatusExpired, expiredGrant.Status)

	repaired, err := s.GrantsBySubscription(ctx, "sub_orphan")
	require.NoError(t, err)
	require.Len(t, repaired, 1)
	assert.Equal(t, int64(3), repaired[0].UserID)
	assert.Equal(t, true, repaired[0].Metadata[entitlements.MetaRepairGranted])

	donation, err := s.GrantsBySubscription(ctx, "sub_donation")
	require.NoError(t, err)
	assert.Empty(t, donation)
}

func TestRunOnceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	bc := &stubBilling{
		subsByAccount: map[string][]*billing.Subscription{},
		sessionsBySub: map[string]*billing.CheckoutSession{},
	}
	engine := entitlements.NewEngine(entitlements.EngineConfig{
		Grants:     s,
		Offerings:  s,
		Membership: stubGateway{},
		Billing:    bc,
		Queue:      nullQueue{},
	})

	r := New(engine, bc, s, time.Hour)
	first, err := r.RunOnce(ctx)
	require.NoError(t, err)
	second, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestStartStop(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	bc := &stubBilling{}
	engine := entitlements.NewEngine(entitlements.EngineConfig{
		Grants:     s,
		Offerings:  s,
		Membership: stubGateway{},
		Billing:    bc,
		Queue:      nullQueue{},
	})

	r := New(engine, bc, s, time.Hour)
	r.Start()
	r.Stop()
}
