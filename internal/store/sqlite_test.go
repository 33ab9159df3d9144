package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hylozoic/entitlements/internal/entitlements"
	apperrors "github.com/hylozoic/entitlements/internal/errors"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testGrant(userID int64) *entitlements.AccessGrant {
	return &entitlements.AccessGrant{
		ID:               uuid.New().String(),
		UserID:           userID,
		OfferingID:       3,
		GroupID:          7,
		AccessType:       entitlements.AccessPurchase,
		Status:           entitlements.StatusActive,
		SubscriptionRef:  "sub_1",
		SessionRef:       "cs_1",
		PaymentIntentRef: "pi_1",
	}
}

func TestGrantRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	exp := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	g := testGrant(42)
	g.ExpiresAt = &exp
	g.SetMeta(entitlements.MetaPurchaseAmount, int64(2500))

	require.NoError(t, s.CreateGrant(ctx, g))

	got, err := s.GrantByID(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.UserID)
	assert.Equal(t, entitlements.StatusActive, got.Status)
	assert.Equal(t, "sub_1", got.SubscriptionRef)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(exp))
	// JSON numbers come back as float64.
	assert.EqualValues(t, 2500, got.Metadata[entitlements.MetaPurchaseAmount])
}

func TestGrantLookupsByRef(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	g1 := testGrant(42)
	g2 := testGrant(42)
	g2.GroupID = 9
	require.NoError(t, s.CreateGrant(ctx, g1))
	require.NoError(t, s.CreateGrant(ctx, g2))

	other := testGrant(99)
	other.SubscriptionRef = "sub_2"
	other.SessionRef = "cs_2"
	other.PaymentIntentRef = "pi_2"
	require.NoError(t, s.CreateGrant(ctx, other))

	bySub, err := s.GrantsBySubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Len(t, bySub, 2)

	bySess, err := s.GrantsBySession(ctx, "cs_1")
	require.NoError(t, err)
	assert.Len(t, bySess, 2)

	byPI, err := s.GrantsByPaymentIntent(ctx, "pi_2")
	require.NoError(t, err)
	assert.Len(t, byPI, 1)

	byUser, err := s.GrantsForUser(ctx, 42)
	require.NoError(t, err)
	assert.Len(t, byUser, 2)

	none, err := s.GrantsBySubscription(ctx, "sub_nope")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestUpdateGrant(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	g := testGrant(42)
	require.NoError(t, s.CreateGrant(ctx, g))

	g.Status = entitlements.StatusRevoked
	g.SetMeta(entitlements.MetaRefundReason, "requested_by_customer")
	require.NoError(t, s.UpdateGrant(ctx, g))

	got, err := s.GrantByID(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, entitlements.StatusRevoked, got.Status)
	assert.Equal(t, "requested_by_customer", got.Metadata[entitlements.MetaRefundReason])

	missing := testGrant(1)
	missing.ID = uuid.New().String()
	err = s.UpdateGrant(ctx, missing)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestActiveGrantsPastExpiry(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	lapsed := testGrant(1)
	past := time.Now().Add(-time.Hour)
	lapsed.ExpiresAt = &past
	require.NoError(t, s.CreateGrant(ctx, lapsed))

	current := testGrant(2)
	future := time.Now().Add(time.Hour)
	current.ExpiresAt = &future
	require.NoError(t, s.CreateGrant(ctx, current))

	lifetime := testGrant(3)
	require.NoError(t, s.CreateGrant(ctx, lifetime))

	revoked := testGrant(4)
	revoked.ExpiresAt = &past
	revoked.Status = entitlements.StatusRevoked
	require.NoError(t, s.CreateGrant(ctx, revoked))

	got, err := s.ActiveGrantsPastExpiry(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, lapsed.ID, got[0].ID)
}

func testOffering() *entitlements.Offering {
	return &entitlements.Offering{
		GroupID:           7,
		MerchantAccountID: "acct_conn",
		ExternalProductID: "prod_1",
		ExternalPriceID:   "price_1",
		Name:              "Season pass",
		PriceCents:        2000,
		Currency:          "usd",
		AccessGrants:      entitlements.AccessGrantSpec{GroupIDs: []int64{7, 9}},
		Duration:          entitlements.DurationSeason,
		RenewalPolicy:     entitlements.RenewAuto,
		PublishStatus:     entitlements.PublishPublished,
	}
}

func TestOfferingRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	o := testOffering()
	require.NoError(t, s.CreateOffering(ctx, o))
	require.NotZero(t, o.ID)

	got, err := s.GetOffering(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "Season pass", got.Name)
	assert.Equal(t, entitlements.DurationSeason, got.Duration)
	assert.Equal(t, []int64{7, 9}, got.AccessGrants.GroupIDs)

	byProd, err := s.OfferingByExternalProduct(ctx, "acct_conn", "prod_1")
	require.NoError(t, err)
	assert.Equal(t, o.ID, byProd.ID)

	_, err = s.OfferingByExternalProduct(ctx, "acct_other", "prod_1")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestOfferingUpdateAndArchive(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	o := testOffering()
	require.NoError(t, s.CreateOffering(ctx, o))

	o.Name = "Season pass v2"
	o.PriceCents = 3000
	require.NoError(t, s.UpdateOffering(ctx, o))

	got, err := s.GetOffering(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "Season pass v2", got.Name)
	assert.Equal(t, int64(3000), got.PriceCents)

	require.NoError(t, s.ArchiveOffering(ctx, o.ID))
	got, err = s.GetOffering(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, entitlements.PublishArchived, got.PublishStatus)

	assert.True(t, errors.Is(s.ArchiveOffering(ctx, 9999), apperrors.ErrNotFound))
}

func TestMerchantAccounts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a := testOffering()
	require.NoError(t, s.CreateOffering(ctx, a))

	b := testOffering()
	b.MerchantAccountID = "acct_other"
	require.NoError(t, s.CreateOffering(ctx, b))

	// Same account twice should dedupe.
	c := testOffering()
	require.NoError(t, s.CreateOffering(ctx, c))

	archived := testOffering()
	archived.MerchantAccountID = "acct_gone"
	require.NoError(t, s.CreateOffering(ctx, archived))
	require.NoError(t, s.ArchiveOffering(ctx, archived.ID))

	accounts, err := s.MerchantAccounts(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"acct_conn", "acct_other"}, accounts)
}

func TestOfferingsByGroup(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a := testOffering()
	require.NoError(t, s.CreateOffering(ctx, a))

	b := testOffering()
	b.GroupID = 99
	require.NoError(t, s.CreateOffering(ctx, b))

	got, err := s.OfferingsByGroup(ctx, 7)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)
}
