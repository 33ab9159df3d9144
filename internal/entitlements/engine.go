package entitlements

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hylozoic/entitlements/internal/billing"
	"github.com/hylozoic/entitlements/internal/dispatch"
	apperrors "github.com/hylozoic/entitlements/internal/errors"
	"github.com/hylozoic/entitlements/internal/membership"
	"github.com/hylozoic/entitlements/internal/metrics"
)

// GrantStore is the grant persistence the engine needs.
type GrantStore interface {
	CreateGrant(ctx context.Context, grant *AccessGrant) error
	UpdateGrant(ctx context.Context, grant *AccessGrant) error
	GrantByID(ctx context.Context, id string) (*AccessGrant, error)
	GrantsBySubscription(ctx context.Context, ref string) ([]*AccessGrant, error)
	GrantsBySession(ctx context.Context, ref string) ([]*AccessGrant, error)
	GrantsByPaymentIntent(ctx context.Context, ref string) ([]*AccessGrant, error)
	GrantsForUser(ctx context.Context, userID int64) ([]*AccessGrant, error)
	ActiveGrantsPastExpiry(ctx context.Context) ([]*AccessGrant, error)
}

// OfferingStore is the offering persistence the engine needs.
type OfferingStore interface {
	GetOffering(ctx context.Context, id int64) (*Offering, error)
	OfferingByExternalProduct(ctx context.Context, account, productID string) (*Offering, error)
	UpdateOffering(ctx context.Context, o *Offering) error
}

// EngineConfig wires the engine's collaborators.
type EngineConfig struct {
	Grants     GrantStore
	Offerings  OfferingStore
	Membership membership.Gateway
	Billing    billing.Client
	Queue      dispatch.Queue

	// FiscalSponsorAccount receives donation transfers in production.
	FiscalSponsorAccount string
	Production           bool

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Engine reconciles entitlement state from billing events. Handlers are
// idempotent and order-tolerant: replayed or out-of-order deliveries
// converge on the same state.
type Engine struct {
	grants     GrantStore
	offerings  OfferingStore
	membership membership.Gateway
	billing    billing.Client
	queue      dispatch.Queue

	fiscalSponsorAccount string
	now                  func() time.Time
}

// NewEngine builds an engine. Outside production, donation transfers go
// to the platform account regardless of the configured fiscal sponsor.
func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		grants:     cfg.Grants,
		offerings:  cfg.Offerings,
		membership: cfg.Membership,
		billing:    cfg.Billing,
		queue:      cfg.Queue,
		now:        cfg.Now,
	}
	if cfg.Production {
		e.fiscalSponsorAccount = cfg.FiscalSponsorAccount
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Process routes a verified event to its handler. Every failure past
// signature verification is absorbed: the provider gets a success response
// so it does not redeliver, and the reconciliation sweep repairs what a
// dropped event would have done.
func (e *Engine) Process(ctx context.Context, ev *billing.Event) {
	if !ev.Recognized() {
		log.Debug().
			Str("eventId", ev.ID).
			Str("type", string(ev.Type)).
			Msg("Ignoring unrecognized event type")
		metrics.EventsProcessed.WithLabelValues(string(ev.Type), "ignored").Inc()
		return
	}

	var err error
	switch ev.Type {
	case billing.EventCheckoutCompleted:
		err = e.handleCheckoutCompleted(ctx, ev.Account, ev.Checkout)
	case billing.EventSubscriptionCreated:
		err = e.handleSubscriptionCreated(ctx, ev.Account, ev.Subscription)
	case billing.EventSubscriptionUpdated:
		err = e.handleSubscriptionUpdated(ctx, ev.Subscription)
	case billing.EventSubscriptionDeleted:
		err = e.handleSubscriptionDeleted(ctx, ev.Subscription)
	case billing.EventInvoicePaid:
		err = e.handleInvoicePaid(ctx, ev.Account, ev.Invoice)
	case billing.EventInvoicePaymentFailed:
		err = e.handleInvoicePaymentFailed(ctx, ev.Invoice)
	case billing.EventChargeRefunded:
		err = e.handleChargeRefunded(ctx, ev.Account, ev.Charge)
	case billing.EventProductUpdated:
		err = e.handleProductUpdated(ctx, ev.Account, ev.Product)
	}

	outcome := "processed"
	switch {
	case err == nil:
	case apperrors.KindOf(err) == apperrors.KindAlreadyProcessed:
		outcome = "duplicate"
		log.Debug().
			Str("eventId", ev.ID).
			Str("type", string(ev.Type)).
			Msg("Event already processed")
	default:
		outcome = "absorbed"
		log.Warn().
			Err(err).
			Str("eventId", ev.ID).
			Str("type", string(ev.Type)).
			Str("kind", string(apperrors.KindOf(err))).
			Msg("Event processing failed, absorbing")
	}
	metrics.EventsProcessed.WithLabelValues(string(ev.Type), outcome).Inc()
}

// handleCheckoutCompleted materializes grants for a paid checkout. The
// offering's access spec is snapshotted into the grants so later offering
// edits do not alter already-purchased access.
func (e *Engine) handleCheckoutCompleted(ctx context.Context, account string, cs *billing.CheckoutSession) error {
	const op = "checkout_completed"

	if cs.PaymentStatus != billing.PaymentStatusPaid {
		log.Info().
			Str("session", cs.ID).
			Str("paymentStatus", cs.PaymentStatus).
			Msg("Checkout not paid, skipping")
		return nil
	}

	userID, err := metaInt64(cs.Meta(billing.MetaUserID))
	if err != nil || userID == 0 {
		return apperrors.MissingCorrelation(op, cs.ID)
	}

	// Sessions stamp the merchant account they were created on; a delivery
	// from a different connected account cannot be trusted to correlate.
	if acctMeta := cs.Meta(billing.MetaAccountID); acctMeta != "" && acctMeta != account {
		log.Warn().
			Str("session", cs.ID).
			Str("metaAccount", acctMeta).
			Str("account", account).
			Msg("Checkout account does not match delivering account")
		return apperrors.MissingCorrelation(op, cs.ID)
	}

	offering, err := e.resolveOffering(ctx, account, cs)
	if err != nil {
		return err
	}

	// The groupId metadata must agree with the offering's owning group;
	// a mismatch means the checkout was created against stale data.
	if groupMeta := cs.Meta(billing.MetaGroupID); groupMeta != "" {
		groupID, err := metaInt64(groupMeta)
		if err != nil || groupID != offering.GroupID {
			log.Warn().
				Str("session", cs.ID).
				Str("metaGroupId", groupMeta).
				Int64("offeringGroupId", offering.GroupID).
				Msg("Checkout group does not match offering group")
			return apperrors.MissingCorrelation(op, cs.ID)
		}
	}

	// Idempotency guard: a replayed event finds the grants already there.
	if existing, err := e.grants.GrantsBySession(ctx, cs.ID); err != nil {
		return apperrors.New(apperrors.KindUpstreamTransient, op, cs.ID, err)
	} else if len(existing) > 0 {
		return apperrors.AlreadyProcessed(op, cs.ID)
	}

	now := e.now().UTC()
	expiresAt := offering.ExpirationFrom(now)
	created := e.createGrantsForTargets(ctx, offering, cs, userID, now, expiresAt, false)
	if created == 0 && !offering.AccessGrants.IsEmpty() {
		return apperrors.New(apperrors.KindUpstreamTransient, op, cs.ID, fmt.Errorf("no grants persisted"))
	}

	e.applyMembership(ctx, userID, offering)

	amount, currency := donationTotal(cs.LineItems, donationKeywordCheckout)
	e.forwardDonation(ctx, account, cs.PaymentIntentID, amount, currency, "Checkout donation "+cs.ID)

	e.enqueue(dispatch.JobPurchaseConfirmation, map[string]any{
		"userId":     userID,
		"offeringId": offering.ID,
		"sessionId":  cs.ID,
		"amount":     cs.AmountTotal,
		"currency":   cs.Currency,
	})
	e.enqueue(dispatch.JobMembershipSync, map[string]any{
		"userId":  userID,
		"groupId": offering.GroupID,
	})

	log.Info().
		Str("session", cs.ID).
		Int64("userId", userID).
		Int64("offeringId", offering.ID).
		Int("grants", created).
		Msg("Checkout processed")
	return nil
}

// resolveOffering finds the offering a checkout purchased: the offeringId
// metadata when present, else the first line item's product mapping.
func (e *Engine) resolveOffering(ctx context.Context, account string, cs *billing.CheckoutSession) (*Offering, error) {
	const op = "resolve_offering"

	if raw := cs.Meta(billing.MetaOfferingID); raw != "" {
		id, err := metaInt64(raw)
		if err != nil {
			return nil, apperrors.MissingCorrelation(op, cs.ID)
		}
		return e.offerings.GetOffering(ctx, id)
	}

	for _, li := range cs.LineItems {
		if li.ProductID == "" {
			continue
		}
		o, err := e.offerings.OfferingByExternalProduct(ctx, account, li.ProductID)
		if err == nil {
			return o, nil
		}
	}
	return nil, apperrors.MissingCorrelation(op, cs.ID)
}

// createGrantsForTargets persists one grant per target, snapshotting the
// purchase context into metadata. Individual insert failures are logged
// and skipped so one bad row does not void the rest of the purchase.
func (e *Engine) createGrantsForTargets(ctx context.Context, offering *Offering, cs *billing.CheckoutSession, userID int64, now time.Time, expiresAt *time.Time, repaired bool) int {
	created := 0
	for _, target := range offering.Targets() {
		g := &AccessGrant{
			ID:               uuid.New().String(),
			UserID:           userID,
			OfferingID:       offering.ID,
			GroupID:          target.GroupID,
			TrackID:          target.TrackID,
			RoleID:           target.RoleID,
			AccessType:       AccessPurchase,
			Status:           StatusActive,
			SubscriptionRef:  cs.SubscriptionID,
			SessionRef:       cs.ID,
			PaymentIntentRef: cs.PaymentIntentID,
			ExpiresAt:        expiresAt,
		}
		g.SetMeta(MetaPurchasedAt, now.Format(time.RFC3339))
		g.SetMeta(MetaPurchaseAmount, cs.AmountTotal)
		g.SetMeta(MetaPurchaseCurrency, cs.Currency)
		if repaired {
			g.SetMeta(MetaRepairGranted, true)
		}

		if err := e.grants.CreateGrant(ctx, g); err != nil {
			log.Error().
				Err(err).
				Str("session", cs.ID).
				Int64("groupId", target.GroupID).
				Msg("Failed to persist grant")
			continue
		}
		created++
		metrics.GrantsCreated.WithLabelValues(string(AccessPurchase)).Inc()
	}
	return created
}

// applyMembership requests the platform-side joins for a purchase. Each
// call is independent and absorbed on failure; the nightly sweep converges
// membership eventually.
func (e *Engine) applyMembership(ctx context.Context, userID int64, offering *Offering) {
	joined := make(map[int64]bool)
	for _, target := range offering.Targets() {
		if err := e.membership.EnsureMembership(ctx, userID, target.GroupID, target.TrackID, target.RoleID); err != nil {
			log.Error().
				Err(err).
				Int64("userId", userID).
				Int64("groupId", target.GroupID).
				Msg("Membership ensure failed")
			metrics.SideEffectFailures.WithLabelValues("ensure_membership").Inc()
			continue
		}

		if joined[target.GroupID] {
			continue
		}
		joined[target.GroupID] = true

		if err := e.membership.AcceptAgreements(ctx, userID, target.GroupID); err != nil {
			log.Error().Err(err).Int64("userId", userID).Int64("groupId", target.GroupID).Msg("Agreement acceptance failed")
			metrics.SideEffectFailures.WithLabelValues("accept_agreements").Inc()
		}
		if err := e.membership.PinToNav(ctx, userID, target.GroupID); err != nil {
			log.Error().Err(err).Int64("userId", userID).Int64("groupId", target.GroupID).Msg("Nav pin failed")
			metrics.SideEffectFailures.WithLabelValues("pin_to_nav").Inc()
		}
	}
}

// handleSubscriptionCreated is the repair path. Normally the checkout
// handler has already materialized grants by the time this arrives; when
// it has not (lost event, out-of-order delivery), the originating session
// is recovered and the purchase replayed.
func (e *Engine) handleSubscriptionCreated(ctx context.Context, account string, sub *billing.Subscription) error {
	repaired, err := e.RepairSubscription(ctx, account, sub)
	if err != nil {
		return err
	}
	if repaired {
		log.Warn().
			Str("subscription", sub.ID).
			Msg("Subscription had no grants, repaired from checkout session")
	}
	return nil
}

// RepairSubscription materializes missing grants for a subscription by
// recovering its originating checkout session. Returns true when grants
// were created. Subscriptions with no recoverable correlation (voluntary
// contributions set up outside the offering flow) are left alone.
func (e *Engine) RepairSubscription(ctx context.Context, account string, sub *billing.Subscription) (bool, error) {
	const op = "repair_subscription"

	existing, err := e.grants.GrantsBySubscription(ctx, sub.ID)
	if err != nil {
		return false, apperrors.New(apperrors.KindUpstreamTransient, op, sub.ID, err)
	}
	if len(existing) > 0 {
		return false, nil
	}

	var cs *billing.CheckoutSession
	if sessionID := sub.Meta(billing.MetaSessionID); sessionID != "" {
		cs, err = e.billing.GetCheckoutSession(ctx, account, sessionID)
	} else {
		cs, err = e.billing.FindSessionForSubscription(ctx, account, sub.ID)
	}
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindNotFound {
			return false, apperrors.MissingCorrelation(op, sub.ID)
		}
		return false, err
	}
	if cs.PaymentStatus != billing.PaymentStatusPaid {
		return false, nil
	}

	userID, err := metaInt64(cs.Meta(billing.MetaUserID))
	if err != nil || userID == 0 {
		return false, apperrors.MissingCorrelation(op, sub.ID)
	}
	offering, err := e.resolveOffering(ctx, account, cs)
	if err != nil {
		return false, err
	}

	if cs.SubscriptionID == "" {
		cs.SubscriptionID = sub.ID
	}

	now := e.now().UTC()
	expiresAt := offering.ExpirationFrom(now)
	if !sub.CurrentPeriodEnd.IsZero() && expiresAt != nil {
		// The live billing period is more accurate than recomputing from now.
		end := sub.CurrentPeriodEnd
		expiresAt = &end
	}

	created := e.createGrantsForTargets(ctx, offering, cs, userID, now, expiresAt, true)
	if created == 0 {
		return false, apperrors.New(apperrors.KindUpstreamTransient, op, sub.ID, fmt.Errorf("no grants persisted"))
	}

	e.applyMembership(ctx, userID, offering)
	metrics.ReconcileRepairs.Inc()
	return true, nil
}

// handleSubscriptionUpdated records cancellation scheduling and
// reactivation. Neither changes grant status: scheduled cancellation keeps
// access alive through the paid-for period.
func (e *Engine) handleSubscriptionUpdated(ctx context.Context, sub *billing.Subscription) error {
	const op = "subscription_updated"

	grants, err := e.grants.GrantsBySubscription(ctx, sub.ID)
	if err != nil {
		return apperrors.New(apperrors.KindUpstreamTransient, op, sub.ID, err)
	}
	if len(grants) == 0 {
		return apperrors.MissingCorrelation(op, sub.ID)
	}

	now := e.now().UTC()
	switch {
	case sub.CancellationScheduled():
		effectiveAt := sub.CurrentPeriodEnd
		if sub.CancelAt != nil {
			effectiveAt = *sub.CancelAt
		}
		for _, g := range grants {
			if !g.IsActive(now) || g.Cancellation().Scheduled {
				continue
			}
			g.SetMeta(MetaCancelScheduledAt, now.Format(time.RFC3339))
			g.SetMeta(MetaCancelEffectiveAt, effectiveAt.UTC().Format(time.RFC3339))
			if sub.CancellationReason != "" {
				g.SetMeta(MetaCancelReason, sub.CancellationReason)
			}
			if err := e.grants.UpdateGrant(ctx, g); err != nil {
				return apperrors.New(apperrors.KindUpstreamTransient, op, sub.ID, err)
			}
		}
		log.Info().
			Str("subscription", sub.ID).
			Time("effectiveAt", effectiveAt).
			Msg("Cancellation scheduled, access continues through period end")

	case sub.Status == billing.SubscriptionStatusActive:
		// Reactivation: strip the pending cancellation if one is on file.
		for _, g := range grants {
			if !g.ClearMeta(MetaCancelScheduledAt, MetaCancelEffectiveAt, MetaCancelReason) {
				continue
			}
			if err := e.grants.UpdateGrant(ctx, g); err != nil {
				return apperrors.New(apperrors.KindUpstreamTransient, op, sub.ID, err)
			}
			log.Info().
				Str("subscription", sub.ID).
				Str("grant", g.ID).
				Msg("Cancellation unscheduled")
		}
	}
	return nil
}

// handleSubscriptionDeleted expires every grant tied to the subscription.
// Expired, not revoked: the subscription ran its course.
func (e *Engine) handleSubscriptionDeleted(ctx context.Context, sub *billing.Subscription) error {
	const op = "subscription_deleted"

	grants, err := e.grants.GrantsBySubscription(ctx, sub.ID)
	if err != nil {
		return apperrors.New(apperrors.KindUpstreamTransient, op, sub.ID, err)
	}
	if len(grants) == 0 {
		return apperrors.MissingCorrelation(op, sub.ID)
	}

	now := e.now().UTC()
	expired := 0
	var userID int64
	for _, g := range grants {
		if g.Status != StatusActive {
			continue
		}
		userID = g.UserID
		g.Status = StatusExpired
		g.SetMeta(MetaExpiredAt, now.Format(time.RFC3339))
		g.SetMeta(MetaExpireReason, "subscription_ended")
		if err := e.grants.UpdateGrant(ctx, g); err != nil {
			return apperrors.New(apperrors.KindUpstreamTransient, op, sub.ID, err)
		}
		expired++
		metrics.GrantTransitions.WithLabelValues(string(StatusExpired)).Inc()
	}

	if expired == 0 {
		return apperrors.AlreadyProcessed(op, sub.ID)
	}

	e.enqueue(dispatch.JobSubscriptionEnded, map[string]any{
		"userId":       userID,
		"subscription": sub.ID,
	})
	log.Info().
		Str("subscription", sub.ID).
		Int("expired", expired).
		Msg("Subscription ended, grants expired")
	return nil
}

// handleInvoicePaid extends access on renewal. The initial invoice of a
// subscription is skipped (checkout completion covers it). Recurring
// donations are forwarded whether or not the subscription maps to grants.
func (e *Engine) handleInvoicePaid(ctx context.Context, account string, inv *billing.Invoice) error {
	const op = "invoice_paid"

	if inv.IsInitial() {
		return nil
	}

	// Donation forwarding is independent of entitlements: a pure
	// recurring-donation subscription has no grants at all.
	amount, currency := donationTotal(inv.Lines, donationKeywordRecurring)
	e.forwardDonation(ctx, account, inv.PaymentIntentID, amount, currency, "Recurring donation "+inv.ID)

	if inv.SubscriptionID == "" {
		return nil
	}
	grants, err := e.grants.GrantsBySubscription(ctx, inv.SubscriptionID)
	if err != nil {
		return apperrors.New(apperrors.KindUpstreamTransient, op, inv.SubscriptionID, err)
	}
	if len(grants) == 0 {
		if amount > 0 {
			return nil
		}
		return apperrors.MissingCorrelation(op, inv.SubscriptionID)
	}

	offering, err := e.offerings.GetOffering(ctx, grants[0].OfferingID)
	if err != nil {
		return apperrors.New(apperrors.KindUpstreamTransient, op, inv.SubscriptionID, err)
	}

	if offering.RenewalPolicy == RenewManual {
		// The provider auto-renewed but the offering requires a manual
		// re-purchase. Access is not extended and the subscription is asked
		// to stop at period end; the already-charged payment stands and the
		// current paid period runs out on its own.
		if sub, err := e.billing.GetSubscription(ctx, account, inv.SubscriptionID); err == nil && sub.CancelAtPeriodEnd {
			return apperrors.AlreadyProcessed(op, inv.SubscriptionID)
		}
		log.Warn().
			Str("subscription", inv.SubscriptionID).
			Int64("offeringId", offering.ID).
			Msg("Auto-renewal on manual-renewal offering, requesting cancellation")
		if err := e.billing.CancelSubscription(ctx, account, inv.SubscriptionID, true); err != nil {
			log.Error().Err(err).Str("subscription", inv.SubscriptionID).Msg("Cancel request failed")
			metrics.SideEffectFailures.WithLabelValues("cancel_subscription").Inc()
		}
		return nil
	}

	now := e.now().UTC()
	extended := 0
	for _, g := range grants {
		if g.Status != StatusActive {
			continue
		}
		if g.ExpiresAt == nil {
			// Lifetime grants have nothing to extend.
			continue
		}
		if !inv.PeriodEnd.After(*g.ExpiresAt) {
			// Replayed or stale invoice; the grant already covers this period.
			continue
		}
		end := inv.PeriodEnd
		g.ExpiresAt = &end
		g.SetMeta(MetaRenewedAt, now.Format(time.RFC3339))
		g.SetMeta(MetaRenewalInvoice, inv.ID)
		g.SetMeta(MetaPeriodStart, inv.PeriodStart.UTC().Format(time.RFC3339))
		g.SetMeta(MetaPeriodEnd, inv.PeriodEnd.UTC().Format(time.RFC3339))
		g.ClearMeta(MetaPaymentFailedAt)
		if err := e.grants.UpdateGrant(ctx, g); err != nil {
			return apperrors.New(apperrors.KindUpstreamTransient, op, inv.SubscriptionID, err)
		}
		extended++
	}

	if extended == 0 {
		return apperrors.AlreadyProcessed(op, inv.ID)
	}
	log.Info().
		Str("subscription", inv.SubscriptionID).
		Str("invoice", inv.ID).
		Time("periodEnd", inv.PeriodEnd).
		Int("extended", extended).
		Msg("Renewal extended access")
	return nil
}

// handleInvoicePaymentFailed records the failure and notifies the user.
// Access is untouched: the provider retries the charge, and a terminal
// failure arrives later as a subscription deletion.
func (e *Engine) handleInvoicePaymentFailed(ctx context.Context, inv *billing.Invoice) error {
	const op = "invoice_payment_failed"

	if inv.SubscriptionID == "" {
		return nil
	}
	grants, err := e.grants.GrantsBySubscription(ctx, inv.SubscriptionID)
	if err != nil {
		return apperrors.New(apperrors.KindUpstreamTransient, op, inv.SubscriptionID, err)
	}
	if len(grants) == 0 {
		return apperrors.MissingCorrelation(op, inv.SubscriptionID)
	}

	now := e.now().UTC()
	var userID int64
	for _, g := range grants {
		if g.Status != StatusActive {
			continue
		}
		userID = g.UserID
		g.SetMeta(MetaPaymentFailedAt, now.Format(time.RFC3339))
		if err := e.grants.UpdateGrant(ctx, g); err != nil {
			return apperrors.New(apperrors.KindUpstreamTransient, op, inv.SubscriptionID, err)
		}
	}

	if userID != 0 {
		e.enqueue(dispatch.JobPaymentFailedNotice, map[string]any{
			"userId":       userID,
			"subscription": inv.SubscriptionID,
			"invoice":      inv.ID,
			"invoiceUrl":   inv.HostedInvoiceURL,
		})
	}
	log.Info().
		Str("subscription", inv.SubscriptionID).
		Str("invoice", inv.ID).
		Msg("Payment failed, access unchanged pending retry")
	return nil
}

// handleChargeRefunded revokes every grant purchased with the refunded
// payment, removes the granted memberships, and force-cancels any live
// subscription behind the purchase.
func (e *Engine) handleChargeRefunded(ctx context.Context, account string, ch *billing.Charge) error {
	const op = "charge_refunded"

	if ch.PaymentIntentID == "" {
		return apperrors.MissingCorrelation(op, ch.ID)
	}

	grants, err := e.grants.GrantsByPaymentIntent(ctx, ch.PaymentIntentID)
	if err != nil {
		return apperrors.New(apperrors.KindUpstreamTransient, op, ch.PaymentIntentID, err)
	}
	if len(grants) == 0 {
		// Older grants may predate payment-intent refs; fall back through
		// the originating checkout session.
		cs, ferr := e.billing.FindSessionForPaymentIntent(ctx, account, ch.PaymentIntentID)
		if ferr != nil {
			if apperrors.KindOf(ferr) == apperrors.KindNotFound {
				return apperrors.MissingCorrelation(op, ch.PaymentIntentID)
			}
			return ferr
		}
		grants, err = e.grants.GrantsBySession(ctx, cs.ID)
		if err != nil {
			return apperrors.New(apperrors.KindUpstreamTransient, op, ch.PaymentIntentID, err)
		}
	}
	if len(grants) == 0 {
		return apperrors.MissingCorrelation(op, ch.PaymentIntentID)
	}

	now := e.now().UTC()
	revoked := 0
	subscriptionRef := ""
	for _, g := range grants {
		if g.Status == StatusRevoked {
			continue
		}
		if g.SubscriptionRef != "" {
			subscriptionRef = g.SubscriptionRef
		}
		g.Status = StatusRevoked
		g.SetMeta(MetaRefundedAt, now.Format(time.RFC3339))
		g.SetMeta(MetaRefundAmount, ch.AmountRefunded)
		if ch.RefundReason != "" {
			g.SetMeta(MetaRefundReason, ch.RefundReason)
		}
		if err := e.grants.UpdateGrant(ctx, g); err != nil {
			return apperrors.New(apperrors.KindUpstreamTransient, op, ch.PaymentIntentID, err)
		}
		revoked++
		metrics.GrantTransitions.WithLabelValues(string(StatusRevoked)).Inc()

		if err := e.membership.RemoveMembership(ctx, g.UserID, g.GroupID, g.TrackID, g.RoleID); err != nil {
			log.Error().
				Err(err).
				Str("grant", g.ID).
				Int64("userId", g.UserID).
				Msg("Membership removal failed")
			metrics.SideEffectFailures.WithLabelValues("remove_membership").Inc()
		}
	}

	if revoked == 0 {
		return apperrors.AlreadyProcessed(op, ch.PaymentIntentID)
	}

	if subscriptionRef != "" {
		// A refunded subscription purchase should not keep charging.
		if err := e.billing.CancelSubscription(ctx, account, subscriptionRef, false); err != nil &&
			apperrors.KindOf(err) != apperrors.KindNotFound {
			log.Error().Err(err).Str("subscription", subscriptionRef).Msg("Force cancel after refund failed")
			metrics.SideEffectFailures.WithLabelValues("cancel_subscription").Inc()
		}
	}

	log.Info().
		Str("paymentIntent", ch.PaymentIntentID).
		Int64("amountRefunded", ch.AmountRefunded).
		Int("revoked", revoked).
		Msg("Refund revoked access")
	return nil
}

// handleProductUpdated corrects offering drift when the product record
// changes on the provider side.
func (e *Engine) handleProductUpdated(ctx context.Context, account string, prod *billing.Product) error {
	const op = "product_updated"

	offering, err := e.offerings.OfferingByExternalProduct(ctx, account, prod.ID)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindNotFound {
			// Products not sold through an offering are none of our business.
			return nil
		}
		return apperrors.New(apperrors.KindUpstreamTransient, op, prod.ID, err)
	}

	// The webhook payload carries default_price as a bare price id, so the
	// amount and currency only come back on a refetch with the price
	// expanded.
	if prod.PriceID != "" && prod.UnitAmount == 0 {
		full, err := e.billing.GetProduct(ctx, account, prod.ID)
		if err != nil {
			return err
		}
		prod = full
	}

	changed := false
	if prod.Name != "" && prod.Name != offering.Name {
		offering.Name = prod.Name
		changed = true
	}
	if prod.Description != offering.Description {
		offering.Description = prod.Description
		changed = true
	}
	if prod.PriceID != "" && prod.PriceID != offering.ExternalPriceID {
		offering.ExternalPriceID = prod.PriceID
		changed = true
	}
	if prod.UnitAmount > 0 && prod.UnitAmount != offering.PriceCents {
		offering.PriceCents = prod.UnitAmount
		changed = true
	}
	if prod.Currency != "" && prod.Currency != offering.Currency {
		offering.Currency = prod.Currency
		changed = true
	}
	if !changed {
		return nil
	}

	if err := e.offerings.UpdateOffering(ctx, offering); err != nil {
		return apperrors.New(apperrors.KindUpstreamTransient, op, prod.ID, err)
	}
	log.Info().
		Int64("offeringId", offering.ID).
		Str("product", prod.ID).
		Msg("Offering synced from product update")
	return nil
}

// ExpireLapsedGrants flips active grants whose window has passed to
// expired. Run by the reconciliation sweep; webhook handlers never need it
// because access checks also test the expiry timestamp.
func (e *Engine) ExpireLapsedGrants(ctx context.Context) (int, error) {
	grants, err := e.grants.ActiveGrantsPastExpiry(ctx)
	if err != nil {
		return 0, err
	}

	now := e.now().UTC()
	expired := 0
	for _, g := range grants {
		g.Status = StatusExpired
		g.SetMeta(MetaExpiredAt, now.Format(time.RFC3339))
		g.SetMeta(MetaExpireReason, "window_lapsed")
		if err := e.grants.UpdateGrant(ctx, g); err != nil {
			log.Error().Err(err).Str("grant", g.ID).Msg("Failed to expire lapsed grant")
			continue
		}
		expired++
		metrics.GrantTransitions.WithLabelValues(string(StatusExpired)).Inc()
	}
	return expired, nil
}

// AdminGrant creates a direct grant outside the purchase flow. Lifetime
// unless the caller later revokes it.
func (e *Engine) AdminGrant(ctx context.Context, userID, groupID, trackID, roleID, grantedBy int64, reason string) (*AccessGrant, error) {
	now := e.now().UTC()
	g := &AccessGrant{
		ID:         uuid.New().String(),
		UserID:     userID,
		GroupID:    groupID,
		TrackID:    trackID,
		RoleID:     roleID,
		AccessType: AccessAdminGrant,
		Status:     StatusActive,
	}
	g.SetMeta(MetaGrantedBy, grantedBy)
	if reason != "" {
		g.SetMeta(MetaGrantReason, reason)
	}
	g.SetMeta(MetaPurchasedAt, now.Format(time.RFC3339))

	if err := e.grants.CreateGrant(ctx, g); err != nil {
		return nil, err
	}
	metrics.GrantsCreated.WithLabelValues(string(AccessAdminGrant)).Inc()

	if err := e.membership.EnsureMembership(ctx, userID, groupID, trackID, roleID); err != nil {
		log.Error().Err(err).Int64("userId", userID).Int64("groupId", groupID).Msg("Membership ensure failed")
		metrics.SideEffectFailures.WithLabelValues("ensure_membership").Inc()
	}

	log.Info().
		Str("grant", g.ID).
		Int64("userId", userID).
		Int64("groupId", groupID).
		Int64("grantedBy", grantedBy).
		Msg("Admin grant created")
	return g, nil
}

// AdminRevoke revokes a single grant and removes its membership.
func (e *Engine) AdminRevoke(ctx context.Context, grantID string, revokedBy int64, reason string) error {
	g, err := e.grants.GrantByID(ctx, grantID)
	if err != nil {
		return err
	}
	if g.Status == StatusRevoked {
		return apperrors.AlreadyProcessed("admin_revoke", grantID)
	}

	g.Status = StatusRevoked
	g.SetMeta(MetaRefundedAt, e.now().UTC().Format(time.RFC3339))
	g.SetMeta(MetaGrantedBy, revokedBy)
	if reason != "" {
		g.SetMeta(MetaRefundReason, reason)
	}
	if err := e.grants.UpdateGrant(ctx, g); err != nil {
		return err
	}
	metrics.GrantTransitions.WithLabelValues(string(StatusRevoked)).Inc()

	if err := e.membership.RemoveMembership(ctx, g.UserID, g.GroupID, g.TrackID, g.RoleID); err != nil {
		log.Error().Err(err).Str("grant", grantID).Msg("Membership removal failed")
		metrics.SideEffectFailures.WithLabelValues("remove_membership").Inc()
	}
	return nil
}

// GrantsForUser lists a user's grants for the checkout status endpoints.
func (e *Engine) GrantsForUser(ctx context.Context, userID int64) ([]*AccessGrant, error) {
	return e.grants.GrantsForUser(ctx, userID)
}

// GrantsBySession lists the grants a checkout session produced.
func (e *Engine) GrantsBySession(ctx context.Context, sessionID string) ([]*AccessGrant, error) {
	return e.grants.GrantsBySession(ctx, sessionID)
}

// enqueue queues a background job, absorbing failures.
func (e *Engine) enqueue(jobType dispatch.JobType, payload any) {
	job, err := dispatch.NewJob(jobType, payload)
	if err != nil {
		log.Error().Err(err).Str("type", string(jobType)).Msg("Failed to build job")
		return
	}
	if err := e.queue.Enqueue(context.Background(), job); err != nil {
		log.Error().Err(err).Str("type", string(jobType)).Msg("Failed to enqueue job")
		metrics.SideEffectFailures.WithLabelValues("enqueue").Inc()
	}
}

func metaInt64(raw string) (int64, error) {
	if raw == "" {
		return 0, fmt.Errorf("empty value")
	}
	return strconv.ParseInt(raw, 10, 64)
}
