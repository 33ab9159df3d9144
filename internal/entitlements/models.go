package entitlements

import (
	"time"
)

// GrantStatus is the lifecycle status of an access grant.
type GrantStatus string

const (
	StatusActive  GrantStatus = "active"
	StatusExpired GrantStatus = "expired"
	StatusRevoked GrantStatus = "revoked"
)

// AccessType records how a grant came to exist.
type AccessType string

const (
	AccessPurchase   AccessType = "purchase"
	AccessAdminGrant AccessType = "admin_grant"
)

// Duration is a renewal window for an offering. Empty means lifetime access.
type Duration string

const (
	DurationNone   Duration = ""
	DurationDay    Duration = "day"
	DurationMonth  Duration = "month"
	DurationSeason Duration = "season"
	DurationAnnual Duration = "annual"
)

// RenewalPolicy controls whether a subscription renewal extends access
// automatically or requires a fresh manual purchase.
type RenewalPolicy string

const (
	RenewAuto   RenewalPolicy = "auto"
	RenewManual RenewalPolicy = "manual"
)

// PublishStatus is the offering visibility state. Offerings are archived,
// never deleted.
type PublishStatus string

const (
	PublishUnpublished PublishStatus = "unpublished"
	PublishUnlisted    PublishStatus = "unlisted"
	PublishPublished   PublishStatus = "published"
	PublishArchived    PublishStatus = "archived"
)

// AccessGrantSpec declares what an offering grants: group memberships,
// curated tracks, and roles. An empty spec is legal — a pure
// "support the platform" offering with no entitlement.
type AccessGrantSpec struct {
	GroupIDs []int64 `json:"groupIds,omitempty"`
	TrackIDs []int64 `json:"trackIds,omitempty"`
	RoleIDs  []int64 `json:"roleIds,omitempty"`
}

// IsEmpty reports whether the spec grants nothing.
func (s AccessGrantSpec) IsEmpty() bool {
	return len(s.GroupIDs) == 0 && len(s.TrackIDs) == 0 && len(s.RoleIDs) == 0
}

// Offering is a purchasable unit owned by a group.
type Offering struct {
	ID                int64
	GroupID           int64
	MerchantAccountID string // Stripe connected account the group sells through
	ExternalProductID string
	ExternalPriceID   string
	Name              string
	Description       string
	PriceCents        int64
	Currency          string
	AccessGrants      AccessGrantSpec
	Duration          Duration
	RenewalPolicy     RenewalPolicy
	PublishStatus     PublishStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ExpirationFrom calculates when access purchased at start lapses.
// Nil means lifetime access.
func (o *Offering) ExpirationFrom(start time.Time) *time.Time {
	var d time.Duration
	switch o.Duration {
	case DurationDay:
		d = 24 * time.Hour
	case DurationMonth:
		d = 30 * 24 * time.Hour
	case DurationSeason:
		d = 90 * 24 * time.Hour
	case DurationAnnual:
		d = 365 * 24 * time.Hour
	default:
		return nil
	}
	t := start.Add(d)
	return &t
}

// GrantTarget is a single entitlement target implied by an offering.
type GrantTarget struct {
	GroupID int64
	TrackID int64
	RoleID  int64
}

// Targets expands the offering's access-grant snapshot into concrete
// targets. When the spec is empty, the offering's own group is the
// back-compat default target.
func (o *Offering) Targets() []GrantTarget {
	if o.AccessGrants.IsEmpty() {
		return []GrantTarget{{GroupID: o.GroupID}}
	}

	var targets []GrantTarget
	for _, g := range o.AccessGrants.GroupIDs {
		targets = append(targets, GrantTarget{GroupID: g})
	}
	for _, tr := range o.AccessGrants.TrackIDs {
		targets = append(targets, GrantTarget{GroupID: o.GroupID, TrackID: tr})
	}
	for _, r := range o.AccessGrants.RoleIDs {
		targets = append(targets, GrantTarget{GroupID: o.GroupID, RoleID: r})
	}
	return targets
}

// Metadata audit-trail keys. Kept as metadata for fidelity with the
// stored record; internal logic reads them through CancellationSchedule.
const (
	MetaCancelScheduledAt = "cancel_scheduled_at"
	MetaCancelEffectiveAt = "cancel_effective_at"
	MetaCancelReason      = "cancel_reason"
	MetaPaymentFailedAt   = "payment_failed_at"
	MetaExpiredAt         = "expired_at"
	MetaExpireReason      = "expire_reason"
	MetaRefundedAt        = "refunded_at"
	MetaRefundAmount      = "refund_amount"
	MetaRefundReason      = "refund_reason"
	MetaRenewedAt         = "renewed_at"
	MetaRenewalInvoice    = "renewal_invoice"
	MetaPeriodStart       = "period_start"
	MetaPeriodEnd         = "period_end"
	MetaPurchaseAmount    = "purchase_amount"
	MetaPurchaseCurrency  = "purchase_currency"
	MetaPurchasedAt       = "purchased_at"
	MetaGrantedBy         = "granted_by"
	MetaGrantReason       = "grant_reason"
	MetaRepairGranted     = "repair_granted"
)

// AccessGrant is a single materialized entitlement. Exactly one of
// TrackID/RoleID may be set alongside GroupID; a bare GroupID grant is
// plain group access.
type AccessGrant struct {
	ID               string // uuid
	UserID           int64
	OfferingID       int64 // 0 for direct admin grants
	GroupID          int64
	TrackID          int64
	RoleID           int64
	AccessType       AccessType
	Status           GrantStatus
	SubscriptionRef  string
	SessionRef       string
	PaymentIntentRef string
	ExpiresAt        *time.Time
	Metadata         map[string]any
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsExpired reports whether the grant's window has lapsed at now.
func (g *AccessGrant) IsExpired(now time.Time) bool {
	return g.ExpiresAt != nil && g.ExpiresAt.Before(now)
}

// IsActive reports whether the grant currently confers access.
func (g *AccessGrant) IsActive(now time.Time) bool {
	return g.Status == StatusActive && !g.IsExpired(now)
}

// SetMeta writes a metadata key, allocating the bag on first use.
func (g *AccessGrant) SetMeta(key string, value any) {
	if g.Metadata == nil {
		g.Metadata = make(map[string]any)
	}
	g.Metadata[key] = value
}

// ClearMeta removes metadata keys, reporting whether any were present.
func (g *AccessGrant) ClearMeta(keys ...string) bool {
	cleared := false
	for _, k := range keys {
		if _, ok := g.Metadata[k]; ok {
			delete(g.Metadata, k)
			cleared = true
		}
	}
	return cleared
}

// CancellationSchedule is the derived view of a pending
// cancel-at-period-end. Status stays active while scheduled because
// access persists through the paid-for period.
type CancellationSchedule struct {
	Scheduled   bool
	ScheduledAt time.Time
	EffectiveAt time.Time
	Reason      string
}

// Cancellation derives the schedule from the grant's metadata bag.
func (g *AccessGrant) Cancellation() CancellationSchedule {
	sched := CancellationSchedule{}
	raw, ok := g.Metadata[MetaCancelScheduledAt]
	if !ok {
		return sched
	}
	sched.Scheduled = true
	sched.ScheduledAt = parseMetaTime(raw)
	sched.EffectiveAt = parseMetaTime(g.Metadata[MetaCancelEffectiveAt])
	if reason, ok := g.Metadata[MetaCancelReason].(string); ok {
		sched.Reason = reason
	}
	return sched
}

func parseMetaTime(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
