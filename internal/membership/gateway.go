// Package membership talks to the platform's membership API: the system
// of record for who belongs to which group, track, and role. The
// entitlement engine only requests transitions; it never mutates
// membership state directly.
package membership

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/hylozoic/entitlements/internal/errors"
)

// Gateway requests membership transitions on the platform. Implementations
// must be idempotent: ensuring a membership that already exists is a no-op.
type Gateway interface {
	// EnsureMembership adds the user to the group (and optionally a track
	// or role within it) if not already a member.
	EnsureMembership(ctx context.Context, userID, groupID, trackID, roleID int64) error
	// AcceptAgreements marks the group's agreements accepted for the user,
	// part of the purchase-driven join flow.
	AcceptAgreements(ctx context.Context, userID, groupID int64) error
	// PinToNav surfaces the group in the user's navigation after a
	// purchase-driven join.
	PinToNav(ctx context.Context, userID, groupID int64) error
	// RemoveMembership drops entitlement-sourced access when a grant is
	// revoked. Memberships the user held before purchase are kept.
	RemoveMembership(ctx context.Context, userID, groupID, trackID, roleID int64) error
}

// HTTPGateway implements Gateway against the platform's internal API.
type HTTPGateway struct {
	baseURL   string
	authToken string
	client    *http.Client
}

// NewHTTPGateway builds a gateway with a bounded request timeout.
func NewHTTPGateway(baseURL, authToken string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPGateway{
		baseURL:   baseURL,
		authToken: authToken,
		client:    &http.Client{Timeout: timeout},
	}
}

type membershipRequest struct {
	UserID  int64 `json:"userId"`
	GroupID int64 `json:"groupId"`
	TrackID int64 `json:"trackId,omitempty"`
	RoleID  int64 `json:"roleId,omitempty"`
}

func (g *HTTPGateway) EnsureMembership(ctx context.Context, userID, groupID, trackID, roleID int64) error {
	return g.post(ctx, "/internal/memberships/ensure", membershipRequest{
		UserID: userID, GroupID: groupID, TrackID: trackID, RoleID: roleID,
	})
}

func (g *HTTPGateway) AcceptAgreements(ctx context.Context, userID, groupID int64) error {
	return g.post(ctx, "/internal/memberships/accept-agreements", membershipRequest{
		UserID: userID, GroupID: groupID,
	})
}

func (g *HTTPGateway) PinToNav(ctx context.Context, userID, groupID int64) error {
	return g.post(ctx, "/internal/memberships/pin", membershipRequest{
		UserID: userID, GroupID: groupID,
	})
}

func (g *HTTPGateway) RemoveMembership(ctx context.Context, userID, groupID, trackID, roleID int64) error {
	return g.post(ctx, "/internal/memberships/remove", membershipRequest{
		UserID: userID, GroupID: groupID, TrackID: trackID, RoleID: roleID,
	})
}

func (g *HTTPGateway) post(ctx context.Context, path string, body membershipRequest) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode membership request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build membership request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+g.authToken)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return apperrors.Upstream("membership_"+path, fmt.Sprint(body.UserID), err, 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.Warn().
			Str("path", path).
			Int64("userId", body.UserID).
			Int64("groupId", body.GroupID).
			Int("status", resp.StatusCode).
			Msg("Membership API returned error")
		return apperrors.Upstream("membership_"+path, fmt.Sprint(body.UserID),
			fmt.Errorf("membership API status %d", resp.StatusCode), resp.StatusCode)
	}
	return nil
}
