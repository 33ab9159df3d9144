package api

import (
	"net/http"
	"time"

	"github.com/hylozoic/entitlements/internal/entitlements"
)

// CheckoutHandler serves the post-checkout redirect endpoints. The
// browser lands here before the webhook may have arrived, so "no grants
// yet" is reported as processing, not failure.
type CheckoutHandler struct {
	engine *entitlements.Engine
}

// NewCheckoutHandler creates the checkout handler.
func NewCheckoutHandler(engine *entitlements.Engine) *CheckoutHandler {
	return &CheckoutHandler{engine: engine}
}

type grantView struct {
	ID        string     `json:"id"`
	GroupID   int64      `json:"groupId"`
	TrackID   int64      `json:"trackId,omitempty"`
	RoleID    int64      `json:"roleId,omitempty"`
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// HandleSuccess reports whether a checkout session's grants have
// materialized yet.
func (h *CheckoutHandler) HandleSuccess(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	grants, err := h.engine.GrantsBySession(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up session")
		return
	}

	if len(grants) == 0 {
		// Webhook not processed yet; the client polls.
		writeJSONResponse(w, http.StatusOK, map[string]any{
			"status": "processing",
		})
		return
	}

	views := make([]grantView, 0, len(grants))
	for _, g := range grants {
		views = append(views, grantView{
			ID:        g.ID,
			GroupID:   g.GroupID,
			TrackID:   g.TrackID,
			RoleID:    g.RoleID,
			Status:    string(g.Status),
			ExpiresAt: g.ExpiresAt,
		})
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"status": "complete",
		"grants": views,
	})
}

// HandleCancel acknowledges an abandoned checkout.
func (h *CheckoutHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "cancelled"})
}
