package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/hylozoic/entitlements/internal/entitlements"
	apperrors "github.com/hylozoic/entitlements/internal/errors"
)

// AdminHandler serves the direct grant/revoke endpoints used by platform
// staff, bypassing the purchase flow.
type AdminHandler struct {
	engine    *entitlements.Engine
	authToken string
}

// NewAdminHandler creates the admin handler. An empty token disables the
// endpoints entirely.
func NewAdminHandler(engine *entitlements.Engine, authToken string) *AdminHandler {
	return &AdminHandler{engine: engine, authToken: authToken}
}

func (h *AdminHandler) authorized(r *http.Request) bool {
	if h.authToken == "" {
		return false
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.authToken)) == 1
}

type adminGrantRequest struct {
	UserID    int64  `json:"userId"`
	GroupID   int64  `json:"groupId"`
	TrackID   int64  `json:"trackId"`
	RoleID    int64  `json:"roleId"`
	GrantedBy int64  `json:"grantedBy"`
	Reason    string `json:"reason"`
}

// HandleGrant creates a direct grant.
func (h *AdminHandler) HandleGrant(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req adminGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == 0 || req.GroupID == 0 {
		writeError(w, http.StatusBadRequest, "userId and groupId are required")
		return
	}

	g, err := h.engine.AdminGrant(r.Context(), req.UserID, req.GroupID, req.TrackID, req.RoleID, req.GrantedBy, req.Reason)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create grant")
		return
	}
	writeJSONResponse(w, http.StatusCreated, map[string]string{"id": g.ID})
}

type adminRevokeRequest struct {
	RevokedBy int64  `json:"revokedBy"`
	Reason    string `json:"reason"`
}

// HandleRevoke revokes a grant by id.
func (h *AdminHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	grantID := r.PathValue("id")
	if grantID == "" {
		writeError(w, http.StatusBadRequest, "grant id is required")
		return
	}

	var req adminRevokeRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	err := h.engine.AdminRevoke(r.Context(), grantID, req.RevokedBy, req.Reason)
	switch {
	case err == nil:
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "revoked"})
	case errors.Is(err, apperrors.ErrNotFound):
		writeError(w, http.StatusNotFound, "grant not found")
	case apperrors.KindOf(err) == apperrors.KindAlreadyProcessed:
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "revoked"})
	default:
		writeError(w, http.StatusInternalServerError, "failed to revoke grant")
	}
}

// HandleUserGrants lists a user's grants.
func (h *AdminHandler) HandleUserGrants(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	userID, err := strconv.ParseInt(r.PathValue("userId"), 10, 64)
	if err != nil || userID == 0 {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	grants, err := h.engine.GrantsForUser(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list grants")
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
	writeJSONResponse(w, http.StatusOK, map[string]any{"grants": views})
}
