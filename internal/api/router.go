// Package api wires the HTTP surface: the provider webhook endpoint, the
// post-checkout redirects, admin grant management, health, and metrics.
package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hylozoic/entitlements/internal/billing"
	"github.com/hylozoic/entitlements/internal/entitlements"
)

// RouterConfig carries the router's dependencies.
type RouterConfig struct {
	Parser         *billing.WebhookParser
	Engine         *entitlements.Engine
	AdminAuthToken string
}

// NewRouter builds the HTTP handler.
func NewRouter(cfg RouterConfig) http.Handler {
	webhooks := NewWebhookHandler(cfg.Parser, cfg.Engine)
	checkout := NewCheckoutHandler(cfg.Engine)
	admin := NewAdminHandler(cfg.Engine, cfg.AdminAuthToken)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/webhooks/stripe", webhooks.HandleStripeWebhook)
	mux.HandleFunc("GET /api/checkout/success", checkout.HandleSuccess)
	mux.HandleFunc("GET /api/checkout/cancel", checkout.HandleCancel)
	mux.HandleFunc("POST /api/admin/grants", admin.HandleGrant)
	mux.HandleFunc("DELETE /api/admin/grants/{id}", admin.HandleRevoke)
	mux.HandleFunc("GET /api/admin/users/{userId}/grants", admin.HandleUserGrants)
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "healthy"})
}
