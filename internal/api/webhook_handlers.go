package api

import (
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hylozoic/entitlements/internal/billing"
	"github.com/hylozoic/entitlements/internal/entitlements"
	apperrors "github.com/hylozoic/entitlements/internal/errors"
	"github.com/hylozoic/entitlements/internal/logging"
	"github.com/hylozoic/entitlements/internal/metrics"
)

// maxWebhookBody bounds the webhook payload size.
const maxWebhookBody = 1 << 20 // 1MB

// WebhookHandler receives provider webhook deliveries.
type WebhookHandler struct {
	parser *billing.WebhookParser
	engine *entitlements.Engine
}

// NewWebhookHandler creates the webhook handler.
func NewWebhookHandler(parser *billing.WebhookParser, engine *entitlements.Engine) *WebhookHandler {
	return &WebhookHandler{parser: parser, engine: engine}
}

// HandleStripeWebhook verifies and processes a webhook delivery. Only an
// invalid signature or an undecodable payload gets a non-success status;
// every other failure is absorbed with a success response so the provider
// does not retry what redelivery cannot fix.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		metrics.WebhookRequestDuration.Observe(time.Since(start).Seconds())
	}()

	ctx, requestID := logging.WithRequestID(r.Context(), r.Header.Get("X-Request-Id"))

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read payload")
		return
	}

	ev, err := h.parser.VerifyAndParse(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if apperrors.IsRejectable(err) {
			log.Warn().
				Err(err).
				Str("requestId", requestID).
				Str("kind", string(apperrors.KindOf(err))).
				Msg("Rejecting webhook")
			metrics.EventsProcessed.WithLabelValues("unknown", "rejected").Inc()
			writeError(w, http.StatusBadRequest, "invalid webhook")
			return
		}
		// Shouldn't happen: the parser only produces rejectable errors.
		log.Error().Err(err).Msg("Unexpected webhook parse failure")
		writeError(w, http.StatusBadRequest, "invalid webhook")
		return
	}

	h.engine.Process(ctx, ev)
	writeJSONResponse(w, http.StatusOK, map[string]bool{"received": true})
}
