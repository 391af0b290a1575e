package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-credit-backend/internal/http/middleware"
)

// maxWebhookBytes matches Stripe's documented payload ceiling.
const maxWebhookBytes = 64 << 10

// StripeWebhook godoc
// @ID          stripeWebhook
// @Summary     Stripe webhook receiver
// @Description Verifies the Stripe-Signature header over the raw body, then applies the event once. Redelivered events return 200 with duplicate=true.
// @Tags        Webhooks
// @Accept      json
// @Produce     json
//
// @Param       Stripe-Signature  header  string  true  "Stripe signature header"
//
// @Success     200  {object}  services.WebhookResult
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid signature or payload"
// @Failure     413  {object}  handlers.ErrorResponse  "Payload too large"
// @Failure     503  {object}  handlers.ErrorResponse  "Webhook secret not configured"
// @Router      /webhooks/stripe [post]
func (h *Handlers) StripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBytes+1))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			fail(c, http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "payload too large")
			return
		}
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable body")
		return
	}
	if len(payload) > maxWebhookBytes {
		fail(c, http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "payload too large")
		return
	}

	res, err := h.webhooks.HandleStripe(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		writeError(c, err)
		return
	}

	middleware.LoggerFrom(c).Info().
		Str("event_id", res.EventID).
		Str("event_type", res.Type).
		Bool("duplicate", res.Duplicate).
		Bool("handled", res.Handled).
		Msg("stripe webhook processed")
	ok(c, http.StatusOK, res)
}
