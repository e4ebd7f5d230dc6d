package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// SignatureHeader carries the provider's hex HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Provider-Signature"

// Handler terminates provider webhooks. A 2xx acknowledges the delivery; any
// other status makes the provider redeliver, which is safe because the
// reconciler dedups on the event id.
type Handler struct {
	reconciler *Reconciler
	secret     string
	logger     *slog.Logger
}

// NewHandler constructs a webhook handler. An empty secret disables
// signature verification (local development only).
func NewHandler(reconciler *Reconciler, secret string, logger *slog.Logger) *Handler {
	return &Handler{reconciler: reconciler, secret: secret, logger: logger}
}

type webhookEnvelope struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Receive verifies, parses and applies one provider event.
func (h *Handler) Receive(c *fiber.Ctx) error {
	body := c.Body()

	if h.secret != "" && !verifySignature(h.secret, body, c.Get(SignatureHeader)) {
		return fiber.NewError(http.StatusUnauthorized, "bad signature")
	}

	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fiber.NewError(http.StatusBadRequest, "malformed event")
	}

	if err := h.reconciler.Handle(c.UserContext(), env.ID, env.Type, env.Data); err != nil {
		if errors.Is(err, ErrBadPayload) {
			// Redelivery would not fix a bad payload; acknowledge with a
			// client error so the provider's queue is not blocked.
			h.logger.Warn("rejected provider event", "event_id", env.ID, "error", err)
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		// Transient failure: no acknowledgment, the provider retries.
		h.logger.Error("webhook processing failed", "event_id", env.ID, "type", env.Type, "error", err)
		return fiber.NewError(http.StatusInternalServerError, "processing failed")
	}

	return c.Status(http.StatusOK).JSON(fiber.Map{"received": true, "event_id": env.ID})
}

func verifySignature(secret string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

// Sign computes the signature the provider is expected to send. Exported for
// tests and for the local event simulator.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
