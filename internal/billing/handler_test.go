package billing

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/everesthood/payments/internal/ledger"
	"github.com/everesthood/payments/internal/logging"
)

const testSecret = "whsec_test"

func newWebhookApp(t *testing.T, store ledger.Store, secret string) *fiber.App {
	t.Helper()
	app := fiber.New()
	h := NewHandler(NewReconciler(store, logging.Discard()), secret, logging.Discard())
	app.Post("/webhooks/billing", h.Receive)
	return app
}

func postEvent(t *testing.T, app *fiber.App, body []byte, signature string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return resp
}

func TestWebhookAcceptsSignedEvent(t *testing.T) {
	store := ledger.NewMemory()
	app := newWebhookApp(t, store, testSecret)

	body := []byte(`{"id":"evt_1","type":"invoice.paid","data":{"owner_id":"creator-1","amount":"9.99","currency":"USD"}}`)
	resp := postEvent(t, app, body, Sign(testSecret, body))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	w, err := store.WalletByOwner(context.Background(), "creator-1")
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if w.Balance.String() != "9.99" {
		t.Fatalf("expected 9.99, got %s", w.Balance)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	store := ledger.NewMemory()
	app := newWebhookApp(t, store, testSecret)

	body := []byte(`{"id":"evt_1","type":"invoice.paid","data":{"owner_id":"creator-1","amount":"9.99","currency":"USD"}}`)

	if resp := postEvent(t, app, body, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing signature: expected 401, got %d", resp.StatusCode)
	}
	if resp := postEvent(t, app, body, Sign("wrong secret", body)); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong signature: expected 401, got %d", resp.StatusCode)
	}

	if _, err := store.WalletByOwner(context.Background(), "creator-1"); err == nil {
		t.Fatalf("unauthenticated event must not mutate the ledger")
	}
}

func TestWebhookAcksBadPayloadWithClientError(t *testing.T) {
	store := ledger.NewMemory()
	app := newWebhookApp(t, store, testSecret)

	body := []byte(`{"id":"evt_2","type":"invoice.paid","data":{"owner_id":"","amount":"9.99","currency":"USD"}}`)
	resp := postEvent(t, app, body, Sign(testSecret, body))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestWebhookRedeliveryIsIdempotent(t *testing.T) {
	store := ledger.NewMemory()
	app := newWebhookApp(t, store, testSecret)

	body := []byte(`{"id":"evt_3","type":"invoice.paid","data":{"owner_id":"creator-1","amount":"5.00","currency":"USD"}}`)
	sig := Sign(testSecret, body)
	for i := 0; i < 3; i++ {
		if resp := postEvent(t, app, body, sig); resp.StatusCode != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d", i, resp.StatusCode)
		}
	}

	w, _ := store.WalletByOwner(context.Background(), "creator-1")
	if w.Balance.String() != "5.00" {
		t.Fatalf("redeliveries credited more than once: %s", w.Balance)
	}
}
