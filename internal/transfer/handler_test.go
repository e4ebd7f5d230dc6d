package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/everesthood/payments/internal/ledger"
	"github.com/everesthood/payments/internal/logging"
	"github.com/everesthood/payments/internal/money"
)

func newTransferApp(t *testing.T, store ledger.Store) *fiber.App {
	t.Helper()
	app := fiber.New()
	h := NewHandler(NewService(store, nil, logging.Discard(), 0))
	app.Post("/transfers", h.Execute)
	app.Get("/transfers/:transferId", h.Get)
	return app
}

func postTransfer(t *testing.T, app *fiber.App, body map[string]any) *http.Response {
	t.Helper()
	payload, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/transfers", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return resp
}

func TestTransferEndpointStatusMapping(t *testing.T) {
	store := ledger.NewMemory()
	ctx := context.Background()
	if _, err := ledger.SeedBalance(ctx, store, "alice", "USD", money.MustParse("50.00")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	app := newTransferApp(t, store)

	ok := map[string]any{
		"sender_owner_id":   "alice",
		"receiver_owner_id": "bob",
		"amount":            "10.00",
		"currency":          "USD",
		"kind":              "tip",
		"idempotency_key":   "h-1",
	}
	resp := postTransfer(t, app, ok)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var created struct {
		TransferID string `json:"transfer_id"`
		Status     string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Status != string(ledger.TransferCompleted) {
		t.Fatalf("expected COMPLETED, got %s", created.Status)
	}

	// Self-transfer is a client error.
	bad := map[string]any{
		"sender_owner_id":   "alice",
		"receiver_owner_id": "alice",
		"amount":            "1.00",
		"currency":          "USD",
	}
	if resp := postTransfer(t, app, bad); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("self-transfer: expected 400, got %d", resp.StatusCode)
	}

	// Insufficient funds maps to 402 and the transfer is FAILED.
	broke := map[string]any{
		"sender_owner_id":   "alice",
		"receiver_owner_id": "bob",
		"amount":            "500.00",
		"currency":          "USD",
		"idempotency_key":   "h-2",
	}
	if resp := postTransfer(t, app, broke); resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("insufficient funds: expected 402, got %d", resp.StatusCode)
	}

	// Replaying the failed key maps to 409.
	if resp := postTransfer(t, app, broke); resp.StatusCode != http.StatusConflict {
		t.Fatalf("failed-key replay: expected 409, got %d", resp.StatusCode)
	}

	// Lookup of the created transfer.
	req := httptest.NewRequest(http.MethodGet, "/transfers/"+created.TransferID, nil)
	getResp, err := app.Test(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", getResp.StatusCode)
	}

	req = httptest.NewRequest(http.MethodGet, "/transfers/not-a-uuid", nil)
	if resp, _ := app.Test(req); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad id: expected 400, got %d", resp.StatusCode)
	}
}
