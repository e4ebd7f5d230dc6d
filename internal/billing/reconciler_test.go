package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/everesthood/payments/internal/ledger"
	"github.com/everesthood/payments/internal/logging"
	"github.com/everesthood/payments/internal/money"
)

func TestInvoicePaidCreditsOwnerOnce(t *testing.T) {
	s := ledger.NewMemory()
	r := NewReconciler(s, logging.Discard())
	ctx := context.Background()

	payload := []byte(`{"owner_id":"creator-1","amount":"25.00","currency":"USD"}`)
	if err := r.Handle(ctx, "evt_1", EventInvoicePaid, payload); err != nil {
		t.Fatalf("handle: %v", err)
	}

	w, err := s.WalletByOwner(ctx, "creator-1")
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if w.Balance.String() != "25.00" {
		t.Fatalf("expected 25.00, got %s", w.Balance)
	}

	// Redelivery of the same event id must be a no-op.
	if err := r.Handle(ctx, "evt_1", EventInvoicePaid, payload); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	w, _ = s.WalletByOwner(ctx, "creator-1")
	if w.Balance.String() != "25.00" {
		t.Fatalf("redelivery double-credited: %s", w.Balance)
	}

	// The credit is posted as a conserved double entry from the clearing
	// wallet, so total entries for the derived transfer sum to zero.
	entries, _ := s.EntriesForWallet(ctx, w.ID, 0)
	if len(entries) != 1 {
		t.Fatalf("expected exactly one credit entry, got %d", len(entries))
	}
	pair, _ := s.EntriesForTransfer(ctx, entries[0].TransferID)
	sum := money.Zero()
	for _, e := range pair {
		sum = sum.Add(e.Amount)
	}
	if len(pair) != 2 || !sum.IsZero() {
		t.Fatalf("credit not conserved: %d entries sum %s", len(pair), sum)
	}
}

func TestSubscriptionUpdatedUpsertsBilling(t *testing.T) {
	s := ledger.NewMemory()
	r := NewReconciler(s, logging.Discard())
	ctx := context.Background()

	payload := []byte(`{
		"owner_id": "creator-1",
		"status": "active",
		"plan": "pro",
		"current_period_start": "2026-08-01T00:00:00Z",
		"current_period_end": "2026-09-01T00:00:00Z"
	}`)
	if err := r.Handle(ctx, "evt_sub_1", EventSubscriptionUpdated, payload); err != nil {
		t.Fatalf("handle: %v", err)
	}

	b, err := s.BillingByOwner(ctx, "creator-1")
	if err != nil {
		t.Fatalf("billing: %v", err)
	}
	if b.Status != ledger.BillingActive || b.Plan != "pro" {
		t.Fatalf("unexpected billing %+v", b)
	}
	want := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	if !b.CurrentPeriodEnd.Equal(want) {
		t.Fatalf("period end %s", b.CurrentPeriodEnd)
	}
}

func TestInvoiceFailedMarksPastDue(t *testing.T) {
	s := ledger.NewMemory()
	r := NewReconciler(s, logging.Discard())
	ctx := context.Background()

	if err := r.Handle(ctx, "evt_f_1", EventInvoiceFailed, []byte(`{"owner_id":"creator-1"}`)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	b, err := s.BillingByOwner(ctx, "creator-1")
	if err != nil {
		t.Fatalf("billing: %v", err)
	}
	if b.Status != ledger.BillingPastDue {
		t.Fatalf("expected past_due, got %s", b.Status)
	}
}

func TestUsageRecordedStoresRecord(t *testing.T) {
	s := ledger.NewMemory()
	r := NewReconciler(s, logging.Discard())
	ctx := context.Background()

	payload := []byte(`{
		"owner_id": "creator-1",
		"quantity": "3.50",
		"unit": "gb",
		"recorded_at": "2026-08-15T12:00:00Z"
	}`)
	if err := r.Handle(ctx, "evt_u_1", EventUsageRecorded, payload); err != nil {
		t.Fatalf("handle: %v", err)
	}

	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	records, err := s.UsageInRange(ctx, "creator-1", from, to)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if len(records) != 1 || records[0].Quantity.String() != "3.50" {
		t.Fatalf("unexpected usage records %+v", records)
	}
}

func TestUnknownEventTypeIsAckedAndRemembered(t *testing.T) {
	s := ledger.NewMemory()
	r := NewReconciler(s, logging.Discard())
	ctx := context.Background()

	if err := r.Handle(ctx, "evt_odd", "charge.disputed", []byte(`{}`)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	seen, _ := s.EventProcessed(ctx, "evt_odd")
	if !seen {
		t.Fatalf("unknown event id should still be recorded")
	}
}

func TestBadPayloadIsRejected(t *testing.T) {
	s := ledger.NewMemory()
	r := NewReconciler(s, logging.Discard())
	ctx := context.Background()

	cases := []struct {
		id      string
		typ     string
		payload string
	}{
		{"", EventInvoicePaid, `{"owner_id":"a","amount":"1.00","currency":"USD"}`},
		{"evt_b1", EventInvoicePaid, `not json`},
		{"evt_b2", EventInvoicePaid, `{"owner_id":"","amount":"1.00","currency":"USD"}`},
		{"evt_b3", EventInvoicePaid, `{"owner_id":"a","amount":"-1.00","currency":"USD"}`},
		{"evt_b4", EventInvoicePaid, `{"owner_id":"a","amount":"1.00","currency":"??"}`},
		{"evt_b5", EventUsageRecorded, `{"owner_id":"a","quantity":"x"}`},
	}
	for i, tc := range cases {
		err := r.Handle(ctx, tc.id, tc.typ, []byte(tc.payload))
		if !errors.Is(err, ErrBadPayload) {
			t.Fatalf("case %d: expected ErrBadPayload, got %v", i, err)
		}
	}

	// Rejected events are not marked processed; a corrected redelivery with
	// the same id must still apply.
	if seen, _ := s.EventProcessed(ctx, "evt_b2"); seen {
		t.Fatalf("rejected event must not be recorded")
	}
}
