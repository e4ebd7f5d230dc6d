package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/everesthood/payments/internal/money"
)

func TestGetOrCreateWalletIsIdempotent(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	first, err := s.GetOrCreateWallet(ctx, "owner-a", "USD")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := s.GetOrCreateWallet(ctx, "owner-a", "USD")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected one wallet per owner, got %s and %s", first.ID, second.ID)
	}
	if !second.Balance.IsZero() {
		t.Fatalf("new wallet should start at zero, got %s", second.Balance)
	}

	if _, err := s.GetOrCreateWallet(ctx, "owner-a", "EUR"); !errors.Is(err, ErrCurrencyMismatch) {
		t.Fatalf("expected currency mismatch, got %v", err)
	}
}

func TestApplyDeltaVersionConflict(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	w, err := s.GetOrCreateWallet(ctx, "owner-a", "USD")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := s.ApplyDelta(ctx, w.ID, money.MustParse("5.00"), w.Version)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if updated.Version != w.Version+1 {
		t.Fatalf("expected version bump to %d, got %d", w.Version+1, updated.Version)
	}

	// Stale version must be rejected.
	if _, err := s.ApplyDelta(ctx, w.ID, money.MustParse("1.00"), w.Version); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}

func TestAppendEnforcesConservation(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	w, _ := s.GetOrCreateWallet(ctx, "owner-a", "USD")

	_, err := s.Append(ctx, []Entry{
		{WalletID: w.ID, TransferID: uuid.New(), Amount: money.MustParse("10.00"), Kind: KindTipReceived},
	})
	if !errors.Is(err, ErrConservationViolation) {
		t.Fatalf("expected conservation violation, got %v", err)
	}
}

func TestAppendIsIdempotent(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	a, _ := s.GetOrCreateWallet(ctx, "owner-a", "USD")
	b, _ := s.GetOrCreateWallet(ctx, "owner-b", "USD")

	transferID := uuid.New()
	batch := []Entry{
		{WalletID: a.ID, TransferID: transferID, Amount: money.MustParse("-7.50"), Kind: KindTipSent},
		{WalletID: b.ID, TransferID: transferID, Amount: money.MustParse("7.50"), Kind: KindTipReceived},
	}

	first, err := s.Append(ctx, batch)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	second, err := s.Append(ctx, batch)
	if err != nil {
		t.Fatalf("re-append: %v", err)
	}
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("expected 2 entries each, got %d and %d", len(first), len(second))
	}
	if first[0].ID != second[0].ID {
		t.Fatalf("re-append must return the stored entries, not duplicates")
	}

	all, _ := s.EntriesForTransfer(ctx, transferID)
	if len(all) != 2 {
		t.Fatalf("expected exactly 2 stored entries, got %d", len(all))
	}
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	w, _ := s.GetOrCreateWallet(ctx, "owner-a", "USD")

	boom := fmt.Errorf("boom")
	err := s.WithinTx(ctx, func(tx Store) error {
		if _, err := tx.ApplyDelta(ctx, w.ID, money.MustParse("100.00"), w.Version); err != nil {
			return err
		}
		if err := tx.RecordEvent(ctx, ExternalEvent{ProviderEventID: "evt_x", Type: "t"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	// Nothing inside the failed boundary may be visible.
	after, _ := s.GetWallet(ctx, w.ID)
	if !after.Balance.IsZero() {
		t.Fatalf("balance leaked from rolled-back boundary: %s", after.Balance)
	}
	if after.Version != w.Version {
		t.Fatalf("version leaked from rolled-back boundary: %d", after.Version)
	}
	seen, _ := s.EventProcessed(ctx, "evt_x")
	if seen {
		t.Fatalf("event record leaked from rolled-back boundary")
	}
}

func TestSeedBalanceKeepsBalanceEqualToEntrySum(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	w, err := SeedBalance(ctx, s, "owner-a", "USD", money.MustParse("100.00"))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if w.Balance.String() != "100.00" {
		t.Fatalf("expected 100.00, got %s", w.Balance)
	}

	entries, _ := s.EntriesForWallet(ctx, w.ID, 0)
	sum := money.Zero()
	for _, e := range entries {
		sum = sum.Add(e.Amount)
	}
	if !sum.Equal(w.Balance) {
		t.Fatalf("balance %s != entry sum %s", w.Balance, sum)
	}
}

func TestRecordEventDeduplicates(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	ev := ExternalEvent{ProviderEventID: "evt_1", Type: "invoice.paid"}
	if err := s.RecordEvent(ctx, ev); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.RecordEvent(ctx, ev); !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("expected duplicate event, got %v", err)
	}
}

func TestMarkTransferIsTerminal(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	tr := Transfer{
		ID:              uuid.New(),
		SenderOwnerID:   "a",
		ReceiverOwnerID: "b",
		Amount:          money.MustParse("1.00"),
		Currency:        "USD",
		Kind:            KindTipSent,
		Status:          TransferPending,
		IdempotencyKey:  "key-1",
	}
	if err := s.CreateTransfer(ctx, tr); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateTransfer(ctx, tr); !errors.Is(err, ErrDuplicateTransfer) {
		t.Fatalf("expected duplicate transfer, got %v", err)
	}

	now := time.Now().UTC()
	if err := s.MarkTransfer(ctx, tr.ID, TransferCompleted, "", now); err != nil {
		t.Fatalf("mark: %v", err)
	}
	// A second transition must not overwrite the terminal state.
	if err := s.MarkTransfer(ctx, tr.ID, TransferFailed, "late failure", now); err != nil {
		t.Fatalf("re-mark: %v", err)
	}
	got, _ := s.TransferByID(ctx, tr.ID)
	if got.Status != TransferCompleted {
		t.Fatalf("terminal status overwritten: %s", got.Status)
	}
}
