package ledger

import (
	"context"
	"testing"

	"github.com/everesthood/payments/internal/money"
)

func TestEntrySignatureChainVerifies(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	w, err := SeedBalance(ctx, s, "owner-a", "USD", money.MustParse("50.00"))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := SeedBalance(ctx, s, "owner-a", "USD", money.MustParse("25.00")); err != nil {
		t.Fatalf("seed again: %v", err)
	}

	entries, err := s.EntriesForWallet(ctx, w.ID, 0)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	// EntriesForWallet returns newest first; the chain verifies oldest first.
	oldestFirst := make([]Entry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		oldestFirst = append(oldestFirst, entries[i])
	}

	if err := VerifyChain(oldestFirst); err != nil {
		t.Fatalf("chain should verify: %v", err)
	}
}

func TestEntrySignatureChainDetectsTampering(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	w, err := SeedBalance(ctx, s, "owner-a", "USD", money.MustParse("50.00"))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	entries, _ := s.EntriesForWallet(ctx, w.ID, 0)
	entries[0].Amount = money.MustParse("5000.00")
	if err := VerifyChain(entries); err == nil {
		t.Fatalf("expected tampered chain to fail verification")
	}
}
