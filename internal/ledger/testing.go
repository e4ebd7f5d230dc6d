package ledger

import (
	"context"

	"github.com/google/uuid"

	"github.com/everesthood/payments/internal/money"
)

// SeedBalance is a test helper that funds an owner's wallet through a proper
// double-entry posting against the provider clearing wallet, so the seeded
// state still satisfies balance == sum(entries).
func SeedBalance(ctx context.Context, s Store, ownerID, currency string, amount money.Amount) (Wallet, error) {
	var funded Wallet
	err := s.WithinTx(ctx, func(tx Store) error {
		clearing, err := tx.GetOrCreateWallet(ctx, ClearingOwnerID, currency)
		if err != nil {
			return err
		}
		w, err := tx.GetOrCreateWallet(ctx, ownerID, currency)
		if err != nil {
			return err
		}
		if _, err := tx.ApplyDelta(ctx, clearing.ID, amount.Neg(), clearing.Version); err != nil {
			return err
		}
		if funded, err = tx.ApplyDelta(ctx, w.ID, amount, w.Version); err != nil {
			return err
		}
		transferID := uuid.New()
		_, err = tx.Append(ctx, []Entry{
			{WalletID: clearing.ID, TransferID: transferID, Amount: amount.Neg(), Kind: KindProviderClearing},
			{WalletID: w.ID, TransferID: transferID, Amount: amount, Kind: KindProviderCredit},
		})
		return err
	})
	if err != nil {
		return Wallet{}, err
	}
	return funded, nil
}
