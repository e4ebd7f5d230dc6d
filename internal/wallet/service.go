package wallet

import (
	"context"

	"github.com/everesthood/payments/internal/ledger"
)

// Service is the read surface over wallets: balances and entry history. All
// mutation goes through the transfer orchestrator and the webhook
// reconciler; nothing here writes.
type Service struct {
	store ledger.Store
}

// NewService builds a wallet read service.
func NewService(store ledger.Store) *Service {
	return &Service{store: store}
}

// Balance returns the owner's wallet. Owners without a wallet have simply
// never been credited; that is ErrNotFound, not an error state.
func (s *Service) Balance(ctx context.Context, ownerID string) (ledger.Wallet, error) {
	return s.store.WalletByOwner(ctx, ownerID)
}

// History returns the owner's most recent ledger entries, newest first.
func (s *Service) History(ctx context.Context, ownerID string, limit int) ([]ledger.Entry, error) {
	w, err := s.store.WalletByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return s.store.EntriesForWallet(ctx, w.ID, limit)
}
