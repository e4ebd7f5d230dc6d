package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/everesthood/payments/internal/events"
	"github.com/everesthood/payments/internal/ledger"
	"github.com/everesthood/payments/internal/money"
)

var (
	// ErrInvalidOperation covers self-transfers, malformed amounts and other
	// requests rejected before any mutation.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrInsufficientFunds indicates the sender balance cannot cover the
	// transfer. The transfer is marked FAILED with no ledger mutation.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrContention indicates optimistic-concurrency retries were exhausted.
	// The transfer stays PENDING and the caller may retry with the same key.
	ErrContention = errors.New("wallet contention, retry later")

	// ErrTransferFailed is returned when a caller replays the idempotency
	// key of a transfer that already failed. Failed transfers are never
	// resurrected; a re-attempt needs a fresh key.
	ErrTransferFailed = errors.New("transfer already failed")
)

// Kind selects the business meaning of a transfer.
type Kind string

const (
	KindTip          Kind = "tip"
	KindSubscription Kind = "subscription"
)

const defaultMaxAttempts = 5

// Service executes value transfers between owner wallets as single atomic
// units: balance check, two wallet deltas, the double entry and the status
// flip all commit together or not at all.
type Service struct {
	store       ledger.Store
	publisher   events.Publisher
	logger      *slog.Logger
	maxAttempts int
}

// NewService constructs the orchestrator. maxAttempts bounds version-conflict
// retries; zero selects the default of 5.
func NewService(store ledger.Store, publisher events.Publisher, logger *slog.Logger, maxAttempts int) *Service {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Service{store: store, publisher: publisher, logger: logger, maxAttempts: maxAttempts}
}

// ExecuteInput carries a caller-initiated transfer request.
type ExecuteInput struct {
	SenderOwnerID   string
	ReceiverOwnerID string
	Amount          money.Amount
	Currency        string
	Kind            Kind
	IdempotencyKey  string
	Message         string
	Anonymous       bool
}

func entryKinds(k Kind) (debit, credit ledger.EntryKind, err error) {
	switch k {
	case KindTip:
		return ledger.KindTipSent, ledger.KindTipReceived, nil
	case KindSubscription:
		return ledger.KindSubscriptionPayment, ledger.KindSubscriptionPayment, nil
	default:
		return "", "", fmt.Errorf("%w: unknown transfer kind %q", ErrInvalidOperation, k)
	}
}

// Execute validates and runs a transfer. Replays by idempotency key return
// the stored outcome: COMPLETED transfers are returned unchanged, FAILED
// transfers come back with ErrTransferFailed, PENDING transfers have their
// boundary re-attempted under the same row.
func (s *Service) Execute(ctx context.Context, input ExecuteInput) (ledger.Transfer, error) {
	if input.SenderOwnerID == "" || input.ReceiverOwnerID == "" {
		return ledger.Transfer{}, fmt.Errorf("%w: sender and receiver are required", ErrInvalidOperation)
	}
	if input.SenderOwnerID == input.ReceiverOwnerID {
		return ledger.Transfer{}, fmt.Errorf("%w: self-transfer", ErrInvalidOperation)
	}
	if !input.Amount.IsPositive() {
		return ledger.Transfer{}, fmt.Errorf("%w: amount must be positive", ErrInvalidOperation)
	}
	currency, err := money.NormalizeCurrency(input.Currency)
	if err != nil {
		return ledger.Transfer{}, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	debitKind, creditKind, err := entryKinds(input.Kind)
	if err != nil {
		return ledger.Transfer{}, err
	}
	if input.IdempotencyKey == "" {
		input.IdempotencyKey = uuid.NewString()
	}

	tr, replay, err := s.findOrCreate(ctx, input, currency)
	if err != nil {
		return tr, err
	}
	if replay {
		return tr, nil
	}

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepWithJitter(ctx, attempt); err != nil {
				return tr, err
			}
		}

		completedAt := time.Now().UTC()
		err := s.store.WithinTx(ctx, func(tx ledger.Store) error {
			sender, err := tx.GetOrCreateWallet(ctx, input.SenderOwnerID, currency)
			if err != nil {
				return err
			}
			// Sufficiency check and debit share the boundary: two racing
			// transfers cannot both pass against a stale balance.
			if sender.Balance.LessThan(input.Amount) {
				return fmt.Errorf("balance %s below %s: %w", sender.Balance, input.Amount, ErrInsufficientFunds)
			}
			receiver, err := tx.GetOrCreateWallet(ctx, input.ReceiverOwnerID, currency)
			if err != nil {
				return err
			}
			if _, err := tx.ApplyDelta(ctx, sender.ID, input.Amount.Neg(), sender.Version); err != nil {
				return err
			}
			if _, err := tx.ApplyDelta(ctx, receiver.ID, input.Amount, receiver.Version); err != nil {
				return err
			}
			if _, err := tx.Append(ctx, []ledger.Entry{
				{WalletID: sender.ID, TransferID: tr.ID, Amount: input.Amount.Neg(), Kind: debitKind},
				{WalletID: receiver.ID, TransferID: tr.ID, Amount: input.Amount, Kind: creditKind},
			}); err != nil {
				return err
			}
			return tx.MarkTransfer(ctx, tr.ID, ledger.TransferCompleted, "", completedAt)
		})

		switch {
		case err == nil:
			tr.Status = ledger.TransferCompleted
			tr.CompletedAt = completedAt
			s.emit(ctx, tr)
			return tr, nil

		case errors.Is(err, ledger.ErrVersionConflict):
			continue

		case errors.Is(err, ErrInsufficientFunds):
			return s.fail(ctx, tr, "insufficient funds", ErrInsufficientFunds)

		case errors.Is(err, ledger.ErrConservationViolation):
			s.logger.Error("conservation violation, refusing to commit",
				"transfer_id", tr.ID, "error", err)
			return s.fail(ctx, tr, "internal error", err)

		case errors.Is(err, ledger.ErrCurrencyMismatch):
			tr, _ = s.fail(ctx, tr, "currency mismatch", err)
			return tr, fmt.Errorf("%w: %v", ErrInvalidOperation, err)

		default:
			return s.fail(ctx, tr, "internal error", err)
		}
	}

	// Boundary never committed: the transfer stays PENDING and the same key
	// remains retryable.
	return tr, fmt.Errorf("transfer %s after %d attempts: %w", tr.ID, s.maxAttempts, ErrContention)
}

// findOrCreate resolves the idempotency key to a transfer row, creating a
// fresh PENDING row when the key is new. replay is true when the stored
// transfer is already COMPLETED.
func (s *Service) findOrCreate(ctx context.Context, input ExecuteInput, currency string) (ledger.Transfer, bool, error) {
	existing, err := s.store.TransferByKey(ctx, input.IdempotencyKey)
	if err == nil {
		switch existing.Status {
		case ledger.TransferCompleted:
			return existing, true, nil
		case ledger.TransferFailed:
			return existing, false, ErrTransferFailed
		default:
			return existing, false, nil
		}
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return ledger.Transfer{}, false, err
	}

	tr := ledger.Transfer{
		ID:              uuid.New(),
		SenderOwnerID:   input.SenderOwnerID,
		ReceiverOwnerID: input.ReceiverOwnerID,
		Amount:          input.Amount,
		Currency:        currency,
		Kind:            transferEntryKind(input.Kind),
		Status:          ledger.TransferPending,
		IdempotencyKey:  input.IdempotencyKey,
		Anonymous:       input.Anonymous,
		Message:         input.Message,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.store.CreateTransfer(ctx, tr); err != nil {
		if errors.Is(err, ledger.ErrDuplicateTransfer) {
			// Lost a creation race on the same key; defer to the winner.
			winner, lookupErr := s.store.TransferByKey(ctx, input.IdempotencyKey)
			if lookupErr != nil {
				return ledger.Transfer{}, false, lookupErr
			}
			switch winner.Status {
			case ledger.TransferCompleted:
				return winner, true, nil
			case ledger.TransferFailed:
				return winner, false, ErrTransferFailed
			default:
				return winner, false, nil
			}
		}
		return ledger.Transfer{}, false, err
	}
	return tr, false, nil
}

func transferEntryKind(k Kind) ledger.EntryKind {
	if k == KindSubscription {
		return ledger.KindSubscriptionPayment
	}
	return ledger.KindTipSent
}

// fail marks the transfer FAILED outside the rolled-back boundary, exactly
// once, and surfaces cause to the caller.
func (s *Service) fail(ctx context.Context, tr ledger.Transfer, reason string, cause error) (ledger.Transfer, error) {
	now := time.Now().UTC()
	if err := s.store.MarkTransfer(ctx, tr.ID, ledger.TransferFailed, reason, now); err != nil {
		s.logger.Error("mark transfer failed", "transfer_id", tr.ID, "error", err)
	}
	tr.Status = ledger.TransferFailed
	tr.FailureReason = reason
	return tr, cause
}

// emit publishes TransferCompleted after commit. Publish failures are logged
// and never affect the committed transfer.
func (s *Service) emit(ctx context.Context, tr ledger.Transfer) {
	if s.publisher == nil {
		return
	}
	ev := events.TransferCompleted{
		TransferID:      tr.ID.String(),
		ReceiverOwnerID: tr.ReceiverOwnerID,
		Amount:          tr.Amount,
		Currency:        tr.Currency,
		Kind:            string(tr.Kind),
		Anonymous:       tr.Anonymous,
		Message:         tr.Message,
		CompletedAt:     tr.CompletedAt,
	}
	if !tr.Anonymous {
		ev.SenderOwnerID = tr.SenderOwnerID
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish transfer event", "transfer_id", tr.ID, "error", err)
	}
}

// sleepWithJitter backs off exponentially with jitter so retries against a
// hot wallet do not arrive in lockstep.
func sleepWithJitter(ctx context.Context, attempt int) error {
	base := time.Duration(1<<uint(attempt)) * 5 * time.Millisecond
	d := base/2 + time.Duration(rand.Int63n(int64(base)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
