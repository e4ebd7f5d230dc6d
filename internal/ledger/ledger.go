package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/everesthood/payments/internal/money"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict occurs when a conditional wallet update observes a
	// version other than the expected one. Callers retry the whole boundary.
	ErrVersionConflict = errors.New("wallet version conflict")

	// ErrConservationViolation indicates an entry batch whose amounts do not
	// sum to zero per transfer. This is a programmer error, never a normal
	// business outcome, and is always logged loudly by the caller.
	ErrConservationViolation = errors.New("ledger conservation violation")

	// ErrDuplicateEvent indicates the provider event id has already been
	// recorded; the associated mutation must not be applied twice.
	ErrDuplicateEvent = errors.New("duplicate external event")

	// ErrDuplicateTransfer indicates the idempotency key is already taken.
	ErrDuplicateTransfer = errors.New("duplicate transfer")

	// ErrCurrencyMismatch occurs when a delta is applied in a currency other
	// than the wallet's own.
	ErrCurrencyMismatch = errors.New("currency mismatch")
)

// WalletStore owns per-owner balances. ApplyDelta is the sole balance
// mutation path in the engine.
type WalletStore interface {
	// GetOrCreateWallet returns the owner's wallet, creating it with a zero
	// balance on first use. Concurrent first-credits resolve to one wallet;
	// a create conflict is retried as a read.
	GetOrCreateWallet(ctx context.Context, ownerID, currency string) (Wallet, error)

	// GetWallet fetches a wallet by id.
	GetWallet(ctx context.Context, walletID uuid.UUID) (Wallet, error)

	// WalletByOwner fetches a wallet by owner id.
	WalletByOwner(ctx context.Context, ownerID string) (Wallet, error)

	// ApplyDelta adjusts the balance by delta only if the stored version
	// matches expectedVersion, incrementing the version. Returns
	// ErrVersionConflict otherwise. The store validates arithmetic and
	// version consistency only; sufficiency is the orchestrator's concern
	// inside the same boundary.
	ApplyDelta(ctx context.Context, walletID uuid.UUID, delta money.Amount, expectedVersion int64) (Wallet, error)
}

// Writer appends immutable ledger entries.
type Writer interface {
	// Append writes the batch atomically. Batches whose per-transfer sums
	// are non-zero fail with ErrConservationViolation. Re-appending a batch
	// for a (transferID, walletID, kind) that already exists returns the
	// stored entries unchanged.
	Append(ctx context.Context, entries []Entry) ([]Entry, error)

	// EntriesForWallet returns the wallet's entries, newest first.
	EntriesForWallet(ctx context.Context, walletID uuid.UUID, limit int) ([]Entry, error)

	// EntriesForTransfer returns all entries grouped under one transfer.
	EntriesForTransfer(ctx context.Context, transferID uuid.UUID) ([]Entry, error)
}

// TransferStore persists transfer lifecycle rows.
type TransferStore interface {
	CreateTransfer(ctx context.Context, t Transfer) error
	TransferByKey(ctx context.Context, idempotencyKey string) (Transfer, error)
	TransferByID(ctx context.Context, id uuid.UUID) (Transfer, error)
	// MarkTransfer moves a transfer out of PENDING exactly once. Marking an
	// already-terminal transfer is a no-op.
	MarkTransfer(ctx context.Context, id uuid.UUID, status TransferStatus, reason string, completedAt time.Time) error
}

// EventStore deduplicates asynchronous provider events.
type EventStore interface {
	// RecordEvent stores the event as processed. A second record for the
	// same provider event id fails with ErrDuplicateEvent.
	RecordEvent(ctx context.Context, ev ExternalEvent) error
	EventProcessed(ctx context.Context, providerEventID string) (bool, error)
}

// BillingStore tracks provider-driven subscription state per owner.
type BillingStore interface {
	UpsertBilling(ctx context.Context, b Billing) error
	BillingByOwner(ctx context.Context, ownerID string) (Billing, error)
}

// UsageStore persists metered usage and the reports built from it.
type UsageStore interface {
	AddUsageRecord(ctx context.Context, rec UsageRecord) error
	UsageInRange(ctx context.Context, ownerID string, from, to time.Time) ([]UsageRecord, error)
	CreateReport(ctx context.Context, r UsageReport) error
	ReportByID(ctx context.Context, id uuid.UUID) (UsageReport, error)
	// FinishReport moves a report out of PENDING exactly once.
	FinishReport(ctx context.Context, id uuid.UUID, status ReportStatus, totals []UsageTotal, artifact, errMsg string) error
}

// Store is the storage engine behind the transfer and reconciliation
// pipeline. Everything that must share an atomic boundary lives here.
type Store interface {
	WalletStore
	Writer
	TransferStore
	EventStore
	BillingStore
	UsageStore

	// WithinTx runs fn against a transactional view of the store. Either
	// every mutation fn performs becomes visible, or none does. Nested
	// calls join the enclosing boundary.
	WithinTx(ctx context.Context, fn func(tx Store) error) error
}
