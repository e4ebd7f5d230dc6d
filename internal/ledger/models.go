package ledger

import (
	"time"

	"github.com/google/uuid"

	"github.com/everesthood/payments/internal/money"
)

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	KindTipSent             EntryKind = "TIP_SENT"
	KindTipReceived         EntryKind = "TIP_RECEIVED"
	KindSubscriptionPayment EntryKind = "SUBSCRIPTION_PAYMENT"
	KindUsageCharge         EntryKind = "USAGE_CHARGE"
	KindProviderCredit      EntryKind = "PROVIDER_CREDIT"
	KindProviderClearing    EntryKind = "PROVIDER_CLEARING"
)

// EntryStatus is the lifecycle state of a ledger entry.
type EntryStatus string

const (
	EntryPending   EntryStatus = "PENDING"
	EntryCompleted EntryStatus = "COMPLETED"
	EntryReversed  EntryStatus = "REVERSED"
)

// TransferStatus is the lifecycle state of a transfer. PENDING transitions
// exactly once to COMPLETED or FAILED.
type TransferStatus string

const (
	TransferPending   TransferStatus = "PENDING"
	TransferCompleted TransferStatus = "COMPLETED"
	TransferFailed    TransferStatus = "FAILED"
)

// Wallet is a stored-value account. One wallet per owner; created lazily on
// first credit, never deleted. Balance always equals the sum of the wallet's
// COMPLETED ledger entries.
type Wallet struct {
	ID        uuid.UUID
	OwnerID   string
	Balance   money.Amount
	Currency  string
	Version   int64
	CreatedAt time.Time
}

// Entry is one immutable leg of a transfer. Negative amounts debit the
// wallet, positive amounts credit it. Entries sharing a TransferID always
// sum to zero.
type Entry struct {
	ID         uuid.UUID
	WalletID   uuid.UUID
	TransferID uuid.UUID
	Amount     money.Amount
	Kind       EntryKind
	Status     EntryStatus
	// Signature chains the entry to the wallet's previous entry, making the
	// append-only history tamper evident.
	Signature string
	CreatedAt time.Time
}

// Transfer groups the entries of one value movement and carries the caller's
// idempotency key.
type Transfer struct {
	ID               uuid.UUID
	SenderWalletID   uuid.UUID
	ReceiverWalletID uuid.UUID
	SenderOwnerID    string
	ReceiverOwnerID  string
	Amount           money.Amount
	Currency         string
	Kind             EntryKind
	Status           TransferStatus
	IdempotencyKey   string
	FailureReason    string
	Anonymous        bool
	Message          string
	CreatedAt        time.Time
	CompletedAt      time.Time
}

// ExternalEvent records a provider event as processed. A provider event id
// is applied at most once regardless of redelivery.
type ExternalEvent struct {
	ProviderEventID string
	Type            string
	Payload         []byte
	ProcessedAt     time.Time
}

// BillingStatus mirrors the provider's subscription state.
type BillingStatus string

const (
	BillingActive   BillingStatus = "active"
	BillingPastDue  BillingStatus = "past_due"
	BillingCanceled BillingStatus = "canceled"
)

// Billing is the provider-driven subscription state for one owner.
type Billing struct {
	OwnerID            string
	Status             BillingStatus
	Plan               string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	UpdatedAt          time.Time
}

// UsageRecord is one metered usage observation.
type UsageRecord struct {
	ID         uuid.UUID
	OwnerID    string
	Quantity   money.Amount
	Unit       string
	RecordedAt time.Time
}

// PeriodType selects the bucketing granularity of a usage report.
type PeriodType string

const (
	PeriodDaily   PeriodType = "DAILY"
	PeriodWeekly  PeriodType = "WEEKLY"
	PeriodMonthly PeriodType = "MONTHLY"
)

// ReportStatus is the lifecycle state of a usage report.
type ReportStatus string

const (
	ReportPending   ReportStatus = "PENDING"
	ReportCompleted ReportStatus = "COMPLETED"
	ReportFailed    ReportStatus = "FAILED"
)

// UsageTotal is one bucket of an aggregated report.
type UsageTotal struct {
	Period string       `json:"period"`
	Usage  money.Amount `json:"usage"`
}

// UsageReport is the persisted outcome of a report job. Created PENDING by
// the scheduler and finished exactly once by the worker.
type UsageReport struct {
	ID         uuid.UUID
	OwnerID    string
	PeriodType PeriodType
	StartDate  time.Time
	EndDate    time.Time
	Totals     []UsageTotal
	Status     ReportStatus
	Artifact   string
	Error      string
	CreatedAt  time.Time
	FinishedAt time.Time
}
