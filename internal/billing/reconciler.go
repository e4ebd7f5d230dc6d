package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/everesthood/payments/internal/ledger"
	"github.com/everesthood/payments/internal/money"
)

// Provider event types the reconciler understands.
const (
	EventSubscriptionUpdated = "subscription.updated"
	EventInvoicePaid         = "invoice.paid"
	EventInvoiceFailed       = "invoice.payment_failed"
	EventUsageRecorded       = "usage.recorded"
)

// transferNamespace derives deterministic transfer ids from provider event
// ids, so a redelivered invoice credit maps onto the same transfer.
var transferNamespace = uuid.MustParse("7d9f2c4e-1b6a-4f3d-9e8c-0a5b7c1d2e3f")

// ErrBadPayload indicates a payload the reconciler cannot parse. Such events
// are acknowledged, not retried; redelivery would not fix them.
var ErrBadPayload = errors.New("bad event payload")

// Reconciler applies asynchronous billing-provider events as ledger and
// billing-state mutations. It tolerates duplicate and out-of-order delivery:
// a provider event id is applied at most once, and the dedup row commits in
// the same boundary as the mutation it guards.
type Reconciler struct {
	store  ledger.Store
	logger *slog.Logger
}

// NewReconciler builds a webhook reconciler.
func NewReconciler(store ledger.Store, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, logger: logger}
}

// Handle applies one provider event. A nil return means the event is safe to
// acknowledge; any error should leave the delivery unacknowledged so the
// provider redelivers.
func (r *Reconciler) Handle(ctx context.Context, providerEventID, eventType string, payload []byte) error {
	if providerEventID == "" {
		return fmt.Errorf("%w: missing event id", ErrBadPayload)
	}

	processed, err := r.store.EventProcessed(ctx, providerEventID)
	if err != nil {
		return err
	}
	if processed {
		r.logger.Debug("event already applied", "event_id", providerEventID)
		return nil
	}

	record := ledger.ExternalEvent{
		ProviderEventID: providerEventID,
		Type:            eventType,
		Payload:         payload,
		ProcessedAt:     time.Now().UTC(),
	}

	switch eventType {
	case EventSubscriptionUpdated:
		err = r.applySubscriptionUpdate(ctx, record, payload)
	case EventInvoicePaid:
		err = r.applyInvoicePaid(ctx, record, payload)
	case EventInvoiceFailed:
		err = r.applyInvoiceFailed(ctx, record, payload)
	case EventUsageRecorded:
		err = r.applyUsageRecorded(ctx, record, payload)
	default:
		// Unknown but harmless; acknowledge so the provider's queue keeps
		// moving, but remember the id.
		r.logger.Warn("unknown provider event type", "event_id", providerEventID, "type", eventType)
		err = r.store.RecordEvent(ctx, record)
	}

	if errors.Is(err, ledger.ErrDuplicateEvent) {
		// Lost a redelivery race after the processed check; the other
		// delivery applied the mutation.
		return nil
	}
	return err
}

type subscriptionPayload struct {
	OwnerID            string    `json:"owner_id"`
	Status             string    `json:"status"`
	Plan               string    `json:"plan"`
	CurrentPeriodStart time.Time `json:"current_period_start"`
	CurrentPeriodEnd   time.Time `json:"current_period_end"`
}

func (r *Reconciler) applySubscriptionUpdate(ctx context.Context, record ledger.ExternalEvent, payload []byte) error {
	var p subscriptionPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.OwnerID == "" {
		return fmt.Errorf("%w: subscription update: %v", ErrBadPayload, err)
	}
	return r.store.WithinTx(ctx, func(tx ledger.Store) error {
		if err := tx.UpsertBilling(ctx, ledger.Billing{
			OwnerID:            p.OwnerID,
			Status:             ledger.BillingStatus(p.Status),
			Plan:               p.Plan,
			CurrentPeriodStart: p.CurrentPeriodStart,
			CurrentPeriodEnd:   p.CurrentPeriodEnd,
		}); err != nil {
			return err
		}
		return tx.RecordEvent(ctx, record)
	})
}

type invoicePayload struct {
	OwnerID  string `json:"owner_id"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// applyInvoicePaid credits the owner's wallet from the provider clearing
// wallet: the same double-entry, single-boundary pattern as a transfer, keyed
// by the provider event id.
func (r *Reconciler) applyInvoicePaid(ctx context.Context, record ledger.ExternalEvent, payload []byte) error {
	var p invoicePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.OwnerID == "" {
		return fmt.Errorf("%w: invoice paid: %v", ErrBadPayload, err)
	}
	amount, err := money.Parse(p.Amount)
	if err != nil || !amount.IsPositive() {
		return fmt.Errorf("%w: invoice amount %q", ErrBadPayload, p.Amount)
	}
	currency, err := money.NormalizeCurrency(p.Currency)
	if err != nil {
		return fmt.Errorf("%w: invoice currency %q", ErrBadPayload, p.Currency)
	}

	transferID := uuid.NewSHA1(transferNamespace, []byte(record.ProviderEventID))
	completedAt := time.Now().UTC()

	return r.store.WithinTx(ctx, func(tx ledger.Store) error {
		clearing, err := tx.GetOrCreateWallet(ctx, ledger.ClearingOwnerID, currency)
		if err != nil {
			return err
		}
		owner, err := tx.GetOrCreateWallet(ctx, p.OwnerID, currency)
		if err != nil {
			return err
		}
		if _, err := tx.ApplyDelta(ctx, clearing.ID, amount.Neg(), clearing.Version); err != nil {
			return err
		}
		if _, err := tx.ApplyDelta(ctx, owner.ID, amount, owner.Version); err != nil {
			return err
		}
		if _, err := tx.Append(ctx, []ledger.Entry{
			{WalletID: clearing.ID, TransferID: transferID, Amount: amount.Neg(), Kind: ledger.KindProviderClearing},
			{WalletID: owner.ID, TransferID: transferID, Amount: amount, Kind: ledger.KindProviderCredit},
		}); err != nil {
			return err
		}
		if err := tx.CreateTransfer(ctx, ledger.Transfer{
			ID:               transferID,
			SenderWalletID:   clearing.ID,
			ReceiverWalletID: owner.ID,
			SenderOwnerID:    ledger.ClearingOwnerID,
			ReceiverOwnerID:  p.OwnerID,
			Amount:           amount,
			Currency:         currency,
			Kind:             ledger.KindProviderCredit,
			Status:           ledger.TransferCompleted,
			IdempotencyKey:   "evt:" + record.ProviderEventID,
			CreatedAt:        completedAt,
			CompletedAt:      completedAt,
		}); err != nil {
			return err
		}
		return tx.RecordEvent(ctx, record)
	})
}

func (r *Reconciler) applyInvoiceFailed(ctx context.Context, record ledger.ExternalEvent, payload []byte) error {
	var p invoicePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.OwnerID == "" {
		return fmt.Errorf("%w: invoice failed: %v", ErrBadPayload, err)
	}
	return r.store.WithinTx(ctx, func(tx ledger.Store) error {
		b, err := tx.BillingByOwner(ctx, p.OwnerID)
		if err != nil {
			if !errors.Is(err, ledger.ErrNotFound) {
				return err
			}
			b = ledger.Billing{OwnerID: p.OwnerID}
		}
		b.Status = ledger.BillingPastDue
		if err := tx.UpsertBilling(ctx, b); err != nil {
			return err
		}
		return tx.RecordEvent(ctx, record)
	})
}

type usagePayload struct {
	OwnerID    string    `json:"owner_id"`
	Quantity   string    `json:"quantity"`
	Unit       string    `json:"unit"`
	RecordedAt time.Time `json:"recorded_at"`
}

func (r *Reconciler) applyUsageRecorded(ctx context.Context, record ledger.ExternalEvent, payload []byte) error {
	var p usagePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.OwnerID == "" {
		return fmt.Errorf("%w: usage recorded: %v", ErrBadPayload, err)
	}
	quantity, err := money.Parse(p.Quantity)
	if err != nil {
		return fmt.Errorf("%w: usage quantity %q", ErrBadPayload, p.Quantity)
	}
	return r.store.WithinTx(ctx, func(tx ledger.Store) error {
		if err := tx.AddUsageRecord(ctx, ledger.UsageRecord{
			OwnerID:    p.OwnerID,
			Quantity:   quantity,
			Unit:       p.Unit,
			RecordedAt: p.RecordedAt,
		}); err != nil {
			return err
		}
		return tx.RecordEvent(ctx, record)
	})
}
