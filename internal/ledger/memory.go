package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/everesthood/payments/internal/money"
)

// ClearingOwnerID owns the provider clearing wallet. Provider credits are
// posted as double entries against it, so it may run a negative balance the
// same way a card suspense account does.
const ClearingOwnerID = "provider:clearing"

type memoryState struct {
	wallets   map[uuid.UUID]Wallet
	ownerIdx  map[string]uuid.UUID
	entries   []Entry
	entryIdx  map[string]struct{}
	lastSig   map[uuid.UUID]string
	transfers map[uuid.UUID]Transfer
	keyIdx    map[string]uuid.UUID
	events    map[string]ExternalEvent
	billing   map[string]Billing
	usage     []UsageRecord
	reports   map[uuid.UUID]UsageReport
}

func newMemoryState() *memoryState {
	return &memoryState{
		wallets:   make(map[uuid.UUID]Wallet),
		ownerIdx:  make(map[string]uuid.UUID),
		entryIdx:  make(map[string]struct{}),
		lastSig:   make(map[uuid.UUID]string),
		transfers: make(map[uuid.UUID]Transfer),
		keyIdx:    make(map[string]uuid.UUID),
		events:    make(map[string]ExternalEvent),
		billing:   make(map[string]Billing),
		reports:   make(map[uuid.UUID]UsageReport),
	}
}

func (s *memoryState) clone() *memoryState {
	c := newMemoryState()
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	for k, v := range s.ownerIdx {
		c.ownerIdx[k] = v
	}
	c.entries = append([]Entry(nil), s.entries...)
	for k := range s.entryIdx {
		c.entryIdx[k] = struct{}{}
	}
	for k, v := range s.lastSig {
		c.lastSig[k] = v
	}
	for k, v := range s.transfers {
		c.transfers[k] = v
	}
	for k, v := range s.keyIdx {
		c.keyIdx[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, v := range s.billing {
		c.billing[k] = v
	}
	c.usage = append([]UsageRecord(nil), s.usage...)
	for k, v := range s.reports {
		r := v
		r.Totals = append([]UsageTotal(nil), v.Totals...)
		c.reports[k] = r
	}
	return c
}

func entryKey(e Entry) string {
	return e.TransferID.String() + "|" + e.WalletID.String() + "|" + string(e.Kind)
}

// MemoryStore is a concurrency-safe in-memory Store for unit tests and local
// development without Postgres.
type MemoryStore struct {
	mu    sync.Mutex
	state *memoryState
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{state: newMemoryState()}
}

// WithinTx runs fn against a cloned state and swaps it in only when fn
// succeeds, giving both-or-neither visibility under one lock.
func (s *MemoryStore) WithinTx(_ context.Context, fn func(tx Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.state.clone()
	if err := fn(&memoryTx{state: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

// memoryTx is a transactional view over an uncommitted state clone. It is
// only ever used while the owning store's lock is held.
type memoryTx struct {
	state *memoryState
}

// WithinTx joins the enclosing boundary.
func (t *memoryTx) WithinTx(_ context.Context, fn func(tx Store) error) error {
	return fn(t)
}

func (s *MemoryStore) locked(fn func(st *memoryState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.state)
}

func (s *MemoryStore) GetOrCreateWallet(_ context.Context, ownerID, currency string) (Wallet, error) {
	var w Wallet
	err := s.locked(func(st *memoryState) error {
		var err error
		w, err = st.getOrCreateWallet(ownerID, currency)
		return err
	})
	return w, err
}

func (t *memoryTx) GetOrCreateWallet(_ context.Context, ownerID, currency string) (Wallet, error) {
	return t.state.getOrCreateWallet(ownerID, currency)
}

func (st *memoryState) getOrCreateWallet(ownerID, currency string) (Wallet, error) {
	if ownerID == "" {
		return Wallet{}, fmt.Errorf("owner id is required")
	}
	if id, ok := st.ownerIdx[ownerID]; ok {
		w := st.wallets[id]
		if currency != "" && w.Currency != currency {
			return Wallet{}, fmt.Errorf("%w: wallet is %s, got %s", ErrCurrencyMismatch, w.Currency, currency)
		}
		return w, nil
	}
	w := Wallet{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Balance:   money.Zero(),
		Currency:  currency,
		Version:   1,
		CreatedAt: time.Now().UTC(),
	}
	st.wallets[w.ID] = w
	st.ownerIdx[ownerID] = w.ID
	return w, nil
}

func (s *MemoryStore) GetWallet(_ context.Context, walletID uuid.UUID) (Wallet, error) {
	var w Wallet
	err := s.locked(func(st *memoryState) error {
		var err error
		w, err = st.getWallet(walletID)
		return err
	})
	return w, err
}

func (t *memoryTx) GetWallet(_ context.Context, walletID uuid.UUID) (Wallet, error) {
	return t.state.getWallet(walletID)
}

func (st *memoryState) getWallet(walletID uuid.UUID) (Wallet, error) {
	w, ok := st.wallets[walletID]
	if !ok {
		return Wallet{}, fmt.Errorf("wallet %s: %w", walletID, ErrNotFound)
	}
	return w, nil
}

func (s *MemoryStore) WalletByOwner(_ context.Context, ownerID string) (Wallet, error) {
	var w Wallet
	err := s.locked(func(st *memoryState) error {
		var err error
		w, err = st.walletByOwner(ownerID)
		return err
	})
	return w, err
}

func (t *memoryTx) WalletByOwner(_ context.Context, ownerID string) (Wallet, error) {
	return t.state.walletByOwner(ownerID)
}

func (st *memoryState) walletByOwner(ownerID string) (Wallet, error) {
	id, ok := st.ownerIdx[ownerID]
	if !ok {
		return Wallet{}, fmt.Errorf("owner %s: %w", ownerID, ErrNotFound)
	}
	return st.wallets[id], nil
}

func (s *MemoryStore) ApplyDelta(_ context.Context, walletID uuid.UUID, delta money.Amount, expectedVersion int64) (Wallet, error) {
	var w Wallet
	err := s.locked(func(st *memoryState) error {
		var err error
		w, err = st.applyDelta(walletID, delta, expectedVersion)
		return err
	})
	return w, err
}

func (t *memoryTx) ApplyDelta(_ context.Context, walletID uuid.UUID, delta money.Amount, expectedVersion int64) (Wallet, error) {
	return t.state.applyDelta(walletID, delta, expectedVersion)
}

func (st *memoryState) applyDelta(walletID uuid.UUID, delta money.Amount, expectedVersion int64) (Wallet, error) {
	w, ok := st.wallets[walletID]
	if !ok {
		return Wallet{}, fmt.Errorf("wallet %s: %w", walletID, ErrNotFound)
	}
	if w.Version != expectedVersion {
		return Wallet{}, fmt.Errorf("wallet %s: expected version %d, have %d: %w", walletID, expectedVersion, w.Version, ErrVersionConflict)
	}
	w.Balance = w.Balance.Add(delta)
	w.Version++
	st.wallets[walletID] = w
	return w, nil
}

func (s *MemoryStore) Append(_ context.Context, entries []Entry) ([]Entry, error) {
	var out []Entry
	err := s.locked(func(st *memoryState) error {
		var err error
		out, err = st.append(entries)
		return err
	})
	return out, err
}

func (t *memoryTx) Append(_ context.Context, entries []Entry) ([]Entry, error) {
	return t.state.append(entries)
}

func (st *memoryState) append(entries []Entry) ([]Entry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	sums := make(map[uuid.UUID]money.Amount)
	for _, e := range entries {
		sums[e.TransferID] = sums[e.TransferID].Add(e.Amount)
	}
	for transferID, sum := range sums {
		if !sum.IsZero() {
			return nil, fmt.Errorf("transfer %s sums to %s: %w", transferID, sum, ErrConservationViolation)
		}
	}
	for _, e := range entries {
		if _, exists := st.entryIdx[entryKey(e)]; exists {
			return st.entriesForTransfer(entries[0].TransferID), nil
		}
	}
	now := time.Now().UTC()
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.Status == "" {
			e.Status = EntryCompleted
		}
		e.CreatedAt = now
		e.Signature = signEntry(st.lastSig[e.WalletID], e)
		st.lastSig[e.WalletID] = e.Signature
		st.entries = append(st.entries, e)
		st.entryIdx[entryKey(e)] = struct{}{}
		out = append(out, e)
	}
	return out, nil
}

func (s *MemoryStore) EntriesForWallet(_ context.Context, walletID uuid.UUID, limit int) ([]Entry, error) {
	var out []Entry
	err := s.locked(func(st *memoryState) error {
		out = st.entriesForWallet(walletID, limit)
		return nil
	})
	return out, err
}

func (t *memoryTx) EntriesForWallet(_ context.Context, walletID uuid.UUID, limit int) ([]Entry, error) {
	return t.state.entriesForWallet(walletID, limit), nil
}

func (st *memoryState) entriesForWallet(walletID uuid.UUID, limit int) []Entry {
	var out []Entry
	for i := len(st.entries) - 1; i >= 0; i-- {
		if st.entries[i].WalletID == walletID {
			out = append(out, st.entries[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out
}

func (s *MemoryStore) EntriesForTransfer(_ context.Context, transferID uuid.UUID) ([]Entry, error) {
	var out []Entry
	err := s.locked(func(st *memoryState) error {
		out = st.entriesForTransfer(transferID)
		return nil
	})
	return out, err
}

func (t *memoryTx) EntriesForTransfer(_ context.Context, transferID uuid.UUID) ([]Entry, error) {
	return t.state.entriesForTransfer(transferID), nil
}

func (st *memoryState) entriesForTransfer(transferID uuid.UUID) []Entry {
	var out []Entry
	for _, e := range st.entries {
		if e.TransferID == transferID {
			out = append(out, e)
		}
	}
	return out
}

func (s *MemoryStore) CreateTransfer(_ context.Context, tr Transfer) error {
	return s.locked(func(st *memoryState) error {
		return st.createTransfer(tr)
	})
}

func (t *memoryTx) CreateTransfer(_ context.Context, tr Transfer) error {
	return t.state.createTransfer(tr)
}

func (st *memoryState) createTransfer(tr Transfer) error {
	if _, exists := st.keyIdx[tr.IdempotencyKey]; exists {
		return fmt.Errorf("key %s: %w", tr.IdempotencyKey, ErrDuplicateTransfer)
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	st.transfers[tr.ID] = tr
	st.keyIdx[tr.IdempotencyKey] = tr.ID
	return nil
}

func (s *MemoryStore) TransferByKey(_ context.Context, key string) (Transfer, error) {
	var tr Transfer
	err := s.locked(func(st *memoryState) error {
		var err error
		tr, err = st.transferByKey(key)
		return err
	})
	return tr, err
}

func (t *memoryTx) TransferByKey(_ context.Context, key string) (Transfer, error) {
	return t.state.transferByKey(key)
}

func (st *memoryState) transferByKey(key string) (Transfer, error) {
	id, ok := st.keyIdx[key]
	if !ok {
		return Transfer{}, fmt.Errorf("idempotency key %s: %w", key, ErrNotFound)
	}
	return st.transfers[id], nil
}

func (s *MemoryStore) TransferByID(_ context.Context, id uuid.UUID) (Transfer, error) {
	var tr Transfer
	err := s.locked(func(st *memoryState) error {
		var err error
		tr, err = st.transferByID(id)
		return err
	})
	return tr, err
}

func (t *memoryTx) TransferByID(_ context.Context, id uuid.UUID) (Transfer, error) {
	return t.state.transferByID(id)
}

func (st *memoryState) transferByID(id uuid.UUID) (Transfer, error) {
	tr, ok := st.transfers[id]
	if !ok {
		return Transfer{}, fmt.Errorf("transfer %s: %w", id, ErrNotFound)
	}
	return tr, nil
}

func (s *MemoryStore) MarkTransfer(_ context.Context, id uuid.UUID, status TransferStatus, reason string, completedAt time.Time) error {
	return s.locked(func(st *memoryState) error {
		return st.markTransfer(id, status, reason, completedAt)
	})
}

func (t *memoryTx) MarkTransfer(_ context.Context, id uuid.UUID, status TransferStatus, reason string, completedAt time.Time) error {
	return t.state.markTransfer(id, status, reason, completedAt)
}

func (st *memoryState) markTransfer(id uuid.UUID, status TransferStatus, reason string, completedAt time.Time) error {
	tr, ok := st.transfers[id]
	if !ok {
		return fmt.Errorf("transfer %s: %w", id, ErrNotFound)
	}
	if tr.Status != TransferPending {
		return nil
	}
	tr.Status = status
	tr.FailureReason = reason
	tr.CompletedAt = completedAt
	st.transfers[id] = tr
	return nil
}

func (s *MemoryStore) RecordEvent(_ context.Context, ev ExternalEvent) error {
	return s.locked(func(st *memoryState) error {
		return st.recordEvent(ev)
	})
}

func (t *memoryTx) RecordEvent(_ context.Context, ev ExternalEvent) error {
	return t.state.recordEvent(ev)
}

func (st *memoryState) recordEvent(ev ExternalEvent) error {
	if _, exists := st.events[ev.ProviderEventID]; exists {
		return fmt.Errorf("event %s: %w", ev.ProviderEventID, ErrDuplicateEvent)
	}
	if ev.ProcessedAt.IsZero() {
		ev.ProcessedAt = time.Now().UTC()
	}
	st.events[ev.ProviderEventID] = ev
	return nil
}

func (s *MemoryStore) EventProcessed(_ context.Context, providerEventID string) (bool, error) {
	var seen bool
	err := s.locked(func(st *memoryState) error {
		_, seen = st.events[providerEventID]
		return nil
	})
	return seen, err
}

func (t *memoryTx) EventProcessed(_ context.Context, providerEventID string) (bool, error) {
	_, seen := t.state.events[providerEventID]
	return seen, nil
}

func (s *MemoryStore) UpsertBilling(_ context.Context, b Billing) error {
	return s.locked(func(st *memoryState) error {
		st.upsertBilling(b)
		return nil
	})
}

func (t *memoryTx) UpsertBilling(_ context.Context, b Billing) error {
	t.state.upsertBilling(b)
	return nil
}

func (st *memoryState) upsertBilling(b Billing) {
	b.UpdatedAt = time.Now().UTC()
	st.billing[b.OwnerID] = b
}

func (s *MemoryStore) BillingByOwner(_ context.Context, ownerID string) (Billing, error) {
	var b Billing
	err := s.locked(func(st *memoryState) error {
		var err error
		b, err = st.billingByOwner(ownerID)
		return err
	})
	return b, err
}

func (t *memoryTx) BillingByOwner(_ context.Context, ownerID string) (Billing, error) {
	return t.state.billingByOwner(ownerID)
}

func (st *memoryState) billingByOwner(ownerID string) (Billing, error) {
	b, ok := st.billing[ownerID]
	if !ok {
		return Billing{}, fmt.Errorf("billing for %s: %w", ownerID, ErrNotFound)
	}
	return b, nil
}

func (s *MemoryStore) AddUsageRecord(_ context.Context, rec UsageRecord) error {
	return s.locked(func(st *memoryState) error {
		st.addUsageRecord(rec)
		return nil
	})
}

func (t *memoryTx) AddUsageRecord(_ context.Context, rec UsageRecord) error {
	t.state.addUsageRecord(rec)
	return nil
}

func (st *memoryState) addUsageRecord(rec UsageRecord) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	st.usage = append(st.usage, rec)
}

func (s *MemoryStore) UsageInRange(_ context.Context, ownerID string, from, to time.Time) ([]UsageRecord, error) {
	var out []UsageRecord
	err := s.locked(func(st *memoryState) error {
		out = st.usageInRange(ownerID, from, to)
		return nil
	})
	return out, err
}

func (t *memoryTx) UsageInRange(_ context.Context, ownerID string, from, to time.Time) ([]UsageRecord, error) {
	return t.state.usageInRange(ownerID, from, to), nil
}

func (st *memoryState) usageInRange(ownerID string, from, to time.Time) []UsageRecord {
	var out []UsageRecord
	for _, rec := range st.usage {
		if rec.OwnerID != ownerID {
			continue
		}
		if rec.RecordedAt.Before(from) || !rec.RecordedAt.Before(to) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out
}

func (s *MemoryStore) CreateReport(_ context.Context, r UsageReport) error {
	return s.locked(func(st *memoryState) error {
		st.createReport(r)
		return nil
	})
}

func (t *memoryTx) CreateReport(_ context.Context, r UsageReport) error {
	t.state.createReport(r)
	return nil
}

func (st *memoryState) createReport(r UsageReport) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	st.reports[r.ID] = r
}

func (s *MemoryStore) ReportByID(_ context.Context, id uuid.UUID) (UsageReport, error) {
	var r UsageReport
	err := s.locked(func(st *memoryState) error {
		var err error
		r, err = st.reportByID(id)
		return err
	})
	return r, err
}

func (t *memoryTx) ReportByID(_ context.Context, id uuid.UUID) (UsageReport, error) {
	return t.state.reportByID(id)
}

func (st *memoryState) reportByID(id uuid.UUID) (UsageReport, error) {
	r, ok := st.reports[id]
	if !ok {
		return UsageReport{}, fmt.Errorf("report %s: %w", id, ErrNotFound)
	}
	return r, nil
}

func (s *MemoryStore) FinishReport(_ context.Context, id uuid.UUID, status ReportStatus, totals []UsageTotal, artifact, errMsg string) error {
	return s.locked(func(st *memoryState) error {
		return st.finishReport(id, status, totals, artifact, errMsg)
	})
}

func (t *memoryTx) FinishReport(_ context.Context, id uuid.UUID, status ReportStatus, totals []UsageTotal, artifact, errMsg string) error {
	return t.state.finishReport(id, status, totals, artifact, errMsg)
}

func (st *memoryState) finishReport(id uuid.UUID, status ReportStatus, totals []UsageTotal, artifact, errMsg string) error {
	r, ok := st.reports[id]
	if !ok {
		return fmt.Errorf("report %s: %w", id, ErrNotFound)
	}
	if r.Status != ReportPending {
		return nil
	}
	r.Status = status
	r.Totals = totals
	r.Artifact = artifact
	r.Error = errMsg
	r.FinishedAt = time.Now().UTC()
	st.reports[id] = r
	return nil
}
