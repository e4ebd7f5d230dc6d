package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/everesthood/payments/internal/money"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so the same query
// code serves pooled and transactional access.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists the engine's state in PostgreSQL.
type PostgresStore struct {
	pgStore
	db *pgxpool.Pool
}

// NewPostgres constructs a Postgres-backed store.
func NewPostgres(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pgStore: pgStore{q: db}, db: db}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS wallets (
    id UUID PRIMARY KEY,
    owner_id TEXT NOT NULL UNIQUE,
    balance NUMERIC(20,2) NOT NULL DEFAULT 0,
    currency TEXT NOT NULL,
    version BIGINT NOT NULL DEFAULT 1,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
    seq BIGSERIAL PRIMARY KEY,
    id UUID NOT NULL UNIQUE,
    wallet_id UUID NOT NULL REFERENCES wallets (id),
    transfer_id UUID NOT NULL,
    amount NUMERIC(20,2) NOT NULL,
    kind TEXT NOT NULL,
    status TEXT NOT NULL,
    signature TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE (transfer_id, wallet_id, kind)
);
CREATE INDEX IF NOT EXISTS entries_wallet_idx ON entries (wallet_id, seq DESC);
CREATE TABLE IF NOT EXISTS transfers (
    id UUID PRIMARY KEY,
    sender_wallet_id UUID,
    receiver_wallet_id UUID,
    sender_owner_id TEXT NOT NULL,
    receiver_owner_id TEXT NOT NULL,
    amount NUMERIC(20,2) NOT NULL,
    currency TEXT NOT NULL,
    kind TEXT NOT NULL,
    status TEXT NOT NULL,
    idempotency_key TEXT NOT NULL UNIQUE,
    failure_reason TEXT NOT NULL DEFAULT '',
    anonymous BOOLEAN NOT NULL DEFAULT FALSE,
    message TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS external_events (
    provider_event_id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    payload BYTEA,
    processed_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS billing (
    owner_id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    plan TEXT NOT NULL DEFAULT '',
    current_period_start TIMESTAMPTZ,
    current_period_end TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS usage_records (
    id UUID PRIMARY KEY,
    owner_id TEXT NOT NULL,
    quantity NUMERIC(20,2) NOT NULL,
    unit TEXT NOT NULL DEFAULT '',
    recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS usage_owner_idx ON usage_records (owner_id, recorded_at);
CREATE TABLE IF NOT EXISTS usage_reports (
    id UUID PRIMARY KEY,
    owner_id TEXT NOT NULL,
    period_type TEXT NOT NULL,
    start_date TIMESTAMPTZ NOT NULL,
    end_date TIMESTAMPTZ NOT NULL,
    totals JSONB,
    status TEXT NOT NULL,
    artifact TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ
);`
	_, err := s.db.Exec(ctx, schema)
	return err
}

// WithinTx runs fn inside a single database transaction.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := fn(&pgTxStore{pgStore{q: tx}}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// pgTxStore is the transactional view; nested WithinTx joins the boundary.
type pgTxStore struct {
	pgStore
}

func (t *pgTxStore) WithinTx(_ context.Context, fn func(tx Store) error) error {
	return fn(t)
}

type pgStore struct {
	q querier
}

const walletColumns = `id, owner_id, balance::text, currency, version, created_at`

func scanWallet(row pgx.Row) (Wallet, error) {
	var w Wallet
	var balance string
	if err := row.Scan(&w.ID, &w.OwnerID, &balance, &w.Currency, &w.Version, &w.CreatedAt); err != nil {
		return Wallet{}, err
	}
	amount, err := money.Parse(balance)
	if err != nil {
		return Wallet{}, err
	}
	w.Balance = amount
	w.CreatedAt = w.CreatedAt.UTC()
	return w, nil
}

func (s *pgStore) GetOrCreateWallet(ctx context.Context, ownerID, currency string) (Wallet, error) {
	if ownerID == "" {
		return Wallet{}, fmt.Errorf("owner id is required")
	}
	// The unique constraint on owner_id is the source of truth; a concurrent
	// create conflict degenerates into the read below.
	_, err := s.q.Exec(ctx, `INSERT INTO wallets (id, owner_id, balance, currency, version, created_at)
        VALUES ($1, $2, 0, $3, 1, $4) ON CONFLICT (owner_id) DO NOTHING`,
		uuid.New(), ownerID, currency, time.Now().UTC())
	if err != nil {
		return Wallet{}, err
	}
	w, err := s.WalletByOwner(ctx, ownerID)
	if err != nil {
		return Wallet{}, err
	}
	if currency != "" && w.Currency != currency {
		return Wallet{}, fmt.Errorf("%w: wallet is %s, got %s", ErrCurrencyMismatch, w.Currency, currency)
	}
	return w, nil
}

func (s *pgStore) GetWallet(ctx context.Context, walletID uuid.UUID) (Wallet, error) {
	w, err := scanWallet(s.q.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, walletID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Wallet{}, fmt.Errorf("wallet %s: %w", walletID, ErrNotFound)
	}
	return w, err
}

func (s *pgStore) WalletByOwner(ctx context.Context, ownerID string) (Wallet, error) {
	w, err := scanWallet(s.q.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE owner_id = $1`, ownerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Wallet{}, fmt.Errorf("owner %s: %w", ownerID, ErrNotFound)
	}
	return w, err
}

func (s *pgStore) ApplyDelta(ctx context.Context, walletID uuid.UUID, delta money.Amount, expectedVersion int64) (Wallet, error) {
	row := s.q.QueryRow(ctx, `UPDATE wallets
        SET balance = balance + $1::numeric, version = version + 1
        WHERE id = $2 AND version = $3
        RETURNING `+walletColumns, delta.String(), walletID, expectedVersion)
	w, err := scanWallet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetWallet(ctx, walletID); getErr != nil {
			return Wallet{}, getErr
		}
		return Wallet{}, fmt.Errorf("wallet %s at version %d: %w", walletID, expectedVersion, ErrVersionConflict)
	}
	return w, err
}

func (s *pgStore) Append(ctx context.Context, entries []Entry) ([]Entry, error) {
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
		var exists bool
		err := s.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM entries
            WHERE transfer_id = $1 AND wallet_id = $2 AND kind = $3)`,
			e.TransferID, e.WalletID, e.Kind).Scan(&exists)
		if err != nil {
			return nil, err
		}
		if exists {
			return s.EntriesForTransfer(ctx, entries[0].TransferID)
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

		var prev string
		err := s.q.QueryRow(ctx, `SELECT signature FROM entries
            WHERE wallet_id = $1 ORDER BY seq DESC LIMIT 1`, e.WalletID).Scan(&prev)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		e.Signature = signEntry(prev, e)

		if _, err := s.q.Exec(ctx, `INSERT INTO entries
            (id, wallet_id, transfer_id, amount, kind, status, signature, created_at)
            VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8)`,
			e.ID, e.WalletID, e.TransferID, e.Amount.String(), e.Kind, e.Status, e.Signature, e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

const entryColumns = `id, wallet_id, transfer_id, amount::text, kind, status, signature, created_at`

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var amount string
		if err := rows.Scan(&e.ID, &e.WalletID, &e.TransferID, &amount, &e.Kind, &e.Status, &e.Signature, &e.CreatedAt); err != nil {
			return nil, err
		}
		parsed, err := money.Parse(amount)
		if err != nil {
			return nil, err
		}
		e.Amount = parsed
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *pgStore) EntriesForWallet(ctx context.Context, walletID uuid.UUID, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q.Query(ctx, `SELECT `+entryColumns+` FROM entries
        WHERE wallet_id = $1 ORDER BY seq DESC LIMIT $2`, walletID, limit)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (s *pgStore) EntriesForTransfer(ctx context.Context, transferID uuid.UUID) ([]Entry, error) {
	rows, err := s.q.Query(ctx, `SELECT `+entryColumns+` FROM entries
        WHERE transfer_id = $1 ORDER BY seq`, transferID)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (s *pgStore) CreateTransfer(ctx context.Context, t Transfer) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	tag, err := s.q.Exec(ctx, `INSERT INTO transfers
        (id, sender_wallet_id, receiver_wallet_id, sender_owner_id, receiver_owner_id,
         amount, currency, kind, status, idempotency_key, failure_reason, anonymous, message, created_at)
        VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $12, $13, $14)
        ON CONFLICT (idempotency_key) DO NOTHING`,
		t.ID, nilUUID(t.SenderWalletID), nilUUID(t.ReceiverWalletID), t.SenderOwnerID, t.ReceiverOwnerID,
		t.Amount.String(), t.Currency, t.Kind, t.Status, t.IdempotencyKey, t.FailureReason, t.Anonymous, t.Message, t.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("key %s: %w", t.IdempotencyKey, ErrDuplicateTransfer)
	}
	return nil
}

const transferColumns = `id, sender_wallet_id, receiver_wallet_id, sender_owner_id, receiver_owner_id,
    amount::text, currency, kind, status, idempotency_key, failure_reason, anonymous, message, created_at, completed_at`

func scanTransfer(row pgx.Row) (Transfer, error) {
	var t Transfer
	var amount string
	var senderWallet, receiverWallet *uuid.UUID
	var completedAt *time.Time
	if err := row.Scan(&t.ID, &senderWallet, &receiverWallet, &t.SenderOwnerID, &t.ReceiverOwnerID,
		&amount, &t.Currency, &t.Kind, &t.Status, &t.IdempotencyKey, &t.FailureReason,
		&t.Anonymous, &t.Message, &t.CreatedAt, &completedAt); err != nil {
		return Transfer{}, err
	}
	parsed, err := money.Parse(amount)
	if err != nil {
		return Transfer{}, err
	}
	t.Amount = parsed
	if senderWallet != nil {
		t.SenderWalletID = *senderWallet
	}
	if receiverWallet != nil {
		t.ReceiverWalletID = *receiverWallet
	}
	if completedAt != nil {
		t.CompletedAt = completedAt.UTC()
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

func (s *pgStore) TransferByKey(ctx context.Context, key string) (Transfer, error) {
	t, err := scanTransfer(s.q.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE idempotency_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return Transfer{}, fmt.Errorf("idempotency key %s: %w", key, ErrNotFound)
	}
	return t, err
}

func (s *pgStore) TransferByID(ctx context.Context, id uuid.UUID) (Transfer, error) {
	t, err := scanTransfer(s.q.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Transfer{}, fmt.Errorf("transfer %s: %w", id, ErrNotFound)
	}
	return t, err
}

func (s *pgStore) MarkTransfer(ctx context.Context, id uuid.UUID, status TransferStatus, reason string, completedAt time.Time) error {
	_, err := s.q.Exec(ctx, `UPDATE transfers
        SET status = $1, failure_reason = $2, completed_at = $3
        WHERE id = $4 AND status = $5`,
		status, reason, nilTime(completedAt), id, TransferPending)
	return err
}

func (s *pgStore) RecordEvent(ctx context.Context, ev ExternalEvent) error {
	if ev.ProcessedAt.IsZero() {
		ev.ProcessedAt = time.Now().UTC()
	}
	tag, err := s.q.Exec(ctx, `INSERT INTO external_events (provider_event_id, type, payload, processed_at)
        VALUES ($1, $2, $3, $4) ON CONFLICT (provider_event_id) DO NOTHING`,
		ev.ProviderEventID, ev.Type, ev.Payload, ev.ProcessedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event %s: %w", ev.ProviderEventID, ErrDuplicateEvent)
	}
	return nil
}

func (s *pgStore) EventProcessed(ctx context.Context, providerEventID string) (bool, error) {
	var exists bool
	err := s.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM external_events WHERE provider_event_id = $1)`,
		providerEventID).Scan(&exists)
	return exists, err
}

func (s *pgStore) UpsertBilling(ctx context.Context, b Billing) error {
	_, err := s.q.Exec(ctx, `INSERT INTO billing (owner_id, status, plan, current_period_start, current_period_end, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (owner_id) DO UPDATE SET
            status = EXCLUDED.status,
            plan = EXCLUDED.plan,
            current_period_start = EXCLUDED.current_period_start,
            current_period_end = EXCLUDED.current_period_end,
            updated_at = EXCLUDED.updated_at`,
		b.OwnerID, b.Status, b.Plan, nilTime(b.CurrentPeriodStart), nilTime(b.CurrentPeriodEnd), time.Now().UTC())
	return err
}

func (s *pgStore) BillingByOwner(ctx context.Context, ownerID string) (Billing, error) {
	var b Billing
	var start, end *time.Time
	err := s.q.QueryRow(ctx, `SELECT owner_id, status, plan, current_period_start, current_period_end, updated_at
        FROM billing WHERE owner_id = $1`, ownerID).
		Scan(&b.OwnerID, &b.Status, &b.Plan, &start, &end, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Billing{}, fmt.Errorf("billing for %s: %w", ownerID, ErrNotFound)
	}
	if err != nil {
		return Billing{}, err
	}
	if start != nil {
		b.CurrentPeriodStart = start.UTC()
	}
	if end != nil {
		b.CurrentPeriodEnd = end.UTC()
	}
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

func (s *pgStore) AddUsageRecord(ctx context.Context, rec UsageRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	_, err := s.q.Exec(ctx, `INSERT INTO usage_records (id, owner_id, quantity, unit, recorded_at)
        VALUES ($1, $2, $3::numeric, $4, $5)`,
		rec.ID, rec.OwnerID, rec.Quantity.String(), rec.Unit, rec.RecordedAt)
	return err
}

func (s *pgStore) UsageInRange(ctx context.Context, ownerID string, from, to time.Time) ([]UsageRecord, error) {
	rows, err := s.q.Query(ctx, `SELECT id, owner_id, quantity::text, unit, recorded_at
        FROM usage_records
        WHERE owner_id = $1 AND recorded_at >= $2 AND recorded_at < $3
        ORDER BY recorded_at`, ownerID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UsageRecord
	for rows.Next() {
		var rec UsageRecord
		var quantity string
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &quantity, &rec.Unit, &rec.RecordedAt); err != nil {
			return nil, err
		}
		parsed, err := money.Parse(quantity)
		if err != nil {
			return nil, err
		}
		rec.Quantity = parsed
		rec.RecordedAt = rec.RecordedAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *pgStore) CreateReport(ctx context.Context, r UsageReport) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.Exec(ctx, `INSERT INTO usage_reports
        (id, owner_id, period_type, start_date, end_date, status, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.OwnerID, r.PeriodType, r.StartDate, r.EndDate, r.Status, r.CreatedAt)
	return err
}

func (s *pgStore) ReportByID(ctx context.Context, id uuid.UUID) (UsageReport, error) {
	var r UsageReport
	var totals []byte
	var finishedAt *time.Time
	err := s.q.QueryRow(ctx, `SELECT id, owner_id, period_type, start_date, end_date, totals, status, artifact, error, created_at, finished_at
        FROM usage_reports WHERE id = $1`, id).
		Scan(&r.ID, &r.OwnerID, &r.PeriodType, &r.StartDate, &r.EndDate, &totals, &r.Status, &r.Artifact, &r.Error, &r.CreatedAt, &finishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return UsageReport{}, fmt.Errorf("report %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return UsageReport{}, err
	}
	if len(totals) > 0 {
		if err := json.Unmarshal(totals, &r.Totals); err != nil {
			return UsageReport{}, err
		}
	}
	if finishedAt != nil {
		r.FinishedAt = finishedAt.UTC()
	}
	return r, nil
}

func (s *pgStore) FinishReport(ctx context.Context, id uuid.UUID, status ReportStatus, totals []UsageTotal, artifact, errMsg string) error {
	encoded, err := json.Marshal(totals)
	if err != nil {
		return err
	}
	_, err = s.q.Exec(ctx, `UPDATE usage_reports
        SET status = $1, totals = $2, artifact = $3, error = $4, finished_at = $5
        WHERE id = $6 AND status = $7`,
		status, encoded, artifact, errMsg, time.Now().UTC(), id, ReportPending)
	return err
}

func nilUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func nilTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
