package db

import (
	"context"
	"fmt"
	"math/big"

	x402 "github.com/x402-foundation/x402-upto"
)

// Payment statuses. Transitions are monotonic: verified -> settled | failed.
const (
	StatusVerified = "verified"
	StatusSettled  = "settled"
	StatusFailed   = "failed"
)

// PaymentRecord is one audited payment authorization
type PaymentRecord struct {
	Payer            string
	Recipient        string
	Token            string
	AuthorizedAmount string
	Nonce            string
	Network          string
}

// PaymentStore records payment lifecycle events. It only records; it never
// gates verification or settlement.
type PaymentStore struct {
	db *DB
}

// NewPaymentStore creates a payment store over an existing connection pool
func NewPaymentStore(db *DB) *PaymentStore {
	return &PaymentStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS payments (
	id                BIGSERIAL PRIMARY KEY,
	payer             TEXT NOT NULL,
	recipient         TEXT NOT NULL,
	token             TEXT NOT NULL,
	authorized_amount NUMERIC NOT NULL,
	settled_amount    NUMERIC,
	nonce             TEXT NOT NULL UNIQUE,
	tx_hash           TEXT,
	status            TEXT NOT NULL DEFAULT 'verified',
	error_reason      TEXT,
	network           TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	settled_at        TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_payments_status ON payments (status);
CREATE INDEX IF NOT EXISTS idx_payments_payer ON payments (payer);
`

// EnsureSchema creates the payments table if it does not exist
func (s *PaymentStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create payments schema: %w", err)
	}
	return nil
}

// RecordVerified inserts a verified payment. Repeated verifies of the same
// nonce are no-ops; the nonce uniqueness keeps one row per authorization.
func (s *PaymentStore) RecordVerified(ctx context.Context, record PaymentRecord) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO payments (payer, recipient, token, authorized_amount, nonce, network, status)
		VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7)
		ON CONFLICT (nonce) DO NOTHING`,
		record.Payer, record.Recipient, record.Token, record.AuthorizedAmount,
		record.Nonce, record.Network, StatusVerified)
	if err != nil {
		return fmt.Errorf("failed to record verified payment: %w", err)
	}
	return nil
}

// MarkSettled transitions a verified payment to settled. Rows already settled
// or failed are left alone.
func (s *PaymentStore) MarkSettled(ctx context.Context, nonce, settledAmount, txHash string) error {
	_, err := s.db.Pool.Exec(ctx, `
		UPDATE payments
		SET status = $2, settled_amount = $3::NUMERIC, tx_hash = NULLIF($4, ''), settled_at = now()
		WHERE nonce = $1 AND status = $5`,
		nonce, StatusSettled, settledAmount, txHash, StatusVerified)
	if err != nil {
		return fmt.Errorf("failed to mark payment settled: %w", err)
	}
	return nil
}

// MarkFailed transitions a verified payment to failed, keeping the reason
func (s *PaymentStore) MarkFailed(ctx context.Context, nonce, reason, txHash string) error {
	_, err := s.db.Pool.Exec(ctx, `
		UPDATE payments
		SET status = $2, error_reason = $3, tx_hash = NULLIF($4, ''), settled_at = now()
		WHERE nonce = $1 AND status = $5`,
		nonce, StatusFailed, reason, txHash, StatusVerified)
	if err != nil {
		return fmt.Errorf("failed to mark payment failed: %w", err)
	}
	return nil
}

// Stats aggregates all recorded payments
func (s *PaymentStore) Stats(ctx context.Context) (*x402.StatsResponse, error) {
	var (
		totalPayments   int64
		settledPayments int64
		totalAuthorized string
		totalSettled    string
	)

	err := s.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'settled'),
		       COALESCE(SUM(authorized_amount), 0)::TEXT,
		       COALESCE(SUM(settled_amount) FILTER (WHERE status = 'settled'), 0)::TEXT
		FROM payments`).Scan(&totalPayments, &settledPayments, &totalAuthorized, &totalSettled)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate payment stats: %w", err)
	}

	return &x402.StatsResponse{
		TotalPayments:   totalPayments,
		SettledPayments: settledPayments,
		TotalAuthorized: totalAuthorized,
		TotalSettled:    totalSettled,
		SavingsPercent:  savingsPercent(totalAuthorized, totalSettled),
	}, nil
}

// savingsPercent computes round(100 * (1 - settled/authorized)) without
// leaving integer arithmetic. Returns 0 when nothing was authorized.
func savingsPercent(authorized, settled string) int64 {
	a, okA := new(big.Int).SetString(authorized, 10)
	s, okS := new(big.Int).SetString(settled, 10)
	if !okA || !okS || a.Sign() <= 0 {
		return 0
	}

	// round((a - s) * 100 / a)
	num := new(big.Int).Sub(a, s)
	num.Mul(num, big.NewInt(100))

	q, r := new(big.Int).QuoRem(num, a, new(big.Int))
	if new(big.Int).Lsh(r, 1).Cmp(a) >= 0 {
		q.Add(q, big.NewInt(1))
	}
	return q.Int64()
}
