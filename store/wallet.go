package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChargeWallet durably decrements balance, increments total_spent and
// appends a CHARGE ledger row in one transaction (spec §4.5 post-script
// write). Returns the resulting balance.
func (s *Store) ChargeWallet(ctx context.Context, owner Owner, amountCents int64, requestID, model string) (int64, error) {
	return s.mutateWallet(ctx, owner, TxCharge, -amountCents, requestID, "charge:"+model, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE wallets SET balance_cents = balance_cents - $3, lifetime_spent = lifetime_spent + $3
			WHERE owner_kind = $1 AND owner_id = $2`, owner.Kind, owner.ID, amountCents)
		return err
	})
}

// TopUp durably increments balance and lifetime_topup, enforcing the hard
// ceiling from spec §3, and appends a TOPUP ledger row.
func (s *Store) TopUp(ctx context.Context, owner Owner, amountCents int64, ref string) (int64, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := s.upsertWalletRow(ctx, tx, owner); err != nil {
		return 0, err
	}

	var balance int64
	if err := tx.QueryRowContext(ctx, `SELECT balance_cents FROM wallets WHERE owner_kind=$1 AND owner_id=$2 FOR UPDATE`,
		owner.Kind, owner.ID).Scan(&balance); err != nil {
		return 0, err
	}
	if balance+amountCents > MaxWalletBalance {
		return 0, fmt.Errorf("top up would exceed wallet ceiling")
	}

	newBalance := balance + amountCents
	if _, err := tx.ExecContext(ctx, `
		UPDATE wallets SET balance_cents = $3, lifetime_topup = lifetime_topup + $4
		WHERE owner_kind = $1 AND owner_id = $2`, owner.Kind, owner.ID, newBalance, amountCents); err != nil {
		return 0, err
	}
	if err := s.appendLedgerRow(ctx, tx, owner, TxTopUp, amountCents, newBalance, ref, "top up"); err != nil {
		return 0, err
	}
	return newBalance, tx.Commit()
}

// Refund durably increments balance and appends a REFUND ledger row (spec
// §4.6, §4.9 post-script write).
func (s *Store) Refund(ctx context.Context, owner Owner, amountCents int64, requestID, reason string) (int64, error) {
	return s.mutateWallet(ctx, owner, TxRefund, amountCents, requestID, reason, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE wallets SET balance_cents = balance_cents + $3 WHERE owner_kind = $1 AND owner_id = $2`,
			owner.Kind, owner.ID, amountCents)
		return err
	})
}

// LockWallet sets the lock flag and appends a zero-amount audit row (spec
// §4.6 lock operation).
func (s *Store) LockWallet(ctx context.Context, owner Owner, reason string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.upsertWalletRow(ctx, tx, owner); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE wallets SET locked = true, lock_reason = $3, locked_at = $4
		WHERE owner_kind = $1 AND owner_id = $2`, owner.Kind, owner.ID, reason, time.Now().UTC()); err != nil {
		return err
	}
	var balance int64
	if err := tx.QueryRowContext(ctx, `SELECT balance_cents FROM wallets WHERE owner_kind=$1 AND owner_id=$2`,
		owner.Kind, owner.ID).Scan(&balance); err != nil {
		return err
	}
	if err := s.appendLedgerRow(ctx, tx, owner, TxAdminAdjust, 0, balance, "", "lock: "+reason); err != nil {
		return err
	}
	return tx.Commit()
}

// UnlockWallet clears the lock flag and appends an audit row (spec §4.6
// unlock operation).
func (s *Store) UnlockWallet(ctx context.Context, owner Owner, reason string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
		UPDATE wallets SET locked = false, lock_reason = '', locked_at = NULL
		WHERE owner_kind = $1 AND owner_id = $2`, owner.Kind, owner.ID); err != nil {
		return err
	}
	var balance int64
	if err := tx.QueryRowContext(ctx, `SELECT balance_cents FROM wallets WHERE owner_kind=$1 AND owner_id=$2`,
		owner.Kind, owner.ID).Scan(&balance); err != nil {
		return err
	}
	if err := s.appendLedgerRow(ctx, tx, owner, TxAdminAdjust, 0, balance, "", "unlock: "+reason); err != nil {
		return err
	}
	return tx.Commit()
}

// GetWallet reads the durable wallet row, used for cold-start reconcile
// (spec §4.6 "Cold start / cache miss").
func (s *Store) GetWallet(ctx context.Context, owner Owner) (*Wallet, error) {
	var w Wallet
	w.OwnerKind, w.OwnerID = owner.Kind, owner.ID
	err := s.DB.QueryRowContext(ctx, `
		SELECT balance_cents, locked, lock_reason, lifetime_topup, lifetime_spent
		FROM wallets WHERE owner_kind=$1 AND owner_id=$2`, owner.Kind, owner.ID).
		Scan(&w.BalanceCents, &w.Locked, &w.LockReason, &w.LifetimeTopup, &w.LifetimeSpent)
	if err == sql.ErrNoRows {
		return &Wallet{OwnerKind: owner.Kind, OwnerID: owner.ID}, nil
	}
	return &w, err
}

// mutateWallet is the shared transactional shape behind ChargeWallet and
// Refund: run the caller's balance update, append a ledger row, commit.
func (s *Store) mutateWallet(ctx context.Context, owner Owner, txType LedgerTxType, signedAmount int64, requestID, desc string, update func(*sql.Tx) error) (int64, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := s.upsertWalletRow(ctx, tx, owner); err != nil {
		return 0, err
	}
	if err := update(tx); err != nil {
		return 0, err
	}

	var balance int64
	if err := tx.QueryRowContext(ctx, `SELECT balance_cents FROM wallets WHERE owner_kind=$1 AND owner_id=$2`,
		owner.Kind, owner.ID).Scan(&balance); err != nil {
		return 0, err
	}
	if err := s.appendLedgerRow(ctx, tx, owner, txType, signedAmount, balance, requestID, desc); err != nil {
		return 0, err
	}
	return balance, tx.Commit()
}

func (s *Store) upsertWalletRow(ctx context.Context, tx *sql.Tx, owner Owner) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (owner_kind, owner_id, balance_cents, locked, lifetime_topup, lifetime_spent)
		VALUES ($1, $2, 0, false, 0, 0)
		ON CONFLICT (owner_kind, owner_id) DO NOTHING`, owner.Kind, owner.ID)
	return err
}

func (s *Store) appendLedgerRow(ctx context.Context, tx *sql.Tx, owner Owner, txType LedgerTxType, amount, balanceAfter int64, requestID, desc string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_ledger (id, owner_kind, owner_id, tx_type, amount_cents, balance_after, request_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		uuid.NewString(), owner.Kind, owner.ID, txType, amount, balanceAfter, requestID, desc, time.Now().UTC())
	return err
}

// SumLedger returns the sum of signed ledger amounts for an owner — used by
// the reconciliation invariant in spec §8 property 3.
func (s *Store) SumLedger(ctx context.Context, owner Owner) (int64, error) {
	var sum sql.NullInt64
	err := s.DB.QueryRowContext(ctx, `
		SELECT SUM(amount_cents) FROM wallet_ledger WHERE owner_kind=$1 AND owner_id=$2`,
		owner.Kind, owner.ID).Scan(&sum)
	return sum.Int64, err
}
