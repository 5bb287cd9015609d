// services/lockplane/internal/core/ledger.go
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// --- Ledger Implementation ---

// Ledger owns merchant wallets. Credit and Debit are the only paths that move a balance.
type Ledger struct {
	store    DataStore
	currency string
	logger   *logrus.Logger
}

func NewLedger(store DataStore, currency string, logger *logrus.Logger) *Ledger {
	if currency == "" {
		currency = "KES"
	}
	return &Ledger{
		store:    store,
		currency: currency,
		logger:   logger,
	}
}

// GetOrCreateWallet returns the merchant's wallet, creating a zero-balance one on first access.
func (l *Ledger) GetOrCreateWallet(ctx context.Context, merchantID string) (*Wallet, error) {
	return l.getOrCreateWallet(ctx, l.store, merchantID)
}

func (l *Ledger) getOrCreateWallet(ctx context.Context, store DataStore, merchantID string) (*Wallet, error) {
	if merchantID == "" {
		return nil, ErrWalletNotFound.WithMessage("merchant id is required")
	}

	wallet, err := store.GetWalletByMerchant(ctx, merchantID)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}

	// Concurrent first accesses race on the unique merchant index; the loser re-reads.
	if err := store.CreateWalletIfAbsent(ctx, &Wallet{
		MerchantID: merchantID,
		Balance:    decimal.Zero,
		Currency:   l.currency,
		Status:     WalletStatusActive,
	}); err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}

	wallet, err = store.GetWalletByMerchant(ctx, merchantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}

	l.logger.WithFields(logrus.Fields{
		"merchant_id": merchantID,
		"wallet_id":   wallet.ID,
	}).Info("Wallet created")
	return wallet, nil
}

// Credit adds funds. A reused reference returns the original transaction unchanged.
func (l *Ledger) Credit(ctx context.Context, merchantID string, amount decimal.Decimal, reference, description string) (*WalletTransaction, error) {
	var txn *WalletTransaction
	err := l.store.WithTransaction(ctx, func(ctx context.Context, tx DataStore) error {
		var err error
		txn, err = l.post(ctx, tx, merchantID, TransactionTypeCredit, amount, reference, description)
		return err
	})
	return txn, err
}

// Debit removes funds and never overdraws. It fails with *InsufficientBalanceError
// when amount exceeds the balance, leaving the wallet untouched.
func (l *Ledger) Debit(ctx context.Context, merchantID string, amount decimal.Decimal, reference, description string) (*WalletTransaction, error) {
	var txn *WalletTransaction
	err := l.store.WithTransaction(ctx, func(ctx context.Context, tx DataStore) error {
		var err error
		txn, err = l.post(ctx, tx, merchantID, TransactionTypeDebit, amount, reference, description)
		return err
	})
	return txn, err
}

// HasSufficientBalance is a read-only pre-check. A merchant without a wallet has a zero balance.
func (l *Ledger) HasSufficientBalance(ctx context.Context, merchantID string, amount decimal.Decimal) (bool, error) {
	wallet, err := l.store.GetWalletByMerchant(ctx, merchantID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return amount.LessThanOrEqual(decimal.Zero), nil
		}
		return false, err
	}
	return wallet.Balance.GreaterThanOrEqual(amount), nil
}

// SetWalletStatus suspends or reactivates a wallet.
func (l *Ledger) SetWalletStatus(ctx context.Context, merchantID string, status WalletStatus) (*Wallet, error) {
	if status != WalletStatusActive && status != WalletStatusSuspended {
		return nil, ErrInvalidWalletStatus
	}

	var wallet *Wallet
	err := l.store.WithTransaction(ctx, func(ctx context.Context, tx DataStore) error {
		if _, err := l.getOrCreateWallet(ctx, tx, merchantID); err != nil {
			return err
		}
		w, err := tx.GetWalletForUpdate(ctx, merchantID)
		if err != nil {
			return err
		}
		if err := tx.UpdateWalletStatus(ctx, w.ID, status); err != nil {
			return err
		}
		w.Status = status
		wallet = w
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.WithFields(logrus.Fields{
		"merchant_id": merchantID,
		"status":      status,
	}).Info("Wallet status changed")
	return wallet, nil
}

// ListTransactions returns the wallet's history, newest first.
func (l *Ledger) ListTransactions(ctx context.Context, merchantID string, filter ListFilter) (*Page[*WalletTransaction], error) {
	filter = filter.Normalize()
	wallet, err := l.GetOrCreateWallet(ctx, merchantID)
	if err != nil {
		return nil, err
	}

	txns, total, err := l.store.ListWalletTransactions(ctx, wallet.ID, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return &Page[*WalletTransaction]{Items: txns, Total: total, Page: filter.Page, PageSize: filter.PageSize}, nil
}

// post appends one transaction and moves the balance inside tx. The wallet row
// lock serializes concurrent posts so no two read the same balance.
func (l *Ledger) post(ctx context.Context, tx DataStore, merchantID string, txnType TransactionType, amount decimal.Decimal, reference, description string) (*WalletTransaction, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	if _, err := l.getOrCreateWallet(ctx, tx, merchantID); err != nil {
		return nil, err
	}

	wallet, err := tx.GetWalletForUpdate(ctx, merchantID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}

	reference = strings.TrimSpace(reference)
	if reference != "" {
		existing, err := tx.GetWalletTransactionByReference(ctx, wallet.ID, reference)
		if err == nil {
			if existing.Type != txnType || !existing.Amount.Equal(amount) {
				return nil, ErrReferenceConflict.WithMessage("reference %s already used by a different transaction", reference)
			}
			return existing, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	before := wallet.Balance
	var after decimal.Decimal
	switch txnType {
	case TransactionTypeCredit:
		after = before.Add(amount)
	case TransactionTypeDebit:
		if wallet.Status == WalletStatusSuspended {
			return nil, ErrWalletSuspended
		}
		if amount.GreaterThan(before) {
			return nil, &InsufficientBalanceError{Required: amount, Available: before}
		}
		after = before.Sub(amount)
	}

	txn := &WalletTransaction{
		WalletID:      wallet.ID,
		Type:          txnType,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Description:   description,
		CreatedAt:     time.Now().UTC(),
	}
	if reference != "" {
		txn.Reference = &reference
	}

	if err := tx.CreateWalletTransaction(ctx, txn); err != nil {
		if isDuplicateKey(err) {
			return nil, ErrReferenceConflict
		}
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}
	if err := tx.UpdateWalletBalance(ctx, wallet.ID, after); err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	l.logger.WithFields(logrus.Fields{
		"merchant_id": merchantID,
		"type":        txnType,
		"amount":      amount.StringFixed(2),
		"balance":     after.StringFixed(2),
		"reference":   reference,
	}).Info("Wallet transaction posted")
	return txn, nil
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !amount.Equal(amount.Truncate(2)) {
		return ErrInvalidAmount
	}
	return nil
}
