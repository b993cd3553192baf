package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mlm_service/internal/apperr"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrInsufficientBalance = apperr.New(apperr.KindStateConflict, "INSUFFICIENT_BALANCE", "insufficient balance")
	ErrWalletNotFound      = apperr.New(apperr.KindNotFound, "WALLET_NOT_FOUND", "wallet not found")
	ErrOptimisticLock      = apperr.New(apperr.KindStateConflict, "OPTIMISTIC_LOCK", "wallet was modified concurrently")
	ErrInvalidAmount       = apperr.New(apperr.KindValidation, "INVALID_AMOUNT", "amount must be positive")
	ErrLedgerMismatch      = apperr.New(apperr.KindStructuralInvariant, "WALLET_LEDGER_MISMATCH", "wallet ledger balance mismatch")
)

type WalletRepository interface {
	GetByID(ctx context.Context, tx *gorm.DB, walletID string) (*Wallet, error)
	GetByUser(ctx context.Context, tx *gorm.DB, userID string) (*Wallet, error)
	CreateWallet(ctx context.Context, tx *gorm.DB, userID string) (*Wallet, error)
	GetEntryByReference(ctx context.Context, tx *gorm.DB, refType, refID string, dir Direction) (*Entry, error)
	Apply(ctx context.Context, tx *gorm.DB, w *Wallet, entry *Entry) error
	Entries(ctx context.Context, walletID string) ([]Entry, error)
}

type WalletRepositoryImpl struct {
	db *gorm.DB
}

func NewWalletRepositoryImpl(db *gorm.DB) WalletRepository {
	return &WalletRepositoryImpl{db: db}
}

func (r *WalletRepositoryImpl) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *WalletRepositoryImpl) GetByID(ctx context.Context, tx *gorm.DB, walletID string) (*Wallet, error) {
	var w Wallet
	err := r.conn(tx).WithContext(ctx).Where("wallet_id = ?", walletID).First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &w, nil
}

func (r *WalletRepositoryImpl) GetByUser(ctx context.Context, tx *gorm.DB, userID string) (*Wallet, error) {
	var w Wallet
	err := r.conn(tx).WithContext(ctx).Where("user_id = ?", userID).First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &w, nil
}

func (r *WalletRepositoryImpl) CreateWallet(ctx context.Context, tx *gorm.DB, userID string) (*Wallet, error) {
	w := Wallet{
		WalletID: uuid.New().String(),
		UserID:   userID,
		Version:  1,
	}
	err := r.conn(tx).WithContext(ctx).Create(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// another request created it first
			return nil, ErrOptimisticLock
		}
		return nil, err
	}
	return &w, nil
}

func (r *WalletRepositoryImpl) GetEntryByReference(ctx context.Context, tx *gorm.DB, refType, refID string, dir Direction) (*Entry, error) {
	var e Entry
	err := r.conn(tx).WithContext(ctx).
		Where("reference_type = ? AND reference_id = ? AND direction = ?", refType, refID, dir).
		First(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// Apply moves w's balance by entry.Amount in entry.Direction and appends the
// entry. The caller owns the transaction.
func (r *WalletRepositoryImpl) Apply(ctx context.Context, tx *gorm.DB, w *Wallet, entry *Entry) error {
	newBalance := w.Balance.Add(entry.Amount)
	if entry.Direction == DirectionDebit {
		if w.Balance.LessThan(entry.Amount) {
			return ErrInsufficientBalance
		}
		newBalance = w.Balance.Sub(entry.Amount)
	}

	result := tx.WithContext(ctx).Model(&Wallet{}).Where("wallet_id = ? AND version = ?", w.WalletID, w.Version).
		Updates(map[string]interface{}{
			"balance":    newBalance,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}

	var seq int64
	if err := tx.WithContext(ctx).Model(&Entry{}).Where("wallet_id = ?", w.WalletID).
		Select("COALESCE(MAX(sequence), 0)").Scan(&seq).Error; err != nil {
		return err
	}

	entry.EntryID = uuid.New().String()
	entry.WalletID = w.WalletID
	entry.BalanceBefore = w.Balance
	entry.BalanceAfter = newBalance
	entry.Sequence = seq + 1
	if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrOptimisticLock
		}
		return err
	}

	w.Balance = newBalance
	w.Version++
	return nil
}

func (r *WalletRepositoryImpl) Entries(ctx context.Context, walletID string) ([]Entry, error) {
	var entries []Entry
	err := r.db.WithContext(ctx).Where("wallet_id = ?", walletID).Order("sequence").Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list wallet entries: %w", err)
	}
	return entries, nil
}
