package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	MaxRetries = 3
	RetryDelay = 10 * time.Millisecond
)

type Service struct {
	db     *gorm.DB
	repo   WalletRepository
	logger *zap.Logger
}

func NewService(db *gorm.DB, repo WalletRepository, logger *zap.Logger) *Service {
	return &Service{db: db, repo: repo, logger: logger}
}

func (s *Service) GetBalance(ctx context.Context, userID string) (*Wallet, error) {
	return s.repo.GetByUser(ctx, nil, userID)
}

func (s *Service) Entries(ctx context.Context, walletID string) ([]Entry, error) {
	return s.repo.Entries(ctx, walletID)
}

func (s *Service) Credit(ctx context.Context, req Request) (*Entry, error) {
	return s.process(ctx, DirectionCredit, req)
}

// Debit fails with ErrInsufficientBalance when the wallet cannot cover the
// amount; no entry is written in that case.
func (s *Service) Debit(ctx context.Context, req Request) (*Entry, error) {
	return s.process(ctx, DirectionDebit, req)
}

// CreditTx credits inside a transaction owned by the caller. Optimistic lock
// failures are returned so the caller can retry its whole transaction.
func (s *Service) CreditTx(ctx context.Context, tx *gorm.DB, req Request) (*Entry, error) {
	return s.applyTx(ctx, tx, DirectionCredit, req)
}

func (s *Service) process(ctx context.Context, dir Direction, req Request) (*Entry, error) {
	var (
		entry *Entry
		err   error
	)
	for i := 0; i < MaxRetries; i++ {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			entry, txErr = s.applyTx(ctx, tx, dir, req)
			return txErr
		})
		if err == nil {
			s.logger.Info("wallet entry applied",
				zap.String("wallet_id", entry.WalletID),
				zap.String("direction", string(dir)),
				zap.String("amount", entry.Amount.String()),
				zap.String("balance", entry.BalanceAfter.String()),
				zap.String("reference", req.ReferenceType+"/"+req.ReferenceID))
			return entry, nil
		}
		if errors.Is(err, ErrOptimisticLock) {
			time.Sleep(RetryDelay)
			continue
		}
		return nil, err
	}
	return nil, err
}

func (s *Service) applyTx(ctx context.Context, tx *gorm.DB, dir Direction, req Request) (*Entry, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if req.ReferenceType == "" || req.ReferenceID == "" {
		return nil, fmt.Errorf("%w: reference is required", ErrInvalidAmount)
	}

	// idempotency check
	existing, err := s.repo.GetEntryByReference(ctx, tx, req.ReferenceType, req.ReferenceID, dir)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	w, err := s.resolve(ctx, tx, dir, req)
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		Direction:     dir,
		Amount:        req.Amount,
		Reason:        req.Reason,
		ReferenceType: req.ReferenceType,
		ReferenceID:   req.ReferenceID,
	}
	if err := s.repo.Apply(ctx, tx, w, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Service) resolve(ctx context.Context, tx *gorm.DB, dir Direction, req Request) (*Wallet, error) {
	if req.WalletID != "" {
		return s.repo.GetByID(ctx, tx, req.WalletID)
	}
	w, err := s.repo.GetByUser(ctx, tx, req.UserID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return nil, err
	}
	if dir == DirectionDebit {
		return nil, ErrInsufficientBalance
	}
	return s.repo.CreateWallet(ctx, tx, req.UserID)
}

// Verify checks the wallet's ledger chain and that it ends at the cached
// balance.
func (s *Service) Verify(ctx context.Context, walletID string) error {
	w, err := s.repo.GetByID(ctx, nil, walletID)
	if err != nil {
		return err
	}
	entries, err := s.repo.Entries(ctx, walletID)
	if err != nil {
		return err
	}
	balance := decimal.Zero
	for _, e := range entries {
		delta := e.Amount
		if e.Direction == DirectionDebit {
			delta = delta.Neg()
		}
		if !e.BalanceBefore.Equal(balance) || !e.BalanceAfter.Equal(e.BalanceBefore.Add(delta)) {
			return fmt.Errorf("%w: wallet %s sequence %d", ErrLedgerMismatch, walletID, e.Sequence)
		}
		balance = e.BalanceAfter
	}
	if !balance.Equal(w.Balance) {
		return fmt.Errorf("%w: wallet %s ledger ends at %s, cached %s", ErrLedgerMismatch, walletID, balance, w.Balance)
	}
	return nil
}
