package bonus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mlm_service/internal/event"
	"mlm_service/internal/wallet"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const WalletReferenceType = "bonus"

// BonusDecision is published when an admin approves or rejects a bonus.
type BonusDecision struct {
	BonusID       string          `json:"bonus_id"`
	MemberNodeID  string          `json:"member_node_id"`
	UserID        string          `json:"user_id"`
	BonusType     BonusType       `json:"bonus_type"`
	Amount        decimal.Decimal `json:"amount"`
	WalletPortion decimal.Decimal `json:"wallet_portion"`
	Status        Status          `json:"status"`
}

func (e *Engine) GetBonus(ctx context.Context, id string) (*Bonus, error) {
	return e.repo.Get(ctx, id)
}

func (e *Engine) MemberBonuses(ctx context.Context, memberNodeID string, status Status) ([]Bonus, error) {
	return e.repo.ListByMember(ctx, memberNodeID, status)
}

// ApproveBonus moves a pending bonus to Approved and credits its wallet
// portion to the member's wallet in the same transaction.
func (e *Engine) ApproveBonus(ctx context.Context, id string) (*Bonus, error) {
	var (
		b      *Bonus
		userID string
		err    error
	)
	for i := 0; i < wallet.MaxRetries; i++ {
		err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			b, userID, txErr = e.approveTx(ctx, tx, id)
			return txErr
		})
		if err == nil {
			break
		}
		if errors.Is(err, wallet.ErrOptimisticLock) {
			time.Sleep(wallet.RetryDelay)
			continue
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	e.logger.Info("bonus approved",
		zap.String("bonus_id", b.ID),
		zap.String("member_node_id", b.MemberNodeID),
		zap.String("bonus_type", string(b.BonusType)),
		zap.String("wallet_portion", b.WalletPortion.String()))
	e.publishDecision(event.TopicBonusApproved, b, userID)
	return b, nil
}

func (e *Engine) approveTx(ctx context.Context, tx *gorm.DB, id string) (*Bonus, string, error) {
	b, err := e.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return nil, "", err
	}
	if b.Status != StatusPending {
		return nil, "", fmt.Errorf("%w: bonus %s is %s", ErrInvalidState, b.ID, b.Status)
	}
	node, err := e.nodes.Get(ctx, tx, b.MemberNodeID)
	if err != nil {
		return nil, "", err
	}

	if b.WalletPortion.IsPositive() {
		if _, err := e.wallets.CreditTx(ctx, tx, wallet.Request{
			UserID:        node.UserID,
			Amount:        b.WalletPortion,
			Reason:        string(b.BonusType) + " bonus " + b.PeriodKey,
			ReferenceType: WalletReferenceType,
			ReferenceID:   b.ID,
		}); err != nil {
			return nil, "", err
		}
	}

	at := e.now()
	if err := e.repo.Transition(ctx, tx, b.ID, StatusPending, StatusApproved, at); err != nil {
		return nil, "", err
	}
	b.Status = StatusApproved
	b.ApprovedAt = &at
	return b, node.UserID, nil
}

// RejectBonus moves a pending bonus to Rejected. The wallet is untouched.
func (e *Engine) RejectBonus(ctx context.Context, id string) (*Bonus, error) {
	b, err := e.transition(ctx, id, StatusPending, StatusRejected)
	if err != nil {
		return nil, err
	}
	e.logger.Info("bonus rejected", zap.String("bonus_id", b.ID), zap.String("member_node_id", b.MemberNodeID))
	e.publishDecision(event.TopicBonusRejected, b, "")
	return b, nil
}

// MarkPaid records that the cash portion of an approved bonus was paid out.
func (e *Engine) MarkPaid(ctx context.Context, id string) (*Bonus, error) {
	b, err := e.transition(ctx, id, StatusApproved, StatusPaid)
	if err != nil {
		return nil, err
	}
	e.logger.Info("bonus paid", zap.String("bonus_id", b.ID), zap.String("cash_portion", b.CashPortion.String()))
	return b, nil
}

func (e *Engine) transition(ctx context.Context, id string, from, to Status) (*Bonus, error) {
	var b *Bonus
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		b, err = e.repo.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if b.Status != from {
			return fmt.Errorf("%w: bonus %s is %s", ErrInvalidState, b.ID, b.Status)
		}
		at := e.now()
		if err := e.repo.Transition(ctx, tx, id, from, to, at); err != nil {
			return err
		}
		b.Status = to
		switch to {
		case StatusRejected:
			b.RejectedAt = &at
		case StatusPaid:
			b.PaidAt = &at
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (e *Engine) publishDecision(topic event.Topic, b *Bonus, userID string) {
	if e.events == nil {
		return
	}
	e.events.Publish(topic, BonusDecision{
		BonusID:       b.ID,
		MemberNodeID:  b.MemberNodeID,
		UserID:        userID,
		BonusType:     b.BonusType,
		Amount:        b.Amount,
		WalletPortion: b.WalletPortion,
		Status:        b.Status,
	})
}
