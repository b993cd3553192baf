// Package order records repeat orders, the purchase activity that drives the
// monthly bonuses.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"mlm_service/internal/apperr"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const PeriodLayout = "2006-01"

// MaxReferenceLen matches the reference_id column width.
const MaxReferenceLen = 64

var (
	ErrInvalidOrder  = apperr.New(apperr.KindValidation, "INVALID_ORDER", "invalid repeat order")
	ErrOrderNotFound = apperr.New(apperr.KindNotFound, "ORDER_NOT_FOUND", "repeat order not found")
)

type RepeatOrder struct {
	ID           string          `gorm:"column:id;primaryKey;type:uuid" json:"id"`
	MemberNodeID string          `gorm:"column:member_node_id;type:uuid;not null;index:idx_order_period_member,priority:2" json:"member_node_id"`
	Period       string          `gorm:"column:period;type:varchar(7);not null;index:idx_order_period_member,priority:1" json:"period"`
	Amount       decimal.Decimal `gorm:"column:amount;type:numeric(20,2);not null" json:"amount"`
	ReferenceID  string          `gorm:"column:reference_id;type:varchar(64);not null;uniqueIndex" json:"reference_id"`
	OrderedAt    time.Time       `gorm:"column:ordered_at;not null" json:"ordered_at"`
	CreatedAt    time.Time       `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (RepeatOrder) TableName() string {
	return "repeat_orders"
}

func Models() []any {
	return []any{&RepeatOrder{}}
}

// PeriodKey formats the monthly period a time falls into.
func PeriodKey(month time.Month, year int) string {
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).Format(PeriodLayout)
}

type Repository interface {
	Record(ctx context.Context, o *RepeatOrder) (*RepeatOrder, error)
	GetByReference(ctx context.Context, ref string) (*RepeatOrder, error)
	SpendByMember(ctx context.Context, period string) (map[string]decimal.Decimal, error)
	TotalRevenue(ctx context.Context, period string) (decimal.Decimal, error)
}

type RepositoryImpl struct {
	db     *gorm.DB
	loc    *time.Location
	logger *zap.Logger
}

func NewRepository(db *gorm.DB, loc *time.Location, logger *zap.Logger) *RepositoryImpl {
	if loc == nil {
		loc = time.UTC
	}
	return &RepositoryImpl{db: db, loc: loc, logger: logger}
}

// Record stores an order once per reference; replays return the stored row.
func (r *RepositoryImpl) Record(ctx context.Context, o *RepeatOrder) (*RepeatOrder, error) {
	if o.MemberNodeID == "" || o.ReferenceID == "" {
		return nil, fmt.Errorf("%w: member and reference are required", ErrInvalidOrder)
	}
	if utf8.RuneCountInString(o.ReferenceID) > MaxReferenceLen {
		return nil, fmt.Errorf("%w: reference must be at most %d characters", ErrInvalidOrder, MaxReferenceLen)
	}
	if !o.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidOrder)
	}

	existing, err := r.GetByReference(ctx, o.ReferenceID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrOrderNotFound) {
		return nil, err
	}

	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.OrderedAt.IsZero() {
		o.OrderedAt = time.Now()
	}
	o.Period = o.OrderedAt.In(r.loc).Format(PeriodLayout)

	if err := r.db.WithContext(ctx).Create(o).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return r.GetByReference(ctx, o.ReferenceID)
		}
		return nil, fmt.Errorf("failed to record repeat order: %w", err)
	}
	r.logger.Info("repeat order recorded",
		zap.String("member_node_id", o.MemberNodeID),
		zap.String("period", o.Period),
		zap.String("amount", o.Amount.String()),
		zap.String("reference", o.ReferenceID))
	return o, nil
}

func (r *RepositoryImpl) GetByReference(ctx context.Context, ref string) (*RepeatOrder, error) {
	var o RepeatOrder
	if err := r.db.WithContext(ctx).Where("reference_id = ?", ref).First(&o).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get repeat order: %w", err)
	}
	return &o, nil
}

type spendRow struct {
	MemberNodeID string
	Total        decimal.Decimal
}

// SpendByMember sums each member's orders in the period.
func (r *RepositoryImpl) SpendByMember(ctx context.Context, period string) (map[string]decimal.Decimal, error) {
	var rows []spendRow
	err := r.db.WithContext(ctx).Model(&RepeatOrder{}).
		Select("member_node_id, SUM(amount) AS total").
		Where("period = ?", period).
		Group("member_node_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to sum repeat orders: %w", err)
	}
	out := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		out[row.MemberNodeID] = row.Total
	}
	return out, nil
}

// TotalRevenue is the national repeat-order revenue for the period.
func (r *RepositoryImpl) TotalRevenue(ctx context.Context, period string) (decimal.Decimal, error) {
	var row struct {
		Total decimal.Decimal
	}
	err := r.db.WithContext(ctx).Model(&RepeatOrder{}).
		Select("COALESCE(SUM(amount), 0) AS total").
		Where("period = ?", period).
		Scan(&row).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum revenue: %w", err)
	}
	return row.Total, nil
}
