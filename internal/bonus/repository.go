package bonus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mlm_service/internal/apperr"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrBonusNotFound = apperr.New(apperr.KindNotFound, "BONUS_NOT_FOUND", "bonus not found")
	ErrRunNotFound   = apperr.New(apperr.KindNotFound, "RUN_NOT_FOUND", "bonus run not found")
	ErrInvalidState  = apperr.New(apperr.KindStateConflict, "INVALID_STATE", "bonus is not in the required state")
	ErrAlreadyRun    = apperr.New(apperr.KindStateConflict, "ALREADY_RUN", "a completed run exists for this period")
	ErrRunInProgress = apperr.New(apperr.KindStateConflict, "RUN_IN_PROGRESS", "a run for this period is in progress")
	ErrInvalidPeriod = apperr.New(apperr.KindValidation, "INVALID_PERIOD", "invalid bonus period")
)

type BonusRepository interface {
	// Insert writes b unless a bonus with the same identity exists; it
	// reports whether a row was written.
	Insert(ctx context.Context, tx *gorm.DB, b *Bonus) (bool, error)
	Get(ctx context.Context, id string) (*Bonus, error)
	GetForUpdate(ctx context.Context, tx *gorm.DB, id string) (*Bonus, error)
	Transition(ctx context.Context, tx *gorm.DB, id string, from, to Status, at time.Time) error
	ListByPeriod(ctx context.Context, bonusType BonusType, periodKey string) ([]Bonus, error)
	ListByRun(ctx context.Context, runID string) ([]Bonus, error)
	ListByMember(ctx context.Context, memberNodeID string, status Status) ([]Bonus, error)

	GetRun(ctx context.Context, periodType PeriodType, periodKey string) (*BonusRun, error)
	CreateRun(ctx context.Context, run *BonusRun) error
	ClaimRun(ctx context.Context, run *BonusRun, startedAt time.Time) error
	AddRunTotals(ctx context.Context, tx *gorm.DB, runID string, totals runTotals) error
	FinishRun(ctx context.Context, run *BonusRun) error
	ListRuns(ctx context.Context, periodType PeriodType, limit int) ([]BonusRun, error)
}

type BonusRepositoryImpl struct {
	db *gorm.DB
}

func NewBonusRepository(db *gorm.DB) *BonusRepositoryImpl {
	return &BonusRepositoryImpl{db: db}
}

func (r *BonusRepositoryImpl) Insert(ctx context.Context, tx *gorm.DB, b *Bonus) (bool, error) {
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(b)
	if result.Error != nil {
		return false, fmt.Errorf("failed to create %s bonus: %w", b.BonusType, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *BonusRepositoryImpl) Get(ctx context.Context, id string) (*Bonus, error) {
	var b Bonus
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&b).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBonusNotFound
		}
		return nil, fmt.Errorf("failed to get bonus: %w", err)
	}
	return &b, nil
}

func (r *BonusRepositoryImpl) GetForUpdate(ctx context.Context, tx *gorm.DB, id string) (*Bonus, error) {
	var b Bonus
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&b).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBonusNotFound
		}
		return nil, fmt.Errorf("failed to lock bonus: %w", err)
	}
	return &b, nil
}

// Transition moves a bonus from one status to another; it fails with
// ErrInvalidState when the bonus is no longer in from.
func (r *BonusRepositoryImpl) Transition(ctx context.Context, tx *gorm.DB, id string, from, to Status, at time.Time) error {
	updates := map[string]interface{}{"status": to}
	switch to {
	case StatusApproved:
		updates["approved_at"] = at
	case StatusRejected:
		updates["rejected_at"] = at
	case StatusPaid:
		updates["paid_at"] = at
	}
	result := tx.WithContext(ctx).
		Model(&Bonus{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update bonus status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrInvalidState
	}
	return nil
}

func (r *BonusRepositoryImpl) ListByPeriod(ctx context.Context, bonusType BonusType, periodKey string) ([]Bonus, error) {
	var out []Bonus
	err := r.db.WithContext(ctx).
		Where("bonus_type = ? AND period_key = ?", bonusType, periodKey).
		Order("created_at, id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list bonuses: %w", err)
	}
	return out, nil
}

func (r *BonusRepositoryImpl) ListByRun(ctx context.Context, runID string) ([]Bonus, error) {
	var out []Bonus
	err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("bonus_type, member_node_id, source_id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list run bonuses: %w", err)
	}
	return out, nil
}

// ListByMember returns a member's bonuses, newest first. An empty status
// returns all of them.
func (r *BonusRepositoryImpl) ListByMember(ctx context.Context, memberNodeID string, status Status) ([]Bonus, error) {
	q := r.db.WithContext(ctx).Where("member_node_id = ?", memberNodeID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []Bonus
	if err := q.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list member bonuses: %w", err)
	}
	return out, nil
}

func (r *BonusRepositoryImpl) GetRun(ctx context.Context, periodType PeriodType, periodKey string) (*BonusRun, error) {
	var run BonusRun
	err := r.db.WithContext(ctx).
		Where("period_type = ? AND period_key = ?", periodType, periodKey).
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get bonus run: %w", err)
	}
	return &run, nil
}

// CreateRun inserts a pending run. A concurrent creator winning the unique
// period index surfaces as ErrRunInProgress.
func (r *BonusRepositoryImpl) CreateRun(ctx context.Context, run *BonusRun) error {
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrRunInProgress
		}
		return fmt.Errorf("failed to create bonus run: %w", err)
	}
	return nil
}

// ClaimRun moves the run to Running if nobody changed it since it was read.
func (r *BonusRepositoryImpl) ClaimRun(ctx context.Context, run *BonusRun, startedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&BonusRun{}).
		Where("id = ? AND version = ?", run.ID, run.Version).
		Updates(map[string]interface{}{
			"status":       RunRunning,
			"started_at":   startedAt,
			"completed_at": nil,
			"attempts":     gorm.Expr("attempts + 1"),
			"error_count":  0,
			"error_log":    nil,
			"version":      gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to claim bonus run: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRunInProgress
	}
	run.Status = RunRunning
	run.StartedAt = &startedAt
	run.Attempts++
	run.Version++
	return nil
}

func (r *BonusRepositoryImpl) AddRunTotals(ctx context.Context, tx *gorm.DB, runID string, totals runTotals) error {
	if totals.count == 0 {
		return nil
	}
	add := func(column string, v decimal.Decimal) clause.Expr {
		return gorm.Expr(column+" + ?", v)
	}
	result := tx.WithContext(ctx).
		Model(&BonusRun{}).
		Where("id = ?", runID).
		Updates(map[string]interface{}{
			"pairing_total":        add("pairing_total", totals.byType[TypePairing]),
			"matching_total":       add("matching_total", totals.byType[TypeMatching]),
			"leveling_total":       add("leveling_total", totals.byType[TypeLeveling]),
			"repeat_order_total":   add("repeat_order_total", totals.byType[TypeRepeatOrder]),
			"global_sharing_total": add("global_sharing_total", totals.byType[TypeGlobalSharing]),
			"total":                add("total", totals.sum()),
			"bonus_count":          gorm.Expr("bonus_count + ?", totals.count),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update run totals: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}

// FinishRun stores the terminal status, error log and counts of an attempt.
func (r *BonusRepositoryImpl) FinishRun(ctx context.Context, run *BonusRun) error {
	result := r.db.WithContext(ctx).
		Model(&BonusRun{}).
		Where("id = ? AND version = ?", run.ID, run.Version).
		Updates(map[string]interface{}{
			"status":       run.Status,
			"completed_at": run.CompletedAt,
			"member_count": run.MemberCount,
			"error_count":  run.ErrorCount,
			"error_log":    run.ErrorLog,
			"version":      gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to finish bonus run: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: run %s changed while running", ErrRunInProgress, run.ID)
	}
	run.Version++
	return nil
}

func (r *BonusRepositoryImpl) ListRuns(ctx context.Context, periodType PeriodType, limit int) ([]BonusRun, error) {
	q := r.db.WithContext(ctx).Order("period_key DESC")
	if periodType != "" {
		q = q.Where("period_type = ?", periodType)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var runs []BonusRun
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list bonus runs: %w", err)
	}
	return runs, nil
}
