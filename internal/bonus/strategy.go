package bonus

import (
	"context"

	"gorm.io/gorm"
)

// strategy writes one bonus type. apply runs inside the member's write
// transaction and returns nil when there is nothing new to write.
type strategy struct {
	cadence PeriodType
	apply   func(e *Engine, ctx context.Context, tx *gorm.DB, run *BonusRun, p period, c *candidate) (*Bonus, error)
}

var strategies = map[BonusType]strategy{
	TypePairing:       {cadence: PeriodDaily, apply: (*Engine).applyPairing},
	TypeLeveling:      {cadence: PeriodDaily, apply: (*Engine).insertCandidate},
	TypeMatching:      {cadence: PeriodDaily, apply: (*Engine).insertCandidate},
	TypeRepeatOrder:   {cadence: PeriodMonthly, apply: (*Engine).insertCandidate},
	TypeGlobalSharing: {cadence: PeriodMonthly, apply: (*Engine).insertCandidate},
}

// insertCandidate writes a bonus fully computed in the read phase.
func (e *Engine) insertCandidate(ctx context.Context, tx *gorm.DB, run *BonusRun, p period, c *candidate) (*Bonus, error) {
	b := e.newBonus(run, p, c)
	inserted, err := e.repo.Insert(ctx, tx, b)
	if err != nil || !inserted {
		return nil, err
	}
	return b, nil
}
