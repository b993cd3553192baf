package bonus

import (
	"context"
	"time"

	"mlm_service/internal/compensation"
	"mlm_service/internal/network"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var _ network.SponsorBonusWriter = (*Engine)(nil)

// CreateSponsorBonus writes the sponsor's pending bonus for a registration,
// inside the registration's transaction. The amount follows the lesser of
// the two package tiers. Metrics and logging for the new row happen in the
// returned hook, once the registration has committed.
func (e *Engine) CreateSponsorBonus(ctx context.Context, tx *gorm.DB, sponsor, member *network.MemberNode, at time.Time) (network.AfterCommit, error) {
	st, err := e.plan.Tier(sponsor.PackageTier)
	if err != nil {
		return nil, err
	}
	mt, err := e.plan.Tier(member.PackageTier)
	if err != nil {
		return nil, err
	}
	amount := compensation.LesserTierAmount(st, mt, e.plan.Bonus.SponsorBonusUnit)
	if !amount.IsPositive() {
		return nil, nil
	}

	p := e.dailyPeriod(at)
	b := e.newBonus(nil, p, &candidate{
		bonusType: TypeSponsor,
		memberID:  sponsor.ID,
		sourceID:  member.ID,
		amount:    amount,
		meta: map[string]any{
			"new_member_id": member.ID,
			"sponsor_tier":  st.Code,
			"member_tier":   mt.Code,
			"lesser_rank":   min(st.Rank, mt.Rank),
			"unit":          e.plan.Bonus.SponsorBonusUnit.String(),
		},
	})
	inserted, err := e.repo.Insert(ctx, tx, b)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, nil
	}
	return func() {
		e.metrics.observeBonus(b)
		e.logger.Info("sponsor bonus created",
			zap.String("bonus_id", b.ID),
			zap.String("sponsor_id", sponsor.ID),
			zap.String("member_id", member.ID),
			zap.String("amount", amount.String()))
	}, nil
}
