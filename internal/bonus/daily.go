package bonus

import (
	"context"
	"fmt"

	"mlm_service/internal/compensation"
	"mlm_service/internal/network"
	"mlm_service/internal/points"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// runDaily snapshots the tree, previews pairing and leveling per active
// member on the pool, writes each member in its own transaction, then pays
// matching on every pairing bonus of the day.
func (e *Engine) runDaily(ctx context.Context, run *BonusRun, p period) (int, []MemberError, error) {
	all, err := e.nodes.ListAll(ctx)
	if err != nil {
		return 0, nil, err
	}
	arena := network.NewArena(all)
	active := activeNodes(all)

	jobs, failures, err := e.readPhase(ctx, active, "daily", func(n *network.MemberNode) (*memberJob, error) {
		return e.previewDaily(arena, n)
	})
	if err != nil {
		return len(active), failures, err
	}
	_, writeFailures, err := e.writePhase(ctx, run, p, "daily", jobs)
	failures = append(failures, writeFailures...)
	if err != nil {
		return len(active), failures, err
	}

	matchJobs, err := e.matchingJobs(ctx, arena, p)
	if err != nil {
		return len(active), failures, err
	}
	_, writeFailures, err = e.writePhase(ctx, run, p, "matching", matchJobs)
	failures = append(failures, writeFailures...)
	return len(active), failures, err
}

func activeNodes(all []network.MemberNode) []*network.MemberNode {
	var out []*network.MemberNode
	for i := range all {
		if all[i].IsActive() {
			out = append(out, &all[i])
		}
	}
	return out
}

func (e *Engine) previewDaily(arena network.Arena, n *network.MemberNode) (*memberJob, error) {
	job := &memberJob{node: n}

	tier, err := e.plan.Tier(n.PackageTier)
	if err != nil {
		return nil, err
	}
	pairs := compensation.PairsAvailable(n.LeftPP, n.RightPP, e.plan.Bonus.PointsPerPair, tier.MaxPairingPerDay)
	if pairs > 0 {
		job.candidates = append(job.candidates, &candidate{
			bonusType: TypePairing,
			memberID:  n.ID,
			sourceID:  n.ID,
		})
	}

	leveling, err := e.previewLeveling(arena, n)
	if err != nil {
		return nil, err
	}
	if leveling != nil {
		job.candidates = append(job.candidates, leveling)
	}
	return job, nil
}

// previewLeveling pays the lesser of the two direct children's tiers while
// both children are active.
func (e *Engine) previewLeveling(arena network.Arena, n *network.MemberNode) (*candidate, error) {
	left, right := arena.Children(n.ID)
	if left == nil || right == nil || !left.IsActive() || !right.IsActive() {
		return nil, nil
	}
	lt, err := e.plan.Tier(left.PackageTier)
	if err != nil {
		return nil, err
	}
	rt, err := e.plan.Tier(right.PackageTier)
	if err != nil {
		return nil, err
	}
	amount := compensation.LesserTierAmount(lt, rt, e.plan.Bonus.LevelingBonusUnit)
	if !amount.IsPositive() {
		return nil, nil
	}
	return &candidate{
		bonusType: TypeLeveling,
		memberID:  n.ID,
		sourceID:  n.ID,
		amount:    amount,
		meta: map[string]any{
			"left_child_id":  left.ID,
			"right_child_id": right.ID,
			"left_tier":      lt.Code,
			"right_tier":     rt.Code,
			"lesser_rank":    min(lt.Rank, rt.Rank),
			"unit":           e.plan.Bonus.LevelingBonusUnit.String(),
		},
	}, nil
}

// applyPairing recomputes the pairs from the locked node so the bonus and
// the deduction come from the same count.
func (e *Engine) applyPairing(ctx context.Context, tx *gorm.DB, run *BonusRun, p period, c *candidate) (*Bonus, error) {
	node, err := e.nodes.GetForUpdate(ctx, tx, c.memberID)
	if err != nil {
		return nil, err
	}
	if !node.IsActive() {
		return nil, nil
	}
	tier, err := e.plan.Tier(node.PackageTier)
	if err != nil {
		return nil, err
	}
	rules := e.plan.Bonus
	pairs := compensation.PairsAvailable(node.LeftPP, node.RightPP, rules.PointsPerPair, tier.MaxPairingPerDay)
	if pairs == 0 {
		return nil, nil
	}

	c.amount = rules.PairingBonusAmount.Mul(decimal.NewFromInt(pairs))
	c.meta = map[string]any{
		"pairs":               pairs,
		"max_pairing_per_day": tier.MaxPairingPerDay,
		"points_per_pair":     rules.PointsPerPair,
		"left_pp":             node.LeftPP,
		"right_pp":            node.RightPP,
		"pair_amount":         rules.PairingBonusAmount.String(),
		"package_tier":        tier.Code,
	}
	b := e.newBonus(run, p, c)
	inserted, err := e.repo.Insert(ctx, tx, b)
	if err != nil || !inserted {
		return nil, err
	}

	deduct := pairs * rules.PointsPerPair
	for _, side := range []string{points.SideLeft, points.SideRight} {
		before := node.Balances().Get(points.PairingPoint, side)
		if err := e.points.Append(ctx, tx, &points.Entry{
			MemberNodeID:  node.ID,
			PointType:     points.PairingPoint,
			Side:          side,
			PointDelta:    -deduct,
			BalanceBefore: before,
			BalanceAfter:  before - deduct,
			Reason:        points.ReasonPairingDeduction,
			ReferenceID:   b.ID,
			EntryDate:     *p.Date,
		}); err != nil {
			return nil, err
		}
	}
	node.LeftPP -= deduct
	node.RightPP -= deduct
	if err := e.nodes.UpdateCounters(ctx, tx, node); err != nil {
		return nil, err
	}
	return b, nil
}

// matchingJobs pays each active sponsor up the genealogy a share of every
// pairing bonus of the day, by generation band.
func (e *Engine) matchingJobs(ctx context.Context, arena network.Arena, p period) ([]*memberJob, error) {
	rules := e.plan.Bonus
	depth := rules.MatchingDepth()
	if depth == 0 {
		return nil, nil
	}
	pairings, err := e.repo.ListByPeriod(ctx, TypePairing, p.Key)
	if err != nil {
		return nil, err
	}

	byEarner := make(map[string]*memberJob)
	var jobs []*memberJob
	for i := range pairings {
		src := &pairings[i]
		if src.Status == StatusRejected {
			continue
		}
		if _, ok := arena[src.MemberNodeID]; !ok {
			return nil, fmt.Errorf("%w: pairing bonus %s has no member node", network.ErrOrphanedNode, src.ID)
		}
		for g, earner := range arena.SponsorChain(src.MemberNodeID, depth) {
			generation := g + 1
			pct, ok := rules.MatchingPercent(generation)
			if !ok || !earner.IsActive() {
				continue
			}
			amount := compensation.PercentOf(src.Amount, pct)
			if !amount.IsPositive() {
				continue
			}
			job, ok := byEarner[earner.ID]
			if !ok {
				job = &memberJob{node: earner}
				byEarner[earner.ID] = job
				jobs = append(jobs, job)
			}
			job.candidates = append(job.candidates, &candidate{
				bonusType: TypeMatching,
				memberID:  earner.ID,
				sourceID:  src.ID,
				amount:    amount,
				meta: map[string]any{
					"source_bonus_id":  src.ID,
					"source_member_id": src.MemberNodeID,
					"source_amount":    src.Amount.String(),
					"generation":       generation,
					"percent":          pct.String(),
				},
			})
		}
	}
	return jobs, nil
}
