package compensation

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// LesserTierAmount pays unit times the rank of the lower of the two tiers.
// Sponsor and leveling bonuses both use it.
func LesserTierAmount(a, b PackageTier, unit decimal.Decimal) decimal.Decimal {
	rank := a.Rank
	if b.Rank < rank {
		rank = b.Rank
	}
	return unit.Mul(decimal.NewFromInt(int64(rank)))
}

// Split divides amount into wallet and cash portions. The cash portion takes
// the rounding remainder so the two always add up to amount.
func Split(amount, walletRatio decimal.Decimal) (wallet, cash decimal.Decimal) {
	wallet = amount.Mul(walletRatio).Round(2)
	return wallet, amount.Sub(wallet)
}

// PercentOf returns pct percent of base, rounded to 2 places.
func PercentOf(base, pct decimal.Decimal) decimal.Decimal {
	return base.Mul(pct).Div(hundred).Round(2)
}

// PairsAvailable is the number of (left, right) pairs that can be matched,
// capped at maxPerDay.
func PairsAvailable(leftPP, rightPP, pointsPerPair, maxPerDay int64) int64 {
	if pointsPerPair <= 0 {
		return 0
	}
	pairs := min(leftPP, rightPP) / pointsPerPair
	if pairs > maxPerDay {
		pairs = maxPerDay
	}
	if pairs < 0 {
		return 0
	}
	return pairs
}

// CareerLevelFor returns the highest level whose threshold is met by the
// smaller leg. levels must be in ascending order.
func CareerLevelFor(levels []CareerLevel, leftPP, rightPP int64) (CareerLevel, bool) {
	smaller := min(leftPP, rightPP)
	var (
		found CareerLevel
		ok    bool
	)
	for _, l := range levels {
		if l.RequiredPP > smaller {
			break
		}
		found, ok = l, true
	}
	return found, ok
}

// NextLevel returns the level one step above code; an empty code means no
// level yet. ok is false at the ceiling.
func NextLevel(levels []CareerLevel, code string) (CareerLevel, bool) {
	if code == "" {
		if len(levels) == 0 {
			return CareerLevel{}, false
		}
		return levels[0], true
	}
	for i, l := range levels {
		if l.Code == code {
			if i+1 < len(levels) {
				return levels[i+1], true
			}
			return CareerLevel{}, false
		}
	}
	return CareerLevel{}, false
}

// MilestoneReached requires both legs to meet their thresholds independently.
func MilestoneReached(m RewardMilestone, leftRP, rightRP int64) bool {
	return leftRP >= m.RequiredLeftRP && rightRP >= m.RequiredRightRP
}

// QualifiedMilestones returns every milestone met by the given RP totals, in
// plan order.
func QualifiedMilestones(milestones []RewardMilestone, leftRP, rightRP int64) []RewardMilestone {
	var out []RewardMilestone
	for _, m := range milestones {
		if MilestoneReached(m, leftRP, rightRP) {
			out = append(out, m)
		}
	}
	return out
}

func (b BonusRules) MatchingPercent(generation int) (decimal.Decimal, bool) {
	for _, band := range b.MatchingBands {
		if generation >= band.FromGeneration && generation <= band.ToGeneration {
			return band.Percent, true
		}
	}
	return decimal.Zero, false
}

func (b BonusRules) MatchingDepth() int {
	if len(b.MatchingBands) == 0 {
		return 0
	}
	return b.MatchingBands[len(b.MatchingBands)-1].ToGeneration
}

func (r RepeatOrderRules) Percent(generation int) (decimal.Decimal, bool) {
	if generation < 1 || generation > len(r.GenerationPercents) {
		return decimal.Zero, false
	}
	return r.GenerationPercents[generation-1], true
}

func (r RepeatOrderRules) Depth() int {
	return len(r.GenerationPercents)
}

func (r RepeatOrderRules) Eligible(spend decimal.Decimal) bool {
	return spend.GreaterThanOrEqual(r.MinPersonalSpend) && spend.IsPositive()
}
