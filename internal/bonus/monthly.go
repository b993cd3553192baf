package bonus

import (
	"context"
	"fmt"

	"mlm_service/internal/compensation"
	"mlm_service/internal/network"

	"github.com/shopspring/decimal"
)

// monthlyContext is the read-only input shared by every member's monthly
// computation.
type monthlyContext struct {
	arena      network.Arena
	recruits   map[string][]string
	spend      map[string]decimal.Decimal
	revenue    decimal.Decimal
	qualifiers map[string]int64
}

func (e *Engine) runMonthly(ctx context.Context, run *BonusRun, p period) (int, []MemberError, error) {
	all, err := e.nodes.ListAll(ctx)
	if err != nil {
		return 0, nil, err
	}
	spend, err := e.orders.SpendByMember(ctx, p.Key)
	if err != nil {
		return 0, nil, err
	}
	revenue, err := e.orders.TotalRevenue(ctx, p.Key)
	if err != nil {
		return 0, nil, err
	}

	mc := &monthlyContext{
		arena:      network.NewArena(all),
		recruits:   make(map[string][]string),
		spend:      spend,
		revenue:    revenue,
		qualifiers: make(map[string]int64),
	}
	for i := range all {
		n := &all[i]
		if n.SponsorID != nil {
			mc.recruits[*n.SponsorID] = append(mc.recruits[*n.SponsorID], n.ID)
		}
		if e.eligible(mc, n) && n.CareerLevel != "" {
			mc.qualifiers[n.CareerLevel]++
		}
	}
	active := activeNodes(all)

	jobs, failures, err := e.readPhase(ctx, active, "monthly", func(n *network.MemberNode) (*memberJob, error) {
		return e.previewMonthly(mc, n)
	})
	if err != nil {
		return len(active), failures, err
	}
	_, writeFailures, err := e.writePhase(ctx, run, p, "monthly", jobs)
	failures = append(failures, writeFailures...)
	return len(active), failures, err
}

// eligible requires an active member with the minimum personal spend.
func (e *Engine) eligible(mc *monthlyContext, n *network.MemberNode) bool {
	return n.IsActive() && e.plan.Bonus.RepeatOrder.Eligible(mc.spend[n.ID])
}

func (e *Engine) previewMonthly(mc *monthlyContext, n *network.MemberNode) (*memberJob, error) {
	if !e.eligible(mc, n) {
		return nil, nil
	}
	job := &memberJob{node: n}
	repeat, err := e.previewRepeatOrder(mc, n)
	if err != nil {
		return nil, err
	}
	if repeat != nil {
		job.candidates = append(job.candidates, repeat)
	}
	if sharing := e.previewGlobalSharing(mc, n); sharing != nil {
		job.candidates = append(job.candidates, sharing)
	}
	return job, nil
}

// previewRepeatOrder sums a generation percentage of every eligible
// recruit's spend, walking the sponsor genealogy one generation at a time.
func (e *Engine) previewRepeatOrder(mc *monthlyContext, n *network.MemberNode) (*candidate, error) {
	rules := e.plan.Bonus.RepeatOrder
	total := decimal.Zero
	var sources []map[string]any

	visited := map[string]bool{n.ID: true}
	generation := []string{n.ID}
	for g := 1; g <= rules.Depth() && len(generation) > 0; g++ {
		pct, _ := rules.Percent(g)
		var next []string
		for _, id := range generation {
			for _, recruit := range mc.recruits[id] {
				if visited[recruit] {
					return nil, fmt.Errorf("%w: sponsor cycle through %s", network.ErrOrphanedNode, recruit)
				}
				visited[recruit] = true
				next = append(next, recruit)
			}
		}
		for _, id := range next {
			spend := mc.spend[id]
			if !rules.Eligible(spend) {
				continue
			}
			amount := compensation.PercentOf(spend, pct)
			total = total.Add(amount)
			sources = append(sources, map[string]any{
				"member_node_id": id,
				"generation":     g,
				"percent":        pct.String(),
				"spend":          spend.String(),
				"amount":         amount.String(),
			})
		}
		generation = next
	}
	if !total.IsPositive() {
		return nil, nil
	}
	return &candidate{
		bonusType: TypeRepeatOrder,
		memberID:  n.ID,
		sourceID:  n.ID,
		amount:    total,
		meta: map[string]any{
			"personal_spend":     mc.spend[n.ID].String(),
			"min_personal_spend": rules.MinPersonalSpend.String(),
			"depth":              rules.Depth(),
			"sources":            sources,
		},
	}, nil
}

// previewGlobalSharing splits the member's career-level pool equally among
// every eligible member holding exactly that level.
func (e *Engine) previewGlobalSharing(mc *monthlyContext, n *network.MemberNode) *candidate {
	level := n.CareerLevel
	pct, ok := e.plan.Bonus.GlobalSharing.PoolPercents[level]
	if level == "" || !ok || !pct.IsPositive() {
		return nil
	}
	count := mc.qualifiers[level]
	if count == 0 {
		return nil
	}
	pool := compensation.PercentOf(mc.revenue, pct)
	share := pool.Div(decimal.NewFromInt(count)).Truncate(2)
	if !share.IsPositive() {
		return nil
	}
	return &candidate{
		bonusType: TypeGlobalSharing,
		memberID:  n.ID,
		sourceID:  level,
		amount:    share,
		meta: map[string]any{
			"career_level":     level,
			"pool_percent":     pct.String(),
			"national_revenue": mc.revenue.String(),
			"pool":             pool.String(),
			"qualifiers":       count,
			"share":            share.String(),
		},
	}
}
