package bonus

import (
	"context"
	"testing"
	"time"

	"mlm_service/internal/network"
	"mlm_service/internal/order"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *bonusFixture) placeOrder(t *testing.T, member *network.MemberNode, amount int64, at time.Time) {
	t.Helper()
	_, err := f.orders.Record(context.Background(), &order.RepeatOrder{
		MemberNodeID: member.ID,
		Amount:       decimal.NewFromInt(amount),
		ReferenceID:  uuid.NewString(),
		OrderedAt:    at,
	})
	require.NoError(t, err)
}

func (f *bonusFixture) setLevel(t *testing.T, member *network.MemberNode, level string) {
	t.Helper()
	require.NoError(t, f.nodes.UpdateCareerLevel(context.Background(), nil, member.ID, level))
}

// monthlyTree builds root with A and B, and C recruited by A. All but B
// reach the minimum spend in March 2026.
func (f *bonusFixture) monthlyTree(t *testing.T) (root, a, b, c *network.MemberNode) {
	root = f.register(t, "root", nil, "", "gold")
	a = f.register(t, "a", root, network.SideLeft, "gold")
	b = f.register(t, "b", root, network.SideRight, "silver")
	c = f.register(t, "c", a, network.SideLeft, "gold")

	f.setLevel(t, root, "ruby")
	f.setLevel(t, a, "sapphire")
	f.setLevel(t, b, "sapphire")
	f.setLevel(t, c, "sapphire")

	march := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)
	f.placeOrder(t, root, 400000, march)
	f.placeOrder(t, a, 200000, march)
	f.placeOrder(t, a, 100000, march.AddDate(0, 0, 10))
	f.placeOrder(t, b, 100000, march)
	f.placeOrder(t, c, 500000, march)
	// outside the period
	f.placeOrder(t, b, 900000, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	return root, a, b, c
}

func TestRunMonthlyRepeatOrderAndGlobalSharing(t *testing.T) {
	f := setupBonusTest(t)
	ctx := context.Background()
	root, a, b, c := f.monthlyTree(t)

	summary, err := f.engine.RunMonthly(ctx, time.March, 2026)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, summary.Status)
	assert.Equal(t, "2026-03", summary.PeriodKey)
	assert.Equal(t, 5, summary.BonusCount)
	assertAmount(t, 60000, summary.Totals[TypeRepeatOrder])
	assertAmount(t, 32500, summary.Totals[TypeGlobalSharing])
	assertAmount(t, 92500, summary.Total)

	bonuses, err := f.engine.RunBonuses(ctx, summary.RunID)
	require.NoError(t, err)
	got := map[string]decimal.Decimal{}
	for _, bn := range bonuses {
		got[string(bn.BonusType)+"/"+bn.MemberNodeID] = bn.Amount
		assert.Equal(t, PeriodMonthly, bn.PeriodType)
		assert.Equal(t, 3, bn.PeriodMonth)
		assert.Equal(t, 2026, bn.PeriodYear)
	}
	// root: A 5% of 300000, C 4% of 500000 at generation two
	assertAmount(t, 35000, got["repeat_order/"+root.ID])
	assertAmount(t, 25000, got["repeat_order/"+a.ID])
	// ruby pool 1.5% and sapphire pool 1% of 1300000
	assertAmount(t, 19500, got["global_sharing/"+root.ID])
	assertAmount(t, 6500, got["global_sharing/"+a.ID])
	assertAmount(t, 6500, got["global_sharing/"+c.ID])
	_, ok := got["global_sharing/"+b.ID]
	assert.False(t, ok, "below the minimum spend")

	_, err = f.engine.RunMonthly(ctx, time.March, 2026)
	assert.ErrorIs(t, err, ErrAlreadyRun)

	stored, err := f.engine.Summary(ctx, PeriodMonthly, "2026-03")
	require.NoError(t, err)
	assert.Equal(t, summary.RunID, stored.RunID)
}

func TestRunMonthlyWithoutRevenue(t *testing.T) {
	f := setupBonusTest(t)
	ctx := context.Background()
	f.monthlyTree(t)

	summary, err := f.engine.RunMonthly(ctx, time.February, 2026)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, summary.Status)
	assert.Zero(t, summary.BonusCount)
	assert.True(t, summary.Total.IsZero())

	runs, err := f.engine.ListRuns(ctx, PeriodMonthly, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "2026-02", runs[0].PeriodKey)
}

func TestRunMonthlyRejectsInvalidPeriod(t *testing.T) {
	f := setupBonusTest(t)
	for _, tc := range []struct {
		month time.Month
		year  int
	}{
		{0, 2026},
		{13, 2026},
		{time.March, 0},
	} {
		_, err := f.engine.RunMonthly(context.Background(), tc.month, tc.year)
		assert.ErrorIs(t, err, ErrInvalidPeriod)
	}
}
