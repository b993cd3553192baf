package bonus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"mlm_service/internal/apperr"
	"mlm_service/internal/compensation"
	"mlm_service/internal/database"
	"mlm_service/internal/event"
	"mlm_service/internal/network"
	"mlm_service/internal/order"
	"mlm_service/internal/points"
	"mlm_service/internal/progression"
	"mlm_service/internal/wallet"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var registeredAt = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	topics []event.Topic
}

func (r *recordingPublisher) Publish(topic event.Topic, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
}

func (r *recordingPublisher) count(topic event.Topic) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.topics {
		if t == topic {
			n++
		}
	}
	return n
}

type bonusFixture struct {
	db       *gorm.DB
	engine   *Engine
	network  *network.Service
	nodes    *network.NodeRepositoryImpl
	points   *points.RepositoryImpl
	wallets  *wallet.Service
	orders   *order.RepositoryImpl
	events   *recordingPublisher
	registry *prometheus.Registry
}

func setupBonusTest(t *testing.T) *bonusFixture {
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	var models []any
	for _, m := range [][]any{network.Models(), points.Models(), progression.Models(), wallet.Models(), order.Models(), Models()} {
		models = append(models, m...)
	}
	require.NoError(t, database.Migrate(db, models...))

	plan := compensation.DefaultPlan()
	logger := zap.NewNop()
	f := &bonusFixture{
		db:       db,
		nodes:    network.NewNodeRepository(db),
		points:   points.NewRepository(db),
		wallets:  wallet.NewService(db, wallet.NewWalletRepositoryImpl(db), logger),
		orders:   order.NewRepository(db, time.UTC, logger),
		events:   &recordingPublisher{},
		registry: prometheus.NewRegistry(),
	}
	f.engine = NewEngine(db, NewBonusRepository(db), Deps{
		Nodes:   f.nodes,
		Points:  f.points,
		Orders:  f.orders,
		Wallets: f.wallets,
	}, plan, logger,
		WithPublisher(f.events),
		WithMetrics(f.registry),
		WithWorkers(4),
	)
	f.network = network.NewService(db, f.nodes, f.points, plan, logger,
		network.WithProgression(progression.NewTracker(db, plan, logger)),
		network.WithSponsorBonus(f.engine),
		network.WithClock(func() time.Time { return registeredAt }),
	)
	return f
}

func (f *bonusFixture) register(t *testing.T, user string, sponsor *network.MemberNode, side network.Side, tier string) *network.MemberNode {
	t.Helper()
	req := network.RegisterRequest{UserID: user, Side: side, PackageTier: tier}
	if sponsor != nil {
		req.SponsorID = sponsor.ID
	}
	n, err := f.network.RegisterMember(context.Background(), req)
	require.NoError(t, err)
	return n
}

func (f *bonusFixture) reload(t *testing.T, id string) *network.MemberNode {
	t.Helper()
	n, err := f.nodes.Get(context.Background(), nil, id)
	require.NoError(t, err)
	return n
}

// seedPairingPoints credits PP through the ledger so the chains stay valid.
func (f *bonusFixture) seedPairingPoints(t *testing.T, nodeID string, left, right int64) {
	t.Helper()
	ctx := context.Background()
	err := f.db.Transaction(func(tx *gorm.DB) error {
		node, err := f.nodes.GetForUpdate(ctx, tx, nodeID)
		if err != nil {
			return err
		}
		for side, delta := range map[string]int64{points.SideLeft: left, points.SideRight: right} {
			before := node.Balances().Get(points.PairingPoint, side)
			if err := f.points.Append(ctx, tx, &points.Entry{
				MemberNodeID:  node.ID,
				PointType:     points.PairingPoint,
				Side:          side,
				PointDelta:    delta,
				BalanceBefore: before,
				BalanceAfter:  before + delta,
				Reason:        points.ReasonRegistration,
				ReferenceID:   "seed",
				EntryDate:     registeredAt,
			}); err != nil {
				return err
			}
		}
		node.LeftPP += left
		node.RightPP += right
		return f.nodes.UpdateCounters(ctx, tx, node)
	})
	require.NoError(t, err)
}

func (f *bonusFixture) bonusCount(t *testing.T, bonusType BonusType) int64 {
	t.Helper()
	var n int64
	q := f.db.Model(&Bonus{})
	if bonusType != "" {
		q = q.Where("bonus_type = ?", bonusType)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}

func assertAmount(t *testing.T, want int64, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(decimal.NewFromInt(want)), "want %d, got %s", want, got)
}

// smallTree registers root(gold) with A(gold) left and B(silver) right,
// then C(platinum) and D(gold) under A, all sponsored by their parent.
func (f *bonusFixture) smallTree(t *testing.T) (root, a, b, c, d *network.MemberNode) {
	root = f.register(t, "root", nil, "", "gold")
	a = f.register(t, "a", root, network.SideLeft, "gold")
	b = f.register(t, "b", root, network.SideRight, "silver")
	c = f.register(t, "c", a, network.SideLeft, "platinum")
	d = f.register(t, "d", a, network.SideRight, "gold")
	return root, a, b, c, d
}

func TestSponsorBonusUsesLesserTier(t *testing.T) {
	f := setupBonusTest(t)
	ctx := context.Background()
	root := f.register(t, "root", nil, "", "platinum")
	member := f.register(t, "m", root, network.SideLeft, "silver")

	bonuses, err := f.engine.MemberBonuses(ctx, root.ID, "")
	require.NoError(t, err)
	require.Len(t, bonuses, 1)
	b := bonuses[0]
	assert.Equal(t, TypeSponsor, b.BonusType)
	assert.Equal(t, StatusPending, b.Status)
	assert.Equal(t, member.ID, b.SourceID)
	assert.Equal(t, "2026-03-10", b.PeriodKey)
	assertAmount(t, 100000, b.Amount)
	assertAmount(t, 20000, b.WalletPortion)
	assertAmount(t, 80000, b.CashPortion)
	assert.Nil(t, b.RunID)
	assert.Equal(t, "silver", b.ComputationMeta["member_tier"])
	assert.Equal(t, json.Number("1"), b.ComputationMeta["lesser_rank"])
	assert.Equal(t, float64(1), testutil.ToFloat64(f.engine.metrics.bonuses.WithLabelValues("sponsor")))
}

// failingAfterSponsor writes the sponsor bonus and then fails the rest of
// the registration, forcing a rollback.
type failingAfterSponsor struct {
	engine *Engine
}

func (w failingAfterSponsor) CreateSponsorBonus(ctx context.Context, tx *gorm.DB, sponsor, member *network.MemberNode, at time.Time) (network.AfterCommit, error) {
	if _, err := w.engine.CreateSponsorBonus(ctx, tx, sponsor, member, at); err != nil {
		return nil, err
	}
	return nil, errors.New("registration aborted")
}

func TestSponsorBonusMetricsWaitForCommit(t *testing.T) {
	f := setupBonusTest(t)
	ctx := context.Background()
	root := f.register(t, "root", nil, "", "platinum")

	svc := network.NewService(f.db, f.nodes, f.points, compensation.DefaultPlan(), zap.NewNop(),
		network.WithSponsorBonus(failingAfterSponsor{engine: f.engine}),
		network.WithClock(func() time.Time { return registeredAt }),
	)
	_, err := svc.RegisterMember(ctx, network.RegisterRequest{UserID: "m", SponsorID: root.ID, Side: network.SideLeft, PackageTier: "gold"})
	require.Error(t, err)

	bonuses, err := f.engine.MemberBonuses(ctx, root.ID, "")
	require.NoError(t, err)
	assert.Empty(t, bonuses)
	assert.Zero(t, testutil.ToFloat64(f.engine.metrics.bonuses.WithLabelValues("sponsor")))
	assert.Zero(t, testutil.ToFloat64(f.engine.metrics.amount.WithLabelValues("sponsor")))
}

func TestPairingIsCappedPerDay(t *testing.T) {
	f := setupBonusTest(t)
	ctx := context.Background()
	root := f.register(t, "root", nil, "", "silver")
	f.seedPairingPoints(t, root.ID, 1000, 1000)

	summary, err := f.engine.RunDaily(ctx, registeredAt)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, summary.Status)
	assert.Equal(t, 1, summary.BonusCount)
	assertAmount(t, 500000, summary.Totals[TypePairing])

	root = f.reload(t, root.ID)
	assert.Equal(t, int64(990), root.LeftPP)
	assert.Equal(t, int64(990), root.RightPP)

	bonuses, err := f.engine.RunBonuses(ctx, summary.RunID)
	require.NoError(t, err)
	require.Len(t, bonuses, 1)
	assert.Equal(t, json.Number("10"), bonuses[0].ComputationMeta["pairs"])

	entries, err := f.points.ListByNode(ctx, root.ID)
	require.NoError(t, err)
	var deductions []points.Entry
	for _, e := range entries {
		if e.Reason == points.ReasonPairingDeduction {
			deductions = append(deductions, e)
		}
	}
	require.Len(t, deductions, 2)
	for _, e := range deductions {
		assert.Equal(t, int64(-10), e.PointDelta)
		assert.Equal(t, bonuses[0].ID, e.ReferenceID)
	}
	require.NoError(t, f.network.CheckLedger(ctx))
}

func TestRunDailyIsIdempotent(t *testing.T) {
	f := setupBonusTest(t)
	ctx := context.Background()
	root := f.register(t, "root", nil, "", "silver")
	f.seedPairingPoints(t, root.ID, 5, 3)

	_, err := f.engine.RunDaily(ctx, registeredAt)
	require.NoError(t, err)
	before := f.bonusCount(t, "")

	summary, err := f.engine.RunDaily(ctx, registeredAt)
	assert.Nil(t, summary)
	assert.ErrorIs(t, err, ErrAlreadyRun)
	assert.Equal(t, apperr.KindStateConflict, apperr.KindOf(err))
	assert.Equal(t, before, f.bonusCount(t, ""))

	// a different day is its own period
	next, err := f.engine.RunDaily(ctx, registeredAt.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, next.Status)
	assert.Equal(t, "2026-03-11", next.PeriodKey)
}

func TestRunDailyPairingLevelingMatching(t *testing.T) {
	f := setupBonusTest(t)
	ctx := context.Background()
	root, a, _, _, _ := f.smallTree(t)

	summary, err := f.engine.RunDaily(ctx, registeredAt)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, summary.Status)
	assert.Equal(t, 1, summary.Attempts)
	assert.Equal(t, 5, summary.MemberCount)
	assert.Equal(t, 5, summary.BonusCount)
	assertAmount(t, 150000, summary.Totals[TypePairing])
	assertAmount(t, 30000, summary.Totals[TypeLeveling])
	assertAmount(t, 10000, summary.Totals[TypeMatching])
	assertAmount(t, 190000, summary.Total)

	bonuses, err := f.engine.RunBonuses(ctx, summary.RunID)
	require.NoError(t, err)
	require.Len(t, bonuses, 5)
	got := map[string]decimal.Decimal{}
	var matching Bonus
	for _, b := range bonuses {
		got[string(b.BonusType)+"/"+b.MemberNodeID] = b.Amount
		if b.BonusType == TypeMatching {
			matching = b
		}
	}
	assertAmount(t, 50000, got["pairing/"+root.ID])
	assertAmount(t, 100000, got["pairing/"+a.ID])
	assertAmount(t, 10000, got["leveling/"+root.ID])
	assertAmount(t, 20000, got["leveling/"+a.ID])
	assertAmount(t, 10000, got["matching/"+root.ID])
	assert.Equal(t, json.Number("1"), matching.ComputationMeta["generation"])
	assert.Equal(t, a.ID, matching.ComputationMeta["source_member_id"])

	root = f.reload(t, root.ID)
	assert.Equal(t, int64(6), root.LeftPP)
	assert.Equal(t, int64(0), root.RightPP)
	a = f.reload(t, a.ID)
	assert.Equal(t, int64(1), a.LeftPP)
	assert.Equal(t, int64(0), a.RightPP)

	require.NoError(t, f.network.CheckLedger(ctx))
	require.NoError(t, f.network.CheckIntegrity(ctx))
	assert.Equal(t, 1, f.events.count(event.TopicBonusRunFinished))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.engine.metrics.runs.WithLabelValues("daily", "completed")))
	assert.Equal(t, float64(2), testutil.ToFloat64(f.engine.metrics.bonuses.WithLabelValues("pairing")))
}

func TestInactiveMembersEarnNothing(t *testing.T) {
	f := setupBonusTest(t)
	ctx := context.Background()
	root, a, b, _, _ := f.smallTree(t)

	require.NoError(t, f.network.SetStatus(ctx, b.ID, network.StatusInactive))
	require.NoError(t, f.network.SetStatus(ctx, a.ID, network.StatusInactive))

	summary, err := f.engine.RunDaily(ctx, registeredAt)
	require.NoError(t, err)
	// only root pairs; its leveling needs both children active
	assert.Equal(t, 1, summary.BonusCount)
	assertAmount(t, 50000, summary.Totals[TypePairing])
	assert.Equal(t, 3, summary.MemberCount)

	a = f.reload(t, a.ID)
	assert.Equal(t, int64(3), a.LeftPP)
	root = f.reload(t, root.ID)
	assert.Equal(t, int64(6), root.LeftPP)
}

func TestFailedRunIsRetriedWithoutDoublePaying(t *testing.T) {
	f := setupBonusTest(t)
	ctx := context.Background()
	root, a, _, c, _ := f.smallTree(t)

	require.NoError(t, f.db.Model(&network.MemberNode{}).Where("id = ?", c.ID).Update("package_tier", "bogus").Error)

	failed, err := f.engine.RunDaily(ctx, registeredAt)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, failed.Status)
	assert.Equal(t, 2, failed.ErrorCount)
	failedMembers := []string{failed.Errors[0].MemberNodeID, failed.Errors[1].MemberNodeID}
	assert.ElementsMatch(t, []string{a.ID, c.ID}, failedMembers)
	// root was unaffected by the failures
	assert.Equal(t, 2, failed.BonusCount)
	assertAmount(t, 60000, failed.Total)

	require.NoError(t, f.db.Model(&network.MemberNode{}).Where("id = ?", c.ID).Update("package_tier", "platinum").Error)

	retried, err := f.engine.RunDaily(ctx, registeredAt)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, retried.Status)
	assert.Equal(t, failed.RunID, retried.RunID)
	assert.Equal(t, 2, retried.Attempts)
	assert.Zero(t, retried.ErrorCount)
	assert.Empty(t, retried.Errors)
	assert.Equal(t, 5, retried.BonusCount)
	assertAmount(t, 190000, retried.Total)

	assert.Equal(t, int64(2), f.bonusCount(t, TypePairing))
	root = f.reload(t, root.ID)
	assert.Equal(t, int64(6), root.LeftPP)
	require.NoError(t, f.network.CheckLedger(ctx))

	_, err = f.engine.RunDaily(ctx, registeredAt)
	assert.ErrorIs(t, err, ErrAlreadyRun)
}

func TestConcurrentRunsForOnePeriod(t *testing.T) {
	f := setupBonusTest(t)
	ctx := context.Background()
	f.smallTree(t)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
		ok   int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.RunDaily(ctx, registeredAt)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
				return
			}
			errs = append(errs, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	for _, err := range errs {
		assert.True(t, errors.Is(err, ErrRunInProgress) || errors.Is(err, ErrAlreadyRun), err.Error())
	}
	assert.Equal(t, int64(2), f.bonusCount(t, TypePairing))
	assert.Equal(t, int64(1), f.bonusCount(t, TypeMatching))
}

func TestRunningRunBlocksUntilStale(t *testing.T) {
	f := setupBonusTest(t)
	ctx := context.Background()
	f.register(t, "root", nil, "", "gold")

	started := time.Now()
	repo := NewBonusRepository(f.db)
	day := registeredAt.Format(DailyLayout)
	require.NoError(t, repo.CreateRun(ctx, &BonusRun{
		ID:         "0b6c7f0e-8f0e-4a43-9d7f-3f1f1d2f9a10",
		PeriodType: PeriodDaily,
		PeriodKey:  day,
		Status:     RunRunning,
		StartedAt:  &started,
		Version:    1,
	}))

	_, err := f.engine.RunDaily(ctx, registeredAt)
	assert.ErrorIs(t, err, ErrRunInProgress)

	f.engine.staleRun = time.Millisecond
	time.Sleep(5 * time.Millisecond)
	summary, err := f.engine.RunDaily(ctx, registeredAt)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, summary.Status)
	assert.Equal(t, 1, summary.Attempts)
}

func TestRunDailyRejectsZeroDate(t *testing.T) {
	f := setupBonusTest(t)
	_, err := f.engine.RunDaily(context.Background(), time.Time{})
	assert.ErrorIs(t, err, ErrInvalidPeriod)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
