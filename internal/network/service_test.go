package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"mlm_service/internal/apperr"
	"mlm_service/internal/compensation"
	"mlm_service/internal/database"
	"mlm_service/internal/event"
	"mlm_service/internal/points"
	"mlm_service/internal/progression"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type sponsorCall struct {
	SponsorID string
	MemberID  string
}

type recordingSponsor struct {
	mu        sync.Mutex
	calls     []sponsorCall
	committed []sponsorCall
	err       error
}

func (r *recordingSponsor) CreateSponsorBonus(_ context.Context, _ *gorm.DB, sponsor, member *MemberNode, _ time.Time) (AfterCommit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	call := sponsorCall{SponsorID: sponsor.ID, MemberID: member.ID}
	r.calls = append(r.calls, call)
	if r.err != nil {
		return nil, r.err
	}
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.committed = append(r.committed, call)
	}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []MemberRegistered
}

func (r *recordingPublisher) Publish(topic event.Topic, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if topic == event.TopicMemberRegistered {
		r.events = append(r.events, data.(MemberRegistered))
	}
}

type networkFixture struct {
	db       *gorm.DB
	svc      *Service
	points   *points.RepositoryImpl
	sponsor  *recordingSponsor
	events   *recordingPublisher
	registry *prometheus.Registry
}

func setupNetworkTest(t *testing.T) *networkFixture {
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	models := append(Models(), points.Models()...)
	models = append(models, progression.Models()...)
	require.NoError(t, database.Migrate(db, models...))

	plan := compensation.DefaultPlan()
	f := &networkFixture{
		db:       db,
		points:   points.NewRepository(db),
		sponsor:  &recordingSponsor{},
		events:   &recordingPublisher{},
		registry: prometheus.NewRegistry(),
	}
	f.svc = NewService(db, NewNodeRepository(db), f.points, plan, zap.NewNop(),
		WithProgression(progression.NewTracker(db, plan, zap.NewNop())),
		WithSponsorBonus(f.sponsor),
		WithPublisher(f.events),
		WithMetrics(f.registry),
	)
	return f
}

func (f *networkFixture) register(t *testing.T, user, sponsor string, side Side, tier string) *MemberNode {
	t.Helper()
	n, err := f.svc.RegisterMember(context.Background(), RegisterRequest{
		UserID:      user,
		SponsorID:   sponsor,
		Side:        side,
		PackageTier: tier,
	})
	require.NoError(t, err)
	return n
}

func (f *networkFixture) reload(t *testing.T, id string) *MemberNode {
	t.Helper()
	n, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return n
}

func TestRegisterRootThenSpillover(t *testing.T) {
	f := setupNetworkTest(t)

	root := f.register(t, "root", "", "", "silver")
	assert.True(t, root.IsRoot())
	assert.Equal(t, 0, root.Depth)

	a := f.register(t, "user-a", root.ID, SideLeft, "gold")
	require.NotNil(t, a.ParentID)
	assert.Equal(t, root.ID, *a.ParentID)
	assert.Equal(t, SideLeft, *a.Side)

	// root-left is taken, B spills to A's left
	b := f.register(t, "user-b", root.ID, SideLeft, "platinum")
	assert.Equal(t, a.ID, *b.ParentID)
	assert.Equal(t, SideLeft, *b.Side)
	assert.Equal(t, 2, b.Depth)
	assert.Equal(t, root.ID, *b.SponsorID)

	root = f.reload(t, root.ID)
	assert.Equal(t, int64(2+3), root.LeftPP)
	assert.Equal(t, int64(2+3), root.LeftRP)
	assert.Equal(t, int64(0), root.RightPP)
	assert.Equal(t, int64(2), root.LeftCount)

	a = f.reload(t, a.ID)
	assert.Equal(t, int64(3), a.LeftPP)
	assert.Equal(t, int64(0), a.RightPP)
	require.NotNil(t, a.LeftChildID)
	assert.Equal(t, b.ID, *a.LeftChildID)

	// root ledger: two PP entries on the left chain
	entries, err := f.points.ListByNode(context.Background(), root.ID)
	require.NoError(t, err)
	var leftPP []points.Entry
	for _, e := range entries {
		if e.PointType == points.PairingPoint && e.Side == points.SideLeft {
			leftPP = append(leftPP, e)
		}
	}
	require.Len(t, leftPP, 2)
	assert.Equal(t, int64(0), leftPP[0].BalanceBefore)
	assert.Equal(t, int64(2), leftPP[0].BalanceAfter)
	assert.Equal(t, int64(2), leftPP[1].BalanceBefore)
	assert.Equal(t, int64(5), leftPP[1].BalanceAfter)
	assert.Equal(t, b.ID, leftPP[1].ReferenceID)

	assert.Equal(t, []sponsorCall{
		{SponsorID: root.ID, MemberID: a.ID},
		{SponsorID: root.ID, MemberID: b.ID},
	}, f.sponsor.calls)
	assert.Equal(t, f.sponsor.calls, f.sponsor.committed)

	require.Len(t, f.events.events, 3)
	assert.Equal(t, MemberRegistered{
		NodeID: b.ID, UserID: "user-b", SponsorID: root.ID,
		ParentID: a.ID, Side: SideLeft, PackageTier: "platinum",
	}, f.events.events[2])

	assert.Equal(t, float64(3), testutil.ToFloat64(f.svc.registrations.WithLabelValues("ok")))
}

func TestRegisterValidation(t *testing.T) {
	f := setupNetworkTest(t)
	ctx := context.Background()
	root := f.register(t, "root", "", "", "gold")

	tests := []struct {
		name string
		req  RegisterRequest
		want error
		kind apperr.Kind
	}{
		{"missing user", RegisterRequest{SponsorID: root.ID, Side: SideLeft, PackageTier: "gold"}, ErrInvalidRequest, apperr.KindValidation},
		{"unknown tier", RegisterRequest{UserID: "u1", SponsorID: root.ID, Side: SideLeft, PackageTier: "bronze"}, compensation.ErrUnknownTier, apperr.KindValidation},
		{"bad side", RegisterRequest{UserID: "u1", SponsorID: root.ID, Side: "up", PackageTier: "gold"}, ErrInvalidSide, apperr.KindValidation},
		{"second root", RegisterRequest{UserID: "u1", PackageTier: "gold"}, ErrSponsorRequired, apperr.KindValidation},
		{"unknown sponsor", RegisterRequest{UserID: "u1", SponsorID: "00000000-0000-0000-0000-000000000000", Side: SideLeft, PackageTier: "gold"}, ErrSponsorNotFound, apperr.KindValidation},
		{"already placed", RegisterRequest{UserID: "root", SponsorID: root.ID, Side: SideLeft, PackageTier: "gold"}, ErrAlreadyPlaced, apperr.KindStateConflict},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.RegisterMember(ctx, tc.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, tc.kind, apperr.KindOf(err))
		})
	}

	count, err := NewNodeRepository(f.db).Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRegisterUnderInactiveSponsor(t *testing.T) {
	f := setupNetworkTest(t)
	ctx := context.Background()
	root := f.register(t, "root", "", "", "gold")
	a := f.register(t, "a", root.ID, SideRight, "gold")

	require.NoError(t, f.svc.SetStatus(ctx, a.ID, StatusInactive))
	_, err := f.svc.RegisterMember(ctx, RegisterRequest{UserID: "b", SponsorID: a.ID, Side: SideLeft, PackageTier: "silver"})
	assert.ErrorIs(t, err, ErrSponsorInactive)

	assert.ErrorIs(t, f.svc.SetStatus(ctx, a.ID, "banned"), ErrInvalidRequest)
	assert.ErrorIs(t, f.svc.SetStatus(ctx, "00000000-0000-0000-0000-000000000000", StatusActive), ErrNodeNotFound)
}

func TestRegisterRollsBackOnSponsorBonusFailure(t *testing.T) {
	f := setupNetworkTest(t)
	ctx := context.Background()
	root := f.register(t, "root", "", "", "gold")

	f.sponsor.err = errors.New("bonus store unavailable")
	_, err := f.svc.RegisterMember(ctx, RegisterRequest{UserID: "a", SponsorID: root.ID, Side: SideLeft, PackageTier: "gold"})
	require.Error(t, err)

	root = f.reload(t, root.ID)
	assert.Nil(t, root.LeftChildID)
	assert.Zero(t, root.LeftPP)
	entries, err := f.points.ListByNode(ctx, root.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
	_, err = f.svc.GetByUser(ctx, "a")
	assert.ErrorIs(t, err, ErrNodeNotFound)
	assert.Len(t, f.events.events, 1)
	assert.Len(t, f.sponsor.calls, 1)
	assert.Empty(t, f.sponsor.committed)
}

func TestCareerLevelAndRewardsOnRegistration(t *testing.T) {
	f := setupNetworkTest(t)
	ctx := context.Background()
	root := f.register(t, "root", "", "", "platinum")

	// 4 platinum members per leg: 12 PP and 12 RP on each side
	for i := 0; i < 4; i++ {
		f.register(t, fmt.Sprintf("l%d", i), root.ID, SideLeft, "platinum")
		f.register(t, fmt.Sprintf("r%d", i), root.ID, SideRight, "platinum")
	}
	root = f.reload(t, root.ID)
	assert.Equal(t, int64(12), root.LeftPP)
	assert.Equal(t, int64(12), root.RightPP)
	assert.Equal(t, "sapphire", root.CareerLevel)

	var rewards []progression.MemberReward
	require.NoError(t, f.db.WithContext(ctx).Where("member_node_id = ?", root.ID).Find(&rewards).Error)
	require.Len(t, rewards, 1)
	assert.Equal(t, "r1", rewards[0].MilestoneCode)
}

func TestIntegrityAndLedgerAfterManyRegistrations(t *testing.T) {
	f := setupNetworkTest(t)
	ctx := context.Background()
	root := f.register(t, "root", "", "", "gold")

	ids := []string{root.ID}
	tiers := []string{"silver", "gold", "platinum"}
	for i := 0; i < 40; i++ {
		side := SideLeft
		if i%3 == 0 {
			side = SideRight
		}
		n := f.register(t, fmt.Sprintf("m%02d", i), ids[(i*7)%len(ids)], side, tiers[i%3])
		ids = append(ids, n.ID)
	}

	require.NoError(t, f.svc.CheckIntegrity(ctx))
	require.NoError(t, f.svc.CheckLedger(ctx))

	down, err := f.svc.Downline(ctx, root.ID)
	require.NoError(t, err)
	assert.Len(t, down, 40)

	root = f.reload(t, root.ID)
	assert.Equal(t, int64(40), root.LeftCount+root.RightCount)

	t.Run("detects drifted counter", func(t *testing.T) {
		require.NoError(t, f.db.Model(&MemberNode{}).Where("id = ?", root.ID).
			Update("left_pp", gorm.Expr("left_pp + 1")).Error)
		err := f.svc.CheckLedger(ctx)
		assert.ErrorIs(t, err, points.ErrLedgerMismatch)
		assert.Equal(t, apperr.KindStructuralInvariant, apperr.KindOf(err))
	})

	t.Run("detects broken child pointer", func(t *testing.T) {
		require.NoError(t, f.db.Model(&MemberNode{}).Where("id = ?", root.ID).
			Update("right_child_id", nil).Error)
		assert.ErrorIs(t, f.svc.CheckIntegrity(ctx), ErrOrphanedNode)
	})
}

func TestConcurrentRegistrationsNeverShareASlot(t *testing.T) {
	f := setupNetworkTest(t)
	ctx := context.Background()
	root := f.register(t, "root", "", "", "gold")

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.RegisterMember(ctx, RegisterRequest{
				UserID:      fmt.Sprintf("c%02d", i),
				SponsorID:   root.ID,
				Side:        SideLeft,
				PackageTier: "silver",
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.NoError(t, f.svc.CheckIntegrity(ctx))
	require.NoError(t, f.svc.CheckLedger(ctx))
	root = f.reload(t, root.ID)
	assert.Equal(t, int64(n), root.LeftPP)
	assert.Equal(t, int64(n), root.LeftCount)
}
