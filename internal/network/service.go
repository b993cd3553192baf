// Package network places members in the binary tree and propagates their
// package points up to every ancestor.
package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mlm_service/internal/compensation"
	"mlm_service/internal/event"
	"mlm_service/internal/points"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	MaxRetries = 3
	RetryDelay = 10 * time.Millisecond
)

// ProgressionRecorder re-evaluates an ancestor whose legs just changed and
// returns the career level to store.
type ProgressionRecorder interface {
	Record(ctx context.Context, tx *gorm.DB, nodeID string, legs points.Balances, currentLevel string) (string, error)
}

// AfterCommit runs once the registration transaction has committed.
type AfterCommit func()

// SponsorBonusWriter creates the sponsor bonus for a fresh registration in
// the registration's transaction. The returned hook, if any, is run only
// after that transaction commits.
type SponsorBonusWriter interface {
	CreateSponsorBonus(ctx context.Context, tx *gorm.DB, sponsor, member *MemberNode, at time.Time) (AfterCommit, error)
}

type RegisterRequest struct {
	UserID      string `json:"user_id"`
	SponsorID   string `json:"sponsor_id"`
	Side        Side   `json:"side"`
	PackageTier string `json:"package_tier"`
}

// MemberRegistered is published after a registration commits.
type MemberRegistered struct {
	NodeID      string `json:"node_id"`
	UserID      string `json:"user_id"`
	SponsorID   string `json:"sponsor_id,omitempty"`
	ParentID    string `json:"parent_id,omitempty"`
	Side        Side   `json:"side,omitempty"`
	PackageTier string `json:"package_tier"`
}

type Service struct {
	db       *gorm.DB
	repo     NodeRepository
	points   points.Repository
	plan     *compensation.Plan
	logger   *zap.Logger
	progress ProgressionRecorder
	sponsor  SponsorBonusWriter
	events   event.Publisher
	now      func() time.Time

	// one placement at a time per process; the slot index covers the rest
	placement sync.Mutex

	registrations *prometheus.CounterVec
	placeDuration prometheus.Histogram
}

type Option func(*Service)

func WithProgression(p ProgressionRecorder) Option {
	return func(s *Service) { s.progress = p }
}

func WithSponsorBonus(w SponsorBonusWriter) Option {
	return func(s *Service) { s.sponsor = w }
}

func WithPublisher(p event.Publisher) Option {
	return func(s *Service) { s.events = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics registers the registration metrics on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *Service) {
		if reg == nil {
			return
		}
		factory := promauto.With(reg)
		s.registrations = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mlm_registrations_total",
			Help: "member registrations by outcome",
		}, []string{"outcome"})
		s.placeDuration = factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mlm_registration_duration_seconds",
			Help:    "time to place a member and propagate its points",
			Buckets: prometheus.DefBuckets,
		})
	}
}

func NewService(db *gorm.DB, repo NodeRepository, pointRepo points.Repository, plan *compensation.Plan, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		db:     db,
		repo:   repo,
		points: pointRepo,
		plan:   plan,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) validate(req RegisterRequest) (compensation.PackageTier, error) {
	if req.UserID == "" {
		return compensation.PackageTier{}, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	tier, err := s.plan.Tier(req.PackageTier)
	if err != nil {
		return compensation.PackageTier{}, err
	}
	if req.SponsorID != "" && !req.Side.Valid() {
		return compensation.PackageTier{}, ErrInvalidSide
	}
	return tier, nil
}

// RegisterMember places a new member and credits every ancestor with the
// member's package points, all in one transaction. Without a sponsor the
// member becomes the root, which is only allowed while the tree is empty.
func (s *Service) RegisterMember(ctx context.Context, req RegisterRequest) (*MemberNode, error) {
	start := s.now()
	node, err := s.register(ctx, req)
	s.observe(start, err)
	if err != nil {
		s.logger.Warn("registration failed",
			zap.String("user_id", req.UserID),
			zap.String("sponsor_id", req.SponsorID),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("member registered",
		zap.String("node_id", node.ID),
		zap.String("user_id", node.UserID),
		zap.String("package_tier", node.PackageTier),
		zap.Int("depth", node.Depth))
	if s.events != nil {
		evt := MemberRegistered{
			NodeID:      node.ID,
			UserID:      node.UserID,
			SponsorID:   req.SponsorID,
			PackageTier: node.PackageTier,
		}
		if node.ParentID != nil {
			evt.ParentID = *node.ParentID
			evt.Side = *node.Side
		}
		s.events.Publish(event.TopicMemberRegistered, evt)
	}
	return node, nil
}

func (s *Service) observe(start time.Time, err error) {
	if s.registrations == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.registrations.WithLabelValues(outcome).Inc()
	s.placeDuration.Observe(s.now().Sub(start).Seconds())
}

func (s *Service) register(ctx context.Context, req RegisterRequest) (*MemberNode, error) {
	tier, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	s.placement.Lock()
	defer s.placement.Unlock()

	var node *MemberNode
	for i := 0; i < MaxRetries; i++ {
		var hook AfterCommit
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			node, hook, txErr = s.registerTx(ctx, tx, req, tier)
			return txErr
		})
		if err == nil {
			if hook != nil {
				hook()
			}
			return node, nil
		}
		if errors.Is(err, ErrSlotTaken) {
			time.Sleep(RetryDelay)
			continue
		}
		return nil, err
	}
	return nil, err
}

func (s *Service) registerTx(ctx context.Context, tx *gorm.DB, req RegisterRequest, tier compensation.PackageTier) (*MemberNode, AfterCommit, error) {
	if _, err := s.repo.GetByUser(ctx, tx, req.UserID); err == nil {
		return nil, nil, ErrAlreadyPlaced
	} else if !errors.Is(err, ErrNodeNotFound) {
		return nil, nil, err
	}

	node := &MemberNode{
		ID:          uuid.New().String(),
		UserID:      req.UserID,
		PackageTier: tier.Code,
		Status:      StatusActive,
	}

	if req.SponsorID == "" {
		count, err := s.repo.Count(ctx, tx)
		if err != nil {
			return nil, nil, err
		}
		if count > 0 {
			return nil, nil, ErrSponsorRequired
		}
		if err := s.repo.Create(ctx, tx, node); err != nil {
			return nil, nil, err
		}
		return node, nil, nil
	}

	sponsor, err := s.repo.Get(ctx, tx, req.SponsorID)
	if errors.Is(err, ErrNodeNotFound) {
		return nil, nil, ErrSponsorNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	if !sponsor.IsActive() {
		return nil, nil, ErrSponsorInactive
	}

	parentID, side, err := FindSlot(ctx, txSource{repo: s.repo, tx: tx}, sponsor, req.Side)
	if err != nil {
		return nil, nil, err
	}
	parent, err := s.repo.GetForUpdate(ctx, tx, parentID)
	if err != nil {
		return nil, nil, err
	}
	if parent.ChildID(side) != nil {
		return nil, nil, ErrSlotTaken
	}

	node.SponsorID = &sponsor.ID
	node.ParentID = &parent.ID
	node.Side = &side
	node.Depth = parent.Depth + 1
	if err := s.repo.Create(ctx, tx, node); err != nil {
		return nil, nil, err
	}
	if err := s.repo.AttachChild(ctx, tx, parent.ID, side, node.ID); err != nil {
		return nil, nil, err
	}
	if err := s.propagate(ctx, tx, node, tier); err != nil {
		return nil, nil, err
	}
	var hook AfterCommit
	if s.sponsor != nil {
		if hook, err = s.sponsor.CreateSponsorBonus(ctx, tx, sponsor, node, s.now()); err != nil {
			return nil, nil, err
		}
	}
	return node, hook, nil
}

// propagate walks from the new node to the root, adding the tier's points to
// the leg each ancestor reached it through.
func (s *Service) propagate(ctx context.Context, tx *gorm.DB, node *MemberNode, tier compensation.PackageTier) error {
	at := s.now()
	side := *node.Side
	ancestorID := node.ParentID
	for steps := 0; ancestorID != nil; steps++ {
		if steps > node.Depth {
			return fmt.Errorf("%w: parent chain of %s exceeds its depth", ErrOrphanedNode, node.ID)
		}
		ancestor, err := s.repo.GetForUpdate(ctx, tx, *ancestorID)
		if errors.Is(err, ErrNodeNotFound) {
			return fmt.Errorf("%w: ancestor %s missing", ErrOrphanedNode, *ancestorID)
		}
		if err != nil {
			return err
		}

		if err := s.credit(ctx, tx, ancestor, side, points.PairingPoint, tier.PairingPoints, node.ID, at); err != nil {
			return err
		}
		if err := s.credit(ctx, tx, ancestor, side, points.RewardPoint, tier.RewardPoints, node.ID, at); err != nil {
			return err
		}
		ancestor.addLeg(side, tier.PairingPoints, tier.RewardPoints)
		if err := s.repo.UpdateCounters(ctx, tx, ancestor); err != nil {
			return err
		}

		if s.progress != nil {
			level, err := s.progress.Record(ctx, tx, ancestor.ID, ancestor.Balances(), ancestor.CareerLevel)
			if err != nil {
				return err
			}
			if level != ancestor.CareerLevel {
				if err := s.repo.UpdateCareerLevel(ctx, tx, ancestor.ID, level); err != nil {
					return err
				}
				s.logger.Info("career level changed",
					zap.String("node_id", ancestor.ID),
					zap.String("from", ancestor.CareerLevel),
					zap.String("to", level))
			}
		}

		if ancestor.Side != nil {
			side = *ancestor.Side
		}
		ancestorID = ancestor.ParentID
	}
	return nil
}

func (s *Service) credit(ctx context.Context, tx *gorm.DB, n *MemberNode, side Side, pt points.PointType, delta int64, refID string, at time.Time) error {
	if delta == 0 {
		return nil
	}
	before := n.Balances().Get(pt, string(side))
	return s.points.Append(ctx, tx, &points.Entry{
		MemberNodeID:  n.ID,
		PointType:     pt,
		Side:          string(side),
		PointDelta:    delta,
		BalanceBefore: before,
		BalanceAfter:  before + delta,
		Reason:        points.ReasonRegistration,
		ReferenceID:   refID,
		EntryDate:     at,
	})
}

func (s *Service) Get(ctx context.Context, id string) (*MemberNode, error) {
	return s.repo.Get(ctx, nil, id)
}

func (s *Service) GetByUser(ctx context.Context, userID string) (*MemberNode, error) {
	return s.repo.GetByUser(ctx, nil, userID)
}

// SetStatus activates or deactivates a member. Inactive members keep their
// position and points but earn nothing and cannot sponsor.
func (s *Service) SetStatus(ctx context.Context, id string, status Status) error {
	if status != StatusActive && status != StatusInactive {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, status)
	}
	if err := s.repo.SetStatus(ctx, nil, id, status); err != nil {
		return err
	}
	s.logger.Info("member status changed", zap.String("node_id", id), zap.String("status", string(status)))
	return nil
}

// Snapshot loads the whole tree into an arena.
func (s *Service) Snapshot(ctx context.Context) (Arena, error) {
	nodes, err := s.repo.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	return NewArena(nodes), nil
}

// Downline returns every member below id in level order.
func (s *Service) Downline(ctx context.Context, id string) ([]*MemberNode, error) {
	arena, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := arena[id]; !ok {
		return nil, ErrNodeNotFound
	}
	var out []*MemberNode
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		left, right := arena.Children(cur)
		for _, c := range []*MemberNode{left, right} {
			if c == nil {
				continue
			}
			if len(out) >= len(arena) {
				return nil, fmt.Errorf("%w: cycle below %s", ErrOrphanedNode, id)
			}
			out = append(out, c)
			queue = append(queue, c.ID)
		}
	}
	return out, nil
}

// CheckIntegrity verifies the tree structure.
func (s *Service) CheckIntegrity(ctx context.Context) error {
	arena, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}
	return arena.Verify()
}

// CheckLedger verifies that every member's point ledger chains are
// continuous and end at the cached counters.
func (s *Service) CheckLedger(ctx context.Context) error {
	nodes, err := s.repo.ListAll(ctx)
	if err != nil {
		return err
	}
	for i := range nodes {
		entries, err := s.points.ListByNode(ctx, nodes[i].ID)
		if err != nil {
			return err
		}
		if err := points.VerifyChains(nodes[i].ID, entries, nodes[i].Balances()); err != nil {
			return err
		}
	}
	return nil
}
