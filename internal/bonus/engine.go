// Package bonus computes the periodic compensation bonuses from the tree and
// the point ledger, and drives their approval into member wallets.
package bonus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mlm_service/internal/compensation"
	"mlm_service/internal/event"
	"mlm_service/internal/network"
	"mlm_service/internal/order"
	"mlm_service/internal/points"
	"mlm_service/internal/wallet"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	DefaultWorkers       = 8
	DefaultStaleRunAfter = 2 * time.Hour
)

// WalletCrediter credits a member wallet inside the caller's transaction.
type WalletCrediter interface {
	CreditTx(ctx context.Context, tx *gorm.DB, req wallet.Request) (*wallet.Entry, error)
}

type Engine struct {
	db      *gorm.DB
	repo    BonusRepository
	nodes   network.NodeRepository
	points  points.Repository
	orders  order.Repository
	wallets WalletCrediter
	plan    *compensation.Plan
	logger  *zap.Logger

	events   event.Publisher
	metrics  *metrics
	loc      *time.Location
	now      func() time.Time
	workers  int
	staleRun time.Duration

	// periods being run by this process
	inflight *xsync.Map[string, struct{}]
}

type Option func(*Engine)

func WithPublisher(p event.Publisher) Option {
	return func(e *Engine) { e.events = p }
}

// WithMetrics registers the run metrics on reg; nil disables them.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.metrics = newMetrics(reg) }
}

func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithStaleRunAfter sets how long a Running run may go without finishing
// before another attempt may take it over.
func WithStaleRunAfter(d time.Duration) Option {
	return func(e *Engine) { e.staleRun = d }
}

type Deps struct {
	Nodes   network.NodeRepository
	Points  points.Repository
	Orders  order.Repository
	Wallets WalletCrediter
}

func NewEngine(db *gorm.DB, repo BonusRepository, deps Deps, plan *compensation.Plan, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		db:       db,
		repo:     repo,
		nodes:    deps.Nodes,
		points:   deps.Points,
		orders:   deps.Orders,
		wallets:  deps.Wallets,
		plan:     plan,
		logger:   logger,
		loc:      time.UTC,
		now:      time.Now,
		workers:  DefaultWorkers,
		staleRun: DefaultStaleRunAfter,
		inflight: xsync.NewMap[string, struct{}](),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// period identifies one run.
type period struct {
	Type  PeriodType
	Key   string
	Date  *time.Time
	Month int
	Year  int
}

func (p period) String() string {
	return string(p.Type) + ":" + p.Key
}

func (e *Engine) dailyPeriod(date time.Time) period {
	local := date.In(e.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	return period{Type: PeriodDaily, Key: day.Format(DailyLayout), Date: &day}
}

// RunDaily computes pairing, leveling and matching bonuses for one calendar
// day. A completed day fails with ErrAlreadyRun.
func (e *Engine) RunDaily(ctx context.Context, date time.Time) (*Summary, error) {
	if date.IsZero() {
		return nil, fmt.Errorf("%w: date is required", ErrInvalidPeriod)
	}
	return e.execute(ctx, e.dailyPeriod(date), e.runDaily)
}

// RunMonthly computes repeat-order and global-sharing bonuses for a month.
func (e *Engine) RunMonthly(ctx context.Context, month time.Month, year int) (*Summary, error) {
	if month < time.January || month > time.December || year < 1 {
		return nil, fmt.Errorf("%w: %d/%d", ErrInvalidPeriod, month, year)
	}
	p := period{
		Type:  PeriodMonthly,
		Key:   order.PeriodKey(month, year),
		Month: int(month),
		Year:  year,
	}
	return e.execute(ctx, p, e.runMonthly)
}

// runBody computes and writes one attempt's bonuses. Member failures are
// returned in the slice; a non-nil error aborts the attempt.
type runBody func(ctx context.Context, run *BonusRun, p period) (members int, failures []MemberError, err error)

func (e *Engine) execute(ctx context.Context, p period, body runBody) (*Summary, error) {
	if _, loaded := e.inflight.LoadOrStore(p.String(), struct{}{}); loaded {
		return nil, ErrRunInProgress
	}
	defer e.inflight.Delete(p.String())

	run, err := e.claim(ctx, p)
	if err != nil {
		return nil, err
	}

	log := e.logger.With(
		zap.String("run_id", run.ID),
		zap.String("period_type", string(p.Type)),
		zap.String("period_key", p.Key),
		zap.Int("attempt", run.Attempts))
	log.Info("bonus run started")

	start := e.now()
	members, failures, bodyErr := body(ctx, run, p)
	if bodyErr != nil {
		failures = append(failures, MemberError{Phase: "run", Message: bodyErr.Error(), At: e.now()})
	}

	completed := e.now()
	run.CompletedAt = &completed
	run.MemberCount = members
	run.ErrorCount = len(failures)
	run.ErrorLog = failures
	run.Status = RunCompleted
	if len(failures) > 0 {
		run.Status = RunFailed
	}

	// the outcome is recorded even if the caller gave up
	finishCtx := context.WithoutCancel(ctx)
	if err := e.repo.FinishRun(finishCtx, run); err != nil {
		return nil, err
	}
	stored, err := e.repo.GetRun(finishCtx, p.Type, p.Key)
	if err != nil {
		return nil, err
	}
	summary := summarize(stored)
	e.metrics.observeRun(summary, completed.Sub(start))

	fields := []zap.Field{
		zap.String("status", string(summary.Status)),
		zap.String("total", summary.Total.String()),
		zap.Int("bonus_count", summary.BonusCount),
		zap.Int("member_count", summary.MemberCount),
		zap.Int("error_count", summary.ErrorCount),
		zap.Duration("duration", completed.Sub(start)),
	}
	if summary.Status == RunFailed {
		log.Error("bonus run failed", fields...)
	} else {
		log.Info("bonus run completed", fields...)
	}
	if e.events != nil {
		e.events.Publish(event.TopicBonusRunFinished, *summary)
	}
	if bodyErr != nil {
		return summary, bodyErr
	}
	return summary, nil
}

// claim loads or creates the period's run and moves it to Running.
func (e *Engine) claim(ctx context.Context, p period) (*BonusRun, error) {
	run, err := e.repo.GetRun(ctx, p.Type, p.Key)
	if errors.Is(err, ErrRunNotFound) {
		run = &BonusRun{
			ID:          uuid.New().String(),
			PeriodType:  p.Type,
			PeriodKey:   p.Key,
			PeriodDate:  p.Date,
			PeriodMonth: p.Month,
			PeriodYear:  p.Year,
			Status:      RunPending,
			Version:     1,
		}
		if err := e.repo.CreateRun(ctx, run); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	switch run.Status {
	case RunCompleted:
		return nil, ErrAlreadyRun
	case RunRunning:
		if run.StartedAt != nil && e.now().Sub(*run.StartedAt) < e.staleRun {
			return nil, ErrRunInProgress
		}
		e.logger.Warn("taking over stale bonus run",
			zap.String("run_id", run.ID),
			zap.String("period_key", run.PeriodKey))
	}

	if err := e.repo.ClaimRun(ctx, run, e.now()); err != nil {
		return nil, err
	}
	return run, nil
}

func (e *Engine) Summary(ctx context.Context, periodType PeriodType, periodKey string) (*Summary, error) {
	run, err := e.repo.GetRun(ctx, periodType, periodKey)
	if err != nil {
		return nil, err
	}
	return summarize(run), nil
}

func (e *Engine) ListRuns(ctx context.Context, periodType PeriodType, limit int) ([]*Summary, error) {
	runs, err := e.repo.ListRuns(ctx, periodType, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Summary, 0, len(runs))
	for i := range runs {
		out = append(out, summarize(&runs[i]))
	}
	return out, nil
}

func (e *Engine) RunBonuses(ctx context.Context, runID string) ([]Bonus, error) {
	return e.repo.ListByRun(ctx, runID)
}

// memberJob is one member's share of a phase: the candidates computed from
// the snapshot, written together in one transaction.
type memberJob struct {
	node       *network.MemberNode
	candidates []*candidate
}

// candidate is a bonus computed in the read phase, not yet written.
type candidate struct {
	bonusType BonusType
	memberID  string
	sourceID  string
	amount    decimal.Decimal
	meta      map[string]any
}

// readPhase runs compute for every node on the worker pool. Nodes whose
// computation fails are reported as member errors and left out.
func (e *Engine) readPhase(ctx context.Context, nodes []*network.MemberNode, phase string, compute func(*network.MemberNode) (*memberJob, error)) ([]*memberJob, []MemberError, error) {
	jobs := make([]*memberJob, len(nodes))
	errs := make([]error, len(nodes))

	pool := pond.NewPool(e.workers)
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for i, n := range nodes {
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			jobs[i], errs[i] = compute(n)
		})
	}
	if err := group.Wait(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var (
		out      []*memberJob
		failures []MemberError
	)
	for i := range nodes {
		if errs[i] != nil {
			failures = append(failures, e.memberError(nodes[i].ID, phase, errs[i]))
			continue
		}
		if jobs[i] != nil && len(jobs[i].candidates) > 0 {
			out = append(out, jobs[i])
		}
	}
	return out, failures, nil
}

// writePhase writes each job in its own transaction.
func (e *Engine) writePhase(ctx context.Context, run *BonusRun, p period, phase string, jobs []*memberJob) ([]*Bonus, []MemberError, error) {
	var (
		written  []*Bonus
		failures []MemberError
	)
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return written, failures, err
		}
		bonuses, err := e.writeMember(ctx, run, p, job)
		if err != nil {
			failures = append(failures, e.memberError(job.node.ID, phase, err))
			continue
		}
		written = append(written, bonuses...)
	}
	return written, failures, nil
}

func (e *Engine) writeMember(ctx context.Context, run *BonusRun, p period, job *memberJob) ([]*Bonus, error) {
	var written []*Bonus
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		written = written[:0]
		var totals runTotals
		for _, c := range job.candidates {
			s, ok := strategies[c.bonusType]
			if !ok || s.cadence != p.Type {
				return fmt.Errorf("no %s strategy for %s bonus", p.Type, c.bonusType)
			}
			b, err := s.apply(e, ctx, tx, run, p, c)
			if err != nil {
				return fmt.Errorf("%s: %w", c.bonusType, err)
			}
			if b == nil {
				continue
			}
			written = append(written, b)
			totals.add(b)
		}
		return e.repo.AddRunTotals(ctx, tx, run.ID, totals)
	})
	if err != nil {
		return nil, err
	}
	for _, b := range written {
		e.metrics.observeBonus(b)
	}
	return written, nil
}

func (e *Engine) memberError(memberID, phase string, err error) MemberError {
	e.logger.Error("member bonus computation failed",
		zap.String("member_node_id", memberID),
		zap.String("phase", phase),
		zap.Error(err))
	return MemberError{MemberNodeID: memberID, Phase: phase, Message: err.Error(), At: e.now()}
}

// newBonus builds a pending bonus with its wallet/cash split.
func (e *Engine) newBonus(run *BonusRun, p period, c *candidate) *Bonus {
	walletPortion, cashPortion := compensation.Split(c.amount, e.plan.Bonus.WalletRatio)
	b := &Bonus{
		ID:              uuid.New().String(),
		MemberNodeID:    c.memberID,
		BonusType:       c.bonusType,
		PeriodType:      p.Type,
		PeriodKey:       p.Key,
		PeriodDate:      p.Date,
		PeriodMonth:     p.Month,
		PeriodYear:      p.Year,
		SourceID:        c.sourceID,
		Amount:          c.amount,
		WalletPortion:   walletPortion,
		CashPortion:     cashPortion,
		Status:          StatusPending,
		ComputationMeta: c.meta,
	}
	if run != nil {
		b.RunID = &run.ID
	}
	return b
}
