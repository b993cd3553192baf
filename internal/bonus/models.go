package bonus

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type BonusType string

const (
	TypeSponsor       BonusType = "sponsor"
	TypePairing       BonusType = "pairing"
	TypeMatching      BonusType = "matching"
	TypeLeveling      BonusType = "leveling"
	TypeRepeatOrder   BonusType = "repeat_order"
	TypeGlobalSharing BonusType = "global_sharing"
)

func (t BonusType) Valid() bool {
	switch t {
	case TypeSponsor, TypePairing, TypeMatching, TypeLeveling, TypeRepeatOrder, TypeGlobalSharing:
		return true
	}
	return false
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusPaid     Status = "paid"
)

type PeriodType string

const (
	PeriodDaily   PeriodType = "daily"
	PeriodMonthly PeriodType = "monthly"
)

const (
	DailyLayout   = "2006-01-02"
	MonthlyLayout = "2006-01"
)

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Bonus is one awarded bonus instance. A member earns at most one bonus of a
// type per period and source.
type Bonus struct {
	ID              string            `gorm:"column:id;primaryKey;type:uuid" json:"id"`
	MemberNodeID    string            `gorm:"column:member_node_id;type:uuid;not null;uniqueIndex:idx_bonus_identity,priority:1" json:"member_node_id"`
	BonusType       BonusType         `gorm:"column:bonus_type;type:varchar(20);not null;uniqueIndex:idx_bonus_identity,priority:2;index:idx_bonus_period,priority:1" json:"bonus_type"`
	PeriodKey       string            `gorm:"column:period_key;type:varchar(10);not null;uniqueIndex:idx_bonus_identity,priority:3;index:idx_bonus_period,priority:2" json:"period_key"`
	SourceID        string            `gorm:"column:source_id;type:varchar(64);not null;uniqueIndex:idx_bonus_identity,priority:4" json:"source_id"`
	PeriodType      PeriodType        `gorm:"column:period_type;type:varchar(10);not null" json:"period_type"`
	PeriodDate      *time.Time        `gorm:"column:period_date;type:date" json:"period_date,omitempty"`
	PeriodMonth     int               `gorm:"column:period_month" json:"period_month,omitempty"`
	PeriodYear      int               `gorm:"column:period_year" json:"period_year,omitempty"`
	Amount          decimal.Decimal   `gorm:"column:amount;type:numeric(20,2);not null" json:"amount"`
	WalletPortion   decimal.Decimal   `gorm:"column:wallet_portion;type:numeric(20,2);not null" json:"wallet_portion"`
	CashPortion     decimal.Decimal   `gorm:"column:cash_portion;type:numeric(20,2);not null" json:"cash_portion"`
	Status          Status            `gorm:"column:status;type:varchar(10);not null;index" json:"status"`
	ComputationMeta datatypes.JSONMap `gorm:"column:computation_meta" json:"computation_meta"`
	RunID           *string           `gorm:"column:run_id;type:uuid;index" json:"run_id,omitempty"`
	ApprovedAt      *time.Time        `gorm:"column:approved_at" json:"approved_at,omitempty"`
	RejectedAt      *time.Time        `gorm:"column:rejected_at" json:"rejected_at,omitempty"`
	PaidAt          *time.Time        `gorm:"column:paid_at" json:"paid_at,omitempty"`
	CreatedAt       time.Time         `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time         `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Bonus) TableName() string {
	return "bonuses"
}

// MemberError is one member-level failure recorded against a run.
type MemberError struct {
	MemberNodeID string    `json:"member_node_id"`
	Phase        string    `json:"phase"`
	Message      string    `json:"message"`
	At           time.Time `json:"at"`
}

// BonusRun tracks one period's batch. A period has exactly one run row; a
// failed run is re-claimed by the next attempt.
type BonusRun struct {
	ID                 string                           `gorm:"column:id;primaryKey;type:uuid" json:"id"`
	PeriodType         PeriodType                       `gorm:"column:period_type;type:varchar(10);not null;uniqueIndex:idx_run_period,priority:1" json:"period_type"`
	PeriodKey          string                           `gorm:"column:period_key;type:varchar(10);not null;uniqueIndex:idx_run_period,priority:2" json:"period_key"`
	PeriodDate         *time.Time                       `gorm:"column:period_date;type:date" json:"period_date,omitempty"`
	PeriodMonth        int                              `gorm:"column:period_month" json:"period_month,omitempty"`
	PeriodYear         int                              `gorm:"column:period_year" json:"period_year,omitempty"`
	Status             RunStatus                        `gorm:"column:status;type:varchar(10);not null" json:"status"`
	StartedAt          *time.Time                       `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt        *time.Time                       `gorm:"column:completed_at" json:"completed_at,omitempty"`
	PairingTotal       decimal.Decimal                  `gorm:"column:pairing_total;type:numeric(20,2);not null;default:0" json:"pairing_total"`
	MatchingTotal      decimal.Decimal                  `gorm:"column:matching_total;type:numeric(20,2);not null;default:0" json:"matching_total"`
	LevelingTotal      decimal.Decimal                  `gorm:"column:leveling_total;type:numeric(20,2);not null;default:0" json:"leveling_total"`
	RepeatOrderTotal   decimal.Decimal                  `gorm:"column:repeat_order_total;type:numeric(20,2);not null;default:0" json:"repeat_order_total"`
	GlobalSharingTotal decimal.Decimal                  `gorm:"column:global_sharing_total;type:numeric(20,2);not null;default:0" json:"global_sharing_total"`
	Total              decimal.Decimal                  `gorm:"column:total;type:numeric(20,2);not null;default:0" json:"total"`
	BonusCount         int                              `gorm:"column:bonus_count;not null;default:0" json:"bonus_count"`
	MemberCount        int                              `gorm:"column:member_count;not null;default:0" json:"member_count"`
	ErrorCount         int                              `gorm:"column:error_count;not null;default:0" json:"error_count"`
	ErrorLog           datatypes.JSONSlice[MemberError] `gorm:"column:error_log" json:"error_log"`
	Attempts           int                              `gorm:"column:attempts;not null;default:0" json:"attempts"`
	Version            int                              `gorm:"column:version;not null;default:1" json:"-"`
	CreatedAt          time.Time                        `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time                        `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (BonusRun) TableName() string {
	return "bonus_runs"
}

// Summary is what a run trigger reports back.
type Summary struct {
	RunID       string                        `json:"run_id"`
	PeriodType  PeriodType                    `json:"period_type"`
	PeriodKey   string                        `json:"period_key"`
	Status      RunStatus                     `json:"status"`
	Attempts    int                           `json:"attempts"`
	StartedAt   *time.Time                    `json:"started_at,omitempty"`
	CompletedAt *time.Time                    `json:"completed_at,omitempty"`
	Totals      map[BonusType]decimal.Decimal `json:"totals"`
	Total       decimal.Decimal               `json:"total"`
	BonusCount  int                           `json:"bonus_count"`
	MemberCount int                           `json:"member_count"`
	ErrorCount  int                           `json:"error_count"`
	Errors      []MemberError                 `json:"errors,omitempty"`
}

func summarize(run *BonusRun) *Summary {
	s := &Summary{
		RunID:       run.ID,
		PeriodType:  run.PeriodType,
		PeriodKey:   run.PeriodKey,
		Status:      run.Status,
		Attempts:    run.Attempts,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
		Total:       run.Total,
		BonusCount:  run.BonusCount,
		MemberCount: run.MemberCount,
		ErrorCount:  run.ErrorCount,
		Errors:      run.ErrorLog,
	}
	if run.PeriodType == PeriodDaily {
		s.Totals = map[BonusType]decimal.Decimal{
			TypePairing:  run.PairingTotal,
			TypeMatching: run.MatchingTotal,
			TypeLeveling: run.LevelingTotal,
		}
	} else {
		s.Totals = map[BonusType]decimal.Decimal{
			TypeRepeatOrder:   run.RepeatOrderTotal,
			TypeGlobalSharing: run.GlobalSharingTotal,
		}
	}
	return s
}

// runTotals accumulates the amounts one member transaction adds to its run.
type runTotals struct {
	byType map[BonusType]decimal.Decimal
	count  int
}

func (t *runTotals) add(b *Bonus) {
	if t.byType == nil {
		t.byType = make(map[BonusType]decimal.Decimal)
	}
	t.byType[b.BonusType] = t.byType[b.BonusType].Add(b.Amount)
	t.count++
}

func (t *runTotals) sum() decimal.Decimal {
	total := decimal.Zero
	for _, v := range t.byType {
		total = total.Add(v)
	}
	return total
}

func Models() []any {
	return []any{&Bonus{}, &BonusRun{}}
}
