package points

import "time"

type PointType string

const (
	PairingPoint PointType = "PP"
	RewardPoint  PointType = "RP"
)

const (
	SideLeft  = "left"
	SideRight = "right"
)

const (
	ReasonRegistration     = "registration"
	ReasonPairingDeduction = "pairing_deduction"
)

// Entry is one append-only point mutation. Entries form a chain per
// (member, point type, side) ordered by Sequence.
type Entry struct {
	EntryID       string    `gorm:"column:entry_id;primaryKey;type:uuid"`
	MemberNodeID  string    `gorm:"column:member_node_id;type:uuid;not null;uniqueIndex:idx_point_chain,priority:1"`
	PointType     PointType `gorm:"column:point_type;type:varchar(2);not null;uniqueIndex:idx_point_chain,priority:2"`
	Side          string    `gorm:"column:side;type:varchar(5);not null;uniqueIndex:idx_point_chain,priority:3"`
	Sequence      int64     `gorm:"column:sequence;not null;uniqueIndex:idx_point_chain,priority:4"`
	PointDelta    int64     `gorm:"column:point_delta;not null"`
	BalanceBefore int64     `gorm:"column:balance_before;not null"`
	BalanceAfter  int64     `gorm:"column:balance_after;not null"`
	Reason        string    `gorm:"column:reason;type:varchar(32);not null"`
	ReferenceID   string    `gorm:"column:reference_id;type:varchar(64);not null"`
	EntryDate     time.Time `gorm:"column:entry_date;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Entry) TableName() string {
	return "point_ledger_entries"
}

// Balances are a member's cached point counters.
type Balances struct {
	LeftPP  int64
	RightPP int64
	LeftRP  int64
	RightRP int64
}

func (b Balances) Get(pt PointType, side string) int64 {
	switch {
	case pt == PairingPoint && side == SideLeft:
		return b.LeftPP
	case pt == PairingPoint && side == SideRight:
		return b.RightPP
	case pt == RewardPoint && side == SideLeft:
		return b.LeftRP
	default:
		return b.RightRP
	}
}

func Models() []any {
	return []any{&Entry{}}
}
