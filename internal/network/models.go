package network

import (
	"time"

	"mlm_service/internal/points"
)

type Side string

const (
	SideLeft  Side = points.SideLeft
	SideRight Side = points.SideRight
)

func (s Side) Valid() bool {
	return s == SideLeft || s == SideRight
}

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// MemberNode is one member's position in the binary tree. Child pointers
// are set once and never re-parented.
type MemberNode struct {
	ID           string  `gorm:"column:id;primaryKey;type:uuid" json:"id"`
	UserID       string  `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex" json:"user_id"`
	SponsorID    *string `gorm:"column:sponsor_id;type:uuid;index" json:"sponsor_id,omitempty"`
	ParentID     *string `gorm:"column:parent_id;type:uuid;uniqueIndex:idx_member_slot,priority:1" json:"parent_id,omitempty"`
	Side         *Side   `gorm:"column:side;type:varchar(5);uniqueIndex:idx_member_slot,priority:2" json:"side,omitempty"`
	LeftChildID  *string `gorm:"column:left_child_id;type:uuid" json:"left_child_id,omitempty"`
	RightChildID *string `gorm:"column:right_child_id;type:uuid" json:"right_child_id,omitempty"`
	Depth        int     `gorm:"column:depth;not null" json:"depth"`

	LeftPP     int64 `gorm:"column:left_pp;not null;default:0" json:"left_pp"`
	RightPP    int64 `gorm:"column:right_pp;not null;default:0" json:"right_pp"`
	LeftRP     int64 `gorm:"column:left_rp;not null;default:0" json:"left_rp"`
	RightRP    int64 `gorm:"column:right_rp;not null;default:0" json:"right_rp"`
	LeftCount  int64 `gorm:"column:left_count;not null;default:0" json:"left_count"`
	RightCount int64 `gorm:"column:right_count;not null;default:0" json:"right_count"`

	PackageTier string    `gorm:"column:package_tier;type:varchar(32);not null" json:"package_tier"`
	CareerLevel string    `gorm:"column:career_level;type:varchar(32);not null;default:''" json:"career_level"`
	Status      Status    `gorm:"column:status;type:varchar(10);not null;index" json:"status"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (MemberNode) TableName() string {
	return "member_nodes"
}

func (n *MemberNode) IsRoot() bool {
	return n.ParentID == nil
}

func (n *MemberNode) IsActive() bool {
	return n.Status == StatusActive
}

func (n *MemberNode) ChildID(side Side) *string {
	if side == SideLeft {
		return n.LeftChildID
	}
	return n.RightChildID
}

func (n *MemberNode) Balances() points.Balances {
	return points.Balances{LeftPP: n.LeftPP, RightPP: n.RightPP, LeftRP: n.LeftRP, RightRP: n.RightRP}
}

// addLeg credits one leg with a new downline member's points.
func (n *MemberNode) addLeg(side Side, pp, rp int64) {
	if side == SideLeft {
		n.LeftPP += pp
		n.LeftRP += rp
		n.LeftCount++
		return
	}
	n.RightPP += pp
	n.RightRP += rp
	n.RightCount++
}

func Models() []any {
	return []any{&MemberNode{}}
}
