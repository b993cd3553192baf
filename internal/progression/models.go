package progression

import (
	"time"

	"github.com/shopspring/decimal"
)

// MemberReward records a milestone a member has reached. Rewards are
// written once and never revoked.
type MemberReward struct {
	ID            string          `gorm:"column:id;primaryKey;type:uuid" json:"id"`
	MemberNodeID  string          `gorm:"column:member_node_id;type:uuid;not null;uniqueIndex:idx_member_reward,priority:1" json:"member_node_id"`
	MilestoneCode string          `gorm:"column:milestone_code;type:varchar(32);not null;uniqueIndex:idx_member_reward,priority:2" json:"milestone_code"`
	RewardName    string          `gorm:"column:reward_name;type:varchar(100);not null" json:"reward_name"`
	CashValue     decimal.Decimal `gorm:"column:cash_value;type:numeric(20,2);not null" json:"cash_value"`
	LeftRP        int64           `gorm:"column:left_rp;not null" json:"left_rp"`
	RightRP       int64           `gorm:"column:right_rp;not null" json:"right_rp"`
	AchievedAt    time.Time       `gorm:"column:achieved_at;not null" json:"achieved_at"`
}

func (MemberReward) TableName() string {
	return "member_rewards"
}

func Models() []any {
	return []any{&MemberReward{}}
}
