// Package progression evaluates career levels and reward milestones as leg
// points accumulate.
package progression

import (
	"context"
	"fmt"
	"time"

	"mlm_service/internal/compensation"
	"mlm_service/internal/points"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Tracker struct {
	db     *gorm.DB
	plan   *compensation.Plan
	logger *zap.Logger
	now    func() time.Time
}

func NewTracker(db *gorm.DB, plan *compensation.Plan, logger *zap.Logger) *Tracker {
	return &Tracker{db: db, plan: plan, logger: logger, now: time.Now}
}

// Record evaluates a member after its legs changed. It returns the career
// level to store, which never drops below currentLevel, and inserts a reward
// for every milestone met for the first time.
func (t *Tracker) Record(ctx context.Context, tx *gorm.DB, nodeID string, legs points.Balances, currentLevel string) (string, error) {
	level := t.ratchet(legs, currentLevel)

	qualified := compensation.QualifiedMilestones(t.plan.Milestones, legs.LeftRP, legs.RightRP)
	if len(qualified) == 0 {
		return level, nil
	}
	conn := tx
	if conn == nil {
		conn = t.db
	}

	var have []string
	if err := conn.WithContext(ctx).Model(&MemberReward{}).
		Where("member_node_id = ?", nodeID).
		Pluck("milestone_code", &have).Error; err != nil {
		return "", fmt.Errorf("failed to load member rewards: %w", err)
	}
	seen := make(map[string]bool, len(have))
	for _, code := range have {
		seen[code] = true
	}

	at := t.now()
	for _, m := range qualified {
		if seen[m.Code] {
			continue
		}
		reward := MemberReward{
			ID:            uuid.New().String(),
			MemberNodeID:  nodeID,
			MilestoneCode: m.Code,
			RewardName:    m.Name,
			CashValue:     m.CashValue,
			LeftRP:        legs.LeftRP,
			RightRP:       legs.RightRP,
			AchievedAt:    at,
		}
		if err := conn.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&reward).Error; err != nil {
			return "", fmt.Errorf("failed to record reward %s: %w", m.Code, err)
		}
		t.logger.Info("reward milestone reached",
			zap.String("member_node_id", nodeID),
			zap.String("milestone", m.Code),
			zap.Int64("left_rp", legs.LeftRP),
			zap.Int64("right_rp", legs.RightRP))
	}
	return level, nil
}

func (t *Tracker) ratchet(legs points.Balances, currentLevel string) string {
	earned, ok := compensation.CareerLevelFor(t.plan.CareerLevels, legs.LeftPP, legs.RightPP)
	if !ok {
		return currentLevel
	}
	if currentLevel == "" {
		return earned.Code
	}
	cur, known := t.plan.LevelIndex(currentLevel)
	next, _ := t.plan.LevelIndex(earned.Code)
	if !known || next > cur {
		return earned.Code
	}
	return currentLevel
}

func (t *Tracker) Rewards(ctx context.Context, nodeID string) ([]MemberReward, error) {
	var rewards []MemberReward
	if err := t.db.WithContext(ctx).
		Where("member_node_id = ?", nodeID).
		Order("achieved_at, milestone_code").
		Find(&rewards).Error; err != nil {
		return nil, fmt.Errorf("failed to list member rewards: %w", err)
	}
	return rewards, nil
}

type MilestoneStatus struct {
	Code            string          `json:"code"`
	Name            string          `json:"name"`
	RequiredLeftRP  int64           `json:"required_left_rp"`
	RequiredRightRP int64           `json:"required_right_rp"`
	CashValue       decimal.Decimal `json:"cash_value"`
	Achieved        bool            `json:"achieved"`
	AchievedAt      *time.Time      `json:"achieved_at,omitempty"`
}

type Report struct {
	NodeID        string            `json:"node_id"`
	CareerLevel   string            `json:"career_level"`
	LeftPP        int64             `json:"left_pp"`
	RightPP       int64             `json:"right_pp"`
	LeftRP        int64             `json:"left_rp"`
	RightRP       int64             `json:"right_rp"`
	NextLevel     string            `json:"next_level,omitempty"`
	PPToNextLevel int64             `json:"pp_to_next_level"`
	Milestones    []MilestoneStatus `json:"milestones"`
}

// Progress reports where a member stands against the career ladder and the
// reward milestones.
func (t *Tracker) Progress(ctx context.Context, nodeID string, legs points.Balances, level string) (*Report, error) {
	rewards, err := t.Rewards(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	achieved := make(map[string]time.Time, len(rewards))
	for _, r := range rewards {
		achieved[r.MilestoneCode] = r.AchievedAt
	}

	report := &Report{
		NodeID:      nodeID,
		CareerLevel: level,
		LeftPP:      legs.LeftPP,
		RightPP:     legs.RightPP,
		LeftRP:      legs.LeftRP,
		RightRP:     legs.RightRP,
	}
	if next, ok := compensation.NextLevel(t.plan.CareerLevels, level); ok {
		report.NextLevel = next.Code
		if gap := next.RequiredPP - min(legs.LeftPP, legs.RightPP); gap > 0 {
			report.PPToNextLevel = gap
		}
	}
	for _, m := range t.plan.Milestones {
		status := MilestoneStatus{
			Code:            m.Code,
			Name:            m.Name,
			RequiredLeftRP:  m.RequiredLeftRP,
			RequiredRightRP: m.RequiredRightRP,
			CashValue:       m.CashValue,
		}
		if at, ok := achieved[m.Code]; ok {
			status.Achieved = true
			status.AchievedAt = &at
		}
		report.Milestones = append(report.Milestones, status)
	}
	return report, nil
}
