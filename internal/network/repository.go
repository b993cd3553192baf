package network

import (
	"context"
	"errors"
	"fmt"

	"mlm_service/internal/apperr"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNodeNotFound    = apperr.New(apperr.KindNotFound, "NODE_NOT_FOUND", "member node not found")
	ErrSponsorNotFound = apperr.New(apperr.KindValidation, "SPONSOR_NOT_FOUND", "sponsor not found")
	ErrSponsorInactive = apperr.New(apperr.KindStateConflict, "SPONSOR_INACTIVE", "sponsor is not active")
	ErrSponsorRequired = apperr.New(apperr.KindValidation, "SPONSOR_REQUIRED", "sponsor is required once the tree has a root")
	ErrAlreadyPlaced   = apperr.New(apperr.KindStateConflict, "ALREADY_PLACED", "user already has a position in the network")
	ErrInvalidSide     = apperr.New(apperr.KindValidation, "INVALID_SIDE", "side must be left or right")
	ErrInvalidRequest  = apperr.New(apperr.KindValidation, "INVALID_REQUEST", "invalid registration request")
	ErrSlotTaken       = apperr.New(apperr.KindStateConflict, "SLOT_TAKEN", "placement slot was taken concurrently")
	ErrNetworkFull     = apperr.New(apperr.KindNetworkFull, "NETWORK_FULL", "no empty slot in the chosen leg")
	ErrOrphanedNode    = apperr.New(apperr.KindStructuralInvariant, "ORPHANED_NODE", "tree structure is inconsistent")
)

type NodeRepository interface {
	Create(ctx context.Context, tx *gorm.DB, node *MemberNode) error
	Get(ctx context.Context, tx *gorm.DB, id string) (*MemberNode, error)
	GetForUpdate(ctx context.Context, tx *gorm.DB, id string) (*MemberNode, error)
	GetByUser(ctx context.Context, tx *gorm.DB, userID string) (*MemberNode, error)
	Count(ctx context.Context, tx *gorm.DB) (int64, error)
	Nodes(ctx context.Context, tx *gorm.DB, ids []string) (map[string]*MemberNode, error)
	AttachChild(ctx context.Context, tx *gorm.DB, parentID string, side Side, childID string) error
	UpdateCounters(ctx context.Context, tx *gorm.DB, node *MemberNode) error
	UpdateCareerLevel(ctx context.Context, tx *gorm.DB, id, level string) error
	SetStatus(ctx context.Context, tx *gorm.DB, id string, status Status) error
	ListAll(ctx context.Context) ([]MemberNode, error)
	ListActive(ctx context.Context) ([]MemberNode, error)
}

type NodeRepositoryImpl struct {
	db *gorm.DB
}

func NewNodeRepository(db *gorm.DB) *NodeRepositoryImpl {
	return &NodeRepositoryImpl{db: db}
}

func (r *NodeRepositoryImpl) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *NodeRepositoryImpl) Create(ctx context.Context, tx *gorm.DB, node *MemberNode) error {
	err := r.conn(tx).WithContext(ctx).Create(node).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrSlotTaken
		}
		return fmt.Errorf("failed to create member node: %w", err)
	}
	return nil
}

func (r *NodeRepositoryImpl) Get(ctx context.Context, tx *gorm.DB, id string) (*MemberNode, error) {
	return r.first(r.conn(tx).WithContext(ctx).Where("id = ?", id))
}

func (r *NodeRepositoryImpl) GetForUpdate(ctx context.Context, tx *gorm.DB, id string) (*MemberNode, error) {
	return r.first(tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id))
}

func (r *NodeRepositoryImpl) GetByUser(ctx context.Context, tx *gorm.DB, userID string) (*MemberNode, error) {
	return r.first(r.conn(tx).WithContext(ctx).Where("user_id = ?", userID))
}

func (r *NodeRepositoryImpl) first(q *gorm.DB) (*MemberNode, error) {
	var node MemberNode
	if err := q.First(&node).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNodeNotFound
		}
		return nil, fmt.Errorf("failed to get member node: %w", err)
	}
	return &node, nil
}

func (r *NodeRepositoryImpl) Count(ctx context.Context, tx *gorm.DB) (int64, error) {
	var n int64
	if err := r.conn(tx).WithContext(ctx).Model(&MemberNode{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count member nodes: %w", err)
	}
	return n, nil
}

func (r *NodeRepositoryImpl) Nodes(ctx context.Context, tx *gorm.DB, ids []string) (map[string]*MemberNode, error) {
	out := make(map[string]*MemberNode, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var nodes []MemberNode
	if err := r.conn(tx).WithContext(ctx).Where("id IN ?", ids).Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("failed to load member nodes: %w", err)
	}
	for i := range nodes {
		out[nodes[i].ID] = &nodes[i]
	}
	return out, nil
}

// AttachChild sets the parent's child pointer only if the slot is still empty.
func (r *NodeRepositoryImpl) AttachChild(ctx context.Context, tx *gorm.DB, parentID string, side Side, childID string) error {
	column := "left_child_id"
	if side == SideRight {
		column = "right_child_id"
	}
	result := tx.WithContext(ctx).Model(&MemberNode{}).
		Where("id = ? AND "+column+" IS NULL", parentID).
		Update(column, childID)
	if result.Error != nil {
		return fmt.Errorf("failed to attach child: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSlotTaken
	}
	return nil
}

func (r *NodeRepositoryImpl) UpdateCounters(ctx context.Context, tx *gorm.DB, node *MemberNode) error {
	result := tx.WithContext(ctx).Model(&MemberNode{}).
		Where("id = ?", node.ID).
		Updates(map[string]interface{}{
			"left_pp":     node.LeftPP,
			"right_pp":    node.RightPP,
			"left_rp":     node.LeftRP,
			"right_rp":    node.RightRP,
			"left_count":  node.LeftCount,
			"right_count": node.RightCount,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update point counters: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNodeNotFound
	}
	return nil
}

func (r *NodeRepositoryImpl) UpdateCareerLevel(ctx context.Context, tx *gorm.DB, id, level string) error {
	result := r.conn(tx).WithContext(ctx).Model(&MemberNode{}).Where("id = ?", id).Update("career_level", level)
	if result.Error != nil {
		return fmt.Errorf("failed to update career level: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNodeNotFound
	}
	return nil
}

func (r *NodeRepositoryImpl) SetStatus(ctx context.Context, tx *gorm.DB, id string, status Status) error {
	result := r.conn(tx).WithContext(ctx).Model(&MemberNode{}).Where("id = ?", id).Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("failed to update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNodeNotFound
	}
	return nil
}

func (r *NodeRepositoryImpl) ListAll(ctx context.Context) ([]MemberNode, error) {
	var nodes []MemberNode
	if err := r.db.WithContext(ctx).Order("depth, created_at").Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("failed to list member nodes: %w", err)
	}
	return nodes, nil
}

func (r *NodeRepositoryImpl) ListActive(ctx context.Context) ([]MemberNode, error) {
	var nodes []MemberNode
	if err := r.db.WithContext(ctx).Where("status = ?", StatusActive).Order("depth, created_at").Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("failed to list active member nodes: %w", err)
	}
	return nodes, nil
}

// txSource adapts the repository to NodeSource inside a transaction.
type txSource struct {
	repo NodeRepository
	tx   *gorm.DB
}

func (s txSource) Nodes(ctx context.Context, ids []string) (map[string]*MemberNode, error) {
	return s.repo.Nodes(ctx, s.tx, ids)
}
