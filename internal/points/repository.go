package points

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"mlm_service/internal/apperr"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrLedgerMismatch = apperr.New(apperr.KindStructuralInvariant, "POINT_LEDGER_MISMATCH", "point ledger balance mismatch")
	ErrEntryNotFound  = apperr.New(apperr.KindNotFound, "POINT_ENTRY_NOT_FOUND", "point ledger entry not found")
)

type Repository interface {
	Append(ctx context.Context, tx *gorm.DB, entry *Entry) error
	Latest(ctx context.Context, tx *gorm.DB, nodeID string, pt PointType, side string) (*Entry, error)
	ListByNode(ctx context.Context, nodeID string) ([]Entry, error)
}

type RepositoryImpl struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *RepositoryImpl {
	return &RepositoryImpl{db: db}
}

// Append checks the entry against the chain's latest balance and inserts it
// with the next sequence number.
func (r *RepositoryImpl) Append(ctx context.Context, tx *gorm.DB, entry *Entry) error {
	if entry.BalanceAfter != entry.BalanceBefore+entry.PointDelta {
		return fmt.Errorf("%w: %d + %d != %d", ErrLedgerMismatch,
			entry.BalanceBefore, entry.PointDelta, entry.BalanceAfter)
	}
	prev, err := r.Latest(ctx, tx, entry.MemberNodeID, entry.PointType, entry.Side)
	switch {
	case errors.Is(err, ErrEntryNotFound):
		if entry.BalanceBefore != 0 {
			return fmt.Errorf("%w: first %s/%s entry for %s starts at %d", ErrLedgerMismatch,
				entry.PointType, entry.Side, entry.MemberNodeID, entry.BalanceBefore)
		}
		entry.Sequence = 1
	case err != nil:
		return err
	default:
		if prev.BalanceAfter != entry.BalanceBefore {
			return fmt.Errorf("%w: %s/%s for %s continues from %d, ledger has %d", ErrLedgerMismatch,
				entry.PointType, entry.Side, entry.MemberNodeID, entry.BalanceBefore, prev.BalanceAfter)
		}
		entry.Sequence = prev.Sequence + 1
	}
	if entry.EntryID == "" {
		entry.EntryID = uuid.New().String()
	}
	if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append point entry: %w", err)
	}
	return nil
}

func (r *RepositoryImpl) Latest(ctx context.Context, tx *gorm.DB, nodeID string, pt PointType, side string) (*Entry, error) {
	if tx == nil {
		tx = r.db
	}
	var e Entry
	err := tx.WithContext(ctx).
		Where("member_node_id = ? AND point_type = ? AND side = ?", nodeID, pt, side).
		Order("sequence DESC").
		First(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("failed to get latest point entry: %w", err)
	}
	return &e, nil
}

func (r *RepositoryImpl) ListByNode(ctx context.Context, nodeID string) ([]Entry, error) {
	var entries []Entry
	err := r.db.WithContext(ctx).
		Where("member_node_id = ?", nodeID).
		Order("point_type, side, sequence").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list point entries: %w", err)
	}
	return entries, nil
}

type chainKey struct {
	pt   PointType
	side string
}

// VerifyChains checks every chain in entries for continuity and that each
// chain ends at the cached balance. Chains without entries must be zero.
func VerifyChains(nodeID string, entries []Entry, cached Balances) error {
	chains := make(map[chainKey][]Entry)
	for _, e := range entries {
		k := chainKey{e.PointType, e.Side}
		chains[k] = append(chains[k], e)
	}
	for _, pt := range []PointType{PairingPoint, RewardPoint} {
		for _, side := range []string{SideLeft, SideRight} {
			chain := chains[chainKey{pt, side}]
			sort.Slice(chain, func(i, j int) bool { return chain[i].Sequence < chain[j].Sequence })
			var balance int64
			for _, e := range chain {
				if e.BalanceBefore != balance || e.BalanceAfter != e.BalanceBefore+e.PointDelta {
					return fmt.Errorf("%w: node %s %s/%s sequence %d", ErrLedgerMismatch, nodeID, pt, side, e.Sequence)
				}
				balance = e.BalanceAfter
			}
			if want := cached.Get(pt, side); balance != want {
				return fmt.Errorf("%w: node %s %s/%s ledger ends at %d, cached %d", ErrLedgerMismatch, nodeID, pt, side, balance, want)
			}
		}
	}
	return nil
}
