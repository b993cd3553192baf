package network

import (
	"context"
	"fmt"
)

// maxScanNodes bounds a single placement search.
var maxScanNodes = 1 << 22

// NodeSource loads nodes by id. Missing ids are absent from the result.
type NodeSource interface {
	Nodes(ctx context.Context, ids []string) (map[string]*MemberNode, error)
}

// FindSlot returns the parent and side where a member referred by sponsor
// onto chosen should be attached. The sponsor's own slot is used when free;
// otherwise the shallowest empty slot of the chosen subtree is taken, left
// before right, scanning one level per query.
func FindSlot(ctx context.Context, src NodeSource, sponsor *MemberNode, chosen Side) (string, Side, error) {
	if !chosen.Valid() {
		return "", "", ErrInvalidSide
	}
	first := sponsor.ChildID(chosen)
	if first == nil {
		return sponsor.ID, chosen, nil
	}

	visited := map[string]bool{sponsor.ID: true}
	queue := []string{*first}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return "", "", err
		}
		level, err := src.Nodes(ctx, queue)
		if err != nil {
			return "", "", err
		}
		next := make([]string, 0, 2*len(queue))
		for _, id := range queue {
			n, ok := level[id]
			if !ok {
				return "", "", fmt.Errorf("%w: child %s referenced but missing", ErrOrphanedNode, id)
			}
			if visited[id] {
				return "", "", fmt.Errorf("%w: node %s reached twice", ErrOrphanedNode, id)
			}
			visited[id] = true
			if len(visited) > maxScanNodes {
				return "", "", fmt.Errorf("%w: scanned %d nodes under %s", ErrNetworkFull, maxScanNodes, sponsor.ID)
			}
			if n.LeftChildID == nil {
				return n.ID, SideLeft, nil
			}
			if n.RightChildID == nil {
				return n.ID, SideRight, nil
			}
			next = append(next, *n.LeftChildID, *n.RightChildID)
		}
		queue = next
	}
	return "", "", fmt.Errorf("%w: sponsor %s %s leg", ErrNetworkFull, sponsor.ID, chosen)
}
