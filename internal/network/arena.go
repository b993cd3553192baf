package network

import (
	"context"
	"fmt"
)

// Arena is an in-memory snapshot of the tree indexed by node id. All walks
// over it are iterative.
type Arena map[string]*MemberNode

func NewArena(nodes []MemberNode) Arena {
	a := make(Arena, len(nodes))
	for i := range nodes {
		a[nodes[i].ID] = &nodes[i]
	}
	return a
}

// Nodes implements NodeSource.
func (a Arena) Nodes(_ context.Context, ids []string) (map[string]*MemberNode, error) {
	out := make(map[string]*MemberNode, len(ids))
	for _, id := range ids {
		if n, ok := a[id]; ok {
			out[id] = n
		}
	}
	return out, nil
}

// Children returns the node's direct children that exist in the arena.
func (a Arena) Children(id string) (left, right *MemberNode) {
	n, ok := a[id]
	if !ok {
		return nil, nil
	}
	if n.LeftChildID != nil {
		left = a[*n.LeftChildID]
	}
	if n.RightChildID != nil {
		right = a[*n.RightChildID]
	}
	return left, right
}

// SponsorChain returns up to depth sponsors above id, nearest first.
// Index 0 is generation 1.
func (a Arena) SponsorChain(id string, depth int) []*MemberNode {
	var chain []*MemberNode
	n, ok := a[id]
	for ok && len(chain) < depth && n.SponsorID != nil {
		n, ok = a[*n.SponsorID]
		if ok {
			chain = append(chain, n)
		}
	}
	return chain
}

// Verify checks the tree invariants: a single root, reciprocal parent and
// child pointers with matching sides, and every parent chain ending at the
// root.
func (a Arena) Verify() error {
	var roots []string
	for id, n := range a {
		if n.IsRoot() {
			roots = append(roots, id)
			if n.Side != nil {
				return fmt.Errorf("%w: root %s has a side", ErrOrphanedNode, id)
			}
			continue
		}
		parent, ok := a[*n.ParentID]
		if !ok {
			return fmt.Errorf("%w: node %s parent %s missing", ErrOrphanedNode, id, *n.ParentID)
		}
		if n.Side == nil || !n.Side.Valid() {
			return fmt.Errorf("%w: node %s has no side", ErrOrphanedNode, id)
		}
		if c := parent.ChildID(*n.Side); c == nil || *c != id {
			return fmt.Errorf("%w: parent %s does not point back to %s", ErrOrphanedNode, parent.ID, id)
		}
		for _, side := range []Side{SideLeft, SideRight} {
			c := n.ChildID(side)
			if c == nil {
				continue
			}
			child, ok := a[*c]
			if !ok || child.ParentID == nil || *child.ParentID != id || child.Side == nil || *child.Side != side {
				return fmt.Errorf("%w: %s child %s of %s is not reciprocal", ErrOrphanedNode, side, *c, id)
			}
		}
	}
	if len(a) > 0 && len(roots) != 1 {
		return fmt.Errorf("%w: %d roots", ErrOrphanedNode, len(roots))
	}
	if len(roots) == 1 {
		root := a[roots[0]]
		for _, side := range []Side{SideLeft, SideRight} {
			if c := root.ChildID(side); c != nil {
				if child, ok := a[*c]; !ok || child.ParentID == nil || *child.ParentID != root.ID {
					return fmt.Errorf("%w: root child %s is not reciprocal", ErrOrphanedNode, *c)
				}
			}
		}
	}

	// every chain must reach the root within len(a) steps
	reaches := make(map[string]bool, len(a))
	for id := range a {
		var path []string
		cur := id
		for steps := 0; ; steps++ {
			if reaches[cur] {
				break
			}
			if steps > len(a) {
				return fmt.Errorf("%w: cycle through %s", ErrOrphanedNode, id)
			}
			path = append(path, cur)
			n := a[cur]
			if n.IsRoot() {
				break
			}
			cur = *n.ParentID
		}
		for _, p := range path {
			reaches[p] = true
		}
	}
	return nil
}
