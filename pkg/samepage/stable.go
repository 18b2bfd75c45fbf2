// Copyright 2022 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package samepage

import (
	"bytes"
)

// stableKind discriminates the three roles a stable tree node can
// have. The fields valid for each role are disjoint.
type stableKind int

const (
	// stableRegular: a tree-resident node owning one merged page.
	stableRegular stableKind = iota
	// stableChain: a tree-resident node with no page of its own,
	// holding identical-content dups once one page's reference
	// count would exceed the sharing cap.
	stableChain
	// stableDup: a merged page hanging off a chain.
	stableDup
)

// StableNode represents one position in the stable tree, or one dup
// under a chain.
type StableNode struct {
	kind                stableKind
	left, right, parent *StableNode // tree links; nil for dups

	// regular and dup nodes
	page  PageID
	stamp uint64 // keyhole stamp the page must claim
	refs  []*MappingRecord
	// refLen mirrors len(refs) for regular/dup nodes and holds
	// chainRefSentinel for chains. Any other negative value means
	// the tree is corrupt.
	refLen int

	// chain nodes
	dups      []*StableNode
	lastPrune int64 // UnixNano of the last allowed chain prune
	// dup nodes
	chain *StableNode
}

func (n *StableNode) isChain() bool {
	return n.refLen == chainRefSentinel
}

// checkRefLen aborts on structural corruption: a negative reference
// count that is not the chain sentinel indicates memory-unsafe tree
// state, not a timing race.
func (n *StableNode) checkRefLen() {
	if n.refLen < 0 && n.refLen != chainRefSentinel {
		log.Fatalf("stable node corruption: refLen=%d page=%d", n.refLen, n.page)
	}
	if n.isChain() && n.kind != stableChain {
		log.Fatalf("stable node corruption: chain sentinel on kind=%d", n.kind)
	}
}

// stableTree is one content-ordered index of merged pages. Mutation
// is serialized by the engine lock.
type stableTree struct {
	root            *StableNode
	vm              VM
	stats           *Stats
	maxSharing      int
	pruneIntervalNs int64
	nextStamp       uint64
}

func newStableTree(vm VM, stats *Stats, maxSharing int, pruneIntervalNs int64) *stableTree {
	return &stableTree{
		vm:              vm,
		stats:           stats,
		maxSharing:      maxSharing,
		pruneIntervalNs: pruneIntervalNs,
		nextStamp:       1,
	}
}

func (t *stableTree) empty() bool {
	return t.root == nil
}

// mergedPageContent is the keyhole read: the node does not hold the
// page, it validates on every access that the page still claims to
// belong to it. nil means the node is stale.
func (t *stableTree) mergedPageContent(n *StableNode) []byte {
	if n.page == 0 {
		return nil
	}
	if t.vm.MergedStamp(n.page) != n.stamp {
		return nil
	}
	content := t.vm.PageContent(n.page)
	if content == nil {
		return nil
	}
	// the stamp may have moved while we copied
	if t.vm.MergedStamp(n.page) != n.stamp {
		return nil
	}
	return content
}

// sharingCandidate tells whether one more mapping, plus offset more
// in the future, fits under the sharing cap.
func (t *stableTree) sharingCandidate(n *StableNode, offset int) bool {
	n.checkRefLen()
	return n.refLen >= 0 && n.refLen+offset < t.maxSharing
}

// search looks the content up in the tree.
//
// Outcomes:
//   - dup != nil: a merged page with identical content and spare
//     capacity; the caller may redirect the mapping onto dup.page.
//   - dup == nil && full: identical content exists but every holder
//     is at the sharing cap; the caller creates a new dup.
//   - dup == nil && !full: no identical content in the tree.
//
// Stale nodes discovered on the way are pruned and the walk restarts.
func (t *stableTree) search(content []byte) (dup *StableNode, full bool) {
again:
	n := t.root
	for n != nil {
		var cmpContent []byte
		var found *StableNode
		if n.isChain() {
			found, cmpContent = t.chainLookup(n)
			if cmpContent == nil {
				// all dups stale, chain removed inside chainLookup
				goto again
			}
		} else {
			cmpContent = t.mergedPageContent(n)
			if cmpContent == nil {
				t.removeStale(n)
				goto again
			}
			if t.sharingCandidate(n, 0) {
				found = n
			}
		}
		switch cmp := bytes.Compare(content, cmpContent); {
		case cmp < 0:
			n = n.left
		case cmp > 0:
			n = n.right
		default:
			if found == nil {
				return nil, true
			}
			return found, false
		}
	}
	return nil, false
}

// insert adds a freshly merged page to the tree. The page must
// already be write-protected. If identical content is already
// present (possible when the existing holders are all at the cap),
// the page is attached as a dup instead of a second tree position.
func (t *stableTree) insert(page PageID, content []byte) *StableNode {
	node := &StableNode{kind: stableRegular, page: page, stamp: t.nextStamp}
	t.nextStamp++

	var parent *StableNode
	link := &t.root
	for *link != nil {
		parent = *link
		var cmpContent []byte
		if parent.isChain() {
			_, cmpContent = t.chainLookup(parent)
			if cmpContent == nil {
				link = &t.root
				parent = nil
				continue
			}
		} else {
			cmpContent = t.mergedPageContent(parent)
			if cmpContent == nil {
				t.removeStale(parent)
				link = &t.root
				parent = nil
				continue
			}
		}
		switch cmp := bytes.Compare(content, cmpContent); {
		case cmp < 0:
			link = &parent.left
		case cmp > 0:
			link = &parent.right
		default:
			// identical content already indexed: chain it
			chain := parent
			if !chain.isChain() {
				chain = t.makeChain(parent)
			}
			t.addDup(chain, node)
			t.vm.SetMergedStamp(page, node.stamp)
			return node
		}
	}
	node.parent = parent
	*link = node
	t.vm.SetMergedStamp(page, node.stamp)
	return node
}

// appendRef attaches one mapping to a merged page's reference list.
func (t *stableTree) appendRef(n *StableNode, rec *MappingRecord) {
	n.checkRefLen()
	n.refs = append(n.refs, rec)
	n.refLen++
	rec.kind = refStable
	rec.stable = n
	switch {
	case n.refLen == 1:
		t.stats.addShared(1)
	case n.refLen >= 3:
		t.stats.addSharing(1)
	}
}

// removeRef detaches one mapping. The node is freed once its
// reference list drains; an emptied dup leaves its chain for lazy
// pruning.
func (t *stableTree) removeRef(n *StableNode, rec *MappingRecord) {
	n.checkRefLen()
	for i, r := range n.refs {
		if r == rec {
			n.refs = append(n.refs[:i], n.refs[i+1:]...)
			n.refLen--
			break
		}
	}
	rec.resetRef()
	switch {
	case n.refLen >= 2:
		t.stats.addSharing(-1)
	case n.refLen == 0:
		t.stats.addShared(-1)
		t.release(n)
	}
}

// removeStale drops a node whose page no longer claims it: the
// mappings it listed are stale too, so they revert to untracked and
// the counters unwind.
func (t *stableTree) removeStale(n *StableNode) {
	t.dropAllRefsQuiet(n)
	if n.kind == stableDup {
		t.dropDup(n)
		return
	}
	t.unlink(n)
}

// release drops an empty node from its owning structure.
func (t *stableTree) release(n *StableNode) {
	if n.page != 0 && t.vm.MergedStamp(n.page) == n.stamp {
		t.vm.SetMergedStamp(n.page, 0)
	}
	switch n.kind {
	case stableDup:
		t.dropDup(n)
	default:
		t.unlink(n)
	}
}

// unlink removes a tree-resident node (regular or chain) with a
// standard binary tree deletion. Ordering of the remaining nodes is
// unaffected because merged content is immutable while protected.
func (t *stableTree) unlink(n *StableNode) {
	if n.kind == stableChain {
		t.stats.addChains(-1)
	}
	replaceIn := func(old, new *StableNode) {
		if new != nil {
			new.parent = old.parent
		}
		switch {
		case old.parent == nil:
			t.root = new
		case old.parent.left == old:
			old.parent.left = new
		default:
			old.parent.right = new
		}
	}
	switch {
	case n.left == nil:
		replaceIn(n, n.right)
	case n.right == nil:
		replaceIn(n, n.left)
	default:
		// replace with in-order successor
		succ := n.right
		for succ.left != nil {
			succ = succ.left
		}
		if succ.parent != n {
			replaceIn(succ, succ.right)
			succ.right = n.right
			succ.right.parent = succ
		}
		succ.left = n.left
		succ.left.parent = succ
		replaceIn(n, succ)
	}
	n.left, n.right, n.parent = nil, nil, nil
}

// replaceNode swaps new into old's tree position.
func (t *stableTree) replaceNode(old, new *StableNode) {
	new.left, new.right, new.parent = old.left, old.right, old.parent
	if new.left != nil {
		new.left.parent = new
	}
	if new.right != nil {
		new.right.parent = new
	}
	switch {
	case old.parent == nil:
		t.root = new
	case old.parent.left == old:
		old.parent.left = new
	default:
		old.parent.right = new
	}
	old.left, old.right, old.parent = nil, nil, nil
}

// walkNodes visits every regular and dup node in the tree.
func (t *stableTree) walkNodes(visit func(*StableNode)) {
	var walk func(*StableNode)
	walk = func(n *StableNode) {
		if n == nil {
			return
		}
		walk(n.left)
		right := n.right
		if n.isChain() {
			for _, d := range append([]*StableNode{}, n.dups...) {
				visit(d)
			}
		} else {
			visit(n)
		}
		walk(right)
	}
	walk(t.root)
}
