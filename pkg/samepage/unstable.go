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

type unstableNode struct {
	left, right, parent *unstableNode
	rec                 *MappingRecord
}

// unstableTree indexes this round's speculative candidates by content
// ordering. Entries carry no page reference and are not protected, so
// every comparison re-reads the entry's current content; a checksum
// match is never sufficient. The whole tree is discarded when the
// round advances.
type unstableTree struct {
	root  *unstableNode
	round uint64
}

func newUnstableTree(round uint64) *unstableTree {
	return &unstableTree{round: round}
}

// entryContent re-resolves a tree entry's current page. nil when the
// entry's mapping is gone; the entry is then dead weight until the
// round ends.
func (t *unstableTree) entryContent(vm VM, rec *MappingRecord) []byte {
	space, ok := vm.Space(rec.space)
	if !ok {
		return nil
	}
	_, content, ok := space.ReadPage(rec.addr)
	if !ok {
		return nil
	}
	return content
}

// searchInsert walks the round's index comparing full content. On a
// byte-identical match the matching candidate and its just-read
// content are returned; otherwise rec is inserted at its ordered
// position and nil is returned.
func (t *unstableTree) searchInsert(vm VM, rec *MappingRecord, content []byte, stats *Stats) (*MappingRecord, []byte) {
	var parent *unstableNode
	link := &t.root
	for *link != nil {
		parent = *link
		treeRec := parent.rec
		treeContent := t.entryContent(vm, treeRec)
		if treeContent == nil {
			// mapping vanished mid-round; skip deterministically left
			link = &parent.left
			continue
		}
		if treeRec.space == rec.space && treeRec.addr == rec.addr {
			return nil, nil
		}
		switch cmp := bytes.Compare(content, treeContent); {
		case cmp < 0:
			link = &parent.left
		case cmp > 0:
			link = &parent.right
		default:
			return treeRec, treeContent
		}
	}
	node := &unstableNode{parent: parent, rec: rec}
	*link = node
	rec.kind = refUnstable
	rec.unode = node
	rec.round = t.round
	stats.addUnshared(1)
	return nil, nil
}

// erase removes one entry, used when a candidate of the current round
// is promoted or its record is torn down. Entries of past rounds need
// no erase: their tree is already gone.
func (t *unstableTree) erase(node *unstableNode) {
	replaceIn := func(old, new *unstableNode) {
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
	case node.left == nil:
		replaceIn(node, node.right)
	case node.right == nil:
		replaceIn(node, node.left)
	default:
		succ := node.right
		for succ.left != nil {
			succ = succ.left
		}
		if succ.parent != node {
			replaceIn(succ, succ.right)
			succ.right = node.right
			succ.right.parent = succ
		}
		succ.left = node.left
		succ.left.parent = succ
		replaceIn(node, succ)
	}
	node.left, node.right, node.parent = nil, nil, nil
}
