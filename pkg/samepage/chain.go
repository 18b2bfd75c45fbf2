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

// Sharing chains: once a merged page's reference count would exceed
// the sharing cap, a second physical page with the same content is
// tracked as a dup under a chain node occupying the content's single
// tree position. Unbounded fan-in on one page would make reverse
// mapping walks of that page pathologically slow.

package samepage

import (
	"time"
)

// makeChain converts a regular node into a dup under a fresh chain
// that takes over the node's tree position.
func (t *stableTree) makeChain(n *StableNode) *StableNode {
	chain := &StableNode{
		kind:      stableChain,
		refLen:    chainRefSentinel,
		lastPrune: time.Now().UnixNano(),
	}
	t.replaceNode(n, chain)
	n.kind = stableDup
	n.chain = chain
	chain.dups = append(chain.dups, n)
	t.stats.addChains(1)
	t.stats.addDups(1)
	return chain
}

// addDup hangs a new merged page under a chain.
func (t *stableTree) addDup(chain, dup *StableNode) {
	dup.kind = stableDup
	dup.chain = chain
	chain.dups = append(chain.dups, dup)
	t.stats.addDups(1)
}

// dropDup removes an emptied or stale dup from its chain. An emptied
// chain stays in the tree; the next lookup that visits it prunes it.
func (t *stableTree) dropDup(dup *StableNode) {
	chain := dup.chain
	if chain == nil {
		return
	}
	for i, d := range chain.dups {
		if d == dup {
			chain.dups = append(chain.dups[:i], chain.dups[i+1:]...)
			t.stats.addDups(-1)
			break
		}
	}
	dup.chain = nil
}

// pruneDue rate-limits full chain walks; pruning on every lookup
// would make chain traversal cost quadratic in the dup count.
func (t *stableTree) pruneDue(chain *StableNode) bool {
	now := time.Now().UnixNano()
	if now-chain.lastPrune < t.pruneIntervalNs {
		return false
	}
	chain.lastPrune = now
	return true
}

// chainLookup selects a dup to merge into and the content to compare
// tree ordering against.
//
// Without a due prune the walk stops at the first dup with capacity;
// with one it visits every dup, drops stale entries, prefers the dup
// with the most references still under the cap, and collapses the
// chain back to a plain node when a single dup remains. A found dup
// with room for a further merge is moved to the front of the list to
// shorten future walks.
//
// cmpContent is nil only when no live dup remains, in which case the
// chain has been removed from the tree and the caller must restart.
func (t *stableTree) chainLookup(chain *StableNode) (found *StableNode, cmpContent []byte) {
	chain.checkRefLen()
	prune := t.pruneDue(chain)

	var foundContent []byte
	i := 0
	for i < len(chain.dups) {
		dup := chain.dups[i]
		content := t.mergedPageContent(dup)
		if content == nil {
			// stale: the page moved on without telling us
			t.dropAllRefsQuiet(dup)
			t.dropDup(dup)
			continue
		}
		if cmpContent == nil {
			cmpContent = content
		}
		if t.sharingCandidate(dup, 0) {
			if found == nil || dup.refLen > found.refLen {
				found = dup
				foundContent = content
				if !prune {
					break
				}
			}
		}
		i++
	}

	if found != nil {
		cmpContent = foundContent
		if prune && len(chain.dups) == 1 {
			// single dup left: collapse the chain in place
			t.replaceNode(chain, found)
			found.kind = stableRegular
			found.chain = nil
			t.stats.addChains(-1)
			t.stats.addDups(-1)
		} else if len(chain.dups) > 0 && chain.dups[0] != found && t.sharingCandidate(found, 1) {
			for j, d := range chain.dups {
				if d == found {
					copy(chain.dups[1:j+1], chain.dups[:j])
					chain.dups[0] = found
					break
				}
			}
		}
	}

	if len(chain.dups) == 0 {
		t.unlink(chain)
		return nil, nil
	}
	return found, cmpContent
}

// dropAllRefsQuiet detaches mappings of a stale dup without going
// through removeRef's release path (the dup is being dropped by the
// caller). Shared/sharing counters are still unwound.
func (t *stableTree) dropAllRefsQuiet(dup *StableNode) {
	for _, rec := range dup.refs {
		rec.resetRef()
	}
	switch {
	case dup.refLen >= 1:
		t.stats.addShared(-1)
		if dup.refLen > 2 {
			t.stats.addSharing(-int64(dup.refLen - 2))
		}
	}
	dup.refs = nil
	dup.refLen = 0
}
