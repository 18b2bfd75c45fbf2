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

// The merge decision engine: one scanned page enters, the trees and
// counters leave consistent. All merge failures are transient; the
// page is simply revisited on a later round.

// removeMappingRef detaches a record from whichever tree holds it.
// Detaching a stable reference is a break: the address space stops
// sharing that page.
func (e *Engine) removeMappingRef(rec *MappingRecord) {
	switch rec.kind {
	case refStable:
		n := rec.stable
		tree := e.stableTreeOf(n)
		tree.removeRef(n, rec)
		e.stats.addRoundBroken(1)
		e.slotBroken++
	case refUnstable:
		if rec.round == e.unstable.round && rec.unode != nil {
			e.unstable.erase(rec.unode)
		}
		e.stats.addUnshared(-1)
		rec.resetRef()
	}
}

// mergeWithStablePage write-protects the mapping and redirects it
// onto an existing merged page. The protect step re-verifies content
// so a checksum collision can never cause an incorrect merge.
func (e *Engine) mergeWithStablePage(sp AddressSpace, rec *MappingRecord, content []byte, target PageID) error {
	if !e.vm.ContentEqual(target, content) {
		return ErrContentChanged
	}
	if err := sp.WriteProtect(rec.addr, content); err != nil {
		return err
	}
	if err := sp.ReplaceWith(rec.addr, target); err != nil {
		sp.BreakProtection(rec.addr)
		return err
	}
	return nil
}

// mergeTwoPages promotes the scanned page in place and redirects the
// partner candidate onto it. Either failure rolls the promotion back
// so no orphaned half-merge is left behind. Returns the merged page
// or 0.
func (e *Engine) mergeTwoPages(sp AddressSpace, rec *MappingRecord, content []byte, partner *MappingRecord) PageID {
	psp, ok := e.vm.Space(partner.space)
	if !ok {
		return 0
	}
	kpage, _, ok := sp.ReadPage(rec.addr)
	if !ok {
		return 0
	}
	if err := sp.WriteProtect(rec.addr, content); err != nil {
		logMergeFailf("protect %d@%x: %v", rec.space, rec.addr, err)
		return 0
	}
	if err := psp.WriteProtect(partner.addr, content); err != nil {
		sp.BreakProtection(rec.addr)
		logMergeFailf("protect partner %d@%x: %v", partner.space, partner.addr, err)
		return 0
	}
	if err := psp.ReplaceWith(partner.addr, kpage); err != nil {
		psp.BreakProtection(partner.addr)
		sp.BreakProtection(rec.addr)
		logMergeFailf("replace %d@%x: %v", partner.space, partner.addr, err)
		return 0
	}
	return kpage
}

// mergeZeroPage points an all-zero mapping at the shared zero page.
func (e *Engine) mergeZeroPage(sp AddressSpace, rec *MappingRecord, content []byte) bool {
	zero := e.vm.ZeroPage()
	if !e.vm.ContentEqual(zero, content) {
		return false
	}
	if err := sp.WriteProtect(rec.addr, content); err != nil {
		return false
	}
	if err := sp.ReplaceWith(rec.addr, zero); err != nil {
		sp.BreakProtection(rec.addr)
		return false
	}
	return true
}

// compareAndMerge classifies one scanned page. Called with the engine
// lock held, once per scan step.
func (e *Engine) compareAndMerge(rec *MappingRecord, page PageID, content []byte) {
	cfg := e.configSnapshot()
	sp, ok := e.vm.Space(rec.space)
	if !ok {
		return
	}
	tree := e.stableTreeFor(e.vm.Domain(page))

	// Already merged and attributed to the entry that still owns
	// the page: nothing to do.
	if rec.kind == refStable && rec.stable != nil &&
		rec.stable.page == page && e.vm.MergedStamp(page) == rec.stable.stamp {
		return
	}

	// A mapping sitting on the shared zero page stays merged until
	// a write fault moves it off; rescanning it is a no-op.
	if page == e.vm.ZeroPage() {
		return
	}

	dup, full := tree.search(content)
	if dup != nil && rec.kind == refStable && rec.stable == dup && dup.page == page {
		return
	}

	e.removeMappingRef(rec)

	if dup != nil {
		if dup.page == page {
			// same physical page, just reattach the mapping
			tree.appendRef(dup, rec)
			return
		}
		if err := e.mergeWithStablePage(sp, rec, content, dup.page); err != nil {
			logMergeFailf("merge %d@%x with stable page: %v", rec.space, rec.addr, err)
			return
		}
		tree.appendRef(dup, rec)
		e.noteMerged(rec)
		return
	}

	// The checksum always precedes the zero-page comparison so the
	// comparison never sees a stale value.
	checksum := calcChecksum(content)
	stable := rec.checksumValid && rec.oldChecksum == checksum
	bypassGate := rec.frozen && e.crawlRound() <= uint64(cfg.InitialRounds)
	rec.oldChecksum = checksum
	rec.checksumValid = true
	// A capped stable match skips the stability gate: the content
	// is proven mergeable, the page only needs a partner to pair
	// up with in the unstable tree and become a dup.
	if !stable && !bypassGate && !full {
		return
	}

	if cfg.UseZeroPages && checksum == zeroChecksum {
		if e.mergeZeroPage(sp, rec, content) {
			e.stats.addRoundMerged(1)
			e.slotMerged++
			e.stats.zeroMerged()
			return
		}
	}

	partner, _ := e.unstable.searchInsert(e.vm, rec, content, e.stats)
	if partner == nil {
		return
	}
	kpage := e.mergeTwoPages(sp, rec, content, partner)
	if kpage == 0 {
		return
	}
	node := tree.insert(kpage, content)
	// the partner leaves the unstable tree as it becomes stable
	e.removeMappingRef(partner)
	tree.appendRef(node, partner)
	tree.appendRef(node, rec)
	e.noteMerged(partner)
	e.noteMerged(rec)
}

// noteMerged accounts one successful merge of one mapping and feeds
// the region filter.
func (e *Engine) noteMerged(rec *MappingRecord) {
	e.stats.addRoundMerged(1)
	e.slotMerged++
	e.regionNoteMerge(rec)
}
