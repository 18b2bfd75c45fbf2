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
	"sync/atomic"
	"time"
)

// The scanner walks admitted address spaces page by page under a
// budget, feeds each mapped page to the merge engine and keeps the
// per-slot mapping journal in sync with the space's current shape.

// scanState is the scanner goroutine's private working state.
type scanState struct {
	slot  *AddressSpaceSlot
	space AddressSpace
	areas []Area
	// region binding of the area under the cursor
	areaIdx int
	region  *Region

	slotStart  time.Time
	roundStart time.Time
	roundSlots int64
	active     bool
}

func (e *Engine) scannerLoop(stopCh chan struct{}) {
	defer e.wg.Done()
	st := &scanState{areaIdx: -1}
	for {
		select {
		case <-stopCh:
			return
		case <-e.scanWake:
		}
		e.scanUntilDrained(stopCh, st)
	}
}

// scanUntilDrained consumes the scan set one budget-sized batch at a
// time, sleeping between batches, until the set empties and the round
// wraps up.
func (e *Engine) scanUntilDrained(stopCh chan struct{}, st *scanState) {
	for {
		select {
		case <-stopCh:
			return
		default:
		}
		if e.underPressure() {
			// reclaim in progress, keep off the trees
			if !sleepOrStop(stopCh, 100*time.Millisecond) {
				return
			}
			continue
		}
		if st.slot == nil && !e.takeSlot(st) {
			if st.active {
				e.roundWrapUp(st)
			}
			return
		}
		if e.scanBatch(st) {
			e.retireSlot(st)
			continue
		}
		cfg := e.configSnapshot()
		if !sleepOrStop(stopCh, time.Duration(cfg.SleepMillisecs)*time.Millisecond) {
			return
		}
	}
}

// takeSlot pulls the next admitted slot off the scan set and takes
// ownership of its cursor and journal.
func (e *Engine) takeSlot(st *scanState) bool {
	s := e.reg.popScan()
	if s == nil {
		return false
	}
	if !st.active {
		st.active = true
		st.roundStart = time.Now()
		st.roundSlots = 0
	}
	st.slot = s
	st.space = nil
	st.areas = nil
	st.areaIdx = -1
	st.region = nil
	st.slotStart = time.Now()
	e.mu.Lock()
	e.slotMerged = 0
	e.slotBroken = 0
	e.mu.Unlock()
	if sp, ok := e.vm.Space(s.id); ok {
		st.space = sp
		st.areas = sp.Areas()
	}
	log.Debugf("scanning space %d (%s), %d areas", s.id, s.state, len(st.areas))
	return true
}

// scanBatch runs one budget worth of scan steps on the current slot.
// Returns true when the slot has no pages left this round.
func (e *Engine) scanBatch(st *scanState) bool {
	if st.space == nil {
		// space exited between admission and scan
		return true
	}
	cfg := e.configSnapshot()
	budget := cfg.PagesToScan
	if atomic.LoadInt32(&e.partial) != 0 {
		budget = cfg.BoostedPagesToScan
	}
	// skipped offsets are nearly free; bound them separately so a
	// fully filtered space cannot spin the wake forever
	steps := budget * 16

	for budget > 0 && steps > 0 {
		steps--
		addr, area, ok := e.cursorAdvance(st)
		if !ok {
			return true
		}
		if !e.scanStep(st, addr, area) {
			continue
		}
		budget--
	}
	return false
}

// cursorAdvance finds the next address covered by a qualifying area,
// moving the cursor over gaps. ok is false at end of address space.
func (e *Engine) cursorAdvance(st *scanState) (uint64, *Area, bool) {
	c := &st.slot.cursor
	for i := range st.areas {
		a := &st.areas[i]
		if c.addr >= a.End {
			continue
		}
		if c.addr < a.Start {
			c.addr = a.Start
		}
		if st.areaIdx != i {
			st.areaIdx = i
			st.region = nil
			if e.configSnapshot().FilterEnabled {
				st.region = e.regions.attach(st.slot, a)
			}
		}
		return c.addr, a, true
	}
	return 0, nil, false
}

// scanStep processes one page address: splices the mapping journal,
// reads the page and hands it to the merge engine. Returns false when
// the address was skipped without page work.
func (e *Engine) scanStep(st *scanState, addr uint64, area *Area) bool {
	s := st.slot
	next := addr + constUPagesize

	if !e.regions.trackable(s.id, area, addr) {
		e.passOver(s, addr, next)
		return false
	}

	idx := (addr - area.Start) / constUPagesize
	if st.region != nil && e.regions.skip(st.region, idx) {
		// keep any journal entry: a merged mapping at a
		// filtered offset stays merged
		e.cursorKeep(s, addr, next)
		return false
	}

	page, content, ok := st.space.ReadPage(addr)
	if !ok {
		e.passOver(s, addr, next)
		return false
	}

	e.mu.Lock()
	rec := e.journalAt(s, addr)
	rec.frozen = s.state == SlotFrozen
	rec.region = st.region
	rec.regionIdx = idx
	e.compareAndMerge(rec, page, content)
	s.cursor.pos = &rec.next
	s.cursor.addr = next
	e.mu.Unlock()
	return true
}

// journalAt splices the journal at the cursor: records for addresses
// the cursor passed over are dead and removed, the record for addr is
// reused or created in address order. Called with the engine lock
// held; the cursor position is left pointing at the returned record.
func (e *Engine) journalAt(s *AddressSpaceSlot, addr uint64) *MappingRecord {
	pos := s.cursor.pos
	for *pos != nil && (*pos).addr < addr {
		dead := *pos
		*pos = dead.next
		e.removeMappingRef(dead)
		e.stats.addMappingRecords(-1)
	}
	if *pos != nil && (*pos).addr == addr {
		s.cursor.pos = pos
		return *pos
	}
	rec := &MappingRecord{space: s.id, addr: addr, next: *pos}
	*pos = rec
	s.cursor.pos = pos
	e.stats.addMappingRecords(1)
	return rec
}

// passOver advances the cursor over an address that is no longer
// scannable, dropping any journal entry for it.
func (e *Engine) passOver(s *AddressSpaceSlot, addr, next uint64) {
	e.mu.Lock()
	pos := s.cursor.pos
	for *pos != nil && (*pos).addr < next {
		dead := *pos
		*pos = dead.next
		e.removeMappingRef(dead)
		e.stats.addMappingRecords(-1)
	}
	s.cursor.pos = pos
	s.cursor.addr = next
	e.mu.Unlock()
}

// cursorKeep advances the cursor over an address whose journal entry
// must survive untouched.
func (e *Engine) cursorKeep(s *AddressSpaceSlot, addr, next uint64) {
	e.mu.Lock()
	pos := s.cursor.pos
	for *pos != nil && (*pos).addr < addr {
		dead := *pos
		*pos = dead.next
		e.removeMappingRef(dead)
		e.stats.addMappingRecords(-1)
	}
	if *pos != nil && (*pos).addr == addr {
		pos = &(*pos).next
	}
	s.cursor.pos = pos
	s.cursor.addr = next
	e.mu.Unlock()
}

// retireSlot finishes one slot's round: trailing journal entries of
// shrunken areas are dropped, the merge window folds, and the slot is
// refiled into the VIP index under its new rolling sum.
func (e *Engine) retireSlot(st *scanState) {
	s := st.slot
	st.slot = nil
	st.space = nil
	st.areas = nil
	st.areaIdx = -1
	st.region = nil

	e.mu.Lock()
	pos := s.cursor.pos
	for *pos != nil {
		dead := *pos
		*pos = dead.next
		e.removeMappingRef(dead)
		e.stats.addMappingRecords(-1)
	}
	merged := e.slotMerged
	broken := e.slotBroken
	e.slotMerged = 0
	e.slotBroken = 0
	e.mu.Unlock()

	s.resetCursor()
	if e.reg.slot(s.id) != s {
		// destroyed mid-round; teardown happens at wrap-up
		return
	}
	if err := s.transition(SlotScanned); err != nil {
		log.Errorf("retire: %v", err)
	}
	sum := s.foldMergeWindow(merged)
	s.nrScans++
	s.elapsed += time.Since(st.slotStart)
	st.roundSlots++
	e.stats.addScannedSlots(1)
	e.regions.roundScanned(s)
	e.reg.vipInsert(s)
	log.Debugf("space %d retired: merged %d, broken %d, rolling %d, %v scanned total",
		s.id, merged, broken, sum, s.elapsed)
}

// roundWrapUp publishes the finished round and flushes teardown.
func (e *Engine) roundWrapUp(st *scanState) {
	st.active = false
	elapsed := time.Since(st.roundStart)
	perSlot := time.Duration(0)
	if st.roundSlots > 0 {
		perSlot = elapsed / time.Duration(st.roundSlots)
	}
	e.stats.setScanTimes(elapsed, perSlot)

	ss := e.stats.snapshot()
	log.Debugf("round %d done: %d slots in %v, merged %d, broken %d",
		e.crawlRound(), st.roundSlots, elapsed, ss.RoundMerged, ss.RoundBroken)

	e.flushRemoved()
	atomic.StoreInt32(&e.partial, 0)

	select {
	case e.roundDone <- struct{}{}:
	default:
	}
	e.oneshotDone()
}

// sleepOrStop sleeps for d unless the stop channel closes first.
func sleepOrStop(stopCh chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stopCh:
		return false
	case <-t.C:
		return true
	}
}
