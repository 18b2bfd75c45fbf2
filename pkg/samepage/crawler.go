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

// The crawler decides which address spaces join each scan round. The
// first InitialRounds rounds are full scans on a short timer so a
// fresh engine reaches steady state fast; after that a full scan runs
// on the periodic deadline and partial scans run on dormancy events,
// newcomers and VIP reinforcement.

// settleDelay lets dormancy events batch before a partial admission.
const settleDelay = 100 * time.Millisecond

func (e *Engine) crawlerLoop(stopCh chan struct{}) {
	defer e.wg.Done()
	lastFull := time.Time{}

	for {
		cfg := e.configSnapshot()
		req, ok := e.waitTrigger(stopCh, cfg, lastFull)
		if !ok {
			return
		}
		if atomic.LoadInt32(&e.unmergePending) != 0 {
			continue
		}
		if !req.full {
			// settle, then fold in triggers that piled up
			if !sleepOrStop(stopCh, settleDelay) {
				return
			}
			req = e.drainTriggers(req)
		}
		admitted := e.admit(req.full, cfg)
		if req.full {
			lastFull = time.Now()
		}
		if admitted == 0 {
			if e.Mode() == RunOneshot {
				e.oneshotDone()
				return
			}
			continue
		}
		e.startRound(req.full)
		select {
		case <-stopCh:
			return
		case <-e.roundDone:
		}
		// the scan time already consumed counts against the pacing
		// interval
		pace := time.Duration(cfg.CrawlSleepMillisecs) * time.Millisecond
		if scanned := e.stats.snapshot().LastScanTime; scanned < pace {
			pace -= scanned
		} else {
			pace = 0
		}
		if !sleepOrStop(stopCh, pace) {
			return
		}
	}
}

// waitTrigger blocks until the next admission is due: during the
// initial phase a short timer drives full rounds, afterwards an
// explicit trigger or the full-scan deadline.
func (e *Engine) waitTrigger(stopCh chan struct{}, cfg Config, lastFull time.Time) (crawlRequest, bool) {
	if e.crawlRound() < uint64(cfg.InitialRounds) {
		if !sleepOrStop(stopCh, time.Duration(cfg.CrawlSleepMillisecs)*time.Millisecond) {
			return crawlRequest{}, false
		}
		req := e.drainTriggers(crawlRequest{})
		req.full = true
		return req, true
	}

	wait := time.Until(lastFull.Add(time.Duration(cfg.FullScanIntervalMillisecs) * time.Millisecond))
	if wait <= 0 {
		return e.drainTriggers(crawlRequest{full: true}), true
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-stopCh:
		return crawlRequest{}, false
	case req := <-e.crawlTrigger:
		return req, true
	case <-t.C:
		return crawlRequest{full: true}, true
	}
}

// drainTriggers folds queued wakes into one request.
func (e *Engine) drainTriggers(req crawlRequest) crawlRequest {
	for {
		select {
		case extra := <-e.crawlTrigger:
			req.full = req.full || extra.full
			req.oneshot = req.oneshot || extra.oneshot
		default:
			return req
		}
	}
}

// admit builds the scan set for one round and returns its size.
func (e *Engine) admit(full bool, cfg Config) int {
	admitted := 0

	// dormancy-signaled tasks first, they carry the frozen fast
	// path through the initial rounds
	shortTask := time.Duration(cfg.ShortTaskMillisecs) * time.Millisecond
	for _, ts := range e.reg.takeTaskSlots() {
		if e.vm.TaskRuntime(ts.task) < shortTask {
			log.Debugf("task %d skipped: runtime below %v", ts.task, shortTask)
			continue
		}
		id, ok := e.vm.TaskSpace(ts.task)
		if !ok {
			continue
		}
		if e.admitSpace(id, ts.frozen) {
			admitted++
		}
	}

	if full {
		for _, id := range e.vm.Spaces() {
			if e.admitSpace(id, false) {
				admitted++
			}
		}
		return admitted
	}

	// newcomers announced since the last round
	for _, s := range e.reg.allSlots() {
		if s.State() == SlotNew {
			if e.admitSpace(s.id, false) {
				admitted++
			}
		}
	}

	// VIP reinforcement: best historical mergers re-enter up to the
	// in-flight cap; a VIP whose space has not faulted since its
	// last scan has nothing new to offer and stays in the index
	headroom := cfg.MaxVIPs - e.reg.scanListLen()
	if headroom <= 0 {
		return admitted
	}
	taken, dropped := e.reg.vipTake(headroom, func(s *AddressSpaceSlot) (bool, bool) {
		sp, ok := e.vm.Space(s.id)
		if !ok {
			return false, true
		}
		return sp.FaultCount() != s.faultCnt, false
	})
	for _, s := range dropped {
		e.reg.deferRemove(s)
		e.stats.addTrackedSpaces(-1)
	}
	for _, s := range taken {
		if sp, ok := e.vm.Space(s.id); ok {
			if e.admitSlot(s, sp, false) {
				admitted++
			}
		}
	}
	return admitted
}

// admitSpace resolves the space and files its slot into the scan set.
func (e *Engine) admitSpace(id SpaceID, frozen bool) bool {
	sp, ok := e.vm.Space(id)
	if !ok {
		if s := e.reg.slot(id); s != nil {
			e.reg.vipRemove(s)
			e.reg.deferRemove(s)
			e.stats.addTrackedSpaces(-1)
		}
		return false
	}
	s, created := e.reg.getOrCreateSlot(id)
	if created {
		e.stats.addTrackedSpaces(1)
	}
	e.reg.vipRemove(s)
	return e.admitSlot(s, sp, frozen)
}

// admitSlot pushes one slot into the scan set and refreshes its
// admission snapshot. A grown or shrunken space gets its checksums
// invalidated so the stability gate re-proves every page.
func (e *Engine) admitSlot(s *AddressSpaceSlot, sp AddressSpace, frozen bool) bool {
	if !e.reg.pushScan(s) {
		return false
	}
	target := SlotListed
	if frozen {
		target = SlotFrozen
	}
	if s.State() != target {
		if err := s.transition(target); err != nil {
			log.Errorf("admit space %d: %v", s.id, err)
		}
	}
	size := sp.SizeEstimate()
	if s.nrScans > 0 && size != s.scanningSize {
		s.invalidateChecksums()
	}
	s.scanningSize = size
	s.faultCnt = sp.FaultCount()
	return true
}

// startRound opens a new scan round: a fresh unstable tree, cleared
// round counters and a scanner wake. Partial rounds run boosted.
func (e *Engine) startRound(full bool) {
	round := atomic.AddUint64(&e.round, 1)
	e.stats.addCrawlRounds(1)
	if full {
		e.stats.addFullScans(1)
	} else {
		atomic.StoreInt32(&e.partial, 1)
	}
	e.stats.resetRound()
	e.mu.Lock()
	e.unstable = newUnstableTree(round)
	e.mu.Unlock()
	log.Debugf("round %d started (full=%v, %d slots)", round, full, e.reg.scanListLen())
	e.wakeScanner()
}
