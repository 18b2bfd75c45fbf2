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
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
)

// RunMode is the engine's requested operating mode.
type RunMode int

const (
	// RunStop halts both workers; merged pages stay merged.
	RunStop RunMode = iota
	// RunMerge runs the crawler and scanner continuously.
	RunMerge
	// RunOneshot performs a single crawl-and-scan pass, then stops.
	RunOneshot
	// RunUnmerge stops the workers and reverts every merge.
	RunUnmerge
)

var runModeNames = map[RunMode]string{
	RunStop:    "stop",
	RunMerge:   "merge",
	RunOneshot: "oneshot",
	RunUnmerge: "unmerge",
}

func (m RunMode) String() string {
	if name, ok := runModeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("mode-%d", int(m))
}

// Engine ties the trees, the registry and the two workers together.
// One coarse mutex serializes all tree and journal mutation; the
// scanner holds it per scan step, the control surface per call, so
// neither can observe half-applied tree surgery.
type Engine struct {
	mu sync.Mutex

	vm    VM
	stats *Stats
	reg   *registry

	// cfgMu guards cfg only. Lock order: mu before cfgMu.
	cfgMu sync.RWMutex
	cfg   Config

	// tree-shape tunables cached under mu so the merge path never
	// needs cfgMu to place a page
	crossDomain bool
	maxSharing  int
	pruneNs     int64

	// trees is keyed by memory domain; with MergeAcrossDomains all
	// pages land in the tree for domain 0.
	trees    map[int]*stableTree
	unstable *unstableTree

	regions *regionIndex

	// round is the crawl round counter, advanced by the crawler,
	// read by the merge path for round-tagged unstable entries.
	round uint64

	// per-slot scan accounting, owned by the scanner between
	// taking a slot and retiring it
	slotMerged int
	slotBroken int

	mode           int32 // RunMode, atomic
	pressure       int32 // nonzero while reclaim pressure is raised
	unmergePending int32
	// partial marks the in-flight round as event-triggered; the
	// scanner runs the boosted budget until round wrap-up.
	partial int32

	// crawlTrigger carries at most one pending wake for the
	// crawler; posting never blocks the caller.
	crawlTrigger chan crawlRequest
	scanWake     chan struct{}
	// roundDone carries at most one round-completion notice back
	// to the crawler for pacing.
	roundDone chan struct{}

	workerMu sync.Mutex
	stopCh   chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// crawlRequest asks the crawler for one admission pass.
type crawlRequest struct {
	full    bool
	oneshot bool
}

// NewEngine creates an engine over the given VM collaborator with
// default configuration.
func NewEngine(vm VM) *Engine {
	e := &Engine{
		vm:           vm,
		stats:        &Stats{},
		reg:          newRegistry(),
		trees:        make(map[int]*stableTree),
		crawlTrigger: make(chan crawlRequest, 1),
		scanWake:     make(chan struct{}, 1),
		roundDone:    make(chan struct{}, 1),
	}
	if err := json.Unmarshal([]byte(configDefaults), &e.cfg); err != nil {
		log.Fatalf("bad engine config defaults: %v", err)
	}
	e.crossDomain = e.cfg.MergeAcrossDomains
	e.maxSharing = e.cfg.MaxPageSharing
	e.pruneNs = int64(e.cfg.ChainPruneMillisecs) * int64(time.Millisecond)
	e.unstable = newUnstableTree(1)
	e.regions = newRegionIndex(e.stats)
	return e
}

// applyConfigLocked pushes tunables that live inside other components
// down to them. Called with the engine lock held.
func (e *Engine) applyConfigLocked() {
	cfg := e.configSnapshot()
	e.crossDomain = cfg.MergeAcrossDomains
	e.maxSharing = cfg.MaxPageSharing
	e.pruneNs = int64(cfg.ChainPruneMillisecs) * int64(time.Millisecond)
	for _, t := range e.trees {
		t.maxSharing = e.maxSharing
		t.pruneIntervalNs = e.pruneNs
	}
}

// stableTreeFor returns the match tree for a memory domain, creating
// it on first use. Called with the engine lock held.
func (e *Engine) stableTreeFor(domain int) *stableTree {
	if e.crossDomain {
		domain = 0
	}
	t, ok := e.trees[domain]
	if !ok {
		t = newStableTree(e.vm, e.stats, e.maxSharing, e.pruneNs)
		e.trees[domain] = t
	}
	return t
}

// stableTreeOf returns the tree owning a node. A page's domain never
// changes while the node holds it, so the domain lookup is exact.
func (e *Engine) stableTreeOf(n *StableNode) *stableTree {
	return e.stableTreeFor(e.vm.Domain(n.page))
}

// treesEmptyLocked reports whether no merged pages exist. Called with
// the engine lock held.
func (e *Engine) treesEmptyLocked() bool {
	for _, t := range e.trees {
		if !t.empty() {
			return false
		}
	}
	return true
}

func (e *Engine) crawlRound() uint64 {
	return atomic.LoadUint64(&e.round)
}

// Mode returns the current run mode.
func (e *Engine) Mode() RunMode {
	return RunMode(atomic.LoadInt32(&e.mode))
}

// Stats returns a point-in-time snapshot of the engine counters.
func (e *Engine) Stats() StatsSnapshot {
	return e.stats.snapshot()
}

// SetReclaimPressure raises or clears the reclaim-pressure gate. While
// raised, both workers pause instead of mutating the match trees.
func (e *Engine) SetReclaimPressure(on bool) {
	if on {
		atomic.StoreInt32(&e.pressure, 1)
	} else {
		atomic.StoreInt32(&e.pressure, 0)
	}
}

func (e *Engine) underPressure() bool {
	return atomic.LoadInt32(&e.pressure) != 0
}

// SetRun requests an operating mode, mirroring the original control
// file: stop, merge, oneshot and unmerge.
func (e *Engine) SetRun(mode RunMode) error {
	switch mode {
	case RunStop:
		e.stopWorkers()
		atomic.StoreInt32(&e.mode, int32(RunStop))
	case RunMerge:
		atomic.StoreInt32(&e.mode, int32(RunMerge))
		e.startWorkers()
		e.postCrawl(crawlRequest{full: true})
	case RunOneshot:
		atomic.StoreInt32(&e.mode, int32(RunOneshot))
		e.startWorkers()
		e.postCrawl(crawlRequest{full: true, oneshot: true})
	case RunUnmerge:
		atomic.StoreInt32(&e.unmergePending, 1)
		e.stopWorkers()
		atomic.StoreInt32(&e.mode, int32(RunUnmerge))
		err := e.UnmergeAll(context.Background())
		atomic.StoreInt32(&e.unmergePending, 0)
		atomic.StoreInt32(&e.mode, int32(RunStop))
		return err
	default:
		return fmt.Errorf("invalid run mode %d", int(mode))
	}
	return nil
}

// Start runs the crawler and scanner, equivalent to SetRun(RunMerge).
func (e *Engine) Start() {
	if err := e.SetRun(RunMerge); err != nil {
		log.Errorf("start: %v", err)
	}
}

// Stop halts the workers and waits for them to exit.
func (e *Engine) Stop() {
	if err := e.SetRun(RunStop); err != nil {
		log.Errorf("stop: %v", err)
	}
}

func (e *Engine) startWorkers() {
	e.workerMu.Lock()
	defer e.workerMu.Unlock()
	if e.running {
		return
	}
	e.stopCh = make(chan struct{})
	e.running = true
	e.wg.Add(2)
	go e.crawlerLoop(e.stopCh)
	go e.scannerLoop(e.stopCh)
	log.Debugf("workers started")
}

func (e *Engine) stopWorkers() {
	e.workerMu.Lock()
	if !e.running {
		e.workerMu.Unlock()
		return
	}
	close(e.stopCh)
	e.running = false
	e.workerMu.Unlock()
	e.wg.Wait()
	log.Debugf("workers stopped")
}

// oneshotDone is called by the scanner at round wrap-up; in oneshot
// mode the engine falls back to stopped after a single pass.
func (e *Engine) oneshotDone() {
	if e.Mode() != RunOneshot {
		return
	}
	atomic.StoreInt32(&e.mode, int32(RunStop))
	// cannot join the workers from inside one of them
	e.workerMu.Lock()
	if e.running {
		close(e.stopCh)
		e.running = false
	}
	e.workerMu.Unlock()
}

// postCrawl hands a wake to the crawler without ever blocking. A full
// request pending in the buffer is never downgraded by a partial one.
func (e *Engine) postCrawl(req crawlRequest) {
	for {
		select {
		case e.crawlTrigger <- req:
			return
		default:
		}
		select {
		case old := <-e.crawlTrigger:
			if old.full {
				req.full = true
			}
			if old.oneshot {
				req.oneshot = true
			}
		default:
		}
	}
}

func (e *Engine) wakeScanner() {
	select {
	case e.scanWake <- struct{}{}:
	default:
	}
}

// TriggerScan requests one admission pass without changing the run
// mode. full selects a full round over every tracked space.
func (e *Engine) TriggerScan(full bool) {
	e.postCrawl(crawlRequest{full: full})
}

// OnAddressSpaceCreated makes a new address space known. The space is
// admitted by the crawler's newcomer pass on its next cycle.
func (e *Engine) OnAddressSpaceCreated(id SpaceID) {
	if _, created := e.reg.getOrCreateSlot(id); created {
		e.stats.addTrackedSpaces(1)
	}
	e.postCrawl(crawlRequest{})
}

// OnAddressSpaceDestroyed schedules slot teardown. The mapping
// journal and tree references are released at the next round wrap-up,
// or immediately when no round is in flight.
func (e *Engine) OnAddressSpaceDestroyed(id SpaceID) {
	s := e.reg.slot(id)
	if s == nil {
		return
	}
	e.reg.vipRemove(s)
	e.reg.deferRemove(s)
	e.regions.dropAdvice(id)
	e.stats.addTrackedSpaces(-1)
	e.workerMu.Lock()
	running := e.running
	e.workerMu.Unlock()
	if !running {
		e.flushRemoved()
	}
}

// OnTaskDormant signals that a task went dormant (frozen or
// backgrounded). Never blocks; admission happens on the crawler's
// next partial pass.
func (e *Engine) OnTaskDormant(task TaskID) {
	e.reg.addTaskSlot(task, true)
	e.postCrawl(crawlRequest{})
}

// OnTaskActive withdraws a pending dormancy admission.
func (e *Engine) OnTaskActive(task TaskID) {
	e.reg.removeTaskSlot(task)
}

// flushRemoved tears down slots queued for removal: their journal
// leaves the trees and their region references are dropped.
func (e *Engine) flushRemoved() {
	removed := e.reg.takeRemoved()
	if len(removed) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range removed {
		e.teardownSlotLocked(s)
	}
}

func (e *Engine) teardownSlotLocked(s *AddressSpaceSlot) {
	records := int64(0)
	for r := s.records; r != nil; r = r.next {
		e.removeMappingRef(r)
		records++
	}
	s.records = nil
	s.resetCursor()
	e.stats.addMappingRecords(-records)
	e.regions.releaseSlotRefs(s)
	log.Debugf("space %d torn down, %d records dropped", s.id, records)
}

// UnmergeAll reverts every merge: each merged mapping gets its write
// protection broken and its private copy back, then both trees are
// dropped. Cancellation is honored between address spaces; per-space
// failures are aggregated, not fatal.
func (e *Engine) UnmergeAll(ctx context.Context) error {
	var errs *multierror.Error

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, s := range e.reg.allSlots() {
		if err := ctx.Err(); err != nil {
			errs = multierror.Append(errs, err)
			break
		}
		if err := e.unmergeSlotLocked(s); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("space %d: %w", s.id, err))
		}
	}

	// Nodes whose spaces vanished without a destroy hook may still
	// sit in the trees; drop them wholesale.
	for _, t := range e.trees {
		stale := []*StableNode{}
		t.walkNodes(func(n *StableNode) { stale = append(stale, n) })
		for _, n := range stale {
			t.removeStale(n)
		}
	}
	e.trees = make(map[int]*stableTree)
	e.unstable = newUnstableTree(e.crawlRound() + 1)

	return errs.ErrorOrNil()
}

func (e *Engine) unmergeSlotLocked(s *AddressSpaceSlot) error {
	sp, ok := e.vm.Space(s.id)
	for r := s.records; r != nil; r = r.next {
		if r.kind == refStable && ok {
			sp.BreakProtection(r.addr)
		}
		e.removeMappingRef(r)
		r.checksumValid = false
	}
	if !ok {
		return ErrSpaceGone
	}
	return nil
}
