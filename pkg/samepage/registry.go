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
	"sort"
	"sync"
	"time"
)

// TaskSlot bridges a dormancy signal to address space admission; the
// task's own address space may not exist yet when the signal arrives.
type TaskSlot struct {
	task     TaskID
	frozen   bool
	signaled time.Time
}

// registry is the candidate registry: slots for tracked address
// spaces, pending task slots, the active scan set and the VIP index.
// One coarse lock protects the lists; per-slot cursor and journal
// belong to whichever worker holds the slot.
type registry struct {
	mu        sync.Mutex
	slots     map[SpaceID]*AddressSpaceSlot
	taskSlots map[TaskID]*TaskSlot

	// scanList is the active scan set in admission order.
	scanList []*AddressSpaceSlot
	// vips is ordered by rolling merge sum, best first.
	vips []*AddressSpaceSlot
	// removeList batches slot teardown until round wrap-up.
	removeList []*AddressSpaceSlot
}

func newRegistry() *registry {
	return &registry{
		slots:     make(map[SpaceID]*AddressSpaceSlot),
		taskSlots: make(map[TaskID]*TaskSlot),
	}
}

func (rg *registry) slot(id SpaceID) *AddressSpaceSlot {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	return rg.slots[id]
}

// getOrCreateSlot returns the slot for a space, creating it on first
// eligibility. created reports whether this call created it.
func (rg *registry) getOrCreateSlot(id SpaceID) (slot *AddressSpaceSlot, created bool) {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	if s, ok := rg.slots[id]; ok {
		return s, false
	}
	s := newSlot(id)
	rg.slots[id] = s
	return s, true
}

func (rg *registry) addTaskSlot(task TaskID, frozen bool) {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	rg.taskSlots[task] = &TaskSlot{task: task, frozen: frozen, signaled: time.Now()}
}

func (rg *registry) removeTaskSlot(task TaskID) {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	delete(rg.taskSlots, task)
}

// takeTaskSlots drains all pending task slots.
func (rg *registry) takeTaskSlots() []*TaskSlot {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	taken := make([]*TaskSlot, 0, len(rg.taskSlots))
	for _, ts := range rg.taskSlots {
		taken = append(taken, ts)
	}
	rg.taskSlots = make(map[TaskID]*TaskSlot)
	sort.Slice(taken, func(i, j int) bool { return taken[i].task < taken[j].task })
	return taken
}

// pushScan appends a slot to the scan set. The slot must not be in
// any scheduling structure.
func (rg *registry) pushScan(s *AddressSpaceSlot) bool {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	if s.inScanList || s.inVIPs {
		return false
	}
	s.inScanList = true
	rg.scanList = append(rg.scanList, s)
	return true
}

// popScan takes the next slot off the scan set, transferring cursor
// and journal ownership to the caller.
func (rg *registry) popScan() *AddressSpaceSlot {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	for len(rg.scanList) > 0 {
		s := rg.scanList[0]
		rg.scanList = rg.scanList[1:]
		s.inScanList = false
		return s
	}
	return nil
}

func (rg *registry) scanListLen() int {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	return len(rg.scanList)
}

// vipInsert files a slot into the merge-count-ordered index.
func (rg *registry) vipInsert(s *AddressSpaceSlot) bool {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	if s.inScanList || s.inVIPs {
		return false
	}
	s.inVIPs = true
	i := sort.Search(len(rg.vips), func(i int) bool {
		if rg.vips[i].nrMerged != s.nrMerged {
			return rg.vips[i].nrMerged < s.nrMerged
		}
		return rg.vips[i].id > s.id
	})
	rg.vips = append(rg.vips, nil)
	copy(rg.vips[i+1:], rg.vips[i:])
	rg.vips[i] = s
	return true
}

// vipTake removes and returns up to max best-merging slots that pass
// the accept filter. Rejected slots stay in the index; slots for
// which accept reports drop leave it and are returned separately for
// the caller to tear down. accept runs under the registry lock and
// must not call back into the registry.
func (rg *registry) vipTake(max int, accept func(*AddressSpaceSlot) (take bool, drop bool)) (taken, dropped []*AddressSpaceSlot) {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	kept := rg.vips[:0]
	for _, s := range rg.vips {
		if len(taken) >= max {
			kept = append(kept, s)
			continue
		}
		take, drop := accept(s)
		switch {
		case take:
			s.inVIPs = false
			taken = append(taken, s)
		case drop:
			s.inVIPs = false
			dropped = append(dropped, s)
		default:
			kept = append(kept, s)
		}
	}
	rg.vips = kept
	return taken, dropped
}

func (rg *registry) vipRemove(s *AddressSpaceSlot) {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	if !s.inVIPs {
		return
	}
	for i, v := range rg.vips {
		if v == s {
			rg.vips = append(rg.vips[:i], rg.vips[i+1:]...)
			break
		}
	}
	s.inVIPs = false
}

// deferRemove queues a slot for teardown at round wrap-up.
func (rg *registry) deferRemove(s *AddressSpaceSlot) {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	delete(rg.slots, s.id)
	rg.removeList = append(rg.removeList, s)
}

// takeRemoved drains the deferred teardown list.
func (rg *registry) takeRemoved() []*AddressSpaceSlot {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	taken := rg.removeList
	rg.removeList = nil
	return taken
}

// allSlots snapshots every tracked slot.
func (rg *registry) allSlots() []*AddressSpaceSlot {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	slots := make([]*AddressSpaceSlot, 0, len(rg.slots))
	for _, s := range rg.slots {
		slots = append(slots, s)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].id < slots[j].id })
	return slots
}
