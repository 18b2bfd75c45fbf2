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
	"testing"
)

func journalLen(s *AddressSpaceSlot) int {
	n := 0
	for r := s.records; r != nil; r = r.next {
		n++
	}
	return n
}

// The journal tracks the space's shape: unmapped pages lose their
// records on the next pass over them.
func TestJournalPrunesUnmapped(t *testing.T) {
	vm := NewSimVM()
	e := NewEngine(vm)
	s := vm.AddSpace(1)
	mapPages(s, 0x10000, 6, 1)
	runScanRound(e, true)

	slot := e.reg.slot(1)
	if slot == nil {
		t.Fatalf("no slot for space 1")
	}
	if got := journalLen(slot); got != 6 {
		t.Fatalf("journal holds %d records, want 6", got)
	}
	if got := e.Stats().MappingRecords; got != 6 {
		t.Fatalf("record counter %d, want 6", got)
	}

	// drop the middle pages
	s.Unmap(0x12000, 0x14000)
	runScanRound(e, true)

	if got := journalLen(slot); got != 4 {
		t.Errorf("journal holds %d records after unmap, want 4", got)
	}
	if got := e.Stats().MappingRecords; got != 4 {
		t.Errorf("record counter %d after unmap, want 4", got)
	}
}

// Shrinking the tail of a space drops the trailing records at slot
// retirement.
func TestJournalPrunesShrunkenTail(t *testing.T) {
	vm := NewSimVM()
	e := NewEngine(vm)
	s := vm.AddSpace(1)
	mapPages(s, 0x10000, 6, 1)
	runScanRound(e, true)

	s.Unmap(0x14000, 0x16000)
	runScanRound(e, true)

	slot := e.reg.slot(1)
	if got := journalLen(slot); got != 4 {
		t.Errorf("journal holds %d records after tail unmap, want 4", got)
	}
}

// Candidates of one round never pair with entries of a previous
// round: the unstable tree is rebuilt from scratch.
func TestUnstableRoundIsolation(t *testing.T) {
	vm := NewSimVM()
	stats := &Stats{}
	s := vm.AddSpace(1)
	mapPages(s, 0x10000, 2, 1)
	s.WriteAt(0x10000, []byte("same content X"))
	s.WriteAt(0x11000, []byte("same content X"))

	tree := newUnstableTree(1)
	recA := &MappingRecord{space: 1, addr: 0x10000}
	_, c1, _ := s.ReadPage(0x10000)
	if partner, _ := tree.searchInsert(vm, recA, c1, stats); partner != nil {
		t.Fatalf("first insert found a partner")
	}
	if recA.kind != refUnstable || recA.round != 1 {
		t.Fatalf("inserted record not marked unstable for round 1")
	}

	// the next round starts with an empty index
	tree = newUnstableTree(2)
	recB := &MappingRecord{space: 1, addr: 0x11000}
	_, c2, _ := s.ReadPage(0x11000)
	if partner, _ := tree.searchInsert(vm, recB, c2, stats); partner != nil {
		t.Errorf("entry of a previous round paired: %v", partner)
	}
}

// An unstable entry is compared by its current content, not the
// content it was inserted with.
func TestUnstableRereadsContent(t *testing.T) {
	vm := NewSimVM()
	stats := &Stats{}
	s := vm.AddSpace(1)
	mapPages(s, 0x10000, 2, 1)
	s.WriteAt(0x10000, []byte("volatile"))
	s.WriteAt(0x11000, []byte("volatile"))

	tree := newUnstableTree(1)
	recA := &MappingRecord{space: 1, addr: 0x10000}
	_, c1, _ := s.ReadPage(0x10000)
	tree.searchInsert(vm, recA, c1, stats)

	// entry changes under the tree
	s.WriteAt(0x10000, []byte("changed!"))

	recB := &MappingRecord{space: 1, addr: 0x11000}
	_, c2, _ := s.ReadPage(0x11000)
	partner, _ := tree.searchInsert(vm, recB, c2, stats)
	if partner != nil {
		t.Errorf("stale-content entry offered as a partner")
	}
}

// Reclaim pressure pauses scanning without losing the round: the
// round completes once pressure lifts.
func TestPressureDefersRound(t *testing.T) {
	vm := NewSimVM()
	e := NewEngine(vm)
	s1 := vm.AddSpace(1)
	s2 := vm.AddSpace(2)
	mapPages(s1, 0x10000, 2, 1)
	mapPages(s2, 0x10000, 2, 2)
	s1.WriteAt(0x10000, []byte("same content X"))
	s2.WriteAt(0x10000, []byte("same content X"))
	runScanRound(e, true)

	e.SetReclaimPressure(true)
	admitted := e.admit(true, e.configSnapshot())
	if admitted != 2 {
		t.Fatalf("admitted %d, want 2", admitted)
	}
	e.startRound(true)
	st := &scanState{areaIdx: -1}
	stop := make(chan struct{})
	close(stop) // pressure path blocks; bail out instead
	e.scanUntilDrained(stop, st)
	if ss := e.Stats(); ss.PagesShared != 0 {
		t.Fatalf("merged under pressure: %s", ss)
	}

	e.SetReclaimPressure(false)
	stop = make(chan struct{})
	e.scanUntilDrained(stop, st)
	select {
	case <-e.roundDone:
	default:
	}
	if ss := e.Stats(); ss.PagesShared != 1 {
		t.Errorf("expected merge after pressure lifted, got %s", ss)
	}
}
