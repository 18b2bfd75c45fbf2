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
	"context"
	"testing"
)

// runScanRound drives one admission and one complete scan round
// synchronously, without the worker goroutines. Returns the number of
// admitted slots.
func runScanRound(e *Engine, full bool) int {
	admitted := e.admit(full, e.configSnapshot())
	if admitted == 0 {
		return 0
	}
	e.startRound(full)
	st := &scanState{areaIdx: -1}
	stop := make(chan struct{})
	e.scanUntilDrained(stop, st)
	select {
	case <-e.roundDone:
	default:
	}
	return admitted
}

// mapPages maps a mergeable area of n pages at start and gives every
// page distinct content so nothing merges by accident.
func mapPages(s *SimSpace, start uint64, n int, salt byte) {
	s.Map(Area{
		Start:     start,
		End:       start + uint64(n)*constUPagesize,
		Mergeable: true,
	})
	for i := 0; i < n; i++ {
		s.WriteAt(start+uint64(i)*constUPagesize, []byte{0x5a, salt, byte(i), byte(i >> 8)})
	}
}

func pageAt(t *testing.T, s *SimSpace, addr uint64) (PageID, []byte) {
	t.Helper()
	page, content, ok := s.ReadPage(addr)
	if !ok {
		t.Fatalf("no page mapped at %x", addr)
	}
	return page, content
}

// Two address spaces with one identical page each end up behind a
// single merged page: pages_shared 1, pages_sharing 0.
func TestMergeTwoSpaces(t *testing.T) {
	vm := NewSimVM()
	e := NewEngine(vm)
	s1 := vm.AddSpace(1)
	s2 := vm.AddSpace(2)
	mapPages(s1, 0x10000, 3, 1)
	mapPages(s2, 0x50000, 3, 2)
	s1.WriteAt(0x10000, []byte("same content X"))
	s2.WriteAt(0x51000, []byte("same content X"))

	// round 1 records checksums, round 2 passes the stability
	// gate and merges
	runScanRound(e, true)
	runScanRound(e, true)

	ss := e.Stats()
	if ss.PagesShared != 1 {
		t.Errorf("expected pages_shared == 1, got %d", ss.PagesShared)
	}
	if ss.PagesSharing != 0 {
		t.Errorf("expected pages_sharing == 0, got %d", ss.PagesSharing)
	}
	p1, c1 := pageAt(t, s1, 0x10000)
	p2, c2 := pageAt(t, s2, 0x51000)
	if p1 != p2 {
		t.Errorf("expected both mappings on one page, got %d and %d", p1, p2)
	}
	if !bytes.HasPrefix(c1, []byte("same content X")) || !bytes.Equal(c1, c2) {
		t.Errorf("merged content differs from original")
	}
}

// A third space mapping the same content becomes a sharer beyond the
// justifying pair: pages_sharing 1.
func TestThirdSharer(t *testing.T) {
	vm := NewSimVM()
	e := NewEngine(vm)
	spaces := []*SimSpace{}
	for i := 1; i <= 3; i++ {
		s := vm.AddSpace(SpaceID(i))
		mapPages(s, 0x10000, 2, byte(i))
		s.WriteAt(0x10000, []byte("same content X"))
		spaces = append(spaces, s)
	}
	runScanRound(e, true)
	runScanRound(e, true)

	ss := e.Stats()
	if ss.PagesShared != 1 || ss.PagesSharing != 1 {
		t.Errorf("expected shared/sharing == 1/1, got %d/%d",
			ss.PagesShared, ss.PagesSharing)
	}
	p1, _ := pageAt(t, spaces[0], 0x10000)
	for i, s := range spaces[1:] {
		p, _ := pageAt(t, s, 0x10000)
		if p != p1 {
			t.Errorf("space %d not on the merged page", i+2)
		}
	}
}

// Writing through a merged mapping breaks only that mapping's merge;
// the other sharers keep their content.
func TestBreakOnWrite(t *testing.T) {
	vm := NewSimVM()
	e := NewEngine(vm)
	spaces := []*SimSpace{}
	for i := 1; i <= 3; i++ {
		s := vm.AddSpace(SpaceID(i))
		mapPages(s, 0x10000, 2, byte(i))
		s.WriteAt(0x10000, []byte("same content X"))
		spaces = append(spaces, s)
	}
	runScanRound(e, true)
	runScanRound(e, true)
	if ss := e.Stats(); ss.PagesShared != 1 || ss.PagesSharing != 1 {
		t.Fatalf("merge precondition failed: %s", ss)
	}

	spaces[2].WriteAt(0x10000, []byte("diverged"))
	runScanRound(e, true)

	ss := e.Stats()
	if ss.PagesShared != 1 || ss.PagesSharing != 0 {
		t.Errorf("expected shared/sharing == 1/0 after break, got %d/%d",
			ss.PagesShared, ss.PagesSharing)
	}
	if ss.RoundBroken < 1 {
		t.Errorf("expected a broken page in round stats")
	}
	_, c1 := pageAt(t, spaces[0], 0x10000)
	_, c3 := pageAt(t, spaces[2], 0x10000)
	if !bytes.HasPrefix(c1, []byte("same content X")) {
		t.Errorf("remaining sharer lost its content")
	}
	if !bytes.HasPrefix(c3, []byte("diverged")) {
		t.Errorf("writer does not see its own write")
	}
}

// Rescanning fully merged, unchanged spaces mutates nothing.
func TestIdempotentRescan(t *testing.T) {
	vm := NewSimVM()
	e := NewEngine(vm)
	s1 := vm.AddSpace(1)
	s2 := vm.AddSpace(2)
	mapPages(s1, 0x10000, 2, 1)
	mapPages(s2, 0x10000, 2, 2)
	s1.WriteAt(0x10000, []byte("same content X"))
	s2.WriteAt(0x10000, []byte("same content X"))
	runScanRound(e, true)
	runScanRound(e, true)

	before := e.Stats()
	p1, _ := pageAt(t, s1, 0x10000)
	runScanRound(e, true)
	after := e.Stats()

	if after.RoundMerged != 0 || after.RoundBroken != 0 {
		t.Errorf("expected a no-op round, got merged %d broken %d",
			after.RoundMerged, after.RoundBroken)
	}
	if after.PagesShared != before.PagesShared ||
		after.PagesSharing != before.PagesSharing ||
		after.MappingRecords != before.MappingRecords {
		t.Errorf("counters moved on a no-op round: %s -> %s", before, after)
	}
	if p, _ := pageAt(t, s1, 0x10000); p != p1 {
		t.Errorf("mapping moved on a no-op round: %d -> %d", p1, p)
	}
}

// Unmerge-all reverts every merge: no stable entries remain and every
// mapping is private again.
func TestUnmergeAll(t *testing.T) {
	vm := NewSimVM()
	e := NewEngine(vm)
	spaces := []*SimSpace{}
	for i := 1; i <= 3; i++ {
		s := vm.AddSpace(SpaceID(i))
		mapPages(s, 0x10000, 2, byte(i))
		s.WriteAt(0x10000, []byte("same content X"))
		spaces = append(spaces, s)
	}
	runScanRound(e, true)
	runScanRound(e, true)
	if ss := e.Stats(); ss.PagesShared != 1 {
		t.Fatalf("merge precondition failed: %s", ss)
	}

	if err := e.UnmergeAll(context.Background()); err != nil {
		t.Fatalf("UnmergeAll: %v", err)
	}

	ss := e.Stats()
	if ss.PagesShared != 0 || ss.PagesSharing != 0 {
		t.Errorf("expected no merged pages, got %s", ss)
	}
	for i, s := range spaces {
		p, _ := pageAt(t, s, 0x10000)
		if refs := vm.PageRefs(p); refs != 1 {
			t.Errorf("space %d still shares its page, refs %d", i+1, refs)
		}
	}
	// tree-shape tunables may change now that nothing is merged
	if err := e.SetConfigJson(`{"MaxPageSharing":64}`); err != nil {
		t.Errorf("cap change refused on empty trees: %v", err)
	}
}

// All-zero pages merge onto the shared zero page when enabled.
func TestZeroPageMerge(t *testing.T) {
	vm := NewSimVM()
	e := NewEngine(vm)
	if err := e.SetConfigJson(`{"UseZeroPages":true}`); err != nil {
		t.Fatal(err)
	}
	s := vm.AddSpace(1)
	mapPages(s, 0x10000, 3, 1)
	// wipe one page back to all zeroes
	s.WriteAt(0x11000, make([]byte, constPagesize))

	runScanRound(e, true)
	runScanRound(e, true)

	if p, _ := pageAt(t, s, 0x11000); p != vm.ZeroPage() {
		t.Errorf("zero page not merged: on page %d", p)
	}
	if ss := e.Stats(); ss.ZeroPagesMerged != 1 {
		t.Errorf("expected zero_pages_merged == 1, got %d", ss.ZeroPagesMerged)
	}

	// rescanning the merged mapping is a no-op: no re-count, no
	// re-entry into the unstable tree
	before := e.Stats()
	runScanRound(e, true)
	after := e.Stats()
	if after.ZeroPagesMerged != 1 || after.RoundMerged != 0 {
		t.Errorf("zero merge re-counted: zero_merged %d, round_merged %d",
			after.ZeroPagesMerged, after.RoundMerged)
	}
	if after.PagesUnshared != before.PagesUnshared {
		t.Errorf("zero-merged mapping re-entered the unstable tree: %d -> %d",
			before.PagesUnshared, after.PagesUnshared)
	}
	if p, _ := pageAt(t, s, 0x11000); p != vm.ZeroPage() {
		t.Errorf("mapping left the zero page on rescan: %d", p)
	}
}

// A transient protect failure skips the merge; the next round
// succeeds.
func TestMergeRetryAfterProtectFailure(t *testing.T) {
	vm := NewSimVM()
	e := NewEngine(vm)
	s1 := vm.AddSpace(1)
	s2 := vm.AddSpace(2)
	mapPages(s1, 0x10000, 2, 1)
	mapPages(s2, 0x10000, 2, 2)
	s1.WriteAt(0x10000, []byte("same content X"))
	s2.WriteAt(0x10000, []byte("same content X"))

	runScanRound(e, true)
	vm.FailNextWriteProtect(1)
	runScanRound(e, true)
	if ss := e.Stats(); ss.PagesShared != 0 {
		t.Fatalf("merge succeeded despite protect failure: %s", ss)
	}
	runScanRound(e, true)
	if ss := e.Stats(); ss.PagesShared != 1 {
		t.Errorf("expected merge on retry, got %s", ss)
	}
}

// An exited space's slot is torn down at round wrap-up and its
// references leave the trees.
func TestSpaceExitTeardown(t *testing.T) {
	vm := NewSimVM()
	e := NewEngine(vm)
	s1 := vm.AddSpace(1)
	s2 := vm.AddSpace(2)
	mapPages(s1, 0x10000, 2, 1)
	mapPages(s2, 0x10000, 2, 2)
	s1.WriteAt(0x10000, []byte("same content X"))
	s2.WriteAt(0x10000, []byte("same content X"))
	runScanRound(e, true)
	runScanRound(e, true)
	if ss := e.Stats(); ss.PagesShared != 1 {
		t.Fatalf("merge precondition failed: %s", ss)
	}
	records := e.Stats().MappingRecords

	s2.Exit()
	e.OnAddressSpaceDestroyed(2)
	runScanRound(e, true)

	ss := e.Stats()
	if ss.MappingRecords >= records {
		t.Errorf("expected records to drop below %d, got %d", records, ss.MappingRecords)
	}
	if ss.TrackedSpaces != 1 {
		t.Errorf("expected 1 tracked space, got %d", ss.TrackedSpaces)
	}
	// the survivor still owns the merged page alone
	if ss.PagesShared != 1 || ss.PagesSharing != 0 {
		t.Errorf("expected shared/sharing == 1/0, got %d/%d",
			ss.PagesShared, ss.PagesSharing)
	}
}
