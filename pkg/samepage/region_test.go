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

func TestClassifyArea(t *testing.T) {
	cases := []struct {
		name string
		area Area
		want regionKind
	}{
		{"anonymous", Area{}, regionAnon},
		{"heap", Area{Heap: true}, regionHeap},
		{"stack", Area{Stack: true}, regionStack},
		{"text", Area{Exec: true, FileID: 42}, regionText},
		{"data", Area{FileID: 42}, regionData},
		{"bss", Area{FileID: 42, FileBess: true}, regionBess},
		{"heap wins over file", Area{Heap: true, FileID: 42}, regionHeap},
		{"exec without file is anon", Area{Exec: true}, regionAnon},
	}
	for _, c := range cases {
		if got := classifyArea(&c.area); got != c.want {
			t.Errorf("%s: classified %s, want %s", c.name, got, c.want)
		}
	}
}

func TestRegionBitmap(t *testing.T) {
	small := newRegion(regionKey{kind: regionData, file: 1}, regionInlineBitmapPages)
	if small.bitmap != nil {
		t.Errorf("small region allocated a bitmap")
	}
	big := newRegion(regionKey{kind: regionData, file: 2}, regionInlineBitmapPages+1)
	if big.bitmap == nil {
		t.Errorf("large region kept the inline word")
	}

	for _, r := range []*Region{small, big} {
		r.setBit(0)
		r.setBit(17)
		r.setBit(r.pages - 1)
		r.setBit(r.pages) // out of range, ignored
		for idx := uint64(0); idx < r.pages; idx++ {
			want := idx == 0 || idx == 17 || idx == r.pages-1
			if r.bit(idx) != want {
				t.Errorf("pages=%d bit(%d) == %v, want %v", r.pages, idx, r.bit(idx), want)
			}
		}
		if r.bit(r.pages) {
			t.Errorf("pages=%d out of range bit set", r.pages)
		}
	}
}

// A span mismatch on the same key demotes the region for good: a
// demoted region never matures, so it never skips anything.
func TestRegionConflictDemotion(t *testing.T) {
	x := newRegionIndex(&Stats{})
	s1 := newSlot(1)
	s2 := newSlot(2)
	a1 := &Area{Start: 0x10000, End: 0x10000 + 8*constUPagesize, FileID: 42}
	a2 := &Area{Start: 0x20000, End: 0x20000 + 16*constUPagesize, FileID: 42}

	r := x.attach(s1, a1)
	if r.conflict {
		t.Fatalf("fresh region already demoted")
	}
	if x.attach(s2, a2) != r {
		t.Fatalf("same key resolved to different regions")
	}
	if !r.conflict {
		t.Errorf("span mismatch did not demote")
	}
	for i := 0; i < 2*regionMatureRounds; i++ {
		x.roundScanned(s1)
	}
	if r.mature() {
		t.Errorf("demoted region matured")
	}
	if x.skip(r, 3) {
		t.Errorf("demoted region skips offsets")
	}
}

// The filter activates only after the maturity rounds and then skips
// exactly the offsets that never merged.
func TestRegionMaturitySkip(t *testing.T) {
	x := newRegionIndex(&Stats{})
	s := newSlot(1)
	a := &Area{Start: 0x10000, End: 0x10000 + 8*constUPagesize, FileID: 42}
	r := x.attach(s, a)
	x.noteMerge(r, 3)

	for i := 0; i < regionMatureRounds-1; i++ {
		x.roundScanned(s)
		if x.skip(r, 0) {
			t.Fatalf("immature region skipped an offset at round %d", i+1)
		}
	}
	x.roundScanned(s)
	if !x.skip(r, 0) {
		t.Errorf("mature region does not skip a never-merged offset")
	}
	if x.skip(r, 3) {
		t.Errorf("mature region skips a merged offset")
	}
}

// Region records are reference counted by the slots that saw them.
func TestRegionRelease(t *testing.T) {
	stats := &Stats{}
	x := newRegionIndex(stats)
	s1 := newSlot(1)
	s2 := newSlot(2)
	a := &Area{Start: 0x10000, End: 0x10000 + 8*constUPagesize, FileID: 42}
	x.attach(s1, a)
	x.attach(s1, a) // re-attach of a held region adds no reference
	x.attach(s2, a)
	if n := stats.snapshot().Regions; n != 1 {
		t.Fatalf("expected 1 region, got %d", n)
	}

	x.releaseSlotRefs(s1)
	if n := stats.snapshot().Regions; n != 1 {
		t.Errorf("region freed while still referenced")
	}
	x.releaseSlotRefs(s2)
	if n := stats.snapshot().Regions; n != 0 {
		t.Errorf("region not freed after last release, got %d", n)
	}
}

// Advice overrides area mergeability in both directions, newest range
// winning.
func TestRegionAdvice(t *testing.T) {
	x := newRegionIndex(&Stats{})
	merge := &Area{Start: 0x10000, End: 0x12000, Mergeable: true}
	plain := &Area{Start: 0x20000, End: 0x22000}

	if !x.trackable(1, merge, 0x10000) {
		t.Fatalf("mergeable area untrackable without advice")
	}
	if x.trackable(1, plain, 0x20000) {
		t.Fatalf("plain area trackable without advice")
	}

	x.setAdvice(1, 0x10000, 0x11000, false)
	x.setAdvice(1, 0x20000, 0x21000, true)
	if x.trackable(1, merge, 0x10000) {
		t.Errorf("opt-out ignored")
	}
	if !x.trackable(1, merge, 0x11000) {
		t.Errorf("opt-out leaked past its range")
	}
	if !x.trackable(1, plain, 0x20000) {
		t.Errorf("opt-in ignored")
	}
	if x.trackable(2, plain, 0x20000) {
		t.Errorf("advice leaked across spaces")
	}

	// newest advice wins
	x.setAdvice(1, 0x10000, 0x11000, true)
	if !x.trackable(1, merge, 0x10000) {
		t.Errorf("newer opt-in did not override older opt-out")
	}
}

// End to end: with the filter on, a mature region's never-merged
// offsets stop being scanned but existing merges survive.
func TestRegionFilterEndToEnd(t *testing.T) {
	vm := NewSimVM()
	e := NewEngine(vm)
	if err := e.SetConfigJson(`{"FilterEnabled":true}`); err != nil {
		t.Fatal(err)
	}
	s1 := vm.AddSpace(1)
	s2 := vm.AddSpace(2)
	// same backing file, same span: one region of 4 pages
	for i, s := range []*SimSpace{s1, s2} {
		s.Map(Area{
			Start:     0x10000,
			End:       0x10000 + 4*constUPagesize,
			FileID:    42,
			Mergeable: true,
		})
		for p := 0; p < 4; p++ {
			s.WriteAt(0x10000+uint64(p)*constUPagesize, []byte{0x5a, byte(i), byte(p)})
		}
	}
	s1.WriteAt(0x11000, []byte("same content X"))
	s2.WriteAt(0x11000, []byte("same content X"))

	for i := 0; i < regionMatureRounds+2; i++ {
		runScanRound(e, true)
	}
	ss := e.Stats()
	if ss.PagesShared != 1 {
		t.Fatalf("merge precondition failed: %s", ss)
	}
	if ss.Regions != 1 {
		t.Errorf("expected 1 region, got %d", ss.Regions)
	}
	if got := e.RegionKindShares()["data"]; got < 2 {
		t.Errorf("expected data region merges recorded, got %d", got)
	}

	// a mature region keeps already merged offsets merged while
	// skipping the rest
	records := ss.MappingRecords
	runScanRound(e, true)
	ss = e.Stats()
	if ss.PagesShared != 1 || ss.RoundBroken != 0 {
		t.Errorf("filtered round disturbed merges: %s", ss)
	}
	if ss.MappingRecords != records {
		t.Errorf("filtered round moved the journal: %d -> %d", records, ss.MappingRecords)
	}
}
