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

// chainSetup builds four spaces with one identical page each under a
// sharing cap of two, so the second merged pair must chain instead of
// piling onto the first page.
func chainSetup(t *testing.T) (*SimVM, *Engine, []*SimSpace) {
	t.Helper()
	vm := NewSimVM()
	e := NewEngine(vm)
	if err := e.SetConfigJson(`{"MaxPageSharing":2,"ChainPruneMillisecs":0}`); err != nil {
		t.Fatal(err)
	}
	spaces := []*SimSpace{}
	for i := 1; i <= 4; i++ {
		s := vm.AddSpace(SpaceID(i))
		mapPages(s, 0x10000, 2, byte(i))
		s.WriteAt(0x10000, []byte("same content X"))
		spaces = append(spaces, s)
	}
	runScanRound(e, true)
	runScanRound(e, true)
	return vm, e, spaces
}

// Four identical pages under cap 2 become two merged pages chained
// under one tree position, and no page collects more references than
// the cap allows.
func TestSharingCapChains(t *testing.T) {
	vm, e, spaces := chainSetup(t)

	ss := e.Stats()
	if ss.PagesShared != 2 || ss.PagesSharing != 0 {
		t.Errorf("expected shared/sharing == 2/0, got %d/%d",
			ss.PagesShared, ss.PagesSharing)
	}
	if ss.Chains != 1 || ss.Dups != 2 {
		t.Errorf("expected 1 chain with 2 dups, got %d/%d", ss.Chains, ss.Dups)
	}
	pages := map[PageID]int{}
	for _, s := range spaces {
		p, _ := pageAt(t, s, 0x10000)
		pages[p]++
	}
	if len(pages) != 2 {
		t.Errorf("expected 2 distinct merged pages, got %d", len(pages))
	}
	for p, n := range pages {
		if n != 2 {
			t.Errorf("page %d has %d mappings, cap is 2", p, n)
		}
		if refs := vm.PageRefs(p); refs > 2 {
			t.Errorf("page %d has %d references, cap is 2", p, refs)
		}
	}
}

// Once dups drain, a chain with a single remaining dup collapses back
// to a plain tree node on the next lookup that walks it.
func TestChainCollapse(t *testing.T) {
	_, e, spaces := chainSetup(t)
	if ss := e.Stats(); ss.Chains != 1 || ss.Dups != 2 {
		t.Fatalf("chain precondition failed: %s", ss)
	}

	// diverge both holders of the second dup, emptying it
	spaces[2].WriteAt(0x10000, []byte("diverged three"))
	spaces[3].WriteAt(0x10000, []byte("diverged four"))
	runScanRound(e, true)
	ss := e.Stats()
	if ss.Dups != 1 {
		t.Fatalf("expected 1 dup after breaks, got %d", ss.Dups)
	}
	if ss.Chains != 1 {
		t.Fatalf("expected chain to linger until pruned, got %d", ss.Chains)
	}

	// free capacity on the surviving dup so a lookup selects it and
	// collapses the chain
	spaces[0].Exit()
	e.OnAddressSpaceDestroyed(1)
	runScanRound(e, true)

	ss = e.Stats()
	if ss.Chains != 0 || ss.Dups != 0 {
		t.Errorf("expected chain collapsed, got chains %d dups %d", ss.Chains, ss.Dups)
	}
	if ss.PagesShared != 1 {
		t.Errorf("expected 1 merged page left, got %d", ss.PagesShared)
	}
	_, c := pageAt(t, spaces[1], 0x10000)
	if string(c[:14]) != "same content X" {
		t.Errorf("surviving sharer lost its content")
	}
}
