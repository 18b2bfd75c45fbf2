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
	"fmt"
	"time"
)

// SlotState is the lifecycle state of an address space slot.
type SlotState int

const (
	SlotNew SlotState = iota
	SlotListed
	SlotFrozen
	SlotScanned
)

var slotStateNames = map[SlotState]string{
	SlotNew:     "new",
	SlotListed:  "listed",
	SlotFrozen:  "frozen",
	SlotScanned: "scanned",
}

func (s SlotState) String() string {
	if name, ok := slotStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state-%d", int(s))
}

// slotTransitions defines the allowed lifecycle steps: a new slot is
// admitted as listed or frozen, a scanned slot may be re-admitted.
var slotTransitions = map[SlotState][]SlotState{
	SlotNew:     {SlotListed, SlotFrozen},
	SlotListed:  {SlotScanned, SlotFrozen},
	SlotFrozen:  {SlotScanned, SlotListed},
	SlotScanned: {SlotListed, SlotFrozen},
}

// scanCursor is the resumable position of the scanner inside one
// address space: the next virtual address and the journal position
// where the next record is inspected or inserted.
type scanCursor struct {
	addr uint64
	pos  **MappingRecord
}

// AddressSpaceSlot tracks one address space eligible for scanning.
// The cursor and record list are touched only by the worker that has
// taken the slot off the scan set.
type AddressSpaceSlot struct {
	id    SpaceID
	state SlotState

	// records heads the address-ordered mapping journal.
	records *MappingRecord
	cursor  scanCursor

	// rolling merge count window over the last mergeWin rounds
	mergeIdx  int
	mergedWin [mergeWin]int
	nrMerged  int // sum of mergedWin, the VIP ordering key

	scanningSize uint64 // mapped page estimate at admission
	faultCnt     uint64 // fault counter snapshot at admission
	elapsed      time.Duration
	nrScans      int

	// scheduling membership; a slot is in at most one structure
	inScanList bool
	inVIPs     bool

	// regions referenced by this slot, released on teardown
	regionRefs []*Region
}

func newSlot(id SpaceID) *AddressSpaceSlot {
	s := &AddressSpaceSlot{id: id, state: SlotNew}
	s.cursor.pos = &s.records
	return s
}

func (s *AddressSpaceSlot) ID() SpaceID {
	return s.id
}

func (s *AddressSpaceSlot) State() SlotState {
	return s.state
}

// transition moves the slot to a new lifecycle state, enforcing the
// defined transitions.
func (s *AddressSpaceSlot) transition(to SlotState) error {
	for _, allowed := range slotTransitions[s.state] {
		if to == allowed {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("invalid slot transition %s -> %s for space %d", s.state, to, s.id)
}

// resetCursor rewinds scanning to the start of the address space.
func (s *AddressSpaceSlot) resetCursor() {
	s.cursor.addr = 0
	s.cursor.pos = &s.records
}

// foldMergeWindow folds one finished round's merge count into the
// rolling window and returns the new rolling sum.
func (s *AddressSpaceSlot) foldMergeWindow(merged int) int {
	s.mergeIdx = (s.mergeIdx + 1) % mergeWin
	s.mergedWin[s.mergeIdx] = merged
	sum := 0
	for _, n := range s.mergedWin {
		sum += n
	}
	s.nrMerged = sum
	return sum
}

// invalidateChecksums forces re-checksumming of every record, used
// when the slot is re-admitted after its areas changed shape.
func (s *AddressSpaceSlot) invalidateChecksums() {
	for r := s.records; r != nil; r = r.next {
		r.checksumValid = false
	}
}
