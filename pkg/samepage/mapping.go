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

// mappingRefKind tells which tree, if any, currently holds a mapping
// record. The fields of MappingRecord valid for each kind are
// disjoint; the kind is the single discriminant.
type mappingRefKind int

const (
	refUntracked mappingRefKind = iota
	refUnstable
	refStable
)

// MappingRecord journals one tracked virtual page of one address
// space. Records form a per-slot singly linked list in address order
// so entries of shrunken areas can be pruned from the tail.
type MappingRecord struct {
	next  *MappingRecord
	space SpaceID
	addr  uint64

	// oldChecksum is the content checksum taken on the previous
	// scan of this address. Meaningful only while checksumValid.
	oldChecksum   uint64
	checksumValid bool

	// frozen marks records of dormancy-admitted slots; they skip
	// the checksum stability gate during the initial rounds.
	frozen bool

	kind   mappingRefKind
	stable *StableNode   // when kind == refStable: the node holding the ref
	unode  *unstableNode // when kind == refUnstable
	round  uint64        // when kind == refUnstable: insertion round

	// region filter binding: the region covering this address and
	// the record's page index inside the region's bitmap
	region    *Region
	regionIdx uint64
}

func (r *MappingRecord) Addr() uint64 {
	return r.addr
}

func (r *MappingRecord) Space() SpaceID {
	return r.space
}

// Merged tells whether the record currently references a stable node.
func (r *MappingRecord) Merged() bool {
	return r.kind == refStable
}

// resetRef returns the record to the untracked state. Detaching from
// the owning tree is the caller's job.
func (r *MappingRecord) resetRef() {
	r.kind = refUntracked
	r.stable = nil
	r.unode = nil
	r.round = 0
}
