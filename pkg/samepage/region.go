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
	"sync"
)

// The region filter groups structurally similar areas under one
// record and remembers, per page offset, whether that offset has ever
// merged. Once a region matures the scanner skips offsets that never
// merged. Purely an optimization: disabling it only costs scan time.

type regionKind int

const (
	regionAnon regionKind = iota
	regionHeap
	regionStack
	regionText
	regionData
	regionBess
)

var regionKindNames = map[regionKind]string{
	regionAnon:  "anon",
	regionHeap:  "heap",
	regionStack: "stack",
	regionText:  "text",
	regionData:  "data",
	regionBess:  "bess",
}

func (k regionKind) String() string {
	return regionKindNames[k]
}

// classifyArea derives the region kind from the area's shape. A bss
// segment borrows the identity of its neighboring file mapping so
// equal program images pair their data and bss under one file.
func classifyArea(a *Area) regionKind {
	switch {
	case a.Heap:
		return regionHeap
	case a.Stack:
		return regionStack
	case a.Exec && a.FileID != 0:
		return regionText
	case a.FileID != 0 && a.FileBess:
		return regionBess
	case a.FileID != 0:
		return regionData
	default:
		return regionAnon
	}
}

// regionKey identifies one region record: areas of the same kind over
// the same backing file share it. Anonymous kinds key per nothing but
// the kind, which makes them poor filter candidates; they demote to
// conflict quickly and stop filtering, which is the intended outcome.
type regionKey struct {
	kind regionKind
	file uint64
}

// Region is the per-key merge-history record. Guarded by the owning
// index's lock; the scanner only reaches it through index methods.
type Region struct {
	key   regionKey
	pages uint64

	// merge history bitmap: one bit per page offset. Small regions
	// use the inline word, larger ones the allocated slice.
	inline uint64
	bitmap []uint64

	// rounds counts completed scan rounds over this region; the
	// filter activates at regionMatureRounds.
	rounds int
	// conflict is the one-strike demotion: areas of the same key
	// but different spans make offset history meaningless.
	conflict bool

	refs   int
	merged uint64
}

func newRegion(key regionKey, pages uint64) *Region {
	r := &Region{key: key, pages: pages}
	if pages > regionInlineBitmapPages {
		r.bitmap = make([]uint64, (pages+63)/64)
	}
	return r
}

func (r *Region) setBit(idx uint64) {
	if idx >= r.pages {
		return
	}
	if r.bitmap == nil {
		r.inline |= uint64(1) << idx
		return
	}
	r.bitmap[idx/64] |= uint64(1) << (idx % 64)
}

func (r *Region) bit(idx uint64) bool {
	if idx >= r.pages {
		return false
	}
	if r.bitmap == nil {
		return r.inline&(uint64(1)<<idx) != 0
	}
	return r.bitmap[idx/64]&(uint64(1)<<(idx%64)) != 0
}

func (r *Region) mature() bool {
	return !r.conflict && r.rounds >= regionMatureRounds
}

// adviseRange is an explicit tracking override for one address range.
type adviseRange struct {
	start, end uint64
	track      bool
}

// regionIndex holds all region records plus per-space tracking
// advice. Its lock nests inside the engine lock.
type regionIndex struct {
	mu      sync.Mutex
	regions map[regionKey]*Region
	advise  map[SpaceID][]adviseRange
	// kindMerged accumulates merges per region kind for the share
	// statistic exposed by the control surface.
	kindMerged map[regionKind]uint64
	stats      *Stats
}

func newRegionIndex(stats *Stats) *regionIndex {
	return &regionIndex{
		regions:    make(map[regionKey]*Region),
		advise:     make(map[SpaceID][]adviseRange),
		kindMerged: make(map[regionKind]uint64),
		stats:      stats,
	}
}

// attach binds an area to its region record, creating the record on
// first sight, and files the region under the slot so the reference
// is returned at teardown. A span mismatch demotes the region for
// good.
func (x *regionIndex) attach(s *AddressSpaceSlot, a *Area) *Region {
	key := regionKey{kind: classifyArea(a), file: a.FileID}
	x.mu.Lock()
	defer x.mu.Unlock()
	r, ok := x.regions[key]
	if !ok {
		r = newRegion(key, a.Pages())
		x.regions[key] = r
		x.stats.addRegions(1)
	} else if r.pages != a.Pages() && !r.conflict {
		r.conflict = true
		log.Debugf("region %s/%x demoted: span %d != %d pages",
			key.kind, key.file, a.Pages(), r.pages)
	}
	for _, held := range s.regionRefs {
		if held == r {
			return r
		}
	}
	r.refs++
	s.regionRefs = append(s.regionRefs, r)
	return r
}

// releaseSlotRefs drops the slot's region references, freeing records
// nothing holds anymore.
func (x *regionIndex) releaseSlotRefs(s *AddressSpaceSlot) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, r := range s.regionRefs {
		r.refs--
		if r.refs <= 0 {
			delete(x.regions, r.key)
			x.stats.addRegions(-1)
		}
	}
	s.regionRefs = nil
}

// noteMerge records a successful merge at a region offset.
func (x *regionIndex) noteMerge(r *Region, idx uint64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	r.setBit(idx)
	r.merged++
	x.kindMerged[r.key.kind]++
}

// roundScanned advances the maturity clock of the slot's regions.
// Called once per slot retirement.
func (x *regionIndex) roundScanned(s *AddressSpaceSlot) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, r := range s.regionRefs {
		if r.rounds < regionMatureRounds {
			r.rounds++
		}
	}
}

// skip tells whether a mature region's history says the offset is not
// worth scanning.
func (x *regionIndex) skip(r *Region, idx uint64) bool {
	if r == nil {
		return false
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return r.mature() && !r.bit(idx)
}

// setAdvice records an explicit opt-in or opt-out for a range of one
// address space. The newest advice for an address wins.
func (x *regionIndex) setAdvice(space SpaceID, start, end uint64, track bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.advise[space] = append(x.advise[space], adviseRange{start: start, end: end, track: track})
}

func (x *regionIndex) dropAdvice(space SpaceID) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.advise, space)
}

// trackable resolves whether an address of a space should be scanned:
// the area's own mergeability, overridden by the latest advised range
// covering the address.
func (x *regionIndex) trackable(space SpaceID, a *Area, addr uint64) bool {
	track := a.Mergeable
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, ar := range x.advise[space] {
		if addr >= ar.start && addr < ar.end {
			track = ar.track
		}
	}
	return track
}

// kindShares snapshots merges per region kind.
func (x *regionIndex) kindShares() map[string]uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	shares := make(map[string]uint64, len(x.kindMerged))
	for kind, n := range x.kindMerged {
		shares[kind.String()] = n
	}
	return shares
}

// RegionAdvice is the opt-in/opt-out verb of OnRegionAdvise.
type RegionAdvice int

const (
	RegionAdviseTrack RegionAdvice = iota
	RegionAdviseUntrack
)

// OnRegionAdvise opts a virtual address range of one address space in
// or out of merge tracking.
func (e *Engine) OnRegionAdvise(space SpaceID, start, end uint64, advice RegionAdvice) {
	e.regions.setAdvice(space, start, end, advice == RegionAdviseTrack)
	if advice == RegionAdviseTrack {
		e.postCrawl(crawlRequest{})
	}
}

// RegionKindShares reports merges accumulated per region kind.
func (e *Engine) RegionKindShares() map[string]uint64 {
	return e.regions.kindShares()
}

// regionNoteMerge feeds the filter with one merge result. A record
// outside any region, or with the filter disabled, feeds nothing.
func (e *Engine) regionNoteMerge(rec *MappingRecord) {
	if rec.region == nil {
		return
	}
	e.regions.noteMerge(rec.region, rec.regionIdx)
}
