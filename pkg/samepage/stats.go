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
	"sync/atomic"
	"time"
)

// Stats holds the engine counters. The scanner worker is the only
// writer of the merge counters; the crawler and external readers only
// load them, hence plain atomic loads/stores with no read-modify-write
// races to worry about beyond Add.
type Stats struct {
	// pagesShared counts merged pages owned by the stable tree.
	pagesShared int64
	// pagesSharing counts mapping references beyond the pair that
	// justified each merged page.
	pagesSharing int64
	// pagesUnshared counts candidate pages sitting in the unstable
	// tree this round.
	pagesUnshared int64
	// mappingRecords counts live mapping records.
	mappingRecords int64

	chains int64
	dups   int64

	fullScans    uint64
	crawlRounds  uint64
	roundMerged  int64
	roundBroken  int64
	scannedSlots int64

	// nanoseconds, written at round wrap-up
	lastScanTime    int64
	perSlotScanTime int64
	trackedSpaces   int64
	regions         int64
	zeroPagesMerged int64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	PagesShared     int64
	PagesSharing    int64
	PagesUnshared   int64
	PagesVolatile   int64
	MappingRecords  int64
	Chains          int64
	Dups            int64
	FullScans       uint64
	CrawlRounds     uint64
	RoundMerged     int64
	RoundBroken     int64
	ScannedSlots    int64
	LastScanTime    time.Duration
	PerSlotScanTime time.Duration
	TrackedSpaces   int64
	Regions         int64
	ZeroPagesMerged int64
}

func (s *Stats) snapshot() StatsSnapshot {
	shared := atomic.LoadInt64(&s.pagesShared)
	sharing := atomic.LoadInt64(&s.pagesSharing)
	unshared := atomic.LoadInt64(&s.pagesUnshared)
	records := atomic.LoadInt64(&s.mappingRecords)
	volatilePages := records - shared - sharing - unshared
	if volatilePages < 0 {
		volatilePages = 0
	}
	return StatsSnapshot{
		PagesShared:     shared,
		PagesSharing:    sharing,
		PagesUnshared:   unshared,
		PagesVolatile:   volatilePages,
		MappingRecords:  records,
		Chains:          atomic.LoadInt64(&s.chains),
		Dups:            atomic.LoadInt64(&s.dups),
		FullScans:       atomic.LoadUint64(&s.fullScans),
		CrawlRounds:     atomic.LoadUint64(&s.crawlRounds),
		RoundMerged:     atomic.LoadInt64(&s.roundMerged),
		RoundBroken:     atomic.LoadInt64(&s.roundBroken),
		ScannedSlots:    atomic.LoadInt64(&s.scannedSlots),
		LastScanTime:    time.Duration(atomic.LoadInt64(&s.lastScanTime)),
		PerSlotScanTime: time.Duration(atomic.LoadInt64(&s.perSlotScanTime)),
		TrackedSpaces:   atomic.LoadInt64(&s.trackedSpaces),
		Regions:         atomic.LoadInt64(&s.regions),
		ZeroPagesMerged: atomic.LoadInt64(&s.zeroPagesMerged),
	}
}

func (ss StatsSnapshot) String() string {
	return fmt.Sprintf("shared=%d sharing=%d unshared=%d volatile=%d chains=%d dups=%d full_scans=%d",
		ss.PagesShared, ss.PagesSharing, ss.PagesUnshared, ss.PagesVolatile,
		ss.Chains, ss.Dups, ss.FullScans)
}

func (s *Stats) addShared(n int64) {
	atomic.AddInt64(&s.pagesShared, n)
}

func (s *Stats) addSharing(n int64) {
	atomic.AddInt64(&s.pagesSharing, n)
}

func (s *Stats) addUnshared(n int64) {
	atomic.AddInt64(&s.pagesUnshared, n)
}

func (s *Stats) addMappingRecords(n int64) {
	atomic.AddInt64(&s.mappingRecords, n)
}

func (s *Stats) addChains(n int64) {
	atomic.AddInt64(&s.chains, n)
}

func (s *Stats) addDups(n int64) {
	atomic.AddInt64(&s.dups, n)
}

func (s *Stats) addRoundMerged(n int64) {
	atomic.AddInt64(&s.roundMerged, n)
}

func (s *Stats) addRoundBroken(n int64) {
	atomic.AddInt64(&s.roundBroken, n)
}

func (s *Stats) addFullScans(n uint64) {
	atomic.AddUint64(&s.fullScans, n)
}

func (s *Stats) addCrawlRounds(n uint64) {
	atomic.AddUint64(&s.crawlRounds, n)
}

func (s *Stats) addTrackedSpaces(n int64) {
	atomic.AddInt64(&s.trackedSpaces, n)
}

func (s *Stats) addScannedSlots(n int64) {
	atomic.AddInt64(&s.scannedSlots, n)
}

func (s *Stats) setScanTimes(last, perSlot time.Duration) {
	atomic.StoreInt64(&s.lastScanTime, int64(last))
	atomic.StoreInt64(&s.perSlotScanTime, int64(perSlot))
}

func (s *Stats) addRegions(n int64) {
	atomic.AddInt64(&s.regions, n)
}

func (s *Stats) zeroMerged() {
	atomic.AddInt64(&s.zeroPagesMerged, 1)
}

func (s *Stats) resetRound() {
	atomic.StoreInt64(&s.roundMerged, 0)
	atomic.StoreInt64(&s.roundBroken, 0)
	atomic.StoreInt64(&s.scannedSlots, 0)
}
