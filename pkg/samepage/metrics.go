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
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metric descriptor indices and descriptor table
const (
	pagesDesc = iota
	treeNodesDesc
	roundsDesc
	roundResultDesc
	scanTimeDesc
	trackedDesc
	regionMergesDesc
	numDescriptors
)

var descriptors = [numDescriptors]*prometheus.Desc{
	pagesDesc: prometheus.NewDesc(
		"samepage_pages",
		"Page counts by sharing state.",
		[]string{
			// shared, sharing, unshared, volatile, zero_merged
			"state",
		}, nil,
	),
	treeNodesDesc: prometheus.NewDesc(
		"samepage_tree_nodes",
		"Stable tree node counts by kind.",
		[]string{
			// chain, dup
			"kind",
		}, nil,
	),
	roundsDesc: prometheus.NewDesc(
		"samepage_rounds_total",
		"Crawl rounds completed.",
		[]string{
			// full, all
			"type",
		}, nil,
	),
	roundResultDesc: prometheus.NewDesc(
		"samepage_round_pages",
		"Merge results of the current round.",
		[]string{
			// merged, broken
			"result",
		}, nil,
	),
	scanTimeDesc: prometheus.NewDesc(
		"samepage_scan_seconds",
		"Duration of the last scan round.",
		[]string{
			// round, per_slot
			"scope",
		}, nil,
	),
	trackedDesc: prometheus.NewDesc(
		"samepage_tracked",
		"Tracked object counts.",
		[]string{
			// spaces, records, regions, scanned_slots
			"object",
		}, nil,
	),
	regionMergesDesc: prometheus.NewDesc(
		"samepage_region_merges_total",
		"Merges accumulated per region kind.",
		[]string{
			"kind",
		}, nil,
	),
}

type collector struct {
	engine *Engine
}

// NewCollector creates a Prometheus collector over the engine counters.
func NewCollector(e *Engine) (prometheus.Collector, error) {
	return &collector{engine: e}, nil
}

// Describe implements prometheus.Collector interface
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

// Collect implements prometheus.Collector interface
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	ss := c.engine.Stats()

	gauge := func(desc int, value float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(
			descriptors[desc],
			prometheus.GaugeValue,
			value,
			labels...,
		)
	}
	counter := func(desc int, value float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(
			descriptors[desc],
			prometheus.CounterValue,
			value,
			labels...,
		)
	}

	gauge(pagesDesc, float64(ss.PagesShared), "shared")
	gauge(pagesDesc, float64(ss.PagesSharing), "sharing")
	gauge(pagesDesc, float64(ss.PagesUnshared), "unshared")
	gauge(pagesDesc, float64(ss.PagesVolatile), "volatile")
	counter(pagesDesc, float64(ss.ZeroPagesMerged), "zero_merged")

	gauge(treeNodesDesc, float64(ss.Chains), "chain")
	gauge(treeNodesDesc, float64(ss.Dups), "dup")

	counter(roundsDesc, float64(ss.FullScans), "full")
	counter(roundsDesc, float64(ss.CrawlRounds), "all")

	gauge(roundResultDesc, float64(ss.RoundMerged), "merged")
	gauge(roundResultDesc, float64(ss.RoundBroken), "broken")

	gauge(scanTimeDesc, ss.LastScanTime.Seconds(), "round")
	gauge(scanTimeDesc, ss.PerSlotScanTime.Seconds(), "per_slot")

	gauge(trackedDesc, float64(ss.TrackedSpaces), "spaces")
	gauge(trackedDesc, float64(ss.MappingRecords), "records")
	gauge(trackedDesc, float64(ss.Regions), "regions")
	gauge(trackedDesc, float64(ss.ScannedSlots), "scanned_slots")

	for kind, merges := range c.engine.RegionKindShares() {
		counter(regionMergesDesc, float64(merges), kind)
	}
}
