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

/*

	Package samepage implements opportunistic same-content page
	merging across process address spaces.

	Component types

	1. The Engine (engine.go) owns the run mode, the tunables and
	the two workers. Embedders feed it lifecycle events (address
	space created/destroyed, task dormant/active) and read its
	counters.

	2. The Crawler (crawler.go) decides once per scheduling cycle
	which address spaces join the scan set: dormancy-triggered
	candidates, newcomers, and the best historical mergers under a
	candidate limit. It runs full scans on a timer and partial
	scans on dormancy events or explicit triggers.

	3. The Scanner (scanner.go) walks admitted address spaces in
	virtual address order under a page budget and classifies every
	page through the merge engine (merge.go).

	4. The stable tree (stable.go, chain.go) indexes already
	merged, write-protected pages by full content comparison. The
	unstable tree (unstable.go) indexes speculative candidates for
	the current round only and is rebuilt from scratch every
	round.

	5. VM backends (vm.go, vm_sim.go, vm_proc.go) provide page
	access and protection primitives. The engine never touches
	page mappings itself.

	Supporting modules

	1. Registry (registry.go) tracks eligible address spaces and
	pending task slots.
	2. MappingRecord (mapping.go) journals one tracked virtual
	page per address space.
	3. Region filter (region.go) skips offsets that have never
	merged in matured file-backed regions.
	4. Stats (stats.go) and the prometheus collector (metrics.go)
	expose merge counters.
*/

package samepage
