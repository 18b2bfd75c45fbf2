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
	"encoding/json"
	"fmt"
)

// Config holds the engine tunables.
type Config struct {
	// PagesToScan is the scanner's page budget per wake.
	PagesToScan int
	// BoostedPagesToScan replaces the budget during partial
	// (event-triggered) rounds to reduce latency to first merge.
	BoostedPagesToScan int
	// SleepMillisecs is the scanner's pause between wakes.
	SleepMillisecs int
	// CrawlSleepMillisecs paces the crawler between cycles.
	CrawlSleepMillisecs int
	// FullScanIntervalMillisecs is the periodic full-scan deadline.
	FullScanIntervalMillisecs int
	// MaxPageSharing caps mapping references per physical page.
	MaxPageSharing int
	// ChainPruneMillisecs is the minimum interval between full
	// walks of one sharing chain.
	ChainPruneMillisecs int
	// MaxVIPs bounds candidates admitted per partial round.
	MaxVIPs int
	// InitialRounds is the number of startup rounds driven on a
	// short timer before the periodic schedule takes over.
	InitialRounds int
	// ShortTaskMillisecs excludes tasks with less total runtime
	// from admission.
	ShortTaskMillisecs int
	// UseZeroPages merges all-zero pages onto the shared zero page.
	UseZeroPages bool
	// MergeAcrossDomains uses one match tree for all memory
	// domains instead of one per domain.
	MergeAcrossDomains bool
	// FilterEnabled turns on region-based scan skipping.
	FilterEnabled bool
}

const configDefaults string = `{"PagesToScan":100,"BoostedPagesToScan":400,"SleepMillisecs":20,"CrawlSleepMillisecs":1000,"FullScanIntervalMillisecs":60000,"MaxPageSharing":256,"ChainPruneMillisecs":2000,"MaxVIPs":20,"InitialRounds":3,"ShortTaskMillisecs":100,"MergeAcrossDomains":true}`

func (c *Config) validate() error {
	if c.PagesToScan <= 0 {
		return fmt.Errorf("invalid PagesToScan: %d, > 0 expected", c.PagesToScan)
	}
	if c.BoostedPagesToScan < c.PagesToScan {
		return fmt.Errorf("invalid BoostedPagesToScan: %d, >= PagesToScan expected", c.BoostedPagesToScan)
	}
	if c.SleepMillisecs < 0 || c.CrawlSleepMillisecs < 0 {
		return fmt.Errorf("negative sleep interval")
	}
	if c.FullScanIntervalMillisecs <= 0 {
		return fmt.Errorf("invalid FullScanIntervalMillisecs: %d, > 0 expected", c.FullScanIntervalMillisecs)
	}
	if c.MaxPageSharing < 2 {
		return fmt.Errorf("invalid MaxPageSharing: %d, >= 2 expected", c.MaxPageSharing)
	}
	if c.ChainPruneMillisecs < 0 {
		return fmt.Errorf("negative ChainPruneMillisecs")
	}
	if c.MaxVIPs < 0 {
		return fmt.Errorf("negative MaxVIPs")
	}
	if c.InitialRounds < 0 {
		return fmt.Errorf("negative InitialRounds")
	}
	return nil
}

// SetConfigJson replaces the engine configuration. Changing the
// sharing cap or the cross-domain flag is refused with a busy error
// while merged pages exist, because existing tree shape depends on
// both. Malformed or invalid input leaves the configuration intact.
func (e *Engine) SetConfigJson(configJson string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	config := e.configSnapshot()
	if err := json.Unmarshal([]byte(configJson), &config); err != nil {
		return err
	}
	if err := config.validate(); err != nil {
		return err
	}
	old := e.configSnapshot()
	if config.MaxPageSharing != old.MaxPageSharing ||
		config.MergeAcrossDomains != old.MergeAcrossDomains {
		if !e.treesEmptyLocked() {
			return fmt.Errorf("busy: merged pages exist, unmerge first")
		}
	}
	e.cfgMu.Lock()
	e.cfg = config
	e.cfgMu.Unlock()
	e.applyConfigLocked()
	return nil
}

func (e *Engine) GetConfigJson() string {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	if configStr, err := json.Marshal(&e.cfg); err == nil {
		return string(configStr)
	}
	return ""
}

func (e *Engine) configSnapshot() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}
