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
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	e := NewEngine(NewSimVM())
	cfg := e.configSnapshot()
	require.Equal(t, 100, cfg.PagesToScan)
	require.Equal(t, 400, cfg.BoostedPagesToScan)
	require.Equal(t, 256, cfg.MaxPageSharing)
	require.Equal(t, 20, cfg.MaxVIPs)
	require.Equal(t, 3, cfg.InitialRounds)
	require.True(t, cfg.MergeAcrossDomains)
	require.False(t, cfg.UseZeroPages)
	require.False(t, cfg.FilterEnabled)
	require.NoError(t, cfg.validate())
}

func TestConfigRoundTrip(t *testing.T) {
	e := NewEngine(NewSimVM())
	require.NoError(t, e.SetConfigJson(`{"PagesToScan":50,"SleepMillisecs":5}`))

	var cfg Config
	require.NoError(t, json.Unmarshal([]byte(e.GetConfigJson()), &cfg))
	require.Equal(t, 50, cfg.PagesToScan)
	require.Equal(t, 5, cfg.SleepMillisecs)
	// untouched fields keep their defaults
	require.Equal(t, 400, cfg.BoostedPagesToScan)
	require.Equal(t, 256, cfg.MaxPageSharing)
}

func TestConfigRejected(t *testing.T) {
	tcases := []struct {
		name       string
		configJson string
	}{
		{
			name:       "malformed json",
			configJson: `{"PagesToScan":`,
		},
		{
			name:       "zero scan budget",
			configJson: `{"PagesToScan":0}`,
		},
		{
			name:       "boost below budget",
			configJson: `{"PagesToScan":100,"BoostedPagesToScan":50}`,
		},
		{
			name:       "sharing cap below pair",
			configJson: `{"MaxPageSharing":1}`,
		},
		{
			name:       "negative sleep",
			configJson: `{"SleepMillisecs":-1}`,
		},
		{
			name:       "zero full scan interval",
			configJson: `{"FullScanIntervalMillisecs":0}`,
		},
		{
			name:       "negative vips",
			configJson: `{"MaxVIPs":-1}`,
		},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			e := NewEngine(NewSimVM())
			before := e.GetConfigJson()
			require.Error(t, e.SetConfigJson(tc.configJson))
			require.Equal(t, before, e.GetConfigJson())
		})
	}
}

// Tree-shape tunables are refused while merged pages exist and
// accepted again once everything is unmerged.
func TestConfigBusyReject(t *testing.T) {
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
	require.EqualValues(t, 1, e.Stats().PagesShared)

	require.Error(t, e.SetConfigJson(`{"MaxPageSharing":64}`))
	require.Error(t, e.SetConfigJson(`{"MergeAcrossDomains":false}`))
	// non-shape tunables still change freely
	require.NoError(t, e.SetConfigJson(`{"PagesToScan":50}`))

	require.NoError(t, e.UnmergeAll(context.Background()))
	require.NoError(t, e.SetConfigJson(`{"MaxPageSharing":64}`))
	require.NoError(t, e.SetConfigJson(`{"MergeAcrossDomains":false}`))
}
