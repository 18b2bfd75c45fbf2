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
	"os"
)

const (
	// mergeWin is length of the per-slot rolling merge count window.
	mergeWin = 3

	// chainRefSentinel marks a chain node in the refLen field of a
	// stable node. Any other negative refLen indicates corruption.
	chainRefSentinel = -1024

	// regionMatureRounds is the number of crawl rounds a region must
	// survive before its merge bitmap may be used for scan skipping.
	regionMatureRounds = 5

	// regionInlineBitmapPages is the largest region, in pages, whose
	// merge bitmap fits in a single word.
	regionInlineBitmapPages = 64
)

var constPagesize int = os.Getpagesize()
var constUPagesize uint64 = uint64(constPagesize)
