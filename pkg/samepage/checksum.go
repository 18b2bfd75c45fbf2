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
	"github.com/cespare/xxhash/v2"
)

// zeroChecksum is the checksum of an all-zero page. It is a cheap
// pre-filter for zero-page merging; the merge path still compares
// full content before trusting it.
var zeroChecksum uint64 = xxhash.Sum64(make([]byte, constPagesize))

// calcChecksum returns the content checksum of one page. Checksums
// gate unstable tree insertion only, they are never a merge
// criterion by themselves.
func calcChecksum(content []byte) uint64 {
	return xxhash.Sum64(content)
}
