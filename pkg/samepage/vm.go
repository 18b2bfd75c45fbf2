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
	"errors"
	"time"
)

// SpaceID identifies one address space (a pid, in the proc backend).
type SpaceID int

// TaskID identifies one task for dormancy signaling. The task's
// address space may not exist yet when the first signal arrives.
type TaskID int

// PageID identifies one physical page. Zero means no page.
type PageID uint64

// Transient merge failures. The engine aborts the current step and
// retries on a later round; none of these is fatal.
var (
	// ErrPageBusy: the page is locked or under concurrent fault.
	ErrPageBusy = errors.New("page busy")
	// ErrContentChanged: content changed between read and protect.
	ErrContentChanged = errors.New("page content changed")
	// ErrRefRace: the page's reference count does not match the
	// mapping count, someone else holds a transient reference.
	ErrRefRace = errors.New("page reference race")
	// ErrSpaceGone: the owning address space exited mid-operation.
	ErrSpaceGone = errors.New("address space gone")
)

// Area is one mergeable virtual memory area of an address space.
type Area struct {
	Start uint64
	End   uint64
	// Heap and Stack mark well-known anonymous areas.
	Heap  bool
	Stack bool
	Exec  bool
	// FileID is a stable identity of the backing file (inode
	// number in the proc backend), 0 for pure anonymous areas.
	// Anonymous areas adjacent to a file mapping report the file
	// of that mapping so structurally equal bss segments can share
	// one region record.
	FileID    uint64
	FileBess  bool // FileID borrowed from a neighboring file mapping
	Mergeable bool
}

// Pages returns the area length in pages.
func (a *Area) Pages() uint64 {
	return (a.End - a.Start) / constUPagesize
}

// AddressSpace gives the engine page access to one address space. All
// page manipulation is delegated here; the engine never touches
// mappings itself.
type AddressSpace interface {
	ID() SpaceID
	// Areas returns the mergeable areas in address order. The
	// result is a snapshot; areas may move or vanish at any time.
	Areas() []Area
	// FaultCount returns the space's major+minor fault counter.
	FaultCount() uint64
	// SizeEstimate returns the anonymous page count estimate.
	SizeEstimate() uint64
	// ReadPage resolves a mapped page and snapshots its content.
	// ok is false when nothing scannable is mapped at addr.
	ReadPage(addr uint64) (page PageID, content []byte, ok bool)
	// WriteProtect makes the mapping at addr read-only if and only
	// if the page content still equals expected and no concurrent
	// reference holds the page.
	WriteProtect(addr uint64, expected []byte) error
	// ReplaceWith redirects the mapping at addr to target, leaving
	// it write-protected. The previous page is released.
	ReplaceWith(addr uint64, target PageID) error
	// BreakProtection gives the mapping at addr a private writable
	// page again. A no-op for mappings that are not protected.
	BreakProtection(addr uint64)
}

// VM is the integration surface to the memory manager.
type VM interface {
	// Spaces lists the ids of all live address spaces.
	Spaces() []SpaceID
	// Space returns an accessor for one address space. ok is false
	// once the space has exited.
	Space(id SpaceID) (AddressSpace, bool)
	// PageContent snapshots physical page content. nil when the
	// page has been reclaimed.
	PageContent(page PageID) []byte
	// ContentEqual compares physical page content against a
	// buffer without copying the page.
	ContentEqual(page PageID, content []byte) bool
	// MergedStamp and SetMergedStamp maintain the merge-owner
	// stamp a physical page claims. The stable tree validates the
	// stamp on every access instead of holding a page reference,
	// so reclaim is never blocked by the tree.
	MergedStamp(page PageID) uint64
	SetMergedStamp(page PageID, stamp uint64)
	// Domain returns the memory domain of a physical page.
	Domain(page PageID) int
	// ZeroPage returns the shared all-zero page.
	ZeroPage() PageID
	// TaskSpace maps a task to its address space once that exists.
	TaskSpace(task TaskID) (SpaceID, bool)
	// TaskRuntime returns the task's total execution time so far,
	// 0 when the task is gone.
	TaskRuntime(task TaskID) time.Duration
}

