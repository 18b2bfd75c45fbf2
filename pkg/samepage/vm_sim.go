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

// The simulated VM keeps whole address spaces in memory. It backs the
// engine tests and samepaged's simulate mode.

package samepage

import (
	"sort"
	"sync"
	"time"
)

type simPage struct {
	content   []byte
	refs      int // mapping references
	extra     int // injected external references
	stamp     uint64
	domain    int
	reclaimed bool
}

type simMapping struct {
	page      PageID
	protected bool
}

type simTask struct {
	space   SpaceID
	runtime time.Duration
}

// SimVM is an in-memory VM backend.
type SimVM struct {
	mu       sync.Mutex
	spaces   map[SpaceID]*SimSpace
	pages    map[PageID]*simPage
	tasks    map[TaskID]simTask
	nextPage PageID
	zero     PageID

	failWriteProtect int
	failReplace      int
}

// SimSpace is one simulated address space.
type SimSpace struct {
	vm       *SimVM
	id       SpaceID
	areas    []Area
	mappings map[uint64]*simMapping
	faults   uint64
	exited   bool
}

func NewSimVM() *SimVM {
	vm := &SimVM{
		spaces:   make(map[SpaceID]*SimSpace),
		pages:    make(map[PageID]*simPage),
		tasks:    make(map[TaskID]simTask),
		nextPage: 1,
	}
	vm.zero = vm.allocPage(make([]byte, constPagesize), 0)
	vm.pages[vm.zero].extra = 1 // never reclaimed
	return vm
}

// allocPage must be called with vm.mu held.
func (vm *SimVM) allocPage(content []byte, domain int) PageID {
	id := vm.nextPage
	vm.nextPage++
	c := make([]byte, constPagesize)
	copy(c, content)
	vm.pages[id] = &simPage{content: c, refs: 1, domain: domain}
	return id
}

// releasePage must be called with vm.mu held.
func (vm *SimVM) releasePage(id PageID) {
	p, ok := vm.pages[id]
	if !ok {
		return
	}
	p.refs--
	if p.refs <= 0 && p.extra <= 0 {
		p.reclaimed = true
		p.content = nil
		p.stamp = 0
	}
}

func (vm *SimVM) AddSpace(id SpaceID) *SimSpace {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	s := &SimSpace{
		vm:       vm,
		id:       id,
		mappings: make(map[uint64]*simMapping),
	}
	vm.spaces[id] = s
	return s
}

func (vm *SimVM) Spaces() []SpaceID {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	ids := make([]SpaceID, 0, len(vm.spaces))
	for id, s := range vm.spaces {
		if !s.exited {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (vm *SimVM) Space(id SpaceID) (AddressSpace, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	s, ok := vm.spaces[id]
	if !ok || s.exited {
		return nil, false
	}
	return s, true
}

func (vm *SimVM) PageContent(page PageID) []byte {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	p, ok := vm.pages[page]
	if !ok || p.reclaimed {
		return nil
	}
	c := make([]byte, len(p.content))
	copy(c, p.content)
	return c
}

func (vm *SimVM) ContentEqual(page PageID, content []byte) bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	p, ok := vm.pages[page]
	if !ok || p.reclaimed || len(p.content) != len(content) {
		return false
	}
	for i := range content {
		if p.content[i] != content[i] {
			return false
		}
	}
	return true
}

func (vm *SimVM) MergedStamp(page PageID) uint64 {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if p, ok := vm.pages[page]; ok && !p.reclaimed {
		return p.stamp
	}
	return 0
}

func (vm *SimVM) SetMergedStamp(page PageID, stamp uint64) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if p, ok := vm.pages[page]; ok && !p.reclaimed {
		p.stamp = stamp
	}
}

func (vm *SimVM) Domain(page PageID) int {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if p, ok := vm.pages[page]; ok {
		return p.domain
	}
	return 0
}

func (vm *SimVM) ZeroPage() PageID {
	return vm.zero
}

func (vm *SimVM) SetTask(task TaskID, space SpaceID, runtime time.Duration) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.tasks[task] = simTask{space: space, runtime: runtime}
}

func (vm *SimVM) TaskSpace(task TaskID) (SpaceID, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	t, ok := vm.tasks[task]
	return t.space, ok
}

func (vm *SimVM) TaskRuntime(task TaskID) time.Duration {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.tasks[task].runtime
}

// FailNextWriteProtect makes the next n WriteProtect calls fail with
// ErrPageBusy, emulating concurrent faults.
func (vm *SimVM) FailNextWriteProtect(n int) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.failWriteProtect = n
}

// FailNextReplace makes the next n ReplaceWith calls fail.
func (vm *SimVM) FailNextReplace(n int) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.failReplace = n
}

// AddExternalRef pins an extra reference on a page, which makes
// WriteProtect of its mappings fail with ErrRefRace.
func (vm *SimVM) AddExternalRef(page PageID) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if p, ok := vm.pages[page]; ok {
		p.extra++
	}
}

func (vm *SimVM) DropExternalRef(page PageID) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if p, ok := vm.pages[page]; ok && p.extra > 0 {
		p.extra--
		if p.refs <= 0 && p.extra <= 0 {
			p.reclaimed = true
			p.content = nil
			p.stamp = 0
		}
	}
}

// PageRefs reports the mapping reference count of a physical page.
func (vm *SimVM) PageRefs(page PageID) int {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if p, ok := vm.pages[page]; ok && !p.reclaimed {
		return p.refs
	}
	return 0
}

func (s *SimSpace) ID() SpaceID {
	return s.id
}

// Map adds an area and populates it with private zero-filled pages.
func (s *SimSpace) Map(a Area) {
	s.vm.mu.Lock()
	defer s.vm.mu.Unlock()
	s.areas = append(s.areas, a)
	sort.Slice(s.areas, func(i, j int) bool { return s.areas[i].Start < s.areas[j].Start })
	for addr := a.Start; addr < a.End; addr += constUPagesize {
		s.mappings[addr] = &simMapping{page: s.vm.allocPage(nil, 0)}
	}
}

// Unmap drops mappings in [start, end) and shrinks or removes the
// covering areas.
func (s *SimSpace) Unmap(start, end uint64) {
	s.vm.mu.Lock()
	defer s.vm.mu.Unlock()
	for addr := start; addr < end; addr += constUPagesize {
		if m, ok := s.mappings[addr]; ok {
			s.vm.releasePage(m.page)
			delete(s.mappings, addr)
		}
	}
	areas := s.areas[:0]
	for _, a := range s.areas {
		switch {
		case a.Start >= start && a.End <= end:
			// dropped
		case start > a.Start && start < a.End && end >= a.End:
			a.End = start
			areas = append(areas, a)
		case end > a.Start && end < a.End && start <= a.Start:
			a.Start = end
			areas = append(areas, a)
		default:
			areas = append(areas, a)
		}
	}
	s.areas = areas
}

// WriteAt writes data at addr, emulating a write fault. A protected
// mapping gets a private copy first (the copy-on-write break).
func (s *SimSpace) WriteAt(addr uint64, data []byte) {
	s.vm.mu.Lock()
	defer s.vm.mu.Unlock()
	base := addr &^ (constUPagesize - 1)
	m, ok := s.mappings[base]
	if !ok {
		return
	}
	p := s.vm.pages[m.page]
	if m.protected || p.refs > 1 {
		np := s.vm.allocPage(p.content, p.domain)
		s.vm.releasePage(m.page)
		m.page = np
		m.protected = false
		p = s.vm.pages[np]
		s.faults++
	}
	copy(p.content[addr-base:], data)
}

// Exit terminates the space and releases its pages.
func (s *SimSpace) Exit() {
	s.vm.mu.Lock()
	defer s.vm.mu.Unlock()
	s.exited = true
	for _, m := range s.mappings {
		s.vm.releasePage(m.page)
	}
	s.mappings = make(map[uint64]*simMapping)
	s.areas = nil
}

func (s *SimSpace) Areas() []Area {
	s.vm.mu.Lock()
	defer s.vm.mu.Unlock()
	areas := make([]Area, len(s.areas))
	copy(areas, s.areas)
	return areas
}

func (s *SimSpace) FaultCount() uint64 {
	s.vm.mu.Lock()
	defer s.vm.mu.Unlock()
	return s.faults
}

func (s *SimSpace) SizeEstimate() uint64 {
	s.vm.mu.Lock()
	defer s.vm.mu.Unlock()
	return uint64(len(s.mappings))
}

func (s *SimSpace) ReadPage(addr uint64) (PageID, []byte, bool) {
	s.vm.mu.Lock()
	defer s.vm.mu.Unlock()
	m, ok := s.mappings[addr]
	if !ok || s.exited {
		return 0, nil, false
	}
	p := s.vm.pages[m.page]
	if p == nil || p.reclaimed {
		return 0, nil, false
	}
	c := make([]byte, len(p.content))
	copy(c, p.content)
	return m.page, c, true
}

func (s *SimSpace) WriteProtect(addr uint64, expected []byte) error {
	s.vm.mu.Lock()
	defer s.vm.mu.Unlock()
	if s.exited {
		return ErrSpaceGone
	}
	if s.vm.failWriteProtect > 0 {
		s.vm.failWriteProtect--
		return ErrPageBusy
	}
	m, ok := s.mappings[addr]
	if !ok {
		return ErrSpaceGone
	}
	p := s.vm.pages[m.page]
	if p == nil || p.reclaimed {
		return ErrPageBusy
	}
	if len(expected) != len(p.content) {
		return ErrContentChanged
	}
	for i := range expected {
		if p.content[i] != expected[i] {
			return ErrContentChanged
		}
	}
	if p.extra > 0 {
		return ErrRefRace
	}
	m.protected = true
	return nil
}

func (s *SimSpace) ReplaceWith(addr uint64, target PageID) error {
	s.vm.mu.Lock()
	defer s.vm.mu.Unlock()
	if s.exited {
		return ErrSpaceGone
	}
	if s.vm.failReplace > 0 {
		s.vm.failReplace--
		return ErrPageBusy
	}
	m, ok := s.mappings[addr]
	if !ok {
		return ErrSpaceGone
	}
	tp, ok := s.vm.pages[target]
	if !ok || tp.reclaimed {
		return ErrPageBusy
	}
	if m.page == target {
		m.protected = true
		return nil
	}
	tp.refs++
	s.vm.releasePage(m.page)
	m.page = target
	m.protected = true
	return nil
}

func (s *SimSpace) BreakProtection(addr uint64) {
	s.vm.mu.Lock()
	defer s.vm.mu.Unlock()
	m, ok := s.mappings[addr]
	if !ok || !m.protected {
		return
	}
	p := s.vm.pages[m.page]
	if p != nil && !p.reclaimed && p.refs > 1 {
		np := s.vm.allocPage(p.content, p.domain)
		s.vm.releasePage(m.page)
		m.page = np
	}
	m.protected = false
}
