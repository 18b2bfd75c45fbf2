//go:build linux
// +build linux

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
	"bytes"
	"io/ioutil"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ProcVM observes live Linux processes through /proc and
// process_vm_readv. It never touches the processes: write protection
// and page replacement land in a local overlay, so running the engine
// over it reports the savings merging would achieve, without merging
// anything for real.

// procPage is the backend's handle on one observed page: the process
// address it was resolved at plus the content snapshot taken then.
type procPage struct {
	pid     int
	addr    uint64
	content []byte
	stamp   uint64
}

// procOverlay records the engine's write actions for one process.
type procOverlay struct {
	protected map[uint64]bool
	redirect  map[uint64]PageID
}

// ProcVM is the /proc observation backend. Register processes with
// AddPid before starting the engine.
type ProcVM struct {
	mu       sync.Mutex
	pids     map[SpaceID]*procOverlay
	pages    map[PageID]*procPage
	byAddr   map[SpaceID]map[uint64]PageID
	nextPage PageID
	zero     PageID
}

// ProcSpace accesses one observed process.
type ProcSpace struct {
	vm  *ProcVM
	pid int
}

func NewProcVM() *ProcVM {
	vm := &ProcVM{
		pids:     make(map[SpaceID]*procOverlay),
		pages:    make(map[PageID]*procPage),
		byAddr:   make(map[SpaceID]map[uint64]PageID),
		nextPage: 1,
	}
	vm.zero = vm.nextPage
	vm.nextPage++
	vm.pages[vm.zero] = &procPage{content: make([]byte, constPagesize)}
	return vm
}

// AddPid registers a process for observation.
func (vm *ProcVM) AddPid(pid int) error {
	if !procFileExists("/proc/" + strconv.Itoa(pid)) {
		return errors.Errorf("no such process: %d", pid)
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	id := SpaceID(pid)
	if _, ok := vm.pids[id]; !ok {
		vm.pids[id] = &procOverlay{
			protected: make(map[uint64]bool),
			redirect:  make(map[uint64]PageID),
		}
		vm.byAddr[id] = make(map[uint64]PageID)
	}
	return nil
}

// RemovePid forgets a process and its overlay.
func (vm *ProcVM) RemovePid(pid int) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	id := SpaceID(pid)
	delete(vm.pids, id)
	for _, page := range vm.byAddr[id] {
		delete(vm.pages, page)
	}
	delete(vm.byAddr, id)
}

// RedirectedPages returns how many observed mappings the engine has
// pointed at a merged page, i.e. the achievable page savings.
func (vm *ProcVM) RedirectedPages() int {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	n := 0
	for _, ov := range vm.pids {
		n += len(ov.redirect)
	}
	return n
}

func (vm *ProcVM) Spaces() []SpaceID {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	ids := make([]SpaceID, 0, len(vm.pids))
	for id := range vm.pids {
		if procFileExists("/proc/" + strconv.Itoa(int(id))) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (vm *ProcVM) Space(id SpaceID) (AddressSpace, bool) {
	vm.mu.Lock()
	_, tracked := vm.pids[id]
	vm.mu.Unlock()
	if !tracked || !procFileExists("/proc/"+strconv.Itoa(int(id))) {
		return nil, false
	}
	return &ProcSpace{vm: vm, pid: int(id)}, true
}

func (vm *ProcVM) PageContent(page PageID) []byte {
	vm.mu.Lock()
	p, ok := vm.pages[page]
	vm.mu.Unlock()
	if !ok {
		return nil
	}
	if p.pid == 0 {
		return p.content
	}
	content, err := readProcessPage(p.pid, p.addr)
	if err != nil {
		return nil
	}
	return content
}

func (vm *ProcVM) ContentEqual(page PageID, content []byte) bool {
	current := vm.PageContent(page)
	return current != nil && bytes.Equal(current, content)
}

func (vm *ProcVM) MergedStamp(page PageID) uint64 {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if p, ok := vm.pages[page]; ok {
		return p.stamp
	}
	return 0
}

func (vm *ProcVM) SetMergedStamp(page PageID, stamp uint64) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if p, ok := vm.pages[page]; ok {
		p.stamp = stamp
	}
}

// Domain: numa_maps could give the node per range, but page-granular
// node lookup needs move_pages which requires write access to the
// process. All observed pages report domain 0.
func (vm *ProcVM) Domain(page PageID) int {
	return 0
}

func (vm *ProcVM) ZeroPage() PageID {
	return vm.zero
}

func (vm *ProcVM) TaskSpace(task TaskID) (SpaceID, bool) {
	id := SpaceID(task)
	vm.mu.Lock()
	_, tracked := vm.pids[id]
	vm.mu.Unlock()
	if !tracked {
		return 0, false
	}
	return id, true
}

// TaskRuntime sums utime and stime from /proc/pid/stat.
func (vm *ProcVM) TaskRuntime(task TaskID) time.Duration {
	fields, err := procStatFields(int(task))
	if err != nil || len(fields) < 15 {
		return 0
	}
	utime, _ := strconv.ParseUint(fields[13], 10, 64)
	stime, _ := strconv.ParseUint(fields[14], 10, 64)
	ticks := utime + stime
	return time.Duration(ticks) * (time.Second / 100)
}

func (s *ProcSpace) ID() SpaceID {
	return SpaceID(s.pid)
}

// Areas parses /proc/pid/maps into mergeable areas: private,
// readable, non-special mappings. An anonymous area directly after a
// file mapping borrows that file's identity as its bss.
func (s *ProcSpace) Areas() []Area {
	mapsBytes, err := ioutil.ReadFile("/proc/" + strconv.Itoa(s.pid) + "/maps")
	if err != nil {
		return nil
	}
	areas := []Area{}
	lastFile := uint64(0)
	lastEnd := uint64(0)
	for _, line := range strings.Split(string(mapsBytes), "\n") {
		// 55d74cf13000-55d74cf14000 rw-p 00003000 fe:03 1194719  /usr/bin/python3.8
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		dash := strings.Index(fields[0], "-")
		if dash <= 0 {
			continue
		}
		start, err := strconv.ParseUint(fields[0][:dash], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(fields[0][dash+1:], 16, 64)
		if err != nil || end <= start {
			continue
		}
		perms := fields[1]
		inode, _ := strconv.ParseUint(fields[4], 10, 64)
		path := ""
		if len(fields) >= 6 {
			path = fields[5]
		}

		a := Area{
			Start:     start,
			End:       end,
			Heap:      path == "[heap]",
			Stack:     path == "[stack]",
			Exec:      strings.Contains(perms, "x"),
			FileID:    inode,
			Mergeable: strings.Contains(perms, "r") && strings.Contains(perms, "p") && !strings.HasPrefix(path, "[v"),
		}
		if inode == 0 && path == "" && start == lastEnd && lastFile != 0 {
			a.FileID = lastFile
			a.FileBess = true
		}
		lastFile = inode
		lastEnd = end
		if a.Mergeable {
			areas = append(areas, a)
		}
	}
	return areas
}

// FaultCount sums minflt and majflt from /proc/pid/stat.
func (s *ProcSpace) FaultCount() uint64 {
	fields, err := procStatFields(s.pid)
	if err != nil || len(fields) < 13 {
		return 0
	}
	minflt, _ := strconv.ParseUint(fields[9], 10, 64)
	majflt, _ := strconv.ParseUint(fields[11], 10, 64)
	return minflt + majflt
}

// SizeEstimate returns the anonymous resident pages of the process.
func (s *ProcSpace) SizeEstimate() uint64 {
	statusBytes, err := ioutil.ReadFile("/proc/" + strconv.Itoa(s.pid) + "/status")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(statusBytes), "\n") {
		if !strings.HasPrefix(line, "RssAnon:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024 / constUPagesize
	}
	return 0
}

func (s *ProcSpace) ReadPage(addr uint64) (PageID, []byte, bool) {
	content, err := readProcessPage(s.pid, addr)
	if err != nil {
		return 0, nil, false
	}
	vm := s.vm
	vm.mu.Lock()
	defer vm.mu.Unlock()
	id := SpaceID(s.pid)
	if target, ok := vm.pids[id].redirect[addr]; ok {
		return target, content, true
	}
	page, ok := vm.byAddr[id][addr]
	if !ok {
		page = vm.nextPage
		vm.nextPage++
		vm.byAddr[id][addr] = page
		vm.pages[page] = &procPage{pid: s.pid, addr: addr}
	}
	vm.pages[page].content = content
	return page, content, true
}

// WriteProtect verifies the content is still as expected and records
// the protection in the overlay. The process itself is untouched, so
// the merge this enables is hypothetical, which is exactly this
// backend's purpose.
func (s *ProcSpace) WriteProtect(addr uint64, expected []byte) error {
	content, err := readProcessPage(s.pid, addr)
	if err != nil {
		return errors.Wrapf(ErrSpaceGone, "pid %d addr %x", s.pid, addr)
	}
	if !bytes.Equal(content, expected) {
		return ErrContentChanged
	}
	s.vm.mu.Lock()
	defer s.vm.mu.Unlock()
	ov, ok := s.vm.pids[SpaceID(s.pid)]
	if !ok {
		return ErrSpaceGone
	}
	ov.protected[addr] = true
	return nil
}

func (s *ProcSpace) ReplaceWith(addr uint64, target PageID) error {
	s.vm.mu.Lock()
	defer s.vm.mu.Unlock()
	ov, ok := s.vm.pids[SpaceID(s.pid)]
	if !ok {
		return ErrSpaceGone
	}
	if !ov.protected[addr] {
		return ErrPageBusy
	}
	id := SpaceID(s.pid)
	if old, ok := s.vm.byAddr[id][addr]; ok && old != target {
		delete(s.vm.pages, old)
		delete(s.vm.byAddr[id], addr)
	}
	ov.redirect[addr] = target
	return nil
}

func (s *ProcSpace) BreakProtection(addr uint64) {
	s.vm.mu.Lock()
	defer s.vm.mu.Unlock()
	if ov, ok := s.vm.pids[SpaceID(s.pid)]; ok {
		delete(ov.protected, addr)
		delete(ov.redirect, addr)
	}
}

// readProcessPage snapshots one page of a process with
// process_vm_readv.
func readProcessPage(pid int, addr uint64) ([]byte, error) {
	buf := make([]byte, constPagesize)
	local := []unix.Iovec{{
		Base: &buf[0],
		Len:  uint64(constPagesize),
	}}
	remote := []unix.RemoteIovec{{
		Base: uintptr(addr),
		Len:  constPagesize,
	}}
	n, err := unix.ProcessVMReadv(pid, local, remote, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "process_vm_readv pid %d addr %x", pid, addr)
	}
	if n != constPagesize {
		return nil, errors.Errorf("short page read: %d/%d bytes", n, constPagesize)
	}
	return buf, nil
}

func procFileExists(path string) bool {
	return unix.Access(path, unix.F_OK) == nil
}

func procStatFields(pid int) ([]string, error) {
	statBytes, err := ioutil.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return nil, errors.Wrapf(err, "pid %d", pid)
	}
	// the comm field may contain spaces; fields start after ')'
	stat := string(statBytes)
	paren := strings.LastIndex(stat, ")")
	if paren < 0 {
		return nil, errors.Errorf("malformed stat for pid %d", pid)
	}
	fields := append([]string{"", ""}, strings.Fields(stat[paren+1:])...)
	return fields, nil
}
