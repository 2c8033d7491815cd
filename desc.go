// Copyright 2024 The Pagealloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pagealloc

import (
	"sync"
	"unsafe"
)

// A description is the bookkeeping record standing in for one
// contiguous free range. It lives in permanently allocated pages
// outside the Go heap and is recycled on free lists, never returned to
// the kernel.
//
// The record wears two hats. While tracked by a pageTreeAllocator it
// sits in one address-ordered tree and one size-ordered tree through
// its two link slots, with addr/size holding the range. While on a
// free list only next and count are meaningful; count > 1 marks a run
// of count consecutive unused records collapsed into one list node.
// The two roles never overlap, so the fields simply coexist.
type description struct {
	next  *description
	count uint32
	_     uint32
	links [2]rbLink
	addr  uintptr
	size  uintptr
}

const (
	linkAd   = 0 // slot used by the address-ordered tree
	linkSzad = 1 // slot used by the size-ordered trees
)

// permaPool vends fixed-size records carved from whole raw pages.
// Records are recycled on a run-compressed free list and never given
// back to the OS. The record's first two words must be free for the
// next pointer and the run count; description satisfies this by
// layout, other record types overlay a runHeader.
type permaPool struct {
	mu      sync.Mutex
	list    uintptr // first record of the first run, 0 if empty
	recSize uintptr
}

type runHeader struct {
	next  uintptr
	count uint32
}

func runAt(p uintptr) *runHeader { return (*runHeader)(unsafe.Pointer(p)) }

// The pools draw straight from a raw page allocator so that they work
// before (and during) arena setup.
func permaRawSource() *rawPageAllocator {
	if useBrk {
		return &rawBrk
	}
	return &rawMmap
}

// alloc returns one record, or 0 if the kernel is out of memory.
func (pp *permaPool) alloc() uintptr {
	pp.mu.Lock()
	if pp.list != 0 {
		node := pp.list
		h := runAt(node)
		oldCount, next := h.count, h.next
		if oldCount > 1 {
			rest := node + pp.recSize
			rh := runAt(rest)
			rh.next = next
			rh.count = oldCount - 1
			pp.list = rest
		} else {
			pp.list = next
		}
		pp.mu.Unlock()
		return node
	}
	pp.mu.Unlock()

	// Nothing available; carve a fresh slab.
	allocSize := pagesizeCeil(16 * pp.recSize)
	np := permaRawSource().allocate(allocSize)
	if np == 0 {
		return 0
	}
	rest := np + pp.recSize
	rh := runAt(rest)
	pp.mu.Lock()
	rh.next = pp.list
	rh.count = uint32(allocSize/pp.recSize) - 1
	pp.list = rest
	pp.mu.Unlock()
	return np
}

// allocList returns a chain of exactly preferredCount records linked
// through their next words (runs permitted), or 0 on failure. An
// oversized run on the free list is split, the tail staying behind.
func (pp *permaPool) allocList(preferredCount uint32) uintptr {
	var count uint32
	var ret uintptr
	tail := &ret

	pp.mu.Lock()
	for pp.list != 0 && count < preferredCount {
		node := pp.list
		h := runAt(node)
		oldCount, next := h.count, h.next
		*tail = node
		if count+oldCount > preferredCount {
			pick := preferredCount - count
			rest := node + uintptr(pick)*pp.recSize
			rh := runAt(rest)
			rh.next = next
			rh.count = oldCount - pick
			pp.list = rest
			h.next = 0
			h.count = pick
			pp.mu.Unlock()
			return ret
		}
		count += oldCount
		pp.list = next
		tail = &h.next
	}
	pp.mu.Unlock()

	if count < preferredCount {
		need := preferredCount - count
		allocSize := pagesizeCeil(uintptr(need) * pp.recSize)
		np := permaRawSource().allocate(allocSize)
		if np == 0 {
			// Give back whatever we already grabbed.
			if ret != 0 {
				pp.mu.Lock()
				*tail = pp.list
				pp.list = ret
				pp.mu.Unlock()
			}
			return 0
		}
		allocated := uint32(allocSize / pp.recSize)
		h := runAt(np)
		*tail = np
		h.count = need
		tail = &h.next
		if allocated > need {
			rest := np + uintptr(need)*pp.recSize
			rh := runAt(rest)
			rh.count = allocated - need
			pp.mu.Lock()
			rh.next = pp.list
			pp.list = rest
			pp.mu.Unlock()
		}
	}

	*tail = 0
	return ret
}

func (pp *permaPool) free(p uintptr) {
	pp.mu.Lock()
	h := runAt(p)
	h.next = pp.list
	h.count = 1
	pp.list = p
	pp.mu.Unlock()
}

// freeList returns a whole chain (already linked through next words,
// run counts intact).
func (pp *permaPool) freeList(p uintptr) {
	if p == 0 {
		return
	}
	tail := p
	for runAt(tail).next != 0 {
		tail = runAt(tail).next
	}
	pp.mu.Lock()
	runAt(tail).next = pp.list
	pp.list = p
	pp.mu.Unlock()
}

// The process-wide description pool.
var descAllocator = permaPool{recSize: unsafe.Sizeof(description{})}

func descAt(p uintptr) *description {
	return (*description)(unsafe.Pointer(p))
}

func descAddr(d *description) uintptr {
	return uintptr(unsafe.Pointer(d))
}

// allocDescription returns a record, preferring the thread cache when
// one is in hand. tc may be nil.
func allocDescription(tc *ThreadCache) *description {
	if tc == nil || !tc.ready() {
		p := descAllocator.alloc()
		if p == 0 {
			return nil
		}
		return descAt(p)
	}

	dc := &tc.descCache
	node := dc.list
	if node == nil {
		p := descAllocator.allocList(descPreferredCount)
		if p == 0 {
			return nil
		}
		node = descAt(p)
		dc.count = descPreferredCount
	}
	dc.count--
	if node.count > 1 {
		rest := descAt(descAddr(node) + unsafe.Sizeof(description{}))
		rest.next = node.next
		rest.count = node.count - 1
		dc.list = rest
	} else {
		dc.list = node.next
	}
	return node
}

// freeDescription recycles a record, through the thread cache when one
// is in hand. An overfull cache is flushed back to the pool first.
func freeDescription(tc *ThreadCache, d *description) {
	if tc == nil || !tc.ready() {
		descAllocator.free(descAddr(d))
		return
	}

	dc := &tc.descCache
	if dc.count >= descPreferredCount*4-1 {
		if dc.list != nil {
			descAllocator.freeList(descAddr(dc.list))
		}
		dc.list = nil
		dc.count = 0
	}
	d.next = dc.list
	d.count = 1
	dc.count++
	dc.list = d
}
