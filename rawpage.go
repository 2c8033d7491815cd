// Copyright 2024 The Pagealloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pagealloc

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// A rawPageAllocator grows the address space for one arena family and
// amortizes the cost of doing so: kernel requests are rounded up to a
// huge page (or 32 pages), and the unused tail of each oversized
// request is kept on a fragment list for the next call.
//
// There are exactly three instances, matching the three arenas.
type rawPageAllocator struct {
	mu       sync.Mutex
	cached   uintptr // head of the cachedFragment list, 0 if empty
	useBrk   bool
	allowTHP bool
}

// A cachedFragment lives in the first bytes of the free range it
// describes.
type cachedFragment struct {
	next uintptr
	size uintptr
}

var (
	rawBrk       = rawPageAllocator{useBrk: true, allowTHP: true}
	rawMmap      = rawPageAllocator{allowTHP: true}
	rawMmapNoTHP = rawPageAllocator{}
)

// Program break bookkeeping. brkCur and brkInitial are written under
// brkMu but read locklessly by isFromBrk, hence the atomics.
var (
	brkMu      sync.Mutex
	brkInitial uintptr
	brkCur     uintptr
)

func fragmentAt(p uintptr) *cachedFragment {
	return (*cachedFragment)(unsafe.Pointer(p))
}

// rawBrkPages grows the program break by at least size bytes, huge page
// aligned where huge pages are in play. Returns the old break and the
// number of bytes actually acquired, or (0, 0) if the kernel refused.
// brk is inherently process-global, so all of this is serialized.
func rawBrkPages(size uintptr) (base, allocSize uintptr) {
	brkMu.Lock()
	defer brkMu.Unlock()

	if atomic.LoadUintptr(&brkCur) == 0 {
		b := roundUp(sysBrk(0), pageSize)
		atomic.StoreUintptr(&brkInitial, b)
		atomic.StoreUintptr(&brkCur, b)
	}

	cur := atomic.LoadUintptr(&brkCur)
	preferred := size
	if g := preferredGrowth(); preferred < g {
		preferred = g
	}
	target := cur + preferred
	if hugePageSize > 0 {
		target = roundUp(target, hugePageSize)
	}
	allocSize = target - cur
	if sysBrk(target) != target {
		return 0, 0
	}
	atomic.StoreUintptr(&brkCur, target)
	return cur, allocSize
}

func preferredGrowth() uintptr {
	if hugePageSize > 0 {
		return hugePageSize
	}
	return 32 * pageSize
}

// isFromBrk reports whether p lies inside the brk-grown region.
func isFromBrk(p uintptr) bool {
	return useBrk && p >= atomic.LoadUintptr(&brkInitial) &&
		p < atomic.LoadUintptr(&brkCur)
}

// allocate returns a page-aligned range of exactly size bytes, or 0 on
// failure. It may acquire more than size bytes from the kernel; the
// remainder is stashed on the fragment list. The returned memory is
// always zero (fresh mappings are zero, and fragment headers are
// scrubbed before handing the fragment out).
//
// The whole function runs under the instance lock, mmap included:
// memory mapping is inherently serial in the kernel, so there is no
// parallelism to lose, and it keeps the brk handling simple.
func (r *rawPageAllocator) allocate(size uintptr) uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached != 0 {
		prev := &r.cached
		for cur := r.cached; cur != 0; {
			f := fragmentAt(cur)
			curSize, curNext := f.size, f.next
			switch {
			case curSize > size:
				rest := fragmentAt(cur + size)
				rest.next = curNext
				rest.size = curSize - size
				*prev = cur + size
				f.next, f.size = 0, 0
				return cur
			case curSize == size:
				*prev = curNext
				f.next, f.size = 0, 0
				return cur
			default:
				prev = &f.next
				cur = curNext
			}
		}
	}

	var np, allocSize uintptr
	if r.useBrk {
		np, allocSize = rawBrkPages(size)
		if np == 0 {
			return 0
		}
	} else {
		allocSize = roundUp(size, preferredGrowth())
		np = sysMmap(allocSize)
		if np == 0 {
			return 0
		}
		if hugePageSize > 0 && !r.allowTHP {
			sysNoHugePage(np, allocSize)
		}
	}

	if allocSize > size {
		rest := fragmentAt(np + size)
		rest.next = r.cached
		rest.size = allocSize - size
		r.cached = np + size
	}
	return np
}
