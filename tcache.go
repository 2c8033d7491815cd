// Copyright 2024 The Pagealloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pagealloc

import (
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"
)

const (
	// Descriptions kept per cache; refills pull this many in bulk.
	descPreferredCount = 16

	// Page category caches cover runs of 1..8 pages.
	pageMaxCategory    = 7
	pageCategories     = pageMaxCategory + 1
	pagePreferredCount = 4
)

// Cache life cycle. A cache that is not ready is passed over: every
// operation falls through to the uncached arena path. settingUp closes
// the re-entry window during construction.
const (
	tcInitial = iota
	tcSettingUp
	tcReady
)

type descriptionCache struct {
	list  *description
	count uint32
}

func (dc *descriptionCache) clear() {
	if dc.list != nil {
		descAllocator.freeList(descAddr(dc.list))
	}
	dc.list = nil
	dc.count = 0
}

// A pageCategoryCache keeps, per exact size of 1..8 pages, a singly
// linked list of free pages threaded through the pages' leading words,
// plus a count. It belongs to one arena and holds only pages of that
// arena.
type pageCategoryCache struct {
	list  [pageCategories]uintptr
	count [pageCategories]uint8
}

func sizeToPageCategory(size uintptr) uintptr { return (size - pageSize) >> pageShift }
func pageCategoryToSize(cat uintptr) uintptr  { return (cat + 1) << pageShift }

func maxCachedPageSize() uintptr { return pageCategoryToSize(pageMaxCategory) }

func (pc *pageCategoryCache) tryPop(cat uintptr) uintptr {
	page := pc.list[cat]
	if page == 0 {
		return 0
	}
	pc.list[cat] = *(*uintptr)(unsafe.Pointer(page))
	pc.count[cat]--
	return page
}

// clear drains every cached page back into the arena under its lock.
func (pc *pageCategoryCache) clear(a *arena) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for cat := uintptr(0); cat < pageCategories; cat++ {
		page := pc.list[cat]
		pc.list[cat] = 0
		pc.count[cat] = 0
		for page != 0 {
			next := *(*uintptr)(unsafe.Pointer(page))
			a.totalBytesAllocated -= pageCategoryToSize(cat)
			a.reclaimUnlocked(nil, page, pageCategoryToSize(cat), 0)
			page = next
		}
	}
}

// A ThreadCache keeps the arena locks out of the hot path: a
// description cache plus one page category cache per arena. Like a
// per-P cache in the runtime, a ThreadCache must be owned by one
// goroutine at a time; it does no locking of its own.
//
// The package-level entry points borrow caches from an internal pool
// automatically. Long-running workers that want a private cache can
// hold one explicitly; Close returns everything to the arenas and is
// also wired up as a finalizer, standing in for a thread-exit
// destructor.
type ThreadCache struct {
	status     uint32
	descCache  descriptionCache
	pageCaches [arenaCount]pageCategoryCache
}

// NewThreadCache returns a ready cache. The caller should Close it
// when done; an unreachable cache drains itself at the next GC.
func NewThreadCache() *ThreadCache {
	tc := &ThreadCache{}
	tc.setup()
	runtime.SetFinalizer(tc, (*ThreadCache).Close)
	return tc
}

func (tc *ThreadCache) setup() {
	if !atomic.CompareAndSwapUint32(&tc.status, tcInitial, tcSettingUp) {
		return
	}
	// Pre-warm the description cache; allocator calls made while we
	// are still setting up see a not-ready cache and stay uncached.
	if p := descAllocator.allocList(descPreferredCount); p != 0 {
		tc.descCache.list = descAt(p)
		tc.descCache.count = descPreferredCount
	}
	atomic.StoreUint32(&tc.status, tcReady)
}

func (tc *ThreadCache) ready() bool {
	return tc != nil && atomic.LoadUint32(&tc.status) == tcReady
}

// Close drains the cache: every cached free page goes back to its
// arena under that arena's lock, and the description cache returns to
// the pool. Closing twice is a no-op. A closed cache is skipped by
// every operation, which then uses the uncached paths.
func (tc *ThreadCache) Close() {
	if tc == nil || !atomic.CompareAndSwapUint32(&tc.status, tcReady, tcInitial) {
		return
	}
	runtime.SetFinalizer(tc, nil)
	for i, a := range arenas {
		tc.pageCaches[i].clear(a)
	}
	tc.descCache.clear()
}

// The shared pool behind the package-level entry points. sync.Pool
// gives the per-P distribution the runtime gives its mcaches; the
// finalizer set in NewThreadCache covers caches the pool drops.
var tcPool = sync.Pool{
	New: func() interface{} { return NewThreadCache() },
}

func getThreadCache() *ThreadCache {
	tc := tcPool.Get().(*ThreadCache)
	if !tc.ready() {
		// Mid-setup or closed; leave it behind and run uncached.
		return nil
	}
	return tc
}

func putThreadCache(tc *ThreadCache) {
	if tc != nil {
		tcPool.Put(tc)
	}
}
