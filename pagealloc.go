// Copyright 2024 The Pagealloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pagealloc is a page-granular memory allocator for Linux: the
// substrate a small-object allocator sits on, and the direct home of
// large allocations.
//
// Memory is obtained from the kernel in big aligned chunks, via the
// program break or anonymous mappings, and subdivided into page
// runs. Free runs are indexed per arena by a pair of red-black trees
// (address order and size order) giving best-fit allocation with
// low-address tie-breaking and O(log n) coalescing. A process-wide
// lock-free trie maps a large block's address to its size, so freeing
// needs only the pointer. Per-thread caches (per goroutine here; see
// ThreadCache) keep the arena locks off the hot path, and arenas
// periodically trim idle dirty ranges back to the kernel, releasing
// them outside the arena lock.
//
// Allocating pages is like anonymous mmap: AllocatePage and
// ReclaimPage need not pair up — allocate two pages, reclaim one.
// The large-block entry points do pair up, through the trie.
package pagealloc

import (
	"sync/atomic"
	"unsafe"
)

// debugChecks compiles in cheap argument and invariant assertions.
const debugChecks = false

// ReclaimFlags qualify a reclaimed range.
type ReclaimFlags uint32

const (
	// ReclaimPageNoMergeLeft asserts no free neighbour can exist
	// immediately below the range.
	ReclaimPageNoMergeLeft ReclaimFlags = 1 << iota
	// ReclaimPageNoMergeRight asserts no free neighbour can exist
	// immediately above the range.
	ReclaimPageNoMergeRight
	// ReclaimPageClean promises the range reads as zero.
	ReclaimPageClean
	// ReclaimPageNoTHP routes the range to the huge-page-forbidden
	// mmap arena.
	ReclaimPageNoTHP
)

// AllocateOptions qualify an allocation.
type AllocateOptions struct {
	// Align is accepted for interface compatibility with the
	// small-object layer; the page layer always returns page-aligned
	// memory, which satisfies any valid value.
	Align uint16
	// Zero requests memory that reads as zero.
	Zero bool
	// ForceMmap forbids the brk arena (use it when the pages may be
	// unmapped directly, e.g. gifted to the kernel). Implies no
	// transparent huge pages.
	ForceMmap bool
}

// The out-of-memory hook. Nil means AllocLarge just returns nil;
// installing a handler (e.g. one that panics) turns kernel OOM into a
// hard stop.
var nomemHook atomic.Value // of func()

// SetNomemHandler installs f to run whenever AllocLarge cannot get
// pages from the kernel or is asked for 4 GiB or more. AllocatePage
// and a failure to grow the trie do not consult it. Pass nil to
// restore the default (return nil to the caller).
func SetNomemHandler(f func()) {
	nomemHook.Store(&f)
}

func nomem() unsafe.Pointer {
	if p, _ := nomemHook.Load().(*func()); p != nil && *p != nil {
		(*p)()
	}
	return nil
}

// memclr zeroes [addr, addr+n).
func memclr(addr, n uintptr) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
	clear(b)
}

func memmove(dst, src, n uintptr) {
	copy(unsafe.Slice((*byte)(unsafe.Pointer(dst)), n),
		unsafe.Slice((*byte)(unsafe.Pointer(src)), n))
}

func allocatePageUncached(tc *ThreadCache, size uintptr, opt AllocateOptions) uintptr {
	if useBrk && !opt.ForceMmap {
		if page := arenaBrk.allocate(tc, size, opt.Zero); page != 0 {
			return page
		}
	}
	a := &arenaMmap
	if hugePageSize > 0 && opt.ForceMmap {
		a = &arenaMmapNoTHP
	}
	return a.allocate(tc, size, opt.Zero)
}

// AllocatePage returns size bytes of whole pages, page-aligned, or nil
// if the kernel is out of memory. size must be a positive multiple of
// the page size.
func AllocatePage(size uintptr, opt AllocateOptions) unsafe.Pointer {
	tc := getThreadCache()
	p := allocatePage(tc, size, opt)
	putThreadCache(tc)
	return unsafe.Pointer(p)
}

func allocatePage(tc *ThreadCache, size uintptr, opt AllocateOptions) uintptr {
	if debugChecks && (size == 0 || size%pageSize != 0) {
		panic("pagealloc: bad AllocatePage size")
	}

	if tc != nil && !opt.Zero && size <= maxCachedPageSize() {
		cat := sizeToPageCategory(size)
		if useBrk && !opt.ForceMmap {
			if page := tc.pageCaches[arenaIdxBrk].tryPop(cat); page != 0 {
				return page
			}
		}
		cache := &tc.pageCaches[arenaIdxMmap]
		if hugePageSize > 0 && opt.ForceMmap {
			cache = &tc.pageCaches[arenaIdxMmapNoTHP]
		}
		if page := cache.tryPop(cat); page != 0 {
			return page
		}
	}
	return allocatePageUncached(tc, size, opt)
}

// ReclaimPage gives back size bytes of pages previously obtained from
// AllocatePage. Small runs park in the per-thread cache; overflow and
// big runs go to the owning arena, which may in turn trim.
func ReclaimPage(p unsafe.Pointer, size uintptr, flags ReclaimFlags) {
	tc := getThreadCache()
	reclaimPage(tc, uintptr(p), size, flags)
	putThreadCache(tc)
}

// ReclaimPageOptions is ReclaimPage for callers holding the
// AllocateOptions they allocated with. Only ForceMmap survives the
// translation: it routes to the no-THP arena.
func ReclaimPageOptions(p unsafe.Pointer, size uintptr, opt AllocateOptions) {
	var flags ReclaimFlags
	if opt.ForceMmap {
		flags = ReclaimPageNoTHP
	}
	ReclaimPage(p, size, flags)
}

func reclaimPage(tc *ThreadCache, page, size uintptr, flags ReclaimFlags) {
	if debugChecks && (page == 0 || size == 0 || size%pageSize != 0) {
		panic("pagealloc: bad ReclaimPage range")
	}

	fromBrk := useBrk && isFromBrk(page)
	useNoTHP := hugePageSize > 0 && flags&ReclaimPageNoTHP != 0

	var a *arena
	switch {
	case fromBrk:
		a = &arenaBrk
	case useNoTHP:
		a = &arenaMmapNoTHP
	default:
		a = &arenaMmap
	}

	if size <= maxCachedPageSize() && tc.ready() {
		cache := &tc.pageCaches[a.idx]
		cat := sizeToPageCategory(size)

		cacheHead := cache.list[cat]
		*(*uintptr)(unsafe.Pointer(page)) = cacheHead

		if cache.count[cat] < pagePreferredCount*2 {
			cache.count[cat]++
			cache.list[cat] = page
			return
		}
		// Keep some, return the rest in one batch.
		cache.count[cat] -= pagePreferredCount

		check := cacheHead
		for n := 1; n < pagePreferredCount; n++ {
			check = *(*uintptr)(unsafe.Pointer(check))
		}
		cache.list[cat] = *(*uintptr)(unsafe.Pointer(check))
		*(*uintptr)(unsafe.Pointer(check)) = 0

		a.reclaimList(tc, page, size)
		return
	}

	a.reclaim(tc, page, size, flags)
}

// AllocLarge returns n bytes (rounded up to whole pages), zeroed if
// zero is set, and records the block in the trie so FreeLarge needs
// only the pointer. Returns nil on kernel OOM (after consulting the
// nomem handler) and rejects single requests of 4 GiB or more.
func AllocLarge(n uintptr, zero bool) unsafe.Pointer {
	n = pagesizeCeil(n)
	if n != uintptr(uint32(n)) {
		// Don't support allocating 4 GiB or more at one time.
		return nomem()
	}

	tc := getThreadCache()
	defer putThreadCache(tc)

	page := allocatePage(tc, n, AllocateOptions{Zero: zero})
	if page == 0 {
		return nomem()
	}
	if !setLargeBlockSize(page, n) {
		reclaimPage(tc, page, n, 0)
		return nil
	}
	return unsafe.Pointer(page)
}

// FreeLarge releases a block obtained from AllocLarge. p must be such
// a block's base address: the size comes from the trie, and an address
// this allocator never returned crashes the process by design. The
// trie slot is not cleared — overwriting it at the next allocation of
// the same frame is cheaper.
func FreeLarge(p unsafe.Pointer) {
	page := uintptr(p)
	size := lookupLargeBlockSizeFailCrash(page)
	tc := getThreadCache()
	reclaimPage(tc, page, size, 0)
	putThreadCache(tc)
}

// FreeLargeSized is FreeLarge for callers that know the size (the
// sized-deallocation interface); it skips the trie read.
func FreeLargeSized(p unsafe.Pointer, n uintptr) {
	tc := getThreadCache()
	reclaimPage(tc, uintptr(p), pagesizeCeil(n), 0)
	putThreadCache(tc)
}

// ReallocLarge resizes a large block. Shrinking and same-size always
// keep the address; growth first tries to extend in place from the
// mmap arena's free space, then falls back to allocate-copy-free.
// Returns nil (with the old block intact) on kernel OOM.
func ReallocLarge(p unsafe.Pointer, n uintptr) unsafe.Pointer {
	newSize := pagesizeCeil(n)
	page := uintptr(p)
	slot := lookupLargeBlockFailCrash(page)
	oldSize := uintptr(atomic.LoadUint32(slot)) << logMinPageSize

	switch {
	case oldSize == newSize:
		return p
	case oldSize > newSize:
		atomic.StoreUint32(slot, uint32(newSize>>logMinPageSize))
		tc := getThreadCache()
		reclaimPage(tc, page+newSize, oldSize-newSize, ReclaimPageNoMergeLeft)
		putThreadCache(tc)
		return p
	default:
		tc := getThreadCache()
		if arenaMmap.extendNoMove(tc, page, oldSize, newSize-oldSize) {
			putThreadCache(tc)
			atomic.StoreUint32(slot, uint32(newSize>>logMinPageSize))
			return p
		}
		putThreadCache(tc)
		np := AllocLarge(newSize, false)
		if np != nil {
			memmove(uintptr(np), page, oldSize)
			tc := getThreadCache()
			reclaimPage(tc, page, oldSize, 0)
			putThreadCache(tc)
		}
		return np
	}
}

// LargeAllocatedSize returns the usable size of a block obtained from
// AllocLarge. Same contract as FreeLarge: a foreign address crashes.
func LargeAllocatedSize(p unsafe.Pointer) uintptr {
	return lookupLargeBlockSizeFailCrash(uintptr(p))
}

// LargeTrim returns idle memory to the kernel: the calling context's
// page caches drain to their arenas, then each arena that has had at
// least 2*pad bytes reclaimed since its last trim attempt extracts
// trimming candidates of at least pad bytes under its lock and
// releases them with the lock dropped.
func LargeTrim(pad uintptr) {
	tc := getThreadCache()
	defer putThreadCache(tc)

	for _, a := range arenas {
		if a == &arenaBrk && !useBrk {
			continue
		}
		if a == &arenaMmapNoTHP && hugePageSize == 0 {
			continue
		}
		if tc != nil {
			tc.pageCaches[a.idx].clear(a)
		}
		clean := a.trimAndExtract(pad, true)
		a.clearDescriptionList(tc, clean)
	}
	// The description caches stay: they hold permanent records that
	// never go back to the system anyway.
}

// ArenaStats is a point-in-time snapshot of one arena.
type ArenaStats struct {
	Name string

	// Bytes handed out and not yet reclaimed (pages parked in thread
	// caches count as handed out).
	TotalBytesAllocated uint64

	// Free bytes tracked by the arena, in total and by state. Clean
	// and dirty always sum to the total.
	FreeBytes      uint64
	FreeCleanBytes uint64
	FreeDirtyBytes uint64

	// Bytes reclaimed since the last trim attempt, and trims so far.
	ReclaimCount uint64
	Trims        uint64
}

var arenaNames = [arenaCount]string{"brk", "mmap", "mmap_nothp"}

// Stats snapshots every arena, taking each arena's lock in turn.
func Stats() []ArenaStats {
	out := make([]ArenaStats, 0, arenaCount)
	for i, a := range arenas {
		a.mu.Lock()
		out = append(out, ArenaStats{
			Name:                arenaNames[i],
			TotalBytesAllocated: uint64(a.totalBytesAllocated),
			FreeBytes:           uint64(a.treeAll.bytes),
			FreeCleanBytes:      uint64(a.treeClean.bytes),
			FreeDirtyBytes:      uint64(a.treeDirty.bytes),
			ReclaimCount:        uint64(a.reclaimCount),
			Trims:               a.trims,
		})
		a.mu.Unlock()
	}
	return out
}
