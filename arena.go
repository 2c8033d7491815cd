// Copyright 2024 The Pagealloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pagealloc

import (
	"sync"
	"unsafe"
)

// An arena owns a raw page source and every page range obtained from
// it that has not been handed out. Free ranges are indexed three ways:
// treeClean holds pages known to read as zero (never touched, or
// discarded with MADV_DONTNEED), treeDirty holds pages with
// unspecified contents, and treeAll holds their union as raw ranges —
// coalesced independently, so structurally distinct, but covering
// exactly the same bytes.
//
// There are up to three arenas: brk, mmap, and mmap with transparent
// huge pages forbidden. Each has one lock; the lock order is arena
// lock, then description pool lock, then the brk mutex — never the
// other way around.
type arena struct {
	raw *rawPageAllocator
	idx int // index into a ThreadCache's pageCaches

	mu sync.Mutex

	// Bytes reclaimed since the last trim attempt; drives the trim
	// policy.
	reclaimCount uintptr
	// Bytes handed out and not yet reclaimed.
	totalBytesAllocated uintptr

	treeClean pageTreeAllocator
	treeDirty pageTreeAllocator
	treeAll   pageTreeAllocator

	trims uint64
}

const (
	arenaIdxBrk = iota
	arenaIdxMmap
	arenaIdxMmapNoTHP
	arenaCount
)

var (
	arenaBrk       = arena{raw: &rawBrk, idx: arenaIdxBrk}
	arenaMmap      = arena{raw: &rawMmap, idx: arenaIdxMmap}
	arenaMmapNoTHP = arena{raw: &rawMmapNoTHP, idx: arenaIdxMmapNoTHP}

	arenas = [arenaCount]*arena{&arenaBrk, &arenaMmap, &arenaMmapNoTHP}
)

func init() {
	for _, a := range arenas {
		a.initTrees()
	}
}

func (a *arena) initTrees() {
	a.treeClean.init()
	a.treeDirty.init()
	a.treeAll.init()
}

// allocate returns size bytes of pages, zeroed if zero is set, or 0 on
// kernel OOM. A zeroed request tries treeClean first, any other request
// treeDirty; a miss there falls back to treeAll, zeroing any dirty
// sub-ranges on demand; a full miss grows the arena, exponentially in
// its live size, and keeps the remainder as clean free space.
func (a *arena) allocate(tc *ThreadCache, size uintptr, zero bool) uintptr {
	if debugChecks && (size == 0 || size%pageSize != 0) {
		panic("pagealloc: bad allocate size")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var page uintptr
	if zero {
		page = a.treeClean.allocate(tc, size)
	} else {
		page = a.treeDirty.allocate(tc, size)
	}

	if page != 0 {
		// Remove the pages from treeAll as well.
		a.treeAll.removeRange(tc, page, size, nil)
	} else {
		page = a.treeAll.allocate(tc, size)
		if page != 0 {
			a.treeClean.removeRange(tc, page, size, nil)
			if zero {
				a.treeDirty.removeRange(tc, page, size, memclr)
			} else {
				a.treeDirty.removeRange(tc, page, size, nil)
			}
		}
	}

	if page == 0 {
		allocSize := roundUp(
			maxUintptr(minUintptr(a.totalBytesAllocated, maxAllocSize), size),
			initialAllocSize())
		page = a.raw.allocate(allocSize)
		if page == 0 {
			return 0
		}
		if size < allocSize {
			// Fresh raw memory is zero.
			a.reclaimUnlocked(tc, page+size, allocSize-size,
				ReclaimPageNoMergeLeft|ReclaimPageClean)
		}
	}
	a.totalBytesAllocated += size
	return page
}

// reclaimUnlocked folds a range back into the free trees. Must be
// called with the arena lock held. totalBytesAllocated is not touched
// here: the function is also used from allocate for growth remainders.
// If descriptions run out the range is discarded to the kernel instead
// of being tracked.
func (a *arena) reclaimUnlocked(tc *ThreadCache, page, size uintptr, flags ReclaimFlags) {
	if flags&ReclaimPageClean == 0 {
		a.reclaimCount += size
	}

	if !a.treeAll.reclaim(tc, page, size, flags) {
		a.discard(page, size)
		return
	}

	tree := &a.treeDirty
	if flags&ReclaimPageClean != 0 {
		tree = &a.treeClean
	}
	if !tree.reclaim(tc, page, size, flags) {
		a.treeAll.removeRange(tc, page, size, nil)
		a.discard(page, size)
	}
}

func (a *arena) reclaim(tc *ThreadCache, page, size uintptr, flags ReclaimFlags) {
	var clean *description
	a.mu.Lock()
	a.totalBytesAllocated -= size
	a.reclaimUnlocked(tc, page, size, flags)
	// See whether enough has come back to warrant a trim.
	clean = a.trimAndExtractUnlocked(0, false)
	a.mu.Unlock()
	a.clearDescriptionList(tc, clean)
}

// reclaimList takes a chain of free pages of one common size, linked
// through their leading word, and reclaims them all under one lock
// acquisition. Spatially clustered same-size pages are frequent (the
// thread caches produce them), so adjacent entries are fused before
// hitting the trees.
func (a *arena) reclaimList(tc *ThreadCache, page, size uintptr) {
	var clean *description
	a.mu.Lock()
	for page != 0 {
		next := *(*uintptr)(unsafe.Pointer(page))
		thisSize := size

		for next != 0 && (next+size == page || next == page+thisSize) {
			if next+size == page {
				page = next
			}
			thisSize += size
			next = *(*uintptr)(unsafe.Pointer(next))
		}

		a.totalBytesAllocated -= thisSize
		a.reclaimUnlocked(tc, page, thisSize, 0)
		page = next
	}
	clean = a.trimAndExtractUnlocked(0, false)
	a.mu.Unlock()
	a.clearDescriptionList(tc, clean)
}

// discard gives a range's contents back to the kernel when it cannot
// be tracked: brk memory can only be madvised away, mmap memory is
// unmapped outright.
func (a *arena) discard(p, size uintptr) {
	if a.raw.useBrk {
		sysDiscard(p, size)
	} else {
		sysMunmap(p, size)
	}
}

// extendNoMove grows the allocation at ptr in place by consuming free
// space immediately above it. Only the mmap arena is ever asked to do
// this; the brk arena is effectively append-only.
func (a *arena) extendNoMove(tc *ThreadCache, ptr, old, grow uintptr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	// treeClean first: more likely to succeed there.
	if !a.treeClean.extendNoMove(tc, ptr, old, grow) &&
		!a.treeDirty.extendNoMove(tc, ptr, old, grow) {
		return false
	}
	a.treeAll.removeRange(tc, ptr+old, grow, nil)
	return true
}

// trimAndExtractUnlocked decides whether enough bytes have been
// reclaimed to justify giving memory back to the kernel, and if so
// extracts the candidates: large dirty ranges, removed from the trees
// and chained through their descriptions. The caller must release the
// returned list with clearDescriptionList after dropping the arena
// lock — the kernel calls are deliberately made without it.
//
// Only treeDirty is consulted: clean pages are most likely not
// populated by the kernel yet, so there is nothing to give back.
func (a *arena) trimAndExtractUnlocked(threshold uintptr, haveThreshold bool) *description {
	if !haveThreshold {
		threshold = clampSize(a.totalBytesAllocated, minTrimThreshold(), maxTrimThreshold)
	}

	if a.reclaimCount < threshold*2 {
		return nil
	}
	a.reclaimCount = 0

	list := a.treeDirty.deallocateCandidates(nil, threshold,
		hugePageSize > 0 && a.raw.allowTHP)
	// Even for brk the ranges come out of treeAll and go back in
	// later: the madvise runs without the lock, and treeAll must not
	// cover in-flight ranges.
	a.treeAll.removeList(nil, list)
	if list != nil {
		a.trims++
	}
	return list
}

func (a *arena) trimAndExtract(threshold uintptr, haveThreshold bool) *description {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.trimAndExtractUnlocked(threshold, haveThreshold)
}

// clearDescriptionList releases extracted candidates to the kernel.
// For a brk arena the pages stay owned: they are madvised away and
// re-enter the trees as clean. For an mmap arena they are unmapped and
// their descriptions recycled. Runs without the arena lock except for
// the brk re-insertion.
func (a *arena) clearDescriptionList(tc *ThreadCache, clean *description) {
	if clean == nil {
		return
	}
	if a.raw.useBrk {
		for cur := clean; cur != nil; cur = cur.next {
			sysDiscard(cur.addr, cur.size)
		}
		a.mu.Lock()
		for clean != nil {
			cur := clean
			clean = cur.next
			a.reclaimUnlocked(tc, cur.addr, cur.size, ReclaimPageClean)
			freeDescription(tc, cur)
		}
		a.mu.Unlock()
	} else {
		for clean != nil {
			cur := clean
			clean = cur.next
			sysMunmap(cur.addr, cur.size)
			freeDescription(tc, cur)
		}
	}
}

func minUintptr(a, b uintptr) uintptr {
	if a < b {
		return a
	}
	return b
}

func maxUintptr(a, b uintptr) uintptr {
	if a > b {
		return a
	}
	return b
}
