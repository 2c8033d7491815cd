// Copyright 2024 The Pagealloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pagealloc

import (
	"testing"
	"unsafe"
)

func TestAllocatePageRoundTrip(t *testing.T) {
	p := AllocatePage(3*pageSize, AllocateOptions{})
	if p == nil {
		t.Fatal("AllocatePage failed")
	}
	if uintptr(p)%pageSize != 0 {
		t.Fatalf("AllocatePage returned unaligned %p", p)
	}
	// AllocatePage and ReclaimPage need not pair up: give back the
	// middle page only.
	b := unsafe.Slice((*byte)(p), 3*pageSize)
	b[0] = 1
	b[2*int(pageSize)] = 2
	ReclaimPage(unsafe.Pointer(uintptr(p)+pageSize), pageSize, 0)
	if b[0] != 1 || b[2*int(pageSize)] != 2 {
		t.Fatal("reclaiming the middle page disturbed its neighbours")
	}
	ReclaimPage(p, pageSize, 0)
	ReclaimPage(unsafe.Pointer(uintptr(p)+2*pageSize), pageSize, 0)
}

func TestAllocatePageZero(t *testing.T) {
	p := AllocatePage(2*pageSize, AllocateOptions{Zero: true})
	if p == nil {
		t.Fatal("AllocatePage failed")
	}
	b := unsafe.Slice((*byte)(p), 2*pageSize)
	for i, c := range b {
		if c != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, c)
		}
	}
	// Dirty it and cycle it through the allocator: a fresh zeroed
	// request must still come back zero even if it reuses this range.
	for i := range b {
		b[i] = 0xCD
	}
	ReclaimPage(p, 2*pageSize, 0)

	q := AllocatePage(2*pageSize, AllocateOptions{Zero: true})
	if q == nil {
		t.Fatal("AllocatePage failed")
	}
	qb := unsafe.Slice((*byte)(q), 2*pageSize)
	for i, c := range qb {
		if c != 0 {
			t.Fatalf("zeroed reallocation: byte %d = %#x", i, c)
		}
	}
	ReclaimPage(q, 2*pageSize, 0)
}

func TestLargeRoundTrip(t *testing.T) {
	const mib = 1 << 20

	p := AllocLarge(mib, false)
	if p == nil {
		t.Fatal("AllocLarge failed")
	}
	if got := LargeAllocatedSize(p); got != mib {
		t.Fatalf("LargeAllocatedSize = %d, want %d", got, mib)
	}

	// Tag the block, grow it, and expect the prefix intact whether or
	// not it moved.
	b := unsafe.Slice((*byte)(p), mib)
	for i := 0; i < mib; i += int(pageSize) {
		b[i] = byte(i >> 12)
	}

	q := ReallocLarge(p, 2*mib)
	if q == nil {
		t.Fatal("ReallocLarge failed")
	}
	if got := LargeAllocatedSize(q); got != 2*mib {
		t.Fatalf("LargeAllocatedSize after grow = %d, want %d", got, 2*mib)
	}
	qb := unsafe.Slice((*byte)(q), mib)
	for i := 0; i < mib; i += int(pageSize) {
		if qb[i] != byte(i>>12) {
			t.Fatalf("grow lost contents at offset %#x", i)
		}
	}

	// Shrink keeps the address.
	r := ReallocLarge(q, mib/2)
	if r != q {
		t.Fatalf("shrink moved the block: %p -> %p", q, r)
	}
	if got := LargeAllocatedSize(r); got != mib/2 {
		t.Fatalf("LargeAllocatedSize after shrink = %d", got)
	}
	// Same size is a no-op.
	if s := ReallocLarge(r, mib/2); s != r {
		t.Fatal("same-size realloc moved the block")
	}
	FreeLarge(r)
}

func TestLargeSizedFree(t *testing.T) {
	p := AllocLarge(64*1024, false)
	if p == nil {
		t.Fatal("AllocLarge failed")
	}
	FreeLargeSized(p, 64*1024)

	q := AllocLarge(pageSize+1, true)
	if q == nil {
		t.Fatal("AllocLarge failed")
	}
	// Sub-page tails round up to whole pages.
	if got := LargeAllocatedSize(q); got != 2*pageSize {
		t.Fatalf("LargeAllocatedSize = %d, want %d", got, 2*pageSize)
	}
	FreeLarge(q)
}

func TestAllocLargeRejectsHuge(t *testing.T) {
	if unsafe.Sizeof(uintptr(0)) == 4 {
		t.Skip("32-bit")
	}
	if p := AllocLarge(1<<32, false); p != nil {
		t.Fatal("AllocLarge accepted a 4 GiB request")
	}
	if p := AllocLarge(1<<40, false); p != nil {
		t.Fatal("AllocLarge accepted a 1 TiB request")
	}
}

func TestNomemHandler(t *testing.T) {
	called := false
	SetNomemHandler(func() { called = true })
	defer SetNomemHandler(nil)
	if p := AllocLarge(1<<40, false); p != nil {
		t.Fatal("oversized request succeeded")
	}
	if !called {
		t.Fatal("nomem handler not consulted")
	}
}

func TestThreadCacheOverflow(t *testing.T) {
	tc := NewThreadCache()
	defer tc.Close()

	// Force everything onto the no-brk mmap path so the arena is
	// predictable.
	opt := AllocateOptions{ForceMmap: true}
	var flags ReclaimFlags = ReclaimPageNoTHP
	a := &arenaMmap
	if hugePageSize > 0 {
		a = &arenaMmapNoTHP
	}

	const n = 2*pagePreferredCount + 1
	var pages [n]uintptr
	for i := range pages {
		pages[i] = allocatePage(tc, pageSize, opt)
		if pages[i] == 0 {
			t.Fatal("allocation failed")
		}
	}

	cache := &tc.pageCaches[a.idx]
	freeBefore := a.freeBytes()

	// The first 2*preferred reclaims take the fast path.
	for i := 0; i < 2*pagePreferredCount; i++ {
		reclaimPage(tc, pages[i], pageSize, flags)
	}
	if got := cache.count[0]; got != 2*pagePreferredCount {
		t.Fatalf("cache holds %d pages, want %d", got, 2*pagePreferredCount)
	}
	if a.freeBytes() != freeBefore {
		t.Fatal("fast-path reclaims touched the arena")
	}

	// The next one overflows: a batch goes back to the arena and the
	// cache keeps exactly the preferred count.
	reclaimPage(tc, pages[n-1], pageSize, flags)
	if got := cache.count[0]; got != pagePreferredCount {
		t.Fatalf("cache holds %d pages after overflow, want %d",
			got, pagePreferredCount)
	}
	if got := a.freeBytes(); got < freeBefore+pagePreferredCount*pageSize {
		t.Fatalf("arena free bytes %d, want at least %d",
			got, freeBefore+pagePreferredCount*pageSize)
	}

	// Cache hits come straight off the list.
	p := allocatePage(tc, pageSize, opt)
	if p == 0 {
		t.Fatal("allocation failed")
	}
	if got := cache.count[0]; got != pagePreferredCount-1 {
		t.Fatalf("cache holds %d pages after a hit, want %d",
			got, pagePreferredCount-1)
	}
	reclaimPage(tc, p, pageSize, flags)

	// Close drains every cached page back to the arena.
	allocated := a.allocatedBytes()
	tc.Close()
	if got := cache.count[0]; got != 0 {
		t.Fatalf("cache not drained on Close: %d", got)
	}
	if got := a.allocatedBytes(); got >= allocated {
		t.Fatalf("Close did not return pages: allocated %d -> %d", allocated, got)
	}
	// Closing again is a no-op.
	tc.Close()
}

func (a *arena) allocatedBytes() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalBytesAllocated
}

func TestThreadCacheNotReadyFallsThrough(t *testing.T) {
	tc := &ThreadCache{} // never set up: stays in the initial state
	if tc.ready() {
		t.Fatal("zero-value cache claims to be ready")
	}
	p := allocatePage(tc, pageSize, AllocateOptions{})
	if p == 0 {
		t.Fatal("uncached fallback failed")
	}
	reclaimPage(tc, p, pageSize, 0)
	if tc.descCache.count != 0 || tc.pageCaches[arenaIdxMmap].count[0] != 0 {
		t.Fatal("not-ready cache was populated")
	}
}

func TestLargeTrimIdempotent(t *testing.T) {
	// Build up dirty free memory, trim it away, and check a second
	// trim releases nothing more.
	var blocks []unsafe.Pointer
	for i := 0; i < 8; i++ {
		p := AllocLarge(1<<20, false)
		if p == nil {
			t.Fatal("AllocLarge failed")
		}
		blocks = append(blocks, p)
	}
	for _, p := range blocks {
		FreeLarge(p)
	}

	LargeTrim(0)
	first := Stats()
	LargeTrim(0)
	second := Stats()

	for i := range first {
		if first[i].FreeDirtyBytes != second[i].FreeDirtyBytes ||
			first[i].FreeBytes != second[i].FreeBytes {
			t.Fatalf("second trim changed arena %s: %+v -> %+v",
				first[i].Name, first[i], second[i])
		}
	}
}

func TestStatsInvariant(t *testing.T) {
	// Churn a little first.
	for i := 0; i < 16; i++ {
		p := AllocLarge(uintptr(i+1)*pageSize, i%2 == 0)
		if p == nil {
			t.Fatal("AllocLarge failed")
		}
		FreeLarge(p)
	}
	for _, s := range Stats() {
		if s.FreeCleanBytes+s.FreeDirtyBytes != s.FreeBytes {
			t.Fatalf("arena %s: clean %d + dirty %d != all %d",
				s.Name, s.FreeCleanBytes, s.FreeDirtyBytes, s.FreeBytes)
		}
	}
}

func TestReclaimPageOptionsRouting(t *testing.T) {
	opt := AllocateOptions{ForceMmap: true}
	p := AllocatePage(16*pageSize, opt) // beyond any cache category
	if p == nil {
		t.Fatal("AllocatePage failed")
	}
	ReclaimPageOptions(p, 16*pageSize, opt)

	a := &arenaMmap
	if hugePageSize > 0 {
		a = &arenaMmapNoTHP
	}
	if a.freeBytes() < 16*pageSize {
		t.Fatal("ForceMmap reclaim did not reach the no-THP arena")
	}
}
