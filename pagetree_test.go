// Copyright 2024 The Pagealloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pagealloc

import "testing"

// The page tree allocator never touches the memory it indexes, so the
// tests drive it with synthetic addresses.

func newTestTree() *pageTreeAllocator {
	t := &pageTreeAllocator{}
	t.init()
	return t
}

type rng struct{ addr, size uintptr }

func treeRanges(t *pageTreeAllocator) []rng {
	var out []rng
	for d := t.ad.first(); d != nil; d = t.ad.next(d) {
		out = append(out, rng{d.addr, d.size})
	}
	return out
}

func checkRanges(t *testing.T, tree *pageTreeAllocator, want []rng) {
	t.Helper()
	got := treeRanges(tree)
	if len(got) != len(want) {
		t.Fatalf("tree has %d ranges %v, want %d %v", len(got), got, len(want), want)
	}
	var bytes uintptr
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("range %d = {%#x, %#x}, want {%#x, %#x}",
				i, got[i].addr, got[i].size, want[i].addr, want[i].size)
		}
		bytes += got[i].size
	}
	if tree.bytes != bytes {
		t.Fatalf("bytes counter %d, ranges sum to %d", tree.bytes, bytes)
	}
	// Adjacent ranges must have been coalesced.
	for i := 1; i < len(got); i++ {
		if got[i-1].addr+got[i-1].size == got[i].addr {
			t.Fatalf("uncoalesced neighbours at %#x", got[i].addr)
		}
	}
}

func TestPageTreeBestFitLowAddress(t *testing.T) {
	tree := newTestTree()
	lo, hi := uintptr(0x100000), uintptr(0x200000)
	if !tree.reclaimNoMerge(nil, lo, 4*pageSize) ||
		!tree.reclaimNoMerge(nil, hi, 4*pageSize) {
		t.Fatal("reclaimNoMerge failed")
	}

	got := tree.allocate(nil, 2*pageSize)
	if got != lo {
		t.Fatalf("allocate(2 pages) = %#x, want %#x", got, lo)
	}
	checkRanges(t, tree, []rng{
		{lo + 2*pageSize, 2 * pageSize},
		{hi, 4 * pageSize},
	})
}

func TestPageTreeBestFitPrefersSmallest(t *testing.T) {
	tree := newTestTree()
	big, small := uintptr(0x100000), uintptr(0x900000)
	tree.reclaimNoMerge(nil, big, 64*pageSize)
	tree.reclaimNoMerge(nil, small, 8*pageSize)

	// 6 pages fits both; the 8-page range is the better fit even
	// though its address is higher.
	if got := tree.allocate(nil, 6*pageSize); got != small {
		t.Fatalf("allocate(6 pages) = %#x, want %#x", got, small)
	}
	checkRanges(t, tree, []rng{
		{big, 64 * pageSize},
		{small + 6*pageSize, 2 * pageSize},
	})
}

func TestPageTreeCoalesce(t *testing.T) {
	base := uintptr(0x400000)
	cases := []struct {
		name  string
		order []int // page indexes to reclaim, in order
	}{
		{"ascending", []int{0, 1, 2}},
		{"descending", []int{2, 1, 0}},
		{"middle-last", []int{0, 2, 1}},
		{"middle-first", []int{1, 0, 2}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			tree := newTestTree()
			for _, i := range tt.order {
				if !tree.reclaim(nil, base+uintptr(i)*pageSize, pageSize, 0) {
					t.Fatal("reclaim failed")
				}
			}
			checkRanges(t, tree, []rng{{base, 3 * pageSize}})
		})
	}
}

func TestPageTreeAllocateExhausts(t *testing.T) {
	tree := newTestTree()
	base := uintptr(0x100000)
	tree.reclaimNoMerge(nil, base, 3*pageSize)

	for i := 0; i < 3; i++ {
		if got := tree.allocate(nil, pageSize); got != base+uintptr(i)*pageSize {
			t.Fatalf("allocate #%d = %#x", i, got)
		}
	}
	if got := tree.allocate(nil, pageSize); got != 0 {
		t.Fatalf("allocate from empty tree = %#x, want 0", got)
	}
	if tree.bytes != 0 {
		t.Fatalf("bytes = %d after exhaustion", tree.bytes)
	}
}

func TestPageTreeLargeCarve(t *testing.T) {
	tree := newTestTree()
	base := uintptr(0x100000)
	tree.reclaimNoMerge(nil, base, 100*pageSize)

	if got := tree.allocate(nil, 10*pageSize); got != base {
		t.Fatalf("allocate(10 pages) = %#x, want low end %#x", got, base)
	}
	checkRanges(t, tree, []rng{{base + 10*pageSize, 90 * pageSize}})

	// Perfect fit removes the node outright.
	if got := tree.allocate(nil, 90*pageSize); got != base+10*pageSize {
		t.Fatalf("allocate(90 pages) = %#x", got)
	}
	checkRanges(t, tree, nil)
}

func TestPageTreeExtendNoMove(t *testing.T) {
	tree := newTestTree()
	base := uintptr(0x100000)
	// Allocation [base, base+4p) with free space right above it.
	tree.reclaimNoMerge(nil, base+4*pageSize, 6*pageSize)

	if !tree.extendNoMove(nil, base, 4*pageSize, 2*pageSize) {
		t.Fatal("extendNoMove failed with adequate free successor")
	}
	checkRanges(t, tree, []rng{{base + 6*pageSize, 4 * pageSize}})

	// Exact-size extension consumes the node.
	if !tree.extendNoMove(nil, base, 6*pageSize, 4*pageSize) {
		t.Fatal("extendNoMove failed on exact fit")
	}
	checkRanges(t, tree, nil)

	if tree.extendNoMove(nil, base, 10*pageSize, pageSize) {
		t.Fatal("extendNoMove succeeded with no successor")
	}
}

func TestPageTreeRemoveRange(t *testing.T) {
	base := uintptr(0x100000)
	cases := []struct {
		name       string
		page, size uintptr
		want       []rng
	}{
		{"whole", base, 10 * pageSize, nil},
		{"prefix", base, 3 * pageSize, []rng{{base + 3*pageSize, 7 * pageSize}}},
		{"suffix", base + 7*pageSize, 3 * pageSize, []rng{{base, 7 * pageSize}}},
		{"middle", base + 4*pageSize, 2 * pageSize,
			[]rng{{base, 4 * pageSize}, {base + 6*pageSize, 4 * pageSize}}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			tree := newTestTree()
			tree.reclaimNoMerge(nil, base, 10*pageSize)

			var cbTotal uintptr
			tree.removeRange(nil, tt.page, tt.size, func(addr, n uintptr) {
				cbTotal += n
			})
			if cbTotal != tt.size {
				t.Fatalf("callback saw %d bytes, want %d", cbTotal, tt.size)
			}
			checkRanges(t, tree, tt.want)
		})
	}
}

func TestPageTreeRemoveRangeAcrossNodes(t *testing.T) {
	tree := newTestTree()
	base := uintptr(0x100000)
	// Three nodes with gaps: [0,2p) [4p,6p) [8p,10p).
	for i := uintptr(0); i < 3; i++ {
		tree.reclaimNoMerge(nil, base+4*i*pageSize, 2*pageSize)
	}

	// Remove a span covering the tail of the first node, all of the
	// second, and the head of the third.
	var got []rng
	tree.removeRange(nil, base+pageSize, 8*pageSize, func(addr, n uintptr) {
		got = append(got, rng{addr, n})
	})

	want := []rng{
		{base + pageSize, pageSize},
		{base + 4*pageSize, 2 * pageSize},
		{base + 8*pageSize, pageSize},
	}
	if len(got) != len(want) {
		t.Fatalf("callback ranges %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("callback range %d = %v, want %v", i, got[i], want[i])
		}
	}
	checkRanges(t, tree, []rng{
		{base, pageSize},
		{base + 9*pageSize, pageSize},
	})
}

func TestPageTreeDeallocateCandidates(t *testing.T) {
	tree := newTestTree()
	base := uintptr(0x10000000)
	// One small range, one mid range, one large range.
	tree.reclaimNoMerge(nil, base, 2*pageSize)
	tree.reclaimNoMerge(nil, base+0x100000, 16*pageSize)
	tree.reclaimNoMerge(nil, base+0x200000, 64*pageSize)

	list := tree.deallocateCandidates(nil, 16*pageSize, false)

	var extracted []rng
	for d := list; d != nil; d = d.next {
		extracted = append(extracted, rng{d.addr, d.size})
	}
	if len(extracted) != 2 {
		t.Fatalf("extracted %v, want the 16- and 64-page ranges", extracted)
	}
	for _, r := range extracted {
		if r.size < 16*pageSize {
			t.Fatalf("extracted under-threshold range %v", r)
		}
	}
	checkRanges(t, tree, []rng{{base, 2 * pageSize}})

	// The counterpart: removing by list from a twin tree.
	twin := newTestTree()
	twin.reclaimNoMerge(nil, base, 2*pageSize)
	twin.reclaimNoMerge(nil, base+0x100000, 16*pageSize)
	twin.reclaimNoMerge(nil, base+0x200000, 64*pageSize)
	twin.removeList(nil, list)
	checkRanges(t, twin, []rng{{base, 2 * pageSize}})
}

func TestPageTreeDeallocateCandidatesTHPAlign(t *testing.T) {
	if hugePageSize == 0 {
		t.Skip("no huge page size on this architecture")
	}
	tree := newTestTree()

	// A large range deliberately misaligned on both ends.
	start := uintptr(3 * hugePageSize / 2) // 3 MiB: half a huge page in
	size := uintptr(5 * hugePageSize)
	tree.reclaimNoMerge(nil, start, size)

	list := tree.deallocateCandidates(nil, 3*hugePageSize, true)
	if list == nil || list.next != nil {
		t.Fatal("want exactly one candidate")
	}
	if list.addr%hugePageSize != 0 || list.size%hugePageSize != 0 {
		t.Fatalf("candidate {%#x, %#x} not huge page aligned", list.addr, list.size)
	}
	if list.addr < start || list.addr+list.size > start+size {
		t.Fatal("candidate escapes the original range")
	}

	// The shaved edges stay behind as free ranges; nothing is lost.
	var kept uintptr
	for _, r := range treeRanges(tree) {
		kept += r.size
	}
	if kept+list.size != size {
		t.Fatalf("trim lost memory: kept %d + extracted %d != %d",
			kept, list.size, size)
	}
}
