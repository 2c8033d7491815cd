// Copyright 2024 The Pagealloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pagealloc

// A pageTreeAllocator indexes a set of free page ranges for best-fit
// allocation with low-address tie-breaking and O(log n) coalescing.
//
// Every range is in the address-ordered tree ad. The size index is
// split: runs of 1..4 pages, which dominate in practice, get one
// address-ordered bucket tree per exact size; everything larger goes
// into one tree keyed by (size, address). No two ranges in ad are ever
// adjacent — they would have been merged — and every range is a
// positive multiple of the page size.
//
// bytes tracks the total free bytes held, maintained on every mutation
// so the arena can answer stats queries without walking trees.
type pageTreeAllocator struct {
	ad    rbTree
	small [smallCount]rbTree
	large rbTree
	bytes uintptr
}

const smallCount = 4

func smallMaxSize() uintptr { return smallCount * pageSize }

func smallSizeToIdx(size uintptr) uintptr { return size>>pageShift - 1 }
func smallIdxToSize(idx uintptr) uintptr  { return (idx + 1) << pageShift }

func (t *pageTreeAllocator) init() {
	t.ad = rbTree{li: linkAd}
	for i := range t.small {
		t.small[i] = rbTree{li: linkSzad}
	}
	t.large = rbTree{li: linkSzad, bySize: true}
}

func (t *pageTreeAllocator) removeFromSzad(d *description) {
	if d.size <= smallMaxSize() {
		t.small[smallSizeToIdx(d.size)].remove(d)
	} else {
		t.large.remove(d)
	}
}

func (t *pageTreeAllocator) insertToSzad(d *description) {
	if d.size <= smallMaxSize() {
		t.small[smallSizeToIdx(d.size)].insert(d)
	} else {
		t.large.insert(d)
	}
}

// allocate returns the address of a range of exactly size bytes, or 0.
// Best fit by size, lowest address among equals. When a larger range
// must be split, size is always carved off the low end so the working
// set stays dense.
func (t *pageTreeAllocator) allocate(tc *ThreadCache, size uintptr) uintptr {
	if size <= smallMaxSize() {
		k := smallSizeToIdx(size)
		if d := t.small[k].popFirst(); d != nil {
			t.ad.remove(d)
			ret := d.addr
			t.bytes -= size
			freeDescription(tc, d)
			return ret
		}

		for k++; k < smallCount; k++ {
			if d := t.small[k].popFirst(); d != nil {
				ret := d.addr
				// The node stays in ad: its address moves within
				// its old extent, so its position there is
				// unchanged.
				d.addr = ret + size
				d.size = smallIdxToSize(k) - size
				t.small[smallSizeToIdx(d.size)].insert(d)
				t.bytes -= size
				return ret
			}
		}
	}

	d := t.large.nsearchSize(size)
	if d == nil {
		return 0
	}
	t.large.remove(d)
	ret := d.addr
	if d.size == size {
		t.ad.remove(d)
		freeDescription(tc, d)
	} else {
		d.addr += size
		d.size -= size
		t.insertToSzad(d)
	}
	t.bytes -= size
	return ret
}

// reclaim merges the range [page, page+size) into the trees, coalescing
// with the predecessor and/or successor where they touch. The NOMERGE
// flags assert the corresponding neighbour cannot exist and skip the
// lookup. Returns false only when a fresh description was needed but
// the pool is exhausted; the range is then untracked and the caller
// must dispose of it.
func (t *pageTreeAllocator) reclaim(tc *ThreadCache, page, size uintptr, flags ReclaimFlags) bool {
	if debugChecks && (page == 0 || size == 0 || size%pageSize != 0) {
		panic("pagealloc: bad reclaim range")
	}

	var succ *description
	if flags&ReclaimPageNoMergeRight == 0 {
		succ = t.ad.searchAddr(page + size)
	}
	if succ != nil {
		t.removeFromSzad(succ)
	}

	var prec *description
	if flags&ReclaimPageNoMergeLeft == 0 {
		prec = t.ad.psearchAddr(page)
	}
	if prec != nil && prec.addr+prec.size != page {
		prec = nil
	}

	var d *description
	switch {
	case prec != nil: // merge backward
		t.removeFromSzad(prec)
		prec.size += size
		if succ != nil { // both
			prec.size += succ.size
			t.ad.remove(succ)
			freeDescription(tc, succ)
			// prec's position in ad needs no change.
		}
		d = prec
	case succ != nil: // forward only
		// succ's position in ad needs no change.
		succ.addr = page
		succ.size += size
		d = succ
	default:
		d = allocDescription(tc)
		if d == nil {
			return false
		}
		d.addr = page
		d.size = size
		t.ad.insert(d)
	}

	t.insertToSzad(d)
	t.bytes += size
	return true
}

// reclaimNoMerge inserts a fresh node without looking for neighbours.
// Used while splitting ranges on trim boundaries, where the caller has
// already proved no neighbour exists.
func (t *pageTreeAllocator) reclaimNoMerge(tc *ThreadCache, page, size uintptr) bool {
	d := allocDescription(tc)
	if d == nil {
		return false
	}
	d.addr = page
	d.size = size
	t.ad.insert(d)
	t.insertToSzad(d)
	t.bytes += size
	return true
}

// extendNoMove tries to consume grow bytes immediately after the range
// [ptr, ptr+old). On success the bytes are no longer free and the
// caller owns them.
func (t *pageTreeAllocator) extendNoMove(tc *ThreadCache, ptr, old, grow uintptr) bool {
	target := ptr + old

	succ := t.ad.searchAddr(target)
	if succ == nil || succ.size < grow {
		return false
	}
	t.removeFromSzad(succ)
	if succ.size == grow {
		t.ad.remove(succ)
		freeDescription(tc, succ)
	} else {
		// Return the higher portion to the tree.
		succ.size -= grow
		succ.addr = target + grow
		t.insertToSzad(succ)
	}
	t.bytes -= grow
	return true
}

// deallocateCandidates extracts every range of at least threshold bytes
// and chains the removed descriptions into a singly linked list through
// their next pointers. With thpAware set and a threshold comfortably
// above the huge page size, each candidate is first shrunk to huge page
// alignment on both ends, the shaved edges going back into the trees as
// ordinary free ranges.
func (t *pageTreeAllocator) deallocateCandidates(tc *ThreadCache, threshold uintptr, thpAware bool) *description {
	var list *description

	p := t.large.last()
	for p != nil && p.size >= threshold {
		q := t.large.prev(p)

		t.large.remove(p)
		t.ad.remove(p)
		t.bytes -= p.size

		if hugePageSize > 0 && thpAware && hugePageSize*2 < threshold {
			// Split from the right.
			end := p.addr + p.size
			if offset := end % hugePageSize; offset != 0 {
				p.size -= offset
				t.reclaimNoMerge(tc, end-offset, offset)
			}
			// Split from the left.
			if adjust := (-p.addr) % hugePageSize; adjust != 0 {
				addr := p.addr
				p.addr += adjust
				p.size -= adjust
				t.reclaimNoMerge(tc, addr, adjust)
			}
		}

		p.next = list
		list = p

		p = q
	}

	for sz := smallMaxSize(); sz > 0 && sz >= threshold; sz -= pageSize {
		bucket := &t.small[smallSizeToIdx(sz)]
		for {
			q := bucket.popFirst()
			if q == nil {
				break
			}
			t.ad.remove(q)
			t.bytes -= q.size
			q.next = list
			list = q
		}
	}

	return list
}

// removeRange removes every byte of [page, page+size) from the trees,
// splitting boundary nodes as needed. cb, if non-nil, is invoked on
// each removed subrange (the dirty tree uses it to zero pages for
// callers wanting clean memory). Bytes of the range not present in the
// trees are skipped.
func (t *pageTreeAllocator) removeRange(tc *ThreadCache, page, size uintptr, cb func(addr, n uintptr)) {
	end := page + size

	p := t.ad.psearchAddr(page)

	if p != nil {
		// The first node needs special handling.
		if page > p.addr {
			pEnd := p.addr + p.size
			if page < pEnd {
				if end < pEnd {
					// The range sits in the middle of p: shrink p
					// to the prefix and insert a new node for the
					// suffix.
					if cb != nil {
						cb(page, size)
					}
					t.removeFromSzad(p)
					p.size = page - p.addr
					t.insertToSzad(p)
					t.bytes -= size

					// If no description is available there is
					// nothing to be done; the suffix is dropped
					// from tracking.
					if n := allocDescription(tc); n != nil {
						n.addr = end
						n.size = pEnd - end
						t.ad.insert(n)
						t.insertToSzad(n)
					} else {
						t.bytes -= pEnd - end
					}
					return
				}
				// The range covers a suffix of p.
				if cb != nil {
					cb(page, pEnd-page)
				}
				t.removeFromSzad(p)
				t.bytes -= pEnd - page
				p.size = page - p.addr
				t.insertToSzad(p)
				if end == pEnd {
					return
				}
			}
			p = t.ad.next(p)
		}
	} else {
		p = t.ad.first()
	}

	for p != nil {
		// Skip the gap before p.
		if end <= p.addr {
			return
		}
		page = p.addr
		pEnd := p.addr + p.size

		if end < pEnd {
			// The range is a prefix of p: trim the node in place.
			t.removeFromSzad(p)
			p.addr = end
			p.size = pEnd - end
			t.insertToSzad(p)
			t.bytes -= end - page
			if cb != nil {
				cb(page, end-page)
			}
			return
		}
		// The range covers all of p: drop the node.
		if cb != nil {
			cb(page, p.size)
		}
		t.bytes -= p.size
		np := t.ad.next(p)
		t.ad.remove(p)
		t.removeFromSzad(p)
		freeDescription(tc, p)
		p = np
	}
}

// removeList removes every range on the passed chain (linked through
// next) from the trees. The chain itself is untouched.
func (t *pageTreeAllocator) removeList(tc *ThreadCache, list *description) {
	for ; list != nil; list = list.next {
		t.removeRange(tc, list.addr, list.size, nil)
	}
}
