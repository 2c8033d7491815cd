// Copyright 2024 The Pagealloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pagealloc

import (
	"sync/atomic"
	"unsafe"
)

// The large-block trie maps the page frame number of a large
// allocation's base address to its size, so that a free by pointer
// alone needs no central table. It is a sparse fan-out trie of
// cache-line-sized nodes, grown lock-free: missing nodes are installed
// with a compare-and-swap, and a lost race just recycles the loser.
// The trie never shrinks; retiring an entry stores zero.
//
// Keys are addr >> logMinPageSize, so the geometry covers the full
// 56-bit (x86-64) or 52-bit (aarch64) user address space as
// compile-time constants. Values count minPageSize units; 32 bits is
// plenty (2^32 * 4 KiB is 16 TiB).
const (
	trieNodeSize  = 64
	trieLevelBits = 3 // log2(64 / sizeof(pointer))
	trieLeafBits  = 4 // log2(64 / sizeof(uint32))
	trieTotalBits = pointerValidBits - logMinPageSize
	trieLevels    = (trieTotalBits - trieLeafBits) / trieLevelBits
	trieTopBits   = (trieTotalBits - trieLeafBits) % trieLevelBits
)

// A trieNode is one cache line, viewed either as interior links or as
// leaf values depending on depth.
type trieNode struct {
	link [1 << trieLevelBits]unsafe.Pointer
}

type trieLeaf struct {
	val [1 << trieLeafBits]uint32
}

func (n *trieNode) leaf() *trieLeaf { return (*trieLeaf)(unsafe.Pointer(n)) }

// trieNodePool is the permanent slab behind trie nodes, run-compressed
// like the description pool.
var trieNodePool = permaPool{recSize: trieNodeSize}

var largeBlockTrie trie

type trie struct {
	head [1 << trieTopBits]unsafe.Pointer
}

// ensureNode returns the node at *slot, installing a fresh zeroed one
// if the slot is empty. Loads are acquire; the install is a CAS whose
// loser frees its node and adopts the winner's. Returns nil only on
// kernel OOM.
func ensureNode(slot *unsafe.Pointer) *trieNode {
	p := atomic.LoadPointer(slot)
	if p != nil {
		return (*trieNode)(p)
	}
	return ensureNodeHeavy(slot)
}

func ensureNodeHeavy(slot *unsafe.Pointer) *trieNode {
	np := trieNodePool.alloc()
	if np == 0 {
		return nil
	}
	memclr(np, trieNodeSize)
	fresh := unsafe.Pointer(np)
	if atomic.CompareAndSwapPointer(slot, nil, fresh) {
		return (*trieNode)(fresh)
	}
	trieNodePool.free(np)
	return (*trieNode)(atomic.LoadPointer(slot))
}

// lookup returns the value slot for page frame number v, allocating
// any missing nodes along the path. Returns nil on kernel OOM. The
// slot may well hold zero: that means no large block is recorded
// there.
func (t *trie) lookup(v uintptr) *uint32 {
	const levelMask = 1<<trieLevelBits - 1

	var slot *unsafe.Pointer
	if trieTopBits > 0 {
		slot = &t.head[v>>(trieLevels*trieLevelBits+trieLeafBits)]
	} else {
		slot = &t.head[0]
	}

	var node *trieNode
	for i := trieLevels * trieLevelBits; ; {
		node = ensureNode(slot)
		if node == nil {
			return nil
		}
		i -= trieLevelBits
		if i < 0 {
			break
		}
		slot = &node.link[(v>>(uint(i)+trieLeafBits))&levelMask]
	}
	return &node.leaf().val[v&(1<<trieLeafBits-1)]
}

// lookupFailCrash walks the trie without allocating. Every interior
// link on the path must already exist: this is the hot path for
// free/realloc, which is always paired with a successful lookup at
// allocation time. A miss dereferences a nil node and crashes — a
// deliberate trade of safety for speed, so only hand it addresses this
// allocator returned.
func (t *trie) lookupFailCrash(v uintptr) *uint32 {
	const levelMask = 1<<trieLevelBits - 1

	var node *trieNode
	if trieTopBits > 0 {
		node = (*trieNode)(atomic.LoadPointer(&t.head[v>>(trieLevels*trieLevelBits+trieLeafBits)]))
	} else {
		node = (*trieNode)(atomic.LoadPointer(&t.head[0]))
	}
	for i := (trieLevels - 1) * trieLevelBits; i >= 0; i -= trieLevelBits {
		node = (*trieNode)(atomic.LoadPointer(&node.link[(v>>(uint(i)+trieLeafBits))&levelMask]))
	}
	return &node.leaf().val[v&(1<<trieLeafBits-1)]
}

func lookupLargeBlock(page uintptr) *uint32 {
	return largeBlockTrie.lookup(page >> logMinPageSize)
}

func lookupLargeBlockFailCrash(page uintptr) *uint32 {
	return largeBlockTrie.lookupFailCrash(page >> logMinPageSize)
}

// setLargeBlockSize records n (bytes) as the large-block size at page.
// Returns false on kernel OOM while growing the trie.
func setLargeBlockSize(page, n uintptr) bool {
	slot := lookupLargeBlock(page)
	if slot == nil {
		return false
	}
	atomic.StoreUint32(slot, uint32(n>>logMinPageSize))
	return true
}

func lookupLargeBlockSizeFailCrash(page uintptr) uintptr {
	return uintptr(atomic.LoadUint32(lookupLargeBlockFailCrash(page))) << logMinPageSize
}
