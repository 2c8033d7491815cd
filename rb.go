// Copyright 2024 The Pagealloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Intrusive left-leaning red-black tree over description records,
// derived from jemalloc's rb implementation. All elements must be
// unique; that is the caller's responsibility. The tree owns no
// memory, only links nodes that live elsewhere, and it is not
// thread-safe: the arena lock is the sole concurrency barrier.

package pagealloc

import "unsafe"

// rbLink packs a left child pointer and a right child pointer whose
// least significant bit carries the node color. Descriptions are
// 8-byte aligned, so the bit is always free.
type rbLink struct {
	left       *description
	rightColor uintptr
}

const (
	rbBlack = 0
	rbRed   = 1
)

func (l *rbLink) getLeft() *description { return l.left }
func (l *rbLink) getRight() *description {
	return (*description)(unsafe.Pointer(l.rightColor &^ 1))
}

// get returns the left child if lt, else the right child.
func (l *rbLink) get(lt bool) *description {
	if lt {
		return l.getLeft()
	}
	return l.getRight()
}

func (l *rbLink) setLeft(v *description) { l.left = v }
func (l *rbLink) setRight(v *description) {
	l.rightColor = (l.rightColor & 1) | uintptr(unsafe.Pointer(v))
}

func (l *rbLink) color() uintptr { return l.rightColor & 1 }
func (l *rbLink) setColor(c uintptr) {
	l.rightColor = (l.rightColor &^ 1) | c
}
func (l *rbLink) setRightColor(v *description, c uintptr) {
	l.rightColor = uintptr(unsafe.Pointer(v)) | c
}

// rbTree is one view over the description population: li selects which
// link slot the tree threads through (a record may sit in an
// address-keyed and a size-keyed tree at once), bySize selects the
// comparator.
type rbTree struct {
	root   *description
	li     uint8
	bySize bool
}

func (t *rbTree) ln(d *description) *rbLink { return &d.links[t.li] }

func (t *rbTree) lt(a, b *description) bool {
	if t.bySize {
		return a.size < b.size || (a.size == b.size && a.addr < b.addr)
	}
	return a.addr < b.addr
}

func (t *rbTree) left(d *description) *description  { return t.ln(d).getLeft() }
func (t *rbTree) right(d *description) *description { return t.ln(d).getRight() }

func (t *rbTree) setLeft(d, v *description)  { t.ln(d).setLeft(v) }
func (t *rbTree) setRight(d, v *description) { t.ln(d).setRight(v) }

func (t *rbTree) leftExchange(d, v *description) *description {
	r := t.left(d)
	t.setLeft(d, v)
	return r
}

func (t *rbTree) rightExchange(d, v *description) *description {
	r := t.right(d)
	t.setRight(d, v)
	return r
}

func (t *rbTree) isRed(d *description) bool   { return t.ln(d).color() == rbRed }
func (t *rbTree) isBlack(d *description) bool { return t.ln(d).color() == rbBlack }
func (t *rbTree) redSet(d *description)       { t.ln(d).setColor(rbRed) }
func (t *rbTree) blackSet(d *description)     { t.ln(d).setColor(rbBlack) }

func (t *rbTree) colorExchange(d *description, c uintptr) uintptr {
	r := t.ln(d).color()
	t.ln(d).setColor(c)
	return r
}

func (t *rbTree) rotateLeft(d *description) *description {
	r := t.right(d)
	t.setRight(d, t.leftExchange(r, d))
	return r
}

func (t *rbTree) rotateRight(d *description) *description {
	r := t.left(d)
	t.setLeft(d, t.rightExchange(r, d))
	return r
}

func (t *rbTree) leanLeft(d *description) *description {
	r := t.rotateLeft(d)
	t.ln(r).setColor(t.colorExchange(d, rbRed))
	return r
}

func (t *rbTree) leanRight(d *description) *description {
	r := t.rotateRight(d)
	t.ln(r).setColor(t.colorExchange(d, rbRed))
	return r
}

func (t *rbTree) cmpxchgChild(d, oldv, newv *description) {
	if t.left(d) == oldv {
		t.setLeft(d, newv)
	} else if t.right(d) == oldv {
		t.setRight(d, newv)
	}
}

func (t *rbTree) ucmpxchgChild(d, oldv, newv *description) {
	if t.left(d) == oldv {
		t.setLeft(d, newv)
	} else {
		t.setRight(d, newv)
	}
}

func (t *rbTree) moveRedLeft(d *description) *description {
	t.redSet(t.left(d))
	if u := t.right(d); u != nil && t.left(u) != nil && t.isRed(t.left(u)) {
		t.setRight(d, t.rotateRight(u))
		r := t.rotateLeft(d)
		if rt := t.right(d); rt != nil && t.isRed(rt) {
			t.blackSet(rt)
			t.redSet(d)
			t.setLeft(r, t.rotateLeft(d))
		} else {
			t.blackSet(d)
		}
		return r
	}
	t.redSet(d)
	return t.rotateLeft(d)
}

func (t *rbTree) moveRedRight(d *description) *description {
	u := t.left(d)
	if t.isRed(u) {
		w := t.right(u)
		if v := t.left(w); v != nil && t.isRed(v) {
			t.ln(w).setColor(t.ln(d).color())
			t.blackSet(v)
			t.setLeft(d, t.rotateLeft(u))
		} else {
			t.ln(u).setColor(t.ln(d).color())
			t.redSet(w)
		}
		t.redSet(d)
	} else {
		t.redSet(u)
		if s := t.left(u); s != nil && t.isRed(s) {
			t.blackSet(s)
		} else {
			return t.rotateLeft(d)
		}
	}

	r := t.rotateRight(d)
	t.setRight(r, t.rotateLeft(d))
	return r
}

func (t *rbTree) first() *description {
	var r *description
	for p := t.root; p != nil; p = t.left(p) {
		r = p
	}
	return r
}

func (t *rbTree) last() *description {
	var r *description
	for p := t.root; p != nil; p = t.right(p) {
		r = p
	}
	return r
}

func (t *rbTree) next(p *description) *description {
	if r := t.right(p); r != nil {
		n := r
		for t.left(n) != nil {
			n = t.left(n)
		}
		return n
	}
	var ret *description
	for node := t.root; node != p; {
		if t.lt(p, node) {
			ret = node
			node = t.left(node)
		} else {
			node = t.right(node)
		}
	}
	return ret
}

func (t *rbTree) prev(p *description) *description {
	if l := t.left(p); l != nil {
		n := l
		for t.right(n) != nil {
			n = t.right(n)
		}
		return n
	}
	var ret *description
	for node := t.root; node != p; {
		if t.lt(p, node) {
			node = t.left(node)
		} else {
			ret = node
			node = t.right(node)
		}
	}
	return ret
}

// searchAddr returns the node whose range starts exactly at addr, or
// nil. Only meaningful on address-keyed trees.
func (t *rbTree) searchAddr(addr uintptr) *description {
	node := t.root
	for node != nil {
		switch {
		case addr == node.addr:
			return node
		case addr < node.addr:
			node = t.left(node)
		default:
			node = t.right(node)
		}
	}
	return nil
}

// psearchAddr returns the node with the largest address <= addr, or
// nil.
func (t *rbTree) psearchAddr(addr uintptr) *description {
	node := t.root
	var r *description
	for node != nil {
		switch {
		case addr == node.addr:
			return node
		case addr < node.addr:
			node = t.left(node)
		default:
			r = node
			node = t.right(node)
		}
	}
	return r
}

// nsearchSize returns the smallest node with size >= want (address
// breaking ties, by the comparator), or nil. Only meaningful on the
// size-keyed tree.
func (t *rbTree) nsearchSize(want uintptr) *description {
	node := t.root
	var r *description
	for node != nil {
		if want <= node.size {
			r = node
			node = t.left(node)
		} else {
			node = t.right(node)
		}
	}
	return r
}

// popFirst removes and returns the leftmost node, nil if empty.
func (t *rbTree) popFirst() *description {
	d := t.first()
	if d != nil {
		t.remove(d)
	}
	return d
}

func (t *rbTree) insert(node *description) {
	t.setLeft(node, nil)
	t.ln(node).setRightColor(nil, rbRed)
	if t.root == nil {
		t.ln(node).setRightColor(nil, rbBlack)
		t.root = node
		return
	}

	var s description
	t.setLeft(&s, t.root)
	t.ln(&s).setRightColor(nil, rbBlack)

	var g *description
	p := &s
	c := t.root

	// Iteratively search down the tree for the insertion point,
	// splitting 4-nodes as they are encountered. At the end of each
	// iteration g->p->c is a 3-level path down the tree.
	lt := true
	for {
		if u := t.left(c); u != nil && t.isRed(u) && t.left(u) != nil && t.isRed(t.left(u)) {
			// c is the top of a logical 4-node; split it. This
			// iteration does not move down the tree.
			nc := t.rotateRight(c)
			t.blackSet(t.left(nc))
			if t.left(p) == c {
				t.setLeft(p, nc)
				c = nc
			} else {
				// c was the right child of p: rotate left to keep
				// the left-leaning invariant.
				t.setRight(p, nc)
				uu := t.leanLeft(p)
				t.ucmpxchgChild(g, p, uu)
				p = uu
				c = t.ln(p).get(t.lt(node, p))
				continue
			}
		}
		g = p
		p = c
		lt = t.lt(node, c)
		c = t.ln(c).get(lt)
		if c == nil {
			break
		}
	}
	// p is the node under which to insert.
	if lt {
		t.setLeft(p, node)
	} else {
		t.setRight(p, node)
		t.cmpxchgChild(g, p, t.leanLeft(p))
	}
	t.root = t.left(&s)
	t.blackSet(t.root)
}

func (t *rbTree) remove(node *description) {
	var s description
	t.setLeft(&s, t.root)
	t.ln(&s).setRightColor(nil, rbBlack)
	p := &s
	c := t.root
	var xp *description

	// Iterate down the tree, transforming 2-nodes to 3- or 4-nodes so
	// that the current node is never a 2-node; a leaf can then be
	// unlinked directly. The root is handled specially since it may
	// not be convertible.
	var cmp int
	switch {
	case node == c:
		cmp = 0
	case t.lt(node, c):
		cmp = -1
	default:
		cmp = 1
	}
	if cmp < 0 {
		if u := t.left(c); t.isRed(u) || (t.left(u) != nil && t.isRed(t.left(u))) {
			p = c
			c = t.left(c)
		} else {
			c = t.moveRedLeft(c)
			t.blackSet(c)
			t.setLeft(p, c)
		}
	} else {
		if node == c {
			if t.right(c) != nil {
				// Swap with the successor later; xp records the
				// parent for the deferred swap.
				xp = p
				cmp = 1
			} else {
				// Delete the root, which is also a leaf.
				var u *description
				if t.left(c) != nil {
					u = t.leanRight(c)
					t.setRight(u, nil)
				}
				t.setLeft(p, u)
			}
		}
		if cmp > 0 {
			if cr := t.right(c); cr != nil && t.left(cr) != nil && t.isRed(t.left(cr)) {
				p = c
				c = cr
			} else {
				u := t.left(c)
				if t.isRed(u) {
					u = t.moveRedRight(c)
				} else {
					// Root-specific transform.
					t.redSet(c)
					if v := t.left(u); v != nil && t.isRed(v) {
						t.blackSet(v)
						u = t.rotateRight(c)
						t.setRight(u, t.rotateLeft(c))
					} else {
						t.redSet(u)
						u = t.rotateLeft(c)
					}
				}
				t.setLeft(p, u)
				c = u
			}
		}
	}
	if cmp != 0 {
		for {
			if node != c && t.lt(node, c) {
				u := t.left(c)
				if u == nil {
					// c is the successor to relocate into node's
					// position.
					*t.ln(c) = *t.ln(node)
					t.ucmpxchgChild(xp, node, c)
					t.ucmpxchgChild(p, c, nil)
					break
				}
				if t.isBlack(u) && (t.left(u) == nil || t.isBlack(t.left(u))) {
					rt := t.moveRedLeft(c)
					t.ucmpxchgChild(p, c, rt)
					c = rt
				} else {
					p = c
					c = t.left(c)
				}
			} else {
				if node == c {
					if t.right(c) != nil {
						// Defer: swap with successor.
						xp = p
					} else {
						// Delete leaf node.
						var u *description
						if t.left(c) != nil {
							u = t.leanRight(c)
							t.setRight(u, nil)
						}
						t.ucmpxchgChild(p, c, u)
						break
					}
				}
				if u := t.right(c); u != nil && t.left(u) != nil && t.isRed(t.left(u)) {
					p = c
					c = t.right(c)
				} else {
					rt := t.moveRedRight(c)
					t.ucmpxchgChild(p, c, rt)
					c = rt
				}
			}
		}
	}
	t.root = t.left(&s)
}
