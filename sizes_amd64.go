// Copyright 2024 The Pagealloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pagealloc

const (
	// x86-64 traditionally has 48-bit virtual addresses; recent
	// processors extend user space to 56 bits.
	pointerValidBits = 56

	// Transparent huge page size. Used to size initial arena growth
	// and to align trim boundaries.
	hugePageSize = 2 << 20
)
