// Copyright 2024 The Pagealloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pagealloc

const (
	// Recent aarch64 kernels can enable a 52-bit address space.
	pointerValidBits = 52

	hugePageSize = 2 << 20
)
