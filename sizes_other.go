// Copyright 2024 The Pagealloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !amd64 && !arm64

package pagealloc

const (
	pointerValidBits = 48

	// No huge page hint on other architectures.
	hugePageSize = 0
)
