// Copyright 2024 The Pagealloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build pagealloc_nobrk

package pagealloc

const useBrk = false
