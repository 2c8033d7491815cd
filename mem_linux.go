// Copyright 2024 The Pagealloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package pagealloc

import (
	"golang.org/x/sys/unix"
)

// Thin wrappers around the raw syscalls. The allocator manages address
// ranges by hand, so the slice-based helpers in x/sys are of no use
// here; everything goes through Syscall with plain addresses.

// sysMmap obtains n bytes of fresh anonymous memory. Returns 0 if the
// kernel refuses. The mapping is always readable and writable;
// MAP_NORESERVE keeps large speculative growth from charging commit.
func sysMmap(n uintptr) uintptr {
	p, _, errno := unix.Syscall6(unix.SYS_MMAP, 0, n,
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE),
		^uintptr(0), 0)
	if errno != 0 {
		return 0
	}
	return p
}

func sysMunmap(p, n uintptr) {
	unix.Syscall(unix.SYS_MUNMAP, p, n, 0)
}

// sysDiscard tells the kernel the range's contents are disposable.
// Subsequent reads return zero.
func sysDiscard(p, n uintptr) {
	unix.Syscall(unix.SYS_MADVISE, p, n, uintptr(unix.MADV_DONTNEED))
}

// sysNoHugePage opts the range out of transparent huge pages.
func sysNoHugePage(p, n uintptr) {
	unix.Syscall(unix.SYS_MADVISE, p, n, uintptr(unix.MADV_NOHUGEPAGE))
}

// sysBrk sets the program break to p (or queries it when p is 0) and
// returns the resulting break.
func sysBrk(p uintptr) uintptr {
	r, _, _ := unix.Syscall(unix.SYS_BRK, p, 0, 0)
	return r
}
