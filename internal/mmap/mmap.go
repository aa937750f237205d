// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

// Package mmap provides memory-mapped register windows.
package mmap // import "github.com/go-lpc/acces/internal/mmap"

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	errClosed = errors.New("mmap: closed")
)

// Handle is a window of memory-mapped registers.
// Accesses are performed with loads and stores of exactly the requested
// width, as device registers require.
type Handle struct {
	data []byte
}

// Map maps the first size bytes of f, read-write and shared.
func Map(f *os.File, size int) (*Handle, error) {
	if size <= 0 {
		return nil, fmt.Errorf("mmap: invalid size %d", size)
	}
	data, err := unix.Mmap(
		int(f.Fd()), 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		return nil, fmt.Errorf("mmap: could not mmap %q: %w", f.Name(), err)
	}
	if len(data) != size {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("mmap: invalid mmap'd data: %d", len(data))
	}
	h := &Handle{data: data}
	runtime.SetFinalizer(h, (*Handle).Close)
	return h, nil
}

// Close unmaps the memory window.
func (h *Handle) Close() error {
	if h == nil {
		return os.ErrInvalid
	}

	if h.data == nil {
		return nil
	}
	data := h.data
	h.data = nil
	runtime.SetFinalizer(h, nil)

	return unix.Munmap(data)
}

// Len returns the length of the memory window.
func (h *Handle) Len() int {
	return len(h.data)
}

func (h *Handle) check(off uint32, width int) error {
	if h == nil {
		return os.ErrInvalid
	}
	if h.data == nil {
		return errClosed
	}
	if uint64(off)+uint64(width) > uint64(len(h.data)) {
		return fmt.Errorf("mmap: offset 0x%x out of range (len=0x%x)", off, len(h.data))
	}
	if off%uint32(width) != 0 {
		return fmt.Errorf("mmap: misaligned %d-bit access at 0x%x", 8*width, off)
	}
	return nil
}

func (h *Handle) Load8(off uint32) (uint8, error) {
	if err := h.check(off, 1); err != nil {
		return 0, err
	}
	return *(*uint8)(unsafe.Pointer(&h.data[off])), nil
}

func (h *Handle) Load16(off uint32) (uint16, error) {
	if err := h.check(off, 2); err != nil {
		return 0, err
	}
	return *(*uint16)(unsafe.Pointer(&h.data[off])), nil
}

func (h *Handle) Load32(off uint32) (uint32, error) {
	if err := h.check(off, 4); err != nil {
		return 0, err
	}
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&h.data[off]))), nil
}

func (h *Handle) Store8(off uint32, v uint8) error {
	if err := h.check(off, 1); err != nil {
		return err
	}
	*(*uint8)(unsafe.Pointer(&h.data[off])) = v
	return nil
}

func (h *Handle) Store16(off uint32, v uint16) error {
	if err := h.check(off, 2); err != nil {
		return err
	}
	*(*uint16)(unsafe.Pointer(&h.data[off])) = v
	return nil
}

func (h *Handle) Store32(off uint32, v uint32) error {
	if err := h.check(off, 4); err != nil {
		return err
	}
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&h.data[off])), v)
	return nil
}
