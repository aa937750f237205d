// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package apci provides access to the registers of ACCES I/O boards
// handled by the APCI Linux kernel driver.
//
// Registers are addressed by a PCI BAR index and a byte offset within
// that BAR. Each access is a single ioctl on the APCI device file.
package apci // import "github.com/go-lpc/acces/apci"

import (
	"errors"
)

const (
	// DefaultDir is the directory where the APCI driver creates its device files.
	DefaultDir = "/dev/apci"

	// DefaultIndex is the driver device index used by the vendor tools.
	DefaultIndex = 1
)

var (
	ErrNoDevice    = errors.New("apci: no device")
	ErrUnsupported = errors.New("apci: unsupported platform")
)

// Info describes a board as reported by the APCI driver.
type Info struct {
	Index    uintptr    // driver device index
	DeviceID uint32     // PCI device ID
	BARs     [6]uintptr // base addresses
}

// Conn is the set of register primitives of an APCI board.
// A nil error is a successful access.
type Conn interface {
	Read8(bar int, off uint32) (uint8, error)
	Read16(bar int, off uint32) (uint16, error)
	Read32(bar int, off uint32) (uint32, error)

	Write8(bar int, off uint32, v uint8) error
	Write16(bar int, off uint32, v uint16) error
	Write32(bar int, off uint32, v uint32) error

	Info() (Info, error)
}
