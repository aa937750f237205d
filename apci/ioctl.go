// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package apci

import (
	"unsafe"
)

// access sizes understood by the driver.
const (
	sizeByte  = 0
	sizeWord  = 1
	sizeDword = 2
)

const (
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30

	accesMagic = 0xe0

	// the driver declares its requests with a pointer argument type.
	argSize = unsafe.Sizeof(uintptr(0))
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<iocDirShift | size<<iocSizeShift | typ<<iocTypeShift | nr<<iocNRShift
}

var (
	reqDeviceInfo = ioc(iocRead, accesMagic, 2, argSize)
	reqWrite      = ioc(iocWrite, accesMagic, 3, argSize)
	reqRead       = ioc(iocRead, accesMagic, 4, argSize)
)

// iopack mirrors the driver's register access request.
type iopack struct {
	index  uintptr
	bar    int32
	offset uint32
	size   uint8
	_      [3]byte
	data   uint32
}

// infoPack mirrors the driver's device information request.
type infoPack struct {
	index uintptr
	devID int32
	bars  [6]uintptr
}
