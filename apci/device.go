// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package apci

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"unsafe"
)

// Device is an opened APCI device file.
type Device struct {
	f     *os.File
	index uintptr
}

// Option configures a Device.
type Option func(dev *Device)

// WithIndex sets the driver device index used for each request.
func WithIndex(i uintptr) Option {
	return func(dev *Device) {
		dev.index = i
	}
}

// Open opens the APCI device file fname.
func Open(fname string, opts ...Option) (*Device, error) {
	f, err := os.OpenFile(fname, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("apci: could not open %q: %w", fname, err)
	}

	dev := &Device{f: f, index: DefaultIndex}
	for _, opt := range opts {
		opt(dev)
	}
	return dev, nil
}

// OpenFirst opens the first device file of dir that can be opened.
// Entries are tried in lexical order.
func OpenFirst(dir string, msg *log.Logger, opts ...Option) (*Device, error) {
	if msg == nil {
		msg = log.New(io.Discard, "", 0)
	}

	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("apci: could not open directory %q: %w", dir, err)
	}

	for _, ent := range ents {
		fname := filepath.Join(dir, ent.Name())
		msg.Printf("trying to open %s ...", fname)
		dev, err := Open(fname, opts...)
		if err != nil {
			msg.Printf("could not open device file %q, do you need sudo? %+v", fname, err)
			continue
		}
		msg.Printf("opened device %s", fname)
		return dev, nil
	}

	return nil, fmt.Errorf("apci: could not open any device in %q: %w", dir, ErrNoDevice)
}

// Name returns the name of the underlying device file.
func (dev *Device) Name() string { return dev.f.Name() }

// Index returns the driver device index.
func (dev *Device) Index() uintptr { return dev.index }

// Close closes the device file.
func (dev *Device) Close() error {
	if dev == nil || dev.f == nil {
		return nil
	}
	err := dev.f.Close()
	dev.f = nil
	if err != nil {
		return fmt.Errorf("apci: could not close device: %w", err)
	}
	return nil
}

func (dev *Device) Read8(bar int, off uint32) (uint8, error) {
	v, err := dev.read(sizeByte, bar, off)
	return uint8(v), err
}

func (dev *Device) Read16(bar int, off uint32) (uint16, error) {
	v, err := dev.read(sizeWord, bar, off)
	return uint16(v), err
}

func (dev *Device) Read32(bar int, off uint32) (uint32, error) {
	return dev.read(sizeDword, bar, off)
}

func (dev *Device) Write8(bar int, off uint32, v uint8) error {
	return dev.write(sizeByte, bar, off, uint32(v))
}

func (dev *Device) Write16(bar int, off uint32, v uint16) error {
	return dev.write(sizeWord, bar, off, uint32(v))
}

func (dev *Device) Write32(bar int, off uint32, v uint32) error {
	return dev.write(sizeDword, bar, off, v)
}

// Info queries the driver for the board's PCI device ID and base addresses.
func (dev *Device) Info() (Info, error) {
	if dev.f == nil {
		return Info{}, os.ErrClosed
	}
	pack := infoPack{index: dev.index}
	err := ioctl(dev.f, reqDeviceInfo, unsafe.Pointer(&pack))
	if err != nil {
		return Info{}, fmt.Errorf("apci: could not get device info: %w", err)
	}
	return Info{
		Index:    dev.index,
		DeviceID: uint32(pack.devID),
		BARs:     pack.bars,
	}, nil
}

func (dev *Device) read(size uint8, bar int, off uint32) (uint32, error) {
	if dev.f == nil {
		return 0, os.ErrClosed
	}
	pack := iopack{
		index:  dev.index,
		bar:    int32(bar),
		offset: off,
		size:   size,
	}
	err := ioctl(dev.f, reqRead, unsafe.Pointer(&pack))
	if err != nil {
		return 0, fmt.Errorf("apci: could not read%d bar=%d reg=0x%x: %w", width(size), bar, off, err)
	}
	return pack.data, nil
}

func (dev *Device) write(size uint8, bar int, off, v uint32) error {
	if dev.f == nil {
		return os.ErrClosed
	}
	pack := iopack{
		index:  dev.index,
		bar:    int32(bar),
		offset: off,
		size:   size,
		data:   v,
	}
	err := ioctl(dev.f, reqWrite, unsafe.Pointer(&pack))
	if err != nil {
		return fmt.Errorf("apci: could not write%d bar=%d reg=0x%x: %w", width(size), bar, off, err)
	}
	return nil
}

func width(size uint8) int {
	return 8 << size
}

var (
	_ Conn      = (*Device)(nil)
	_ io.Closer = (*Device)(nil)
)
