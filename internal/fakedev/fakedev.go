// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fakedev provides an in-memory APCI board.
package fakedev // import "github.com/go-lpc/acces/internal/fakedev"

import (
	"fmt"
	"sync"

	"github.com/go-lpc/acces/apci"
)

// Reg addresses a register.
type Reg struct {
	Bar int
	Off uint32
}

// Op is a register access made on a Device.
type Op struct {
	Write bool
	Width int // 8, 16 or 32
	Bar   int
	Off   uint32
	Val   uint32
}

func (op Op) String() string {
	kind := "r"
	if op.Write {
		kind = "w"
	}
	return fmt.Sprintf("%s%d bar=%d reg=0x%x val=0x%x", kind, op.Width, op.Bar, op.Off, op.Val)
}

// R returns the read operation of width w on register off of bar.
func R(w, bar int, off uint32, v uint32) Op {
	return Op{Width: w, Bar: bar, Off: off, Val: v}
}

// W returns the write operation of width w on register off of bar.
func W(w, bar int, off uint32, v uint32) Op {
	return Op{Write: true, Width: w, Bar: bar, Off: off, Val: v}
}

// Device is an in-memory board. Registers hold the last value written
// to them, or 0.
type Device struct {
	mu   sync.Mutex
	ID   uint32
	Regs map[Reg]uint32
	Ops  []Op

	// NoLog disables the recording of operations.
	NoLog bool

	// Fail, when set, is called before each access.
	// A non-nil error aborts the access.
	Fail func(op Op) error

	// OnRead, when set, may override the value returned by a read.
	OnRead func(op Op) (uint32, bool)

	// OnWrite, when set, is called after each write.
	OnWrite func(op Op)

	// hooks are run with the device locked: they may only access Regs.
}

// New returns a new board with the provided PCI device ID.
func New(id uint32) *Device {
	return &Device{
		ID:   id,
		Regs: make(map[Reg]uint32),
	}
}

// Reset forgets about the recorded operations.
func (dev *Device) Reset() {
	dev.mu.Lock()
	dev.Ops = dev.Ops[:0]
	dev.mu.Unlock()
}

// Writes returns the recorded write operations.
func (dev *Device) Writes() []Op {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	var ops []Op
	for _, op := range dev.Ops {
		if op.Write {
			ops = append(ops, op)
		}
	}
	return ops
}

func (dev *Device) read(w, bar int, off uint32) (uint32, error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	op := R(w, bar, off, 0)
	if dev.Fail != nil {
		if err := dev.Fail(op); err != nil {
			return 0, err
		}
	}
	op.Val = dev.Regs[Reg{bar, off}] & mask(w)
	if dev.OnRead != nil {
		if v, ok := dev.OnRead(op); ok {
			op.Val = v & mask(w)
		}
	}
	if !dev.NoLog {
		dev.Ops = append(dev.Ops, op)
	}
	return op.Val, nil
}

func (dev *Device) write(w, bar int, off uint32, v uint32) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	op := W(w, bar, off, v)
	if dev.Fail != nil {
		if err := dev.Fail(op); err != nil {
			return err
		}
	}
	dev.Regs[Reg{bar, off}] = v
	if !dev.NoLog {
		dev.Ops = append(dev.Ops, op)
	}
	if dev.OnWrite != nil {
		dev.OnWrite(op)
	}
	return nil
}

func mask(w int) uint32 {
	return uint32(1<<w - 1)
}

func (dev *Device) Read8(bar int, off uint32) (uint8, error) {
	v, err := dev.read(8, bar, off)
	return uint8(v), err
}

func (dev *Device) Read16(bar int, off uint32) (uint16, error) {
	v, err := dev.read(16, bar, off)
	return uint16(v), err
}

func (dev *Device) Read32(bar int, off uint32) (uint32, error) {
	return dev.read(32, bar, off)
}

func (dev *Device) Write8(bar int, off uint32, v uint8) error {
	return dev.write(8, bar, off, uint32(v))
}

func (dev *Device) Write16(bar int, off uint32, v uint16) error {
	return dev.write(16, bar, off, uint32(v))
}

func (dev *Device) Write32(bar int, off uint32, v uint32) error {
	return dev.write(32, bar, off, v)
}

func (dev *Device) Info() (apci.Info, error) {
	return apci.Info{Index: apci.DefaultIndex, DeviceID: dev.ID}, nil
}

var _ apci.Conn = (*Device)(nil)
