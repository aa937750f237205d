// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package apci

import (
	"errors"
	"fmt"
	"log"
	"syscall"
)

type tracer struct {
	c   Conn
	idx uintptr
	msg *log.Logger
}

// Trace returns a Conn that logs every register access made through c,
// together with its outcome.
// Trace returns c unchanged when msg is nil.
func Trace(c Conn, msg *log.Logger) Conn {
	if msg == nil {
		return c
	}
	idx := uintptr(DefaultIndex)
	if dev, ok := c.(interface{ Index() uintptr }); ok {
		idx = dev.Index()
	}
	return &tracer{c: c, idx: idx, msg: msg}
}

func (t *tracer) Read8(bar int, off uint32) (uint8, error) {
	v, err := t.c.Read8(bar, off)
	t.read("read8", bar, off, fmt.Sprintf("0x%02x", v), err)
	return v, err
}

func (t *tracer) Read16(bar int, off uint32) (uint16, error) {
	v, err := t.c.Read16(bar, off)
	t.read("read16", bar, off, fmt.Sprintf("0x%04x", v), err)
	return v, err
}

func (t *tracer) Read32(bar int, off uint32) (uint32, error) {
	v, err := t.c.Read32(bar, off)
	t.read("read32", bar, off, fmt.Sprintf("0x%08x", v), err)
	return v, err
}

func (t *tracer) Write8(bar int, off uint32, v uint8) error {
	err := t.c.Write8(bar, off, v)
	t.write("write8", bar, off, fmt.Sprintf("0x%02x", v), err)
	return err
}

func (t *tracer) Write16(bar int, off uint32, v uint16) error {
	err := t.c.Write16(bar, off, v)
	t.write("write16", bar, off, fmt.Sprintf("0x%04x", v), err)
	return err
}

func (t *tracer) Write32(bar int, off uint32, v uint32) error {
	err := t.c.Write32(bar, off, v)
	t.write("write32", bar, off, fmt.Sprintf("0x%08x", v), err)
	return err
}

func (t *tracer) Info() (Info, error) {
	info, err := t.c.Info()
	if err != nil {
		t.msg.Printf("info... (Dev [%d])\t%s", t.idx, errno(err))
		return info, err
	}
	t.msg.Printf("info... (Dev [%d])\tDevice ID: 0x%04x", t.idx, info.DeviceID)
	return info, nil
}

func (t *tracer) read(op string, bar int, off uint32, v string, err error) {
	if err != nil {
		t.msg.Printf("%s... (Dev [%d] Bar [%d] Reg [0x%x])\t%s", op, t.idx, bar, off, errno(err))
		return
	}
	t.msg.Printf("%s... (Dev [%d] Bar [%d] Reg [0x%x])\tValue: %s", op, t.idx, bar, off, v)
}

func (t *tracer) write(op string, bar int, off uint32, v string, err error) {
	if err != nil {
		t.msg.Printf("%s... (Dev [%d] Bar [%d] Reg [0x%x] Value [%s])\t%s", op, t.idx, bar, off, v, errno(err))
		return
	}
	t.msg.Printf("%s... (Dev [%d] Bar [%d] Reg [0x%x] Value [%s])\tSuccess", op, t.idx, bar, off, v)
}

func errno(err error) string {
	var no syscall.Errno
	if errors.As(err, &no) {
		return fmt.Sprintf("Errno: %d, Error: %s", int(no), no.Error())
	}
	return fmt.Sprintf("Errno: -1, Error: %v", err)
}

var _ Conn = (*tracer)(nil)
