// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package flash

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"syscall"
	"testing"

	"github.com/go-lpc/acces/apci"
	"github.com/go-lpc/acces/internal/fakedev"
)

const devID = 0xc2ec

// chip emulates the flash chip behind the FPGA flash registers.
// Programming a byte can only clear bits. Erasing a sector requires the
// erase sentinel to be written first.
type chip struct {
	dev   *fakedev.Device
	mem   []byte
	armed bool

	erased  []uint32 // sectors erased, in order
	sectors []uint32 // values written to the erase register, in order

	// stuck, when >= 0, is an offset that erases to 0x00.
	stuck int
	// corrupt, when > 0, is the number of write cycles with a flipped byte 0.
	corrupt int
}

func newChip() *chip {
	c := &chip{
		dev:   fakedev.New(devID),
		mem:   make([]byte, Size),
		stuck: -1,
	}
	c.dev.NoLog = true
	c.dev.Regs[fakedev.Reg{Bar: Bar, Off: regRevision}] = 0x12345678
	c.dev.OnWrite = c.write
	return c
}

func (c *chip) write(op fakedev.Op) {
	if op.Bar != Bar {
		return
	}
	switch op.Off {
	case regErase:
		c.sectors = append(c.sectors, op.Val)
		switch {
		case op.Val == eraseSentinel|devID:
			c.armed = true
		case c.armed && op.Val&0xffffff00 == sectorSentinel:
			sec := int(op.Val & 0xff)
			for i := sec * 0x10000; i < (sec+1)*0x10000; i++ {
				c.mem[i] = 0xff
			}
			if c.stuck >= sec*0x10000 && c.stuck < (sec+1)*0x10000 {
				c.mem[c.stuck] = 0x00
			}
			c.erased = append(c.erased, op.Val&0xff)
			c.armed = false
		default:
			c.armed = false
		}
	case regAddr:
		addr := op.Val &^ writeStrobe
		if op.Val&writeStrobe != 0 {
			v := byte(c.dev.Regs[fakedev.Reg{Bar: Bar, Off: regData}])
			if addr == 0 && c.corrupt > 0 {
				v ^= 0x01
				c.corrupt--
			}
			c.mem[addr] &= v
			return
		}
		c.dev.Regs[fakedev.Reg{Bar: Bar, Off: regData}] = 0xabcdef00 | uint32(c.mem[addr])
	}
}

func newUpdater(t *testing.T, c *chip, opts ...Option) (*Updater, *strings.Builder) {
	t.Helper()
	out := new(strings.Builder)
	opts = append([]Option{
		WithLogger(log.New(out, "", 0)),
		WithEraseSettle(0),
		WithByteSettle(0),
	}, opts...)
	u, err := New(c.dev, opts...)
	if err != nil {
		t.Fatalf("could not create updater: %+v", err)
	}
	return u, out
}

func TestErase(t *testing.T) {
	c := newChip()
	u, out := newUpdater(t, c)

	if got, want := u.DeviceID(), uint32(devID); got != want {
		t.Fatalf("invalid device id: got=0x%x, want=0x%x", got, want)
	}
	if got, want := u.Sentinel(), uint32(0x494fc2ec); got != want {
		t.Fatalf("invalid sentinel: got=0x%x, want=0x%x", got, want)
	}

	err := u.Erase(context.Background())
	if err != nil {
		t.Fatalf("could not erase flash: %+v", err)
	}

	if got, want := len(c.sectors), 2*NumSectors; got != want {
		t.Fatalf("invalid number of erase writes: got=%d, want=%d", got, want)
	}
	for i := 0; i < NumSectors; i++ {
		if got, want := c.sectors[2*i], uint32(0x494fc2ec); got != want {
			t.Fatalf("sector %d: invalid sentinel: got=0x%x, want=0x%x", i, got, want)
		}
		if got, want := c.sectors[2*i+1], uint32(0x0acce500|i); got != want {
			t.Fatalf("sector %d: invalid sector sentinel: got=0x%x, want=0x%x", i, got, want)
		}
		if got, want := c.erased[i], uint32(i); got != want {
			t.Fatalf("invalid erase order: got=%d, want=%d", got, want)
		}
	}

	if !strings.Contains(out.String(), "erasing flash sector 8/8 via 0ACCE507\n") {
		t.Fatalf("missing erase log:\n%s", out.String())
	}
}

func TestUpdate(t *testing.T) {
	raw := make([]byte, 3000)
	for i := range raw {
		raw[i] = byte(i * 7)
	}
	img, err := NewImage("test.rpd", raw)
	if err != nil {
		t.Fatalf("could not create image: %+v", err)
	}

	c := newChip()
	u, out := newUpdater(t, c)

	rep, err := u.Update(context.Background(), img)
	if err != nil {
		t.Fatalf("could not update flash: %+v", err)
	}

	if got, want := rep.Attempts, 1; got != want {
		t.Fatalf("invalid number of attempts: got=%d, want=%d", got, want)
	}
	if got, want := rep.Revision, uint32(0x12345678); got != want {
		t.Fatalf("invalid revision: got=0x%x, want=0x%x", got, want)
	}
	if got, want := rep.Bytes, len(raw); got != want {
		t.Fatalf("invalid number of bytes: got=%d, want=%d", got, want)
	}
	if got, want := rep.CRC32, img.CRC32(); got != want {
		t.Fatalf("invalid crc: got=0x%x, want=0x%x", got, want)
	}

	for i := range raw {
		if got, want := c.mem[i], raw[i]; got != want {
			t.Fatalf("invalid flash byte %d: got=0x%x, want=0x%x", i, got, want)
		}
	}
	for i := len(raw); i < Size; i++ {
		if c.mem[i] != 0xff {
			t.Fatalf("flash byte %d past image not erased: 0x%x", i, c.mem[i])
		}
	}

	for _, line := range []string{
		"erase sentinel is 494FC2EC\n",
		"verification of flash erasure succeeded.\n",
		"writing 3000 bytes to flash\n",
		"wrote 375 of 3000 to flash\n",
		"verification of flash contents succeeded.\n",
		"flash update successful. wrote test.rpd to device c2ec.\n",
	} {
		if !strings.Contains(out.String(), line) {
			t.Fatalf("missing log line %q", line)
		}
	}
}

func TestUpdateFullImage(t *testing.T) {
	img, err := NewImage("zeros.rpd", make([]byte, Size))
	if err != nil {
		t.Fatalf("could not create image: %+v", err)
	}

	c := newChip()
	u, _ := newUpdater(t, c, WithLogger(nil))

	rep, err := u.Update(context.Background(), img)
	if err != nil {
		t.Fatalf("could not update flash: %+v", err)
	}
	if got, want := rep.Attempts, 1; got != want {
		t.Fatalf("invalid number of attempts: got=%d, want=%d", got, want)
	}
	for i, v := range c.mem {
		if v != 0 {
			t.Fatalf("invalid flash byte %d: 0x%x", i, v)
		}
	}
}

func TestUpdateRetry(t *testing.T) {
	img, err := NewImage("test.rpd", []byte{0x01, 0x02, 0x03, 0x04})
	if err != nil {
		t.Fatalf("could not create image: %+v", err)
	}

	c := newChip()
	c.corrupt = 2
	u, out := newUpdater(t, c)

	rep, err := u.Update(context.Background(), img)
	if err != nil {
		t.Fatalf("could not update flash: %+v", err)
	}
	if got, want := rep.Attempts, 3; got != want {
		t.Fatalf("invalid number of attempts: got=%d, want=%d", got, want)
	}
	if got, want := len(c.erased), 3*NumSectors; got != want {
		t.Fatalf("invalid number of erased sectors: got=%d, want=%d", got, want)
	}
	if got, want := strings.Count(out.String(), "RETRYING"), 2; got != want {
		t.Fatalf("invalid number of retries: got=%d, want=%d", got, want)
	}
	if !strings.Contains(out.String(), "verify failed at byte        1; got 00, expected 01\n") {
		t.Fatalf("missing verify failure log:\n%s", out.String())
	}
}

func TestUpdateMaxAttempts(t *testing.T) {
	img, err := NewImage("test.rpd", []byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("could not create image: %+v", err)
	}

	c := newChip()
	c.corrupt = 10
	u, _ := newUpdater(t, c, WithMaxAttempts(2))

	rep, err := u.Update(context.Background(), img)
	if !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrTooManyAttempts)
	}
	var verr *VerifyError
	if !errors.As(err, &verr) {
		t.Fatalf("error does not wrap verification failure: %+v", err)
	}
	if got, want := verr.Pos(), 1; got != want {
		t.Fatalf("invalid position: got=%d, want=%d", got, want)
	}
	if got, want := rep.Attempts, 2; got != want {
		t.Fatalf("invalid number of attempts: got=%d, want=%d", got, want)
	}
	if got, want := c.corrupt, 8; got != want {
		t.Fatalf("invalid number of write cycles: got=%d, want=%d", 10-got, 10-want)
	}
}

func TestUpdateEraseFailure(t *testing.T) {
	img, err := NewImage("test.rpd", []byte{0x01, 0x02, 0x03})
	if err != nil {
		t.Fatalf("could not create image: %+v", err)
	}

	c := newChip()
	c.stuck = 0x10002
	var writes int
	c.dev.OnWrite = func(op fakedev.Op) {
		if op.Off == regAddr && op.Val&writeStrobe != 0 {
			writes++
		}
		c.write(op)
	}
	u, out := newUpdater(t, c, WithMaxAttempts(3))

	_, err = u.Update(context.Background(), img)
	if !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrTooManyAttempts)
	}
	var eerr *EraseError
	if !errors.As(err, &eerr) {
		t.Fatalf("error does not wrap erase failure: %+v", err)
	}
	if got, want := *eerr, (EraseError{Offset: 0x10002, Got: 0x00, Want: 0x00}); got != want {
		t.Fatalf("invalid erase error: got=%+v, want=%+v", got, want)
	}
	if writes != 0 {
		t.Fatalf("flash written after erase failure: %d writes", writes)
	}
	if got, want := len(c.erased), 3*NumSectors; got != want {
		t.Fatalf("invalid number of erased sectors: got=%d, want=%d", got, want)
	}
	if got, want := strings.Count(out.String(), "verification of flash erasure failed."), 3; got != want {
		t.Fatalf("invalid number of erase failures: got=%d, want=%d", got, want)
	}
}

func TestVerifyEraseReportsImageByte(t *testing.T) {
	img, err := NewImage("test.rpd", []byte{0x11, 0x22, 0x33})
	if err != nil {
		t.Fatalf("could not create image: %+v", err)
	}

	c := newChip()
	u, out := newUpdater(t, c)
	err = u.Erase(context.Background())
	if err != nil {
		t.Fatalf("could not erase: %+v", err)
	}
	c.mem[1] = 0x7f

	err = u.VerifyErase(context.Background(), img)
	var eerr *EraseError
	if !errors.As(err, &eerr) {
		t.Fatalf("invalid error: %+v", err)
	}
	if got, want := *eerr, (EraseError{Offset: 1, Got: 0x7f, Want: 0x22}); got != want {
		t.Fatalf("invalid erase error: got=%+v, want=%+v", got, want)
	}
	if !strings.Contains(out.String(), "erase verify failed at byte        1; got 7F, expected 22\n") {
		t.Fatalf("missing erase failure log:\n%s", out.String())
	}
}

func TestUpdateIOError(t *testing.T) {
	img, err := NewImage("test.rpd", []byte{0x01, 0x02, 0x03})
	if err != nil {
		t.Fatalf("could not create image: %+v", err)
	}

	for _, tc := range []struct {
		name string
		fail func(op fakedev.Op) bool
	}{
		{
			name: "revision",
			fail: func(op fakedev.Op) bool { return !op.Write && op.Off == regRevision },
		},
		{
			name: "erase",
			fail: func(op fakedev.Op) bool { return op.Write && op.Off == regErase && op.Val == sectorSentinel|3 },
		},
		{
			name: "write",
			fail: func(op fakedev.Op) bool { return op.Write && op.Off == regData && op.Val == 0x02 },
		},
		{
			name: "read",
			fail: func(op fakedev.Op) bool { return !op.Write && op.Off == regData },
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := newChip()
			c.dev.Fail = func(op fakedev.Op) error {
				if tc.fail(op) {
					return fmt.Errorf("apci: could not access: %w", syscall.EIO)
				}
				return nil
			}
			u, _ := newUpdater(t, c)

			rep, err := u.Update(context.Background(), img)
			if !errors.Is(err, syscall.EIO) {
				t.Fatalf("invalid error: got=%+v, want=%+v", err, syscall.EIO)
			}
			if errors.Is(err, ErrTooManyAttempts) {
				t.Fatalf("i/o failure should not be retried")
			}
			if rep.Attempts > 1 {
				t.Fatalf("i/o failure retried: %d attempts", rep.Attempts)
			}
		})
	}
}

func TestUpdateCancel(t *testing.T) {
	img, err := NewImage("test.rpd", []byte{0x01})
	if err != nil {
		t.Fatalf("could not create image: %+v", err)
	}

	c := newChip()
	c.corrupt = 1 << 30

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cycles int
	c.dev.OnWrite = func(op fakedev.Op) {
		c.write(op)
		if op.Off == regErase && op.Val == sectorSentinel {
			cycles++
			if cycles == 3 {
				cancel()
			}
		}
	}

	u, _ := newUpdater(t, c)
	rep, err := u.Update(ctx, img)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, context.Canceled)
	}
	if got, want := rep.Attempts, 3; got != want {
		t.Fatalf("invalid number of attempts: got=%d, want=%d", got, want)
	}
}

func TestNewInfoError(t *testing.T) {
	_, err := New(failInfo{}, WithLogger(log.New(io.Discard, "", 0)))
	if !errors.Is(err, syscall.ENODEV) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, syscall.ENODEV)
	}
}

type failInfo struct {
	*fakedev.Device
}

func (failInfo) Info() (apci.Info, error) {
	return apci.Info{}, syscall.ENODEV
}
