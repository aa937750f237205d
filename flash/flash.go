// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package flash updates the configuration flash of the FPGA of ACCES boards.
//
// An update erases the 8 sectors of the flash, checks the flash was
// erased, writes the bitstream byte by byte and reads it back.
// The whole cycle is repeated until the read back matches the bitstream.
package flash // import "github.com/go-lpc/acces/flash"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-lpc/acces/apci"
)

const (
	Bar = 2 // PCI BAR of the flash registers

	regRevision = 0x68
	regAddr     = 0x70
	regData     = 0x74
	regErase    = 0x78

	writeStrobe = 0x80000000

	Size       = 0x80000 // size of the flash in bytes
	NumSectors = 8

	eraseSentinel  = 0x494f0000 // | device ID
	sectorSentinel = 0x0acce500 // | sector

	chunk = 4 << 10 // bytes between two cancellation checks
)

type config struct {
	msg      *log.Logger
	attempts int
	erase    time.Duration
	byte     time.Duration
}

func newConfig() config {
	return config{
		msg:   log.New(os.Stdout, "flash: ", 0),
		erase: 2 * time.Second,
		byte:  25 * time.Microsecond,
	}
}

// Option configures an Updater.
type Option func(cfg *config)

// WithLogger sets the logger used to report progress.
func WithLogger(msg *log.Logger) Option {
	return func(cfg *config) {
		if msg == nil {
			msg = log.New(io.Discard, "", 0)
		}
		cfg.msg = msg
	}
}

// WithMaxAttempts bounds the number of update cycles.
// Zero, the default, retries until the update succeeds.
func WithMaxAttempts(n int) Option {
	return func(cfg *config) {
		if n < 0 {
			n = 0
		}
		cfg.attempts = n
	}
}

// WithEraseSettle sets the delay after each sector erase.
func WithEraseSettle(d time.Duration) Option {
	return func(cfg *config) {
		cfg.erase = d
	}
}

// WithByteSettle sets the delay after each byte primitive step.
func WithByteSettle(d time.Duration) Option {
	return func(cfg *config) {
		cfg.byte = d
	}
}

// Updater writes bitstreams to the FPGA flash of a board.
type Updater struct {
	c   apci.Conn
	msg *log.Logger
	cfg config

	devID uint32
}

// Report summarizes a successful update.
type Report struct {
	DeviceID uint32
	Revision uint32 // FPGA revision before the update
	Attempts int
	Bytes    int
	CRC32    uint32
	Elapsed  time.Duration
}

// New creates an Updater for the board reachable through c.
func New(c apci.Conn, opts ...Option) (*Updater, error) {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	info, err := c.Info()
	if err != nil {
		return nil, fmt.Errorf("flash: could not query device id: %w", err)
	}

	return &Updater{
		c:     c,
		msg:   cfg.msg,
		cfg:   cfg,
		devID: info.DeviceID,
	}, nil
}

// DeviceID returns the PCI device ID of the board.
func (u *Updater) DeviceID() uint32 { return u.devID }

// Sentinel returns the value arming a sector erase.
func (u *Updater) Sentinel() uint32 { return eraseSentinel | u.devID }

// Revision returns the revision of the FPGA currently loaded.
func (u *Updater) Revision() (uint32, error) {
	return Revision(u.c)
}

// Revision returns the revision of the FPGA currently loaded on the board.
func Revision(c apci.Conn) (uint32, error) {
	v, err := c.Read32(Bar, regRevision)
	if err != nil {
		return 0, fmt.Errorf("flash: could not read FPGA revision: %w", err)
	}
	return v, nil
}

// Erase erases the 8 sectors of the flash.
func (u *Updater) Erase(ctx context.Context) error {
	for i := uint32(0); i < NumSectors; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := u.c.Write32(Bar, regErase, u.Sentinel())
		if err != nil {
			return fmt.Errorf("flash: could not arm erase of sector %d: %w", i, err)
		}
		err = u.c.Write32(Bar, regErase, sectorSentinel|i)
		if err != nil {
			return fmt.Errorf("flash: could not erase sector %d: %w", i, err)
		}
		u.msg.Printf("erasing flash sector %d/%d via %08X", i+1, NumSectors, sectorSentinel|i)
		err = wait(ctx, u.cfg.erase)
		if err != nil {
			return err
		}
	}
	return nil
}

// VerifyErase checks every byte of the flash reads as 0xFF.
func (u *Updater) VerifyErase(ctx context.Context, img Image) error {
	step := progress(img.Len())
	for i := 0; i < Size; i++ {
		if i%chunk == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		v, err := u.readByte(uint32(i))
		if err != nil {
			return err
		}
		if v != 0xff {
			err := &EraseError{Offset: i, Got: v, Want: img.At(i)}
			u.msg.Printf("erase verify failed at byte %8d; got %02X, expected %02X", i, v, img.At(i))
			u.msg.Printf("verification of flash erasure failed.")
			return err
		}
		if i%step == 0 {
			u.msg.Printf("verified erasure of %d/%d of the flash", i, img.Len())
		}
	}
	u.msg.Printf("verification of flash erasure succeeded.")
	return nil
}

// Write writes the image to the flash.
func (u *Updater) Write(ctx context.Context, img Image) error {
	n := img.Len()
	step := progress(n)
	u.msg.Printf("writing %d bytes to flash", n)
	for i := 0; i < n; i++ {
		if i%chunk == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		err := u.writeByte(uint32(i), img.At(i))
		if err != nil {
			return err
		}
		if i%step == 0 {
			u.msg.Printf("wrote %d of %d to flash", i, n)
		}
	}
	u.msg.Printf("flash write complete")
	return nil
}

// Verify reads the flash back and compares it with the image.
func (u *Updater) Verify(ctx context.Context, img Image) error {
	n := img.Len()
	step := progress(n)
	u.msg.Printf("verifying %d bytes from flash", n)
	for i := 0; i < n; i++ {
		if i%chunk == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		v, err := u.readByte(uint32(i))
		if err != nil {
			return err
		}
		if want := img.At(i); v != want {
			err := &VerifyError{Offset: i, Got: v, Want: want}
			u.msg.Printf("verify failed at byte %8d; got %02X, expected %02X", err.Pos(), v, want)
			u.msg.Printf("verification of flash contents failed.\nRETRYING")
			return err
		}
		if i%step == 0 {
			u.msg.Printf("verified %d of %d to flash", i, n)
		}
	}
	u.msg.Printf("verification of flash contents succeeded.")
	return nil
}

// Update writes the image to the flash, repeating the erase, erase check,
// write and read back cycle until the read back succeeds.
// Register access failures end the update immediately.
func (u *Updater) Update(ctx context.Context, img Image) (Report, error) {
	start := time.Now()
	rep := Report{
		DeviceID: u.devID,
		Bytes:    img.Len(),
		CRC32:    img.CRC32(),
	}
	if img.Len() == 0 {
		return rep, fmt.Errorf("flash: empty image: %w", ErrImageSize)
	}

	rev, err := u.Revision()
	if err != nil {
		return rep, err
	}
	rep.Revision = rev
	u.msg.Printf("erase sentinel is %08X", u.Sentinel())

	op := func() error {
		rep.Attempts++
		err := u.cycle(ctx, img)
		switch {
		case err == nil:
			return nil
		case !retryable(err):
			return backoff.Permanent(err)
		case u.cfg.attempts > 0 && rep.Attempts >= u.cfg.attempts:
			return backoff.Permanent(&attemptsError{n: rep.Attempts, err: err})
		default:
			return err
		}
	}

	err = backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(0), ctx))
	rep.Elapsed = time.Since(start)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
			err = fmt.Errorf("flash: update interrupted after %d attempts: %w", rep.Attempts, ctx.Err())
		}
		return rep, err
	}

	u.msg.Printf("flash update successful. wrote %s to device %04x.", img.Name, u.devID)
	return rep, nil
}

func (u *Updater) cycle(ctx context.Context, img Image) error {
	err := u.Erase(ctx)
	if err != nil {
		return err
	}

	err = u.VerifyErase(ctx, img)
	if err != nil {
		return err
	}

	err = u.Write(ctx, img)
	if err != nil {
		return err
	}

	return u.Verify(ctx, img)
}

func retryable(err error) bool {
	var (
		e1 *EraseError
		e2 *VerifyError
	)
	return errors.As(err, &e1) || errors.As(err, &e2)
}

func (u *Updater) writeByte(off uint32, v byte) error {
	err := u.c.Write32(Bar, regData, uint32(v))
	if err != nil {
		return fmt.Errorf("flash: could not write data of byte 0x%x: %w", off, err)
	}
	err = u.c.Write32(Bar, regAddr, off|writeStrobe)
	if err != nil {
		return fmt.Errorf("flash: could not write address of byte 0x%x: %w", off, err)
	}
	u.settle()
	return nil
}

func (u *Updater) readByte(off uint32) (byte, error) {
	err := u.c.Write32(Bar, regAddr, off&^writeStrobe)
	if err != nil {
		return 0, fmt.Errorf("flash: could not write address of byte 0x%x: %w", off, err)
	}
	u.settle()
	v, err := u.c.Read32(Bar, regData)
	if err != nil {
		return 0, fmt.Errorf("flash: could not read data of byte 0x%x: %w", off, err)
	}
	return byte(v & 0xff), nil
}

func (u *Updater) settle() {
	if u.cfg.byte > 0 {
		time.Sleep(u.cfg.byte)
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	tck := time.NewTimer(d)
	defer tck.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tck.C:
		return nil
	}
}

func progress(n int) int {
	if step := n / 8; step > 0 {
		return step
	}
	return 1
}
