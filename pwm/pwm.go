// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pwm drives the PWM outputs of PORT B of an mPCIe-DIO-24A board.
//
// PORT B lines are wired to the FETs of an mPCIe-IDIO-8 driver board.
// Each channel has its own register block holding its mode and the
// durations of the low and high phases of the pulse, in 8 ns ticks.
package pwm // import "github.com/go-lpc/acces/pwm"

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/go-lpc/acces/apci"
)

const (
	Bar = 1 // PCI BAR of the DIO and PWM registers

	regReset = 0xfc
	regDir   = 0x3
	regDIO   = 0x1
	regGo    = 0x50

	resetFPGA = 0x4

	dirInput  = 0x9b
	dirOutput = dirInput ^ 0x2
	bitInput  = 0x2

	offMode = 0x10
	offLow  = 0x20
	offHigh = 0x24

	modeOff = 0x0
	modePWM = 0x6

	// MaxChannel is the largest valid channel index.
	MaxChannel = 8
)

var ErrChannel = errors.New("pwm: invalid channel")

// Offset returns the offset of the register block of channel ch.
func Offset(ch int) uint32 {
	return uint32(0x100 * (ch + 9))
}

type config struct {
	msg *log.Logger
}

// Option configures a Controller.
type Option func(cfg *config)

// WithLogger sets the logger of the controller.
func WithLogger(msg *log.Logger) Option {
	return func(cfg *config) {
		if msg == nil {
			msg = log.New(io.Discard, "", 0)
		}
		cfg.msg = msg
	}
}

// Controller sequences the PORT B PWM registers of a board.
// A failing register access ends the sequence in progress: registers
// already written keep their new value.
type Controller struct {
	c   apci.Conn
	msg *log.Logger
}

// New returns a PWM controller using c to access the board registers.
func New(c apci.Conn, opts ...Option) *Controller {
	cfg := config{
		msg: log.New(os.Stdout, "pwm: ", 0),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Controller{c: c, msg: cfg.msg}
}

// Reset resets the FPGA.
func (ctl *Controller) Reset() error {
	err := ctl.c.Write8(Bar, regReset, resetFPGA)
	if err != nil {
		return fmt.Errorf("pwm: could not reset FPGA: %w", err)
	}
	return nil
}

// SetOutput configures PORT B as output.
func (ctl *Controller) SetOutput() error {
	err := ctl.c.Write8(Bar, regDir, dirOutput)
	if err != nil {
		return fmt.Errorf("pwm: could not set port B to output: %w", err)
	}
	return nil
}

// SetInput configures all ports as input.
func (ctl *Controller) SetInput() error {
	err := ctl.c.Write8(Bar, regDir, dirInput)
	if err != nil {
		return fmt.Errorf("pwm: could not set port B to input: %w", err)
	}
	return nil
}

// IsOutput reports whether PORT B is configured as output.
func (ctl *Controller) IsOutput() (bool, error) {
	dir, err := ctl.dir()
	if err != nil {
		return false, err
	}
	return dir&bitInput == 0, nil
}

func (ctl *Controller) dir() (uint8, error) {
	v, err := ctl.c.Read8(Bar, regDir)
	if err != nil {
		return 0, fmt.Errorf("pwm: could not read port configuration: %w", err)
	}
	return v, nil
}

// Stop disables the PWM output of channel ch and drives its line off.
// Stop is a no-op when PORT B is configured as input.
func (ctl *Controller) Stop(ch int) error {
	if err := check(ch); err != nil {
		return err
	}

	dir, err := ctl.dir()
	if err != nil {
		return err
	}
	if dir&bitInput != 0 {
		return nil
	}

	blk := Offset(ch)
	err = ctl.c.Write8(Bar, blk+offMode, modeOff)
	if err != nil {
		return fmt.Errorf("pwm: could not disable PWM of channel %d: %w", ch, err)
	}

	dio, err := ctl.c.Read8(Bar, regDIO)
	if err != nil {
		return fmt.Errorf("pwm: could not read port B DIO: %w", err)
	}

	// outputs are active low.
	err = ctl.c.Write8(Bar, regDIO, dio|uint8(1)<<ch)
	if err != nil {
		return fmt.Errorf("pwm: could not turn off channel %d: %w", ch, err)
	}

	ctl.msg.Printf("channel %d stopped", ch)
	return nil
}

// Update stops channel ch and loads a new pulse profile, on and off
// being the durations of the low and high phases in 8 ns ticks.
// The new profile takes effect at the next GO.
func (ctl *Controller) Update(ch int, on, off uint16) error {
	if err := check(ch); err != nil {
		return err
	}

	err := ctl.Stop(ch)
	if err != nil {
		return err
	}

	blk := Offset(ch)
	err = ctl.c.Write16(Bar, blk+offLow, on)
	if err != nil {
		return fmt.Errorf("pwm: could not set PWM low time of channel %d: %w", ch, err)
	}

	err = ctl.c.Write16(Bar, blk+offHigh, off)
	if err != nil {
		return fmt.Errorf("pwm: could not set PWM high time of channel %d: %w", ch, err)
	}

	err = ctl.c.Write8(Bar, blk+offMode, modePWM)
	if err != nil {
		return fmt.Errorf("pwm: could not set PWM mode of channel %d: %w", ch, err)
	}

	return nil
}

// Start configures PORT B as output if needed, loads the pulse profile
// of channel ch and starts it.
func (ctl *Controller) Start(ch int, on, off uint16) error {
	if err := check(ch); err != nil {
		return err
	}

	dir, err := ctl.dir()
	if err != nil {
		return err
	}
	if dir != dirOutput {
		err = ctl.SetOutput()
		if err != nil {
			return err
		}
	}

	err = ctl.Update(ch, on, off)
	if err != nil {
		return err
	}

	err = ctl.c.Write32(Bar, regGo, uint32(1)<<(ch+8))
	if err != nil {
		return fmt.Errorf("pwm: could not start channel %d: %w", ch, err)
	}

	ctl.msg.Printf("channel %d started (on=0x%04x, off=0x%04x)", ch, on, off)
	return nil
}

func check(ch int) error {
	if ch < 0 || ch > MaxChannel {
		return fmt.Errorf("pwm: channel %d not in [0, %d]: %w", ch, MaxChannel, ErrChannel)
	}
	return nil
}
