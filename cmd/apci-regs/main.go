// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command apci-regs dumps the FPGA and flash registers of an ACCES board
// and optionally opens an interactive shell to peek and poke registers.
//
// Usage:
//
//	apci-regs [OPTIONS] <device>
//	apci-regs [OPTIONS] -sysfs /sys/bus/pci/devices/<PCI address>
//
// With -sysfs, the BAR resource files of the PCI device are memory mapped
// and accessed directly, without going through the APCI driver.
//
// Shell commands:
//
//	r8|r16|r32 <bar> <offset>        read a register
//	w8|w16|w32 <bar> <offset> <val>  write a register
//	info                             print the device ID and BARs
//	dump                             dump the BAR 2 registers
//	quit                             leave the shell
package main // import "github.com/go-lpc/acces/cmd/apci-regs"

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/go-lpc/acces/apci"
)

const dumpBar = 2

var dumpRegs = []uint32{0x68, 0x6c, 0x70, 0x74}

var errQuit = errors.New("quit")

func main() {
	log.SetPrefix("apci-regs: ")
	log.SetFlags(0)

	var (
		index   = flag.Uint("index", apci.DefaultIndex, "driver device index")
		interac = flag.Bool("i", false, "open an interactive peek/poke shell")
		trace   = flag.Bool("trace", false, "trace register accesses")
		sysfs   = flag.String("sysfs", "", "PCI sysfs directory of the board to map instead of an APCI device file")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: apci-regs [OPTIONS] /dev/apci/<APCI Device File>
       apci-regs [OPTIONS] -sysfs /sys/bus/pci/devices/<PCI address>

Options:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	if (*sysfs == "" && flag.NArg() != 1) || (*sysfs != "" && flag.NArg() != 0) {
		flag.Usage()
		os.Exit(0)
	}

	dev, idx, err := open(flag.Arg(0), *sysfs, *index)
	if err != nil {
		log.Printf("could not open board, check module/permissions: %+v", err)
		os.Exit(0)
	}
	defer dev.Close()

	var conn apci.Conn = dev
	if *trace {
		conn = apci.Trace(conn, log.New(os.Stdout, "apci: ", 0))
	}

	dump(os.Stdout, conn, idx)

	if !*interac {
		return
	}

	term := liner.NewLiner()
	term.SetCtrlCAborts(true)

	err = shell(os.Stdout, conn, idx, term)
	_ = term.Close()
	if err != nil {
		_ = dev.Close()
		log.Fatalf("%+v", err)
	}
}

type device interface {
	apci.Conn
	io.Closer
}

// open opens the APCI device file fname, or maps the BARs of the PCI
// sysfs directory when sysfs is not empty.
func open(fname, sysfs string, index uint) (device, uintptr, error) {
	if sysfs != "" {
		dev, err := openSysfs(sysfs)
		if err != nil {
			return nil, 0, err
		}
		return dev, apci.DefaultIndex, nil
	}

	dev, err := apci.Open(fname, apci.WithIndex(uintptr(index)))
	if err != nil {
		return nil, 0, err
	}
	return dev, dev.Index(), nil
}

func dump(w io.Writer, c apci.Conn, idx uintptr) {
	for _, reg := range dumpRegs {
		v, err := c.Read32(dumpBar, reg)
		status := 0
		if err != nil {
			v = 0xffffffff
			status = -1
		}
		fmt.Fprintf(w, "Device [%d] Bar [%d] Reg 0x%02x> 0x%08x (%d)\n", idx, dumpBar, reg, v, status)
	}
}

type lineReader interface {
	Prompt(p string) (string, error)
	AppendHistory(item string)
}

func shell(w io.Writer, c apci.Conn, idx uintptr, term lineReader) error {
	for {
		line, err := term.Prompt("apci> ")
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				return nil
			}
			return fmt.Errorf("could not read command: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		term.AppendHistory(line)

		err = eval(w, c, idx, line)
		switch {
		case err == nil:
		case errors.Is(err, errQuit):
			return nil
		default:
			fmt.Fprintf(w, "error: %v\n", err)
		}
	}
}

func eval(w io.Writer, c apci.Conn, idx uintptr, line string) error {
	toks := strings.Fields(line)
	switch cmd := toks[0]; cmd {
	case "quit", "exit", "q":
		return errQuit

	case "dump":
		dump(w, c, idx)
		return nil

	case "info":
		info, err := c.Info()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Device [%d] ID 0x%04x\n", info.Index, info.DeviceID)
		for i, bar := range info.BARs {
			fmt.Fprintf(w, "  BAR[%d] = 0x%x\n", i, bar)
		}
		return nil

	case "r8", "r16", "r32":
		if len(toks) != 3 {
			return fmt.Errorf("usage: %s <bar> <offset>", cmd)
		}
		bar, off, err := addr(toks[1], toks[2])
		if err != nil {
			return err
		}
		var v uint32
		switch cmd {
		case "r8":
			var u uint8
			u, err = c.Read8(bar, off)
			v = uint32(u)
		case "r16":
			var u uint16
			u, err = c.Read16(bar, off)
			v = uint32(u)
		case "r32":
			v, err = c.Read32(bar, off)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Device [%d] Bar [%d] Reg 0x%02x> 0x%x\n", idx, bar, off, v)
		return nil

	case "w8", "w16", "w32":
		if len(toks) != 4 {
			return fmt.Errorf("usage: %s <bar> <offset> <value>", cmd)
		}
		bar, off, err := addr(toks[1], toks[2])
		if err != nil {
			return err
		}
		bits := map[string]int{"w8": 8, "w16": 16, "w32": 32}[cmd]
		v, err := strconv.ParseUint(toks[3], 0, bits)
		if err != nil {
			return fmt.Errorf("invalid value %q: %w", toks[3], err)
		}
		switch cmd {
		case "w8":
			err = c.Write8(bar, off, uint8(v))
		case "w16":
			err = c.Write16(bar, off, uint16(v))
		case "w32":
			err = c.Write32(bar, off, uint32(v))
		}
		return err

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func addr(sbar, soff string) (int, uint32, error) {
	bar, err := strconv.ParseUint(sbar, 0, 8)
	if err != nil || bar > 5 {
		return 0, 0, fmt.Errorf("invalid bar %q", sbar)
	}
	off, err := strconv.ParseUint(soff, 0, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid offset %q: %w", soff, err)
	}
	return int(bar), uint32(off), nil
}
