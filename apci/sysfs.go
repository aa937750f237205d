// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package apci

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-lpc/acces/internal/mmap"
)

// Mapped gives access to the registers of a board through the memory
// mapped resource files of its PCI sysfs directory, bypassing the
// APCI driver.
type Mapped struct {
	dir  string
	bars [6]*mmap.Handle
}

// OpenSysfs maps the requested BARs of the PCI device whose sysfs
// directory is dir (e.g. /sys/bus/pci/devices/0000:01:00.0).
func OpenSysfs(dir string, bars ...int) (*Mapped, error) {
	dev := &Mapped{dir: dir}
	for _, bar := range bars {
		if bar < 0 || bar >= len(dev.bars) {
			_ = dev.Close()
			return nil, fmt.Errorf("apci: invalid bar %d", bar)
		}
		if dev.bars[bar] != nil {
			continue
		}
		h, err := mapResource(filepath.Join(dir, "resource"+strconv.Itoa(bar)))
		if err != nil {
			_ = dev.Close()
			return nil, fmt.Errorf("apci: could not map bar %d: %w", bar, err)
		}
		dev.bars[bar] = h
	}
	return dev, nil
}

func mapResource(fname string) (*mmap.Handle, error) {
	f, err := os.OpenFile(fname, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return mmap.Map(f, int(fi.Size()))
}

// Close unmaps all the BARs.
func (dev *Mapped) Close() error {
	var err error
	for i, h := range dev.bars {
		if h == nil {
			continue
		}
		if e := h.Close(); e != nil && err == nil {
			err = fmt.Errorf("apci: could not unmap bar %d: %w", i, e)
		}
		dev.bars[i] = nil
	}
	return err
}

func (dev *Mapped) bar(i int) (*mmap.Handle, error) {
	if i < 0 || i >= len(dev.bars) || dev.bars[i] == nil {
		return nil, fmt.Errorf("apci: bar %d is not mapped", i)
	}
	return dev.bars[i], nil
}

func (dev *Mapped) Read8(bar int, off uint32) (uint8, error) {
	h, err := dev.bar(bar)
	if err != nil {
		return 0, err
	}
	return h.Load8(off)
}

func (dev *Mapped) Read16(bar int, off uint32) (uint16, error) {
	h, err := dev.bar(bar)
	if err != nil {
		return 0, err
	}
	return h.Load16(off)
}

func (dev *Mapped) Read32(bar int, off uint32) (uint32, error) {
	h, err := dev.bar(bar)
	if err != nil {
		return 0, err
	}
	return h.Load32(off)
}

func (dev *Mapped) Write8(bar int, off uint32, v uint8) error {
	h, err := dev.bar(bar)
	if err != nil {
		return err
	}
	return h.Store8(off, v)
}

func (dev *Mapped) Write16(bar int, off uint32, v uint16) error {
	h, err := dev.bar(bar)
	if err != nil {
		return err
	}
	return h.Store16(off, v)
}

func (dev *Mapped) Write32(bar int, off uint32, v uint32) error {
	h, err := dev.bar(bar)
	if err != nil {
		return err
	}
	return h.Store32(off, v)
}

// Info reads the PCI device ID and the BAR start addresses from sysfs.
func (dev *Mapped) Info() (Info, error) {
	info := Info{Index: DefaultIndex}

	raw, err := os.ReadFile(filepath.Join(dev.dir, "device"))
	if err != nil {
		return info, fmt.Errorf("apci: could not read device id: %w", err)
	}
	id, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 0, 32)
	if err != nil {
		return info, fmt.Errorf("apci: could not parse device id %q: %w", raw, err)
	}
	info.DeviceID = uint32(id)

	raw, err = os.ReadFile(filepath.Join(dev.dir, "resource"))
	if err != nil {
		return info, fmt.Errorf("apci: could not read resources: %w", err)
	}
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for i := 0; i < len(info.BARs) && sc.Scan(); i++ {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		beg, err := strconv.ParseUint(fields[0], 0, 64)
		if err != nil {
			return info, fmt.Errorf("apci: could not parse resource %d: %w", i, err)
		}
		info.BARs[i] = uintptr(beg)
	}

	return info, nil
}

var _ Conn = (*Mapped)(nil)
