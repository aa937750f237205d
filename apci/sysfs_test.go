// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package apci

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func TestSysfs(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []struct {
		name string
		data []byte
	}{
		{"device", []byte("0x0c52\n")},
		{"resource", []byte(
			"0x0000000000000000 0x0000000000000000 0x0000000000000000\n" +
				"0x00000000fe000000 0x00000000fe000fff 0x0000000000040200\n" +
				"0x00000000fe001000 0x00000000fe001fff 0x0000000000040200\n",
		)},
		{"resource1", make([]byte, 4096)},
		{"resource2", make([]byte, 4096)},
	} {
		err := os.WriteFile(filepath.Join(dir, f.name), f.data, 0644)
		if err != nil {
			t.Fatalf("could not create %s: %+v", f.name, err)
		}
	}

	_, err := OpenSysfs(dir, 3)
	if err == nil {
		t.Fatalf("expected an error mapping a missing bar")
	}

	dev, err := OpenSysfs(dir, 1, 2)
	if err != nil {
		t.Fatalf("could not open sysfs device: %+v", err)
	}
	defer dev.Close()

	info, err := dev.Info()
	if err != nil {
		t.Fatalf("could not read info: %+v", err)
	}
	if got, want := info.DeviceID, uint32(0x0c52); got != want {
		t.Fatalf("invalid device id: got=0x%x, want=0x%x", got, want)
	}
	if got, want := info.BARs[2], uintptr(0xfe001000); got != want {
		t.Fatalf("invalid bar address: got=0x%x, want=0x%x", got, want)
	}

	err = dev.Write32(2, 0x70, 0x80000010)
	if err != nil {
		t.Fatalf("could not write32: %+v", err)
	}
	err = dev.Write8(1, 0x3, 0x99)
	if err != nil {
		t.Fatalf("could not write8: %+v", err)
	}
	err = dev.Write16(1, 0x220, 0x7fff)
	if err != nil {
		t.Fatalf("could not write16: %+v", err)
	}

	v32, err := dev.Read32(2, 0x70)
	if err != nil {
		t.Fatalf("could not read32: %+v", err)
	}
	if got, want := v32, uint32(0x80000010); got != want {
		t.Fatalf("invalid read32: got=0x%x, want=0x%x", got, want)
	}
	v16, err := dev.Read16(1, 0x220)
	if err != nil {
		t.Fatalf("could not read16: %+v", err)
	}
	if got, want := v16, uint16(0x7fff); got != want {
		t.Fatalf("invalid read16: got=0x%x, want=0x%x", got, want)
	}

	if _, err := dev.Read8(0, 0); err == nil {
		t.Fatalf("expected an error reading an unmapped bar")
	}
	if _, err := dev.Read32(2, 0x1000); err == nil {
		t.Fatalf("expected an error reading past the bar")
	}

	err = dev.Close()
	if err != nil {
		t.Fatalf("could not close device: %+v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "resource2"))
	if err != nil {
		t.Fatalf("could not read back resource: %+v", err)
	}
	if got, want := binary.LittleEndian.Uint32(raw[0x70:]), uint32(0x80000010); got != want {
		t.Fatalf("invalid stored value: got=0x%x, want=0x%x", got, want)
	}
}
