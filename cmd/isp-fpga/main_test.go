// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-lpc/acces/config"
	"github.com/go-lpc/acces/flash"
	"github.com/go-lpc/acces/internal/fakedev"
)

type board struct {
	*fakedev.Device
	mem []byte
}

func newBoard() *board {
	b := &board{
		Device: fakedev.New(0xc2ec),
		mem:    make([]byte, flash.Size),
	}
	b.NoLog = true
	b.Regs[fakedev.Reg{Bar: flash.Bar, Off: 0x68}] = 0x00010203
	armed := false
	b.OnWrite = func(op fakedev.Op) {
		switch op.Off {
		case 0x78:
			switch {
			case op.Val == 0x494fc2ec:
				armed = true
			case armed && op.Val&0xffffff00 == 0x0acce500:
				sec := int(op.Val & 0xff)
				for i := sec * 0x10000; i < (sec+1)*0x10000; i++ {
					b.mem[i] = 0xff
				}
				armed = false
			}
		case 0x70:
			addr := op.Val &^ 0x80000000
			if op.Val&0x80000000 != 0 {
				b.mem[addr] &= byte(b.Regs[fakedev.Reg{Bar: flash.Bar, Off: 0x74}])
				return
			}
			b.Regs[fakedev.Reg{Bar: flash.Bar, Off: 0x74}] = uint32(b.mem[addr])
		}
	}
	return b
}

func (*board) Close() error { return nil }

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Flash.EraseSettle = 0
	cfg.Flash.ByteSettle = 0
	return cfg
}

func TestRunAbort(t *testing.T) {
	for _, tc := range []struct {
		name string
		dir  string
		want string
	}{
		{
			name: "missing-dir",
			dir:  filepath.Join(t.TempDir(), "apci"),
			want: "is the APCI module loaded?",
		},
		{
			name: "no-device",
			dir:  t.TempDir(),
			want: "could not open any APCI device",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Device.Dir = tc.dir

			out := new(strings.Builder)
			err := run(context.Background(), out, cfg, "fpga.rpd", false, false, false)
			if !errors.Is(err, errAbort) {
				t.Fatalf("invalid error: got=%+v, want=%+v", err, errAbort)
			}
			if !strings.Contains(out.String(), tc.want) {
				t.Fatalf("missing message %q:\n%s", tc.want, out.String())
			}
		})
	}
}

func TestRun(t *testing.T) {
	defer func(f func(cfg config.Device, msg *log.Logger) (device, error)) {
		openDevice = f
	}(openDevice)

	dir := t.TempDir()
	fname := filepath.Join(dir, "fpga.rpd")
	raw := []byte("ACCES FPGA bitstream")
	err := os.WriteFile(fname, raw, 0644)
	if err != nil {
		t.Fatalf("could not create image: %+v", err)
	}

	for _, tc := range []struct {
		name  string
		fname string
		info  bool
		trace bool
		err   error
		want  []string
	}{
		{
			name:  "info",
			fname: "",
			info:  true,
			want: []string{
				"ACCES ISP-FPGA Engineering Utility for Linux [current FPGA Rev 00010203]",
			},
		},
		{
			name:  "missing-image",
			fname: filepath.Join(dir, "missing.rpd"),
			err:   fs.ErrNotExist,
		},
		{
			name:  "update",
			fname: fname,
			want: []string{
				"[current FPGA Rev 00010203]",
				fmt.Sprintf("isp-fpga: read %d bytes from file %s", len(raw), fname),
				"flash: erase sentinel is 494FC2EC",
				"flash: verification of flash contents succeeded.",
				"you must COLD REBOOT to load the new FPGA from Flash!!",
			},
		},
		{
			name:  "trace",
			fname: fname,
			info:  true,
			trace: true,
			want: []string{
				"apci: read32... (Dev [1] Bar [2] Reg [0x68])\tValue: 0x00010203",
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := newBoard()
			openDevice = func(cfg config.Device, msg *log.Logger) (device, error) {
				return b, nil
			}

			out := new(strings.Builder)
			err := run(context.Background(), out, testConfig(), tc.fname, tc.info, tc.trace, false)
			switch {
			case err != nil && tc.err != nil:
				if !errors.Is(err, tc.err) {
					t.Fatalf("invalid error: got=%+v, want=%+v", err, tc.err)
				}
				return
			case err != nil:
				t.Fatalf("could not run isp-fpga: %+v", err)
			case tc.err != nil:
				t.Fatalf("expected an error (%v)", tc.err)
			}

			for _, line := range tc.want {
				if !strings.Contains(out.String(), line) {
					t.Fatalf("missing line %q in output:\n%s", line, out.String())
				}
			}

			if tc.name == "update" {
				if got, want := b.mem[:len(raw)], raw; string(got) != string(want) {
					t.Fatalf("invalid flash content: got=%q, want=%q", got, want)
				}
			}
		})
	}
}

func TestMail(t *testing.T) {
	rep := flash.Report{
		DeviceID: 0xc2ec,
		Revision: 0x10,
		Attempts: 2,
		Bytes:    1024,
		CRC32:    0xcbf43926,
	}

	body := mailBody(rep, "fpga.rpd", errors.New("boom"))
	for _, line := range []string{
		"image:    fpga.rpd\n",
		"device:   c2ec\n",
		"crc32:    0xcbf43926\n",
		"attempts: 2\n",
		"error:    boom\n",
	} {
		if !strings.Contains(body, line) {
			t.Fatalf("missing line %q in mail body:\n%s", line, body)
		}
	}

	err := sendMail(config.Mail{}, rep, "fpga.rpd", nil)
	if err == nil {
		t.Fatalf("expected an error with missing credentials")
	}

	if got, want := status(nil), "ok"; got != want {
		t.Fatalf("invalid status: got=%q, want=%q", got, want)
	}
	if got, want := status(errors.New("boom")), "failed"; got != want {
		t.Fatalf("invalid status: got=%q, want=%q", got, want)
	}
}

func TestRunMissingDeviceFile(t *testing.T) {
	cfg := testConfig()
	cfg.Device.Dir = t.TempDir()
	cfg.Device.Path = filepath.Join(cfg.Device.Dir, "mpcie_dio_24a_0")

	out := new(strings.Builder)
	err := run(context.Background(), out, cfg, "fpga.rpd", false, false, false)
	switch {
	case err == nil:
		t.Fatalf("expected an error")
	case errors.Is(err, errAbort):
		t.Fatalf("missing device file should not abort silently: %+v", err)
	case !errors.Is(err, fs.ErrNotExist):
		t.Fatalf("invalid error: got=%+v, want=%+v", err, fs.ErrNotExist)
	}
	if strings.Contains(out.String(), "is the APCI module loaded?") {
		t.Fatalf("invalid message:\n%s", out.String())
	}
}

func TestMonitor(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "isp-fpga-pmon.log")

	done, err := monitor(fname, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("could not start monitoring: %+v", err)
	}

	_, err = os.Stat(fname)
	if err != nil {
		t.Fatalf("could not stat pmon log file: %+v", err)
	}

	err = done()
	if err != nil {
		t.Fatalf("could not close pmon log file: %+v", err)
	}

	err = done()
	if err == nil {
		t.Fatalf("expected an error closing pmon log file twice")
	}
}
