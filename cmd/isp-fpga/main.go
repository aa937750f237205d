// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command isp-fpga writes a new FPGA bitstream to the configuration flash
// of the first ACCES board found.
//
// Usage: isp-fpga [OPTIONS] <file.rpd>
//
// Example:
//
//	$> isp-fpga ./mpcie-dio-24a.rpd
//	$> isp-fpga -max-attempts=5 -db="user:pwd@tcp(localhost)/acces?parseTime=true" ./mpcie-dio-24a.rpd
//	$> isp-fpga -info
//
// The board must be cold rebooted to load the new FPGA from the flash.
package main // import "github.com/go-lpc/acces/cmd/isp-fpga"

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/sbinet/pmon"
	mail "gopkg.in/gomail.v2"

	"github.com/go-lpc/acces/apci"
	"github.com/go-lpc/acces/config"
	"github.com/go-lpc/acces/flash"
	"github.com/go-lpc/acces/flashdb"
)

// errAbort ends the program with a zero exit code.
var errAbort = errors.New("isp-fpga: aborted")

func main() {
	log.SetPrefix("isp-fpga: ")
	log.SetFlags(0)

	var (
		cfgFile  = flag.String("cfg", config.DefaultFile(), "path to configuration file")
		dir      = flag.String("dir", "", "directory of APCI device files (default from configuration)")
		attempts = flag.Int("max-attempts", -1, "maximum number of update cycles, 0 to retry forever (default from configuration)")
		trace    = flag.Bool("trace", false, "trace register accesses")
		doMon    = flag.Bool("pmon", false, "enable pmon monitoring")
		freq     = flag.Duration("freq", 1*time.Second, "pmon frequency")
		dsn      = flag.String("db", "", "MySQL DSN of the updates ledger (default from configuration)")
		notify   = flag.Bool("notify", false, "send a mail at the end of the update")
		info     = flag.Bool("info", false, "print the FPGA revision and exit")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: isp-fpga [OPTIONS] <file.rpd>

Flashes the first device in the APCI device directory.

Options:
`)
		flag.PrintDefaults()
	}

	flag.Parse()

	if (*info && flag.NArg() > 1) || (!*info && flag.NArg() != 1) {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		log.Fatalf("could not load configuration: %+v", err)
	}
	if *dir != "" {
		cfg.Device.Dir = *dir
	}
	if *attempts >= 0 {
		cfg.Flash.MaxAttempts = *attempts
	}
	if *dsn != "" {
		cfg.Flash.DB = *dsn
	}

	unmon := func() error { return nil }
	if *doMon {
		unmon, err = monitor("isp-fpga-pmon.log", *freq)
		if err != nil {
			log.Fatalf("could not start monitoring: %+v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err = run(ctx, os.Stdout, cfg, flag.Arg(0), *info, *trace, *notify)
	stop()

	if e := unmon(); e != nil {
		log.Printf("could not close pmon log file: %+v", e)
	}

	switch {
	case err == nil:
	case errors.Is(err, errAbort):
		os.Exit(0)
	default:
		log.Fatalf("%+v", err)
	}
}

type device interface {
	apci.Conn
	io.Closer
}

var openDevice = func(cfg config.Device, msg *log.Logger) (device, error) {
	opts := []apci.Option{apci.WithIndex(uintptr(cfg.Index))}
	if cfg.Path != "" {
		return apci.Open(cfg.Path, opts...)
	}
	return apci.OpenFirst(cfg.Dir, msg, opts...)
}

func run(ctx context.Context, stdout io.Writer, cfg config.Config, fname string, info, trace, notify bool) error {
	msg := log.New(stdout, "isp-fpga: ", 0)

	dev, err := openDevice(cfg.Device, msg)
	switch {
	case err == nil:
		defer dev.Close()
	case cfg.Device.Path == "" && errors.Is(err, fs.ErrNotExist):
		msg.Printf("could not open directory %s, is the APCI module loaded?", cfg.Device.Dir)
		return errAbort
	case errors.Is(err, apci.ErrNoDevice):
		msg.Printf("could not open any APCI device. exiting.")
		return errAbort
	default:
		return fmt.Errorf("could not open APCI device: %w", err)
	}

	var conn apci.Conn = dev
	if trace {
		conn = apci.Trace(conn, log.New(stdout, "apci: ", 0))
	}

	rev, err := flash.Revision(conn)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "\nACCES ISP-FPGA Engineering Utility for Linux [current FPGA Rev %08X]\n\n", rev)

	if info {
		return nil
	}

	img, err := flash.Load(fname)
	if err != nil {
		return err
	}
	msg.Printf("read %d bytes from file %s (crc32=0x%08x)", img.Len(), fname, img.CRC32())

	up, err := flash.New(conn,
		flash.WithLogger(log.New(stdout, "flash: ", 0)),
		flash.WithMaxAttempts(cfg.Flash.MaxAttempts),
		flash.WithEraseSettle(cfg.Flash.EraseSettle),
		flash.WithByteSettle(cfg.Flash.ByteSettle),
	)
	if err != nil {
		return fmt.Errorf("could not create flash updater: %w", err)
	}

	rep, err := up.Update(ctx, img)
	if rep.Revision == 0 {
		rep.Revision = rev
	}

	if cfg.Flash.DB != "" {
		e := record(cfg.Flash.DB, rep, filepath.Base(fname), err)
		if e != nil {
			msg.Printf("could not record update: %+v", e)
		}
	}

	if notify {
		e := sendMail(cfg.Mail, rep, filepath.Base(fname), err)
		if e != nil {
			msg.Printf("could not send notification: %+v", e)
		}
	}

	if err != nil {
		return fmt.Errorf("could not update flash of device %04x: %w", up.DeviceID(), err)
	}

	msg.Printf("wrote %s to device %04x in %v (%d attempts).", fname, rep.DeviceID, rep.Elapsed, rep.Attempts)
	fmt.Fprintf(stdout, "\n----\nyou must COLD REBOOT to load the new FPGA from Flash!!----\n\n")
	return nil
}

func status(err error) string {
	if err != nil {
		return flashdb.StatusFailed
	}
	return flashdb.StatusOK
}

func record(dsn string, rep flash.Report, img string, uerr error) error {
	db, err := flashdb.Open(dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Record(context.Background(), flashdb.Entry{
		DeviceID: rep.DeviceID,
		Revision: rep.Revision,
		Image:    img,
		Size:     rep.Bytes,
		CRC32:    rep.CRC32,
		Attempts: rep.Attempts,
		Status:   status(uerr),
	})
}

var sendMail = func(cfg config.Mail, rep flash.Report, img string, uerr error) error {
	if cfg.User == "" || cfg.Password == "" ||
		cfg.Server == "" || cfg.Port == 0 || len(cfg.To) == 0 {
		return fmt.Errorf("missing mail credentials")
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", cfg.User)
	msg.SetHeader("Bcc", cfg.To...)
	msg.SetHeader("Subject", fmt.Sprintf("[isp-fpga] device %04x: update %s", rep.DeviceID, status(uerr)))
	msg.SetBody("text/plain", mailBody(rep, img, uerr))

	dial := mail.NewDialer(cfg.Server, cfg.Port, cfg.User, cfg.Password)
	dial.TLSConfig = &tls.Config{
		ServerName: cfg.Server,
	}
	return dial.DialAndSend(msg)
}

func mailBody(rep flash.Report, img string, err error) string {
	body := fmt.Sprintf(
		"image:    %s\nsize:     %d bytes\ncrc32:    0x%08x\ndevice:   %04x\nrevision: %08X\nattempts: %d\nelapsed:  %v\n",
		img, rep.Bytes, rep.CRC32, rep.DeviceID, rep.Revision, rep.Attempts, rep.Elapsed,
	)
	if err != nil {
		body += fmt.Sprintf("error:    %+v\n", err)
	}
	return body
}

// monitor starts monitoring the current process, writing to the file
// fname. The returned function flushes and closes that file.
func monitor(fname string, freq time.Duration) (func() error, error) {
	p, err := pmon.Monitor(os.Getpid())
	if err != nil {
		return nil, fmt.Errorf("could not monitor isp-fpga: %w", err)
	}
	f, err := os.Create(fname)
	if err != nil {
		return nil, fmt.Errorf("could not create pmon log file: %w", err)
	}
	p.W = f
	p.Freq = freq

	// monitoring stops when the process exits.
	go func() {
		err := p.Run()
		if err != nil {
			log.Printf("could not run pmon: %+v", err)
		}
	}()

	return func() error {
		err := f.Sync()
		if err != nil {
			_ = f.Close()
			return fmt.Errorf("could not sync pmon log file: %w", err)
		}
		return f.Close()
	}, nil
}
