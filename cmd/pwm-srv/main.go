// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command pwm-srv starts a TDAQ server driving one PWM channel of an
// mPCIe-DIO-24A board.
//
// The device file is given as the first positional argument. Without
// it, the first device of the configured APCI directory is used.
//
// The /config command accepts an optional body made of 3 uint32 values:
// the channel, the on and the off durations (in 8 ns ticks).
// /init opens the board and configures PORT B as output, /start starts
// the pulse train and /stop stops it. /reset stops the pulse train, resets
// the FPGA and puts PORT B back as input. /quit stops the pulse train, puts
// PORT B back as input and closes the board.
package main // import "github.com/go-lpc/acces/cmd/pwm-srv"

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	tlog "github.com/go-daq/tdaq/log"

	"github.com/go-lpc/acces/apci"
	"github.com/go-lpc/acces/config"
	"github.com/go-lpc/acces/pwm"
)

func main() {
	cmd := flags.New()

	cfg, err := config.Load(config.DefaultFile())
	if err != nil {
		log.Panicf("could not load configuration: %+v", err)
	}

	srv := newServer(cfg)
	if len(cmd.Args) > 0 {
		srv.cfg.Device.Path = cmd.Args[0]
	}

	run := tdaq.New(cmd, os.Stdout)
	run.CmdHandle("/config", srv.OnConfig)
	run.CmdHandle("/init", srv.OnInit)
	run.CmdHandle("/reset", srv.OnReset)
	run.CmdHandle("/start", srv.OnStart)
	run.CmdHandle("/stop", srv.OnStop)
	run.CmdHandle("/quit", srv.OnQuit)

	run.RunHandle(srv.run)

	err = run.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}

type device interface {
	apci.Conn
	io.Closer
}

var openDevice = func(cfg config.Device) (device, error) {
	opts := []apci.Option{apci.WithIndex(uintptr(cfg.Index))}
	if cfg.Path != "" {
		return apci.Open(cfg.Path, opts...)
	}
	return apci.OpenFirst(cfg.Dir, nil, opts...)
}

type server struct {
	mu  sync.Mutex
	cfg config.Config

	ch   int
	prof pwm.Profile

	dev device
	ctl *pwm.Controller
	on  bool
}

func newServer(cfg config.Config) *server {
	return &server{
		cfg:  cfg,
		ch:   cfg.PWM.Channel,
		prof: pwm.Profile{On: cfg.PWM.On, Off: cfg.PWM.Off},
	}
}

func (srv *server) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")
	err := srv.configure(req.Body)
	if err != nil {
		ctx.Msg.Errorf("could not configure: %+v", err)
		return err
	}
	ctx.Msg.Infof("channel %d: %v", srv.ch, srv.prof)
	return nil
}

func (srv *server) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	err := srv.init(ctx.Msg)
	if err != nil {
		ctx.Msg.Errorf("could not initialize board: %+v", err)
		return err
	}
	return nil
}

func (srv *server) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	err := srv.reset()
	if err != nil {
		ctx.Msg.Errorf("could not reset board: %+v", err)
		return err
	}
	return nil
}

func (srv *server) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	err := srv.start()
	if err != nil {
		ctx.Msg.Errorf("could not start PWM: %+v", err)
		return err
	}
	return nil
}

func (srv *server) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /stop command...")
	err := srv.stop()
	if err != nil {
		ctx.Msg.Errorf("could not stop PWM: %+v", err)
		return err
	}
	return nil
}

func (srv *server) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	return srv.close()
}

func (srv *server) run(ctx tdaq.Context) error {
	<-ctx.Ctx.Done()
	return nil
}

func (srv *server) configure(body []byte) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if len(body) == 0 {
		return nil
	}
	if len(body) < 12 {
		return fmt.Errorf("invalid /config payload (len=%d)", len(body))
	}

	dec := tdaq.NewDecoder(bytes.NewReader(body))
	ch := int(dec.ReadU32())
	on := dec.ReadU32()
	off := dec.ReadU32()

	if ch < 0 || ch > pwm.MaxChannel {
		return fmt.Errorf("invalid channel %d: %w", ch, pwm.ErrChannel)
	}
	if on > 0xffff || off > 0xffff {
		return fmt.Errorf("invalid PWM profile (on=0x%x, off=0x%x)", on, off)
	}
	if srv.on {
		return fmt.Errorf("could not reconfigure running channel %d", srv.ch)
	}

	srv.ch = ch
	srv.prof = pwm.Profile{On: uint16(on), Off: uint16(off)}
	return nil
}

func (srv *server) init(msg tlog.MsgStream) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.dev == nil {
		dev, err := openDevice(srv.cfg.Device)
		if err != nil {
			return fmt.Errorf("could not open board: %w", err)
		}
		srv.dev = dev
		srv.ctl = pwm.New(dev, pwm.WithLogger(log.New(msgWriter{msg}, "pwm: ", 0)))
	}

	err := srv.ctl.Reset()
	if err != nil {
		return err
	}

	return srv.ctl.SetOutput()
}

func (srv *server) start() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.ctl == nil {
		return fmt.Errorf("board not initialized")
	}

	err := srv.ctl.Start(srv.ch, srv.prof.On, srv.prof.Off)
	if err != nil {
		return err
	}
	srv.on = true
	return nil
}

func (srv *server) stop() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.stopPWM()
}

func (srv *server) stopPWM() error {
	if srv.ctl == nil {
		return nil
	}
	err := srv.ctl.Stop(srv.ch)
	if err != nil {
		return err
	}
	srv.on = false
	return nil
}

func (srv *server) reset() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	err := srv.stopPWM()
	if err != nil {
		return err
	}
	if srv.ctl == nil {
		return nil
	}
	err = srv.ctl.Reset()
	if err != nil {
		return err
	}
	return srv.ctl.SetInput()
}

func (srv *server) close() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	err := srv.stopPWM()
	if err == nil && srv.ctl != nil {
		err = srv.ctl.SetInput()
	}

	if srv.dev == nil {
		return err
	}
	if e := srv.dev.Close(); e != nil && err == nil {
		err = e
	}
	srv.dev = nil
	srv.ctl = nil
	return err
}

// msgWriter forwards log lines to a tdaq message stream.
type msgWriter struct {
	msg tlog.MsgStream
}

func (w msgWriter) Write(p []byte) (int, error) {
	w.msg.Infof("%s", strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}
