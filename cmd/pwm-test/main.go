// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command pwm-test exercises the PWM outputs of PORT B of an
// mPCIe-DIO-24A board.
//
// pwm-test resets the FPGA, configures PORT B as output, starts a pulse
// train on one channel, waits for the countdown to expire (or for a
// SIGINT), stops the pulse train and configures PORT B back as input.
//
// Usage: pwm-test [OPTIONS] <device> [on off]
//
// The on and off durations are hexadecimal counts of 8 ns ticks.
//
// Example:
//
//	$> pwm-test /dev/apci/mpcie_dio_24a_0
//	$> pwm-test -ch=3 -d=1m /dev/apci/mpcie_dio_24a_0 7fff ffff
//	$> pwm-test -i -trace /dev/apci/mpcie_dio_24a_0
package main // import "github.com/go-lpc/acces/cmd/pwm-test"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peterh/liner"
	"golang.org/x/sync/errgroup"

	"github.com/go-lpc/acces/apci"
	"github.com/go-lpc/acces/config"
	"github.com/go-lpc/acces/pwm"
)

func main() {
	log.SetPrefix("pwm-test: ")
	log.SetFlags(0)

	var (
		cfgFile = flag.String("cfg", config.DefaultFile(), "path to configuration file")
		ch      = flag.Int("ch", -1, "PWM channel [0, 8] (default from configuration)")
		dur     = flag.Duration("d", 0, "duration of the pulse train (default from configuration)")
		settle  = flag.Duration("settle", 1*time.Second, "delay after each configuration step")
		interac = flag.Bool("i", false, "interactive mode: walk each step with a prompt")
		trace   = flag.Bool("trace", false, "trace register accesses")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: pwm-test [OPTIONS] <device> [on off]

on and off are hexadecimal counts of 8 ns ticks.

Options:
`)
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() != 1 && flag.NArg() != 3 {
		flag.Usage()
		os.Exit(0)
	}

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		log.Fatalf("could not load configuration: %+v", err)
	}

	p := params{
		ch:     cfg.PWM.Channel,
		prof:   pwm.Profile{On: cfg.PWM.On, Off: cfg.PWM.Off},
		dur:    cfg.PWM.Countdown,
		settle: *settle,
		tick:   time.Second,
	}
	if *ch >= 0 {
		p.ch = *ch
	}
	if *dur > 0 {
		p.dur = *dur
	}
	if flag.NArg() == 3 {
		p.prof, err = pwm.ParseHex(flag.Arg(1), flag.Arg(2))
		if err != nil {
			log.Fatalf("could not parse PWM profile: %+v", err)
		}
	}

	err = checkChannel(p.ch)
	if err != nil {
		log.Fatalf("%+v", err)
	}

	dev, err := apci.Open(flag.Arg(0), apci.WithIndex(uintptr(cfg.Device.Index)))
	if err != nil {
		log.Printf("could not open %s, check module/permissions: %+v", flag.Arg(0), err)
		os.Exit(0)
	}
	defer dev.Close()

	var conn apci.Conn = dev
	if *trace {
		conn = apci.Trace(conn, log.New(os.Stdout, "apci: ", 0))
	}

	var prompt prompter
	if *interac {
		term := liner.NewLiner()
		defer term.Close()
		term.SetCtrlCAborts(true)
		prompt = term
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt)
	defer signal.Stop(sigc)

	err = run(os.Stdout, conn, p, prompt, sigc)
	if err != nil {
		_ = dev.Close()
		log.Fatalf("%+v", err)
	}
}

type params struct {
	ch     int
	prof   pwm.Profile
	dur    time.Duration // duration of the pulse train
	settle time.Duration // delay after reset and port configuration
	tick   time.Duration // countdown display period
}

type prompter interface {
	Prompt(p string) (string, error)
}

func run(w io.Writer, conn apci.Conn, p params, prompt prompter, sigc <-chan os.Signal) error {
	var (
		msg = log.New(w, "pwm-test: ", 0)
		ctl = pwm.New(conn, pwm.WithLogger(log.New(w, "pwm: ", 0)))
	)

	err := checkChannel(p.ch)
	if err != nil {
		return err
	}

	err = ctl.Reset()
	if err != nil {
		if errors.Is(err, syscall.EFAULT) {
			msg.Printf("bad address! check bar register.")
		}
		return err
	}
	time.Sleep(p.settle)

	err = ctl.SetOutput()
	if err != nil {
		return err
	}
	time.Sleep(p.settle)

	out, err := ctl.IsOutput()
	if err != nil {
		return err
	}
	msg.Printf("port B output: %v", out)

	// teardown leaves the board with PORT B as input.
	teardown := func(stop bool) error {
		if stop {
			err := ctl.Stop(p.ch)
			if err != nil {
				return err
			}
		}
		if !wait(prompt, msg, "Provide input to turn all ports to INPUT...") {
			msg.Printf("aborted: setting all ports to input")
		}
		return ctl.SetInput()
	}

	if !wait(prompt, msg, "Provide input to turn ON PWM...") {
		return teardown(false)
	}

	err = ctl.Start(p.ch, p.prof.On, p.prof.Off)
	if err != nil {
		return err
	}
	msg.Printf("PWM started on channel %d: %v", p.ch, p.prof)

	if prompt != nil {
		if !wait(prompt, msg, "Provide input to turn OFF PWM...") {
			msg.Printf("aborted")
		}
	} else {
		err = countdown(context.Background(), w, p.dur, p.tick, sigc)
		if err != nil {
			return err
		}
	}

	return teardown(true)
}

func checkChannel(ch int) error {
	if ch < 0 || ch > pwm.MaxChannel {
		return fmt.Errorf("invalid channel %d: %w", ch, pwm.ErrChannel)
	}
	return nil
}

// wait prompts the user and reports whether the sequence should go on.
func wait(prompt prompter, msg *log.Logger, text string) bool {
	if prompt == nil {
		return true
	}
	_, err := prompt.Prompt(text)
	switch {
	case err == nil:
		return true
	case errors.Is(err, liner.ErrPromptAborted), errors.Is(err, io.EOF):
		return false
	default:
		msg.Printf("could not read input: %+v", err)
		return false
	}
}

// countdown waits for d to elapse or for a signal on sigc.
func countdown(ctx context.Context, w io.Writer, d, tick time.Duration, sigc <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		defer cancel()
		tck := time.NewTicker(tick)
		defer tck.Stop()
		for left := d; left > 0; left -= tick {
			fmt.Fprintf(w, "stopping PWM in %v...\n", left)
			select {
			case <-ctx.Done():
				return nil
			case <-tck.C:
			}
		}
		return nil
	})

	grp.Go(func() error {
		select {
		case <-ctx.Done():
		case sig := <-sigc:
			fmt.Fprintf(w, "received %v: stopping PWM\n", sig)
			cancel()
		}
		return nil
	})

	return grp.Wait()
}
