// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command apci-cfg displays and creates the configuration file of the
// acces commands.
//
// Usage:
//
//	apci-cfg [-cfg file] print   # print the effective configuration
//	apci-cfg [-cfg file] mkconf  # write the default configuration to file
package main // import "github.com/go-lpc/acces/cmd/apci-cfg"

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"

	"github.com/go-lpc/acces/config"
)

func main() {
	log.SetPrefix("apci-cfg: ")
	log.SetFlags(0)

	var (
		fname = flag.String("cfg", config.DefaultFile(), "path to configuration file")
		force = flag.Bool("f", false, "overwrite an existing configuration file")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: apci-cfg [OPTIONS] print|mkconf

Options:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	err := run(os.Stdout, flag.Arg(0), *fname, *force)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(w io.Writer, cmd, fname string, force bool) error {
	switch cmd {
	case "print":
		cfg, err := config.Load(fname)
		if err != nil {
			return fmt.Errorf("could not load configuration: %w", err)
		}
		return config.Encode(w, cfg)

	case "mkconf":
		_, err := os.Stat(fname)
		switch {
		case err == nil && !force:
			return fmt.Errorf("configuration file %q already exists", fname)
		case err == nil, errors.Is(err, fs.ErrNotExist):
		default:
			return fmt.Errorf("could not stat %q: %w", fname, err)
		}

		err = config.Save(fname, config.Default())
		if err != nil {
			return fmt.Errorf("could not create configuration: %w", err)
		}
		fmt.Fprintf(w, "configuration written to %s\n", fname)
		return nil

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
