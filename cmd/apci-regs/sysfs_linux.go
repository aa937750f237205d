// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"path/filepath"

	"github.com/go-lpc/acces/apci"
)

// openSysfs maps every BAR resource file found in dir.
func openSysfs(dir string) (device, error) {
	names, err := filepath.Glob(filepath.Join(dir, "resource[0-5]"))
	if err != nil {
		return nil, fmt.Errorf("could not list resources of %s: %w", dir, err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no BAR resource file in %s", dir)
	}

	bars := make([]int, 0, len(names))
	for _, name := range names {
		bars = append(bars, int(name[len(name)-1]-'0'))
	}

	dev, err := apci.OpenSysfs(dir, bars...)
	if err != nil {
		return nil, err
	}
	return dev, nil
}
