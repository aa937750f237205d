// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package main

import (
	"github.com/go-lpc/acces/apci"
)

func openSysfs(dir string) (device, error) {
	return nil, apci.ErrUnsupported
}
