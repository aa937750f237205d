// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package flash

import (
	"fmt"
	"os"

	"github.com/snksoft/crc"
)

var crcTable = crc.NewTable(crc.CRC32)

// Image is a raw FPGA bitstream (.rpd) to be written to the flash.
type Image struct {
	Name string
	data []byte
}

// Load reads the bitstream file fname.
func Load(fname string) (Image, error) {
	raw, err := os.ReadFile(fname)
	if err != nil {
		return Image{}, fmt.Errorf("flash: could not read image file %q: %w", fname, err)
	}
	return NewImage(fname, raw)
}

// NewImage creates an image from the provided bytes.
func NewImage(name string, p []byte) (Image, error) {
	if len(p) == 0 || len(p) > Size {
		return Image{}, fmt.Errorf("flash: image %q has %d bytes (max=%d): %w", name, len(p), Size, ErrImageSize)
	}
	data := make([]byte, len(p))
	copy(data, p)
	return Image{Name: name, data: data}, nil
}

// Len returns the number of bytes of the image.
func (img Image) Len() int { return len(img.data) }

// At returns the i-th byte of the image, or 0 past its end.
func (img Image) At(i int) byte {
	if i < 0 || i >= len(img.data) {
		return 0
	}
	return img.data[i]
}

// CRC32 returns the CRC-32 checksum of the image.
func (img Image) CRC32() uint32 {
	v := crcTable.InitCrc()
	v = crcTable.UpdateCrc(v, img.data)
	return crcTable.CRC32(v)
}
