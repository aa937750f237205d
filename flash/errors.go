// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package flash

import (
	"errors"
	"fmt"
)

var (
	ErrImageSize       = errors.New("flash: invalid image size")
	ErrTooManyAttempts = errors.New("flash: too many attempts")
)

// EraseError describes the first flash byte found not erased.
type EraseError struct {
	Offset int
	Got    byte
	Want   byte // image byte at Offset, as reported by the vendor tool.
}

func (e *EraseError) Error() string {
	return fmt.Sprintf(
		"flash: erase verification failed at byte %8d; got %02X, expected %02X",
		e.Offset, e.Got, e.Want,
	)
}

// VerifyError describes the first flash byte that differs from the image.
type VerifyError struct {
	Offset int
	Got    byte
	Want   byte
}

// Pos returns the 1-based position of the mismatching byte.
func (e *VerifyError) Pos() int { return e.Offset + 1 }

func (e *VerifyError) Error() string {
	return fmt.Sprintf(
		"flash: verification failed at byte %8d; got %02X, expected %02X",
		e.Pos(), e.Got, e.Want,
	)
}

type attemptsError struct {
	n   int
	err error
}

func (e *attemptsError) Error() string {
	return fmt.Sprintf("flash: too many attempts (%d): %v", e.n, e.err)
}

func (e *attemptsError) Is(target error) bool { return target == ErrTooManyAttempts }
func (e *attemptsError) Unwrap() error        { return e.err }
