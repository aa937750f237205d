// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pwm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Tick is the period of the 125 MHz PWM clock.
const Tick = 8 * time.Nanosecond

// Ticks converts d into a number of PWM clock ticks.
func Ticks(d time.Duration) (uint16, error) {
	n := d / Tick
	if d < 0 || n > math.MaxUint16 {
		return 0, fmt.Errorf("pwm: duration %v out of range [0, %v]", d, Duration(math.MaxUint16))
	}
	return uint16(n), nil
}

// Duration converts a number of PWM clock ticks into a duration.
func Duration(ticks uint16) time.Duration {
	return time.Duration(ticks) * Tick
}

// Profile is the shape of a PWM pulse train, in clock ticks.
type Profile struct {
	On  uint16
	Off uint16
}

// DefaultProfile is the profile used by the vendor test tools.
var DefaultProfile = Profile{On: 0x7fff, Off: 0xffff}

// ParseHex parses on and off tick counts written in hexadecimal,
// with or without a 0x prefix.
func ParseHex(on, off string) (Profile, error) {
	var (
		p   Profile
		err error
	)
	p.On, err = parseHex(on)
	if err != nil {
		return p, fmt.Errorf("pwm: could not parse on time: %w", err)
	}
	p.Off, err = parseHex(off)
	if err != nil {
		return p, fmt.Errorf("pwm: could not parse off time: %w", err)
	}
	return p, nil
}

func parseHex(s string) (uint16, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

// Period returns the duration of a full cycle.
func (p Profile) Period() time.Duration {
	return Duration(p.On) + Duration(p.Off)
}

// Frequency returns the pulse frequency in Hz.
func (p Profile) Frequency() float64 {
	T := p.Period()
	if T == 0 {
		return 0
	}
	return 1 / T.Seconds()
}

// Duty returns the fraction of the period spent in the on phase.
func (p Profile) Duty() float64 {
	T := int(p.On) + int(p.Off)
	if T == 0 {
		return 0
	}
	return float64(p.On) / float64(T)
}

func (p Profile) String() string {
	return fmt.Sprintf("on=0x%04x off=0x%04x (period=%v, freq=%.3f Hz, duty=%.1f%%)",
		p.On, p.Off, p.Period(), p.Frequency(), 100*p.Duty(),
	)
}
