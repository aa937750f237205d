// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config holds the persistent settings of the acces commands.
//
// Settings are read from a YAML file and may be overridden with
// ACCES_-prefixed environment variables, e.g. ACCES_FLASH_MAX_ATTEMPTS=3
// or ACCES_DEVICE_DIR=/dev/apci.
// List settings take comma-separated values: ACCES_MAIL_TO=a@lpc.fr,b@lpc.fr.
package config // import "github.com/go-lpc/acces/config"

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	yml "gopkg.in/yaml.v2"

	"github.com/go-lpc/acces/apci"
	"github.com/go-lpc/acces/pwm"
)

// EnvPrefix is the prefix of the environment variables overriding settings.
const EnvPrefix = "ACCES_"

// Config is the configuration of the acces commands.
type Config struct {
	Device Device `koanf:"device" yaml:"device"`
	Flash  Flash  `koanf:"flash" yaml:"flash"`
	PWM    PWM    `koanf:"pwm" yaml:"pwm"`
	Mail   Mail   `koanf:"mail" yaml:"mail"`
}

// Device selects the APCI board.
type Device struct {
	Dir   string `koanf:"dir" yaml:"dir"`     // directory scanned for device files
	Path  string `koanf:"path" yaml:"path"`   // explicit device file, overrides Dir
	Index uint   `koanf:"index" yaml:"index"` // driver device index
}

// Flash configures FPGA flash updates.
type Flash struct {
	MaxAttempts int           `koanf:"max_attempts" yaml:"max_attempts"` // 0: retry forever
	EraseSettle time.Duration `koanf:"erase_settle" yaml:"erase_settle"`
	ByteSettle  time.Duration `koanf:"byte_settle" yaml:"byte_settle"`
	DB          string        `koanf:"db" yaml:"db"` // MySQL DSN of the updates ledger
}

// PWM configures the PWM commands.
type PWM struct {
	Channel   int           `koanf:"channel" yaml:"channel"`
	On        uint16        `koanf:"on" yaml:"on"`
	Off       uint16        `koanf:"off" yaml:"off"`
	Countdown time.Duration `koanf:"countdown" yaml:"countdown"`
}

// Mail configures the notifications sent at the end of flash updates.
type Mail struct {
	Server   string   `koanf:"server" yaml:"server"`
	Port     int      `koanf:"port" yaml:"port"`
	User     string   `koanf:"user" yaml:"user"`
	Password string   `koanf:"password" yaml:"password"`
	To       []string `koanf:"to" yaml:"to,omitempty"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Device: Device{
			Dir:   apci.DefaultDir,
			Index: apci.DefaultIndex,
		},
		Flash: Flash{
			EraseSettle: 2 * time.Second,
			ByteSettle:  25 * time.Microsecond,
		},
		PWM: PWM{
			Channel:   0,
			On:        pwm.DefaultProfile.On,
			Off:       pwm.DefaultProfile.Off,
			Countdown: 10 * time.Second,
		},
		Mail: Mail{
			Port: 587,
		},
	}
}

// DefaultFile returns the default location of the configuration file.
func DefaultFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "acces.yml"
	}
	return filepath.Join(dir, "acces", "acces.yml")
}

// Load loads the configuration from the YAML file fname, on top of the
// defaults, and applies the environment overrides.
// A missing file yields the defaults.
func Load(fname string) (Config, error) {
	var (
		cfg = Default()
		k   = koanf.New(".")
	)

	err := k.Load(structs.Provider(cfg, "koanf"), nil)
	if err != nil {
		return cfg, fmt.Errorf("config: could not load defaults: %w", err)
	}

	if fname != "" {
		_, err = os.Stat(fname)
		switch {
		case err == nil:
			err = k.Load(file.Provider(fname), yaml.Parser())
			if err != nil {
				return cfg, fmt.Errorf("config: could not load %q: %w", fname, err)
			}
		case errors.Is(err, fs.ErrNotExist):
			// defaults.
		default:
			return cfg, fmt.Errorf("config: could not stat %q: %w", fname, err)
		}
	}

	err = k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil)
	if err != nil {
		return cfg, fmt.Errorf("config: could not load environment: %w", err)
	}

	err = k.Unmarshal("", &cfg)
	if err != nil {
		return cfg, fmt.Errorf("config: could not decode configuration: %w", err)
	}

	return cfg, nil
}

// envKey maps ACCES_FLASH_MAX_ATTEMPTS to flash.max_attempts.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(s, "_", ".", 1)
}

// envLists are the settings holding a list of values.
var envLists = map[string]bool{
	"mail.to": true,
}

func envValue(key, value string) (string, interface{}) {
	key = envKey(key)
	if !envLists[key] {
		return key, value
	}
	var vs []string
	for _, v := range strings.Split(value, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		vs = append(vs, v)
	}
	return key, vs
}

// Encode writes cfg as YAML to w.
func Encode(w io.Writer, cfg Config) error {
	enc := yml.NewEncoder(w)
	defer enc.Close()

	err := enc.Encode(cfg)
	if err != nil {
		return fmt.Errorf("config: could not encode configuration: %w", err)
	}
	return nil
}

// Save writes cfg to the YAML file fname, creating its directory if needed.
func Save(fname string, cfg Config) error {
	err := os.MkdirAll(filepath.Dir(fname), 0755)
	if err != nil {
		return fmt.Errorf("config: could not create config directory: %w", err)
	}

	f, err := os.Create(fname)
	if err != nil {
		return fmt.Errorf("config: could not create config file: %w", err)
	}
	defer f.Close()

	err = Encode(f, cfg)
	if err != nil {
		return err
	}

	err = f.Close()
	if err != nil {
		return fmt.Errorf("config: could not save config file: %w", err)
	}
	return nil
}
