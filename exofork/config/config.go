// Copyright 2020 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides basic infrastructure to set configuration settings
// for exofork. Each setting can be changed by a command line flag or by a
// TOML configuration file, with flags taking precedence.
package config

import (
	"fmt"
	"strconv"

	"exofork.dev/exofork/pkg/exokernel"
	"exofork.dev/exofork/pkg/hostarch"
	"exofork.dev/exofork/pkg/log"
	"exofork.dev/exofork/pkg/metric"
	"github.com/BurntSushi/toml"
)

// Config holds configuration that is not part of a command's own flags.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config with flag and toml tags.
//  2. Add the field to RegisterFlags.
//  3. Add validation for the new field in validate, if needed.
type Config struct {
	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format: "text" or "json".
	LogFormat string `flag:"log-format" toml:"log_format"`

	// Debug indicates whether debug logging is enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// DebugLog is the path of an additional debug log file. %COMMAND% is
	// replaced by the subcommand name.
	DebugLog string `flag:"debug-log" toml:"debug_log"`

	// Frames is the number of physical frames in the simulated machine.
	Frames int `flag:"frames" toml:"frames"`

	// MaxEnvs bounds the environment table.
	MaxEnvs int `flag:"max-envs" toml:"max_envs"`

	// UTop is the end of user-mappable memory.
	UTop Addr `flag:"utop" toml:"utop"`

	// UXStackTop is the top of the user exception stack.
	UXStackTop Addr `flag:"uxstacktop" toml:"uxstacktop"`

	// UStackTop is the top of the normal user stack.
	UStackTop Addr `flag:"ustacktop" toml:"ustacktop"`

	// PFTemp is the scratch page of the page fault handler.
	PFTemp Addr `flag:"pftemp" toml:"pftemp"`

	// MetricsFile is where metrics are written in the Prometheus text
	// format when a command finishes. "-" is stdout; empty disables it.
	MetricsFile string `flag:"metrics" toml:"metrics"`

	// MetricsAddr is a TCP address on which metrics are served over HTTP
	// while a command runs. Empty disables the server.
	MetricsAddr string `flag:"metrics-addr" toml:"metrics_addr"`
}

// Default returns a Config holding the default value of every flag.
func Default() *Config {
	fs := newFlagSet()
	c := &Config{}
	c.setFromFlags(fs, fs.VisitAll)
	return c
}

// Load reads a TOML configuration file on top of the defaults. Keys that do
// not name a setting are an error.
func Load(path string) (*Config, error) {
	c := Default()
	if err := c.decodeFile(path); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) decodeFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("decoding config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config file %q: unknown keys %v", path, undecoded)
	}
	return nil
}

func (c *Config) validate() error {
	if _, err := log.NewEmitter(c.LogFormat, &log.Writer{}); err != nil {
		return err
	}
	if c.Frames <= 0 {
		return fmt.Errorf("frames must be positive, got %d", c.Frames)
	}
	if c.MaxEnvs < 1 || c.MaxEnvs > exokernel.MaxEnvs {
		return fmt.Errorf("max-envs must be in [1, %d], got %d", exokernel.MaxEnvs, c.MaxEnvs)
	}
	return c.Layout().Validate()
}

// Layout returns the configured address space layout.
func (c *Config) Layout() exokernel.Layout {
	return exokernel.Layout{
		UTop:       hostarch.Addr(c.UTop),
		UXStackTop: hostarch.Addr(c.UXStackTop),
		UStackTop:  hostarch.Addr(c.UStackTop),
		PFTemp:     hostarch.Addr(c.PFTemp),
	}
}

// KernelConfig returns the exokernel configuration, reporting metrics to m.
func (c *Config) KernelConfig(m *metric.Collector) exokernel.Config {
	return exokernel.Config{
		Layout:  c.Layout(),
		Frames:  c.Frames,
		MaxEnvs: c.MaxEnvs,
		Metrics: m,
	}
}

// Log logs the settings that shape the simulated machine.
func (c *Config) Log() {
	log.Infof("Config:")
	log.Infof("\t%-12s %d", "frames", c.Frames)
	log.Infof("\t%-12s %d", "max-envs", c.MaxEnvs)
	log.Infof("\t%-12s %+v", "layout", c.Layout())
	log.Infof("\t%-12s %t", "debug", c.Debug)
}

// Addr is a user virtual address setting. It is written in hex and accepts
// any base Go integer literals accept.
type Addr hostarch.Addr

// String implements fmt.Stringer.String.
func (a Addr) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// Set implements flag.Value.Set.
func (a *Addr) Set(v string) error {
	n, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", v, err)
	}
	*a = Addr(n)
	return nil
}

// Get implements flag.Getter.Get.
func (a *Addr) Get() any {
	return *a
}

// MarshalText implements encoding.TextMarshaler.MarshalText.
func (a Addr) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.UnmarshalText.
func (a *Addr) UnmarshalText(text []byte) error {
	return a.Set(string(text))
}

func addrPtr(v hostarch.Addr) *Addr {
	a := Addr(v)
	return &a
}
