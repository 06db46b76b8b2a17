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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"

	"exofork.dev/exofork/pkg/exokernel"
)

// configFlag names the flag holding the path of a TOML configuration file.
const configFlag = "config"

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String(configFlag, "", "path of a TOML configuration file. Flags set on the command line take precedence over it.")

	// Debugging flags.
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("debug-log", "", "additional location for logs. The variable %COMMAND% is replaced by the subcommand name.")
	flagSet.String("metrics", "", "file path where metrics are written in the Prometheus text format when the command finishes. '-' is stdout.")
	flagSet.String("metrics-addr", "", "TCP address, e.g. localhost:9090, on which metrics are served at /metrics while the command runs.")

	// Flags that shape the simulated machine.
	l := exokernel.DefaultLayout()
	flagSet.Int("frames", 1024, "number of physical page frames.")
	flagSet.Int("max-envs", exokernel.MaxEnvs, "maximum number of environments.")
	flagSet.Var(addrPtr(l.UTop), "utop", "end of user-mappable memory.")
	flagSet.Var(addrPtr(l.UXStackTop), "uxstacktop", "top of the one-page user exception stack.")
	flagSet.Var(addrPtr(l.UStackTop), "ustacktop", "top of the normal user stack.")
	flagSet.Var(addrPtr(l.PFTemp), "pftemp", "scratch page used by the copy-on-write fault handler.")
}

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	RegisterFlags(fs)
	return fs
}

// NewFromFlags creates a new Config with values coming from command line
// flags and, if --config is set, the configuration file it names.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	conf.setFromFlags(flagSet, flagSet.VisitAll)

	if path := flagSet.Lookup(configFlag).Value.String(); path != "" {
		if err := conf.decodeFile(path); err != nil {
			return nil, err
		}
		// Flags given explicitly override the file.
		conf.setFromFlags(flagSet, flagSet.Visit)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// setFromFlags copies into c the value of every flag visit reaches.
func (c *Config) setFromFlags(flagSet *flag.FlagSet, visit func(func(*flag.Flag))) {
	fields := make(map[string]int)
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		if name, ok := st.Field(i).Tag.Lookup("flag"); ok {
			if flagSet.Lookup(name) == nil {
				panic(fmt.Sprintf("Flag %q not found", name))
			}
			fields[name] = i
		}
	}
	visit(func(fl *flag.Flag) {
		i, ok := fields[fl.Name]
		if !ok {
			// Not a Config flag.
			return
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	})
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := newFlagSet()

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
