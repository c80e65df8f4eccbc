// Copyright 2024 The gVisor Authors.
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
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	// Logging flags.
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("debug-log", "", "additional location for logs. The following variables are available: %TIMESTAMP%, %COMMAND%.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")

	// Fabric flags.
	flagSet.String("topology", "", "path of the topology file (.toml, .yaml or .yml).")
	flagSet.String("metrics-addr", "", "address to serve Prometheus metrics on, e.g. \"localhost:9100\". Empty disables it.")
	flagSet.Bool("strict", true, "enforce capabilities. Disabling it permits all traffic and must only be done in tests.")
	flagSet.Int("queue-len", 64, "depth of the data path queues, in beats.")
	flagSet.Int("beat-size", 64, "width of a beat, in bytes.")
}

// flagField is a Config field bound to a registered flag.
type flagField struct {
	value reflect.Value
	flag  *flag.Flag
}

// boundFields returns every field of c carrying a `flag` tag, paired with its
// flag in flagSet. A tag naming an unregistered flag is a programming error.
func boundFields(c *Config, flagSet *flag.FlagSet) []flagField {
	obj := reflect.ValueOf(c).Elem()
	var fields []flagField
	for i, st := 0, obj.Type(); i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		fields = append(fields, flagField{value: obj.Field(i), flag: fl})
	}
	return fields
}

// NewFromFlags creates a new Config with values coming from command line flags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	for _, f := range boundFields(conf, flagSet) {
		f.value.Set(reflect.ValueOf(f.flag.Value.(flag.Getter).Get()))
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns the flags that reproduce c, omitting those left at their
// default.
func (c *Config) ToFlags() []string {
	defaults := flag.NewFlagSet("defaults", flag.ContinueOnError)
	RegisterFlags(defaults)

	var rv []string
	for _, f := range boundFields(c, defaults) {
		if val := flagValue(f.value); val != f.flag.DefValue {
			rv = append(rv, fmt.Sprintf("--%s=%s", f.flag.Name, val))
		}
	}
	return rv
}

// flagValue formats field the way the flag package prints defaults.
func flagValue(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unsupported flag field kind " + field.Kind().String())
	}
}
