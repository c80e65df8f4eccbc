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

// Package config provides basic infrastructure to set configuration settings
// for fabricd. Process settings come from command line flags; the fabric
// topology comes from a TOML or YAML file.
package config

import (
	"fmt"

	"github.com/mohae/deepcopy"

	"github.com/halalboro/POS-sub002/pkg/log"
)

// Config holds configuration that is not part of the topology file.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name
//  3. Register a new flag in flags.go, with name and description
//  4. Add any necessary validation into validate()
type Config struct {
	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// DebugLog is the path to log debug information to, if not empty. It
	// may contain %TIMESTAMP% and %COMMAND%.
	DebugLog string `flag:"debug-log"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// Topology is the path of the topology file.
	Topology string `flag:"topology"`

	// MetricsAddr is the address of the Prometheus endpoint. Empty
	// disables it.
	MetricsAddr string `flag:"metrics-addr"`

	// Strict enables capability enforcement. Disabling it permits all
	// traffic and is only meant for bring-up tests.
	Strict bool `flag:"strict"`

	// QueueLen is the depth of the data path queues, in beats.
	QueueLen int `flag:"queue-len"`

	// BeatSize is the width of a beat, in bytes.
	BeatSize int `flag:"beat-size"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.QueueLen <= 0 {
		return fmt.Errorf("queue-len must be positive, got %d", c.QueueLen)
	}
	if c.BeatSize <= 0 || c.BeatSize > 64 {
		return fmt.Errorf("beat-size must be in [1, 64], got %d", c.BeatSize)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.Topology: %s", c.Topology)
	log.Infof("Config.Strict: %t", c.Strict)
	log.Infof("Config.QueueLen: %d", c.QueueLen)
	log.Infof("Config.BeatSize: %d", c.BeatSize)
	log.Infof("Config.MetricsAddr: %s", c.MetricsAddr)
	log.Infof("Config.Debug: %t", c.Debug)
	if !c.Strict {
		log.Warningf("*** Capability enforcement is DISABLED. This mode is for testing only. ***")
	}
}

// Clone returns an independent copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}
