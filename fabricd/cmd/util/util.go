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

// Package util groups helpers shared by fabricd commands.
package util

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"

	"github.com/halalboro/POS-sub002/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages are
// consumed by the supervisor that started fabricd.
var ErrorLogger io.Writer

// jsonError is the format of the messages written to ErrorLogger.
type jsonError struct {
	Msg   string    `json:"msg"`
	Level string    `json:"level"`
	Time  time.Time `json:"time"`
}

func writeError(msg string) {
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintf(os.Stderr, "%s\n", msg)
	if ErrorLogger != nil {
		data := jsonError{Msg: msg, Level: "error", Time: time.Now()}
		if b, err := json.Marshal(data); err == nil {
			fmt.Fprintf(ErrorLogger, "%s\n", b)
		}
	}
}

// Fatalf logs the same message to the error logger, the regular log and
// stderr, and exits with status 128.
func Fatalf(format string, args ...any) {
	writeError(fmt.Sprintf(format, args...))
	os.Exit(128)
}

// Errorf logs the same message to the error logger, the regular log and
// stderr, and returns subcommands.ExitFailure for the command to return.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	writeError(fmt.Sprintf(format, args...))
	return subcommands.ExitFailure
}
