// Copyright 2026 The gVisor Authors.
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

// Package cmd holds implementations of the fpgactl commands.
package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gvisor.dev/gvisor/pkg/log"
)

// Output is where commands print their results.
var Output io.Writer = os.Stdout

// Fatalf logs to stderr and the log, and exits.
func Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "fpgactl: "+format+"\n", args...)
	log.Warningf("FATAL ERROR: "+format, args...)
	os.Exit(128)
}

// printf writes a line to Output.
func printf(format string, args ...any) {
	fmt.Fprintf(Output, format+"\n", args...)
}

// stringFlags can be used with string flags that appear multiple times.
type stringFlags []string

// String implements flag.Value.
func (s *stringFlags) String() string {
	return strings.Join(*s, ",")
}

// Get implements flag.Getter.
func (s *stringFlags) Get() any {
	return s
}

// Set implements flag.Value.
func (s *stringFlags) Set(v string) error {
	if v == "" {
		return fmt.Errorf("empty flag value")
	}
	*s = append(*s, v)
	return nil
}
