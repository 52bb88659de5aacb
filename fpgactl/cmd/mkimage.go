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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fpgabo/fpgabo/pkg/abi/xclbin"
	"github.com/fpgabo/fpgabo/pkg/metadata"
	"github.com/google/subcommands"
)

// MkImage implements subcommands.Command for the "mkimage" command.
type MkImage struct {
	banks    stringFlags
	conns    stringFlags
	ips      stringFlags
	debugIPs stringFlags
	output   string
}

// Name implements subcommands.Command.Name.
func (*MkImage) Name() string {
	return "mkimage"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*MkImage) Synopsis() string {
	return "write image metadata describing memory banks, connectivity and IPs"
}

// Usage implements subcommands.Command.Usage.
func (*MkImage) Usage() string {
	return `mkimage -bank tag:base:sizekb:used... [-conn arg:ip:bank...] [-ip type:base:name...] [-debug-ip type:index:base:name...] -o <file>
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *MkImage) SetFlags(f *flag.FlagSet) {
	f.Var(&m.banks, "bank", "memory bank as tag:base:sizekb:used. May be repeated; banks are indexed in order.")
	f.Var(&m.conns, "conn", "connectivity entry as arg:ip:bank. May be repeated.")
	f.Var(&m.ips, "ip", "IP layout entry as type:base:name. May be repeated.")
	f.Var(&m.debugIPs, "debug-ip", "debug IP layout entry as type:index:base:name. May be repeated.")
	f.StringVar(&m.output, "o", "", "output file.")
}

// Execute implements subcommands.Command.Execute.
func (m *MkImage) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || m.output == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	b, err := buildImage(m.banks, m.conns, m.ips, m.debugIPs)
	if err != nil {
		Fatalf("%v", err)
	}
	raw := b.Bytes()
	// Catch connectivity that references missing banks before writing.
	snap, err := metadata.Parse(raw)
	if err != nil {
		Fatalf("image does not parse: %v", err)
	}
	if err := os.WriteFile(m.output, raw, 0644); err != nil {
		Fatalf("writing %q: %v", m.output, err)
	}
	printf("wrote %s (%s): %v", m.output, humanize.IBytes(uint64(len(raw))), snap)
	return subcommands.ExitSuccess
}

func buildImage(banks, conns, ips, debugIPs []string) (*xclbin.Builder, error) {
	var b xclbin.Builder
	for _, s := range banks {
		f, err := splitFields(s, 4)
		if err != nil {
			return nil, fmt.Errorf("-bank %q: %w", s, err)
		}
		tag, err := parseUint(f[0], 32)
		if err != nil {
			return nil, fmt.Errorf("-bank %q tag: %w", s, err)
		}
		base, err := parseUint(f[1], 64)
		if err != nil {
			return nil, fmt.Errorf("-bank %q base: %w", s, err)
		}
		sizeKB, err := parseUint(f[2], 64)
		if err != nil {
			return nil, fmt.Errorf("-bank %q size: %w", s, err)
		}
		used, err := strconv.ParseBool(f[3])
		if err != nil {
			return nil, fmt.Errorf("-bank %q used: %w", s, err)
		}
		b.Bank(uint32(tag), base, sizeKB, used)
	}
	for _, s := range conns {
		f, err := splitFields(s, 3)
		if err != nil {
			return nil, fmt.Errorf("-conn %q: %w", s, err)
		}
		var v [3]uint64
		for i := range v {
			if v[i], err = parseUint(f[i], 32); err != nil {
				return nil, fmt.Errorf("-conn %q: %w", s, err)
			}
		}
		b.Connect(uint32(v[0]), uint32(v[1]), uint32(v[2]))
	}
	for _, s := range ips {
		f, err := splitFields(s, 3)
		if err != nil {
			return nil, fmt.Errorf("-ip %q: %w", s, err)
		}
		typ, err := parseUint(f[0], 32)
		if err != nil {
			return nil, fmt.Errorf("-ip %q type: %w", s, err)
		}
		base, err := parseUint(f[1], 64)
		if err != nil {
			return nil, fmt.Errorf("-ip %q base: %w", s, err)
		}
		b.IP(uint32(typ), base, f[2])
	}
	for _, s := range debugIPs {
		f, err := splitFields(s, 4)
		if err != nil {
			return nil, fmt.Errorf("-debug-ip %q: %w", s, err)
		}
		typ, err := parseUint(f[0], 8)
		if err != nil {
			return nil, fmt.Errorf("-debug-ip %q type: %w", s, err)
		}
		index, err := parseUint(f[1], 8)
		if err != nil {
			return nil, fmt.Errorf("-debug-ip %q index: %w", s, err)
		}
		base, err := parseUint(f[2], 64)
		if err != nil {
			return nil, fmt.Errorf("-debug-ip %q base: %w", s, err)
		}
		b.DebugIP(uint8(typ), uint8(index), base, f[3])
	}
	return &b, nil
}

// splitFields splits a colon separated value into exactly n fields. The
// last field may itself contain colons.
func splitFields(s string, n int) ([]string, error) {
	f := strings.SplitN(s, ":", n)
	if len(f) != n {
		return nil, fmt.Errorf("want %d colon separated fields, got %d", n, len(f))
	}
	return f, nil
}

func parseUint(s string, bits int) (uint64, error) {
	return strconv.ParseUint(s, 0, bits)
}
