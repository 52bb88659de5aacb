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
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fpgabo/fpgabo/pkg/metadata"
	"github.com/google/subcommands"
	"gopkg.in/yaml.v3"
)

// Image implements subcommands.Command for the "image" command.
type Image struct {
	format string
}

// Name implements subcommands.Command.Name.
func (*Image) Name() string {
	return "image"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Image) Synopsis() string {
	return "parse image metadata and print it"
}

// Usage implements subcommands.Command.Usage.
func (*Image) Usage() string {
	return `image [-format=text|yaml] <file> - prints the memory topology, connectivity and IP layout of an image.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *Image) SetFlags(f *flag.FlagSet) {
	f.StringVar(&i.format, "format", "text", "output format: text or yaml.")
}

// Execute implements subcommands.Command.Execute.
func (i *Image) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	raw, err := os.ReadFile(f.Arg(0))
	if err != nil {
		Fatalf("reading image: %v", err)
	}
	snap, err := metadata.Parse(raw)
	if err != nil {
		Fatalf("parsing %q: %v", f.Arg(0), err)
	}
	if err := writeImage(Output, i.format, snap); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

type bankView struct {
	Index uint32 `yaml:"index"`
	Tag   uint32 `yaml:"tag"`
	Base  string `yaml:"base"`
	Size  string `yaml:"size"`
	Used  bool   `yaml:"used"`
}

type connectionView struct {
	IP   uint32 `yaml:"ip"`
	Arg  uint32 `yaml:"arg"`
	Bank uint32 `yaml:"bank"`
}

type ipView struct {
	Index uint32 `yaml:"index"`
	Type  uint32 `yaml:"type"`
	Base  string `yaml:"base"`
	Name  string `yaml:"name"`
}

type debugIPView struct {
	Type  uint8  `yaml:"type"`
	Index uint8  `yaml:"index"`
	Base  string `yaml:"base"`
	Name  string `yaml:"name"`
}

type imageView struct {
	ID          string           `yaml:"id"`
	Banks       []bankView       `yaml:"banks"`
	Connections []connectionView `yaml:"connections,omitempty"`
	IPs         []ipView         `yaml:"ips,omitempty"`
	DebugIPs    []debugIPView    `yaml:"debug_ips,omitempty"`
}

func hex(x uint64) string { return fmt.Sprintf("%#x", x) }

func newImageView(s *metadata.Snapshot) imageView {
	v := imageView{ID: s.ID().String(), Banks: []bankView{}}
	for _, b := range s.Banks() {
		v.Banks = append(v.Banks, bankView{
			Index: b.Index,
			Tag:   b.Tag,
			Base:  hex(b.Base),
			Size:  humanize.IBytes(b.Size()),
			Used:  b.Used,
		})
	}
	for _, c := range s.Connections() {
		v.Connections = append(v.Connections, connectionView{IP: c.IP, Arg: c.Arg, Bank: c.Bank})
	}
	for _, ip := range s.IPs() {
		v.IPs = append(v.IPs, ipView{Index: ip.Index, Type: ip.Type, Base: hex(ip.Base), Name: ip.Name})
	}
	for _, d := range s.DebugIPs() {
		v.DebugIPs = append(v.DebugIPs, debugIPView{Type: d.Type, Index: d.Index, Base: hex(d.Base), Name: d.Name})
	}
	return v
}

func writeImage(w io.Writer, format string, s *metadata.Snapshot) error {
	v := newImageView(s)
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encoding yaml: %w", err)
		}
		return enc.Close()
	case "text":
		tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
		fmt.Fprintf(tw, "Image %s\n\n", v.ID)
		fmt.Fprintf(tw, "BANK\tTAG\tBASE\tSIZE\tUSED\n")
		for _, b := range v.Banks {
			fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%t\n", b.Index, b.Tag, b.Base, b.Size, b.Used)
		}
		if len(v.Connections) != 0 {
			fmt.Fprintf(tw, "\nIP\tARG\tBANK\n")
			for _, c := range v.Connections {
				fmt.Fprintf(tw, "%d\t%d\t%d\n", c.IP, c.Arg, c.Bank)
			}
		}
		if len(v.IPs) != 0 {
			fmt.Fprintf(tw, "\nIP\tTYPE\tBASE\tNAME\n")
			for _, ip := range v.IPs {
				fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", ip.Index, ip.Type, ip.Base, ip.Name)
			}
		}
		if len(v.DebugIPs) != 0 {
			fmt.Fprintf(tw, "\nDEBUG IP\tTYPE\tBASE\tNAME\n")
			for _, d := range v.DebugIPs {
				fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", d.Index, d.Type, d.Base, d.Name)
			}
		}
		return tw.Flush()
	default:
		return fmt.Errorf("invalid format %q, must be 'text' or 'yaml'", format)
	}
}
