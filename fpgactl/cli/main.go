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

// Package cli is the main entrypoint for fpgactl.
package cli

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"runtime"

	"github.com/fpgabo/fpgabo/fpgactl/cmd"
	"github.com/fpgabo/fpgabo/pkg/device"
	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/log"
)

var (
	configPath = flag.String("config", "", "path to a TOML device configuration. Defaults are used if empty.")
	debug      = flag.Bool("debug", false, "enable debug logging.")
	logPath    = flag.String("log", "", "file to write logs to. Logs go to stderr if empty.")
	logFormat  = flag.String("log-format", "text", "log format: text (default) or json.")
	deviceName = flag.String("name", "", "overrides the device name of the configuration.")
)

// Main is the main entrypoint.
func Main() {
	forEachCmd(subcommands.Register)
	flag.Parse()

	var logTarget io.Writer = os.Stderr
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			cmd.Fatalf("error opening log file %q: %v", *logPath, err)
		}
		logTarget = f
	}
	log.SetTarget(newEmitter(*logFormat, logTarget))
	if *debug {
		log.SetLevel(log.Debug)
	}

	conf := device.DefaultConfig()
	if *configPath != "" {
		var err error
		if conf, err = device.LoadConfig(*configPath); err != nil {
			cmd.Fatalf("%v", err)
		}
	}
	if *deviceName != "" {
		conf.Name = *deviceName
	}

	log.Infof("fpgactl %s/%s, %s, PID %d", runtime.GOOS, runtime.GOARCH, runtime.Version(), os.Getpid())
	log.Infof("Args: %v", os.Args)
	log.Debugf("Config: %+v", conf)

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	status := subcommands.Execute(ctx, conf)
	stop()
	if status != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, status: %v", status)
	}
	os.Exit(int(status))
}

// forEachCmd invokes the passed callback for each command supported by
// fpgactl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	const imageGroup = "images"
	cb(new(cmd.MkImage), imageGroup)
	cb(new(cmd.Image), imageGroup)

	const deviceGroup = "device"
	cb(new(cmd.Run), deviceGroup)
	cb(new(cmd.Stress), deviceGroup)
}

func newEmitter(format string, w io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Writer: &log.Writer{Next: w}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: w}}
	}
	cmd.Fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}
