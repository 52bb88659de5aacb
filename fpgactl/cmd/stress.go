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
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fpgabo/fpgabo/pkg/device"
	"github.com/fpgabo/fpgabo/pkg/errors/boerr"
	"github.com/fpgabo/fpgabo/pkg/metrics"
	"github.com/google/subcommands"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/log"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workers     int
	iterations  int
	size        uint64
	metricsAddr string
	linger      time.Duration
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run concurrent buffer lifecycles against the device and print metrics"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [-workers n] [-iterations n] [-size n] [-metrics-addr addr] - runs n workers, each taking
buffers through create or import, map, submit, wait, unmap and free.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "workers", 8, "number of concurrent workers.")
	f.IntVar(&s.iterations, "iterations", 100, "buffer lifecycles per worker.")
	f.Uint64Var(&s.size, "size", 16<<10, "buffer size in bytes.")
	f.StringVar(&s.metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address while running.")
	f.DurationVar(&s.linger, "linger", 0, "keep serving metrics for this long after the workers finish.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.workers <= 0 || s.iterations <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*device.Config)

	d, err := device.New(conf)
	if err != nil {
		Fatalf("creating device: %v", err)
	}
	defer d.Close()
	if err := d.Start(ctx); err != nil {
		Fatalf("starting device: %v", err)
	}

	var srv *http.Server
	if s.metricsAddr != "" {
		l, err := net.Listen("tcp", s.metricsAddr)
		if err != nil {
			Fatalf("listening on %q: %v", s.metricsAddr, err)
		}
		srv = &http.Server{Handler: promhttp.HandlerFor(d.Metrics(), promhttp.HandlerOpts{})}
		go func() {
			if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warningf("metrics server: %v", err)
			}
		}()
		printf("serving metrics on http://%s/", l.Addr())
	}

	start := time.Now()
	if err := stress(ctx, d, s.workers, s.iterations, s.size); err != nil {
		Fatalf("%v", err)
	}
	elapsed := time.Since(start)
	total := s.workers * s.iterations
	printf("%s lifecycles of %s buffers in %v (%.0f/s)",
		humanize.Comma(int64(total)), humanize.IBytes(s.size), elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds())

	if srv != nil {
		if s.linger > 0 {
			select {
			case <-time.After(s.linger):
			case <-ctx.Done():
			}
		}
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}
	if err := metrics.WriteText(Output, d.Metrics()); err != nil {
		Fatalf("writing metrics: %v", err)
	}
	return subcommands.ExitSuccess
}

// stress runs workers concurrent workers on d. Odd workers import
// application memory, even workers create device buffers. A worker that
// finds the queue full or memory exhausted retries after a short pause.
func stress(ctx context.Context, d *device.Device, workers, iterations int, size uint64) error {
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			o := runOpts{size: size, userptr: w%2 == 1, pattern: byte(w)}
			for i := 0; i < iterations; i++ {
				for {
					err := runOnce(gctx, d, o)
					if err == nil {
						break
					}
					if !errors.Is(err, boerr.QueueFull) && !errors.Is(err, boerr.OutOfMemory) {
						return fmt.Errorf("worker %d iteration %d: %w", w, i, err)
					}
					select {
					case <-time.After(time.Millisecond):
					case <-gctx.Done():
						return gctx.Err()
					}
				}
			}
			log.Debugf("stress: worker %d done", w)
			return nil
		})
	}
	return g.Wait()
}
