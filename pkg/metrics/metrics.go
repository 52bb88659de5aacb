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

// Package metrics exports device statistics as Prometheus metrics.
//
// Values are read from the device each time the registry is gathered.
package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Namespace prefixes every metric name.
const Namespace = "fpgabo"

// Values is one reading of device statistics.
type Values struct {
	// Gauges.
	LiveBuffers   int
	MappedBuffers int64
	PinnedPages   int
	IOMMUEntries  int
	IOVABytes     uint64
	QueueLive     int
	Generation    uint64

	// Counters.
	Submitted      uint64
	Completed      uint64
	Failed         uint64
	Withdrawn      uint64
	Violations     uint64
	ImageLoads     uint64
	ImageLoadFails uint64
}

type metric struct {
	desc  *prometheus.Desc
	typ   prometheus.ValueType
	value func(v *Values) float64
}

// Collector is a prometheus.Collector reading Values from a device.
type Collector struct {
	read    func() Values
	metrics []metric
}

// NewCollector returns a collector for the device called name. extra holds
// additional constant labels. read is called once per scrape.
func NewCollector(name string, extra map[string]string, read func() Values) *Collector {
	labels := prometheus.Labels{"device": name}
	for k, v := range extra {
		if k != "device" {
			labels[k] = v
		}
	}
	gauge := func(n, help string, f func(v *Values) float64) metric {
		return metric{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(Namespace, "", n), help, nil, labels),
			typ:   prometheus.GaugeValue,
			value: f,
		}
	}
	counter := func(n, help string, f func(v *Values) float64) metric {
		return metric{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(Namespace, "", n), help, nil, labels),
			typ:   prometheus.CounterValue,
			value: f,
		}
	}
	return &Collector{
		read: read,
		metrics: []metric{
			gauge("buffers", "Live buffer objects.", func(v *Values) float64 { return float64(v.LiveBuffers) }),
			gauge("mapped_buffers", "Buffer objects with an active device mapping.", func(v *Values) float64 { return float64(v.MappedBuffers) }),
			gauge("pinned_pages", "Application pages pinned by imported buffers.", func(v *Values) float64 { return float64(v.PinnedPages) }),
			gauge("iommu_entries", "IOMMU page table entries in use.", func(v *Values) float64 { return float64(v.IOMMUEntries) }),
			gauge("iova_bytes", "IOVA space in use.", func(v *Values) float64 { return float64(v.IOVABytes) }),
			gauge("exec_queue_depth", "Queue indices owned by queued or running commands.", func(v *Values) float64 { return float64(v.QueueLive) }),
			gauge("image_generation", "Generation of the current image metadata.", func(v *Values) float64 { return float64(v.Generation) }),
			counter("exec_submitted_total", "Command buffers submitted.", func(v *Values) float64 { return float64(v.Submitted) }),
			counter("exec_completed_total", "Command buffers completed.", func(v *Values) float64 { return float64(v.Completed) }),
			counter("exec_failed_total", "Command buffers failed by the scheduler.", func(v *Values) float64 { return float64(v.Failed) }),
			counter("exec_withdrawn_total", "Queued command buffers withdrawn.", func(v *Values) float64 { return float64(v.Withdrawn) }),
			counter("exec_protocol_violations_total", "Scheduler events that did not match a command.", func(v *Values) float64 { return float64(v.Violations) }),
			counter("image_loads_total", "Image metadata loads.", func(v *Values) float64 { return float64(v.ImageLoads) }),
			counter("image_load_failures_total", "Rejected image metadata.", func(v *Values) float64 { return float64(v.ImageLoadFails) }),
		},
	}
}

// Describe implements prometheus.Collector.Describe.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

// Collect implements prometheus.Collector.Collect.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	v := c.read()
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.typ, m.value(&v))
	}
}

// NewRegistry returns a registry holding c.
func NewRegistry(c *Collector) *prometheus.Registry {
	r := prometheus.NewPedanticRegistry()
	r.MustRegister(c)
	return r
}

// WriteText gathers g and writes it in the Prometheus text format.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
