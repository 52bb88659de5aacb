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

package metrics

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

func TestScrape(t *testing.T) {
	v := Values{LiveBuffers: 3, MappedBuffers: 1, Submitted: 7, Completed: 5, Violations: 2, Generation: 4}
	reg := NewRegistry(NewCollector("fpga0", map[string]string{"board": "zcu102"}, func() Values { return v }))
	srv := httptest.NewServer(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	families, err := (&expfmt.TextParser{}).TextToMetricFamilies(resp.Body)
	if err != nil {
		t.Fatalf("TextToMetricFamilies: %v", err)
	}
	got := make(map[string]float64)
	for name, mf := range families {
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				switch l.GetName() {
				case "device":
					if l.GetValue() != "fpga0" {
						t.Errorf("%s has device label %q", name, l.GetValue())
					}
				case "board":
					if l.GetValue() != "zcu102" {
						t.Errorf("%s has board label %q", name, l.GetValue())
					}
				default:
					t.Errorf("%s has unexpected label %q", name, l.GetName())
				}
			}
			switch {
			case m.GetGauge() != nil:
				got[name] = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				got[name] = m.GetCounter().GetValue()
			}
		}
	}
	want := map[string]float64{
		"fpgabo_buffers":                        3,
		"fpgabo_mapped_buffers":                 1,
		"fpgabo_pinned_pages":                   0,
		"fpgabo_iommu_entries":                  0,
		"fpgabo_iova_bytes":                     0,
		"fpgabo_exec_queue_depth":               0,
		"fpgabo_image_generation":               4,
		"fpgabo_exec_submitted_total":           7,
		"fpgabo_exec_completed_total":           5,
		"fpgabo_exec_failed_total":              0,
		"fpgabo_exec_withdrawn_total":           0,
		"fpgabo_exec_protocol_violations_total": 2,
		"fpgabo_image_loads_total":              0,
		"fpgabo_image_load_failures_total":      0,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("scraped metrics mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteText(t *testing.T) {
	reads := 0
	reg := NewRegistry(NewCollector("fpga1", nil, func() Values {
		reads++
		return Values{QueueLive: 9}
	}))
	var buf bytes.Buffer
	if err := WriteText(&buf, reg); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	if want := `fpgabo_exec_queue_depth{device="fpga1"} 9`; !strings.Contains(buf.String(), want) {
		t.Errorf("WriteText output missing %q:\n%s", want, buf.String())
	}
	if reads != 1 {
		t.Errorf("collector read values %d times per gather, want 1", reads)
	}
}
