/*
Copyright 2025 The Sluice Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics holds the Prometheus instrumentation for the upload
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Counters holds all sluice Prometheus metrics.
type Counters struct {
	UploadsStored    prometheus.Counter
	UploadsRejected  *prometheus.CounterVec // label: kind
	ScanResults      *prometheus.CounterVec // label: verdict
	QuarantinePruned prometheus.Counter
	CleanupsReleased prometheus.Counter
	CleanupsForced   prometheus.Counter
	JobsCoalesced    prometheus.Counter
}

// NewCounters creates and registers Prometheus counters with the given
// registerer.
func NewCounters(reg prometheus.Registerer) *Counters {
	c := &Counters{
		UploadsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sluice_uploads_stored_total",
			Help: "Total number of uploads that reached the stored state.",
		}),
		UploadsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sluice_uploads_rejected_total",
			Help: "Total number of rejected uploads, by error kind.",
		}, []string{"kind"}),
		ScanResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sluice_scan_results_total",
			Help: "Total number of scanner verdicts, by verdict.",
		}, []string{"verdict"}),
		QuarantinePruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sluice_quarantine_pruned_total",
			Help: "Total number of expired quarantine entries removed.",
		}),
		CleanupsReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sluice_cleanups_released_total",
			Help: "Total number of cleanup entries released after conversions completed.",
		}),
		CleanupsForced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sluice_cleanups_forced_total",
			Help: "Total number of cleanup entries force-released by the expiry janitor.",
		}),
		JobsCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sluice_jobs_coalesced_total",
			Help: "Total number of post-processing requests absorbed by an already-queued job.",
		}),
	}

	reg.MustRegister(
		c.UploadsStored,
		c.UploadsRejected,
		c.ScanResults,
		c.QuarantinePruned,
		c.CleanupsReleased,
		c.CleanupsForced,
		c.JobsCoalesced,
	)
	return c
}

// NewNopCounters returns counters registered on a throwaway registry,
// for tests and callers that don't scrape.
func NewNopCounters() *Counters {
	return NewCounters(prometheus.NewRegistry())
}
